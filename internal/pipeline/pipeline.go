// Package pipeline bounds the flow of rendered frames between the
// render workers and the encoder, enforcing backpressure by dropping
// the newest submission when the queue is full and recycling frame
// buffers through a delayed pool.
package pipeline

import (
	"errors"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/stagecast/stagecast/internal/media"
)

// ErrQueueFull is returned when a submission is rejected because the
// queue is at capacity. The caller's frame is dropped, not queued.
var ErrQueueFull = errors.New("pipeline: queue full, frame dropped")

// ErrClosed is returned for submissions after Close.
var ErrClosed = errors.New("pipeline: closed")

// Stats is a point-in-time snapshot of pipeline gauges.
type Stats struct {
	QueueDepth     int           `json:"queueDepth"`
	Accepted       int64         `json:"accepted"`
	Dropped        int64         `json:"dropped"`
	LastProcessing time.Duration `json:"lastProcessingNs"`
	PooledBuffers  int           `json:"pooledBuffers"`
	MemoryBytes    int64         `json:"memoryBytes"`
}

// Pipeline is the bounded frame queue between rendering and encoding.
// Submit never blocks: a full queue rejects the newest frame (the queue
// prefers recency of what it already holds over completeness).
type Pipeline struct {
	log      *slog.Logger
	width    int
	height   int
	maxQueue int
	interval time.Duration

	queue chan *media.Frame

	mu     sync.Mutex
	pool   [][]byte
	closed bool

	accepted   atomic.Int64
	dropped    atomic.Int64
	lastProcNs atomic.Int64

	recycleTimer func(d time.Duration, f func()) // test seam, defaults to time.AfterFunc
}

// New creates a Pipeline for the given canvas resolution and queue
// bound. interval is the target frame interval; buffer recycling is
// delayed by one interval to avoid use-after-return races. If log is
// nil, slog.Default() is used.
func New(width, height, maxQueue int, interval time.Duration, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		log:      log.With("component", "pipeline"),
		width:    width,
		height:   height,
		maxQueue: maxQueue,
		interval: interval,
		queue:    make(chan *media.Frame, maxQueue),
	}
	p.recycleTimer = func(d time.Duration, f func()) { time.AfterFunc(d, f) }

	// Pre-allocate the pool so steady state never reallocates.
	for i := 0; i < maxQueue; i++ {
		p.pool = append(p.pool, make([]byte, width*height*4))
	}
	return p
}

// Submit normalizes a frame to canvas dimensions and enqueues it for
// downstream consumers. Returns the normalized frame on acceptance, or
// ErrQueueFull when the queue is at capacity (the frame is dropped with
// a warning, never blocking the caller).
func (p *Pipeline) Submit(frame *media.Frame) (*media.Frame, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.mu.Unlock()

	start := time.Now()
	normalized := p.normalize(frame)
	p.lastProcNs.Store(time.Since(start).Nanoseconds())

	select {
	case p.queue <- normalized:
		p.accepted.Add(1)
		return normalized, nil
	default:
		p.dropped.Add(1)
		p.release(normalized)
		p.log.Warn("queue full, dropping frame", "seq", frame.Seq, "depth", len(p.queue))
		return nil, ErrQueueFull
	}
}

// Next returns the oldest queued frame, or nil if the queue is empty.
// Delivery preserves submission order.
func (p *Pipeline) Next() *media.Frame {
	select {
	case f := <-p.queue:
		return f
	default:
		return nil
	}
}

// Frames exposes the queue for select-based consumers.
func (p *Pipeline) Frames() <-chan *media.Frame { return p.queue }

// Release returns a frame's buffer to the pool after one frame
// interval. The delay guarantees any consumer still holding the buffer
// finishes with it before reuse.
func (p *Pipeline) Release(frame *media.Frame) {
	if frame == nil {
		return
	}
	p.recycleTimer(p.interval, func() { p.recycle(frame.Pix) })
}

// release returns a buffer immediately; used for frames rejected before
// any consumer could see them.
func (p *Pipeline) release(frame *media.Frame) {
	p.recycle(frame.Pix)
}

func (p *Pipeline) recycle(buf []byte) {
	if cap(buf) < p.width*p.height*4 {
		return // wrong-sized stray, let GC take it
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.pool) >= p.maxQueue*2 {
		return
	}
	p.pool = append(p.pool, buf[:p.width*p.height*4])
}

// checkout takes a zeroed buffer from the pool, allocating only when
// the pool is empty.
func (p *Pipeline) checkout() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.pool); n > 0 {
		buf := p.pool[n-1]
		p.pool = p.pool[:n-1]
		clear(buf)
		return buf
	}
	return make([]byte, p.width*p.height*4)
}

// normalize resizes a frame to canvas dimensions with transparent
// padding, preserving aspect ratio. Frames already at canvas size pass
// through with only a pool copy.
func (p *Pipeline) normalize(frame *media.Frame) *media.Frame {
	out := &media.Frame{
		Pix:       p.checkout(),
		Width:     p.width,
		Height:    p.height,
		Seq:       frame.Seq,
		CreatedAt: frame.CreatedAt,
	}

	if frame.Width == p.width && frame.Height == p.height {
		copy(out.Pix, frame.Pix)
		return out
	}

	// Fit inside the canvas, centered, transparent padding around.
	scaleW := float64(p.width) / float64(frame.Width)
	scaleH := float64(p.height) / float64(frame.Height)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}
	w := int(float64(frame.Width) * scale)
	h := int(float64(frame.Height) * scale)
	x0 := (p.width - w) / 2
	y0 := (p.height - h) / 2

	dst := out.RGBA()
	xdraw.ApproxBiLinear.Scale(dst, image.Rect(x0, y0, x0+w, y0+h), frame.RGBA(), frame.RGBA().Bounds(), xdraw.Src, nil)
	return out
}

// Stats returns the pipeline gauges: queue depth, last processing
// duration, and memory held by queue plus pool.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	pooled := len(p.pool)
	p.mu.Unlock()

	frameBytes := int64(p.width * p.height * 4)
	return Stats{
		QueueDepth:     len(p.queue),
		Accepted:       p.accepted.Load(),
		Dropped:        p.dropped.Load(),
		LastProcessing: time.Duration(p.lastProcNs.Load()),
		PooledBuffers:  pooled,
		MemoryBytes:    frameBytes * int64(pooled+len(p.queue)),
	}
}

// Close drains the queue and stops accepting submissions.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.pool = nil
	p.mu.Unlock()

	for {
		select {
		case <-p.queue:
		default:
			return
		}
	}
}
