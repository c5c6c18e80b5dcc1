package preview

import (
	"bytes"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/stagecast/stagecast/internal/media"
)

// ringCap bounds the per-client frame buffer. The scheduler always
// takes the newest entry, so anything beyond a few frames is stale by
// definition.
const ringCap = 3

// Client is one preview viewer. Frames pushed onto the ring are pulled
// by a per-client scheduler at the tier's frame rate, scaled and
// JPEG-encoded to tier bounds, then handed to the batcher.
type Client struct {
	ID  string
	log *slog.Logger

	sink  sink
	batch *batcher

	mu      sync.Mutex
	quality Quality
	tier    Tier
	ring    []*media.Frame
	closed  bool

	retune chan Tier
	quit   chan struct{}
	done   chan struct{}

	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
	bytesSent     atomic.Uint64
}

// ClientStats is a point-in-time snapshot of one viewer's delivery
// counters.
type ClientStats struct {
	FramesSent    uint64 `json:"framesSent"`
	FramesDropped uint64 `json:"framesDropped"`
	BytesSent     uint64 `json:"bytesSent"`
}

// sink delivers encoded batch messages to the viewer's transport.
type sink interface {
	WriteBinary(p []byte) error
	Close() error
}

func newClient(id string, s sink, q Quality, window time.Duration, maxFrames int, log *slog.Logger) *Client {
	c := &Client{
		ID:      id,
		log:     log.With("client", id),
		sink:    s,
		quality: q,
		tier:    TierFor(q),
		retune:  make(chan Tier, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.batch = newBatcher(window, maxFrames, c.deliver)
	go c.run()
	return c
}

// Push adds a frame to the ring, dropping the oldest entry when full.
// It never blocks the producer.
func (c *Client) Push(f *media.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if len(c.ring) == ringCap {
		copy(c.ring, c.ring[1:])
		c.ring = c.ring[:ringCap-1]
		c.framesDropped.Add(1)
	}
	c.ring = append(c.ring, f)
}

// PushUpdate enqueues an out-of-band state update for the next batch.
func (c *Client) PushUpdate(js []byte) {
	c.batch.addUpdate(js)
}

// SetQuality switches the delivery tier. The scheduler picks up the
// new interval on its next cycle.
func (c *Client) SetQuality(q Quality) {
	c.mu.Lock()
	c.quality = q
	c.tier = TierFor(q)
	tier := c.tier
	c.mu.Unlock()

	select {
	case c.retune <- tier:
	default:
	}
	c.log.Debug("preview quality changed", "quality", string(q))
}

// Quality returns the current tier selection.
func (c *Client) Quality() Quality {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

// Stats returns the viewer's delivery counters.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		FramesSent:    c.framesSent.Load(),
		FramesDropped: c.framesDropped.Load(),
		BytesSent:     c.bytesSent.Load(),
	}
}

// Close stops the scheduler, cancels any pending batch and discards
// buffered frames. It returns once the scheduler has exited.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.ring = nil
	c.mu.Unlock()

	close(c.quit)
	<-c.done
	c.batch.stop()
	c.sink.Close()
}

func (c *Client) run() {
	defer close(c.done)

	c.mu.Lock()
	interval := tierInterval(c.tier)
	c.mu.Unlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.quit:
			return
		case tier := <-c.retune:
			ticker.Reset(tierInterval(tier))
		case <-ticker.C:
			frame, tier := c.takeNewest()
			if frame == nil {
				continue
			}
			encoded, err := encodeFrame(frame, tier)
			if err != nil {
				c.log.Warn("preview frame encode failed", "error", err)
				continue
			}
			c.batch.addFrame(encoded)
			c.framesSent.Add(1)
		}
	}
}

// takeNewest drains the ring and returns its newest frame. Older
// buffered frames are discarded so delivery never runs behind the
// live edge.
func (c *Client) takeNewest() (*media.Frame, Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ring) == 0 {
		return nil, c.tier
	}
	f := c.ring[len(c.ring)-1]
	if n := len(c.ring) - 1; n > 0 {
		c.framesDropped.Add(uint64(n))
	}
	c.ring = c.ring[:0]
	return f, c.tier
}

func (c *Client) deliver(msg []byte) {
	if err := c.sink.WriteBinary(msg); err != nil {
		c.log.Debug("preview delivery failed", "error", err)
		return
	}
	c.bytesSent.Add(uint64(len(msg)))
}

func tierInterval(t Tier) time.Duration {
	return time.Second / time.Duration(t.MaxFPS)
}

// encodeFrame scales the frame down to tier bounds (never up) and
// JPEG-encodes it at the tier's compression level.
func encodeFrame(f *media.Frame, t Tier) ([]byte, error) {
	src := f.RGBA()

	dst := src
	if f.Width > t.MaxWidth || f.Height > t.MaxHeight {
		scale := float64(t.MaxWidth) / float64(f.Width)
		if s := float64(t.MaxHeight) / float64(f.Height); s < scale {
			scale = s
		}
		w := int(float64(f.Width) * scale)
		h := int(float64(f.Height) * scale)
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: t.Compression}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
