// Package stream orchestrates the production pipeline: a frame timer
// drives the render pool, rendered frames flow through the pipeline to
// the encoder and, independently, to the preview distributor. The
// manager owns component lifecycle and the central failure policy:
// encoder-class failures recycle the whole pipeline a bounded number of
// times instead of killing the process.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stagecast/stagecast/internal/config"
	"github.com/stagecast/stagecast/internal/encoder"
	"github.com/stagecast/stagecast/internal/keystore"
	"github.com/stagecast/stagecast/internal/layer"
	"github.com/stagecast/stagecast/internal/pipeline"
	"github.com/stagecast/stagecast/internal/preview"
	"github.com/stagecast/stagecast/internal/renderpool"
	"github.com/stagecast/stagecast/internal/rtmp"
)

var (
	ErrNotInitialized = errors.New("stream: manager not initialized")
	ErrWrongPhase     = errors.New("stream: operation invalid in current phase")
)

// FatalError marks a component failure that exhausted its recovery
// budget. Callers use errors.As to distinguish it from startup errors.
type FatalError struct {
	Component string
	Err       error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: fatal: %v", e.Component, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

type phase int32

const (
	phaseIdle phase = iota
	phaseInitialized
	phaseStarting
	phaseRunning
	phaseStopped
)

// frameEncoder is the encoder surface the manager depends on.
// Production uses encoder.Encoder; tests substitute a fake.
type frameEncoder interface {
	Start(ctx context.Context) error
	Stop()
	SendFrame(buf []byte) error
	Events() <-chan encoder.Event
	Stats() encoder.Stats
}

var _ frameEncoder = (*encoder.Encoder)(nil)

// Manager wires and supervises all pipeline components.
type Manager struct {
	cfg      config.Config
	log      *slog.Logger
	keys     keystore.Store
	layers   layer.Manager
	dist     *preview.Distributor
	sink     StateSink
	exporter *Exporter // optional

	// buildEncoder is a test seam; production launches ffmpeg.
	buildEncoder func(opts encoder.Options) (frameEncoder, error)

	mu        sync.Mutex
	phase     phase
	pool      *renderpool.Pool
	pipe      *pipeline.Pipeline
	enc       frameEncoder
	rtmpSrv   *rtmp.Server
	streamKey string
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	fatal     chan error

	seq            atomic.Uint64
	framesRendered atomic.Int64
	framesDropped  atomic.Int64
	cycles         atomic.Int32
}

// New builds a Manager. dist carries preview frames and state updates;
// sink may be nil, in which case snapshots go to the preview clients.
// exporter may be nil to skip prometheus counters.
func New(cfg config.Config, keys keystore.Store, layers layer.Manager, dist *preview.Distributor, sink StateSink, exporter *Exporter, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		log:      log.With("component", "manager"),
		keys:     keys,
		layers:   layers,
		dist:     dist,
		sink:     sink,
		exporter: exporter,
	}
	if m.sink == nil {
		if dist != nil {
			m.sink = PreviewSink{D: dist}
		} else {
			m.sink = nopSink{}
		}
	}
	m.buildEncoder = func(opts encoder.Options) (frameEncoder, error) {
		return encoder.New(opts, log)
	}
	return m
}

// Initialize wires all components: generates and validates the session
// stream key, probes the encoder codec, and builds the render pool,
// pipeline, encoder and RTMP server. Nothing starts running yet.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != phaseIdle && m.phase != phaseStopped {
		return fmt.Errorf("%w: initialize in phase %d", ErrWrongPhase, m.phase)
	}

	key := keystore.GenerateKey()
	if err := m.keys.Put(key, keystore.Info{
		UserID:    "stagecast",
		StreamID:  key[len(key)-8:],
		IsActive:  true,
		CreatedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("stream: store session key: %w", err)
	}
	if _, err := keystore.ValidateKey(m.keys, key, ""); err != nil {
		return fmt.Errorf("stream: session key does not validate: %w", err)
	}
	m.streamKey = key

	codec := encoder.SelectCodec(ctx, m.cfg.EncoderBinary, m.cfg.HardwareAccel,
		time.Duration(m.cfg.ProbeTimeoutSec)*time.Second, m.log)

	pool, err := renderpool.New(m.cfg.WorkerCount, m.cfg.CanvasWidth, m.cfg.CanvasHeight, m.log)
	if err != nil {
		return err
	}

	interval := time.Duration(m.cfg.FrameInterval()) * time.Millisecond
	pipe := pipeline.New(m.cfg.CanvasWidth, m.cfg.CanvasHeight, m.cfg.MaxQueueSize, interval, m.log)

	publishURL := strings.TrimRight(m.cfg.RTMPBaseURL, "/") + m.cfg.StreamPath + "/" + key + "?role=encoder"
	enc, err := m.buildEncoder(encoder.Options{
		Binary:        m.cfg.EncoderBinary,
		Width:         m.cfg.CanvasWidth,
		Height:        m.cfg.CanvasHeight,
		FPS:           m.cfg.TargetFPS,
		BitrateK:      m.cfg.VideoBitrateK,
		Preset:        m.cfg.EncoderPreset,
		Codec:         codec,
		URLs:          []string{publishURL},
		DropThreshold: time.Duration(m.cfg.FrameDropMs) * time.Millisecond,
		RestartDelay:  time.Duration(m.cfg.RestartDelayMs) * time.Millisecond,
		MaxRestarts:   m.cfg.MaxRestarts,
	})
	if err != nil {
		pool.Close()
		pipe.Close()
		return err
	}

	m.pool = pool
	m.pipe = pipe
	m.enc = enc
	m.rtmpSrv = rtmp.NewServer(m.cfg.RTMPAddr, m.keys, m.log)
	m.fatal = make(chan error, 4)
	m.phase = phaseInitialized
	m.log.Info("pipeline initialized", "codec", codec, "canvas",
		fmt.Sprintf("%dx%d@%d", m.cfg.CanvasWidth, m.cfg.CanvasHeight, m.cfg.TargetFPS))
	return nil
}

// Start brings the pipeline up: RTMP server, encoder, then the frame
// timer, in that order. It publishes the live state once running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != phaseInitialized {
		m.mu.Unlock()
		return fmt.Errorf("%w: start requires initialize", ErrNotInitialized)
	}
	m.phase = phaseStarting
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	// The mutex is not held while components come up: the rtmp run
	// goroutine, publishState and Metrics all take it themselves.
	fail := func(err error) error {
		cancel()
		m.wg.Wait()
		m.mu.Lock()
		m.phase = phaseInitialized
		m.mu.Unlock()
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.rtmpSrv.Run(runCtx); err != nil && runCtx.Err() == nil {
			m.raiseFatal(&FatalError{Component: "rtmp", Err: err})
		}
	}()
	if err := m.waitForListener(runCtx); err != nil {
		return fail(err)
	}

	if err := m.enc.Start(runCtx); err != nil {
		return fail(err)
	}

	m.wg.Add(4)
	go m.watchEncoder(runCtx)
	go m.encodeLoop(runCtx)
	go m.consumeRTMPEvents(runCtx)
	go m.tickLoop(runCtx)

	m.mu.Lock()
	m.phase = phaseRunning
	m.mu.Unlock()
	m.log.Info("pipeline started", "rtmp", m.rtmpSrv.Addr().String())
	m.publishState()
	return nil
}

// waitForListener blocks until the RTMP listener is bound or its
// startup failed.
func (m *Manager) waitForListener(ctx context.Context) error {
	deadline := time.Now().Add(2 * time.Second)
	for m.rtmpSrv.Addr() == nil {
		select {
		case err := <-m.fatal:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			return errors.New("stream: rtmp listener did not come up")
		}
	}
	return nil
}

// Stop reverses Start: timer and loops first, then the encoder, then
// the RTMP server. Counters reset and the offline state is published.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.phase != phaseRunning {
		m.mu.Unlock()
		return
	}
	m.phase = phaseStopped
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.enc.Stop()
	m.wg.Wait()

	m.framesRendered.Store(0)
	m.framesDropped.Store(0)
	m.seq.Store(0)
	m.log.Info("pipeline stopped")
	m.publishState()
}

// Cleanup tears down every component built by Initialize. The manager
// returns to idle and can be initialized again.
func (m *Manager) Cleanup() {
	m.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pool != nil {
		m.pool.Close()
		m.pool = nil
	}
	if m.pipe != nil {
		m.pipe.Close()
		m.pipe = nil
	}
	if m.streamKey != "" {
		if err := m.keys.Delete(m.streamKey); err != nil {
			m.log.Warn("session key cleanup failed", "error", err)
		}
		m.streamKey = ""
	}
	m.enc = nil
	m.rtmpSrv = nil
	m.phase = phaseIdle
}

// Run drives the full lifecycle until ctx is canceled. Fatal component
// errors trigger cleanup-and-reinitialize up to the configured restart
// budget; past it the error is returned.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if err := m.Initialize(ctx); err != nil {
			return err
		}
		if err := m.Start(ctx); err != nil {
			m.Cleanup()
			return err
		}

		m.mu.Lock()
		fatal := m.fatal
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			m.Cleanup()
			return nil
		case err := <-fatal:
			m.Cleanup()
			n := int(m.cycles.Add(1))
			if n > m.cfg.MaxRestarts {
				return fmt.Errorf("stream: restart cycles exhausted: %w", err)
			}
			m.log.Error("component failure, recycling pipeline",
				"error", err, "cycle", n, "max", m.cfg.MaxRestarts)
		}
	}
}

// Metrics returns the aggregate snapshot of the pipeline.
func (m *Manager) Metrics() Snapshot {
	m.mu.Lock()
	pipe, enc, srv := m.pipe, m.enc, m.rtmpSrv
	live := m.phase == phaseRunning
	m.mu.Unlock()

	s := Snapshot{
		Live:           live,
		FramesRendered: m.framesRendered.Load(),
		FramesDropped:  m.framesDropped.Load(),
		RestartCycles:  int(m.cycles.Load()),
		At:             time.Now(),
	}
	if pipe != nil {
		ps := pipe.Stats()
		s.QueueDepth = ps.QueueDepth
		s.FramesDropped += ps.Dropped
	}
	if enc != nil {
		es := enc.Stats()
		s.EncoderFPS = es.FPS
		s.EncoderBitrateKbps = es.BitrateKbps
		s.EncoderRestarts = es.Restarts
		s.FramesDropped += int64(es.FramesDropped)
	}
	if srv != nil {
		for _, st := range srv.Streams() {
			if !st.Internal {
				s.Viewers += st.Players
			}
		}
	}
	if m.dist != nil {
		s.PreviewClients = m.dist.ClientCount()
		s.Viewers += s.PreviewClients
	}
	return s
}

// RTMPAddr returns the bound RTMP listener address, or empty before
// Start.
func (m *Manager) RTMPAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rtmpSrv == nil || m.rtmpSrv.Addr() == nil {
		return ""
	}
	return m.rtmpSrv.Addr().String()
}

func (m *Manager) tickLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := time.Duration(m.cfg.FrameInterval()) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastState := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.renderTick(ctx)
			if time.Since(lastState) >= time.Second {
				lastState = time.Now()
				m.publishState()
			}
		}
	}
}

// renderTick produces one frame: render, feed the preview, hand off to
// the pipeline. A render failure costs one frame, never the session.
func (m *Manager) renderTick(ctx context.Context) {
	res := m.pool.Submit(ctx, renderpool.Task{
		Layers:   m.layers.GetAllLayers(),
		Priority: renderpool.PriorityNormal,
	})
	if res.Err != nil {
		if ctx.Err() == nil {
			m.framesDropped.Add(1)
			m.log.Warn("render failed", "task", res.TaskID, "error", res.Err)
		}
		return
	}

	res.Frame.Seq = m.seq.Add(1)
	m.framesRendered.Add(1)

	if m.dist != nil {
		m.dist.Broadcast(res.Frame)
	}
	if _, err := m.pipe.Submit(res.Frame); err != nil && !errors.Is(err, pipeline.ErrQueueFull) {
		m.log.Warn("pipeline rejected frame", "seq", res.Frame.Seq, "error", err)
	}
}

// encodeLoop forwards pipeline frames to the encoder in FIFO order and
// returns their buffers to the pool.
func (m *Manager) encodeLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-m.pipe.Frames():
			if err := m.enc.SendFrame(f.Pix); err != nil &&
				!errors.Is(err, encoder.ErrNotStreaming) && !errors.Is(err, encoder.ErrFrameDropped) {
				m.log.Warn("encoder rejected frame", "seq", f.Seq, "error", err)
			}
			m.pipe.Release(f)
		}
	}
}

// watchEncoder applies the central failure policy: fatal encoder errors
// escalate to the orchestrator, everything else is observability.
func (m *Manager) watchEncoder(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.enc.Events():
			switch ev.Type {
			case encoder.EventStarted:
				m.log.Info("encoder streaming", "restarts", ev.Restarts)
			case encoder.EventExited:
				m.log.Warn("encoder exited", "error", ev.Err)
			case encoder.EventRestarting:
				m.log.Warn("encoder restarting", "attempt", ev.Restarts, "error", ev.Err)
			case encoder.EventFatal:
				m.raiseFatal(&FatalError{Component: "encoder", Err: ev.Err})
			}
		}
	}
}

func (m *Manager) consumeRTMPEvents(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.rtmpSrv.Events():
			m.log.Debug("rtmp event", "type", ev.Type.String(), "path", ev.Path, "conn", ev.ConnID)
			if m.exporter == nil {
				continue
			}
			switch ev.Type {
			case rtmp.EventPublishStart:
				m.exporter.IncPublishes()
			case rtmp.EventPlayStart:
				m.exporter.IncPlays()
			case rtmp.EventDisconnect:
				m.exporter.IncDisconnects()
			}
		}
	}
}

func (m *Manager) raiseFatal(err error) {
	m.mu.Lock()
	fatal := m.fatal
	m.mu.Unlock()
	select {
	case fatal <- err:
	default:
	}
}

func (m *Manager) publishState() {
	m.sink.PublishState(m.Metrics())
}
