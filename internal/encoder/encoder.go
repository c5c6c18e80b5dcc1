// Package encoder supervises an ffmpeg process that turns raw RGBA
// frames into an H.264 FLV stream published over RTMP. The process is
// restarted on crash up to a budget; past the budget a fatal event is
// emitted and the supervisor gives up.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrAlreadyRunning = errors.New("encoder: already running")
	ErrNotStreaming   = errors.New("encoder: not streaming")
	ErrFrameDropped   = errors.New("encoder: frame dropped")
	ErrBadFrameSize   = errors.New("encoder: frame size mismatch")
)

// State is the encoder lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateStreaming
	StateRestarting
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateRestarting:
		return "restarting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EventType identifies a lifecycle event.
type EventType int

const (
	EventStarted EventType = iota
	EventExited
	EventRestarting
	EventFatal
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventExited:
		return "exited"
	case EventRestarting:
		return "restarting"
	case EventFatal:
		return "fatal"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is delivered on the Events channel for every lifecycle
// transition. Err is set for exited/restarting/fatal.
type Event struct {
	Type     EventType
	Err      error
	Restarts int
	At       time.Time
}

// Stats is a point-in-time snapshot of encoder throughput.
type Stats struct {
	State         State
	FPS           float64 // frames written over the last second
	BitrateKbps   float64 // raw bytes written over the last second
	FramesSent    uint64
	FramesDropped uint64
	Restarts      int
}

// process is a handle to one launched encoder run.
type process interface {
	Stdin() io.WriteCloser
	Wait() error
	Kill() error
}

// launcher starts encoder processes. Production uses execLauncher;
// tests substitute a fake.
type launcher interface {
	Launch(ctx context.Context, bin string, args []string) (process, error)
}

type writeSample struct {
	at time.Time
	n  int
}

// Encoder feeds frames to a supervised ffmpeg process. SendFrame never
// blocks and never buffers more than one frame ahead; frames arriving
// while the process is behind are discarded.
type Encoder struct {
	log    *slog.Logger
	opts   Options
	launch launcher

	state  atomic.Int32
	events chan Event

	pending chan []byte

	started  atomic.Bool
	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu   sync.Mutex
	proc process

	writing       atomic.Bool
	lastWriteNano atomic.Int64
	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
	restarts      atomic.Uint32

	winMu  sync.Mutex
	window []writeSample
}

// New builds an Encoder. It does not launch anything until Start.
func New(opts Options, log *slog.Logger) (*Encoder, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Width <= 0 || opts.Height <= 0 || opts.FPS <= 0 {
		return nil, fmt.Errorf("encoder: invalid geometry %dx%d@%d", opts.Width, opts.Height, opts.FPS)
	}
	if len(opts.URLs) == 0 {
		return nil, errors.New("encoder: at least one publish URL required")
	}
	if opts.Binary == "" {
		opts.Binary = "ffmpeg"
	}
	return &Encoder{
		log:      log.With("component", "encoder"),
		opts:     opts,
		launch:   &execLauncher{log: log},
		events:   make(chan Event, 16),
		pending:  make(chan []byte, 1),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Events returns the lifecycle event channel. Events are dropped, not
// blocked on, when the consumer falls behind.
func (e *Encoder) Events() <-chan Event { return e.events }

// State returns the current lifecycle state.
func (e *Encoder) State() State { return State(e.state.Load()) }

// Start launches the supervisor. It returns immediately; readiness is
// signaled by an EventStarted on the events channel.
func (e *Encoder) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	e.setState(StateStarting)
	go e.supervise(ctx)
	return nil
}

// SendFrame hands one raw RGBA frame to the encoder. It returns
// ErrFrameDropped when the process is behind (a frame is already
// pending, or the last stdin write is older than the drop threshold
// with another still in flight) and ErrNotStreaming outside the
// streaming state. The buffer must not be reused until the next frame
// interval has elapsed.
func (e *Encoder) SendFrame(buf []byte) error {
	if e.State() != StateStreaming {
		return ErrNotStreaming
	}
	if len(buf) != e.opts.frameSize() {
		return fmt.Errorf("%w: got %d want %d", ErrBadFrameSize, len(buf), e.opts.frameSize())
	}

	if e.writing.Load() {
		if last := e.lastWriteNano.Load(); last != 0 && time.Since(time.Unix(0, last)) > e.opts.DropThreshold {
			e.framesDropped.Add(1)
			return ErrFrameDropped
		}
	}

	select {
	case e.pending <- buf:
		return nil
	default:
		e.framesDropped.Add(1)
		return ErrFrameDropped
	}
}

// Stop shuts the encoder down, closing stdin so ffmpeg can flush, and
// waits for the supervisor to exit. Safe to call more than once.
func (e *Encoder) Stop() {
	e.stopOnce.Do(func() { close(e.stopping) })
	if e.started.Load() {
		<-e.done
	} else {
		e.setState(StateStopped)
	}
}

// Stats returns a throughput snapshot.
func (e *Encoder) Stats() Stats {
	fps, kbps := e.windowRates(time.Now())
	return Stats{
		State:         e.State(),
		FPS:           fps,
		BitrateKbps:   kbps,
		FramesSent:    e.framesSent.Load(),
		FramesDropped: e.framesDropped.Load(),
		Restarts:      int(e.restarts.Load()),
	}
}

func (e *Encoder) supervise(ctx context.Context) {
	defer close(e.done)
	args := buildArgs(e.opts)

	for {
		e.setState(StateStarting)
		proc, err := e.launch.Launch(ctx, e.opts.Binary, args)
		if err != nil {
			e.log.Error("encoder launch failed", "error", err)
			if !e.backoff(ctx, err) {
				return
			}
			continue
		}

		e.mu.Lock()
		e.proc = proc
		e.mu.Unlock()
		e.setState(StateStreaming)
		e.emit(Event{Type: EventStarted, Restarts: int(e.restarts.Load()), At: time.Now()})
		e.log.Info("encoder process started", "codec", e.opts.Codec, "targets", len(e.opts.URLs))

		waitErr := e.feed(ctx, proc)

		e.mu.Lock()
		e.proc = nil
		e.mu.Unlock()
		e.emit(Event{Type: EventExited, Err: waitErr, Restarts: int(e.restarts.Load()), At: time.Now()})

		if ctx.Err() != nil || e.isStopping() {
			e.setState(StateStopped)
			return
		}

		e.log.Warn("encoder process exited unexpectedly", "error", waitErr)
		if !e.backoff(ctx, waitErr) {
			return
		}
	}
}

// feed writes pending frames to the process until it exits or shutdown
// is requested. It always returns the process exit error.
func (e *Encoder) feed(ctx context.Context, proc process) error {
	stdin := proc.Stdin()
	waitCh := make(chan error, 1)
	go func() { waitCh <- proc.Wait() }()

	for {
		select {
		case err := <-waitCh:
			return err
		case <-ctx.Done():
			stdin.Close()
			proc.Kill()
			return <-waitCh
		case <-e.stopping:
			stdin.Close() // EOF lets ffmpeg flush and exit cleanly
			return <-waitCh
		case buf := <-e.pending:
			e.writing.Store(true)
			_, werr := stdin.Write(buf)
			e.writing.Store(false)
			if werr != nil {
				proc.Kill()
				return <-waitCh
			}
			e.recordWrite(len(buf))
		}
	}
}

// backoff counts a restart attempt and sleeps the restart delay. It
// returns false when the budget is exhausted or shutdown began, having
// already set the terminal state.
func (e *Encoder) backoff(ctx context.Context, cause error) bool {
	n := int(e.restarts.Add(1))
	if n > e.opts.MaxRestarts {
		e.setState(StateError)
		e.emit(Event{
			Type:     EventFatal,
			Err:      fmt.Errorf("encoder: giving up after %d restarts: %w", e.opts.MaxRestarts, cause),
			Restarts: n - 1,
			At:       time.Now(),
		})
		e.log.Error("encoder restart budget exhausted", "restarts", e.opts.MaxRestarts, "error", cause)
		return false
	}

	e.setState(StateRestarting)
	e.emit(Event{Type: EventRestarting, Err: cause, Restarts: n, At: time.Now()})
	e.log.Info("restarting encoder", "attempt", n, "max", e.opts.MaxRestarts, "delay", e.opts.RestartDelay)

	select {
	case <-time.After(e.opts.RestartDelay):
		return true
	case <-ctx.Done():
		e.setState(StateStopped)
		return false
	case <-e.stopping:
		e.setState(StateStopped)
		return false
	}
}

func (e *Encoder) setState(s State) { e.state.Store(int32(s)) }

func (e *Encoder) isStopping() bool {
	select {
	case <-e.stopping:
		return true
	default:
		return false
	}
}

func (e *Encoder) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.log.Warn("encoder event dropped", "type", ev.Type.String())
	}
}

func (e *Encoder) recordWrite(n int) {
	now := time.Now()
	e.lastWriteNano.Store(now.UnixNano())
	e.framesSent.Add(1)

	e.winMu.Lock()
	e.window = append(e.window, writeSample{at: now, n: n})
	e.pruneWindowLocked(now)
	e.winMu.Unlock()
}

func (e *Encoder) windowRates(now time.Time) (fps, kbps float64) {
	e.winMu.Lock()
	defer e.winMu.Unlock()
	e.pruneWindowLocked(now)
	var bytes int
	for _, s := range e.window {
		bytes += s.n
	}
	return float64(len(e.window)), float64(bytes) * 8 / 1000
}

func (e *Encoder) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-time.Second)
	i := 0
	for i < len(e.window) && e.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		e.window = append(e.window[:0], e.window[i:]...)
	}
}
