package encoder

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProc stands in for an ffmpeg process. Writes past blockFrom park
// on gate so tests can hold the encoder mid-write.
type fakeProc struct {
	mu        sync.Mutex
	writes    int
	received  int
	closed    bool
	blockFrom int // 1-based write index to start blocking at; 0 = never

	gate     chan struct{}
	writeSig chan struct{}
	exit     chan error
	exitOnce sync.Once
}

func newFakeProc() *fakeProc {
	return &fakeProc{
		gate:     make(chan struct{}),
		writeSig: make(chan struct{}, 16),
		exit:     make(chan error, 1),
	}
}

func (p *fakeProc) Stdin() io.WriteCloser { return p }

func (p *fakeProc) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	p.writes++
	idx := p.writes
	blockFrom := p.blockFrom
	p.mu.Unlock()

	if blockFrom > 0 && idx >= blockFrom {
		p.writeSig <- struct{}{}
		<-p.gate
	}

	p.mu.Lock()
	p.received += len(b)
	p.mu.Unlock()
	return len(b), nil
}

func (p *fakeProc) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.exitOnce.Do(func() { p.exit <- nil }) // EOF on stdin ends the run cleanly
	return nil
}

func (p *fakeProc) Wait() error { return <-p.exit }

func (p *fakeProc) Kill() error {
	p.exitOnce.Do(func() { p.exit <- errors.New("killed") })
	return nil
}

func (p *fakeProc) crash(err error) {
	p.exitOnce.Do(func() { p.exit <- err })
}

func (p *fakeProc) bytesReceived() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received
}

func (p *fakeProc) stdinClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProc
	setup func(*fakeProc)
}

func (l *fakeLauncher) Launch(ctx context.Context, bin string, args []string) (process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := newFakeProc()
	if l.setup != nil {
		l.setup(p)
	}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) proc(i int) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= len(l.procs) {
		return nil
	}
	return l.procs[i]
}

func testOptions() Options {
	return Options{
		Binary:        "ffmpeg",
		Width:         8,
		Height:        8,
		FPS:           30,
		BitrateK:      2500,
		Preset:        "veryfast",
		URLs:          []string{"rtmp://127.0.0.1/live/key"},
		DropThreshold: time.Second,
		RestartDelay:  5 * time.Millisecond,
		MaxRestarts:   2,
	}
}

func newTestEncoder(t *testing.T, opts Options) (*Encoder, *fakeLauncher) {
	t.Helper()
	e, err := New(opts, nil)
	require.NoError(t, err)
	fl := &fakeLauncher{}
	e.launch = fl
	return e, fl
}

func waitEvent(t *testing.T, e *Encoder, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-e.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	bad := testOptions()
	bad.Width = 0
	_, err := New(bad, nil)
	assert.Error(t, err)

	bad = testOptions()
	bad.URLs = nil
	_, err = New(bad, nil)
	assert.Error(t, err)
}

func TestBuildArgsSingleTarget(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.Width, opts.Height, opts.FPS = 1280, 720, 30
	line := strings.Join(buildArgs(opts), " ")

	assert.Contains(t, line, "-f rawvideo")
	assert.Contains(t, line, "-pix_fmt rgba")
	assert.Contains(t, line, "-s 1280x720")
	assert.Contains(t, line, "-i pipe:0")
	assert.Contains(t, line, "-c:v libx264", "codec defaults to software")
	assert.Contains(t, line, "-tune zerolatency")
	assert.Contains(t, line, "-g 60", "keyframe interval is two seconds")
	assert.Contains(t, line, "-an")
	assert.Contains(t, line, "-f flv rtmp://127.0.0.1/live/key")
	assert.NotContains(t, line, "tee")
}

func TestBuildArgsTeeForMultipleTargets(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.Codec = "h264_nvenc"
	opts.URLs = []string{"rtmp://a/live/k", "rtmp://b/live/k"}
	line := strings.Join(buildArgs(opts), " ")

	assert.Contains(t, line, "-c:v h264_nvenc")
	assert.Contains(t, line, "-f tee")
	assert.Contains(t, line, "[f=flv]rtmp://a/live/k|[f=flv]rtmp://b/live/k")
}

func TestStreamsFramesToProcess(t *testing.T) {
	t.Parallel()

	e, fl := newTestEncoder(t, testOptions())
	require.NoError(t, e.Start(context.Background()))
	waitEvent(t, e, EventStarted)

	frame := make([]byte, testOptions().frameSize())
	require.NoError(t, e.SendFrame(frame))

	require.Eventually(t, func() bool {
		return fl.proc(0).bytesReceived() == len(frame)
	}, time.Second, time.Millisecond)

	st := e.Stats()
	assert.Equal(t, uint64(1), st.FramesSent)
	assert.GreaterOrEqual(t, st.FPS, 1.0)
	assert.Greater(t, st.BitrateKbps, 0.0)

	e.Stop()
	assert.Equal(t, StateStopped, e.State())
	assert.True(t, fl.proc(0).stdinClosed(), "stdin closed on shutdown")
}

func TestSendFrameRejectsWhenNotStreaming(t *testing.T) {
	t.Parallel()

	e, _ := newTestEncoder(t, testOptions())
	err := e.SendFrame(make([]byte, testOptions().frameSize()))
	assert.ErrorIs(t, err, ErrNotStreaming)
}

func TestSendFrameRejectsWrongSize(t *testing.T) {
	t.Parallel()

	e, _ := newTestEncoder(t, testOptions())
	require.NoError(t, e.Start(context.Background()))
	waitEvent(t, e, EventStarted)
	defer e.Stop()

	err := e.SendFrame(make([]byte, 3))
	assert.ErrorIs(t, err, ErrBadFrameSize)
}

func TestNeverBuffersMoreThanOneFrame(t *testing.T) {
	t.Parallel()

	e, fl := newTestEncoder(t, testOptions())
	fl.setup = func(p *fakeProc) { p.blockFrom = 1 }
	require.NoError(t, e.Start(context.Background()))
	waitEvent(t, e, EventStarted)

	frame := make([]byte, testOptions().frameSize())
	require.NoError(t, e.SendFrame(frame)) // picked up, parked in Write
	<-fl.proc(0).writeSig
	require.NoError(t, e.SendFrame(frame)) // one frame ahead, allowed

	err := e.SendFrame(frame) // two ahead, dropped
	assert.ErrorIs(t, err, ErrFrameDropped)
	assert.Equal(t, uint64(1), e.Stats().FramesDropped)

	close(fl.proc(0).gate)
	require.Eventually(t, func() bool {
		return e.Stats().FramesSent == 2
	}, time.Second, time.Millisecond)
	e.Stop()
}

func TestDropsWhenWriteLatencyExceedsThreshold(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.DropThreshold = 5 * time.Millisecond
	e, fl := newTestEncoder(t, opts)
	fl.setup = func(p *fakeProc) { p.blockFrom = 2 }
	require.NoError(t, e.Start(context.Background()))
	waitEvent(t, e, EventStarted)

	frame := make([]byte, opts.frameSize())
	require.NoError(t, e.SendFrame(frame)) // fast first write primes the clock
	require.Eventually(t, func() bool {
		return fl.proc(0).bytesReceived() == len(frame)
	}, time.Second, time.Millisecond)

	require.NoError(t, e.SendFrame(frame)) // second write parks on the gate
	<-fl.proc(0).writeSig
	time.Sleep(4 * opts.DropThreshold)

	err := e.SendFrame(frame)
	assert.ErrorIs(t, err, ErrFrameDropped, "stalled write past threshold drops incoming frames")

	close(fl.proc(0).gate)
	e.Stop()
}

func TestRestartsAfterCrash(t *testing.T) {
	t.Parallel()

	e, fl := newTestEncoder(t, testOptions())
	require.NoError(t, e.Start(context.Background()))
	waitEvent(t, e, EventStarted)

	fl.proc(0).crash(errors.New("segfault"))

	waitEvent(t, e, EventExited)
	ev := waitEvent(t, e, EventRestarting)
	assert.Equal(t, 1, ev.Restarts)

	waitEvent(t, e, EventStarted)
	require.NotNil(t, fl.proc(1), "replacement process launched")
	assert.Equal(t, 1, e.Stats().Restarts)
	assert.Equal(t, StateStreaming, e.State())

	e.Stop()
}

func TestFatalAfterRestartBudget(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.MaxRestarts = 0
	e, fl := newTestEncoder(t, opts)
	require.NoError(t, e.Start(context.Background()))
	waitEvent(t, e, EventStarted)

	fl.proc(0).crash(errors.New("segfault"))

	ev := waitEvent(t, e, EventFatal)
	assert.Error(t, ev.Err)
	e.Stop()
	assert.Equal(t, StateError, e.State())
	assert.Nil(t, fl.proc(1), "no relaunch past the budget")
}

func TestStartTwice(t *testing.T) {
	t.Parallel()

	e, _ := newTestEncoder(t, testOptions())
	require.NoError(t, e.Start(context.Background()))
	waitEvent(t, e, EventStarted)
	defer e.Stop()

	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyRunning)
}

func TestSelectCodecPrefersFirstUsable(t *testing.T) {
	orig := runProbe
	defer func() { runProbe = orig }()

	var probed []string
	runProbe = func(ctx context.Context, bin string, args []string) ([]byte, error) {
		codec := args[len(args)-4]
		probed = append(probed, codec)
		if codec == "h264_qsv" {
			return []byte("frame=2"), nil
		}
		return []byte("Error initializing output"), errors.New("exit 1")
	}

	got := SelectCodec(context.Background(), "ffmpeg", true, time.Second, nil)
	assert.Equal(t, "h264_qsv", got)
	assert.Equal(t, []string{"h264_nvenc", "h264_qsv"}, probed, "probing stops at the first usable encoder")
}

func TestSelectCodecRejectsErrorOutput(t *testing.T) {
	orig := runProbe
	defer func() { runProbe = orig }()

	// Exit zero but an error on stderr still disqualifies.
	runProbe = func(ctx context.Context, bin string, args []string) ([]byte, error) {
		return []byte("Error while opening encoder"), nil
	}

	got := SelectCodec(context.Background(), "ffmpeg", true, time.Second, nil)
	assert.Equal(t, "libx264", got)
}

func TestSelectCodecSoftwareSkipsProbe(t *testing.T) {
	orig := runProbe
	defer func() { runProbe = orig }()

	runProbe = func(ctx context.Context, bin string, args []string) ([]byte, error) {
		t.Fatal("probe must not run when hardware acceleration is off")
		return nil, nil
	}

	got := SelectCodec(context.Background(), "ffmpeg", false, time.Second, nil)
	assert.Equal(t, "libx264", got)
}
