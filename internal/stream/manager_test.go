package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagecast/stagecast/internal/config"
	"github.com/stagecast/stagecast/internal/encoder"
	"github.com/stagecast/stagecast/internal/keystore"
	"github.com/stagecast/stagecast/internal/layer"
)

// fakeEncoder satisfies frameEncoder without spawning a process.
type fakeEncoder struct {
	mu      sync.Mutex
	frames  int
	started bool
	stopped bool
	events  chan encoder.Event
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{events: make(chan encoder.Event, 8)}
}

func (f *fakeEncoder) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeEncoder) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeEncoder) SendFrame(buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
	return nil
}

func (f *fakeEncoder) Events() <-chan encoder.Event { return f.events }

func (f *fakeEncoder) Stats() encoder.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return encoder.Stats{FramesSent: uint64(f.frames)}
}

func (f *fakeEncoder) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

func (f *fakeEncoder) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeEncoder) emitFatal(err error) {
	f.events <- encoder.Event{Type: encoder.EventFatal, Err: err, At: time.Now()}
}

// fakeFactory hands out a fresh fakeEncoder per pipeline cycle.
type fakeFactory struct {
	mu   sync.Mutex
	encs []*fakeEncoder
}

func (ff *fakeFactory) build(encoder.Options) (frameEncoder, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	fe := newFakeEncoder()
	ff.encs = append(ff.encs, fe)
	return fe, nil
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.encs)
}

func (ff *fakeFactory) at(i int) *fakeEncoder {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.encs[i]
}

type captureSink struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (c *captureSink) PublishState(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, s)
}

func (c *captureSink) all() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Snapshot, len(c.snaps))
	copy(out, c.snaps)
	return out
}

func testManagerConfig() config.Config {
	return config.Config{
		CanvasWidth:     64,
		CanvasHeight:    48,
		TargetFPS:       50,
		RTMPAddr:        "127.0.0.1:0",
		RTMPBaseURL:     "rtmp://127.0.0.1:1935",
		StreamPath:      "/live",
		VideoBitrateK:   2500,
		EncoderPreset:   "veryfast",
		HardwareAccel:   false,
		EncoderBinary:   "ffmpeg",
		MaxRestarts:     2,
		FrameDropMs:     250,
		RestartDelayMs:  10,
		ProbeTimeoutSec: 1,
		MaxQueueSize:    8,
		WorkerCount:     2,
	}
}

func testLayers() layer.Manager {
	lm := layer.NewMemoryManager()
	lm.Upsert(layer.Layer{
		ID:        "backdrop",
		Kind:      layer.KindOverlay,
		Visible:   true,
		Opacity:   1,
		Transform: layer.Transform{Scale: 1},
		Overlay: &layer.OverlayContent{
			Type: layer.OverlayShape,
			Shape: &layer.ShapeContent{
				Shape: layer.ShapeRectangle,
				Width: 64, Height: 48,
				Fill: layer.Color{R: 20, G: 20, B: 40, A: 255},
			},
		},
	})
	return lm
}

func newTestManager(t *testing.T, cfg config.Config) (*Manager, *fakeFactory, *captureSink) {
	t.Helper()
	ff := &fakeFactory{}
	sink := &captureSink{}
	m := New(cfg, keystore.NewMemoryStore(), testLayers(), nil, sink, nil, nil)
	m.buildEncoder = ff.build
	return m, ff, sink
}

func TestLifecycleRendersAndEncodesFrames(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, ff, _ := newTestManager(t, testManagerConfig())
	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Start(ctx))
	defer m.Cleanup()

	require.Equal(t, 1, ff.count())
	fe := ff.at(0)
	require.Eventually(t, func() bool {
		return fe.frameCount() >= 3
	}, 3*time.Second, 10*time.Millisecond, "frames should reach the encoder")

	snap := m.Metrics()
	assert.True(t, snap.Live)
	assert.Greater(t, snap.FramesRendered, int64(0))

	m.Stop()
	snap = m.Metrics()
	assert.False(t, snap.Live)
	assert.Zero(t, snap.FramesRendered, "counters reset on stop")
	assert.True(t, fe.wasStopped())
}

func TestStartReturnsAndPublishesLive(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, _, sink := newTestManager(t, testManagerConfig())
	require.NoError(t, m.Initialize(ctx))

	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return")
	}
	defer m.Cleanup()

	snaps := sink.all()
	require.NotEmpty(t, snaps, "Start publishes the live state before returning")
	assert.True(t, snaps[0].Live)
}

func TestStartWithoutInitialize(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, testManagerConfig())
	err := m.Start(context.Background())
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitializeTwiceRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, _ := newTestManager(t, testManagerConfig())
	require.NoError(t, m.Initialize(ctx))
	defer m.Cleanup()

	err := m.Initialize(ctx)
	require.ErrorIs(t, err, ErrWrongPhase)
}

func TestInitializeStoresSessionKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	keys := keystore.NewMemoryStore()
	ff := &fakeFactory{}
	m := New(testManagerConfig(), keys, testLayers(), nil, &captureSink{}, nil, nil)
	m.buildEncoder = ff.build

	require.NoError(t, m.Initialize(ctx))
	key := m.streamKey
	require.NotEmpty(t, key)
	_, err := keystore.ValidateKey(keys, key, "")
	require.NoError(t, err)

	m.Cleanup()
	_, err = keys.Get(key)
	assert.ErrorIs(t, err, keystore.ErrNotFound, "session key removed on cleanup")
}

func TestStateSinkSeesLiveAndOffline(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, sink := newTestManager(t, testManagerConfig())
	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Start(ctx))
	m.Cleanup()

	snaps := sink.all()
	require.NotEmpty(t, snaps)
	assert.True(t, snaps[0].Live, "first snapshot published on start")
	assert.False(t, snaps[len(snaps)-1].Live, "final snapshot published on stop")
}

func TestFatalEncoderEventRecyclesPipeline(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, ff, _ := newTestManager(t, testManagerConfig())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return ff.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	ff.at(0).emitFatal(errors.New("encoder gave up"))

	require.Eventually(t, func() bool { return ff.count() == 2 }, 3*time.Second, 10*time.Millisecond,
		"a fresh pipeline should come up after the fatal error")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, int(m.cycles.Load()))
}

func TestRunStopsAfterRestartBudget(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testManagerConfig()
	cfg.MaxRestarts = 0
	m, ff, _ := newTestManager(t, cfg)

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return ff.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	ff.at(0).emitFatal(errors.New("encoder gave up"))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "restart cycles exhausted")
		var fatal *FatalError
		require.ErrorAs(t, err, &fatal)
		assert.Equal(t, "encoder", fatal.Component)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not surface the exhausted restart budget")
	}
}
