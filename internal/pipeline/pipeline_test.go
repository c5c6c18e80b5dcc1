package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagecast/stagecast/internal/media"
)

func newTestPipeline(maxQueue int) *Pipeline {
	return New(64, 48, maxQueue, 33*time.Millisecond, nil)
}

func testFrame(w, h int, seq uint64) *media.Frame {
	f := media.NewFrame(w, h)
	f.Seq = seq
	return f
}

func TestSubmitNeverBlocks(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(3)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			_, _ = p.Submit(testFrame(64, 48, uint64(i)))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked on a full queue")
	}

	stats := p.Stats()
	assert.Equal(t, 3, stats.QueueDepth)
	assert.Equal(t, int64(3), stats.Accepted)
	assert.Equal(t, int64(17), stats.Dropped)
}

func TestOverflowRejectsNewestSubmission(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(2)

	_, err := p.Submit(testFrame(64, 48, 1))
	require.NoError(t, err)
	_, err = p.Submit(testFrame(64, 48, 2))
	require.NoError(t, err)

	// Queue is full: the newest submission is the one rejected.
	_, err = p.Submit(testFrame(64, 48, 3))
	assert.ErrorIs(t, err, ErrQueueFull)

	first := p.Next()
	require.NotNil(t, first)
	assert.Equal(t, uint64(1), first.Seq, "FIFO order preserved")
	second := p.Next()
	require.NotNil(t, second)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Nil(t, p.Next())
}

func TestNormalizePassThroughAtCanvasSize(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(2)

	src := testFrame(64, 48, 7)
	src.Pix[0] = 123

	out, err := p.Submit(src)
	require.NoError(t, err)
	assert.Equal(t, 64, out.Width)
	assert.Equal(t, 48, out.Height)
	assert.Equal(t, uint8(123), out.Pix[0])
	assert.Equal(t, uint64(7), out.Seq)
}

func TestNormalizeResizesWithPadding(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(2)

	// A tall 24x48 frame fits the 64x48 canvas with side padding.
	src := testFrame(24, 48, 1)
	for i := range src.Pix {
		src.Pix[i] = 255
	}

	out, err := p.Submit(src)
	require.NoError(t, err)
	assert.Equal(t, 64, out.Width)

	img := out.RGBA()
	assert.Equal(t, uint8(0), img.RGBAAt(1, 24).A, "left edge is transparent padding")
	assert.Equal(t, uint8(255), img.RGBAAt(32, 24).A, "center holds scaled content")
}

func TestReleaseRecyclesAfterDelay(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(1)

	var delay time.Duration
	var fired func()
	p.recycleTimer = func(d time.Duration, f func()) {
		delay = d
		fired = f
	}

	out, err := p.Submit(testFrame(64, 48, 1))
	require.NoError(t, err)
	require.NotNil(t, p.Next())

	before := p.Stats().PooledBuffers
	p.Release(out)
	assert.Equal(t, 33*time.Millisecond, delay, "recycle delayed by one frame interval")
	assert.Equal(t, before, p.Stats().PooledBuffers, "buffer not returned before delay fires")

	fired()
	assert.Equal(t, before+1, p.Stats().PooledBuffers)
}

func TestStatsGauges(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(4)

	_, err := p.Submit(testFrame(64, 48, 1))
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, 1, stats.QueueDepth)
	assert.Positive(t, stats.MemoryBytes)
	assert.GreaterOrEqual(t, stats.LastProcessing, time.Duration(0))
}

func TestSubmitAfterClose(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(2)
	p.Close()

	_, err := p.Submit(testFrame(64, 48, 1))
	assert.ErrorIs(t, err, ErrClosed)

	// Close is idempotent.
	p.Close()
}
