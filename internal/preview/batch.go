package preview

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// Batch is one decoded preview message: encoded frames plus
// out-of-band JSON state updates that rode the same flush.
type Batch struct {
	Timestamp time.Time
	Frames    [][]byte
	Updates   [][]byte
}

// EncodeBatch serializes a batch:
//
//	[uint32 frameCount][uint32 stateUpdateCount][uint64 unix-ms timestamp]
//	[per frame:  uint32 length + bytes]
//	[per update: uint32 length + UTF-8 JSON]
//
// All integers big-endian.
func EncodeBatch(frames, updates [][]byte, ts time.Time) []byte {
	size := 4 + 4 + 8
	for _, f := range frames {
		size += 4 + len(f)
	}
	for _, u := range updates {
		size += 4 + len(u)
	}

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(frames)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(updates)))
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts.UnixMilli()))
	for _, f := range frames {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(f)))
		buf = append(buf, f...)
	}
	for _, u := range updates {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(u)))
		buf = append(buf, u...)
	}
	return buf
}

// DecodeBatch parses a serialized batch message.
func DecodeBatch(p []byte) (Batch, error) {
	var b Batch
	if len(p) < 16 {
		return b, fmt.Errorf("preview: batch header truncated at %d bytes", len(p))
	}
	frameCount := binary.BigEndian.Uint32(p[0:4])
	updateCount := binary.BigEndian.Uint32(p[4:8])
	b.Timestamp = time.UnixMilli(int64(binary.BigEndian.Uint64(p[8:16])))
	p = p[16:]

	read := func(kind string) ([]byte, error) {
		if len(p) < 4 {
			return nil, fmt.Errorf("preview: %s length truncated", kind)
		}
		n := binary.BigEndian.Uint32(p[0:4])
		p = p[4:]
		if uint32(len(p)) < n {
			return nil, fmt.Errorf("preview: %s body truncated, want %d have %d", kind, n, len(p))
		}
		item := p[:n]
		p = p[n:]
		return item, nil
	}

	for i := uint32(0); i < frameCount; i++ {
		f, err := read("frame")
		if err != nil {
			return b, err
		}
		b.Frames = append(b.Frames, f)
	}
	for i := uint32(0); i < updateCount; i++ {
		u, err := read("update")
		if err != nil {
			return b, err
		}
		b.Updates = append(b.Updates, u)
	}
	return b, nil
}

// batcher accumulates frames and state updates per client and flushes
// them as one message when the window elapses or the frame threshold
// is hit. This amortizes transport overhead across bursts.
type batcher struct {
	window    time.Duration
	maxFrames int
	flush     func([]byte)
	now       func() time.Time

	mu      sync.Mutex
	frames  [][]byte
	updates [][]byte
	timer   *time.Timer
	stopped bool
}

func newBatcher(window time.Duration, maxFrames int, flush func([]byte)) *batcher {
	return &batcher{window: window, maxFrames: maxFrames, flush: flush, now: time.Now}
}

func (b *batcher) addFrame(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.frames = append(b.frames, p)
	if len(b.frames) >= b.maxFrames {
		b.flushLocked()
		return
	}
	b.armLocked()
}

func (b *batcher) addUpdate(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.updates = append(b.updates, p)
	b.armLocked()
}

func (b *batcher) armLocked() {
	if b.timer != nil {
		return
	}
	b.timer = time.AfterFunc(b.window, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.stopped {
			return
		}
		b.timer = nil
		if len(b.frames) > 0 || len(b.updates) > 0 {
			b.flushLocked()
		}
	})
}

func (b *batcher) flushLocked() {
	msg := EncodeBatch(b.frames, b.updates, b.now())
	b.frames = nil
	b.updates = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.flush(msg)
}

// stop cancels the pending timer and discards buffered content. The
// batcher accepts nothing afterwards.
func (b *batcher) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.frames = nil
	b.updates = nil
}
