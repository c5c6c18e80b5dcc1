package rtmp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

const (
	defaultChunkSize = 128
	outChunkSize     = 4096
	maxInChunkSize   = 1 << 20
	maxMessageSize   = 8 << 20

	extendedTimestamp = 0xFFFFFF
)

// RTMP message type IDs (spec §5.4, §6.2, §7.1).
const (
	MsgSetChunkSize     uint8 = 1
	MsgAbort            uint8 = 2
	MsgAck              uint8 = 3
	MsgUserControl      uint8 = 4
	MsgWindowAckSize    uint8 = 5
	MsgSetPeerBandwidth uint8 = 6
	MsgAudio            uint8 = 8
	MsgVideo            uint8 = 9
	MsgDataAMF0         uint8 = 18
	MsgCommandAMF0      uint8 = 20
)

// User control event types (spec §7.1.7).
const (
	eventStreamBegin uint16 = 0
	eventStreamEOF   uint16 = 1
)

// Chunk stream IDs this server writes on. Protocol control is pinned
// to 2 by the spec; the rest is our allocation.
const (
	csidControl uint32 = 2
	csidCommand uint32 = 3
	csidMedia   uint32 = 4
)

// Message is one complete RTMP message, reassembled from chunks.
type Message struct {
	TypeID    uint8
	StreamID  uint32
	Timestamp uint32
	Payload   []byte
}

// chunkStreamState carries header fields forward between chunks on one
// chunk stream, as compressed header formats 1-3 require.
type chunkStreamState struct {
	timestamp uint32
	delta     uint32
	length    uint32
	typeID    uint8
	streamID  uint32
	extended  bool
	buf       []byte
}

// chunkReader reassembles messages from the interleaved chunk stream.
type chunkReader struct {
	r         *bufio.Reader
	chunkSize uint32
	streams   map[uint32]*chunkStreamState
}

func newChunkReader(r io.Reader) *chunkReader {
	return &chunkReader{
		r:         bufio.NewReader(r),
		chunkSize: defaultChunkSize,
		streams:   make(map[uint32]*chunkStreamState),
	}
}

func (cr *chunkReader) setChunkSize(n uint32) error {
	if n == 0 || n > maxInChunkSize {
		return fmt.Errorf("%w: %d", ErrChunkTooLarge, n)
	}
	cr.chunkSize = n
	return nil
}

// ReadMessage reads chunks until one message completes. Chunks from
// different chunk streams may interleave; partial payloads accumulate
// per stream until their declared length is reached.
func (cr *chunkReader) ReadMessage() (*Message, error) {
	for {
		msg, err := cr.readChunk()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
}

func (cr *chunkReader) readChunk() (*Message, error) {
	basic, err := cr.r.ReadByte()
	if err != nil {
		return nil, &ParseError{Field: "basic header", Err: err}
	}
	format := basic >> 6
	csid := uint32(basic & 0x3f)
	switch csid {
	case 0:
		b, err := cr.r.ReadByte()
		if err != nil {
			return nil, &ParseError{Field: "basic header csid", Err: err}
		}
		csid = uint32(b) + 64
	case 1:
		var b [2]byte
		if _, err := io.ReadFull(cr.r, b[:]); err != nil {
			return nil, &ParseError{Field: "basic header csid", Err: err}
		}
		csid = uint32(b[0]) + uint32(b[1])*256 + 64
	}

	st := cr.streams[csid]
	if st == nil {
		st = &chunkStreamState{}
		cr.streams[csid] = st
	}

	switch format {
	case 0:
		var h [11]byte
		if _, err := io.ReadFull(cr.r, h[:]); err != nil {
			return nil, &ParseError{Field: "type 0 header", Err: err}
		}
		st.timestamp = uint24(h[0:3])
		st.length = uint24(h[3:6])
		st.typeID = h[6]
		st.streamID = binary.LittleEndian.Uint32(h[7:11])
		st.delta = 0
		st.extended = st.timestamp == extendedTimestamp
		if st.extended {
			ts, err := cr.readExtendedTimestamp()
			if err != nil {
				return nil, err
			}
			st.timestamp = ts
		}

	case 1:
		var h [7]byte
		if _, err := io.ReadFull(cr.r, h[:]); err != nil {
			return nil, &ParseError{Field: "type 1 header", Err: err}
		}
		st.delta = uint24(h[0:3])
		st.length = uint24(h[3:6])
		st.typeID = h[6]
		st.extended = st.delta == extendedTimestamp
		if st.extended {
			d, err := cr.readExtendedTimestamp()
			if err != nil {
				return nil, err
			}
			st.delta = d
		}
		st.timestamp += st.delta

	case 2:
		var h [3]byte
		if _, err := io.ReadFull(cr.r, h[:]); err != nil {
			return nil, &ParseError{Field: "type 2 header", Err: err}
		}
		st.delta = uint24(h[:])
		st.extended = st.delta == extendedTimestamp
		if st.extended {
			d, err := cr.readExtendedTimestamp()
			if err != nil {
				return nil, err
			}
			st.delta = d
		}
		st.timestamp += st.delta

	case 3:
		if len(st.buf) == 0 {
			// New message reusing the previous header in full.
			st.timestamp += st.delta
		}
		if st.extended {
			// Peers that sent an extended timestamp repeat it on
			// every continuation chunk.
			if _, err := cr.readExtendedTimestamp(); err != nil {
				return nil, err
			}
		}
	}

	if st.length > maxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, st.length)
	}

	remaining := st.length - uint32(len(st.buf))
	n := cr.chunkSize
	if remaining < n {
		n = remaining
	}
	if st.buf == nil {
		st.buf = make([]byte, 0, st.length)
	}
	start := len(st.buf)
	st.buf = st.buf[:start+int(n)]
	if _, err := io.ReadFull(cr.r, st.buf[start:]); err != nil {
		return nil, &ParseError{Field: "chunk data", Err: err}
	}

	if uint32(len(st.buf)) < st.length {
		return nil, nil // message continues in a later chunk
	}

	msg := &Message{
		TypeID:    st.typeID,
		StreamID:  st.streamID,
		Timestamp: st.timestamp,
		Payload:   st.buf,
	}
	st.buf = nil
	return msg, nil
}

func (cr *chunkReader) readExtendedTimestamp() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(cr.r, b[:]); err != nil {
		return 0, &ParseError{Field: "extended timestamp", Err: err}
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

// chunkWriter serializes messages into chunks. It is safe for
// concurrent use: command replies and relayed media share one writer.
type chunkWriter struct {
	mu        sync.Mutex
	w         *bufio.Writer
	chunkSize uint32
}

func newChunkWriter(w io.Writer) *chunkWriter {
	return &chunkWriter{w: bufio.NewWriter(w), chunkSize: outChunkSize}
}

// WriteMessage writes m as a type 0 chunk followed by type 3
// continuations, then flushes.
func (cw *chunkWriter) WriteMessage(csid uint32, m *Message) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	ts := m.Timestamp
	extended := ts >= extendedTimestamp

	var h [16]byte
	h[0] = byte(csid) & 0x3f // csid < 64 for everything we write
	if extended {
		putUint24(h[1:4], extendedTimestamp)
	} else {
		putUint24(h[1:4], ts)
	}
	putUint24(h[4:7], uint32(len(m.Payload)))
	h[7] = m.TypeID
	binary.LittleEndian.PutUint32(h[8:12], m.StreamID)
	n := 12
	if extended {
		binary.BigEndian.PutUint32(h[12:16], ts)
		n = 16
	}
	if _, err := cw.w.Write(h[:n]); err != nil {
		return err
	}

	payload := m.Payload
	for len(payload) > 0 {
		take := int(cw.chunkSize)
		if len(payload) < take {
			take = len(payload)
		}
		if _, err := cw.w.Write(payload[:take]); err != nil {
			return err
		}
		payload = payload[take:]
		if len(payload) == 0 {
			break
		}
		cont := []byte{0xc0 | (byte(csid) & 0x3f)}
		if extended {
			var ext [4]byte
			binary.BigEndian.PutUint32(ext[:], ts)
			cont = append(cont, ext[:]...)
		}
		if _, err := cw.w.Write(cont); err != nil {
			return err
		}
	}
	return cw.w.Flush()
}

// Control message payload builders.

func setChunkSizePayload(n uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n&0x7fffffff)
	return b[:]
}

func windowAckSizePayload(n uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return b[:]
}

func setPeerBandwidthPayload(n uint32) []byte {
	var b [5]byte
	binary.BigEndian.PutUint32(b[:4], n)
	b[4] = 2 // dynamic limit
	return b[:]
}

func userControlPayload(event uint16, streamID uint32) []byte {
	var b [6]byte
	binary.BigEndian.PutUint16(b[:2], event)
	binary.BigEndian.PutUint32(b[2:], streamID)
	return b[:]
}
