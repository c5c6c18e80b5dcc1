package rtmp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	protocolVersion   = 3
	handshakeRandSize = 1528
	handshakeSize     = 4 + 4 + handshakeRandSize // time, zero, random
)

// serverHandshake performs the simple (non-digest) RTMP handshake from
// the server side: read C0+C1, send S0+S1+S2, read C2. S2 echoes C1,
// which is all FFmpeg and OBS require.
func serverHandshake(rw io.ReadWriter) error {
	var c0 [1]byte
	if _, err := io.ReadFull(rw, c0[:]); err != nil {
		return &ParseError{Field: "c0", Err: err}
	}
	if c0[0] != protocolVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, c0[0])
	}

	c1 := make([]byte, handshakeSize)
	if _, err := io.ReadFull(rw, c1); err != nil {
		return &ParseError{Field: "c1", Err: err}
	}

	s1 := make([]byte, handshakeSize)
	binary.BigEndian.PutUint32(s1[0:4], 0)
	if _, err := rand.Read(s1[8:]); err != nil {
		return fmt.Errorf("rtmp: handshake entropy: %w", err)
	}

	out := make([]byte, 0, 1+2*handshakeSize)
	out = append(out, protocolVersion)
	out = append(out, s1...)
	out = append(out, c1...) // S2
	if _, err := rw.Write(out); err != nil {
		return fmt.Errorf("rtmp: write s0s1s2: %w", err)
	}

	// C2 echoes S1; read it to stay in sync, content is not verified.
	c2 := make([]byte, handshakeSize)
	if _, err := io.ReadFull(rw, c2); err != nil {
		return &ParseError{Field: "c2", Err: err}
	}
	return nil
}
