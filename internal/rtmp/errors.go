package rtmp

import (
	"errors"
	"fmt"
)

// Sentinel errors for RTMP session handling. These enable callers to
// programmatically distinguish failure modes using errors.Is.
var (
	ErrUnsupportedVersion = errors.New("rtmp: unsupported protocol version")
	ErrChunkTooLarge      = errors.New("rtmp: chunk size beyond limit")
	ErrMessageTooLarge    = errors.New("rtmp: message beyond size limit")
	ErrNotConnected       = errors.New("rtmp: command before connect")
	ErrAlreadyPublishing  = errors.New("rtmp: stream already live on this path")
	ErrUnauthorized       = errors.New("rtmp: stream key rejected")
)

// ParseError indicates a failure to parse an RTMP wire element. It
// wraps the underlying I/O or format error and records which field was
// being parsed when the error occurred.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("rtmp: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
