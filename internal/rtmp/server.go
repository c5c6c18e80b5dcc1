// Package rtmp implements the ingest side of the production pipeline:
// an RTMP server accepting FLV publishes gated by stream keys, with
// play-side relay to connected viewers. The wire protocol (handshake,
// chunk streams, AMF0 commands) is implemented directly.
package rtmp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stagecast/stagecast/internal/keystore"
)

// ActiveStream is one live publish. The server's stream registry is
// the authoritative liveness source; events are observability only.
type ActiveStream struct {
	Path      string
	ConnID    string
	UserID    string
	StreamID  string
	Internal  bool // published by the local encoder, excluded from accounting
	StartedAt time.Time

	mu        sync.RWMutex
	publisher *conn
	players   map[string]*conn
}

func (s *ActiveStream) addPlayer(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players[c.id] = c
}

func (s *ActiveStream) removePlayer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.players, id)
}

// PlayerCount returns the number of attached players.
func (s *ActiveStream) PlayerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.players)
}

func (s *ActiveStream) broadcast(m *Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.players {
		p.enqueue(m)
	}
}

// StreamInfo is a snapshot of one active stream for status reporting.
type StreamInfo struct {
	Path      string    `json:"path"`
	UserID    string    `json:"userId"`
	StreamID  string    `json:"streamId"`
	Internal  bool      `json:"internal"`
	Players   int       `json:"players"`
	StartedAt time.Time `json:"startedAt"`
}

// Server accepts RTMP connections and maintains the connection and
// active-stream registries.
type Server struct {
	addr   string
	keys   keystore.Store
	log    *slog.Logger
	events chan Event

	mu      sync.RWMutex
	ln      net.Listener
	conns   map[string]*conn
	streams map[string]*ActiveStream

	closed atomic.Bool
}

// NewServer builds a Server listening on addr once Run is called.
// Publishes are validated against keys.
func NewServer(addr string, keys keystore.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:    addr,
		keys:    keys,
		log:     log.With("component", "rtmp"),
		events:  make(chan Event, 64),
		conns:   make(map[string]*conn),
		streams: make(map[string]*ActiveStream),
	}
}

// Events returns the lifecycle event channel. Events are dropped when
// the consumer falls behind; registries stay correct regardless.
func (s *Server) Events() <-chan Event { return s.events }

// Run listens and serves until ctx is canceled, then force-closes all
// sessions before returning.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("rtmp server listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return err
		}
		s.startConn(nc)
	}
}

// Addr returns the bound listener address, or nil before Run.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// startConn registers nc and serves it on its own goroutine.
func (s *Server) startConn(nc net.Conn) *conn {
	c := newConn(s, nc)
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	go c.serve()
	return c
}

func (s *Server) removeConn(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

// IsLive reports whether a publisher holds path.
func (s *Server) IsLive(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.streams[path]
	return ok
}

// Streams returns a snapshot of all active streams.
func (s *Server) Streams() []StreamInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StreamInfo, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, StreamInfo{
			Path:      st.Path,
			UserID:    st.UserID,
			StreamID:  st.StreamID,
			Internal:  st.Internal,
			Players:   st.PlayerCount(),
			StartedAt: st.StartedAt,
		})
	}
	return out
}

// authorize resolves segment as a direct stream key first, then as an
// alias, and validates the result for ip.
func (s *Server) authorize(segment, ip string) (keystore.Info, error) {
	info, err := keystore.ValidateKey(s.keys, segment, ip)
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, keystore.ErrNotFound) {
		return keystore.Info{}, err
	}

	info, _, err = s.keys.ResolveAlias(segment)
	if err != nil {
		return keystore.Info{}, err
	}
	if err := keystore.Validate(info, ip, time.Now()); err != nil {
		return keystore.Info{}, err
	}
	return info, nil
}

func (s *Server) registerStream(c *conn, info keystore.Info) (*ActiveStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[c.path]; ok {
		return nil, ErrAlreadyPublishing
	}
	st := &ActiveStream{
		Path:      c.path,
		ConnID:    c.id,
		UserID:    info.UserID,
		StreamID:  info.StreamID,
		Internal:  c.isEncoder,
		StartedAt: time.Now(),
		publisher: c,
		players:   make(map[string]*conn),
	}
	s.streams[c.path] = st
	return st, nil
}

// unregisterStream removes path if connID still owns it and reports
// whether the stream was internal.
func (s *Server) unregisterStream(path, connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[path]
	if !ok || st.ConnID != connID {
		return false
	}
	delete(s.streams, path)
	return st.Internal
}

func (s *Server) stream(path string) *ActiveStream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streams[path]
}

// relay fans a publisher's media message out to every player on path.
func (s *Server) relay(path string, m *Message) {
	if st := s.stream(path); st != nil {
		st.broadcast(m)
	}
}

func (s *Server) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("rtmp event dropped", "type", ev.Type.String())
	}
}

func (s *Server) shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	ln := s.ln
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.close()
	}
	s.log.Info("rtmp server stopped", "closed_sessions", len(conns))
}
