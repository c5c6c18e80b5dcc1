package rtmp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type connState int

const (
	statePending connState = iota
	stateConnected
	statePublishing
	statePlaying
	stateClosed
)

// playerQueueLen bounds the per-player relay queue. A player that
// cannot drain this many messages is disconnected rather than allowed
// to stall the publisher.
const playerQueueLen = 64

// conn is one RTMP session. All message handling runs on the session's
// read goroutine; only the relay queue and the chunk writer are touched
// from outside.
type conn struct {
	id  string
	srv *Server
	nc  net.Conn
	cr  *chunkReader
	cw  *chunkWriter
	log *slog.Logger

	state       connState
	app         string
	path        string
	isEncoder   bool
	connectedAt time.Time
	startedAt   time.Time // publish or play start

	sendQ     chan *Message
	quit      chan struct{}
	closeOnce sync.Once
}

func newConn(srv *Server, nc net.Conn) *conn {
	id := uuid.NewString()
	return &conn{
		id:          id,
		srv:         srv,
		nc:          nc,
		cr:          newChunkReader(nc),
		cw:          newChunkWriter(nc),
		log:         srv.log.With("conn", id, "remote", nc.RemoteAddr().String()),
		connectedAt: time.Now(),
		sendQ:       make(chan *Message, playerQueueLen),
		quit:        make(chan struct{}),
	}
}

func (c *conn) role() string {
	switch c.state {
	case statePublishing:
		return RolePublisher
	case statePlaying:
		return RolePlayer
	default:
		return RolePending
	}
}

func (c *conn) remoteIP() string {
	host, _, err := net.SplitHostPort(c.nc.RemoteAddr().String())
	if err != nil {
		return c.nc.RemoteAddr().String()
	}
	return host
}

// serve runs the session to completion: handshake, then the message
// loop. It always tears the connection down on return.
func (c *conn) serve() {
	defer c.teardown()

	if err := serverHandshake(c.nc); err != nil {
		c.log.Debug("handshake failed", "error", err)
		return
	}
	c.srv.emit(Event{Type: EventConnect, ConnID: c.id, Role: RolePending, RemoteAddr: c.nc.RemoteAddr().String(), At: time.Now()})

	for {
		msg, err := c.cr.ReadMessage()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.log.Debug("session ended", "error", err)
			}
			return
		}
		if err := c.handleMessage(msg); err != nil {
			c.log.Warn("closing session", "error", err)
			return
		}
	}
}

func (c *conn) handleMessage(m *Message) error {
	switch m.TypeID {
	case MsgSetChunkSize:
		if len(m.Payload) < 4 {
			return &ParseError{Field: "set chunk size", Err: errors.New("short payload")}
		}
		size := uint32(m.Payload[0]&0x7f)<<24 | uint32(m.Payload[1])<<16 | uint32(m.Payload[2])<<8 | uint32(m.Payload[3])
		return c.cr.setChunkSize(size)

	case MsgAck, MsgWindowAckSize, MsgUserControl, MsgAbort, MsgSetPeerBandwidth:
		return nil

	case MsgAudio, MsgVideo, MsgDataAMF0:
		if c.state != statePublishing {
			return nil // tolerate stray media before publish completes
		}
		c.srv.relay(c.path, m)
		return nil

	case MsgCommandAMF0:
		vals, err := DecodeAMF0All(m.Payload)
		if err != nil {
			return err
		}
		return c.handleCommand(m, vals)

	default:
		c.log.Debug("ignoring message", "type", m.TypeID, "bytes", len(m.Payload))
		return nil
	}
}

func (c *conn) handleCommand(m *Message, vals []any) error {
	if len(vals) < 2 {
		return &ParseError{Field: "command", Err: errors.New("missing name or transaction id")}
	}
	name, _ := vals[0].(string)
	txn, _ := vals[1].(float64)

	switch name {
	case "connect":
		return c.handleConnect(txn, vals)
	case "createStream":
		if c.state == statePending {
			return ErrNotConnected
		}
		return c.writeCommand(0, "_result", txn, nil, float64(1))
	case "publish":
		return c.handlePublish(m, txn, vals)
	case "play":
		return c.handlePlay(m, txn, vals)
	case "deleteStream", "closeStream", "FCUnpublish":
		c.stopStreaming()
		return nil
	case "releaseStream", "FCPublish", "getStreamLength":
		return nil // advisory commands, no response expected
	default:
		c.log.Debug("ignoring command", "command", name)
		return nil
	}
}

func (c *conn) handleConnect(txn float64, vals []any) error {
	if len(vals) > 2 {
		if obj, ok := vals[2].(map[string]any); ok {
			if app, ok := obj["app"].(string); ok {
				c.app = strings.Trim(app, "/")
			}
		}
	}
	if c.app == "" {
		return &ParseError{Field: "connect app", Err: errors.New("missing")}
	}

	// Chunk size goes first so the peer parses everything after it
	// with the larger size.
	ctl := func(typeID uint8, payload []byte) error {
		return c.cw.WriteMessage(csidControl, &Message{TypeID: typeID, Payload: payload})
	}
	if err := ctl(MsgSetChunkSize, setChunkSizePayload(outChunkSize)); err != nil {
		return err
	}
	if err := ctl(MsgWindowAckSize, windowAckSizePayload(2500000)); err != nil {
		return err
	}
	if err := ctl(MsgSetPeerBandwidth, setPeerBandwidthPayload(2500000)); err != nil {
		return err
	}

	c.state = stateConnected
	return c.writeCommand(0, "_result", txn,
		map[string]any{
			"fmsVer":       "FMS/3,5,7,7009",
			"capabilities": float64(31),
		},
		map[string]any{
			"level":          "status",
			"code":           "NetConnection.Connect.Success",
			"description":    "Connection succeeded.",
			"objectEncoding": float64(0),
		})
}

func (c *conn) handlePublish(m *Message, txn float64, vals []any) error {
	if c.state != stateConnected {
		return ErrNotConnected
	}
	if len(vals) < 4 {
		return &ParseError{Field: "publish", Err: errors.New("missing stream name")}
	}
	rawName, _ := vals[3].(string)
	segment, query := splitStreamName(rawName)
	c.isEncoder = query.Get("role") == "encoder"
	c.path = "/" + c.app + "/" + segment

	info, err := c.srv.authorize(segment, c.remoteIP())
	if err != nil {
		c.log.Warn("publish rejected", "path", c.path, "error", err)
		_ = c.writeStatus(m.StreamID, "error", "NetStream.Publish.BadName", "stream key rejected")
		return fmt.Errorf("%w: %s", ErrUnauthorized, c.path)
	}

	stream, err := c.srv.registerStream(c, info)
	if err != nil {
		_ = c.writeStatus(m.StreamID, "error", "NetStream.Publish.BadName", "stream path already live")
		return err
	}

	c.state = statePublishing
	c.startedAt = time.Now()
	if err := c.cw.WriteMessage(csidControl, &Message{TypeID: MsgUserControl, Payload: userControlPayload(eventStreamBegin, m.StreamID)}); err != nil {
		return err
	}
	if err := c.writeStatus(m.StreamID, "status", "NetStream.Publish.Start", "publishing "+c.path); err != nil {
		return err
	}

	c.log.Info("publish started", "path", c.path, "user", info.UserID, "internal", stream.Internal)
	if !stream.Internal {
		c.srv.emit(Event{Type: EventPublishStart, ConnID: c.id, Role: RolePublisher, Path: c.path, RemoteAddr: c.nc.RemoteAddr().String(), At: time.Now()})
	}
	return nil
}

func (c *conn) handlePlay(m *Message, txn float64, vals []any) error {
	if c.state != stateConnected {
		return ErrNotConnected
	}
	if len(vals) < 4 {
		return &ParseError{Field: "play", Err: errors.New("missing stream name")}
	}
	rawName, _ := vals[3].(string)
	segment, _ := splitStreamName(rawName)
	c.path = "/" + c.app + "/" + segment

	stream := c.srv.stream(c.path)
	if stream == nil {
		_ = c.writeStatus(m.StreamID, "error", "NetStream.Play.StreamNotFound", "no live stream at "+c.path)
		return fmt.Errorf("rtmp: play %s: not live", c.path)
	}

	c.state = statePlaying
	c.startedAt = time.Now()
	stream.addPlayer(c)
	go c.relayLoop(m.StreamID)

	if err := c.cw.WriteMessage(csidControl, &Message{TypeID: MsgUserControl, Payload: userControlPayload(eventStreamBegin, m.StreamID)}); err != nil {
		return err
	}
	if err := c.writeStatus(m.StreamID, "status", "NetStream.Play.Start", "playing "+c.path); err != nil {
		return err
	}

	c.log.Info("play started", "path", c.path)
	c.srv.emit(Event{Type: EventPlayStart, ConnID: c.id, Role: RolePlayer, Path: c.path, RemoteAddr: c.nc.RemoteAddr().String(), At: time.Now()})
	return nil
}

// enqueue hands a relayed message to this player. A full queue means
// the player cannot keep up with the live edge; it gets cut off.
func (c *conn) enqueue(m *Message) {
	select {
	case c.sendQ <- m:
	default:
		c.log.Warn("player too slow, disconnecting", "path", c.path)
		c.close()
	}
}

func (c *conn) relayLoop(streamID uint32) {
	for {
		select {
		case <-c.quit:
			return
		case m := <-c.sendQ:
			out := &Message{TypeID: m.TypeID, StreamID: streamID, Timestamp: m.Timestamp, Payload: m.Payload}
			if err := c.cw.WriteMessage(csidMedia, out); err != nil {
				c.close()
				return
			}
		}
	}
}

// stopStreaming ends an active publish or play without closing the
// connection.
func (c *conn) stopStreaming() {
	switch c.state {
	case statePublishing:
		internal := c.srv.unregisterStream(c.path, c.id)
		c.log.Info("publish stopped", "path", c.path, "duration", time.Since(c.startedAt))
		if !internal {
			c.srv.emit(Event{Type: EventPublishStop, ConnID: c.id, Role: RolePublisher, Path: c.path, RemoteAddr: c.nc.RemoteAddr().String(), Duration: time.Since(c.startedAt), At: time.Now()})
		}
	case statePlaying:
		if stream := c.srv.stream(c.path); stream != nil {
			stream.removePlayer(c.id)
		}
		c.srv.emit(Event{Type: EventPlayStop, ConnID: c.id, Role: RolePlayer, Path: c.path, RemoteAddr: c.nc.RemoteAddr().String(), Duration: time.Since(c.startedAt), At: time.Now()})
	default:
		return
	}
	c.state = stateConnected
	c.path = ""
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.nc.Close()
	})
}

func (c *conn) teardown() {
	role := c.role()
	c.stopStreaming()
	c.state = stateClosed
	c.close()
	c.srv.removeConn(c.id)
	c.srv.emit(Event{Type: EventDisconnect, ConnID: c.id, Role: role, RemoteAddr: c.nc.RemoteAddr().String(), Duration: time.Since(c.connectedAt), At: time.Now()})
}

func (c *conn) writeCommand(streamID uint32, vals ...any) error {
	payload, err := EncodeAMF0(vals...)
	if err != nil {
		return err
	}
	return c.cw.WriteMessage(csidCommand, &Message{TypeID: MsgCommandAMF0, StreamID: streamID, Payload: payload})
}

func (c *conn) writeStatus(streamID uint32, level, code, description string) error {
	return c.writeCommand(streamID, "onStatus", float64(0), nil, map[string]any{
		"level":       level,
		"code":        code,
		"description": description,
	})
}

// splitStreamName separates the key segment from a client query string
// such as "mykey?role=encoder".
func splitStreamName(raw string) (string, url.Values) {
	name, query, found := strings.Cut(raw, "?")
	if !found {
		return raw, url.Values{}
	}
	q, err := url.ParseQuery(query)
	if err != nil {
		return name, url.Values{}
	}
	return name, q
}
