package rtmp

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagecast/stagecast/internal/keystore"
)

// testClient speaks enough of the client side of RTMP to drive the
// server over a pipe.
type testClient struct {
	t  *testing.T
	nc net.Conn
	cr *chunkReader
	cw *chunkWriter
}

func newTestServer(t *testing.T) (*Server, *keystore.MemoryStore) {
	t.Helper()
	keys := keystore.NewMemoryStore()
	return NewServer(":0", keys, nil), keys
}

func dialTestClient(t *testing.T, srv *Server) *testClient {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	srv.startConn(serverSide)
	tc := &testClient{t: t, nc: clientSide, cr: newChunkReader(clientSide), cw: newChunkWriter(clientSide)}
	t.Cleanup(func() { clientSide.Close() })
	tc.handshake()
	return tc
}

func (tc *testClient) handshake() {
	tc.t.Helper()
	c1 := make([]byte, handshakeSize)
	_, err := tc.nc.Write(append([]byte{protocolVersion}, c1...))
	require.NoError(tc.t, err)

	resp := make([]byte, 1+2*handshakeSize)
	_, err = io.ReadFull(tc.nc, resp)
	require.NoError(tc.t, err)

	_, err = tc.nc.Write(resp[1 : 1+handshakeSize])
	require.NoError(tc.t, err)
}

func (tc *testClient) send(streamID uint32, vals ...any) {
	tc.t.Helper()
	payload, err := EncodeAMF0(vals...)
	require.NoError(tc.t, err)
	require.NoError(tc.t, tc.cw.WriteMessage(csidCommand, &Message{TypeID: MsgCommandAMF0, StreamID: streamID, Payload: payload}))
}

// nextCommand reads messages until an AMF0 command arrives, applying
// chunk size updates along the way.
func (tc *testClient) nextCommand() []any {
	tc.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	require.NoError(tc.t, tc.nc.SetReadDeadline(deadline))
	for {
		msg, err := tc.cr.ReadMessage()
		require.NoError(tc.t, err)
		switch msg.TypeID {
		case MsgSetChunkSize:
			size := uint32(msg.Payload[0]&0x7f)<<24 | uint32(msg.Payload[1])<<16 | uint32(msg.Payload[2])<<8 | uint32(msg.Payload[3])
			require.NoError(tc.t, tc.cr.setChunkSize(size))
		case MsgCommandAMF0:
			vals, err := DecodeAMF0All(msg.Payload)
			require.NoError(tc.t, err)
			return vals
		}
	}
}

func (tc *testClient) connect(app string) {
	tc.t.Helper()
	tc.send(0, "connect", float64(1), map[string]any{"app": app})
	vals := tc.nextCommand()
	require.Equal(tc.t, "_result", vals[0])
}

func (tc *testClient) createStream() {
	tc.t.Helper()
	tc.send(0, "createStream", float64(2), nil)
	vals := tc.nextCommand()
	require.Equal(tc.t, "_result", vals[0])
	require.Equal(tc.t, float64(1), vals[3])
}

// publish sends the publish command and returns the onStatus code.
func (tc *testClient) publish(name string) string {
	tc.t.Helper()
	tc.send(1, "publish", float64(3), nil, name, "live")
	return statusCode(tc.t, tc.nextCommand())
}

func statusCode(t *testing.T, vals []any) string {
	t.Helper()
	require.Equal(t, "onStatus", vals[0])
	obj, ok := vals[3].(map[string]any)
	require.True(t, ok, "onStatus info object")
	code, _ := obj["code"].(string)
	return code
}

func putTestKey(t *testing.T, keys *keystore.MemoryStore, key string, mutate func(*keystore.Info)) {
	t.Helper()
	info := keystore.Info{UserID: "user-1", StreamID: "stream-1", IsActive: true, CreatedAt: time.Now()}
	if mutate != nil {
		mutate(&info)
	}
	require.NoError(t, keys.Put(key, info))
}

func collectEvents(s *Server) []Event {
	var out []Event
	for {
		select {
		case ev := <-s.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func waitForEvent(t *testing.T, s *Server, typ EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func hasEvent(events []Event, typ EventType) bool {
	for _, ev := range events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func TestPublishWithValidKey(t *testing.T) {
	t.Parallel()

	srv, keys := newTestServer(t)
	putTestKey(t, keys, "goodkey", nil)

	tc := dialTestClient(t, srv)
	tc.connect("live")
	tc.createStream()

	code := tc.publish("goodkey")
	assert.Equal(t, "NetStream.Publish.Start", code)
	assert.True(t, srv.IsLive("/live/goodkey"))

	streams := srv.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, "user-1", streams[0].UserID)
	assert.False(t, streams[0].Internal)

	ev := waitForEvent(t, srv, EventPublishStart)
	assert.Equal(t, "/live/goodkey", ev.Path)
	assert.Equal(t, RolePublisher, ev.Role)
}

func TestPublishWithExpiredKeyIsRejected(t *testing.T) {
	t.Parallel()

	srv, keys := newTestServer(t)
	past := time.Now().Add(-time.Hour)
	putTestKey(t, keys, "oldkey", func(i *keystore.Info) { i.ExpiresAt = &past })

	tc := dialTestClient(t, srv)
	tc.connect("live")
	tc.createStream()

	code := tc.publish("oldkey")
	assert.Equal(t, "NetStream.Publish.BadName", code)
	assert.False(t, srv.IsLive("/live/oldkey"), "rejected publish never registers")

	// The server tears the session down after the rejection; by the
	// disconnect event every session event has been emitted.
	waitForEvent(t, srv, EventDisconnect)
	assert.False(t, hasEvent(collectEvents(srv), EventPublishStart))
}

func TestPublishWithUnknownKeyIsRejected(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	tc := dialTestClient(t, srv)
	tc.connect("live")
	tc.createStream()

	code := tc.publish("nosuchkey")
	assert.Equal(t, "NetStream.Publish.BadName", code)
	assert.False(t, srv.IsLive("/live/nosuchkey"))
}

func TestPublishViaAlias(t *testing.T) {
	t.Parallel()

	srv, keys := newTestServer(t)
	putTestKey(t, keys, "aliasedkey", nil)
	require.NoError(t, keys.CreateAlias("myshow", "aliasedkey"))

	tc := dialTestClient(t, srv)
	tc.connect("live")
	tc.createStream()

	code := tc.publish("myshow")
	assert.Equal(t, "NetStream.Publish.Start", code)
	assert.True(t, srv.IsLive("/live/myshow"))
}

func TestInternalEncoderPublishSkipsAccounting(t *testing.T) {
	t.Parallel()

	srv, keys := newTestServer(t)
	putTestKey(t, keys, "enckey", nil)

	tc := dialTestClient(t, srv)
	tc.connect("live")
	tc.createStream()

	code := tc.publish("enckey?role=encoder")
	assert.Equal(t, "NetStream.Publish.Start", code)

	streams := srv.Streams()
	require.Len(t, streams, 1)
	assert.True(t, streams[0].Internal)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, hasEvent(collectEvents(srv), EventPublishStart), "internal publishes stay out of the event stream")
}

func TestDuplicatePublishRejected(t *testing.T) {
	t.Parallel()

	srv, keys := newTestServer(t)
	putTestKey(t, keys, "dupkey", nil)

	first := dialTestClient(t, srv)
	first.connect("live")
	first.createStream()
	require.Equal(t, "NetStream.Publish.Start", first.publish("dupkey"))

	second := dialTestClient(t, srv)
	second.connect("live")
	second.createStream()
	assert.Equal(t, "NetStream.Publish.BadName", second.publish("dupkey"))
	assert.True(t, srv.IsLive("/live/dupkey"), "first publisher keeps the path")
}

func TestMediaRelayToPlayer(t *testing.T) {
	t.Parallel()

	srv, keys := newTestServer(t)
	putTestKey(t, keys, "relaykey", nil)

	pub := dialTestClient(t, srv)
	pub.connect("live")
	pub.createStream()
	require.Equal(t, "NetStream.Publish.Start", pub.publish("relaykey"))

	player := dialTestClient(t, srv)
	player.connect("live")
	player.createStream()
	player.send(1, "play", float64(3), nil, "relaykey")
	assert.Equal(t, "NetStream.Play.Start", statusCode(t, player.nextCommand()))

	video := []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0xaa}
	require.NoError(t, pub.cw.WriteMessage(csidMedia, &Message{TypeID: MsgVideo, StreamID: 1, Timestamp: 40, Payload: video}))

	require.NoError(t, player.nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	msg, err := player.cr.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, MsgVideo, msg.TypeID)
	assert.Equal(t, video, msg.Payload)
}

func TestPlayUnknownPathRejected(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	tc := dialTestClient(t, srv)
	tc.connect("live")
	tc.createStream()

	tc.send(1, "play", float64(3), nil, "nobody-home")
	assert.Equal(t, "NetStream.Play.StreamNotFound", statusCode(t, tc.nextCommand()))
}

func TestDisconnectUnregistersStream(t *testing.T) {
	t.Parallel()

	srv, keys := newTestServer(t)
	putTestKey(t, keys, "closekey", nil)

	tc := dialTestClient(t, srv)
	tc.connect("live")
	tc.createStream()
	require.Equal(t, "NetStream.Publish.Start", tc.publish("closekey"))

	tc.nc.Close()
	require.Eventually(t, func() bool { return !srv.IsLive("/live/closekey") }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return hasEvent(collectEvents(srv), EventDisconnect)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, 2*time.Second, 5*time.Millisecond)

	nc, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer nc.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
