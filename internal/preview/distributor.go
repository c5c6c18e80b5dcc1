// Package preview delivers low-latency frame previews to dashboard
// viewers over websockets. Each viewer picks a quality tier; frames are
// scaled, JPEG-encoded and batched per viewer so slow clients only cost
// themselves.
package preview

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stagecast/stagecast/internal/media"
)

const writeTimeout = 5 * time.Second

// controlMessage is the inbound client control envelope.
type controlMessage struct {
	Type string `json:"type"`
	Data struct {
		Quality string `json:"quality"`
	} `json:"data"`
}

// Distributor fans rendered frames out to all connected preview
// clients. Clients are fully independent: each has its own ring,
// scheduler and batcher.
type Distributor struct {
	log       *slog.Logger
	window    time.Duration
	maxFrames int
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewDistributor builds a Distributor with the given batch window and
// per-batch frame threshold.
func NewDistributor(window time.Duration, maxFrames int, log *slog.Logger) *Distributor {
	if log == nil {
		log = slog.Default()
	}
	return &Distributor{
		log:       log.With("component", "preview"),
		window:    window,
		maxFrames: maxFrames,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 32 * 1024,
			// Previews are same-operator dashboards; key gating lives
			// on the publish side.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*Client),
	}
}

// HandleWS upgrades the request and serves one preview client until
// the socket closes.
func (d *Distributor) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	quality := QualityMedium
	if q, err := ParseQuality(r.URL.Query().Get("quality")); err == nil {
		quality = q
	}

	client := d.AddClient(&wsSink{ws: ws}, quality)
	defer d.ClearClient(client.ID)

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var ctl controlMessage
		if err := json.Unmarshal(payload, &ctl); err != nil {
			d.log.Debug("bad control message", "client", client.ID, "error", err)
			continue
		}
		if ctl.Type == "quality" {
			q, err := ParseQuality(ctl.Data.Quality)
			if err != nil {
				d.log.Debug("bad quality request", "client", client.ID, "error", err)
				continue
			}
			client.SetQuality(q)
		}
	}
}

// AddClient registers a new preview client over an arbitrary sink.
func (d *Distributor) AddClient(s sink, q Quality) *Client {
	c := newClient(uuid.NewString(), s, q, d.window, d.maxFrames, d.log)
	d.mu.Lock()
	d.clients[c.ID] = c
	d.mu.Unlock()
	d.log.Info("preview client connected", "client", c.ID, "quality", string(q))
	return c
}

// ClearClient removes a client, synchronously cancelling its timers
// and discarding its buffers.
func (d *Distributor) ClearClient(id string) {
	d.mu.Lock()
	c, ok := d.clients[id]
	delete(d.clients, id)
	d.mu.Unlock()
	if !ok {
		return
	}
	c.Close()
	d.log.Info("preview client removed", "client", id)
}

// Broadcast offers a rendered frame to every client's ring. Slow
// clients fall behind their own ring only.
func (d *Distributor) Broadcast(f *media.Frame) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.clients {
		c.Push(f)
	}
}

// BroadcastState queues an out-of-band state update for every client's
// next batch.
func (d *Distributor) BroadcastState(v any) {
	js, err := json.Marshal(v)
	if err != nil {
		d.log.Warn("state update marshal failed", "error", err)
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.clients {
		c.PushUpdate(js)
	}
}

// Stats returns per-client delivery counters keyed by client id.
func (d *Distributor) Stats() map[string]ClientStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]ClientStats, len(d.clients))
	for id, c := range d.clients {
		out[id] = c.Stats()
	}
	return out
}

// ClientCount returns the number of connected preview clients.
func (d *Distributor) ClientCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.clients)
}

// Close disconnects every client.
func (d *Distributor) Close() {
	d.mu.Lock()
	clients := make([]*Client, 0, len(d.clients))
	for _, c := range d.clients {
		clients = append(clients, c)
	}
	d.clients = make(map[string]*Client)
	d.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}

// wsSink adapts a websocket connection to the sink interface.
type wsSink struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (s *wsSink) WriteBinary(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.ws.WriteMessage(websocket.BinaryMessage, p)
}

func (s *wsSink) Close() error { return s.ws.Close() }
