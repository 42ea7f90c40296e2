package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/packd-dev/packd/internal/logging"
	"github.com/packd-dev/packd/internal/registry"
)

// reloadPath is the path segment, under a compilation's preview prefix,
// that carries the live-reload websocket.
const reloadPath = "__reload"

// writeWait bounds how long a client's writer goroutine waits on one
// frame.
const writeWait = 5 * time.Second

// sendBuffer is the per-client queue depth. A client that falls this far
// behind is dropped.
const sendBuffer = 8

// reloadMessage is pushed to preview pages after a successful incremental
// rebuild.
type reloadMessage struct {
	Type     string `json:"type"`
	Sequence uint64 `json:"sequence"`
}

// reloadClient is one live-reload subscriber. Frames are queued on send
// and written by a dedicated goroutine, so broadcasts never touch the
// connection directly.
type reloadClient struct {
	conn *websocket.Conn
	send chan []byte

	once sync.Once
	quit chan struct{}
}

// close shuts the client down exactly once, stopping its writer.
func (c *reloadClient) close(status websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.quit)
		c.conn.Close(status, reason)
	})
}

// reloadHub tracks live-reload websocket clients per compilation. Slow or
// gone clients are dropped, never waited on: a rebuild must not block on
// a browser.
type reloadHub struct {
	logger logging.Logger

	mu      sync.Mutex
	clients map[string]map[*reloadClient]struct{}
}

func newReloadHub(logger logging.Logger) *reloadHub {
	return &reloadHub{
		logger:  logger.WithComponent("reload"),
		clients: make(map[string]map[*reloadClient]struct{}),
	}
}

// add registers a connection and starts its writer goroutine.
func (h *reloadHub) add(id string, conn *websocket.Conn) *reloadClient {
	client := &reloadClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		quit: make(chan struct{}),
	}

	h.mu.Lock()
	if h.clients[id] == nil {
		h.clients[id] = make(map[*reloadClient]struct{})
	}
	h.clients[id][client] = struct{}{}
	h.mu.Unlock()

	go h.writePump(id, client)
	return client
}

// remove drops a client from the hub and closes it. Safe to call more
// than once.
func (h *reloadHub) remove(id string, client *reloadClient, status websocket.StatusCode, reason string) {
	h.mu.Lock()
	if set, ok := h.clients[id]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.clients, id)
		}
	}
	h.mu.Unlock()

	client.close(status, reason)
}

// writePump drains one client's queue onto its connection. A failed or
// timed-out write drops the client; nothing upstream ever waits on it.
func (h *reloadHub) writePump(id string, client *reloadClient) {
	for {
		select {
		case payload := <-client.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := client.conn.Write(ctx, websocket.MessageText, payload)
			cancel()

			if err != nil {
				h.remove(id, client, websocket.StatusNormalClosure, "")
				return
			}
		case <-client.quit:
			return
		}
	}
}

// broadcast queues a reload message for every client of one compilation.
// It only ever enqueues: a client whose queue is full is dropped on the
// spot, so the build pipeline calling this returns immediately.
func (h *reloadHub) broadcast(id string, sequence uint64) {
	payload, err := json.Marshal(reloadMessage{Type: "reload", Sequence: sequence})
	if err != nil {
		h.logger.Error(context.Background(), err, "marshaling reload message")
		return
	}

	h.mu.Lock()
	clients := make([]*reloadClient, 0, len(h.clients[id]))
	for client := range h.clients[id] {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		select {
		case client.send <- payload:
		default:
			h.logger.Debug(context.Background(), "dropping slow reload client",
				"compilation", id)
			h.remove(id, client, websocket.StatusPolicyViolation, "client too slow")
		}
	}
}

// closeCompilation drops every client of one compilation, on disposal.
func (h *reloadHub) closeCompilation(id string) {
	h.mu.Lock()
	clients := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()

	for client := range clients {
		client.close(websocket.StatusGoingAway, "compilation disposed")
	}
}

// closeAll drops every client, on server shutdown.
func (h *reloadHub) closeAll() {
	h.mu.Lock()
	all := h.clients
	h.clients = make(map[string]map[*reloadClient]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for client := range set {
			client.close(websocket.StatusGoingAway, "server closing")
		}
	}
}

// handleReload upgrades to a websocket and holds the connection open,
// pushing a message per successful incremental rebuild until the client
// disconnects or the compilation is disposed.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request, record *registry.Record) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), err, "websocket upgrade failed")
		return
	}

	id := record.Compilation.ID()
	client := s.reload.add(id, conn)
	defer s.reload.remove(id, client, websocket.StatusNormalClosure, "")

	// Drain incoming frames to notice disconnects; clients are not
	// expected to send anything.
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure &&
				websocket.CloseStatus(err) != websocket.StatusGoingAway {
				s.logger.Debug(ctx, "reload client gone", "compilation", id)
			}
			return
		}
	}
}
