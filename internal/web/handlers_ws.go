package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"homenode/internal/node"
)

const (
	wsQueueLen     = 16
	wsWriteTimeout = 10 * time.Second
)

var errHubClosed = errors.New("ws hub closed")

// frame is what a client receives: a hello on connect, then one frame per
// node event.
type frame struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

type hello struct {
	Mode    node.Mode `json:"mode"`
	Version string    `json:"version"`
}

// WSHub fans node events out to WebSocket clients. Publish runs on the
// node's tick goroutine, so it never waits on a client: one whose queue is
// full is dropped and its handler closes the connection.
type WSHub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

// wsClient is one connection's outbound queue. The hub closes queue when
// it drops the client.
type wsClient struct {
	queue chan []byte
}

func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

func (h *WSHub) attach(c *wsClient) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHubClosed
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("ws client connected", "total", len(h.clients))
	return nil
}

func (h *WSHub) detach(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *WSHub) dropLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.queue)
	h.logger.Debug("ws client disconnected", "total", len(h.clients))
}

// Publish encodes ev once and queues it for every client.
func (h *WSHub) Publish(ev node.Event) {
	data, err := json.Marshal(frame{Type: string(ev.Kind()), At: time.Now().UTC(), Data: ev})
	if err != nil {
		h.logger.Error("ws encode", "kind", ev.Kind(), "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.queue <- data:
		default:
			h.logger.Warn("ws client dropped, queue full", "kind", ev.Kind())
			h.dropLocked(c)
		}
	}
}

// Close drops every client and refuses new ones. Safe to call twice.
func (h *WSHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
}

func (h *WSHub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	c := &wsClient{queue: make(chan []byte, wsQueueLen)}
	if greeting, err := json.Marshal(frame{
		Type: "hello",
		At:   time.Now().UTC(),
		Data: hello{Mode: s.node.Mode(), Version: s.version},
	}); err == nil {
		c.queue <- greeting
	}
	if err := s.wsHub.attach(c); err != nil {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer s.wsHub.detach(c)

	// Clients only listen; CloseRead discards their frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(context.Background())
	for {
		select {
		case msg, ok := <-c.queue:
			if !ok {
				if s.wsHub.isClosed() {
					conn.Close(websocket.StatusGoingAway, "server shutdown")
				} else {
					conn.Close(websocket.StatusTryAgainLater, "too slow")
				}
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
