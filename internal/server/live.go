package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"skywatch/internal/frame"
	"skywatch/internal/state"
)

// frameHub fans published frames out to websocket clients. Clients that
// cannot keep up with the frame rate are disconnected rather than buffered.
type frameHub struct {
	log        *slog.Logger
	upgrader   websocket.Upgrader
	register   chan *liveClient
	unregister chan *liveClient
	frames     chan *frame.ProcessedFrame
}

type liveClient struct {
	conn *websocket.Conn
	send chan *frame.ProcessedFrame
}

func newFrameHub(log *slog.Logger) *frameHub {
	return &frameHub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		register:   make(chan *liveClient),
		unregister: make(chan *liveClient),
		frames:     make(chan *frame.ProcessedFrame, 4),
	}
}

// run owns the client set. It subscribes to the state store and forwards
// each published frame; it exits when ctx is cancelled.
func (h *frameHub) run(ctx context.Context, store *state.Store) {
	sub, unsub := store.Subscribe()
	defer unsub()

	clients := make(map[*liveClient]struct{})
	defer func() {
		for c := range clients {
			close(c.send)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			clients[c] = struct{}{}
			h.log.Debug("live client connected", "clients", len(clients))
		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
			}
			h.log.Debug("live client disconnected", "clients", len(clients))
		case f, ok := <-sub:
			if !ok {
				return
			}
			for c := range clients {
				select {
				case c.send <- f:
				default:
					delete(clients, c)
					close(c.send)
				}
			}
		}
	}
}

func (h *frameHub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := &liveClient{conn: conn, send: make(chan *frame.ProcessedFrame, 4)}
	h.register <- client

	go h.writeLoop(client)
	h.readLoop(client)
}

// readLoop discards client messages; its job is to notice the close.
func (h *frameHub) readLoop(c *liveClient) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *frameHub) writeLoop(c *liveClient) {
	ping := time.NewTicker(30 * time.Second)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, f.Data); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
