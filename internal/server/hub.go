package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// registration adds a client together with the first message it receives.
type registration struct {
	conn    *websocket.Conn
	initial []byte
}

// hub fans profile snapshots out to websocket clients. Only run writes to
// registered connections.
type hub struct {
	log        *slog.Logger
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan registration
	unregister chan *websocket.Conn
	done       chan struct{}
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log:        log,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 8),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				_ = client.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				client.Close()
			}
			h.clients = map[*websocket.Conn]bool{}
			return

		case reg := <-h.register:
			if err := write(reg.conn, reg.initial); err != nil {
				reg.conn.Close()
				continue
			}
			h.clients[reg.conn] = true
			h.log.Debug("websocket client connected", "total", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.log.Debug("websocket client disconnected", "total", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				if err := write(client, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
		}
	}
}

func write(conn *websocket.Conn, msg []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// publish encodes v and queues it for every client.
func (h *hub) publish(ctx context.Context, v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		h.log.Warn("failed to encode profile update", "error", err)
		return
	}
	select {
	case h.broadcast <- msg:
	case <-h.done:
	case <-ctx.Done():
	}
}

// add hands conn to the hub, which first sends it v. It reports false when
// the hub has stopped.
func (h *hub) add(ctx context.Context, conn *websocket.Conn, v any) bool {
	initial, err := json.Marshal(v)
	if err != nil {
		h.log.Warn("failed to encode profile snapshot", "error", err)
		return false
	}
	select {
	case h.register <- registration{conn: conn, initial: initial}:
		return true
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (h *hub) remove(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}
