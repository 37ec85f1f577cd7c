package events

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	sendBufSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API key guard in front of this handler is the access control;
	// browser origin is not.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler upgrades HTTP requests to WebSocket subscribers of the hub.
func WSHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "error", err)
			return
		}

		c := &wsClient{
			id:   uuid.Must(uuid.NewV7()).String(),
			hub:  hub,
			conn: conn,
			send: make(chan Message, sendBufSize),
		}
		slog.Info("websocket client connected", "client", c.id, "remote", r.RemoteAddr)

		hub.Subscribe(c.id, c.enqueue)
		hub.Replay(c.enqueue)

		go c.writePump()
		go c.readPump()
	}
}

// wsClient is one connected subscriber. enqueue never blocks: a slow
// client loses messages rather than stalling the hub.
type wsClient struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan Message
}

func (c *wsClient) enqueue(msg Message) {
	select {
	case c.send <- msg:
	default:
		slog.Warn("websocket client send buffer full, dropping event", "client", c.id, "event", msg.Event)
	}
}

func (c *wsClient) close() {
	c.hub.Unsubscribe(c.id)
	c.conn.Close()
}

// readPump discards inbound frames; the socket is push-only. It exists to
// service pongs and to notice the peer going away.
func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			slog.Info("websocket client disconnected", "client", c.id)
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
