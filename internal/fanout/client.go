package fanout

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Auth, when enabled, happens in the HTTP middleware before the
	// upgrade; origin policy is the deployment proxy's concern.
	CheckOrigin: func(*http.Request) bool { return true },
}

// subscribeRequest is what clients send over the socket to manage their
// subscription set.
type subscribeRequest struct {
	Action         string `json:"action"` // "subscribe" or "unsubscribe"
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

// client is one WebSocket connection and its subscription keys.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	keys map[string]struct{}

	closeOnce sync.Once
}

// ServeWS upgrades an HTTP request to a WebSocket connection and runs it
// until the client disconnects. Query parameters conversation_id and user_id
// may seed the subscription set.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("fanout: websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		keys: make(map[string]struct{}),
	}
	h.register(c)

	if conv := r.URL.Query().Get("conversation_id"); conv != "" {
		h.subscribe(c, ConversationKey(conv))
	}
	if user := r.URL.Query().Get("user_id"); user != "" {
		h.subscribe(c, UserKey(user))
	}

	go c.writePump()
	c.readPump()
}

// readPump consumes subscription requests until the connection drops. It owns
// the read side of the connection.
func (c *client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("fanout: websocket read error", "error", err)
			}
			return
		}

		var req subscribeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			slog.Debug("fanout: ignoring malformed client message", "error", err)
			continue
		}

		var key string
		switch {
		case req.ConversationID != "":
			key = ConversationKey(req.ConversationID)
		case req.UserID != "":
			key = UserKey(req.UserID)
		default:
			continue
		}

		switch req.Action {
		case "subscribe":
			c.hub.subscribe(c, key)
		case "unsubscribe":
			c.hub.unsubscribe(c, key)
		}
	}
}

// writePump pushes broadcast payloads and pings to the connection. It owns
// the write side of the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

// close shuts the send channel, which makes writePump send a close frame and
// tear down the connection.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
