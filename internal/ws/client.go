package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"pigeon/internal/models"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong before the connection is considered dead.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Bodies may carry whole base64-encoded file attachments.
	maxFrameSize = 16 << 20

	// Outbound frame buffer per session.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The connection is addressed by identity in the path; origin checking is
	// left to the surrounding application.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is the server-side half of one session: a registered identity bound
// to one websocket connection.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	username string

	send      chan []byte
	closeOnce sync.Once
	log       *logrus.Entry
}

// ServeWs upgrades the request and attaches the session to the hub.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, username string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &Client{
		hub:      hub,
		conn:     conn,
		username: username,
		send:     make(chan []byte, sendBuffer),
		log:      logrus.WithFields(logrus.Fields{"component": "session", "username": username}),
	}

	c.hub.register(c)
	go c.writePump()
	go c.readPump()
}

// writeFrame writes a payload to the socket synchronously. Only valid before
// the write pump starts; the hub uses it to drain the queued backlog during
// registration.
func (c *Client) writeFrame(payload []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// enqueue hands a payload to the write pump without blocking. It reports
// false when the session's buffer is full or already closed.
func (c *Client) enqueue(payload []byte) (ok bool) {
	defer func() {
		// Send on a closed channel: the session raced its own teardown.
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// readPump consumes inbound frames until the connection dies. Teardown runs
// on every exit path, including transport errors.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("read loop ended")
			}
			return
		}

		var signal models.TypingSignal
		if err := json.Unmarshal(raw, &signal); err != nil {
			// Malformed frames are dropped; the session continues.
			c.log.WithError(err).Warn("dropping malformed frame")
			continue
		}

		switch signal.Type {
		case models.FrameTyping:
			c.hub.SetTyping(c.username, signal.IsTyping)
		default:
			c.log.WithField("type", signal.Type).Debug("ignoring unknown frame type")
		}
	}
}

// writePump serializes all writes to the connection.
func (c *Client) writePump() {
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
