package websocket

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Viewers never send payloads; anything bigger is a protocol error.
	maxMessageSize = 1024
)

// Client is one log-tail viewer bound to a session.
type Client struct {
	ID        string
	sessionID int64
	conn      *websocket.Conn
	hub       *Hub
	send      chan []byte
	logger    *logger.Logger
}

// NewClient wraps an upgraded connection for one session.
func NewClient(id string, sessionID int64, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:        id,
		sessionID: sessionID,
		conn:      conn,
		hub:       hub,
		send:      make(chan []byte, 256),
		logger:    log.WithFields(zap.String("client_id", id), zap.Int64("session_id", sessionID)),
	}
}

// ReadPump drains the connection until the peer closes. The tail is
// one-directional; inbound frames only keep the pong handler alive.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("viewer read error", zap.Error(err))
			}
			return
		}
	}
}

// WritePump pushes queued log entries to the peer and keeps it pinged.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case entry, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, entry); err != nil {
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

// Send queues one entry without blocking; a full buffer drops the entry.
func (c *Client) Send(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}
