// internal/realtime/client.go
package realtime

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// Client is one websocket connection. groups and closed are guarded by the
// hub's lock.
type Client struct {
	ID     string
	UserID string

	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	groups map[string]struct{}
	closed bool
}

// readPump pumps messages from the connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	pongWait := 2 * c.hub.cfg.Heartbeat
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error",
					zap.String("client_id", c.ID),
					zap.Error(err))
			}
			return
		}
		c.hub.handle(c, message)
	}
}

// writePump writes queued frames and heartbeat pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.Heartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
