package ws

import (
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stravinsky/mux/internal/hub"
)

// writeWait bounds a single frame write so a wedged consumer cannot hold a
// pump goroutine past the drain grace period.
const writeWait = 2 * time.Second

// client ties one WebSocket connection to its hub subscriber. The
// subscriber's queue is touched only by the hub (fill) and this client's
// pump (drain).
type client struct {
	conn *websocket.Conn
	sub  *hub.Subscriber
	h    *hub.Hub
}

// writePump drains the subscriber queue to the wire. Runs in the connection
// handler's goroutine so the HTTP server's shutdown waits for it to flush.
// Exits when the queue is closed (unsubscribe or hub shutdown) or on the
// first write error.
func (c *client) writePump() {
	defer c.conn.Close()

	for m := range c.sub.Messages() {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(m); err != nil {
			c.h.Unsubscribe(c.sub)
			return
		}
	}

	// Queue closed: orderly goodbye, then drop the connection.
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

// readLoop discards inbound frames until the consumer disconnects, then
// unsubscribes so the pump observes the closed queue and exits. Unsubscribe
// is idempotent; the pump or the shutdown path may already have run it.
func (c *client) readLoop() {
	defer func() {
		c.h.Unsubscribe(c.sub)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("ws: subscriber %s read error: %v", c.sub.ID, err)
			}
			return
		}
	}
}
