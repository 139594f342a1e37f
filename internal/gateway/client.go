package gateway

import (
	"log"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const sendBufferSize = 256

// Client is one live websocket connection bound to a verified identity.
type Client struct {
	ID         string
	IdentityID uuid.UUID
	Username   string

	gateway *Gateway
	conn    *websocket.Conn
	send    chan []byte
}

// ReadPump reads frames until the connection dies and hands each one to the
// gateway dispatcher. It owns the unregister path.
func (c *Client) ReadPump() {
	defer func() {
		c.gateway.disconnect(c)
		c.conn.Close()
	}()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Gateway] read error on %s: %v", c.ID, err)
			}
			break
		}
		c.gateway.handleFrame(c, message)
	}
}

// WritePump drains the send channel onto the wire. A closed channel means
// the gateway dropped the client.
func (c *Client) WritePump() {
	defer func() {
		c.conn.Close()
	}()
	for {
		message, ok := <-c.send
		if !ok {
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		w, err := c.conn.NextWriter(websocket.TextMessage)
		if err != nil {
			return
		}
		w.Write(message)
		if err := w.Close(); err != nil {
			return
		}
	}
}
