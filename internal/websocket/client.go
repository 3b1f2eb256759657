package websocket

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const sendQueueSize = 256

// Client is one connected dashboard socket.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	mu     sync.RWMutex
	groups map[string]bool
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		id:     fmt.Sprintf("client-%d", time.Now().UnixNano()),
		groups: make(map[string]bool),
	}
}

func (c *Client) subscribe(group string) {
	if group == "" {
		return
	}
	c.mu.Lock()
	c.groups[group] = true
	c.mu.Unlock()
}

func (c *Client) unsubscribe(group string) {
	c.mu.Lock()
	delete(c.groups, group)
	c.mu.Unlock()
}

func (c *Client) subscribed(group string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.groups[group]
}

func (c *Client) groupSet() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(c.groups))
	for g := range c.groups {
		out[g] = true
	}
	return out
}

// enqueue queues data for the client. When the queue is full, non-critical
// messages evict the oldest queued message; for critical messages it returns
// false and the hub closes the client.
func (c *Client) enqueue(data []byte, critical bool) bool {
	select {
	case c.send <- data:
		return true
	default:
	}
	if critical {
		return false
	}
	// Drop the oldest message to make room. The hub run loop is the only
	// enqueuer, so this two-step swap does not race with other producers.
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- data:
	default:
	}
	return true
}

func (c *Client) enqueueMessage(msg Message, critical bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data, critical)
}

// readPump consumes subscribe/unsubscribe/ping commands from the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.enqueueMessage(Message{Type: MsgError, Data: map[string]string{"message": "malformed command"}}, false)
			continue
		}
		switch cmd.Type {
		case "subscribe":
			c.subscribe(cmd.Group)
		case "unsubscribe":
			c.unsubscribe(cmd.Group)
		case "ping":
			c.enqueueMessage(Message{Type: MsgPong, Data: map[string]int64{"timestamp": time.Now().Unix()}}, false)
		default:
			log.Debug().Str("client", c.id).Str("type", cmd.Type).Msg("Unknown WebSocket command")
		}
	}
}

// writePump flushes the send queue to the wire.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			for i := len(c.send); i > 0; i-- {
				select {
				case more := <-c.send:
					if err := c.conn.WriteMessage(websocket.TextMessage, more); err != nil {
						return
					}
				default:
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
