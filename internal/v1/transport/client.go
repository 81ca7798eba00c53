// Package transport owns the WebSocket surface: the upgrade path, the
// per-connection read and write pumps, the handler envelope with ack
// semantics, and the dispatch table into the room and media layers.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voicelink/signaling/internal/v1/logging"
	"github.com/voicelink/signaling/internal/v1/metrics"
	"github.com/voicelink/signaling/internal/v1/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

// wsConnection is the slice of *websocket.Conn the client uses, narrowed so
// tests can substitute it.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
}

// Client is one authenticated WebSocket connection. It implements
// types.ClientInterface.
type Client struct {
	conn     wsConnection
	hub      *Hub
	connId   types.ConnIdType
	identity types.Identity

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	send chan []byte
}

func newClient(conn wsConnection, hub *Hub, connId types.ConnIdType, identity types.Identity) *Client {
	return &Client{
		conn:     conn,
		hub:      hub,
		connId:   connId,
		identity: identity,
		send:     make(chan []byte, sendBufferSize),
	}
}

func (c *Client) ConnID() types.ConnIdType { return c.connId }
func (c *Client) Identity() types.Identity { return c.identity }

// Send serializes a server push and queues it for the write pump.
func (c *Client) Send(event types.EventType, payload any) {
	data, err := json.Marshal(types.Push{Event: event, Payload: payload})
	if err != nil {
		logging.Error(context.Background(), "marshal push failed",
			zap.String("event", string(event)), zap.Error(err))
		return
	}
	c.SendRaw(data)
}

// SendRaw queues a pre-serialized frame. It never blocks: a client that
// cannot keep up loses frames rather than stalling the room. The read lock is
// held across the channel send so Disconnect cannot close the channel between
// the closed check and the send.
func (c *Client) SendRaw(data []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		metrics.DroppedMessages.Inc()
		logging.Warn(context.Background(), "client send buffer full, dropping frame",
			zap.String("conn_id", string(c.connId)),
			zap.Int64("user_id", int64(c.identity.UserId)))
	}
}

// Disconnect closes the send channel, which lets the write pump drain, send
// the close frame and tear the socket down. The channel is closed under the
// write lock so no sender can be mid-send.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

// readPump reads frames until the connection dies, dispatching each message
// serially so per-connection ordering holds.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			logging.Warn(context.Background(), "unparseable client frame",
				zap.String("conn_id", string(c.connId)), zap.Error(err))
			continue
		}

		c.hub.dispatch(context.Background(), c, &msg)
	}
}

// writePump drains the send channel and keeps the connection alive with
// periodic pings; a missed pong trips the read deadline in readPump.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.GetLogger().Debug("write failed, closing connection",
					zap.String("conn_id", string(c.connId)), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
