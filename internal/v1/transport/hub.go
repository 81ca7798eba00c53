package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voicelink/signaling/internal/v1/auth"
	"github.com/voicelink/signaling/internal/v1/bus"
	"github.com/voicelink/signaling/internal/v1/indices"
	"github.com/voicelink/signaling/internal/v1/logging"
	"github.com/voicelink/signaling/internal/v1/metrics"
	"github.com/voicelink/signaling/internal/v1/ratelimit"
	"github.com/voicelink/signaling/internal/v1/room"
	"github.com/voicelink/signaling/internal/v1/types"
)

// Hub accepts WebSocket upgrades and tracks every live connection on this
// node. It is the relay's delivery sink and the gift batcher's notifier.
type Hub struct {
	reg     *room.Registry
	gate    *auth.Gate
	limiter *ratelimit.Service
	index   *indices.Index

	upgrader websocket.Upgrader
	handlers map[types.EventType]handlerFunc

	mu     sync.RWMutex
	conns  map[types.ConnIdType]*Client
	byUser map[types.UserIdType]map[types.ConnIdType]*Client
}

func NewHub(reg *room.Registry, gate *auth.Gate, limiter *ratelimit.Service, index *indices.Index) *Hub {
	h := &Hub{
		reg:     reg,
		gate:    gate,
		limiter: limiter,
		index:   index,
		conns:   map[types.ConnIdType]*Client{},
		byUser:  map[types.UserIdType]map[types.ConnIdType]*Client{},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return gate.CheckOrigin(r.Header.Get("Origin"))
		},
	}
	h.handlers = buildHandlerTable()
	return h
}

// ServeWs authenticates the request and upgrades it to a WebSocket
// connection. Rate limits run cheapest-first: IP before token validation,
// user after.
func (h *Hub) ServeWs(c *gin.Context) {
	ctx := c.Request.Context()

	if !h.limiter.Allow(ctx, ratelimit.ActionConnectIP, c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
		return
	}

	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("Authorization")
	}
	identity, err := h.gate.Authenticate(ctx, token)
	if err != nil {
		status := http.StatusUnauthorized
		if types.CodeOf(err) == types.ErrAuthRequired {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": string(types.CodeOf(err))})
		return
	}

	if !h.limiter.Allow(ctx, ratelimit.ActionConnectUser, userKey(identity.UserId)) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade writes its own error response; the usual cause here is a
		// refused Origin.
		logging.Warn(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}

	h.HandleConnection(conn, identity)
}

// HandleConnection registers an established connection and starts its pumps.
// Split from ServeWs so tests can drive it with a fake socket.
func (h *Hub) HandleConnection(conn wsConnection, identity types.Identity) *Client {
	client := newClient(conn, h, types.ConnIdType(uuid.NewString()), identity)

	h.mu.Lock()
	h.conns[client.ConnID()] = client
	if h.byUser[identity.UserId] == nil {
		h.byUser[identity.UserId] = map[types.ConnIdType]*Client{}
	}
	h.byUser[identity.UserId][client.ConnID()] = client
	h.mu.Unlock()

	ctx := context.Background()
	if err := h.index.RegisterSocket(ctx, identity.UserId, client.ConnID()); err != nil {
		logging.Warn(ctx, "socket index registration failed", zap.Error(err))
	}
	metrics.IncConnection()
	logging.Info(ctx, "client connected",
		zap.String("conn_id", string(client.ConnID())),
		zap.Int64("user_id", int64(identity.UserId)))

	go client.writePump()
	go client.readPump()
	return client
}

// handleDisconnect unwinds a dying connection: hub maps, the fleet-wide
// socket index, and whatever room it was in.
func (h *Hub) handleDisconnect(c *Client) {
	h.mu.Lock()
	if _, ok := h.conns[c.ConnID()]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.ConnID())
	if conns := h.byUser[c.identity.UserId]; conns != nil {
		delete(conns, c.ConnID())
		if len(conns) == 0 {
			delete(h.byUser, c.identity.UserId)
		}
	}
	h.mu.Unlock()

	c.Disconnect()

	ctx := context.Background()
	if err := h.index.UnregisterSocket(ctx, c.identity.UserId, c.ConnID()); err != nil {
		logging.Warn(ctx, "socket index unregister failed", zap.Error(err))
	}
	h.reg.HandleDisconnect(ctx, c)

	logging.Info(ctx, "client disconnected",
		zap.String("conn_id", string(c.ConnID())),
		zap.Int64("user_id", int64(c.identity.UserId)))
}

// --- relay.Sink ---

// DeliverToUser pushes to every connection the user holds on this node.
func (h *Hub) DeliverToUser(userId types.UserIdType, event types.EventType, payload any) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.byUser[userId]))
	for _, c := range h.byUser[userId] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Send(event, payload)
	}
	return len(targets)
}

// DeliverToRoom pushes to every member of a locally hosted room.
func (h *Hub) DeliverToRoom(roomId string, event types.EventType, payload any) int {
	r := h.reg.Get(roomId)
	if r == nil {
		return 0
	}
	r.Broadcast(event, payload)
	return r.ConnCount()
}

// DeliverToRoomUser pushes to a user only while they are in the given room.
func (h *Hub) DeliverToRoomUser(roomId string, userId types.UserIdType, event types.EventType, payload any) int {
	r := h.reg.Get(roomId)
	if r == nil || !r.HasUser(userId) {
		return 0
	}
	r.SendToUser(userId, event, payload)
	return r.UserConnCount(userId)
}

// DeliverAll pushes to every connection on this node.
func (h *Hub) DeliverAll(event types.EventType, payload any) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Send(event, payload)
	}
	return len(targets)
}

// NotifyGiftError is the gift batcher's path back to a sender whose
// transaction was refused at settlement. Returns false when the sender holds
// no connection on this node, so the caller can fall back to the user plane.
func (h *Hub) NotifyGiftError(conn types.ConnIdType, payload types.GiftErrorPayload) bool {
	h.mu.RLock()
	c := h.conns[conn]
	h.mu.RUnlock()
	if c == nil {
		return false
	}
	c.Send(types.EventGiftError, payload)
	return true
}

// HandleUserPlane delivers a user-channel envelope published by another node
// to the user's local connections. The target user id is the channel suffix.
func (h *Hub) HandleUserPlane(channel string, data []byte) {
	var env bus.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		logging.Warn(context.Background(), "malformed user plane envelope",
			zap.String("channel", channel), zap.Error(err))
		return
	}

	raw, ok := strings.CutPrefix(channel, "audio:user:")
	if !ok {
		return
	}
	userId, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logging.Warn(context.Background(), "unparseable user plane channel",
			zap.String("channel", channel))
		return
	}

	h.DeliverToUser(types.UserIdType(userId), types.EventType(env.Event), env.Payload)
}

// Shutdown disconnects every client; room teardown happens through the
// registry's own Close.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.conns))
	for _, c := range h.conns {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Disconnect()
	}
	logging.Info(ctx, "all client connections closed", zap.Int("count", len(clients)))
}
