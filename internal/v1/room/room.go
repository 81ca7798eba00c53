// Package room implements the live-room domain: the registry that creates
// and retires rooms, membership, seats, chat, gifts, and the glue between
// the socket layer and the media coordinator.
package room

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/voicelink/signaling/internal/v1/logging"
	"github.com/voicelink/signaling/internal/v1/media"
	"github.com/voicelink/signaling/internal/v1/metrics"
	"github.com/voicelink/signaling/internal/v1/seats"
	"github.com/voicelink/signaling/internal/v1/types"
)

// roleCacheTTL bounds staleness of backend-resolved admin roles. Only
// positive results are cached so a freshly promoted admin is never locked
// out longer than this.
const roleCacheTTL = 30 * time.Second

type cachedRole struct {
	role    types.RoomRole
	expires time.Time
}

// Room is one live audio room hosted on this node.
type Room struct {
	id        string
	seatCount int
	ownerId   types.UserIdType
	workerId  string
	createdAt time.Time

	media *media.Coordinator
	reg   *Registry

	mu      sync.RWMutex
	clients map[types.ConnIdType]types.ClientInterface
	byUser  map[types.UserIdType]map[types.ConnIdType]bool
	roles   map[types.UserIdType]cachedRole
	closed  bool
}

func (r *Room) ID() string                { return r.id }
func (r *Room) OwnerId() types.UserIdType { return r.ownerId }
func (r *Room) SeatCount() int            { return r.seatCount }

// Broadcast sends a push to every connection in the room except the excluded
// ones. Rooms are single-homed, so no cross-node fan-out is needed here.
func (r *Room) Broadcast(event types.EventType, payload any, exclude ...types.ConnIdType) {
	r.mu.RLock()
	targets := make([]types.ClientInterface, 0, len(r.clients))
	for connId, c := range r.clients {
		skip := false
		for _, ex := range exclude {
			if connId == ex {
				skip = true
				break
			}
		}
		if !skip {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.Send(event, payload)
	}
}

// SendToUser delivers a push to every connection the user holds in this room.
func (r *Room) SendToUser(userId types.UserIdType, event types.EventType, payload any) {
	r.mu.RLock()
	conns := r.byUser[userId]
	targets := make([]types.ClientInterface, 0, len(conns))
	for connId := range conns {
		if c := r.clients[connId]; c != nil {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.Send(event, payload)
	}
}

// ConnCount reports how many connections are attached to this room.
func (r *Room) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// UserConnCount reports how many connections the user holds in this room.
func (r *Room) UserConnCount(userId types.UserIdType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userId])
}

// HasUser reports whether the user holds any connection in this room.
func (r *Room) HasUser(userId types.UserIdType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userId]) > 0
}

// HasConn reports whether the connection is a member of this room.
func (r *Room) HasConn(conn types.ConnIdType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[conn]
	return ok
}

func (r *Room) participantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Participants snapshots the identities present in the room.
func (r *Room) Participants() []types.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[types.UserIdType]bool{}
	out := make([]types.Identity, 0, len(r.byUser))
	for _, c := range r.clients {
		id := c.Identity()
		if !seen[id.UserId] {
			seen[id.UserId] = true
			out = append(out, id)
		}
	}
	return out
}

func (r *Room) addClient(c types.ClientInterface) (firstConn bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userId := c.Identity().UserId
	r.clients[c.ConnID()] = c
	if r.byUser[userId] == nil {
		r.byUser[userId] = map[types.ConnIdType]bool{}
	}
	firstConn = len(r.byUser[userId]) == 0
	r.byUser[userId][c.ConnID()] = true
	return firstConn
}

func (r *Room) removeClient(c types.ClientInterface) (lastConn bool, present bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c.ConnID()]; !ok {
		return false, false
	}
	delete(r.clients, c.ConnID())
	userId := c.Identity().UserId
	if conns := r.byUser[userId]; conns != nil {
		delete(conns, c.ConnID())
		if len(conns) == 0 {
			delete(r.byUser, userId)
			return true, true
		}
	}
	return false, true
}

// requireModerator resolves the caller's role and refuses non-moderators.
// Ownership is decided locally; admin status comes from the backend with a
// short positive-only cache.
func (r *Room) requireModerator(ctx context.Context, userId types.UserIdType) error {
	if userId == r.ownerId {
		return nil
	}

	r.mu.RLock()
	cached, ok := r.roles[userId]
	r.mu.RUnlock()
	if ok && time.Now().Before(cached.expires) {
		if cached.role == types.RoomRoleAdmin {
			return nil
		}
		return types.E(types.ErrNotAuthorized)
	}

	role, err := r.reg.deps.Backend.GetRole(ctx, r.id, userId)
	if err != nil {
		logging.Warn(ctx, "role lookup failed",
			zap.String("room_id", r.id), zap.Int64("user_id", int64(userId)), zap.Error(err))
		return types.E(types.ErrNotAuthorized)
	}
	if role == types.RoomRoleAdmin || role == types.RoomRoleOwner {
		r.mu.Lock()
		r.roles[userId] = cachedRole{role: role, expires: time.Now().Add(roleCacheTTL)}
		r.mu.Unlock()
		return nil
	}
	return types.E(types.ErrNotAuthorized)
}

// touchActivity refreshes the room's liveness marker read by the auto-close
// sweep.
func (r *Room) touchActivity(ctx context.Context) {
	if err := r.reg.deps.Rdb.Set(ctx, activityKey(r.id), time.Now().Unix(), r.reg.deps.InactivityTTL).Err(); err != nil {
		logging.Warn(ctx, "activity touch failed", zap.String("room_id", r.id), zap.Error(err))
	}
}

func (r *Room) persistState(ctx context.Context, status types.RoomStatus) {
	state := types.RoomState{
		Status:           status,
		OwnerId:          r.ownerId,
		SeatCount:        r.seatCount,
		ParticipantCount: r.participantCount(),
		CreatedAt:        r.createdAt.Unix(),
		HostNode:         r.reg.deps.NodeID,
	}
	data, err := json.Marshal(state)
	if err != nil {
		logging.Error(ctx, "marshal room state", zap.String("room_id", r.id), zap.Error(err))
		return
	}
	if err := r.reg.deps.Rdb.Set(ctx, stateKey(r.id), data, 0).Err(); err != nil {
		logging.Warn(ctx, "persist room state failed", zap.String("room_id", r.id), zap.Error(err))
	}
	metrics.RoomParticipants.WithLabelValues(r.id).Set(float64(state.ParticipantCount))
}

func stateKey(roomId string) string    { return "room:state:" + roomId }
func activityKey(roomId string) string { return "room:" + roomId + ":activity" }

// seatRepo is a shorthand for the shared seat repository.
func (r *Room) seatRepo() *seats.Repository { return r.reg.deps.Seats }

func (r *Room) rdb() *redis.Client { return r.reg.deps.Rdb }

func userKey(userId types.UserIdType) string {
	return strconv.FormatInt(int64(userId), 10)
}
