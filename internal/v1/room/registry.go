package room

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/voicelink/signaling/internal/v1/backend"
	"github.com/voicelink/signaling/internal/v1/bus"
	"github.com/voicelink/signaling/internal/v1/indices"
	"github.com/voicelink/signaling/internal/v1/logging"
	"github.com/voicelink/signaling/internal/v1/media"
	"github.com/voicelink/signaling/internal/v1/metrics"
	"github.com/voicelink/signaling/internal/v1/ratelimit"
	"github.com/voicelink/signaling/internal/v1/seats"
	"github.com/voicelink/signaling/internal/v1/sfu"
	"github.com/voicelink/signaling/internal/v1/types"
)

// DefaultGracePeriod keeps an empty room warm so a reconnecting client finds
// its media state intact.
const DefaultGracePeriod = 30 * time.Second

// BackendAPI is the slice of the backend client the room layer needs;
// narrowed to an interface so tests substitute it.
type BackendAPI interface {
	GetRoom(ctx context.Context, roomId string) (*backend.RoomInfo, error)
	GetRole(ctx context.Context, roomId string, userId types.UserIdType) (types.RoomRole, error)
	ReportRoomStatus(ctx context.Context, roomId string, upd backend.StatusUpdate)
}

// GiftQueue accepts gift transactions for batched settlement.
type GiftQueue interface {
	Enqueue(ctx context.Context, tx types.GiftTransaction) error
}

// Deps wires the registry to the rest of the service.
type Deps struct {
	Pool          *sfu.Pool
	Seats         *seats.Repository
	Rdb           *redis.Client
	Backend       BackendAPI
	Bus           *bus.Service
	Index         *indices.Index
	Limiter       *ratelimit.Service
	Gifts         GiftQueue
	NodeID        string
	InactivityTTL time.Duration
	GracePeriod   time.Duration
}

// Room lifecycle announcements on the room pub/sub plane.
const (
	planeEventClaimed = "room:claimed"
	planeEventClosed  = "room:closed"
)

func hostKey(roomId string) string   { return "room:host:" + roomId }
func rosterKey(roomId string) string { return "room:" + roomId + ":members" }

// Registry owns every room hosted on this node.
type Registry struct {
	deps Deps

	mu              sync.Mutex
	rooms           map[string]*Room
	pendingCleanups map[string]*time.Timer
}

// NewRegistry builds a registry and hooks worker-death teardown into the pool.
func NewRegistry(deps Deps) *Registry {
	if deps.GracePeriod == 0 {
		deps.GracePeriod = DefaultGracePeriod
	}
	r := &Registry{
		deps:            deps,
		rooms:           map[string]*Room{},
		pendingCleanups: map[string]*time.Timer{},
	}
	if deps.Pool != nil {
		deps.Pool.OnWorkerDeath(r.handleWorkerDeath)
	}
	return r
}

// Get returns the locally hosted room, or nil.
func (reg *Registry) Get(roomId string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.rooms[roomId]
}

// Member returns the room when the connection is a member of it; the common
// precondition for every in-room operation.
func (reg *Registry) Member(roomId string, conn types.ConnIdType) (*Room, error) {
	r := reg.Get(roomId)
	if r == nil || !r.HasConn(conn) {
		return nil, types.E(types.ErrNotInRoom)
	}
	return r, nil
}

// JoinResult is the snapshot handed to a client entering a room.
type JoinResult struct {
	RoomId          string                 `json:"roomId"`
	OwnerId         types.UserIdType       `json:"ownerId"`
	SeatCount       int                    `json:"seatCount"`
	RtpCapabilities json.RawMessage        `json:"rtpCapabilities"`
	Participants    []types.Identity       `json:"participants"`
	Seats           []types.SeatInfo       `json:"seats"`
	LockedSeats     []types.SeatIndex      `json:"lockedSeats"`
	ActiveProducers []types.ActiveProducer `json:"activeProducers"`
}

// JoinRoom places the connection into the room, creating it on first join.
// Ownership comes from the backend, never from the client.
func (reg *Registry) JoinRoom(ctx context.Context, client types.ClientInterface, p *types.JoinRoomPayload) (*JoinResult, error) {
	r, err := reg.getOrCreate(ctx, p.RoomId, p.SeatCount)
	if err != nil {
		return nil, err
	}

	firstConn := r.addClient(client)
	if firstConn {
		r.Broadcast(types.EventRoomUserJoined, types.RoomUserJoinedPayload{
			UserId: client.Identity().UserId,
			User:   client.Identity(),
		}, client.ConnID())
		_ = reg.deps.Bus.SetAdd(ctx, rosterKey(r.id), userKey(client.Identity().UserId))
	}

	if err := reg.deps.Index.SetRoom(ctx, client.Identity().UserId, r.id); err != nil {
		logging.Warn(ctx, "user room index update failed", zap.Error(err))
	}
	r.persistState(ctx, types.RoomStatusActive)
	r.touchActivity(ctx)

	seatList, err := r.seatRepo().Seats(ctx, r.id)
	if err != nil {
		return nil, err
	}
	locked, err := r.seatRepo().LockedSeats(ctx, r.id)
	if err != nil {
		return nil, err
	}

	logging.Info(ctx, "user joined room",
		zap.String("room_id", r.id), zap.Int64("user_id", int64(client.Identity().UserId)))

	return &JoinResult{
		RoomId:          r.id,
		OwnerId:         r.ownerId,
		SeatCount:       r.seatCount,
		RtpCapabilities: r.media.RtpCapabilities(),
		Participants:    r.Participants(),
		Seats:           seatList,
		LockedSeats:     locked,
		ActiveProducers: r.media.ActiveProducers(),
	}, nil
}

func (reg *Registry) getOrCreate(ctx context.Context, roomId string, seatCount int) (*Room, error) {
	reg.mu.Lock()
	if r := reg.rooms[roomId]; r != nil {
		if timer := reg.pendingCleanups[roomId]; timer != nil {
			timer.Stop()
			delete(reg.pendingCleanups, roomId)
		}
		reg.mu.Unlock()
		return r, nil
	}
	reg.mu.Unlock()

	// Backend is the source of truth for the room's existence and owner.
	info, err := reg.deps.Backend.GetRoom(ctx, roomId)
	if err != nil {
		return nil, err
	}

	// One node hosts a room at a time, fleet-wide. The claim is a store-side
	// SETNX so two nodes racing the same first join cannot both win.
	if err := reg.claimHost(ctx, roomId); err != nil {
		return nil, err
	}

	if seatCount < types.MinSeatCount || seatCount > types.MaxSeatCount {
		seatCount = types.DefaultSeatCount
	}

	worker, err := reg.deps.Pool.LeastLoaded()
	if err != nil {
		reg.releaseHostClaim(ctx, roomId, true)
		return nil, fmt.Errorf("no media capacity: %w", err)
	}
	router, err := worker.NewRouter(roomId)
	if err != nil {
		reg.releaseHostClaim(ctx, roomId, true)
		return nil, fmt.Errorf("create router: %w", err)
	}

	r := &Room{
		id:        roomId,
		seatCount: seatCount,
		ownerId:   info.OwnerId,
		workerId:  worker.ID(),
		createdAt: time.Now(),
		reg:       reg,
		clients:   map[types.ConnIdType]types.ClientInterface{},
		byUser:    map[types.UserIdType]map[types.ConnIdType]bool{},
		roles:     map[types.UserIdType]cachedRole{},
	}
	coord, err := media.NewCoordinator(roomId, router, r)
	if err != nil {
		router.Close()
		reg.releaseHostClaim(ctx, roomId, true)
		return nil, fmt.Errorf("create media coordinator: %w", err)
	}
	r.media = coord

	reg.mu.Lock()
	// A concurrent join may have won the race; yield to it.
	if existing := reg.rooms[roomId]; existing != nil {
		reg.mu.Unlock()
		coord.Close()
		return existing, nil
	}
	reg.rooms[roomId] = r
	reg.mu.Unlock()

	metrics.ActiveRooms.Inc()
	reg.deps.Backend.ReportRoomStatus(ctx, roomId, backend.StatusUpdate{
		Live: true, StartedAt: r.createdAt.Unix(),
	})
	_ = reg.deps.Bus.Publish(ctx, bus.RoomChannel(roomId), bus.Envelope{
		RoomID: roomId, Event: planeEventClaimed, SenderID: reg.deps.NodeID,
	})
	logging.Info(ctx, "room created",
		zap.String("room_id", roomId), zap.String("worker_id", worker.ID()),
		zap.Int64("owner_id", int64(info.OwnerId)))
	return r, nil
}

// claimHost takes the fleet-wide host claim for a room. A claim already held
// by this node is fine (restart, or a concurrent local join); anyone else's
// claim refuses the join so the client can reconnect to the hosting node.
func (reg *Registry) claimHost(ctx context.Context, roomId string) error {
	ok, err := reg.deps.Rdb.SetNX(ctx, hostKey(roomId), reg.deps.NodeID, 0).Result()
	if err != nil {
		return fmt.Errorf("host claim: %w", err)
	}
	if ok {
		return nil
	}
	holder, err := reg.deps.Rdb.Get(ctx, hostKey(roomId)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("host claim read: %w", err)
	}
	if holder == reg.deps.NodeID {
		return nil
	}
	logging.Warn(ctx, "room hosted on another node",
		zap.String("room_id", roomId), zap.String("host_node", holder))
	return types.E(types.ErrRoomHostedElsewhere)
}

var releaseHostScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0`)

// releaseHostClaim gives the claim back. A node tearing down its own room
// only deletes the claim it still holds; the orphan path (inactivity sweep
// after a node crash) deletes whatever claim is left.
func (reg *Registry) releaseHostClaim(ctx context.Context, roomId string, hosted bool) {
	var err error
	if hosted {
		err = releaseHostScript.Run(ctx, reg.deps.Rdb, []string{hostKey(roomId)}, reg.deps.NodeID).Err()
	} else {
		err = reg.deps.Rdb.Del(ctx, hostKey(roomId)).Err()
	}
	if err != nil && err != redis.Nil {
		logging.Warn(ctx, "host claim release failed", zap.String("room_id", roomId), zap.Error(err))
	}
}

// LeaveRoom removes the connection from the room, releasing its seat and
// media. The last connection out starts the grace timer.
func (reg *Registry) LeaveRoom(ctx context.Context, client types.ClientInterface, roomId string) error {
	r, err := reg.Member(roomId, client.ConnID())
	if err != nil {
		return err
	}
	reg.detach(ctx, r, client)
	return nil
}

// HandleDisconnect cleans up whatever room the dying connection was in.
func (reg *Registry) HandleDisconnect(ctx context.Context, client types.ClientInterface) {
	reg.mu.Lock()
	var member *Room
	for _, r := range reg.rooms {
		if r.HasConn(client.ConnID()) {
			member = r
			break
		}
	}
	reg.mu.Unlock()
	if member != nil {
		reg.detach(ctx, member, client)
	}
}

func (reg *Registry) detach(ctx context.Context, r *Room, client types.ClientInterface) {
	lastConn, present := r.removeClient(client)
	if !present {
		return
	}
	userId := client.Identity().UserId

	r.media.ReleaseConnection(ctx, client.ConnID())

	if lastConn {
		if seatIdx, err := r.seatRepo().LeaveSeat(ctx, r.id, userId); err == nil {
			r.Broadcast(types.EventSeatCleared, types.SeatClearedPayload{SeatIndex: seatIdx})
		} else if types.CodeOf(err) != types.ErrNotSeated {
			logging.Warn(ctx, "seat release on leave failed",
				zap.String("room_id", r.id), zap.Int64("user_id", int64(userId)), zap.Error(err))
		}
		r.Broadcast(types.EventRoomUserLeft, types.RoomUserLeftPayload{UserId: userId})
		if err := reg.deps.Index.ClearRoom(ctx, userId, r.id); err != nil {
			logging.Warn(ctx, "user room index clear failed", zap.Error(err))
		}
		_ = reg.deps.Bus.SetRem(ctx, rosterKey(r.id), userKey(userId))
	}

	r.persistState(ctx, types.RoomStatusActive)
	logging.Info(ctx, "user left room",
		zap.String("room_id", r.id), zap.Int64("user_id", int64(userId)))

	if r.participantCount() == 0 {
		reg.deps.Backend.ReportRoomStatus(ctx, r.id, backend.StatusUpdate{Live: false})
		reg.scheduleCleanup(r.id)
	}
}

// scheduleCleanup starts the grace timer for an empty room; a join within the
// window cancels it.
func (reg *Registry) scheduleCleanup(roomId string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.pendingCleanups[roomId] != nil {
		return
	}
	reg.pendingCleanups[roomId] = time.AfterFunc(reg.deps.GracePeriod, func() {
		r := reg.Get(roomId)
		if r != nil && r.participantCount() > 0 {
			reg.mu.Lock()
			delete(reg.pendingCleanups, roomId)
			reg.mu.Unlock()
			return
		}
		reg.CloseRoom(context.Background(), roomId, "empty")
	})
}

// CloseRoom tears the room down: members are notified, media released, seat
// and index state cleared, the host claim released, the backend informed.
// Closing a room that is not hosted locally still clears its store keys,
// which is what the inactivity sweep needs for rooms orphaned by a crashed
// node.
func (reg *Registry) CloseRoom(ctx context.Context, roomId, reason string) {
	hosted := reg.closeLocal(ctx, roomId, reason)

	if err := reg.deps.Seats.ClearRoom(ctx, roomId); err != nil {
		logging.Warn(ctx, "seat state clear failed", zap.String("room_id", roomId), zap.Error(err))
	}
	if !hosted {
		// Orphaned room: the hosting node is gone, so its members never got
		// their user→room index cleared. The fleet roster says who they were.
		members, _ := reg.deps.Bus.SetMembers(ctx, rosterKey(roomId))
		for _, m := range members {
			uid, err := strconv.ParseInt(m, 10, 64)
			if err != nil {
				continue
			}
			if err := reg.deps.Index.ClearRoom(ctx, types.UserIdType(uid), roomId); err != nil {
				logging.Warn(ctx, "orphan room index clear failed", zap.Error(err))
			}
		}
	}
	if err := reg.deps.Rdb.Del(ctx, stateKey(roomId), activityKey(roomId), rosterKey(roomId)).Err(); err != nil {
		logging.Warn(ctx, "room key clear failed", zap.String("room_id", roomId), zap.Error(err))
	}
	reg.releaseHostClaim(ctx, roomId, hosted)
	reg.deps.Backend.ReportRoomStatus(ctx, roomId, backend.StatusUpdate{
		Live: false, EndedAt: time.Now().Unix(),
	})
	_ = reg.deps.Bus.Publish(ctx, bus.RoomChannel(roomId), bus.Envelope{
		RoomID: roomId, Event: planeEventClosed, SenderID: reg.deps.NodeID,
	})

	metrics.RoomsClosed.WithLabelValues(reason).Inc()
	logging.Info(ctx, "room closed", zap.String("room_id", roomId), zap.String("reason", reason))
}

// closeLocal tears down this node's copy of the room without touching the
// shared store. Reports whether a local copy existed.
func (reg *Registry) closeLocal(ctx context.Context, roomId, reason string) bool {
	reg.mu.Lock()
	r := reg.rooms[roomId]
	delete(reg.rooms, roomId)
	if timer := reg.pendingCleanups[roomId]; timer != nil {
		timer.Stop()
		delete(reg.pendingCleanups, roomId)
	}
	reg.mu.Unlock()

	if r == nil {
		return false
	}

	r.mu.Lock()
	r.closed = true
	clients := make([]types.ClientInterface, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = map[types.ConnIdType]types.ClientInterface{}
	r.byUser = map[types.UserIdType]map[types.ConnIdType]bool{}
	r.mu.Unlock()

	payload := types.RoomClosedPayload{RoomId: roomId, Reason: reason, Ts: time.Now().UnixMilli()}
	for _, c := range clients {
		c.Send(types.EventRoomClosed, payload)
		if err := reg.deps.Index.ClearRoom(ctx, c.Identity().UserId, roomId); err != nil {
			logging.Warn(ctx, "user room index clear failed", zap.Error(err))
		}
	}
	r.media.Close()
	metrics.ActiveRooms.Dec()
	metrics.RoomParticipants.DeleteLabelValues(roomId)
	return true
}

// HandleRoomPlane reacts to room lifecycle announcements from other nodes. A
// claim or close for a room this node still holds a copy of means the copy is
// stale; it is torn down locally, leaving the store to the announcing node.
func (reg *Registry) HandleRoomPlane(channel string, data []byte) {
	var env bus.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.RoomID == "" {
		return
	}
	if env.SenderID == reg.deps.NodeID {
		return
	}

	switch env.Event {
	case planeEventClaimed, planeEventClosed:
		if reg.Get(env.RoomID) != nil {
			reg.closeLocal(context.Background(), env.RoomID, "host_changed")
		}
	}
}

// handleWorkerDeath closes every room hosted on the dead worker before the
// pool spawns a replacement.
func (reg *Registry) handleWorkerDeath(workerID string) {
	reg.mu.Lock()
	var victims []string
	for id, r := range reg.rooms {
		if r.workerId == workerID {
			victims = append(victims, id)
		}
	}
	reg.mu.Unlock()

	ctx := context.Background()
	for _, id := range victims {
		reg.CloseRoom(ctx, id, "worker_died")
	}
}

// UserRoom resolves which room a user is in anywhere in the fleet.
func (reg *Registry) UserRoom(ctx context.Context, userId types.UserIdType) (string, error) {
	return reg.deps.Index.Room(ctx, userId)
}

// Close shuts down every room; part of graceful shutdown.
func (reg *Registry) Close(ctx context.Context) {
	reg.mu.Lock()
	ids := make([]string, 0, len(reg.rooms))
	for id := range reg.rooms {
		ids = append(ids, id)
	}
	reg.mu.Unlock()

	for _, id := range ids {
		reg.CloseRoom(ctx, id, "shutdown")
	}
}
