package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/voicelink/signaling/internal/v1/backend"
	"github.com/voicelink/signaling/internal/v1/bus"
	"github.com/voicelink/signaling/internal/v1/indices"
	"github.com/voicelink/signaling/internal/v1/ratelimit"
	"github.com/voicelink/signaling/internal/v1/seats"
	"github.com/voicelink/signaling/internal/v1/sfu"
	"github.com/voicelink/signaling/internal/v1/types"
)

type fakeBackend struct {
	mu       sync.Mutex
	owners   map[string]types.UserIdType
	roles    map[types.UserIdType]types.RoomRole
	statuses []string
	roleHits int
}

func (f *fakeBackend) GetRoom(ctx context.Context, roomId string) (*backend.RoomInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.owners[roomId]
	if !ok {
		return nil, types.E(types.ErrRoomNotFound)
	}
	return &backend.RoomInfo{RoomId: roomId, OwnerId: owner}, nil
}

func (f *fakeBackend) GetRole(ctx context.Context, roomId string, userId types.UserIdType) (types.RoomRole, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roleHits++
	if role, ok := f.roles[userId]; ok {
		return role, nil
	}
	return types.RoomRoleMember, nil
}

func (f *fakeBackend) ReportRoomStatus(ctx context.Context, roomId string, upd backend.StatusUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := "live"
	if !upd.Live {
		state = "ended"
	}
	f.statuses = append(f.statuses, roomId+":"+state)
}

type fakeGiftQueue struct {
	mu  sync.Mutex
	txs []types.GiftTransaction
	err error
}

func (f *fakeGiftQueue) Enqueue(ctx context.Context, tx types.GiftTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.txs = append(f.txs, tx)
	return nil
}

type sentEvent struct {
	event   types.EventType
	payload any
}

type testClient struct {
	conn types.ConnIdType
	id   types.Identity

	mu     sync.Mutex
	events []sentEvent
}

func (c *testClient) ConnID() types.ConnIdType { return c.conn }
func (c *testClient) Identity() types.Identity { return c.id }

func (c *testClient) Send(event types.EventType, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, sentEvent{event: event, payload: payload})
}

func (c *testClient) SendRaw(data []byte) {}
func (c *testClient) Disconnect()        {}

func (c *testClient) received(event types.EventType) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, e := range c.events {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

type harness struct {
	reg     *Registry
	backend *fakeBackend
	gifts   *fakeGiftQueue
	engine  *sfu.MockEngine
	mr      *miniredis.Miniredis
	rdb     *redis.Client
	seats   *seats.Repository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	engine := sfu.NewMockEngine()
	ctx, cancel := context.WithCancel(context.Background())
	pool, err := sfu.NewPool(ctx, engine, 2)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	// Cancel runs before pool.Close so pending worker recoveries bail out
	// instead of sleeping through their backoff.
	t.Cleanup(cancel)

	limiter, err := ratelimit.NewService(nil, ratelimit.Rates{
		Chat: "100-M", Gift: "100-M", GiftPrepare: "100-M", GetRoom: "100-M",
	})
	require.NoError(t, err)

	be := &fakeBackend{
		owners: map[string]types.UserIdType{"r1": 1, "r2": 2},
		roles:  map[types.UserIdType]types.RoomRole{},
	}
	gifts := &fakeGiftQueue{}
	repo := seats.NewRepository(rdb)

	reg := NewRegistry(Deps{
		Pool:          pool,
		Seats:         repo,
		Rdb:           rdb,
		Backend:       be,
		Bus:           bus.NewServiceFromClient(rdb),
		Index:         indices.New(rdb),
		Limiter:       limiter,
		Gifts:         gifts,
		NodeID:        "test-node",
		InactivityTTL: 30 * time.Second,
		GracePeriod:   50 * time.Millisecond,
	})

	return &harness{reg: reg, backend: be, gifts: gifts, engine: engine, mr: mr, rdb: rdb, seats: repo}
}

// peerRegistry builds a second registry over the same store, acting as
// another node in the fleet.
func (h *harness) peerRegistry(t *testing.T, nodeID string) *Registry {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pool, err := sfu.NewPool(ctx, sfu.NewMockEngine(), 1)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	t.Cleanup(cancel)

	limiter, err := ratelimit.NewService(nil, ratelimit.Rates{
		Chat: "100-M", Gift: "100-M", GiftPrepare: "100-M", GetRoom: "100-M",
	})
	require.NoError(t, err)

	return NewRegistry(Deps{
		Pool:          pool,
		Seats:         seats.NewRepository(h.rdb),
		Rdb:           h.rdb,
		Backend:       h.backend,
		Bus:           bus.NewServiceFromClient(h.rdb),
		Index:         indices.New(h.rdb),
		Limiter:       limiter,
		Gifts:         h.gifts,
		NodeID:        nodeID,
		InactivityTTL: 30 * time.Second,
		GracePeriod:   50 * time.Millisecond,
	})
}

func newClient(conn string, user types.UserIdType, name string) *testClient {
	return &testClient{
		conn: types.ConnIdType(conn),
		id:   types.Identity{UserId: user, DisplayName: name},
	}
}

// join is a helper that joins with defaults and fails the test on error.
func (h *harness) join(t *testing.T, c *testClient, roomId string) *JoinResult {
	t.Helper()
	res, err := h.reg.JoinRoom(context.Background(), c, &types.JoinRoomPayload{RoomId: roomId})
	require.NoError(t, err)
	return res
}
