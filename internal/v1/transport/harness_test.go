package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/voicelink/signaling/internal/v1/auth"
	"github.com/voicelink/signaling/internal/v1/backend"
	"github.com/voicelink/signaling/internal/v1/indices"
	"github.com/voicelink/signaling/internal/v1/ratelimit"
	"github.com/voicelink/signaling/internal/v1/room"
	"github.com/voicelink/signaling/internal/v1/seats"
	"github.com/voicelink/signaling/internal/v1/sfu"
	"github.com/voicelink/signaling/internal/v1/types"
)

type fakeBackend struct {
	mu     sync.Mutex
	owners map[string]types.UserIdType
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
	return types.RoomRoleMember, nil
}

func (f *fakeBackend) ReportRoomStatus(ctx context.Context, roomId string, upd backend.StatusUpdate) {
}

type fakeGiftQueue struct {
	mu  sync.Mutex
	txs []types.GiftTransaction
}

func (f *fakeGiftQueue) Enqueue(ctx context.Context, tx types.GiftTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, tx)
	return nil
}

// fakeConn is an in-memory wsConnection driven by channels.
type fakeConn struct {
	in  chan []byte
	out chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu           sync.Mutex
	readDeadline time.Time
	pongHandler  func(string) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return 1, data, nil // websocket.TextMessage
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("connection closed")
	default:
	}
	select {
	case f.out <- data:
	default:
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeConn) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	f.readDeadline = t
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) SetPongHandler(h func(string) error) {
	f.mu.Lock()
	f.pongHandler = h
	f.mu.Unlock()
}

func (f *fakeConn) keepalive() (time.Time, func(string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readDeadline, f.pongHandler
}

// frame reads the next outbound frame, failing the test on timeout.
func (f *fakeConn) frame(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-f.out:
		return data
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

// ack reads outbound frames until it sees the ack for id.
func (f *fakeConn) ack(t *testing.T, id string) types.Ack {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case data := <-f.out:
			var ack types.Ack
			if json.Unmarshal(data, &ack) == nil && ack.Event == types.EventAck && ack.Id == id {
				return ack
			}
		case <-deadline:
			t.Fatalf("timed out waiting for ack %q", id)
		}
	}
}

type harness struct {
	hub   *Hub
	reg   *room.Registry
	gifts *fakeGiftQueue
	mr    *miniredis.Miniredis
	rdb   *redis.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	pool, err := sfu.NewPool(ctx, sfu.NewMockEngine(), 1)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	t.Cleanup(cancel)

	limiter, err := ratelimit.NewService(nil, ratelimit.Rates{
		Chat: "100-M", Gift: "100-M", GiftPrepare: "100-M", GetRoom: "100-M",
		ConnectIP: "100-M", ConnectUser: "100-M",
	})
	require.NoError(t, err)

	gifts := &fakeGiftQueue{}
	reg := room.NewRegistry(room.Deps{
		Pool:          pool,
		Seats:         seats.NewRepository(rdb),
		Rdb:           rdb,
		Backend:       &fakeBackend{owners: map[string]types.UserIdType{"r1": 1, "r2": 2}},
		Index:         indices.New(rdb),
		Limiter:       limiter,
		Gifts:         gifts,
		NodeID:        "test-node",
		InactivityTTL: 30 * time.Second,
		GracePeriod:   50 * time.Millisecond,
	})

	gate, err := auth.NewGate(context.Background(), auth.Options{
		Secret:          "test-secret",
		MaxTokenAge:     time.Hour,
		DevelopmentMode: true,
	}, rdb)
	require.NoError(t, err)

	return &harness{
		hub:   NewHub(reg, gate, limiter, indices.New(rdb)),
		reg:   reg,
		gifts: gifts,
		mr:    mr,
		rdb:   rdb,
	}
}

// connect attaches a fake socket for the given user and waits for the pumps.
func (h *harness) connect(t *testing.T, user types.UserIdType, name string) (*fakeConn, *Client) {
	t.Helper()
	conn := newFakeConn()
	client := h.hub.HandleConnection(conn, types.Identity{UserId: user, DisplayName: name})
	return conn, client
}

// send writes an inbound message frame.
func send(t *testing.T, conn *fakeConn, id string, event types.EventType, payload any) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = data
	}
	frame, err := json.Marshal(types.Message{Event: event, Id: id, Payload: raw})
	require.NoError(t, err)
	select {
	case conn.in <- frame:
	case <-time.After(time.Second):
		t.Fatal("inbound channel full")
	}
}

// joinRoom joins and asserts success.
func (h *harness) joinRoom(t *testing.T, conn *fakeConn, roomId string) types.Ack {
	t.Helper()
	send(t, conn, "join-1", types.EventRoomJoin, types.JoinRoomPayload{RoomId: roomId})
	ack := conn.ack(t, "join-1")
	require.True(t, ack.Ok, "join failed: %s", ack.Err)
	return ack
}
