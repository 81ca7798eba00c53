package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelink/signaling/internal/v1/bus"
	"github.com/voicelink/signaling/internal/v1/types"
)

func TestConnectRegistersSocketIndex(t *testing.T) {
	h := newHarness(t)
	_, client := h.connect(t, 1, "alice")

	socks, err := h.rdb.SMembers(context.Background(), "user:1:sockets").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{string(client.ConnID())}, socks)
}

func TestDisconnectCleansUp(t *testing.T) {
	h := newHarness(t)
	conn, client := h.connect(t, 1, "alice")
	h.joinRoom(t, conn, "r1")

	conn.Close()

	require.Eventually(t, func() bool {
		h.hub.mu.RLock()
		defer h.hub.mu.RUnlock()
		_, ok := h.hub.conns[client.ConnID()]
		return !ok
	}, time.Second, 5*time.Millisecond)

	n, err := h.rdb.SCard(context.Background(), "user:1:sockets").Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	// The registry no longer counts the connection as a member.
	_, err = h.reg.Member("r1", client.ConnID())
	assert.Equal(t, types.ErrNotInRoom, types.CodeOf(err))
}

func TestDeliverToUser(t *testing.T) {
	h := newHarness(t)
	connA1, _ := h.connect(t, 1, "alice")
	connA2, _ := h.connect(t, 1, "alice")
	connB, _ := h.connect(t, 2, "bob")

	n := h.hub.DeliverToUser(1, "user:notification", map[string]string{"k": "v"})
	assert.Equal(t, 2, n)

	for _, conn := range []*fakeConn{connA1, connA2} {
		var push types.Push
		require.NoError(t, json.Unmarshal(conn.frame(t), &push))
		assert.Equal(t, types.EventType("user:notification"), push.Event)
	}
	select {
	case <-connB.out:
		t.Fatal("bob should not have received the push")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeliverToRoom(t *testing.T) {
	h := newHarness(t)
	connA, _ := h.connect(t, 1, "alice")
	connB, _ := h.connect(t, 2, "bob")
	h.joinRoom(t, connA, "r1")
	h.joinRoom(t, connB, "r1")

	n := h.hub.DeliverToRoom("r1", "room:announcement", nil)
	assert.Equal(t, 2, n)

	assert.Zero(t, h.hub.DeliverToRoom("missing", "room:announcement", nil))
}

func TestDeliverToRoomUserRequiresMembership(t *testing.T) {
	h := newHarness(t)
	connA, _ := h.connect(t, 1, "alice")
	h.connect(t, 2, "bob") // connected but not in r1
	h.joinRoom(t, connA, "r1")

	assert.Equal(t, 1, h.hub.DeliverToRoomUser("r1", 1, "moderation:warning", nil))
	assert.Zero(t, h.hub.DeliverToRoomUser("r1", 2, "moderation:warning", nil))
}

func TestDeliverAll(t *testing.T) {
	h := newHarness(t)
	h.connect(t, 1, "alice")
	h.connect(t, 2, "bob")

	assert.Equal(t, 2, h.hub.DeliverAll("system:maintenance", nil))
}

func TestNotifyGiftError(t *testing.T) {
	h := newHarness(t)
	conn, client := h.connect(t, 1, "alice")

	delivered := h.hub.NotifyGiftError(client.ConnID(), types.GiftErrorPayload{
		TransactionId: "t1", Code: 402, Reason: "insufficient balance",
	})
	assert.True(t, delivered)

	var push types.Push
	require.NoError(t, json.Unmarshal(conn.frame(t), &push))
	assert.Equal(t, types.EventGiftError, push.Event)

	// Unknown connections report non-delivery so the caller can fall back.
	assert.False(t, h.hub.NotifyGiftError("gone", types.GiftErrorPayload{TransactionId: "t2"}))
}

func TestHandleUserPlane(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t, 7, "alice")

	env, err := json.Marshal(bus.Envelope{
		Event:   string(types.EventGiftError),
		Payload: json.RawMessage(`{"transactionId":"t9"}`),
	})
	require.NoError(t, err)

	h.hub.HandleUserPlane("audio:user:7", env)

	var push types.Push
	require.NoError(t, json.Unmarshal(conn.frame(t), &push))
	assert.Equal(t, types.EventGiftError, push.Event)

	// Garbage channels and envelopes are dropped quietly.
	h.hub.HandleUserPlane("audio:user:not-a-number", env)
	h.hub.HandleUserPlane("audio:user:7", []byte("not json"))
}

func TestShutdownDisconnectsClients(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t, 1, "alice")

	h.hub.Shutdown(context.Background())

	require.Eventually(t, func() bool {
		select {
		case <-conn.closed:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
