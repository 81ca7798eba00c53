package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelink/signaling/internal/v1/types"
)

func TestSendRawConcurrentWithDisconnect(t *testing.T) {
	// Senders racing a disconnect must never hit the closed send channel.
	for i := 0; i < 200; i++ {
		c := newClient(newFakeConn(), nil, "c1", types.Identity{UserId: 1})

		var wg sync.WaitGroup
		for s := 0; s < 4; s++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 10; j++ {
					c.SendRaw([]byte(`{"event":"x"}`))
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Disconnect()
		}()
		wg.Wait()

		// After disconnect every further send is a silent drop.
		c.SendRaw([]byte(`{"event":"y"}`))
	}
}

func TestSendRawDropsWhenBufferFull(t *testing.T) {
	// No pump is running, so the buffer fills and overflow is dropped,
	// never blocking the caller.
	c := newClient(newFakeConn(), nil, "c1", types.Identity{UserId: 1})
	for i := 0; i < sendBufferSize+10; i++ {
		c.SendRaw([]byte("frame"))
	}
	assert.Len(t, c.send, sendBufferSize)
}

func TestReadPumpInstallsKeepalive(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t, 1, "alice")

	var deadline time.Time
	var pong func(string) error
	require.Eventually(t, func() bool {
		deadline, pong = conn.keepalive()
		return pong != nil && !deadline.IsZero()
	}, time.Second, 5*time.Millisecond)

	// A pong pushes the read deadline forward.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, pong(""))
	next, _ := conn.keepalive()
	assert.True(t, next.After(deadline))
}
