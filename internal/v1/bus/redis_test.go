package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewServiceFromClient(rdb)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	s, _ := newService(t)
	ctx, cancel := context.WithCancel(context.Background())

	received := make(chan []byte, 1)
	var wg sync.WaitGroup
	s.Subscribe(ctx, "backend:events", &wg, func(data []byte) {
		select {
		case received <- data:
		default:
		}
	})

	// Subscription setup races with the first publish; retry until delivered.
	env := Envelope{Event: "user:levelUp", Payload: json.RawMessage(`{"level":5}`)}
	var data []byte
	require.Eventually(t, func() bool {
		if err := s.Publish(context.Background(), "backend:events", env); err != nil {
			return false
		}
		select {
		case data = <-received:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	var got Envelope
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "user:levelUp", got.Event)

	cancel()
	wg.Wait()
}

func TestPSubscribeReceivesChannel(t *testing.T) {
	s, _ := newService(t)
	ctx, cancel := context.WithCancel(context.Background())

	type msg struct {
		channel string
		data    []byte
	}
	received := make(chan msg, 1)
	var wg sync.WaitGroup
	s.PSubscribe(ctx, "audio:user:*", &wg, func(channel string, data []byte) {
		select {
		case received <- msg{channel: channel, data: data}:
		default:
		}
	})

	env := Envelope{Event: "gift:error", Payload: json.RawMessage(`{"transactionId":"t1"}`)}
	var got msg
	require.Eventually(t, func() bool {
		if err := s.Publish(context.Background(), UserChannel("42"), env); err != nil {
			return false
		}
		select {
		case got = <-received:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "audio:user:42", got.channel)
	var decoded Envelope
	require.NoError(t, json.Unmarshal(got.data, &decoded))
	assert.Equal(t, "gift:error", decoded.Event)

	cancel()
	wg.Wait()
}

func TestSubscribeStopsOnCancel(t *testing.T) {
	s, _ := newService(t)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	s.Subscribe(ctx, "backend:events", &wg, func(data []byte) {})

	cancel()
	wg.Wait() // TestMain's leak check proves the listener exited
}

func TestPing(t *testing.T) {
	s, mr := newService(t)
	require.NoError(t, s.Ping(context.Background()))

	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}

func TestSetOperations(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, s.SetAdd(ctx, "k", "a"))
	require.NoError(t, s.SetAdd(ctx, "k", "b"))

	members, err := s.SetMembers(ctx, "k")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, s.SetRem(ctx, "k", "a"))
	members, err = s.SetMembers(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestNilServiceIsSafe(t *testing.T) {
	var s *Service
	assert.Nil(t, s.Client())
	assert.NoError(t, s.Publish(context.Background(), "c", Envelope{Event: "e"}))
	assert.Error(t, s.Ping(context.Background()))
	assert.NoError(t, s.Close())
}
