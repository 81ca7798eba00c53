package ratelimit

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowUnderLimit(t *testing.T) {
	s, err := NewService(nil, Rates{Chat: "3-M"})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, s.Allow(ctx, ActionChat, "user:1"), "request %d", i)
	}
	assert.False(t, s.Allow(ctx, ActionChat, "user:1"))
}

func TestKeysAreIndependent(t *testing.T) {
	s, err := NewService(nil, Rates{Chat: "1-M"})
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, s.Allow(ctx, ActionChat, "user:1"))
	assert.False(t, s.Allow(ctx, ActionChat, "user:1"))
	assert.True(t, s.Allow(ctx, ActionChat, "user:2"))
}

func TestActionsAreIndependent(t *testing.T) {
	s, err := NewService(nil, Rates{Chat: "1-M", Gift: "1-M"})
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, s.Allow(ctx, ActionChat, "user:1"))
	assert.False(t, s.Allow(ctx, ActionChat, "user:1"))
	assert.True(t, s.Allow(ctx, ActionGift, "user:1"))
}

func TestUnconfiguredActionAllows(t *testing.T) {
	s, err := NewService(nil, Rates{})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		assert.True(t, s.Allow(context.Background(), ActionChat, "user:1"))
	}
}

func TestInvalidRateFormat(t *testing.T) {
	_, err := NewService(nil, Rates{Chat: "not-a-rate"})
	require.Error(t, err)
}

func TestPerIPConnectLimit(t *testing.T) {
	s, err := NewService(nil, Rates{ConnectIP: "2-M"})
	require.NoError(t, err)
	ctx := context.Background()

	ip := "203.0.113.5"
	assert.True(t, s.Allow(ctx, ActionConnectIP, ip))
	assert.True(t, s.Allow(ctx, ActionConnectIP, ip))
	assert.False(t, s.Allow(ctx, ActionConnectIP, ip))

	// Distinct user keys never collide with IP keys.
	assert.True(t, s.Allow(ctx, ActionConnectUser, fmt.Sprintf("user:%d", 1)))
}
