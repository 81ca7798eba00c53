// Package ratelimit enforces per-user and per-IP action budgets. Counters
// live in Redis so limits hold across the fleet; store failures fail open
// because refusing chat during a Redis blip is worse than briefly not
// limiting it.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/voicelink/signaling/internal/v1/logging"
	"github.com/voicelink/signaling/internal/v1/metrics"
)

// Action names a rate-limited operation.
type Action string

const (
	ActionChat        Action = "chat"
	ActionGift        Action = "gift"
	ActionGiftPrepare Action = "gift_prepare"
	ActionGetRoom     Action = "get_room"
	ActionConnectIP   Action = "ws_connect_ip"
	ActionConnectUser Action = "ws_connect_user"
)

// Rates maps actions to limits in capacity-window format ("30-M" is thirty
// per minute).
type Rates struct {
	Chat        string
	Gift        string
	GiftPrepare string
	GetRoom     string
	ConnectIP   string
	ConnectUser string
}

// Service holds one limiter per action, all sharing a store.
type Service struct {
	limiters map[Action]*limiter.Limiter
}

// NewService builds Redis-backed limiters. A nil client falls back to an
// in-memory store, which is only suitable for tests and single-node runs.
func NewService(rdb *redis.Client, rates Rates) (*Service, error) {
	var store limiter.Store
	if rdb != nil {
		var err error
		store, err = sredis.NewStoreWithOptions(rdb, limiter.StoreOptions{
			Prefix: "ratelimit",
		})
		if err != nil {
			return nil, fmt.Errorf("create rate limit store: %w", err)
		}
	} else {
		store = memory.NewStore()
	}

	pairs := map[Action]string{
		ActionChat:        rates.Chat,
		ActionGift:        rates.Gift,
		ActionGiftPrepare: rates.GiftPrepare,
		ActionGetRoom:     rates.GetRoom,
		ActionConnectIP:   rates.ConnectIP,
		ActionConnectUser: rates.ConnectUser,
	}

	s := &Service{limiters: make(map[Action]*limiter.Limiter, len(pairs))}
	for action, format := range pairs {
		if format == "" {
			continue
		}
		rate, err := limiter.NewRateFromFormatted(format)
		if err != nil {
			return nil, fmt.Errorf("invalid rate %q for %s: %w", format, action, err)
		}
		s.limiters[action] = limiter.New(store, rate)
	}
	return s, nil
}

// Allow consumes one unit of the action's budget for key and reports whether
// the caller may proceed. Unknown actions and store errors allow.
func (s *Service) Allow(ctx context.Context, action Action, key string) bool {
	lim, ok := s.limiters[action]
	if !ok {
		return true
	}

	res, err := lim.Get(ctx, string(action)+":"+key)
	if err != nil {
		logging.Warn(ctx, "rate limit store error, allowing",
			zap.String("action", string(action)), zap.Error(err))
		return true
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues(string(action)).Inc()
		return false
	}
	return true
}
