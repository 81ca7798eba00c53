// Package bus owns the shared-store client: a Redis connection wrapped in a
// circuit breaker, plus the pub/sub primitives used for cross-instance
// fan-out. Store-backed packages (seats, indices, gifts, autoclose) reach the
// raw client through Client(); everything that can degrade gracefully goes
// through the breaker helpers here.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/voicelink/signaling/internal/v1/logging"
	"github.com/voicelink/signaling/internal/v1/metrics"
)

// Envelope is the standardized container for messages moving between nodes.
type Envelope struct {
	RoomID   string          `json:"roomId,omitempty"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SenderID string          `json:"senderId,omitempty"` // origin node, used to prevent echo
}

// Service handles all interaction with the Redis cluster.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client for packages that run their own
// scripts and pipelines.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a Redis connection and verifies it immediately.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Info(ctx, "connected to Redis", zap.String("addr", addr))
	return NewServiceFromClient(rdb), nil
}

// NewServiceFromClient wraps an existing client (used by tests with miniredis).
func NewServiceFromClient(rdb *redis.Client) *Service {
	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}
}

// RoomChannel is the pub/sub channel for a room's cross-node broadcasts.
func RoomChannel(roomID string) string { return "audio:room:" + roomID }

// UserChannel is the pub/sub channel for a user's targeted deliveries.
func UserChannel(userID string) string { return "audio:user:" + userID }

// Publish broadcasts a message to all other nodes watching the channel.
func (s *Service) Publish(ctx context.Context, channel string, env Envelope) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "Redis circuit breaker open, dropping publish", zap.String("channel", channel))
			return nil // graceful degradation: local delivery already happened
		}
		logging.Error(ctx, "Redis publish failed", zap.String("channel", channel), zap.Error(err))
		return err
	}

	return nil
}

// Subscribe starts a background goroutine that invokes handler for every
// message on channel until ctx is cancelled. The raw message bytes are passed
// through; callers own decoding.
func (s *Service) Subscribe(ctx context.Context, channel string, wg *sync.WaitGroup, handler func(data []byte)) {
	if s == nil || s.client == nil {
		return
	}

	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		logging.Info(ctx, "subscribed to Redis channel", zap.String("channel", channel))

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "Redis subscription channel closed", zap.String("channel", channel))
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
}

// PSubscribe is Subscribe over a channel pattern. The handler additionally
// receives the concrete channel a message arrived on, so callers can route
// wildcard subscriptions like "audio:user:*".
func (s *Service) PSubscribe(ctx context.Context, pattern string, wg *sync.WaitGroup, handler func(channel string, data []byte)) {
	if s == nil || s.client == nil {
		return
	}

	pubsub := s.client.PSubscribe(ctx, pattern)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		logging.Info(ctx, "subscribed to Redis pattern", zap.String("pattern", pattern))

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "Redis pattern subscription closed", zap.String("pattern", pattern))
					return
				}
				handler(msg.Channel, []byte(msg.Payload))
			}
		}
	}()
}

// Ping checks Redis connectivity; used by readiness checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis client not initialized")
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return err
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// SetAdd adds a member to a Redis set, degrading gracefully when the breaker
// is open.
func (s *Service) SetAdd(ctx context.Context, key, member string) error {
	return s.execVoid(ctx, "SetAdd", key, func() error {
		return s.client.SAdd(ctx, key, member).Err()
	})
}

// SetRem removes a member from a Redis set.
func (s *Service) SetRem(ctx context.Context, key, member string) error {
	return s.execVoid(ctx, "SetRem", key, func() error {
		return s.client.SRem(ctx, key, member).Err()
	})
}

// SetMembers retrieves all members of a Redis set.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "Redis circuit breaker open, returning empty set", zap.String("key", key))
			return nil, nil
		}
		logging.Error(ctx, "Redis SetMembers failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to get set members: %w", err)
	}
	return res.([]string), nil
}

func (s *Service) execVoid(ctx context.Context, op, key string, fn func() error) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "Redis circuit breaker open, skipping "+op, zap.String("key", key))
			return nil
		}
		logging.Error(ctx, "Redis "+op+" failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("redis %s: %w", op, err)
	}
	return nil
}
