// Package autoclose sweeps the shared store for rooms that went quiet and
// closes them. The sweep reads fleet-wide state, so it also reaps rooms
// orphaned by a crashed node.
package autoclose

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/voicelink/signaling/internal/v1/logging"
	"github.com/voicelink/signaling/internal/v1/types"
)

// Closer tears down a room; implemented by the room registry.
type Closer interface {
	CloseRoom(ctx context.Context, roomId, reason string)
}

// Loop periodically scans for inactive rooms.
type Loop struct {
	rdb      *redis.Client
	closer   Closer
	interval time.Duration

	sweeping atomic.Bool
}

func NewLoop(rdb *redis.Client, closer Closer, interval time.Duration) *Loop {
	return &Loop{rdb: rdb, closer: closer, interval: interval}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (l *Loop) Run(ctx context.Context, wg *sync.WaitGroup) {
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep(ctx)
			}
		}
	}()
}

// Sweep runs one pass. Sweeps are single-flight: if the previous pass is
// still running (a slow store, a huge fleet), this tick is skipped rather
// than stacked.
func (l *Loop) Sweep(ctx context.Context) {
	if !l.sweeping.CompareAndSwap(false, true) {
		logging.Warn(ctx, "inactivity sweep still running, skipping tick")
		return
	}
	defer l.sweeping.Store(false)

	var cursor uint64
	for {
		keys, next, err := l.rdb.Scan(ctx, cursor, "room:state:*", 100).Result()
		if err != nil {
			logging.Error(ctx, "inactivity sweep scan failed", zap.Error(err))
			return
		}
		l.inspect(ctx, keys)
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

func (l *Loop) inspect(ctx context.Context, stateKeys []string) {
	if len(stateKeys) == 0 {
		return
	}

	pipe := l.rdb.Pipeline()
	activityCmds := make([]*redis.IntCmd, len(stateKeys))
	stateCmds := make([]*redis.StringCmd, len(stateKeys))
	for n, key := range stateKeys {
		roomId := strings.TrimPrefix(key, "room:state:")
		activityCmds[n] = pipe.Exists(ctx, "room:"+roomId+":activity")
		stateCmds[n] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		// Fail safe: an unreadable batch is treated as active.
		logging.Warn(ctx, "inactivity sweep read failed, treating batch as active", zap.Error(err))
		return
	}

	for n, key := range stateKeys {
		roomId := strings.TrimPrefix(key, "room:state:")

		hasActivity, err := activityCmds[n].Result()
		if err != nil {
			continue
		}
		if hasActivity > 0 {
			continue
		}

		raw, err := stateCmds[n].Result()
		if err != nil {
			continue
		}
		var state types.RoomState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			logging.Warn(ctx, "unreadable room state, treating as active",
				zap.String("room_id", roomId), zap.Error(err))
			continue
		}
		if state.ParticipantCount > 0 {
			continue
		}

		logging.Info(ctx, "closing inactive room", zap.String("room_id", roomId))
		l.closer.CloseRoom(ctx, roomId, "inactivity")
	}
}
