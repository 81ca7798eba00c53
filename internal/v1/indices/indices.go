// Package indices maintains the fleet-wide reverse lookups in the shared
// store: which sockets a user currently holds and which room they are in.
// Both carry TTLs refreshed by the connection heartbeat, so entries from a
// crashed node age out instead of lingering forever.
package indices

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voicelink/signaling/internal/v1/types"
)

// SocketTTL bounds how long a socket registration survives without a
// heartbeat. Connections refresh at half this interval.
const SocketTTL = 90 * time.Second

// Index wraps the user-to-socket and user-to-room lookups.
type Index struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Index {
	return &Index{rdb: rdb}
}

func socketsKey(user types.UserIdType) string {
	return "user:" + strconv.FormatInt(int64(user), 10) + ":sockets"
}

func roomKey(user types.UserIdType) string {
	return "user:" + strconv.FormatInt(int64(user), 10) + ":room"
}

// RegisterSocket records a connection for user and stamps the TTL.
func (i *Index) RegisterSocket(ctx context.Context, user types.UserIdType, conn types.ConnIdType) error {
	pipe := i.rdb.Pipeline()
	pipe.SAdd(ctx, socketsKey(user), string(conn))
	pipe.Expire(ctx, socketsKey(user), SocketTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register socket: %w", err)
	}
	return nil
}

// UnregisterSocket drops one connection; the key disappears with its last
// member.
func (i *Index) UnregisterSocket(ctx context.Context, user types.UserIdType, conn types.ConnIdType) error {
	if err := i.rdb.SRem(ctx, socketsKey(user), string(conn)).Err(); err != nil {
		return fmt.Errorf("unregister socket: %w", err)
	}
	return nil
}

// Heartbeat refreshes the TTLs owned by an active connection.
func (i *Index) Heartbeat(ctx context.Context, user types.UserIdType) error {
	pipe := i.rdb.Pipeline()
	pipe.Expire(ctx, socketsKey(user), SocketTTL)
	pipe.Expire(ctx, roomKey(user), SocketTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Sockets lists the live connection ids for user anywhere in the fleet.
func (i *Index) Sockets(ctx context.Context, user types.UserIdType) ([]types.ConnIdType, error) {
	members, err := i.rdb.SMembers(ctx, socketsKey(user)).Result()
	if err != nil {
		return nil, fmt.Errorf("read sockets: %w", err)
	}
	out := make([]types.ConnIdType, len(members))
	for n, m := range members {
		out[n] = types.ConnIdType(m)
	}
	return out, nil
}

// HasSockets reports whether user has any live connection.
func (i *Index) HasSockets(ctx context.Context, user types.UserIdType) (bool, error) {
	n, err := i.rdb.SCard(ctx, socketsKey(user)).Result()
	if err != nil {
		return false, fmt.Errorf("count sockets: %w", err)
	}
	return n > 0, nil
}

// SetRoom records which room the user is in.
func (i *Index) SetRoom(ctx context.Context, user types.UserIdType, room string) error {
	if err := i.rdb.Set(ctx, roomKey(user), room, SocketTTL).Err(); err != nil {
		return fmt.Errorf("set user room: %w", err)
	}
	return nil
}

// ClearRoom removes the user's room entry, but only when it still points at
// the given room so a racing join to another room is not clobbered.
func (i *Index) ClearRoom(ctx context.Context, user types.UserIdType, room string) error {
	cur, err := i.rdb.Get(ctx, roomKey(user)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read user room: %w", err)
	}
	if cur != room {
		return nil
	}
	if err := i.rdb.Del(ctx, roomKey(user)).Err(); err != nil {
		return fmt.Errorf("clear user room: %w", err)
	}
	return nil
}

// Room returns the room the user is in, or "" when not in any.
func (i *Index) Room(ctx context.Context, user types.UserIdType) (string, error) {
	room, err := i.rdb.Get(ctx, roomKey(user)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read user room: %w", err)
	}
	return room, nil
}
