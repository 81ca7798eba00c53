// Package seats implements the per-room atomic seat state in the shared
// store. Every mutation runs as a single server-side script so seat
// invariants hold under horizontal scale: one seat per user per room, locked
// seats never occupied, at most one invite per seat and per target user.
package seats

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voicelink/signaling/internal/v1/types"
)

// InviteTTL bounds invite lifetime; expiry is store-driven, no timers.
const InviteTTL = 30 * time.Second

// Repository provides the atomic seat operations for all rooms.
type Repository struct {
	rdb *redis.Client
}

// NewRepository wraps a Redis client.
func NewRepository(rdb *redis.Client) *Repository {
	return &Repository{rdb: rdb}
}

func seatsKey(room string) string       { return "room:" + room + ":seats" }
func lockedKey(room string) string      { return "room:" + room + ":locked_seats" }
func invitePrefix(room string) string   { return "room:" + room + ":invite:" }
func inviteKey(room string, idx types.SeatIndex) string {
	return invitePrefix(room) + strconv.Itoa(int(idx))
}
func inviteUserPrefix(room string) string { return "room:" + room + ":invite:user:" }
func inviteUserKey(room string, user types.UserIdType) string {
	return inviteUserPrefix(room) + strconv.FormatInt(int64(user), 10)
}

type seatRecord struct {
	UserId types.UserIdType `json:"userId"`
	Muted  bool             `json:"muted"`
}

// TakeSeat seats user on seatIndex. If the user held a different seat it is
// cleared in the same script; prevSeat is that seat or -1.
func (r *Repository) TakeSeat(ctx context.Context, room string, user types.UserIdType, seatIndex types.SeatIndex, seatCount int) (prevSeat types.SeatIndex, err error) {
	res, err := takeSeatScript.Run(ctx, r.rdb,
		[]string{seatsKey(room), lockedKey(room)},
		int(seatIndex), strconv.FormatInt(int64(user), 10), seatCount,
	).Slice()
	if err != nil {
		return -1, fmt.Errorf("takeSeat script: %w", err)
	}
	return decodeSeatResult(res)
}

// AssignSeat seats target on seatIndex without contention semantics against
// the requester; fails on occupied or locked seats.
func (r *Repository) AssignSeat(ctx context.Context, room string, target types.UserIdType, seatIndex types.SeatIndex, seatCount int) (prevSeat types.SeatIndex, err error) {
	res, err := assignSeatScript.Run(ctx, r.rdb,
		[]string{seatsKey(room), lockedKey(room)},
		int(seatIndex), strconv.FormatInt(int64(target), 10), seatCount,
	).Slice()
	if err != nil {
		return -1, fmt.Errorf("assignSeat script: %w", err)
	}
	return decodeSeatResult(res)
}

func decodeSeatResult(res []interface{}) (types.SeatIndex, error) {
	if len(res) == 0 {
		return -1, fmt.Errorf("empty script result")
	}
	status, _ := res[0].(string)
	if status != "OK" {
		return -1, types.E(types.ErrCode(status))
	}
	prev := types.SeatIndex(-1)
	if len(res) >= 3 {
		if n, ok := res[2].(int64); ok {
			prev = types.SeatIndex(n)
		}
	}
	return prev, nil
}

// LeaveSeat clears the seat held by user; ErrNotSeated when none.
func (r *Repository) LeaveSeat(ctx context.Context, room string, user types.UserIdType) (types.SeatIndex, error) {
	return r.clearUserSeat(ctx, room, user, types.ErrNotSeated)
}

// RemoveSeat clears the seat held by user on behalf of a moderator;
// ErrUserNotSeated when none.
func (r *Repository) RemoveSeat(ctx context.Context, room string, user types.UserIdType) (types.SeatIndex, error) {
	return r.clearUserSeat(ctx, room, user, types.ErrUserNotSeated)
}

func (r *Repository) clearUserSeat(ctx context.Context, room string, user types.UserIdType, notSeated types.ErrCode) (types.SeatIndex, error) {
	res, err := leaveSeatScript.Run(ctx, r.rdb,
		[]string{seatsKey(room)},
		strconv.FormatInt(int64(user), 10),
	).Slice()
	if err != nil {
		return -1, fmt.Errorf("leaveSeat script: %w", err)
	}
	status, _ := res[0].(string)
	if status != "OK" {
		return -1, types.E(notSeated)
	}
	idx, _ := res[1].(int64)
	return types.SeatIndex(idx), nil
}

// SetMute updates the seat's muted flag, returning the occupant the script
// saw; ErrUserNotSeated when the seat is empty.
func (r *Repository) SetMute(ctx context.Context, room string, seatIndex types.SeatIndex, muted bool) (types.UserIdType, error) {
	m := "0"
	if muted {
		m = "1"
	}
	res, err := setMuteScript.Run(ctx, r.rdb,
		[]string{seatsKey(room)},
		int(seatIndex), m,
	).Slice()
	if err != nil {
		return 0, fmt.Errorf("setMute script: %w", err)
	}
	status, _ := res[0].(string)
	if status != "OK" {
		return 0, types.E(types.ErrCode(status))
	}
	uid, _ := res[1].(int64)
	return types.UserIdType(uid), nil
}

// LockSeat locks seatIndex. If the seat was occupied, the occupant is cleared
// in the same script and returned.
func (r *Repository) LockSeat(ctx context.Context, room string, seatIndex types.SeatIndex) (kicked types.UserIdType, hadOccupant bool, err error) {
	res, err := lockSeatScript.Run(ctx, r.rdb,
		[]string{seatsKey(room), lockedKey(room)},
		int(seatIndex),
	).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("lockSeat script: %w", err)
	}
	status, _ := res[0].(string)
	if status != "OK" {
		return 0, false, types.E(types.ErrCode(status))
	}
	uid, _ := res[1].(int64)
	if uid < 0 {
		return 0, false, nil
	}
	return types.UserIdType(uid), true, nil
}

// UnlockSeat unlocks seatIndex; ErrSeatNotLocked when it was not locked.
func (r *Repository) UnlockSeat(ctx context.Context, room string, seatIndex types.SeatIndex) error {
	res, err := unlockSeatScript.Run(ctx, r.rdb,
		[]string{lockedKey(room)},
		int(seatIndex),
	).Slice()
	if err != nil {
		return fmt.Errorf("unlockSeat script: %w", err)
	}
	status, _ := res[0].(string)
	if status != "OK" {
		return types.E(types.ErrCode(status))
	}
	return nil
}

// CreateInvite writes the invite record and its reverse index with TTL in one
// script; fails when the seat is occupied, the target is already seated, or an
// invite is already pending for the seat or the target. Locked seats accept
// invites: the accept path reopens them.
func (r *Repository) CreateInvite(ctx context.Context, room string, seatIndex types.SeatIndex, target, inviter types.UserIdType, ttl time.Duration) error {
	inv := types.SeatInvite{
		TargetUserId: target,
		InvitedBy:    inviter,
		SeatIndex:    seatIndex,
		CreatedAt:    time.Now().Unix(),
	}
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal invite: %w", err)
	}
	res, err := createInviteScript.Run(ctx, r.rdb,
		[]string{seatsKey(room), inviteKey(room, seatIndex), inviteUserKey(room, target)},
		int(seatIndex), string(data), int(ttl.Seconds()), strconv.FormatInt(int64(target), 10),
	).Slice()
	if err != nil {
		return fmt.Errorf("createInvite script: %w", err)
	}
	status, _ := res[0].(string)
	if status != "OK" {
		return types.E(types.ErrCode(status))
	}
	return nil
}

// DeleteInvite removes the invite for seatIndex and its reverse index.
// Returns the deleted invite, or nil when none existed.
func (r *Repository) DeleteInvite(ctx context.Context, room string, seatIndex types.SeatIndex) (*types.SeatInvite, error) {
	res, err := deleteInviteScript.Run(ctx, r.rdb,
		[]string{inviteKey(room, seatIndex)},
		inviteUserPrefix(room),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("deleteInvite script: %w", err)
	}
	data, _ := res.(string)
	var inv types.SeatInvite
	if err := json.Unmarshal([]byte(data), &inv); err != nil {
		return nil, fmt.Errorf("unmarshal invite: %w", err)
	}
	return &inv, nil
}

// GetInviteByUser resolves a pending invite for user via the reverse index in
// O(1). Returns nil when no invite is pending.
func (r *Repository) GetInviteByUser(ctx context.Context, room string, user types.UserIdType) (*types.SeatInvite, error) {
	res, err := getInviteByUserScript.Run(ctx, r.rdb,
		[]string{inviteUserKey(room, user)},
		invitePrefix(room),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getInviteByUser script: %w", err)
	}
	data, _ := res.(string)
	var inv types.SeatInvite
	if err := json.Unmarshal([]byte(data), &inv); err != nil {
		return nil, fmt.Errorf("unmarshal invite: %w", err)
	}
	return &inv, nil
}

// Seats returns the current seat snapshot, sorted by seat index.
func (r *Repository) Seats(ctx context.Context, room string) ([]types.SeatInfo, error) {
	raw, err := r.rdb.HGetAll(ctx, seatsKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("read seats: %w", err)
	}
	out := make([]types.SeatInfo, 0, len(raw))
	for field, val := range raw {
		idx, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		var rec seatRecord
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			continue
		}
		out = append(out, types.SeatInfo{
			SeatIndex: types.SeatIndex(idx),
			UserId:    rec.UserId,
			Muted:     rec.Muted,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeatIndex < out[j].SeatIndex })
	return out, nil
}

// UserSeat returns the seat held by user in room, if any.
func (r *Repository) UserSeat(ctx context.Context, room string, user types.UserIdType) (types.SeatIndex, bool, error) {
	seats, err := r.Seats(ctx, room)
	if err != nil {
		return -1, false, err
	}
	for _, s := range seats {
		if s.UserId == user {
			return s.SeatIndex, true, nil
		}
	}
	return -1, false, nil
}

// LockedSeats returns the locked seat indices, sorted.
func (r *Repository) LockedSeats(ctx context.Context, room string) ([]types.SeatIndex, error) {
	raw, err := r.rdb.SMembers(ctx, lockedKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("read locked seats: %w", err)
	}
	out := make([]types.SeatIndex, 0, len(raw))
	for _, v := range raw {
		idx, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		out = append(out, types.SeatIndex(idx))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ClearRoom deletes all seat state for a room: the seats hash, the locked
// set, and every invite plus reverse index. Invite keys are discovered with a
// cursored SCAN, never a blocking global listing.
func (r *Repository) ClearRoom(ctx context.Context, room string) error {
	keys := []string{seatsKey(room), lockedKey(room)}

	var cursor uint64
	pattern := invitePrefix(room) + "*"
	for {
		batch, next, err := r.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("scan invite keys: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	pipe := r.rdb.Pipeline()
	for _, k := range keys {
		pipe.Del(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clear room %s: %w", room, err)
	}
	return nil
}
