package seats

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelink/signaling/internal/v1/types"
)

func newTestRepo(t *testing.T) (*Repository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRepository(rdb), mr
}

func TestTakeSeat(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	prev, err := repo.TakeSeat(ctx, "r1", 100, 3, 15)
	require.NoError(t, err)
	assert.Equal(t, types.SeatIndex(-1), prev)

	seats, err := repo.Seats(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, seats, 1)
	assert.Equal(t, types.SeatIndex(3), seats[0].SeatIndex)
	assert.Equal(t, types.UserIdType(100), seats[0].UserId)
	assert.False(t, seats[0].Muted)
}

func TestTakeSeatIdempotent(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.TakeSeat(ctx, "r1", 100, 3, 15)
	require.NoError(t, err)

	// Same user, same seat: succeeds without change.
	prev, err := repo.TakeSeat(ctx, "r1", 100, 3, 15)
	require.NoError(t, err)
	assert.Equal(t, types.SeatIndex(-1), prev)

	seats, err := repo.Seats(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, seats, 1)
}

func TestTakeSeatMovesUser(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.TakeSeat(ctx, "r1", 100, 3, 15)
	require.NoError(t, err)

	prev, err := repo.TakeSeat(ctx, "r1", 100, 7, 15)
	require.NoError(t, err)
	assert.Equal(t, types.SeatIndex(3), prev)

	seats, err := repo.Seats(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, seats, 1)
	assert.Equal(t, types.SeatIndex(7), seats[0].SeatIndex)
}

func TestTakeSeatConflicts(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.TakeSeat(ctx, "r1", 100, 3, 15)
	require.NoError(t, err)

	_, err = repo.TakeSeat(ctx, "r1", 200, 3, 15)
	assert.Equal(t, types.ErrSeatTaken, types.CodeOf(err))

	_, err = repo.TakeSeat(ctx, "r1", 200, 15, 15)
	assert.Equal(t, types.ErrSeatInvalid, types.CodeOf(err))

	_, err = repo.TakeSeat(ctx, "r1", 200, -1, 15)
	assert.Equal(t, types.ErrSeatInvalid, types.CodeOf(err))
}

func TestTakeSeatContention(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	// Many users race for the same seat; the script must admit exactly one.
	const contenders = 8
	errs := make([]error, contenders)
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = repo.TakeSeat(ctx, "r1", types.UserIdType(100+i), 3, 15)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.Equal(t, types.ErrSeatTaken, types.CodeOf(err))
		}
	}
	assert.Equal(t, 1, winners)

	seats, err := repo.Seats(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, seats, 1)
	assert.Equal(t, types.SeatIndex(3), seats[0].SeatIndex)
}

func TestTakeSeatLocked(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, _, err := repo.LockSeat(ctx, "r1", 5)
	require.NoError(t, err)

	_, err = repo.TakeSeat(ctx, "r1", 100, 5, 15)
	assert.Equal(t, types.ErrSeatLocked, types.CodeOf(err))
}

func TestAssignSeat(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	prev, err := repo.AssignSeat(ctx, "r1", 200, 4, 15)
	require.NoError(t, err)
	assert.Equal(t, types.SeatIndex(-1), prev)

	// Occupied seat, even by the same user, is refused.
	_, err = repo.AssignSeat(ctx, "r1", 300, 4, 15)
	assert.Equal(t, types.ErrSeatOccupied, types.CodeOf(err))

	// Moving an already-seated user clears their old seat.
	prev, err = repo.AssignSeat(ctx, "r1", 200, 8, 15)
	require.NoError(t, err)
	assert.Equal(t, types.SeatIndex(4), prev)

	seats, err := repo.Seats(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, seats, 1)
	assert.Equal(t, types.SeatIndex(8), seats[0].SeatIndex)
}

func TestLeaveSeat(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.TakeSeat(ctx, "r1", 100, 2, 15)
	require.NoError(t, err)

	idx, err := repo.LeaveSeat(ctx, "r1", 100)
	require.NoError(t, err)
	assert.Equal(t, types.SeatIndex(2), idx)

	_, err = repo.LeaveSeat(ctx, "r1", 100)
	assert.Equal(t, types.ErrNotSeated, types.CodeOf(err))
}

func TestRemoveSeatCode(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.RemoveSeat(ctx, "r1", 100)
	assert.Equal(t, types.ErrUserNotSeated, types.CodeOf(err))
}

func TestSetMute(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.SetMute(ctx, "r1", 3, true)
	assert.Equal(t, types.ErrUserNotSeated, types.CodeOf(err))

	_, err = repo.TakeSeat(ctx, "r1", 100, 3, 15)
	require.NoError(t, err)

	occupant, err := repo.SetMute(ctx, "r1", 3, true)
	require.NoError(t, err)
	assert.Equal(t, types.UserIdType(100), occupant)

	seats, err := repo.Seats(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, seats, 1)
	assert.True(t, seats[0].Muted)

	// Muting an already muted seat is a no-op success.
	occupant, err = repo.SetMute(ctx, "r1", 3, true)
	require.NoError(t, err)
	assert.Equal(t, types.UserIdType(100), occupant)
}

func TestSetMuteTracksOccupantChange(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.TakeSeat(ctx, "r1", 100, 3, 15)
	require.NoError(t, err)
	occupant, err := repo.SetMute(ctx, "r1", 3, true)
	require.NoError(t, err)
	assert.Equal(t, types.UserIdType(100), occupant)

	// The seat changes hands; the mute must land on whoever holds it now.
	_, err = repo.LeaveSeat(ctx, "r1", 100)
	require.NoError(t, err)
	_, err = repo.TakeSeat(ctx, "r1", 200, 3, 15)
	require.NoError(t, err)

	occupant, err = repo.SetMute(ctx, "r1", 3, true)
	require.NoError(t, err)
	assert.Equal(t, types.UserIdType(200), occupant)
}

func TestLockSeatKicksOccupant(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.TakeSeat(ctx, "r1", 100, 6, 15)
	require.NoError(t, err)

	kicked, had, err := repo.LockSeat(ctx, "r1", 6)
	require.NoError(t, err)
	assert.True(t, had)
	assert.Equal(t, types.UserIdType(100), kicked)

	seats, err := repo.Seats(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, seats)

	locked, err := repo.LockedSeats(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []types.SeatIndex{6}, locked)

	_, _, err = repo.LockSeat(ctx, "r1", 6)
	assert.Equal(t, types.ErrSeatAlreadyLocked, types.CodeOf(err))
}

func TestUnlockSeat(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	err := repo.UnlockSeat(ctx, "r1", 2)
	assert.Equal(t, types.ErrSeatNotLocked, types.CodeOf(err))

	_, _, err = repo.LockSeat(ctx, "r1", 2)
	require.NoError(t, err)
	require.NoError(t, repo.UnlockSeat(ctx, "r1", 2))

	locked, err := repo.LockedSeats(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, locked)
}

func TestInviteLifecycle(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateInvite(ctx, "r1", 4, 200, 1, InviteTTL))

	// One invite per seat and per target user.
	err := repo.CreateInvite(ctx, "r1", 4, 300, 1, InviteTTL)
	assert.Equal(t, types.ErrInvitePending, types.CodeOf(err))
	err = repo.CreateInvite(ctx, "r1", 9, 200, 1, InviteTTL)
	assert.Equal(t, types.ErrInvitePending, types.CodeOf(err))

	inv, err := repo.GetInviteByUser(ctx, "r1", 200)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, types.SeatIndex(4), inv.SeatIndex)
	assert.Equal(t, types.UserIdType(1), inv.InvitedBy)

	deleted, err := repo.DeleteInvite(ctx, "r1", 4)
	require.NoError(t, err)
	require.NotNil(t, deleted)
	assert.Equal(t, types.UserIdType(200), deleted.TargetUserId)

	// Both the invite and the reverse index are gone.
	inv, err = repo.GetInviteByUser(ctx, "r1", 200)
	require.NoError(t, err)
	assert.Nil(t, inv)
	deleted, err = repo.DeleteInvite(ctx, "r1", 4)
	require.NoError(t, err)
	assert.Nil(t, deleted)
}

func TestInviteOccupiedSeat(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.TakeSeat(ctx, "r1", 100, 4, 15)
	require.NoError(t, err)

	err = repo.CreateInvite(ctx, "r1", 4, 200, 1, InviteTTL)
	assert.Equal(t, types.ErrSeatOccupied, types.CodeOf(err))

	// A target who is already seated somewhere cannot be invited.
	err = repo.CreateInvite(ctx, "r1", 9, 100, 1, InviteTTL)
	assert.Equal(t, types.ErrSeatTaken, types.CodeOf(err))
}

func TestInviteLockedSeatAllowed(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, _, err := repo.LockSeat(ctx, "r1", 4)
	require.NoError(t, err)

	// The invite is the reservation; unlocking happens on accept.
	require.NoError(t, repo.CreateInvite(ctx, "r1", 4, 200, 1, InviteTTL))
}

func TestInviteExpiry(t *testing.T) {
	repo, mr := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateInvite(ctx, "r1", 4, 200, 1, InviteTTL))

	mr.FastForward(InviteTTL + time.Second)

	inv, err := repo.GetInviteByUser(ctx, "r1", 200)
	require.NoError(t, err)
	assert.Nil(t, inv)

	// After expiry the seat and the user can be invited again.
	require.NoError(t, repo.CreateInvite(ctx, "r1", 4, 200, 1, InviteTTL))
}

func TestUserSeat(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, ok, err := repo.UserSeat(ctx, "r1", 100)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.TakeSeat(ctx, "r1", 100, 5, 15)
	require.NoError(t, err)

	idx, ok, err := repo.UserSeat(ctx, "r1", 100)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.SeatIndex(5), idx)
}

func TestClearRoom(t *testing.T) {
	repo, mr := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.TakeSeat(ctx, "r1", 100, 2, 15)
	require.NoError(t, err)
	_, _, err = repo.LockSeat(ctx, "r1", 9)
	require.NoError(t, err)
	require.NoError(t, repo.CreateInvite(ctx, "r1", 4, 200, 1, InviteTTL))

	// State in another room must survive.
	_, err = repo.TakeSeat(ctx, "r2", 300, 1, 15)
	require.NoError(t, err)

	require.NoError(t, repo.ClearRoom(ctx, "r1"))

	seats, err := repo.Seats(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, seats)
	locked, err := repo.LockedSeats(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, locked)
	inv, err := repo.GetInviteByUser(ctx, "r1", 200)
	require.NoError(t, err)
	assert.Nil(t, inv)
	assert.False(t, mr.Exists("room:r1:seats"))

	other, err := repo.Seats(ctx, "r2")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}
