package room

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/voicelink/signaling/internal/v1/logging"
	"github.com/voicelink/signaling/internal/v1/metrics"
	"github.com/voicelink/signaling/internal/v1/seats"
	"github.com/voicelink/signaling/internal/v1/types"
)

func recordSeatOp(op string, err error) {
	status := "ok"
	if err != nil {
		status = string(types.CodeOf(err))
	}
	metrics.SeatOperations.WithLabelValues(op, status).Inc()
}

func (r *Room) validSeat(idx types.SeatIndex) bool {
	return idx >= 0 && int(idx) < r.seatCount
}

// SeatTake seats the caller. Store-side scripting guarantees one seat per
// user; a previous seat is cleared atomically and both changes broadcast.
func (r *Room) SeatTake(ctx context.Context, client types.ClientInterface, p *types.SeatTakePayload) (err error) {
	defer func() { recordSeatOp("take", err) }()

	userId := client.Identity().UserId
	prev, err := r.seatRepo().TakeSeat(ctx, r.id, userId, p.SeatIndex, r.seatCount)
	if err != nil {
		return err
	}

	if prev >= 0 {
		r.Broadcast(types.EventSeatCleared, types.SeatClearedPayload{SeatIndex: prev})
	}
	// An invite on this seat is moot once somebody sits down.
	if inv, _ := r.seatRepo().DeleteInvite(ctx, r.id, p.SeatIndex); inv != nil {
		r.Broadcast(types.EventSeatInvitePending, types.SeatInvitePendingPayload{
			SeatIndex: p.SeatIndex, Pending: false,
		})
	}
	r.Broadcast(types.EventSeatUpdated, types.SeatUpdatedPayload{
		SeatIndex: p.SeatIndex, UserId: userId, Muted: false,
	})
	r.touchActivity(ctx)
	return nil
}

// SeatLeave stands the caller up. Their speaker privilege goes with the seat,
// so producers are closed too.
func (r *Room) SeatLeave(ctx context.Context, client types.ClientInterface) (err error) {
	defer func() { recordSeatOp("leave", err) }()

	userId := client.Identity().UserId
	idx, err := r.seatRepo().LeaveSeat(ctx, r.id, userId)
	if err != nil {
		return err
	}

	r.media.CloseUserProducers(ctx, userId)
	r.Broadcast(types.EventSeatCleared, types.SeatClearedPayload{SeatIndex: idx})
	r.touchActivity(ctx)
	return nil
}

// SeatAssign seats another user; moderator only. The target must be present
// in the room.
func (r *Room) SeatAssign(ctx context.Context, client types.ClientInterface, p *types.SeatAssignPayload) (err error) {
	defer func() { recordSeatOp("assign", err) }()

	if err = r.requireModerator(ctx, client.Identity().UserId); err != nil {
		return err
	}
	if !r.HasUser(p.UserId) {
		return types.E(types.ErrNotInRoom)
	}

	prev, err := r.seatRepo().AssignSeat(ctx, r.id, p.UserId, p.SeatIndex, r.seatCount)
	if err != nil {
		return err
	}

	if prev >= 0 {
		r.Broadcast(types.EventSeatCleared, types.SeatClearedPayload{SeatIndex: prev})
	}
	r.Broadcast(types.EventSeatUpdated, types.SeatUpdatedPayload{
		SeatIndex: p.SeatIndex, UserId: p.UserId, Muted: false,
	})
	r.touchActivity(ctx)
	return nil
}

// SeatRemove stands another user up; moderator only.
func (r *Room) SeatRemove(ctx context.Context, client types.ClientInterface, p *types.SeatRemovePayload) (err error) {
	defer func() { recordSeatOp("remove", err) }()

	if err = r.requireModerator(ctx, client.Identity().UserId); err != nil {
		return err
	}

	idx, err := r.seatRepo().RemoveSeat(ctx, r.id, p.UserId)
	if err != nil {
		return err
	}

	r.media.CloseUserProducers(ctx, p.UserId)
	r.Broadcast(types.EventSeatCleared, types.SeatClearedPayload{SeatIndex: idx})
	r.touchActivity(ctx)
	return nil
}

// SeatSetMute applies a moderation mute or unmute to a seat, mirrored onto
// the occupant's producers.
func (r *Room) SeatSetMute(ctx context.Context, client types.ClientInterface, seatIndex types.SeatIndex, muted bool) (err error) {
	op := "mute"
	if !muted {
		op = "unmute"
	}
	defer func() { recordSeatOp(op, err) }()

	if err = r.requireModerator(ctx, client.Identity().UserId); err != nil {
		return err
	}
	if !r.validSeat(seatIndex) {
		return types.E(types.ErrSeatInvalid)
	}

	// The script resolves the occupant itself, so the mute lands on whoever
	// holds the seat at write time.
	occupant, err := r.seatRepo().SetMute(ctx, r.id, seatIndex, muted)
	if err != nil {
		return err
	}

	r.media.MirrorSeatMute(ctx, occupant, muted)
	r.Broadcast(types.EventSeatMutedState, types.SeatMutedPayload{UserId: occupant, Muted: muted})
	r.touchActivity(ctx)
	return nil
}

// SeatLock locks a seat; an occupant is stood up in the same store operation
// and loses their producers.
func (r *Room) SeatLock(ctx context.Context, client types.ClientInterface, seatIndex types.SeatIndex) (err error) {
	defer func() { recordSeatOp("lock", err) }()

	if err = r.requireModerator(ctx, client.Identity().UserId); err != nil {
		return err
	}
	if !r.validSeat(seatIndex) {
		return types.E(types.ErrSeatInvalid)
	}

	kicked, hadOccupant, err := r.seatRepo().LockSeat(ctx, r.id, seatIndex)
	if err != nil {
		return err
	}

	if hadOccupant {
		r.media.CloseUserProducers(ctx, kicked)
		r.Broadcast(types.EventSeatCleared, types.SeatClearedPayload{SeatIndex: seatIndex})
		logging.Info(ctx, "occupant displaced by seat lock",
			zap.String("room_id", r.id), zap.Int64("user_id", int64(kicked)))
	}
	r.Broadcast(types.EventSeatLocked, types.SeatLockedPayload{SeatIndex: seatIndex, Locked: true})
	r.touchActivity(ctx)
	return nil
}

// SeatUnlock reopens a locked seat.
func (r *Room) SeatUnlock(ctx context.Context, client types.ClientInterface, seatIndex types.SeatIndex) (err error) {
	defer func() { recordSeatOp("unlock", err) }()

	if err = r.requireModerator(ctx, client.Identity().UserId); err != nil {
		return err
	}
	if !r.validSeat(seatIndex) {
		return types.E(types.ErrSeatInvalid)
	}

	if err = r.seatRepo().UnlockSeat(ctx, r.id, seatIndex); err != nil {
		return err
	}
	r.Broadcast(types.EventSeatLocked, types.SeatLockedPayload{SeatIndex: seatIndex, Locked: false})
	r.touchActivity(ctx)
	return nil
}

// SeatInvite offers a seat to another user in the room; moderator only. The
// invite lives in the store with a TTL, so expiry needs no timers here.
func (r *Room) SeatInvite(ctx context.Context, client types.ClientInterface, p *types.SeatInvitePayload) (err error) {
	defer func() { recordSeatOp("invite", err) }()

	inviter := client.Identity().UserId
	if err = r.requireModerator(ctx, inviter); err != nil {
		return err
	}
	if p.UserId == inviter {
		return types.E(types.ErrCannotInviteSelf)
	}
	if !r.HasUser(p.UserId) {
		return types.E(types.ErrNotInRoom)
	}
	if !r.validSeat(p.SeatIndex) {
		return types.E(types.ErrSeatInvalid)
	}

	// Locked seats can carry an invite: accepting reopens the seat, which is
	// how a moderator reserves it for a specific user.
	if err = r.seatRepo().CreateInvite(ctx, r.id, p.SeatIndex, p.UserId, inviter, seats.InviteTTL); err != nil {
		return err
	}

	r.SendToUser(p.UserId, types.EventSeatInviteReceived, types.SeatInviteReceivedPayload{
		SeatIndex:    p.SeatIndex,
		InvitedById:  inviter,
		ExpiresAt:    time.Now().Add(seats.InviteTTL).Unix(),
		TargetUserId: p.UserId,
	})
	r.Broadcast(types.EventSeatInvitePending, types.SeatInvitePendingPayload{
		SeatIndex: p.SeatIndex, Pending: true, InvitedUserId: p.UserId,
	})
	r.touchActivity(ctx)
	return nil
}

// SeatInviteAccept seats the caller on their pending invite.
func (r *Room) SeatInviteAccept(ctx context.Context, client types.ClientInterface) (err error) {
	defer func() { recordSeatOp("invite_accept", err) }()

	userId := client.Identity().UserId
	inv, err := r.seatRepo().GetInviteByUser(ctx, r.id, userId)
	if err != nil {
		return err
	}
	if inv == nil {
		return types.E(types.ErrNoInvite)
	}

	// An invite to a locked seat reopens it before the sit-down.
	unlocked := false
	switch unlockErr := r.seatRepo().UnlockSeat(ctx, r.id, inv.SeatIndex); {
	case unlockErr == nil:
		unlocked = true
	case types.CodeOf(unlockErr) != types.ErrSeatNotLocked:
		return unlockErr
	}

	if _, err := r.seatRepo().DeleteInvite(ctx, r.id, inv.SeatIndex); err != nil {
		logging.Warn(ctx, "invite cleanup failed", zap.String("room_id", r.id), zap.Error(err))
	}
	prev, err := r.seatRepo().TakeSeat(ctx, r.id, userId, inv.SeatIndex, r.seatCount)
	if err != nil {
		return err
	}

	r.Broadcast(types.EventSeatInvitePending, types.SeatInvitePendingPayload{
		SeatIndex: inv.SeatIndex, Pending: false,
	})
	if unlocked {
		r.Broadcast(types.EventSeatLocked, types.SeatLockedPayload{SeatIndex: inv.SeatIndex, Locked: false})
	}
	if prev >= 0 {
		r.Broadcast(types.EventSeatCleared, types.SeatClearedPayload{SeatIndex: prev})
	}
	r.Broadcast(types.EventSeatUpdated, types.SeatUpdatedPayload{
		SeatIndex: inv.SeatIndex, UserId: userId, Muted: false,
	})
	r.touchActivity(ctx)
	return nil
}

// SeatInviteDecline discards the caller's pending invite.
func (r *Room) SeatInviteDecline(ctx context.Context, client types.ClientInterface) (err error) {
	defer func() { recordSeatOp("invite_decline", err) }()

	inv, err := r.seatRepo().GetInviteByUser(ctx, r.id, client.Identity().UserId)
	if err != nil {
		return err
	}
	if inv == nil {
		return types.E(types.ErrNoInvite)
	}

	if _, err := r.seatRepo().DeleteInvite(ctx, r.id, inv.SeatIndex); err != nil {
		return err
	}
	r.Broadcast(types.EventSeatInvitePending, types.SeatInvitePendingPayload{
		SeatIndex: inv.SeatIndex, Pending: false,
	})
	return nil
}
