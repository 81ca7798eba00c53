package transport

import (
	"context"
	"time"

	"github.com/voicelink/signaling/internal/v1/ratelimit"
	"github.com/voicelink/signaling/internal/v1/room"
	"github.com/voicelink/signaling/internal/v1/types"
)

// buildHandlerTable maps every client event to its handler. The table is
// static; dispatch looks events up without locking.
func buildHandlerTable() map[types.EventType]handlerFunc {
	return map[types.EventType]handlerFunc{
		types.EventRoomJoin:  handleRoomJoin,
		types.EventRoomLeave: handleRoomLeave,

		types.EventTransportCreate:  handleTransportCreate,
		types.EventTransportConnect: handleTransportConnect,
		types.EventAudioProduce:     handleProduce,
		types.EventAudioConsume:     handleConsume,
		types.EventConsumerResume:   handleConsumerResume,
		types.EventAudioSelfMute:    selfMuteHandler(true),
		types.EventAudioSelfUnmute:  selfMuteHandler(false),

		types.EventSeatTake:          handleSeatTake,
		types.EventSeatLeave:         handleSeatLeave,
		types.EventSeatAssign:        handleSeatAssign,
		types.EventSeatRemove:        handleSeatRemove,
		types.EventSeatMute:          seatMuteHandler(true),
		types.EventSeatUnmute:        seatMuteHandler(false),
		types.EventSeatLock:          seatLockHandler(true),
		types.EventSeatUnlock:        seatLockHandler(false),
		types.EventSeatInvite:        handleSeatInvite,
		types.EventSeatInviteAccept:  handleSeatInviteAccept,
		types.EventSeatInviteDecline: handleSeatInviteDecline,

		types.EventChatMessage: handleChat,
		types.EventGiftSend:    handleGiftSend,
		types.EventGiftPrepare: handleGiftPrepare,

		types.EventUserGetRoom: handleGetUserRoom,
		types.EventPing:        handlePing,
	}
}

// member resolves the room from a payload's roomId and checks membership.
func member(h *Hub, c *Client, roomId string) (*room.Room, error) {
	return h.reg.Member(roomId, c.ConnID())
}

func handleRoomJoin(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error) {
	var p types.JoinRoomPayload
	if err := decodePayload(ctx, msg, &p); err != nil {
		return nil, err
	}
	return h.reg.JoinRoom(ctx, c, &p)
}

func handleRoomLeave(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error) {
	var p types.LeaveRoomPayload
	if err := decodePayload(ctx, msg, &p); err != nil {
		return nil, err
	}
	return nil, h.reg.LeaveRoom(ctx, c, p.RoomId)
}

func handleTransportCreate(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error) {
	var p types.TransportCreatePayload
	if err := decodePayload(ctx, msg, &p); err != nil {
		return nil, err
	}
	r, err := member(h, c, p.RoomId)
	if err != nil {
		return nil, err
	}
	params, err := r.Media().CreateTransport(ctx, c, p.Kind)
	if err != nil {
		return nil, err
	}
	return params, nil
}

func handleTransportConnect(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error) {
	var p types.TransportConnectPayload
	if err := decodePayload(ctx, msg, &p); err != nil {
		return nil, err
	}
	r, err := member(h, c, p.RoomId)
	if err != nil {
		return nil, err
	}
	return nil, r.Media().ConnectTransport(ctx, c, p.TransportId, p.DtlsParameters)
}

func handleProduce(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error) {
	var p types.ProducePayload
	if err := decodePayload(ctx, msg, &p); err != nil {
		return nil, err
	}
	r, err := member(h, c, p.RoomId)
	if err != nil {
		return nil, err
	}
	producerId, err := r.Media().Produce(ctx, c, p.TransportId, p.Kind, p.RtpParameters)
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": producerId}, nil
}

func handleConsume(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error) {
	var p types.ConsumePayload
	if err := decodePayload(ctx, msg, &p); err != nil {
		return nil, err
	}
	r, err := member(h, c, p.RoomId)
	if err != nil {
		return nil, err
	}
	params, err := r.Media().Consume(ctx, c, p.TransportId, p.ProducerId, p.RtpCapabilities)
	if err != nil {
		return nil, err
	}
	return params, nil
}

func handleConsumerResume(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error) {
	var p types.ConsumerResumePayload
	if err := decodePayload(ctx, msg, &p); err != nil {
		return nil, err
	}
	r, err := member(h, c, p.RoomId)
	if err != nil {
		return nil, err
	}
	return nil, r.Media().ResumeConsumer(ctx, c, p.ConsumerId)
}

func selfMuteHandler(muted bool) handlerFunc {
	return func(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error) {
		var p types.SelfMutePayload
		if err := decodePayload(ctx, msg, &p); err != nil {
			return nil, err
		}
		r, err := member(h, c, p.RoomId)
		if err != nil {
			return nil, err
		}
		return nil, r.Media().SetSelfMute(ctx, c, p.ProducerId, muted)
	}
}

func handleSeatTake(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error) {
	var p types.SeatTakePayload
	if err := decodePayload(ctx, msg, &p); err != nil {
		return nil, err
	}
	r, err := member(h, c, p.RoomId)
	if err != nil {
		return nil, err
	}
	return nil, r.SeatTake(ctx, c, &p)
}

func handleSeatLeave(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error) {
	var p types.SeatLeavePayload
	if err := decodePayload(ctx, msg, &p); err != nil {
		return nil, err
	}
	r, err := member(h, c, p.RoomId)
	if err != nil {
		return nil, err
	}
	return nil, r.SeatLeave(ctx, c)
}

func handleSeatAssign(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error) {
	var p types.SeatAssignPayload
	if err := decodePayload(ctx, msg, &p); err != nil {
		return nil, err
	}
	r, err := member(h, c, p.RoomId)
	if err != nil {
		return nil, err
	}
	return nil, r.SeatAssign(ctx, c, &p)
}

func handleSeatRemove(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error) {
	var p types.SeatRemovePayload
	if err := decodePayload(ctx, msg, &p); err != nil {
		return nil, err
	}
	r, err := member(h, c, p.RoomId)
	if err != nil {
		return nil, err
	}
	return nil, r.SeatRemove(ctx, c, &p)
}

func seatMuteHandler(muted bool) handlerFunc {
	return func(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error) {
		var p types.SeatModerationPayload
		if err := decodePayload(ctx, msg, &p); err != nil {
			return nil, err
		}
		r, err := member(h, c, p.RoomId)
		if err != nil {
			return nil, err
		}
		return nil, r.SeatSetMute(ctx, c, p.SeatIndex, muted)
	}
}

func seatLockHandler(lock bool) handlerFunc {
	return func(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error) {
		var p types.SeatModerationPayload
		if err := decodePayload(ctx, msg, &p); err != nil {
			return nil, err
		}
		r, err := member(h, c, p.RoomId)
		if err != nil {
			return nil, err
		}
		if lock {
			return nil, r.SeatLock(ctx, c, p.SeatIndex)
		}
		return nil, r.SeatUnlock(ctx, c, p.SeatIndex)
	}
}

func handleSeatInvite(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error) {
	var p types.SeatInvitePayload
	if err := decodePayload(ctx, msg, &p); err != nil {
		return nil, err
	}
	r, err := member(h, c, p.RoomId)
	if err != nil {
		return nil, err
	}
	return nil, r.SeatInvite(ctx, c, &p)
}

func handleSeatInviteAccept(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error) {
	var p types.SeatInviteReplyPayload
	if err := decodePayload(ctx, msg, &p); err != nil {
		return nil, err
	}
	r, err := member(h, c, p.RoomId)
	if err != nil {
		return nil, err
	}
	return nil, r.SeatInviteAccept(ctx, c)
}

func handleSeatInviteDecline(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error) {
	var p types.SeatInviteReplyPayload
	if err := decodePayload(ctx, msg, &p); err != nil {
		return nil, err
	}
	r, err := member(h, c, p.RoomId)
	if err != nil {
		return nil, err
	}
	return nil, r.SeatInviteDecline(ctx, c)
}

func handleChat(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error) {
	var p types.ChatMessagePayload
	if err := decodePayload(ctx, msg, &p); err != nil {
		return nil, err
	}
	r, err := member(h, c, p.RoomId)
	if err != nil {
		return nil, err
	}
	return r.Chat(ctx, c, &p)
}

func handleGiftSend(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error) {
	var p types.GiftSendPayload
	if err := decodePayload(ctx, msg, &p); err != nil {
		return nil, err
	}
	r, err := member(h, c, p.RoomId)
	if err != nil {
		return nil, err
	}
	tx, err := r.GiftSend(ctx, c, &p)
	if err != nil {
		return nil, err
	}
	return map[string]string{"transactionId": tx.TransactionId}, nil
}

func handleGiftPrepare(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error) {
	var p types.GiftPreparePayload
	if err := decodePayload(ctx, msg, &p); err != nil {
		return nil, err
	}
	r, err := member(h, c, p.RoomId)
	if err != nil {
		return nil, err
	}
	return nil, r.GiftPrepare(ctx, c, &p)
}

// handleGetUserRoom answers "what room is this user in" fleet-wide, backed by
// the shared index.
func handleGetUserRoom(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error) {
	var p types.GetUserRoomPayload
	if err := decodePayload(ctx, msg, &p); err != nil {
		return nil, err
	}
	if !h.limiter.Allow(ctx, ratelimit.ActionGetRoom, userKey(c.identity.UserId)) {
		return nil, types.E(types.ErrRateLimited)
	}
	roomId, err := h.reg.UserRoom(ctx, p.UserId)
	if err != nil {
		return nil, err
	}
	return map[string]any{"userId": p.UserId, "roomId": roomId}, nil
}

// handlePing is the application-level heartbeat; it refreshes the fleet-wide
// index TTLs for the connection's user.
func handlePing(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error) {
	if err := h.index.Heartbeat(ctx, c.identity.UserId); err != nil {
		return nil, err
	}
	return map[string]int64{"ts": time.Now().UnixMilli()}, nil
}
