package room

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voicelink/signaling/internal/v1/logging"
	"github.com/voicelink/signaling/internal/v1/media"
	"github.com/voicelink/signaling/internal/v1/ratelimit"
	"github.com/voicelink/signaling/internal/v1/types"
)

// Media exposes the room's media coordinator to the socket dispatcher.
func (r *Room) Media() *media.Coordinator { return r.media }

// Chat broadcasts a chat message to the whole room, the sender included so
// every participant renders the same stream.
func (r *Room) Chat(ctx context.Context, client types.ClientInterface, p *types.ChatMessagePayload) (*types.ChatBroadcastPayload, error) {
	id := client.Identity()
	// Scoped per user per room: chatting in one room must not drain the
	// budget for another.
	if !r.reg.deps.Limiter.Allow(ctx, ratelimit.ActionChat, userKey(id.UserId)+":"+r.id) {
		return nil, types.E(types.ErrRateLimited)
	}

	msg := &types.ChatBroadcastPayload{
		Id:       uuid.NewString(),
		UserId:   id.UserId,
		UserName: id.DisplayName,
		Avatar:   id.AvatarRef,
		Content:  p.Content,
		Type:     p.Type,
		Ts:       time.Now().UnixMilli(),
	}
	r.Broadcast(types.EventChatMessage, msg)
	r.touchActivity(ctx)
	return msg, nil
}

// GiftSend broadcasts the gift animation immediately and queues the
// transaction for batched settlement. The broadcast is optimistic: a refusal
// at settlement comes back later as gift:error to the sender.
func (r *Room) GiftSend(ctx context.Context, client types.ClientInterface, p *types.GiftSendPayload) (*types.GiftTransaction, error) {
	id := client.Identity()
	if p.RecipientId == id.UserId {
		return nil, types.E(types.ErrCannotGiftSelf)
	}
	if !r.reg.deps.Limiter.Allow(ctx, ratelimit.ActionGift, userKey(id.UserId)) {
		return nil, types.E(types.ErrRateLimited)
	}

	tx := types.GiftTransaction{
		TransactionId: uuid.NewString(),
		SenderId:      id.UserId,
		RecipientId:   p.RecipientId,
		GiftId:        p.GiftId,
		Quantity:      p.Quantity,
		RoomId:        r.id,
		Ts:            time.Now().UnixMilli(),
		SenderConnId:  client.ConnID(),
	}

	r.Broadcast(types.EventGiftReceived, types.GiftReceivedPayload{
		SenderId:    tx.SenderId,
		RoomId:      tx.RoomId,
		GiftId:      tx.GiftId,
		RecipientId: tx.RecipientId,
		Quantity:    tx.Quantity,
	})

	if err := r.reg.deps.Gifts.Enqueue(ctx, tx); err != nil {
		logging.Error(ctx, "gift enqueue failed",
			zap.String("transaction_id", tx.TransactionId), zap.Error(err))
		return nil, err
	}
	r.touchActivity(ctx)
	return &tx, nil
}

// GiftPrepare hints the recipient's clients to preload the gift animation.
// Delivery is best effort; a recipient with no live sockets simply misses
// the hint.
func (r *Room) GiftPrepare(ctx context.Context, client types.ClientInterface, p *types.GiftPreparePayload) error {
	id := client.Identity()
	if !r.reg.deps.Limiter.Allow(ctx, ratelimit.ActionGiftPrepare, userKey(id.UserId)) {
		return types.E(types.ErrRateLimited)
	}

	r.SendToUser(p.RecipientId, types.EventGiftPrepare, struct {
		SenderId types.UserIdType `json:"senderId"`
		GiftId   int64            `json:"giftId"`
		RoomId   string           `json:"roomId"`
	}{SenderId: id.UserId, GiftId: p.GiftId, RoomId: r.id})
	return nil
}
