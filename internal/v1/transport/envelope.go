package transport

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voicelink/signaling/internal/v1/logging"
	"github.com/voicelink/signaling/internal/v1/metrics"
	"github.com/voicelink/signaling/internal/v1/types"
)

// handlerFunc processes one inbound message and returns the ack data.
type handlerFunc func(ctx context.Context, h *Hub, c *Client, msg *types.Message) (any, error)

// dispatch is the envelope around every handler: correlation id, logging
// context, metrics, panic containment, and ack shaping. A message with an id
// always gets exactly one ack; a message without one gets none.
func (h *Hub) dispatch(ctx context.Context, c *Client, msg *types.Message) {
	ctx = logging.WithCorrelationID(ctx, uuid.NewString())
	ctx = logging.WithUserID(ctx, strconv.FormatInt(int64(c.identity.UserId), 10))

	start := time.Now()
	var (
		data any
		err  error
	)

	func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Error(ctx, "handler panic",
					zap.String("event", string(msg.Event)), zap.Any("panic", r))
				err = types.E(types.ErrInternal)
			}
		}()

		handler, ok := h.handlers[msg.Event]
		if !ok {
			err = types.E(types.ErrInvalidPayload)
			return
		}
		data, err = handler(ctx, h, c, msg)
	}()

	elapsed := time.Since(start)
	metrics.MessageProcessingDuration.WithLabelValues(string(msg.Event)).Observe(elapsed.Seconds())

	status := "ok"
	if err != nil {
		status = string(types.CodeOf(err))
		logging.Warn(ctx, "handler refused",
			zap.String("event", string(msg.Event)), zap.String("code", status), zap.Error(err))
	}
	metrics.WebsocketEvents.WithLabelValues(string(msg.Event), status).Inc()

	if msg.Id == "" {
		return
	}
	ack := types.Ack{Event: types.EventAck, Id: msg.Id}
	if err != nil {
		ack.Err = types.CodeOf(err)
	} else {
		ack.Ok = true
		ack.Data = data
	}
	frame, merr := json.Marshal(ack)
	if merr != nil {
		logging.Error(ctx, "marshal ack failed", zap.String("event", string(msg.Event)), zap.Error(merr))
		return
	}
	c.SendRaw(frame)
}

// decodePayload unmarshals and validates an inbound payload. Any failure
// surfaces as INVALID_PAYLOAD; schema details stay in the server log.
func decodePayload(ctx context.Context, msg *types.Message, v types.Validator) error {
	if len(msg.Payload) == 0 {
		return types.E(types.ErrInvalidPayload)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		logging.Warn(ctx, "payload decode failed",
			zap.String("event", string(msg.Event)), zap.Error(err))
		return types.E(types.ErrInvalidPayload)
	}
	if err := v.Validate(); err != nil {
		logging.Warn(ctx, "payload validation failed",
			zap.String("event", string(msg.Event)), zap.Error(err))
		return types.E(types.ErrInvalidPayload)
	}
	return nil
}

func userKey(userId types.UserIdType) string {
	return strconv.FormatInt(int64(userId), 10)
}
