// Package relay ingests backend-originated events from the pub/sub channel
// and fans them out to WebSocket clients. Every node subscribes to the same
// channel and delivers to its local connections, which together covers the
// fleet.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/voicelink/signaling/internal/v1/logging"
	"github.com/voicelink/signaling/internal/v1/metrics"
	"github.com/voicelink/signaling/internal/v1/types"
)

// DefaultAllowedEvents is the relay vocabulary the backend may use. Anything
// else is rejected so a backend bug cannot spoof protocol events like acks
// or seat updates.
var DefaultAllowedEvents = []string{
	"user:levelUp",
	"user:notification",
	"wallet:updated",
	"room:announcement",
	"room:banner",
	"moderation:warning",
	"system:maintenance",
}

// Sink delivers pushes to local connections; implemented by the socket hub.
// Each method reports how many connections received the event.
type Sink interface {
	DeliverToUser(userId types.UserIdType, event types.EventType, payload any) int
	DeliverToRoom(roomId string, event types.EventType, payload any) int
	DeliverToRoomUser(roomId string, userId types.UserIdType, event types.EventType, payload any) int
	DeliverAll(event types.EventType, payload any) int
}

// Ingress validates and routes relay envelopes.
type Ingress struct {
	sink    Sink
	allowed set.Set[string]
}

func NewIngress(sink Sink, allowedEvents []string) *Ingress {
	if len(allowedEvents) == 0 {
		allowedEvents = DefaultAllowedEvents
	}
	return &Ingress{sink: sink, allowed: set.New(allowedEvents...)}
}

// Handle processes one raw message from the relay channel. Malformed and
// disallowed events are dropped, never fatal; the channel must keep flowing.
func (i *Ingress) Handle(data []byte) {
	metrics.RelayInFlight.Inc()
	defer metrics.RelayInFlight.Dec()
	start := time.Now()

	ctx := context.Background()

	var env types.RelayEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		metrics.RelayEvents.WithLabelValues("malformed", "rejected").Inc()
		logging.Warn(ctx, "malformed relay envelope dropped",
			zap.Int("bytes", len(data)), zap.Error(err))
		return
	}
	if env.CorrelationId != "" {
		ctx = logging.WithCorrelationID(ctx, env.CorrelationId)
	}

	defer func() {
		metrics.RelayProcessingDuration.WithLabelValues(env.Event).Observe(time.Since(start).Seconds())
	}()

	if !i.allowed.Has(env.Event) {
		metrics.RelayEvents.WithLabelValues(env.Event, "rejected").Inc()
		logging.Warn(ctx, "relay event not in allow list", zap.String("event", env.Event))
		return
	}

	event := types.EventType(env.Event)
	var delivered int
	switch {
	case env.UserId != nil && env.RoomId != nil:
		delivered = i.sink.DeliverToRoomUser(*env.RoomId, *env.UserId, event, env.Payload)
	case env.UserId != nil:
		delivered = i.sink.DeliverToUser(*env.UserId, event, env.Payload)
	case env.RoomId != nil:
		delivered = i.sink.DeliverToRoom(*env.RoomId, event, env.Payload)
	default:
		delivered = i.sink.DeliverAll(event, env.Payload)
	}

	outcome := "no_recipient"
	if delivered > 0 {
		outcome = "delivered"
	}
	metrics.RelayEvents.WithLabelValues(env.Event, outcome).Inc()
	logging.Debug(ctx, "relay event routed",
		zap.String("event", env.Event), zap.Int("delivered", delivered))
}
