package relay

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/voicelink/signaling/internal/v1/metrics"
	"github.com/voicelink/signaling/internal/v1/types"
)

type delivery struct {
	kind   string
	userId types.UserIdType
	roomId string
	event  types.EventType
}

type fakeSink struct {
	deliveries []delivery
	count      int
}

func (f *fakeSink) DeliverToUser(userId types.UserIdType, event types.EventType, payload any) int {
	f.deliveries = append(f.deliveries, delivery{kind: "user", userId: userId, event: event})
	return f.count
}

func (f *fakeSink) DeliverToRoom(roomId string, event types.EventType, payload any) int {
	f.deliveries = append(f.deliveries, delivery{kind: "room", roomId: roomId, event: event})
	return f.count
}

func (f *fakeSink) DeliverToRoomUser(roomId string, userId types.UserIdType, event types.EventType, payload any) int {
	f.deliveries = append(f.deliveries, delivery{kind: "roomUser", roomId: roomId, userId: userId, event: event})
	return f.count
}

func (f *fakeSink) DeliverAll(event types.EventType, payload any) int {
	f.deliveries = append(f.deliveries, delivery{kind: "all", event: event})
	return f.count
}

func TestRoutingByTarget(t *testing.T) {
	cases := []struct {
		name     string
		envelope string
		want     delivery
	}{
		{
			name:     "user only",
			envelope: `{"event":"user:levelUp","userId":42,"payload":{"level":5}}`,
			want:     delivery{kind: "user", userId: 42, event: "user:levelUp"},
		},
		{
			name:     "room only",
			envelope: `{"event":"room:announcement","roomId":"r1","payload":{}}`,
			want:     delivery{kind: "room", roomId: "r1", event: "room:announcement"},
		},
		{
			name:     "user in room",
			envelope: `{"event":"moderation:warning","userId":42,"roomId":"r1"}`,
			want:     delivery{kind: "roomUser", userId: 42, roomId: "r1", event: "moderation:warning"},
		},
		{
			name:     "broadcast",
			envelope: `{"event":"system:maintenance"}`,
			want:     delivery{kind: "all", event: "system:maintenance"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &fakeSink{count: 1}
			ing := NewIngress(sink, nil)
			ing.Handle([]byte(tc.envelope))
			if assert.Len(t, sink.deliveries, 1) {
				assert.Equal(t, tc.want, sink.deliveries[0])
			}
		})
	}
}

func TestMalformedEnvelopeDropped(t *testing.T) {
	sink := &fakeSink{}
	ing := NewIngress(sink, nil)

	ing.Handle([]byte("not json"))
	ing.Handle([]byte(`{"userId":42}`)) // missing event
	assert.Empty(t, sink.deliveries)
}

func TestDisallowedEventRejected(t *testing.T) {
	sink := &fakeSink{}
	ing := NewIngress(sink, nil)

	// Protocol events cannot be spoofed through the relay.
	ing.Handle([]byte(`{"event":"ack","userId":42}`))
	ing.Handle([]byte(`{"event":"seat:updated","roomId":"r1"}`))
	assert.Empty(t, sink.deliveries)
}

func TestOutcomeLabels(t *testing.T) {
	sink := &fakeSink{count: 1}
	ing := NewIngress(sink, nil)

	delivered := testutil.ToFloat64(metrics.RelayEvents.WithLabelValues("user:levelUp", "delivered"))
	rejected := testutil.ToFloat64(metrics.RelayEvents.WithLabelValues("bogus:event", "rejected"))
	malformed := testutil.ToFloat64(metrics.RelayEvents.WithLabelValues("malformed", "rejected"))

	ing.Handle([]byte(`{"event":"user:levelUp","userId":42}`))
	ing.Handle([]byte(`{"event":"bogus:event","userId":42}`))
	ing.Handle([]byte("not json"))

	assert.Equal(t, delivered+1, testutil.ToFloat64(metrics.RelayEvents.WithLabelValues("user:levelUp", "delivered")))
	assert.Equal(t, rejected+1, testutil.ToFloat64(metrics.RelayEvents.WithLabelValues("bogus:event", "rejected")))
	assert.Equal(t, malformed+1, testutil.ToFloat64(metrics.RelayEvents.WithLabelValues("malformed", "rejected")))
}

func TestCustomAllowList(t *testing.T) {
	sink := &fakeSink{count: 1}
	ing := NewIngress(sink, []string{"custom:event"})

	ing.Handle([]byte(`{"event":"custom:event","userId":1}`))
	ing.Handle([]byte(fmt.Sprintf(`{"event":%q,"userId":1}`, DefaultAllowedEvents[0])))

	assert.Len(t, sink.deliveries, 1)
	assert.Equal(t, types.EventType("custom:event"), sink.deliveries[0].event)
}
