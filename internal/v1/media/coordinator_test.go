package media

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelink/signaling/internal/v1/sfu"
	"github.com/voicelink/signaling/internal/v1/types"
)

type fakeClient struct {
	conn types.ConnIdType
	id   types.Identity
}

func (f *fakeClient) ConnID() types.ConnIdType                    { return f.conn }
func (f *fakeClient) Identity() types.Identity                    { return f.id }
func (f *fakeClient) Send(event types.EventType, payload any)     {}
func (f *fakeClient) SendRaw(data []byte)                         {}
func (f *fakeClient) Disconnect()                                 {}

type recordedPush struct {
	event   types.EventType
	payload any
	exclude []types.ConnIdType
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	pushes []recordedPush
}

func (f *fakeBroadcaster) Broadcast(event types.EventType, payload any, exclude ...types.ConnIdType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, recordedPush{event: event, payload: payload, exclude: exclude})
}

func (f *fakeBroadcaster) byEvent(event types.EventType) []recordedPush {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedPush
	for _, p := range f.pushes {
		if p.event == event {
			out = append(out, p)
		}
	}
	return out
}

func newTestCoordinator(t *testing.T) (*Coordinator, *sfu.MockRouter, *fakeBroadcaster) {
	t.Helper()
	engine := sfu.NewMockEngine()
	w, err := engine.NewWorker(context.Background())
	require.NoError(t, err)
	router, err := w.NewRouter("r1")
	require.NoError(t, err)

	bcast := &fakeBroadcaster{}
	coord, err := NewCoordinator("r1", router, bcast)
	require.NoError(t, err)
	t.Cleanup(coord.Close)
	return coord, router.(*sfu.MockRouter), bcast
}

func client(conn string, user types.UserIdType) *fakeClient {
	return &fakeClient{conn: types.ConnIdType(conn), id: types.Identity{UserId: user, DisplayName: "u"}}
}

func TestTransportQuota(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	c := client("conn-1", 100)

	_, err := coord.CreateTransport(ctx, c, types.TransportKindProducer)
	require.NoError(t, err)
	_, err = coord.CreateTransport(ctx, c, types.TransportKindConsumer)
	require.NoError(t, err)

	// A second transport of either kind is refused.
	_, err = coord.CreateTransport(ctx, c, types.TransportKindProducer)
	assert.Equal(t, types.ErrTransportLimit, types.CodeOf(err))
	_, err = coord.CreateTransport(ctx, c, types.TransportKindConsumer)
	assert.Equal(t, types.ErrTransportLimit, types.CodeOf(err))

	// Another connection has its own quota.
	_, err = coord.CreateTransport(ctx, client("conn-2", 200), types.TransportKindProducer)
	assert.NoError(t, err)
}

func transportId(t *testing.T, coord *Coordinator, c types.ClientInterface, kind types.TransportKind) string {
	t.Helper()
	coord.mu.Lock()
	defer coord.mu.Unlock()
	id := coord.perConn[c.ConnID()][kind]
	require.NotEmpty(t, id)
	return id
}

func TestConnectTransport(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	c := client("conn-1", 100)

	_, err := coord.CreateTransport(ctx, c, types.TransportKindProducer)
	require.NoError(t, err)
	tid := transportId(t, coord, c, types.TransportKindProducer)

	require.NoError(t, coord.ConnectTransport(ctx, c, tid, nil))
	// Idempotent.
	require.NoError(t, coord.ConnectTransport(ctx, c, tid, nil))

	// Foreign transports are invisible.
	err = coord.ConnectTransport(ctx, client("conn-2", 200), tid, nil)
	assert.Equal(t, types.ErrTransportNotFound, types.CodeOf(err))
}

func TestProduceBroadcastsExcludingSender(t *testing.T) {
	coord, _, bcast := newTestCoordinator(t)
	ctx := context.Background()
	c := client("conn-1", 100)

	_, err := coord.CreateTransport(ctx, c, types.TransportKindProducer)
	require.NoError(t, err)
	tid := transportId(t, coord, c, types.TransportKindProducer)
	require.NoError(t, coord.ConnectTransport(ctx, c, tid, nil))

	producerId, err := coord.Produce(ctx, c, tid, "audio", nil)
	require.NoError(t, err)
	require.NotEmpty(t, producerId)

	pushes := bcast.byEvent(types.EventAudioNewProducer)
	require.Len(t, pushes, 1)
	payload := pushes[0].payload.(types.NewProducerPayload)
	assert.Equal(t, producerId, payload.ProducerId)
	assert.Equal(t, types.UserIdType(100), payload.UserId)
	assert.Equal(t, []types.ConnIdType{"conn-1"}, pushes[0].exclude)

	active := coord.ActiveProducers()
	require.Len(t, active, 1)
	assert.Equal(t, producerId, active[0].ProducerId)
}

func produce(t *testing.T, coord *Coordinator, c types.ClientInterface) string {
	t.Helper()
	ctx := context.Background()
	_, err := coord.CreateTransport(ctx, c, types.TransportKindProducer)
	require.NoError(t, err)
	tid := transportId(t, coord, c, types.TransportKindProducer)
	require.NoError(t, coord.ConnectTransport(ctx, c, tid, nil))
	producerId, err := coord.Produce(ctx, c, tid, "audio", nil)
	require.NoError(t, err)
	return producerId
}

func TestConsumeStartsPaused(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	producerId := produce(t, coord, client("conn-1", 100))

	listener := client("conn-2", 200)
	_, err := coord.CreateTransport(ctx, listener, types.TransportKindConsumer)
	require.NoError(t, err)
	tid := transportId(t, coord, listener, types.TransportKindConsumer)
	require.NoError(t, coord.ConnectTransport(ctx, listener, tid, nil))

	params, err := coord.Consume(ctx, listener, tid, producerId, nil)
	require.NoError(t, err)
	require.NotNil(t, params)

	coord.mu.Lock()
	var consumerId string
	for id, oc := range coord.consumers {
		if oc.conn == listener.ConnID() {
			consumerId = id
		}
	}
	paused := coord.consumers[consumerId].c.Paused()
	coord.mu.Unlock()
	assert.True(t, paused)

	require.NoError(t, coord.ResumeConsumer(ctx, listener, consumerId))
	// Resuming again is a no-op success.
	require.NoError(t, coord.ResumeConsumer(ctx, listener, consumerId))

	// Another connection cannot resume it.
	err = coord.ResumeConsumer(ctx, client("conn-3", 300), consumerId)
	assert.Equal(t, types.ErrConsumerNotFound, types.CodeOf(err))
}

func TestConsumeDenied(t *testing.T) {
	coord, router, _ := newTestCoordinator(t)
	ctx := context.Background()

	producerId := produce(t, coord, client("conn-1", 100))

	listener := client("conn-2", 200)
	_, err := coord.CreateTransport(ctx, listener, types.TransportKindConsumer)
	require.NoError(t, err)
	tid := transportId(t, coord, listener, types.TransportKindConsumer)

	router.DenyConsume = true
	_, err = coord.Consume(ctx, listener, tid, producerId, nil)
	assert.Equal(t, types.ErrCannotConsume, types.CodeOf(err))
}

func TestSelfMute(t *testing.T) {
	coord, _, bcast := newTestCoordinator(t)
	ctx := context.Background()
	c := client("conn-1", 100)
	producerId := produce(t, coord, c)

	require.NoError(t, coord.SetSelfMute(ctx, c, producerId, true))

	pushes := bcast.byEvent(types.EventSeatUserMuted)
	require.Len(t, pushes, 1)
	payload := pushes[0].payload.(types.SeatUserMutedPayload)
	assert.True(t, payload.Muted)
	assert.True(t, payload.SelfMuted)

	// Idempotent mute does not re-broadcast.
	require.NoError(t, coord.SetSelfMute(ctx, c, producerId, true))
	assert.Len(t, bcast.byEvent(types.EventSeatUserMuted), 1)

	// Only the owner may mute.
	err := coord.SetSelfMute(ctx, client("conn-2", 200), producerId, true)
	assert.Equal(t, types.ErrNotAuthorized, types.CodeOf(err))

	err = coord.SetSelfMute(ctx, c, "no-such-producer", true)
	assert.Equal(t, types.ErrProducerNotFound, types.CodeOf(err))
}

func TestSeatMuteMirrorPreservesSelfMute(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	c := client("conn-1", 100)
	producerId := produce(t, coord, c)

	coord.mu.Lock()
	op := coord.producers[producerId]
	coord.mu.Unlock()

	// Self-mute, then moderation mute, then moderation unmute: the
	// producer must stay paused because the self-mute is still in force.
	require.NoError(t, coord.SetSelfMute(ctx, c, producerId, true))
	coord.MirrorSeatMute(ctx, 100, true)
	coord.MirrorSeatMute(ctx, 100, false)
	assert.True(t, op.p.Paused())

	require.NoError(t, coord.SetSelfMute(ctx, c, producerId, false))
	assert.False(t, op.p.Paused())
}

func TestCloseUserProducers(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	produce(t, coord, client("conn-1", 100))

	coord.CloseUserProducers(ctx, 100)
	assert.Empty(t, coord.ActiveProducers())
}

func TestReleaseConnection(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	c := client("conn-1", 100)
	produce(t, coord, c)

	coord.ReleaseConnection(ctx, c.ConnID())
	assert.Empty(t, coord.ActiveProducers())

	// Quota is freed with the connection.
	_, err := coord.CreateTransport(ctx, c, types.TransportKindProducer)
	assert.NoError(t, err)
}

func TestActiveSpeakerChangeGating(t *testing.T) {
	coord, router, bcast := newTestCoordinator(t)
	c := client("conn-1", 100)
	producerId := produce(t, coord, c)

	volumes := []sfu.VolumeEntry{{ProducerId: producerId, Volume: -30}}

	router.EmitVolumes(volumes)
	router.EmitVolumes(volumes) // same set, no new push
	pushes := bcast.byEvent(types.EventSpeakerActive)
	require.Len(t, pushes, 1)
	payload := pushes[0].payload.(types.SpeakerActivePayload)
	assert.Equal(t, []types.UserIdType{100}, payload.ActiveSpeakers)

	// Silence transition is emitted exactly once.
	router.EmitVolumes(nil)
	router.EmitVolumes(nil)
	pushes = bcast.byEvent(types.EventSpeakerActive)
	require.Len(t, pushes, 2)
	payload = pushes[1].payload.(types.SpeakerActivePayload)
	assert.Empty(t, payload.ActiveSpeakers)
}
