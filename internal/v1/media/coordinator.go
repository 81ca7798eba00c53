// Package media coordinates WebRTC state for one room: transport quotas,
// producers and consumers, self-mute, the moderation mute mirror, and the
// active-speaker observer. It programs against the sfu contract so tests run
// on the mock engine.
package media

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voicelink/signaling/internal/v1/logging"
	"github.com/voicelink/signaling/internal/v1/metrics"
	"github.com/voicelink/signaling/internal/v1/sfu"
	"github.com/voicelink/signaling/internal/v1/types"
)

const (
	speakerInterval  = 200 * time.Millisecond
	speakerThreshold = -50 // dBov
	speakerTopN      = 3
)

// Broadcaster delivers a push to every connection in the room, optionally
// excluding some.
type Broadcaster interface {
	Broadcast(event types.EventType, payload any, exclude ...types.ConnIdType)
}

type ownedTransport struct {
	t    sfu.Transport
	conn types.ConnIdType
}

type ownedProducer struct {
	p         sfu.Producer
	conn      types.ConnIdType
	userId    types.UserIdType
	selfMuted bool
	seatMuted bool
}

type ownedConsumer struct {
	c    sfu.Consumer
	conn types.ConnIdType
}

// Coordinator owns the media state of one room.
type Coordinator struct {
	roomId string
	router sfu.Router
	bcast  Broadcaster

	mu         sync.Mutex
	transports map[string]*ownedTransport
	perConn    map[types.ConnIdType]map[types.TransportKind]string
	producers  map[string]*ownedProducer
	consumers  map[string]*ownedConsumer
	observer   sfu.AudioObserver
	closed     bool

	lastSpeakers []types.UserIdType
}

// NewCoordinator wires a coordinator to the room's router and starts the
// active-speaker observer.
func NewCoordinator(roomId string, router sfu.Router, bcast Broadcaster) (*Coordinator, error) {
	c := &Coordinator{
		roomId:     roomId,
		router:     router,
		bcast:      bcast,
		transports: map[string]*ownedTransport{},
		perConn:    map[types.ConnIdType]map[types.TransportKind]string{},
		producers:  map[string]*ownedProducer{},
		consumers:  map[string]*ownedConsumer{},
	}

	obs, err := router.NewAudioObserver(speakerInterval, speakerThreshold, speakerTopN)
	if err != nil {
		return nil, err
	}
	obs.OnVolumes(c.handleVolumes)
	c.observer = obs
	return c, nil
}

// RtpCapabilities exposes the router capabilities for the join snapshot.
func (c *Coordinator) RtpCapabilities() json.RawMessage {
	return c.router.RtpCapabilities()
}

// ActiveProducers snapshots the live producers for the join payload.
func (c *Coordinator) ActiveProducers() []types.ActiveProducer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.ActiveProducer, 0, len(c.producers))
	for id, op := range c.producers {
		out = append(out, types.ActiveProducer{ProducerId: id, UserId: op.userId})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProducerId < out[j].ProducerId })
	return out
}

// CreateTransport creates one transport of the given kind for the connection.
// A connection gets at most one producer and one consumer transport.
func (c *Coordinator) CreateTransport(ctx context.Context, client types.ClientInterface, kind types.TransportKind) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, types.E(types.ErrRoomNotFound)
	}
	kinds := c.perConn[client.ConnID()]
	if kinds != nil && kinds[kind] != "" {
		c.mu.Unlock()
		return nil, types.E(types.ErrTransportLimit)
	}
	c.mu.Unlock()

	t, err := c.router.NewTransport(kind)
	if err != nil {
		logging.Error(ctx, "transport creation failed",
			zap.String("room_id", c.roomId), zap.Error(err))
		return nil, err
	}

	c.mu.Lock()
	if c.perConn[client.ConnID()] == nil {
		c.perConn[client.ConnID()] = map[types.TransportKind]string{}
	}
	c.perConn[client.ConnID()][kind] = t.ID()
	c.transports[t.ID()] = &ownedTransport{t: t, conn: client.ConnID()}
	c.mu.Unlock()

	metrics.ActiveTransports.Inc()
	return t.Parameters(), nil
}

// ConnectTransport completes the client's DTLS handshake. Reconnecting an
// already-connected transport succeeds without effect.
func (c *Coordinator) ConnectTransport(ctx context.Context, client types.ClientInterface, transportId string, dtls json.RawMessage) error {
	ot, err := c.ownTransport(client, transportId)
	if err != nil {
		return err
	}
	return ot.t.Connect(dtls)
}

// Produce creates the connection's audio producer and announces it to the
// rest of the room.
func (c *Coordinator) Produce(ctx context.Context, client types.ClientInterface, transportId, kind string, rtpParameters json.RawMessage) (string, error) {
	ot, err := c.ownTransport(client, transportId)
	if err != nil {
		return "", err
	}

	p, err := ot.t.Produce(kind, rtpParameters)
	if err != nil {
		logging.Error(ctx, "produce failed",
			zap.String("room_id", c.roomId), zap.Int64("user_id", int64(client.Identity().UserId)), zap.Error(err))
		return "", err
	}

	c.mu.Lock()
	c.producers[p.ID()] = &ownedProducer{p: p, conn: client.ConnID(), userId: client.Identity().UserId}
	c.mu.Unlock()
	metrics.ActiveProducers.Inc()

	c.bcast.Broadcast(types.EventAudioNewProducer, types.NewProducerPayload{
		ProducerId: p.ID(),
		UserId:     client.Identity().UserId,
		Kind:       kind,
	}, client.ConnID())

	return p.ID(), nil
}

// Consume attaches the connection to a producer. The consumer starts paused;
// the client resumes once its receiver is wired.
func (c *Coordinator) Consume(ctx context.Context, client types.ClientInterface, transportId, producerId string, rtpCapabilities json.RawMessage) (json.RawMessage, error) {
	ot, err := c.ownTransport(client, transportId)
	if err != nil {
		return nil, err
	}

	if !c.router.CanConsume(producerId, rtpCapabilities) {
		return nil, types.E(types.ErrCannotConsume)
	}

	consumer, err := ot.t.Consume(producerId, rtpCapabilities)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.consumers[consumer.ID()] = &ownedConsumer{c: consumer, conn: client.ConnID()}
	c.mu.Unlock()
	metrics.ActiveConsumers.Inc()

	return consumer.Parameters(), nil
}

// ResumeConsumer unpauses the connection's consumer. Resuming a consumer that
// is already flowing succeeds without effect.
func (c *Coordinator) ResumeConsumer(ctx context.Context, client types.ClientInterface, consumerId string) error {
	c.mu.Lock()
	oc := c.consumers[consumerId]
	c.mu.Unlock()
	if oc == nil || oc.conn != client.ConnID() {
		return types.E(types.ErrConsumerNotFound)
	}
	return oc.c.Resume()
}

// SetSelfMute pauses or resumes the caller's own producer and broadcasts the
// change. Muting an already-muted producer succeeds without effect.
func (c *Coordinator) SetSelfMute(ctx context.Context, client types.ClientInterface, producerId string, muted bool) error {
	c.mu.Lock()
	op := c.producers[producerId]
	if op == nil {
		c.mu.Unlock()
		return types.E(types.ErrProducerNotFound)
	}
	if op.userId != client.Identity().UserId {
		c.mu.Unlock()
		return types.E(types.ErrNotAuthorized)
	}
	changed := op.selfMuted != muted
	op.selfMuted = muted
	pause := op.selfMuted || op.seatMuted
	c.mu.Unlock()

	if err := c.applyPause(op, pause); err != nil {
		return err
	}
	if changed {
		c.bcast.Broadcast(types.EventSeatUserMuted, types.SeatUserMutedPayload{
			UserId:    client.Identity().UserId,
			Muted:     muted,
			SelfMuted: true,
		})
	}
	return nil
}

// MirrorSeatMute applies a moderation mute to every producer the user owns.
// Self-mute state is preserved underneath: unmuting the seat does not unmute
// a user who muted themselves.
func (c *Coordinator) MirrorSeatMute(ctx context.Context, userId types.UserIdType, muted bool) {
	c.mu.Lock()
	var affected []*ownedProducer
	for _, op := range c.producers {
		if op.userId == userId {
			op.seatMuted = muted
			affected = append(affected, op)
		}
	}
	c.mu.Unlock()

	for _, op := range affected {
		if err := c.applyPause(op, op.selfMuted || op.seatMuted); err != nil {
			logging.Warn(ctx, "seat mute mirror failed",
				zap.String("room_id", c.roomId), zap.Int64("user_id", int64(userId)), zap.Error(err))
		}
	}
}

func (c *Coordinator) applyPause(op *ownedProducer, pause bool) error {
	if pause {
		return op.p.Pause()
	}
	return op.p.Resume()
}

// CloseUserProducers tears down every producer the user owns; used when a
// moderator removes them from a seat or locks it under them.
func (c *Coordinator) CloseUserProducers(ctx context.Context, userId types.UserIdType) {
	c.mu.Lock()
	var victims []string
	for id, op := range c.producers {
		if op.userId == userId {
			victims = append(victims, id)
		}
	}
	c.mu.Unlock()

	for _, id := range victims {
		c.closeProducer(id)
	}
}

func (c *Coordinator) closeProducer(id string) {
	c.mu.Lock()
	op := c.producers[id]
	delete(c.producers, id)
	c.mu.Unlock()
	if op == nil {
		return
	}
	if err := op.p.Close(); err != nil {
		logging.Warn(context.Background(), "producer close failed", zap.String("producer_id", id), zap.Error(err))
	}
	metrics.ActiveProducers.Dec()
}

// ReleaseConnection tears down all media owned by a connection; called on
// room leave and on disconnect.
func (c *Coordinator) ReleaseConnection(ctx context.Context, conn types.ConnIdType) {
	c.mu.Lock()
	var producerIds []string
	for id, op := range c.producers {
		if op.conn == conn {
			producerIds = append(producerIds, id)
		}
	}
	var consumerVictims []*ownedConsumer
	for id, oc := range c.consumers {
		if oc.conn == conn {
			consumerVictims = append(consumerVictims, oc)
			delete(c.consumers, id)
		}
	}
	var transportVictims []*ownedTransport
	for id, ot := range c.transports {
		if ot.conn == conn {
			transportVictims = append(transportVictims, ot)
			delete(c.transports, id)
		}
	}
	delete(c.perConn, conn)
	c.mu.Unlock()

	for _, id := range producerIds {
		c.closeProducer(id)
	}
	for _, oc := range consumerVictims {
		oc.c.Close()
		metrics.ActiveConsumers.Dec()
	}
	for _, ot := range transportVictims {
		ot.t.Close()
		metrics.ActiveTransports.Dec()
	}
}

// Close tears down the whole coordinator; the room is going away.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	producerCount := len(c.producers)
	consumerCount := len(c.consumers)
	transportCount := len(c.transports)
	c.producers = map[string]*ownedProducer{}
	c.consumers = map[string]*ownedConsumer{}
	c.transports = map[string]*ownedTransport{}
	c.perConn = map[types.ConnIdType]map[types.TransportKind]string{}
	obs := c.observer
	c.mu.Unlock()

	if obs != nil {
		obs.Close()
	}
	c.router.Close()
	metrics.ActiveProducers.Sub(float64(producerCount))
	metrics.ActiveConsumers.Sub(float64(consumerCount))
	metrics.ActiveTransports.Sub(float64(transportCount))
}

func (c *Coordinator) ownTransport(client types.ClientInterface, transportId string) (*ownedTransport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ot := c.transports[transportId]
	if ot == nil || ot.conn != client.ConnID() {
		return nil, types.E(types.ErrTransportNotFound)
	}
	return ot, nil
}

// handleVolumes converts an observer report into the active-speaker
// broadcast. Emission is change-gated: identical speaker sets produce no
// traffic, and the transition to silence is emitted exactly once.
func (c *Coordinator) handleVolumes(entries []sfu.VolumeEntry) {
	c.mu.Lock()
	speakers := make([]types.UserIdType, 0, len(entries))
	seen := map[types.UserIdType]bool{}
	for _, e := range entries {
		op := c.producers[e.ProducerId]
		if op == nil || seen[op.userId] {
			continue
		}
		seen[op.userId] = true
		speakers = append(speakers, op.userId)
	}
	sort.Slice(speakers, func(i, j int) bool { return speakers[i] < speakers[j] })

	if equalSpeakers(c.lastSpeakers, speakers) {
		c.mu.Unlock()
		return
	}
	c.lastSpeakers = speakers
	c.mu.Unlock()

	c.bcast.Broadcast(types.EventSpeakerActive, types.SpeakerActivePayload{
		ActiveSpeakers: speakers,
		Ts:             time.Now().UnixMilli(),
	})
}

func equalSpeakers(a, b []types.UserIdType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
