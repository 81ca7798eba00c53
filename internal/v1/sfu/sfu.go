// Package sfu defines the media-engine contract the room layer programs
// against, plus the worker pool that spreads routers across engine workers.
// The production engine runs pion in process; tests use the mock engine.
package sfu

import (
	"context"
	"encoding/json"
	"time"

	"github.com/voicelink/signaling/internal/v1/types"
)

// Engine creates workers. One engine serves the whole process.
type Engine interface {
	NewWorker(ctx context.Context) (Worker, error)
}

// Worker hosts routers. Workers can die independently of the process; the
// pool watches OnDied and rebuilds.
type Worker interface {
	ID() string
	// NewRouter creates the media router for one room.
	NewRouter(roomId string) (Router, error)
	// Load is the number of routers currently hosted, used for placement.
	Load() int
	// OnDied registers the death callback. At most one callback is kept.
	OnDied(fn func())
	Close() error
}

// Router is the per-room media hub: transports attach to it, producers feed
// it, consumers drain it.
type Router interface {
	ID() string
	// RtpCapabilities is handed to clients at join so they can build
	// compatible send/receive parameters.
	RtpCapabilities() json.RawMessage
	NewTransport(kind types.TransportKind) (Transport, error)
	// CanConsume reports whether a consumer with the given capabilities
	// could receive the producer.
	CanConsume(producerId string, rtpCapabilities json.RawMessage) bool
	// NewAudioObserver starts volume observation over the router's
	// producers. interval paces reports, threshold (dBov, negative) cuts
	// silence, topN caps the report size.
	NewAudioObserver(interval time.Duration, threshold int, topN int) (AudioObserver, error)
	Close() error
}

// Transport is one WebRTC transport owned by a single connection.
type Transport interface {
	ID() string
	Kind() types.TransportKind
	// Parameters carries the ICE/DTLS offer material for the client.
	Parameters() json.RawMessage
	// Connect completes the DTLS handshake with the client's answer
	// parameters. Connecting an already-connected transport is a no-op.
	Connect(dtlsParameters json.RawMessage) error
	Connected() bool
	Produce(kind string, rtpParameters json.RawMessage) (Producer, error)
	Consume(producerId string, rtpCapabilities json.RawMessage) (Consumer, error)
	Close() error
}

// Producer is one inbound audio stream.
type Producer interface {
	ID() string
	Pause() error
	Resume() error
	Paused() bool
	Close() error
}

// Consumer is one outbound stream towards a client. Consumers start paused;
// the client resumes after wiring its receiver.
type Consumer interface {
	ID() string
	ProducerID() string
	// Parameters carries what the client needs to attach its receiver.
	Parameters() json.RawMessage
	Pause() error
	Resume() error
	Paused() bool
	Close() error
}

// VolumeEntry is one producer's level within an observer report.
type VolumeEntry struct {
	ProducerId string
	// Volume is in dBov, 0 loudest to -127 silence.
	Volume int
}

// AudioObserver emits periodic volume reports for a router.
type AudioObserver interface {
	// OnVolumes registers the report callback. An empty slice means the
	// room went silent.
	OnVolumes(fn func([]VolumeEntry))
	Close() error
}
