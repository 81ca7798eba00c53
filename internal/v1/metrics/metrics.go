package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the audio-room signaling service.
//
// Naming convention: namespace_subsystem_name
// - namespace: audio_rooms
// - subsystem: websocket, room, seat, media, relay, gift, auth, ratelimit
//
// Metric Types:
// - Gauge: current state (connections, rooms, in-flight handlers)
// - Counter: cumulative events (messages processed, auth outcomes)
// - Histogram: distributions (processing time, batch sizes)

var (
	// ActiveConnections tracks the current number of WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "audio_rooms",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// WebsocketEvents counts inbound events by type and outcome.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "audio_rooms",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks per-handler latency.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "audio_rooms",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// DroppedMessages counts frames dropped because a client's send buffer was full.
	DroppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "audio_rooms",
		Subsystem: "websocket",
		Name:      "dropped_messages_total",
		Help:      "Outbound frames dropped due to full client buffers",
	})

	// ActiveRooms tracks rooms hosted on this node.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "audio_rooms",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms on this node",
	})

	// RoomParticipants tracks the participant count per room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "audio_rooms",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	// RoomsClosed counts room closures by reason.
	RoomsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "audio_rooms",
		Subsystem: "room",
		Name:      "closed_total",
		Help:      "Rooms closed, labeled by reason",
	}, []string{"reason"})

	// SeatOperations counts seat mutations by operation and outcome.
	SeatOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "audio_rooms",
		Subsystem: "seat",
		Name:      "operations_total",
		Help:      "Seat operations, labeled by op and outcome",
	}, []string{"op", "status"})

	// ActiveTransports tracks live WebRTC transports on this node.
	ActiveTransports = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "audio_rooms",
		Subsystem: "media",
		Name:      "transports_active",
		Help:      "Current number of WebRTC transports",
	})

	// ActiveProducers tracks live audio producers on this node.
	ActiveProducers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "audio_rooms",
		Subsystem: "media",
		Name:      "producers_active",
		Help:      "Current number of audio producers",
	})

	// ActiveConsumers tracks live consumers on this node.
	ActiveConsumers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "audio_rooms",
		Subsystem: "media",
		Name:      "consumers_active",
		Help:      "Current number of consumers",
	})

	// WorkerDeaths counts SFU worker crashes.
	WorkerDeaths = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "audio_rooms",
		Subsystem: "media",
		Name:      "worker_deaths_total",
		Help:      "SFU worker process deaths",
	})

	// RelayEvents counts relay ingress outcomes: delivered, rejected, malformed.
	RelayEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "audio_rooms",
		Subsystem: "relay",
		Name:      "events_total",
		Help:      "Relay ingress events, labeled by event name and delivery outcome",
	}, []string{"event", "delivered"})

	// RelayInFlight tracks concurrently running relay handlers.
	RelayInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "audio_rooms",
		Subsystem: "relay",
		Name:      "in_flight",
		Help:      "Relay handlers currently in flight",
	})

	// RelayProcessingDuration tracks per-event-type relay processing time.
	RelayProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "audio_rooms",
		Subsystem: "relay",
		Name:      "processing_seconds",
		Help:      "Relay event processing time",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	// GiftBatchSize tracks the size of flushed gift batches.
	GiftBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "audio_rooms",
		Subsystem: "gift",
		Name:      "batch_size",
		Help:      "Number of transactions per flushed gift batch",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})

	// GiftDeadLetters tracks the number of gifts moved to the dead-letter queue.
	GiftDeadLetters = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "audio_rooms",
		Subsystem: "gift",
		Name:      "dead_letter_total",
		Help:      "Gifts moved to the dead-letter queue",
	})

	// GiftFlushes counts flush attempts by outcome.
	GiftFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "audio_rooms",
		Subsystem: "gift",
		Name:      "flushes_total",
		Help:      "Gift batch flushes, labeled by outcome",
	}, []string{"status"})

	// AuthOutcomes counts connection authentication results.
	AuthOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "audio_rooms",
		Subsystem: "auth",
		Name:      "outcomes_total",
		Help:      "Connection auth outcomes",
	}, []string{"outcome"})

	// RateLimitExceeded counts refusals by action.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "audio_rooms",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Rate limit refusals, labeled by action",
	}, []string{"action"})

	// CircuitBreakerState reports breaker state per dependency (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "audio_rooms",
		Subsystem: "infra",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open)",
	}, []string{"dependency"})

	// CircuitBreakerFailures counts calls rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "audio_rooms",
		Subsystem: "infra",
		Name:      "circuit_breaker_failures_total",
		Help:      "Calls rejected by an open circuit breaker",
	}, []string{"dependency"})
)

func IncConnection() { ActiveConnections.Inc() }

func DecConnection() { ActiveConnections.Dec() }
