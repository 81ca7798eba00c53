package sfu

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicelink/signaling/internal/v1/types"
)

// MockEngine is an in-memory Engine for tests: no networking, deterministic
// ids, and hooks to simulate worker death and speaker activity.
type MockEngine struct {
	mu      sync.Mutex
	workers []*MockWorker

	// FailNextWorker makes the next NewWorker call fail once.
	FailNextWorker bool
}

func NewMockEngine() *MockEngine { return &MockEngine{} }

func (e *MockEngine) NewWorker(ctx context.Context) (Worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailNextWorker {
		e.FailNextWorker = false
		return nil, fmt.Errorf("mock worker spawn failure")
	}
	w := &MockWorker{id: uuid.NewString()}
	e.workers = append(e.workers, w)
	return w, nil
}

// Workers returns every worker ever spawned, dead or alive.
func (e *MockEngine) Workers() []*MockWorker {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*MockWorker, len(e.workers))
	copy(out, e.workers)
	return out
}

type MockWorker struct {
	id string

	mu      sync.Mutex
	routers int
	died    func()
	closed  bool
}

func (w *MockWorker) ID() string { return w.id }

func (w *MockWorker) NewRouter(roomId string) (Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, fmt.Errorf("worker closed")
	}
	w.routers++
	return &MockRouter{id: uuid.NewString(), worker: w}, nil
}

func (w *MockWorker) Load() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.routers
}

func (w *MockWorker) OnDied(fn func()) {
	w.mu.Lock()
	w.died = fn
	w.mu.Unlock()
}

// Die simulates a worker crash, firing the registered callback.
func (w *MockWorker) Die() {
	w.mu.Lock()
	fn := w.died
	w.closed = true
	w.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (w *MockWorker) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

type MockRouter struct {
	id     string
	worker *MockWorker

	mu        sync.Mutex
	producers map[string]bool
	observers []*MockAudioObserver
	closed    bool

	// DenyConsume makes CanConsume return false.
	DenyConsume bool
}

func (r *MockRouter) ID() string { return r.id }

func (r *MockRouter) RtpCapabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":[{"mimeType":"audio/opus","clockRate":48000,"channels":2}]}`)
}

func (r *MockRouter) NewTransport(kind types.TransportKind) (Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("router closed")
	}
	return &MockTransport{id: uuid.NewString(), kind: kind, router: r}, nil
}

func (r *MockRouter) CanConsume(producerId string, rtpCapabilities json.RawMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.DenyConsume {
		return false
	}
	return r.producers[producerId]
}

func (r *MockRouter) NewAudioObserver(interval time.Duration, threshold, topN int) (AudioObserver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("router closed")
	}
	obs := &MockAudioObserver{}
	r.observers = append(r.observers, obs)
	return obs, nil
}

// EmitVolumes pushes a report through every observer, as if the engine had
// measured the given producers.
func (r *MockRouter) EmitVolumes(entries []VolumeEntry) {
	r.mu.Lock()
	observers := make([]*MockAudioObserver, len(r.observers))
	copy(observers, r.observers)
	r.mu.Unlock()
	for _, obs := range observers {
		obs.emit(entries)
	}
}

func (r *MockRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		r.worker.mu.Lock()
		r.worker.routers--
		r.worker.mu.Unlock()
	}
	return nil
}

type MockTransport struct {
	id     string
	kind   types.TransportKind
	router *MockRouter

	mu        sync.Mutex
	connected bool
	closed    bool
}

func (t *MockTransport) ID() string                { return t.id }
func (t *MockTransport) Kind() types.TransportKind { return t.kind }

func (t *MockTransport) Parameters() json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"iceParameters":{},"dtlsParameters":{}}`, t.id))
}

func (t *MockTransport) Connect(dtlsParameters json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport closed")
	}
	t.connected = true
	return nil
}

func (t *MockTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *MockTransport) Produce(kind string, rtpParameters json.RawMessage) (Producer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	p := &MockProducer{id: uuid.NewString(), router: t.router}
	t.router.mu.Lock()
	if t.router.producers == nil {
		t.router.producers = map[string]bool{}
	}
	t.router.producers[p.id] = true
	t.router.mu.Unlock()
	return p, nil
}

func (t *MockTransport) Consume(producerId string, rtpCapabilities json.RawMessage) (Consumer, error) {
	t.router.mu.Lock()
	ok := t.router.producers[producerId]
	t.router.mu.Unlock()
	if !ok {
		return nil, types.E(types.ErrProducerNotFound)
	}
	return &MockConsumer{id: uuid.NewString(), producerId: producerId, paused: true}, nil
}

func (t *MockTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

type MockProducer struct {
	id     string
	router *MockRouter

	mu     sync.Mutex
	paused bool
	closed bool
}

func (p *MockProducer) ID() string { return p.id }

func (p *MockProducer) Pause() error {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	return nil
}

func (p *MockProducer) Resume() error {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	return nil
}

func (p *MockProducer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *MockProducer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.router.mu.Lock()
	delete(p.router.producers, p.id)
	p.router.mu.Unlock()
	return nil
}

type MockConsumer struct {
	id         string
	producerId string

	mu     sync.Mutex
	paused bool
}

func (c *MockConsumer) ID() string         { return c.id }
func (c *MockConsumer) ProducerID() string { return c.producerId }

func (c *MockConsumer) Parameters() json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"producerId":%q,"kind":"audio"}`, c.id, c.producerId))
}

func (c *MockConsumer) Pause() error {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	return nil
}

func (c *MockConsumer) Resume() error {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	return nil
}

func (c *MockConsumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *MockConsumer) Close() error { return nil }

type MockAudioObserver struct {
	mu     sync.Mutex
	fn     func([]VolumeEntry)
	closed bool
}

func (o *MockAudioObserver) OnVolumes(fn func([]VolumeEntry)) {
	o.mu.Lock()
	o.fn = fn
	o.mu.Unlock()
}

func (o *MockAudioObserver) emit(entries []VolumeEntry) {
	o.mu.Lock()
	fn := o.fn
	closed := o.closed
	o.mu.Unlock()
	if fn != nil && !closed {
		fn(entries)
	}
}

func (o *MockAudioObserver) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return nil
}
