package sfu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voicelink/signaling/internal/v1/logging"
	"github.com/voicelink/signaling/internal/v1/metrics"
)

// recoveryDelay gives a crashed worker's OS resources time to release before
// a replacement is spawned.
const recoveryDelay = 5 * time.Second

var recoveryBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Pool owns the engine workers and places routers on the least-loaded one.
type Pool struct {
	engine Engine

	mu      sync.Mutex
	workers []Worker
	closed  bool

	// onWorkerDeath runs before the replacement is spawned so rooms on the
	// dead worker are torn down first.
	onWorkerDeath func(workerID string)

	ctx context.Context
	wg  sync.WaitGroup
}

// NewPool spawns count workers; failing to start any of them fails startup.
func NewPool(ctx context.Context, engine Engine, count int) (*Pool, error) {
	if count < 1 {
		return nil, fmt.Errorf("worker count must be positive, got %d", count)
	}
	p := &Pool{engine: engine, ctx: ctx}
	for i := 0; i < count; i++ {
		w, err := engine.NewWorker(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("spawn worker %d: %w", i, err)
		}
		p.adopt(w)
	}
	logging.Info(ctx, "SFU worker pool started", zap.Int("workers", count))
	return p, nil
}

// OnWorkerDeath registers the room-teardown hook. Must be called before any
// worker can die, i.e. during wiring.
func (p *Pool) OnWorkerDeath(fn func(workerID string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWorkerDeath = fn
}

func (p *Pool) adopt(w Worker) {
	p.mu.Lock()
	p.workers = append(p.workers, w)
	p.mu.Unlock()
	w.OnDied(func() { p.handleDeath(w) })
}

// LeastLoaded returns the worker hosting the fewest routers.
func (p *Pool) LeastLoaded() (Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) == 0 {
		return nil, fmt.Errorf("no live SFU workers")
	}
	best := p.workers[0]
	for _, w := range p.workers[1:] {
		if w.Load() < best.Load() {
			best = w
		}
	}
	return best, nil
}

// Healthy reports whether at least one worker is live; readiness checks use it.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && len(p.workers) > 0
}

func (p *Pool) handleDeath(dead Worker) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	for n, w := range p.workers {
		if w == dead {
			p.workers = append(p.workers[:n], p.workers[n+1:]...)
			break
		}
	}
	cb := p.onWorkerDeath
	p.mu.Unlock()

	metrics.WorkerDeaths.Inc()
	logging.Error(p.ctx, "SFU worker died", zap.String("worker_id", dead.ID()))

	// Rooms on the dead worker must be closed before a replacement exists,
	// otherwise a rejoin could land on half-dead state.
	if cb != nil {
		cb(dead.ID())
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.recover()
	}()
}

func (p *Pool) recover() {
	select {
	case <-p.ctx.Done():
		return
	case <-time.After(recoveryDelay):
	}

	for attempt, delay := range recoveryBackoff {
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(delay):
		}
		w, err := p.engine.NewWorker(p.ctx)
		if err == nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				w.Close()
				return
			}
			p.adopt(w)
			logging.Info(p.ctx, "SFU worker replaced", zap.String("worker_id", w.ID()))
			return
		}
		logging.Warn(p.ctx, "SFU worker respawn failed",
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	logging.Error(p.ctx, "SFU worker respawn exhausted, node capacity degraded")
}

// Close shuts down all workers and waits for in-flight recoveries.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	for _, w := range workers {
		if err := w.Close(); err != nil {
			logging.Warn(p.ctx, "worker close failed", zap.String("worker_id", w.ID()), zap.Error(err))
		}
	}
	p.wg.Wait()
}
