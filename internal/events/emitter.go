package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vozila/voice-bridge/internal/observability"
	"github.com/vozila/voice-bridge/internal/resilience"
)

// Emitter outcomes, as counted in metrics.
const (
	OutcomeStored      = "stored"
	OutcomeDuplicate   = "duplicate"
	OutcomeDropped     = "dropped"
	OutcomeFailed      = "failed"
	OutcomeInvalid     = "invalid"
	OutcomeCircuitOpen = "circuit_open"
)

// EmitterConfig bounds the emitter's memory and per-write time.
type EmitterConfig struct {
	QueueSize    int
	WriteTimeout time.Duration
	// Breaker, when set, is shared across calls so a failing store is
	// skipped quickly instead of stacking timed-out writes.
	Breaker *resilience.CircuitBreaker
}

// DefaultEmitterConfig returns the standard limits.
func DefaultEmitterConfig() EmitterConfig {
	return EmitterConfig{QueueSize: 64, WriteTimeout: 2 * time.Second}
}

// EmitterStats counts outcomes for one emitter.
type EmitterStats struct {
	Stored, Duplicate, Dropped, Failed, Invalid uint64
}

// Emitter queues events for a background writer. Emit never blocks and store
// failures never reach the caller: they are logged and counted.
type Emitter struct {
	store  Store
	cfg    EmitterConfig
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan LifecycleEvent

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	stored, duplicate, dropped, failed, invalid atomic.Uint64
}

// NewEmitter starts an emitter writing to store.
func NewEmitter(store Store, cfg EmitterConfig, logger zerolog.Logger) *Emitter {
	def := DefaultEmitterConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "event_emitter").Logger(),
		queue:  make(chan LifecycleEvent, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit queues ev; validation happens on the writer goroutine. It returns
// ErrQueueFull or ErrClosed for visibility only; callers are expected to
// log and move on.
func (e *Emitter) Emit(ev LifecycleEvent) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.count(OutcomeDropped)
		return ErrClosed
	}
	select {
	case e.queue <- ev:
		return nil
	default:
		e.count(OutcomeDropped)
		e.logger.Warn().
			Str("event_type", ev.EventType).
			Str("idempotency_key", ev.IdempotencyKey).
			Msg("Event queue full, dropping event")
		return ErrQueueFull
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for ev := range e.queue {
		e.write(ev)
	}
}

func (e *Emitter) write(ev LifecycleEvent) {
	if e.ctx.Err() != nil {
		e.count(OutcomeDropped)
		return
	}
	if err := Validate(ev); err != nil {
		e.count(OutcomeInvalid)
		e.logger.Error().Err(err).
			Str("event_type", ev.EventType).
			Str("idempotency_key", ev.IdempotencyKey).
			Msg("Invalid lifecycle event not recorded")
		return
	}

	var stored Stored
	do := func() error {
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.WriteTimeout)
		defer cancel()
		var err error
		stored, err = e.store.EmitEvent(ctx, ev)
		return err
	}

	var err error
	if e.cfg.Breaker != nil {
		err = e.cfg.Breaker.Call(do)
	} else {
		err = do()
	}

	log := e.logger.With().
		Str("event_type", ev.EventType).
		Str("call_id", ev.CallID).
		Str("idempotency_key", ev.IdempotencyKey).
		Logger()

	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		e.count(OutcomeCircuitOpen)
		log.Warn().Msg("Event store circuit open, event not recorded")
	case err != nil:
		e.count(OutcomeFailed)
		if e.cfg.Breaker != nil {
			observability.IncrementCircuitBreakerFailures(e.cfg.Breaker.Name())
		}
		log.Error().Err(err).Msg("Failed to record event")
	case stored.Duplicate:
		e.count(OutcomeDuplicate)
		log.Debug().Str("event_id", stored.ID).Msg("Event already recorded")
	default:
		e.count(OutcomeStored)
		log.Debug().Str("event_id", stored.ID).Msg("Event recorded")
	}
}

func (e *Emitter) count(outcome string) {
	switch outcome {
	case OutcomeStored:
		e.stored.Add(1)
	case OutcomeDuplicate:
		e.duplicate.Add(1)
	case OutcomeDropped:
		e.dropped.Add(1)
	case OutcomeInvalid:
		e.invalid.Add(1)
	default:
		e.failed.Add(1)
	}
	observability.RecordEventOutcome(outcome)
}

// Stats returns the outcome counters.
func (e *Emitter) Stats() EmitterStats {
	return EmitterStats{
		Stored:    e.stored.Load(),
		Duplicate: e.duplicate.Load(),
		Dropped:   e.dropped.Load(),
		Failed:    e.failed.Load(),
		Invalid:   e.invalid.Load(),
	}
}

// Close stops accepting events and drains the queue until ctx is done, at
// which point in-flight and pending writes are abandoned.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-e.done
		return ctx.Err()
	}
}
