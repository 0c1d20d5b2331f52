// Package sender paces outbound audio back to the telephony socket.
//
// A Loop ticks at the frame cadence (or a multiple of it in batch mode),
// drains the main lane first and falls back to the aux lane only while the
// waiting controller is thinking. Its playout clock advances by exactly one
// frame duration per frame sent, whatever the batch size.
package sender

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vozila/voice-bridge/internal/audio"
)

// Sink receives paced frames. A batch is one transport message.
type Sink interface {
	SendMedia(frames []audio.Frame) error
}

// Observer receives per-tick counters. Implementations must be cheap.
type Observer interface {
	FramesSent(lane string, n int)
	Underrun(responseActive bool)
	TickLatency(d time.Duration)
}

// Waiter is the part of the waiting controller the loop drives.
type Waiter interface {
	Update(now time.Time, aux *audio.Lane) int
	Thinking() bool
}

// ResponseReader reports whether an assistant response is in flight.
type ResponseReader interface {
	ActiveResponseID() string
}

// Config controls batching and the startup prebuffer.
type Config struct {
	// BatchFrames is the number of frames sent per tick. Values below 1
	// mean 1.
	BatchFrames int
	// PrebufferFrames is how many main frames must accumulate before
	// sending starts. Zero disables the gate.
	PrebufferFrames int
}

// DefaultConfig sends one frame per tick after a 3-frame prebuffer.
func DefaultConfig() Config {
	return Config{BatchFrames: 1, PrebufferFrames: 3}
}

// Stats is a snapshot of the loop counters.
type Stats struct {
	FramesSent      uint64
	MainFrames      uint64
	AuxFrames       uint64
	Ticks           uint64
	Underruns       uint64 // ticks that sent nothing
	ActiveUnderruns uint64 // of those, ticks while a response was in flight
	MaxTickLatency  time.Duration
	Playout         time.Duration
}

// TickResult describes a single tick.
type TickResult struct {
	Lane    string
	Frames  int
	Advance time.Duration
}

// Loop is the per-call sender. Tick and Run must not be called concurrently;
// Stats and Interrupt are safe from any goroutine.
type Loop struct {
	cfg       Config
	main, aux *audio.Lane
	sink      Sink
	waiter    Waiter
	responses ResponseReader
	observer  Observer
	logger    zerolog.Logger
	now       func() time.Time

	// sendMu is held from pop to send so a barge-in clear cannot land
	// between them.
	sendMu   sync.Mutex
	gateOpen bool

	framesSent      atomic.Uint64
	mainFrames      atomic.Uint64
	auxFrames       atomic.Uint64
	ticks           atomic.Uint64
	underruns       atomic.Uint64
	activeUnderruns atomic.Uint64
	maxLatency      atomic.Int64
	playout         atomic.Int64
}

// Option customizes a Loop.
type Option func(*Loop)

// WithWaiter lets the loop drive the comfort tone and drain aux.
func WithWaiter(w Waiter) Option {
	return func(l *Loop) { l.waiter = w }
}

// WithResponses lets the loop tell active underruns apart and flush short
// responses through the prebuffer gate.
func WithResponses(r ResponseReader) Option {
	return func(l *Loop) { l.responses = r }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(l *Loop) { l.observer = o }
}

// WithLogger sets the loop logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// NewLoop creates a sender over the two lanes.
func NewLoop(cfg Config, main, aux *audio.Lane, sink Sink, opts ...Option) *Loop {
	if cfg.BatchFrames < 1 {
		cfg.BatchFrames = 1
	}
	if cfg.PrebufferFrames < 0 {
		cfg.PrebufferFrames = 0
	}
	l := &Loop{
		cfg:    cfg,
		main:   main,
		aux:    aux,
		sink:   sink,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Interval is the nominal tick period.
func (l *Loop) Interval() time.Duration {
	return audio.FrameDuration * time.Duration(l.cfg.BatchFrames)
}

// Tick performs one send cycle at now.
func (l *Loop) Tick(now time.Time) (TickResult, error) {
	started := l.now()
	l.ticks.Add(1)

	if l.waiter != nil {
		l.waiter.Update(now, l.aux)
	}

	l.sendMu.Lock()
	frames, lane := l.next()
	var err error
	if len(frames) > 0 {
		err = l.sink.SendMedia(frames)
	}
	l.sendMu.Unlock()

	if len(frames) == 0 {
		active := l.responseActive()
		l.underruns.Add(1)
		if active {
			l.activeUnderruns.Add(1)
		}
		if l.observer != nil {
			l.observer.Underrun(active)
		}
		l.recordLatency(started)
		return TickResult{}, nil
	}
	if err != nil {
		return TickResult{}, fmt.Errorf("sender: send %d %s frames: %w", len(frames), lane, err)
	}

	n := len(frames)
	advance := audio.FrameDuration * time.Duration(n)
	l.playout.Add(int64(advance))
	l.framesSent.Add(uint64(n))
	if lane == l.main.Name() {
		l.mainFrames.Add(uint64(n))
	} else {
		l.auxFrames.Add(uint64(n))
	}
	if l.observer != nil {
		l.observer.FramesSent(lane, n)
	}
	l.recordLatency(started)

	return TickResult{Lane: lane, Frames: n, Advance: advance}, nil
}

// next pops the batch for this tick. Called with sendMu held.
func (l *Loop) next() ([]audio.Frame, string) {
	if l.main.Len() > 0 {
		if !l.gateOpen && (l.main.Len() >= l.cfg.PrebufferFrames || !l.responseActive()) {
			l.gateOpen = true
		}
		if l.gateOpen {
			frames := l.main.PopN(l.cfg.BatchFrames)
			if l.main.Len() == 0 {
				l.gateOpen = false
			}
			if len(frames) > 0 {
				return frames, l.main.Name()
			}
		}
		// Main is still prebuffering; the tone must not cut in.
		return nil, ""
	}
	l.gateOpen = false

	if l.waiter != nil && l.waiter.Thinking() {
		if frames := l.aux.PopN(l.cfg.BatchFrames); len(frames) > 0 {
			return frames, l.aux.Name()
		}
	}
	return nil, ""
}

func (l *Loop) responseActive() bool {
	return l.responses != nil && l.responses.ActiveResponseID() != ""
}

func (l *Loop) recordLatency(started time.Time) {
	d := l.now().Sub(started)
	for {
		cur := l.maxLatency.Load()
		if int64(d) <= cur || l.maxLatency.CompareAndSwap(cur, int64(d)) {
			break
		}
	}
	if l.observer != nil {
		l.observer.TickLatency(d)
	}
}

// Interrupt runs fn while no batch is between pop and send. Barge-in uses
// it to clear the lanes and emit the transport clear so that no frame
// popped before the clear is delivered after it.
func (l *Loop) Interrupt(fn func()) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	l.gateOpen = false
	fn()
}

// Stats returns a snapshot of the counters.
func (l *Loop) Stats() Stats {
	return Stats{
		FramesSent:      l.framesSent.Load(),
		MainFrames:      l.mainFrames.Load(),
		AuxFrames:       l.auxFrames.Load(),
		Ticks:           l.ticks.Load(),
		Underruns:       l.underruns.Load(),
		ActiveUnderruns: l.activeUnderruns.Load(),
		MaxTickLatency:  time.Duration(l.maxLatency.Load()),
		Playout:         time.Duration(l.playout.Load()),
	}
}

// Run ticks until ctx is done or the sink fails. Deadlines follow the
// playout clock: a short batch schedules the next tick sooner.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.Interval()
	next := l.now().Add(interval)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		now := l.now()
		res, err := l.Tick(now)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		step := res.Advance
		if step == 0 {
			step = interval
		}
		next = next.Add(step)
		// Fell behind (GC pause, slow write): resync instead of bursting.
		if lag := now.Sub(next); lag > interval {
			l.logger.Debug().Dur("lag", lag).Msg("Sender resynced playout deadline")
			next = now.Add(step)
		}
		timer.Reset(time.Until(next))
	}
}
