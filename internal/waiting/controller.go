// Package waiting plays a comfort tone on the aux lane while the assistant is
// busy producing a reply.
package waiting

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vozila/voice-bridge/internal/audio"
)

// State of the comfort-tone controller.
type State int32

const (
	Idle State = iota
	Waiting
	Thinking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Thinking:
		return "thinking"
	default:
		return "unknown"
	}
}

// Config holds the comfort-tone timings.
type Config struct {
	Enabled     bool
	Trigger     time.Duration // silence tolerated before the tone starts
	Interval    time.Duration // gap between tone bursts
	MaxDuration time.Duration // hard cap measured from wait start; zero disables
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Trigger:     800 * time.Millisecond,
		Interval:    1500 * time.Millisecond,
		MaxDuration: 20 * time.Second,
	}
}

// Controller is the per-call waiting state machine. Update runs on the
// sender goroutine; the other methods run on the upstream event loop.
type Controller struct {
	cfg   Config
	burst []audio.Frame
	state atomic.Int32

	mu         sync.Mutex
	startedAt  time.Time
	nextBurst  time.Time
	suppressed bool
	bursts     int
}

// NewController creates an idle controller that plays tone on each burst.
func NewController(cfg Config, tone *audio.Tone) *Controller {
	c := &Controller{cfg: cfg}
	if tone != nil {
		c.burst = tone.Frames()
	}
	if c.cfg.Interval <= 0 {
		c.cfg.Interval = DefaultConfig().Interval
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Thinking reports whether aux may be drained.
func (c *Controller) Thinking() bool {
	return c.State() == Thinking
}

// Bursts returns how many tone bursts were enqueued.
func (c *Controller) Bursts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bursts
}

// WaitStart marks the beginning of a delay before the assistant replies.
// A wait already in progress keeps its original start time.
func (c *Controller) WaitStart(now time.Time) {
	if !c.cfg.Enabled || len(c.burst) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != Idle {
		return
	}
	c.startedAt = now
	c.suppressed = false
	c.state.Store(int32(Waiting))
}

// Update advances the controller to now, enqueueing tone into aux when due.
// Returns the number of frames enqueued.
func (c *Controller) Update(now time.Time, aux *audio.Lane) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.State()
	if state == Idle || c.suppressed {
		return 0
	}

	elapsed := now.Sub(c.startedAt)
	if c.cfg.MaxDuration > 0 && elapsed >= c.cfg.MaxDuration {
		c.state.Store(int32(Idle))
		aux.Clear()
		return 0
	}

	switch state {
	case Waiting:
		if elapsed < c.cfg.Trigger {
			return 0
		}
		c.state.Store(int32(Thinking))
		c.nextBurst = now.Add(c.cfg.Interval)
		return c.enqueueLocked(aux)
	case Thinking:
		if now.Before(c.nextBurst) {
			return 0
		}
		c.nextBurst = c.nextBurst.Add(c.cfg.Interval)
		if c.nextBurst.Before(now) {
			c.nextBurst = now.Add(c.cfg.Interval)
		}
		return c.enqueueLocked(aux)
	}
	return 0
}

func (c *Controller) enqueueLocked(aux *audio.Lane) int {
	aux.PushAll(c.burst)
	c.bursts++
	return len(c.burst)
}

// WaitEnd ends the wait and drops any queued tone.
func (c *Controller) WaitEnd(aux *audio.Lane) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.suppressed = false
	if c.State() == Idle {
		return
	}
	c.state.Store(int32(Idle))
	aux.Clear()
}

// OnUserSpeechStarted silences the tone at once. The controller stays silent
// until the current wait ends, even if the trigger elapses again.
func (c *Controller) OnUserSpeechStarted(aux *audio.Lane) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != Idle {
		c.suppressed = true
	}
	c.state.Store(int32(Idle))
	aux.Clear()
}

// Suppressed reports whether a barge-in silenced the current wait.
func (c *Controller) Suppressed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suppressed
}
