package turn

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vozila/voice-bridge/internal/audio"
)

// Guard filters upstream speech-start edges before they interrupt the
// assistant. Allow is only called from the upstream event loop.
type Guard interface {
	Allow(now time.Time) bool
}

// Guard policy names accepted by NewGuard.
const (
	GuardNone     = "none"
	GuardDebounce = "debounce"
	GuardEnergy   = "energy"
)

// GuardConfig tunes the barge-in guards.
type GuardConfig struct {
	Policy      string
	MinInterval time.Duration    // debounce: minimum gap between accepted barge-ins
	Window      time.Duration    // energy: how recent local caller energy must be
	VAD         *audio.VADConfig // energy: local detector settings
}

// NewGuard builds the guard named by cfg.Policy.
func NewGuard(cfg GuardConfig) (Guard, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Policy)) {
	case "", GuardNone:
		return NoGuard{}, nil
	case GuardDebounce:
		return &DebounceGuard{MinInterval: cfg.MinInterval}, nil
	case GuardEnergy:
		return NewEnergyGuard(cfg.Window, cfg.VAD), nil
	default:
		return nil, fmt.Errorf("turn: unknown barge-in guard %q", cfg.Policy)
	}
}

// NoGuard accepts every speech start.
type NoGuard struct{}

func (NoGuard) Allow(time.Time) bool { return true }

// DebounceGuard rejects a speech start that follows the previously accepted
// one by less than MinInterval.
type DebounceGuard struct {
	MinInterval time.Duration
	last        time.Time
}

func (g *DebounceGuard) Allow(now time.Time) bool {
	if !g.last.IsZero() && now.Sub(g.last) < g.MinInterval {
		return false
	}
	g.last = now
	return true
}

// EnergyGuard accepts a speech start only if the local detector heard caller
// energy within Window. Observe runs on the inbound reader goroutine, Allow
// on the upstream event loop; they share only an atomic timestamp.
type EnergyGuard struct {
	window     time.Duration
	vad        *audio.VADDetector
	lastVoiced atomic.Int64
}

// NewEnergyGuard creates an energy guard. A nil vad config uses defaults.
func NewEnergyGuard(window time.Duration, vad *audio.VADConfig) *EnergyGuard {
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	return &EnergyGuard{window: window, vad: audio.NewVADDetector(vad)}
}

// Observe feeds one inbound caller frame to the local detector.
func (g *EnergyGuard) Observe(now time.Time, f audio.Frame) {
	if speaking, _, _ := g.vad.ProcessMulaw(f); speaking {
		g.lastVoiced.Store(now.UnixNano())
	}
}

func (g *EnergyGuard) Allow(now time.Time) bool {
	last := g.lastVoiced.Load()
	if last == 0 {
		return false
	}
	return now.Sub(time.Unix(0, last)) <= g.window
}

// Observer is implemented by guards that need the caller's audio.
type Observer interface {
	Observe(now time.Time, f audio.Frame)
}
