package turn

import (
	"testing"
	"time"

	"github.com/vozila/voice-bridge/internal/audio"
)

func TestNewGuard(t *testing.T) {
	for _, policy := range []string{"", "none", "debounce", "energy", " Energy "} {
		if _, err := NewGuard(GuardConfig{Policy: policy}); err != nil {
			t.Errorf("Expected policy %q to be accepted, got %v", policy, err)
		}
	}
	if _, err := NewGuard(GuardConfig{Policy: "magic"}); err == nil {
		t.Error("Expected unknown policy to fail")
	}
}

func TestDebounceGuard(t *testing.T) {
	g := &DebounceGuard{MinInterval: 500 * time.Millisecond}
	if !g.Allow(t0) {
		t.Fatal("Expected first start to pass")
	}
	if g.Allow(t0.Add(200 * time.Millisecond)) {
		t.Error("Expected start inside the interval to be rejected")
	}
	if !g.Allow(t0.Add(600 * time.Millisecond)) {
		t.Error("Expected start after the interval to pass")
	}
}

func TestEnergyGuard(t *testing.T) {
	g := NewEnergyGuard(300*time.Millisecond, &audio.VADConfig{EnergyThreshold: 500, OnsetFrames: 1, SilenceFrames: 5})

	if g.Allow(t0) {
		t.Error("Expected no caller energy to reject the start")
	}

	loud := make([]int16, audio.FrameBytes)
	for i := range loud {
		loud[i] = 6000
	}
	var f audio.Frame
	copy(f[:], audio.EncodeMulaw(loud))
	g.Observe(t0, f)

	if !g.Allow(t0.Add(100 * time.Millisecond)) {
		t.Error("Expected recent caller energy to allow the start")
	}
	if g.Allow(t0.Add(time.Second)) {
		t.Error("Expected stale caller energy to reject the start")
	}
}
