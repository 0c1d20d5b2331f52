package audio

import (
	"testing"
	"time"
)

func TestNewThinkingTone_WholeFrames(t *testing.T) {
	tone := NewThinkingTone(DefaultToneConfig())

	// 120ms + 40ms + 120ms = 280ms = 14 frames.
	if tone.Len() != 14 {
		t.Errorf("Expected 14 frames, got %d", tone.Len())
	}
	if tone.Duration() != 280*time.Millisecond {
		t.Errorf("Expected 280ms burst, got %v", tone.Duration())
	}
}

func TestNewThinkingTone_PadsPartialFrame(t *testing.T) {
	tone := NewThinkingTone(ToneConfig{FirstHz: 440, SecondHz: 660, NoteLen: 25 * time.Millisecond, Amplitude: 0.1})
	// 50ms rounds up to 60ms.
	if tone.Len() != 3 {
		t.Errorf("Expected 3 frames, got %d", tone.Len())
	}
	last := tone.Frames()[2]
	if last[FrameBytes-1] != MulawSilence {
		t.Errorf("Expected padding to be silence, got 0x%02X", last[FrameBytes-1])
	}
}

func TestNewThinkingTone_Audible(t *testing.T) {
	tone := NewThinkingTone(DefaultToneConfig())
	frames := tone.Frames()
	first := frames[2]
	if CalculateRMS(DecodeMulaw(first[:])) < 100 {
		t.Error("Expected the first note to carry energy")
	}
}

func TestTone_FramesIsCopy(t *testing.T) {
	tone := NewThinkingTone(DefaultToneConfig())
	a := tone.Frames()
	a[0][0] = 0x00
	if tone.Frames()[0][0] != MulawSilence {
		t.Error("Expected mutation of a returned burst not to reach the shared tone")
	}
}
