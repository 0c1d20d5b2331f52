package audio

import (
	"testing"
)

func constantSamples(v int16) []int16 {
	samples := make([]int16, FrameBytes)
	for i := range samples {
		samples[i] = v
	}
	return samples
}

func TestVADDetector_OnsetNeedsConsecutiveFrames(t *testing.T) {
	vad := NewVADDetector(&VADConfig{EnergyThreshold: 500, OnsetFrames: 3, SilenceFrames: 10})
	loud := constantSamples(5000)

	for i := 0; i < 2; i++ {
		isSpeaking, started, _ := vad.ProcessFrame(loud)
		if isSpeaking || started {
			t.Fatalf("Expected no speech before onset on frame %d", i)
		}
	}
	isSpeaking, started, _ := vad.ProcessFrame(loud)
	if !isSpeaking || !started {
		t.Error("Expected speech to start on third voiced frame")
	}

	// Further voiced frames do not report a second start.
	_, started, _ = vad.ProcessFrame(loud)
	if started {
		t.Error("Expected a single start edge")
	}
}

func TestVADDetector_TransientResetsOnset(t *testing.T) {
	vad := NewVADDetector(&VADConfig{EnergyThreshold: 500, OnsetFrames: 2, SilenceFrames: 10})

	vad.ProcessFrame(constantSamples(5000))
	vad.ProcessFrame(constantSamples(10))
	isSpeaking, _, _ := vad.ProcessFrame(constantSamples(5000))
	if isSpeaking {
		t.Error("Expected a single-frame burst separated by silence not to count as speech")
	}
}

func TestVADDetector_Silence(t *testing.T) {
	vad := NewVADDetector(nil)
	quiet := constantSamples(10)

	for i := 0; i < 15; i++ {
		isSpeaking, _, _ := vad.ProcessFrame(quiet)
		if isSpeaking {
			t.Errorf("Expected silence on frame %d", i)
		}
	}
}

func TestVADDetector_SpeechToSilence(t *testing.T) {
	vad := NewVADDetector(&VADConfig{EnergyThreshold: 500, OnsetFrames: 1, SilenceFrames: 10})

	for i := 0; i < 5; i++ {
		vad.ProcessFrame(constantSamples(5000))
	}
	if !vad.IsSpeaking() {
		t.Fatal("Expected speech to be detected")
	}

	speechEnded := false
	for i := 0; i < 15; i++ {
		if _, _, ended := vad.ProcessFrame(constantSamples(10)); ended {
			speechEnded = true
			if i != 9 {
				t.Errorf("Expected speech to end on 10th quiet frame, ended on %d", i+1)
			}
			break
		}
	}
	if !speechEnded {
		t.Error("Expected speech to end after silence frames")
	}
}

func TestVADDetector_ProcessMulaw(t *testing.T) {
	vad := NewVADDetector(&VADConfig{EnergyThreshold: 500, OnsetFrames: 1, SilenceFrames: 10})

	var loud Frame
	copy(loud[:], EncodeMulaw(constantSamples(8000)))
	if _, started, _ := vad.ProcessMulaw(loud); !started {
		t.Error("Expected loud μ-law frame to start speech")
	}

	vad.Reset()
	var quiet Frame
	for i := range quiet {
		quiet[i] = MulawSilence
	}
	if isSpeaking, _, _ := vad.ProcessMulaw(quiet); isSpeaking {
		t.Error("Expected μ-law silence frame not to be speech")
	}
}

func TestVADDetector_Reset(t *testing.T) {
	vad := NewVADDetector(&VADConfig{EnergyThreshold: 500, OnsetFrames: 1, SilenceFrames: 10})
	vad.ProcessFrame(constantSamples(5000))
	if !vad.IsSpeaking() {
		t.Fatal("Expected speech to be detected")
	}

	vad.Reset()
	if vad.IsSpeaking() {
		t.Error("Expected speech state to be false after reset")
	}
}

func TestDefaultVADConfig(t *testing.T) {
	config := DefaultVADConfig()
	if config.EnergyThreshold != 500.0 {
		t.Errorf("Expected default EnergyThreshold 500.0, got %f", config.EnergyThreshold)
	}
	if config.OnsetFrames != 2 {
		t.Errorf("Expected default OnsetFrames 2, got %d", config.OnsetFrames)
	}
	if config.SilenceFrames != 10 {
		t.Errorf("Expected default SilenceFrames 10, got %d", config.SilenceFrames)
	}
}
