package audio

// VADConfig tunes the local energy detector used to confirm caller speech
// onsets reported by the upstream session.
type VADConfig struct {
	EnergyThreshold float64 // RMS above this counts as a voiced frame
	OnsetFrames     int     // consecutive voiced frames before speech is declared
	SilenceFrames   int     // consecutive quiet frames before speech is declared over
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		OnsetFrames:     2,  // 40ms
		SilenceFrames:   10, // 200ms
	}
}

// VADDetector is a per-call energy VAD over 20ms caller frames. It is owned
// by the inbound reader and must not be shared across goroutines.
type VADDetector struct {
	config         *VADConfig
	voicedCounter  int
	silenceCounter int
	isSpeaking     bool
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	if config.OnsetFrames < 1 {
		config.OnsetFrames = 1
	}
	return &VADDetector{config: config}
}

// ProcessMulaw decodes a wire frame and feeds it to ProcessFrame.
func (v *VADDetector) ProcessMulaw(f Frame) (bool, bool, bool) {
	return v.ProcessFrame(DecodeMulaw(f[:]))
}

// ProcessFrame processes an audio frame and returns whether speech is detected
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []int16) (bool, bool, bool) {
	voiced := CalculateRMS(samples) > v.config.EnergyThreshold

	var speechStarted, speechEnded bool

	if voiced {
		v.silenceCounter = 0
		v.voicedCounter++
		if !v.isSpeaking && v.voicedCounter >= v.config.OnsetFrames {
			speechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.voicedCounter = 0
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			speechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.voicedCounter = 0
	v.silenceCounter = 0
	v.isSpeaking = false
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}
