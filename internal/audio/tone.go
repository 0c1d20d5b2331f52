package audio

import (
	"math"
	"time"
)

// ToneConfig describes the comfort chime played while the assistant is busy.
type ToneConfig struct {
	FirstHz   float64       // pitch of the first note
	SecondHz  float64       // pitch of the second note
	NoteLen   time.Duration // length of each note, rounded up to whole frames
	Gap       time.Duration // silence between the notes
	Amplitude float64       // peak amplitude, 0..1 of full scale
}

// DefaultToneConfig returns a soft two-note chime.
func DefaultToneConfig() ToneConfig {
	return ToneConfig{
		FirstHz:   660,
		SecondHz:  880,
		NoteLen:   120 * time.Millisecond,
		Gap:       40 * time.Millisecond,
		Amplitude: 0.12,
	}
}

// Tone is a precomputed sequence of μ-law frames. It is built once at
// process start and shared read-only by every call.
type Tone struct {
	frames []Frame
}

// NewThinkingTone renders cfg into frames.
func NewThinkingTone(cfg ToneConfig) *Tone {
	def := DefaultToneConfig()
	if cfg.FirstHz <= 0 {
		cfg.FirstHz = def.FirstHz
	}
	if cfg.SecondHz <= 0 {
		cfg.SecondHz = def.SecondHz
	}
	if cfg.NoteLen <= 0 {
		cfg.NoteLen = def.NoteLen
	}
	if cfg.Gap < 0 {
		cfg.Gap = 0
	}
	if cfg.Amplitude <= 0 || cfg.Amplitude > 1 {
		cfg.Amplitude = def.Amplitude
	}

	var pcm []int16
	pcm = append(pcm, renderNote(cfg.FirstHz, cfg.NoteLen, cfg.Amplitude)...)
	pcm = append(pcm, make([]int16, samplesFor(cfg.Gap))...)
	pcm = append(pcm, renderNote(cfg.SecondHz, cfg.NoteLen, cfg.Amplitude)...)

	// Pad with silence to a whole number of frames.
	if rem := len(pcm) % FrameBytes; rem != 0 {
		pcm = append(pcm, make([]int16, FrameBytes-rem)...)
	}

	wire := EncodeMulaw(pcm)
	frames := make([]Frame, 0, len(wire)/FrameBytes)
	for off := 0; off < len(wire); off += FrameBytes {
		var f Frame
		copy(f[:], wire[off:off+FrameBytes])
		frames = append(frames, f)
	}
	return &Tone{frames: frames}
}

// Len returns the number of frames in one burst of the tone.
func (t *Tone) Len() int {
	return len(t.frames)
}

// Duration returns the playout time of one burst.
func (t *Tone) Duration() time.Duration {
	return time.Duration(len(t.frames)) * FrameDuration
}

// Frames returns a copy of the burst, safe for the caller to keep.
func (t *Tone) Frames() []Frame {
	out := make([]Frame, len(t.frames))
	copy(out, t.frames)
	return out
}

func samplesFor(d time.Duration) int {
	return int(d * SampleRate / time.Second)
}

// renderNote produces a sine burst with a short linear fade at both ends so
// note boundaries do not click.
func renderNote(hz float64, d time.Duration, amplitude float64) []int16 {
	n := samplesFor(d)
	fade := samplesFor(10 * time.Millisecond)
	if fade*2 > n {
		fade = n / 2
	}
	peak := amplitude * math.MaxInt16

	out := make([]int16, n)
	for i := 0; i < n; i++ {
		env := 1.0
		switch {
		case i < fade:
			env = float64(i) / float64(fade)
		case i >= n-fade:
			env = float64(n-1-i) / float64(fade)
		}
		v := peak * env * math.Sin(2*math.Pi*hz*float64(i)/SampleRate)
		out[i] = int16(v)
	}
	return out
}
