package audio

import "math"

// Telephony wire format: G.711 PCMU (μ-law), 8kHz mono, one byte per sample.
const (
	SampleRate = 8000

	// MulawSilence is the μ-law encoding of a zero sample.
	MulawSilence byte = 0xFF
)

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// Lookup tables are built once at process start and only read afterwards,
// so the codec functions are safe to call from any goroutine.
var (
	mulawDecodeTable [256]int16
	mulawExpTable    [256]byte
)

func init() {
	for i := 1; i < 256; i++ {
		exp := byte(0)
		for v := i >> 1; v > 0; v >>= 1 {
			exp++
		}
		mulawExpTable[i] = exp
	}
	for i := 0; i < 256; i++ {
		mulawDecodeTable[i] = mulawToLinear(byte(i))
	}
}

// DecodeMulaw converts μ-law wire bytes to 16-bit linear PCM samples.
func DecodeMulaw(wire []byte) []int16 {
	samples := make([]int16, len(wire))
	for i, b := range wire {
		samples[i] = mulawDecodeTable[b]
	}
	return samples
}

// EncodeMulaw converts 16-bit linear PCM samples to μ-law wire bytes.
func EncodeMulaw(samples []int16) []byte {
	wire := make([]byte, len(samples))
	for i, s := range samples {
		wire[i] = linearToMulaw(s)
	}
	return wire
}

// linearToMulaw encodes one 16-bit sample (ITU-T G.711).
func linearToMulaw(sample int16) byte {
	s := int32(sample)
	var sign byte
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := mulawExpTable[(s>>7)&0xFF]
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// mulawToLinear decodes one μ-law byte to a 16-bit sample.
func mulawToLinear(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := int32((b >> 4) & 0x07)
	mantissa := int32(b & 0x0F)

	magnitude := ((mantissa << 3) + mulawBias) << exponent
	magnitude -= mulawBias
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// CalculateRMS calculates the root mean square (RMS) of audio samples.
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
