package audio

import "time"

// FrameBytes is the size of one telephony frame: 20ms of μ-law audio at 8kHz.
const FrameBytes = SampleRate * int(FrameDuration/time.Millisecond) / 1000

// FrameDuration is the playout time of a single Frame.
const FrameDuration = 20 * time.Millisecond

// Frame is one 20ms unit of companded audio. It is a value type; copies are
// independent and a Frame never changes once built.
type Frame [FrameBytes]byte

// Bytes returns the frame contents as a fresh slice.
func (f Frame) Bytes() []byte {
	b := make([]byte, FrameBytes)
	copy(b, f[:])
	return b
}

// FrameFrom builds a Frame from exactly FrameBytes bytes.
func FrameFrom(b []byte) (Frame, bool) {
	var f Frame
	if len(b) != FrameBytes {
		return f, false
	}
	copy(f[:], b)
	return f, true
}

// Chunker splits a μ-law byte stream into whole frames. A trailing partial
// frame is held back and completed by the next call to Chunk.
//
// A Chunker belongs to a single producer and is not safe for concurrent use.
type Chunker struct {
	pending []byte
}

// NewChunker creates an empty chunker.
func NewChunker() *Chunker {
	return &Chunker{pending: make([]byte, 0, FrameBytes)}
}

// Chunk appends data to the carried remainder and returns every complete frame.
func (c *Chunker) Chunk(data []byte) []Frame {
	if len(data) == 0 {
		return nil
	}

	total := len(c.pending) + len(data)
	out := make([]Frame, 0, total/FrameBytes)

	// Complete the carried partial frame first.
	if len(c.pending) > 0 {
		need := FrameBytes - len(c.pending)
		if len(data) < need {
			c.pending = append(c.pending, data...)
			return out
		}
		var f Frame
		copy(f[:], c.pending)
		copy(f[len(c.pending):], data[:need])
		out = append(out, f)
		data = data[need:]
		c.pending = c.pending[:0]
	}

	for len(data) >= FrameBytes {
		var f Frame
		copy(f[:], data[:FrameBytes])
		out = append(out, f)
		data = data[FrameBytes:]
	}

	c.pending = append(c.pending, data...)
	return out
}

// Pending returns the number of carried bytes waiting for the next Chunk.
func (c *Chunker) Pending() int {
	return len(c.pending)
}

// Reset discards the carried remainder. Used on barge-in so a partial frame
// from a canceled response never leaks into the next one.
func (c *Chunker) Reset() {
	c.pending = c.pending[:0]
}
