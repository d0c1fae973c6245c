package capture

import "time"

// Utterance is one captured speech span ready for transmission.
type Utterance struct {
	// ID is a random identifier used to correlate logs and metrics.
	ID string

	// Format is the container/codec identity of Blob.
	Format string

	// Chunks are the non-empty encoded chunks in arrival order.
	Chunks [][]byte

	// Blob is the concatenation of Chunks.
	Blob []byte

	// Frames is the number of analysis frames captured, pre-roll included.
	Frames int

	// FirstSeq and LastSeq bound the captured frame sequence numbers.
	FirstSeq, LastSeq uint64

	// Duration is the audio length covered by Frames.
	Duration time.Duration

	// StartedAt and EndedAt are wall-clock capture boundaries.
	StartedAt, EndedAt time.Time

	// Reason says what ended the capture ("silence", "max_utterance", "stop").
	Reason string
}

// Encoder accumulates opaque encoded chunks for one utterance. It neither
// validates nor re-encodes them.
type Encoder struct {
	format string
	chunks [][]byte
	size   int
}

// NewEncoder returns an empty Encoder tagging its output with format.
func NewEncoder(format string) *Encoder {
	return &Encoder{format: format}
}

// Append adds chunk. Empty chunks are dropped and reported as false.
func (e *Encoder) Append(chunk []byte) bool {
	if len(chunk) == 0 {
		return false
	}
	e.chunks = append(e.chunks, chunk)
	e.size += len(chunk)
	return true
}

// Len returns the number of accumulated chunks.
func (e *Encoder) Len() int { return len(e.chunks) }

// Size returns the accumulated byte count.
func (e *Encoder) Size() int { return e.size }

// Format returns the identity attached to finalized blobs.
func (e *Encoder) Format() string { return e.format }

// Finalize concatenates the chunks in arrival order and resets the encoder.
func (e *Encoder) Finalize() (blob []byte, chunks [][]byte) {
	blob = make([]byte, 0, e.size)
	for _, c := range e.chunks {
		blob = append(blob, c...)
	}
	chunks = e.chunks
	e.chunks = nil
	e.size = 0
	return blob, chunks
}

// Discard drops everything accumulated so far.
func (e *Encoder) Discard() {
	e.chunks = nil
	e.size = 0
}
