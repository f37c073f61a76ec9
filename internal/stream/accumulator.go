package stream

// Accumulator buffers decoded audio frames for one session until a window's
// worth of bytes is available. It is owned by a single session goroutine and
// is not safe for concurrent use.
type Accumulator struct {
	threshold int
	frames    [][]byte
	size      int
}

// NewAccumulator returns an accumulator that emits once at least threshold
// bytes are buffered. threshold is fixed for the accumulator's lifetime.
func NewAccumulator(threshold int) *Accumulator {
	if threshold < 1 {
		threshold = 1
	}
	return &Accumulator{threshold: threshold}
}

// Add appends frame. When the buffered total reaches the threshold it
// returns the concatenation of every buffered frame in arrival order and
// clears the buffer. The returned window may exceed the threshold; the
// excess belongs to the window, never to the next one.
func (a *Accumulator) Add(frame []byte) ([]byte, bool) {
	if len(frame) == 0 {
		return nil, false
	}
	a.frames = append(a.frames, frame)
	a.size += len(frame)
	if a.size < a.threshold {
		return nil, false
	}

	window := make([]byte, 0, a.size)
	for _, f := range a.frames {
		window = append(window, f...)
	}
	clear(a.frames)
	a.frames = a.frames[:0]
	a.size = 0
	return window, true
}

// Buffered returns the number of bytes waiting for the next window.
func (a *Accumulator) Buffered() int { return a.size }

// Threshold returns the configured window size in bytes.
func (a *Accumulator) Threshold() int { return a.threshold }

// Discard drops the partial buffer and returns how many bytes were dropped.
// Partial windows are never classified.
func (a *Accumulator) Discard() int {
	n := a.size
	clear(a.frames)
	a.frames = a.frames[:0]
	a.size = 0
	return n
}
