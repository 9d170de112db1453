package jitter

import "sync"

// Buffer smooths variable arrival timing of network audio into the steady
// pull rate of an audio output callback.
//
// Arriving samples are appended with Push. The output stage drains the
// buffer with Pull at the hardware clock rate; when fewer samples are
// buffered than requested, the remainder of the pull is filled with
// silence rather than blocking. Underrun is silent, never fatal.
//
// The critical section is a bounded copy, safe to enter from a real-time
// pull callback. Arrival order is assumed to equal play order; reordering
// is the transport layer's problem, not this stage's.
type Buffer struct {
	mu      sync.Mutex
	pending []int16
	head    int
}

// New returns an empty Buffer. capacityHint sizes the initial backing
// store and may be zero.
func New(capacityHint int) *Buffer {
	return &Buffer{
		pending: make([]int16, 0, capacityHint),
	}
}

// Push appends arriving samples to the tail of the buffer.
//
// Growth is unbounded by design: the upstream transport is rate-limited
// to approximately real time, so the buffer holds at most a few frames
// of scheduling jitter.
func (b *Buffer) Push(samples []int16) {
	if len(samples) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	// Reclaim the consumed head before growing the tail.
	if b.head > 0 && b.head == len(b.pending) {
		b.pending = b.pending[:0]
		b.head = 0
	} else if b.head > len(b.pending)/2 {
		n := copy(b.pending, b.pending[b.head:])
		b.pending = b.pending[:n]
		b.head = 0
	}
	b.pending = append(b.pending, samples...)
}

// Pull copies up to len(out) buffered samples into out and zero-fills
// whatever remains. It returns the number of real samples copied.
func (b *Buffer) Pull(out []int16) int {
	b.mu.Lock()
	n := copy(out, b.pending[b.head:])
	b.head += n
	b.mu.Unlock()

	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	return n
}

// Buffered reports the number of samples waiting to be pulled.
func (b *Buffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) - b.head
}

// Reset discards all buffered samples, for use when a stream is torn
// down and a new producer takes over.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = b.pending[:0]
	b.head = 0
}
