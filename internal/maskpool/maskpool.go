// Package maskpool provides the per-step arena of token mask buffers handed
// out to concurrent mask computations.
package maskpool

import (
	"errors"
	"sync/atomic"

	"github.com/seantiz/guidance/internal/toktrie"
)

// ErrExhausted is returned when a step asks for more buffers than the pool holds.
var ErrExhausted = errors.New("mask pool exhausted")

// Allocator is a fixed-capacity arena of vocabulary-sized masks. Allocate is
// safe for concurrent use; Reset must not run concurrently with Allocate and
// invalidates every buffer handed out since the previous Reset.
type Allocator struct {
	words    int
	capacity int
	buf      []uint32
	next     atomic.Int64
}

// New allocates room for capacity masks over a vocabulary of vocabSize tokens.
func New(vocabSize, capacity int) *Allocator {
	words := toktrie.Words(vocabSize)
	return &Allocator{
		words:    words,
		capacity: capacity,
		buf:      make([]uint32, words*capacity),
	}
}

// Reset makes the whole arena available again.
func (a *Allocator) Reset() {
	a.next.Store(0)
}

// Allocate returns a zeroed buffer disjoint from every other buffer handed
// out since the last Reset.
func (a *Allocator) Allocate() ([]uint32, error) {
	i := int(a.next.Add(1) - 1)
	if i >= a.capacity {
		return nil, ErrExhausted
	}
	lo, hi := i*a.words, (i+1)*a.words
	m := a.buf[lo:hi:hi]
	clear(m)
	return m, nil
}

// Words returns the length of each buffer.
func (a *Allocator) Words() int {
	return a.words
}

// Capacity returns the number of buffers per step.
func (a *Allocator) Capacity() int {
	return a.capacity
}
