// Package random provides the draw source for games and work payouts.
package random

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// Source draws uniform integers.
type Source interface {
	// IntN returns a value in [0, n). It panics if n <= 0.
	IntN(n int) int
}

// NewSeed generates a random seed using crypto/rand.
func NewSeed() (uint64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// Locked is a PCG generator safe for concurrent use.
type Locked struct {
	mu sync.Mutex
	r  *rand.Rand
}

// New returns a generator seeded from crypto/rand.
func New() (*Locked, error) {
	s1, err := NewSeed()
	if err != nil {
		return nil, err
	}
	s2, err := NewSeed()
	if err != nil {
		return nil, err
	}
	return NewSeeded(s1, s2), nil
}

// Default returns a crypto-seeded generator, falling back to the clock when
// the system entropy source is unavailable.
func Default() *Locked {
	if r, err := New(); err == nil {
		return r
	}
	return NewSeeded(uint64(time.Now().UnixNano()), 0)
}

// NewSeeded returns a deterministic generator for replay and tests.
func NewSeeded(seed1, seed2 uint64) *Locked {
	return &Locked{r: rand.New(rand.NewPCG(seed1, seed2))}
}

func (l *Locked) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}

// Fixed replays a fixed sequence of draws, each taken modulo n. It is meant
// for tests that need a specific outcome.
type Fixed struct {
	mu     sync.Mutex
	values []int
	next   int
}

// NewFixed returns a Source that cycles through values.
func NewFixed(values ...int) *Fixed {
	return &Fixed{values: values}
}

func (f *Fixed) IntN(n int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.values) == 0 {
		return 0
	}
	v := f.values[f.next%len(f.values)]
	f.next++
	return ((v % n) + n) % n
}
