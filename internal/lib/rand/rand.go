// Package rand provides a time-seeded source of pseudo-randomness that is
// safe for concurrent use.
package rand

import (
	mathrand "math/rand"
	"sync"
	"time"
)

// Seeded is a pseudo-random number generator seeded at construction time.
// Unlike a bare *math/rand.Rand, it may be shared across goroutines.
type Seeded struct {
	mu  sync.Mutex
	rng *mathrand.Rand
}

// NewSeeded returns a new time-seeded generator.
func NewSeeded() *Seeded {
	return &Seeded{
		rng: mathrand.New(mathrand.NewSource(time.Now().UnixNano())),
	}
}

// Float64 returns a pseudo-random number in [0.0, 1.0).
func (s *Seeded) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// Intn returns a pseudo-random number in [0, n).
func (s *Seeded) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}
