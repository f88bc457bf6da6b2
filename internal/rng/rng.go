// Package rng provides the per-process random source and the distributions
// the simulation draws from.
package rng

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Source yields uniform values in [0, 1).
type Source interface {
	Float64() float64
}

// Locked is a Source safe for concurrent use.
type Locked struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewLocked seeds a new source. A zero seed uses the current time.
func NewLocked(seed int64) *Locked {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Locked{rnd: rand.New(rand.NewSource(seed))}
}

func (l *Locked) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rnd.Float64()
}

// Normal returns a standard normal variate using the Box–Muller transform.
func Normal(src Source) float64 {
	u1 := src.Float64()
	u2 := src.Float64()
	if u1 <= 0 {
		u1 = math.SmallestNonzeroFloat64
	}
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

// Uniform returns a value in [lo, hi). lo may be greater than hi.
func Uniform(src Source, lo, hi float64) float64 {
	return lo + src.Float64()*(hi-lo)
}

// Sequence replays a fixed list of values, wrapping around at the end.
// Not safe for concurrent use.
type Sequence struct {
	values []float64
	next   int
}

// NewSequence returns a Sequence over values. It panics on an empty list.
func NewSequence(values ...float64) *Sequence {
	if len(values) == 0 {
		panic("rng: empty sequence")
	}
	return &Sequence{values: values}
}

func (s *Sequence) Float64() float64 {
	v := s.values[s.next]
	s.next = (s.next + 1) % len(s.values)
	return v
}
