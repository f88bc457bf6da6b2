package rng

import (
	"math"
	"sync"
	"testing"
)

func TestNormal_KnownValues(t *testing.T) {
	// u1 = e^-0.5 gives sqrt(-2 ln u1) = 1; u2 = 0 gives cos(0) = 1.
	src := NewSequence(math.Exp(-0.5), 0)
	if got := Normal(src); math.Abs(got-1) > 1e-12 {
		t.Errorf("expected 1, got %v", got)
	}

	// u2 = 0.25 gives cos(pi/2) = 0.
	src = NewSequence(0.3, 0.25)
	if got := Normal(src); math.Abs(got) > 1e-12 {
		t.Errorf("expected 0, got %v", got)
	}
}

func TestNormal_ZeroUniformIsFinite(t *testing.T) {
	src := NewSequence(0, 0)
	got := Normal(src)
	if math.IsInf(got, 0) || math.IsNaN(got) {
		t.Fatalf("expected finite value, got %v", got)
	}
}

func TestNormal_Moments(t *testing.T) {
	src := NewLocked(42)
	const n = 200000
	var sum, sumSq float64
	for i := 0; i < n; i++ {
		z := Normal(src)
		sum += z
		sumSq += z * z
	}
	mean := sum / n
	variance := sumSq/n - mean*mean
	if math.Abs(mean) > 0.02 {
		t.Errorf("mean should be ≈ 0, got %v", mean)
	}
	if math.Abs(variance-1) > 0.02 {
		t.Errorf("variance should be ≈ 1, got %v", variance)
	}
}

func TestUniform(t *testing.T) {
	tests := []struct {
		u, lo, hi, want float64
	}{
		{0, 2, 4, 2},
		{0.5, 2, 4, 3},
		{0.5, -0.5, -0.3, -0.4},
		{0.5, -0.5, -0.75, -0.625},
	}
	for _, tt := range tests {
		got := Uniform(NewSequence(tt.u), tt.lo, tt.hi)
		if math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("Uniform(%v, %v, %v) = %v, want %v", tt.u, tt.lo, tt.hi, got, tt.want)
		}
	}
}

func TestLocked_SeedIsDeterministic(t *testing.T) {
	a, b := NewLocked(7), NewLocked(7)
	for i := 0; i < 10; i++ {
		if a.Float64() != b.Float64() {
			t.Fatal("same seed should yield same sequence")
		}
	}
}

func TestLocked_ConcurrentUse(t *testing.T) {
	src := NewLocked(1)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if v := src.Float64(); v < 0 || v >= 1 {
					t.Errorf("out of range: %v", v)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestSequence_Wraps(t *testing.T) {
	s := NewSequence(0.1, 0.2)
	got := []float64{s.Float64(), s.Float64(), s.Float64()}
	want := []float64{0.1, 0.2, 0.1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %v, want %v", i, got[i], want[i])
		}
	}
}
