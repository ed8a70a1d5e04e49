package utils

import (
	"math/rand"
	"sync"
	"time"
)

// RandSource is a thread-safe seeded random number generator
type RandSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandSource creates a new random source with the given seed. A zero seed
// picks one from the clock.
func NewRandSource(seed int64) *RandSource {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandSource{
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Float64 returns a random float64 in [0.0, 1.0)
func (r *RandSource) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

// NormFloat64 returns a normally distributed random number with mean and stddev
func (r *RandSource) NormFloat64(mean, stddev float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.NormFloat64()*stddev + mean
}

// ComplexNoise returns a complex sample whose real and imaginary parts are
// independent zero-mean gaussians with the given sigma.
func (r *RandSource) ComplexNoise(sigma float64) complex128 {
	if sigma == 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return complex(r.rng.NormFloat64()*sigma, r.rng.NormFloat64()*sigma)
}
