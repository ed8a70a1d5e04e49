package utils

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/stat"
)

func TestRandSourceFloat64(t *testing.T) {
	rng := NewRandSource(12345)

	for i := 0; i < 100; i++ {
		val := rng.Float64()
		if val < 0 || val >= 1.0 {
			t.Errorf("Float64() returned value outside [0, 1): %f", val)
		}
	}
}

func TestRandSourceDeterministic(t *testing.T) {
	a := NewRandSource(42)
	b := NewRandSource(42)
	for i := 0; i < 20; i++ {
		if a.ComplexNoise(0.5) != b.ComplexNoise(0.5) {
			t.Fatalf("sample %d differs for identical seeds", i)
		}
	}
}

func TestRandSourceNormFloat64(t *testing.T) {
	rng := NewRandSource(12345)
	mean := 10.0
	stddev := 2.0

	samples := make([]float64, 5000)
	for i := range samples {
		samples[i] = rng.NormFloat64(mean, stddev)
	}

	if got := Mean(samples); math.Abs(got-mean) > 0.2 {
		t.Errorf("mean %f too far from %f", got, mean)
	}
	if got := stat.PopStdDev(samples, nil); math.Abs(got-stddev) > 0.2 {
		t.Errorf("stddev %f too far from %f", got, stddev)
	}
}

func TestComplexNoiseZeroSigma(t *testing.T) {
	rng := NewRandSource(1)
	if v := rng.ComplexNoise(0); v != 0 {
		t.Errorf("expected zero noise, got %v", v)
	}
}
