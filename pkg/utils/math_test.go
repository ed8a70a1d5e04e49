package utils

import (
	"math"
	"testing"
)

func TestMean(t *testing.T) {
	if got := Mean([]float64{2, 4, 4, 4, 5, 5, 7, 9}); got != 5 {
		t.Errorf("Mean = %f, want 5", got)
	}
	if Mean(nil) != 0 {
		t.Error("empty input should give zero")
	}
}

func TestPercentile(t *testing.T) {
	values := []float64{5, 1, 4, 2, 3}

	tests := []struct {
		p    float64
		want float64
	}{
		{0, 1},
		{50, 3},
		{100, 5},
		{25, 2},
		{90, 4.6},
	}
	for _, tt := range tests {
		if got := Percentile(values, tt.p); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("Percentile(%v) = %f, want %f", tt.p, got, tt.want)
		}
	}
	if P50(values) != 3 {
		t.Errorf("P50 = %f", P50(values))
	}
	if values[0] != 5 {
		t.Error("Percentile must not reorder its input")
	}
}

func TestNearlyEqual(t *testing.T) {
	tests := []struct {
		a, b, tol float64
		want      bool
	}{
		{1, 1, 0, true},
		{1, 1 + 1e-10, 1e-9, true},
		{1e6, 1e6 + 1, 1e-5, true},
		{1, 1.1, 1e-3, false},
	}
	for _, tt := range tests {
		if got := NearlyEqual(tt.a, tt.b, tt.tol); got != tt.want {
			t.Errorf("NearlyEqual(%v, %v, %v) = %v", tt.a, tt.b, tt.tol, got)
		}
	}
}
