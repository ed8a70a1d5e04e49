// Package lsq accumulates weighted least-squares equations into normal
// equations and solves damped linearized update steps.
package lsq

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrShape is returned when rows or accumulators disagree on the unknown count
var ErrShape = errors.New("normal equation shape mismatch")

// rcond is the relative singular value cutoff used to determine rank
const rcond = 1e-12

// NormalEquations accumulates A^T W A (Matrix, row-major n×n) and A^T W r
// (Vector) for n unknowns. Accumulation is a plain sum so contributions may
// arrive in any order.
type NormalEquations struct {
	N      int
	Matrix []float64
	Vector []float64
	Count  int
	ChiSq  float64
}

// New creates an empty accumulator for n unknowns
func New(n int) *NormalEquations {
	return &NormalEquations{
		N:      n,
		Matrix: make([]float64, n*n),
		Vector: make([]float64, n),
	}
}

// Reset zeroes the accumulator for the next iteration
func (ne *NormalEquations) Reset() {
	for i := range ne.Matrix {
		ne.Matrix[i] = 0
	}
	for i := range ne.Vector {
		ne.Vector[i] = 0
	}
	ne.Count = 0
	ne.ChiSq = 0
}

// AddRow adds one sparse equation: sum_k values[k]*x[indices[k]] = residual.
func (ne *NormalEquations) AddRow(indices []int, values []float64, residual, weight float64) error {
	if len(indices) != len(values) {
		return fmt.Errorf("row has %d indices and %d values: %w", len(indices), len(values), ErrShape)
	}
	for _, i := range indices {
		if i < 0 || i >= ne.N {
			return fmt.Errorf("column %d outside %d unknowns: %w", i, ne.N, ErrShape)
		}
	}
	for a, i := range indices {
		wv := weight * values[a]
		row := ne.Matrix[i*ne.N:]
		for b, j := range indices {
			row[j] += wv * values[b]
		}
		ne.Vector[i] += wv * residual
	}
	ne.Count++
	ne.ChiSq += weight * residual * residual
	return nil
}

// Merge adds o into ne
func (ne *NormalEquations) Merge(o *NormalEquations) error {
	if o.N != ne.N {
		return fmt.Errorf("merge %d unknowns into %d: %w", o.N, ne.N, ErrShape)
	}
	floats.Add(ne.Matrix, o.Matrix)
	floats.Add(ne.Vector, o.Vector)
	ne.Count += o.Count
	ne.ChiSq += o.ChiSq
	return nil
}

// Clone returns a deep copy
func (ne *NormalEquations) Clone() *NormalEquations {
	out := *ne
	out.Matrix = append([]float64(nil), ne.Matrix...)
	out.Vector = append([]float64(nil), ne.Vector...)
	return &out
}

// Step is the outcome of one damped solve.
type Step struct {
	Update   []float64
	Rank     int
	Singular bool
}

// Solve computes the update Δ from (N + lambda·diag(N)) Δ = b. A Cholesky
// factorization is tried first; rank deficient systems fall back to a
// truncated SVD that leaves unreachable unknowns at zero.
func (ne *NormalEquations) Solve(lambda float64) Step {
	n := ne.N
	step := Step{Update: make([]float64, n)}
	if n == 0 || ne.Count == 0 {
		step.Singular = n > 0
		return step
	}

	data := make([]float64, n*n)
	copy(data, ne.Matrix)
	for i := 0; i < n; i++ {
		data[i*n+i] *= 1 + lambda
	}
	a := mat.NewSymDense(n, data)
	b := mat.NewVecDense(n, append([]float64(nil), ne.Vector...))

	var chol mat.Cholesky
	if chol.Factorize(a) {
		var x mat.VecDense
		if err := chol.SolveVecTo(&x, b); err == nil {
			for i := 0; i < n; i++ {
				step.Update[i] = x.AtVec(i)
			}
			if finite(step.Update) {
				step.Rank = n
				return step
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		step.Singular = true
		return step
	}
	rank := svd.Rank(rcond)
	step.Rank = rank
	step.Singular = rank < n
	if rank == 0 {
		return step
	}
	var x mat.VecDense
	svd.SolveVecTo(&x, b, rank)
	for i := 0; i < n; i++ {
		step.Update[i] = x.AtVec(i)
	}
	return step
}

// ResidualNorm returns the weighted RMS residual of the accumulated rows
func (ne *NormalEquations) ResidualNorm() float64 {
	if ne.Count == 0 {
		return 0
	}
	return math.Sqrt(ne.ChiSq / float64(ne.Count))
}

func finite(vs []float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
