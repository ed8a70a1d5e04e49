package models

import (
	"fmt"
)

// Role identifies what a worker does in a calibration run
type Role string

const (
	RoleKernel     Role = "kernel"
	RoleSolver     Role = "solver"
	RoleController Role = "controller"
)

// Valid reports whether the role can register with a controller
func (r Role) Valid() bool {
	return r == RoleKernel || r == RoleSolver
}

// Readiness is the per-cell outcome of one solve iteration.
type Readiness uint8

const (
	ReadinessNonReady Readiness = iota
	ReadinessConverged
	ReadinessFailed
)

func (r Readiness) String() string {
	switch r {
	case ReadinessConverged:
		return "converged"
	case ReadinessFailed:
		return "failed"
	default:
		return "needs-another-iteration"
	}
}

// Baseline is an ordered sensor pair (P < Q) by station index.
type Baseline struct {
	P int `json:"p" yaml:"p"`
	Q int `json:"q" yaml:"q"`
}

func (b Baseline) String() string {
	return fmt.Sprintf("%d-%d", b.P, b.Q)
}

// CrossBaselines returns all P<Q pairs over the given station indices in
// ascending order.
func CrossBaselines(stations []int) []Baseline {
	out := make([]Baseline, 0, len(stations)*(len(stations)-1)/2)
	for i := 0; i < len(stations); i++ {
		for j := i + 1; j < len(stations); j++ {
			p, q := stations[i], stations[j]
			if p > q {
				p, q = q, p
			}
			out = append(out, Baseline{P: p, Q: q})
		}
	}
	return out
}

// CellSolution carries the solved coefficient vector of one solve cell and
// its diagnostics.
type CellSolution struct {
	CellID       int       `json:"cell_id"`
	Coeffs       []float64 `json:"coeffs"`
	Rank         int       `json:"rank"`
	ChiSq        float64   `json:"chi_sq"`
	ResidualNorm float64   `json:"residual_norm"`
	Iteration    int       `json:"iteration"`
	Readiness    Readiness `json:"readiness"`
}

// Clone returns a deep copy
func (s CellSolution) Clone() CellSolution {
	out := s
	out.Coeffs = append([]float64(nil), s.Coeffs...)
	return out
}

// WorkerRegistration announces a worker to the controller.
type WorkerRegistration struct {
	WorkerID  string   `json:"worker_id"`
	Name      string   `json:"name"`
	Role      Role     `json:"role"`
	FreqStart float64  `json:"freq_start"`
	FreqEnd   float64  `json:"freq_end"`
	Stations  []string `json:"stations,omitempty"`
}

// SolveGrid splits an observation grid into solve cells along time. Every
// solve cell spans the full observed band and CellSize time slots (the last
// cell may be shorter).
type SolveGrid struct {
	Data     Grid
	CellSize int
}

// NCells returns the number of solve cells
func (s SolveGrid) NCells() int {
	if s.CellSize <= 0 {
		return 0
	}
	return (s.Data.Time.Count + s.CellSize - 1) / s.CellSize
}

// CellDomain resolves a cell id back to its domain
func (s SolveGrid) CellDomain(id int) (Domain, error) {
	if id < 0 || id >= s.NCells() {
		return Domain{}, fmt.Errorf("cell %d outside solve grid of %d cells", id, s.NCells())
	}
	t := s.Data.Time.Slice(id*s.CellSize, s.CellSize)
	return Domain{
		StartFreq: s.Data.Freq.Start,
		EndFreq:   s.Data.Freq.End(),
		StartTime: t.Start,
		EndTime:   t.End(),
	}, nil
}

// Chunk is a contiguous run of solve cells processed as one unit.
type Chunk struct {
	Index     int
	FirstCell int
	CellCount int
	Domain    Domain
}

// Chunks walks the solve grid in fixed-size chunks; the final chunk may be shorter.
func (s SolveGrid) Chunks(chunkSize int) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	n := s.NCells()
	chunks := make([]Chunk, 0, (n+chunkSize-1)/chunkSize)
	for first := 0; first < n; first += chunkSize {
		count := chunkSize
		if first+count > n {
			count = n - first
		}
		lo, err := s.CellDomain(first)
		if err != nil {
			return nil, err
		}
		hi, err := s.CellDomain(first + count - 1)
		if err != nil {
			return nil, err
		}
		lo.EndTime = hi.EndTime
		chunks = append(chunks, Chunk{Index: len(chunks), FirstCell: first, CellCount: count, Domain: lo})
	}
	return chunks, nil
}
