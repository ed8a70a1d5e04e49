// Package solver merges the equations of all kernels and solves for the
// combined coefficient vector of every solve cell.
package solver

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/GoSim-25-26J-441/calibration-core/internal/coeffindex"
	"github.com/GoSim-25-26J-441/calibration-core/internal/lsq"
	"github.com/GoSim-25-26J-441/calibration-core/internal/protocol"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
)

var (
	// ErrNoChunk is returned when chunk data arrives before any chunk was opened
	ErrNoChunk = errors.New("no active chunk")
	// ErrChunkMismatch is returned for messages that belong to another chunk
	ErrChunkMismatch = errors.New("message for another chunk")
	// ErrNotReady is returned by Solve before every kernel closed the round
	ErrNotReady = errors.New("round not complete")
)

// minLambda is where damping restarts once chi-square grows under pure
// Gauss-Newton steps.
const minLambda = 1e-3

// Settings tune the damped solve
type Settings struct {
	LMFactor  float64
	Tolerance float64
}

// Outcome is the result of one solve round
type Outcome struct {
	Iteration int
	Readiness models.Readiness
	Solutions []models.CellSolution
	Rows      int
	// Failures maps kernel name to the error it reported
	Failures map[string]string
}

// Failed reports whether a kernel failed during the round
func (o *Outcome) Failed() bool {
	return len(o.Failures) > 0
}

// FailureText joins the reported failures in kernel order
func (o *Outcome) FailureText() string {
	names := make([]string, 0, len(o.Failures))
	for k := range o.Failures {
		names = append(names, k)
	}
	sort.Strings(names)
	text := ""
	for i, k := range names {
		if i > 0 {
			text += "; "
		}
		text += k + ": " + o.Failures[k]
	}
	return text
}

type cellState struct {
	id        int
	x         []float64
	lambda    float64
	// base is the last accepted point and baseNE the equations linearized there
	base      []float64
	baseNE    *lsq.NormalEquations
	prevChi   float64
	solved    bool
	converged bool
	last      models.CellSolution
}

type round struct {
	// kernel -> per-cell partial normal equations
	parts  map[string][]*lsq.NormalEquations
	rows   int
	final  map[string]bool
	failed map[string]string
}

// Aggregator holds the solve state of the active chunk. It performs no I/O;
// callers feed it decoded messages in any order within a round.
type Aggregator struct {
	index    *coeffindex.Index
	kernels  []string
	settings Settings

	active    bool
	chunk     uint64
	firstCell int
	cells     []*cellState
	carry     []float64
	initial   map[string]*protocol.InitialValues
	rounds    map[int]*round
}

// NewAggregator creates an aggregator over index for the given kernel roster
func NewAggregator(index *coeffindex.Index, kernels []string, settings Settings) *Aggregator {
	return &Aggregator{
		index:    index,
		kernels:  append([]string(nil), kernels...),
		settings: settings,
	}
}

// Size returns the length of each cell's coefficient vector
func (a *Aggregator) Size() int {
	return a.index.Size()
}

// BeginChunk discards the previous chunk and opens cellCount cells starting
// at firstCell.
func (a *Aggregator) BeginChunk(chunk uint64, firstCell, cellCount int) {
	a.active = true
	a.chunk = chunk
	a.firstCell = firstCell
	a.carry = nil
	a.initial = make(map[string]*protocol.InitialValues, len(a.kernels))
	a.rounds = make(map[int]*round)
	a.cells = make([]*cellState, cellCount)
	for i := range a.cells {
		a.cells[i] = &cellState{
			id:     firstCell + i,
			x:      make([]float64, a.index.Size()),
			lambda: a.settings.LMFactor,
		}
	}
}

// Chunk returns the active chunk and whether one is open
func (a *Aggregator) Chunk() (uint64, bool) {
	return a.chunk, a.active
}

// ApplyCarry sets the starting vector of the chunk's first cell. It wins over
// the initial values kernels report for that cell. An empty carry is ignored.
func (a *Aggregator) ApplyCarry(carry []float64) error {
	if !a.active {
		return ErrNoChunk
	}
	if len(carry) == 0 {
		return nil
	}
	if len(carry) != a.index.Size() {
		return fmt.Errorf("carry has %d values for a vector of %d", len(carry), a.index.Size())
	}
	a.carry = append([]float64(nil), carry...)
	return nil
}

func (a *Aggregator) checkChunk(chunk uint64) error {
	if !a.active {
		return ErrNoChunk
	}
	if chunk != a.chunk {
		return fmt.Errorf("chunk %d while %d is active: %w", chunk, a.chunk, ErrChunkMismatch)
	}
	return nil
}

func (a *Aggregator) cell(id int) (*cellState, error) {
	i := id - a.firstCell
	if i < 0 || i >= len(a.cells) {
		return nil, fmt.Errorf("cell %d outside chunk [%d, %d)", id, a.firstCell, a.firstCell+len(a.cells))
	}
	return a.cells[i], nil
}

func (a *Aggregator) known(kernel string) bool {
	for _, k := range a.kernels {
		if k == kernel {
			return true
		}
	}
	return false
}

// AddInitial records the starting coefficients a kernel holds for the chunk.
// They are applied by Start.
func (a *Aggregator) AddInitial(m *protocol.InitialValues) error {
	if err := a.checkChunk(m.ChunkSeq); err != nil {
		return err
	}
	if !a.known(m.Kernel) {
		return fmt.Errorf("initial values from unknown kernel %s", m.Kernel)
	}
	size := a.index.Size()
	for _, cv := range m.Cells {
		if _, err := a.cell(int(cv.CellID)); err != nil {
			return err
		}
		for _, iv := range cv.Intervals {
			lo := int(iv.Offset)
			if lo < 0 || lo+len(iv.Values) > size {
				return fmt.Errorf("interval [%d, %d) outside vector of %d", lo, lo+len(iv.Values), size)
			}
		}
	}
	a.initial[m.Kernel] = m
	return nil
}

// Initialized reports whether every kernel sent its initial values
func (a *Aggregator) Initialized() bool {
	return a.active && len(a.initial) == len(a.kernels)
}

// Start applies the initial values and the carry and returns the
// iteration-zero vectors. Where kernels report the same interval, the kernel
// listed first in the roster wins.
func (a *Aggregator) Start() []models.CellSolution {
	for i := len(a.kernels) - 1; i >= 0; i-- {
		m, ok := a.initial[a.kernels[i]]
		if !ok {
			continue
		}
		for _, cv := range m.Cells {
			c, err := a.cell(int(cv.CellID))
			if err != nil {
				continue
			}
			for _, iv := range cv.Intervals {
				copy(c.x[int(iv.Offset):], iv.Values)
			}
		}
	}
	if len(a.cells) > 0 && a.carry != nil {
		copy(a.cells[0].x, a.carry)
	}
	out := make([]models.CellSolution, len(a.cells))
	for i, c := range a.cells {
		out[i] = models.CellSolution{CellID: c.id, Coeffs: append([]float64(nil), c.x...)}
	}
	return out
}

func (a *Aggregator) roundFor(iter int) *round {
	r, ok := a.rounds[iter]
	if !ok {
		r = &round{
			parts:  make(map[string][]*lsq.NormalEquations),
			final:  make(map[string]bool),
			failed: make(map[string]string),
		}
		a.rounds[iter] = r
	}
	return r
}

// AddBatch accumulates one equation batch. Rows are kept per kernel and cell
// so the merged system does not depend on arrival order across kernels. A
// batch that cannot be accumulated fails the kernel's round.
func (a *Aggregator) AddBatch(b *protocol.EquationBatch) error {
	if err := a.checkChunk(b.ChunkSeq); err != nil {
		return err
	}
	if !a.known(b.Kernel) {
		return fmt.Errorf("batch from unknown kernel %s", b.Kernel)
	}
	r := a.roundFor(int(b.Iteration))
	if err := a.accumulate(r, b); err != nil {
		if _, seen := r.failed[b.Kernel]; !seen {
			r.failed[b.Kernel] = err.Error()
		}
		return err
	}
	return nil
}

func (a *Aggregator) accumulate(r *round, b *protocol.EquationBatch) error {
	if r.final[b.Kernel] {
		return fmt.Errorf("kernel %s sent rows after closing iteration %d", b.Kernel, b.Iteration)
	}
	if b.Final {
		r.final[b.Kernel] = true
		if b.Failed {
			r.failed[b.Kernel] = b.Error
		}
	}
	if len(b.Rows) == 0 {
		return nil
	}

	c, err := a.cell(int(b.Cell))
	if err != nil {
		return err
	}
	parts, ok := r.parts[b.Kernel]
	if !ok {
		parts = make([]*lsq.NormalEquations, len(a.cells))
		r.parts[b.Kernel] = parts
	}
	i := c.id - a.firstCell
	if parts[i] == nil {
		parts[i] = lsq.New(a.index.Size())
	}
	indices := make([]int, 0, 8)
	for _, row := range b.Rows {
		indices = indices[:0]
		for _, ix := range row.Indices {
			indices = append(indices, int(ix))
		}
		if err := parts[i].AddRow(indices, row.Values, row.Residual, row.Weight); err != nil {
			return fmt.Errorf("kernel %s cell %d: %w", b.Kernel, c.id, err)
		}
	}
	r.rows += len(b.Rows)
	return nil
}

// Ready reports whether every kernel closed iteration iter
func (a *Aggregator) Ready(iter int) bool {
	if !a.active {
		return false
	}
	r, ok := a.rounds[iter]
	return ok && len(r.final) == len(a.kernels)
}

// Solve runs one damped step for every cell that has not converged.
func (a *Aggregator) Solve(iter int) (*Outcome, error) {
	if !a.Ready(iter) {
		return nil, fmt.Errorf("iteration %d: %w", iter, ErrNotReady)
	}
	r := a.rounds[iter]
	for k := range a.rounds {
		if k <= iter {
			delete(a.rounds, k)
		}
	}

	out := &Outcome{Iteration: iter, Rows: r.rows, Solutions: make([]models.CellSolution, len(a.cells))}
	if len(r.failed) > 0 {
		out.Readiness = models.ReadinessFailed
		out.Failures = r.failed
		for i, c := range a.cells {
			out.Solutions[i] = models.CellSolution{
				CellID:    c.id,
				Coeffs:    append([]float64(nil), c.x...),
				Iteration: iter,
				Readiness: models.ReadinessFailed,
			}
		}
		return out, nil
	}

	all := true
	for i, c := range a.cells {
		if c.converged {
			s := c.last.Clone()
			s.Iteration = iter
			out.Solutions[i] = s
			continue
		}
		ne := lsq.New(a.index.Size())
		for _, k := range a.kernels {
			if parts := r.parts[k]; parts != nil && parts[i] != nil {
				if err := ne.Merge(parts[i]); err != nil {
					return nil, err
				}
			}
		}
		c.last = a.step(c, ne, iter)
		out.Solutions[i] = c.last.Clone()
		all = all && c.converged
	}
	if all {
		out.Readiness = models.ReadinessConverged
	}
	return out, nil
}

// step solves one damped update. A round whose chi-square grew rejects the
// previous step: the cell returns to the last accepted point and re-solves
// its equations with more damping.
func (a *Aggregator) step(c *cellState, ne *lsq.NormalEquations, iter int) models.CellSolution {
	chi := ne.ChiSq
	if c.solved && chi > c.prevChi {
		copy(c.x, c.base)
		ne, chi = c.baseNE, c.prevChi
		c.lambda = math.Max(c.lambda*10, minLambda)
	} else {
		if c.solved && chi < c.prevChi {
			c.lambda /= 10
		}
		c.base = append(c.base[:0], c.x...)
		c.baseNE, c.prevChi, c.solved = ne, chi, true
	}

	st := ne.Solve(c.lambda)
	floats.Add(c.x, st.Update)

	readiness := models.ReadinessNonReady
	if !st.Singular && relativeChange(st.Update, c.x) < a.settings.Tolerance {
		readiness = models.ReadinessConverged
		c.converged = true
	}
	return models.CellSolution{
		CellID:       c.id,
		Coeffs:       append([]float64(nil), c.x...),
		Rank:         st.Rank,
		ChiSq:        chi,
		ResidualNorm: ne.ResidualNorm(),
		Iteration:    iter,
		Readiness:    readiness,
	}
}

// relativeChange is max_i |d_i| / max(|x_i|, 1)
func relativeChange(d, x []float64) float64 {
	m := 0.0
	for i := range d {
		if v := math.Abs(d[i]) / math.Max(math.Abs(x[i]), 1); v > m {
			m = v
		}
	}
	return m
}
