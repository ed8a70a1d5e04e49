// Package assembler turns measured data and forward model predictions into
// least-squares equation rows.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/GoSim-25-26J-441/calibration-core/internal/expr"
	"github.com/GoSim-25-26J-441/calibration-core/internal/lsq"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/logger"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
)

// ErrNotStarted is returned by Next before Begin
var ErrNotStarted = errors.New("assembly not started")

// Status tells the caller whether Next has more rows to give
type Status int

const (
	MoreRemain Status = iota
	Exhausted
)

func (s Status) String() string {
	if s == Exhausted {
		return "exhausted"
	}
	return "more-remain"
}

// Row is one weighted equation over global coefficient columns
type Row struct {
	Indices  []int
	Values   []float64
	Residual float64
	Weight   float64
}

// Batch is a bounded group of rows for one solve cell
type Batch struct {
	Cell int
	Rows []Row
}

// AccumulateInto adds the batch rows to ne
func (b *Batch) AccumulateInto(ne *lsq.NormalEquations) error {
	for _, r := range b.Rows {
		if err := ne.AddRow(r.Indices, r.Values, r.Residual, r.Weight); err != nil {
			return fmt.Errorf("cell %d: %w", b.Cell, err)
		}
	}
	return nil
}

// Predictor is the part of the forward model the assembler needs
type Predictor interface {
	Evaluate(baseline int, req expr.Request) (*expr.Result, error)
	Baselines() []models.Baseline
}

// Assembler builds the equations of one solve cell and hands them out in
// bounded batches.
type Assembler struct {
	predictor   Predictor
	parallelism int
	logger      *slog.Logger

	started bool
	cell    int
	rows    []Row
	next    int
}

// New creates an assembler. parallelism bounds the baselines evaluated at
// once; zero means no limit.
func New(p Predictor, parallelism int) *Assembler {
	return &Assembler{predictor: p, parallelism: parallelism, logger: logger.Default}
}

// WithLogger sets the logger
func (a *Assembler) WithLogger(l *slog.Logger) *Assembler {
	a.logger = l
	return a
}

// Begin assembles the rows of cell over req. data must cover the same grid
// as req. columns maps local solvable indices to global columns. Baselines
// are evaluated concurrently, each into its own slice, and merged in
// baseline order so the result does not depend on scheduling.
func (a *Assembler) Begin(ctx context.Context, cell int, req expr.Request, data *DataSet, columns []int) error {
	a.started, a.cell, a.rows, a.next = false, cell, nil, 0
	if data.Grid.NCells() != req.Grid.NCells() {
		return fmt.Errorf("data has %d cells, request %d", data.Grid.NCells(), req.Grid.NCells())
	}

	baselines := a.predictor.Baselines()
	dataIndex := make([]int, len(baselines))
	for b, bl := range baselines {
		di, ok := data.index(bl)
		if !ok {
			return fmt.Errorf("baseline %s: %w", bl, ErrNoData)
		}
		dataIndex[b] = di
	}

	perBaseline := make([][]Row, len(baselines))
	g, gctx := errgroup.WithContext(ctx)
	if a.parallelism > 0 {
		g.SetLimit(a.parallelism)
	}
	for b, bl := range baselines {
		di := dataIndex[b]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := a.predictor.Evaluate(b, req)
			if err != nil {
				return fmt.Errorf("baseline %s: %w", bl, err)
			}
			var flags []bool
			if data.Flags != nil {
				flags = data.Flags[di]
			}
			rows, err := baselineRows(res, data.Values[di], flags, columns)
			if err != nil {
				return fmt.Errorf("baseline %s: %w", bl, err)
			}
			perBaseline[b] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, rows := range perBaseline {
		a.rows = append(a.rows, rows...)
	}
	a.started = true
	a.logger.Debug("assembled cell", "cell", cell, "rows", len(a.rows), "baselines", len(baselines))
	return nil
}

// Next returns up to maxRows rows and whether more remain
func (a *Assembler) Next(ctx context.Context, maxRows int) (*Batch, Status, error) {
	if !a.started {
		return nil, Exhausted, ErrNotStarted
	}
	if maxRows <= 0 {
		return nil, Exhausted, fmt.Errorf("batch size must be positive, got %d", maxRows)
	}
	if err := ctx.Err(); err != nil {
		return nil, Exhausted, err
	}
	end := a.next + maxRows
	if end > len(a.rows) {
		end = len(a.rows)
	}
	batch := &Batch{Cell: a.cell, Rows: a.rows[a.next:end]}
	a.next = end
	if a.next < len(a.rows) {
		return batch, MoreRemain, nil
	}
	return batch, Exhausted, nil
}

// Total returns the number of rows assembled by the last Begin
func (a *Assembler) Total() int {
	return len(a.rows)
}

// baselineRows writes a real and an imaginary equation per unflagged cell.
// Derivatives are the finite differences (perturbed - predicted) / delta.
func baselineRows(res *expr.Result, measured []complex128, flags []bool, columns []int) ([]Row, error) {
	if res.Empty() {
		return nil, nil
	}
	if len(measured) != res.NCells {
		return nil, fmt.Errorf("%d measured values for %d cells", len(measured), res.NCells)
	}
	keys := res.Keys()
	cols := make([]int, len(keys))
	for i, k := range keys {
		if k < 0 || k >= len(columns) {
			return nil, fmt.Errorf("local coefficient %d has no global column", k)
		}
		cols[i] = columns[k]
	}

	rows := make([]Row, 0, 2*res.NCells)
	for c := 0; c < res.NCells; c++ {
		if flags != nil && flags[c] {
			continue
		}
		pred := res.Value[c]
		resid := measured[c] - pred
		re := Row{Indices: cols, Values: make([]float64, len(keys)), Residual: real(resid), Weight: 1}
		im := Row{Indices: cols, Values: make([]float64, len(keys)), Residual: imag(resid), Weight: 1}
		for i, k := range keys {
			p := res.Perturbed[k]
			d := (p.Value[c] - pred) / complex(p.Delta, 0)
			re.Values[i] = real(d)
			im.Values[i] = imag(d)
		}
		rows = append(rows, re, im)
	}
	return rows, nil
}
