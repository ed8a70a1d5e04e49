package assembler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/GoSim-25-26J-441/calibration-core/internal/expr"
	"github.com/GoSim-25-26J-441/calibration-core/internal/parmstore"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/utils"
)

// ErrNoData is returned when the reader has nothing for a requested baseline or cell
var ErrNoData = errors.New("no data for selection")

// DataSet holds measured values and flags per baseline per cell of Grid,
// frequency major.
type DataSet struct {
	Grid      models.Grid
	Baselines []models.Baseline
	Values    [][]complex128
	Flags     [][]bool
}

// index returns the position of bl in the data set
func (d *DataSet) index(bl models.Baseline) (int, bool) {
	for i, b := range d.Baselines {
		if b == bl {
			return i, true
		}
	}
	return 0, false
}

// DataReader supplies measured samples for a selection of cells and baselines.
type DataReader interface {
	ReadSelection(ctx context.Context, grid models.Grid, baselines []models.Baseline) (*DataSet, error)
}

// MemoryReader serves a fixed data set covering a full grid
type MemoryReader struct {
	data *DataSet
}

// NewMemoryReader wraps data
func NewMemoryReader(data *DataSet) (*MemoryReader, error) {
	n := data.Grid.NCells()
	if len(data.Values) != len(data.Baselines) {
		return nil, fmt.Errorf("%d baselines but %d value rows", len(data.Baselines), len(data.Values))
	}
	for i, vs := range data.Values {
		if len(vs) != n {
			return nil, fmt.Errorf("baseline %s has %d values for %d cells", data.Baselines[i], len(vs), n)
		}
		if data.Flags != nil && len(data.Flags[i]) != n {
			return nil, fmt.Errorf("baseline %s has %d flags for %d cells", data.Baselines[i], len(data.Flags[i]), n)
		}
	}
	return &MemoryReader{data: data}, nil
}

func (r *MemoryReader) ReadSelection(ctx context.Context, grid models.Grid, baselines []models.Baseline) (*DataSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full := r.data.Grid
	f0, err := offsetOf(full.Freq, grid.Freq)
	if err != nil {
		return nil, err
	}
	t0, err := offsetOf(full.Time, grid.Time)
	if err != nil {
		return nil, err
	}

	out := &DataSet{Grid: grid, Baselines: append([]models.Baseline(nil), baselines...)}
	for _, bl := range baselines {
		i, ok := r.data.index(bl)
		if !ok {
			return nil, fmt.Errorf("baseline %s: %w", bl, ErrNoData)
		}
		vals := make([]complex128, grid.NCells())
		flags := make([]bool, grid.NCells())
		for fi := 0; fi < grid.Freq.Count; fi++ {
			for ti := 0; ti < grid.Time.Count; ti++ {
				src := full.Index(f0+fi, t0+ti)
				vals[grid.Index(fi, ti)] = r.data.Values[i][src]
				if r.data.Flags != nil {
					flags[grid.Index(fi, ti)] = r.data.Flags[i][src]
				}
			}
		}
		out.Values = append(out.Values, vals)
		out.Flags = append(out.Flags, flags)
	}
	return out, nil
}

// offsetOf locates sub inside full; both must share the cell step.
func offsetOf(full, sub models.Axis) (int, error) {
	if sub.Count == 0 {
		return 0, nil
	}
	if !utils.NearlyEqual(full.Step, sub.Step, 1e-9*math.Abs(full.Step)) {
		return 0, fmt.Errorf("selection step %g does not match data step %g: %w", sub.Step, full.Step, ErrNoData)
	}
	pos := (sub.Start - full.Start) / full.Step
	first := int(math.Round(pos))
	if math.Abs(pos-float64(first)) > 1e-6 || first < 0 || first+sub.Count > full.Count {
		return 0, fmt.Errorf("selection [%g, %g) outside data [%g, %g): %w", sub.Start, sub.End(), full.Start, full.End(), ErrNoData)
	}
	return first, nil
}

// SimulatedReader predicts measurements from a model bound to a truth
// parameter store and adds seeded gaussian noise.
type SimulatedReader struct {
	mu    sync.Mutex
	model *expr.Model
	truth parmstore.Store
	noise float64
	rng   *utils.RandSource
}

// NewSimulatedReader creates a reader evaluating model against truth
func NewSimulatedReader(model *expr.Model, truth parmstore.Store, noise float64, seed int64) *SimulatedReader {
	return &SimulatedReader{model: model, truth: truth, noise: noise, rng: utils.NewRandSource(seed)}
}

func (r *SimulatedReader) ReadSelection(ctx context.Context, grid models.Grid, baselines []models.Baseline) (*DataSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	binding, err := r.model.LoadCell(ctx, r.truth, grid.Domain())
	if err != nil {
		return nil, fmt.Errorf("truth model: %w", err)
	}
	if err := r.model.Apply(binding); err != nil {
		return nil, err
	}
	modelBaselines := r.model.Baselines()
	req := r.model.NewRequest(grid)

	out := &DataSet{Grid: grid, Baselines: append([]models.Baseline(nil), baselines...)}
	for _, bl := range baselines {
		b := -1
		for i, mb := range modelBaselines {
			if mb == bl {
				b = i
				break
			}
		}
		if b < 0 {
			return nil, fmt.Errorf("baseline %s: %w", bl, ErrNoData)
		}
		res, err := r.model.Evaluate(b, req)
		if err != nil {
			return nil, err
		}
		if res.Empty() {
			return nil, fmt.Errorf("baseline %s over %s: %w", bl, grid.Domain(), ErrNoData)
		}
		vals := make([]complex128, res.NCells)
		for i, v := range res.Value {
			vals[i] = v + r.rng.ComplexNoise(r.noise)
		}
		out.Values = append(out.Values, vals)
		out.Flags = append(out.Flags, make([]bool, res.NCells))
	}
	return out, nil
}
