package assembler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoSim-25-26J-441/calibration-core/internal/expr"
	"github.com/GoSim-25-26J-441/calibration-core/internal/lsq"
	"github.com/GoSim-25-26J-441/calibration-core/internal/parmstore"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/config"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
)

var grid = models.Grid{
	Freq: models.Axis{Start: 100, Step: 10, Count: 2},
	Time: models.Axis{Start: 0, Step: 1, Count: 2},
}

// linearModel predicts 2·p on a single baseline
func linearModel(t *testing.T, p float64) (*expr.Model, *expr.Parm) {
	t.Helper()
	parm := expr.NewParm("p")
	parm.Bind(parmstore.NewScalar(p))
	parm.SetSolvable(true, 0)
	bl := []models.Baseline{{P: 0, Q: 1}}
	m, err := expr.NewModel(grid.Domain(), bl, []expr.Node{expr.NewProduct(parm, expr.NewConst(2))})
	require.NoError(t, err)
	return m, parm
}

func constantData(v complex128, baselines ...models.Baseline) *DataSet {
	ds := &DataSet{Grid: grid, Baselines: baselines}
	for range baselines {
		vals := make([]complex128, grid.NCells())
		for i := range vals {
			vals[i] = v
		}
		ds.Values = append(ds.Values, vals)
		ds.Flags = append(ds.Flags, make([]bool, grid.NCells()))
	}
	return ds
}

func drain(t *testing.T, a *Assembler, max int) ([]*Batch, []Status) {
	t.Helper()
	var batches []*Batch
	var statuses []Status
	for {
		b, st, err := a.Next(context.Background(), max)
		require.NoError(t, err)
		batches = append(batches, b)
		statuses = append(statuses, st)
		if st == Exhausted {
			return batches, statuses
		}
	}
}

func TestLinearModelRecoversValue(t *testing.T) {
	m, _ := linearModel(t, 1)
	a := New(m, 0)
	data := constantData(10, models.Baseline{P: 0, Q: 1})
	require.NoError(t, a.Begin(context.Background(), 0, m.NewRequest(grid), data, []int{0}))
	assert.Equal(t, 8, a.Total())

	ne := lsq.New(1)
	batches, _ := drain(t, a, 100)
	for _, b := range batches {
		require.NoError(t, b.AccumulateInto(ne))
	}
	row := batches[0].Rows[0]
	assert.InDelta(t, 8.0, row.Residual, 1e-12)
	assert.InDelta(t, 2.0, row.Values[0], 1e-6)
	assert.InDelta(t, 0.0, batches[0].Rows[1].Residual, 1e-12)

	step := ne.Solve(0)
	assert.InDelta(t, 5.0, 1+step.Update[0], 1e-8)
}

func TestBatchesAreBounded(t *testing.T) {
	m, _ := linearModel(t, 1)
	a := New(m, 0)
	_, _, err := a.Next(context.Background(), 3)
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, a.Begin(context.Background(), 4, m.NewRequest(grid), constantData(10, models.Baseline{P: 0, Q: 1}), []int{0}))
	batches, statuses := drain(t, a, 3)
	require.Len(t, batches, 3)
	assert.Equal(t, []Status{MoreRemain, MoreRemain, Exhausted}, statuses)
	assert.Len(t, batches[0].Rows, 3)
	assert.Len(t, batches[2].Rows, 2)
	assert.Equal(t, 4, batches[2].Cell)

	b, st, err := a.Next(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, Exhausted, st)
	assert.Empty(t, b.Rows)

	_, _, err = a.Next(context.Background(), 0)
	assert.Error(t, err)
}

func TestFlaggedCellsSkipped(t *testing.T) {
	m, _ := linearModel(t, 1)
	data := constantData(10, models.Baseline{P: 0, Q: 1})
	data.Flags[0][1] = true
	data.Flags[0][3] = true
	a := New(m, 0)
	require.NoError(t, a.Begin(context.Background(), 0, m.NewRequest(grid), data, []int{0}))
	assert.Equal(t, 4, a.Total())
}

func TestGlobalColumnsWithoutLocalReach(t *testing.T) {
	m, _ := linearModel(t, 1)
	a := New(m, 0)
	// local coefficient 0 is global column 2 of 3
	require.NoError(t, a.Begin(context.Background(), 0, m.NewRequest(grid), constantData(10, models.Baseline{P: 0, Q: 1}), []int{2}))
	ne := lsq.New(3)
	batches, _ := drain(t, a, 100)
	for _, b := range batches {
		require.NoError(t, b.AccumulateInto(ne))
	}
	step := ne.Solve(0)
	assert.True(t, step.Singular)
	assert.InDelta(t, 0.0, step.Update[0], 1e-12)
	assert.InDelta(t, 4.0, step.Update[2], 1e-6)

	assert.Error(t, a.Begin(context.Background(), 0, m.NewRequest(grid), constantData(10, models.Baseline{P: 0, Q: 1}), nil))
}

func TestMissingBaselineIsAnError(t *testing.T) {
	m, _ := linearModel(t, 1)
	a := New(m, 0)
	err := a.Begin(context.Background(), 0, m.NewRequest(grid), constantData(10, models.Baseline{P: 0, Q: 2}), []int{0})
	assert.ErrorIs(t, err, ErrNoData)
}

func TestOutOfRangeRequestGivesNoRows(t *testing.T) {
	m, _ := linearModel(t, 1)
	away := models.Grid{Freq: models.Axis{Start: 900, Step: 10, Count: 2}, Time: grid.Time}
	data := constantData(10, models.Baseline{P: 0, Q: 1})
	data.Grid = away
	a := New(m, 0)
	require.NoError(t, a.Begin(context.Background(), 0, m.NewRequest(away), data, []int{0}))
	assert.Equal(t, 0, a.Total())
	_, st, err := a.Next(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Exhausted, st)
}

func skyObservation() config.Observation {
	return config.Observation{
		Freq:           models.Axis{Start: 1e8, Step: 1e6, Count: 2},
		Time:           models.Axis{Start: 0, Step: 30, Count: 2},
		PhaseCenterDec: 0.9,
		HourAngleStart: -0.3,
		Stations:       []string{"CS001", "CS002", "CS003"},
		Sources:        []string{"CasA"},
	}
}

func skyStore(t *testing.T, gain float64) parmstore.Store {
	t.Helper()
	ctx := context.Background()
	s := parmstore.NewMemoryStore()
	for name, v := range map[string]float64{
		"Gain:1:1:Ampl": gain, "Gain:1:1:Phase": 0.1,
		"Station:X:CS001": 0, "Station:X:CS002": 120, "Station:X:CS003": -80,
		"Station:Y": 40, "Station:Z": 5,
		"Source:L": 0.01, "Source:M": -0.02, "Source:Flux": 50,
	} {
		require.NoError(t, s.PutDefault(ctx, name, parmstore.NewScalar(v)))
	}
	return s
}

func TestSimulatedReaderMatchesModel(t *testing.T) {
	obs := skyObservation()
	truthModel, err := expr.BuildModel(obs, obs.Stations, obs.Grid().Domain())
	require.NoError(t, err)
	reader := NewSimulatedReader(truthModel, skyStore(t, 1.5), 0, 1)

	baselines := truthModel.Baselines()
	data, err := reader.ReadSelection(context.Background(), obs.Grid(), baselines)
	require.NoError(t, err)
	require.Len(t, data.Values, 3)

	// a model bound to the same store reproduces the data with zero residuals
	m, err := expr.BuildModel(obs, obs.Stations, obs.Grid().Domain())
	require.NoError(t, err)
	b, err := m.LoadCell(context.Background(), skyStore(t, 1.5), obs.Grid().Domain())
	require.NoError(t, err)
	require.NoError(t, m.Apply(b))
	_, err = m.SetSolvable([]string{"Gain:1:1:Ampl:*"}, nil)
	require.NoError(t, err)

	a := New(m, 2)
	require.NoError(t, a.Begin(context.Background(), 0, m.NewRequest(obs.Grid()), data, []int{0, 1, 2}))
	batches, _ := drain(t, a, 1000)
	for _, r := range batches[0].Rows {
		assert.InDelta(t, 0.0, r.Residual, 1e-9)
	}

	_, err = reader.ReadSelection(context.Background(), obs.Grid(), []models.Baseline{{P: 0, Q: 7}})
	assert.ErrorIs(t, err, ErrNoData)
}

func TestSimulatedGainIsRecovered(t *testing.T) {
	obs := skyObservation()
	truthModel, err := expr.BuildModel(obs, obs.Stations, obs.Grid().Domain())
	require.NoError(t, err)
	data, err := NewSimulatedReader(truthModel, skyStore(t, 1.2), 0, 1).
		ReadSelection(context.Background(), obs.Grid(), truthModel.Baselines())
	require.NoError(t, err)

	m, err := expr.BuildModel(obs, obs.Stations, obs.Grid().Domain())
	require.NoError(t, err)
	b, err := m.LoadCell(context.Background(), skyStore(t, 1.0), obs.Grid().Domain())
	require.NoError(t, err)
	require.NoError(t, m.Apply(b))
	intervals, err := m.SetSolvable([]string{"Gain:1:1:Ampl:*"}, nil)
	require.NoError(t, err)
	require.Len(t, intervals, 3)

	a := New(m, 0)
	for iter := 0; iter < 6; iter++ {
		require.NoError(t, a.Begin(context.Background(), 0, m.NewRequest(obs.Grid()), data, []int{0, 1, 2}))
		ne := lsq.New(3)
		batches, _ := drain(t, a, 64)
		for _, batch := range batches {
			require.NoError(t, batch.AccumulateInto(ne))
		}
		step := ne.Solve(0)
		vals := m.Values(b)
		for i := range vals {
			vals[i] += step.Update[i]
		}
		require.NoError(t, m.SetValues(b, vals))
		require.NoError(t, m.Apply(b))
	}
	for _, v := range m.Values(b) {
		assert.InDelta(t, 1.2, v, 1e-6)
	}
}

func TestMemoryReaderSelection(t *testing.T) {
	bl := models.Baseline{P: 0, Q: 1}
	full := &DataSet{Grid: grid, Baselines: []models.Baseline{bl}, Values: [][]complex128{{1, 2, 3, 4}}}
	r, err := NewMemoryReader(full)
	require.NoError(t, err)

	sub := models.Grid{Freq: models.Axis{Start: 110, Step: 10, Count: 1}, Time: models.Axis{Start: 1, Step: 1, Count: 1}}
	ds, err := r.ReadSelection(context.Background(), sub, []models.Baseline{bl})
	require.NoError(t, err)
	assert.Equal(t, []complex128{4}, ds.Values[0])
	assert.Equal(t, []bool{false}, ds.Flags[0])

	_, err = r.ReadSelection(context.Background(), models.Grid{Freq: models.Axis{Start: 120, Step: 10, Count: 1}, Time: grid.Time}, []models.Baseline{bl})
	assert.ErrorIs(t, err, ErrNoData)
	_, err = r.ReadSelection(context.Background(), grid, []models.Baseline{{P: 1, Q: 2}})
	assert.ErrorIs(t, err, ErrNoData)

	_, err = NewMemoryReader(&DataSet{Grid: grid, Baselines: []models.Baseline{bl}, Values: [][]complex128{{1}}})
	assert.Error(t, err)
}
