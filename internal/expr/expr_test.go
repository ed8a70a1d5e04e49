package expr

import (
	"context"
	"math"
	"math/cmplx"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoSim-25-26J-441/calibration-core/internal/parmstore"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/config"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
)

func testGrid() models.Grid {
	return models.Grid{
		Freq: models.Axis{Start: 1e8, Step: 1e6, Count: 2},
		Time: models.Axis{Start: 0, Step: 30, Count: 3},
	}
}

func boundParm(name string, v float64, solvable bool, offset int) *Parm {
	p := NewParm(name)
	p.Bind(parmstore.NewScalar(v))
	p.SetSolvable(solvable, offset)
	return p
}

func TestParmPerturbation(t *testing.T) {
	f := parmstore.NewScalar(4)
	f.PertRelative = true
	p := NewParm("a")
	p.Bind(f)
	p.SetSolvable(true, 3)

	res, err := p.Evaluate(NewRequest(testGrid(), 4))
	require.NoError(t, err)
	assert.Equal(t, 6, res.NCells)
	assert.Equal(t, []int{3}, res.Keys())
	pert := res.Perturbed[3]
	assert.InDelta(t, 4e-6, pert.Delta, 1e-18)
	assert.InDelta(t, 4+4e-6, real(pert.Value[0]), 1e-12)
}

func TestPerturbationsStaySparse(t *testing.T) {
	a := boundParm("a", 2, true, 0)
	b := boundParm("b", 3, false, 0)
	c := boundParm("c", 5, true, 1)
	req := NewRequest(testGrid(), 2)

	prod, err := NewProduct(a, b).Evaluate(req)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, prod.Keys())
	assert.InDelta(t, 6.0, real(prod.Value[0]), 1e-12)

	sum, err := NewSum(NewProduct(a, b), c).Evaluate(req)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, sum.Keys())

	fixed, err := NewProduct(b, NewConst(2)).Evaluate(req)
	require.NoError(t, err)
	assert.Empty(t, fixed.Perturbed)
}

func TestProductDerivative(t *testing.T) {
	a := boundParm("a", 2, true, 0)
	b := boundParm("b", 3, true, 1)
	res, err := NewProduct(a, b, NewConst(complex(0, 1))).Evaluate(NewRequest(testGrid(), 2))
	require.NoError(t, err)

	for key, want := range map[int]complex128{0: complex(0, 3), 1: complex(0, 2)} {
		p := res.Perturbed[key]
		got := (p.Value[0] - res.Value[0]) / complex(p.Delta, 0)
		assert.InDelta(t, real(want), real(got), 1e-6)
		assert.InDelta(t, imag(want), imag(got), 1e-6)
	}
}

func TestSharedLeafPerturbedOnBothSides(t *testing.T) {
	// a·a has derivative 2a
	a := boundParm("a", 3, true, 0)
	res, err := NewProduct(a, a).Evaluate(NewRequest(testGrid(), 1))
	require.NoError(t, err)
	p := res.Perturbed[0]
	assert.InDelta(t, 6.0, real(p.Value[0]-res.Value[0])/p.Delta, 1e-5)
}

func TestPolarAndCorrelation(t *testing.T) {
	valid := testGrid().Domain()
	g1 := NewPolar(boundParm("amp1", 2, false, 0), boundParm("ph1", 0.5, false, 0))
	g2 := NewPolar(boundParm("amp2", 3, false, 0), boundParm("ph2", 0.2, true, 0))

	res, err := NewCorrelation(g1, g2, valid).Evaluate(NewRequest(testGrid(), 1))
	require.NoError(t, err)
	want := cmplx.Rect(6, 0.3)
	assert.InDelta(t, real(want), real(res.Value[2]), 1e-12)
	assert.InDelta(t, imag(want), imag(res.Value[2]), 1e-12)

	// d/dph2 of 6·exp(i(0.5-ph2)) is -i·value
	p := res.Perturbed[0]
	d := (p.Value[2] - res.Value[2]) / complex(p.Delta, 0)
	assert.InDelta(t, imag(want), real(d), 1e-5)
	assert.InDelta(t, -real(want), imag(d), 1e-5)
}

func TestRequestOutsideValidDomain(t *testing.T) {
	valid := models.Domain{StartFreq: 2e8, EndFreq: 3e8, StartTime: 0, EndTime: 90}
	corr := NewCorrelation(boundParm("a", 1, true, 0), NewConst(1), valid)
	res, err := corr.Evaluate(NewRequest(testGrid(), 1))
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Empty(t, res.Perturbed)

	// empty results propagate through parents
	res, err = NewProduct(NewConst(2), corr).Evaluate(NewRequest(testGrid(), 1))
	require.NoError(t, err)
	assert.True(t, res.Empty())

	res, err = NewConst(1).Evaluate(NewRequest(models.Grid{}, 0))
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestCacheKeyedOnRequest(t *testing.T) {
	a := boundParm("a", 1, true, 0)
	prod := NewProduct(a, NewConst(2))
	req := NewRequest(testGrid(), 1)

	first, err := prod.Evaluate(req)
	require.NoError(t, err)
	again, err := prod.Evaluate(req)
	require.NoError(t, err)
	assert.Same(t, first, again)

	fresh, err := prod.Evaluate(NewRequest(testGrid(), 1))
	require.NoError(t, err)
	assert.NotSame(t, first, fresh)
}

func TestConcurrentParentsShareChild(t *testing.T) {
	a := boundParm("a", 1.5, true, 0)
	shared := NewPolar(a, NewConst(0))
	parents := []Node{NewProduct(shared, NewConst(2)), NewSum(shared, NewConst(1)), NewProduct(shared, shared)}
	req := NewRequest(testGrid(), 1)

	var wg sync.WaitGroup
	errs := make([]error, len(parents))
	for i, p := range parents {
		wg.Add(1)
		go func(i int, p Node) {
			defer wg.Done()
			_, errs[i] = p.Evaluate(req)
		}(i, p)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestUnboundParm(t *testing.T) {
	_, err := NewParm("x").Evaluate(NewRequest(testGrid(), 0))
	assert.ErrorIs(t, err, ErrUnbound)
}

func TestGeometryUVW(t *testing.T) {
	geo := Geometry{Dec: math.Pi / 2, HourAngle0: 0}
	// at the pole w is along Z and (u, v) rotate with the hour angle
	u, v, w := geo.UVW(10, 0, 5, 0)
	assert.InDelta(t, 0.0, u, 1e-12)
	assert.InDelta(t, -10.0, v, 1e-12)
	assert.InDelta(t, 5.0, w, 1e-12)

	quarter := math.Pi / 2 / EarthRotation
	u, _, _ = geo.UVW(10, 0, 5, quarter)
	assert.InDelta(t, 10.0, u, 1e-9)
}

func observation() config.Observation {
	return config.Observation{
		Freq:           models.Axis{Start: 1e8, Step: 1e6, Count: 4},
		Time:           models.Axis{Start: 0, Step: 30, Count: 4},
		PhaseCenterDec: 0.9,
		HourAngleStart: -0.3,
		Stations:       []string{"CS001", "CS002", "CS003"},
		Sources:        []string{"CasA"},
	}
}

func seedStore(t *testing.T) parmstore.Store {
	t.Helper()
	ctx := context.Background()
	s := parmstore.NewMemoryStore()
	defaults := map[string]float64{
		"Gain:1:1:Ampl":  1,
		"Gain:1:1:Phase": 0,
		"Station:X":      0,
		"Station:Y":      0,
		"Station:Z":      0,
		"Source:L":       0,
		"Source:M":       0,
		"Source:Flux":    10,
	}
	for name, v := range defaults {
		require.NoError(t, s.PutDefault(ctx, name, parmstore.NewScalar(v)))
	}
	return s
}

func TestBuildModel(t *testing.T) {
	obs := observation()
	grid := obs.Grid()
	m, err := BuildModel(obs, []string{"CS003", "CS001", "CS002"}, grid.Domain())
	require.NoError(t, err)
	assert.Equal(t, []models.Baseline{{P: 0, Q: 1}, {P: 0, Q: 2}, {P: 1, Q: 2}}, m.Baselines())
	assert.Len(t, m.Names(), 3*5+3)

	ctx := context.Background()
	store := seedStore(t)
	cell := grid.CellDomain(0, 0)
	cell.EndFreq = grid.Domain().EndFreq
	require.NoError(t, store.PutCoefficients(ctx, GainAmplName("CS001"), cell, parmstore.NewScalar(2)))
	require.NoError(t, store.PutCoefficients(ctx, GainPhaseName("CS002"), cell, parmstore.NewScalar(0.25)))

	b, err := m.LoadCell(ctx, store, cell)
	require.NoError(t, err)
	require.NoError(t, m.Apply(b))

	intervals, err := m.SetSolvable([]string{"Gain:1:1:*"}, []string{"Gain:1:1:Phase:CS001"})
	require.NoError(t, err)
	assert.Len(t, intervals, 5)
	assert.Equal(t, 5, m.NSpid())
	assert.Equal(t, []float64{2, 1, 1, 0.25, 0}, m.Values(b))

	req := m.NewRequest(grid.Sub(cell))
	res, err := m.Evaluate(0, req)
	require.NoError(t, err)
	assert.Equal(t, 4, res.NCells)
	// l = m = 0 leaves only Flux · G_p · conj(G_q)
	want := cmplx.Rect(10*2, -0.25)
	assert.InDelta(t, real(want), real(res.Value[0]), 1e-9)
	assert.InDelta(t, imag(want), imag(res.Value[0]), 1e-9)
	// baseline CS001-CS002 reaches the gains of both stations only
	assert.Equal(t, []int{0, 1, 3}, res.Keys())

	require.NoError(t, m.SetValues(b, []float64{1, 1, 1, 0, 0}))
	require.NoError(t, m.Apply(b))
	res, err = m.Evaluate(0, m.NewRequest(grid.Sub(cell)))
	require.NoError(t, err)
	assert.InDelta(t, 10.0, real(res.Value[0]), 1e-9)

	out, err := m.Evaluate(0, m.NewRequest(models.Grid{
		Freq: models.Axis{Start: 5e8, Step: 1e6, Count: 2},
		Time: obs.Time,
	}))
	require.NoError(t, err)
	assert.True(t, out.Empty())
}

func TestLoadCellMissingParameter(t *testing.T) {
	obs := observation()
	m, err := BuildModel(obs, obs.Stations, obs.Grid().Domain())
	require.NoError(t, err)
	_, err = m.LoadCell(context.Background(), parmstore.NewMemoryStore(), obs.Grid().Domain())
	assert.ErrorIs(t, err, parmstore.ErrNotFound)
}

func TestBuildModelErrors(t *testing.T) {
	obs := observation()
	_, err := BuildModel(obs, []string{"CS001"}, obs.Grid().Domain())
	assert.Error(t, err)
	_, err = BuildModel(obs, []string{"CS001", "RS999"}, obs.Grid().Domain())
	assert.Error(t, err)
	obs.Sources = nil
	_, err = BuildModel(obs, []string{"CS001", "CS002"}, obs.Grid().Domain())
	assert.Error(t, err)
}
