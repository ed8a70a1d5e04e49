package controller

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/GoSim-25-26J-441/calibration-core/internal/assembler"
	"github.com/GoSim-25-26J-441/calibration-core/internal/expr"
	"github.com/GoSim-25-26J-441/calibration-core/internal/kernel"
	"github.com/GoSim-25-26J-441/calibration-core/internal/parmstore"
	"github.com/GoSim-25-26J-441/calibration-core/internal/protocol"
	"github.com/GoSim-25-26J-441/calibration-core/internal/solver"
	"github.com/GoSim-25-26J-441/calibration-core/internal/transport"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/config"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/logger"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
)

// Stations sit at the array center so every phase term is 1 and a baseline
// sees Flux * Ampl_p * Ampl_q.
const singleKernelConfig = `
observation:
  freq: {start: 1.0e8, step: 1.0e6, count: 2}
  time: {start: 0, step: 10, count: 10}
  stations: [S1, S2, S3]
  sources: [C1]
strategy:
  solvable: ["Gain:1:1:Ampl:*"]
  excluded: ["Gain:1:1:Ampl:S1"]
  max_iterations: 20
  tolerance: 1.0e-8
  cell_size: 1
  chunk_size: 4
kernels:
  - name: k0
    freq_start: 1.0e8
    freq_end: 1.02e8
`

const twoKernelConfig = `
observation:
  freq: {start: 1.0e8, step: 1.0e6, count: 2}
  time: {start: 0, step: 10, count: 2}
  stations: [S1, S2, S3, S4, S5, S6]
  sources: [C1]
strategy:
  solvable: ["Gain:1:1:Ampl:*", "Source:Flux:*"]
  excluded: ["Gain:1:1:Ampl:S1"]
  max_iterations: 30
  cell_size: 1
  chunk_size: 2
kernels:
  - name: a-high
    freq_start: 1.01e8
    freq_end: 1.02e8
    stations: [S4, S5, S6]
  - name: b-low
    freq_start: 1.0e8
    freq_end: 1.01e8
    stations: [S1, S2, S3]
`

// defaultStore holds hierarchical defaults for every model parameter plus
// per-parameter overrides.
func defaultStore(t *testing.T, overrides map[string]float64) parmstore.Store {
	t.Helper()
	ctx := context.Background()
	s := parmstore.NewMemoryStore()
	base := map[string]float64{
		"Gain:1:1:Ampl":  1,
		"Gain:1:1:Phase": 0,
		"Station:X":      0,
		"Station:Y":      0,
		"Station:Z":      0,
		"Source:L":       0,
		"Source:M":       0,
		"Source:Flux":    1,
	}
	for name, v := range base {
		require.NoError(t, s.PutDefault(ctx, name, parmstore.NewScalar(v)))
	}
	for name, v := range overrides {
		require.NoError(t, s.PutDefault(ctx, name, parmstore.NewScalar(v)))
	}
	return s
}

type failingReader struct {
	inner assembler.DataReader
	from  float64
}

func (r *failingReader) ReadSelection(ctx context.Context, grid models.Grid, baselines []models.Baseline) (*assembler.DataSet, error) {
	if grid.Time.Start >= r.from {
		return nil, fmt.Errorf("time %g: %w", grid.Time.Start, assembler.ErrNoData)
	}
	return r.inner.ReadSelection(ctx, grid, baselines)
}

type cluster struct {
	ctrl    *Controller
	kernels map[string]*kernel.Worker
	solver  *solver.Worker
	store   parmstore.Store
}

// newCluster wires a controller, one solver and every configured kernel on a
// local bus. Kernels read data simulated from truth; wrap may replace a
// kernel's reader.
func newCluster(t *testing.T, yamlText string, truth parmstore.Store, wrap func(name string, r assembler.DataReader) assembler.DataReader) *cluster {
	t.Helper()
	cfg, err := config.ParseConfigYAMLString(yamlText)
	require.NoError(t, err)

	ctx := context.Background()
	bus := transport.NewLocalBus()
	t.Cleanup(func() { bus.Close() })
	quiet := logger.New("error", io.Discard)
	store := defaultStore(t, nil)

	conn, err := bus.Connect(ctx, protocol.ControllerEndpoint)
	require.NoError(t, err)
	ctrl, err := New(Options{Config: cfg, Store: store, Conn: conn, Logger: quiet, RunID: "run-test"})
	require.NoError(t, err)

	conn, err = bus.Connect(ctx, "solver")
	require.NoError(t, err)
	c := &cluster{
		ctrl:    ctrl,
		kernels: make(map[string]*kernel.Worker),
		solver:  solver.NewWorker(solver.Options{Name: "solver", Conn: conn, Logger: quiet}),
		store:   store,
	}

	obs := cfg.Observation
	for _, k := range cfg.Kernels {
		owned := models.Domain{StartFreq: k.FreqStart, EndFreq: k.FreqEnd, StartTime: obs.Time.Start, EndTime: obs.Time.End()}
		model, err := expr.BuildModel(obs, k.Stations, owned)
		require.NoError(t, err)
		var reader assembler.DataReader = assembler.NewSimulatedReader(model, truth, 0, 1)
		if wrap != nil {
			reader = wrap(k.Name, reader)
		}
		conn, err := bus.Connect(ctx, k.Name)
		require.NoError(t, err)
		w, err := kernel.NewWorker(kernel.Options{Name: k.Name, Config: cfg, Store: store, Reader: reader, Conn: conn, Logger: quiet})
		require.NoError(t, err)
		c.kernels[k.Name] = w
	}
	return c
}

// run executes the calibration and waits for every worker to exit
func (c *cluster) run(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, k := range c.kernels {
		g.Go(func() error { return k.Run(gctx) })
	}
	g.Go(func() error { return c.solver.Run(gctx) })

	runErr := c.ctrl.Run(ctx)
	require.NoError(t, g.Wait())
	return runErr
}

func (c *cluster) stored(t *testing.T, name string, cell int) float64 {
	t.Helper()
	domain, err := c.ctrl.grid.CellDomain(cell)
	require.NoError(t, err)
	entries, err := c.store.GetCoefficients(context.Background(), name, domain)
	require.NoError(t, err)
	require.Len(t, entries, 1, "%s at cell %d", name, cell)
	require.True(t, entries[0].Funklet.Domain.Equal(domain))
	return entries[0].Funklet.Coeffs[0]
}

func TestChunkWalkCarriesLastCell(t *testing.T) {
	truth := defaultStore(t, map[string]float64{
		expr.GainAmplName("S2"): 1.2,
		expr.GainAmplName("S3"): 0.8,
	})
	c := newCluster(t, singleKernelConfig, truth, nil)

	require.NoError(t, c.run(t))
	assert.Equal(t, StateDone, c.ctrl.State())

	next := c.ctrl.History(protocol.CmdNextChunk)
	require.Len(t, next, 3)
	var sizes, firsts []int
	for _, r := range next {
		sizes = append(sizes, r.CellCount)
		firsts = append(firsts, r.FirstCell)
		assert.Zero(t, r.Failed)
		assert.Equal(t, 2, r.Finished)
	}
	assert.Equal(t, []int{4, 4, 2}, sizes)
	assert.Equal(t, []int{0, 4, 8}, firsts)
	assert.Empty(t, next[0].Carry)

	index := c.ctrl.Index()
	require.NotNil(t, index)
	require.Equal(t, 2, index.Size())
	for i := 1; i < len(next); i++ {
		require.Len(t, next[i].Carry, index.Size())
		prevLast := next[i].FirstCell - 1
		for _, e := range index.Entries() {
			assert.InDelta(t, c.stored(t, e.Name, prevLast), next[i].Carry[e.Offset], 1e-12,
				"chunk %d carry of %s", i, e.Name)
		}
	}

	for cell := 0; cell < 10; cell++ {
		assert.InDelta(t, 1.2, c.stored(t, expr.GainAmplName("S2"), cell), 1e-6)
		assert.InDelta(t, 0.8, c.stored(t, expr.GainAmplName("S3"), cell), 1e-6)
	}

	st := c.ctrl.Status()
	assert.Equal(t, 3, st.ChunksTotal)
	assert.Equal(t, 3, st.ChunksDone)
	assert.Empty(t, st.Error)
	last := st.Commands[len(st.Commands)-1]
	assert.Equal(t, protocol.CmdFinalize.String(), last.Type)
}

func TestSharedParameterAcrossKernels(t *testing.T) {
	truth := defaultStore(t, map[string]float64{
		expr.GainAmplName("S2"):   1.1,
		expr.GainAmplName("S3"):   0.9,
		expr.GainAmplName("S4"):   1.2,
		expr.GainAmplName("S5"):   0.8,
		expr.GainAmplName("S6"):   1.05,
		expr.SourceFluxName("C1"): 2,
	})
	c := newCluster(t, twoKernelConfig, truth, nil)

	require.NoError(t, c.run(t))

	st := c.ctrl.Status()
	require.Len(t, st.Workers, 3)
	assert.Equal(t, "b-low", st.Workers[0].Name)
	assert.Equal(t, 0, st.Workers[0].Index)
	assert.Equal(t, "a-high", st.Workers[1].Name)
	assert.Equal(t, 1, st.Workers[1].Index)
	assert.Equal(t, "solver", st.Workers[2].Name)
	assert.Equal(t, 2, st.Workers[2].Index)

	// S2 S3 from the low kernel, S4 S5 S6 from the high one, flux once
	index := c.ctrl.Index()
	require.NotNil(t, index)
	assert.Equal(t, 6, index.Size())
	flux := 0
	for _, e := range index.Entries() {
		if e.Name == expr.SourceFluxName("C1") {
			flux++
		}
	}
	assert.Equal(t, 1, flux)

	low, high := c.kernels["b-low"], c.kernels["a-high"]
	assert.Equal(t, index.Size(), low.IndexSize())
	assert.Equal(t, index.Size(), high.IndexSize())
	lv, ok := low.Value(expr.SourceFluxName("C1"))
	require.True(t, ok)
	hv, ok := high.Value(expr.SourceFluxName("C1"))
	require.True(t, ok)
	assert.Equal(t, lv, hv)

	_, ok = low.Value(expr.GainAmplName("S1"))
	assert.False(t, ok, "excluded parameters are not indexed")
}

func TestFailedSolveStopsChunkWalk(t *testing.T) {
	truth := defaultStore(t, map[string]float64{
		expr.GainAmplName("S2"): 1.2,
		expr.GainAmplName("S3"): 0.8,
	})
	// data ends after the first chunk (cells 0..3 cover t < 40)
	c := newCluster(t, singleKernelConfig, truth, func(_ string, r assembler.DataReader) assembler.DataReader {
		return &failingReader{inner: r, from: 40}
	})

	err := c.run(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunFailed)
	assert.ErrorIs(t, err, ErrWorkerFailure)
	assert.Equal(t, StateFailed, c.ctrl.State())

	next := c.ctrl.History(protocol.CmdNextChunk)
	assert.Len(t, next, 2)

	solves := c.ctrl.History(protocol.CmdSolve)
	require.NotEmpty(t, solves)
	failed := solves[len(solves)-1]
	assert.Equal(t, 1, failed.Chunk)
	assert.Equal(t, 1, failed.Iteration)
	assert.Equal(t, 2, failed.Failed)
	assert.Contains(t, failed.Error, "no data")

	fin := c.ctrl.History(protocol.CmdFinalize)
	require.Len(t, fin, 1)
	assert.Equal(t, 2, fin[0].Finished)

	st := c.ctrl.Status()
	assert.Equal(t, 1, st.ChunksDone)
	assert.Contains(t, st.Error, "no data")
	// the first chunk was written before the failure
	assert.InDelta(t, 1.2, c.stored(t, expr.GainAmplName("S2"), 3), 1e-6)
}

func TestRegistrationFiltering(t *testing.T) {
	cfg, err := config.ParseConfigYAMLString(singleKernelConfig)
	require.NoError(t, err)
	ctrl, err := New(Options{Config: cfg, Store: parmstore.NewMemoryStore(), Conn: nil, Logger: logger.New("error", io.Discard)})
	require.NoError(t, err)
	assert.NotEmpty(t, ctrl.RunID())
	assert.Equal(t, StateWaitingForWorkers, ctrl.State())

	ctrl.onRegistration(models.WorkerRegistration{Name: "stranger", Role: models.RoleKernel})
	ctrl.onRegistration(models.WorkerRegistration{Name: "k0", Role: models.Role("observer")})
	assert.Empty(t, ctrl.kernelReg)

	ctrl.onRegistration(models.WorkerRegistration{Name: "k0", Role: models.RoleKernel, FreqStart: 1e8})
	ctrl.onRegistration(models.WorkerRegistration{Name: "k0", Role: models.RoleKernel, FreqStart: 2e8})
	ctrl.onRegistration(models.WorkerRegistration{Name: "s1", Role: models.RoleSolver})
	ctrl.onRegistration(models.WorkerRegistration{Name: "s2", Role: models.RoleSolver})
	require.Len(t, ctrl.kernelReg, 1)
	assert.Equal(t, 1e8, ctrl.kernelReg["k0"].FreqStart)
	require.NotNil(t, ctrl.solverReg)
	assert.Equal(t, "s1", ctrl.solverReg.Name)
}

func TestNewRequiresStore(t *testing.T) {
	cfg, err := config.ParseConfigYAMLString(singleKernelConfig)
	require.NoError(t, err)
	_, err = New(Options{Config: cfg})
	assert.Error(t, err)
	_, err = New(Options{Store: parmstore.NewMemoryStore()})
	assert.Error(t, err)
}
