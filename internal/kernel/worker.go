// Package kernel implements the kernel worker: it owns one frequency and
// station slice of the observation, evaluates the forward model over it and
// streams equation batches to the solver.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GoSim-25-26J-441/calibration-core/internal/assembler"
	"github.com/GoSim-25-26J-441/calibration-core/internal/coeffindex"
	"github.com/GoSim-25-26J-441/calibration-core/internal/expr"
	"github.com/GoSim-25-26J-441/calibration-core/internal/parmstore"
	"github.com/GoSim-25-26J-441/calibration-core/internal/protocol"
	"github.com/GoSim-25-26J-441/calibration-core/internal/transport"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/config"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/logger"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/utils"
)

// ErrNotInitialized is returned for chunk commands that arrive before the
// coefficient index is known.
var ErrNotInitialized = errors.New("kernel not initialized")

// Options configure a kernel worker
type Options struct {
	Name   string
	Config *config.Config
	// Store holds the starting coefficients. It is shared with the controller
	// in single-process runs.
	Store parmstore.Store
	// Reader supplies measured data; when nil one is built from the kernel's
	// data section.
	Reader assembler.DataReader
	Conn   transport.Conn
	Logger *slog.Logger
}

type cell struct {
	id      int
	grid    models.Grid
	binding *expr.Binding
	data    *assembler.DataSet
}

// Worker is one kernel process
type Worker struct {
	name   string
	cfg    *config.Config
	kcfg   config.Kernel
	store  parmstore.Store
	reader assembler.DataReader
	ep     *transport.Endpoint
	logger *slog.Logger

	strategy  *config.Strategy
	solveGrid models.SolveGrid
	solver    string
	model     *expr.Model
	asm       *assembler.Assembler
	local     []coeffindex.Entry
	columns   []int

	// command awaiting a reply from the solver
	waitSeq  uint64
	waitType protocol.CommandType
	waitIter int
	waiting  bool

	chunk     *protocol.ChunkBody
	cells     []*cell
	dataReady bool
	early     *protocol.IndexMessage

	mu    sync.RWMutex
	index *coeffindex.Index
	last  *protocol.Coefficients
}

// NewWorker creates a kernel worker for the kernel named opts.Name in opts.Config
func NewWorker(opts Options) (*Worker, error) {
	kcfg, ok := opts.Config.KernelByName(opts.Name)
	if !ok {
		return nil, fmt.Errorf("kernel %s is not configured", opts.Name)
	}
	if opts.Store == nil {
		return nil, errors.New("kernel needs a parameter store")
	}
	if opts.Logger == nil {
		opts.Logger = logger.ForWorker(string(models.RoleKernel), opts.Name)
	}
	return &Worker{
		name:   opts.Name,
		cfg:    opts.Config,
		kcfg:   *kcfg,
		store:  opts.Store,
		reader: opts.Reader,
		ep:     transport.NewEndpoint(opts.Conn),
		logger: opts.Logger,
	}, nil
}

// Name returns the kernel name
func (w *Worker) Name() string {
	return w.name
}

// LastCoefficients returns the most recent coefficients the solver sent
func (w *Worker) LastCoefficients() *protocol.Coefficients {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}

// Run registers with the controller and serves commands until Finalize or
// ctx ends. Missing input data fails the current command, not the process.
func (w *Worker) Run(ctx context.Context) error {
	if w.reader == nil {
		r, release, err := OpenReader(ctx, w.cfg.Observation, w.kcfg)
		if err != nil {
			return err
		}
		defer release()
		w.reader = r
	}

	reg := &protocol.Registration{Worker: models.WorkerRegistration{
		WorkerID:  utils.GenerateWorkerID(string(models.RoleKernel), w.name),
		Name:      w.name,
		Role:      models.RoleKernel,
		FreqStart: w.kcfg.FreqStart,
		FreqEnd:   w.kcfg.FreqEnd,
		Stations:  w.kcfg.Stations,
	}}
	if err := w.ep.Send(ctx, protocol.ControllerEndpoint, reg); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	for {
		in, err := w.ep.Recv(ctx)
		if err != nil {
			if in.From != "" && errors.Is(err, protocol.ErrProtocolViolation) {
				w.logger.Warn("dropping malformed message", "from", in.From, "error", err)
				continue
			}
			return err
		}
		done, err := w.handle(ctx, in)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (w *Worker) handle(ctx context.Context, in transport.Incoming) (bool, error) {
	switch m := in.Message.(type) {
	case *protocol.Assignment:
		w.logger.Info("assigned", "index", m.Index, "run_id", m.RunID)
	case *protocol.Command:
		return w.handleCommand(ctx, m)
	case *protocol.IndexMessage:
		return false, w.onIndex(ctx, m)
	case *protocol.Coefficients:
		return false, w.onCoefficients(ctx, m)
	default:
		w.logger.Warn("unexpected message", "from", in.From, "frame", in.Message.FrameName())
	}
	return false, nil
}

func (w *Worker) handleCommand(ctx context.Context, cmd *protocol.Command) (bool, error) {
	var err error
	switch cmd.Type {
	case protocol.CmdInitialize:
		err = w.initialize(ctx, cmd)
	case protocol.CmdNextChunk:
		err = w.nextChunk(ctx, cmd)
	case protocol.CmdSolve:
		err = w.solve(ctx, cmd)
	case protocol.CmdFinalize:
		w.waiting = false
		return true, w.ack(ctx, cmd.Seq, 0, nil)
	default:
		err = fmt.Errorf("unknown command %s", cmd.Type)
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		w.logger.Error("command failed", "command", cmd.Type.String(), "seq", cmd.Seq, "error", err)
		w.waiting = false
		if relErr := w.release(ctx, cmd); relErr != nil {
			return false, relErr
		}
		return false, w.ack(ctx, cmd.Seq, models.ReadinessFailed, err)
	}
	return false, nil
}

// initialize builds the model for the owned slice, marks the solvable
// parameters and reports them to the solver.
func (w *Worker) initialize(ctx context.Context, cmd *protocol.Command) error {
	if cmd.Init == nil {
		return errors.New("initialize without body")
	}
	strategy, err := config.ParseStrategyYAML([]byte(cmd.Init.Strategy))
	if err != nil {
		return err
	}
	w.strategy = strategy
	w.solver = cmd.Init.Solver
	w.solveGrid = models.SolveGrid{Data: w.cfg.Observation.Grid(), CellSize: strategy.CellSize}

	model, err := expr.BuildModel(w.cfg.Observation, w.kcfg.Stations, ownedDomain(w.cfg.Observation, w.kcfg))
	if err != nil {
		return err
	}
	first, err := w.solveGrid.CellDomain(0)
	if err != nil {
		return err
	}
	binding, err := model.LoadCell(ctx, w.store, first)
	if err != nil {
		return err
	}
	if err := model.Apply(binding); err != nil {
		return err
	}
	local, err := model.SetSolvable(strategy.Solvable, strategy.Excluded)
	if err != nil {
		return err
	}
	w.model = model
	w.local = local
	w.asm = assembler.New(model, strategy.Parallelism).WithLogger(w.logger)

	req := &protocol.IndexRequest{Kernel: w.name}
	for _, e := range local {
		req.Entries = append(req.Entries, protocol.IndexRequestEntry{Name: e.Name, Count: int32(e.Length)})
	}
	w.logger.Info("solvable parameters", "count", len(local), "coefficients", model.NSpid())
	if err := w.ep.Send(ctx, w.solver, req); err != nil {
		return err
	}
	w.await(cmd, 0)
	if early := w.early; early != nil {
		w.early = nil
		return w.onIndex(ctx, early)
	}
	return nil
}

// release sends the solver what it waits for from this kernel when cmd
// failed before reaching it, so the other workers can still complete cmd.
func (w *Worker) release(ctx context.Context, cmd *protocol.Command) error {
	if w.solver == "" {
		return nil
	}
	switch cmd.Type {
	case protocol.CmdInitialize:
		if w.model == nil {
			return w.ep.Send(ctx, w.solver, &protocol.IndexRequest{Kernel: w.name})
		}
	case protocol.CmdNextChunk:
		if cmd.Chunk != nil {
			w.chunk, w.cells = nil, nil
			return w.ep.Send(ctx, w.solver, &protocol.InitialValues{Kernel: w.name, ChunkSeq: uint64(cmd.Chunk.Index)})
		}
	}
	return nil
}

func (w *Worker) onIndex(ctx context.Context, m *protocol.IndexMessage) error {
	if w.index == nil && w.model == nil {
		// the solver answered before this kernel saw Initialize
		w.early = m
		return nil
	}
	if !w.waiting || w.waitType != protocol.CmdInitialize {
		w.logger.Warn("unexpected coefficient index")
		return nil
	}
	entries := make([]coeffindex.Entry, len(m.Entries))
	for i, e := range m.Entries {
		entries[i] = coeffindex.Entry{Name: e.Name, Offset: int(e.Offset), Length: int(e.Length)}
	}
	index, err := coeffindex.NewIndex(entries)
	if err == nil {
		w.columns, err = index.Mapping(w.local)
	}
	w.waiting = false
	if err != nil {
		return w.ack(ctx, w.waitSeq, models.ReadinessFailed, err)
	}
	w.mu.Lock()
	w.index = index
	w.mu.Unlock()
	w.logger.Debug("coefficient index received", "size", index.Size())
	return w.ack(ctx, w.waitSeq, 0, nil)
}

// nextChunk binds every cell of the chunk and reports its starting values
// to the solver in global numbering.
func (w *Worker) nextChunk(ctx context.Context, cmd *protocol.Command) error {
	if w.index == nil {
		return ErrNotInitialized
	}
	if cmd.Chunk == nil {
		return errors.New("next chunk without body")
	}
	c := cmd.Chunk
	w.chunk = c
	w.cells = w.cells[:0]
	w.dataReady = false

	owned := ownedDomain(w.cfg.Observation, w.kcfg)
	msg := &protocol.InitialValues{Kernel: w.name, ChunkSeq: uint64(c.Index)}
	for id := int(c.FirstCell); id < int(c.FirstCell+c.CellCount); id++ {
		domain, err := w.solveGrid.CellDomain(id)
		if err != nil {
			return err
		}
		binding, err := w.model.LoadCell(ctx, w.store, domain)
		if err != nil {
			return err
		}
		cl := &cell{id: id, binding: binding}
		if d, ok := domain.Intersect(owned); ok {
			cl.grid = w.solveGrid.Data.Sub(d)
		}
		if id == int(c.FirstCell) && len(c.Carry) > 0 {
			if err := w.setGlobal(binding, c.Carry); err != nil {
				return fmt.Errorf("carry: %w", err)
			}
		}
		w.cells = append(w.cells, cl)
		msg.Cells = append(msg.Cells, w.globalValues(cl))
	}
	if err := w.ep.Send(ctx, w.solver, msg); err != nil {
		return err
	}
	w.await(cmd, 0)
	return nil
}

// globalValues lays the cell's solvable values out at their global offsets
func (w *Worker) globalValues(c *cell) protocol.CellValues {
	values := w.model.Values(c.binding)
	out := protocol.CellValues{CellID: int32(c.id)}
	for _, e := range w.local {
		g, _ := w.index.Lookup(e.Name)
		out.Intervals = append(out.Intervals, protocol.Interval{
			Offset: int32(g.Offset),
			Values: append([]float64(nil), values[e.Offset:e.Offset+e.Length]...),
		})
	}
	return out
}

// setGlobal writes the local part of a global vector into b
func (w *Worker) setGlobal(b *expr.Binding, global []float64) error {
	if len(global) != w.index.Size() {
		return fmt.Errorf("vector of %d for an index of %d", len(global), w.index.Size())
	}
	local := make([]float64, len(w.columns))
	for i, g := range w.columns {
		local[i] = global[g]
	}
	return w.model.SetValues(b, local)
}

// solve assembles every cell of the chunk and streams the rows to the
// solver, closing the round with a final batch.
func (w *Worker) solve(ctx context.Context, cmd *protocol.Command) error {
	if w.index == nil || w.chunk == nil {
		return ErrNotInitialized
	}
	iter := cmd.Iteration
	if err := w.assemble(ctx, iter); err != nil {
		// the solver must still close the round. The failed ack ends the run;
		// the kernel keeps serving so it can answer Finalize.
		fail := &protocol.EquationBatch{
			Kernel:    w.name,
			ChunkSeq:  uint64(w.chunk.Index),
			Iteration: iter,
			Cell:      -1,
			Final:     true,
			Failed:    true,
			Error:     err.Error(),
		}
		if sendErr := w.ep.Send(ctx, w.solver, fail); sendErr != nil {
			return errors.Join(err, sendErr)
		}
		return err
	}
	w.await(cmd, int(iter))
	return nil
}

func (w *Worker) assemble(ctx context.Context, iter int32) error {
	if !w.dataReady {
		for _, c := range w.cells {
			if c.grid.Empty() {
				continue
			}
			data, err := w.reader.ReadSelection(ctx, c.grid, w.model.Baselines())
			if err != nil {
				return fmt.Errorf("read cell %d: %w", c.id, err)
			}
			c.data = data
		}
		w.dataReady = true
	}

	chunkSeq := uint64(w.chunk.Index)
	rows := 0
	for _, c := range w.cells {
		if c.grid.Empty() {
			continue
		}
		if err := w.model.Apply(c.binding); err != nil {
			return err
		}
		if err := w.asm.Begin(ctx, c.id, w.model.NewRequest(c.grid), c.data, w.columns); err != nil {
			return fmt.Errorf("assemble cell %d: %w", c.id, err)
		}
		for {
			batch, status, err := w.asm.Next(ctx, w.strategy.BatchRows)
			if err != nil {
				return err
			}
			if len(batch.Rows) > 0 {
				if err := w.ep.Send(ctx, w.solver, toWire(w.name, chunkSeq, iter, batch)); err != nil {
					return err
				}
				rows += len(batch.Rows)
			}
			if status == assembler.Exhausted {
				break
			}
		}
	}
	w.logger.Debug("equations sent", "chunk", w.chunk.Index, "iteration", iter, "rows", rows)
	return w.ep.Send(ctx, w.solver, &protocol.EquationBatch{Kernel: w.name, ChunkSeq: chunkSeq, Iteration: iter, Cell: -1, Final: true})
}

func toWire(kernel string, chunk uint64, iter int32, b *assembler.Batch) *protocol.EquationBatch {
	out := &protocol.EquationBatch{Kernel: kernel, ChunkSeq: chunk, Iteration: iter, Cell: int32(b.Cell), Rows: make([]protocol.Row, len(b.Rows))}
	for i, r := range b.Rows {
		idx := make([]int32, len(r.Indices))
		for k, c := range r.Indices {
			idx[k] = int32(c)
		}
		out.Rows[i] = protocol.Row{Indices: idx, Values: r.Values, Residual: r.Residual, Weight: r.Weight}
	}
	return out
}

// onCoefficients feeds solved vectors back into the cell bindings and
// completes the command that was waiting for them.
func (w *Worker) onCoefficients(ctx context.Context, m *protocol.Coefficients) error {
	if w.chunk == nil || m.ChunkSeq != uint64(w.chunk.Index) {
		w.logger.Debug("ignoring coefficients for another chunk", "chunk", m.ChunkSeq)
		return nil
	}
	w.mu.Lock()
	w.last = m
	w.mu.Unlock()

	byID := make(map[int]*cell, len(w.cells))
	for _, c := range w.cells {
		byID[c.id] = c
	}
	var updateErr error
	for _, s := range m.Solutions {
		c, ok := byID[s.CellID]
		if !ok {
			continue
		}
		if err := w.setGlobal(c.binding, s.Coeffs); err != nil {
			updateErr = fmt.Errorf("cell %d: %w", s.CellID, err)
			break
		}
	}

	if !w.waiting || int(m.Iteration) != w.waitIter {
		return nil
	}
	switch w.waitType {
	case protocol.CmdNextChunk, protocol.CmdSolve:
	default:
		return nil
	}
	w.waiting = false
	if updateErr != nil {
		return w.ack(ctx, w.waitSeq, models.ReadinessFailed, updateErr)
	}
	return w.ack(ctx, w.waitSeq, m.Readiness, nil)
}

// Value returns the coefficients of a solvable parameter in the first cell
// of the latest solver reply.
func (w *Worker) Value(name string) ([]float64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.last == nil || len(w.last.Solutions) == 0 || w.index == nil {
		return nil, false
	}
	e, ok := w.index.Lookup(name)
	if !ok {
		return nil, false
	}
	coeffs := w.last.Solutions[0].Coeffs
	if e.Offset+e.Length > len(coeffs) {
		return nil, false
	}
	return append([]float64(nil), coeffs[e.Offset:e.Offset+e.Length]...), true
}

// IndexSize returns the length of the negotiated coefficient vector, or 0
// before negotiation.
func (w *Worker) IndexSize() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.index == nil {
		return 0
	}
	return w.index.Size()
}

func (w *Worker) await(cmd *protocol.Command, iter int) {
	w.waitSeq, w.waitType, w.waitIter, w.waiting = cmd.Seq, cmd.Type, iter, true
}

func (w *Worker) ack(ctx context.Context, seq uint64, readiness models.Readiness, err error) error {
	a := &protocol.Ack{Seq: seq, Worker: w.name, Readiness: readiness}
	if err != nil {
		a.Failed = 1
		a.Error = err.Error()
	} else {
		a.Finished = 1
	}
	return w.ep.Send(ctx, protocol.ControllerEndpoint, a)
}

// ownedDomain is the kernel's frequency range over the whole observation
func ownedDomain(obs config.Observation, k config.Kernel) models.Domain {
	return models.Domain{
		StartFreq: k.FreqStart,
		EndFreq:   k.FreqEnd,
		StartTime: obs.Time.Start,
		EndTime:   obs.Time.End(),
	}
}
