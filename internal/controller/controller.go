// Package controller drives a calibration run: it registers the workers,
// negotiates the coefficient index and walks the solve grid chunk by chunk,
// writing every solved cell back to the parameter store.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoSim-25-26J-441/calibration-core/internal/coeffindex"
	"github.com/GoSim-25-26J-441/calibration-core/internal/metrics"
	"github.com/GoSim-25-26J-441/calibration-core/internal/parmstore"
	"github.com/GoSim-25-26J-441/calibration-core/internal/protocol"
	"github.com/GoSim-25-26J-441/calibration-core/internal/transport"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/config"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/logger"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/utils"
)

const tracerName = "github.com/GoSim-25-26J-441/calibration-core/internal/controller"

var (
	// ErrWorkerFailure is returned when a worker reports a failed command
	ErrWorkerFailure = errors.New("worker reported failure")
	// ErrRunFailed wraps the cause of a run ending in the Failed state
	ErrRunFailed = errors.New("calibration run failed")
)

// Options configure a controller
type Options struct {
	Config *config.Config
	// Store receives the solved coefficients of every cell
	Store     parmstore.Store
	Conn      transport.Conn
	Collector *metrics.Collector
	Logger    *slog.Logger
	RunID     string
}

// Controller orchestrates one calibration run. Only Run blocks; the status
// accessors may be called from any goroutine.
type Controller struct {
	cfg       *config.Config
	store     parmstore.Store
	ep        *transport.Endpoint
	collector *metrics.Collector
	logger    *slog.Logger
	tracer    trace.Tracer
	grid      models.SolveGrid
	run       *runState

	mu        sync.Mutex
	seq       uint64
	pending   map[uint64]*Future
	kernelReg map[string]models.WorkerRegistration
	solverReg *models.WorkerRegistration
	regNotify chan struct{}
	index     *coeffindex.Index
	inboxErr  error
	kernels   []string
	solver    string
	workers   []string

	// chunk being processed, -1 outside Processing
	current int
}

// New creates a controller
func New(opts Options) (*Controller, error) {
	if opts.Config == nil {
		return nil, errors.New("controller needs a configuration")
	}
	if opts.Store == nil {
		return nil, errors.New("controller needs a parameter store")
	}
	if opts.Collector == nil {
		opts.Collector = metrics.NewCollector()
	}
	if opts.RunID == "" {
		opts.RunID = utils.GenerateRunID()
	}
	if opts.Logger == nil {
		opts.Logger = logger.With("role", string(models.RoleController), "run_id", opts.RunID)
	}
	return &Controller{
		cfg:       opts.Config,
		store:     opts.Store,
		ep:        transport.NewEndpoint(opts.Conn),
		collector: opts.Collector,
		logger:    opts.Logger,
		tracer:    otel.Tracer(tracerName),
		grid:      models.SolveGrid{Data: opts.Config.Observation.Grid(), CellSize: opts.Config.Strategy.CellSize},
		run:       newRunState(opts.RunID),
		pending:   make(map[uint64]*Future),
		kernelReg: make(map[string]models.WorkerRegistration),
		regNotify: make(chan struct{}, 1),
		current:   -1,
	}, nil
}

// RunID returns the id of the run
func (c *Controller) RunID() string {
	return c.run.snapshot().RunID
}

// State returns the current state
func (c *Controller) State() State {
	return c.run.state()
}

// Status returns a copy of the run status including the command history
func (c *Controller) Status() RunStatus {
	return c.run.snapshot()
}

// History returns the issued commands of one type in issue order
func (c *Controller) History(t protocol.CommandType) []CommandRecord {
	return c.run.commands(t)
}

// Collector returns the run diagnostics
func (c *Controller) Collector() *metrics.Collector {
	return c.collector
}

// Index returns the negotiated coefficient index, nil before negotiation
func (c *Controller) Index() *coeffindex.Index {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// Run executes the whole calibration. A failed run still finalizes every
// worker and returns an error wrapping ErrRunFailed.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.dispatch(ctx)

	c.collector.Start()
	c.logger.Info("waiting for workers", "kernels", len(c.cfg.Kernels))
	err := c.register(ctx)
	if err == nil {
		c.run.setState(StateInitializing)
		err = c.initialize(ctx)
	}
	if err == nil {
		c.run.setState(StateProcessing)
		err = c.process(ctx)
	}
	if err != nil {
		c.run.fail(err)
		c.logger.Error("run failed", "error", err)
	}

	c.current = -1
	if len(c.roster()) > 0 && ctx.Err() == nil {
		if ferr := c.finalize(ctx); ferr != nil {
			c.logger.Error("finalize failed", "error", ferr)
			if err == nil {
				err = ferr
				c.run.fail(err)
			}
		}
	}
	c.collector.Stop()

	if err != nil {
		return fmt.Errorf("%w: %w", ErrRunFailed, err)
	}
	c.run.setState(StateDone)
	c.logger.Info("run complete", metrics.SummaryAttrs(c.collector.Summary())...)
	return nil
}

// dispatch routes every incoming message until ctx ends or the inbox breaks
func (c *Controller) dispatch(ctx context.Context) {
	for {
		in, err := c.ep.Recv(ctx)
		if err != nil {
			if in.From != "" && errors.Is(err, protocol.ErrProtocolViolation) {
				c.logger.Warn("dropping malformed message", "from", in.From, "error", err)
				continue
			}
			c.closeInbox(err)
			return
		}
		switch m := in.Message.(type) {
		case *protocol.Registration:
			c.onRegistration(m.Worker)
		case *protocol.Ack:
			c.onAck(m)
		case *protocol.IndexMessage:
			c.onIndex(m)
		default:
			c.logger.Warn("unexpected message", "from", in.From, "frame", in.Message.FrameName())
		}
	}
}

func (c *Controller) closeInbox(err error) {
	c.mu.Lock()
	c.inboxErr = err
	pending := make([]*Future, 0, len(c.pending))
	for _, f := range c.pending {
		pending = append(pending, f)
	}
	c.mu.Unlock()
	for _, f := range pending {
		f.abort(err)
	}
	c.notifyRegistration()
}

func (c *Controller) notifyRegistration() {
	select {
	case c.regNotify <- struct{}{}:
	default:
	}
}

func (c *Controller) onRegistration(reg models.WorkerRegistration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.workers != nil {
		c.logger.Warn("registration after the roster closed", "worker", reg.Name)
		return
	}
	switch reg.Role {
	case models.RoleKernel:
		if _, ok := c.cfg.KernelByName(reg.Name); !ok {
			c.logger.Warn("registration from unconfigured kernel", "worker", reg.Name)
			return
		}
		if _, dup := c.kernelReg[reg.Name]; dup {
			c.logger.Warn("duplicate kernel registration", "worker", reg.Name)
			return
		}
		c.kernelReg[reg.Name] = reg
	case models.RoleSolver:
		if c.solverReg != nil {
			c.logger.Warn("second solver registration", "worker", reg.Name, "solver", c.solverReg.Name)
			return
		}
		r := reg
		c.solverReg = &r
	default:
		c.logger.Warn("registration with invalid role", "worker", reg.Name, "role", reg.Role)
		return
	}
	c.logger.Info("worker registered", "worker", reg.Name, "role", reg.Role, "worker_id", reg.WorkerID)
	c.notifyRegistration()
}

func (c *Controller) onAck(a *protocol.Ack) {
	c.mu.Lock()
	f := c.pending[a.Seq]
	known := false
	for _, w := range c.workers {
		if w == a.Worker {
			known = true
			break
		}
	}
	c.mu.Unlock()
	switch {
	case f == nil:
		c.logger.Warn("ack for unknown command", "seq", a.Seq, "worker", a.Worker)
	case !known:
		c.logger.Warn("ack from unknown worker", "seq", a.Seq, "worker", a.Worker)
	default:
		f.add(a)
	}
}

func (c *Controller) onIndex(m *protocol.IndexMessage) {
	entries := make([]coeffindex.Entry, len(m.Entries))
	for i, e := range m.Entries {
		entries[i] = coeffindex.Entry{Name: e.Name, Offset: int(e.Offset), Length: int(e.Length)}
	}
	index, err := coeffindex.NewIndex(entries)
	if err != nil {
		c.logger.Error("invalid coefficient index", "error", err)
		return
	}
	c.mu.Lock()
	c.index = index
	c.mu.Unlock()
}

func (c *Controller) roster() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workers
}

// register waits for every configured kernel and one solver, then assigns
// indices: kernels by ascending start frequency, the solver last.
func (c *Controller) register(ctx context.Context) error {
	need := len(c.cfg.Kernels)
	for {
		c.mu.Lock()
		complete := len(c.kernelReg) == need && c.solverReg != nil
		inboxErr := c.inboxErr
		c.mu.Unlock()
		if inboxErr != nil {
			return fmt.Errorf("waiting for workers: %w", inboxErr)
		}
		if complete {
			break
		}
		select {
		case <-c.regNotify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	regs := make([]models.WorkerRegistration, 0, need)
	for _, r := range c.kernelReg {
		regs = append(regs, r)
	}
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].FreqStart != regs[j].FreqStart {
			return regs[i].FreqStart < regs[j].FreqStart
		}
		return regs[i].Name < regs[j].Name
	})
	infos := make([]WorkerInfo, 0, need+1)
	c.kernels = make([]string, len(regs))
	for i, r := range regs {
		c.kernels[i] = r.Name
		infos = append(infos, WorkerInfo{Name: r.Name, Role: r.Role, Index: i, FreqStart: r.FreqStart, FreqEnd: r.FreqEnd})
	}
	c.solver = c.solverReg.Name
	infos = append(infos, WorkerInfo{Name: c.solver, Role: models.RoleSolver, Index: len(regs)})
	c.workers = append(append([]string(nil), c.kernels...), c.solver)
	c.mu.Unlock()

	c.run.setWorkers(infos)
	runID := c.RunID()
	for _, info := range infos {
		if err := c.ep.Send(ctx, info.Name, &protocol.Assignment{Index: int32(info.Index), RunID: runID}); err != nil {
			return fmt.Errorf("assign %s: %w", info.Name, err)
		}
	}
	c.logger.Info("workers assigned", "kernels", c.kernels, "solver", c.solver)
	return nil
}

// initialize sends the strategy and roster and waits for index negotiation
func (c *Controller) initialize(ctx context.Context) error {
	strategy, err := config.MarshalStrategyYAML(&c.cfg.Strategy)
	if err != nil {
		return err
	}
	cmd := &protocol.Command{Type: protocol.CmdInitialize, Init: &protocol.InitializeBody{
		RunID:    c.RunID(),
		Strategy: string(strategy),
		Kernels:  c.kernels,
		Solver:   c.solver,
	}}
	if _, err := c.issue(ctx, cmd); err != nil {
		return err
	}
	index := c.Index()
	if index == nil {
		return errors.New("solver did not publish a coefficient index")
	}
	if index.Size() == 0 {
		return errors.New("no solvable coefficients")
	}
	c.logger.Info("coefficient index negotiated", "parameters", len(index.Entries()), "size", index.Size())
	return nil
}

// process walks the solve grid chunk by chunk, carrying the last solved cell
// of each chunk into the first cell of the next.
func (c *Controller) process(ctx context.Context) error {
	chunks, err := c.grid.Chunks(c.cfg.Strategy.ChunkSize)
	if err != nil {
		return err
	}
	c.run.setPlan(len(chunks), c.Index().Size())
	var carry []float64
	for _, ch := range chunks {
		sols, err := c.processChunk(ctx, ch, carry)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", ch.Index, err)
		}
		carry = sols[len(sols)-1].Coeffs
	}
	return nil
}

func (c *Controller) processChunk(ctx context.Context, ch models.Chunk, carry []float64) (sols []models.CellSolution, err error) {
	ctx, span := c.tracer.Start(ctx, "controller.chunk", trace.WithAttributes(
		attribute.Int("chunk", ch.Index),
		attribute.Int("first_cell", ch.FirstCell),
		attribute.Int("cells", ch.CellCount),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	c.current = ch.Index
	start := time.Now()
	next := &protocol.Command{Type: protocol.CmdNextChunk, Chunk: &protocol.ChunkBody{
		Index:     int32(ch.Index),
		FreqStart: ch.Domain.StartFreq,
		FreqEnd:   ch.Domain.EndFreq,
		TimeStart: ch.Domain.StartTime,
		TimeEnd:   ch.Domain.EndTime,
		FirstCell: int32(ch.FirstCell),
		CellCount: int32(ch.CellCount),
		Carry:     carry,
	}}
	if _, err := c.issue(ctx, next); err != nil {
		return nil, err
	}

	var last Tally
	iter := 0
	for iter < c.cfg.Strategy.MaxIterations {
		iter++
		t, err := c.issue(ctx, &protocol.Command{Type: protocol.CmdSolve, Iteration: int32(iter)})
		if err != nil {
			return nil, err
		}
		last = t
		if t.Readiness == models.ReadinessConverged {
			break
		}
	}
	if last.Readiness != models.ReadinessConverged {
		c.logger.Warn("chunk reached the iteration cap", "chunk", ch.Index, "iterations", iter)
	}
	if len(last.Solutions) != ch.CellCount {
		return nil, fmt.Errorf("solver returned %d solutions for %d cells", len(last.Solutions), ch.CellCount)
	}
	if err := c.writeSolutions(ctx, last.Solutions); err != nil {
		return nil, err
	}

	metrics.RecordChunk(c.collector, ch.Index, iter, time.Since(start))
	c.run.chunkDone()
	span.SetAttributes(attribute.Int("iterations", iter), attribute.String("readiness", last.Readiness.String()))
	c.logger.Info("chunk solved", "chunk", ch.Index, "iterations", iter, "readiness", last.Readiness.String())
	return last.Solutions, nil
}

// writeSolutions stores each parameter of each solved cell over the cell's
// domain, keeping the shape of the funklet that applied there before.
func (c *Controller) writeSolutions(ctx context.Context, sols []models.CellSolution) error {
	index := c.Index()
	for _, s := range sols {
		domain, err := c.grid.CellDomain(s.CellID)
		if err != nil {
			return err
		}
		if len(s.Coeffs) != index.Size() {
			return fmt.Errorf("cell %d: %d coefficients for an index of %d", s.CellID, len(s.Coeffs), index.Size())
		}
		for _, e := range index.Entries() {
			tmpl, err := parmstore.Resolve(ctx, c.store, e.Name, domain)
			if err != nil {
				return fmt.Errorf("cell %d: %w", s.CellID, err)
			}
			if tmpl.NCoeffs() != e.Length {
				return fmt.Errorf("cell %d: %s has %d coefficients, index has %d", s.CellID, e.Name, tmpl.NCoeffs(), e.Length)
			}
			f := tmpl.Clone()
			copy(f.Coeffs, s.Coeffs[e.Offset:e.Offset+e.Length])
			f.Domain = domain
			if err := c.store.PutCoefficients(ctx, e.Name, domain, f); err != nil {
				return fmt.Errorf("cell %d: %w", s.CellID, err)
			}
		}
	}
	return nil
}

func (c *Controller) finalize(ctx context.Context) error {
	_, err := c.issue(ctx, &protocol.Command{Type: protocol.CmdFinalize})
	return err
}

// issue sends cmd to every worker and blocks until all of them answered.
// Any failed ack turns into ErrWorkerFailure.
func (c *Controller) issue(ctx context.Context, cmd *protocol.Command) (Tally, error) {
	c.mu.Lock()
	if c.inboxErr != nil {
		err := c.inboxErr
		c.mu.Unlock()
		return Tally{}, fmt.Errorf("inbox closed: %w", err)
	}
	c.seq++
	cmd.Seq = c.seq
	f := newFuture(cmd.Seq, cmd.Type, len(c.workers), c.solver)
	c.pending[cmd.Seq] = f
	workers := c.workers
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, cmd.Seq)
		c.mu.Unlock()
	}()

	rec := CommandRecord{Seq: cmd.Seq, Type: cmd.Type.String(), Chunk: c.current, Iteration: int(cmd.Iteration), IssuedAt: time.Now()}
	if cmd.Chunk != nil {
		rec.FirstCell = int(cmd.Chunk.FirstCell)
		rec.CellCount = int(cmd.Chunk.CellCount)
		rec.Carry = append([]float64(nil), cmd.Chunk.Carry...)
	}
	pos := c.run.issued(rec)

	if err := c.ep.Broadcast(ctx, workers, cmd); err != nil {
		c.run.completed(pos, Tally{}, err)
		return Tally{}, fmt.Errorf("send %s: %w", cmd.Type, err)
	}
	t, err := f.Wait(ctx)
	c.run.completed(pos, t, err)
	if err != nil {
		return t, fmt.Errorf("%s %d: %w", cmd.Type, cmd.Seq, err)
	}
	if t.Failed > 0 {
		c.collector.RecordNow(metrics.MetricFailedCommands, float64(t.Failed), map[string]string{"command": cmd.Type.String()})
		return t, fmt.Errorf("%s %d: %w: %s", cmd.Type, cmd.Seq, ErrWorkerFailure, t.ErrorText())
	}
	return t, nil
}
