package solver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoSim-25-26J-441/calibration-core/internal/coeffindex"
	"github.com/GoSim-25-26J-441/calibration-core/internal/metrics"
	"github.com/GoSim-25-26J-441/calibration-core/internal/protocol"
	"github.com/GoSim-25-26J-441/calibration-core/internal/transport"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/config"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/logger"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/utils"
)

const tracerName = "github.com/GoSim-25-26J-441/calibration-core/internal/solver"

// Options configure a solver worker
type Options struct {
	Name      string
	Conn      transport.Conn
	Collector *metrics.Collector
	Logger    *slog.Logger
}

// Worker is the solver process: it negotiates the coefficient index, merges
// equation batches from every kernel and answers each round with updated
// coefficients.
type Worker struct {
	name      string
	ep        *transport.Endpoint
	collector *metrics.Collector
	logger    *slog.Logger
	tracer    trace.Tracer

	runID    string
	kernels  []string
	settings Settings
	registry *coeffindex.Registry
	agg      *Aggregator

	initSeq   uint64
	initOpen  bool
	chunkSeq  uint64
	chunkOpen bool
	solveSeqs map[int]uint64
	indexErr  error
	// messages for a chunk that has not been opened yet
	pending []protocol.Message
}

// NewWorker creates a solver worker
func NewWorker(opts Options) *Worker {
	if opts.Collector == nil {
		opts.Collector = metrics.NewCollector()
	}
	if opts.Logger == nil {
		opts.Logger = logger.ForWorker(string(models.RoleSolver), opts.Name)
	}
	return &Worker{
		name:      opts.Name,
		ep:        transport.NewEndpoint(opts.Conn),
		collector: opts.Collector,
		logger:    opts.Logger,
		tracer:    otel.Tracer(tracerName),
		registry:  coeffindex.NewRegistry(),
		solveSeqs: make(map[int]uint64),
	}
}

// Collector returns the diagnostics collector
func (w *Worker) Collector() *metrics.Collector {
	return w.collector
}

// Run registers with the controller and serves messages until Finalize or
// ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	reg := &protocol.Registration{Worker: models.WorkerRegistration{
		WorkerID: utils.GenerateWorkerID(string(models.RoleSolver), w.name),
		Name:     w.name,
		Role:     models.RoleSolver,
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
			w.logger.Info("solver finished", metrics.SummaryAttrs(w.collector.Summary())...)
			return nil
		}
	}
}

func (w *Worker) handle(ctx context.Context, in transport.Incoming) (bool, error) {
	switch m := in.Message.(type) {
	case *protocol.Assignment:
		w.runID = m.RunID
		w.logger.Info("assigned", "index", m.Index, "run_id", m.RunID)
	case *protocol.Command:
		return w.handleCommand(ctx, m)
	case *protocol.IndexRequest:
		reqs := make([]coeffindex.Request, len(m.Entries))
		for i, e := range m.Entries {
			reqs[i] = coeffindex.Request{Name: e.Name, Count: int(e.Count)}
		}
		if err := w.registry.Register(m.Kernel, reqs); err != nil {
			w.logger.Error("rejected index request", "kernel", m.Kernel, "error", err)
			if !w.initOpen {
				w.indexErr = err
				return false, nil
			}
			return false, w.failIndex(ctx, err)
		}
		return false, w.tryIndex(ctx)
	case *protocol.InitialValues:
		return false, w.onChunkData(ctx, m, m.ChunkSeq)
	case *protocol.EquationBatch:
		return false, w.onChunkData(ctx, m, m.ChunkSeq)
	default:
		w.logger.Warn("unexpected message", "from", in.From, "frame", in.Message.FrameName())
	}
	return false, nil
}

func (w *Worker) handleCommand(ctx context.Context, cmd *protocol.Command) (bool, error) {
	switch cmd.Type {
	case protocol.CmdInitialize:
		if cmd.Init == nil {
			return false, w.ack(ctx, cmd.Seq, errors.New("initialize without body"))
		}
		strategy, err := config.ParseStrategyYAML([]byte(cmd.Init.Strategy))
		if err != nil {
			return false, w.ack(ctx, cmd.Seq, err)
		}
		w.runID = cmd.Init.RunID
		w.kernels = append([]string(nil), cmd.Init.Kernels...)
		w.settings = Settings{LMFactor: strategy.LMFactor, Tolerance: strategy.Tolerance}
		w.initSeq, w.initOpen = cmd.Seq, true
		w.logger.Info("initializing", "run_id", w.runID, "kernels", len(w.kernels))
		if w.indexErr != nil {
			return false, w.failIndex(ctx, w.indexErr)
		}
		return false, w.tryIndex(ctx)

	case protocol.CmdNextChunk:
		if w.agg == nil || cmd.Chunk == nil {
			return false, w.ack(ctx, cmd.Seq, errors.New("next chunk before the index was built"))
		}
		c := cmd.Chunk
		w.agg.BeginChunk(uint64(c.Index), int(c.FirstCell), int(c.CellCount))
		w.chunkSeq, w.chunkOpen = cmd.Seq, true
		w.solveSeqs = make(map[int]uint64)
		if err := w.agg.ApplyCarry(c.Carry); err != nil {
			return false, w.failChunk(ctx, err)
		}
		w.logger.Debug("chunk opened", "chunk", c.Index, "first_cell", c.FirstCell, "cells", c.CellCount)
		if err := w.replayPending(ctx, uint64(c.Index)); err != nil {
			return false, err
		}
		return false, w.tryStart(ctx)

	case protocol.CmdSolve:
		if w.agg == nil {
			return false, w.ack(ctx, cmd.Seq, errors.New("solve before the index was built"))
		}
		iter := int(cmd.Iteration)
		w.solveSeqs[iter] = cmd.Seq
		return false, w.trySolve(ctx, iter)

	case protocol.CmdFinalize:
		w.collector.Stop()
		return true, w.ack(ctx, cmd.Seq, nil)
	}
	return false, w.ack(ctx, cmd.Seq, fmt.Errorf("unknown command %s", cmd.Type))
}

// onChunkData routes an initial value or batch message to the aggregator,
// holding it back when its chunk has not been opened yet.
func (w *Worker) onChunkData(ctx context.Context, m protocol.Message, chunk uint64) error {
	active, open := uint64(0), false
	if w.agg != nil {
		active, open = w.agg.Chunk()
	}
	if !open || chunk > active {
		w.pending = append(w.pending, m)
		return nil
	}
	if chunk < active {
		w.logger.Debug("dropping stale message", "frame", m.FrameName(), "chunk", chunk)
		return nil
	}
	return w.apply(ctx, m)
}

func (w *Worker) apply(ctx context.Context, m protocol.Message) error {
	switch m := m.(type) {
	case *protocol.InitialValues:
		if err := w.agg.AddInitial(m); err != nil {
			w.logger.Error("bad initial values", "kernel", m.Kernel, "error", err)
			return w.failChunk(ctx, err)
		}
		return w.tryStart(ctx)
	case *protocol.EquationBatch:
		if err := w.agg.AddBatch(m); err != nil {
			// the round records the failure and reports it when solved
			w.logger.Error("bad equation batch", "kernel", m.Kernel, "iteration", m.Iteration, "error", err)
		} else if len(m.Rows) > 0 {
			metrics.RecordEquationRows(w.collector, m.Kernel, len(m.Rows))
		}
		return w.trySolve(ctx, int(m.Iteration))
	}
	return nil
}

func (w *Worker) replayPending(ctx context.Context, chunk uint64) error {
	held := w.pending
	w.pending = nil
	for _, m := range held {
		var seq uint64
		switch m := m.(type) {
		case *protocol.InitialValues:
			seq = m.ChunkSeq
		case *protocol.EquationBatch:
			seq = m.ChunkSeq
		}
		switch {
		case seq == chunk:
			if err := w.apply(ctx, m); err != nil {
				return err
			}
		case seq > chunk:
			w.pending = append(w.pending, m)
		}
	}
	return nil
}

// tryIndex builds and distributes the index once Initialize arrived and
// every kernel has reported its solvable parameters.
func (w *Worker) tryIndex(ctx context.Context) error {
	if !w.initOpen {
		return nil
	}
	for _, k := range w.kernels {
		if !w.registry.Has(k) {
			return nil
		}
	}
	index, err := w.registry.Build(w.kernels)
	if err != nil {
		return w.failIndex(ctx, err)
	}
	msg := &protocol.IndexMessage{}
	for _, e := range index.Entries() {
		msg.Entries = append(msg.Entries, protocol.IndexEntry{Name: e.Name, Offset: int32(e.Offset), Length: int32(e.Length)})
	}
	if err := w.ep.Broadcast(ctx, append([]string{protocol.ControllerEndpoint}, w.kernels...), msg); err != nil {
		return err
	}
	w.agg = NewAggregator(index, w.kernels, w.settings)
	w.collector.Start()
	w.logger.Info("coefficient index built", "parameters", len(msg.Entries), "size", index.Size())
	return w.ackInit(ctx, nil)
}

// failIndex fails Initialize. Kernels get an empty index so they stop
// waiting for negotiation.
func (w *Worker) failIndex(ctx context.Context, err error) error {
	if !w.initOpen {
		return nil
	}
	if sendErr := w.ep.Broadcast(ctx, append([]string{protocol.ControllerEndpoint}, w.kernels...), &protocol.IndexMessage{}); sendErr != nil {
		return sendErr
	}
	return w.ackInit(ctx, err)
}

func (w *Worker) ackInit(ctx context.Context, err error) error {
	if !w.initOpen {
		return nil
	}
	w.initOpen = false
	return w.ack(ctx, w.initSeq, err)
}

// tryStart answers NextChunk once every kernel sent its initial values:
// the starting vectors go back to all kernels as iteration zero.
func (w *Worker) tryStart(ctx context.Context) error {
	if !w.chunkOpen || !w.agg.Initialized() {
		return nil
	}
	chunk, _ := w.agg.Chunk()
	msg := &protocol.Coefficients{ChunkSeq: chunk, Iteration: 0, Readiness: models.ReadinessNonReady, Solutions: w.agg.Start()}
	if err := w.ep.Broadcast(ctx, w.kernels, msg); err != nil {
		return err
	}
	w.chunkOpen = false
	return w.ack(ctx, w.chunkSeq, nil)
}

// trySolve runs iteration iter once its Solve command and every kernel's
// final batch arrived, whichever comes last.
func (w *Worker) trySolve(ctx context.Context, iter int) error {
	seq, ok := w.solveSeqs[iter]
	if !ok || !w.agg.Ready(iter) {
		return nil
	}
	delete(w.solveSeqs, iter)
	chunk, _ := w.agg.Chunk()

	ctx, span := w.tracer.Start(ctx, "solver.solve", trace.WithAttributes(
		attribute.Int64("chunk", int64(chunk)),
		attribute.Int("iteration", iter),
	))
	defer span.End()

	start := time.Now()
	out, err := w.agg.Solve(iter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if sendErr := w.broadcastFailure(ctx, chunk, iter); sendErr != nil {
			return sendErr
		}
		return w.ack(ctx, seq, err)
	}
	metrics.RecordSolveLatency(w.collector, int(chunk), time.Since(start))
	span.SetAttributes(attribute.Int("rows", out.Rows), attribute.String("readiness", out.Readiness.String()))

	msg := &protocol.Coefficients{ChunkSeq: chunk, Iteration: int32(iter), Readiness: out.Readiness, Solutions: out.Solutions}
	if err := w.ep.Broadcast(ctx, w.kernels, msg); err != nil {
		return err
	}

	if out.Failed() {
		text := out.FailureText()
		span.SetStatus(codes.Error, text)
		w.logger.Error("round failed", "chunk", chunk, "iteration", iter, "error", text)
		return w.sendAck(ctx, &protocol.Ack{Seq: seq, Worker: w.name, Failed: 1, Readiness: out.Readiness, Iteration: int32(iter), Error: text})
	}

	now := time.Now()
	for _, s := range out.Solutions {
		metrics.RecordCellSolution(w.collector, int(chunk), s, now)
	}
	w.logger.Debug("solved", "chunk", chunk, "iteration", iter, "rows", out.Rows, "readiness", out.Readiness)
	return w.sendAck(ctx, &protocol.Ack{
		Seq:       seq,
		Worker:    w.name,
		Finished:  1,
		Readiness: out.Readiness,
		Iteration: int32(iter),
		Solutions: out.Solutions,
	})
}

// failChunk fails the pending NextChunk
func (w *Worker) failChunk(ctx context.Context, err error) error {
	if !w.chunkOpen {
		return nil
	}
	w.chunkOpen = false
	w.logger.Error("chunk failed", "error", err)
	chunk, _ := w.agg.Chunk()
	if sendErr := w.broadcastFailure(ctx, chunk, 0); sendErr != nil {
		return sendErr
	}
	return w.ack(ctx, w.chunkSeq, err)
}

// broadcastFailure releases kernels waiting for the coefficients of iter
func (w *Worker) broadcastFailure(ctx context.Context, chunk uint64, iter int) error {
	msg := &protocol.Coefficients{ChunkSeq: chunk, Iteration: int32(iter), Readiness: models.ReadinessFailed}
	return w.ep.Broadcast(ctx, w.kernels, msg)
}

func (w *Worker) ack(ctx context.Context, seq uint64, err error) error {
	a := &protocol.Ack{Seq: seq, Worker: w.name}
	if err != nil {
		a.Failed = 1
		a.Error = err.Error()
		a.Readiness = models.ReadinessFailed
	} else {
		a.Finished = 1
	}
	return w.sendAck(ctx, a)
}

func (w *Worker) sendAck(ctx context.Context, a *protocol.Ack) error {
	return w.ep.Send(ctx, protocol.ControllerEndpoint, a)
}
