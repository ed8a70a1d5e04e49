package controller

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/GoSim-25-26J-441/calibration-core/internal/protocol"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
)

// Tally counts the acknowledgements of one command
type Tally struct {
	Finished int
	Failed   int
	// Solver is set once the solver answered; Readiness and Solutions come
	// from its ack.
	Solver    bool
	Readiness models.Readiness
	Solutions []models.CellSolution
	Errors    map[string]string
}

// ErrorText joins the worker errors in name order
func (t Tally) ErrorText() string {
	names := make([]string, 0, len(t.Errors))
	for n := range t.Errors {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n + ": " + t.Errors[n]
	}
	return strings.Join(parts, "; ")
}

// Future completes when every worker acknowledged its command
type Future struct {
	Seq  uint64
	Type protocol.CommandType

	expected int
	solver   string

	mu    sync.Mutex
	seen  map[string]bool
	tally Tally
	err   error
	done  chan struct{}
	once  sync.Once
}

func newFuture(seq uint64, t protocol.CommandType, expected int, solver string) *Future {
	return &Future{
		Seq:      seq,
		Type:     t,
		expected: expected,
		solver:   solver,
		seen:     make(map[string]bool, expected),
		tally:    Tally{Errors: make(map[string]string)},
		done:     make(chan struct{}),
	}
}

// add counts an ack. A second ack from the same worker is ignored.
func (f *Future) add(a *protocol.Ack) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[a.Worker] || f.err != nil {
		return
	}
	f.seen[a.Worker] = true
	f.tally.Finished += int(a.Finished)
	f.tally.Failed += int(a.Failed)
	if a.Failed > 0 && a.Error != "" {
		f.tally.Errors[a.Worker] = a.Error
	}
	if a.Worker == f.solver {
		f.tally.Solver = true
		f.tally.Readiness = a.Readiness
		f.tally.Solutions = a.Solutions
	}
	if f.tally.Finished+f.tally.Failed >= f.expected {
		f.once.Do(func() { close(f.done) })
	}
}

// abort completes the future with err, e.g. when the inbox broke
func (f *Future) abort(err error) {
	f.mu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
}

// Done is closed when the future completes
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until every worker answered or ctx ends
func (f *Future) Wait(ctx context.Context) (Tally, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return Tally{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tally
	t.Errors = make(map[string]string, len(f.tally.Errors))
	for k, v := range f.tally.Errors {
		t.Errors[k] = v
	}
	return t, f.err
}
