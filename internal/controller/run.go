package controller

import (
	"sync"
	"time"

	"github.com/GoSim-25-26J-441/calibration-core/internal/protocol"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
)

// State is a phase of the controller state machine
type State string

const (
	StateWaitingForWorkers State = "waiting_for_workers"
	StateInitializing      State = "initializing"
	StateProcessing        State = "processing"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

// Terminal reports whether the run can no longer change state
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// WorkerInfo is a registered worker and the index it was assigned
type WorkerInfo struct {
	Name      string      `json:"name"`
	Role      models.Role `json:"role"`
	Index     int         `json:"index"`
	FreqStart float64     `json:"freq_start,omitempty"`
	FreqEnd   float64     `json:"freq_end,omitempty"`
}

// CommandRecord is one issued command and how the workers answered it
type CommandRecord struct {
	Seq         uint64    `json:"seq"`
	Type        string    `json:"type"`
	Chunk       int       `json:"chunk"`
	Iteration   int       `json:"iteration,omitempty"`
	FirstCell   int       `json:"first_cell,omitempty"`
	CellCount   int       `json:"cell_count,omitempty"`
	Carry       []float64 `json:"carry,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Finished    int       `json:"finished"`
	Failed      int       `json:"failed"`
	Readiness   string    `json:"readiness,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// RunStatus is a point-in-time copy of the run
type RunStatus struct {
	RunID       string          `json:"run_id"`
	State       State           `json:"state"`
	StartTime   time.Time       `json:"start_time"`
	EndTime     time.Time       `json:"end_time,omitempty"`
	Duration    string          `json:"duration,omitempty"`
	Error       string          `json:"error,omitempty"`
	Workers     []WorkerInfo    `json:"workers"`
	ChunksTotal int             `json:"chunks_total"`
	ChunksDone  int             `json:"chunks_done"`
	IndexSize   int             `json:"index_size"`
	Commands    []CommandRecord `json:"commands,omitempty"`
}

// runState tracks the lifecycle of one calibration run
type runState struct {
	mu     sync.RWMutex
	status RunStatus
}

func newRunState(runID string) *runState {
	return &runState{status: RunStatus{
		RunID:     runID,
		State:     StateWaitingForWorkers,
		StartTime: time.Now(),
	}}
}

func (r *runState) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.State.Terminal() {
		return
	}
	r.status.State = s
	if s.Terminal() {
		r.status.EndTime = time.Now()
		r.status.Duration = r.status.EndTime.Sub(r.status.StartTime).String()
	}
}

// fail moves the run to Failed keeping the first error
func (r *runState) fail(err error) {
	r.mu.Lock()
	if r.status.Error == "" {
		r.status.Error = err.Error()
	}
	r.mu.Unlock()
	r.setState(StateFailed)
}

func (r *runState) state() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status.State
}

func (r *runState) setWorkers(workers []WorkerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Workers = append([]WorkerInfo(nil), workers...)
}

func (r *runState) setPlan(chunks, indexSize int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.ChunksTotal = chunks
	r.status.IndexSize = indexSize
}

func (r *runState) chunkDone() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.ChunksDone++
}

// issued appends a command to the history and returns its position
func (r *runState) issued(rec CommandRecord) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Commands = append(r.status.Commands, rec)
	return len(r.status.Commands) - 1
}

func (r *runState) completed(i int, t Tally, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := &r.status.Commands[i]
	rec.CompletedAt = time.Now()
	rec.Finished = t.Finished
	rec.Failed = t.Failed
	if t.Solver {
		rec.Readiness = t.Readiness.String()
	}
	switch {
	case err != nil:
		rec.Error = err.Error()
	case t.Failed > 0:
		rec.Error = t.ErrorText()
	}
}

// snapshot returns a deep copy of the run status
func (r *runState) snapshot() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.status
	out.Workers = append([]WorkerInfo(nil), r.status.Workers...)
	out.Commands = make([]CommandRecord, len(r.status.Commands))
	for i, c := range r.status.Commands {
		c.Carry = append([]float64(nil), c.Carry...)
		out.Commands[i] = c
	}
	return out
}

// commands returns the history of one command type
func (r *runState) commands(t protocol.CommandType) []CommandRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []CommandRecord
	for _, c := range r.status.Commands {
		if c.Type == t.String() {
			c.Carry = append([]float64(nil), c.Carry...)
			out = append(out, c)
		}
	}
	return out
}
