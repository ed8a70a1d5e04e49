// Package expr evaluates the forward model: a DAG of nodes producing
// predicted values over a grid of cells together with one perturbed value
// per reachable solvable coefficient.
package expr

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
)

var requestSeq atomic.Uint64

// Request names the cells to evaluate and the number of solvable
// coefficients currently tracked. Every request gets a fresh ID; node
// caches are keyed on it.
type Request struct {
	ID    uint64
	Grid  models.Grid
	NSpid int
}

// NewRequest creates a request with a process-unique ID
func NewRequest(grid models.Grid, nspid int) Request {
	return Request{ID: requestSeq.Add(1), Grid: grid, NSpid: nspid}
}

// Perturbation is a node value recomputed with one coefficient shifted by Delta
type Perturbation struct {
	Value []complex128
	Delta float64
}

// Result holds a node's value per cell, frequency major, and the perturbed
// values keyed by local solvable index. Only coefficients reachable from the
// node appear in Perturbed. Results are shared between parents and must not
// be modified.
type Result struct {
	NCells    int
	Value     []complex128
	Perturbed map[int]Perturbation
}

func emptyResult() *Result {
	return &Result{Perturbed: map[int]Perturbation{}}
}

// Empty reports whether the result covers no cells
func (r *Result) Empty() bool {
	return r.NCells == 0
}

// Keys returns the perturbed coefficient indices in ascending order
func (r *Result) Keys() []int {
	keys := make([]int, 0, len(r.Perturbed))
	for k := range r.Perturbed {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// cache remembers the last request a node evaluated. The lock is held while
// computing so concurrent parents wait for one evaluation instead of
// repeating it.
type cache struct {
	mu  sync.Mutex
	id  uint64
	res *Result
	err error
}

func (c *cache) get(req Request, compute func() (*Result, error)) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id != 0 && c.id == req.ID {
		return c.res, c.err
	}
	c.res, c.err = compute()
	c.id = req.ID
	return c.res, c.err
}

func (c *cache) reset() {
	c.mu.Lock()
	c.id, c.res, c.err = 0, nil, nil
	c.mu.Unlock()
}
