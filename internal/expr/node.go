package expr

import (
	"errors"
	"fmt"
	"math/cmplx"
	"sync"

	"github.com/GoSim-25-26J-441/calibration-core/internal/parmstore"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
)

// ErrUnbound is returned when a parameter node has no funklet
var ErrUnbound = errors.New("parameter not bound")

// Node is one vertex of the forward model. The set of node kinds is closed:
// Parm, Const, StationUVW, Phase, Polar, Product, Sum and Correlation.
type Node interface {
	// Evaluate computes the node over req. A request with no cells yields an
	// empty result.
	Evaluate(req Request) (*Result, error)
	children() []Node
	resetCache()
}

// Parm is a leaf backed by a funklet. When solvable, each of its
// coefficients is perturbed and keyed by Offset+i.
type Parm struct {
	Name string

	mu       sync.RWMutex
	funklet  *parmstore.Funklet
	solvable bool
	offset   int
	c        cache
}

// NewParm creates an unbound parameter node
func NewParm(name string) *Parm {
	return &Parm{Name: name}
}

// Bind installs the funklet the node evaluates
func (p *Parm) Bind(f *parmstore.Funklet) {
	p.mu.Lock()
	p.funklet = f
	p.mu.Unlock()
	p.c.reset()
}

// Funklet returns the bound funklet
func (p *Parm) Funklet() *parmstore.Funklet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.funklet
}

// SetSolvable marks the node solvable with coefficients starting at offset,
// or fixed when solvable is false.
func (p *Parm) SetSolvable(solvable bool, offset int) {
	p.mu.Lock()
	p.solvable, p.offset = solvable, offset
	p.mu.Unlock()
	p.c.reset()
}

// Solvable reports the solvable flag and offset
func (p *Parm) Solvable() (bool, int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.solvable, p.offset
}

func (p *Parm) Evaluate(req Request) (*Result, error) {
	if req.Grid.Empty() {
		return emptyResult(), nil
	}
	return p.c.get(req, func() (*Result, error) {
		p.mu.RLock()
		f, solvable, offset := p.funklet, p.solvable, p.offset
		p.mu.RUnlock()
		if f == nil {
			return nil, fmt.Errorf("%s: %w", p.Name, ErrUnbound)
		}
		res := &Result{
			NCells:    req.Grid.NCells(),
			Value:     toComplex(f.EvalGrid(req.Grid)),
			Perturbed: map[int]Perturbation{},
		}
		if !solvable {
			return res, nil
		}
		for i := 0; i < f.NCoeffs(); i++ {
			delta := f.PerturbationFor(i)
			res.Perturbed[offset+i] = Perturbation{
				Value: toComplex(f.EvalGridPerturbed(req.Grid, i, delta)),
				Delta: delta,
			}
		}
		return res, nil
	})
}

func (p *Parm) children() []Node { return nil }
func (p *Parm) resetCache() { p.c.reset() }

func toComplex(vs []float64) []complex128 {
	out := make([]complex128, len(vs))
	for i, v := range vs {
		out[i] = complex(v, 0)
	}
	return out
}

// Const is a fixed value over all cells
type Const struct {
	Value complex128
}

// NewConst creates a constant node
func NewConst(v complex128) *Const {
	return &Const{Value: v}
}

func (c *Const) Evaluate(req Request) (*Result, error) {
	if req.Grid.Empty() {
		return emptyResult(), nil
	}
	n := req.Grid.NCells()
	vals := make([]complex128, n)
	for i := range vals {
		vals[i] = c.Value
	}
	return &Result{NCells: n, Value: vals, Perturbed: map[int]Perturbation{}}, nil
}

func (c *Const) children() []Node { return nil }
func (c *Const) resetCache() {}

// cellFunc computes one cell of a composite node from its children's values
type cellFunc func(args []complex128, freq, time float64) complex128

// composite evaluates children and applies fn per cell. The perturbed value
// for a coefficient uses the perturbed value of every child that has it and
// the plain value of the others.
type composite struct {
	kids []Node
	fn   cellFunc
	c    cache
}

func (n *composite) evaluate(req Request) (*Result, error) {
	if req.Grid.Empty() {
		return emptyResult(), nil
	}
	return n.c.get(req, func() (*Result, error) {
		results := make([]*Result, len(n.kids))
		for i, k := range n.kids {
			r, err := k.Evaluate(req)
			if err != nil {
				return nil, err
			}
			results[i] = r
		}
		return combine(req.Grid, results, n.fn), nil
	})
}

func (n *composite) children() []Node { return n.kids }
func (n *composite) resetCache() { n.c.reset() }

func combine(g models.Grid, kids []*Result, fn cellFunc) *Result {
	for _, k := range kids {
		if k.Empty() {
			return emptyResult()
		}
	}
	n := g.NCells()
	out := &Result{NCells: n, Value: make([]complex128, n), Perturbed: map[int]Perturbation{}}

	args := make([]complex128, len(kids))
	apply := func(dst []complex128, src [][]complex128) {
		for fi := 0; fi < g.Freq.Count; fi++ {
			freq := g.Freq.Center(fi)
			for ti := 0; ti < g.Time.Count; ti++ {
				c := g.Index(fi, ti)
				for k := range src {
					args[k] = src[k][c]
				}
				dst[c] = fn(args, freq, g.Time.Center(ti))
			}
		}
	}

	plain := make([][]complex128, len(kids))
	for i, k := range kids {
		plain[i] = k.Value
	}
	apply(out.Value, plain)

	keys := map[int]float64{}
	for _, k := range kids {
		for key, p := range k.Perturbed {
			if _, ok := keys[key]; !ok {
				keys[key] = p.Delta
			}
		}
	}
	src := make([][]complex128, len(kids))
	for key, delta := range keys {
		for i, k := range kids {
			if p, ok := k.Perturbed[key]; ok {
				src[i] = p.Value
			} else {
				src[i] = k.Value
			}
		}
		vals := make([]complex128, n)
		apply(vals, src)
		out.Perturbed[key] = Perturbation{Value: vals, Delta: delta}
	}
	return out
}

// Product multiplies its children
type Product struct{ composite }

// NewProduct creates a product node
func NewProduct(factors ...Node) *Product {
	return &Product{composite{kids: factors, fn: func(args []complex128, _, _ float64) complex128 {
		v := complex(1, 0)
		for _, a := range args {
			v *= a
		}
		return v
	}}}
}

func (n *Product) Evaluate(req Request) (*Result, error) { return n.evaluate(req) }

// Sum adds its children
type Sum struct{ composite }

// NewSum creates a sum node
func NewSum(terms ...Node) *Sum {
	return &Sum{composite{kids: terms, fn: func(args []complex128, _, _ float64) complex128 {
		var v complex128
		for _, a := range args {
			v += a
		}
		return v
	}}}
}

func (n *Sum) Evaluate(req Request) (*Result, error) { return n.evaluate(req) }

// Polar builds amplitude·exp(i·phase) from two real-valued children
type Polar struct{ composite }

// NewPolar creates a polar node
func NewPolar(amplitude, phase Node) *Polar {
	return &Polar{composite{kids: []Node{amplitude, phase}, fn: func(args []complex128, _, _ float64) complex128 {
		return cmplx.Rect(real(args[0]), real(args[1]))
	}}}
}

func (n *Polar) Evaluate(req Request) (*Result, error) { return n.evaluate(req) }

// Correlation is the per-pair term left·conj(right). Requests outside the
// valid domain give an empty result.
type Correlation struct {
	composite
	valid models.Domain
}

// NewCorrelation creates a correlation node valid over domain
func NewCorrelation(left, right Node, valid models.Domain) *Correlation {
	return &Correlation{
		composite: composite{kids: []Node{left, right}, fn: func(args []complex128, _, _ float64) complex128 {
			return args[0] * cmplx.Conj(args[1])
		}},
		valid: valid,
	}
}

func (n *Correlation) Evaluate(req Request) (*Result, error) {
	if err := checkDomain(req, n.valid); err != nil {
		if errors.Is(err, models.ErrDomainOutOfRange) {
			return emptyResult(), nil
		}
		return nil, err
	}
	return n.evaluate(req)
}

func checkDomain(req Request, valid models.Domain) error {
	if req.Grid.Empty() || !req.Grid.Domain().Overlaps(valid) {
		return fmt.Errorf("request %s outside %s: %w", req.Grid.Domain(), valid, models.ErrDomainOutOfRange)
	}
	return nil
}
