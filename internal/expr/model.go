package expr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/GoSim-25-26J-441/calibration-core/internal/coeffindex"
	"github.com/GoSim-25-26J-441/calibration-core/internal/parmstore"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/config"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
)

// Parameter names used by BuildModel
func GainAmplName(station string) string { return "Gain:1:1:Ampl:" + station }
func GainPhaseName(station string) string { return "Gain:1:1:Phase:" + station }
func StationXName(station string) string { return "Station:X:" + station }
func StationYName(station string) string { return "Station:Y:" + station }
func StationZName(station string) string { return "Station:Z:" + station }
func SourceLName(source string) string { return "Source:L:" + source }
func SourceMName(source string) string { return "Source:M:" + source }
func SourceFluxName(source string) string { return "Source:Flux:" + source }

// Model is a forward model with one root node per baseline and the table of
// parameter leaves the roots reach.
type Model struct {
	valid     models.Domain
	baselines []models.Baseline
	roots     []Node
	parms     map[string]*Parm
	names     []string
	nodes     []Node

	mu        sync.RWMutex
	intervals []coeffindex.Entry
	nspid     int
}

// NewModel wraps arbitrary roots. Requests outside valid yield empty results.
func NewModel(valid models.Domain, baselines []models.Baseline, roots []Node) (*Model, error) {
	if len(baselines) != len(roots) {
		return nil, fmt.Errorf("%d baselines but %d roots", len(baselines), len(roots))
	}
	m := &Model{
		valid:     valid,
		baselines: append([]models.Baseline(nil), baselines...),
		roots:     append([]Node(nil), roots...),
		parms:     make(map[string]*Parm),
	}
	seen := make(map[Node]bool)
	var walk func(n Node) error
	walk = func(n Node) error {
		if seen[n] {
			return nil
		}
		seen[n] = true
		m.nodes = append(m.nodes, n)
		if p, ok := n.(*Parm); ok {
			if other, dup := m.parms[p.Name]; dup && other != p {
				return fmt.Errorf("parameter %s appears as two different nodes", p.Name)
			}
			m.parms[p.Name] = p
		}
		for _, k := range n.children() {
			if err := walk(k); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range roots {
		if err := walk(r); err != nil {
			return nil, err
		}
	}
	for name := range m.parms {
		m.names = append(m.names, name)
	}
	sort.Strings(m.names)
	return m, nil
}

// BuildModel builds the sky model for the given stations of an observation:
// per baseline (p, q) the sum over sources of
//
//	Flux_s · (G_p·K_ps) · conj(G_q·K_qs)
//
// where G is the complex station gain and K the source phase term.
func BuildModel(obs config.Observation, stations []string, valid models.Domain) (*Model, error) {
	if len(stations) < 2 {
		return nil, fmt.Errorf("need at least two stations, have %d", len(stations))
	}
	if len(obs.Sources) == 0 {
		return nil, fmt.Errorf("observation has no sources")
	}
	position := make(map[string]int, len(obs.Stations))
	for i, st := range obs.Stations {
		position[st] = i
	}
	indices := make([]int, 0, len(stations))
	for _, st := range stations {
		i, ok := position[st]
		if !ok {
			return nil, fmt.Errorf("station %s is not part of the observation", st)
		}
		indices = append(indices, i)
	}
	sort.Ints(indices)

	geo := Geometry{Dec: obs.PhaseCenterDec, HourAngle0: obs.HourAngleStart, Time0: obs.Time.Start}
	parms := make(map[string]*Parm)
	parm := func(name string) *Parm {
		if p, ok := parms[name]; ok {
			return p
		}
		p := NewParm(name)
		parms[name] = p
		return p
	}

	type stationNodes struct {
		gain    Node
		u, v, w Node
	}
	st := make(map[int]stationNodes, len(indices))
	for _, i := range indices {
		name := obs.Stations[i]
		x, y, z := parm(StationXName(name)), parm(StationYName(name)), parm(StationZName(name))
		st[i] = stationNodes{
			gain: NewPolar(parm(GainAmplName(name)), parm(GainPhaseName(name))),
			u:    NewStationUVW(geo, AxisU, x, y, z),
			v:    NewStationUVW(geo, AxisV, x, y, z),
			w:    NewStationUVW(geo, AxisW, x, y, z),
		}
	}

	// one phase term per (station, source) shared by all baselines of the station
	phases := make(map[[2]int]Node)
	phase := func(station, source int) Node {
		key := [2]int{station, source}
		if k, ok := phases[key]; ok {
			return k
		}
		s := st[station]
		src := obs.Sources[source]
		k := NewProduct(s.gain, NewPhase(s.u, s.v, s.w, parm(SourceLName(src)), parm(SourceMName(src))))
		phases[key] = k
		return k
	}

	baselines := models.CrossBaselines(indices)
	roots := make([]Node, len(baselines))
	for b, bl := range baselines {
		terms := make([]Node, len(obs.Sources))
		for s, src := range obs.Sources {
			terms[s] = NewProduct(parm(SourceFluxName(src)), NewCorrelation(phase(bl.P, s), phase(bl.Q, s), valid))
		}
		if len(terms) == 1 {
			roots[b] = terms[0]
		} else {
			roots[b] = NewSum(terms...)
		}
	}
	return NewModel(valid, baselines, roots)
}

// Valid returns the domain the model is defined over
func (m *Model) Valid() models.Domain { return m.valid }

// Baselines returns the baselines in root order
func (m *Model) Baselines() []models.Baseline {
	return append([]models.Baseline(nil), m.baselines...)
}

// Names returns the parameter names in sorted order
func (m *Model) Names() []string {
	return append([]string(nil), m.names...)
}

// Parm returns the leaf for name
func (m *Model) Parm(name string) (*Parm, bool) {
	p, ok := m.parms[name]
	return p, ok
}

// NSpid returns the number of local solvable coefficients
func (m *Model) NSpid() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nspid
}

// Intervals returns the local (name, offset, length) of every solvable parameter
func (m *Model) Intervals() []coeffindex.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]coeffindex.Entry(nil), m.intervals...)
}

// NewRequest creates a request over grid tracking the model's solvable count
func (m *Model) NewRequest(grid models.Grid) Request {
	return NewRequest(grid, m.NSpid())
}

// Evaluate computes the root of baseline b
func (m *Model) Evaluate(b int, req Request) (*Result, error) {
	if b < 0 || b >= len(m.roots) {
		return nil, fmt.Errorf("baseline %d outside %d", b, len(m.roots))
	}
	if err := checkDomain(req, m.valid); err != nil {
		if errors.Is(err, models.ErrDomainOutOfRange) {
			return emptyResult(), nil
		}
		return nil, err
	}
	return m.roots[b].Evaluate(req)
}

// Binding is the set of funklets a model uses for one solve cell.
type Binding struct {
	Domain   models.Domain
	funklets map[string]*parmstore.Funklet
}

// Funklet returns the funklet bound to name
func (b *Binding) Funklet(name string) (*parmstore.Funklet, bool) {
	f, ok := b.funklets[name]
	return f, ok
}

// LoadCell resolves every parameter of the model over domain from store.
func (m *Model) LoadCell(ctx context.Context, store parmstore.Store, domain models.Domain) (*Binding, error) {
	b := &Binding{Domain: domain, funklets: make(map[string]*parmstore.Funklet, len(m.names))}
	for _, name := range m.names {
		f, err := parmstore.Resolve(ctx, store, name, domain)
		if err != nil {
			return nil, fmt.Errorf("load %s over %s: %w", name, domain, err)
		}
		b.funklets[name] = f
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, iv := range m.intervals {
		if n := b.funklets[iv.Name].NCoeffs(); n != iv.Length {
			return nil, fmt.Errorf("%s has %d coefficients over %s, %d when made solvable: %w",
				iv.Name, n, domain, iv.Length, coeffindex.ErrLengthMismatch)
		}
	}
	return b, nil
}

// Apply binds the parameter leaves to b and drops cached results
func (m *Model) Apply(b *Binding) error {
	for _, name := range m.names {
		f, ok := b.funklets[name]
		if !ok {
			return fmt.Errorf("%s: %w", name, ErrUnbound)
		}
		m.parms[name].Bind(f)
	}
	for _, n := range m.nodes {
		n.resetCache()
	}
	return nil
}

// SetSolvable marks the parameters matching include and not exclude as
// solvable, numbering their coefficients in name order. The model must be
// bound so coefficient counts are known.
func (m *Model) SetSolvable(include, exclude []string) ([]coeffindex.Entry, error) {
	names, err := coeffindex.MatchSolvable(m.names, include, exclude)
	if err != nil {
		return nil, err
	}
	solvable := make(map[string]bool, len(names))
	var intervals []coeffindex.Entry
	offset := 0
	for _, name := range names {
		f := m.parms[name].Funklet()
		if f == nil {
			return nil, fmt.Errorf("%s: %w", name, ErrUnbound)
		}
		intervals = append(intervals, coeffindex.Entry{Name: name, Offset: offset, Length: f.NCoeffs()})
		solvable[name] = true
		offset += f.NCoeffs()
	}
	for _, iv := range intervals {
		m.parms[iv.Name].SetSolvable(true, iv.Offset)
	}
	for _, name := range m.names {
		if !solvable[name] {
			m.parms[name].SetSolvable(false, 0)
		}
	}
	for _, n := range m.nodes {
		n.resetCache()
	}

	m.mu.Lock()
	m.intervals = intervals
	m.nspid = offset
	m.mu.Unlock()
	return append([]coeffindex.Entry(nil), intervals...), nil
}

// Values returns the solvable coefficients of b as a local vector
func (m *Model) Values(b *Binding) []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]float64, m.nspid)
	for _, iv := range m.intervals {
		copy(out[iv.Offset:iv.Offset+iv.Length], b.funklets[iv.Name].Coeffs)
	}
	return out
}

// SetValues writes a local solvable vector into b
func (m *Model) SetValues(b *Binding, values []float64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(values) != m.nspid {
		return fmt.Errorf("got %d values for %d solvable coefficients", len(values), m.nspid)
	}
	for _, iv := range m.intervals {
		f := b.funklets[iv.Name].Clone()
		copy(f.Coeffs, values[iv.Offset:iv.Offset+iv.Length])
		b.funklets[iv.Name] = f
	}
	return nil
}
