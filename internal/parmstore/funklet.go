package parmstore

import (
	"fmt"
	"math"

	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
)

// pertFloor is the magnitude below which relative perturbation falls back
// to the absolute step.
const pertFloor = 1e-10

// DefaultPerturbation is the step used when a funklet does not set one
const DefaultPerturbation = 1e-6

// Funklet describes one parameter's value over exactly one domain as a 2-D
// polynomial in normalized frequency and time:
//
//	value(f, t) = sum_ij Coeffs[i*NTime+j] * x^i * y^j
//	x = (f - OffsetFreq) / ScaleFreq,  y = (t - OffsetTime) / ScaleTime
type Funklet struct {
	Coeffs       []float64     `yaml:"coeffs"`
	NFreq        int           `yaml:"nfreq"`
	NTime        int           `yaml:"ntime"`
	OffsetFreq   float64       `yaml:"offset_freq,omitempty"`
	ScaleFreq    float64       `yaml:"scale_freq,omitempty"`
	OffsetTime   float64       `yaml:"offset_time,omitempty"`
	ScaleTime    float64       `yaml:"scale_time,omitempty"`
	Perturbation float64       `yaml:"perturbation,omitempty"`
	PertRelative bool          `yaml:"pert_relative,omitempty"`
	Domain       models.Domain `yaml:"domain"`
}

// NewScalar returns a constant funklet
func NewScalar(v float64) *Funklet {
	return &Funklet{Coeffs: []float64{v}, NFreq: 1, NTime: 1, Perturbation: DefaultPerturbation}
}

// NewPolynomial returns a funklet of the given shape normalized to domain:
// offsets sit at the domain start and scales span its width.
func NewPolynomial(nfreq, ntime int, coeffs []float64, domain models.Domain) (*Funklet, error) {
	f := &Funklet{
		Coeffs:       append([]float64(nil), coeffs...),
		NFreq:        nfreq,
		NTime:        ntime,
		OffsetFreq:   domain.StartFreq,
		ScaleFreq:    domain.EndFreq - domain.StartFreq,
		OffsetTime:   domain.StartTime,
		ScaleTime:    domain.EndTime - domain.StartTime,
		Perturbation: DefaultPerturbation,
		Domain:       domain,
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks shape against the coefficient count
func (f *Funklet) Validate() error {
	if f.NFreq <= 0 || f.NTime <= 0 {
		return fmt.Errorf("invalid funklet shape %dx%d", f.NFreq, f.NTime)
	}
	if len(f.Coeffs) != f.NFreq*f.NTime {
		return fmt.Errorf("funklet shape %dx%d needs %d coefficients, has %d", f.NFreq, f.NTime, f.NFreq*f.NTime, len(f.Coeffs))
	}
	if f.Perturbation < 0 {
		return fmt.Errorf("negative perturbation %g", f.Perturbation)
	}
	return nil
}

// Clone returns a deep copy
func (f *Funklet) Clone() *Funklet {
	if f == nil {
		return nil
	}
	out := *f
	out.Coeffs = append([]float64(nil), f.Coeffs...)
	return &out
}

// NCoeffs returns the number of coefficients
func (f *Funklet) NCoeffs() int {
	return len(f.Coeffs)
}

// IsScalar reports whether the funklet is a single constant
func (f *Funklet) IsScalar() bool {
	return len(f.Coeffs) == 1
}

// PerturbationFor returns the step used to perturb coefficient i.
func (f *Funklet) PerturbationFor(i int) float64 {
	pert := f.Perturbation
	if pert == 0 {
		pert = DefaultPerturbation
	}
	c := math.Abs(f.Coeffs[i])
	if f.PertRelative && c > pertFloor {
		return c * pert
	}
	return pert
}

func normalize(v, offset, scale float64) float64 {
	if scale == 0 {
		scale = 1
	}
	return (v - offset) / scale
}

// Eval evaluates the polynomial at (freq, time)
func (f *Funklet) Eval(freq, time float64) float64 {
	return f.evalWith(freq, time, -1, 0)
}

// EvalPerturbed evaluates with coefficient i shifted by delta
func (f *Funklet) EvalPerturbed(freq, time float64, i int, delta float64) float64 {
	return f.evalWith(freq, time, i, delta)
}

func (f *Funklet) evalWith(freq, time float64, pi int, delta float64) float64 {
	if len(f.Coeffs) == 1 {
		if pi == 0 {
			return f.Coeffs[0] + delta
		}
		return f.Coeffs[0]
	}
	x := normalize(freq, f.OffsetFreq, f.ScaleFreq)
	y := normalize(time, f.OffsetTime, f.ScaleTime)
	sum := 0.0
	xp := 1.0
	for i := 0; i < f.NFreq; i++ {
		yp := 1.0
		for j := 0; j < f.NTime; j++ {
			k := i*f.NTime + j
			c := f.Coeffs[k]
			if k == pi {
				c += delta
			}
			sum += c * xp * yp
			yp *= y
		}
		xp *= x
	}
	return sum
}

// EvalGrid evaluates at every cell center of grid, frequency major.
func (f *Funklet) EvalGrid(g models.Grid) []float64 {
	return f.evalGrid(g, -1, 0)
}

// EvalGridPerturbed is EvalGrid with coefficient i shifted by delta
func (f *Funklet) EvalGridPerturbed(g models.Grid, i int, delta float64) []float64 {
	return f.evalGrid(g, i, delta)
}

func (f *Funklet) evalGrid(g models.Grid, pi int, delta float64) []float64 {
	out := make([]float64, g.NCells())
	for fi := 0; fi < g.Freq.Count; fi++ {
		freq := g.Freq.Center(fi)
		for ti := 0; ti < g.Time.Count; ti++ {
			out[g.Index(fi, ti)] = f.evalWith(freq, g.Time.Center(ti), pi, delta)
		}
	}
	return out
}
