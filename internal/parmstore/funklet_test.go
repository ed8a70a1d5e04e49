package parmstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
)

func TestPerturbationPolicy(t *testing.T) {
	tests := []struct {
		name     string
		coeff    float64
		pert     float64
		relative bool
		want     float64
	}{
		{"absolute", 5, 1e-6, false, 1e-6},
		{"relative", 5, 1e-6, true, 5e-6},
		{"relative negative", -2, 1e-3, true, 2e-3},
		{"relative below floor", 1e-12, 1e-6, true, 1e-6},
		{"unset uses default", 3, 0, false, DefaultPerturbation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &Funklet{Coeffs: []float64{tt.coeff}, NFreq: 1, NTime: 1, Perturbation: tt.pert, PertRelative: tt.relative}
			assert.InDelta(t, tt.want, f.PerturbationFor(0), 1e-18)
		})
	}
}

func TestPolynomialEval(t *testing.T) {
	d := models.Domain{StartFreq: 100, EndFreq: 200, StartTime: 0, EndTime: 10}
	// 1 + 2x + 3y + 4xy
	f, err := NewPolynomial(2, 2, []float64{1, 3, 2, 4}, d)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, f.Eval(100, 0), 1e-12)
	assert.InDelta(t, 1+2*0.5+3*0.5+4*0.25, f.Eval(150, 5), 1e-12)
	assert.InDelta(t, 1+2*0.5+3*0.5+4*0.25+0.1*0.5, f.EvalPerturbed(150, 5, 2, 0.1), 1e-12)

	g := models.Grid{Freq: models.Axis{Start: 100, Step: 50, Count: 2}, Time: models.Axis{Start: 0, Step: 10, Count: 1}}
	vals := f.EvalGrid(g)
	require.Len(t, vals, 2)
	assert.InDelta(t, f.Eval(125, 5), vals[0], 1e-12)
	assert.InDelta(t, f.Eval(175, 5), vals[1], 1e-12)
}

func TestScalarEvalIgnoresNormalization(t *testing.T) {
	f := NewScalar(7)
	assert.Equal(t, 7.0, f.Eval(1e8, 1e4))
	assert.Equal(t, 7.5, f.EvalPerturbed(0, 0, 0, 0.5))
	assert.True(t, f.IsScalar())
}

func TestFunkletValidate(t *testing.T) {
	_, err := NewPolynomial(2, 2, []float64{1, 2, 3}, models.Domain{EndFreq: 1, EndTime: 1})
	assert.Error(t, err)
	assert.Error(t, (&Funklet{NFreq: 0, NTime: 1}).Validate())
	assert.Error(t, (&Funklet{Coeffs: []float64{1}, NFreq: 1, NTime: 1, Perturbation: -1}).Validate())
}

func TestDefaultCandidates(t *testing.T) {
	assert.Equal(t,
		[]string{"Gain:1:1:Ampl:Station7", "Gain:1:1:Ampl", "Gain:1:1", "Gain:1", "Gain"},
		defaultCandidates("Gain:1:1:Ampl:Station7"))
	assert.Equal(t, []string{"plain"}, defaultCandidates("plain"))
}
