package expr

import (
	"math"
	"math/cmplx"
)

const (
	// SpeedOfLight in m/s
	SpeedOfLight = 299792458.0
	// EarthRotation is the sidereal rotation rate in rad/s
	EarthRotation = 7.2921150e-5
)

// Geometry fixes the phase center and the hour angle at a reference time.
type Geometry struct {
	Dec        float64 // radians
	HourAngle0 float64 // radians at Time0
	Time0      float64 // seconds
}

// HourAngle returns the hour angle of the phase center at time t
func (g Geometry) HourAngle(t float64) float64 {
	return g.HourAngle0 + EarthRotation*(t-g.Time0)
}

// UVW projects a station position onto the (u, v, w) frame of the phase center
func (g Geometry) UVW(x, y, z, t float64) (u, v, w float64) {
	sh, ch := math.Sincos(g.HourAngle(t))
	sd, cd := math.Sincos(g.Dec)
	u = sh*x + ch*y
	v = -sd*ch*x + sd*sh*y + cd*z
	w = cd*ch*x - cd*sh*y + sd*z
	return u, v, w
}

// Axis selects one component of (u, v, w)
type Axis int

const (
	AxisU Axis = iota
	AxisV
	AxisW
)

// StationUVW is the u, v or w coordinate of a station, in meters, computed
// from its X, Y and Z parameters.
type StationUVW struct {
	composite
	Axis Axis
}

// NewStationUVW creates a station geometry node
func NewStationUVW(geo Geometry, axis Axis, x, y, z Node) *StationUVW {
	return &StationUVW{
		composite: composite{kids: []Node{x, y, z}, fn: func(args []complex128, _, t float64) complex128 {
			u, v, w := geo.UVW(real(args[0]), real(args[1]), real(args[2]), t)
			switch axis {
			case AxisU:
				return complex(u, 0)
			case AxisV:
				return complex(v, 0)
			default:
				return complex(w, 0)
			}
		}},
		Axis: axis,
	}
}

func (n *StationUVW) Evaluate(req Request) (*Result, error) { return n.evaluate(req) }

// Phase is the per-station, per-source delay term
//
//	exp(i·2π·f/c·(u·l + v·m + w·(n-1))),  n = sqrt(1 - l² - m²)
type Phase struct{ composite }

// NewPhase creates a source phase node from station (u, v, w) and source (l, m)
func NewPhase(u, v, w, l, m Node) *Phase {
	return &Phase{composite{kids: []Node{u, v, w, l, m}, fn: func(args []complex128, f, _ float64) complex128 {
		l, m := real(args[3]), real(args[4])
		nn := 1 - l*l - m*m
		if nn < 0 {
			nn = 0
		}
		delay := real(args[0])*l + real(args[1])*m + real(args[2])*(math.Sqrt(nn)-1)
		return cmplx.Rect(1, 2*math.Pi*f/SpeedOfLight*delay)
	}}}
}

func (n *Phase) Evaluate(req Request) (*Result, error) { return n.evaluate(req) }
