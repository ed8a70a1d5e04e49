package models

import (
	"errors"
	"fmt"
	"math"
)

// ErrDomainOutOfRange marks a request whose domain does not intersect the
// valid domain. Callers recover from it by producing an empty result.
var ErrDomainOutOfRange = errors.New("domain out of range")

// Domain is a rectangle in (frequency, time).
type Domain struct {
	StartFreq float64 `json:"start_freq" yaml:"start_freq"`
	EndFreq   float64 `json:"end_freq" yaml:"end_freq"`
	StartTime float64 `json:"start_time" yaml:"start_time"`
	EndTime   float64 `json:"end_time" yaml:"end_time"`
}

// NewDomain validates the corners and returns the domain
func NewDomain(startFreq, endFreq, startTime, endTime float64) (Domain, error) {
	if !(startFreq < endFreq) || !(startTime < endTime) {
		return Domain{}, fmt.Errorf("invalid domain [%g,%g]x[%g,%g]", startFreq, endFreq, startTime, endTime)
	}
	return Domain{StartFreq: startFreq, EndFreq: endFreq, StartTime: startTime, EndTime: endTime}, nil
}

// Overlaps uses the open-interval test on both axes, so domains that only
// share an edge do not overlap.
func (d Domain) Overlaps(o Domain) bool {
	return d.StartFreq < o.EndFreq && o.StartFreq < d.EndFreq &&
		d.StartTime < o.EndTime && o.StartTime < d.EndTime
}

// Intersect returns the common part of two domains and whether it is non-empty
func (d Domain) Intersect(o Domain) (Domain, bool) {
	if !d.Overlaps(o) {
		return Domain{}, false
	}
	return Domain{
		StartFreq: math.Max(d.StartFreq, o.StartFreq),
		EndFreq:   math.Min(d.EndFreq, o.EndFreq),
		StartTime: math.Max(d.StartTime, o.StartTime),
		EndTime:   math.Min(d.EndTime, o.EndTime),
	}, true
}

// Contains reports whether o lies completely inside d
func (d Domain) Contains(o Domain) bool {
	return d.StartFreq <= o.StartFreq && o.EndFreq <= d.EndFreq &&
		d.StartTime <= o.StartTime && o.EndTime <= d.EndTime
}

// Equal compares corners with a relative tolerance of 1e-12.
func (d Domain) Equal(o Domain) bool {
	return nearlyEqual(d.StartFreq, o.StartFreq) && nearlyEqual(d.EndFreq, o.EndFreq) &&
		nearlyEqual(d.StartTime, o.StartTime) && nearlyEqual(d.EndTime, o.EndTime)
}

func (d Domain) String() string {
	return fmt.Sprintf("[%g,%g]x[%g,%g]", d.StartFreq, d.EndFreq, d.StartTime, d.EndTime)
}

func nearlyEqual(a, b float64) bool {
	if a == b {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) <= 1e-12*scale
}

// Axis is a regular partition of one dimension into Count cells.
type Axis struct {
	Start float64 `json:"start" yaml:"start"`
	Step  float64 `json:"step" yaml:"step"`
	Count int     `json:"count" yaml:"count"`
}

// End returns the upper edge of the last cell
func (a Axis) End() float64 {
	return a.Start + float64(a.Count)*a.Step
}

// Lower returns the lower edge of cell i
func (a Axis) Lower(i int) float64 {
	return a.Start + float64(i)*a.Step
}

// Center returns the midpoint of cell i
func (a Axis) Center(i int) float64 {
	return a.Start + (float64(i)+0.5)*a.Step
}

// Slice returns the axis covering cells [first, first+count).
func (a Axis) Slice(first, count int) Axis {
	if first < 0 {
		count += first
		first = 0
	}
	if first+count > a.Count {
		count = a.Count - first
	}
	if count < 0 {
		count = 0
	}
	return Axis{Start: a.Lower(first), Step: a.Step, Count: count}
}

// within returns the index range of whole cells inside [lo, hi].
func (a Axis) within(lo, hi float64) (int, int) {
	if a.Count == 0 || a.Step <= 0 {
		return 0, 0
	}
	eps := 1e-9 * a.Step
	first := int(math.Ceil((lo-a.Start)/a.Step - 1e-9))
	if first < 0 {
		first = 0
	}
	last := int(math.Floor((hi - a.Start + eps) / a.Step))
	if last > a.Count {
		last = a.Count
	}
	if last < first {
		return first, 0
	}
	return first, last - first
}

// Grid partitions a domain into cells: Freq.Count x Time.Count, frequency major.
type Grid struct {
	Freq Axis `json:"freq" yaml:"freq"`
	Time Axis `json:"time" yaml:"time"`
}

// Domain returns the rectangle spanned by the grid
func (g Grid) Domain() Domain {
	return Domain{StartFreq: g.Freq.Start, EndFreq: g.Freq.End(), StartTime: g.Time.Start, EndTime: g.Time.End()}
}

// NCells returns the number of cells
func (g Grid) NCells() int {
	return g.Freq.Count * g.Time.Count
}

// Index returns the flat index of cell (f, t)
func (g Grid) Index(f, t int) int {
	return f*g.Time.Count + t
}

// Empty reports whether the grid has no cells
func (g Grid) Empty() bool {
	return g.NCells() == 0
}

// Sub returns the sub-grid of whole cells lying inside d. The result is empty
// when no cell fits.
func (g Grid) Sub(d Domain) Grid {
	f0, nf := g.Freq.within(d.StartFreq, d.EndFreq)
	t0, nt := g.Time.within(d.StartTime, d.EndTime)
	if nf == 0 || nt == 0 {
		return Grid{Freq: Axis{Start: g.Freq.Start, Step: g.Freq.Step}, Time: Axis{Start: g.Time.Start, Step: g.Time.Step}}
	}
	return Grid{Freq: g.Freq.Slice(f0, nf), Time: g.Time.Slice(t0, nt)}
}

// CellDomain returns the domain of cell (f, t)
func (g Grid) CellDomain(f, t int) Domain {
	return Domain{
		StartFreq: g.Freq.Lower(f),
		EndFreq:   g.Freq.Lower(f + 1),
		StartTime: g.Time.Lower(t),
		EndTime:   g.Time.Lower(t + 1),
	}
}
