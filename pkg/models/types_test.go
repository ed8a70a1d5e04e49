package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainOverlapsIsOpenInterval(t *testing.T) {
	a := Domain{StartFreq: 0, EndFreq: 10, StartTime: 0, EndTime: 10}
	edge := Domain{StartFreq: 10, EndFreq: 20, StartTime: 0, EndTime: 10}
	inner := Domain{StartFreq: 5, EndFreq: 15, StartTime: 2, EndTime: 3}

	assert.False(t, a.Overlaps(edge), "touching edges must not overlap")
	assert.True(t, a.Overlaps(inner))
	assert.True(t, inner.Overlaps(a))

	got, ok := a.Intersect(inner)
	require.True(t, ok)
	assert.Equal(t, Domain{StartFreq: 5, EndFreq: 10, StartTime: 2, EndTime: 3}, got)
}

func TestNewDomainRejectsInverted(t *testing.T) {
	_, err := NewDomain(2, 1, 0, 1)
	assert.Error(t, err)
	d, err := NewDomain(1, 2, 0, 1)
	require.NoError(t, err)
	assert.True(t, d.Equal(Domain{StartFreq: 1, EndFreq: 2, StartTime: 0, EndTime: 1}))
}

func TestGridSub(t *testing.T) {
	g := Grid{
		Freq: Axis{Start: 100, Step: 10, Count: 4},
		Time: Axis{Start: 0, Step: 1, Count: 10},
	}
	sub := g.Sub(Domain{StartFreq: 110, EndFreq: 130, StartTime: 2, EndTime: 5})
	assert.Equal(t, 2, sub.Freq.Count)
	assert.Equal(t, 110.0, sub.Freq.Start)
	assert.Equal(t, 3, sub.Time.Count)
	assert.Equal(t, 2.0, sub.Time.Start)

	outside := g.Sub(Domain{StartFreq: 500, EndFreq: 600, StartTime: 0, EndTime: 1})
	assert.True(t, outside.Empty())
}

func TestSolveGridChunks(t *testing.T) {
	sg := SolveGrid{
		Data:     Grid{Freq: Axis{Start: 1, Step: 1, Count: 2}, Time: Axis{Start: 0, Step: 10, Count: 10}},
		CellSize: 1,
	}
	chunks, err := sg.Chunks(4)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	sizes := []int{chunks[0].CellCount, chunks[1].CellCount, chunks[2].CellCount}
	assert.Equal(t, []int{4, 4, 2}, sizes)
	assert.Equal(t, 8, chunks[2].FirstCell)
	assert.Equal(t, 80.0, chunks[2].Domain.StartTime)
	assert.Equal(t, 100.0, chunks[2].Domain.EndTime)

	_, err = sg.Chunks(0)
	assert.Error(t, err)
}

func TestSolveGridCellDomain(t *testing.T) {
	sg := SolveGrid{
		Data:     Grid{Freq: Axis{Start: 1, Step: 1, Count: 2}, Time: Axis{Start: 0, Step: 10, Count: 5}},
		CellSize: 2,
	}
	assert.Equal(t, 3, sg.NCells())
	last, err := sg.CellDomain(2)
	require.NoError(t, err)
	assert.Equal(t, 40.0, last.StartTime)
	assert.Equal(t, 50.0, last.EndTime)

	_, err = sg.CellDomain(3)
	assert.Error(t, err)
}

func TestCrossBaselines(t *testing.T) {
	bl := CrossBaselines([]int{2, 0, 1})
	assert.Equal(t, []Baseline{{0, 2}, {1, 2}, {0, 1}}, bl)
}
