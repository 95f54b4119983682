package trust

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rowSum(row []float64) float64 {
	sum := 0.0
	for _, w := range row {
		sum += w
	}
	return sum
}

func TestSetWeightClampsAndIgnoresBadIndices(t *testing.T) {
	m := Identity(2)

	m.SetWeight(0, 1, 3.5)
	assert.Equal(t, 1.0, m.Weight(0, 1))

	m.SetWeight(0, 1, -2)
	assert.Equal(t, 0.0, m.Weight(0, 1))

	m.SetWeight(1, 0, math.NaN())
	assert.Equal(t, 0.0, m.Weight(1, 0))

	m.SetWeight(1, 0, math.Inf(1))
	assert.Equal(t, 0.0, m.Weight(1, 0))

	// out of range is a no-op
	m.SetWeight(5, 0, 0.5)
	m.SetWeight(0, -1, 0.5)
	assert.Equal(t, [][]float64{{1, 0}, {0, 1}}, m.Rows())
}

func TestNormalizeRow(t *testing.T) {
	m := FromRows([][]float64{
		{0.2, 0.6},
		{0, 0},
	})

	m.NormalizeRow(0)
	assert.InDelta(t, 0.25, m.Weight(0, 0), 1e-9)
	assert.InDelta(t, 0.75, m.Weight(0, 1), 1e-9)

	// FromRows already forced self-trust on the empty row
	m.SetWeight(1, 1, 0)
	m.NormalizeRow(1)
	assert.Equal(t, []float64{0, 1}, m.Rows()[1])
}

func TestNormalizeRowIsIdempotent(t *testing.T) {
	m := FromRows([][]float64{
		{0.3, 0.3, 0.9},
		{1, 1, 1},
		{0, 0.1, 0},
	})
	for i := 0; i < m.Size(); i++ {
		m.NormalizeRow(i)
	}
	first := m.Rows()

	for i := 0; i < m.Size(); i++ {
		m.NormalizeRow(i)
	}
	second := m.Rows()

	for i := range first {
		assert.InDelta(t, 1.0, rowSum(second[i]), 1e-12)
		for j := range first[i] {
			assert.InDelta(t, first[i][j], second[i][j], 1e-12)
		}
	}
}

func TestRebuildPreservesSurvivingWeights(t *testing.T) {
	oldRoster := []string{"a", "b", "c"}
	old := FromRows([][]float64{
		{0.5, 0.3, 0.2},
		{0.1, 0.4, 0.5},
		{0.0, 0.9, 0.1},
	})

	newRoster := []string{"c", "a", "d"}
	rebuilt := Rebuild(old, oldRoster, newRoster)
	require.Equal(t, 3, rebuilt.Size())

	// c -> c, c -> a carried over
	assert.Equal(t, 0.1, rebuilt.Weight(0, 0))
	assert.Equal(t, 0.0, rebuilt.Weight(0, 1))
	// a -> c, a -> a carried over
	assert.Equal(t, 0.2, rebuilt.Weight(1, 0))
	assert.Equal(t, 0.5, rebuilt.Weight(1, 1))
	// entries touching the new agent default to identity
	assert.Equal(t, 0.0, rebuilt.Weight(0, 2))
	assert.Equal(t, 0.0, rebuilt.Weight(2, 0))
	assert.Equal(t, 1.0, rebuilt.Weight(2, 2))
}

func TestRebuildForcesSelfTrustOnEmptyRow(t *testing.T) {
	old := Identity(2)
	old.SetWeight(0, 0, 0)
	old.SetWeight(0, 1, 0.8)

	// b is removed, a's only positive weight pointed at b
	rebuilt := Rebuild(old, []string{"a", "b"}, []string{"a"})
	assert.Equal(t, [][]float64{{1}}, rebuilt.Rows())
}

func TestRebuildEveryRowHasPositiveWeight(t *testing.T) {
	for n := 1; n <= 6; n++ {
		roster := make([]string, n)
		for i := range roster {
			roster[i] = string(rune('a' + i))
		}
		zero := FromRows(make([][]float64, n))
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				zero.SetWeight(i, j, 0)
			}
		}
		rebuilt := Rebuild(zero, roster, append([]string{"new"}, roster...))
		for i, row := range rebuilt.Rows() {
			assert.Greater(t, rowSum(row), 0.0, "row %d of size %d", i, n)
		}
	}
}

func TestResolveContextWeightsSumsToOne(t *testing.T) {
	roster := []Member{{ID: "a", Name: "Ava"}, {ID: "b", Name: "Ben"}, {ID: "c", Name: "Chen"}}

	m := FromRows([][]float64{
		{0.2, 0.2, 0.4},
		{0, 0, 0},
		{1, 1, 1},
	})
	m.SetWeight(1, 1, 0) // all-zero row after construction

	for source := range roster {
		weights := m.ResolveContextWeights(source, roster)
		require.Len(t, weights, 3)
		sum := 0.0
		for _, w := range weights {
			sum += w.Weight
		}
		assert.InDelta(t, 1.0, sum, 1e-9, "source %d", source)
	}

	zeroRow := m.ResolveContextWeights(1, roster)
	assert.Equal(t, "Ben", zeroRow[1].AgentName)
	assert.InDelta(t, 1.0, zeroRow[1].Weight, 1e-9)

	// resolution is read-only
	assert.Equal(t, 0.0, m.Weight(1, 1))
}

func TestResolveContextWeightsRosterLargerThanMatrix(t *testing.T) {
	roster := []Member{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	m := Identity(1)

	weights := m.ResolveContextWeights(2, roster)
	assert.InDelta(t, 1.0, weights[2].Weight, 1e-9)

	unknown := m.ResolveContextWeights(7, roster)
	for _, w := range unknown {
		assert.InDelta(t, 1.0/3, w.Weight, 1e-9)
	}
}

func TestMatrixJSON(t *testing.T) {
	m := FromRows([][]float64{{0.5, 0.5}, {0, 1}})
	data, err := json.Marshal(m)
	require.NoError(t, err)

	var decoded Matrix
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, m.Rows(), decoded.Rows())
}
