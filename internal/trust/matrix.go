// Package trust maintains the directed trust-weight matrix used to tell each
// agent how strongly to weigh every other agent's prior contributions.
package trust

import (
	"encoding/json"
	"math"
)

// Matrix is a square weight matrix indexed by roster position.
// weights[source][target] is always a finite value in [0,1].
type Matrix struct {
	weights [][]float64
}

// Member identifies one roster entry for weight resolution
type Member struct {
	ID   string
	Name string
}

// ContextWeight is one entry of a resolved, normalized trust row
type ContextWeight struct {
	AgentID   string  `json:"agent_id"`
	AgentName string  `json:"agent_name"`
	Weight    float64 `json:"weight"`
}

// Identity returns an n x n matrix where every agent trusts only itself
func Identity(n int) *Matrix {
	if n < 0 {
		n = 0
	}
	m := &Matrix{weights: make([][]float64, n)}
	for i := range m.weights {
		m.weights[i] = make([]float64, n)
		m.weights[i][i] = 1
	}
	return m
}

// FromRows builds a matrix from raw rows. Ragged or oversized rows are cut
// or padded to a square shape, every value is clamped, and rows without a
// positive weight fall back to self-trust.
func FromRows(rows [][]float64) *Matrix {
	n := len(rows)
	m := &Matrix{weights: make([][]float64, n)}
	for i := 0; i < n; i++ {
		row := make([]float64, n)
		for j := 0; j < n && j < len(rows[i]); j++ {
			row[j] = clamp(rows[i][j])
		}
		ensureSelf(row, i)
		m.weights[i] = row
	}
	return m
}

// Size returns the number of agents the matrix covers
func (m *Matrix) Size() int {
	if m == nil {
		return 0
	}
	return len(m.weights)
}

// Weight returns weights[source][target], or 0 when either index is out of range
func (m *Matrix) Weight(source, target int) float64 {
	if !m.inRange(source) || !m.inRange(target) {
		return 0
	}
	return m.weights[source][target]
}

// SetWeight stores a clamped weight. Non-finite input is stored as 0 and
// out-of-range indices are ignored.
func (m *Matrix) SetWeight(source, target int, value float64) {
	if !m.inRange(source) || !m.inRange(target) {
		return
	}
	m.weights[source][target] = clamp(value)
}

// NormalizeRow divides the row by its sum. A zero row becomes pure self-trust.
func (m *Matrix) NormalizeRow(source int) {
	if !m.inRange(source) {
		return
	}
	row := m.weights[source]
	sum := 0.0
	for _, w := range row {
		sum += w
	}
	if sum <= 0 {
		for j := range row {
			row[j] = 0
		}
		row[source] = 1
		return
	}
	for j := range row {
		row[j] /= sum
	}
}

// Rows returns a deep copy of the weights
func (m *Matrix) Rows() [][]float64 {
	if m == nil {
		return nil
	}
	out := make([][]float64, len(m.weights))
	for i, row := range m.weights {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// Clone returns an independent copy
func (m *Matrix) Clone() *Matrix {
	return &Matrix{weights: m.Rows()}
}

// Rebuild remaps old (sized to oldRoster) onto newRoster by agent identity.
// Weights between agents present in both rosters are carried over; every
// other entry defaults to identity. Each row ends with at least one
// positive weight.
func Rebuild(old *Matrix, oldRoster, newRoster []string) *Matrix {
	oldIndex := make(map[string]int, len(oldRoster))
	for i, id := range oldRoster {
		if _, dup := oldIndex[id]; !dup {
			oldIndex[id] = i
		}
	}

	n := len(newRoster)
	m := &Matrix{weights: make([][]float64, n)}
	for r, rowID := range newRoster {
		row := make([]float64, n)
		oldRow, rowExisted := oldIndex[rowID]
		for c, colID := range newRoster {
			oldCol, colExisted := oldIndex[colID]
			if rowExisted && colExisted && old.inRange(oldRow) && old.inRange(oldCol) {
				row[c] = clamp(old.weights[oldRow][oldCol])
				continue
			}
			if r == c {
				row[c] = 1
			}
		}
		ensureSelf(row, r)
		m.weights[r] = row
	}
	return m
}

// ResolveContextWeights projects the source row onto roster and normalizes
// it so the weights sum to 1. roster positions are aligned with matrix
// indices; missing entries default to self-trust. The matrix is not modified.
func (m *Matrix) ResolveContextWeights(source int, roster []Member) []ContextWeight {
	if len(roster) == 0 {
		return nil
	}

	row := make([]float64, len(roster))
	for target := range roster {
		switch {
		case m.inRange(source) && m.inRange(target):
			row[target] = m.weights[source][target]
		case target == source:
			row[target] = 1
		}
	}
	if source >= 0 && source < len(row) {
		ensureSelf(row, source)
	}

	sum := 0.0
	for _, w := range row {
		sum += w
	}

	out := make([]ContextWeight, len(roster))
	for i, member := range roster {
		w := 1.0 / float64(len(roster))
		if sum > 0 {
			w = row[i] / sum
		}
		out[i] = ContextWeight{AgentID: member.ID, AgentName: member.Name, Weight: w}
	}
	return out
}

// MarshalJSON encodes the matrix as a plain array of rows
func (m *Matrix) MarshalJSON() ([]byte, error) {
	rows := m.Rows()
	if rows == nil {
		rows = [][]float64{}
	}
	return json.Marshal(rows)
}

// UnmarshalJSON decodes an array of rows, applying the FromRows invariants
func (m *Matrix) UnmarshalJSON(data []byte) error {
	var rows [][]float64
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	m.weights = FromRows(rows).weights
	return nil
}

func (m *Matrix) inRange(i int) bool {
	return m != nil && i >= 0 && i < len(m.weights)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// ensureSelf forces the diagonal to 1 when no weight in the row is positive
func ensureSelf(row []float64, self int) {
	for _, w := range row {
		if w > 0 {
			return
		}
	}
	if self >= 0 && self < len(row) {
		row[self] = 1
	}
}
