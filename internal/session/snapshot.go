package session

import (
	"time"
)

// StanceDamping is the weight kept from the previous smoothed stance when a
// new score arrives: smoothed = StanceDamping*previous + (1-StanceDamping)*score.
const StanceDamping = 0.7

// StancePoint is one visible turn on an agent's stance trajectory
type StancePoint struct {
	Round    int     `json:"round"`
	Turn     int     `json:"turn"`
	Score    int     `json:"score"`
	Smoothed float64 `json:"smoothed"`
}

// StanceSeries is the stance trajectory of one agent
type StanceSeries struct {
	AgentID   string        `json:"agent_id"`
	AgentName string        `json:"agent_name"`
	Initial   *int          `json:"initial,omitempty"`
	Points    []StancePoint `json:"points"`
}

// ResultSnapshot is the immutable export of a session at a terminal
// transition: full message log, final status and the configuration in effect.
type ResultSnapshot struct {
	SessionID  string         `json:"session_id"`
	CapturedAt time.Time      `json:"captured_at"`
	Config     Config         `json:"config"`
	Agents     []Agent        `json:"agents"`
	Trust      [][]float64    `json:"trust"`
	Status     RunStatus      `json:"status"`
	Messages   []Message      `json:"messages"`
	Stances    []StanceSeries `json:"stances"`
}

// NewResultSnapshot builds a snapshot from a record and its messages.
// Credentials are redacted.
func NewResultSnapshot(rec Record, messages []Message) ResultSnapshot {
	agents := make([]Agent, len(rec.Agents))
	for i, a := range rec.Agents {
		a.Model = a.Model.Redacted()
		agents[i] = a
	}
	return ResultSnapshot{
		SessionID:  rec.ID,
		CapturedAt: time.Now().UTC(),
		Config:     rec.Config.Redacted(),
		Agents:     agents,
		Trust:      rec.Trust.Rows(),
		Status:     rec.Status,
		Messages:   append([]Message(nil), messages...),
		Stances:    BuildStanceSeries(rec.Agents, messages),
	}
}

// VisibleMessages drops skipped turns
func VisibleMessages(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if !m.IsSkip() {
			out = append(out, m)
		}
	}
	return out
}

// BuildStanceSeries computes one damped stance trajectory per agent, in
// roster order. The trajectory starts from the agent's initial stance when
// set, otherwise from its first reported score. Skipped turns and turns
// without a stance are ignored.
func BuildStanceSeries(agents []Agent, messages []Message) []StanceSeries {
	series := make([]StanceSeries, len(agents))
	index := make(map[string]int, len(agents))
	for i, a := range agents {
		series[i] = StanceSeries{AgentID: a.ID, AgentName: a.Name, Initial: a.InitialStance, Points: []StancePoint{}}
		index[a.ID] = i
	}

	for _, m := range messages {
		i, ok := index[m.AgentID]
		if !ok || m.IsSkip() || m.Stance == nil {
			continue
		}
		s := &series[i]

		var prev float64
		switch {
		case len(s.Points) > 0:
			prev = s.Points[len(s.Points)-1].Smoothed
		case s.Initial != nil:
			prev = float64(*s.Initial)
		default:
			prev = float64(m.Stance.Score)
		}

		s.Points = append(s.Points, StancePoint{
			Round:    m.Round,
			Turn:     m.Turn,
			Score:    m.Stance.Score,
			Smoothed: StanceDamping*prev + (1-StanceDamping)*float64(m.Stance.Score),
		})
	}
	return series
}
