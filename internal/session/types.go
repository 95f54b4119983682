// Package session holds the durable record of one deliberation: the agent
// roster, trust matrix, message log and run status, plus the stores that
// persist it and the result snapshot produced for export.
package session

import (
	"errors"
	"time"

	"github.com/opinionsim/internal/contract"
)

// ErrNotFound is returned by stores for unknown session ids
var ErrNotFound = errors.New("session not found")

// Phase is the run state machine position
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhasePaused    Phase = "paused"
	PhaseCompleted Phase = "completed"
	PhaseCancelled Phase = "cancelled"
	PhaseError     Phase = "error"
)

// Terminal reports whether the phase ends a run instance
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled || p == PhaseError
}

// Active reports whether a run instance is executing or suspended
func (p Phase) Active() bool {
	return p == PhaseRunning || p == PhasePaused
}

// OrderMode is the per-round speaking order discipline
type OrderMode string

const (
	OrderSequential OrderMode = "sequential"
	OrderRandom     OrderMode = "random"
)

// StartMode selects between a clean run and replaying the message log
type StartMode string

const (
	StartFresh  StartMode = "fresh"
	StartResume StartMode = "resume"
)

// ModelBinding selects the vendor and model an agent speaks through
type ModelBinding struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
}

// IsZero reports whether no provider or model is set
func (b ModelBinding) IsZero() bool {
	return b.Provider == "" && b.Model == ""
}

// Redacted returns a copy safe for export
func (b ModelBinding) Redacted() ModelBinding {
	if b.APIKey != "" {
		b.APIKey = "***"
	}
	return b
}

// Agent is one synthetic participant
type Agent struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Persona       string       `json:"persona"`
	InitialStance *int         `json:"initial_stance,omitempty"`
	Model         ModelBinding `json:"model"`
}

// Message is one turn's contribution. Content equal to
// contract.SkipSentinel marks a turn without usable output.
type Message struct {
	ID             string           `json:"id"`
	AgentID        string           `json:"agent_id"`
	AgentName      string           `json:"agent_name"`
	Round          int              `json:"round"`
	Turn           int              `json:"turn"`
	Content        string           `json:"content"`
	RawResponse    string           `json:"raw_response,omitempty"`
	InnerState     string           `json:"inner_state,omitempty"`
	ThoughtSummary string           `json:"thought_summary,omitempty"`
	Stance         *contract.Stance `json:"stance,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// IsSkip reports whether the message is a skipped turn
func (m Message) IsSkip() bool {
	return m.Content == contract.SkipSentinel
}

// MemoryEntry is one compressed transcript item. AgentName is empty for
// the agent's own entries.
type MemoryEntry struct {
	Round     int    `json:"round"`
	AgentName string `json:"agent_name,omitempty"`
	Text      string `json:"text"`
}

// MemorySnapshot is an agent's rolling memory, oldest first
type MemorySnapshot struct {
	Personal []MemoryEntry `json:"personal"`
	Peers    []MemoryEntry `json:"peers"`
}

// Empty reports whether the snapshot holds no entries
func (s MemorySnapshot) Empty() bool {
	return len(s.Personal) == 0 && len(s.Peers) == 0
}

func (s MemorySnapshot) clone() MemorySnapshot {
	return MemorySnapshot{
		Personal: append([]MemoryEntry(nil), s.Personal...),
		Peers:    append([]MemoryEntry(nil), s.Peers...),
	}
}

// RunStatus is the single authoritative "where are we" record
type RunStatus struct {
	Phase        Phase     `json:"phase"`
	Mode         StartMode `json:"mode,omitempty"`
	CurrentRound int       `json:"current_round"`

	// CurrentTurn is the 1-based turn of LastAgentID in CurrentRound, 0
	// before the round's first turn
	CurrentTurn   int        `json:"current_turn"`
	TotalMessages int        `json:"total_messages"`
	LastAgentID   string     `json:"last_agent_id,omitempty"`
	AwaitingLabel string     `json:"awaiting_label,omitempty"`
	StartedAt     time.Time  `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// GlobalModel overrides every agent's binding when enabled
type GlobalModel struct {
	Enabled bool         `json:"enabled"`
	Binding ModelBinding `json:"binding"`
}

// Config is the run configuration of a session
type Config struct {
	Topic        string       `json:"topic"`
	MaxRounds    int          `json:"max_rounds"`
	Mode         OrderMode    `json:"mode"`
	WindowSize   int          `json:"window_size"`
	ScaleSize    int          `json:"scale_size"`
	MaxAttempts  int          `json:"max_attempts"`
	Temperature  *float64     `json:"temperature,omitempty"`
	MaxTokens    int          `json:"max_tokens,omitempty"`
	GlobalModel  GlobalModel  `json:"global_model"`
	DefaultModel ModelBinding `json:"default_model"`
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() Config {
	return Config{
		MaxRounds:   3,
		Mode:        OrderSequential,
		WindowSize:  3,
		ScaleSize:   7,
		MaxAttempts: contract.DefaultMaxAttempts,
		DefaultModel: ModelBinding{
			Provider: "openai",
			Model:    "gpt-4o-mini",
		},
	}
}

// Redacted returns a copy of the config without credentials
func (c Config) Redacted() Config {
	c.GlobalModel.Binding = c.GlobalModel.Binding.Redacted()
	c.DefaultModel = c.DefaultModel.Redacted()
	return c
}

// WithDefaults fills unset fields from DefaultConfig
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxRounds < 1 {
		c.MaxRounds = d.MaxRounds
	}
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.WindowSize < 1 {
		c.WindowSize = d.WindowSize
	}
	if c.ScaleSize < 3 {
		c.ScaleSize = d.ScaleSize
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.DefaultModel.IsZero() {
		c.DefaultModel = d.DefaultModel
	}
	return c
}
