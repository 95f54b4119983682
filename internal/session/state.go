package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opinionsim/internal/trust"
)

var (
	ErrDuplicateAgent = errors.New("agent already exists")
	ErrUnknownAgent   = errors.New("unknown agent")
)

// Record is the persisted form of a session. Messages are stored separately.
type Record struct {
	ID        string                    `json:"id"`
	Config    Config                    `json:"config"`
	Agents    []Agent                   `json:"agents"`
	Trust     *trust.Matrix             `json:"trust"`
	Order     []string                  `json:"order,omitempty"`
	Status    RunStatus                 `json:"status"`
	Memory    map[string]MemorySnapshot `json:"memory,omitempty"`
	CreatedAt time.Time                 `json:"created_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// State is the mutable session aggregate. Every accessor copies, so callers
// never share slices with the aggregate.
type State struct {
	mu        sync.RWMutex
	id        string
	config    Config
	agents    []Agent
	trust     *trust.Matrix
	order     []string
	messages  []Message
	status    RunStatus
	memory    map[string]MemorySnapshot
	createdAt time.Time
}

// NewState creates an empty idle session
func NewState(id string, cfg Config) *State {
	return &State{
		id:        id,
		config:    cfg,
		trust:     trust.Identity(0),
		status:    RunStatus{Phase: PhaseIdle},
		memory:    make(map[string]MemorySnapshot),
		createdAt: time.Now().UTC(),
	}
}

// FromRecord restores a session from its persisted record and message log.
// A matrix that does not match the roster is rebuilt to fit it.
func FromRecord(rec Record, messages []Message) *State {
	s := NewState(rec.ID, rec.Config)
	s.agents = append([]Agent(nil), rec.Agents...)
	s.trust = rec.Trust.Clone()
	if s.trust.Size() != len(s.agents) {
		ids := s.idsLocked()
		s.trust = trust.Rebuild(rec.Trust, ids[:min(len(ids), rec.Trust.Size())], ids)
	}
	s.order = append([]string(nil), rec.Order...)
	s.messages = append([]Message(nil), messages...)
	s.status = rec.Status
	if s.status.Phase == "" {
		s.status.Phase = PhaseIdle
	}
	for id, snap := range rec.Memory {
		s.memory[id] = snap.clone()
	}
	if !rec.CreatedAt.IsZero() {
		s.createdAt = rec.CreatedAt
	}
	return s
}

// ID returns the session id
func (s *State) ID() string { return s.id }

// Config returns the run configuration
func (s *State) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// SetConfig replaces the run configuration
func (s *State) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
}

// Agents returns the roster in insertion order
func (s *State) Agents() []Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Agent(nil), s.agents...)
}

// Agent looks up one agent by id
func (s *State) Agent(id string) (Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexLocked(id)
	if i < 0 {
		return Agent{}, false
	}
	return s.agents[i], true
}

// AddAgent appends an agent and rebuilds the trust matrix around it. An
// established speaking order gets the new agent at its end.
func (s *State) AddAgent(a Agent) error {
	if a.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(a.ID) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, a.ID)
	}
	if a.Name == "" {
		a.Name = a.ID
	}

	oldIDs := s.idsLocked()
	s.agents = append(s.agents, a)
	s.trust = trust.Rebuild(s.trust, oldIDs, s.idsLocked())
	if len(s.order) > 0 {
		s.order = append(s.order, a.ID)
	}
	return nil
}

// UpdateAgent replaces name, persona, initial stance and binding of an
// existing agent. The id is immutable.
func (s *State) UpdateAgent(a Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(a.ID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, a.ID)
	}
	if a.Name == "" {
		a.Name = s.agents[i].Name
	}
	s.agents[i] = a
	return nil
}

// RemoveAgent drops an agent, its trust row/column, its memory and its
// slot in the speaking order. Recorded messages are kept.
func (s *State) RemoveAgent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}

	oldIDs := s.idsLocked()
	s.agents = append(s.agents[:i:i], s.agents[i+1:]...)
	s.trust = trust.Rebuild(s.trust, oldIDs, s.idsLocked())
	s.order = filterIDs(s.order, func(v string) bool { return v != id })
	delete(s.memory, id)
	return nil
}

// Trust returns a copy of the trust matrix aligned with Agents()
func (s *State) Trust() *trust.Matrix {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trust.Clone()
}

// SetTrust sets how much source trusts target
func (s *State) SetTrust(sourceID, targetID string, weight float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, dst := s.indexLocked(sourceID), s.indexLocked(targetID)
	if src < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, sourceID)
	}
	if dst < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, targetID)
	}
	s.trust.SetWeight(src, dst, weight)
	return nil
}

// NormalizeTrust normalizes the row of sourceID
func (s *State) NormalizeTrust(sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.indexLocked(sourceID)
	if src < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, sourceID)
	}
	s.trust.NormalizeRow(src)
	return nil
}

// ContextWeights resolves the normalized trust row of sourceID over the roster
func (s *State) ContextWeights(sourceID string) []trust.ContextWeight {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := make([]trust.Member, len(s.agents))
	for i, a := range s.agents {
		members[i] = trust.Member{ID: a.ID, Name: a.Name}
	}
	return s.trust.ResolveContextWeights(s.indexLocked(sourceID), members)
}

// Order returns the fixed sequential speaking order, empty until established
func (s *State) Order() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// SetOrder stores the fixed sequential speaking order
func (s *State) SetOrder(order []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append([]string(nil), order...)
}

// Messages returns the message log in append order
func (s *State) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages...)
}

// AppendMessage adds a message to the end of the log
func (s *State) AppendMessage(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

// ReplaceMessages swaps the whole log, used when reloading from a store
func (s *State) ReplaceMessages(messages []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append([]Message(nil), messages...)
}

// VisibleCount counts messages that are not skipped turns
func (s *State) VisibleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visibleCountLocked()
}

func (s *State) visibleCountLocked() int {
	n := 0
	for _, m := range s.messages {
		if !m.IsSkip() {
			n++
		}
	}
	return n
}

// Status returns the current run status
func (s *State) Status() RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus overwrites the run status
func (s *State) SetStatus(st RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
}

// UpdateStatus applies fn to the run status under the lock and returns the
// result. TotalMessages is recomputed from the log afterwards. fn must not
// call back into s.
func (s *State) UpdateStatus(fn func(*RunStatus)) RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.status)
	s.status.TotalMessages = s.visibleCountLocked()
	return s.status
}

// Memory returns the memory snapshot of an agent
func (s *State) Memory(agentID string) MemorySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memory[agentID].clone()
}

// SetMemory replaces an agent's memory snapshot wholesale
func (s *State) SetMemory(agentID string, snap MemorySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory[agentID] = snap.clone()
}

// Reset clears messages, status, memory and the speaking order. Roster,
// trust and config are kept.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.status = RunStatus{Phase: PhaseIdle}
	s.memory = make(map[string]MemorySnapshot)
	s.order = nil
}

// ClearHistory clears messages, status and memory for a fresh run. The
// established speaking order is kept.
func (s *State) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.status = RunStatus{Phase: PhaseIdle}
	s.memory = make(map[string]MemorySnapshot)
}

// Restore overwrites the session in place with a persisted record and log
func (s *State) Restore(rec Record, messages []Message) {
	fresh := FromRecord(rec, messages)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = fresh.config
	s.agents = fresh.agents
	s.trust = fresh.trust
	s.order = fresh.order
	s.messages = fresh.messages
	s.status = fresh.status
	s.memory = fresh.memory
	s.createdAt = fresh.createdAt
}

// Record captures the persistable form of the session
func (s *State) Record() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recordLocked()
}

func (s *State) recordLocked() Record {
	mem := make(map[string]MemorySnapshot, len(s.memory))
	for id, snap := range s.memory {
		mem[id] = snap.clone()
	}
	return Record{
		ID:        s.id,
		Config:    s.config,
		Agents:    append([]Agent(nil), s.agents...),
		Trust:     s.trust.Clone(),
		Order:     append([]string(nil), s.order...),
		Status:    s.status,
		Memory:    mem,
		CreatedAt: s.createdAt,
		UpdatedAt: time.Now().UTC(),
	}
}

// Snapshot captures an immutable result snapshot for export
func (s *State) Snapshot() ResultSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return NewResultSnapshot(s.recordLocked(), append([]Message(nil), s.messages...))
}

func (s *State) indexLocked(id string) int {
	for i, a := range s.agents {
		if a.ID == id {
			return i
		}
	}
	return -1
}

func (s *State) idsLocked() []string {
	ids := make([]string, len(s.agents))
	for i, a := range s.agents {
		ids[i] = a.ID
	}
	return ids
}

func filterIDs(ids []string, keep func(string) bool) []string {
	var out []string
	for _, id := range ids {
		if keep(id) {
			out = append(out, id)
		}
	}
	return out
}
