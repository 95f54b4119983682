// Package deliberation runs the turn/round state machine of one session:
// who speaks when, what context each agent sees, and how runs are started,
// paused, resumed, cancelled and recovered by replaying the message log.
//
// A Manager owns at most one active run. Every state mutation made by a run
// goes through withActive, which compares the run's revision with the
// manager's current revision, so a cancelled run that is still unwinding can
// never overwrite the state of a newer run.
package deliberation

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opinionsim/internal/gateway"
	"github.com/opinionsim/internal/logging"
	"github.com/opinionsim/internal/session"
)

const subscriberBuffer = 16

// Options configures a Manager
type Options struct {
	Completer gateway.Completer
	// Store persists the session; nil keeps everything in memory
	Store session.Store
	// VendorKeys are fallback credentials per provider
	VendorKeys map[string]string
	// RunLogDir enables per-run transcript logs when set
	RunLogDir string
	// Rand drives random speaking orders; nil seeds from the clock
	Rand *rand.Rand
}

// EditResult tells the caller whether a roster or trust edit took effect
// immediately or waits for the current turn to finish.
type EditResult struct {
	Applied bool `json:"applied"`
	Queued  bool `json:"queued"`
}

type run struct {
	revision uint64
	ctx      context.Context
	cancel   context.CancelFunc
	gate     *gate
	done     chan struct{}
	log      *logging.RunLogger
	cfg      session.Config
	plan     ResumePoint
	priority string
}

// Manager is the scheduler of one session
type Manager struct {
	state *session.State
	opts  Options

	startMu sync.Mutex

	mu          sync.Mutex
	revision    uint64
	active      *run
	last        *run
	inTurn      bool
	pending     []func(*session.State) error
	subscribers map[int]chan session.RunStatus
	nextSubID   int
	rng         *rand.Rand
}

// NewManager creates a manager for state
func NewManager(state *session.State, opts Options) *Manager {
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Manager{
		state:       state,
		opts:        opts,
		subscribers: make(map[int]chan session.RunStatus),
		rng:         rng,
	}
}

// State exposes the session for reading
func (m *Manager) State() *session.State { return m.state }

// Status returns the current run status
func (m *Manager) Status() session.RunStatus { return m.state.Status() }

// Messages returns the message log
func (m *Manager) Messages() []session.Message { return m.state.Messages() }

// Snapshot captures the current result snapshot
func (m *Manager) Snapshot() session.ResultSnapshot { return m.state.Snapshot() }

// Start begins a run. A run that is still active is cancelled first, and
// Start waits for it to stop before touching the session. Configuration
// errors (no agents, no credential) put the session into the error phase
// and are returned; the message log is left untouched.
func (m *Manager) Start(mode session.StartMode) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.opts.Completer == nil {
		return ErrNoCompleter
	}

	if _, err := m.Cancel(); err == nil {
		log.Info().Str("session_id", m.state.ID()).Msg("Cancelled active run before starting a new one")
	}
	m.mu.Lock()
	prev := m.last
	m.mu.Unlock()
	if prev != nil {
		<-prev.done
	}

	if mode != session.StartResume {
		mode = session.StartFresh
	}
	cfg := m.state.Config()
	agents := m.state.Agents()

	if len(agents) == 0 {
		m.failStart(mode, ErrNoAgents)
		return ErrNoAgents
	}
	for _, a := range agents {
		if _, err := m.resolveModel(cfg, a); err != nil {
			m.failStart(mode, err)
			return err
		}
	}

	if mode == session.StartFresh {
		m.state.ClearHistory()
		if m.opts.Store != nil {
			if err := m.opts.Store.DeleteMessages(context.Background(), m.state.ID()); err != nil {
				return fmt.Errorf("failed to clear message log: %w", err)
			}
		}
	}

	roster := rosterIDs(agents)
	order := reconcileOrder(m.state.Order(), roster)
	m.state.SetOrder(order)

	plan := ResumePoint{StartRound: 1, Spoken: map[int][]string{}}
	prevStatus := m.state.Status()
	if mode == session.StartResume {
		plan = AnalyzeHistory(m.state.Messages(), roster)
	}

	runLog, err := logging.StartRunLogging(m.opts.RunLogDir, m.state.ID())
	if err != nil {
		log.Warn().Err(err).Msg("Run transcript log disabled")
	}

	// The published position is the last turn taken in the start round, or
	// the interrupted turn the priority agent is about to retake.
	priority := priorityAgent(prevStatus, plan, mode)
	turn, lastAgent := plan.StartTurnIndex, plan.LastAgentID
	if priority != "" {
		turn, lastAgent = plan.StartTurnIndex+1, priority
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.revision++
	r := &run{
		revision: m.revision,
		ctx:      ctx,
		cancel:   cancel,
		gate:     newGate(),
		done:     make(chan struct{}),
		log:      runLog,
		cfg:      cfg,
		plan:     plan,
		priority: priority,
	}
	m.active = r
	m.last = r
	m.inTurn = false
	status := m.state.UpdateStatus(func(s *session.RunStatus) {
		*s = session.RunStatus{
			Phase:        session.PhaseRunning,
			Mode:         mode,
			CurrentRound: plan.StartRound,
			CurrentTurn:  turn,
			LastAgentID:  lastAgent,
			StartedAt:    time.Now().UTC(),
		}
	})
	m.persistLocked()
	m.publishLocked(status)
	m.mu.Unlock()

	runLog.LogSection(fmt.Sprintf("RUN START (%s)", mode))
	runLog.Log("Topic: %s", cfg.Topic)
	runLog.Log("Agents: %d, rounds: %d, order: %s", len(agents), cfg.MaxRounds, cfg.Mode)
	if mode == session.StartResume {
		runLog.Log("Resuming at round %d, turn index %d", plan.StartRound, plan.StartTurnIndex)
	}
	log.Info().
		Str("session_id", m.state.ID()).
		Str("mode", string(mode)).
		Int("start_round", plan.StartRound).
		Int("start_turn_index", plan.StartTurnIndex).
		Msg("Deliberation run started")

	go m.loop(r)
	return nil
}

// Pause stops the run before its next turn. An in-flight model call is
// not interrupted. Pausing a paused run is a no-op.
func (m *Manager) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.active
	if r == nil {
		return ErrNoActiveRun
	}
	if r.gate.isPaused() {
		return nil
	}
	r.gate.pause()
	status := m.state.UpdateStatus(func(s *session.RunStatus) { s.Phase = session.PhasePaused })
	r.log.Log("Pause requested")
	m.persistLocked()
	m.publishLocked(status)
	return nil
}

// Resume releases a paused run. Resuming a run that is not paused is a
// no-op.
func (m *Manager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.active
	if r == nil {
		return ErrNoActiveRun
	}
	if !r.gate.isPaused() {
		return nil
	}
	r.gate.resume()
	status := m.state.UpdateStatus(func(s *session.RunStatus) { s.Phase = session.PhaseRunning })
	r.log.Log("Resumed")
	m.persistLocked()
	m.publishLocked(status)
	return nil
}

// Cancel force-stops the active run: the in-flight model call is aborted,
// the status becomes cancelled and the run can no longer mutate the
// session. It returns the cancelled status.
func (m *Manager) Cancel() (session.RunStatus, error) {
	m.mu.Lock()
	r := m.active
	if r == nil {
		m.mu.Unlock()
		return m.state.Status(), ErrNoActiveRun
	}
	m.revision++
	status := m.terminateLocked(session.PhaseCancelled, "")
	m.mu.Unlock()

	r.log.Log("Run cancelled")
	r.cancel()
	log.Info().Str("session_id", m.state.ID()).Msg("Deliberation run cancelled")
	return status, nil
}

// Wait blocks until the most recent run has stopped and returns its final status
func (m *Manager) Wait(ctx context.Context) (session.RunStatus, error) {
	m.mu.Lock()
	r := m.last
	m.mu.Unlock()
	if r == nil {
		return m.state.Status(), nil
	}
	select {
	case <-r.done:
		return m.state.Status(), nil
	case <-ctx.Done():
		return m.state.Status(), ctx.Err()
	}
}

// Running reports whether a run is active
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// Subscribe returns a channel of status updates and a function that
// unsubscribes. Slow readers miss updates; the run never blocks on them.
func (m *Manager) Subscribe() (<-chan session.RunStatus, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	ch := make(chan session.RunStatus, subscriberBuffer)
	m.subscribers[id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(c)
		}
	}
}

// Refresh reloads the session and its message log from the store. It is
// refused while a run is active.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return ErrRunActive
	}
	if m.opts.Store == nil {
		return nil
	}
	rec, err := m.opts.Store.LoadSession(ctx, m.state.ID())
	if err != nil {
		return err
	}
	msgs, err := m.opts.Store.ListMessages(ctx, m.state.ID())
	if err != nil {
		return err
	}
	m.state.Restore(rec, msgs)
	m.publishLocked(m.state.Status())
	return nil
}

// Reset clears messages, status and memory while keeping roster and trust
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return ErrRunActive
	}
	m.state.Reset()
	if m.opts.Store != nil {
		if err := m.opts.Store.DeleteMessages(ctx, m.state.ID()); err != nil {
			return err
		}
	}
	m.persistLocked()
	m.publishLocked(m.state.Status())
	return nil
}

// AddAgent adds an agent to the roster, or queues the edit while a turn runs
func (m *Manager) AddAgent(a session.Agent) (EditResult, error) {
	if _, exists := m.state.Agent(a.ID); exists {
		return EditResult{}, fmt.Errorf("%w: %s", session.ErrDuplicateAgent, a.ID)
	}
	return m.edit(func(s *session.State) error { return s.AddAgent(a) })
}

// UpdateAgent edits an agent's name, persona, initial stance or binding
func (m *Manager) UpdateAgent(a session.Agent) (EditResult, error) {
	if _, exists := m.state.Agent(a.ID); !exists {
		return EditResult{}, fmt.Errorf("%w: %s", session.ErrUnknownAgent, a.ID)
	}
	return m.edit(func(s *session.State) error { return s.UpdateAgent(a) })
}

// RemoveAgent removes an agent from the roster, or queues the edit
func (m *Manager) RemoveAgent(id string) (EditResult, error) {
	if _, exists := m.state.Agent(id); !exists {
		return EditResult{}, fmt.Errorf("%w: %s", session.ErrUnknownAgent, id)
	}
	return m.edit(func(s *session.State) error { return s.RemoveAgent(id) })
}

// SetTrust edits one trust cell, or queues the edit
func (m *Manager) SetTrust(sourceID, targetID string, weight float64) (EditResult, error) {
	for _, id := range []string{sourceID, targetID} {
		if _, exists := m.state.Agent(id); !exists {
			return EditResult{}, fmt.Errorf("%w: %s", session.ErrUnknownAgent, id)
		}
	}
	return m.edit(func(s *session.State) error { return s.SetTrust(sourceID, targetID, weight) })
}

// NormalizeTrust normalizes one trust row, or queues the edit
func (m *Manager) NormalizeTrust(sourceID string) (EditResult, error) {
	if _, exists := m.state.Agent(sourceID); !exists {
		return EditResult{}, fmt.Errorf("%w: %s", session.ErrUnknownAgent, sourceID)
	}
	return m.edit(func(s *session.State) error { return s.NormalizeTrust(sourceID) })
}

func (m *Manager) edit(apply func(*session.State) error) (EditResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inTurn {
		m.pending = append(m.pending, apply)
		return EditResult{Queued: true}, nil
	}
	if err := apply(m.state); err != nil {
		return EditResult{}, err
	}
	m.persistLocked()
	return EditResult{Applied: true}, nil
}

// applyPendingLocked runs queued edits at a turn boundary
func (m *Manager) applyPendingLocked() {
	if len(m.pending) == 0 {
		return
	}
	for _, apply := range m.pending {
		if err := apply(m.state); err != nil {
			log.Warn().Err(err).Str("session_id", m.state.ID()).Msg("Queued session edit failed")
		}
	}
	m.pending = nil
	m.persistLocked()
}

// withActive runs fn under the manager lock only if r is still the active
// run. It reports whether fn ran.
func (m *Manager) withActive(r *run, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != r || m.revision != r.revision {
		return false
	}
	fn()
	return true
}

func (m *Manager) isActive(r *run) bool {
	return m.withActive(r, func() {})
}

// terminateLocked moves the session into a terminal phase, applies queued
// edits, persists the record and a result snapshot, and detaches the run.
func (m *Manager) terminateLocked(phase session.Phase, errMsg string) session.RunStatus {
	now := time.Now().UTC()
	status := m.state.UpdateStatus(func(s *session.RunStatus) {
		s.Phase = phase
		s.FinishedAt = &now
		s.AwaitingLabel = ""
		s.Error = errMsg
	})
	m.active = nil
	m.inTurn = false
	m.applyPendingLocked()
	m.persistLocked()
	m.saveSnapshotLocked()
	m.publishLocked(status)
	return status
}

// finish ends r with a terminal phase unless it was superseded
func (m *Manager) finish(r *run, phase session.Phase, err error) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	var status session.RunStatus
	ok := m.withActive(r, func() {
		status = m.terminateLocked(phase, errMsg)
	})
	if !ok {
		return
	}

	r.log.LogSection(fmt.Sprintf("RUN %s", phase))
	if err != nil {
		r.log.LogError("run", err)
	}
	event := log.Info()
	if phase == session.PhaseError {
		event = log.Error().Err(err)
	}
	event.
		Str("session_id", m.state.ID()).
		Str("phase", string(status.Phase)).
		Int("messages", status.TotalMessages).
		Msg("Deliberation run finished")
}

func (m *Manager) failStart(mode session.StartMode, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	status := m.state.UpdateStatus(func(s *session.RunStatus) {
		*s = session.RunStatus{
			Phase:         session.PhaseError,
			Mode:          mode,
			StartedAt:     now,
			FinishedAt:    &now,
			Error:         err.Error(),
		}
	})
	m.persistLocked()
	m.saveSnapshotLocked()
	m.publishLocked(status)
	log.Warn().Err(err).Str("session_id", m.state.ID()).Msg("Deliberation run could not start")
}

func (m *Manager) persistLocked() {
	if m.opts.Store == nil {
		return
	}
	if err := m.opts.Store.SaveSession(context.Background(), m.state.Record()); err != nil {
		log.Error().Err(err).Str("session_id", m.state.ID()).Msg("Failed to persist session")
	}
}

func (m *Manager) saveSnapshotLocked() {
	if m.opts.Store == nil {
		return
	}
	if err := m.opts.Store.SaveSnapshot(context.Background(), m.state.Snapshot()); err != nil {
		log.Error().Err(err).Str("session_id", m.state.ID()).Msg("Failed to save result snapshot")
	}
}

func (m *Manager) publishLocked(status session.RunStatus) {
	for _, ch := range m.subscribers {
		select {
		case ch <- status:
		default:
		}
	}
}

// priorityAgent returns the agent whose interrupted turn should be retried
// first when resuming mid-round: the last agent the status shows starting a
// turn, if that turn sits exactly at the next unfilled slot and the agent
// has no message in that round.
func priorityAgent(prev session.RunStatus, plan ResumePoint, mode session.StartMode) string {
	if mode != session.StartResume || prev.LastAgentID == "" || plan.StartTurnIndex == 0 {
		return ""
	}
	if prev.CurrentRound != plan.StartRound || prev.CurrentTurn != plan.StartTurnIndex+1 {
		return ""
	}
	if contains(plan.spokenIn(plan.StartRound), prev.LastAgentID) {
		return ""
	}
	return prev.LastAgentID
}

func rosterIDs(agents []session.Agent) []string {
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	return ids
}
