package session

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opinionsim/internal/contract"
)

func newRoster(t *testing.T, ids ...string) *State {
	t.Helper()
	s := NewState("s1", DefaultConfig())
	for _, id := range ids {
		require.NoError(t, s.AddAgent(Agent{ID: id, Name: "Agent " + id}))
	}
	return s
}

func TestState_AddAgentRejectsDuplicates(t *testing.T) {
	s := newRoster(t, "a")

	err := s.AddAgent(Agent{ID: "a"})
	assert.ErrorIs(t, err, ErrDuplicateAgent)
	assert.Error(t, s.AddAgent(Agent{}))
	assert.Len(t, s.Agents(), 1)
}

func TestState_AddAgentDefaultsNameToID(t *testing.T) {
	s := NewState("s1", DefaultConfig())
	require.NoError(t, s.AddAgent(Agent{ID: "bob"}))

	a, ok := s.Agent("bob")
	require.True(t, ok)
	assert.Equal(t, "bob", a.Name)
}

func TestState_TrustSurvivesRosterChurn(t *testing.T) {
	s := newRoster(t, "a", "b", "c")
	require.NoError(t, s.SetTrust("a", "c", 0.4))
	require.NoError(t, s.SetTrust("c", "a", 0.9))

	require.NoError(t, s.RemoveAgent("b"))
	require.NoError(t, s.AddAgent(Agent{ID: "d"}))

	m := s.Trust()
	require.Equal(t, 3, m.Size())
	// roster is now a, c, d
	assert.Equal(t, 0.4, m.Weight(0, 1))
	assert.Equal(t, 0.9, m.Weight(1, 0))
	assert.Equal(t, 1.0, m.Weight(2, 2))
	assert.Equal(t, 0.0, m.Weight(2, 0))
}

func TestState_SetTrustUnknownAgent(t *testing.T) {
	s := newRoster(t, "a")
	assert.ErrorIs(t, s.SetTrust("a", "zz", 1), ErrUnknownAgent)
	assert.ErrorIs(t, s.SetTrust("zz", "a", 1), ErrUnknownAgent)
	assert.ErrorIs(t, s.NormalizeTrust("zz"), ErrUnknownAgent)
}

func TestState_ContextWeightsSumToOne(t *testing.T) {
	s := newRoster(t, "a", "b", "c")
	require.NoError(t, s.SetTrust("a", "b", 1))
	require.NoError(t, s.SetTrust("a", "c", 1))

	weights := s.ContextWeights("a")
	require.Len(t, weights, 3)
	sum := 0.0
	for _, w := range weights {
		sum += w.Weight
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Equal(t, "Agent b", weights[1].AgentName)
}

func TestState_OrderFollowsRoster(t *testing.T) {
	s := newRoster(t, "a", "b")
	require.NoError(t, s.AddAgent(Agent{ID: "c"}))
	assert.Empty(t, s.Order(), "order is not established before the first run")

	s.SetOrder([]string{"b", "a", "c"})
	require.NoError(t, s.AddAgent(Agent{ID: "d"}))
	require.NoError(t, s.RemoveAgent("a"))

	if diff := cmp.Diff([]string{"b", "c", "d"}, s.Order()); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestState_ResetKeepsRosterAndTrust(t *testing.T) {
	s := newRoster(t, "a", "b")
	require.NoError(t, s.SetTrust("a", "b", 0.5))
	s.SetOrder([]string{"a", "b"})
	s.AppendMessage(Message{ID: "m1", AgentID: "a", Round: 1, Turn: 1, Content: "hi"})
	s.SetMemory("a", MemorySnapshot{Personal: []MemoryEntry{{Round: 1, Text: "hi"}}})
	s.SetStatus(RunStatus{Phase: PhaseCompleted, TotalMessages: 1})

	s.Reset()

	assert.Empty(t, s.Messages())
	assert.Empty(t, s.Order())
	assert.True(t, s.Memory("a").Empty())
	assert.Equal(t, PhaseIdle, s.Status().Phase)
	assert.Len(t, s.Agents(), 2)
	assert.Equal(t, 0.5, s.Trust().Weight(0, 1))
}

func TestState_VisibleCountIgnoresSkips(t *testing.T) {
	s := newRoster(t, "a")
	s.AppendMessage(Message{ID: "1", AgentID: "a", Round: 1, Turn: 1, Content: "visible"})
	s.AppendMessage(Message{ID: "2", AgentID: "a", Round: 2, Turn: 1, Content: contract.SkipSentinel})

	assert.Equal(t, 1, s.VisibleCount())
	assert.Len(t, s.Messages(), 2)
}

func TestState_UpdateStatusCountsVisibleMessages(t *testing.T) {
	s := newRoster(t, "a", "b")
	s.AppendMessage(Message{ID: "1", AgentID: "a", Round: 1, Turn: 1, Content: "visible"})
	s.AppendMessage(Message{ID: "2", AgentID: "b", Round: 1, Turn: 2, Content: contract.SkipSentinel})

	done := make(chan RunStatus, 1)
	go func() {
		done <- s.UpdateStatus(func(st *RunStatus) {
			st.Phase = PhaseRunning
			st.TotalMessages = 99
		})
	}()

	select {
	case st := <-done:
		assert.Equal(t, PhaseRunning, st.Phase)
		assert.Equal(t, 1, st.TotalMessages, "recomputed from the log")
		assert.Equal(t, st, s.Status())
	case <-time.After(2 * time.Second):
		t.Fatal("UpdateStatus did not return")
	}
}

func TestState_SnapshotMatchesLog(t *testing.T) {
	s := newRoster(t, "a")
	s.AppendMessage(Message{ID: "1", AgentID: "a", Round: 1, Turn: 1, Content: "visible"})
	s.UpdateStatus(func(st *RunStatus) { st.Phase = PhaseCompleted })

	snap := s.Snapshot()
	assert.Len(t, snap.Messages, 1)
	assert.Equal(t, 1, snap.Status.TotalMessages)
	assert.Equal(t, "s1", snap.SessionID)
}

func TestState_AccessorsCopy(t *testing.T) {
	s := newRoster(t, "a")
	agents := s.Agents()
	agents[0].Name = "mutated"

	a, _ := s.Agent("a")
	assert.Equal(t, "Agent a", a.Name)

	s.SetMemory("a", MemorySnapshot{Personal: []MemoryEntry{{Round: 1, Text: "x"}}})
	mem := s.Memory("a")
	mem.Personal[0].Text = "changed"
	assert.Equal(t, "x", s.Memory("a").Personal[0].Text)
}

func TestFromRecord_RoundTrip(t *testing.T) {
	s := newRoster(t, "a", "b")
	require.NoError(t, s.SetTrust("b", "a", 0.3))
	s.SetOrder([]string{"b", "a"})
	s.SetStatus(RunStatus{Phase: PhasePaused, CurrentRound: 2, LastAgentID: "a"})
	msgs := []Message{{ID: "m", AgentID: "b", Round: 1, Turn: 1, Content: "x"}}

	restored := FromRecord(s.Record(), msgs)

	assert.Equal(t, s.Agents(), restored.Agents())
	assert.Equal(t, s.Order(), restored.Order())
	assert.Equal(t, s.Status(), restored.Status())
	assert.Equal(t, 0.3, restored.Trust().Weight(1, 0))
	assert.Len(t, restored.Messages(), 1)
}

func TestFromRecord_FixesMatrixSize(t *testing.T) {
	rec := Record{
		ID:     "s",
		Agents: []Agent{{ID: "a"}, {ID: "b"}},
		Status: RunStatus{},
	}

	restored := FromRecord(rec, nil)
	m := restored.Trust()
	require.Equal(t, 2, m.Size())
	assert.Equal(t, 1.0, m.Weight(0, 0))
	assert.Equal(t, 1.0, m.Weight(1, 1))
	assert.Equal(t, PhaseIdle, restored.Status().Phase)
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{Topic: "Rent control", MaxRounds: 5, Mode: OrderRandom}.WithDefaults()

	assert.Equal(t, 5, cfg.MaxRounds)
	assert.Equal(t, OrderRandom, cfg.Mode)
	assert.Equal(t, 3, cfg.WindowSize)
	assert.Equal(t, 7, cfg.ScaleSize)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, "openai", cfg.DefaultModel.Provider)
}
