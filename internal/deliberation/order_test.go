package deliberation

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/opinionsim/internal/session"
)

func logMsg(agentID string, round, turn int) session.Message {
	return session.Message{AgentID: agentID, AgentName: agentID, Round: round, Turn: turn, Content: agentID + " speaks"}
}

func TestAnalyzeHistory(t *testing.T) {
	roster := []string{"a", "b", "c"}

	tests := []struct {
		name      string
		messages  []session.Message
		roster    []string
		wantRound int
		wantIndex int
		wantLast  string
		wantSpoke map[int][]string
	}{
		{
			name:      "empty log starts at the beginning",
			roster:    roster,
			wantRound: 1,
			wantSpoke: map[int][]string{},
		},
		{
			name:      "full round moves to the next one",
			messages:  []session.Message{logMsg("a", 1, 1), logMsg("b", 1, 2), logMsg("c", 1, 3)},
			roster:    roster,
			wantRound: 2,
			wantSpoke: map[int][]string{1: {"a", "b", "c"}},
		},
		{
			name:      "partial round resumes at the next unfilled turn",
			messages:  []session.Message{logMsg("a", 1, 1), logMsg("b", 1, 2), logMsg("c", 1, 3), logMsg("b", 2, 1)},
			roster:    roster,
			wantRound: 2,
			wantIndex: 1,
			wantLast:  "b",
			wantSpoke: map[int][]string{1: {"a", "b", "c"}, 2: {"b"}},
		},
		{
			name:      "two agents with one full round",
			messages:  []session.Message{logMsg("a", 1, 1), logMsg("b", 1, 2)},
			roster:    []string{"a", "b"},
			wantRound: 2,
			wantSpoke: map[int][]string{1: {"a", "b"}},
		},
		{
			name:      "round counts as full once every current agent spoke",
			messages:  []session.Message{logMsg("a", 1, 1), logMsg("x", 1, 2), logMsg("b", 1, 3)},
			roster:    []string{"a", "b"},
			wantRound: 2,
			wantSpoke: map[int][]string{1: {"a", "x", "b"}},
		},
		{
			name:      "skipped turns still occupy their slot",
			messages:  []session.Message{logMsg("a", 1, 1), {AgentID: "b", Round: 1, Turn: 2, Content: "[[SKIP]]"}},
			roster:    roster,
			wantRound: 1,
			wantIndex: 2,
			wantLast:  "b",
			wantSpoke: map[int][]string{1: {"a", "b"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AnalyzeHistory(tt.messages, tt.roster)
			assert.Equal(t, tt.wantRound, got.StartRound)
			assert.Equal(t, tt.wantIndex, got.StartTurnIndex)
			assert.Equal(t, tt.wantLast, got.LastAgentID)
			if diff := cmp.Diff(tt.wantSpoke, got.Spoken); diff != "" {
				t.Errorf("spoken mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReconcileOrder(t *testing.T) {
	got := reconcileOrder([]string{"c", "a", "gone", "b"}, []string{"a", "b", "c", "d"})
	if diff := cmp.Diff([]string{"c", "a", "b", "d"}, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, []string{"a", "b"}, reconcileOrder(nil, []string{"a", "b"}))
}

func TestSequentialTurns(t *testing.T) {
	assert.Equal(t, []string{"b", "c"}, sequentialTurns([]string{"a", "b", "c"}, []string{"a"}))
	assert.Empty(t, sequentialTurns([]string{"a", "b"}, []string{"b", "a"}))
}

func TestRandomTurns(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	roster := []string{"a", "b", "c", "d", "e"}

	for i := 0; i < 50; i++ {
		got := randomTurns(rng, roster, []string{"b"}, "d")
		assert.Len(t, got, 4)
		assert.Equal(t, "d", got[0], "priority agent goes first")
		assert.NotContains(t, got, "b", "an agent never speaks twice in a round")
	}

	t.Run("spoken priority is ignored", func(t *testing.T) {
		got := randomTurns(rng, roster, []string{"d"}, "d")
		assert.NotContains(t, got, "d")
		assert.Len(t, got, 4)
	})

	t.Run("every permutation is reachable", func(t *testing.T) {
		seen := map[string]bool{}
		for i := 0; i < 500; i++ {
			got := randomTurns(rng, []string{"a", "b", "c"}, nil, "")
			seen[got[0]+got[1]+got[2]] = true
		}
		assert.Len(t, seen, 6)
	})
}

func TestShuffleIsPermutation(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e", "f"}
	shuffle(rand.New(rand.NewSource(1)), ids)
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, sorted)
}

func TestPriorityAgent(t *testing.T) {
	plan := ResumePoint{StartRound: 2, StartTurnIndex: 1, Spoken: map[int][]string{2: {"b"}}}
	interrupted := session.RunStatus{CurrentRound: 2, CurrentTurn: 2, LastAgentID: "c"}

	assert.Equal(t, "c", priorityAgent(interrupted, plan, session.StartResume))
	assert.Empty(t, priorityAgent(interrupted, plan, session.StartFresh))

	finished := interrupted
	finished.LastAgentID = "b"
	assert.Empty(t, priorityAgent(finished, plan, session.StartResume), "agent already has a message")

	elsewhere := interrupted
	elsewhere.CurrentTurn = 3
	assert.Empty(t, priorityAgent(elsewhere, plan, session.StartResume))
}
