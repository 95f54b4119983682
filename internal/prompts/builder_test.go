package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opinionsim/internal/contract"
	"github.com/opinionsim/internal/gateway"
	"github.com/opinionsim/internal/session"
	"github.com/opinionsim/internal/trust"
)

func TestBuildTurnMessages_FirstSpeaker(t *testing.T) {
	msgs := BuildTurnMessages(TurnContext{
		Topic:     "Should cities ban cars downtown?",
		Agent:     session.Agent{ID: "a", Name: "Ann", Persona: "A cyclist."},
		Round:     1,
		Turn:      1,
		MaxRounds: 3,
		ScaleSize: 5,
	})

	require.Len(t, msgs, 2)
	assert.Equal(t, gateway.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "You are Ann")
	assert.Contains(t, msgs[0].Content, "A cyclist.")
	assert.Contains(t, msgs[0].Content, "from -2 (strongly against) to +2")
	assert.Contains(t, msgs[0].Content, "<state>")

	assert.Equal(t, gateway.RoleUser, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "Should cities ban cars downtown?")
	assert.Contains(t, msgs[1].Content, "round 1 of 3, turn 1")
	assert.Contains(t, msgs[1].Content, FirstSpeakerNote)
	assert.NotContains(t, msgs[1].Content, PriorRoundHeading)
}

func TestBuildTurnMessages_FullContext(t *testing.T) {
	own := session.Message{AgentID: "a", AgentName: "Ann", Round: 1, Turn: 1, Content: "Cars are noisy."}
	prev := session.Message{AgentID: "b", AgentName: "Ben", Round: 2, Turn: 1, Content: "Shops need deliveries.", Stance: &contract.Stance{Score: -1}}

	msgs := BuildTurnMessages(TurnContext{
		Topic:     "topic",
		Agent:     session.Agent{ID: "a", Name: "Ann"},
		Round:     2,
		Turn:      2,
		MaxRounds: 3,
		ScaleSize: 7,
		Weights: []trust.ContextWeight{
			{AgentID: "a", AgentName: "Ann", Weight: 0.75},
			{AgentID: "b", AgentName: "Ben", Weight: 0.25},
		},
		Memory: session.MemorySnapshot{
			Personal: []session.MemoryEntry{{Round: 1, Text: "complained about noise"}},
			Peers:    []session.MemoryEntry{{Round: 1, AgentName: "Ben", Text: "defended shops"}},
		},
		PriorRound: []session.Message{{AgentID: "b", AgentName: "Ben", Round: 1, Turn: 2, Content: "Think of the shops."}},
		OwnLast:    &own,
		Preceding:  &prev,
	})

	user := msgs[1].Content
	assert.Contains(t, user, "- Ann: 0.75")
	assert.Contains(t, user, "- Ben: 0.25")
	assert.Contains(t, user, "[round 1] complained about noise")
	assert.Contains(t, user, "[round 1] Ben: defended shops")
	assert.Contains(t, user, "[round 1, turn 2] Ben: Think of the shops.")
	assert.Contains(t, user, OwnLastHeading+"\nCars are noisy.")
	assert.Contains(t, user, "Shops need deliveries. (stance: -1)")
	assert.Contains(t, user, ContinuityInstructions)
	assert.NotContains(t, user, FirstSpeakerNote)
}

func TestBuildMemoryMessages(t *testing.T) {
	msgs := BuildMemoryMessages(MemoryRequest{
		AgentName:  "Ann",
		Round:      2,
		WindowSize: 2,
		Transcript: []session.Message{
			{AgentName: "Ann", Round: 1, Turn: 1, Content: "first"},
			{AgentName: "Ben", Round: 1, Turn: 2, Content: contract.SkipSentinel},
			{AgentName: "Ben", Round: 2, Turn: 1, Content: "second", Stance: &contract.Stance{Score: 2}},
		},
	})

	require.Len(t, msgs, 2)
	assert.Equal(t, MemoryKeeperRole, msgs[0].Content)
	user := msgs[1].Content
	assert.Contains(t, user, "at most 2 items")
	assert.Contains(t, user, "[round 1, turn 1] Ann: first")
	assert.Contains(t, user, "[round 2, turn 1] Ben: second (stance: +2)")
	assert.False(t, strings.Contains(user, contract.SkipSentinel))
}
