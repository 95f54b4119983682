// Package prompts builds the chat prompts sent for speaking turns and for
// memory summarization.
package prompts

import (
	"fmt"
	"strings"

	"github.com/opinionsim/internal/contract"
	"github.com/opinionsim/internal/gateway"
	"github.com/opinionsim/internal/session"
	"github.com/opinionsim/internal/trust"
)

// TurnContext is everything one agent sees when it is asked to speak
type TurnContext struct {
	Topic     string
	Agent     session.Agent
	Round     int
	Turn      int
	MaxRounds int
	ScaleSize int
	Weights   []trust.ContextWeight
	Memory    session.MemorySnapshot
	// PriorRound holds the previous round's visible messages by other agents
	PriorRound []session.Message
	// OwnLast is the agent's most recent prior visible message
	OwnLast *session.Message
	// Preceding is the message just before this turn in the running round,
	// set only when another agent wrote it
	Preceding *session.Message
}

// BuildTurnMessages renders the system and user prompt for one speaking turn
func BuildTurnMessages(tc TurnContext) []gateway.ChatMessage {
	var sys strings.Builder
	sys.WriteString(fmt.Sprintf(ParticipantRole, tc.Agent.Name))
	if persona := strings.TrimSpace(tc.Agent.Persona); persona != "" {
		sys.WriteString("\n\nYour persona:\n")
		sys.WriteString(persona)
	}
	sys.WriteString("\n\n")
	sys.WriteString(ResponseFormat)
	sys.WriteString("\n\n")
	level := contract.MaxLevel(tc.ScaleSize)
	sys.WriteString(fmt.Sprintf(StanceInstructions, level, level))

	var user strings.Builder
	user.WriteString(TopicHeading + "\n" + tc.Topic + "\n\n")
	user.WriteString(fmt.Sprintf("This is round %d of %d, turn %d.\n\n", tc.Round, tc.MaxRounds, tc.Turn))

	if len(tc.Weights) > 0 {
		user.WriteString(BuildTrustSection(tc.Weights))
		user.WriteString("\n")
	}
	if !tc.Memory.Empty() {
		user.WriteString(BuildMemorySection(tc.Memory))
		user.WriteString("\n")
	}
	if tc.Round > 1 {
		user.WriteString(PriorRoundHeading + "\n")
		if len(tc.PriorRound) == 0 {
			user.WriteString(NoPriorRoundMessages + "\n")
		}
		for _, m := range tc.PriorRound {
			user.WriteString(formatMessage(m))
		}
		user.WriteString("\n")
	}
	if tc.OwnLast != nil {
		user.WriteString(OwnLastHeading + "\n" + tc.OwnLast.Content + "\n\n")
	}
	if tc.Preceding != nil {
		user.WriteString(PrecedingHeading + "\n" + formatMessage(*tc.Preceding) + "\n")
	}
	if tc.OwnLast == nil && tc.Preceding == nil && len(tc.PriorRound) == 0 {
		user.WriteString(FirstSpeakerNote + "\n\n")
	} else {
		user.WriteString(ContinuityInstructions + "\n\n")
	}
	user.WriteString("Now give your contribution.")

	return []gateway.ChatMessage{
		{Role: gateway.RoleSystem, Content: sys.String()},
		{Role: gateway.RoleUser, Content: user.String()},
	}
}

// BuildTrustSection lists the resolved trust weights
func BuildTrustSection(weights []trust.ContextWeight) string {
	var b strings.Builder
	b.WriteString(TrustInstructions + "\n")
	for _, w := range weights {
		b.WriteString(fmt.Sprintf("- %s: %.2f\n", w.AgentName, w.Weight))
	}
	return b.String()
}

// BuildMemorySection renders a memory snapshot, oldest entries first
func BuildMemorySection(mem session.MemorySnapshot) string {
	var b strings.Builder
	b.WriteString(MemoryHeading + "\n")
	if len(mem.Personal) > 0 {
		b.WriteString("You said:\n")
		for _, e := range mem.Personal {
			b.WriteString(fmt.Sprintf("- [round %d] %s\n", e.Round, e.Text))
		}
	}
	if len(mem.Peers) > 0 {
		b.WriteString("Others said:\n")
		for _, e := range mem.Peers {
			b.WriteString(fmt.Sprintf("- [round %d] %s: %s\n", e.Round, e.AgentName, e.Text))
		}
	}
	return b.String()
}

// MemoryRequest is the input for a memory-summary prompt
type MemoryRequest struct {
	AgentName  string
	Round      int
	WindowSize int
	// Transcript must be ordered by round, then turn
	Transcript []session.Message
}

// BuildMemoryMessages renders the memory-summary prompt
func BuildMemoryMessages(req MemoryRequest) []gateway.ChatMessage {
	var user strings.Builder
	user.WriteString(fmt.Sprintf(MemoryInstructions, req.AgentName, req.AgentName, req.WindowSize))
	user.WriteString("\n\n")
	user.WriteString(MemoryJSONExample)
	user.WriteString(fmt.Sprintf("\n\nTranscript up to round %d:\n", req.Round))
	user.WriteString(BuildTranscriptDigest(req.Transcript))

	return []gateway.ChatMessage{
		{Role: gateway.RoleSystem, Content: MemoryKeeperRole},
		{Role: gateway.RoleUser, Content: user.String()},
	}
}

// BuildTranscriptDigest renders messages one per line with round, turn,
// speaker and stance. Skipped turns are left out.
func BuildTranscriptDigest(messages []session.Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.IsSkip() {
			continue
		}
		b.WriteString(formatMessage(m))
	}
	return b.String()
}

func formatMessage(m session.Message) string {
	line := fmt.Sprintf("[round %d, turn %d] %s: %s", m.Round, m.Turn, speaker(m), strings.TrimSpace(m.Content))
	if m.Stance != nil {
		line += fmt.Sprintf(" (stance: %+d)", m.Stance.Score)
	}
	return line + "\n"
}

func speaker(m session.Message) string {
	if m.AgentName != "" {
		return m.AgentName
	}
	return m.AgentID
}
