package deliberation

import (
	"math/rand"

	"github.com/opinionsim/internal/session"
)

// ResumePoint is where a run continues after replaying the message log
type ResumePoint struct {
	StartRound int
	// StartTurnIndex is the 0-based index of the next unfilled turn
	StartTurnIndex int
	// Spoken lists, per round, the agents that already have a message, in turn order
	Spoken map[int][]string
	// LastAgentID authored turn StartTurnIndex of StartRound; empty when
	// the run starts at the beginning of a round
	LastAgentID string
}

// spokenIn returns the agents recorded for round
func (p ResumePoint) spokenIn(round int) []string {
	return p.Spoken[round]
}

// AnalyzeHistory scans messages for the highest (round, turn) recorded.
// When that round is full, because its last turn reaches the roster size or
// every roster agent already spoke in it, the run continues at the next
// round from turn 0. Otherwise it continues mid-round at the next unfilled
// turn index.
func AnalyzeHistory(messages []session.Message, roster []string) ResumePoint {
	point := ResumePoint{StartRound: 1, Spoken: make(map[int][]string)}

	lastRound, lastTurn, lastAgent := 0, 0, ""
	for _, m := range messages {
		point.Spoken[m.Round] = appendUnique(point.Spoken[m.Round], m.AgentID)
		if m.Round > lastRound || (m.Round == lastRound && m.Turn > lastTurn) {
			lastRound, lastTurn, lastAgent = m.Round, m.Turn, m.AgentID
		}
	}
	if lastRound == 0 {
		return point
	}

	if lastTurn >= len(roster) || allSpoken(roster, point.Spoken[lastRound]) {
		point.StartRound = lastRound + 1
		point.StartTurnIndex = 0
		return point
	}
	point.StartRound = lastRound
	point.StartTurnIndex = lastTurn
	point.LastAgentID = lastAgent
	return point
}

// reconcileOrder drops ids no longer on the roster, keeping relative order,
// and appends roster ids missing from the order.
func reconcileOrder(order, roster []string) []string {
	inRoster := make(map[string]bool, len(roster))
	for _, id := range roster {
		inRoster[id] = true
	}

	out := make([]string, 0, len(roster))
	seen := make(map[string]bool, len(roster))
	for _, id := range order {
		if inRoster[id] && !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	for _, id := range roster {
		if !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	return out
}

// sequentialTurns is the fixed order minus agents that already spoke
func sequentialTurns(order, spoken []string) []string {
	return without(order, spoken)
}

// randomTurns orders the agents that have not spoken yet: the priority
// agent first when it is eligible, the rest in a fresh uniform shuffle.
func randomTurns(rng *rand.Rand, roster, spoken []string, priority string) []string {
	remaining := without(roster, spoken)

	var head []string
	if priority != "" && contains(remaining, priority) {
		head = []string{priority}
		remaining = without(remaining, head)
	}
	shuffle(rng, remaining)
	return append(head, remaining...)
}

// shuffle is an in-place Fisher-Yates shuffle
func shuffle(rng *rand.Rand, ids []string) {
	for i := len(ids) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		ids[i], ids[j] = ids[j], ids[i]
	}
}

func without(ids, drop []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !contains(drop, id) {
			out = append(out, id)
		}
	}
	return out
}

func allSpoken(roster, spoken []string) bool {
	if len(roster) == 0 {
		return true
	}
	for _, id := range roster {
		if !contains(spoken, id) {
			return false
		}
	}
	return true
}

func appendUnique(ids []string, id string) []string {
	if contains(ids, id) {
		return ids
	}
	return append(ids, id)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
