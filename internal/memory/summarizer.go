// Package memory maintains each agent's bounded rolling memory: a compact
// summary of its own and its peers' recent contributions, refreshed after
// every turn so prompts stay small across long sessions.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/opinionsim/internal/gateway"
	"github.com/opinionsim/internal/llm"
	"github.com/opinionsim/internal/logging"
	"github.com/opinionsim/internal/prompts"
	"github.com/opinionsim/internal/session"
)

// FallbackTextLimit caps the length of heuristic memory entries, in runes
const FallbackTextLimit = 120

// Request describes one memory refresh
type Request struct {
	Agent      session.Agent
	Round      int
	WindowSize int
	// Messages are the transcript messages inside the window
	Messages []session.Message
	// Names maps agent ids to display names
	Names   map[string]string
	Model   gateway.ModelConfig
	Options gateway.CallOptions
}

// Summarizer refreshes memory snapshots through a Completer
type Summarizer struct {
	completer gateway.Completer
	runLog    *logging.RunLogger
}

// NewSummarizer creates a summarizer. runLog may be nil.
func NewSummarizer(completer gateway.Completer, runLog *logging.RunLogger) *Summarizer {
	return &Summarizer{completer: completer, runLog: runLog}
}

// Summarize asks the model for a memory snapshot and falls back to a
// truncation heuristic on any failure. It always returns a usable snapshot.
func (s *Summarizer) Summarize(ctx context.Context, req Request) session.MemorySnapshot {
	window := req.WindowSize
	if window < 1 {
		window = 1
	}
	transcript := withNames(sortedTranscript(req.Messages), req.Names)

	snap, err := s.ask(ctx, req, window, transcript)
	if err != nil {
		log.Debug().
			Err(err).
			Str("agent_id", req.Agent.ID).
			Int("round", req.Round).
			Msg("Memory summary failed, using heuristic fallback")
		s.runLog.Log("Memory summary for %s fell back to heuristic: %v", req.Agent.Name, err)
		return Fallback(req.Agent.ID, transcript, window)
	}
	return snap
}

func (s *Summarizer) ask(ctx context.Context, req Request, window int, transcript []session.Message) (session.MemorySnapshot, error) {
	if s.completer == nil {
		return session.MemorySnapshot{}, errors.New("no completer configured")
	}

	msgs := prompts.BuildMemoryMessages(prompts.MemoryRequest{
		AgentName:  req.Agent.Name,
		Round:      req.Round,
		WindowSize: window,
		Transcript: transcript,
	})
	label := fmt.Sprintf("memory %s r%d", req.Agent.Name, req.Round)
	s.runLog.LogRequest(label, req.Model.Model, msgs[len(msgs)-1].Content)

	raw, err := s.completer.ChatCompletion(ctx, msgs, req.Model, req.Options, nil)
	if err != nil {
		return session.MemorySnapshot{}, err
	}
	s.runLog.LogResponse(label, raw)

	return ParseSnapshot(raw, window, req.Round)
}

type summaryItem struct {
	Round   int    `json:"round"`
	Agent   string `json:"agent"`
	Name    string `json:"agentName"`
	Summary string `json:"summary"`
	Text    string `json:"text"`
}

type summaryPayload struct {
	Personal *[]summaryItem `json:"personal"`
	Peers    *[]summaryItem `json:"peers"`
}

// ParseSnapshot decodes the model's JSON reply. Both arrays must be present,
// every item needs summary text, and peer items need an agent name. Entries
// without a round are attributed to currentRound. Each list is capped to the
// newest window entries, oldest first.
func ParseSnapshot(raw string, window, currentRound int) (session.MemorySnapshot, error) {
	var payload summaryPayload
	if _, err := llm.DecodeJSON(raw, &payload); err != nil {
		return session.MemorySnapshot{}, err
	}
	if payload.Personal == nil || payload.Peers == nil {
		return session.MemorySnapshot{}, errors.New("memory summary must contain personal and peers arrays")
	}

	personal, err := convertItems(*payload.Personal, currentRound, false)
	if err != nil {
		return session.MemorySnapshot{}, fmt.Errorf("personal: %w", err)
	}
	peers, err := convertItems(*payload.Peers, currentRound, true)
	if err != nil {
		return session.MemorySnapshot{}, fmt.Errorf("peers: %w", err)
	}

	return session.MemorySnapshot{
		Personal: capNewest(personal, window),
		Peers:    capNewest(peers, window),
	}, nil
}

func convertItems(items []summaryItem, currentRound int, needName bool) ([]session.MemoryEntry, error) {
	out := make([]session.MemoryEntry, 0, len(items))
	for i, item := range items {
		text := strings.TrimSpace(item.Summary)
		if text == "" {
			text = strings.TrimSpace(item.Text)
		}
		if text == "" {
			return nil, fmt.Errorf("item %d has no summary", i)
		}
		if item.Round < 0 {
			return nil, fmt.Errorf("item %d has negative round", i)
		}
		round := item.Round
		if round == 0 {
			round = currentRound
		}

		entry := session.MemoryEntry{Round: round, Text: text}
		if needName {
			name := strings.TrimSpace(item.Agent)
			if name == "" {
				name = strings.TrimSpace(item.Name)
			}
			if name == "" {
				return nil, fmt.Errorf("item %d has no agent name", i)
			}
			entry.AgentName = name
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Round < out[j].Round })
	return out, nil
}

// Fallback builds a snapshot from the transcript alone: the agent's newest
// window messages as personal entries and the newest window messages of
// other agents as peer entries, each truncated to FallbackTextLimit runes.
func Fallback(agentID string, transcript []session.Message, window int) session.MemorySnapshot {
	snap := session.MemorySnapshot{
		Personal: []session.MemoryEntry{},
		Peers:    []session.MemoryEntry{},
	}
	for _, m := range transcript {
		if m.IsSkip() {
			continue
		}
		if m.AgentID == agentID {
			snap.Personal = append(snap.Personal, session.MemoryEntry{Round: m.Round, Text: Truncate(m.Content, FallbackTextLimit)})
			continue
		}
		snap.Peers = append(snap.Peers, session.MemoryEntry{
			Round:     m.Round,
			AgentName: displayName(m),
			Text:      Truncate(m.Content, FallbackTextLimit),
		})
	}
	snap.Personal = capNewest(snap.Personal, window)
	snap.Peers = capNewest(snap.Peers, window)
	return snap
}

// Window returns the messages of the last window rounds up to and including
// round, ordered by round then turn.
func Window(messages []session.Message, round, window int) []session.Message {
	if window < 1 {
		window = 1
	}
	first := round - window + 1
	var out []session.Message
	for _, m := range messages {
		if m.Round >= first && m.Round <= round {
			out = append(out, m)
		}
	}
	return sortedTranscript(out)
}

// Truncate shortens s to limit runes, marking the cut with an ellipsis
func Truncate(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit])) + "…"
}

func capNewest(entries []session.MemoryEntry, window int) []session.MemoryEntry {
	if len(entries) > window {
		entries = entries[len(entries)-window:]
	}
	return append([]session.MemoryEntry{}, entries...)
}

func sortedTranscript(messages []session.Message) []session.Message {
	out := append([]session.Message(nil), messages...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Round != out[j].Round {
			return out[i].Round < out[j].Round
		}
		return out[i].Turn < out[j].Turn
	})
	return out
}

func withNames(messages []session.Message, names map[string]string) []session.Message {
	for i := range messages {
		if name, ok := names[messages[i].AgentID]; ok && name != "" {
			messages[i].AgentName = name
		}
	}
	return messages
}

func displayName(m session.Message) string {
	if m.AgentName != "" {
		return m.AgentName
	}
	return m.AgentID
}
