package deliberation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/opinionsim/internal/contract"
	"github.com/opinionsim/internal/gateway"
	"github.com/opinionsim/internal/memory"
	"github.com/opinionsim/internal/prompts"
	"github.com/opinionsim/internal/session"
)

// errSuperseded ends a loop whose run is no longer the active one
var errSuperseded = errors.New("run superseded")

// loop executes rounds until completion, cancellation or a fatal error
func (m *Manager) loop(r *run) {
	defer close(r.done)
	defer r.log.Close()
	defer r.cancel()

	err := m.rounds(r)
	switch {
	case err == nil:
		m.finish(r, session.PhaseCompleted, nil)
	case errors.Is(err, errSuperseded):
	case gateway.IsAborted(err) || r.ctx.Err() != nil:
		m.finish(r, session.PhaseCancelled, nil)
	default:
		m.finish(r, session.PhaseError, err)
	}
}

func (m *Manager) rounds(r *run) error {
	for round := r.plan.StartRound; round <= r.cfg.MaxRounds; round++ {
		if err := m.checkpoint(r); err != nil {
			return err
		}

		spoken := r.plan.spokenIn(round)
		pending := m.planRound(r, round, spoken)
		if len(pending) == 0 {
			r.log.Log("Round %d already complete, skipping", round)
			continue
		}
		r.log.LogSection(fmt.Sprintf("ROUND %d", round))
		if len(spoken) > 0 {
			r.log.Log("Replayed speakers: %s", strings.Join(spoken, ", "))
		}
		r.log.Log("Speaking order: %s", strings.Join(pending, ", "))

		turn := 0
		if round == r.plan.StartRound {
			turn = r.plan.StartTurnIndex
		}
		for _, agentID := range pending {
			if err := m.checkpoint(r); err != nil {
				return err
			}
			agent, ok := m.state.Agent(agentID)
			if !ok {
				// removed by an edit applied at the previous boundary
				continue
			}
			turn++
			if err := m.runTurn(r, agent, round, turn); err != nil {
				return err
			}
			if err := m.checkpoint(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// planRound computes the agents still to speak in round
func (m *Manager) planRound(r *run, round int, spoken []string) []string {
	roster := rosterIDs(m.state.Agents())
	if r.cfg.Mode == session.OrderRandom {
		priority := ""
		if round == r.plan.StartRound {
			priority = r.priority
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		return randomTurns(m.rng, roster, spoken, priority)
	}

	order := reconcileOrder(m.state.Order(), roster)
	m.withActive(r, func() { m.state.SetOrder(order) })
	return sequentialTurns(order, spoken)
}

// checkpoint blocks while paused and reports whether the run may continue
func (m *Manager) checkpoint(r *run) error {
	if err := r.gate.wait(r.ctx); err != nil {
		return err
	}
	if !m.isActive(r) {
		return errSuperseded
	}
	return nil
}

func (m *Manager) runTurn(r *run, agent session.Agent, round, turn int) error {
	ok := m.withActive(r, func() {
		m.inTurn = true
		status := m.state.UpdateStatus(func(s *session.RunStatus) {
			s.CurrentRound = round
			s.CurrentTurn = turn
			s.LastAgentID = agent.ID
			s.AwaitingLabel = agent.Name
		})
		m.persistLocked()
		m.publishLocked(status)
	})
	if !ok {
		return errSuperseded
	}

	err := m.executeTurn(r, agent, round, turn)

	m.withActive(r, func() {
		m.inTurn = false
		m.applyPendingLocked()
	})
	return err
}

func (m *Manager) executeTurn(r *run, agent session.Agent, round, turn int) error {
	modelCfg, err := m.resolveModel(r.cfg, agent)
	if err != nil {
		return err
	}
	opts := gateway.CallOptions{Temperature: r.cfg.Temperature, MaxTokens: r.cfg.MaxTokens}

	tc := m.turnContext(r.cfg, agent, round, turn)
	msgs := prompts.BuildTurnMessages(tc)
	label := fmt.Sprintf("%s r%d t%d", agent.Name, round, turn)

	onStatus := func(s gateway.Status) {
		m.withActive(r, func() {
			status := m.state.UpdateStatus(func(st *session.RunStatus) {
				st.AwaitingLabel = fmt.Sprintf("%s: %s", agent.Name, s)
			})
			m.publishLocked(status)
		})
	}
	call := func(ctx context.Context, attempt int) (string, error) {
		r.log.LogRequest(fmt.Sprintf("%s attempt %d", label, attempt), modelCfg.Model, msgs[len(msgs)-1].Content)
		raw, err := m.opts.Completer.ChatCompletion(ctx, msgs, modelCfg, opts, onStatus)
		if err != nil {
			r.log.LogError(label, err)
			return "", err
		}
		r.log.LogResponse(label, raw)
		return raw, nil
	}

	outcome, err := contract.Collect(r.ctx, call, contract.Options{
		MaxAttempts: r.cfg.MaxAttempts,
		ScaleSize:   r.cfg.ScaleSize,
		OnInvalid: func(attempt int, _ string, problems []string) {
			r.log.Log("%s attempt %d rejected: %s", label, attempt, strings.Join(problems, "; "))
		},
	})
	if err != nil {
		return err
	}

	msg := newMessage(agent, round, turn, outcome)
	if outcome.Skipped {
		r.log.Log("%s skipped after %d attempts", label, outcome.Attempts)
		log.Warn().
			Str("session_id", m.state.ID()).
			Str("agent_id", agent.ID).
			Int("round", round).
			Int("turn", turn).
			Msg("Turn skipped after exhausting attempts")
	}

	appended := m.withActive(r, func() {
		m.state.AppendMessage(msg)
		if m.opts.Store != nil {
			if err := m.opts.Store.AppendMessage(context.Background(), m.state.ID(), msg); err != nil {
				log.Error().Err(err).Str("session_id", m.state.ID()).Msg("Failed to persist message")
			}
		}
		status := m.state.UpdateStatus(func(s *session.RunStatus) {
			s.AwaitingLabel = ""
		})
		m.persistLocked()
		m.publishLocked(status)
	})
	if !appended {
		return errSuperseded
	}

	m.refreshMemory(r, agent, round, modelCfg, opts)
	return nil
}

// refreshMemory replaces the speaker's memory snapshot from the window of
// recent rounds
func (m *Manager) refreshMemory(r *run, agent session.Agent, round int, modelCfg gateway.ModelConfig, opts gateway.CallOptions) {
	window := memory.Window(m.state.Messages(), round, r.cfg.WindowSize)
	names := make(map[string]string)
	for _, a := range m.state.Agents() {
		names[a.ID] = a.Name
	}

	snap := memory.NewSummarizer(m.opts.Completer, r.log).Summarize(r.ctx, memory.Request{
		Agent:      agent,
		Round:      round,
		WindowSize: r.cfg.WindowSize,
		Messages:   window,
		Names:      names,
		Model:      modelCfg,
		Options:    opts,
	})
	m.withActive(r, func() {
		if _, ok := m.state.Agent(agent.ID); ok {
			m.state.SetMemory(agent.ID, snap)
		}
	})
}

// turnContext gathers what agent sees for this turn
func (m *Manager) turnContext(cfg session.Config, agent session.Agent, round, turn int) prompts.TurnContext {
	messages := m.state.Messages()
	tc := prompts.TurnContext{
		Topic:     cfg.Topic,
		Agent:     agent,
		Round:     round,
		Turn:      turn,
		MaxRounds: cfg.MaxRounds,
		ScaleSize: cfg.ScaleSize,
		Weights:   m.state.ContextWeights(agent.ID),
		Memory:    m.state.Memory(agent.ID),
	}

	for i := range messages {
		msg := messages[i]
		if msg.IsSkip() {
			continue
		}
		if msg.Round == round-1 && msg.AgentID != agent.ID {
			tc.PriorRound = append(tc.PriorRound, msg)
		}
		if msg.AgentID == agent.ID && msg.Round < round {
			tc.OwnLast = &messages[i]
		}
	}

	var last *session.Message
	for i := range messages {
		if messages[i].Round == round && messages[i].Turn < turn {
			if last == nil || messages[i].Turn > last.Turn {
				last = &messages[i]
			}
		}
	}
	if last != nil && last.AgentID != agent.ID && !last.IsSkip() {
		tc.Preceding = last
	}
	return tc
}

func (m *Manager) resolveModel(cfg session.Config, agent session.Agent) (gateway.ModelConfig, error) {
	return ResolveModel(cfg, agent, m.opts.VendorKeys)
}

// EffectiveBinding picks the global binding when enabled and set, else the
// agent's own, else the session default.
func EffectiveBinding(cfg session.Config, agent session.Agent) session.ModelBinding {
	binding := agent.Model
	switch {
	case cfg.GlobalModel.Enabled && !cfg.GlobalModel.Binding.IsZero():
		binding = cfg.GlobalModel.Binding
	case binding.IsZero():
		binding = cfg.DefaultModel
	}
	if binding.IsZero() {
		binding = session.DefaultConfig().DefaultModel
	}
	if binding.Model == "" && gateway.NormalizeProvider(binding.Provider) == gateway.NormalizeProvider(cfg.DefaultModel.Provider) {
		binding.Model = cfg.DefaultModel.Model
	}
	return binding
}

// ResolveModel resolves the effective binding of agent and its credential:
// the binding's own key, else the vendor key. Providers that need a key
// and have none fail with ErrMissingCredential.
func ResolveModel(cfg session.Config, agent session.Agent, vendorKeys map[string]string) (gateway.ModelConfig, error) {
	binding := EffectiveBinding(cfg, agent)
	provider := gateway.NormalizeProvider(binding.Provider)
	key := binding.APIKey
	if key == "" {
		key = vendorKeys[string(provider)]
	}
	if key == "" && gateway.RequiresAPIKey(provider) {
		name := agent.Name
		if name == "" {
			name = agent.ID
		}
		return gateway.ModelConfig{}, fmt.Errorf("%w for agent %q (provider %s)", ErrMissingCredential, name, provider)
	}

	return gateway.ModelConfig{
		Provider: provider,
		Model:    binding.Model,
		APIKey:   key,
		BaseURL:  binding.BaseURL,
	}, nil
}

// newMessage builds the turn's message. A skipped turn carries only the
// sentinel, never partial fields.
func newMessage(agent session.Agent, round, turn int, outcome contract.Outcome) session.Message {
	msg := session.Message{
		ID:        uuid.NewString(),
		AgentID:   agent.ID,
		AgentName: agent.Name,
		Round:     round,
		Turn:      turn,
		Content:   outcome.Content(),
		Timestamp: time.Now().UTC(),
	}
	if outcome.Skipped || outcome.Parsed == nil {
		return msg
	}
	p := outcome.Parsed
	msg.RawResponse = p.Raw
	msg.InnerState = p.State.Value
	msg.ThoughtSummary = p.Thought.Value
	msg.Stance = p.Stance
	return msg
}
