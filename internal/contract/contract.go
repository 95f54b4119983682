package contract

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// SkipSentinel marks a turn that produced no usable output
const SkipSentinel = "[[SKIP]]"

// DefaultMaxAttempts is the number of model calls allowed per turn
const DefaultMaxAttempts = 3

// requiredStateLabels lists the sub-labels the state block must mention.
// Any alternative of a group satisfies it.
var requiredStateLabels = []struct {
	name         string
	alternatives []string
}{
	{"long-term baseline", []string{"long term baseline", "长期基线"}},
	{"short-term fluctuation", []string{"short term fluctuation", "短期波动"}},
	{"personal memory summary", []string{"personal memory summary", "个人记忆摘要"}},
	{"peer memory summary", []string{"peer memory summary", "同伴记忆摘要"}},
}

// Parsed is the structured reading of one raw completion
type Parsed struct {
	Raw     string
	State   Section
	Thought Section
	Body    string
	Stance  *Stance
}

// Parse extracts state, thought, body and stance from raw
func Parse(raw string, scaleSize int) Parsed {
	state, rest := ExtractState(raw)
	thought, rest := ExtractThought(rest)
	stance, body := ExtractStance(rest, scaleSize)

	return Parsed{
		Raw:     raw,
		State:   state,
		Thought: thought,
		Body:    strings.TrimSpace(body),
		Stance:  stance,
	}
}

// Problems lists every reason the attempt is invalid; empty means valid
func (p Parsed) Problems() []string {
	var problems []string

	switch {
	case !p.State.Found:
		problems = append(problems, "state section missing")
	case !p.State.Closed:
		problems = append(problems, "state section unclosed")
	case p.State.Empty():
		problems = append(problems, "state section empty")
	default:
		for _, missing := range missingStateLabels(p.State.Value) {
			problems = append(problems, fmt.Sprintf("state section lacks %q", missing))
		}
	}

	switch {
	case !p.Thought.Found:
		problems = append(problems, "thought section missing")
	case !p.Thought.Closed:
		problems = append(problems, "thought section unclosed")
	case p.Thought.Empty():
		problems = append(problems, "thought section empty")
	}

	if p.Body == "" {
		problems = append(problems, "body empty")
	}
	if p.Stance == nil {
		problems = append(problems, "stance marker missing")
	}
	return problems
}

// Valid reports whether every section of the contract is satisfied
func (p Parsed) Valid() bool {
	return len(p.Problems()) == 0
}

func missingStateLabels(state string) []string {
	normalized := normalizeLabel(state)
	var missing []string
	for _, group := range requiredStateLabels {
		found := false
		for _, alt := range group.alternatives {
			if strings.Contains(normalized, alt) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, group.name)
		}
	}
	return missing
}

func normalizeLabel(s string) string {
	s = asciiLower(s)
	s = strings.NewReplacer("-", " ", "_", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// Caller performs one model call and returns the raw completion
type Caller func(ctx context.Context, attempt int) (string, error)

// Options tunes Collect
type Options struct {
	MaxAttempts int
	ScaleSize   int
	// OnInvalid is called after each rejected attempt
	OnInvalid func(attempt int, raw string, problems []string)
}

// Outcome is the result of one turn's collection
type Outcome struct {
	Parsed   *Parsed // nil when Skipped
	Attempts int
	Skipped  bool
	Problems []string // problems of the last rejected attempt
}

// Content returns the visible message body, or SkipSentinel
func (o Outcome) Content() string {
	if o.Skipped || o.Parsed == nil {
		return SkipSentinel
	}
	return o.Parsed.Body
}

// Collect calls the model up to MaxAttempts times with identical input until
// one completion satisfies the contract. Exhausting the attempts yields a
// skipped outcome with no partial fields. Errors from call are returned
// unchanged; they are never retried here.
func Collect(ctx context.Context, call Caller, opts Options) (Outcome, error) {
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	var outcome Outcome
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
		outcome.Attempts = attempt

		raw, err := call(ctx, attempt)
		if err != nil {
			return outcome, err
		}

		parsed := Parse(raw, opts.ScaleSize)
		problems := parsed.Problems()
		if len(problems) == 0 {
			outcome.Parsed = &parsed
			outcome.Problems = nil
			return outcome, nil
		}

		outcome.Problems = problems
		log.Debug().
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Strs("problems", problems).
			Msg("Model output rejected by response contract")
		if opts.OnInvalid != nil {
			opts.OnInvalid(attempt, raw, problems)
		}
	}

	outcome.Skipped = true
	return outcome, nil
}
