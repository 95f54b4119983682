package contract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validState = `Long-term baseline: cautiously supportive.
Short-term fluctuation: slightly shaken by Ben.
Personal memory summary: I argued for gradual change.
Peer memory summary: Ben fears job losses.`

func validCompletion() string {
	return "<STATE>\n" + validState + "\n</STATE>\n<thought>Ben has a point, but the data says otherwise.</thought>\n" +
		"I still think a phased approach works best. (stance: +1)"
}

func TestParseValidCompletion(t *testing.T) {
	p := Parse(validCompletion(), 5)

	require.True(t, p.Valid(), "problems: %v", p.Problems())
	assert.Equal(t, "state", p.State.Tag)
	assert.True(t, p.State.Closed)
	assert.Contains(t, p.State.Value, "Peer memory summary")
	assert.Equal(t, "Ben has a point, but the data says otherwise.", p.Thought.Value)
	assert.Equal(t, "I still think a phased approach works best.", p.Body)
	require.NotNil(t, p.Stance)
	assert.Equal(t, 1, p.Stance.Score)
	assert.Equal(t, NoteSupportive, p.Stance.Note)
}

func TestThoughtTagPriority(t *testing.T) {
	raw := "<reasoning>second</reasoning><thinking>first</thinking> body (stance: 0)"
	section, rest := ExtractThought(raw)

	assert.Equal(t, "thinking", section.Tag)
	assert.Equal(t, "first", section.Value)
	assert.Contains(t, rest, "<reasoning>second</reasoning>")
}

func TestUnclosedSectionStopsAtBoundary(t *testing.T) {
	raw := "<state>" + validState + "\n<thought>musing</thought>\nThe body. (stance: -1)"

	p := Parse(raw, 3)
	assert.True(t, p.State.Found)
	assert.False(t, p.State.Closed)
	assert.NotContains(t, p.State.Value, "musing")
	assert.True(t, p.Thought.Closed)
	assert.Equal(t, "The body.", p.Body)
	assert.Contains(t, p.Problems(), "state section unclosed")
}

func TestUnclosedThoughtStopsAtStanceMarker(t *testing.T) {
	section, rest := ExtractThought("intro <think>pondering (stance: +2) trailing")

	assert.True(t, section.Found)
	assert.False(t, section.Closed)
	assert.Equal(t, "pondering", section.Value)
	assert.Equal(t, "intro\n(stance: +2) trailing", rest)
}

func TestStateMissingLabelIsInvalid(t *testing.T) {
	raw := "<state>Long-term baseline: x\nShort-term fluctuation: y\nPersonal memory summary: z</state>" +
		"<thought>t</thought>body (stance: 1)"

	p := Parse(raw, 5)
	assert.False(t, p.Valid())
	assert.Contains(t, p.Problems(), `state section lacks "peer memory summary"`)
}

func TestLocalizedLabelsAndStance(t *testing.T) {
	raw := "<state>长期基线：支持\n短期波动：稳定\n个人记忆摘要：无\n同伴记忆摘要：无</state>" +
		"<thought>思考</thought>我认为应该推进。（立场：-2）"

	p := Parse(raw, 5)
	require.True(t, p.Valid(), "problems: %v", p.Problems())
	assert.Equal(t, -2, p.Stance.Score)
	assert.Equal(t, NoteOpposed, p.Stance.Note)
	assert.Equal(t, "我认为应该推进。", p.Body)
}

func TestStanceClamp(t *testing.T) {
	stance, body := ExtractStance("Absolutely. (立场：+99)", 3)
	require.NotNil(t, stance)
	assert.Equal(t, 1, stance.Score)
	assert.Equal(t, "Absolutely.", body)

	stance, _ = ExtractStance("No. (stance: -99999999999999999999999)", 7)
	require.NotNil(t, stance)
	assert.Equal(t, -3, stance.Score)

	stance, _ = ExtractStance("Meh (Stance: 0)", 5)
	require.NotNil(t, stance)
	assert.Equal(t, NoteNeutral, stance.Note)
}

func TestStanceLastMarkerWins(t *testing.T) {
	stance, body := ExtractStance("Earlier (stance: -1) I wavered, now (stance: +2)", 5)
	require.NotNil(t, stance)
	assert.Equal(t, 2, stance.Score)
	assert.Equal(t, "Earlier  I wavered, now", body)
}

func TestMaxLevel(t *testing.T) {
	assert.Equal(t, 1, MaxLevel(0))
	assert.Equal(t, 1, MaxLevel(3))
	assert.Equal(t, 2, MaxLevel(5))
	assert.Equal(t, 3, MaxLevel(7))
	assert.Equal(t, 3, MaxLevel(6))
}

func TestCollectSkipsAfterExhaustingAttempts(t *testing.T) {
	missingThought := "<state>" + validState + "</state>\nOpinion without thinking. (stance: +1)"
	calls := 0

	outcome, err := Collect(context.Background(), func(ctx context.Context, attempt int) (string, error) {
		calls++
		return missingThought, nil
	}, Options{MaxAttempts: 3, ScaleSize: 5})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, outcome.Skipped)
	assert.Nil(t, outcome.Parsed)
	assert.Equal(t, SkipSentinel, outcome.Content())
	assert.Contains(t, outcome.Problems, "thought section missing")
}

func TestCollectSucceedsOnRetry(t *testing.T) {
	var rejected []int
	outcome, err := Collect(context.Background(), func(ctx context.Context, attempt int) (string, error) {
		if attempt == 1 {
			return "garbage", nil
		}
		return validCompletion(), nil
	}, Options{ScaleSize: 5, OnInvalid: func(attempt int, raw string, problems []string) {
		rejected = append(rejected, attempt)
	}})

	require.NoError(t, err)
	assert.False(t, outcome.Skipped)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, []int{1}, rejected)
	assert.Equal(t, "I still think a phased approach works best.", outcome.Content())
}

func TestCollectPropagatesCallErrors(t *testing.T) {
	boom := errors.New("vendor returned 500")
	calls := 0

	_, err := Collect(context.Background(), func(ctx context.Context, attempt int) (string, error) {
		calls++
		return "", boom
	}, Options{MaxAttempts: 3})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestCollectStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Collect(ctx, func(ctx context.Context, attempt int) (string, error) {
		t.Fatal("call should not run")
		return "", nil
	}, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
