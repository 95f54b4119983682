package contract

import (
	"regexp"
	"strconv"
	"strings"
)

// Stance is the self-reported polarity/intensity score of one turn
type Stance struct {
	Score int    `json:"score"`
	Note  string `json:"note"`
}

// Descriptive labels attached to a stance by sign
const (
	NoteSupportive = "supportive"
	NoteOpposed    = "opposed"
	NoteNeutral    = "neutral"
)

// stancePattern matches "(stance: +2)" and its localized, full-width forms
// such as "（立场：-1）".
var stancePattern = regexp.MustCompile(`(?i)[(（]\s*(?:stance|立场|立場)\s*[:：]\s*([+\-−－]?)\s*(\d+)\s*[)）]`)

// MaxLevel is the largest absolute stance score for a scale of scaleSize
// points. Scales smaller than 3 are treated as 3.
func MaxLevel(scaleSize int) int {
	if scaleSize < 3 {
		scaleSize = 3
	}
	return scaleSize / 2
}

// ExtractStance finds the stance marker in body, clamps its score to
// [-MaxLevel, +MaxLevel] and returns the body with every marker removed.
// When several markers are present the last one wins.
func ExtractStance(body string, scaleSize int) (*Stance, string) {
	matches := stancePattern.FindAllStringSubmatchIndex(body, -1)
	if len(matches) == 0 {
		return nil, body
	}

	last := matches[len(matches)-1]
	sign := body[last[2]:last[3]]
	digits := body[last[4]:last[5]]

	maxLevel := MaxLevel(scaleSize)
	score, err := strconv.Atoi(digits)
	if err != nil {
		// only overflow reaches here since the pattern guarantees digits
		score = maxLevel
	}
	if sign == "-" || sign == "−" || sign == "－" {
		score = -score
	}
	score = max(-maxLevel, min(maxLevel, score))

	stripped := stancePattern.ReplaceAllString(body, "")
	return &Stance{Score: score, Note: noteFor(score)}, strings.TrimSpace(collapseBlankLines(stripped))
}

func noteFor(score int) string {
	switch {
	case score > 0:
		return NoteSupportive
	case score < 0:
		return NoteOpposed
	default:
		return NoteNeutral
	}
}

var blankRun = regexp.MustCompile(`\n{3,}`)

func collapseBlankLines(s string) string {
	return blankRun.ReplaceAllString(s, "\n\n")
}
