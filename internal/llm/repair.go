// Package llm decodes JSON objects embedded in free-form model output,
// repairing the common ways models break JSON before giving up.
package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
)

// RepairStats describes what RepairJSON had to do to a payload
type RepairStats struct {
	OriginalBytes    int           `json:"original_bytes"`
	RepairedBytes    int           `json:"repaired_bytes"`
	CommentsLost     int           `json:"comments_lost"`
	ErrorsFixed      int           `json:"errors_fixed"`
	RepairTime       time.Duration `json:"repair_time"`
	RepairStrategies []string      `json:"repair_strategies"`
	WasRepaired      bool          `json:"was_repaired"`
}

var (
	trailingComma  = regexp.MustCompile(`,\s*([}\]])`)
	blockComment   = regexp.MustCompile(`(?s)/\*.*?\*/`)
	unquotedKey    = regexp.MustCompile(`([{,]\s*)([a-zA-Z_][a-zA-Z0-9_]*)(\s*:)`)
	singleQuoted   = regexp.MustCompile(`'([^'\n]*)'`)
	lineCommentPfx = regexp.MustCompile(`(?m)^\s*//.*$`)
)

// RepairJSON returns raw unchanged when it is valid JSON. Otherwise it tries,
// in order: trailing commas, comments, unclosed brackets, unquoted keys,
// single quotes, and finally the jsonrepair library.
func RepairJSON(raw string) (string, RepairStats, error) {
	start := time.Now()
	stats := RepairStats{OriginalBytes: len(raw)}

	finish := func(out string) RepairStats {
		stats.RepairedBytes = len(out)
		stats.RepairTime = time.Since(start)
		return stats
	}

	if json.Valid([]byte(raw)) {
		return raw, finish(raw), nil
	}

	stats.WasRepaired = true
	repaired := raw
	apply := func(name string, fn func(string) string) {
		if out := fn(repaired); out != repaired {
			repaired = out
			stats.RepairStrategies = append(stats.RepairStrategies, name)
			stats.ErrorsFixed++
		}
	}

	apply("comments_removed", func(s string) string {
		out, removed := removeComments(s)
		stats.CommentsLost += removed
		return out
	})
	apply("trailing_commas", func(s string) string { return trailingComma.ReplaceAllString(s, "$1") })
	apply("completion", completeJSON)
	apply("key_quotes", func(s string) string { return unquotedKey.ReplaceAllString(s, `$1"$2"$3`) })
	apply("single_quotes", func(s string) string { return singleQuoted.ReplaceAllString(s, `"$1"`) })

	if json.Valid([]byte(repaired)) {
		return repaired, finish(repaired), nil
	}

	if fixed, err := jsonrepair.JSONRepair(repaired); err == nil && fixed != repaired {
		repaired = fixed
		stats.RepairStrategies = append(stats.RepairStrategies, "jsonrepair_library")
		stats.ErrorsFixed++
	}

	if !json.Valid([]byte(repaired)) {
		return repaired, finish(repaired), fmt.Errorf("JSON repair failed after %d strategies", len(stats.RepairStrategies))
	}
	return repaired, finish(repaired), nil
}

func removeComments(s string) (string, int) {
	removed := len(lineCommentPfx.FindAllString(s, -1)) + len(blockComment.FindAllString(s, -1))
	s = lineCommentPfx.ReplaceAllString(s, "")
	s = blockComment.ReplaceAllString(s, "")
	return s, removed
}

// completeJSON closes brackets and strings left open by a truncated response
func completeJSON(s string) string {
	s = strings.TrimSpace(s)
	var stack []byte
	inString, escaped := false, false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if inString {
		s += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		s += string(stack[i])
	}
	return s
}
