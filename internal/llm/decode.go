package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrNoJSON is returned when the response contains no JSON object or array
var ErrNoJSON = errors.New("no JSON found in model response")

// DecodeJSON extracts the first JSON value from raw, repairs it if needed,
// and unmarshals it into target.
func DecodeJSON(raw string, target interface{}) (RepairStats, error) {
	payload := ExtractJSON(raw)
	if payload == "" {
		log.Debug().Str("response_head", truncate(raw, 200)).Msg("No JSON found in model response")
		return RepairStats{}, ErrNoJSON
	}

	repaired, stats, err := RepairJSON(payload)
	if stats.WasRepaired {
		log.Debug().
			Strs("strategies", stats.RepairStrategies).
			Int("errors_fixed", stats.ErrorsFixed).
			Dur("repair_time", stats.RepairTime).
			Msg("Repaired model JSON")
	}
	if err != nil {
		return stats, err
	}

	if err := json.Unmarshal([]byte(repaired), target); err != nil {
		return stats, fmt.Errorf("JSON parsing failed after repair: %w", err)
	}
	return stats, nil
}

// ExtractJSON returns the JSON payload inside mixed prose/JSON output:
// a fenced ```json block if present, otherwise the first balanced
// object or array. An unbalanced tail is returned as-is for repair.
func ExtractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	if fenced := fencedBlock(raw); fenced != "" {
		raw = fenced
	}

	start := strings.IndexAny(raw, "{[")
	if start < 0 {
		return ""
	}
	if end := matchingClose(raw, start); end >= 0 {
		return raw[start : end+1]
	}
	return raw[start:]
}

func fencedBlock(raw string) string {
	if !strings.Contains(raw, "```") {
		return ""
	}
	var lines []string
	inBlock := false
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if inBlock {
				break
			}
			inBlock = true
			continue
		}
		if inBlock {
			lines = append(lines, line)
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// matchingClose returns the index of the bracket closing raw[start],
// skipping brackets inside string literals, or -1.
func matchingClose(raw string, start int) int {
	open := raw[start]
	close := byte('}')
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(raw); i++ {
		c := raw[i]
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
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
