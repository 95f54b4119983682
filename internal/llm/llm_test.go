package llm

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRepairJSON_ValidUnchanged(t *testing.T) {
	valid := `{"personal": [{"round": 1, "summary": "argued for taxes"}]}`

	repaired, stats, err := RepairJSON(valid)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if stats.WasRepaired {
		t.Error("Valid JSON should not be marked repaired")
	}
	if repaired != valid {
		t.Error("Valid JSON should not be modified")
	}
}

func TestRepairJSON_TrailingCommasAndComments(t *testing.T) {
	malformed := `{
		// model commentary
		"peers": [
			{"round": 2, "agent": "Ben", "summary": "worried",},
		],
	}`

	repaired, stats, err := RepairJSON(malformed)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !stats.WasRepaired {
		t.Error("Expected WasRepaired to be true")
	}
	if stats.CommentsLost != 1 {
		t.Errorf("Expected 1 comment lost, got %d", stats.CommentsLost)
	}
	if !json.Valid([]byte(repaired)) {
		t.Errorf("Repaired JSON should be valid: %s", repaired)
	}
}

func TestRepairJSON_TruncatedResponse(t *testing.T) {
	truncated := `{"personal": [{"round": 1, "summary": "cut off mid`

	repaired, _, err := RepairJSON(truncated)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var out struct {
		Personal []struct {
			Round   int    `json:"round"`
			Summary string `json:"summary"`
		} `json:"personal"`
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		t.Fatalf("Repaired JSON should decode: %v (%s)", err, repaired)
	}
	if len(out.Personal) != 1 || out.Personal[0].Summary != "cut off mid" {
		t.Errorf("Unexpected decode result: %+v", out)
	}
}

func TestRepairJSON_SingleQuotesAndBareKeys(t *testing.T) {
	malformed := `{personal: [{'round': 1, 'summary': 'short'}]}`

	repaired, stats, err := RepairJSON(malformed)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(stats.RepairStrategies) < 2 {
		t.Errorf("Expected multiple strategies, got %v", stats.RepairStrategies)
	}
	if !json.Valid([]byte(repaired)) {
		t.Errorf("Repaired JSON should be valid: %s", repaired)
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"pure object", `{"a": 1}`, `{"a": 1}`},
		{"prose around", "Here you go: {\"a\": {\"b\": 2}} hope it helps", `{"a": {"b": 2}}`},
		{"fenced", "```json\n{\"a\": 1}\n```\ntrailing", `{"a": 1}`},
		{"brace inside string", `note {"text": "a } b"} end`, `{"text": "a } b"}`},
		{"unbalanced tail", `x {"a": [1, 2`, `{"a": [1, 2`},
		{"no json", "nothing here", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractJSON(tc.raw); got != tc.want {
				t.Errorf("ExtractJSON() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var target map[string]interface{}

	stats, err := DecodeJSON("Summary:\n```json\n{\"peers\": [],}\n```", &target)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !stats.WasRepaired {
		t.Error("Expected repair to be reported")
	}
	if _, ok := target["peers"]; !ok {
		t.Errorf("Expected peers key, got %v", target)
	}

	if _, err := DecodeJSON("I cannot comply.", &target); !errors.Is(err, ErrNoJSON) {
		t.Errorf("Expected ErrNoJSON, got %v", err)
	}
}
