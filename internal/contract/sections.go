// Package contract parses one raw model completion into the structured turn
// record (state block, thought block, body, stance) and enforces the
// all-or-nothing validity rule with bounded retries.
//
// The format is loose pseudo-XML written by a language model, so parsing is
// a small tag scanner rather than a grammar: each section is located by its
// opening marker, and a missing closing marker makes the section run to the
// next recognized boundary.
package contract

import (
	"strings"
)

// Section is the outcome of extracting one tagged block
type Section struct {
	Tag    string // opening tag that matched, lowercased
	Value  string // trimmed text between the markers
	Found  bool
	Closed bool
}

// Empty reports whether the section carries no text
func (s Section) Empty() bool {
	return strings.TrimSpace(s.Value) == ""
}

var (
	// StateTags open the long/short-term state block
	StateTags = []string{"state", "inner_state"}

	// ThoughtTags open the thought block, in priority order
	ThoughtTags = []string{"thought", "thinking", "think", "reasoning"}
)

// genericOpeners are every opening marker the parser knows about; any of
// them ends an unclosed section.
var genericOpeners = func() []string {
	var out []string
	for _, tag := range append(append([]string{}, StateTags...), ThoughtTags...) {
		out = append(out, "<"+tag+">")
	}
	return out
}()

// ExtractState pulls the state block out of content and returns the
// section plus the remaining content.
func ExtractState(content string) (Section, string) {
	return extractSection(content, StateTags, ThoughtTags)
}

// ExtractThought pulls the first matching thought block out of content
func ExtractThought(content string) (Section, string) {
	return extractSection(content, ThoughtTags, StateTags)
}

// extractSection finds the first tag in tags (priority order) present in
// content. With a closing marker, the block and its markers are cut out.
// Without one, the block runs to the next stop tag, generic opener, or
// stance marker, and is reported unclosed.
func extractSection(content string, tags []string, stopTags []string) (Section, string) {
	lower := asciiLower(content)

	for _, tag := range tags {
		open := "<" + tag + ">"
		start := strings.Index(lower, open)
		if start < 0 {
			continue
		}
		bodyStart := start + len(open)
		section := Section{Tag: tag, Found: true}

		closeMarker := "</" + tag + ">"
		if rel := strings.Index(lower[bodyStart:], closeMarker); rel >= 0 {
			bodyEnd := bodyStart + rel
			section.Value = strings.TrimSpace(content[bodyStart:bodyEnd])
			section.Closed = true
			return section, glue(content[:start], content[bodyEnd+len(closeMarker):])
		}

		end := nextBoundary(content, lower, bodyStart, stopTags)
		section.Value = strings.TrimSpace(content[bodyStart:end])
		return section, glue(content[:start], content[end:])
	}

	return Section{}, content
}

// nextBoundary returns the earliest index >= from where an unclosed section
// must stop, or len(content) if nothing follows.
func nextBoundary(content, lower string, from int, stopTags []string) int {
	end := len(content)
	consider := func(idx int) {
		if idx >= 0 && from+idx < end {
			end = from + idx
		}
	}

	rest := lower[from:]
	for _, tag := range stopTags {
		consider(strings.Index(rest, "<"+tag+">"))
	}
	for _, opener := range genericOpeners {
		consider(strings.Index(rest, opener))
	}
	if loc := stancePattern.FindStringIndex(content[from:]); loc != nil {
		consider(loc[0])
	}
	return end
}

// glue joins the text around a removed block without leaving stray blank
// lines behind.
func glue(before, after string) string {
	before = strings.TrimRight(before, " \t\r\n")
	after = strings.TrimLeft(after, " \t\r\n")
	switch {
	case before == "":
		return after
	case after == "":
		return before
	default:
		return before + "\n" + after
	}
}

// asciiLower lowercases ASCII letters only, so byte offsets in the result
// line up with the original string.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
