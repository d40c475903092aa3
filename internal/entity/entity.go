// Package entity defines the value types passed between pipeline stages.
//
// All offsets are character (rune) offsets into the analysed text, half-open:
// [Start, End). Entities are values; stages build new ones instead of
// mutating what an earlier stage produced.
package entity

// Source tags attached to candidates by the two recognition pathways.
const (
	SourcePresidio = "presidio"
	SourceLLM      = "llm"
)

// Candidate is a single scored detection from either recognition pathway.
// The Merge Engine emits the same shape, so it doubles as the merged entity.
type Candidate struct {
	Type        string  `json:"type"`
	Score       float64 `json:"score"`
	Start       int     `json:"start"`
	End         int     `json:"end"`
	Text        string  `json:"text"`
	Source      string  `json:"source,omitempty"`
	Explanation string  `json:"explanation,omitempty"`
}

// Key is the dedup identity of a candidate.
type Key struct {
	Start int
	End   int
	Type  string
}

// Key returns the (start, end, type) identity of c.
func (c Candidate) Key() Key {
	return Key{Start: c.Start, End: c.End, Type: c.Type}
}

// Slice returns runes[start:end] as a string, clamping out-of-range bounds.
func Slice(runes []rune, start, end int) string {
	if start < 0 {
		start = 0
	}
	if end > len(runes) {
		end = len(runes)
	}
	if start >= end {
		return ""
	}
	return string(runes[start:end])
}
