// Package anonymizer rewrites text, replacing every detected entity span
// with a per-type redaction token.
//
// Offsets are rune offsets into the original text. Spans are reconciled
// first (see resolve) and then all replacements are written in a single
// left-to-right pass over the original, so earlier replacements never shift
// the coordinates of later ones.
package anonymizer

import (
	"sort"
	"strings"

	"pii-scanner/internal/entity"
)

// Token returns the redaction token used for every occurrence of typ.
func Token(typ string) string {
	return "[REDACTED_" + typ + "]"
}

// Tokens returns the token table for the distinct types in entities.
func Tokens(entities []entity.Candidate) map[string]string {
	out := make(map[string]string)
	for _, e := range entities {
		if _, ok := out[e.Type]; !ok {
			out[e.Type] = Token(e.Type)
		}
	}
	return out
}

// Anonymize returns text with each entity span replaced by its type token.
// With no entities the input is returned unchanged.
func Anonymize(text string, entities []entity.Candidate) string {
	if len(entities) == 0 {
		return text
	}
	runes := []rune(text)
	spans := resolve(entities, len(runes))
	if len(spans) == 0 {
		return text
	}
	tokens := Tokens(entities)

	var b strings.Builder
	b.Grow(len(text))
	cursor := 0
	for _, s := range spans {
		b.WriteString(string(runes[cursor:s.start]))
		b.WriteString(tokens[s.typ])
		cursor = s.end
	}
	b.WriteString(string(runes[cursor:]))
	return b.String()
}

type span struct {
	start, end int
	typ        string
	score      float64
}

func (s span) intersects(o span) bool { return s.start < o.end && o.start < s.end }

func (s span) containedIn(o span) bool { return o.start <= s.start && s.end <= o.end }

// resolve turns possibly conflicting entity spans into disjoint, ordered
// spans:
//   - same-type spans that intersect are unioned;
//   - a span contained in another is dropped (for identical spans the higher
//     score survives, then the earlier one);
//   - a remaining partial overlap is trimmed so the later span starts where
//     the earlier one ends.
//
// Spans are clamped to [0, n) and empty spans are ignored.
func resolve(entities []entity.Candidate, n int) []span {
	spans := make([]span, 0, len(entities))
	for _, e := range entities {
		s := span{start: max(e.Start, 0), end: min(e.End, n), typ: e.Type, score: e.Score}
		if s.start >= s.end {
			continue
		}
		spans = append(spans, s)
	}

	// Union same-type intersections until stable.
	for merged := true; merged; {
		merged = false
		for i := 0; i < len(spans) && !merged; i++ {
			for j := i + 1; j < len(spans); j++ {
				if spans[i].typ != spans[j].typ || !spans[i].intersects(spans[j]) {
					continue
				}
				spans[i].start = min(spans[i].start, spans[j].start)
				spans[i].end = max(spans[i].end, spans[j].end)
				spans[i].score = max(spans[i].score, spans[j].score)
				spans = append(spans[:j], spans[j+1:]...)
				merged = true
				break
			}
		}
	}

	// Longest first within a start, so containment only checks kept spans.
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		if spans[i].end != spans[j].end {
			return spans[i].end > spans[j].end
		}
		return spans[i].score > spans[j].score
	})

	var kept []span
	for _, s := range spans {
		contained := false
		for _, k := range kept {
			if s.containedIn(k) {
				contained = true
				break
			}
		}
		if !contained {
			kept = append(kept, s)
		}
	}

	var out []span
	for _, s := range kept {
		if len(out) > 0 {
			if prev := out[len(out)-1]; s.start < prev.end {
				s.start = prev.end
			}
		}
		if s.start < s.end {
			out = append(out, s)
		}
	}
	return out
}
