package display

import (
	"math"
	"sort"

	"pii-scanner/internal/entity"
)

// Entity is a presentation-oriented aggregation of one or more entities of
// the same canonical type. Its span may be wider than any single source.
type Entity struct {
	CanonicalType string
	Label         string
	Start         int
	End           int
	Score         float64
	Origin        Origin
	Explanation   string
}

// Finding is one row of the view.
type Finding struct {
	Label       string  `json:"label"`
	Type        string  `json:"type"`
	TextExcerpt string  `json:"text_excerpt"`
	Confidence  float64 `json:"confidence"`
	Origin      string  `json:"origin"`
	Explanation string  `json:"explanation"`
	Start       int     `json:"start"`
	End         int     `json:"end"`
}

// Stats summarises the findings.
type Stats struct {
	Total  int            `json:"total"`
	ByType map[string]int `json:"by_type"`
}

// View is the presentation of one analysis.
type View struct {
	Findings      []Finding `json:"findings"`
	MaskedPreview string    `json:"masked_preview"`
	Stats         Stats     `json:"stats"`
}

// Build aggregates entities found in text into a View. masked is the
// redacted text; it is repaired, not recomputed.
func Build(text string, entities []entity.Candidate, masked string) View {
	runes := []rune(text)
	aggregate := Aggregate(entities)

	view := View{
		Findings:      make([]Finding, 0, len(aggregate)),
		MaskedPreview: RepairPreview(masked),
		Stats:         Stats{ByType: make(map[string]int)},
	}
	for _, d := range aggregate {
		view.Stats.ByType[d.CanonicalType]++
		view.Findings = append(view.Findings, Finding{
			Label:       d.Label,
			Type:        d.CanonicalType,
			TextExcerpt: Snippet(runes, d.Start, d.End, d.CanonicalType),
			Confidence:  math.Round(d.Score*10000) / 100,
			Origin:      d.Origin.Label(),
			Explanation: d.Explanation,
			Start:       d.Start,
			End:         d.End,
		})
	}
	view.Stats.Total = len(view.Findings)
	return view
}

// Aggregate canonicalizes entities and merges same-type spans that overlap or
// sit within two characters of each other.
func Aggregate(entities []entity.Candidate) []Entity {
	sorted := make([]entity.Candidate, len(entities))
	copy(sorted, entities)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return deterministicRank(a.Source) < deterministicRank(b.Source)
	})

	var merged []Entity
	for _, e := range sorted {
		canonical := CanonicalType(e.Type)
		current := Entity{
			CanonicalType: canonical,
			Label:         Label(canonical, e.Type),
			Start:         e.Start,
			End:           e.End,
			Score:         e.Score,
			Origin:        NormalizeOrigin(e.Source),
			Explanation:   TruncateExplanation(e.Explanation),
		}

		if n := len(merged); n > 0 {
			prev := merged[n-1]
			if prev.CanonicalType == current.CanonicalType && current.Start <= prev.End+mergeDistance {
				merged[n-1] = mergePair(prev, current)
				continue
			}
		}
		merged = append(merged, current)
	}
	return merged
}

func deterministicRank(source string) int {
	if NormalizeOrigin(source) == OriginDeterministic {
		return 0
	}
	return 1
}

// mergePair widens prev to cover cur. The higher-scoring side (prev on ties)
// supplies the explanation; a deterministic origin on either side wins.
func mergePair(prev, cur Entity) Entity {
	best := cur
	if prev.Score >= cur.Score {
		best = prev
	}
	origin := best.Origin
	if prev.Origin == OriginDeterministic || cur.Origin == OriginDeterministic {
		origin = OriginDeterministic
	}
	return Entity{
		CanonicalType: prev.CanonicalType,
		Label:         prev.Label,
		Start:         min(prev.Start, cur.Start),
		End:           max(prev.End, cur.End),
		Score:         max(prev.Score, cur.Score),
		Origin:        origin,
		Explanation:   best.Explanation,
	}
}

// Snippet returns up to 40 characters either side of [start, end) with the
// span itself replaced by a bracketed canonical marker.
func Snippet(runes []rune, start, end int, canonical string) string {
	before := entity.Slice(runes, start-contextWindow, start)
	after := entity.Slice(runes, end, end+contextWindow)
	return before + "[" + canonical + "]" + after
}
