// Package pipeline wires the recognition stages together: candidates from the
// engine are routed by confidence, the fallback extractor is consulted when
// routing asks for it, both sets are merged, and the merged entities are
// anonymized.
package pipeline

import (
	"errors"
	"fmt"
	"sort"

	"pii-scanner/internal/entity"
)

// Default routing thresholds.
const (
	DefaultHighThreshold = 0.85
	DefaultLowThreshold  = 0.6
)

// Thresholds controls confidence routing. Low must not exceed High.
type Thresholds struct {
	High float64
	Low  float64
}

// DefaultThresholds returns {0.85, 0.6}.
func DefaultThresholds() Thresholds {
	return Thresholds{High: DefaultHighThreshold, Low: DefaultLowThreshold}
}

// Validate reports thresholds outside [0,1] or out of order.
func (t Thresholds) Validate() error {
	var errs []error
	if t.High < 0 || t.High > 1 {
		errs = append(errs, fmt.Errorf("high threshold %v outside [0,1]", t.High))
	}
	if t.Low < 0 || t.Low > 1 {
		errs = append(errs, fmt.Errorf("low threshold %v outside [0,1]", t.Low))
	}
	if t.Low > t.High {
		errs = append(errs, fmt.Errorf("low threshold %v exceeds high threshold %v", t.Low, t.High))
	}
	return errors.Join(errs...)
}

// Routing is the outcome of Route.
type Routing struct {
	Accepted      []entity.Candidate
	Uncertain     []entity.Candidate
	NeedsFallback bool
}

// Route splits candidates at the low threshold. Everything at or above Low is
// accepted, including the [Low, High) band. The fallback is needed when
// nothing was accepted or anything was uncertain.
func Route(candidates []entity.Candidate, t Thresholds) Routing {
	var r Routing
	for _, c := range candidates {
		if c.Score >= t.Low {
			r.Accepted = append(r.Accepted, c)
		} else {
			r.Uncertain = append(r.Uncertain, c)
		}
	}
	r.NeedsFallback = len(r.Accepted) == 0 || len(r.Uncertain) > 0
	return r
}

// Merge deduplicates groups on (start, end, type). A later candidate replaces
// an earlier one only with a strictly greater score, so earlier groups win
// ties. The result is sorted by (start, end); equal spans keep first-seen order.
func Merge(groups ...[]entity.Candidate) []entity.Candidate {
	index := make(map[entity.Key]int)
	var merged []entity.Candidate
	for _, group := range groups {
		for _, c := range group {
			k := c.Key()
			if i, ok := index[k]; ok {
				if c.Score > merged[i].Score {
					merged[i] = c
				}
				continue
			}
			index[k] = len(merged)
			merged = append(merged, c)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Start != merged[j].Start {
			return merged[i].Start < merged[j].Start
		}
		return merged[i].End < merged[j].End
	})
	return merged
}
