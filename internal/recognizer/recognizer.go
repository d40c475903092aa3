// Package recognizer is the deterministic recognition engine.
//
// The engine is a set of pattern recognizers compiled once from an embedded
// YAML definition. It holds no per-request state: a single *PatternEngine is
// built at startup and shared read-only by every request.
package recognizer

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"pii-scanner/internal/entity"
	"pii-scanner/internal/logger"
)

// Engine analyses text and returns scored candidate spans.
type Engine interface {
	Analyze(ctx context.Context, text, language string) ([]entity.Candidate, error)
}

// ErrUnsupportedLanguage is returned when the engine has no recognizers for
// the requested language tag.
var ErrUnsupportedLanguage = errors.New("unsupported language")

//go:embed recognizers.yaml
var recognizersYAML []byte

type patternRegex struct {
	re    *regexp.Regexp
	score float64
}

// patternRecognizer is one named recognizer: several regexes for one entity type.
type patternRecognizer struct {
	name     string
	entity   string
	patterns []patternRegex
	validate func(string) bool
}

// PatternEngine is the default Engine implementation.
type PatternEngine struct {
	recognizers []*patternRecognizer
	languages   map[string]bool
	log         *logger.Logger
}

// NewPatternEngine compiles the embedded recognizers for the given languages.
func NewPatternEngine(languages []string, log *logger.Logger) (*PatternEngine, error) {
	return newPatternEngine(recognizersYAML, languages, log)
}

func newPatternEngine(def []byte, languages []string, log *logger.Logger) (*PatternEngine, error) {
	recs, err := loadRecognizers(def, log)
	if err != nil {
		return nil, err
	}
	if len(languages) == 0 {
		languages = []string{"en"}
	}
	e := &PatternEngine{
		recognizers: recs,
		languages:   make(map[string]bool, len(languages)),
		log:         log,
	}
	for _, l := range languages {
		e.languages[strings.ToLower(strings.TrimSpace(l))] = true
	}
	log.Infof("engine_init", "compiled %d recognizers for languages %v", len(recs), languages)
	return e, nil
}

func loadRecognizers(def []byte, log *logger.Logger) ([]*patternRecognizer, error) {
	raw := struct {
		Recognizers []struct {
			Name      string `yaml:"name"`
			Entity    string `yaml:"entity"`
			Validator string `yaml:"validator"`
			Patterns  []struct {
				Regex string  `yaml:"regex"`
				Score float64 `yaml:"score"`
			} `yaml:"patterns"`
		} `yaml:"recognizers"`
	}{}
	if err := yaml.Unmarshal(def, &raw); err != nil {
		return nil, fmt.Errorf("parse recognizer definitions: %w", err)
	}

	out := make([]*patternRecognizer, 0, len(raw.Recognizers))
	for _, rec := range raw.Recognizers {
		pr := &patternRecognizer{name: rec.Name, entity: rec.Entity}
		if rec.Validator != "" {
			v, ok := validators[rec.Validator]
			if !ok {
				return nil, fmt.Errorf("recognizer %s: unknown validator %q", rec.Name, rec.Validator)
			}
			pr.validate = v
		}
		for _, p := range rec.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				log.Warnf("engine_init", "skipping invalid pattern for %s: %v", rec.Name, err)
				continue
			}
			pr.patterns = append(pr.patterns, patternRegex{re: re, score: p.Score})
		}
		if len(pr.patterns) > 0 {
			out = append(out, pr)
		}
	}
	return out, nil
}

// Analyze runs every recognizer over text. Offsets in the result are rune
// offsets into text.
func (e *PatternEngine) Analyze(ctx context.Context, text, language string) ([]entity.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !e.languages[strings.ToLower(strings.TrimSpace(language))] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}

	runeAt := runeIndex(text)
	var results []entity.Candidate
	for _, pr := range e.recognizers {
		results = append(results, pr.recognize(text, runeAt)...)
	}
	return results, nil
}

// recognize reports each (start, end) hit at most once, keeping the
// highest-scoring pattern that produced it.
func (pr *patternRecognizer) recognize(text string, runeAt []int) []entity.Candidate {
	seen := make(map[[2]int]int)
	var results []entity.Candidate

	for _, p := range pr.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			match := text[loc[0]:loc[1]]
			if pr.validate != nil && !pr.validate(match) {
				continue
			}
			start, end := runeAt[loc[0]], runeAt[loc[1]]
			span := [2]int{start, end}
			if i, ok := seen[span]; ok {
				if p.score > results[i].Score {
					results[i].Score = p.score
					results[i].Explanation = explain(pr.name, p.score)
				}
				continue
			}
			seen[span] = len(results)
			results = append(results, entity.Candidate{
				Type:        pr.entity,
				Score:       p.score,
				Start:       start,
				End:         end,
				Text:        match,
				Source:      entity.SourcePresidio,
				Explanation: explain(pr.name, p.score),
			})
		}
	}
	return results
}

func explain(name string, score float64) string {
	return fmt.Sprintf("Presidio recognizer %s scored %.2f.", name, score)
}

// runeIndex maps every byte offset of s (including len(s)) to its rune offset.
func runeIndex(s string) []int {
	idx := make([]int, len(s)+1)
	n := 0
	for i := 0; i < len(s); {
		_, size := utf8.DecodeRuneInString(s[i:])
		for j := 0; j < size; j++ {
			idx[i+j] = n
		}
		i += size
		n++
	}
	idx[len(s)] = n
	return idx
}
