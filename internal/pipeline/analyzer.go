package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pii-scanner/internal/anonymizer"
	"pii-scanner/internal/display"
	"pii-scanner/internal/entity"
	"pii-scanner/internal/fallback"
	"pii-scanner/internal/logger"
	"pii-scanner/internal/metrics"
	"pii-scanner/internal/recognizer"
)

// Extractor is the fallback pathway. *fallback.Client implements it.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]entity.Candidate, error)
}

// Options configures an Analyzer.
type Options struct {
	Engine     recognizer.Engine
	Fallback   Extractor // nil disables the fallback pathway
	Thresholds *Thresholds // nil selects DefaultThresholds
	Language   string
	Metrics    *metrics.Metrics
	Logger     *logger.Logger
}

// Analyzer runs the full detection pipeline for one text at a time. It keeps
// no per-request state and is safe for concurrent use.
type Analyzer struct {
	engine     recognizer.Engine
	fallback   Extractor
	thresholds Thresholds
	language   string
	metrics    *metrics.Metrics
	log        *logger.Logger
}

// Result is the outcome of one analysis.
type Result struct {
	ID           string             `json:"id"`
	Entities     []entity.Candidate `json:"entities"`
	HasPII       bool               `json:"has_pii"`
	RedactedText string             `json:"redacted_text"`
	FallbackUsed bool               `json:"fallback_used"`
}

// ViewResult is a Result together with its display view.
type ViewResult struct {
	Result
	display.View
}

// New validates opts and returns an Analyzer.
func New(opts Options) (*Analyzer, error) {
	if opts.Engine == nil {
		return nil, errors.New("pipeline: recognition engine is required")
	}
	thresholds := DefaultThresholds()
	if opts.Thresholds != nil {
		thresholds = *opts.Thresholds
	}
	if err := thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Analyzer{
		engine:     opts.Engine,
		fallback:   opts.Fallback,
		thresholds: thresholds,
		language:   opts.Language,
		metrics:    opts.Metrics,
		log:        opts.Logger,
	}, nil
}

// Thresholds returns the routing thresholds in use.
func (a *Analyzer) Thresholds() Thresholds { return a.thresholds }

// Analyze detects and redacts PII in text.
//
// A fallback that cannot be reached is logged and skipped. A fallback that
// answers with something unparseable fails the analysis with an error
// wrapping fallback.ErrInvalidUpstreamResponse.
func (a *Analyzer) Analyze(ctx context.Context, text string) (Result, error) {
	id := uuid.NewString()
	started := time.Now()

	candidates, err := a.engine.Analyze(ctx, text, a.language)
	if err != nil {
		a.countError()
		a.log.Errorf("analyze", "%s: recognition engine failed: %v", id, err)
		return Result{}, fmt.Errorf("recognition engine: %w", err)
	}

	routing := Route(candidates, a.thresholds)
	fallbackEntities, used, err := a.consultFallback(ctx, id, text, routing)
	if err != nil {
		return Result{}, err
	}

	merged := Merge(routing.Accepted, fallbackEntities)
	if merged == nil {
		merged = []entity.Candidate{}
	}
	res := Result{
		ID:           id,
		Entities:     merged,
		HasPII:       len(merged) > 0,
		RedactedText: anonymizer.Anonymize(text, merged),
		FallbackUsed: used,
	}

	if a.metrics != nil {
		a.metrics.RecordAnalysisLatency(time.Since(started))
		if res.HasPII {
			a.metrics.RequestsWithPII.Add(1)
			types := make([]string, len(merged))
			for i, e := range merged {
				types[i] = e.Type
			}
			a.metrics.RecordEntities(types)
		}
	}
	a.log.Infof("analyze", "%s: %d candidates (%d accepted, %d uncertain), fallback=%v, %d entities in %s",
		id, len(candidates), len(routing.Accepted), len(routing.Uncertain), used, len(merged),
		time.Since(started).Round(time.Millisecond))
	return res, nil
}

// consultFallback runs the fallback extractor when routing asks for it.
func (a *Analyzer) consultFallback(ctx context.Context, id, text string, routing Routing) ([]entity.Candidate, bool, error) {
	if !routing.NeedsFallback || a.fallback == nil {
		if a.metrics != nil {
			a.metrics.FallbackSkipped.Add(1)
		}
		return nil, false, nil
	}
	if a.metrics != nil {
		a.metrics.FallbackInvoked.Add(1)
	}

	found, err := a.fallback.Extract(ctx, text)
	switch {
	case err == nil:
		return found, true, nil
	case fallback.IsTransport(err):
		if a.metrics != nil {
			a.metrics.FallbackTransportErrors.Add(1)
		}
		a.log.Warnf("fallback", "%s: continuing without fallback: %v", id, err)
		return nil, false, nil
	case errors.Is(err, fallback.ErrInvalidUpstreamResponse):
		if a.metrics != nil {
			a.metrics.FallbackProtocolErrors.Add(1)
		}
		a.countError()
		a.log.Errorf("fallback", "%s: %v", id, err)
		return nil, false, err
	default:
		a.countError()
		a.log.Errorf("fallback", "%s: %v", id, err)
		return nil, false, fmt.Errorf("fallback: %w", err)
	}
}

func (a *Analyzer) countError() {
	if a.metrics != nil {
		a.metrics.AnalysisErrors.Add(1)
	}
}

// View analyzes text and derives the display view from the result.
func (a *Analyzer) View(ctx context.Context, text string) (ViewResult, error) {
	res, err := a.Analyze(ctx, text)
	if err != nil {
		return ViewResult{}, err
	}
	return ViewResult{
		Result: res,
		View:   display.Build(text, res.Entities, res.RedactedText),
	}, nil
}
