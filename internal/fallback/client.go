// Package fallback is the slow second-opinion extractor backed by a local
// Ollama model.
//
// The client formats a structured-extraction prompt, posts it to
// /api/generate with deterministic sampling and parses the reply into
// candidates. Failure handling is deliberately asymmetric:
//
//   - the endpoint could not be reached or answered non-2xx: *TransportError,
//     callers continue with no fallback findings;
//   - the endpoint answered with something that is not JSON:
//     ErrInvalidUpstreamResponse, callers fail the request;
//   - individual malformed records are dropped, the rest are kept.
package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jmorganca/ollama/api"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"pii-scanner/internal/entity"
	"pii-scanner/internal/logger"
	"pii-scanner/internal/metrics"
)

const (
	defaultTimeout     = 15 * time.Second
	maxConnectTimeout  = 5 * time.Second
	maxResponseBytes   = 10 << 20 // 10 MB
	extractInstruction = "You extract PII entities. Return JSON with a single key 'entities' containing a list of objects " +
		"with keys type, text, start, end, score (0-1). Do not include any extra text. If none, return {\"entities\": []}."
)

// Options configures a Client.
type Options struct {
	BaseURL       string
	Model         string
	Timeout       time.Duration // overall request deadline, default 15s
	MaxConcurrent int           // in-flight upstream calls, default 4
	Cache         Cache         // optional
	Metrics       *metrics.Metrics
	Logger        *logger.Logger
}

// Client talks to one Ollama endpoint. It is safe for concurrent use.
type Client struct {
	url     string
	model   string
	timeout time.Duration
	http    *http.Client
	sem     *semaphore.Weighted
	flight  singleflight.Group
	cache   Cache
	metrics *metrics.Metrics
	log     *logger.Logger
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	connect := ConnectTimeout(opts.Timeout)

	return &Client{
		url:     strings.TrimRight(opts.BaseURL, "/") + "/api/generate",
		model:   opts.Model,
		timeout: opts.Timeout,
		http: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout: connect,
				MaxIdleConns:        opts.MaxConcurrent,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		cache:   opts.Cache,
		metrics: opts.Metrics,
		log:     opts.Logger,
	}
}

// ConnectTimeout is the connect-phase budget for an overall deadline t:
// min(5s, t).
func ConnectTimeout(t time.Duration) time.Duration {
	if t < maxConnectTimeout {
		return t
	}
	return maxConnectTimeout
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// BuildPrompt returns the exact prompt sent for text.
func BuildPrompt(text string) string {
	return extractInstruction + "\nInput: " + text
}

// Extract asks the model for entities in text. The upstream call is detached
// from ctx cancellation and bounded only by the client timeout.
func (c *Client) Extract(ctx context.Context, text string) ([]entity.Candidate, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	key := cacheKey(c.model, text)

	if c.cache != nil {
		if reply, ok := c.cache.Get(ctx, key); ok {
			if c.metrics != nil {
				c.metrics.FallbackCacheHits.Add(1)
			}
			return c.interpret(reply)
		}
		if c.metrics != nil {
			c.metrics.FallbackCacheMisses.Add(1)
		}
	}

	v, err, shared := c.flight.Do(key, func() (any, error) {
		reply, err := c.generate(ctx, text)
		if err != nil {
			return nil, err
		}
		if c.cache != nil {
			if _, _, perr := parseReply(reply); perr == nil {
				c.cache.Set(ctx, key, reply)
			}
		}
		return reply, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.log.Debug("generate", "joined in-flight request for identical text")
	}
	reply := v.(string)

	return c.interpret(reply)
}

func (c *Client) interpret(reply string) ([]entity.Candidate, error) {
	entities, dropped, err := parseReply(reply)
	if err != nil {
		return nil, err
	}
	if dropped > 0 {
		c.log.Debugf("parse", "dropped %d malformed records", dropped)
		if c.metrics != nil {
			c.metrics.FallbackRecordsDropped.Add(int64(dropped))
		}
	}
	return entities, nil
}

// generate performs one non-streaming /api/generate call and returns the
// model's raw reply text.
func (c *Client) generate(ctx context.Context, text string) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", &TransportError{Op: "acquire", Err: err}
	}
	defer c.sem.Release(1)

	started := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordFallbackLatency(time.Since(started))
		}
	}()

	stream := false
	body, err := json.Marshal(&api.GenerateRequest{
		Model:   c.model,
		Prompt:  BuildPrompt(text),
		Stream:  &stream,
		Options: map[string]any{"temperature": 0},
	})
	if err != nil {
		return "", fmt.Errorf("encode ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req) // #nosec G107 -- URL from trusted config, not user input
	if err != nil {
		return "", &TransportError{Op: "post", Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on HTTP response body

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck // drain for keep-alive
		return "", &TransportError{Op: "generate", StatusCode: resp.StatusCode}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return "", &TransportError{Op: "read", Err: err}
	}
	if len(raw) > maxResponseBytes {
		return "", fmt.Errorf("%w: reply exceeds %d bytes", ErrInvalidUpstreamResponse, maxResponseBytes)
	}

	var envelope api.GenerateResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidUpstreamResponse, err)
	}
	return envelope.Response, nil
}
