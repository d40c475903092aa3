package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pii-scanner/internal/config"
	"pii-scanner/internal/display"
	"pii-scanner/internal/entity"
	"pii-scanner/internal/fallback"
	"pii-scanner/internal/logger"
	"pii-scanner/internal/metrics"
	"pii-scanner/internal/pipeline"
)

type fakeAnalyzer struct {
	res   pipeline.Result
	err   error
	calls int
}

func (f *fakeAnalyzer) Analyze(_ context.Context, _ string) (pipeline.Result, error) {
	f.calls++
	return f.res, f.err
}

func (f *fakeAnalyzer) View(_ context.Context, text string) (pipeline.ViewResult, error) {
	f.calls++
	if f.err != nil {
		return pipeline.ViewResult{}, f.err
	}
	return pipeline.ViewResult{
		Result: f.res,
		View:   display.Build(text, f.res.Entities, f.res.RedactedText),
	}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		BindAddress:            "127.0.0.1",
		Port:                   8000,
		AllowedOrigins:         []string{"*"},
		MaxTextLength:          20,
		Language:               "en",
		DeterministicThreshold: 0.85,
		LLMTriggerThreshold:    0.6,
		UseFallback:            true,
		OllamaBaseURL:          "http://127.0.0.1:11434",
		OllamaModel:            "qwen2.5:1.5b-instruct-q4_0",
		FallbackCache:          "none",
	}
}

var emailResult = pipeline.Result{
	ID: "test-id",
	Entities: []entity.Candidate{{
		Type: "EMAIL_ADDRESS", Score: 1, Start: 5, End: 12, Text: "a@b.com", Source: entity.SourcePresidio,
		Explanation: "Presidio recognizer EmailRecognizer scored 1.00.",
	}},
	HasPII:       true,
	RedactedText: "mail [REDACTED_EMAIL_ADDRESS]",
}

func newTestServer(cfg *config.Config, a Analyzer) (*Server, *metrics.Metrics) {
	m := metrics.New()
	return New(cfg, a, m, logger.Discard()), m
}

func do(t *testing.T, s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(testConfig(), &fakeAnalyzer{})
	w := do(t, s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != `{"status":"ok"}` {
		t.Errorf("body: %s", w.Body.String())
	}
}

func TestAnalyze_OK(t *testing.T) {
	a := &fakeAnalyzer{res: emailResult}
	s, m := newTestServer(testConfig(), a)
	w := do(t, s, http.MethodPost, "/analyze", `{"text":"mail a@b.com"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Analysis-ID") != "test-id" {
		t.Errorf("missing analysis ID header")
	}

	var resp struct {
		Entities []map[string]any `json:"entities"`
		HasPII   bool             `json:"has_pii"`
		Redacted string           `json:"redacted_text"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if !resp.HasPII || resp.Redacted != "mail [REDACTED_EMAIL_ADDRESS]" || len(resp.Entities) != 1 {
		t.Errorf("response: %+v", resp)
	}
	e := resp.Entities[0]
	if e["type"] != "EMAIL_ADDRESS" || e["source"] != "presidio" || e["start"] != float64(5) {
		t.Errorf("entity: %v", e)
	}
	if _, ok := e["explanation"]; ok {
		t.Error("explanations belong to the view, not /analyze")
	}
	if m.RequestsTotal.Load() != 1 || m.RequestsRejected.Load() != 0 {
		t.Errorf("metrics: %+v", m.Snapshot().Requests)
	}
}

func TestAnalyze_NoPIIHasEmptyEntityList(t *testing.T) {
	a := &fakeAnalyzer{res: pipeline.Result{Entities: []entity.Candidate{}, RedactedText: "hello"}}
	s, _ := newTestServer(testConfig(), a)
	w := do(t, s, http.MethodPost, "/analyze", `{"text":"hello"}`, nil)
	if !strings.Contains(w.Body.String(), `"entities":[]`) {
		t.Errorf("expected an empty entity array: %s", w.Body.String())
	}
}

func TestAnalyze_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"empty text", `{"text":""}`},
		{"missing text", `{}`},
		{"too long", fmt.Sprintf(`{"text":%q}`, strings.Repeat("x", 21))},
		{"not json", `text=hello`},
		{"wrong type", `{"text":42}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			a := &fakeAnalyzer{res: emailResult}
			s, m := newTestServer(testConfig(), a)
			w := do(t, s, http.MethodPost, "/analyze", c.body, nil)
			if w.Code != http.StatusUnprocessableEntity {
				t.Errorf("expected 422, got %d", w.Code)
			}
			if a.calls != 0 {
				t.Error("analyzer must not run on invalid input")
			}
			if m.RequestsRejected.Load() != 1 {
				t.Errorf("RequestsRejected = %d", m.RequestsRejected.Load())
			}
		})
	}
}

func TestAnalyze_LengthCountsCharactersNotBytes(t *testing.T) {
	a := &fakeAnalyzer{res: pipeline.Result{Entities: []entity.Candidate{}}}
	s, _ := newTestServer(testConfig(), a)
	// 20 two-byte characters: within the limit of 20.
	w := do(t, s, http.MethodPost, "/analyze", fmt.Sprintf(`{"text":%q}`, strings.Repeat("ş", 20)), nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAnalyze_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid upstream reply", fmt.Errorf("%w: bad", fallback.ErrInvalidUpstreamResponse), http.StatusBadGateway},
		{"engine failure", errors.New("engine down"), http.StatusInternalServerError},
		{"deadline", fmt.Errorf("engine: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s, _ := newTestServer(testConfig(), &fakeAnalyzer{err: c.err})
			w := do(t, s, http.MethodPost, "/analyze", `{"text":"hello"}`, nil)
			if w.Code != c.want {
				t.Errorf("expected %d, got %d", c.want, w.Code)
			}
		})
	}
}

func TestAnalyze_BadGatewayDetail(t *testing.T) {
	s, _ := newTestServer(testConfig(), &fakeAnalyzer{err: fallback.ErrInvalidUpstreamResponse})
	w := do(t, s, http.MethodPost, "/analyze", `{"text":"hello"}`, nil)
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["detail"] != "Fallback LLM returned invalid JSON" {
		t.Errorf("detail: %q", resp["detail"])
	}
}

func TestAnalyze_WrongMethod(t *testing.T) {
	s, _ := newTestServer(testConfig(), &fakeAnalyzer{})
	w := do(t, s, http.MethodGet, "/analyze", "", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestView_OK(t *testing.T) {
	s, _ := newTestServer(testConfig(), &fakeAnalyzer{res: emailResult})
	w := do(t, s, http.MethodPost, "/analyze/view", `{"text":"mail a@b.com"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		HasPII        bool              `json:"has_pii"`
		Findings      []display.Finding `json:"findings"`
		MaskedPreview string            `json:"masked_preview"`
		Stats         display.Stats     `json:"stats"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if !resp.HasPII || resp.Stats.Total != 1 || resp.Stats.ByType["EMAIL_ADDRESS"] != 1 {
		t.Errorf("response: %+v", resp)
	}
	if resp.Findings[0].Label != "Email" || resp.Findings[0].Origin != "Presidio" || resp.Findings[0].Confidence != 100 {
		t.Errorf("finding: %+v", resp.Findings[0])
	}
	if resp.MaskedPreview != "mail [REDACTED_EMAIL_ADDRESS]" {
		t.Errorf("preview: %q", resp.MaskedPreview)
	}
}

func TestStatus(t *testing.T) {
	s, _ := newTestServer(testConfig(), &fakeAnalyzer{})
	w := do(t, s, http.MethodGet, "/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["status"] != "running" || resp["llmTriggerThreshold"] != 0.6 {
		t.Errorf("status: %v", resp)
	}
	fb, _ := resp["fallback"].(map[string]any)
	if fb["model"] != "qwen2.5:1.5b-instruct-q4_0" {
		t.Errorf("fallback: %v", fb)
	}
}

func TestMetrics(t *testing.T) {
	s, m := newTestServer(testConfig(), &fakeAnalyzer{res: emailResult})
	do(t, s, http.MethodPost, "/analyze", `{"text":"mail a@b.com"}`, nil)
	m.FallbackInvoked.Add(2)

	w := do(t, s, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if snap.Requests.Total != 1 || snap.Fallback.Invoked != 2 {
		t.Errorf("snapshot: %+v", snap)
	}
}

func TestMetrics_Disabled(t *testing.T) {
	s := New(testConfig(), &fakeAnalyzer{}, nil, nil)
	w := do(t, s, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestAuth(t *testing.T) {
	cases := []struct {
		name   string
		token  string
		path   string
		header string
		want   int
	}{
		{"no token configured", "", "/status", "", http.StatusOK},
		{"valid token", "secret123", "/status", "Bearer secret123", http.StatusOK},
		{"wrong token", "secret123", "/status", "Bearer wrong", http.StatusUnauthorized},
		{"missing token", "secret123", "/metrics", "", http.StatusUnauthorized},
		{"basic scheme", "secret123", "/metrics", "Basic secret123", http.StatusUnauthorized},
		{"health stays open", "secret123", "/health", "", http.StatusOK},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.ManagementToken = c.token
			s, _ := newTestServer(cfg, &fakeAnalyzer{})
			w := do(t, s, http.MethodGet, c.path, "", map[string]string{"Authorization": c.header})
			if w.Code != c.want {
				t.Errorf("expected %d, got %d", c.want, w.Code)
			}
		})
	}
}

func TestAuth_AnalyzeNeedsNoToken(t *testing.T) {
	cfg := testConfig()
	cfg.ManagementToken = "secret123"
	s, _ := newTestServer(cfg, &fakeAnalyzer{res: emailResult})
	w := do(t, s, http.MethodPost, "/analyze", `{"text":"mail a@b.com"}`, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestCORS(t *testing.T) {
	t.Run("wildcard preflight", func(t *testing.T) {
		s, _ := newTestServer(testConfig(), &fakeAnalyzer{})
		w := do(t, s, http.MethodOptions, "/analyze", "", map[string]string{
			"Origin":                        "https://app.example.com",
			"Access-Control-Request-Method": "POST",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		h := w.Header()
		if h.Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("allow-origin: %q", h.Get("Access-Control-Allow-Origin"))
		}
		if h.Get("Access-Control-Allow-Methods") != "POST, OPTIONS, GET" {
			t.Errorf("allow-methods: %q", h.Get("Access-Control-Allow-Methods"))
		}
		if h.Get("Access-Control-Allow-Headers") != "Authorization, Content-Type" {
			t.Errorf("allow-headers: %q", h.Get("Access-Control-Allow-Headers"))
		}
		if h.Get("Access-Control-Allow-Credentials") != "" {
			t.Error("credentials must not be allowed")
		}
	})

	t.Run("listed origin is echoed", func(t *testing.T) {
		cfg := testConfig()
		cfg.AllowedOrigins = []string{"https://app.example.com"}
		s, _ := newTestServer(cfg, &fakeAnalyzer{res: emailResult})
		w := do(t, s, http.MethodPost, "/analyze", `{"text":"mail a@b.com"}`,
			map[string]string{"Origin": "https://app.example.com"})
		if w.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
			t.Errorf("allow-origin: %q", w.Header().Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("unlisted origin gets no header", func(t *testing.T) {
		cfg := testConfig()
		cfg.AllowedOrigins = []string{"https://app.example.com"}
		s, _ := newTestServer(cfg, &fakeAnalyzer{res: emailResult})
		w := do(t, s, http.MethodPost, "/analyze", `{"text":"mail a@b.com"}`,
			map[string]string{"Origin": "https://evil.example.com"})
		if w.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("unlisted origin must not be allowed")
		}

		w = do(t, s, http.MethodOptions, "/analyze", "", map[string]string{
			"Origin":                        "https://evil.example.com",
			"Access-Control-Request-Method": "POST",
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for disallowed preflight, got %d", w.Code)
		}
	})
}

func TestValidateText(t *testing.T) {
	cases := []struct {
		text    string
		max     int
		wantErr bool
	}{
		{"", 10, true},
		{"a", 10, false},
		{strings.Repeat("a", 10), 10, false},
		{strings.Repeat("a", 11), 10, true},
		{strings.Repeat("ğ", 10), 10, false},
		{strings.Repeat("a", 1000), 0, false},
	}
	for _, c := range cases {
		err := ValidateText(c.text, c.max)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateText(len=%d, %d) = %v, wantErr %v", len(c.text), c.max, err, c.wantErr)
		}
		var ve *ValidationError
		if err != nil && !errors.As(err, &ve) {
			t.Errorf("expected *ValidationError, got %T", err)
		}
	}
}
