// Package server exposes the analyzer over HTTP.
//
// Endpoints:
//
//	GET  /health         - liveness probe
//	POST /analyze        - detect and redact PII {"text":"..."}
//	POST /analyze/view   - same, plus the display view
//	GET  /status         - service info, thresholds, fallback model (token)
//	GET  /metrics        - JSON metrics snapshot (token)
//
// Request bodies and detected values are never logged.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"pii-scanner/internal/config"
	"pii-scanner/internal/display"
	"pii-scanner/internal/entity"
	"pii-scanner/internal/fallback"
	"pii-scanner/internal/logger"
	"pii-scanner/internal/metrics"
	"pii-scanner/internal/pipeline"
)

const (
	maxBodyBytes   = 1 << 20
	requestTimeout = 60 * time.Second
)

// Analyzer is the part of *pipeline.Analyzer the server needs.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (pipeline.Result, error)
	View(ctx context.Context, text string) (pipeline.ViewResult, error)
}

// Server is the HTTP API server.
type Server struct {
	cfg       *config.Config
	analyzer  Analyzer
	metrics   *metrics.Metrics // nil = no metrics
	log       *logger.Logger
	token     string // bearer token for /status and /metrics; empty = no auth
	startTime time.Time
	router    *chi.Mux
}

// New creates a server and mounts its routes.
func New(cfg *config.Config, a Analyzer, m *metrics.Metrics, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	s := &Server{
		cfg:       cfg,
		analyzer:  a,
		metrics:   m,
		log:       log,
		token:     cfg.ManagementToken,
		startTime: time.Now(),
		router:    chi.NewRouter(),
	}
	if s.token != "" {
		s.log.Info("init", "bearer token authentication enabled for /status and /metrics")
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(requestTimeout))
	s.router.Use(s.corsMiddleware)
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Post("/analyze", s.handleAnalyze)
	s.router.Post("/analyze/view", s.handleView)

	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/status", s.handleStatus)
		r.Get("/metrics", s.handleMetrics)
	})
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler { return s.router }

// corsMiddleware answers preflights and tags responses for allowed origins.
// Credentials are never allowed.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	wildcard := len(s.cfg.AllowedOrigins) == 0 || slices.Contains(s.cfg.AllowedOrigins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := origin != "" && (wildcard || slices.Contains(s.cfg.AllowedOrigins, origin))
		if allowed {
			if wildcard {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if !allowed {
				http.Error(w, "disallowed CORS origin", http.StatusBadRequest)
				return
			}
			w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.log)
}

type analyzeRequest struct {
	Text *string `json:"text"`
}

type entityResponse struct {
	Type   string  `json:"type"`
	Score  float64 `json:"score"`
	Start  int     `json:"start"`
	End    int     `json:"end"`
	Text   string  `json:"text"`
	Source string  `json:"source,omitempty"`
}

type analyzeResponse struct {
	Entities     []entityResponse `json:"entities"`
	HasPII       bool             `json:"has_pii"`
	RedactedText string           `json:"redacted_text"`
}

func toResponse(res pipeline.Result) analyzeResponse {
	out := analyzeResponse{
		Entities:     make([]entityResponse, 0, len(res.Entities)),
		HasPII:       res.HasPII,
		RedactedText: res.RedactedText,
	}
	for _, e := range res.Entities {
		out.Entities = append(out.Entities, entityFrom(e))
	}
	return out
}

func entityFrom(e entity.Candidate) entityResponse {
	return entityResponse{Type: e.Type, Score: e.Score, Start: e.Start, End: e.End, Text: e.Text, Source: e.Source}
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	text, ok := s.readText(w, r)
	if !ok {
		return
	}
	res, err := s.analyzer.Analyze(r.Context(), text)
	if err != nil {
		s.writeAnalysisError(w, err)
		return
	}
	w.Header().Set("X-Analysis-ID", res.ID)
	writeJSON(w, http.StatusOK, toResponse(res), s.log)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	text, ok := s.readText(w, r)
	if !ok {
		return
	}
	vr, err := s.analyzer.View(r.Context(), text)
	if err != nil {
		s.writeAnalysisError(w, err)
		return
	}
	resp := struct {
		analyzeResponse
		Findings      []display.Finding `json:"findings"`
		MaskedPreview string            `json:"masked_preview"`
		Stats         display.Stats     `json:"stats"`
	}{
		analyzeResponse: toResponse(vr.Result),
		Findings:        vr.Findings,
		MaskedPreview:   vr.MaskedPreview,
		Stats:           vr.Stats,
	}
	w.Header().Set("X-Analysis-ID", vr.ID)
	writeJSON(w, http.StatusOK, resp, s.log)
}

// readText decodes and validates the request body. It writes the error
// response itself and reports false when the request must not proceed.
func (s *Server) readText(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.metrics != nil {
		s.metrics.RequestsTotal.Add(1)
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.reject(w, &ValidationError{Field: "body", Msg: "invalid JSON: " + err.Error()})
		return "", false
	}
	if req.Text == nil {
		s.reject(w, &ValidationError{Field: "text", Msg: "field required"})
		return "", false
	}
	if err := ValidateText(*req.Text, s.cfg.MaxTextLength); err != nil {
		s.reject(w, err)
		return "", false
	}
	return *req.Text, true
}

func (s *Server) reject(w http.ResponseWriter, err error) {
	if s.metrics != nil {
		s.metrics.RequestsRejected.Add(1)
	}
	writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Detail: err.Error()}, s.log)
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// writeAnalysisError maps pipeline errors onto status codes: an unusable
// fallback reply is a bad gateway, anything else is internal.
func (s *Server) writeAnalysisError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fallback.ErrInvalidUpstreamResponse):
		writeJSON(w, http.StatusBadGateway, errorResponse{Detail: "Fallback LLM returned invalid JSON"}, s.log)
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Detail: "analysis timed out"}, s.log)
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "analysis failed"}, s.log)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status        string  `json:"status"`
		Uptime        string  `json:"uptime"`
		Port          int     `json:"port"`
		MaxTextLength int     `json:"maxTextLength"`
		Language      string  `json:"language"`
		HighThreshold float64 `json:"deterministicThreshold"`
		LowThreshold  float64 `json:"llmTriggerThreshold"`
		Fallback      struct {
			Endpoint string `json:"endpoint"`
			Model    string `json:"model"`
			Enabled  bool   `json:"enabled"`
			Cache    string `json:"cache"`
		} `json:"fallback"`
	}

	resp := response{
		Status:        "running",
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
		Port:          s.cfg.Port,
		MaxTextLength: s.cfg.MaxTextLength,
		Language:      s.cfg.Language,
		HighThreshold: s.cfg.DeterministicThreshold,
		LowThreshold:  s.cfg.LLMTriggerThreshold,
	}
	resp.Fallback.Endpoint = s.cfg.OllamaBaseURL
	resp.Fallback.Model = s.cfg.OllamaModel
	resp.Fallback.Enabled = s.cfg.UseFallback
	resp.Fallback.Cache = s.cfg.FallbackCache

	writeJSON(w, http.StatusOK, resp, s.log)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot(), s.log)
}

func writeJSON(w http.ResponseWriter, status int, v any, log *logger.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("encode", "JSON encode error: %v", err)
	}
}

// ListenAndServe serves the API, accepting HTTP/1.1 and cleartext HTTP/2,
// until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listen", "listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.log.Info("shutdown", "draining connections")
		return srv.Shutdown(shutdownCtx)
	}
}
