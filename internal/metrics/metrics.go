// Package metrics provides lightweight, lock-minimal counters for the scanner.
//
// Counters use sync/atomic so the request path incurs no mutex contention.
// Per-type entity counts and latency statistics are mutex-guarded; each is
// touched at most once per request.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds all runtime counters for a running scanner instance.
// Prefer New(); the zero value works but reports uptime from the epoch.
type Metrics struct {
	// Request counters
	RequestsTotal    atomic.Int64
	RequestsRejected atomic.Int64 // input validation failures
	RequestsWithPII  atomic.Int64
	AnalysisErrors   atomic.Int64 // engine or upstream protocol failures

	// Fallback routing and outcome
	FallbackInvoked         atomic.Int64
	FallbackSkipped         atomic.Int64
	FallbackTransportErrors atomic.Int64 // fail-open
	FallbackProtocolErrors  atomic.Int64 // fail-closed
	FallbackRecordsDropped  atomic.Int64
	FallbackCacheHits       atomic.Int64
	FallbackCacheMisses     atomic.Int64

	typeMu      sync.Mutex
	entityTypes map[string]int64

	analysisMu   sync.Mutex
	analysisStat latencyStats

	fallbackMu   sync.Mutex
	fallbackStat latencyStats

	startTime time.Time
}

// New returns a new Metrics with the start time recorded.
func New() *Metrics {
	return &Metrics{
		startTime:   time.Now(),
		entityTypes: make(map[string]int64),
	}
}

// RecordEntities counts one merged entity per element of types.
func (m *Metrics) RecordEntities(types []string) {
	if m == nil || len(types) == 0 {
		return
	}
	m.typeMu.Lock()
	if m.entityTypes == nil {
		m.entityTypes = make(map[string]int64)
	}
	for _, t := range types {
		m.entityTypes[t]++
	}
	m.typeMu.Unlock()
}

// RecordAnalysisLatency records the duration of one full analysis.
func (m *Metrics) RecordAnalysisLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.analysisMu.Lock()
	m.analysisStat.record(float64(d.Microseconds()) / 1000.0)
	m.analysisMu.Unlock()
}

// RecordFallbackLatency records the round-trip time of one fallback call.
func (m *Metrics) RecordFallbackLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.fallbackMu.Lock()
	m.fallbackStat.record(float64(d.Microseconds()) / 1000.0)
	m.fallbackMu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.analysisMu.Lock()
	analysis := m.analysisStat.snapshot()
	m.analysisMu.Unlock()

	m.fallbackMu.Lock()
	fallback := m.fallbackStat.snapshot()
	m.fallbackMu.Unlock()

	m.typeMu.Lock()
	byType := make(map[string]int64, len(m.entityTypes))
	for t, n := range m.entityTypes {
		byType[t] = n
	}
	m.typeMu.Unlock()

	return Snapshot{
		Requests: RequestSnapshot{
			Total:    m.RequestsTotal.Load(),
			Rejected: m.RequestsRejected.Load(),
			WithPII:  m.RequestsWithPII.Load(),
			Errors:   m.AnalysisErrors.Load(),
		},
		Fallback: FallbackSnapshot{
			Invoked:         m.FallbackInvoked.Load(),
			Skipped:         m.FallbackSkipped.Load(),
			TransportErrors: m.FallbackTransportErrors.Load(),
			ProtocolErrors:  m.FallbackProtocolErrors.Load(),
			RecordsDropped:  m.FallbackRecordsDropped.Load(),
			CacheHits:       m.FallbackCacheHits.Load(),
			CacheMisses:     m.FallbackCacheMisses.Load(),
		},
		EntitiesByType: byType,
		Latency: LatencyGroup{
			AnalysisMs: analysis,
			FallbackMs: fallback,
		},
		UptimeSecs: time.Since(m.startTime).Seconds(),
	}
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Requests       RequestSnapshot  `json:"requests"`
	Fallback       FallbackSnapshot `json:"fallback"`
	EntitiesByType map[string]int64 `json:"entitiesByType"`
	Latency        LatencyGroup     `json:"latency"`
	UptimeSecs     float64          `json:"uptimeSecs"`
}

// RequestSnapshot holds request-level counters.
type RequestSnapshot struct {
	Total    int64 `json:"total"`
	Rejected int64 `json:"rejected"`
	WithPII  int64 `json:"withPii"`
	Errors   int64 `json:"errors"`
}

// FallbackSnapshot holds fallback routing and outcome counters.
type FallbackSnapshot struct {
	Invoked         int64 `json:"invoked"`
	Skipped         int64 `json:"skipped"`
	TransportErrors int64 `json:"transportErrors"`
	ProtocolErrors  int64 `json:"protocolErrors"`
	RecordsDropped  int64 `json:"recordsDropped"`
	CacheHits       int64 `json:"cacheHits"`
	CacheMisses     int64 `json:"cacheMisses"`
}

// LatencyGroup groups the two latency dimensions.
type LatencyGroup struct {
	AnalysisMs LatencySnapshot `json:"analysisMs"`
	FallbackMs LatencySnapshot `json:"fallbackMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
