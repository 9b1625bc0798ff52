// Package monitor records per-request outcomes for the stats endpoint
// and exports them as metrics. It keeps a bounded in-memory history so
// a long-running gateway never grows without limit.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Record is one completed request.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Endpoint  string    `json:"endpoint"`
	Method    string    `json:"method"`
	Status    int       `json:"status"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	ClientIP  string    `json:"client_ip,omitempty"`
	Duration  float64   `json:"duration_ms"`
}

// Stats is a consistent snapshot of the counters.
type Stats struct {
	TotalRequests   int64            `json:"total_requests"`
	SuccessRequests int64            `json:"success_count"`
	ErrorRequests   int64            `json:"error_count"`
	SuccessRate     float64          `json:"success_rate"`
	AvgDurationMS   float64          `json:"avg_response_time"`
	ByEndpoint      map[string]int64 `json:"by_endpoint"`
	UptimeSeconds   float64          `json:"uptime_seconds"`
	Recent          []Record         `json:"recent_requests"`
}

// Sink receives every record after the in-memory state is updated.
// Sink failures are logged and never fail the request.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

type Monitor struct {
	mu         sync.Mutex
	history    []Record
	histSize   int
	total      int64
	success    int64
	errors     int64
	durSum     float64
	byEndpoint map[string]int64
	started    time.Time

	sink Sink
	log  *slog.Logger

	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

func New(historySize int, sink Sink, log *slog.Logger) *Monitor {
	m := &Monitor{
		history:    make([]Record, 0, historySize),
		histSize:   historySize,
		byEndpoint: make(map[string]int64),
		started:    time.Now(),
		sink:       sink,
		log:        log.With("component", "monitor"),
	}
	meter := otel.Meter("github.com/attestlabs/voicegate/monitor")
	if counter, err := meter.Int64Counter("voicegate.requests.total",
		metric.WithDescription("Completed HTTP requests")); err == nil {
		m.requests = counter
	}
	if hist, err := meter.Float64Histogram("voicegate.request.duration",
		metric.WithDescription("Request latency"), metric.WithUnit("ms")); err == nil {
		m.latency = hist
	}
	return m
}

// Observe folds one completed request into the history and counters.
func (m *Monitor) Observe(ctx context.Context, rec Record) {
	m.mu.Lock()
	m.total++
	if rec.Success {
		m.success++
	} else {
		m.errors++
	}
	m.durSum += rec.Duration
	m.byEndpoint[rec.Endpoint]++
	if len(m.history) == m.histSize {
		copy(m.history, m.history[1:])
		m.history = m.history[:m.histSize-1]
	}
	m.history = append(m.history, rec)
	m.mu.Unlock()

	attrs := metric.WithAttributes(
		attribute.String("endpoint", rec.Endpoint),
		attribute.Bool("success", rec.Success),
	)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.latency != nil {
		m.latency.Record(ctx, rec.Duration, attrs)
	}

	if m.sink != nil {
		// The record must land even when the client has gone away.
		if err := m.sink.Append(context.WithoutCancel(ctx), rec); err != nil {
			m.log.Warn("failed to persist request record", "error", err)
		}
	}
}

// Stats returns a snapshot. The recent list is newest-first.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	recent := make([]Record, len(m.history))
	for i, rec := range m.history {
		recent[len(m.history)-1-i] = rec
	}
	byEndpoint := make(map[string]int64, len(m.byEndpoint))
	for k, v := range m.byEndpoint {
		byEndpoint[k] = v
	}
	stats := Stats{
		TotalRequests:   m.total,
		SuccessRequests: m.success,
		ErrorRequests:   m.errors,
		ByEndpoint:      byEndpoint,
		UptimeSeconds:   time.Since(m.started).Seconds(),
		Recent:          recent,
	}
	if m.total > 0 {
		stats.SuccessRate = float64(m.success) / float64(m.total)
		stats.AvgDurationMS = m.durSum / float64(m.total)
	}
	return stats
}
