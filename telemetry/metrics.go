// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesIngested *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec
	SendsSucceeded   *prometheus.CounterVec
	SendsFailed      *prometheus.CounterVec
	SessionErrors    *prometheus.CounterVec
	EventsDropped    prometheus.Counter

	// Histograms (seconds)
	PollDuration    prometheus.Observer
	ResolveDuration prometheus.Observer

	// Gauges
	ActiveSessionsGauge *prometheus.GaugeVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesIngested = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_messages_ingested_total", Help: "Number of normalized chat messages emitted"}, []string{"platform"})
		DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_decode_errors_total", Help: "Number of inbound frames skipped due to unexpected payload shape"}, []string{"platform"})
		SendsSucceeded = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_sends_succeeded_total", Help: "Number of outbound chat messages accepted by the platform"}, []string{"platform"})
		SendsFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_sends_failed_total", Help: "Number of outbound chat messages rejected or failed"}, []string{"platform"})
		SessionErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_session_errors_total", Help: "Number of sessions terminated by transport or auth errors"}, []string{"platform", "kind"})
		EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_events_dropped_total", Help: "Number of events dropped because a subscriber buffer was full"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_poll_duration_seconds", Help: "YouTube poll cycle duration seconds", Buckets: prometheus.DefBuckets})
		ResolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_resolve_duration_seconds", Help: "Channel identifier resolution duration seconds", Buckets: prometheus.DefBuckets})
		ActiveSessionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "chat_active_sessions", Help: "Current number of live adapter sessions"}, []string{"platform"})
	})
}

// IncIngested increments the ingested counter for a platform if metrics are initialized.
func IncIngested(platform string) {
	if MessagesIngested != nil {
		MessagesIngested.WithLabelValues(platform).Inc()
	}
}

// IncDecodeError increments the per-frame decode error counter.
func IncDecodeError(platform string) {
	if DecodeErrors != nil {
		DecodeErrors.WithLabelValues(platform).Inc()
	}
}

// IncSend records a send outcome.
func IncSend(platform string, ok bool) {
	if ok {
		if SendsSucceeded != nil {
			SendsSucceeded.WithLabelValues(platform).Inc()
		}
		return
	}
	if SendsFailed != nil {
		SendsFailed.WithLabelValues(platform).Inc()
	}
}

// IncSessionError records a session-terminating error by kind.
func IncSessionError(platform, kind string) {
	if SessionErrors != nil {
		SessionErrors.WithLabelValues(platform, kind).Inc()
	}
}

// IncEventsDropped counts a dropped hub event.
func IncEventsDropped() {
	if EventsDropped != nil {
		EventsDropped.Inc()
	}
}

// SessionStarted adjusts the active session gauge up.
func SessionStarted(platform string) {
	if ActiveSessionsGauge != nil {
		ActiveSessionsGauge.WithLabelValues(platform).Inc()
	}
}

// SessionEnded adjusts the active session gauge down.
func SessionEnded(platform string) {
	if ActiveSessionsGauge != nil {
		ActiveSessionsGauge.WithLabelValues(platform).Dec()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
