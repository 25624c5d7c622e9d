// Package telemetry wires the collector's operational metrics and
// structured logging. Metrics are exported via prometheus/client_golang;
// logging uses log/slog, matching the teacher's cmd/api/main.go convention
// (the rate limiter and the Pub/Sub sink keep prefixed log.Logger output).
package telemetry

import (
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collector's counters and gauges.
type Metrics struct {
	EventsIngested   *prometheus.CounterVec
	ReplaysRejected  prometheus.Counter
	MessagesDropped  *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	NotifierLatency  *prometheus.HistogramVec
	AgentStatusGauge *prometheus.GaugeVec
}

// NewMetrics registers HoneyGrid's collector metrics against reg. Pass
// prometheus.NewRegistry() in tests to avoid global-registry collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "honeygrid",
			Name:      "events_ingested_total",
			Help:      "Events successfully persisted, by event_type.",
		}, []string{"event_type"}),
		ReplaysRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "honeygrid",
			Name:      "replays_rejected_total",
			Help:      "Messages dropped due to nonce replay (cache or DB unique violation).",
		}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "honeygrid",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped, by reason.",
		}, []string{"reason"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "honeygrid",
			Name:      "active_sessions",
			Help:      "Currently established agent sessions.",
		}),
		NotifierLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "honeygrid",
			Name:      "notifier_dispatch_seconds",
			Help:      "Notifier sink dispatch latency.",
		}, []string{"sink"}),
		AgentStatusGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "honeygrid",
			Name:      "agent_status",
			Help:      "1 if the agent is currently in the labeled status, else 0.",
		}, []string{"agent_id", "status"}),
	}
}

// IncEventsIngested increments the events_ingested_total counter for the
// given event_type, satisfying ingest.Metrics.
func (m *Metrics) IncEventsIngested(eventType string) {
	m.EventsIngested.WithLabelValues(eventType).Inc()
}

// IncReplaysRejected increments the replays_rejected_total counter,
// satisfying ingest.Metrics.
func (m *Metrics) IncReplaysRejected() {
	m.ReplaysRejected.Inc()
}

// IncMessagesDropped increments the messages_dropped_total counter for the
// given reason, satisfying ingest.Metrics.
func (m *Metrics) IncMessagesDropped(reason string) {
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// SetupLogging configures the default slog logger's level from a string
// ("DEBUG"/"INFO"/"WARN"/"ERROR"), defaulting to INFO.
func SetupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
