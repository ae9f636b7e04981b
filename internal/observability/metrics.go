package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "callkeep",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "callkeep",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	policyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "callkeep",
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Reconnection policy decisions by actor.",
		},
		[]string{"actor", "decision"},
	)
	reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "callkeep",
			Subsystem: "session",
			Name:      "reconnect_attempts_total",
			Help:      "Foreground reconnect attempts by result.",
		},
		[]string{"result"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "callkeep",
			Subsystem: "agent",
			Name:      "notifications_total",
			Help:      "User-visible notifications by tag and result.",
		},
		[]string{"tag", "result"},
	)
	heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "callkeep",
			Subsystem: "agent",
			Name:      "heartbeats_total",
			Help:      "Remote heartbeat posts by result.",
		},
		[]string{"result"},
	)
	envelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "callkeep",
			Subsystem: "channel",
			Name:      "envelopes_total",
			Help:      "Channel envelopes by direction, type and result.",
		},
		[]string{"direction", "type", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			policyDecisions,
			reconnectAttempts,
			notifications,
			heartbeats,
			envelopes,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordDecision(actor, decision string) {
	RegisterMetrics()
	policyDecisions.WithLabelValues(actor, decision).Inc()
}

func RecordReconnectAttempt(result string) {
	RegisterMetrics()
	reconnectAttempts.WithLabelValues(result).Inc()
}

func RecordNotification(tag string, success bool) {
	RegisterMetrics()
	notifications.WithLabelValues(tag, resultLabel(success)).Inc()
}

func RecordHeartbeat(success bool) {
	RegisterMetrics()
	heartbeats.WithLabelValues(resultLabel(success)).Inc()
}

func RecordEnvelope(direction, kind string, success bool) {
	RegisterMetrics()
	envelopes.WithLabelValues(direction, kind, resultLabel(success)).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "ok"
	}
	return "error"
}
