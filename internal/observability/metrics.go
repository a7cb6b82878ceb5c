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
			Namespace: "atelier",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "atelier",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atelier",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session lifecycle transitions by target status and reason.",
		},
		[]string{"status", "reason"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "atelier",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently bound to a live compute unit.",
		},
	)
	provisionAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atelier",
			Subsystem: "unit",
			Name:      "provision_attempts_total",
			Help:      "Compute unit provisioning attempts by result.",
		},
		[]string{"result"},
	)
	syncNodes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atelier",
			Subsystem: "sync",
			Name:      "nodes_total",
			Help:      "Workspace nodes synchronized by direction and result.",
		},
		[]string{"direction", "result"},
	)
	streamDroppedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "atelier",
			Subsystem: "stream",
			Name:      "dropped_output_bytes_total",
			Help:      "Terminal output bytes dropped under client backpressure.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionTransitions,
			activeSessions,
			provisionAttempts,
			syncNodes,
			streamDroppedBytes,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSessionTransition(status, reason string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(status, reason).Inc()
}

func SetActiveSessions(n int) {
	RegisterMetrics()
	activeSessions.Set(float64(n))
}

func RecordProvisionAttempt(result string) {
	RegisterMetrics()
	provisionAttempts.WithLabelValues(result).Inc()
}

func RecordSyncNode(direction, result string) {
	RegisterMetrics()
	syncNodes.WithLabelValues(direction, result).Inc()
}

func RecordDroppedOutput(bytes int) {
	RegisterMetrics()
	streamDroppedBytes.Add(float64(bytes))
}
