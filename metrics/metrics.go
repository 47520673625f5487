package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// SubmissionsTotal counts finished submissions by stored status, or "failed".
	SubmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "civicreport",
		Subsystem: "pipeline",
		Name:      "submissions_total",
		Help:      "Total number of finished report submissions, labeled by status.",
	}, []string{"status"})

	// RejectedTotal counts submissions refused before the pipeline started.
	RejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "civicreport",
		Subsystem: "pipeline",
		Name:      "rejected_total",
		Help:      "Total number of submissions rejected at submit time, labeled by reason.",
	}, []string{"reason"})

	// AnalyzerFallbackTotal counts analyses replaced by a built-in result.
	AnalyzerFallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "civicreport",
		Subsystem: "analyzer",
		Name:      "fallback_total",
		Help:      "Total number of analyses answered by a fallback result, labeled by kind (simulation|error).",
	}, []string{"kind"})

	// StageDurationSeconds is the time spent in each pipeline stage.
	StageDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "civicreport",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Time spent in each pipeline stage.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 1.5, 2, 3, 5, 10, 30, 60, 120},
	}, []string{"stage"})

	// InFlight is the number of submissions currently running.
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "civicreport",
		Subsystem: "pipeline",
		Name:      "in_flight",
		Help:      "Current number of submissions between Analyzing and Complete.",
	})

	// PublishErrorTotal counts failed side-channel deliveries of finished reports.
	PublishErrorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "civicreport",
		Subsystem: "service",
		Name:      "publish_error_total",
		Help:      "Total number of failures delivering a finished report, labeled by sink (database|rabbitmq).",
	}, []string{"sink"})

	// WebsocketClients is the number of connected live-feed clients.
	WebsocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "civicreport",
		Subsystem: "websocket",
		Name:      "clients",
		Help:      "Current number of connected live-feed websocket clients.",
	})
)

// Register registers the service metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			SubmissionsTotal,
			RejectedTotal,
			AnalyzerFallbackTotal,
			StageDurationSeconds,
			InFlight,
			PublishErrorTotal,
			WebsocketClients,
		)
	})
}
