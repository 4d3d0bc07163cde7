// Package metrics holds the Prometheus collectors for boundary decisions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perimeter_validation_failures_total",
			Help: "Requests rejected by schema validation",
		},
		[]string{"endpoint"},
	)

	OriginDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perimeter_origin_decisions_total",
			Help: "Origin gateway decisions",
		},
		[]string{"result"},
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perimeter_rate_limit_rejections_total",
			Help: "Operations rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	ThreatAnalyses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perimeter_threat_analyses_total",
			Help: "Completed threat analyses by level",
		},
		[]string{"threat_level"},
	)

	AnalysisFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "perimeter_analysis_fallbacks_total",
			Help: "Analyses replaced by the fallback after a parse failure",
		},
	)

	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perimeter_alerts_created_total",
			Help: "Security alerts written",
		},
		[]string{"severity"},
	)

	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perimeter_persistence_failures_total",
			Help: "Failed best-effort writes",
		},
		[]string{"table"},
	)

	SyslogMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perimeter_syslog_messages_total",
			Help: "Syslog lines received by parse result",
		},
		[]string{"result"},
	)

	ReasoningCallSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "perimeter_reasoning_call_seconds",
			Help:    "Latency of reasoning service calls",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)
)
