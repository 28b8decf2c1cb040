package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Detection engine metrics for production monitoring
var (
	// Evaluation metrics
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_rca_evaluations_total",
			Help: "Total number of evaluations by outcome",
		},
		[]string{"result"}, // result: normal/anomaly/insufficient_history/unavailable/rejected
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kubilitics_rca_evaluation_duration_seconds",
			Help:    "End-to-end evaluation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
	)

	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_rca_anomalies_total",
			Help: "Total number of anomalies detected by severity",
		},
		[]string{"severity"},
	)

	// Ensemble metrics
	ScorerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_rca_scorer_failures_total",
			Help: "Scorer failures that degraded the ensemble",
		},
		[]string{"scorer"},
	)

	EnsembleUnavailable = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubilitics_rca_ensemble_unavailable_total",
			Help: "Evaluations where every scorer failed",
		},
	)

	RetrainsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_rca_retrains_total",
			Help: "Total number of model retrains",
		},
		[]string{"status"},
	)

	RetrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kubilitics_rca_retrain_duration_seconds",
			Help:    "Model retrain duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
	)

	// Root-cause metrics
	RCADuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kubilitics_rca_analysis_duration_seconds",
			Help:    "Root-cause analysis duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
	)

	LowCausalConfidence = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubilitics_rca_low_causal_confidence_total",
			Help: "Root-cause results that fell back to attribution only",
		},
	)

	// Narrative metrics
	NarrativeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_rca_narrative_requests_total",
			Help: "Total number of narrative requests",
		},
		[]string{"provider", "status"},
	)

	NarrativeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_rca_narrative_duration_seconds",
			Help:    "Narrative request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider"},
	)

	// Sink metrics
	SinkWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_rca_sink_writes_total",
			Help: "Persistence sink writes by status",
		},
		[]string{"status"},
	)

	ActiveSources = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_rca_active_sources",
			Help: "Number of sources with a live evaluator",
		},
	)
)
