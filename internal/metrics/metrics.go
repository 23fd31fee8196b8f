package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Optimizer service metrics for production monitoring
var (
	// Anomaly detection metrics
	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_detections_total",
			Help: "Total number of samples scored by anomaly detectors",
		},
		[]string{"algorithm", "result"}, // result: normal/anomaly/skipped/error
	)

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_alerts_total",
			Help: "Total number of anomaly alerts raised",
		},
		[]string{"severity"},
	)

	DetectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_optimizer_detection_duration_seconds",
			Help:    "Duration of a detection pass for one model in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"algorithm"},
	)

	ModelTrainingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_model_trainings_total",
			Help: "Total number of detection model training runs",
		},
		[]string{"algorithm", "result"}, // result: success/insufficient_data/error
	)

	// Forecasting metrics
	ForecastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_forecasts_total",
			Help: "Total number of forecasts generated",
		},
		[]string{"result"},
	)

	ForecastMAPE = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kubilitics_optimizer_forecast_mape",
			Help: "Holdout MAPE of the latest forecast per target",
		},
		[]string{"target"},
	)

	// Decision metrics
	RankingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_rankings_total",
			Help: "Total number of multi-criteria rankings computed",
		},
		[]string{"result"},
	)

	// Workflow metrics
	WorkflowExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_workflow_executions_total",
			Help: "Total number of workflow executions",
		},
		[]string{"type", "status"},
	)

	WorkflowExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_optimizer_workflow_execution_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"type"},
	)

	WorkflowSkippedTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_workflow_skipped_ticks_total",
			Help: "Scheduled ticks skipped because the previous execution was still running",
		},
		[]string{"workflow"},
	)

	PendingApprovals = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_optimizer_pending_approvals",
			Help: "Current number of workflow actions waiting for approval",
		},
	)

	// Persistence metrics
	PersistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_persistence_errors_total",
			Help: "Total number of swallowed persistence failures",
		},
		[]string{"op"},
	)

	// Event fan-out metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_events_published_total",
			Help: "Total number of events published on the bus",
		},
		[]string{"kind"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_events_dropped_total",
			Help: "Events dropped because a subscriber channel was full",
		},
		[]string{"kind"},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_optimizer_websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)
)
