package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesync_executions_total",
			Help: "Total number of finished executions",
		},
		[]string{"language", "status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codesync_execution_duration_ms",
			Help:    "Phase duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 15000},
		},
		// phase: "build", "run"
		[]string{"language", "phase"},
	)

	OutputTruncations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesync_output_truncations_total",
			Help: "Executions whose output exceeded the capture ceiling",
		},
		[]string{"language"},
	)

	InternalFaults = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codesync_internal_faults_total",
			Help: "Executions that failed because of the service rather than the program",
		},
	)

	ActiveExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codesync_active_executions",
			Help: "Executions currently holding a slot of the global ceiling",
		},
	)

	QueuedSubmissions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codesync_queued_submissions",
			Help: "Submissions admitted to a room queue and not yet started",
		},
	)

	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codesync_active_rooms",
			Help: "Rooms with a running execution actor",
		},
	)

	Rejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesync_rejections_total",
			Help: "Submissions refused before reaching the engine",
		},
		// reason: "busy", "rate_limited", "shutting_down"
		[]string{"reason"},
	)

	PublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codesync_publish_failures_total",
			Help: "Result events that could not be delivered to a room",
		},
	)

	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codesync_connected_clients",
			Help: "Open websocket connections",
		},
	)
)
