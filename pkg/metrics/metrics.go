package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perch_agents_total",
			Help: "Total number of registered agents by status",
		},
		[]string{"status"},
	)

	SeriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perch_series_total",
			Help: "Total number of metric series in the catalog",
		},
	)

	PointsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perch_points_total",
			Help: "Total number of stored metric points",
		},
	)

	LogEntriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perch_log_entries_total",
			Help: "Total number of stored log entries",
		},
	)

	CommandsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perch_commands_pending",
			Help: "Number of commands waiting for delivery",
		},
	)

	// Ingestion metrics
	SamplesAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perch_samples_accepted_total",
			Help: "Total number of accepted metric samples",
		},
	)

	SamplesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perch_samples_rejected_total",
			Help: "Total number of rejected metric samples by reason",
		},
		[]string{"reason"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perch_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "perch_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Retention metrics
	RetentionDeletedRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perch_retention_deleted_rows_total",
			Help: "Total rows removed by the retention sweep by table",
		},
		[]string{"table"},
	)

	RetentionSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "perch_retention_sweep_duration_seconds",
			Help:    "Retention sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(SeriesTotal)
	prometheus.MustRegister(PointsTotal)
	prometheus.MustRegister(LogEntriesTotal)
	prometheus.MustRegister(CommandsPending)
	prometheus.MustRegister(SamplesAccepted)
	prometheus.MustRegister(SamplesRejected)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(RetentionDeletedRows)
	prometheus.MustRegister(RetentionSweepDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
