package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantwatch_http_requests_total",
			Help: "HTTP requests served by the API",
		},
		[]string{"method", "route", "status"},
	)

	ReadingsEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantwatch_readings_evaluated_total",
			Help: "Sensor readings classified, by metric and resulting severity",
		},
		[]string{"metric", "severity"},
	)

	UnknownMetrics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plantwatch_unknown_metric_readings_total",
			Help: "Readings dropped because they referenced an unknown metric",
		},
	)

	CurrentSeverity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plantwatch_current_severity",
			Help: "Last severity per device and metric (0 unknown, 1 safe, 2 warning, 3 critical)",
		},
		[]string{"device_id", "metric"},
	)

	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantwatch_alerts_raised_total",
			Help: "New alert keys created, by severity",
		},
		[]string{"severity"},
	)

	ActiveAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plantwatch_active_alerts",
			Help: "Alerts currently held by the aggregator",
		},
	)

	UnitsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantwatch_units_recorded_total",
			Help: "Production units accepted by the daily ledger",
		},
		[]string{"device_id"},
	)

	Rollovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantwatch_ledger_rollovers_total",
			Help: "Daily counter rollovers, by trigger",
		},
		[]string{"trigger"},
	)

	PersistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantwatch_persistence_errors_total",
			Help: "Failed writes to the state store",
		},
		[]string{"component"},
	)

	CommandsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantwatch_control_commands_total",
			Help: "Control command delivery attempts, by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	IngestConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plantwatch_ingest_connected",
			Help: "1 while an ingest source is connected",
		},
		[]string{"source"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantwatch_notifications_total",
			Help: "Alert notifications, by channel and outcome",
		},
		[]string{"channel", "status"},
	)
)
