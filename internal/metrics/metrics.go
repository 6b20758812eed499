package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "anomalyd_frames_received_total", Help: "Inbound frames by kind (batch, control, malformed, empty)"},
		[]string{"kind"},
	)
	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "anomalyd_events_ingested_total", Help: "Anomaly events applied to the stores"},
		[]string{"severity"},
	)
	ConnectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "anomalyd_connection_state", Help: "Transport state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 exhausted)"},
	)
	ReconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "anomalyd_reconnect_attempts_total", Help: "Scheduled reconnect attempts"},
	)
	CommandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "anomalyd_commands_total", Help: "Outbound commands by outcome"},
		[]string{"action", "outcome"},
	)
	WindowBuckets = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "anomalyd_window_buckets", Help: "Non-empty buckets in the rolling window"},
	)
	QueryRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "anomalyd_query_requests_total", Help: "Query endpoint calls"},
		[]string{"endpoint", "outcome"},
	)
	AlertsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "anomalyd_alerts_total", Help: "Alert deliveries"},
		[]string{"channel", "outcome"},
	)
	SimAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "anomalyd_sim_anomalies_total", Help: "Anomalies produced by the simulator backend"},
		[]string{"source", "type"},
	)
	SimLogs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "anomalyd_sim_logs_total", Help: "Log lines scored by the simulator backend"},
		[]string{"source"},
	)
)

func MustRegister() {
	prometheus.MustRegister(FramesReceived, EventsIngested, ConnectionState, ReconnectAttempts,
		CommandsSent, WindowBuckets, QueryRequests, AlertsSent, SimAnomalies, SimLogs)
}

func Handler() http.Handler { return promhttp.Handler() }
