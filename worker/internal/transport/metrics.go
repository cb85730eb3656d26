// Package transport – Prometheus metrics for the coordinator link.
//
// # Overview
//
// Metrics tracks operational counters and gauges for the worker's transport
// client. All fields are updated atomically so they can be read concurrently
// from an HTTP handler without holding any additional lock.
//
// # Prometheus text format
//
// Handler returns an [net/http.Handler] that serves the registered metrics in
// the standard Prometheus text exposition format on every GET request. Wire it
// into your HTTP mux at /metrics (or any other path you prefer):
//
//	m := transport.NewMetrics()
//	http.Handle("/metrics", m.Handler())
//
// # Metric catalogue
//
//	worker_connection_attempts_total – counter: times the client tried to reach the coordinator
//	worker_connection_errors_total   – counter: connection attempts that failed
//	worker_reconnect_attempts_total  – counter: reconnect cycles after a lost session
//	worker_registrations_total       – counter: registrations acknowledged by the coordinator
//	worker_tasks_received_total      – counter: inference_task frames received
//	worker_results_sent_total        – counter: inference_result frames delivered
//	worker_send_errors_total         – counter: errors writing a frame to the coordinator
//	worker_inference_errors_total    – counter: sidecar calls that returned an error
//	worker_heartbeats_sent_total     – counter: heartbeat frames delivered
//	worker_connected                 – gauge:   1 when a registered session is active, 0 otherwise
package transport

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Metrics holds all Prometheus counters and gauges for the transport client.
// The zero value is ready to use; all counters start at zero.
//
// Create one with [NewMetrics] (which pre-fills the metric metadata) or embed
// a zero value when you only need to call [Metrics.Handler].
type Metrics struct {
	// Counters
	ConnectionAttempts atomic.Int64
	ConnectionErrors   atomic.Int64
	ReconnectAttempts  atomic.Int64
	Registrations      atomic.Int64
	TasksReceived      atomic.Int64
	ResultsSent        atomic.Int64
	SendErrors         atomic.Int64
	InferenceErrors    atomic.Int64
	HeartbeatsSent     atomic.Int64

	// Gauge (0 or 1)
	Connected atomic.Int64
}

// NewMetrics allocates a new [Metrics] value with all counters at zero.
// The returned pointer can be passed to [WithMetrics] when constructing a
// [Client] and its [Metrics.Handler] can be served on any HTTP mux.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// metricLine is a single Prometheus metric family descriptor plus its
// current value.
type metricLine struct {
	help  string
	kind  string // "counter" or "gauge"
	name  string
	value int64
}

// snapshot captures the current values of all metrics in a consistent order.
func (m *Metrics) snapshot() []metricLine {
	return []metricLine{
		{
			help:  "Total number of connection attempts made to the coordinator.",
			kind:  "counter",
			name:  "worker_connection_attempts_total",
			value: m.ConnectionAttempts.Load(),
		},
		{
			help:  "Total number of connection attempts that returned an error.",
			kind:  "counter",
			name:  "worker_connection_errors_total",
			value: m.ConnectionErrors.Load(),
		},
		{
			help:  "Total number of reconnection cycles initiated after a lost session.",
			kind:  "counter",
			name:  "worker_reconnect_attempts_total",
			value: m.ReconnectAttempts.Load(),
		},
		{
			help:  "Total number of registrations acknowledged by the coordinator.",
			kind:  "counter",
			name:  "worker_registrations_total",
			value: m.Registrations.Load(),
		},
		{
			help:  "Total number of inference_task frames received.",
			kind:  "counter",
			name:  "worker_tasks_received_total",
			value: m.TasksReceived.Load(),
		},
		{
			help:  "Total number of inference_result frames delivered to the coordinator.",
			kind:  "counter",
			name:  "worker_results_sent_total",
			value: m.ResultsSent.Load(),
		},
		{
			help:  "Total number of errors writing a frame to the coordinator.",
			kind:  "counter",
			name:  "worker_send_errors_total",
			value: m.SendErrors.Load(),
		},
		{
			help:  "Total number of inference sidecar calls that returned an error.",
			kind:  "counter",
			name:  "worker_inference_errors_total",
			value: m.InferenceErrors.Load(),
		},
		{
			help:  "Total number of heartbeat frames delivered to the coordinator.",
			kind:  "counter",
			name:  "worker_heartbeats_sent_total",
			value: m.HeartbeatsSent.Load(),
		},
		{
			help:  "1 when a registered coordinator session is currently active, 0 otherwise.",
			kind:  "gauge",
			name:  "worker_connected",
			value: m.Connected.Load(),
		},
	}
}

// Handler returns an [http.Handler] that writes all transport metrics in the
// Prometheus text exposition format on every GET request.
//
// The content type is set to "text/plain; version=0.0.4" as required by
// the Prometheus specification so that a vanilla Prometheus scraper will
// parse the output correctly.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, m.snapshot())
	})
}

// writeMetrics serialises lines into Prometheus text exposition format.
func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
