// Package metrics – operational counters for the guardian coordinator.
//
// # Overview
//
// Metrics tracks counters and gauges across the coordinator's subsystems.
// All fields are updated atomically so they can be read concurrently from an
// HTTP handler without holding any additional lock.
//
// # Prometheus text format
//
// Handler returns an [net/http.Handler] that serves the registered metrics in
// the standard Prometheus text exposition format on every GET request.  Wire it
// into your HTTP mux at /metrics:
//
//	m := metrics.New()
//	http.Handle("/metrics", m.Handler())
//
// # Metric catalogue
//
//	guardian_serial_messages_total            – counter: line-JSON messages parsed off the serial link
//	guardian_serial_reconnects_total          – counter: serial reconnect cycles after an error or failed open
//	guardian_serial_write_errors_total        – counter: outbound serial writes that failed
//	guardian_frames_processed_total           – counter: camera frames pushed through the detection pipeline
//	guardian_detections_local_total           – counter: detections produced by the local detector
//	guardian_detections_remote_total          – counter: detections returned by cluster workers
//	guardian_inference_tasks_dispatched_total – counter: inference tasks sent to workers
//	guardian_inference_task_timeouts_total    – counter: dispatches that hit the wait timeout
//	guardian_gsm_sequences_total              – counter: GSM call/SMS emergency sequences started
//	guardian_events_broadcast_total           – counter: events pushed to WebSocket clients
//	guardian_events_dropped_total             – counter: events dropped from the full fan-out queue
//	guardian_manual_actions_dropped_total     – counter: manual actions evicted from the full queue
//	guardian_persistence_failures_total       – counter: sink writes that returned an error
//	guardian_workers_connected                – gauge:   currently registered inference workers
//	guardian_ws_clients                       – gauge:   currently connected dashboard clients
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/evacnet/guardian/internal/state"
)

// Metrics holds all counters and gauges for the coordinator. The zero value
// is ready to use; all counters start at zero.
type Metrics struct {
	// Counters
	SerialMessages    atomic.Int64
	SerialReconnects  atomic.Int64
	SerialWriteErrors atomic.Int64
	FramesProcessed   atomic.Int64
	DetectionsLocal   atomic.Int64
	DetectionsRemote  atomic.Int64
	TasksDispatched   atomic.Int64
	TaskTimeouts      atomic.Int64
	GsmSequences      atomic.Int64
	EventsBroadcast   atomic.Int64

	// Gauges
	WorkersConnected atomic.Int64
	WSClients        atomic.Int64

	// Optional source for the state-store counters. Set during wiring,
	// before the handler is first served.
	counters func() state.Counters
}

// New allocates a Metrics value with all counters at zero.
func New() *Metrics {
	return &Metrics{}
}

// ObserveStore registers fn as the source for the state-store counters
// (dropped events, dropped manual actions, persistence failures). Must be
// called before Handler is served.
func (m *Metrics) ObserveStore(fn func() state.Counters) {
	m.counters = fn
}

// metricLine is a single metric family descriptor plus its current value.
type metricLine struct {
	help  string
	kind  string // "counter" or "gauge"
	name  string
	value int64
}

// snapshot captures the current values of all metrics in a consistent order.
func (m *Metrics) snapshot() []metricLine {
	var sc state.Counters
	if m.counters != nil {
		sc = m.counters()
	}
	return []metricLine{
		{
			help:  "Total number of line-JSON messages parsed off the serial link.",
			kind:  "counter",
			name:  "guardian_serial_messages_total",
			value: m.SerialMessages.Load(),
		},
		{
			help:  "Total number of serial reconnect cycles after an error or failed open.",
			kind:  "counter",
			name:  "guardian_serial_reconnects_total",
			value: m.SerialReconnects.Load(),
		},
		{
			help:  "Total number of outbound serial writes that returned an error.",
			kind:  "counter",
			name:  "guardian_serial_write_errors_total",
			value: m.SerialWriteErrors.Load(),
		},
		{
			help:  "Total number of camera frames pushed through the detection pipeline.",
			kind:  "counter",
			name:  "guardian_frames_processed_total",
			value: m.FramesProcessed.Load(),
		},
		{
			help:  "Total number of detections produced by the local detector.",
			kind:  "counter",
			name:  "guardian_detections_local_total",
			value: m.DetectionsLocal.Load(),
		},
		{
			help:  "Total number of detections returned by cluster workers.",
			kind:  "counter",
			name:  "guardian_detections_remote_total",
			value: m.DetectionsRemote.Load(),
		},
		{
			help:  "Total number of inference tasks dispatched to cluster workers.",
			kind:  "counter",
			name:  "guardian_inference_tasks_dispatched_total",
			value: m.TasksDispatched.Load(),
		},
		{
			help:  "Total number of dispatched tasks that hit the wait timeout.",
			kind:  "counter",
			name:  "guardian_inference_task_timeouts_total",
			value: m.TaskTimeouts.Load(),
		},
		{
			help:  "Total number of GSM call/SMS emergency sequences started.",
			kind:  "counter",
			name:  "guardian_gsm_sequences_total",
			value: m.GsmSequences.Load(),
		},
		{
			help:  "Total number of events pushed to connected WebSocket clients.",
			kind:  "counter",
			name:  "guardian_events_broadcast_total",
			value: m.EventsBroadcast.Load(),
		},
		{
			help:  "Total number of events dropped from the full fan-out queue.",
			kind:  "counter",
			name:  "guardian_events_dropped_total",
			value: sc.EventsDropped,
		},
		{
			help:  "Total number of manual actions evicted from the full queue.",
			kind:  "counter",
			name:  "guardian_manual_actions_dropped_total",
			value: sc.ManualDropped,
		},
		{
			help:  "Total number of persistence sink writes that returned an error.",
			kind:  "counter",
			name:  "guardian_persistence_failures_total",
			value: sc.PersistenceFailures,
		},
		{
			help:  "Number of currently registered inference workers.",
			kind:  "gauge",
			name:  "guardian_workers_connected",
			value: m.WorkersConnected.Load(),
		},
		{
			help:  "Number of currently connected dashboard WebSocket clients.",
			kind:  "gauge",
			name:  "guardian_ws_clients",
			value: m.WSClients.Load(),
		},
	}
}

// Handler returns an [http.Handler] that writes all coordinator metrics in
// the Prometheus text exposition format on every GET request.
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
