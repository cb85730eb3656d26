package transport_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/evacnet/guardian-worker/internal/transport"
)

// ── Unit tests for Metrics ────────────────────────────────────────────────────

// TestNewMetrics verifies that NewMetrics returns a zero-initialised struct.
func TestNewMetrics(t *testing.T) {
	m := transport.NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}

	// All counters and the gauge must start at zero.
	assertCounter(t, "ConnectionAttempts", m.ConnectionAttempts.Load(), 0)
	assertCounter(t, "ConnectionErrors", m.ConnectionErrors.Load(), 0)
	assertCounter(t, "ReconnectAttempts", m.ReconnectAttempts.Load(), 0)
	assertCounter(t, "Registrations", m.Registrations.Load(), 0)
	assertCounter(t, "TasksReceived", m.TasksReceived.Load(), 0)
	assertCounter(t, "ResultsSent", m.ResultsSent.Load(), 0)
	assertCounter(t, "SendErrors", m.SendErrors.Load(), 0)
	assertCounter(t, "InferenceErrors", m.InferenceErrors.Load(), 0)
	assertCounter(t, "HeartbeatsSent", m.HeartbeatsSent.Load(), 0)
	assertCounter(t, "Connected", m.Connected.Load(), 0)
}

// TestMetricsHandler_PrometheusFormat verifies that Handler writes
// well-formed Prometheus text exposition format output.
func TestMetricsHandler_PrometheusFormat(t *testing.T) {
	m := transport.NewMetrics()
	// Set some non-zero values so we can assert they appear in the output.
	m.ConnectionAttempts.Add(3)
	m.ResultsSent.Add(7)
	m.Connected.Store(1)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	resp := rec.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("handler returned status %d; want 200", resp.StatusCode)
	}

	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q; want text/plain prefix", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	output := string(body)

	// Check that every required metric family is present with correct
	// # HELP, # TYPE, and sample lines.
	expectedMetrics := []struct {
		name     string
		kind     string
		contains string
	}{
		{"worker_connection_attempts_total", "counter", "worker_connection_attempts_total 3"},
		{"worker_connection_errors_total", "counter", "worker_connection_errors_total 0"},
		{"worker_reconnect_attempts_total", "counter", "worker_reconnect_attempts_total 0"},
		{"worker_registrations_total", "counter", "worker_registrations_total 0"},
		{"worker_tasks_received_total", "counter", "worker_tasks_received_total 0"},
		{"worker_results_sent_total", "counter", "worker_results_sent_total 7"},
		{"worker_send_errors_total", "counter", "worker_send_errors_total 0"},
		{"worker_inference_errors_total", "counter", "worker_inference_errors_total 0"},
		{"worker_heartbeats_sent_total", "counter", "worker_heartbeats_sent_total 0"},
		{"worker_connected", "gauge", "worker_connected 1"},
	}

	for _, em := range expectedMetrics {
		helpLine := "# HELP " + em.name
		typeLine := "# TYPE " + em.name + " " + em.kind
		if !strings.Contains(output, helpLine) {
			t.Errorf("missing HELP line for %s", em.name)
		}
		if !strings.Contains(output, typeLine) {
			t.Errorf("missing TYPE line for %s: %s", em.name, typeLine)
		}
		if !strings.Contains(output, em.contains) {
			t.Errorf("missing sample line %q in output:\n%s", em.contains, output)
		}
	}
}

// TestMetricsHandler_ZeroValues verifies the handler works correctly when all
// metrics are at their initial zero values.
func TestMetricsHandler_ZeroValues(t *testing.T) {
	m := transport.NewMetrics()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	output := string(body)

	// Zero-value samples must still appear (Prometheus requires them).
	if !strings.Contains(output, "worker_connection_attempts_total 0") {
		t.Errorf("zero-value counter not present in output:\n%s", output)
	}
	if !strings.Contains(output, "worker_connected 0") {
		t.Errorf("zero-value gauge not present in output:\n%s", output)
	}
}

// TestWithMetrics_CountersIncrementOnHappyPath verifies that using
// [WithMetrics] with a stub coordinator causes the expected counters to be
// incremented across register, task, result, and heartbeat traffic.
func TestWithMetrics_CountersIncrementOnHappyPath(t *testing.T) {
	stub := newStubCoordinator(t)
	det := &fakeDetector{out: []transport.Detection{
		{Class: "Fire", Confidence: 0.9, BBox: []float64{0, 0, 5, 5}, ClassID: 0},
	}}

	m := transport.NewMetrics()
	client := transport.New(testConfig(stub.addr()), det, testLogger(),
		transport.WithMetrics(m))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := startClient(t, ctx, client)

	waitFor(t, 3*time.Second, func() bool { return stub.registrationCount() == 1 },
		"worker never registered")

	stub.pushTask("frame-m-1", []byte{0x01, 0x02})

	waitFor(t, 3*time.Second, func() bool { return m.ResultsSent.Load() == 1 },
		"result counter never incremented")
	waitFor(t, 3*time.Second, func() bool { return m.HeartbeatsSent.Load() >= 1 },
		"heartbeat counter never incremented")

	// An active registered session shows on the gauge.
	assertCounter(t, "Connected", m.Connected.Load(), 1)
	assertCounter(t, "ConnectionAttempts", m.ConnectionAttempts.Load(), 1)
	assertCounter(t, "Registrations", m.Registrations.Load(), 1)
	assertCounter(t, "TasksReceived", m.TasksReceived.Load(), 1)
	assertCounter(t, "ConnectionErrors", m.ConnectionErrors.Load(), 0)
	assertCounter(t, "SendErrors", m.SendErrors.Load(), 0)
	assertCounter(t, "InferenceErrors", m.InferenceErrors.Load(), 0)

	cancel()
	awaitExit(t, done)

	// After shutdown the connection gauge must drop back to 0.
	assertCounter(t, "Connected", m.Connected.Load(), 0)
}

// TestWithoutMetrics_NoPanic verifies that a Client created without
// [WithMetrics] serves tasks without panicking (nil metrics are a no-op).
func TestWithoutMetrics_NoPanic(t *testing.T) {
	stub := newStubCoordinator(t)
	det := &fakeDetector{}

	// Deliberately do NOT pass WithMetrics.
	client := transport.New(testConfig(stub.addr()), det, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := startClient(t, ctx, client)

	waitFor(t, 3*time.Second, func() bool { return stub.registrationCount() == 1 },
		"worker never registered")

	stub.pushTask("frame-nm-1", []byte{0x0A})
	waitFor(t, 3*time.Second, func() bool { return stub.resultCount() == 1 },
		"no inference result arrived")

	cancel()
	awaitExit(t, done)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func assertCounter(t *testing.T, name string, got, want int64) {
	t.Helper()
	if got != want {
		t.Errorf("metric %s = %d; want %d", name, got, want)
	}
}
