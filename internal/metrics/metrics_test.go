package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/evacnet/guardian/internal/metrics"
	"github.com/evacnet/guardian/internal/state"
)

// TestNew verifies that New returns a zero-initialised struct.
func TestNew(t *testing.T) {
	m := metrics.New()
	if m == nil {
		t.Fatal("New returned nil")
	}
	if v := m.SerialMessages.Load(); v != 0 {
		t.Errorf("SerialMessages = %d; want 0", v)
	}
	if v := m.WorkersConnected.Load(); v != 0 {
		t.Errorf("WorkersConnected = %d; want 0", v)
	}
}

// TestHandler_PrometheusFormat verifies that Handler writes well-formed
// Prometheus text exposition format output.
func TestHandler_PrometheusFormat(t *testing.T) {
	m := metrics.New()
	m.FramesProcessed.Add(12)
	m.DetectionsRemote.Add(4)
	m.WorkersConnected.Store(2)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	resp := rec.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("handler returned status %d; want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q; want text/plain prefix", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	output := string(body)

	expected := []struct {
		name     string
		kind     string
		contains string
	}{
		{"guardian_frames_processed_total", "counter", "guardian_frames_processed_total 12"},
		{"guardian_detections_remote_total", "counter", "guardian_detections_remote_total 4"},
		{"guardian_detections_local_total", "counter", "guardian_detections_local_total 0"},
		{"guardian_serial_messages_total", "counter", "guardian_serial_messages_total 0"},
		{"guardian_events_dropped_total", "counter", "guardian_events_dropped_total 0"},
		{"guardian_workers_connected", "gauge", "guardian_workers_connected 2"},
		{"guardian_ws_clients", "gauge", "guardian_ws_clients 0"},
	}
	for _, em := range expected {
		if !strings.Contains(output, "# HELP "+em.name) {
			t.Errorf("missing HELP line for %s", em.name)
		}
		if !strings.Contains(output, "# TYPE "+em.name+" "+em.kind) {
			t.Errorf("missing TYPE line for %s", em.name)
		}
		if !strings.Contains(output, em.contains) {
			t.Errorf("missing sample line %q in output:\n%s", em.contains, output)
		}
	}
}

// TestHandler_StateCounters verifies that a registered ObserveStore source
// feeds the queue-drop and persistence-failure families.
func TestHandler_StateCounters(t *testing.T) {
	m := metrics.New()
	m.ObserveStore(func() state.Counters {
		return state.Counters{EventsDropped: 9, ManualDropped: 3, PersistenceFailures: 1}
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	output := string(body)

	for _, want := range []string{
		"guardian_events_dropped_total 9",
		"guardian_manual_actions_dropped_total 3",
		"guardian_persistence_failures_total 1",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("missing sample line %q in output:\n%s", want, output)
		}
	}
}
