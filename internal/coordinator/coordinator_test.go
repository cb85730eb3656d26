package coordinator_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evacnet/guardian/internal/config"
	"github.com/evacnet/guardian/internal/coordinator"
	"github.com/evacnet/guardian/internal/fleet"
	"github.com/evacnet/guardian/internal/state"
	"github.com/evacnet/guardian/internal/store"
	"github.com/evacnet/guardian/internal/vision"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testConfig returns a configuration that keeps every listener on loopback
// and every file under a per-test temp dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		HTTPAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
		LogLevel: "error",
		Serial:   config.SerialConfig{Port: "test-port"},
		Fleet:    config.FleetConfig{TCPPort: 0, DiscoveryPort: 0},
		Storage:  config.StorageConfig{},
		Inference: config.InferenceConfig{
			Endpoint: "http://127.0.0.1:1",
		},
	}
}

// quietPort is a serial stand-in: reads block until Close, writes vanish.
type quietPort struct {
	pr *io.PipeReader
	pw *io.PipeWriter
}

func newQuietPort() *quietPort {
	pr, pw := io.Pipe()
	return &quietPort{pr: pr, pw: pw}
}

func (q *quietPort) Read(p []byte) (int, error)  { return q.pr.Read(p) }
func (q *quietPort) Write(p []byte) (int, error) { return len(p), nil }
func (q *quietPort) Close() error {
	_ = q.pw.Close()
	return q.pr.Close()
}

// noopDetector never finds anything.
type noopDetector struct{}

func (noopDetector) Detect(context.Context, []byte, float64) ([]vision.Box, error) {
	return nil, nil
}

// fakeBackend is an in-memory store.Backend.
type fakeBackend struct {
	mu              sync.Mutex
	contacts        []state.GsmContact
	detections      []state.Detection
	alerts          []string
	classifications map[string]string
	flushes         int
	closed          bool
}

func (f *fakeBackend) LogDetection(d state.Detection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detections = append(f.detections, d)
	return nil
}

func (f *fakeBackend) LogAlert(stateName, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, stateName+"|"+reason)
	return nil
}

func (f *fakeBackend) Contacts(context.Context) ([]state.GsmContact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]state.GsmContact, len(f.contacts))
	copy(out, f.contacts)
	return out, nil
}

func (f *fakeBackend) AddContact(_ context.Context, c state.GsmContact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts = append(f.contacts, c)
	return nil
}

func (f *fakeBackend) DeleteContact(_ context.Context, number string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.contacts[:0]
	for _, c := range f.contacts {
		if c.Number != number {
			kept = append(kept, c)
		}
	}
	f.contacts = kept
	return nil
}

func (f *fakeBackend) SetWorkerClassification(_ context.Context, deviceID, classification string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.classifications == nil {
		f.classifications = map[string]string{}
	}
	f.classifications[deviceID] = classification
	return nil
}

func (f *fakeBackend) WorkerClassifications(context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.classifications))
	for k, v := range f.classifications {
		out[k] = v
	}
	return out, nil
}

func (f *fakeBackend) DetectionHistory(context.Context, int) ([]store.DetectionRow, error) {
	return nil, nil
}

func (f *fakeBackend) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakeBackend) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// newTestCoordinator builds a coordinator on loopback fakes and returns it
// with its backend and the loopback UDP listener receiving announcements.
func newTestCoordinator(t *testing.T, backend *fakeBackend) (*coordinator.Coordinator, net.PacketConn) {
	t.Helper()

	udp, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("udp listen: %v", err)
	}
	t.Cleanup(func() { _ = udp.Close() })

	c, err := coordinator.New(context.Background(), testConfig(t), testLogger(),
		coordinator.WithBackend(backend),
		coordinator.WithSerialOpener(func() (io.ReadWriteCloser, string, error) {
			return newQuietPort(), "test-port", nil
		}),
		coordinator.WithDetector(noopDetector{}),
		coordinator.WithFleetAddr("127.0.0.1:0"),
		coordinator.WithAnnounceTarget(udp.LocalAddr().String()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, udp
}

func get(t *testing.T, ts *httptest.Server, path string) (int, []byte) {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("GET %s read body: %v", path, err)
	}
	return resp.StatusCode, body
}

func post(t *testing.T, ts *httptest.Server, path, body string) (int, []byte) {
	t.Helper()
	resp, err := ts.Client().Post(ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("POST %s read body: %v", path, err)
	}
	return resp.StatusCode, out
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

// New seeds the in-memory contact roster from the persistence backend so
// GSM sequences survive a restart.
func TestNew_SeedsContactsFromBackend(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{contacts: []state.GsmContact{
		{Mode: "call", Number: "+15550100", Name: "Night shift", Category: "general"},
	}}
	c, _ := newTestCoordinator(t, backend)
	defer c.Stop()

	ts := httptest.NewServer(c.Handler())
	defer ts.Close()

	code, body := get(t, ts, "/api/gsm/contacts")
	if code != http.StatusOK {
		t.Fatalf("contacts status = %d, want 200", code)
	}
	var contacts map[string][]state.GsmContact
	if err := json.Unmarshal(body, &contacts); err != nil {
		t.Fatalf("decode contacts: %v", err)
	}
	calls := contacts["call"]
	if len(calls) != 1 || calls[0].Number != "+15550100" {
		t.Fatalf("call contacts = %+v, want the seeded entry", calls)
	}
}

// New materialises the settings document with defaults so operators always
// have a file to edit.
func TestNew_WritesDefaultSettingsFile(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	udp, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("udp listen: %v", err)
	}
	defer udp.Close()

	c, err := coordinator.New(context.Background(), cfg, testLogger(),
		coordinator.WithBackend(&fakeBackend{}),
		coordinator.WithSerialOpener(func() (io.ReadWriteCloser, string, error) {
			return newQuietPort(), "test-port", nil
		}),
		coordinator.WithDetector(noopDetector{}),
		coordinator.WithFleetAddr("127.0.0.1:0"),
		coordinator.WithAnnounceTarget(udp.LocalAddr().String()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Stop()

	raw, err := os.ReadFile(cfg.SettingsPath())
	if err != nil {
		t.Fatalf("settings file not written: %v", err)
	}
	var s store.Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("settings file malformed: %v", err)
	}
	if s.ConfidenceThreshold != 0.4 {
		t.Errorf("default confidence = %v, want 0.4", s.ConfidenceThreshold)
	}
}

// Construction fails cleanly when the data directory cannot be created.
func TestNew_FailsWhenDataDirUnusable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "occupied")
	if err := os.WriteFile(blocker, []byte("not a directory"), 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	cfg := testConfig(t)
	cfg.DataDir = blocker

	_, err := coordinator.New(context.Background(), cfg, testLogger(),
		coordinator.WithBackend(&fakeBackend{}))
	if err == nil {
		t.Fatal("expected error when data dir path is a regular file")
	}
}

// The pairing code is generated at construction and is six digits.
func TestAccessCode_Format(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator(t, &fakeBackend{})
	defer c.Stop()

	code := c.AccessCode()
	if len(code) != 6 {
		t.Fatalf("access code %q, want six digits", code)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			t.Fatalf("access code %q contains non-digit %q", code, r)
		}
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start announces the actually-bound worker port; a worker following the
// beacon can register and show up on /api/workers; Stop closes the backend
// and is idempotent.
func TestCoordinator_StartAnnounceRegisterStop(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	c, udp := newTestCoordinator(t, backend)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(); err == nil {
		t.Fatal("second Start should report already running")
	}

	// Discovery: the beacon must carry the system tag and a connectable
	// TCP port.
	_ = udp.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1024)
	n, _, err := udp.ReadFrom(buf)
	if err != nil {
		t.Fatalf("no discovery datagram: %v", err)
	}
	var beacon struct {
		Type   string `json:"type"`
		IP     string `json:"ip"`
		Port   int    `json:"port"`
		System string `json:"system"`
	}
	if err := json.Unmarshal(buf[:n], &beacon); err != nil {
		t.Fatalf("malformed beacon %q: %v", buf[:n], err)
	}
	if beacon.Type != "server_announce" || beacon.System != fleet.SystemTag {
		t.Fatalf("beacon = %+v, want server_announce/%s", beacon, fleet.SystemTag)
	}
	if beacon.Port == 0 {
		t.Fatal("beacon announces port 0; want the bound listener port")
	}

	// Registration: follow the beacon to the worker port.
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(beacon.Port)), 5*time.Second)
	if err != nil {
		t.Fatalf("dial worker port: %v", err)
	}
	defer conn.Close()
	err = fleet.WriteFrame(conn, map[string]any{
		"type":      "register",
		"worker_id": "worker-it-1",
		"name":      "bench",
		"model":     "yolov8n",
		"specialty": "Fire",
		"role":      "sub-worker",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	ack, err := fleet.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if !strings.Contains(string(ack), `"registered"`) {
		t.Fatalf("ack = %s, want registered", ack)
	}

	ts := httptest.NewServer(c.Handler())
	defer ts.Close()

	code, body := get(t, ts, "/api/workers")
	if code != http.StatusOK {
		t.Fatalf("workers status = %d, want 200", code)
	}
	var workers struct {
		Workers []fleet.Worker `json:"workers"`
	}
	if err := json.Unmarshal(body, &workers); err != nil {
		t.Fatalf("decode workers: %v", err)
	}
	if len(workers.Workers) != 1 || workers.Workers[0].ID != "worker-it-1" {
		t.Fatalf("workers = %+v, want worker-it-1", workers.Workers)
	}

	if code, _ := get(t, ts, "/healthz"); code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", code)
	}

	c.Stop()
	c.Stop() // idempotent

	if !backend.isClosed() {
		t.Error("backend not closed on Stop")
	}
}

// ---------------------------------------------------------------------------
// Settings surface
// ---------------------------------------------------------------------------

// POST /api/settings merges the partial document, persists it, and serves
// the merged result; invalid updates change nothing.
func TestSettings_UpdateRoundTrip(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator(t, &fakeBackend{})
	defer c.Stop()

	ts := httptest.NewServer(c.Handler())
	defer ts.Close()

	code, _ := post(t, ts, "/api/settings", `{"confidence_threshold": 0.66}`)
	if code != http.StatusOK {
		t.Fatalf("settings update = %d, want 200", code)
	}

	codeGet, body := get(t, ts, "/api/settings")
	if codeGet != http.StatusOK {
		t.Fatalf("settings get = %d, want 200", codeGet)
	}
	var s store.Settings
	if err := json.Unmarshal(body, &s); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if s.ConfidenceThreshold != 0.66 {
		t.Errorf("confidence = %v, want 0.66", s.ConfidenceThreshold)
	}
	if s.AnalysisIntervalMs != 1000 {
		t.Errorf("interval = %d, want untouched default 1000", s.AnalysisIntervalMs)
	}

	// Out-of-range threshold: rejected, active document untouched.
	code, _ = post(t, ts, "/api/settings", `{"confidence_threshold": 40}`)
	if code != http.StatusBadRequest {
		t.Fatalf("invalid update = %d, want 400", code)
	}
	_, body = get(t, ts, "/api/settings")
	if err := json.Unmarshal(body, &s); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if s.ConfidenceThreshold != 0.66 {
		t.Errorf("confidence after rejected update = %v, want 0.66", s.ConfidenceThreshold)
	}
}

