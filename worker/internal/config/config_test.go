package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/evacnet/guardian-worker/internal/config"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// writeTempFile creates a temporary file with the given contents and returns
// its path.  The file is removed when the test finishes.
func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempFile: %v", err)
	}
	return path
}

func assertContainsError(t *testing.T, err error, substr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("expected error to contain %q, got: %v", substr, err)
	}
}

// ---------------------------------------------------------------------------
// Parse – golden path
// ---------------------------------------------------------------------------

func TestParse_EmptyInputDefaults(t *testing.T) {
	cfg, err := config.Parse(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(cfg.WorkerID, "worker-") {
		t.Errorf("worker_id: got %q, want worker-<suffix>", cfg.WorkerID)
	}
	if cfg.Name == "" {
		t.Error("expected Name to be defaulted from os.Hostname(), got empty string")
	}
	if cfg.Specialty != "Generalist" {
		t.Errorf("specialty: got %q, want Generalist", cfg.Specialty)
	}
	if cfg.Role != "sub-worker" {
		t.Errorf("role: got %q, want sub-worker", cfg.Role)
	}

	if cfg.Coordinator.DiscoveryPort != 8002 {
		t.Errorf("coordinator.discovery_port: got %d, want 8002", cfg.Coordinator.DiscoveryPort)
	}
	if cfg.Coordinator.ReconnectDelay != 2*time.Second {
		t.Errorf("coordinator.reconnect_delay: got %v, want 2s", cfg.Coordinator.ReconnectDelay)
	}
	if cfg.Coordinator.ReconnectMaxDelay != 2*time.Minute {
		t.Errorf("coordinator.reconnect_max_delay: got %v, want 2m", cfg.Coordinator.ReconnectMaxDelay)
	}
	if cfg.Coordinator.DialTimeout != 10*time.Second {
		t.Errorf("coordinator.dial_timeout: got %v, want 10s", cfg.Coordinator.DialTimeout)
	}
	if cfg.Coordinator.HeartbeatInterval != 5*time.Second {
		t.Errorf("coordinator.heartbeat_interval: got %v, want 5s", cfg.Coordinator.HeartbeatInterval)
	}

	if cfg.Detector.Endpoint != "http://127.0.0.1:5001" {
		t.Errorf("detector.endpoint: got %q", cfg.Detector.Endpoint)
	}
	if cfg.Detector.Confidence != 0.25 {
		t.Errorf("detector.confidence: got %v, want 0.25", cfg.Detector.Confidence)
	}
	if cfg.Detector.Timeout != 30*time.Second {
		t.Errorf("detector.timeout: got %v, want 30s", cfg.Detector.Timeout)
	}

	if cfg.Metrics.Enabled {
		t.Error("metrics should be disabled by default")
	}
	if cfg.Metrics.Address != "127.0.0.1:9091" {
		t.Errorf("metrics.address: got %q, want 127.0.0.1:9091", cfg.Metrics.Address)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("logging.level: got %q, want info", cfg.Logging.Level)
	}
}

func TestParse_GeneratedWorkerIDsAreUnique(t *testing.T) {
	a, err := config.Parse(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := config.Parse(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.WorkerID == b.WorkerID {
		t.Errorf("two parses produced the same generated worker_id %q", a.WorkerID)
	}
}

func TestParse_ExplicitValues(t *testing.T) {
	yaml := `
worker_id: worker-roof-cam
name: roof-node
model: custom_hazard.pt
specialty: Fire
role: sub-worker

coordinator:
  addr: "192.168.1.20:8001"
  reconnect_delay: 1s
  reconnect_max_delay: 30s
  dial_timeout: 3s
  heartbeat_interval: 2s

detector:
  endpoint: "http://127.0.0.1:6000"
  confidence: 0.5
  timeout: 10s

metrics:
  enabled: true
  address: "0.0.0.0:9091"

logging:
  level: debug
`
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.WorkerID != "worker-roof-cam" {
		t.Errorf("worker_id: got %q", cfg.WorkerID)
	}
	if cfg.Specialty != "Fire" {
		t.Errorf("specialty: got %q, want Fire", cfg.Specialty)
	}
	if cfg.Model != "custom_hazard.pt" {
		t.Errorf("model: got %q", cfg.Model)
	}
	if cfg.Coordinator.Addr != "192.168.1.20:8001" {
		t.Errorf("coordinator.addr: got %q", cfg.Coordinator.Addr)
	}
	if cfg.Coordinator.ReconnectDelay != time.Second {
		t.Errorf("coordinator.reconnect_delay: got %v, want 1s", cfg.Coordinator.ReconnectDelay)
	}
	if cfg.Detector.Confidence != 0.5 {
		t.Errorf("detector.confidence: got %v, want 0.5", cfg.Detector.Confidence)
	}
	if !cfg.Metrics.Enabled {
		t.Error("metrics.enabled: got false, want true")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level: got %q, want debug", cfg.Logging.Level)
	}
}

// ---------------------------------------------------------------------------
// Parse – invalid input
// ---------------------------------------------------------------------------

func TestParse_InvalidYAML(t *testing.T) {
	_, err := config.Parse([]byte("}{invalid yaml{"))
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestParse_UnknownField(t *testing.T) {
	_, err := config.Parse([]byte(`unknown_field: oops`))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

// ---------------------------------------------------------------------------
// ParseFile – file I/O
// ---------------------------------------------------------------------------

func TestParseFile_MissingFile(t *testing.T) {
	_, err := config.ParseFile("/does/not/exist/worker.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestParseFile_ValidFile(t *testing.T) {
	path := writeTempFile(t, "worker.yaml", "specialty: Flood\n")

	cfg, err := config.ParseFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Specialty != "Flood" {
		t.Errorf("specialty: got %q, want Flood", cfg.Specialty)
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func TestValidate_BadCoordinatorAddr(t *testing.T) {
	_, err := config.Parse([]byte(`
coordinator:
  addr: "not-a-valid-endpoint"
`))
	assertContainsError(t, err, "coordinator.addr")
}

func TestValidate_BadDiscoveryPort(t *testing.T) {
	_, err := config.Parse([]byte(`
coordinator:
  discovery_port: 99999
`))
	assertContainsError(t, err, "coordinator.discovery_port")
}

func TestValidate_StaticAddrSkipsDiscoveryPortCheck(t *testing.T) {
	cfg, err := config.Parse([]byte(`
coordinator:
  addr: "10.0.0.5:8001"
  discovery_port: 99999
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Coordinator.Addr != "10.0.0.5:8001" {
		t.Errorf("coordinator.addr: got %q", cfg.Coordinator.Addr)
	}
}

func TestValidate_MaxDelayBelowInitial(t *testing.T) {
	_, err := config.Parse([]byte(`
coordinator:
  reconnect_delay: 1m
  reconnect_max_delay: 1s
`))
	assertContainsError(t, err, "reconnect_max_delay")
}

func TestValidate_BadDetectorEndpoint(t *testing.T) {
	_, err := config.Parse([]byte(`
detector:
  endpoint: "not a url"
`))
	assertContainsError(t, err, "detector.endpoint")
}

func TestValidate_ConfidenceOutOfRange(t *testing.T) {
	_, err := config.Parse([]byte(`
detector:
  confidence: 1.5
`))
	assertContainsError(t, err, "detector.confidence")
}

func TestValidate_BadMetricsAddress(t *testing.T) {
	_, err := config.Parse([]byte(`
metrics:
  enabled: true
  address: "no-port-here"
`))
	assertContainsError(t, err, "metrics.address")
}

func TestValidate_MetricsAddressIgnoredWhenDisabled(t *testing.T) {
	_, err := config.Parse([]byte(`
metrics:
  enabled: false
  address: "no-port-here"
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	_, err := config.Parse([]byte(`
logging:
  level: verbose
`))
	assertContainsError(t, err, "logging.level")
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &config.WorkerConfig{
		WorkerID: "",
		Coordinator: config.CoordinatorConfig{
			DiscoveryPort:     0,
			ReconnectDelay:    -time.Second,
			ReconnectMaxDelay: -time.Second,
			DialTimeout:       0,
			HeartbeatInterval: 0,
		},
		Detector: config.DetectorConfig{
			Endpoint:   "",
			Confidence: 2,
			Timeout:    0,
		},
		Logging: config.LoggingConfig{Level: "loud"},
	}

	errs := config.Validate(cfg)
	if len(errs) < 5 {
		t.Fatalf("expected at least 5 validation errors, got %d: %v", len(errs), errs)
	}
}
