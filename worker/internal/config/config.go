// Package config provides YAML configuration parsing and validation for the
// guardian worker node. Configuration is loaded from a YAML file specified
// via the --config flag and governs the worker's identity, how it finds the
// coordinator, and where its inference sidecar listens.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Coordinator
// ---------------------------------------------------------------------------

// CoordinatorConfig configures how the worker reaches the coordinator.
type CoordinatorConfig struct {
	// Addr is a static "host:port" for the coordinator's worker listener.
	// When empty the worker discovers the coordinator from its UDP beacon.
	Addr string `yaml:"addr"`
	// DiscoveryPort is the UDP port the coordinator's beacon is broadcast
	// on. Defaults to 8002.
	DiscoveryPort int `yaml:"discovery_port"`
	// ReconnectDelay is the initial backoff before the first reconnection
	// attempt (doubles on each attempt, capped at ReconnectMaxDelay).
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	// ReconnectMaxDelay is the upper bound for exponential backoff.
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
	// DialTimeout is the maximum time allowed for a single dial attempt,
	// and for the registration acknowledgement that follows it.
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// HeartbeatInterval is how often the worker reports liveness and
	// throughput stats. Defaults to 5s; the coordinator reaps workers it
	// has not heard from in 15s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// ---------------------------------------------------------------------------
// Detector
// ---------------------------------------------------------------------------

// DetectorConfig points at the local inference sidecar.
type DetectorConfig struct {
	// Endpoint is the base URL of the sidecar (e.g. "http://127.0.0.1:5001").
	Endpoint string `yaml:"endpoint"`
	// Confidence is the minimum confidence forwarded to the sidecar.
	// Defaults to 0.25; the coordinator applies its own floor on results.
	Confidence float64 `yaml:"confidence"`
	// Timeout bounds a single inference call. Defaults to 30s.
	Timeout time.Duration `yaml:"timeout"`
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// MetricsConfig controls the worker's own /metrics endpoint.
type MetricsConfig struct {
	// Enabled controls whether the endpoint is served.
	Enabled bool `yaml:"enabled"`
	// Address is the listen address in "host:port" form.
	// Defaults to "127.0.0.1:9091".
	Address string `yaml:"address"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls the worker's structured logger.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, or error.
	// Defaults to "info".
	Level string `yaml:"level"`
}

var validLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

// ---------------------------------------------------------------------------
// Worker (top-level)
// ---------------------------------------------------------------------------

// WorkerConfig is the root configuration for a guardian worker node. It is
// populated by parsing a YAML file with ParseFile.
type WorkerConfig struct {
	// WorkerID is the stable identity presented at registration. Defaults
	// to "worker-<8 hex chars>" generated per process when empty.
	WorkerID string `yaml:"worker_id"`
	// Name is a human-readable label shown on the dashboard. Defaults to
	// the system hostname.
	Name string `yaml:"name"`
	// Model names the weights the sidecar runs, e.g. "yolov8n".
	Model string `yaml:"model"`
	// Specialty routes matching hazard frames to this worker. Defaults to
	// "Generalist", which accepts any frame.
	Specialty string `yaml:"specialty"`
	// Role is reported at registration. Defaults to "sub-worker".
	Role string `yaml:"role"`

	// Coordinator holds connection and discovery settings.
	Coordinator CoordinatorConfig `yaml:"coordinator"`

	// Detector points at the local inference sidecar.
	Detector DetectorConfig `yaml:"detector"`

	// Metrics configures the worker's own /metrics endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// applyDefaults fills in omitted fields with production values. It is called
// by Parse before validation so that validation can rely on defaults being
// present.
func applyDefaults(cfg *WorkerConfig) error {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.Name == "" {
		h, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolving system hostname: %w", err)
		}
		cfg.Name = h
	}
	if cfg.Specialty == "" {
		cfg.Specialty = "Generalist"
	}
	if cfg.Role == "" {
		cfg.Role = "sub-worker"
	}

	if cfg.Coordinator.DiscoveryPort == 0 {
		cfg.Coordinator.DiscoveryPort = 8002
	}
	if cfg.Coordinator.ReconnectDelay == 0 {
		cfg.Coordinator.ReconnectDelay = 2 * time.Second
	}
	if cfg.Coordinator.ReconnectMaxDelay == 0 {
		cfg.Coordinator.ReconnectMaxDelay = 2 * time.Minute
	}
	if cfg.Coordinator.DialTimeout == 0 {
		cfg.Coordinator.DialTimeout = 10 * time.Second
	}
	if cfg.Coordinator.HeartbeatInterval == 0 {
		cfg.Coordinator.HeartbeatInterval = 5 * time.Second
	}

	if cfg.Detector.Endpoint == "" {
		cfg.Detector.Endpoint = "http://127.0.0.1:5001"
	}
	if cfg.Detector.Confidence == 0 {
		cfg.Detector.Confidence = 0.25
	}
	if cfg.Detector.Timeout == 0 {
		cfg.Detector.Timeout = 30 * time.Second
	}

	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9091"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	return nil
}

// ---------------------------------------------------------------------------
// ParseFile / Parse
// ---------------------------------------------------------------------------

// ParseFile reads the YAML file at path, applies defaults, and validates the
// resulting configuration.
func ParseFile(path string) (*WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults, and validates the
// configuration. Callers who already have the YAML in memory (e.g. tests)
// should use this function directly.
func Parse(data []byte) (*WorkerConfig, error) {
	var cfg WorkerConfig
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true) // reject unrecognised YAML keys
	// An empty document surfaces as io.EOF; defaults cover everything.
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}

	if errs := Validate(&cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid configuration:\n  - %s", strings.Join(msgs, "\n  - "))
	}

	return &cfg, nil
}

// Default returns the configuration a worker runs with when no file is
// given: discovery on the standard port, sidecar on localhost.
func Default() (*WorkerConfig, error) {
	return Parse(nil)
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

// Validate checks cfg for semantic errors and returns all of them at once so
// operators can see and fix every problem in a single run. An empty slice
// means the configuration is valid.
func Validate(cfg *WorkerConfig) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.WorkerID == "" {
		add("worker_id must not be empty")
	}

	// ── Coordinator ───────────────────────────────────────────────────────
	if cfg.Coordinator.Addr != "" {
		if _, _, err := net.SplitHostPort(cfg.Coordinator.Addr); err != nil {
			add("coordinator.addr %q is not a valid host:port address: %v",
				cfg.Coordinator.Addr, err)
		}
	} else if cfg.Coordinator.DiscoveryPort < 1 || cfg.Coordinator.DiscoveryPort > 65535 {
		add("coordinator.discovery_port %d is out of range; must be between 1 and 65535",
			cfg.Coordinator.DiscoveryPort)
	}
	if cfg.Coordinator.ReconnectDelay <= 0 {
		add("coordinator.reconnect_delay must be positive")
	}
	if cfg.Coordinator.ReconnectMaxDelay <= 0 {
		add("coordinator.reconnect_max_delay must be positive")
	}
	if cfg.Coordinator.ReconnectMaxDelay < cfg.Coordinator.ReconnectDelay {
		add("coordinator.reconnect_max_delay (%v) must be >= reconnect_delay (%v)",
			cfg.Coordinator.ReconnectMaxDelay, cfg.Coordinator.ReconnectDelay)
	}
	if cfg.Coordinator.DialTimeout <= 0 {
		add("coordinator.dial_timeout must be positive")
	}
	if cfg.Coordinator.HeartbeatInterval <= 0 {
		add("coordinator.heartbeat_interval must be positive")
	}

	// ── Detector ──────────────────────────────────────────────────────────
	if cfg.Detector.Endpoint == "" {
		add("detector.endpoint must not be empty")
	} else if u, err := url.Parse(cfg.Detector.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		add("detector.endpoint %q is not a valid URL", cfg.Detector.Endpoint)
	}
	if cfg.Detector.Confidence < 0 || cfg.Detector.Confidence > 1 {
		add("detector.confidence %v is out of range; must be within [0, 1]", cfg.Detector.Confidence)
	}
	if cfg.Detector.Timeout <= 0 {
		add("detector.timeout must be positive")
	}

	// ── Metrics ───────────────────────────────────────────────────────────
	if cfg.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Address); err != nil {
			add("metrics.address %q is not a valid host:port address: %v",
				cfg.Metrics.Address, err)
		}
	}

	// ── Logging ───────────────────────────────────────────────────────────
	if _, ok := validLogLevels[cfg.Logging.Level]; !ok {
		add("logging.level %q is invalid; must be one of debug, info, warn, error",
			cfg.Logging.Level)
	}

	return errs
}
