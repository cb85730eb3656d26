// Package config provides YAML configuration loading and validation for the
// guardian coordinator.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the coordinator.
type Config struct {
	// HTTPAddr is the listen address for the REST API and the telemetry
	// WebSocket (e.g. "0.0.0.0:8000"). Defaults to ":8000" when omitted.
	HTTPAddr string `yaml:"http_addr"`

	// DataDir is the directory holding the SQLite database, the runtime
	// settings document, and the incident audit trail. Defaults to "./data"
	// when omitted.
	DataDir string `yaml:"data_dir"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// Serial configures the microcontroller link.
	Serial SerialConfig `yaml:"serial"`

	// Fleet configures worker discovery and registration.
	Fleet FleetConfig `yaml:"fleet"`

	// Storage selects the persistence backend.
	Storage StorageConfig `yaml:"storage"`

	// Inference points at the local detection sidecar.
	Inference InferenceConfig `yaml:"inference"`

	// Cameras lists MJPEG sources to register at boot. Cameras can also be
	// added at runtime through POST /api/cameras/register.
	Cameras []CameraConfig `yaml:"cameras"`
}

// SerialConfig holds the sensor-board link settings.
type SerialConfig struct {
	// Port is the serial device path (e.g. "/dev/ttyUSB0"). When empty the
	// port is auto-detected by USB descriptor.
	Port string `yaml:"port"`
}

// FleetConfig holds the worker-fleet listener settings.
type FleetConfig struct {
	// TCPPort is the framed-TCP registration port workers connect to.
	// Defaults to 8001 when omitted.
	TCPPort int `yaml:"tcp_port"`

	// DiscoveryPort is the UDP port the server announcement is broadcast
	// to. Defaults to 8002 when omitted.
	DiscoveryPort int `yaml:"discovery_port"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// DSN is a Postgres connection string. When empty, detections and
	// contacts are stored in SQLite at <data_dir>/guardian.db.
	DSN string `yaml:"dsn"`
}

// InferenceConfig holds the local detector sidecar settings.
type InferenceConfig struct {
	// Endpoint is the base URL of the inference sidecar (e.g.
	// "http://127.0.0.1:5001"). Defaults to that address when omitted.
	Endpoint string `yaml:"endpoint"`
}

// CameraConfig is one boot-time camera registration.
type CameraConfig struct {
	// ID is the device identifier shown on the dashboard (e.g.
	// "esp32_cam_0"). Required.
	ID string `yaml:"id"`

	// URL is the MJPEG stream source (e.g. "http://10.0.0.7:81/stream").
	// Required.
	URL string `yaml:"url"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing the first validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// DatabasePath returns the SQLite file location under DataDir. Ignored when
// Storage.DSN selects Postgres.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "guardian.db")
}

// SettingsPath returns the runtime settings document location under DataDir.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.DataDir, "config.json")
}

// AuditPath returns the incident audit trail location under DataDir.
func (c *Config) AuditPath() string {
	return filepath.Join(c.DataDir, "incident.log")
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8000"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Fleet.TCPPort == 0 {
		cfg.Fleet.TCPPort = 8001
	}
	if cfg.Fleet.DiscoveryPort == 0 {
		cfg.Fleet.DiscoveryPort = 8002
	}
	if cfg.Inference.Endpoint == "" {
		cfg.Inference.Endpoint = "http://127.0.0.1:5001"
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Fleet.TCPPort < 1 || cfg.Fleet.TCPPort > 65535 {
		errs = append(errs, fmt.Errorf("fleet.tcp_port %d must be in 1-65535", cfg.Fleet.TCPPort))
	}
	if cfg.Fleet.DiscoveryPort < 1 || cfg.Fleet.DiscoveryPort > 65535 {
		errs = append(errs, fmt.Errorf("fleet.discovery_port %d must be in 1-65535", cfg.Fleet.DiscoveryPort))
	}
	if cfg.Fleet.TCPPort == cfg.Fleet.DiscoveryPort {
		errs = append(errs, fmt.Errorf("fleet.tcp_port and fleet.discovery_port are both %d", cfg.Fleet.TCPPort))
	}

	seen := map[string]bool{}
	for i, cam := range cfg.Cameras {
		prefix := fmt.Sprintf("cameras[%d]", i)
		if cam.ID == "" {
			errs = append(errs, fmt.Errorf("%s: id is required", prefix))
		}
		if cam.URL == "" {
			errs = append(errs, fmt.Errorf("%s: url is required", prefix))
		}
		if cam.ID != "" && seen[cam.ID] {
			errs = append(errs, fmt.Errorf("%s: duplicate camera id %q", prefix, cam.ID))
		}
		seen[cam.ID] = true
	}

	return errors.Join(errs...)
}
