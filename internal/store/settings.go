package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/evacnet/guardian/internal/state"
)

// Settings is the operator-tunable configuration document. It lives in a
// JSON file next to the database so the dashboard can read and write it
// without a schema migration.
type Settings struct {
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	AlertMode           string   `json:"alert_mode"`
	AnalysisIntervalMs  int      `json:"analysis_interval_ms"`
	HazardClasses       []string `json:"hazard_classes"`
}

// DefaultSettings returns the document used when the file is missing or
// unreadable.
func DefaultSettings() Settings {
	classes := make([]string, len(state.HazardClasses))
	copy(classes, state.HazardClasses)
	return Settings{
		ConfidenceThreshold: 0.4,
		AlertMode:           "Visual",
		AnalysisIntervalMs:  1000,
		HazardClasses:       classes,
	}
}

// Validate rejects values the vision pipeline cannot run with.
func (s Settings) Validate() error {
	var errs []error
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("confidence_threshold %v outside [0,1]", s.ConfidenceThreshold))
	}
	if s.AnalysisIntervalMs < 0 {
		errs = append(errs, fmt.Errorf("analysis_interval_ms %d is negative", s.AnalysisIntervalMs))
	}
	return errors.Join(errs...)
}

// LoadSettings reads the document at path. A missing file yields the
// defaults (and is not an error); a corrupt or invalid file yields the
// defaults alongside the parse error so the caller can log it.
func LoadSettings(path string) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return DefaultSettings(), fmt.Errorf("store: read settings: %w", err)
	}

	s := DefaultSettings()
	if err := json.Unmarshal(raw, &s); err != nil {
		return DefaultSettings(), fmt.Errorf("store: parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return DefaultSettings(), fmt.Errorf("store: invalid settings: %w", err)
	}
	return s, nil
}

// SaveSettings writes s to path atomically (temp file + rename), so a
// concurrent reader never observes a torn document.
func SaveSettings(path string, s Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("store: refuse to save settings: %w", err)
	}
	raw, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return fmt.Errorf("store: encode settings: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("store: create temp settings: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: write temp settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: close temp settings: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: replace settings: %w", err)
	}
	return nil
}

// MergeSettings applies the fields present in raw (a partial JSON document)
// over base. Unknown keys are ignored, matching how the dashboard posts
// only the fields the operator changed.
func MergeSettings(base Settings, raw []byte) (Settings, error) {
	merged := base
	if err := json.Unmarshal(raw, &merged); err != nil {
		return base, fmt.Errorf("store: parse settings update: %w", err)
	}
	if err := merged.Validate(); err != nil {
		return base, fmt.Errorf("store: invalid settings update: %w", err)
	}
	return merged, nil
}
