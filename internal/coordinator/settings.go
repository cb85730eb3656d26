package coordinator

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/evacnet/guardian/internal/store"
)

// visionControls is the slice of the vision pipeline the settings document
// drives. *vision.Pipeline implements it.
type visionControls interface {
	SetConfidenceThreshold(float64)
	SetAnalysisInterval(time.Duration)
	SetHazardClasses([]string)
}

// settingsManager owns the runtime settings document: the current value, its
// JSON file under the data directory, and live application to the vision
// pipeline. It satisfies the REST server's Settings interface, and its
// applyLoaded method is the callback for the fsnotify watcher, so an edit on
// disk and a POST /api/settings take the same path.
type settingsManager struct {
	log    *slog.Logger
	path   string
	vision visionControls

	mu  sync.RWMutex
	cur store.Settings
}

// newSettingsManager loads the document at path (defaults when absent or
// corrupt), materialises the file so operators always have one to edit, and
// applies the loaded values to the pipeline.
func newSettingsManager(logger *slog.Logger, path string, vision visionControls) *settingsManager {
	m := &settingsManager{
		log:    logger.With(slog.String("component", "settings")),
		path:   path,
		vision: vision,
	}

	s, err := store.LoadSettings(path)
	if err != nil {
		m.log.Warn("settings unreadable, using defaults", slog.Any("error", err))
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		if saveErr := store.SaveSettings(path, s); saveErr != nil {
			m.log.Warn("settings write failed", slog.Any("error", saveErr))
		}
	}

	m.cur = s
	m.apply(s)
	return m
}

// CurrentSettings returns a copy of the active document.
func (m *settingsManager) CurrentSettings() store.Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copySettings(m.cur)
}

// UpdateSettings merges the partial JSON document over the active one,
// persists the result, and applies it to the pipeline. The active document
// is unchanged when the partial fails to parse, fails validation, or cannot
// be persisted.
func (m *settingsManager) UpdateSettings(partial []byte) (store.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged, err := store.MergeSettings(m.cur, partial)
	if err != nil {
		return copySettings(m.cur), err
	}
	if err := store.SaveSettings(m.path, merged); err != nil {
		return copySettings(m.cur), err
	}

	m.cur = merged
	m.apply(merged)
	m.log.Info("settings updated",
		slog.Float64("confidence_threshold", merged.ConfidenceThreshold),
		slog.Int("analysis_interval_ms", merged.AnalysisIntervalMs),
		slog.String("alert_mode", merged.AlertMode),
	)
	return copySettings(merged), nil
}

// applyLoaded adopts a document the settings watcher read from disk. The
// watcher only delivers documents that passed validation. A save through
// UpdateSettings also lands here when the watcher sees its own write; the
// second apply is idempotent.
func (m *settingsManager) applyLoaded(s store.Settings) {
	m.mu.Lock()
	m.cur = s
	m.mu.Unlock()
	m.apply(s)
}

// apply pushes the document's values into the vision pipeline.
func (m *settingsManager) apply(s store.Settings) {
	if m.vision == nil {
		return
	}
	m.vision.SetConfidenceThreshold(s.ConfidenceThreshold)
	m.vision.SetAnalysisInterval(time.Duration(s.AnalysisIntervalMs) * time.Millisecond)
	m.vision.SetHazardClasses(s.HazardClasses)
}

// copySettings detaches the hazard-class slice so callers cannot alias the
// manager's copy.
func copySettings(s store.Settings) store.Settings {
	out := s
	out.HazardClasses = make([]string, len(s.HazardClasses))
	copy(out.HazardClasses, s.HazardClasses)
	return out
}
