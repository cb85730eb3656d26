package store

import (
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the write+rename pair from an atomic save (and
// editor write bursts) into a single reload.
const reloadDebounce = 500 * time.Millisecond

// SettingsWatcher reloads the settings document when the file changes on
// disk and hands each valid result to a callback. It watches the parent
// directory rather than the file itself: SaveSettings replaces the inode,
// which would silently detach a direct watch.
type SettingsWatcher struct {
	path   string
	log    *slog.Logger
	onLoad func(Settings)

	mu       sync.Mutex
	debounce *time.Timer

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSettingsWatcher prepares a watcher for path. onLoad runs on the
// watcher goroutine; it must not block.
func NewSettingsWatcher(logger *slog.Logger, path string, onLoad func(Settings)) *SettingsWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsWatcher{
		path:   path,
		log:    logger.With(slog.String("component", "settings")),
		onLoad: onLoad,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins watching. It fails only if the directory watch cannot be
// established.
func (w *SettingsWatcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	w.started.Store(true)
	go w.run(watcher)
	return nil
}

// Stop halts the watcher and waits for the goroutine to exit. Safe to call
// more than once, and before (or instead of) a successful Start.
func (w *SettingsWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.debounce != nil {
			w.debounce.Stop()
		}
		w.mu.Unlock()
		if w.started.Load() {
			<-w.doneCh
		}
	})
}

func (w *SettingsWatcher) run(watcher *fsnotify.Watcher) {
	defer close(w.doneCh)
	defer watcher.Close()

	reload := make(chan struct{}, 1)
	signal := func() {
		select {
		case reload <- struct{}{}:
		default:
		}
	}

	for {
		select {
		case <-w.stopCh:
			return

		case <-reload:
			s, err := LoadSettings(w.path)
			if err != nil {
				w.log.Warn("settings reload failed, keeping previous", slog.Any("error", err))
				continue
			}
			w.log.Info("settings reloaded",
				slog.Float64("confidence_threshold", s.ConfidenceThreshold),
				slog.Int("analysis_interval_ms", s.AnalysisIntervalMs))
			w.onLoad(s)

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.mu.Lock()
				if w.debounce != nil {
					w.debounce.Stop()
				}
				w.debounce = time.AfterFunc(reloadDebounce, signal)
				w.mu.Unlock()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("settings watch error", slog.Any("error", err))
		}
	}
}
