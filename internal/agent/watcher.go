package agent

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tether/pkg/logging"
)

const (
	// DefaultDebounceInterval is how long the watcher waits after the last
	// change before reporting it.
	DefaultDebounceInterval = 500 * time.Millisecond

	// DefaultPollInterval is the fallback polling interval when fsnotify is
	// unavailable.
	DefaultPollInterval = 30 * time.Second
)

// TokenWatcherConfig configures a TokenWatcher.
type TokenWatcherConfig struct {
	// Dir is the token directory.
	Dir string

	PollInterval time.Duration
	Debounce     time.Duration

	// OnChange is called after token files changed.
	OnChange func()
}

// TokenWatcher reports token files written by other tether processes, so
// this process can re-arm its refresh timer from the new expiry.
type TokenWatcher struct {
	mu sync.Mutex

	config    TokenWatcherConfig
	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	running   bool

	lastModTimes map[string]time.Time
	primed       bool

	debounceTimer *time.Timer
	debounceMu    sync.Mutex
}

// NewTokenWatcher creates a watcher. Start begins watching.
func NewTokenWatcher(config TokenWatcherConfig) *TokenWatcher {
	if config.PollInterval == 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Debounce == 0 {
		config.Debounce = DefaultDebounceInterval
	}
	return &TokenWatcher{
		config:       config,
		lastModTimes: make(map[string]time.Time),
	}
}

// Start begins watching. It falls back to polling when fsnotify cannot watch
// the directory.
func (w *TokenWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	w.stopCh = make(chan struct{})
	w.running = true

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn("TokenWatcher", "fsnotify not available, falling back to polling: %v", err)
		go w.pollForChanges(w.stopCh)
		return nil
	}
	if err := watcher.Add(w.config.Dir); err != nil {
		logging.Warn("TokenWatcher", "Failed to watch %s, falling back to polling: %v", w.config.Dir, err)
		watcher.Close()
		go w.pollForChanges(w.stopCh)
		return nil
	}
	w.fsWatcher = watcher

	go w.processEvents(w.stopCh, watcher.Events, watcher.Errors)

	logging.Debug("TokenWatcher", "Watching %s for token changes", w.config.Dir)
	return nil
}

func (w *TokenWatcher) processEvents(stopCh <-chan struct{}, eventsCh <-chan fsnotify.Event, errorsCh <-chan error) {
	for {
		select {
		case <-stopCh:
			return
		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			logging.Error("TokenWatcher", err, "fsnotify error")
		}
	}
}

func (w *TokenWatcher) handleEvent(event fsnotify.Event) {
	if !IsTokenFile(filepath.Base(event.Name)) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
		return
	}
	logging.Debug("TokenWatcher", "Token file changed: %s", filepath.Base(event.Name))
	w.triggerDebounced()
}

// triggerDebounced coalesces bursts, such as a temp file write plus rename.
func (w *TokenWatcher) triggerDebounced() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.config.Debounce, func() {
		w.mu.Lock()
		running := w.running
		callback := w.config.OnChange
		w.mu.Unlock()

		if running && callback != nil {
			callback()
		}
	})
}

func (w *TokenWatcher) pollForChanges(stopCh <-chan struct{}) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.checkForChanges()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if w.checkForChanges() {
				w.triggerDebounced()
			}
		}
	}
}

// checkForChanges updates the recorded modification times and reports
// whether any token file appeared, changed or vanished.
func (w *TokenWatcher) checkForChanges() bool {
	matches, _ := filepath.Glob(filepath.Join(w.config.Dir, "*"+tokenSuffix))

	w.mu.Lock()
	defer w.mu.Unlock()

	changed := false
	seen := make(map[string]bool, len(matches))
	for _, file := range matches {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		seen[file] = true
		last, exists := w.lastModTimes[file]
		if (exists && info.ModTime().After(last)) || (!exists && w.primed) {
			changed = true
		}
		w.lastModTimes[file] = info.ModTime()
	}
	for file := range w.lastModTimes {
		if !seen[file] {
			delete(w.lastModTimes, file)
			changed = true
		}
	}
	w.primed = true
	return changed
}

// Stop stops watching.
func (w *TokenWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.running = false
	close(w.stopCh)

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()

	if w.fsWatcher != nil {
		if err := w.fsWatcher.Close(); err != nil {
			logging.Warn("TokenWatcher", "Error closing fsnotify watcher: %v", err)
		}
		w.fsWatcher = nil
	}
}

// IsRunning reports whether the watcher is active.
func (w *TokenWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
