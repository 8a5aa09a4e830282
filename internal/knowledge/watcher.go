package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"qcselect/internal/logging"
)

// Watcher watches the fact file directory for edits made outside the process
// and re-activates or deactivates the affected units.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	store       *Store
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	closeOnce   sync.Once

	stats WatcherStats
}

// WatcherStats tracks watcher activity.
type WatcherStats struct {
	FilesCreated  int
	FilesModified int
	FilesDeleted  int
	Activations   int
	Deactivations int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
	LastEventType string
}

// NewWatcher creates a watcher over the store's base directory.
// debounce <= 0 selects 500ms.
func NewWatcher(store *Store, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond // Debounce rapid saves
	}

	return &Watcher{
		watcher:     fw,
		store:       store,
		debounceMap: make(map[string]time.Time),
		debounceDur: debounce,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. It is non-blocking; events are handled in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil // Already running
	}
	w.running = true
	w.mu.Unlock()

	dir := w.store.BaseDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		w.setRunning(false)
		return err
	}
	if err := w.watcher.Add(dir); err != nil {
		w.setRunning(false)
		return err
	}
	logging.Watcher("watching directory: %s", dir)

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()

	if wasRunning {
		close(w.stopCh)
		<-w.doneCh
	}

	w.closeOnce.Do(func() {
		if err := w.watcher.Close(); err != nil {
			logging.Get(logging.CategoryWatcher).Error("error closing watcher: %v", err)
		}
	})
	logging.Watcher("stopped")
}

func (w *Watcher) setRunning(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = v
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.debounceDur / 5
	if tick < time.Millisecond {
		tick = time.Millisecond
	}
	debounceTicker := time.NewTicker(tick)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.WatcherDebug("context cancelled")
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWatcher).Error("watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-debounceTicker.C:
			w.processDebouncedEvents()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	base := filepath.Base(event.Name)
	if !strings.HasSuffix(base, FileExt) || strings.HasPrefix(base, ".") {
		return
	}

	var eventType string
	switch {
	case event.Op&fsnotify.Create != 0:
		eventType = "create"
	case event.Op&fsnotify.Write != 0:
		eventType = "modify"
	case event.Op&fsnotify.Remove != 0:
		eventType = "delete"
	case event.Op&fsnotify.Rename != 0:
		eventType = "rename"
	default:
		return // Ignore chmod, etc.
	}

	logging.WatcherDebug("%s event for %s", eventType, event.Name)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = event.Name
	w.stats.LastEventType = eventType

	switch eventType {
	case "create":
		w.stats.FilesCreated++
	case "modify":
		w.stats.FilesModified++
	case "delete", "rename":
		w.stats.FilesDeleted++
	}
	w.debounceMap[event.Name] = time.Now()
}

func (w *Watcher) processDebouncedEvents() {
	w.mu.Lock()
	now := time.Now()
	var toProcess []string
	for path, eventTime := range w.debounceMap {
		if now.Sub(eventTime) >= w.debounceDur {
			toProcess = append(toProcess, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range toProcess {
		w.sync(path)
	}
}

// sync reconciles one settled path: present files are activated, missing
// files are deactivated.
func (w *Watcher) sync(path string) {
	id := strings.TrimSuffix(filepath.Base(path), FileExt)
	if ValidateFileID(id) != nil {
		return
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		removed, err := w.store.Deactivate(id)
		w.mu.Lock()
		defer w.mu.Unlock()
		if err != nil {
			logging.Get(logging.CategoryWatcher).Error("failed to deactivate %s: %v", id, err)
			w.stats.Errors++
			return
		}
		if removed {
			w.stats.Deactivations++
			logging.Watcher("deactivated %s", id)
		}
		return
	}

	err := w.store.Activate(id)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		logging.Get(logging.CategoryWatcher).Warn("failed to activate %s: %v", id, err)
		w.stats.Errors++
		return
	}
	w.stats.Activations++
	logging.Watcher("activated %s", id)
}

// GetStats returns the current watcher statistics.
func (w *Watcher) GetStats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// IsWatching returns true if the watcher is currently running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}
