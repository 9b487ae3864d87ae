package workflow

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"steward/internal/logging"
)

// SeedWatcher watches the workflow seed directory and registers new
// definitions dropped in at runtime, so an operator can teach the agent a
// workflow without restarting it. Existing workflow ids are never overridden.
type SeedWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	registry    *Registry
	seedDir     string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewSeedWatcher creates a watcher over the given seed directory.
func NewSeedWatcher(registry *Registry, seedDir string) (*SeedWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &SeedWatcher{
		watcher:     watcher,
		registry:    registry,
		seedDir:     seedDir,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond, // Debounce rapid saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; events are handled in a goroutine.
func (w *SeedWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.seedDir); err != nil {
		// Directory may not exist yet; the watcher is still usable if it
		// gets created and re-added later.
		logging.Get(logging.CategoryRegistry).Warn("SeedWatcher: initial watch failed: %v", err)
	} else {
		logging.Registry("SeedWatcher: watching %s", w.seedDir)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *SeedWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	w.watcher.Close()
}

func (w *SeedWatcher) run(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			ext := strings.ToLower(filepath.Ext(event.Name))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			if !w.debounce(event.Name) {
				continue
			}
			w.handleSeedFile(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryRegistry).Warn("SeedWatcher error: %v", err)
		}
	}
}

// debounce suppresses duplicate events for the same path within the window.
func (w *SeedWatcher) debounce(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if last, ok := w.debounceMap[path]; ok && now.Sub(last) < w.debounceDur {
		return false
	}
	w.debounceMap[path] = now
	return true
}

func (w *SeedWatcher) handleSeedFile(path string) {
	defs, err := LoadSeedFile(path)
	if err != nil {
		logging.Get(logging.CategoryRegistry).Warn("SeedWatcher: ignoring %s: %v", path, err)
		return
	}
	for _, d := range defs {
		if _, exists := w.registry.Latest(d.ID); exists {
			logging.RegistryDebug("SeedWatcher: workflow %s already registered, skipping", d.ID)
			continue
		}
		if _, err := w.registry.Register(d); err != nil {
			logging.Get(logging.CategoryRegistry).Warn("SeedWatcher: failed to register %s: %v", d.ID, err)
			continue
		}
		logging.Registry("SeedWatcher: hot-registered workflow %s from %s", d.ID, filepath.Base(path))
	}
}
