package vault

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// defaultDebounce coalesces editor write bursts into one index event.
const defaultDebounce = 400 * time.Millisecond

// Watcher watches the vault and reports note changes as identities.
// Create/write events fire onIndex, remove/rename events fire onRemove;
// the callbacks are expected to enqueue into the index queue.
type Watcher struct {
	vault    *Vault
	onIndex  func(identity string)
	onRemove func(identity string)
	debounce time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	pending  map[string]*time.Timer
	started  bool
	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher creates a watcher over the vault. Callbacks receive note
// identities, never absolute paths.
func NewWatcher(v *Vault, onIndex, onRemove func(identity string), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		vault:    v,
		onIndex:  onIndex,
		onRemove: onRemove,
		debounce: defaultDebounce,
		logger:   logger,
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
}

// Start begins watching. It returns after the watch is established; events
// are handled on a background goroutine until ctx is cancelled or Stop is
// called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher

	// Watch the root and every non-hidden subdirectory
	err = filepath.WalkDir(w.vault.Root(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != w.vault.Root() {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
	if err != nil {
		_ = watcher.Close()
		w.watcher = nil
		return err
	}

	w.started = true
	w.logger.Debug("vault watcher started", zap.String("root", w.vault.Root()))

	go w.loop(ctx)
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.watcher != nil {
			_ = w.watcher.Close()
		}
		w.mu.Unlock()
	})
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
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
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// New directories need to be added to the watch before any note
	// inside them produces events
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !strings.HasPrefix(filepath.Base(event.Name), ".") {
				_ = w.watcher.Add(event.Name)
			}
			return
		}
	}

	if !strings.HasSuffix(event.Name, NoteExtension) {
		return
	}
	identity, err := w.vault.Identity(event.Name)
	if err != nil {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		w.logger.Debug("note removed", zap.String("identity", identity))
		w.onRemove(identity)
	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		w.debounceIndex(identity)
	}
}

// debounceIndex delays the index callback so rapid write bursts for the
// same note collapse into one event.
func (w *Watcher) debounceIndex(identity string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[identity]; ok {
		timer.Stop()
	}
	w.pending[identity] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, identity)
		w.mu.Unlock()

		w.logger.Debug("note changed", zap.String("identity", identity))
		w.onIndex(identity)
	})
}
