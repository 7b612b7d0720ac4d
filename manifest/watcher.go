package manifest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeCallback is invoked when a watched manifest reparses cleanly.
type ChangeCallback func(old, new *Manifest)

// Watcher watches a manifest file and reloads it on change, so hosts
// can respawn processes against an updated description. Parse failures
// keep the previous manifest.
type Watcher struct {
	path   string
	logger *zap.Logger

	manifest   *Manifest
	manifestMu sync.RWMutex

	callbacks   []ChangeCallback
	callbacksMu sync.RWMutex

	fsWatcher *fsnotify.Watcher
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewWatcher loads the manifest at path and prepares a watcher over it.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("manifest: creating fs watcher: %w", err)
	}

	m, err := LoadFile(path)
	if err != nil {
		fsWatcher.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		path:      path,
		logger:    logger.Named("manifest"),
		manifest:  m,
		fsWatcher: fsWatcher,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start begins watching the manifest file.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(w.path); err != nil {
		return fmt.Errorf("manifest: watching %s: %w", w.path, err)
	}
	w.wg.Add(1)
	go w.watchLoop()
	return nil
}

// Stop stops watching and waits for the loop to exit.
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

// Manifest returns the current manifest.
func (w *Watcher) Manifest() *Manifest {
	w.manifestMu.RLock()
	defer w.manifestMu.RUnlock()
	return w.manifest
}

// OnChange registers a callback fired after each successful reload.
func (w *Watcher) OnChange(cb ChangeCallback) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	// Editors often produce bursts of write events; debounce them.
	var pending *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(100*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			w.reload()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fs watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	m, err := LoadFile(w.path)
	if err != nil {
		w.logger.Warn("manifest reload failed, keeping previous", zap.Error(err))
		return
	}

	w.manifestMu.Lock()
	old := w.manifest
	w.manifest = m
	w.manifestMu.Unlock()

	w.callbacksMu.RLock()
	callbacks := append([]ChangeCallback(nil), w.callbacks...)
	w.callbacksMu.RUnlock()
	for _, cb := range callbacks {
		cb(old, m)
	}
	w.logger.Info("manifest reloaded", zap.String("path", w.path))
}
