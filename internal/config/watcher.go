package config

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher calls a reload function whenever a file changes. Bursts of events
// are coalesced into one call after the debounce period.
type Watcher struct {
	path     string
	reload   func() error
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewWatcher creates a watcher for path. A zero debounce uses 200ms.
func NewWatcher(path string, debounce time.Duration, reload func() error, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		reload:   reload,
		debounce: debounce,
		logger:   logger,
	}
}

// Start begins watching. It returns once the watch is registered.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.path); err != nil {
		fw.Close()
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.stopped = make(chan struct{})
	go w.loop(ctx, fw)

	w.logger.Info("watching file for changes", "path", w.path, "debounce", w.debounce)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer close(w.stopped)
	defer fw.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			// editors replace the file on save; the old inode is gone
			if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				time.Sleep(50 * time.Millisecond)
				if err := fw.Add(w.path); err != nil {
					w.logger.Warn("failed to re-add watch", "path", w.path, "op", event.Op.String(), "error", err)
				}
			}
			w.schedule()

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.reload(); err != nil {
			w.logger.Error("reload failed, keeping previous state", "path", w.path, "error", err)
			return
		}
		w.logger.Info("reloaded after file change", "path", w.path)
	})
}

// Stop ends the watch loop and cancels any pending reload.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.stopped

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}
