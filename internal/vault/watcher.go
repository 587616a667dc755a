package vault

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Event is a local change notification: something under the sync
// directory was created, written, removed, or renamed. The engine only
// needs to know that quiescence was broken, so events carry just the
// normalized relative path.
type Event struct {
	Path string
}

// Watcher monitors the sync directory for changes and delivers one
// Event per filesystem notification on its channel. Debouncing is the
// scheduler's job; the watcher stays dumb.
type Watcher struct {
	vault   *Vault
	ignorer *Ignorer
	logger  *slog.Logger
	events  chan Event
	watcher *fsnotify.Watcher
}

// NewWatcher creates a file watcher for the given vault. Paths excluded
// by the ignorer never produce events.
func NewWatcher(v *Vault, ig *Ignorer, logger *slog.Logger) *Watcher {
	return &Watcher{
		vault:   v,
		ignorer: ig,
		logger:  logger,
		events:  make(chan Event, 64),
	}
}

// Events returns the channel change notifications are delivered on.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Watch starts watching the sync directory recursively. It blocks until
// the context is cancelled, closing the events channel on exit.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	defer watcher.Close()
	defer close(w.events)

	dir := w.vault.Dir()
	if err := w.addRecursive(dir); err != nil {
		return fmt.Errorf("watching sync dir: %w", err)
	}

	w.logger.Info("file watcher started", slog.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			relPath, err := filepath.Rel(dir, event.Name)
			if err != nil {
				continue
			}

			relPath = NormalizePath(relPath)
			if w.ignorer.Excluded(relPath) {
				continue
			}

			// New directories must be added to the watch set before their
			// contents start changing. Lstat so a symlinked directory is
			// never followed outside the sync dir.
			if event.Has(fsnotify.Create) {
				info, err := os.Lstat(event.Name)
				if err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
					_ = w.addRecursive(event.Name)
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				_ = watcher.Remove(event.Name)
			}

			select {
			case w.events <- Event{Path: relPath}:
			default:
				// The scheduler only needs one pending event to arm its
				// debounce timer; dropping extras under burst load is fine.
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		relPath, rerr := filepath.Rel(w.vault.Dir(), path)
		if rerr == nil && relPath != "." && w.ignorer.Excluded(NormalizePath(relPath)) {
			return filepath.SkipDir
		}

		if d.Type()&os.ModeSymlink != 0 {
			return filepath.SkipDir
		}

		return w.watcher.Add(path)
	})
}
