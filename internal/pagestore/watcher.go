package pagestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// DirtyFunc receives the key of a page whose cached file changed.
type DirtyFunc func(projectID string, pageNumber int)

type Logger interface {
	Printf(format string, args ...any)
}

// Watcher observes the cache directory and reports page writes that did not
// go through this process, so they can be enqueued for sync. Writes made via
// Store.Put are reported too; callers dedup through the sync queue.
type Watcher struct {
	store   *Store
	onDirty DirtyFunc
	logger  Logger
}

func NewWatcher(store *Store, onDirty DirtyFunc, logger Logger) (*Watcher, error) {
	if store == nil || onDirty == nil {
		return nil, ErrInvalidInput
	}
	return &Watcher{store: store, onDirty: onDirty, logger: logger}, nil
}

// Run blocks until ctx is cancelled, delivering dirty callbacks for every
// page file created or written under the cache root. New project directories
// are picked up as they appear.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.store.Root()); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.store.Root())
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := fw.Add(filepath.Join(w.store.Root(), entry.Name())); err != nil {
			w.logf("watch %s: %v", entry.Name(), err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fw, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			if err != nil && !errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logf("cache watch error: %v", err)
			}
		}
	}
}

func (w *Watcher) handleEvent(fw *fsnotify.Watcher, event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
		return
	}
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := fw.Add(event.Name); err != nil {
				w.logf("watch %s: %v", event.Name, err)
			}
			return
		}
	}
	projectID, pageNumber, ok := w.parseEventPath(event.Name)
	if !ok {
		return
	}
	w.onDirty(projectID, pageNumber)
}

func (w *Watcher) parseEventPath(path string) (string, int, bool) {
	rel, err := filepath.Rel(w.store.Root(), path)
	if err != nil {
		return "", 0, false
	}
	rel = filepath.ToSlash(rel)
	parts := strings.Split(rel, "/")
	if len(parts) != 2 {
		return "", 0, false
	}
	pageNumber, ok := ParsePageFileName(parts[1])
	if !ok {
		return "", 0, false
	}
	return parts[0], pageNumber, true
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
