package plugins

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates registry categories when manifest files change, so
// edits to the plugins directory take effect without a restart.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// Watch starts watching the registry's category directories. Directories that
// do not exist yet are skipped; create them before starting the watcher if
// live reload is needed for a category.
func Watch(registry *Registry, logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create plugin watcher: %w", err)
	}

	for _, category := range []string{
		CategoryProviders, CategoryTools, CategoryMCP, CategoryVector,
		CategoryEmbedding, CategoryRoutes, CategoryCompats,
	} {
		dir := filepath.Join(registry.dir, category)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := fsWatcher.Add(dir); err != nil {
			logger.Warn("failed to watch plugin category", "category", category, "error", err)
		}
	}

	w := &Watcher{registry: registry, watcher: fsWatcher, done: make(chan struct{})}
	go w.loop(logger)
	return w, nil
}

func (w *Watcher) loop(logger *slog.Logger) {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			category := filepath.Base(filepath.Dir(event.Name))
			w.registry.Invalidate(category)
			logger.Info("plugin manifests invalidated", "category", category, "file", filepath.Base(event.Name))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("plugin watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
