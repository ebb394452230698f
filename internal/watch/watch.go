// Package watch restarts programs when files under their watch paths change.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultIgnore is always applied in addition to configured patterns.
var DefaultIgnore = []string{".git", "*.swp", "*~"}

// Config selects what to watch.
type Config struct {
	Paths    []string
	Ignore   []string
	Debounce time.Duration
}

// Watcher reports batches of changed paths after a quiet period.
type Watcher struct {
	cfg    Config
	w      *fsnotify.Watcher
	log    *slog.Logger
	ignore []string
}

// New creates the underlying fsnotify watcher and registers every directory
// below cfg.Paths that is not ignored.
func New(cfg Config, log *slog.Logger) (*Watcher, error) {
	if len(cfg.Paths) == 0 {
		return nil, fmt.Errorf("watch: no paths")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	w := &Watcher{cfg: cfg, w: fw, log: log, ignore: append(append([]string{}, DefaultIgnore...), cfg.Ignore...)}
	for _, p := range cfg.Paths {
		if err := w.addTree(p); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	fi, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}
	if !fi.IsDir() {
		return w.w.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.Ignored(path) {
			return filepath.SkipDir
		}
		if err := w.w.Add(path); err != nil {
			return fmt.Errorf("failed to watch dir %s: %w", path, err)
		}
		return nil
	})
}

// Ignored reports whether path matches an ignore pattern. Patterns are
// matched against the base name and against every trailing sub-path.
func (w *Watcher) Ignored(path string) bool {
	return matchAny(w.ignore, path)
}

func matchAny(patterns []string, path string) bool {
	clean := filepath.ToSlash(filepath.Clean(path))
	parts := strings.Split(clean, "/")
	for _, pat := range patterns {
		pat = filepath.ToSlash(pat)
		for i := range parts {
			if ok, _ := filepath.Match(pat, strings.Join(parts[i:], "/")); ok {
				return true
			}
			if ok, _ := filepath.Match(pat, parts[i]); ok {
				return true
			}
		}
	}
	return false
}

// Run delivers debounced batches to onChange until ctx is done. The watcher
// is closed when Run returns.
func (w *Watcher) Run(ctx context.Context, onChange func(paths []string)) {
	defer func() { _ = w.w.Close() }()

	pending := map[string]struct{}{}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "error", err)

		case evt, ok := <-w.w.Events:
			if !ok {
				return
			}
			if evt.Op == fsnotify.Chmod || w.Ignored(evt.Name) {
				continue
			}
			if evt.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(evt.Name); err == nil && fi.IsDir() {
					_ = w.addTree(evt.Name)
				}
			}
			pending[evt.Name] = struct{}{}
			timer.Reset(w.cfg.Debounce)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			pending = map[string]struct{}{}
			onChange(paths)
		}
	}
}
