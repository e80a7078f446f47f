package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultWatchDelay coalesces the burst of events an editor save produces.
const DefaultWatchDelay = 300 * time.Millisecond

// Watcher reports changes to a set of files and directory trees.
//
// Files are watched through their parent directory so editors that replace
// a file on save keep being tracked. Directories are watched recursively and
// only report names accepted by match.
type Watcher struct {
	fsw       *fsnotify.Watcher
	files     map[string]bool
	recursive map[string]bool
	match     func(name string) bool
	delay     time.Duration
	logger    zerolog.Logger
}

// NewWatcher watches paths. A nil match accepts every file in watched
// directories.
func NewWatcher(paths []string, match func(name string) bool, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if match == nil {
		match = func(string) bool { return true }
	}

	w := &Watcher{
		fsw:       fsw,
		files:     make(map[string]bool),
		recursive: make(map[string]bool),
		match:     match,
		delay:     DefaultWatchDelay,
		logger:    logger.With().Str("component", "watcher").Logger(),
	}

	for _, p := range paths {
		if err := w.add(p); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// WithDelay sets the quiet period before changes are reported.
func (w *Watcher) WithDelay(d time.Duration) *Watcher {
	w.delay = d
	return w
}

func (w *Watcher) add(path string) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat path: %w", err)
	}

	if !info.IsDir() {
		w.files[path] = true
		return w.fsw.Add(filepath.Dir(path))
	}
	return w.addTree(path)
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		w.recursive[path] = true
		return w.fsw.Add(path)
	})
}

func (w *Watcher) accept(name string) bool {
	return w.files[name] || (w.recursive[filepath.Dir(name)] && w.match(name))
}

// Run delivers sorted batches of changed paths to fn until ctx is done.
// fn runs on the calling goroutine.
func (w *Watcher) Run(ctx context.Context, fn func(changed []string)) error {
	defer w.fsw.Close()

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending = make(map[string]bool)
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			if event.Has(fsnotify.Create) && w.recursive[filepath.Dir(event.Name)] {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
					continue
				}
			}
			if !w.accept(event.Name) {
				continue
			}

			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("File changed")
			pending[event.Name] = true
			if timer == nil {
				timer = time.NewTimer(w.delay)
			} else {
				timer.Reset(w.delay)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			changed := make([]string, 0, len(pending))
			for name := range pending {
				changed = append(changed, name)
			}
			sort.Strings(changed)
			clear(pending)
			fn(changed)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
