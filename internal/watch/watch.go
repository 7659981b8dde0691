// Package watch re-runs the pipeline when Python sources change.
//
// fsnotify watches are not recursive, so every directory under the target
// root is registered individually and new directories are added as they
// appear. Events are debounced: a change batch is emitted only after the
// tree has been quiet for the configured window.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codemend/internal/logging"
)

// ErrWatcherFailed indicates the filesystem watcher could not be created.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

const defaultDebounce = 2 * time.Second

// Config controls watch behavior.
type Config struct {
	// Debounce is the quiet period after the last event before a change
	// batch is emitted.
	Debounce time.Duration

	// IgnoreDirs are directory names skipped while watching, in addition
	// to hidden directories and __pycache__. The sandbox backup dir goes
	// here so restored backups never trigger a re-run.
	IgnoreDirs []string
}

// Change is one debounced batch of modified Python files.
type Change struct {
	// Paths are the changed files, relative to the watch root, sorted.
	Paths []string

	// Time is when the batch was emitted.
	Time time.Time
}

// Watcher emits change batches for a target tree.
type Watcher struct {
	root       string
	ignoreDirs []string
	debounce   time.Duration
	watcher    *fsnotify.Watcher
	logger     *logging.Logger
	metrics    *Metrics

	changes  chan Change
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a watcher for the Python tree rooted at root.
func New(root string, cfg Config, logger *logging.Logger) (*Watcher, error) {
	if root == "" {
		return nil, errors.New("watch root is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", root)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	return &Watcher{
		root:       root,
		ignoreDirs: cfg.IgnoreDirs,
		debounce:   debounce,
		watcher:    fsw,
		logger:     logger.Named("watch"),
		metrics:    NewMetrics(),
		changes:    make(chan Change, 1),
		stop:       make(chan struct{}),
	}, nil
}

// Start registers the tree and begins watching in the background. Change
// batches arrive on Changes() until Stop or ctx cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addTree(w.root); err != nil {
		return err
	}

	w.logger.Info(ctx, "watching for changes",
		zap.String("root", w.root),
		zap.Duration("debounce", w.debounce),
	)
	go w.loop(ctx)
	return nil
}

// Changes returns the channel carrying debounced change batches.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Stop halts watching and closes the underlying watcher. Safe to call
// more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
}

// addTree registers dir and every non-ignored directory beneath it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.ignored(path) {
			return fs.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := make(map[string]struct{})

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.handleEvent(ctx, event, pending) {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "watch error", zap.Error(err))

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)

			select {
			case w.changes <- Change{Paths: paths, Time: time.Now()}:
				w.metrics.RecordBatch(len(paths))
				w.logger.Info(ctx, "change batch emitted", zap.Strings("files", paths))
				pending = make(map[string]struct{})
			default:
				// Consumer is still busy with the previous batch; hold the
				// pending set and retry after another quiet period.
				timer.Reset(w.debounce)
			}
		}
	}
}

// handleEvent records relevant events into pending and reports whether the
// debounce window should restart.
func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event, pending map[string]struct{}) bool {
	if w.ignored(event.Name) {
		return false
	}

	// New directories must be registered with the non-recursive watcher.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn(ctx, "failed to watch new directory",
					zap.String("dir", event.Name), zap.Error(err))
			}
			return false
		}
	}

	if filepath.Ext(event.Name) != ".py" {
		return false
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}

	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		rel = event.Name
	}
	pending[rel] = struct{}{}
	w.metrics.RecordEvent(event.Op.String())
	return true
}

// ignored reports whether path sits under a hidden directory, __pycache__,
// or one of the configured ignore dirs.
func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." || part == "" {
			continue
		}
		if strings.HasPrefix(part, ".") || part == "__pycache__" {
			return true
		}
		for _, dir := range w.ignoreDirs {
			if part == dir {
				return true
			}
		}
	}
	return false
}
