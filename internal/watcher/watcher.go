package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// ErrAlreadyWatched is returned when a run is watched twice.
var ErrAlreadyWatched = errors.New("run already watched")

// excludedDirs are never descended into and changes inside them are ignored.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// UpdateCallback is called once a burst of changes has settled, with the
// number of distinct files the run has touched so far.
type UpdateCallback func(runID string, changedCount int)

// Watcher records which files change in a run's working directory while the
// run is active.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*runWatcher // runID → watcher
	callback UpdateCallback
	logger   *slog.Logger
	debounce time.Duration
}

type runWatcher struct {
	runID     string
	workDir   string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}

	mu        sync.Mutex
	changed   map[string]struct{}
	lastCount int
}

// New creates a file system watcher. callback may be nil.
func New(callback UpdateCallback, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		watchers: make(map[string]*runWatcher),
		callback: callback,
		logger:   logger,
		debounce: debounceInterval,
	}
}

// Watch starts recording changes below workDir for a run.
func (w *Watcher) Watch(runID, workDir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.watchers[runID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyWatched, runID)
	}

	info, err := os.Stat(workDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory: %s", workDir)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	rw := &runWatcher{
		runID:     runID,
		workDir:   workDir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		done:      make(chan struct{}),
		changed:   make(map[string]struct{}),
	}

	if err := addDirsRecursive(fsW, workDir); err != nil {
		fsW.Close()
		return err
	}

	w.watchers[runID] = rw
	go w.watchLoop(rw)
	return nil
}

// Unwatch stops watching a run's directory and returns the changed paths,
// relative to the working directory and sorted.
func (w *Watcher) Unwatch(runID string) []string {
	w.mu.Lock()
	rw, ok := w.watchers[runID]
	if ok {
		delete(w.watchers, runID)
	}
	w.mu.Unlock()

	if !ok {
		return nil
	}

	close(rw.cancel)
	rw.fsWatcher.Close()
	<-rw.done
	return rw.changedFiles()
}

// Changed returns the paths changed so far for a run that is still watched.
func (w *Watcher) Changed(runID string) []string {
	w.mu.RLock()
	rw, ok := w.watchers[runID]
	w.mu.RUnlock()
	if !ok {
		return nil
	}
	return rw.changedFiles()
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(rw *runWatcher) {
	defer close(rw.done)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-rw.cancel:
			return

		case event, ok := <-rw.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.record(rw, event) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.notify(rw)
			})

		case err, ok := <-rw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "run", rw.runID, "error", err)
		}
	}
}

// record adds the event's path to the changed set and reports whether it was
// relevant.
func (w *Watcher) record(rw *runWatcher, event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}

	rel, err := filepath.Rel(rw.workDir, event.Name)
	if err != nil || !tracked(rel) {
		return false
	}

	// A new directory is watched too. Files created in it before the watch
	// was added are picked up by walking it once.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := addDirsRecursive(rw.fsWatcher, event.Name); err != nil {
				w.logger.Debug("watch new directory", "run", rw.runID, "dir", rel, "error", err)
			}
			rw.addExisting(event.Name)
			return true
		}
	}

	rw.mu.Lock()
	rw.changed[filepath.ToSlash(rel)] = struct{}{}
	rw.mu.Unlock()
	return true
}

// notify reports the changed count if it moved since the last report.
func (w *Watcher) notify(rw *runWatcher) {
	select {
	case <-rw.cancel:
		return
	default:
	}

	rw.mu.Lock()
	count := len(rw.changed)
	moved := count != rw.lastCount
	rw.lastCount = count
	rw.mu.Unlock()

	if moved && w.callback != nil {
		w.callback(rw.runID, count)
	}
}

func (rw *runWatcher) addExisting(dir string) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths.
		}
		rel, err := filepath.Rel(rw.workDir, path)
		if err != nil || !tracked(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			rw.mu.Lock()
			rw.changed[filepath.ToSlash(rel)] = struct{}{}
			rw.mu.Unlock()
		}
		return nil
	})
}

func (rw *runWatcher) changedFiles() []string {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	files := make([]string, 0, len(rw.changed))
	for path := range rw.changed {
		files = append(files, path)
	}
	slices.Sort(files)
	return files
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}

// tracked reports whether a path relative to the working directory is outside
// every excluded or hidden directory.
func tracked(rel string) bool {
	if rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if excludedDirs[part] || isHidden(part) {
			return false
		}
	}
	return true
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if excludedDirs[name] && path != dir {
			return filepath.SkipDir
		}
		if isHidden(name) && path != dir {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
