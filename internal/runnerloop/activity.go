package runnerloop

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// activityWatcher recursively watches a run's workspace directory for
// filesystem writes, the same fsnotify.Watcher wrapping the teacher's
// filewatcher package uses for a single path, generalized here to a
// directory tree since fsnotify itself has no recursive-watch mode.
type activityWatcher struct {
	fsw    *fsnotify.Watcher
	logger *slog.Logger
}

// newActivityWatcher builds a watcher rooted at dir, which must already
// exist. It walks the tree once at startup and adds every directory found;
// directories created afterward are picked up as Create events arrive.
func newActivityWatcher(dir string, logger *slog.Logger) (*activityWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &activityWatcher{fsw: fsw, logger: logger}
	if err := w.addRecursive(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// addRecursive adds root and every subdirectory under it to the underlying
// fsnotify watch set. .git is skipped: it churns with pack/ref writes that
// don't reflect the agent doing real work and would otherwise reset the
// idle timer on their own.
func (w *activityWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *activityWatcher) close() {
	w.fsw.Close()
}

// waitForDir blocks until dir exists or ctx is done. execute() creates the
// workspace directory during its "preparing workspace" step, which runs
// after watchActivity's goroutine is already started, so the watcher has to
// tolerate the directory not existing yet.
func waitForDir(ctx context.Context, dir string) error {
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := os.Stat(dir); err == nil {
				return nil
			}
		}
	}
}

// isActivityEvent reports whether op reflects real workspace modification
// rather than a bare permission/metadata change.
func isActivityEvent(op fsnotify.Op) bool {
	return op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0
}
