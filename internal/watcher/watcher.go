// Package watcher feeds edits made directly in the local mirror back into
// the note store. Files and folders are matched to nodes through their
// sidecars first and their resolved paths second.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alexjbarnes/notesync/internal/metrics"
	"github.com/alexjbarnes/notesync/internal/mirror"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/alexjbarnes/notesync/internal/syncqueue"
	"github.com/alexjbarnes/notesync/internal/tree"
	"github.com/fsnotify/fsnotify"
)

const (
	// maxTickInterval caps how often pending events are checked.
	maxTickInterval = 500 * time.Millisecond

	// dirPerm is the mode of directories created when moving entries.
	dirPerm = 0o755

	defaultDebounce      = 300 * time.Millisecond
	defaultConflictGrace = 60 * time.Second
)

// Pusher propagates store changes to the mirror and the remote.
type Pusher interface {
	PushWithRetry(accountID, id string)
	PushDelete(accountID, rel string) error
}

// Store is the subset of the state store the watcher reads and writes.
type Store interface {
	Tree(accountID string) (*tree.Tree, error)
	PutNode(accountID string, n models.Node) (models.Node, error)
	UpdateNode(accountID, id string, fn func(existing *models.Node) (models.Node, error)) (models.Node, error)
	DeleteNodes(accountID string, ids []string) error
}

// Options configure a Watcher. Zero durations take the defaults.
type Options struct {
	Debounce      time.Duration
	ConflictGrace time.Duration
	Marks         *syncqueue.Marks
	Metrics       *metrics.Collector
	Logger        *slog.Logger
}

// Watcher monitors the mirror root recursively. Events are debounced per
// path; when a path settles it is processed as an add or change if it
// exists and as an unlink if it does not.
type Watcher struct {
	mirror  *mirror.Mirror
	store   Store
	pusher  Pusher
	marks   *syncqueue.Marks
	metrics *metrics.Collector
	logger  *slog.Logger

	debounce time.Duration
	grace    time.Duration
	now      func() time.Time

	watcher *fsnotify.Watcher
}

// New creates a watcher over the mirror's root directory.
func New(m *mirror.Mirror, store Store, p Pusher, opts Options) *Watcher {
	w := &Watcher{
		mirror:   m,
		store:    store,
		pusher:   p,
		marks:    opts.Marks,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		debounce: opts.Debounce,
		grace:    opts.ConflictGrace,
		now:      time.Now,
	}

	if w.debounce <= 0 {
		w.debounce = defaultDebounce
	}

	if w.grace <= 0 {
		w.grace = defaultConflictGrace
	}

	if w.marks == nil {
		w.marks = syncqueue.NewMarks()
	}

	return w
}

// Watch blocks until ctx is cancelled. Directories are watched
// recursively; directories created later are added as they appear.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	defer watcher.Close()

	root := w.mirror.Dir()

	if err := w.addRecursive(root); err != nil {
		return fmt.Errorf("watching mirror dir: %w", err)
	}

	w.logger.Info("mirror watcher started", slog.String("dir", root))

	pending := make(map[string]time.Time)

	tick := w.debounce
	if tick > maxTickInterval {
		tick = maxTickInterval
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if shouldIgnore(event.Name) {
				continue
			}

			switch {
			case event.Has(fsnotify.Create):
				pending[event.Name] = time.Now()

				// A directory moved in from elsewhere brings its contents
				// without events of their own. Lstat so a symlink to a
				// directory outside the mirror is never followed.
				info, err := os.Lstat(event.Name)
				if err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
					_ = w.addRecursive(event.Name)
					w.markTree(pending, event.Name)
				}

			case event.Has(fsnotify.Write):
				pending[event.Name] = time.Now()

			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				// For rename, fsnotify fires Rename on the old path and
				// Create on the new one. Deletes are debounced too, so a
				// file replaced by an editor's atomic save settles as a
				// change rather than an unlink.
				pending[event.Name] = time.Now()
				_ = watcher.Remove(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()

			var ready []string

			for p, t := range pending {
				if now.Sub(t) < w.debounce {
					continue
				}

				delete(pending, p)
				ready = append(ready, p)
			}

			// Parents before children.
			sort.Strings(ready)

			for _, p := range ready {
				w.process(p)
			}
		}
	}
}

// markTree queues every entry below dir.
func (w *Watcher) markTree(pending map[string]time.Time, dir string) {
	now := time.Now()

	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best effort
		}

		if shouldIgnore(p) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		pending[p] = now

		return nil
	})
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if p != dir && shouldIgnore(p) {
			return filepath.SkipDir
		}

		// WalkDir does not follow symlinks it discovers, but check each
		// entry so a linked directory is never watched.
		if d.Type()&os.ModeSymlink != 0 {
			return filepath.SkipDir
		}

		return w.watcher.Add(p)
	})
}

// shouldIgnore filters sidecars, hidden entries and editor temp files.
func shouldIgnore(p string) bool {
	base := filepath.Base(p)

	if strings.HasPrefix(base, ".") || mirror.IsMetaPath(p) {
		return true
	}

	return strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp")
}

// process handles one settled path. Failures are logged; they never stop
// the watch loop.
func (w *Watcher) process(absPath string) {
	acct, rel, ok := w.split(absPath)
	if !ok {
		return
	}

	logger := w.logger.With(slog.String("account", acct), slog.String("path", rel))

	info, err := os.Lstat(absPath)

	switch {
	case os.IsNotExist(err) && w.mirror.Removed(acct, rel):
		logger.Debug("skipping removal made by the mirror")
		return
	case os.IsNotExist(err):
		err = w.handleUnlink(acct, rel, absPath)
	case err != nil:
	case info.Mode()&os.ModeSymlink != 0:
		return
	case info.IsDir():
		_, _, err = w.ensureFolders(acct, rel)
	default:
		err = w.handleFile(acct, rel, absPath)
	}

	if err != nil {
		logger.Warn("processing mirror change failed", slog.String("error", err.Error()))
	}
}

// split maps an absolute path to its account and slash-separated path
// inside the account. Paths at or above the account directories are
// rejected.
func (w *Watcher) split(absPath string) (acct, rel string, ok bool) {
	r, err := filepath.Rel(w.mirror.Dir(), absPath)
	if err != nil {
		return "", "", false
	}

	acct, rel, found := strings.Cut(filepath.ToSlash(r), "/")
	if !found || rel == "" {
		return "", "", false
	}

	if _, err := w.mirror.AccountDir(acct); err != nil {
		return "", "", false
	}

	if _, err := w.mirror.Path(acct, rel); err != nil {
		return "", "", false
	}

	return acct, rel, true
}

// splitRel separates a relative path into its directory and leaf name.
func splitRel(rel string) (dir, base string) {
	dir, base = path.Split(rel)
	return strings.TrimSuffix(dir, tree.Separator), base
}
