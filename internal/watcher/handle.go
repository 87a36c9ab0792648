package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/mirror"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/alexjbarnes/notesync/internal/tree"
	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// handleFile applies an added or changed note file to the store.
func (w *Watcher) handleFile(acct, rel, absPath string) error {
	dir, base := splitRel(rel)

	ext := path.Ext(base)

	format, ok := models.FormatFromExt(ext)
	if !ok {
		return nil
	}

	content, err := os.ReadFile(absPath) //nolint:gosec // confined by split
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("reading file: %w", err)
	}

	if w.mirror.IsEcho(acct, rel, content) {
		return nil
	}

	parentID, relocated, err := w.ensureFolders(acct, dir)
	if err != nil {
		return err
	}

	if relocated {
		// The directory moved; its contents come back as new events.
		return nil
	}

	t, err := w.store.Tree(acct)
	if err != nil {
		return err
	}

	stem := strings.TrimSuffix(base, ext)

	n, found := w.lookupFile(t, absPath, rel, sanitizedRel(dir, stem, format))
	if !found {
		created, err := w.store.PutNode(acct, models.Node{
			ID:       uuid.NewString(),
			ParentID: parentID,
			Name:     stem,
			Kind:     models.KindFile,
			Format:   format,
			Content:  string(content),
		})
		if err != nil {
			return fmt.Errorf("creating node: %w", err)
		}

		w.marks.Set(acct, created.ID, created.UpdatedAt)
		w.relocate(acct, rel, absPath, created.ID)
		w.pusher.PushWithRetry(acct, created.ID)

		w.logger.Info("created note from mirror",
			slog.String("account", acct),
			slog.String("path", rel),
			slog.String("node", created.ID),
		)

		return nil
	}

	text := string(content)
	renamed := t.Name(n.ID) != base && t.Name(n.ID) != tree.FileName(stem, format)
	moved := t.ParentOf(n.ID) != parentID

	if n.Content == text && !renamed && !moved && n.Format == format {
		return nil
	}

	if n.Content != text && w.recentlyChanged(acct, n) {
		return w.fork(acct, n, parentID, stem, format, text)
	}

	updated, err := w.store.UpdateNode(acct, n.ID, func(existing *models.Node) (models.Node, error) {
		if existing == nil {
			return models.Node{}, fmt.Errorf("node %s: %w", n.ID, apperrors.ErrNotFound)
		}

		next := *existing
		next.Content = text
		next.Format = format
		next.ParentID = parentID

		if renamed {
			next.Name = stem
		}

		return next, nil
	})
	if err != nil {
		return fmt.Errorf("updating node %s: %w", n.ID, err)
	}

	w.marks.Set(acct, updated.ID, updated.UpdatedAt)
	w.relocate(acct, rel, absPath, updated.ID)
	w.pusher.PushWithRetry(acct, updated.ID)

	return nil
}

// relocate moves an entry the user created at rel to the path its node
// resolves to, when the two differ because the raw name had to be
// sanitized or deduplicated. The mirror writes the sidecar there, so
// later edits of the entry map back to the same node. The move is
// skipped when the target holds something else. It reports whether the
// entry moved.
func (w *Watcher) relocate(acct, rel, absPath, id string) bool {
	t, err := w.store.Tree(acct)
	if err != nil {
		return false
	}

	n, ok := t.Node(id)
	if !ok {
		return false
	}

	target, err := t.RelativePath(id)
	if err != nil || target == rel {
		return false
	}

	dst, err := w.mirror.Path(acct, target)
	if err != nil {
		return false
	}

	switch _, err := os.Lstat(dst); {
	case os.IsNotExist(err):
	case err != nil, n.IsFolder():
		return false
	default:
		meta, err := mirror.ReadMeta(mirror.FileMetaPath(dst))
		if err != nil || meta.ID != id {
			return false
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return false
	}

	if err := os.Rename(absPath, dst); err != nil {
		w.logger.Warn("moving mirror entry to its resolved path",
			slog.String("account", acct),
			slog.String("path", rel),
			slog.String("error", err.Error()),
		)

		return false
	}

	w.logger.Info("moved mirror entry to its resolved path",
		slog.String("account", acct),
		slog.String("from", rel),
		slog.String("to", target),
	)

	return true
}

// sanitizedRel is the path a file at dir/stem with the given format
// resolves to when it has no duplicate siblings.
func sanitizedRel(dir, stem string, format models.Format) string {
	var segs []string

	if dir != "" {
		for _, seg := range strings.Split(dir, tree.Separator) {
			segs = append(segs, tree.SanitizeSegment(seg))
		}
	}

	return path.Join(append(segs, tree.FileName(stem, format))...)
}

// recentlyChanged reports whether n was written inside the conflict grace
// window by something other than this watcher.
func (w *Watcher) recentlyChanged(acct string, n models.Node) bool {
	age := w.now().Sub(time.UnixMilli(n.UpdatedAt))
	return age < w.grace && !w.marks.WrittenBy(acct, n.ID, n.UpdatedAt)
}

// fork stores the disk content as a new sibling and leaves n untouched.
// n is pushed again so its mirror copy goes back to the stored content.
func (w *Watcher) fork(acct string, n models.Node, parentID, stem string, format models.Format, text string) error {
	ts := w.now().UnixMilli()

	created, err := w.store.PutNode(acct, models.Node{
		ID:       uuid.NewString(),
		ParentID: parentID,
		Name:     fmt.Sprintf("%s-conflict-local-%d", stem, ts),
		Kind:     models.KindFile,
		Format:   format,
		Content:  text,
	})
	if err != nil {
		return fmt.Errorf("creating conflict copy of %s: %w", n.ID, err)
	}

	w.marks.Set(acct, created.ID, created.UpdatedAt)
	w.metrics.Conflict("mirror")

	inserted, deleted := diffStats(n.Content, text)

	w.logger.Warn("mirror edit conflicts with a recent change, keeping both",
		slog.String("account", acct),
		slog.String("node", n.ID),
		slog.String("conflict_node", created.ID),
		slog.Int("chars_inserted", inserted),
		slog.Int("chars_deleted", deleted),
	)

	w.pusher.PushWithRetry(acct, created.ID)
	w.pusher.PushWithRetry(acct, n.ID)

	return nil
}

// diffStats counts the characters the local edit adds and removes
// relative to the stored content.
func diffStats(stored, local string) (inserted, deleted int) {
	dmp := diffmatchpatch.New()

	for _, d := range dmp.DiffMain(stored, local, false) {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			inserted += utf8.RuneCountInString(d.Text)
		case diffmatchpatch.DiffDelete:
			deleted += utf8.RuneCountInString(d.Text)
		case diffmatchpatch.DiffEqual:
		}
	}

	return inserted, deleted
}

// lookupFile finds the file node for a mirror path: the sidecar's id if
// it names a file, otherwise the node currently resolving to rel, or to
// clean (rel sanitized) when that node carries the raw name from disk.
func (w *Watcher) lookupFile(t *tree.Tree, absPath, rel, clean string) (models.Node, bool) {
	if meta, err := mirror.ReadMeta(mirror.FileMetaPath(absPath)); err == nil {
		if n, ok := t.Node(meta.ID); ok && !n.IsFolder() {
			return n, true
		}
	}

	n, ok := t.FindByPath(rel)
	if ok && !n.IsFolder() {
		return n, true
	}

	if clean == rel {
		return models.Node{}, false
	}

	_, base := splitRel(rel)

	n, ok = t.FindByPath(clean)
	if ok && !n.IsFolder() && n.Name == strings.TrimSuffix(base, path.Ext(base)) {
		return n, true
	}

	return models.Node{}, false
}

// ensureFolders makes sure a folder node exists for every segment of dir
// and returns the ID of the deepest one ("" for the root). Each segment
// is matched by the folder sidecar on disk, then by name under the
// parent found so far; missing folders are created. A sidecar match
// whose name differs from the directory is a rename. A created or
// renamed directory whose name does not survive sanitizing is moved to
// its resolved path; relocated then reports true and the walk stops,
// since everything below it now lives elsewhere.
func (w *Watcher) ensureFolders(acct, dir string) (parent string, relocated bool, err error) {
	if dir == "" {
		return "", false, nil
	}

	root, err := w.mirror.AccountDir(acct)
	if err != nil {
		return "", false, err
	}

	t, err := w.store.Tree(acct)
	if err != nil {
		return "", false, err
	}

	cur := root
	walked := ""

	for _, seg := range strings.Split(dir, tree.Separator) {
		cur = filepath.Join(cur, seg)
		walked = path.Join(walked, seg)

		id, changed, err := w.matchFolder(acct, t, parent, seg, cur)
		if err != nil {
			return "", false, err
		}

		if id == "" {
			created, err := w.store.PutNode(acct, models.Node{
				ID:       uuid.NewString(),
				ParentID: parent,
				Name:     seg,
				Kind:     models.KindFolder,
			})
			if err != nil {
				return "", false, fmt.Errorf("creating folder %s: %w", seg, err)
			}

			w.marks.Set(acct, created.ID, created.UpdatedAt)

			w.logger.Info("created folder from mirror",
				slog.String("account", acct),
				slog.String("folder", seg),
				slog.String("node", created.ID),
			)

			id, changed = created.ID, true
		}

		if changed {
			moved := w.relocate(acct, walked, cur, id)
			w.pusher.PushWithRetry(acct, id)

			if moved {
				return id, true, nil
			}
		}

		parent = id
	}

	return parent, false, nil
}

// matchFolder returns the folder node for the directory seg under parent,
// or "" when there is none. changed reports that the node was renamed to
// match the directory.
func (w *Watcher) matchFolder(acct string, t *tree.Tree, parent, seg, absDir string) (id string, changed bool, err error) {
	if meta, err := mirror.ReadMeta(mirror.FolderMetaPath(absDir)); err == nil {
		n, ok := t.Node(meta.ID)
		if ok && n.IsFolder() && t.ParentOf(n.ID) == parent {
			if t.Name(n.ID) == seg || t.Name(n.ID) == tree.SanitizeSegment(seg) {
				return n.ID, false, nil
			}

			updated, err := w.store.UpdateNode(acct, n.ID, func(existing *models.Node) (models.Node, error) {
				if existing == nil {
					return models.Node{}, fmt.Errorf("folder %s: %w", n.ID, apperrors.ErrNotFound)
				}

				next := *existing
				next.Name = seg

				return next, nil
			})
			if err != nil {
				return "", false, fmt.Errorf("renaming folder %s: %w", n.ID, err)
			}

			w.marks.Set(acct, updated.ID, updated.UpdatedAt)

			return updated.ID, true, nil
		}
	}

	if n, ok := t.FindFolder(parent, seg); ok {
		return n.ID, false, nil
	}

	return "", false, nil
}

// handleUnlink deletes the node that was mirrored at rel, with everything
// below it. A sidecar left behind names the node, but only counts if that
// node still resolves to rel; otherwise the path itself is looked up.
func (w *Watcher) handleUnlink(acct, rel, absPath string) error {
	t, err := w.store.Tree(acct)
	if err != nil {
		return err
	}

	n, ok := w.lookupDeleted(t, absPath, rel)
	if !ok {
		return nil
	}

	ids := []string{n.ID}
	for _, d := range t.Descendants(n.ID) {
		ids = append(ids, d.ID)
	}

	if err := w.store.DeleteNodes(acct, ids); err != nil {
		return fmt.Errorf("deleting node %s: %w", n.ID, err)
	}

	for _, id := range ids {
		w.marks.Clear(acct, id)
	}

	w.logger.Info("deleted note from mirror",
		slog.String("account", acct),
		slog.String("path", rel),
		slog.String("node", n.ID),
		slog.Int("removed", len(ids)),
	)

	if err := w.pusher.PushDelete(acct, rel); err != nil {
		return fmt.Errorf("queueing delete of %s: %w", rel, err)
	}

	return nil
}

func (w *Watcher) lookupDeleted(t *tree.Tree, absPath, rel string) (models.Node, bool) {
	if meta, err := mirror.ReadMeta(mirror.FileMetaPath(absPath)); err == nil {
		if p, err := t.RelativePath(meta.ID); err == nil && p == rel {
			n, _ := t.Node(meta.ID)
			return n, true
		}
	}

	n, ok := t.FindByPath(rel)
	if !ok {
		return models.Node{}, false
	}

	if p, err := t.RelativePath(n.ID); err != nil || p != rel {
		return models.Node{}, false
	}

	return n, true
}
