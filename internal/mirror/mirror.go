// Package mirror materializes each account's note tree as plain files
// under a local directory, so notes can be edited with any editor. Every
// entry gets a JSON sidecar naming the node it belongs to.
package mirror

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/metrics"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/alexjbarnes/notesync/internal/synclog"
	"github.com/alexjbarnes/notesync/internal/tree"
	"github.com/tidwall/gjson"
)

const (
	// dirPerm is the permission mode for directories created in the mirror.
	dirPerm = fs.FileMode(0o755)

	// filePerm is the permission mode for files written in the mirror.
	filePerm = fs.FileMode(0o644)

	// MetaExt is the sidecar suffix. A file's sidecar is "<file>.meta";
	// a folder's is "<dir>/.meta".
	MetaExt = ".meta"

	// removedTTL is how long a path the mirror removed itself is
	// remembered, long enough for the watcher to see the event settle.
	removedTTL = 10 * time.Second
)

// TreeSource loads a path-resolving snapshot of an account's nodes.
type TreeSource interface {
	Tree(accountID string) (*tree.Tree, error)
}

// Mirror writes nodes to {dir}/{account}/{relative path}. Writes are
// serialized; every path is confined to its account directory.
type Mirror struct {
	dir     string
	trees   TreeSource
	metrics *metrics.Collector
	logger  *slog.Logger

	mu sync.Mutex
	// written maps account+node to the relative path last written for
	// it, so a rename can remove the old entry.
	written map[string]string
	// hashes maps account+path to the hash of the content last written
	// there.
	hashes map[string]string
	// removed maps account+path to when the mirror itself removed or
	// renamed away the entry there.
	removed    map[string]time.Time
	removedTTL time.Duration
	now        func() time.Time
}

// Drift is a node the mirror last wrote at a path other than the one it
// resolves to now, typically a sibling whose unique name changed.
type Drift struct {
	Node models.Node
	From string
	To   string
}

// New creates a mirror rooted at dir, creating the directory if needed.
// dir must be absolute.
func New(dir string, trees TreeSource, m *metrics.Collector, logger *slog.Logger) (*Mirror, error) {
	if dir == "" {
		return nil, fmt.Errorf("mirror directory must not be empty")
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating mirror directory %s: %w", dir, err)
	}

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving mirror directory %s: %w", dir, err)
	}

	return &Mirror{
		dir:        resolved,
		trees:      trees,
		metrics:    m,
		logger:     logger,
		written:    make(map[string]string),
		hashes:     make(map[string]string),
		removed:    make(map[string]time.Time),
		removedTTL: removedTTL,
		now:        time.Now,
	}, nil
}

// Dir returns the mirror root.
func (m *Mirror) Dir() string {
	return m.dir
}

// AccountDir returns the mirror directory of an account.
func (m *Mirror) AccountDir(accountID string) (string, error) {
	if err := checkSegment("account id", accountID); err != nil {
		return "", err
	}

	return filepath.Join(m.dir, accountID), nil
}

// FileMetaPath returns the sidecar path of the file at abs.
func FileMetaPath(abs string) string {
	return abs + MetaExt
}

// FolderMetaPath returns the sidecar path of the folder at abs.
func FolderMetaPath(abs string) string {
	return filepath.Join(abs, MetaExt)
}

// IsMetaPath reports whether p is a sidecar.
func IsMetaPath(p string) bool {
	return strings.HasSuffix(filepath.Base(p), MetaExt)
}

// ReadMeta parses a sidecar. Unknown fields are ignored; a sidecar
// without an id is an error.
func ReadMeta(path string) (models.MirrorMeta, error) {
	data, err := os.ReadFile(path) //nolint:gosec // sidecar paths come from the mirror walk
	if err != nil {
		return models.MirrorMeta{}, err
	}

	if !gjson.ValidBytes(data) {
		return models.MirrorMeta{}, fmt.Errorf("sidecar %s is not valid JSON", path)
	}

	res := gjson.GetManyBytes(data, "id", "kind", "formatExtension")

	meta := models.MirrorMeta{
		ID:     res[0].String(),
		Kind:   models.Kind(res[1].String()),
		Format: models.Format(res[2].String()),
	}

	if meta.ID == "" {
		return meta, fmt.Errorf("sidecar %s has no id", path)
	}

	return meta, nil
}

// Upsert writes n using a fresh snapshot of the account's tree.
func (m *Mirror) Upsert(accountID string, n models.Node) error {
	t, err := m.trees.Tree(accountID)
	if err != nil {
		return err
	}

	return m.UpsertInTree(accountID, t, n)
}

// UpsertInTree writes n at its resolved path in t: a directory plus
// "<dir>/.meta" for folders, the content plus "<file>.meta" for files.
// If the node was last written at another path, that entry is moved or
// removed.
func (m *Mirror) UpsertInTree(accountID string, t *tree.Tree, n models.Node) error {
	err := m.upsert(accountID, t, n)
	m.metrics.MirrorWrite("upsert", err)

	return err
}

func (m *Mirror) upsert(accountID string, t *tree.Tree, n models.Node) error {
	if err := checkNode(accountID, n); err != nil {
		return err
	}

	rel, err := t.RelativePath(n.ID)
	if err != nil {
		return err
	}

	abs, err := m.resolve(accountID, rel)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := writtenKey(accountID, n.ID)
	if prev, ok := m.written[key]; ok && prev != rel {
		m.moveStale(accountID, n, prev, abs)
	}

	if n.IsFolder() {
		if err := os.MkdirAll(abs, dirPerm); err != nil {
			return fmt.Errorf("creating folder %s: %w", rel, err)
		}

		if err := writeMeta(FolderMetaPath(abs), n); err != nil {
			return err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(abs), dirPerm); err != nil {
			return fmt.Errorf("creating directory for %s: %w", rel, err)
		}

		if err := os.WriteFile(abs, []byte(n.Content), filePerm); err != nil {
			return fmt.Errorf("writing %s: %w", rel, err)
		}

		if err := writeMeta(FileMetaPath(abs), n); err != nil {
			return err
		}

		m.hashes[writtenKey(accountID, rel)] = synclog.ContentHash([]byte(n.Content))
	}

	m.written[key] = rel
	m.unmarkRemoved(accountID, rel)

	return nil
}

// moveStale handles the entry n was previously written at. A case-only
// change or a folder whose new path is free is renamed in place;
// anything else is removed, but only if its sidecar still names n.
func (m *Mirror) moveStale(accountID string, n models.Node, prevRel, newAbs string) {
	prevAbs, err := m.resolve(accountID, prevRel)
	if err != nil {
		return
	}

	metaPath := FileMetaPath(prevAbs)
	if n.IsFolder() {
		metaPath = FolderMetaPath(prevAbs)
	}

	if meta, err := ReadMeta(metaPath); err == nil && meta.ID != n.ID {
		return
	}

	delete(m.hashes, writtenKey(accountID, prevRel))
	m.markRemoved(accountID, prevRel)

	_, newErr := os.Lstat(newAbs)
	canRename := strings.EqualFold(prevAbs, newAbs) ||
		(n.IsFolder() && os.IsNotExist(newErr) && !strings.HasPrefix(newAbs, prevAbs+string(os.PathSeparator)))

	if canRename {
		if err := os.MkdirAll(filepath.Dir(newAbs), dirPerm); err == nil {
			if err := os.Rename(prevAbs, newAbs); err == nil {
				if !n.IsFolder() {
					_ = os.Rename(metaPath, FileMetaPath(newAbs))
				}

				return
			}
		}
	}

	if n.IsFolder() {
		_ = os.RemoveAll(prevAbs)
		return
	}

	_ = os.Remove(prevAbs)
	_ = os.Remove(metaPath)
}

// Delete removes whatever is at rel: a folder with everything below it,
// or a file and its sidecar. A missing entry is not an error.
func (m *Mirror) Delete(accountID, rel string) error {
	err := m.delete(accountID, rel)
	m.metrics.MirrorWrite("delete", err)

	return err
}

func (m *Mirror) delete(accountID, rel string) error {
	abs, err := m.resolve(accountID, rel)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.forget(accountID, rel)
	m.markRemoved(accountID, rel)

	info, err := os.Lstat(abs)
	if os.IsNotExist(err) {
		_ = os.Remove(FileMetaPath(abs))
		return nil
	}

	if err != nil {
		return fmt.Errorf("stat %s: %w", rel, err)
	}

	if info.IsDir() {
		if err := os.RemoveAll(abs); err != nil {
			return fmt.Errorf("removing folder %s: %w", rel, err)
		}

		return nil
	}

	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", rel, err)
	}

	if err := os.Remove(FileMetaPath(abs)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing sidecar of %s: %w", rel, err)
	}

	return nil
}

// forget drops written entries at or below rel. Caller holds m.mu.
func (m *Mirror) forget(accountID, rel string) {
	prefix := accountID + "\x00"
	below := func(p string) bool {
		return p == rel || strings.HasPrefix(p, rel+tree.Separator)
	}

	for k, p := range m.written {
		if strings.HasPrefix(k, prefix) && below(p) {
			delete(m.written, k)
		}
	}

	for k := range m.hashes {
		if p, ok := strings.CutPrefix(k, prefix); ok && below(p) {
			delete(m.hashes, k)
		}
	}
}

// markRemoved records that the mirror removed the entry at rel. Caller
// holds m.mu.
func (m *Mirror) markRemoved(accountID, rel string) {
	m.removed[writtenKey(accountID, rel)] = m.now()
}

// unmarkRemoved drops records at or below rel, which the mirror has just
// written again. Caller holds m.mu.
func (m *Mirror) unmarkRemoved(accountID, rel string) {
	prefix := accountID + "\x00"

	for k := range m.removed {
		p, ok := strings.CutPrefix(k, prefix)
		if ok && (p == rel || strings.HasPrefix(p, rel+tree.Separator)) {
			delete(m.removed, k)
		}
	}
}

// Removed reports whether rel, or a folder above it, was recently
// removed or renamed away by the mirror itself, meaning an unlink event
// for rel is not a user deletion.
func (m *Mirror) Removed(accountID, rel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := accountID + "\x00"
	cutoff := m.now().Add(-m.removedTTL)
	found := false

	for k, at := range m.removed {
		if at.Before(cutoff) {
			delete(m.removed, k)
			continue
		}

		p, ok := strings.CutPrefix(k, prefix)
		if ok && (p == rel || strings.HasPrefix(rel, p+tree.Separator)) {
			found = true
		}
	}

	return found
}

// Drifted returns the nodes of t the mirror last wrote at a path other
// than the one they resolve to in t, ordered by their new path so
// folders come before their contents.
func (m *Mirror) Drifted(accountID string, t *tree.Tree) []Drift {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := accountID + "\x00"

	var out []Drift

	for k, from := range m.written {
		id, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}

		n, ok := t.Node(id)
		if !ok {
			continue
		}

		to, err := t.RelativePath(id)
		if err != nil || to == from {
			continue
		}

		out = append(out, Drift{Node: n, From: from, To: to})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].To < out[j].To })

	return out
}

// IsEcho reports whether content is exactly what the mirror last wrote
// at rel, meaning a filesystem event for rel was caused by the mirror.
func (m *Mirror) IsEcho(accountID, rel string, content []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hashes[writtenKey(accountID, rel)]

	return ok && h == synclog.ContentHash(content)
}

// Rebuild writes every node of the account and removes mirror entries
// whose sidecar names a node that no longer exists or now lives at a
// different path. Entries without a sidecar are left alone.
func (m *Mirror) Rebuild(accountID string) error {
	t, err := m.trees.Tree(accountID)
	if err != nil {
		return err
	}

	var errs []error

	for _, n := range t.Nodes() {
		if err := m.UpsertInTree(accountID, t, n); err != nil {
			errs = append(errs, err)
		}
	}

	root, err := m.AccountDir(accountID)
	if err != nil {
		return err
	}

	stale, err := m.staleEntries(root, accountID, t)
	if err != nil {
		errs = append(errs, err)
	}

	for _, rel := range stale {
		if err := m.Delete(accountID, rel); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (m *Mirror) staleEntries(root, accountID string, t *tree.Tree) ([]string, error) {
	var stale []string

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if d.Type()&fs.ModeSymlink != 0 || d.IsDir() || !IsMetaPath(p) {
			return nil
		}

		entry := strings.TrimSuffix(p, MetaExt)
		if filepath.Base(p) == MetaExt {
			entry = filepath.Dir(p)
		}

		if entry == root {
			return nil
		}

		rel, err := m.RelPath(accountID, entry)
		if err != nil {
			return nil //nolint:nilerr // entries outside the account are skipped
		}

		meta, err := ReadMeta(p)
		if err != nil {
			return nil //nolint:nilerr // unreadable sidecars are left for the user
		}

		if cur, err := t.RelativePath(meta.ID); err == nil && cur == rel {
			return nil
		}

		stale = append(stale, rel)

		return nil
	})

	// Deepest first so removing a folder never hides a later entry.
	sort.Slice(stale, func(i, j int) bool { return len(stale[i]) > len(stale[j]) })

	return stale, err
}

// RelPath converts an absolute path inside the account directory to a
// slash-separated relative path.
func (m *Mirror) RelPath(accountID, abs string) (string, error) {
	root, err := m.AccountDir(accountID)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}

	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside account %s: %w", abs, accountID, apperrors.ErrPathUnsafe)
	}

	return rel, nil
}

// Path returns the absolute mirror path of rel, confined to the account.
func (m *Mirror) Path(accountID, rel string) (string, error) {
	return m.resolve(accountID, rel)
}

func writtenKey(accountID, nodeID string) string {
	return accountID + "\x00" + nodeID
}
