package notes

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	apperrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/logging"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/alexjbarnes/notesync/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const acct = "acct"

type fakePusher struct {
	mu      sync.Mutex
	pushed  []string
	deleted []string
	err     error
}

func (f *fakePusher) PushNodes(_ string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pushed = append(f.pushed, ids...)

	return f.err
}

func (f *fakePusher) PushDelete(_, rel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted = append(f.deleted, rel)

	return f.err
}

func newService(t *testing.T) (*Service, *state.State, *fakePusher) {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	p := &fakePusher{}

	return New(st, p, nil, logging.Discard()), st, p
}

// --- UpsertFile ---

func TestUpsertFile_New(t *testing.T) {
	svc, _, p := newService(t)

	n, err := svc.UpsertFile(acct, FileRequest{Name: "note", Content: "hi"})
	require.NoError(t, err)

	assert.NotEmpty(t, n.ID)
	assert.Equal(t, models.FormatMarkdown, n.Format)
	assert.Equal(t, models.KindFile, n.Kind)
	assert.Positive(t, n.UpdatedAt)
	assert.Equal(t, []string{n.ID}, p.pushed)
}

func TestUpsertFile_StaleBaseConflicts(t *testing.T) {
	svc, st, p := newService(t)

	first, err := svc.UpsertFile(acct, FileRequest{ID: "n", Name: "note", Content: "server"})
	require.NoError(t, err)

	_, err = svc.UpsertFile(acct, FileRequest{ID: "n", Name: "note", Content: "client", BaseUpdatedAt: first.UpdatedAt - 1})
	require.Error(t, err)

	ce, ok := apperrors.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, "server", ce.Current.Content)
	assert.Equal(t, first.UpdatedAt, ce.Current.UpdatedAt)

	stored, err := st.GetNode(acct, "n")
	require.NoError(t, err)
	assert.Equal(t, "server", stored.Content)
	assert.Len(t, p.pushed, 1, "rejected writes are not pushed")
}

func TestUpsertFile_CurrentBaseAccepted(t *testing.T) {
	svc, _, _ := newService(t)

	first, err := svc.UpsertFile(acct, FileRequest{ID: "n", Name: "note", Content: "v1"})
	require.NoError(t, err)

	second, err := svc.UpsertFile(acct, FileRequest{ID: "n", Name: "note", Content: "v2", BaseUpdatedAt: first.UpdatedAt})
	require.NoError(t, err)
	assert.Greater(t, second.UpdatedAt, first.UpdatedAt)
	assert.Equal(t, "v2", second.Content)

	// A base newer than the stored copy is accepted too.
	third, err := svc.UpsertFile(acct, FileRequest{ID: "n", Name: "note", Content: "v3", BaseUpdatedAt: second.UpdatedAt + 1000})
	require.NoError(t, err)
	assert.Greater(t, third.UpdatedAt, second.UpdatedAt)
}

func TestUpsertFile_Validation(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.UpsertFolder(acct, FolderRequest{ID: "d", Name: "Docs"})
	require.NoError(t, err)

	_, err = svc.UpsertFile(acct, FileRequest{ID: "f", Name: "file"})
	require.NoError(t, err)

	tests := []struct {
		name string
		acct string
		req  FileRequest
		want error
	}{
		{"empty name", acct, FileRequest{Name: "  "}, apperrors.ErrInvalidNode},
		{"bad format", acct, FileRequest{Name: "a", Format: "pdf"}, apperrors.ErrInvalidNode},
		{"missing parent", acct, FileRequest{Name: "a", ParentID: "nope"}, apperrors.ErrInvalidNode},
		{"file parent", acct, FileRequest{Name: "a", ParentID: "f"}, apperrors.ErrInvalidNode},
		{"kind change", acct, FileRequest{ID: "d", Name: "a"}, apperrors.ErrInvalidNode},
		{"traversal name", acct, FileRequest{Name: "../../etc/passwd"}, apperrors.ErrPathUnsafe},
		{"absolute name", acct, FileRequest{Name: "/etc/passwd"}, apperrors.ErrPathUnsafe},
		{"id with separator", acct, FileRequest{ID: "../x", Name: "a"}, apperrors.ErrPathUnsafe},
		{"account traversal", "..", FileRequest{Name: "a"}, apperrors.ErrPathUnsafe},
		{"account separator", "a/b", FileRequest{Name: "a"}, apperrors.ErrPathUnsafe},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpsertFile(tt.acct, tt.req)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestUpsertFile_PushFailureStillSaves(t *testing.T) {
	svc, st, p := newService(t)
	p.err = apperrors.ErrQueueFull

	n, err := svc.UpsertFile(acct, FileRequest{Name: "note"})
	require.NoError(t, err)

	stored, err := st.GetNode(acct, n.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored)
}

// --- UpsertFolder ---

func TestUpsertFolder_MoveBelowItselfRejected(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.UpsertFolder(acct, FolderRequest{ID: "a", Name: "A"})
	require.NoError(t, err)
	_, err = svc.UpsertFolder(acct, FolderRequest{ID: "b", ParentID: "a", Name: "B"})
	require.NoError(t, err)

	_, err = svc.UpsertFolder(acct, FolderRequest{ID: "a", ParentID: "b", Name: "A"})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidNode))

	_, err = svc.UpsertFolder(acct, FolderRequest{ID: "a", ParentID: "a", Name: "A"})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidNode))
}

func TestUpsertFolder_RenamePushesFolder(t *testing.T) {
	svc, st, p := newService(t)

	_, err := svc.UpsertFolder(acct, FolderRequest{ID: "d", Name: "Docs"})
	require.NoError(t, err)

	n, err := svc.UpsertFile(acct, FileRequest{ParentID: "d", Name: "note"})
	require.NoError(t, err)

	_, err = svc.UpsertFolder(acct, FolderRequest{ID: "d", Name: "Renamed"})
	require.NoError(t, err)

	assert.Equal(t, []string{"d", n.ID, "d"}, p.pushed)

	tr, err := st.Tree(acct)
	require.NoError(t, err)

	rel, err := tr.RelativePath(n.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed/note.md", rel)
}

func TestUpsertFolder_FileIDRejected(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.UpsertFile(acct, FileRequest{ID: "f", Name: "file"})
	require.NoError(t, err)

	_, err = svc.UpsertFolder(acct, FolderRequest{ID: "f", Name: "x"})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidNode))
}

// --- Delete ---

func TestDelete_Cascades(t *testing.T) {
	svc, st, p := newService(t)

	_, err := svc.UpsertFolder(acct, FolderRequest{ID: "d", Name: "Docs"})
	require.NoError(t, err)
	_, err = svc.UpsertFolder(acct, FolderRequest{ID: "s", ParentID: "d", Name: "Sub"})
	require.NoError(t, err)
	_, err = svc.UpsertFile(acct, FileRequest{ID: "n", ParentID: "s", Name: "note"})
	require.NoError(t, err)
	_, err = svc.UpsertFile(acct, FileRequest{ID: "other", Name: "other"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(acct, "d"))

	nodes, err := st.AllNodes(acct)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "other", nodes[0].ID)
	assert.Equal(t, []string{"Docs"}, p.deleted)
}

func TestDelete_Unknown(t *testing.T) {
	svc, _, p := newService(t)

	err := svc.Delete(acct, "nope")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	assert.Empty(t, p.deleted)
}

// --- List / Get ---

func TestList_ResolvedPaths(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.UpsertFolder(acct, FolderRequest{ID: "d", Name: "Docs"})
	require.NoError(t, err)
	_, err = svc.UpsertFile(acct, FileRequest{ID: "a", ParentID: "d", Name: "a"})
	require.NoError(t, err)
	_, err = svc.UpsertFile(acct, FileRequest{ID: "b", ParentID: "d", Name: "A"})
	require.NoError(t, err)

	entries, err := svc.List(acct)
	require.NoError(t, err)

	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}

	assert.Equal(t, []string{"Docs", "Docs/A (1).md", "Docs/a.md"}, paths)

	e, err := svc.Get(acct, "b")
	require.NoError(t, err)
	assert.Equal(t, "Docs/A (1).md", e.Path)

	_, err = svc.Get(acct, "missing")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}
