package e2e_test

import (
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type actionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Pushed  int    `json:"pushed"`
	Failed  int    `json:"failed"`
	Pruned  int    `json:"pruned"`
}

// --- API writes ---

func TestAPIWrite_ReachesMirrorAndRemote(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.useWebDAV(t)

	var test actionResponse
	require.Equal(t, http.StatusOK, h.call(t, http.MethodPost, "/storage/test", map[string]interface{}{
		"backend": "webdav", "url": h.DAVURL, "username": "user", "password": "********",
	}, &test))
	assert.True(t, test.Success, test.Message)

	h.putFolder(t, "d1", "", "Projects")
	h.putFile(t, "n1", "d1", "plan", "# Plan")

	waitFor(t, fileHas(h.mirrorPath("Projects/plan.md"), "# Plan"), "mirror file")
	waitFor(t, fileHas(h.remotePath("Projects/plan.md"), "# Plan"), "remote file")

	_, err := os.Stat(h.mirrorPath("Projects/plan.md.meta"))
	assert.NoError(t, err, "file sidecar")
}

func TestAPIWrite_StaleBaseConflicts(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	first := h.putFile(t, "n1", "", "note", "v1")

	var conflict struct {
		Message string `json:"message"`
		File    struct {
			Content   string `json:"content"`
			UpdatedAt int64  `json:"updatedAt"`
		} `json:"file"`
	}

	status := h.call(t, http.MethodPut, "/files", map[string]interface{}{
		"id": "n1", "name": "note", "content": "v2", "baseUpdatedAt": first.UpdatedAt - 1,
	}, &conflict)
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "v1", conflict.File.Content)
	assert.Equal(t, first.UpdatedAt, conflict.File.UpdatedAt)
}

func TestFolderRename_SyncNowPrunesOldPaths(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.useWebDAV(t)

	h.putFolder(t, "d1", "", "Docs")
	h.putFile(t, "n1", "d1", "a", "alpha")

	waitFor(t, fileHas(h.remotePath("Docs/a.md"), "alpha"), "remote file before rename")

	h.putFolder(t, "d1", "", "Archive")

	waitFor(t, fileHas(h.mirrorPath("Archive/a.md"), "alpha"), "mirror file after rename")
	waitFor(t, missing(h.mirrorPath("Docs")), "old mirror folder removed")
	waitFor(t, fileHas(h.remotePath("Archive/a.md"), "alpha"), "remote file after rename")

	var res actionResponse
	require.Equal(t, http.StatusOK, h.call(t, http.MethodPost, "/sync", nil, &res))
	assert.True(t, res.Success, res.Message)
	assert.Positive(t, res.Pruned)

	assert.NoFileExists(t, h.remotePath("Docs/a.md"))
	assert.FileExists(t, h.remotePath("Archive/a.md"))
}

func TestSyncStatus_ReportsBackend(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	var st struct {
		Busy   bool `json:"busy"`
		Remote bool `json:"remote"`
	}

	require.Equal(t, http.StatusOK, h.call(t, http.MethodGet, "/sync", nil, &st))
	assert.False(t, st.Remote)

	h.useWebDAV(t)

	require.Equal(t, http.StatusOK, h.call(t, http.MethodGet, "/sync", nil, &st))
	assert.True(t, st.Remote)
}

func TestDelete_RemovesMirrorAndRemote(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.useWebDAV(t)

	h.putFolder(t, "d1", "", "Trash")
	h.putFile(t, "n1", "d1", "old", "bye")

	waitFor(t, fileHas(h.remotePath("Trash/old.md"), "bye"), "remote file")

	require.Equal(t, http.StatusNoContent, h.call(t, http.MethodDelete, "/nodes/d1", nil, nil))

	waitFor(t, missing(h.mirrorPath("Trash")), "mirror folder removed")
	waitFor(t, missing(h.remotePath("Trash/old.md")), "remote file removed")
	assert.Empty(t, h.list(t))
}

// --- Duplicate names ---

// settle waits long enough for the watcher to process any pending mirror
// events.
func settle() {
	time.Sleep(400 * time.Millisecond)
}

func (h *harness) putDuplicates(t *testing.T) models.Node {
	t.Helper()

	first := h.putFile(t, "a1", "", "a", "first")
	h.putFile(t, "a2", "", "a", "second")

	waitFor(t, fileHas(h.mirrorPath("a (1).md"), "second"), "duplicate mirrored")
	waitFor(t, fileHas(h.remotePath("a (1).md"), "second"), "duplicate on remote")

	return first
}

func TestDuplicateDelete_KeepsSibling(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.useWebDAV(t)
	h.putDuplicates(t)

	require.Equal(t, http.StatusNoContent, h.call(t, http.MethodDelete, "/nodes/a1", nil, nil))

	waitFor(t, fileHas(h.mirrorPath("a.md"), "second"), "sibling takes over the plain name in the mirror")
	waitFor(t, fileHas(h.remotePath("a.md"), "second"), "sibling takes over the plain name on the remote")
	waitFor(t, missing(h.mirrorPath("a (1).md")), "old mirror path removed")
	waitFor(t, missing(h.remotePath("a (1).md")), "old remote path removed")
	settle()

	entries := h.list(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "a2", entries[0].ID)
	assert.Equal(t, "a.md", entries[0].Path)
}

func TestDuplicateRename_KeepsSibling(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.useWebDAV(t)
	first := h.putDuplicates(t)

	status := h.call(t, http.MethodPut, "/files", map[string]interface{}{
		"id": "a1", "name": "z", "content": "first", "baseUpdatedAt": first.UpdatedAt,
	}, nil)
	require.Equal(t, http.StatusOK, status)

	waitFor(t, fileHas(h.mirrorPath("z.md"), "first"), "renamed file mirrored")
	waitFor(t, fileHas(h.mirrorPath("a.md"), "second"), "sibling takes over the plain name")
	waitFor(t, missing(h.mirrorPath("a (1).md")), "old mirror path removed")
	settle()

	paths := make(map[string]string)
	for _, e := range h.list(t) {
		paths[e.ID] = e.Path
	}

	assert.Equal(t, map[string]string{"a1": "z.md", "a2": "a.md"}, paths)
	assert.FileExists(t, h.remotePath("z.md"))
}

func TestDuplicateContentEdit_KeepsPaths(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	first := h.putDuplicates(t)

	status := h.call(t, http.MethodPut, "/files", map[string]interface{}{
		"id": "a1", "name": "a", "content": "first, edited", "baseUpdatedAt": first.UpdatedAt,
	}, nil)
	require.Equal(t, http.StatusOK, status)

	waitFor(t, fileHas(h.mirrorPath("a.md"), "first, edited"), "edit mirrored in place")
	settle()

	assert.True(t, fileHas(h.mirrorPath("a (1).md"), "second")())

	paths := make(map[string]string)
	for _, e := range h.list(t) {
		paths[e.ID] = e.Path
	}

	assert.Equal(t, map[string]string{"a1": "a.md", "a2": "a (1).md"}, paths)
}

// --- Mirror edits ---

func TestMirrorEdit_UpdatesStoreAndRemote(t *testing.T) {
	h := newHarness(t, harnessOptions{conflictGrace: time.Millisecond})
	h.useWebDAV(t)

	h.putFile(t, "n1", "", "journal", "day one")
	waitFor(t, fileHas(h.remotePath("journal.md"), "day one"), "remote file")

	require.NoError(t, os.WriteFile(h.mirrorPath("journal.md"), []byte("day two"), 0o644))

	waitFor(t, fileHas(h.remotePath("journal.md"), "day two"), "remote picks up mirror edit")

	entries := h.list(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "n1", entries[0].ID)
	assert.Equal(t, "day two", entries[0].Content)
}

func TestMirrorCreate_AddsNodes(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.useWebDAV(t)

	// The account directory appears with the first API write.
	h.putFile(t, "seed", "", "seed", "x")
	waitFor(t, fileHas(h.mirrorPath("seed.md"), "x"), "seed mirrored")

	require.NoError(t, os.MkdirAll(h.mirrorPath("Ideas"), 0o755))
	require.NoError(t, os.WriteFile(h.mirrorPath("Ideas/new.md"), []byte("fresh"), 0o644))

	waitFor(t, func() bool {
		for _, e := range h.list(t) {
			if e.Path == "Ideas/new.md" && e.Content == "fresh" {
				return true
			}
		}

		return false
	}, "node created from mirror file")

	waitFor(t, fileHas(h.remotePath("Ideas/new.md"), "fresh"), "remote file")
}

func TestMirrorEdit_WithinGraceForksConflictCopy(t *testing.T) {
	h := newHarness(t, harnessOptions{conflictGrace: time.Minute})

	h.putFile(t, "n1", "", "draft", "server")
	waitFor(t, fileHas(h.mirrorPath("draft.md"), "server"), "mirror file")

	require.NoError(t, os.WriteFile(h.mirrorPath("draft.md"), []byte("local"), 0o644))

	waitFor(t, func() bool { return len(h.list(t)) == 2 }, "conflict copy created")

	for _, e := range h.list(t) {
		if e.ID == "n1" {
			assert.Equal(t, "server", e.Content)
			continue
		}

		assert.True(t, strings.HasPrefix(e.Name, "draft-conflict-local-"), e.Name)
		assert.Equal(t, "local", e.Content)
	}

	waitFor(t, fileHas(h.mirrorPath("draft.md"), "server"), "original restored in mirror")
}

func TestMirrorCreate_UnsanitizedNameEditedRepeatedly(t *testing.T) {
	h := newHarness(t, harnessOptions{conflictGrace: time.Millisecond})
	h.useWebDAV(t)

	h.putFile(t, "seed", "", "seed", "x")
	waitFor(t, fileHas(h.mirrorPath("seed.md"), "x"), "seed mirrored")

	for _, content := range []string{"v1", "v2", "v3"} {
		require.NoError(t, os.WriteFile(h.mirrorPath("a:b.md"), []byte(content), 0o644))

		waitFor(t, fileHas(h.mirrorPath("a_b.md"), content), "mirror holds "+content+" at the sanitized name")
		waitFor(t, missing(h.mirrorPath("a:b.md")), "raw name moved away")
		waitFor(t, fileHas(h.remotePath("a_b.md"), content), "remote holds "+content)
	}

	settle()

	entries := h.list(t)
	require.Len(t, entries, 2)

	for _, e := range entries {
		if e.ID == "seed" {
			continue
		}

		assert.Equal(t, "a_b.md", e.Path)
		assert.Equal(t, "v3", e.Content)
	}
}

func TestMirrorCreate_UnsanitizedFolderReused(t *testing.T) {
	h := newHarness(t, harnessOptions{conflictGrace: time.Millisecond})

	h.putFile(t, "seed", "", "seed", "x")
	waitFor(t, fileHas(h.mirrorPath("seed.md"), "x"), "seed mirrored")

	require.NoError(t, os.MkdirAll(h.mirrorPath("x:y"), 0o755))
	require.NoError(t, os.WriteFile(h.mirrorPath("x:y/one.md"), []byte("1"), 0o644))
	waitFor(t, fileHas(h.mirrorPath("x_y/one.md"), "1"), "first file under the sanitized folder")

	require.NoError(t, os.MkdirAll(h.mirrorPath("x:y"), 0o755))
	require.NoError(t, os.WriteFile(h.mirrorPath("x:y/two.md"), []byte("2"), 0o644))
	waitFor(t, fileHas(h.mirrorPath("x_y/two.md"), "2"), "second file under the sanitized folder")
	settle()

	var folders []string

	for _, e := range h.list(t) {
		if e.IsFolder() {
			folders = append(folders, e.Path)
		}
	}

	assert.Equal(t, []string{"x_y"}, folders)
}
