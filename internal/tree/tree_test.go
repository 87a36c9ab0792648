package tree

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func file(id, parent, name string, ts int64) models.Node {
	return models.Node{ID: id, ParentID: parent, Name: name, Kind: models.KindFile, Format: models.FormatMarkdown, UpdatedAt: ts, NamedAt: ts}
}

func txt(id, parent, name string, ts int64) models.Node {
	n := file(id, parent, name, ts)
	n.Format = models.FormatText

	return n
}

func folder(id, parent, name string, ts int64) models.Node {
	return models.Node{ID: id, ParentID: parent, Name: name, Kind: models.KindFolder, UpdatedAt: ts, NamedAt: ts}
}

func mustPath(t *testing.T, tr *Tree, id string) string {
	t.Helper()

	p, err := tr.RelativePath(id)
	require.NoError(t, err)

	return p
}

// --- SanitizeSegment ---

func TestSanitizeSegment(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{`a<b>c:d"e/f\g|h?i*j`, "a_b_c_d_e_f_g_h_i_j"},
		{"tab\there", "tab_here"},
		{"trailing...", "trailing"},
		{"trailing. . ", "trailing"},
		{"   ", Placeholder},
		{"", Placeholder},
		{"..", Placeholder},
		{"../../etc/passwd", "_._.._etc_passwd"},
		{".hidden", "_hidden"},
		{"  leading", "leading"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeSegment(tt.in), "input %q", tt.in)
	}
}

func TestSanitizeSegment_Truncates(t *testing.T) {
	long := strings.Repeat("é", 120)
	got := SanitizeSegment(long)
	assert.Equal(t, 80, utf8.RuneCountInString(got))
	assert.True(t, utf8.ValidString(got))
}

func TestSanitizeSegment_TruncateStripsTrailingDots(t *testing.T) {
	in := strings.Repeat("a", 79) + ".bbbb"
	assert.Equal(t, strings.Repeat("a", 79), SanitizeSegment(in))
}

func TestSanitizeSegment_NFC(t *testing.T) {
	decomposed := "e\u0301"
	assert.Equal(t, "\u00e9", SanitizeSegment(decomposed))
}

// --- FileName ---

func TestFileName_StripsDuplicateExtension(t *testing.T) {
	assert.Equal(t, "report.txt", FileName("report.txt", models.FormatText))
	assert.Equal(t, "report.txt", FileName("report.txt.TXT", models.FormatText))
	assert.Equal(t, "report.md", FileName("report", models.FormatMarkdown))
	assert.Equal(t, "report.txt.md", FileName("report.txt", models.FormatMarkdown))
	assert.Equal(t, Placeholder+".md", FileName(".md", models.FormatMarkdown))
}

// --- Uniqueness ---

func TestName_ExtensionPreservedOnCollision(t *testing.T) {
	tr := New([]models.Node{
		txt("a", "", "report.txt", 1),
		txt("b", "", "Report.txt", 2),
	})

	assert.Equal(t, "report.txt", tr.Name("a"))
	assert.Equal(t, "Report (1).txt", tr.Name("b"))
}

func TestName_RenameCollisionScenario(t *testing.T) {
	// a.md and "a (1).md" exist; b.md is renamed to a.md.
	tr := New([]models.Node{
		file("n1", "", "a", 10),
		file("n2", "", "a (1)", 20),
		file("n3", "", "a", 30),
	})

	assert.Equal(t, "a.md", mustPath(t, tr, "n1"))
	assert.Equal(t, "a (1).md", mustPath(t, tr, "n2"))
	assert.Equal(t, "a (2).md", mustPath(t, tr, "n3"))
}

func TestName_FoldersAndFilesDoNotCollide(t *testing.T) {
	tr := New([]models.Node{
		folder("d", "", "notes.md", 1),
		file("f", "", "notes", 2),
	})

	assert.Equal(t, "notes.md", tr.Name("d"))
	assert.Equal(t, "notes.md", tr.Name("f"))
}

func TestName_DifferentParentsDoNotCollide(t *testing.T) {
	tr := New([]models.Node{
		folder("d1", "", "one", 1),
		folder("d2", "", "two", 1),
		file("f1", "d1", "x", 1),
		file("f2", "d2", "x", 2),
	})

	assert.Equal(t, "one/x.md", mustPath(t, tr, "f1"))
	assert.Equal(t, "two/x.md", mustPath(t, tr, "f2"))
}

func TestName_AllSiblingsDistinct(t *testing.T) {
	var nodes []models.Node
	for i := 0; i < 25; i++ {
		name := "Dup"
		if i%2 == 0 {
			name = "dup"
		}

		nodes = append(nodes, file(fmt.Sprintf("id%02d", i), "", name, int64(i%3)))
	}

	nodes = append(nodes, file("lit", "", "dup (3)", 5))

	tr := New(nodes)
	seen := make(map[string]string)

	for _, n := range nodes {
		p := strings.ToLower(mustPath(t, tr, n.ID))
		prev, dup := seen[p]
		require.False(t, dup, "%s and %s both resolve to %s", prev, n.ID, p)
		seen[p] = n.ID
	}

	assert.Equal(t, "dup (3).md", tr.Name("lit"), "literal name keeps its claim")
}

func TestName_IndependentOfInsertionOrder(t *testing.T) {
	nodes := []models.Node{
		file("a", "", "x", 3),
		file("b", "", "X", 1),
		file("c", "", "x (1)", 2),
		file("d", "", "x", 1),
	}

	reversed := make([]models.Node, len(nodes))
	for i, n := range nodes {
		reversed[len(nodes)-1-i] = n
	}

	t1 := New(nodes)
	t2 := New(reversed)

	assert.Equal(t, t1.Paths(), t2.Paths())
}

func TestName_Idempotent(t *testing.T) {
	nodes := []models.Node{
		folder("d", "", "Docs", 1),
		file("a", "d", "x", 3),
		file("b", "d", "x", 1),
	}

	first := New(nodes).Paths()
	second := New(nodes).Paths()
	assert.Equal(t, first, second)
	assert.Equal(t, "Docs/x.md", first["b"])
	assert.Equal(t, "Docs/x (1).md", first["a"])
}

func TestName_ContentEditKeepsDuplicatePaths(t *testing.T) {
	a := file("a", "d", "x", 1)
	b := file("b", "d", "x", 2)
	nodes := []models.Node{folder("d", "", "Docs", 1), a, b}

	before := New(nodes).Paths()
	assert.Equal(t, "Docs/x.md", before["a"])
	assert.Equal(t, "Docs/x (1).md", before["b"])

	// A content edit restamps UpdatedAt only.
	a.UpdatedAt = 50
	a.Content = "edited"
	after := New([]models.Node{folder("d", "", "Docs", 1), a, b}).Paths()
	assert.Equal(t, before, after)
}

func TestName_RenamedIntoTakenNameGetsSuffix(t *testing.T) {
	a := file("a", "", "x", 5)
	b := file("b", "", "y", 1)
	assert.Equal(t, "y.md", New([]models.Node{a, b}).Paths()["b"])

	// b was named earlier but its rename to "x" is the newer placement.
	b.Name = "x"
	b.UpdatedAt, b.NamedAt = 9, 9
	paths := New([]models.Node{a, b}).Paths()
	assert.Equal(t, "x.md", paths["a"])
	assert.Equal(t, "x (1).md", paths["b"])
}

func TestNumberedName_FallsBackAfterLimit(t *testing.T) {
	taken := map[string]bool{"a.md": true}
	for i := 1; i <= maxDuplicateSuffix; i++ {
		taken[fmt.Sprintf("a (%d).md", i)] = true
	}

	assert.Equal(t, "a (node-7).md", numberedName("a", ".md", "node-7", taken))
}

// --- Ancestry ---

func TestRelativePath_Nested(t *testing.T) {
	tr := New([]models.Node{
		folder("r", "", "Root:Folder", 1),
		folder("s", "r", "sub.", 1),
		txt("f", "s", "todo.txt", 1),
	})

	assert.Equal(t, "Root_Folder/sub/todo.txt", mustPath(t, tr, "f"))
	assert.Equal(t, "Root_Folder/sub", mustPath(t, tr, "s"))
}

func TestRelativePath_CycleTerminates(t *testing.T) {
	tr := New([]models.Node{
		folder("a", "b", "A", 1),
		folder("b", "a", "B", 1),
		file("f", "a", "note", 1),
	})

	p := mustPath(t, tr, "f")
	assert.Equal(t, "B/A/note.md", p)
	assert.Equal(t, "B/A", mustPath(t, tr, "a"))
	assert.Equal(t, "A/B", mustPath(t, tr, "b"))
}

func TestRelativePath_SelfParent(t *testing.T) {
	tr := New([]models.Node{folder("a", "a", "A", 1)})
	assert.Equal(t, "A", mustPath(t, tr, "a"))
}

func TestRelativePath_MissingParentIsRoot(t *testing.T) {
	tr := New([]models.Node{file("f", "gone", "orphan", 1)})
	assert.Equal(t, "orphan.md", mustPath(t, tr, "f"))
}

func TestRelativePath_FileParentIsRoot(t *testing.T) {
	tr := New([]models.Node{
		file("p", "", "parent", 1),
		file("f", "p", "child", 1),
	})

	assert.Equal(t, "child.md", mustPath(t, tr, "f"))
}

func TestRelativePath_Unknown(t *testing.T) {
	_, err := New(nil).RelativePath("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

// --- Descendants / lookup ---

func TestDescendants(t *testing.T) {
	tr := New([]models.Node{
		folder("a", "", "A", 1),
		folder("b", "a", "B", 1),
		file("c", "b", "c", 1),
		file("d", "", "d", 1),
	})

	var ids []string
	for _, n := range tr.Descendants("a") {
		ids = append(ids, n.ID)
	}

	assert.Equal(t, []string{"b", "c"}, ids)
	assert.Empty(t, tr.Descendants("d"))
}

func TestDescendants_Cycle(t *testing.T) {
	tr := New([]models.Node{
		folder("a", "b", "A", 1),
		folder("b", "a", "B", 1),
	})

	d := tr.Descendants("a")
	require.Len(t, d, 1)
	assert.Equal(t, "b", d[0].ID)
}

func TestFindByPath(t *testing.T) {
	tr := New([]models.Node{
		folder("d", "", "Docs", 1),
		file("a", "d", "x", 1),
		file("b", "d", "x", 2),
	})

	n, ok := tr.FindByPath("docs/X (1).md")
	require.True(t, ok)
	assert.Equal(t, "b", n.ID)

	n, ok = tr.FindByPath("Docs")
	require.True(t, ok)
	assert.Equal(t, "d", n.ID)

	_, ok = tr.FindByPath("Docs/missing.md")
	assert.False(t, ok)

	_, ok = tr.FindByPath("")
	assert.False(t, ok)
}

func TestFindFolder_SanitizedFallback(t *testing.T) {
	tr := New([]models.Node{
		folder("d", "", "a:b", 1),
	})

	n, ok := tr.FindFolder("", "A_B")
	require.True(t, ok)
	assert.Equal(t, "d", n.ID)

	_, ok = tr.FindFolder("", "other")
	assert.False(t, ok)
}

func TestFindFolder_UnsanitizedSegment(t *testing.T) {
	long := strings.Repeat("n", 100)
	tr := New([]models.Node{
		folder("d", "", "a:b", 1),
		folder("l", "", long, 1),
	})

	n, ok := tr.FindFolder("", "a:b")
	require.True(t, ok)
	assert.Equal(t, "d", n.ID)

	n, ok = tr.FindFolder("", "A?B")
	require.True(t, ok)
	assert.Equal(t, "d", n.ID)

	n, ok = tr.FindFolder("", long+"x")
	require.True(t, ok, "names past the segment limit match on their truncated form")
	assert.Equal(t, "l", n.ID)
}
