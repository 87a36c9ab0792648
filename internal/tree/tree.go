package tree

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/models"
)

// Separator joins segments of a relative path. It is also the separator
// of remote keys; mirror paths convert it to the OS separator.
const Separator = "/"

type groupKey struct {
	parent string
	kind   models.Kind
}

// Tree is a read-only snapshot of one account's nodes. Unique sibling
// names are computed lazily per (parent, kind) group and memoized, so a
// reconcile pass over N nodes costs one assignment per group. A Tree is
// safe for concurrent use.
type Tree struct {
	nodes    map[string]models.Node
	children map[string][]string

	mu     sync.Mutex
	unique map[string]string
	done   map[groupKey]bool
}

// New builds a snapshot from the given nodes. Later duplicates of the
// same ID replace earlier ones.
func New(nodes []models.Node) *Tree {
	t := &Tree{
		nodes:    make(map[string]models.Node, len(nodes)),
		children: make(map[string][]string),
		unique:   make(map[string]string, len(nodes)),
		done:     make(map[groupKey]bool),
	}

	for _, n := range nodes {
		t.nodes[n.ID] = n
	}

	ids := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		p := t.parentOf(t.nodes[id])
		t.children[p] = append(t.children[p], id)
	}

	return t
}

// Len returns the number of nodes in the snapshot.
func (t *Tree) Len() int {
	return len(t.nodes)
}

// Node returns the node with the given ID.
func (t *Tree) Node(id string) (models.Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Nodes returns every node ordered by ID.
func (t *Tree) Nodes() []models.Node {
	out := make([]models.Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// parentOf returns the effective parent of n. A parent that is missing,
// is a file, or is n itself is treated as the root.
func (t *Tree) parentOf(n models.Node) string {
	if n.ParentID == "" || n.ParentID == n.ID {
		return ""
	}

	p, ok := t.nodes[n.ParentID]
	if !ok || !p.IsFolder() {
		return ""
	}

	return p.ID
}

// ParentOf returns the effective parent ID of the node with the given
// ID, or "" for root-level (or unknown) nodes.
func (t *Tree) ParentOf(id string) string {
	n, ok := t.nodes[id]
	if !ok {
		return ""
	}

	return t.parentOf(n)
}

// Children returns the direct children of parentID ("" for the root),
// ordered by ID.
func (t *Tree) Children(parentID string) []models.Node {
	ids := t.children[parentID]
	out := make([]models.Node, 0, len(ids))

	for _, id := range ids {
		out = append(out, t.nodes[id])
	}

	return out
}

// Descendants returns every node below id, breadth first. Each node is
// visited once even when the parent graph has a cycle.
func (t *Tree) Descendants(id string) []models.Node {
	visited := map[string]bool{id: true}
	queue := []string{id}

	var out []models.Node

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, child := range t.children[cur] {
			if visited[child] {
				continue
			}

			visited[child] = true
			out = append(out, t.nodes[child])
			queue = append(queue, child)
		}
	}

	return out
}

// Name returns the sibling-unique leaf name of the node with the given
// ID, or "" if it is not in the snapshot.
func (t *Tree) Name(id string) string {
	n, ok := t.nodes[id]
	if !ok {
		return ""
	}

	key := groupKey{parent: t.parentOf(n), kind: n.Kind}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.done[key] {
		t.assignGroup(key)
		t.done[key] = true
	}

	return t.unique[id]
}

// assignGroup computes unique names for every sibling of one kind under
// one parent. Names are compared case-insensitively. In the first pass
// each distinct desired name goes to the node that has held it longest
// (NamedAt, then ID), so content edits never move a claim. In the
// second pass the remaining nodes, in name order, get the lowest free
// " (n)" suffix, inserted before the extension.
func (t *Tree) assignGroup(key groupKey) {
	type candidate struct {
		node    models.Node
		desired string
		fold    string
	}

	var cands []candidate

	for _, id := range t.children[key.parent] {
		n := t.nodes[id]
		if n.Kind != key.kind {
			continue
		}

		d := DesiredName(n)
		cands = append(cands, candidate{node: n, desired: d, fold: foldKey(d)})
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.fold != b.fold {
			return a.fold < b.fold
		}

		if a.node.NamedAt != b.node.NamedAt {
			return a.node.NamedAt < b.node.NamedAt
		}

		return a.node.ID < b.node.ID
	})

	claimed := make(map[string]bool, len(cands))

	var losers []candidate

	for _, c := range cands {
		if claimed[c.fold] {
			losers = append(losers, c)
			continue
		}

		claimed[c.fold] = true
		t.unique[c.node.ID] = c.desired
	}

	for _, c := range losers {
		base, ext := splitDesired(c.node)
		name := numberedName(base, ext, c.node.ID, claimed)
		claimed[foldKey(name)] = true
		t.unique[c.node.ID] = name
	}
}

// numberedName returns base + " (n)" + ext for the lowest n in
// [1, 999] not present in taken. When all are taken it falls back to a
// suffix derived from the node ID, which is unique among siblings.
func numberedName(base, ext, id string, taken map[string]bool) string {
	for i := 1; i <= maxDuplicateSuffix; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if !taken[foldKey(candidate)] {
			return candidate
		}
	}

	return fmt.Sprintf("%s (%s)%s", base, SanitizeSegment(id), ext)
}

// RelativePath returns the sanitized, sibling-unique path of a node from
// the account root, with segments joined by Separator. The ancestor walk
// keeps a visited set, so a cycle in parent links ends the walk instead
// of looping: the remaining ancestors are treated as the root.
func (t *Tree) RelativePath(id string) (string, error) {
	n, ok := t.nodes[id]
	if !ok {
		return "", fmt.Errorf("resolving path for %s: %w", id, apperrors.ErrNotFound)
	}

	segs := []string{t.Name(id)}
	visited := map[string]bool{id: true}

	for cur := t.parentOf(n); cur != ""; cur = t.parentOf(t.nodes[cur]) {
		if visited[cur] {
			break
		}

		visited[cur] = true
		segs = append(segs, t.Name(cur))
	}

	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}

	return strings.Join(segs, Separator), nil
}

// Paths returns the relative path of every node, keyed by ID.
func (t *Tree) Paths() map[string]string {
	out := make(map[string]string, len(t.nodes))

	for id := range t.nodes {
		p, err := t.RelativePath(id)
		if err == nil {
			out[id] = p
		}
	}

	return out
}

// FindByPath returns the node whose resolved relative path equals rel,
// compared case-insensitively segment by segment.
func (t *Tree) FindByPath(rel string) (models.Node, bool) {
	rel = strings.Trim(rel, Separator)
	if rel == "" {
		return models.Node{}, false
	}

	parent := ""
	segs := strings.Split(rel, Separator)

	var found models.Node

	for i, seg := range segs {
		match := false

		for _, id := range t.children[parent] {
			if !strings.EqualFold(t.Name(id), seg) {
				continue
			}

			n := t.nodes[id]
			// Intermediate segments must be folders.
			if i < len(segs)-1 && !n.IsFolder() {
				continue
			}

			found = n
			parent = id
			match = true

			break
		}

		if !match {
			return models.Node{}, false
		}
	}

	return found, true
}

// FindFolder returns the child folder of parent whose unique name equals
// seg, or failing that whose sanitized name equals seg sanitized, both
// compared case-insensitively. The second form matches a directory whose
// raw name the mirror had to rewrite.
func (t *Tree) FindFolder(parent, seg string) (models.Node, bool) {
	var fallback *models.Node

	clean := SanitizeSegment(seg)

	for _, id := range t.children[parent] {
		n := t.nodes[id]
		if !n.IsFolder() {
			continue
		}

		if strings.EqualFold(t.Name(id), seg) {
			return n, true
		}

		if fallback == nil && strings.EqualFold(SanitizeSegment(n.Name), clean) {
			cp := n
			fallback = &cp
		}
	}

	if fallback != nil {
		return *fallback, true
	}

	return models.Node{}, false
}
