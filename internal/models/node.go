// Package models defines types shared across internal packages.
package models

import "strings"

// Kind distinguishes files from folders in the note tree.
type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

// Format is the extension a file node is materialized with.
type Format string

const (
	FormatMarkdown Format = "md"
	FormatText     Format = "txt"
)

// Valid reports whether f is one of the supported note formats.
func (f Format) Valid() bool {
	return f == FormatMarkdown || f == FormatText
}

// Ext returns the extension including the leading dot. Unknown formats
// fall back to markdown.
func (f Format) Ext() string {
	if f == FormatText {
		return ".txt"
	}

	return ".md"
}

// FormatFromExt maps a file extension (with or without the dot, any
// case) to a Format. The second return is false for unsupported
// extensions.
func FormatFromExt(ext string) (Format, bool) {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "md":
		return FormatMarkdown, true
	case "txt":
		return FormatText, true
	}

	return "", false
}

// Node is a file or folder in an account's note tree. ID is stable across
// renames and moves. An empty ParentID places the node at the root.
// UpdatedAt is stamped by the store only, in milliseconds, and strictly
// increases on every write of the same node. NamedAt is the UpdatedAt of
// the write that last changed the node's placement (name, parent, kind
// or format); content edits leave it alone.
type Node struct {
	ID        string `json:"id"`
	ParentID  string `json:"parentId,omitempty"`
	Name      string `json:"name"`
	Kind      Kind   `json:"kind"`
	Content   string `json:"content,omitempty"`
	Format    Format `json:"formatExtension,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
	NamedAt   int64  `json:"namedAt,omitempty"`
}

// SamePlacement reports whether n and o resolve to the same sibling slot
// candidate: same parent, name, kind and format.
func (n Node) SamePlacement(o Node) bool {
	return n.ParentID == o.ParentID && n.Name == o.Name && n.Kind == o.Kind && n.Format == o.Format
}

// IsFolder reports whether the node is a folder.
func (n Node) IsFolder() bool {
	return n.Kind == KindFolder
}

// MirrorMeta is the sidecar written next to every mirrored entry so the
// watcher can map a disk path back to a node without trusting the
// sanitized display name.
type MirrorMeta struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	Format Format `json:"formatExtension,omitempty"`
}
