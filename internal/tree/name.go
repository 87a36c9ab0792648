// Package tree resolves nodes of an account's note tree to sanitized,
// sibling-unique relative paths. It does no I/O: callers build a Tree
// from a snapshot of the store and query it.
package tree

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/alexjbarnes/notesync/internal/models"
	"golang.org/x/text/unicode/norm"
)

const (
	// maxSegmentLen is the maximum length of a sanitized name, in runes.
	maxSegmentLen = 80

	// maxDuplicateSuffix is the highest " (n)" suffix tried before the
	// resolver falls back to an id-based suffix.
	maxDuplicateSuffix = 999

	// Placeholder replaces names that sanitize to nothing.
	Placeholder = "Untitled"

	// illegalChars are replaced with '_' in every segment.
	illegalChars = `<>:"/\|?*`
)

// SanitizeSegment makes a user-visible name safe to use as a single path
// segment on common filesystems and object stores. Illegal characters and
// control runes become '_', trailing dots and spaces are stripped, a
// leading dot is replaced so mirror entries never hide or collide with
// sidecar files, and the result is capped at 80 runes. Empty results
// become Placeholder.
func SanitizeSegment(name string) string {
	name = norm.NFC.String(name)

	var b strings.Builder

	for _, r := range name {
		if unicode.IsControl(r) || strings.ContainsRune(illegalChars, r) {
			b.WriteByte('_')
			continue
		}

		b.WriteRune(r)
	}

	s := strings.TrimLeft(b.String(), " ")
	s = strings.TrimRight(s, ". ")

	if utf8.RuneCountInString(s) > maxSegmentLen {
		s = string([]rune(s)[:maxSegmentLen])
		s = strings.TrimRight(s, ". ")
	}

	if strings.HasPrefix(s, ".") {
		s = "_" + s[1:]
	}

	if s == "" {
		return Placeholder
	}

	return s
}

// FileStem returns the sanitized base name for a file node: every
// trailing copy of the declared extension the user typed into the name
// is removed first, so "notes.md.md" with format md yields "notes".
func FileStem(name string, format models.Format) string {
	ext := format.Ext()
	stem := strings.TrimSpace(name)

	for len(stem) >= len(ext) && strings.EqualFold(stem[len(stem)-len(ext):], ext) {
		stem = strings.TrimSpace(stem[:len(stem)-len(ext)])
	}

	return SanitizeSegment(stem)
}

// FileName returns the desired leaf name for a file before sibling
// uniqueness is applied: the sanitized stem plus the format extension.
func FileName(name string, format models.Format) string {
	return FileStem(name, format) + format.Ext()
}

// DesiredName is the leaf name a node asks for, before uniqueness.
func DesiredName(n models.Node) string {
	if n.IsFolder() {
		return SanitizeSegment(n.Name)
	}

	return FileName(n.Name, n.Format)
}

// splitDesired separates the part of a desired name that takes the
// " (n)" suffix from the extension that must stay last.
func splitDesired(n models.Node) (base, ext string) {
	if n.IsFolder() {
		return SanitizeSegment(n.Name), ""
	}

	return FileStem(n.Name, n.Format), n.Format.Ext()
}

// foldKey is the case-insensitive comparison key for sibling names.
func foldKey(s string) string {
	return strings.ToLower(s)
}
