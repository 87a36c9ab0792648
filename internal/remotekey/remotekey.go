// Package remotekey maps relative note paths to remote object keys and to
// local mirror paths. All functions are pure.
package remotekey

import (
	"path/filepath"
	"strings"
)

const (
	// notesDir is the fixed segment between the account ID and the note
	// tree in every key.
	notesDir = "notes"

	// FolderMarker is the placeholder object that stands in for a folder
	// on object stores, which have no empty-folder concept.
	FolderMarker = ".keep"
)

// Prefix returns the key prefix under which an account's notes live,
// including the trailing slash.
func Prefix(accountID string) string {
	return accountID + "/" + notesDir + "/"
}

// Key returns the remote key of a file: {account}/notes/{rel}.
func Key(accountID, rel string) string {
	return Prefix(accountID) + strings.Trim(rel, "/")
}

// FolderKey returns the remote key of a folder placeholder:
// {account}/notes/{rel}/.keep.
func FolderKey(accountID, rel string) string {
	return Key(accountID, rel) + "/" + FolderMarker
}

// ForNode returns Key or FolderKey depending on isFolder.
func ForNode(accountID, rel string, isFolder bool) string {
	if isFolder {
		return FolderKey(accountID, rel)
	}

	return Key(accountID, rel)
}

// IsFolderKey reports whether key is a folder placeholder key.
func IsFolderKey(key string) bool {
	return key == FolderMarker || strings.HasSuffix(key, "/"+FolderMarker)
}

// TrimFolderMarker strips the trailing /.keep from a folder key.
func TrimFolderMarker(key string) string {
	return strings.TrimSuffix(key, "/"+FolderMarker)
}

// TrimPrefix strips the account prefix from key. The second return is
// false when key is not under the account's notes prefix.
func TrimPrefix(accountID, key string) (string, bool) {
	prefix := Prefix(accountID)
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}

	return strings.TrimPrefix(key, prefix), true
}

// MirrorPath returns the local mirror path of a relative path:
// {base}/{account}/{rel}, using OS separators. It does not validate
// confinement; the mirror does that before writing.
func MirrorPath(baseDir, accountID, rel string) string {
	return filepath.Join(baseDir, accountID, filepath.FromSlash(rel))
}
