package mirror

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/models"
)

// checkSegment rejects values that are used as, or stored next to, a
// single path segment and could escape it.
func checkSegment(what, s string) error {
	switch {
	case s == "":
		return fmt.Errorf("empty %s: %w", what, apperrors.ErrPathUnsafe)
	case strings.ContainsRune(s, 0):
		return fmt.Errorf("%s contains null byte: %w", what, apperrors.ErrPathUnsafe)
	case strings.ContainsAny(s, `/\`):
		return fmt.Errorf("%s %q contains a separator: %w", what, s, apperrors.ErrPathUnsafe)
	case s == "." || s == "..":
		return fmt.Errorf("%s %q: %w", what, s, apperrors.ErrPathUnsafe)
	}

	return nil
}

// checkName rejects raw node names that try to traverse. Names are
// sanitized before use, so this only refuses obviously hostile input.
func checkName(name string) error {
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("name contains null byte: %w", apperrors.ErrPathUnsafe)
	}

	norm := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(norm, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return fmt.Errorf("name %q is absolute: %w", name, apperrors.ErrPathUnsafe)
	}

	for _, seg := range strings.Split(norm, "/") {
		if seg == ".." {
			return fmt.Errorf("name %q contains ..: %w", name, apperrors.ErrPathUnsafe)
		}
	}

	return nil
}

func checkNode(accountID string, n models.Node) error {
	if err := checkSegment("account id", accountID); err != nil {
		return err
	}

	if err := checkSegment("node id", n.ID); err != nil {
		return err
	}

	return checkName(n.Name)
}

// resolve converts a relative path to an absolute path within the
// account's mirror directory, rejecting traversal. Validates against
// null bytes, ".." segments, and symlinks that escape the account root.
func (m *Mirror) resolve(accountID, rel string) (string, error) {
	root, err := m.AccountDir(accountID)
	if err != nil {
		return "", err
	}

	if rel == "" {
		return "", fmt.Errorf("empty path: %w", apperrors.ErrPathUnsafe)
	}

	if strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("path contains null byte: %w", apperrors.ErrPathUnsafe)
	}

	rel = strings.ReplaceAll(rel, "\\", "/")

	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %q contains ..: %w", rel, apperrors.ErrPathUnsafe)
		}
	}

	absPath := filepath.Join(root, filepath.FromSlash(rel))
	if !strings.HasPrefix(absPath, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q resolves outside account dir: %w", rel, apperrors.ErrPathUnsafe)
	}

	// Resolve symlinks of the target, or of the deepest existing
	// ancestor when the target does not exist yet.
	candidate := absPath

	for {
		realPath, err := filepath.EvalSymlinks(candidate)
		if err == nil {
			if realPath != root && !strings.HasPrefix(realPath, root+string(os.PathSeparator)) {
				return "", fmt.Errorf("symlink traversal blocked: %q resolves to %q: %w", rel, realPath, apperrors.ErrPathUnsafe)
			}

			return absPath, nil
		}

		if !os.IsNotExist(err) {
			return "", fmt.Errorf("resolving symlinks for %q: %w", rel, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate || len(parent) < len(root) {
			return absPath, nil
		}

		candidate = parent
	}
}

func writeMeta(path string, n models.Node) error {
	meta := models.MirrorMeta{ID: n.ID, Kind: n.Kind}
	if !n.IsFolder() {
		meta.Format = n.Format
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, filePerm); err != nil {
		return fmt.Errorf("writing sidecar %s: %w", path, err)
	}

	return nil
}
