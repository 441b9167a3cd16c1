package snapshot

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathEscapes is returned when a user-supplied snapshot path resolves
// outside the configured snapshot directory.
var ErrPathEscapes = errors.New("snapshot: path escapes snapshot directory")

// ResolvePath resolves a user-provided path against the configured snapshot
// root, rejecting anything that escapes the root after canonicalization.
// An empty userPath resolves to defaultFilename.
func ResolvePath(root, userPath, defaultFilename string) (string, error) {
	if userPath == "" {
		userPath = defaultFilename
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("snapshot: resolve root: %w", err)
	}

	candidate := userPath
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(absRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(absRoot, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathEscapes
	}
	return candidate, nil
}
