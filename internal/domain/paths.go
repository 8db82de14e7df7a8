package domain

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ResolveUnder joins rel beneath root and rejects every escape: NUL bytes,
// absolute paths, and dot-dot breakouts. Every path that crosses a process
// boundary (API, job payload, archive entry) resolves through here.
func ResolveUnder(root, rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: NUL byte in path", ErrForbidden)
	}
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute path", ErrForbidden)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes root", ErrForbidden)
	}
	return filepath.Join(root, clean), nil
}
