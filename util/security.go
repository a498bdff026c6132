package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrPathTraversal is returned for paths containing ".." segments
	ErrPathTraversal = errors.New("path traversal attempt detected")
	// ErrSymlinkNotAllowed is returned when a data file is a symlink
	ErrSymlinkNotAllowed = errors.New("symlink not allowed")
)

// CleanFilePath validates an operator-supplied data file path (role table,
// user seed, audit database) and returns it in absolute form. Traversal
// sequences are checked before cleaning, since Clean would hide them.
func CleanFilePath(path string, rejectSymlinks bool) (string, error) {
	if path == "" {
		return "", fmt.Errorf("file path cannot be empty")
	}
	if len(path) > 4096 {
		return "", fmt.Errorf("file path too long")
	}
	if strings.Contains(path, "\x00") {
		return "", fmt.Errorf("null bytes not allowed in path")
	}
	for _, seg := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", ErrPathTraversal
		}
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolve file path: %w", err)
	}
	if rejectSymlinks {
		if fi, err := os.Lstat(abs); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			return "", ErrSymlinkNotAllowed
		}
	}
	return abs, nil
}
