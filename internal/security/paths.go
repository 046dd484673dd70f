// Package security confines user-supplied paths to configured directories.
package security

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/banshee-data/bloom.scanner/internal/hwerr"
)

// canonical resolves symlinks in the longest existing prefix of path.
// Components that do not exist yet are appended unchanged.
func canonical(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	check := path
	for {
		parent := filepath.Dir(check)
		if parent == check {
			return path
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rel, _ := filepath.Rel(parent, path)
			return filepath.Join(resolved, rel)
		}
		check = parent
	}
}

// WithinDirectory reports an error unless path stays inside dir once ".."
// and any symlinks in its existing prefix are resolved.
func WithinDirectory(path, dir string) error {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory path: %w", err)
	}

	rel, err := filepath.Rel(canonical(absDir), canonical(absPath))
	if err != nil {
		return fmt.Errorf("path is outside %s: %w", dir, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: %s escapes %s", path, dir)
	}
	return nil
}

// ResolveOutputPath places a scan output directory under root. Relative
// paths are joined to root; absolute ones must already lie inside it. An
// empty root leaves path untouched.
func ResolveOutputPath(path, root string) (string, error) {
	if root == "" {
		return path, nil
	}
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	if err := WithinDirectory(resolved, root); err != nil {
		return "", hwerr.InvalidArgument("output_path %q not allowed: %v", path, err)
	}
	return filepath.Clean(resolved), nil
}
