// SPDX-License-Identifier: MIT

// Package fsutil confines file paths to a root directory. Object keys
// and staging segments derive from request data, so every join gets
// checked against traversal and symlink escape before use.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfineRel joins root and a relative target and returns the absolute
// path, guaranteed to sit under the resolved root. Existing symlinks
// are followed and re-checked so a link inside the root cannot point
// the caller outside it.
func ConfineRel(root, rel string) (string, error) {
	if strings.Contains(rel, "\\") {
		return "", fmt.Errorf("path contains backslash: %s", rel)
	}

	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("path must be relative: %s", rel)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %s", rel)
	}

	realRoot, err := resolveRoot(root)
	if err != nil {
		return "", err
	}
	return resolveWithin(realRoot, filepath.Join(realRoot, clean))
}

func resolveRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", err
		}
		return abs, nil
	}
	return real, nil
}

// resolveWithin resolves symlinks on the candidate path (or its parent
// when the file does not exist yet) and verifies the result stays
// under realRoot.
func resolveWithin(realRoot, candidate string) (string, error) {
	real, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("resolve %s: %w", candidate, err)
		}
		// Not created yet: resolve the closest existing parent and
		// re-attach the remainder.
		parent, err := filepath.EvalSymlinks(filepath.Dir(candidate))
		if err != nil {
			if !os.IsNotExist(err) {
				return "", fmt.Errorf("resolve parent of %s: %w", candidate, err)
			}
			real = candidate
		} else {
			real = filepath.Join(parent, filepath.Base(candidate))
		}
	}

	relToRoot, err := filepath.Rel(realRoot, real)
	if err != nil {
		return "", fmt.Errorf("confine %s: %w", candidate, err)
	}
	if relToRoot == ".." || strings.HasPrefix(relToRoot, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root via symlink: %s", candidate)
	}
	return real, nil
}

// IsRegularFile reports an error unless path names an existing regular
// file.
func IsRegularFile(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", path)
	}
	return nil
}
