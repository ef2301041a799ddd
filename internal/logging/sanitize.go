package logging

import (
	"fmt"
	"path/filepath"
	"strings"
)

const maxPathComponentLength = 255

// validatePathComponent checks that name (a configured server name or a
// generated attempt ID) is safe to use as one path component under
// ConnectionLogDir. Guards against path traversal from a misconfigured
// server name reaching the filesystem.
func validatePathComponent(name, fieldName string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if len(name) > maxPathComponentLength {
		return fmt.Errorf("%s exceeds max length %d", fieldName, maxPathComponentLength)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%s contains path separator", fieldName)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%s contains null byte", fieldName)
	}
	if name == "." || name == ".." || strings.HasPrefix(name, "..") {
		return fmt.Errorf("%s contains path traversal", fieldName)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("%s starts with dot", fieldName)
	}
	return nil
}

// validatePathInBaseDir checks that resolvedPath, once made absolute,
// still falls under baseDir. Defense in depth alongside
// validatePathComponent. The comparison is lexical (filepath.Abs and
// filepath.Rel); symlinks are not resolved.
func validatePathInBaseDir(baseDir, resolvedPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolving base dir: %w", err)
	}
	absResolved, err := filepath.Abs(resolvedPath)
	if err != nil {
		return fmt.Errorf("resolving target path: %w", err)
	}
	rel, err := filepath.Rel(absBase, absResolved)
	if err != nil {
		return fmt.Errorf("path escapes base directory: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes base directory %q", resolvedPath, baseDir)
	}
	return nil
}
