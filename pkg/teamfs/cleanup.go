package teamfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape marks a cleanup or clear target that resolves outside its
// expected root. These are hard failures: nothing is removed.
var ErrPathEscape = errors.New("path outside teams root")

// EnsureInside verifies that path resolves strictly inside root. Both are
// made absolute before comparison; equality with root is rejected.
func EnsureInside(root, path string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve root %s: %w", root, err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path %s: %w", path, err)
	}

	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("Refusing to operate on path outside teams root: %s: %w", path, ErrPathEscape)
	}
	return nil
}

// CleanupTeamDir force-removes dir recursively after proving it lives
// strictly inside root. Idempotent: a missing dir is not an error.
func CleanupTeamDir(root, dir string) error {
	if err := EnsureInside(root, dir); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}
