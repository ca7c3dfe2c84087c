package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/jg-phare/crew/pkg/teamfs"
)

// ClearMode selects which tasks Clear removes.
type ClearMode string

const (
	ClearCompleted ClearMode = "completed"
	ClearAll       ClearMode = "all"
)

// ClearResult reports the outcome of a Clear sweep.
type ClearResult struct {
	Deleted []string
	Skipped []string
	Errors  map[string]error
}

// Clear deletes task files in the list directory: completed tasks only, or
// all of them. A non-empty idPattern narrows the sweep to matching task
// ids ("1*", "[0-9]", "{3,7,12}", ...); non-matching tasks are untouched.
// The directory must resolve inside the team directory; anything else is
// refused before a single file is touched. Per-file failures are
// collected, not fatal.
func (s *Store) Clear(mode ClearMode, idPattern string) (*ClearResult, error) {
	if mode != ClearCompleted && mode != ClearAll {
		return nil, fmt.Errorf("invalid clear mode %q", mode)
	}
	if idPattern != "" && !doublestar.ValidatePattern(idPattern) {
		return nil, fmt.Errorf("invalid task id pattern %q", idPattern)
	}
	if err := teamfs.EnsureInside(s.teamDir, s.dir); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &ClearResult{Errors: map[string]error{}}, nil
		}
		return nil, fmt.Errorf("read task directory: %w", err)
	}

	result := &ClearResult{Errors: map[string]error{}}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")

		if idPattern != "" {
			if ok, _ := doublestar.Match(idPattern, id); !ok {
				continue
			}
		}

		if mode == ClearCompleted {
			task, err := s.Get(id)
			if err != nil || task == nil || task.Status != StatusCompleted {
				result.Skipped = append(result.Skipped, id)
				continue
			}
		}

		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			result.Errors[id] = err
			continue
		}
		result.Deleted = append(result.Deleted, id)
	}
	return result, nil
}
