package tasks

import (
	"errors"
	"fmt"
)

// ErrSelfDependency marks an attempt to make a task depend on itself.
var ErrSelfDependency = errors.New("task cannot depend on itself")

// AddDependency records that task id is blocked by depID. The edge is
// mirrored: depID's blocks list gains id. Both sides are idempotent. The
// two writes are separate locked updates, so a reader may transiently
// observe one side only.
func (s *Store) AddDependency(id, depID string) error {
	if id == depID {
		return fmt.Errorf("task %s: %w", id, ErrSelfDependency)
	}

	for _, check := range []string{id, depID} {
		t, err := s.Get(check)
		if err != nil {
			return err
		}
		if t == nil {
			return fmt.Errorf("task %s: %w", check, ErrNotFound)
		}
	}

	if _, err := s.Update(id, func(t *Task) error {
		if !contains(t.BlockedBy, depID) {
			t.BlockedBy = append(t.BlockedBy, depID)
		}
		return nil
	}); err != nil {
		return err
	}

	_, err := s.Update(depID, func(t *Task) error {
		if !contains(t.Blocks, id) {
			t.Blocks = append(t.Blocks, id)
		}
		return nil
	})
	return err
}

// RemoveDependency removes the mirrored edge between id and depID. Missing
// tasks or absent edges are tolerated.
func (s *Store) RemoveDependency(id, depID string) error {
	if _, err := s.Update(id, func(t *Task) error {
		t.BlockedBy = remove(t.BlockedBy, depID)
		return nil
	}); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if _, err := s.Update(depID, func(t *Task) error {
		t.Blocks = remove(t.Blocks, id)
		return nil
	}); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}
