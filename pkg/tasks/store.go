package tasks

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jg-phare/crew/pkg/teamfs"
)

// ErrNotFound marks an operation addressed at a task that does not exist.
var ErrNotFound = errors.New("task not found")

// Store manages one task list's directory of task files.
type Store struct {
	teamDir string
	dir     string
	lock    teamfs.LockOptions
}

// NewStore creates a Store for the given task list under teamDir.
func NewStore(teamDir, taskListID string) *Store {
	return &Store{
		teamDir: teamDir,
		dir:     teamfs.TasksDir(teamDir, taskListID),
	}
}

// Dir returns the task list directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) taskPath(id string) string {
	return filepath.Join(s.dir, teamfs.Sanitize(id)+".json")
}

func (s *Store) lockOptions(label string) teamfs.LockOptions {
	opts := s.lock
	opts.Label = label
	return opts
}

// NextID allocates the next task id for this list. Allocation is serialized
// by the highwater lock; the counter file is committed before the lock is
// released, so ids are strictly monotonic with no gaps.
func (s *Store) NextID() (string, error) {
	hw := teamfs.HighwaterPath(s.dir)

	var id string
	err := teamfs.WithLock(teamfs.LockPath(hw), s.lockOptions("task id allocator"), func() error {
		current := 0
		if data, err := os.ReadFile(hw); err == nil {
			if n, parseErr := strconv.Atoi(strings.TrimSpace(string(data))); parseErr == nil {
				current = n
			}
		}

		next := current + 1
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			return fmt.Errorf("create task directory: %w", err)
		}
		if err := os.WriteFile(hw, []byte(strconv.Itoa(next)+"\n"), 0o644); err != nil {
			return fmt.Errorf("write highwater: %w", err)
		}
		id = strconv.Itoa(next)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// CreateOptions describes a new task.
type CreateOptions struct {
	Subject     string
	Description string
	Owner       string
}

// Create allocates an id and writes a new pending task.
func (s *Store) Create(opts CreateOptions) (*Task, error) {
	id, err := s.NextID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	task := &Task{
		ID:          id,
		Subject:     opts.Subject,
		Description: opts.Description,
		Owner:       teamfs.Sanitize(opts.Owner),
		Status:      StatusPending,
		Blocks:      []string{},
		BlockedBy:   []string{},
		Metadata:    map[string]any{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := teamfs.WriteJSONAtomic(s.taskPath(id), task); err != nil {
		return nil, err
	}
	return task, nil
}

// Get returns the task with the given id, or nil if no such task exists.
// A task file that fails to parse also reads as missing.
func (s *Store) Get(id string) (*Task, error) {
	var task Task
	ok, err := teamfs.ReadJSONFile(s.taskPath(id), &task)
	if err != nil || !ok {
		return nil, nil
	}
	return &task, nil
}

// List returns every parseable task in the list, sorted by numeric id.
// Unparsable task files are skipped, never mutated.
func (s *Store) List() ([]*Task, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read task directory: %w", err)
	}

	var out []*Task
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		task, err := s.Get(id)
		if err != nil || task == nil {
			continue
		}
		out = append(out, task)
	}

	sort.Slice(out, func(i, j int) bool {
		return numericLess(out[i].ID, out[j].ID)
	})
	return out, nil
}

// Update applies fn to the current task snapshot under the per-task lock,
// stamps UpdatedAt, and writes the result back. Returns ErrNotFound if the
// task does not exist. Updates to one id are linearizable; nothing is
// atomic across ids.
func (s *Store) Update(id string, fn func(*Task) error) (*Task, error) {
	path := s.taskPath(id)

	var updated *Task
	err := teamfs.WithLock(teamfs.LockPath(path), s.lockOptions("task "+id), func() error {
		var task Task
		ok, err := teamfs.ReadJSONFile(path, &task)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}

		if err := fn(&task); err != nil {
			return err
		}
		task.UpdatedAt = time.Now()
		if err := teamfs.WriteJSONAtomic(path, &task); err != nil {
			return err
		}
		updated = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// errSkip aborts an Update without surfacing an error; used by the
// conditional operations whose unmet preconditions mean "no-op".
var errSkip = errors.New("precondition not met")

// conditionalUpdate runs Update but maps an unmet precondition (errSkip)
// to a nil task with no error and no mutation.
func (s *Store) conditionalUpdate(id string, fn func(*Task) error) (*Task, error) {
	task, err := s.Update(id, fn)
	if err != nil {
		if errors.Is(err, errSkip) || errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return task, nil
}

// Claim sets owner=agent and status=in_progress iff the task is pending and
// unowned. With checkBusy, the claim also fails while the agent already has
// an in_progress task. Returns nil when the task was not claimable; exactly
// one of two racing claimants succeeds.
func (s *Store) Claim(id, agent string, checkBusy bool) (*Task, error) {
	agent = teamfs.Sanitize(agent)
	if checkBusy {
		busy, err := s.hasInProgress(agent)
		if err != nil {
			return nil, err
		}
		if busy {
			return nil, nil
		}
	}

	return s.conditionalUpdate(id, func(t *Task) error {
		if t.Status != StatusPending || t.Owner != "" {
			return errSkip
		}
		t.Owner = agent
		t.Status = StatusInProgress
		return nil
	})
}

// StartAssigned moves an agent's own pending task to in_progress. Returns
// nil when the task is not assigned to the agent or not pending.
func (s *Store) StartAssigned(id, agent string) (*Task, error) {
	agent = teamfs.Sanitize(agent)
	return s.conditionalUpdate(id, func(t *Task) error {
		if t.Owner != agent || t.Status != StatusPending {
			return errSkip
		}
		t.Status = StatusInProgress
		return nil
	})
}

// Complete marks the agent's task completed, stamping completedAt and an
// optional result in metadata. A no-op (nil task) unless owner==agent and
// the task was not already completed.
func (s *Store) Complete(id, agent, result string) (*Task, error) {
	agent = teamfs.Sanitize(agent)
	return s.conditionalUpdate(id, func(t *Task) error {
		if t.Owner != agent || t.Status == StatusCompleted {
			return errSkip
		}
		t.Status = StatusCompleted
		t.setMeta(MetaCompletedAt, time.Now().Format(time.RFC3339))
		if result != "" {
			t.setMeta(MetaResult, result)
		}
		return nil
	})
}

// Unassign clears the owner and returns the task to pending, annotating
// metadata with the reason and any extra keys. A no-op (nil task) unless
// owner==agent and the task is not completed.
func (s *Store) Unassign(id, agent, reason string, extra map[string]any) (*Task, error) {
	agent = teamfs.Sanitize(agent)
	return s.conditionalUpdate(id, func(t *Task) error {
		if t.Owner != agent || t.Status == StatusCompleted {
			return errSkip
		}
		t.Owner = ""
		t.Status = StatusPending
		t.setMeta(MetaUnassignedAt, time.Now().Format(time.RFC3339))
		if reason != "" {
			t.setMeta(MetaUnassignedReason, reason)
		}
		for k, v := range extra {
			t.setMeta(k, v)
		}
		return nil
	})
}

// UnassignAllFor unassigns every non-completed task currently owned by the
// agent and returns how many were released. Idempotent: a second sweep
// finds nothing owned.
func (s *Store) UnassignAllFor(agent, reason string) (int, error) {
	agent = teamfs.Sanitize(agent)
	all, err := s.List()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, t := range all {
		if t.Owner != agent || t.Status == StatusCompleted {
			continue
		}
		released, err := s.Unassign(t.ID, agent, reason, nil)
		if err != nil {
			return count, err
		}
		if released != nil {
			count++
		}
	}
	return count, nil
}

// IsBlocked reports whether any dependency of the task is missing or not
// yet completed.
func (s *Store) IsBlocked(t *Task) (bool, error) {
	for _, depID := range t.BlockedBy {
		dep, err := s.Get(depID)
		if err != nil {
			return false, err
		}
		if dep == nil || dep.Status != StatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

// ClaimNextAvailable scans tasks in id order and claims the first pending,
// unowned, unblocked one. Returns nil when nothing is claimable. Losing a
// claim race just moves the scan to the next candidate.
func (s *Store) ClaimNextAvailable(agent string, checkBusy bool) (*Task, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}

	for _, t := range all {
		if t.Status != StatusPending || t.Owner != "" {
			continue
		}
		blocked, err := s.IsBlocked(t)
		if err != nil {
			return nil, err
		}
		if blocked {
			continue
		}
		claimed, err := s.Claim(t.ID, agent, checkBusy)
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}
	}
	return nil, nil
}

func (s *Store) hasInProgress(agent string) (bool, error) {
	all, err := s.List()
	if err != nil {
		return false, err
	}
	for _, t := range all {
		if t.Owner == agent && t.Status == StatusInProgress {
			return true, nil
		}
	}
	return false, nil
}

// numericLess orders stringified ids numerically, falling back to string
// order for non-numeric ids.
func numericLess(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}
