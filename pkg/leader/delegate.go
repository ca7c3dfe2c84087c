package leader

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/jg-phare/crew/pkg/mailbox"
	"github.com/jg-phare/crew/pkg/protocol"
	"github.com/jg-phare/crew/pkg/tasks"
	"github.com/jg-phare/crew/pkg/teamfs"
)

// WorkItem is one unit of delegated work. An empty Assignee means the item
// goes to the next round-robin worker.
type WorkItem struct {
	Text     string
	Assignee string
}

// DelegateOptions tunes one delegation round.
type DelegateOptions struct {
	// Teammates is how many round-robin workers the round uses, clamped to
	// [1, settings.MaxTeammates]. Zero means the settings default.
	Teammates int

	// NamePrefix names round-robin workers "<prefix>-1", "<prefix>-2", ...
	// Defaults to "agent".
	NamePrefix string
}

// Delegate creates one task per item. Items with an explicit assignee go
// to that worker, spawning it if needed; the rest are assigned round-robin
// across the round's workers. Each assignment is a task file plus a
// task_assignment ping in the worker's task-list inbox.
func (r *Runtime) Delegate(ctx context.Context, items []WorkItem, opts DelegateOptions) ([]*tasks.Task, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("nothing to delegate")
	}

	unassigned := 0
	for _, item := range items {
		if teamfs.Sanitize(item.Assignee) == "" {
			unassigned++
		}
	}

	var pool []string
	if unassigned > 0 {
		count := opts.Teammates
		if count <= 0 {
			count = r.settings.MaxTeammates
		}
		if count > r.settings.MaxTeammates {
			count = r.settings.MaxTeammates
		}
		if count > unassigned {
			count = unassigned
		}

		prefix := opts.NamePrefix
		if prefix == "" {
			prefix = "agent"
		}
		var err error
		pool, err = r.ensureWorkers(ctx, prefix, count)
		if err != nil {
			return nil, err
		}
	}

	// While a round is active the lead restricts itself to coordination.
	r.delegateMode.Enable()

	var created []*tasks.Task
	for _, item := range items {
		name := teamfs.Sanitize(item.Assignee)
		if name == "" {
			name = pool[r.nextWorkerIndex(len(pool))]
		} else if err := r.ensureSpawned(ctx, name); err != nil {
			return created, err
		}
		task, err := r.assign(item.Text, name)
		if err != nil {
			return created, err
		}
		created = append(created, task)
	}
	return created, nil
}

// ensureSpawned spawns the named worker unless it is already running.
func (r *Runtime) ensureSpawned(ctx context.Context, name string) error {
	r.mu.Lock()
	_, running := r.teammates[name]
	r.mu.Unlock()
	if running {
		return nil
	}
	return r.Spawn(ctx, name, SpawnOptions{})
}

// ensureWorkers spawns workers named <prefix>-1..<count> that are not
// already running, and returns the round's worker names in stable order.
func (r *Runtime) ensureWorkers(ctx context.Context, prefix string, count int) ([]string, error) {
	names := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		name := fmt.Sprintf("%s-%d", prefix, i)
		names = append(names, name)
		if err := r.ensureSpawned(ctx, name); err != nil {
			return nil, err
		}
	}
	sort.Strings(names)
	return names, nil
}

// nextWorkerIndex advances the round-robin cursor.
func (r *Runtime) nextWorkerIndex(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.nextDelegate % n
	r.nextDelegate++
	return i
}

// assign creates a task owned by the worker and pings its task-list inbox.
func (r *Runtime) assign(text, name string) (*tasks.Task, error) {
	task, err := r.tasks.Create(tasks.CreateOptions{
		Subject:     tasks.SubjectFromText(text),
		Description: text,
		Owner:       name,
	})
	if err != nil {
		return nil, fmt.Errorf("create task for %s: %w", name, err)
	}

	ping, err := protocol.Encode(&protocol.TaskAssignment{
		Type:        protocol.TypeTaskAssignment,
		TaskID:      task.ID,
		Subject:     task.Subject,
		Description: task.Description,
		AssignedBy:  r.leadName,
	})
	if err != nil {
		return task, err
	}
	if err := r.mail.Write(r.taskListID, name, mailbox.Message{
		From: r.leadName,
		Text: ping,
	}); err != nil {
		// The task file exists but the worker only learns of it from the
		// ping, so surface the failure.
		log.Printf("leader: assignment ping to %s: %v", name, err)
		return task, err
	}
	return task, nil
}
