// Package tasks implements the shared task list: one JSON file per task in
// a task-list directory, a locked monotonic id allocator, and the claim /
// complete / unassign / dependency operations the leader and workers
// coordinate through.
package tasks

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Metadata keys stamped by the store.
const (
	MetaCompletedAt      = "completedAt"
	MetaResult           = "result"
	MetaUnassignedAt     = "unassignedAt"
	MetaUnassignedReason = "unassignedReason"
)

// maxSubjectLen caps the subject slice taken from free-form task text.
const maxSubjectLen = 120

// Task is one unit of work in a shared task list.
type Task struct {
	ID          string         `json:"id"`
	Subject     string         `json:"subject"`
	Description string         `json:"description"`
	Owner       string         `json:"owner,omitempty"`
	Status      Status         `json:"status"`
	Blocks      []string       `json:"blocks"`
	BlockedBy   []string       `json:"blockedBy"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// setMeta writes a metadata key, allocating the map on first use.
func (t *Task) setMeta(key string, value any) {
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	t.Metadata[key] = value
}

// SubjectFromText returns the first line of free-form task text, truncated
// to the subject cap.
func SubjectFromText(text string) string {
	line := text
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if len(line) > maxSubjectLen {
		line = line[:maxSubjectLen]
	}
	return line
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
