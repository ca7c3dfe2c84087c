// Package mailbox implements per-recipient message inboxes on the shared
// filesystem. An inbox is a single JSON array file; any process may append
// under the inbox lock, and the recipient pops unread messages at most once.
package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jg-phare/crew/pkg/teamfs"
)

// NamespaceTeam is the namespace for team-wide coordination messages.
// Task-list namespaces use the task list id.
const NamespaceTeam = "team"

// Message is one inbox entry. Text is free-form; structured coordination
// messages carry JSON (see the protocol package).
type Message struct {
	From      string    `json:"from"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
	Color     string    `json:"color,omitempty"`
}

// Store reads and writes inboxes under one team directory.
type Store struct {
	teamDir string
	lock    teamfs.LockOptions
}

// NewStore creates a Store rooted at the given team directory.
func NewStore(teamDir string) *Store {
	return &Store{teamDir: teamDir}
}

// Write appends msg to the recipient's inbox in the given namespace. The
// message timestamp defaults to now; read is always reset to false.
func (s *Store) Write(namespace, recipient string, msg Message) error {
	if recipient == "" {
		return fmt.Errorf("mailbox recipient is required")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.Read = false

	path := teamfs.InboxPath(s.teamDir, namespace, recipient)
	return teamfs.WithLock(teamfs.LockPath(path), s.lockOptions(recipient), func() error {
		msgs := s.load(path)
		msgs = append(msgs, msg)
		return teamfs.WriteJSONAtomic(path, msgs)
	})
}

// PopUnread returns every unread message in the recipient's inbox and marks
// them read, in append order. Once returned a message is never returned
// again. Lock contention reads as "nothing yet": on timeout the pop returns
// an empty batch and the caller's next poll retries. Single reader per
// recipient is assumed.
func (s *Store) PopUnread(namespace, recipient string) ([]Message, error) {
	path := teamfs.InboxPath(s.teamDir, namespace, recipient)

	var popped []Message
	err := teamfs.WithLock(teamfs.LockPath(path), s.lockOptions(recipient), func() error {
		msgs := s.load(path)

		changed := false
		for i := range msgs {
			if msgs[i].Read {
				continue
			}
			popped = append(popped, msgs[i])
			msgs[i].Read = true
			changed = true
		}
		if !changed {
			return nil
		}
		return teamfs.WriteJSONAtomic(path, msgs)
	})
	if err != nil {
		if errors.Is(err, teamfs.ErrLockTimeout) {
			return nil, nil
		}
		return nil, err
	}
	return popped, nil
}

func (s *Store) lockOptions(recipient string) teamfs.LockOptions {
	opts := s.lock
	opts.Label = "inbox " + recipient
	return opts
}

// load reads the inbox file, silently dropping malformed entries.
func (s *Store) load(path string) []Message {
	raw := teamfs.ReadJSONArray(path)
	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal(item, &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}
