// Package team manages the single config.json describing a team: its
// identity, style, and member roster. All mutations run under the config
// lock, so they are linearizable against one another.
package team

import (
	"fmt"
	"time"

	"github.com/jg-phare/crew/pkg/teamfs"
)

// Member roles.
const (
	RoleLead   = "lead"
	RoleWorker = "worker"
)

// Member statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// DefaultStyle is the style used when none is configured.
const DefaultStyle = "normal"

// Member is one roster entry.
type Member struct {
	Name        string         `json:"name"`
	Role        string         `json:"role"`
	Status      string         `json:"status"`
	AddedAt     time.Time      `json:"addedAt"`
	LastSeenAt  time.Time      `json:"lastSeenAt,omitzero"`
	SessionFile string         `json:"sessionFile,omitempty"`
	Cwd         string         `json:"cwd,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Config is the persisted team configuration. Exactly one member carries
// the lead role, and its name equals LeadName.
type Config struct {
	Version    int       `json:"version"`
	TeamID     string    `json:"teamId"`
	TaskListID string    `json:"taskListId"`
	LeadName   string    `json:"leadName"`
	Style      string    `json:"style"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Members    []Member  `json:"members"`
}

// FindMember returns the roster entry with the given name, or nil.
func (c *Config) FindMember(name string) *Member {
	for i := range c.Members {
		if c.Members[i].Name == name {
			return &c.Members[i]
		}
	}
	return nil
}

// Store reads and writes one team's config.json.
type Store struct {
	teamDir string
	lock    teamfs.LockOptions
}

// NewStore creates a Store for the given team directory.
func NewStore(teamDir string) *Store {
	return &Store{teamDir: teamDir}
}

func (s *Store) path() string { return teamfs.ConfigPath(s.teamDir) }

// Load returns the current config, or nil when the file is missing or
// unparsable; callers repair with Ensure.
func (s *Store) Load() (*Config, error) {
	var cfg Config
	ok, err := teamfs.ReadJSONFile(s.path(), &cfg)
	if err != nil || !ok {
		return nil, nil
	}
	return &cfg, nil
}

// EnsureOptions seeds a new team config.
type EnsureOptions struct {
	TeamID     string
	TaskListID string // defaults to TeamID
	LeadName   string // sanitized; defaults to "team-lead"
	Style      string // defaults to DefaultStyle
	Cwd        string
}

// Ensure creates the team config if missing, seeding the lead member as
// online, and returns the current config either way.
func (s *Store) Ensure(opts EnsureOptions) (*Config, error) {
	if opts.TeamID == "" {
		return nil, fmt.Errorf("team id is required")
	}
	if opts.TaskListID == "" {
		opts.TaskListID = opts.TeamID
	}
	if opts.LeadName == "" {
		opts.LeadName = "team-lead"
	}
	opts.LeadName = teamfs.Sanitize(opts.LeadName)
	if opts.Style == "" {
		opts.Style = DefaultStyle
	}

	var cfg *Config
	err := s.withLock(func() error {
		existing, err := s.Load()
		if err != nil {
			return err
		}
		if existing != nil {
			cfg = existing
			return nil
		}

		now := time.Now()
		cfg = &Config{
			Version:    1,
			TeamID:     opts.TeamID,
			TaskListID: opts.TaskListID,
			LeadName:   opts.LeadName,
			Style:      opts.Style,
			CreatedAt:  now,
			UpdatedAt:  now,
			Members: []Member{{
				Name:    opts.LeadName,
				Role:    RoleLead,
				Status:  StatusOnline,
				AddedAt: now,
				Cwd:     opts.Cwd,
			}},
		}
		return teamfs.WriteJSONAtomic(s.path(), cfg)
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// UpsertMember appends the member, or updates the existing entry with the
// same name. AddedAt is never rewritten for an existing member.
func (s *Store) UpsertMember(m Member) error {
	m.Name = teamfs.Sanitize(m.Name)
	if m.Name == "" {
		return fmt.Errorf("member name is required")
	}
	if m.Role == "" {
		m.Role = RoleWorker
	}
	if m.AddedAt.IsZero() {
		m.AddedAt = time.Now()
	}

	return s.mutate(func(cfg *Config) error {
		if existing := cfg.FindMember(m.Name); existing != nil {
			m.AddedAt = existing.AddedAt
			*existing = m
			return nil
		}
		cfg.Members = append(cfg.Members, m)
		return nil
	})
}

// SetMemberStatus sets the member's status (callers always pass the status
// they intend, there is no "keep current" sentinel) and optionally stamps
// lastSeenAt and merges metadata.
func (s *Store) SetMemberStatus(name, status string, lastSeen time.Time, meta map[string]any) error {
	name = teamfs.Sanitize(name)
	if status != StatusOnline && status != StatusOffline {
		return fmt.Errorf("invalid member status %q", status)
	}

	return s.mutate(func(cfg *Config) error {
		member := cfg.FindMember(name)
		if member == nil {
			return fmt.Errorf("unknown member %s", name)
		}
		member.Status = status
		if !lastSeen.IsZero() {
			member.LastSeenAt = lastSeen
		}
		if len(meta) > 0 {
			if member.Meta == nil {
				member.Meta = map[string]any{}
			}
			for k, v := range meta {
				member.Meta[k] = v
			}
		}
		return nil
	})
}

// SetStyle updates the team style.
func (s *Store) SetStyle(style string) error {
	if style == "" {
		style = DefaultStyle
	}
	return s.mutate(func(cfg *Config) error {
		cfg.Style = style
		return nil
	})
}

// mutate loads the config under the lock, applies fn, bumps UpdatedAt, and
// writes it back. Fails if the config does not exist.
func (s *Store) mutate(fn func(*Config) error) error {
	return s.withLock(func() error {
		cfg, err := s.Load()
		if err != nil {
			return err
		}
		if cfg == nil {
			return fmt.Errorf("team config missing at %s", s.path())
		}
		if err := fn(cfg); err != nil {
			return err
		}
		cfg.UpdatedAt = time.Now()
		return teamfs.WriteJSONAtomic(s.path(), cfg)
	})
}

func (s *Store) withLock(fn func() error) error {
	opts := s.lock
	opts.Label = "team config"
	return teamfs.WithLock(teamfs.LockPath(s.path()), opts, fn)
}
