// Package teamfs provides the on-disk layout and low-level filesystem
// primitives shared by every crew process: path construction, name
// sanitizing, advisory file locks, atomic JSON writes, and scoped cleanup.
//
// All cross-process coordination in crew happens through files under a
// single team directory; this package is the only place that knows where
// those files live.
package teamfs

import (
	"os"
	"path/filepath"
	"regexp"
)

// EnvRootDir overrides the default teams root directory.
const EnvRootDir = "PI_TEAMS_ROOT_DIR"

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Sanitize replaces every character outside [A-Za-z0-9_-] with '-',
// preserving case. Agent names, namespaces, and task ids pass through this
// before becoming path components.
func Sanitize(name string) string {
	return unsafeNameChars.ReplaceAllString(name, "-")
}

// DefaultRootDir returns the teams root: $PI_TEAMS_ROOT_DIR if set, else
// <home>/.crew/teams. Falls back to the working directory when the home
// directory cannot be resolved.
func DefaultRootDir() string {
	if dir := os.Getenv(EnvRootDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".crew", "teams")
	}
	return filepath.Join(home, ".crew", "teams")
}

// TeamDir returns the directory holding all state for one team.
func TeamDir(root, teamID string) string {
	return filepath.Join(root, Sanitize(teamID))
}

// ConfigPath returns the team's config.json path.
func ConfigPath(teamDir string) string {
	return filepath.Join(teamDir, "config.json")
}

// TasksDir returns the directory holding one task list's task files.
func TasksDir(teamDir, taskListID string) string {
	return filepath.Join(teamDir, "tasks", Sanitize(taskListID))
}

// HighwaterPath returns the task list's next-id counter file.
func HighwaterPath(tasksDir string) string {
	return filepath.Join(tasksDir, ".highwatermark")
}

// InboxPath returns the single-file inbox for a recipient within a mailbox
// namespace ("team" or a task-list id).
func InboxPath(teamDir, namespace, recipient string) string {
	return filepath.Join(teamDir, "mailboxes", Sanitize(namespace), "inboxes", Sanitize(recipient)+".json")
}

// SessionsDir returns the directory holding per-agent session transcripts.
func SessionsDir(teamDir string) string {
	return filepath.Join(teamDir, "sessions")
}

// SessionFilePath returns the session transcript path for an agent.
func SessionFilePath(teamDir, agentName string) string {
	return filepath.Join(SessionsDir(teamDir), Sanitize(agentName)+".jsonl")
}

// WorktreeDir returns the per-agent git worktree directory.
func WorktreeDir(teamDir, agentName string) string {
	return filepath.Join(teamDir, "worktrees", Sanitize(agentName))
}

// LockPath returns the sibling lock file for a target path.
func LockPath(target string) string {
	return target + ".lock"
}
