// Package worker implements the teammate process core: a poll loop over
// the worker's mailboxes, a scheduler that decides what to run next, and
// the completion/abort bookkeeping around each agent turn. The embedded
// coding agent itself is a collaborator behind the Agent interface.
package worker

import (
	"os"

	"github.com/jg-phare/crew/pkg/teamfs"
)

// Environment variables a worker reads once at start.
const (
	EnvWorker       = "PI_TEAMS_WORKER"
	EnvTeamID       = "PI_TEAMS_TEAM_ID"
	EnvAgentName    = "PI_TEAMS_AGENT_NAME"
	EnvTaskListID   = "PI_TEAMS_TASK_LIST_ID"
	EnvLeadName     = "PI_TEAMS_LEAD_NAME"
	EnvAutoClaim    = "PI_TEAMS_AUTO_CLAIM"
	EnvPlanRequired = "PI_TEAMS_PLAN_REQUIRED"
	EnvStyle        = "PI_TEAMS_STYLE"
)

// DefaultLeadName is used when the spawner does not name the lead.
const DefaultLeadName = "team-lead"

// Env is the worker's start-time configuration.
type Env struct {
	TeamID       string
	AgentName    string
	TaskListID   string
	LeadName     string
	RootDir      string
	Style        string
	AutoClaim    bool
	PlanRequired bool
}

// EnvFromProcess reads the worker environment. A missing team id or agent
// name makes the worker a no-op (Enabled returns false).
func EnvFromProcess() Env {
	e := Env{
		TeamID:       os.Getenv(EnvTeamID),
		AgentName:    teamfs.Sanitize(os.Getenv(EnvAgentName)),
		TaskListID:   os.Getenv(EnvTaskListID),
		LeadName:     os.Getenv(EnvLeadName),
		RootDir:      teamfs.DefaultRootDir(),
		Style:        os.Getenv(EnvStyle),
		AutoClaim:    os.Getenv(EnvAutoClaim) != "0",
		PlanRequired: os.Getenv(EnvPlanRequired) == "1",
	}
	if e.TaskListID == "" {
		e.TaskListID = e.TeamID
	}
	if e.LeadName == "" {
		e.LeadName = DefaultLeadName
	}
	return e
}

// IsWorkerProcess reports whether this process was spawned as a teammate.
func IsWorkerProcess() bool {
	return os.Getenv(EnvWorker) == "1"
}

// Enabled reports whether the environment carries enough to run a worker.
func (e Env) Enabled() bool {
	return e.TeamID != "" && e.AgentName != ""
}
