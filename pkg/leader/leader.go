// Package leader implements the team-lead process: it spawns worker
// processes, delegates tasks, drains its own inbox, and reconciles the
// roster. All coordination state lives on the shared filesystem; the RPC
// channel to each worker is an interactive fast path only.
package leader

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jg-phare/crew/pkg/childrpc"
	"github.com/jg-phare/crew/pkg/config"
	"github.com/jg-phare/crew/pkg/mailbox"
	"github.com/jg-phare/crew/pkg/protocol"
	"github.com/jg-phare/crew/pkg/tasks"
	"github.com/jg-phare/crew/pkg/team"
	"github.com/jg-phare/crew/pkg/teamfs"
)

// Notifier receives user-facing notifications from the leader. Implemented
// by the host UI; a nil notifier drops them.
type Notifier interface {
	Notify(text string)
}

// planPreviewLimit caps how much of a plan is quoted in a notification.
const planPreviewLimit = 500

// teammate is the leader's in-memory view of one spawned worker.
type teammate struct {
	name         string
	client       *childrpc.Client
	sessionName  string
	lastActivity time.Time
	activity     Activity
	forceTimer   *time.Timer // armed during a graceful shutdown
	shutdownID   string
}

// Options configures a leader runtime.
type Options struct {
	TeamID     string
	LeadName   string // defaults to "team-lead"
	TaskListID string // defaults to TeamID
	RootDir    string // defaults to teamfs.DefaultRootDir()
	Cwd        string // working directory worktrees branch from
	Settings   config.Settings
	Notifier   Notifier

	// WorkerArgv is the argv used to spawn worker processes, typically the
	// leader's own binary.
	WorkerArgv []string
}

// Runtime is the leader core.
type Runtime struct {
	teamID     string
	leadName   string
	taskListID string
	rootDir    string
	teamDir    string
	cwd        string
	settings   config.Settings
	notifier   Notifier
	workerArgv []string

	mail   *mailbox.Store
	tasks  *tasks.Store
	config *team.Store
	guard  *teamfs.InstanceGuard

	// startWorker spawns one worker process; swapped out in tests.
	startWorker func(ctx context.Context, name string, opts childrpc.StartOptions) (*childrpc.Client, error)

	delegateMode DelegateModeState

	mu           sync.Mutex
	teammates    map[string]*teammate
	nextDelegate int
	pendingPlans map[string]*protocol.PlanApprovalRequest
	inboxBusy    bool
	refreshBusy  bool

	stopLoops context.CancelFunc
	loopsDone chan struct{}
}

// New builds a leader runtime.
func New(opts Options) (*Runtime, error) {
	if opts.TeamID == "" {
		return nil, fmt.Errorf("team id is required")
	}
	if opts.LeadName == "" {
		opts.LeadName = "team-lead"
	}
	opts.LeadName = teamfs.Sanitize(opts.LeadName)
	if opts.TaskListID == "" {
		opts.TaskListID = opts.TeamID
	}
	if opts.RootDir == "" {
		opts.RootDir = teamfs.DefaultRootDir()
	}
	if opts.Settings.MaxTeammates == 0 {
		opts.Settings = config.Defaults()
	}

	teamDir := teamfs.TeamDir(opts.RootDir, opts.TeamID)
	r := &Runtime{
		teamID:       opts.TeamID,
		leadName:     opts.LeadName,
		taskListID:   opts.TaskListID,
		rootDir:      opts.RootDir,
		teamDir:      teamDir,
		cwd:          opts.Cwd,
		settings:     opts.Settings,
		notifier:     opts.Notifier,
		workerArgv:   opts.WorkerArgv,
		mail:         mailbox.NewStore(teamDir),
		tasks:        tasks.NewStore(teamDir, opts.TaskListID),
		config:       team.NewStore(teamDir),
		teammates:    map[string]*teammate{},
		pendingPlans: map[string]*protocol.PlanApprovalRequest{},
	}
	r.startWorker = r.execWorker
	return r, nil
}

// Tasks exposes the leader's task store for host-level task commands.
func (r *Runtime) Tasks() *tasks.Store { return r.tasks }

// Config exposes the team config store.
func (r *Runtime) Config() *team.Store { return r.config }

// DelegateMode exposes the lead's delegate-mode flag.
func (r *Runtime) DelegateMode() *DelegateModeState { return &r.delegateMode }

// TeamDir returns the team's coordination directory.
func (r *Runtime) TeamDir() string { return r.teamDir }

// Start creates the team config if needed, takes the single-leader guard,
// and begins the inbox and refresh loops.
func (r *Runtime) Start(ctx context.Context) error {
	if _, err := r.config.Ensure(team.EnsureOptions{
		TeamID:     r.teamID,
		TaskListID: r.taskListID,
		LeadName:   r.leadName,
		Cwd:        r.cwd,
	}); err != nil {
		return fmt.Errorf("ensure team config: %w", err)
	}

	guard, err := teamfs.AcquireInstanceGuard(r.teamDir)
	if err != nil {
		return err
	}
	r.guard = guard

	loopCtx, cancel := context.WithCancel(ctx)
	r.stopLoops = cancel
	r.loopsDone = make(chan struct{})
	go r.runLoops(loopCtx)
	return nil
}

// Stop halts the loops and stops every worker process. Tasks owned by the
// stopped workers are released.
func (r *Runtime) Stop() {
	if r.stopLoops != nil {
		r.stopLoops()
		<-r.loopsDone
		r.stopLoops = nil
	}
	for _, name := range r.teammateNames() {
		r.Kill(name)
	}
	r.guard.Release()
	r.guard = nil
}

// Cleanup stops everything and removes the team directory.
func (r *Runtime) Cleanup() error {
	r.Stop()
	return teamfs.CleanupTeamDir(r.rootDir, r.teamDir)
}

func (r *Runtime) runLoops(ctx context.Context) {
	defer close(r.loopsDone)

	inbox := time.NewTicker(r.settings.LeadInboxInterval.Std())
	refresh := time.NewTicker(r.settings.LeadRefreshInterval.Std())
	defer inbox.Stop()
	defer refresh.Stop()

	wake, _ := r.mail.Watch(ctx, mailbox.NamespaceTeam, r.leadName)

	for {
		select {
		case <-ctx.Done():
			return
		case <-inbox.C:
			r.drainInboxOnce()
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			r.drainInboxOnce()
		case <-refresh.C:
			r.refreshOnce()
		}
	}
}

// refreshOnce reconciles in-memory teammates against the roster: entries
// whose process is gone are marked offline. Single-flight.
func (r *Runtime) refreshOnce() {
	r.mu.Lock()
	if r.refreshBusy {
		r.mu.Unlock()
		return
	}
	r.refreshBusy = true
	stale := make([]string, 0)
	for name, tm := range r.teammates {
		if tm.client == nil {
			continue // spawn still in flight
		}
		s := tm.client.State()
		if s == childrpc.StateStopped || s == childrpc.StateError {
			stale = append(stale, name)
		}
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.refreshBusy = false
		r.mu.Unlock()
	}()

	for _, name := range stale {
		r.reapTeammate(name, "process exited")
	}
}

// reapTeammate drops a dead worker: its tasks are released, the roster
// entry goes offline, and the in-memory record is removed.
func (r *Runtime) reapTeammate(name, reason string) {
	r.mu.Lock()
	tm, ok := r.teammates[name]
	if ok {
		delete(r.teammates, name)
		if tm.forceTimer != nil {
			tm.forceTimer.Stop()
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if _, err := r.tasks.UnassignAllFor(name, reason); err != nil {
		log.Printf("leader: release tasks for %s: %v", name, err)
	}
	if err := r.config.SetMemberStatus(name, team.StatusOffline, time.Now(), map[string]any{
		"offlineReason": reason,
	}); err != nil {
		log.Printf("leader: mark %s offline: %v", name, err)
	}
	r.notify(fmt.Sprintf("%s went offline (%s)", name, reason))
}

// teammateNames snapshots the current worker names.
func (r *Runtime) teammateNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.teammates))
	for name := range r.teammates {
		names = append(names, name)
	}
	return names
}

// LastActivity returns when the named worker last streamed output.
func (r *Runtime) LastActivity(name string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tm, ok := r.teammates[name]
	if !ok {
		return time.Time{}, false
	}
	return tm.lastActivity, true
}

// sessionNameFor synthesizes the cosmetic session label for a worker.
func (r *Runtime) sessionNameFor(agent string) string {
	name := r.teamID + "/" + agent
	if style := r.teamStyle(); style != "" && style != team.DefaultStyle {
		name = name + " [" + style + "]"
	}
	return name
}

func (r *Runtime) teamStyle() string {
	cfg, err := r.config.Load()
	if err != nil || cfg == nil {
		return ""
	}
	return cfg.Style
}

func (r *Runtime) notify(text string) {
	if r.notifier != nil {
		r.notifier.Notify(text)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
