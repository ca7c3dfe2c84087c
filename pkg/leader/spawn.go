package leader

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"time"

	"github.com/jg-phare/crew/pkg/childrpc"
	"github.com/jg-phare/crew/pkg/mailbox"
	"github.com/jg-phare/crew/pkg/protocol"
	"github.com/jg-phare/crew/pkg/team"
	"github.com/jg-phare/crew/pkg/teamfs"
	"github.com/jg-phare/crew/pkg/worker"
)

// SpawnOptions carries the per-worker flags a spawn can set.
type SpawnOptions struct {
	// PlanRequired makes the worker ask for plan approval before acting.
	PlanRequired bool

	// DisableAutoClaim spawns a worker that only works explicit
	// assignments and never claims unowned tasks.
	DisableAutoClaim bool
}

// Spawn launches a new worker process named name and registers it in the
// roster. The worker gets its own git worktree when the leader's cwd is a
// repository; otherwise it shares the leader's directory.
func (r *Runtime) Spawn(ctx context.Context, name string, opts SpawnOptions) error {
	name = teamfs.Sanitize(name)
	if name == "" {
		return fmt.Errorf("teammate name is required")
	}
	if name == r.leadName {
		return fmt.Errorf("teammate name %q collides with the lead", name)
	}

	r.mu.Lock()
	if _, exists := r.teammates[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("teammate %s already running", name)
	}
	// Reserve the slot before the slow spawn work.
	r.teammates[name] = &teammate{name: name}
	r.mu.Unlock()

	cwd, err := r.ensureWorktree(name)
	if err != nil {
		log.Printf("leader: worktree for %s: %v (sharing %s)", name, err, r.cwd)
		cwd = r.cwd
	}

	client, err := r.startWorker(ctx, name, childrpc.StartOptions{
		Argv: r.workerArgv,
		Dir:  cwd,
		Env:  append(os.Environ(), r.workerEnv(name, opts)...),
	})
	if err != nil {
		r.mu.Lock()
		delete(r.teammates, name)
		r.mu.Unlock()
		return fmt.Errorf("spawn %s: %w", name, err)
	}

	r.mu.Lock()
	r.teammates[name].client = client
	r.teammates[name].lastActivity = time.Now()
	r.mu.Unlock()

	client.OnEvent(func(ev childrpc.Event) {
		r.trackActivity(name, ev)
	})
	client.OnClose(func() {
		r.reapTeammate(name, "process exited")
	})

	if err := r.config.UpsertMember(team.Member{
		Name:        name,
		Role:        team.RoleWorker,
		Status:      team.StatusOnline,
		SessionFile: teamfs.SessionFilePath(r.teamDir, name),
		Cwd:         cwd,
	}); err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}

	r.applySessionName(ctx, name)
	return nil
}

// workerEnv builds the environment a worker process reads at start.
func (r *Runtime) workerEnv(name string, opts SpawnOptions) []string {
	env := []string{
		worker.EnvWorker + "=1",
		worker.EnvTeamID + "=" + r.teamID,
		worker.EnvAgentName + "=" + name,
		worker.EnvTaskListID + "=" + r.taskListID,
		worker.EnvLeadName + "=" + r.leadName,
		teamfs.EnvRootDir + "=" + r.rootDir,
	}
	if style := r.teamStyle(); style != "" {
		env = append(env, worker.EnvStyle+"="+style)
	}
	if opts.DisableAutoClaim {
		env = append(env, worker.EnvAutoClaim+"=0")
	}
	if opts.PlanRequired {
		env = append(env, worker.EnvPlanRequired+"=1")
	}
	return env
}

// ensureWorktree creates a dedicated git worktree for the worker under the
// team directory. Fails when the leader's cwd is not a git repository.
func (r *Runtime) ensureWorktree(name string) (string, error) {
	dir := teamfs.WorktreeDir(r.teamDir, name)
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}

	cmd := exec.Command("git", "worktree", "add", "--detach", dir)
	cmd.Dir = r.cwd
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git worktree add: %v: %s", err, out)
	}
	return dir, nil
}

// execWorker is the production startWorker: spawn via childrpc.
func (r *Runtime) execWorker(ctx context.Context, name string, opts childrpc.StartOptions) (*childrpc.Client, error) {
	if len(opts.Argv) == 0 {
		return nil, fmt.Errorf("worker argv not configured")
	}
	client := childrpc.NewClient(name)
	if err := client.Start(ctx, opts); err != nil {
		return nil, err
	}
	return client, nil
}

// applySessionName pushes the synthesized session label over RPC when the
// process channel is up, and always mails the hint so the worker applies it
// even if the RPC raced its boot.
func (r *Runtime) applySessionName(ctx context.Context, name string) {
	label := r.sessionNameFor(name)

	r.mu.Lock()
	tm, ok := r.teammates[name]
	var client *childrpc.Client
	if ok {
		tm.sessionName = label
		client = tm.client
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if client != nil && client.State() != childrpc.StateStopped {
		if err := client.SetSessionName(ctx, label); err != nil {
			log.Printf("leader: set session name for %s: %v", name, err)
		}
	}

	text, err := protocol.Encode(&protocol.SetSessionName{
		Type: protocol.TypeSetSessionName,
		Name: label,
	})
	if err != nil {
		return
	}
	if err := r.mail.Write(mailbox.NamespaceTeam, name, mailbox.Message{
		From: r.leadName,
		Text: text,
	}); err != nil {
		log.Printf("leader: mail session name to %s: %v", name, err)
	}
}
