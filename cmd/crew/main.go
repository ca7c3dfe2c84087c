// Crew is a filesystem-coordinated multi-agent orchestrator. One binary
// serves both roles: run it directly for the leader commands, and the
// leader re-invokes it with PI_TEAMS_WORKER=1 to run worker processes.
//
// Usage:
//
//	# Fan five work items out across three workers
//	crew -team myteam delegate -n 3 "item one" "item two" ...
//
//	# Spawn a single named worker and stay attached
//	crew -team myteam spawn agent1
//
//	# Inspect the roster and task list
//	crew -team myteam status
//
//	# Ask every worker to shut down gracefully
//	crew -team myteam shutdown
//
//	# Remove the team directory
//	crew -team myteam cleanup
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jg-phare/crew/pkg/config"
	"github.com/jg-phare/crew/pkg/leader"
	"github.com/jg-phare/crew/pkg/tasks"
	"github.com/jg-phare/crew/pkg/team"
	"github.com/jg-phare/crew/pkg/teamfs"
	"github.com/jg-phare/crew/pkg/worker"
)

func main() {
	if worker.IsWorkerProcess() {
		runWorker()
		return
	}

	teamID := flag.String("team", "", "Team id (required)")
	rootDir := flag.String("root", "", "Teams root directory (overrides config and env)")
	configPath := flag.String("config", "", "Settings file (default ~/.crew/crew.yaml)")
	leadName := flag.String("lead", "team-lead", "Lead member name")
	teammates := flag.Int("n", 0, "Workers for delegate (default from settings)")
	planRequired := flag.Bool("plan-required", false, "Spawned workers must get plan approval before acting")
	noAutoClaim := flag.Bool("no-auto-claim", false, "Spawned workers only work explicit assignments")
	flag.Parse()

	if *teamID == "" || flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: crew -team <id> <spawn|delegate|status|shutdown|cleanup|tasks> [args]")
		os.Exit(2)
	}

	path := *configPath
	if path == "" {
		path = config.DefaultPath()
	}
	settings, err := config.Load(path)
	if err != nil {
		fatal(err)
	}
	root := *rootDir
	if root == "" {
		root = settings.RootDir
	}
	if root == "" {
		root = teamfs.DefaultRootDir()
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "spawn":
		opts := leader.SpawnOptions{PlanRequired: *planRequired, DisableAutoClaim: *noAutoClaim}
		runSpawn(*teamID, *leadName, root, settings, opts, args)
	case "delegate":
		runDelegate(*teamID, *leadName, root, settings, *teammates, args)
	case "status":
		runStatus(*teamID, root)
	case "shutdown":
		runShutdown(*teamID, *leadName, root, settings, args)
	case "cleanup":
		runCleanup(*teamID, *leadName, root, settings)
	case "tasks":
		runTasks(*teamID, root)
	default:
		fatal(fmt.Errorf("unknown command %q", cmd))
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

type stdoutNotifier struct{}

func (stdoutNotifier) Notify(text string) {
	fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05"), text)
}

func newLeader(teamID, leadName, root string, settings config.Settings) *leader.Runtime {
	self, err := os.Executable()
	if err != nil {
		fatal(fmt.Errorf("resolve own binary: %w", err))
	}
	cwd, _ := os.Getwd()

	r, err := leader.New(leader.Options{
		TeamID:     teamID,
		LeadName:   leadName,
		RootDir:    root,
		Cwd:        cwd,
		Settings:   settings,
		Notifier:   stdoutNotifier{},
		WorkerArgv: []string{self},
	})
	if err != nil {
		fatal(err)
	}
	return r
}

func runSpawn(teamID, leadName, root string, settings config.Settings, opts leader.SpawnOptions, args []string) {
	if len(args) != 1 {
		fatal(fmt.Errorf("spawn takes exactly one teammate name"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := newLeader(teamID, leadName, root, settings)
	if err := r.Start(ctx); err != nil {
		fatal(err)
	}
	defer r.Stop()

	if err := r.Spawn(ctx, args[0], opts); err != nil {
		fatal(err)
	}
	fmt.Printf("Spawned %s. Ctrl+C to shut the team down.\n", args[0])

	<-ctx.Done()
	r.ShutdownAll("leader exiting")
	time.Sleep(settings.ShutdownForceAfter.Std())
}

func runDelegate(teamID, leadName, root string, settings config.Settings, teammates int, args []string) {
	if len(args) == 0 {
		fatal(fmt.Errorf("delegate needs at least one work item"))
	}

	// "@name some work" pins an item to a named worker; everything else is
	// spread round-robin.
	items := make([]leader.WorkItem, 0, len(args))
	for _, arg := range args {
		item := leader.WorkItem{Text: arg}
		if strings.HasPrefix(arg, "@") {
			if name, rest, ok := strings.Cut(arg[1:], " "); ok && name != "" {
				item = leader.WorkItem{Text: rest, Assignee: name}
			}
		}
		items = append(items, item)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := newLeader(teamID, leadName, root, settings)
	if err := r.Start(ctx); err != nil {
		fatal(err)
	}
	defer r.Stop()

	created, err := r.Delegate(ctx, items, leader.DelegateOptions{Teammates: teammates})
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Delegated %d tasks across the team.\n", len(created))

	// Stay up until every delegated task completes or the operator stops us.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.ShutdownAll("leader interrupted")
			time.Sleep(settings.ShutdownForceAfter.Std())
			return
		case <-ticker.C:
			if allCompleted(r.Tasks(), created) {
				fmt.Println("All delegated tasks completed.")
				r.ShutdownAll("all work done")
				time.Sleep(settings.ShutdownForceAfter.Std())
				return
			}
		}
	}
}

func allCompleted(store *tasks.Store, created []*tasks.Task) bool {
	for _, t := range created {
		current, err := store.Get(t.ID)
		if err != nil || current == nil || current.Status != tasks.StatusCompleted {
			return false
		}
	}
	return true
}

func runStatus(teamID, root string) {
	teamDir := teamfs.TeamDir(root, teamID)
	cfg, err := team.NewStore(teamDir).Load()
	if err != nil {
		fatal(err)
	}
	if cfg == nil {
		fmt.Printf("No team %q under %s\n", teamID, root)
		return
	}

	fmt.Printf("Team %s (style %s, lead %s)\n", cfg.TeamID, cfg.Style, cfg.LeadName)
	for _, m := range cfg.Members {
		last := ""
		if !m.LastSeenAt.IsZero() {
			last = " last seen " + m.LastSeenAt.Format(time.RFC3339)
		}
		fmt.Printf("  %-16s %-6s %-8s%s\n", m.Name, m.Role, m.Status, last)
	}

	printTasks(teamDir, cfg.TaskListID)
}

func runTasks(teamID, root string) {
	teamDir := teamfs.TeamDir(root, teamID)
	cfg, err := team.NewStore(teamDir).Load()
	if err != nil || cfg == nil {
		fatal(fmt.Errorf("no team %q under %s", teamID, root))
	}
	printTasks(teamDir, cfg.TaskListID)
}

func printTasks(teamDir, taskListID string) {
	all, err := tasks.NewStore(teamDir, taskListID).List()
	if err != nil {
		fatal(err)
	}
	if len(all) == 0 {
		fmt.Println("No tasks.")
		return
	}
	fmt.Println(strings.Repeat("-", 60))
	for _, t := range all {
		owner := t.Owner
		if owner == "" {
			owner = "-"
		}
		fmt.Printf("#%-4s %-12s %-12s %s\n", t.ID, t.Status, owner, t.Subject)
	}
}

// runShutdown asks every online worker (or the named ones) to shut down
// gracefully. Workers this process never spawned are reached through the
// roster, so it works without the original leader process.
func runShutdown(teamID, leadName, root string, settings config.Settings, names []string) {
	cfg, err := team.NewStore(teamfs.TeamDir(root, teamID)).Load()
	if err != nil || cfg == nil {
		fatal(fmt.Errorf("no team %q under %s", teamID, root))
	}

	r := newLeader(teamID, leadName, root, settings)
	if len(names) == 0 {
		r.ShutdownAll("operator requested shutdown")
		fmt.Println("Requested shutdown of all online workers.")
		return
	}
	for _, name := range names {
		if err := r.ShutdownTeammate(name, "operator requested shutdown"); err != nil {
			fatal(err)
		}
		fmt.Printf("Requested shutdown of %s\n", name)
	}
}

func runCleanup(teamID, leadName, root string, settings config.Settings) {
	r := newLeader(teamID, leadName, root, settings)
	if err := r.Cleanup(); err != nil {
		fatal(err)
	}
	fmt.Printf("Removed team %s\n", teamID)
}
