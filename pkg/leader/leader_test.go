package leader

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jg-phare/crew/pkg/childrpc"
	"github.com/jg-phare/crew/pkg/config"
	"github.com/jg-phare/crew/pkg/mailbox"
	"github.com/jg-phare/crew/pkg/protocol"
	"github.com/jg-phare/crew/pkg/tasks"
	"github.com/jg-phare/crew/pkg/team"
	"github.com/jg-phare/crew/pkg/worker"
)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []string
}

func (n *recordingNotifier) Notify(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, text)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.notes...)
}

// newTestLeader builds a runtime whose spawns produce unstarted clients,
// so no processes are launched.
func newTestLeader(t *testing.T) (*Runtime, *recordingNotifier) {
	t.Helper()
	notifier := &recordingNotifier{}
	r, err := New(Options{
		TeamID:   "crew",
		RootDir:  t.TempDir(),
		Settings: config.Defaults(),
		Notifier: notifier,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.startWorker = func(ctx context.Context, name string, opts childrpc.StartOptions) (*childrpc.Client, error) {
		return childrpc.NewClient(name), nil
	}
	if _, err := r.config.Ensure(team.EnsureOptions{TeamID: "crew", LeadName: r.leadName}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	return r, notifier
}

func shortCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSpawnRegistersMember(t *testing.T) {
	r, _ := newTestLeader(t)

	if err := r.Spawn(shortCtx(t), "agent1", SpawnOptions{}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	cfg, _ := r.config.Load()
	m := cfg.FindMember("agent1")
	if m == nil || m.Role != team.RoleWorker || m.Status != team.StatusOnline {
		t.Fatalf("member = %+v", m)
	}

	// The session name hint was mailed even though the RPC channel is down.
	msgs, err := r.mail.PopUnread(mailbox.NamespaceTeam, "agent1")
	if err != nil {
		t.Fatalf("PopUnread: %v", err)
	}
	found := false
	for _, msg := range msgs {
		if ssn, ok := protocol.Decode(msg.Text).(*protocol.SetSessionName); ok {
			found = true
			if ssn.Name != "crew/agent1" {
				t.Errorf("session name = %q, want crew/agent1", ssn.Name)
			}
		}
	}
	if !found {
		t.Errorf("no set_session_name in inbox: %v", msgs)
	}
}

func TestSpawnRejectsDuplicatesAndLeadName(t *testing.T) {
	r, _ := newTestLeader(t)

	if err := r.Spawn(shortCtx(t), "agent1", SpawnOptions{}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := r.Spawn(shortCtx(t), "agent1", SpawnOptions{}); err == nil {
		t.Error("duplicate spawn must fail")
	}
	if err := r.Spawn(shortCtx(t), "team-lead", SpawnOptions{}); err == nil {
		t.Error("spawning the lead's name must fail")
	}
	if err := r.Spawn(shortCtx(t), "", SpawnOptions{}); err == nil {
		t.Error("empty name must fail")
	}
}

func TestDelegateRoundRobin(t *testing.T) {
	r, _ := newTestLeader(t)

	items := []WorkItem{
		{Text: "Parse the access logs"},
		{Text: "Summarize error budgets"},
		{Text: "Draft the release notes"},
		{Text: "Audit the flaky tests"},
		{Text: "Update the runbook"},
	}
	created, err := r.Delegate(shortCtx(t), items, DelegateOptions{Teammates: 2})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if len(created) != len(items) {
		t.Fatalf("created %d tasks, want %d", len(created), len(items))
	}

	byOwner := map[string]int{}
	for _, task := range created {
		byOwner[task.Owner]++
		if task.Status != tasks.StatusPending {
			t.Errorf("task %s status = %q", task.ID, task.Status)
		}
	}
	if byOwner["agent-1"] != 3 || byOwner["agent-2"] != 2 {
		t.Errorf("round-robin split = %v", byOwner)
	}

	// Each worker got one assignment ping per task, in its task-list inbox.
	for owner, want := range byOwner {
		msgs, err := r.mail.PopUnread(r.taskListID, owner)
		if err != nil {
			t.Fatalf("PopUnread %s: %v", owner, err)
		}
		got := 0
		for _, msg := range msgs {
			if _, ok := protocol.Decode(msg.Text).(*protocol.TaskAssignment); ok {
				got++
			}
		}
		if got != want {
			t.Errorf("%s received %d assignment pings, want %d", owner, got, want)
		}
	}
}

func TestDelegateClampsTeammateCount(t *testing.T) {
	r, _ := newTestLeader(t)

	created, err := r.Delegate(shortCtx(t), []WorkItem{{Text: "one thing"}}, DelegateOptions{Teammates: 99})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if len(created) != 1 || created[0].Owner != "agent-1" {
		t.Errorf("created = %+v", created)
	}
	if names := r.teammateNames(); len(names) != 1 {
		t.Errorf("teammates = %v, want just agent-1 for a single item", names)
	}
}

func TestSubjectFromItemFirstLine(t *testing.T) {
	r, _ := newTestLeader(t)

	item := "Fix the flaky watcher test\n\nIt fails every third run on slow disks."
	created, err := r.Delegate(shortCtx(t), []WorkItem{{Text: item}}, DelegateOptions{Teammates: 1})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if created[0].Subject != "Fix the flaky watcher test" {
		t.Errorf("subject = %q", created[0].Subject)
	}
	if created[0].Description != item {
		t.Errorf("description = %q", created[0].Description)
	}
}

func TestDispatchPlanApprovalFlow(t *testing.T) {
	r, notifier := newTestLeader(t)

	req, _ := protocol.Encode(&protocol.PlanApprovalRequest{
		Type:      protocol.TypePlanApprovalRequest,
		RequestID: "p1",
		From:      "agent1",
		Plan:      strings.Repeat("step ", 200),
		TaskID:    "3",
	})
	r.dispatch(mailbox.Message{From: "agent1", Text: req})

	pending := r.PendingPlans()
	if len(pending) != 1 || pending[0].RequestID != "p1" {
		t.Fatalf("pending plans = %+v", pending)
	}
	notes := notifier.all()
	if len(notes) != 1 || !strings.Contains(notes[0], "...") {
		t.Errorf("expected a truncated plan preview, got %v", notes)
	}

	if err := r.ApprovePlan("p1"); err != nil {
		t.Fatalf("ApprovePlan: %v", err)
	}
	if len(r.PendingPlans()) != 0 {
		t.Error("approved plan still pending")
	}

	msgs, _ := r.mail.PopUnread(mailbox.NamespaceTeam, "agent1")
	approved, ok := protocol.Decode(msgs[len(msgs)-1].Text).(*protocol.PlanApproved)
	if !ok || approved.RequestID != "p1" {
		t.Errorf("worker inbox = %v", msgs)
	}

	if err := r.ApprovePlan("p1"); err == nil {
		t.Error("double decision must fail")
	}
}

func TestDispatchIdleNotification(t *testing.T) {
	r, notifier := newTestLeader(t)
	if err := r.config.UpsertMember(team.Member{Name: "agent1", Role: team.RoleWorker, Status: team.StatusOnline}); err != nil {
		t.Fatalf("UpsertMember: %v", err)
	}

	idle, _ := protocol.Encode(&protocol.IdleNotification{
		Type: protocol.TypeIdleNotification, From: "agent1",
		CompletedTaskID: "4", CompletedStatus: protocol.CompletedStatusCompleted,
	})
	r.dispatch(mailbox.Message{From: "agent1", Text: idle})

	notes := notifier.all()
	if len(notes) != 1 || !strings.Contains(notes[0], "completed task #4") {
		t.Errorf("notes = %v", notes)
	}

	// A terminal idle report takes the member offline with the reason.
	down, _ := protocol.Encode(&protocol.IdleNotification{
		Type: protocol.TypeIdleNotification, From: "agent1", FailureReason: "terminated",
	})
	r.dispatch(mailbox.Message{From: "agent1", Text: down})

	cfg, _ := r.config.Load()
	m := cfg.FindMember("agent1")
	if m.Status != team.StatusOffline || m.Meta["offlineReason"] != "terminated" {
		t.Errorf("member = %+v", m)
	}
}

func TestDispatchPlainTextNotifies(t *testing.T) {
	r, notifier := newTestLeader(t)
	r.dispatch(mailbox.Message{From: "agent1", Text: "shipped the fix, please review"})
	notes := notifier.all()
	if len(notes) != 1 || !strings.Contains(notes[0], "shipped the fix") {
		t.Errorf("notes = %v", notes)
	}
}

type noopAgent struct{ session string }

func (a *noopAgent) SendUserMessage(string) error { return nil }
func (a *noopAgent) RequestAbort()                {}
func (a *noopAgent) SessionName() string          { return a.session }
func (a *noopAgent) SetSessionName(name string)   { a.session = name }

// A leader and a worker coordinating through the same team directory: the
// graceful shutdown handshake runs end to end over the filesystem alone.
func TestShutdownHandshakeEndToEnd(t *testing.T) {
	root := t.TempDir()
	notifier := &recordingNotifier{}
	r, err := New(Options{
		TeamID:   "crew",
		RootDir:  root,
		Settings: config.Defaults(),
		Notifier: notifier,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	w := worker.New(worker.Env{
		TeamID:    "crew",
		AgentName: "agent1",
		LeadName:  "team-lead",
		RootDir:   root,
	}, &noopAgent{})
	hostDone := make(chan string, 1)
	w.OnShutdown(func(reason string) { hostDone <- reason })
	if err := w.Start(ctx); err != nil {
		t.Fatalf("worker Start: %v", err)
	}

	// The leader tracks the worker in memory so the handshake can target it.
	r.mu.Lock()
	r.teammates["agent1"] = &teammate{name: "agent1"}
	r.mu.Unlock()

	if err := r.ShutdownTeammate("agent1", "end of session"); err != nil {
		t.Fatalf("ShutdownTeammate: %v", err)
	}

	var reason string
	select {
	case reason = <-hostDone:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never approved the shutdown")
	}
	if reason != "end of session" {
		t.Errorf("shutdown reason = %q", reason)
	}

	waitFor(t, "leader to process the approval", func() bool {
		cfg, _ := r.config.Load()
		m := cfg.FindMember("agent1")
		return m != nil && m.Status == team.StatusOffline && m.Meta["shutdownApprovedRequestId"] != nil
	})

	r.mu.Lock()
	_, stillTracked := r.teammates["agent1"]
	r.mu.Unlock()
	if stillTracked {
		t.Error("teammate record not removed after approval")
	}
}

func TestStartRejectsSecondLeader(t *testing.T) {
	root := t.TempDir()
	mk := func() *Runtime {
		r, err := New(Options{TeamID: "crew", RootDir: root, Settings: config.Defaults()})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return r
	}

	first := mk()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer first.Stop()

	second := mk()
	if err := second.Start(ctx); err == nil {
		second.Stop()
		t.Fatal("second leader for the same team must fail to start")
	}
}

func TestCleanupRemovesTeamDir(t *testing.T) {
	root := t.TempDir()
	r, err := New(Options{TeamID: "crew", RootDir: root, Settings: config.Defaults()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := os.Stat(r.TeamDir()); err != nil {
		t.Fatalf("team dir missing before cleanup: %v", err)
	}
	if err := r.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(r.TeamDir()); !os.IsNotExist(err) {
		t.Errorf("team dir still present after cleanup: %v", err)
	}
}

func TestDelegateExplicitAssignees(t *testing.T) {
	r, _ := newTestLeader(t)

	items := []WorkItem{
		{Text: "Review the auth changes", Assignee: "reviewer"},
		{Text: "Parse the access logs"},
		{Text: "Tighten the lint config", Assignee: "re viewer!"},
	}
	created, err := r.Delegate(shortCtx(t), items, DelegateOptions{Teammates: 2})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("created %d tasks, want 3", len(created))
	}

	if created[0].Owner != "reviewer" {
		t.Errorf("pinned item owner = %q, want reviewer", created[0].Owner)
	}
	if created[1].Owner != "agent-1" {
		t.Errorf("unpinned item owner = %q, want agent-1", created[1].Owner)
	}
	// Assignee names pass through the same sanitizer as every member name.
	if created[2].Owner != "re-viewer-" {
		t.Errorf("sanitized owner = %q", created[2].Owner)
	}

	// Pinned workers were spawned alongside the round-robin pool. One
	// unassigned item means a pool of one, regardless of Teammates.
	running := map[string]bool{}
	for _, name := range r.teammateNames() {
		running[name] = true
	}
	for _, want := range []string{"reviewer", "re-viewer-", "agent-1"} {
		if !running[want] {
			t.Errorf("%s not spawned: %v", want, r.teammateNames())
		}
	}
	if running["agent-2"] {
		t.Errorf("pool larger than the unassigned work: %v", r.teammateNames())
	}

	msgs, err := r.mail.PopUnread(r.taskListID, "reviewer")
	if err != nil {
		t.Fatalf("PopUnread: %v", err)
	}
	found := false
	for _, msg := range msgs {
		if a, ok := protocol.Decode(msg.Text).(*protocol.TaskAssignment); ok && a.TaskID == created[0].ID {
			found = true
		}
	}
	if !found {
		t.Errorf("no assignment ping for the pinned worker: %v", msgs)
	}
}

func TestDelegateSameAssigneeSpawnedOnce(t *testing.T) {
	r, _ := newTestLeader(t)

	items := []WorkItem{
		{Text: "First pass", Assignee: "reviewer"},
		{Text: "Second pass", Assignee: "reviewer"},
	}
	created, err := r.Delegate(shortCtx(t), items, DelegateOptions{})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("created = %d", len(created))
	}
	if names := r.teammateNames(); len(names) != 1 || names[0] != "reviewer" {
		t.Errorf("teammates = %v, want just reviewer", names)
	}
}

// A worker someone started by hand is only in the roster, never in the
// leader's process table. Shutdown by name still reaches it through its
// mailbox and records the request id on the member.
func TestShutdownManualWorkerByName(t *testing.T) {
	r, _ := newTestLeader(t)
	if err := r.config.UpsertMember(team.Member{Name: "helper", Role: team.RoleWorker, Status: team.StatusOnline}); err != nil {
		t.Fatalf("UpsertMember: %v", err)
	}

	if err := r.ShutdownTeammate("helper", "wrapping up"); err != nil {
		t.Fatalf("ShutdownTeammate: %v", err)
	}

	cfg, _ := r.config.Load()
	m := cfg.FindMember("helper")
	if m == nil || m.Meta["shutdownRequestId"] == nil {
		t.Fatalf("member = %+v", m)
	}
	if m.Status != team.StatusOnline {
		t.Errorf("status = %q, the handshake decides when it goes offline", m.Status)
	}

	msgs, err := r.mail.PopUnread(mailbox.NamespaceTeam, "helper")
	if err != nil {
		t.Fatalf("PopUnread: %v", err)
	}
	req, ok := protocol.Decode(msgs[len(msgs)-1].Text).(*protocol.ShutdownRequest)
	if !ok {
		t.Fatalf("inbox = %v", msgs)
	}
	if req.RequestID != m.Meta["shutdownRequestId"] {
		t.Errorf("mailed request %s, member records %v", req.RequestID, m.Meta["shutdownRequestId"])
	}

	if err := r.ShutdownTeammate("nobody", "wrapping up"); err == nil {
		t.Error("shutdown of an unknown worker must fail")
	}
}

func TestShutdownAllSweepsManualWorkers(t *testing.T) {
	r, _ := newTestLeader(t)
	for _, name := range []string{"helper", "busy"} {
		if err := r.config.UpsertMember(team.Member{Name: name, Role: team.RoleWorker, Status: team.StatusOnline}); err != nil {
			t.Fatalf("UpsertMember: %v", err)
		}
	}
	task, err := r.tasks.Create(tasks.CreateOptions{Subject: "long haul", Owner: "busy"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.tasks.StartAssigned(task.ID, "busy"); err != nil {
		t.Fatalf("StartAssigned: %v", err)
	}

	r.ShutdownAll("end of session")

	cfg, _ := r.config.Load()
	helper := cfg.FindMember("helper")
	if helper.Status != team.StatusOffline || helper.Meta["shutdownRequestId"] == nil {
		t.Errorf("idle manual worker = %+v", helper)
	}
	msgs, _ := r.mail.PopUnread(mailbox.NamespaceTeam, "helper")
	if len(msgs) == 0 {
		t.Error("idle manual worker got no shutdown request")
	} else if _, ok := protocol.Decode(msgs[len(msgs)-1].Text).(*protocol.ShutdownRequest); !ok {
		t.Errorf("inbox = %v", msgs)
	}

	// A worker mid-task is left alone to finish.
	if m := cfg.FindMember("busy"); m.Status != team.StatusOnline {
		t.Errorf("busy manual worker = %+v", m)
	}
	if msgs, _ := r.mail.PopUnread(mailbox.NamespaceTeam, "busy"); len(msgs) != 0 {
		t.Errorf("busy manual worker was mailed anyway: %v", msgs)
	}
}

// An idle report with a failure reason can come from a worker the leader
// never heard of; the member is registered on the spot and goes straight
// offline.
func TestDispatchIdleFailureFromUnknownMember(t *testing.T) {
	r, notifier := newTestLeader(t)

	down, _ := protocol.Encode(&protocol.IdleNotification{
		Type: protocol.TypeIdleNotification, From: "drifter", FailureReason: "terminated",
	})
	r.dispatch(mailbox.Message{From: "drifter", Text: down})

	cfg, _ := r.config.Load()
	m := cfg.FindMember("drifter")
	if m == nil {
		t.Fatal("unknown member was not registered")
	}
	if m.Role != team.RoleWorker || m.Status != team.StatusOffline || m.Meta["offlineReason"] != "terminated" {
		t.Errorf("member = %+v", m)
	}
	notes := notifier.all()
	if len(notes) != 1 || !strings.Contains(notes[0], "terminated") {
		t.Errorf("notes = %v", notes)
	}
}

func TestSpawnPassesWorkerFlagsInEnv(t *testing.T) {
	r, _ := newTestLeader(t)
	if err := r.config.SetStyle("pirate"); err != nil {
		t.Fatalf("SetStyle: %v", err)
	}

	var captured []string
	r.startWorker = func(ctx context.Context, name string, opts childrpc.StartOptions) (*childrpc.Client, error) {
		captured = opts.Env
		return childrpc.NewClient(name), nil
	}

	if err := r.Spawn(shortCtx(t), "agent1", SpawnOptions{PlanRequired: true, DisableAutoClaim: true}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	want := []string{
		worker.EnvWorker + "=1",
		worker.EnvAgentName + "=agent1",
		worker.EnvAutoClaim + "=0",
		worker.EnvPlanRequired + "=1",
		worker.EnvStyle + "=pirate",
	}
	for _, entry := range want {
		found := false
		for _, have := range captured {
			if have == entry {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("env missing %q", entry)
		}
	}

	// The flags are opt-in; a plain spawn must not carry them.
	captured = nil
	if err := r.Spawn(shortCtx(t), "agent2", SpawnOptions{}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	for _, have := range captured {
		if have == worker.EnvAutoClaim+"=0" || have == worker.EnvPlanRequired+"=1" {
			t.Errorf("unexpected env entry %q", have)
		}
	}
}

func TestKillReleasesTasks(t *testing.T) {
	r, _ := newTestLeader(t)

	if err := r.Spawn(shortCtx(t), "agent1", SpawnOptions{}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	task, err := r.tasks.Create(tasks.CreateOptions{Subject: "in flight", Owner: "agent1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.tasks.StartAssigned(task.ID, "agent1"); err != nil {
		t.Fatalf("StartAssigned: %v", err)
	}

	r.Kill("agent1")

	got, _ := r.tasks.Get(task.ID)
	if got.Owner != "" || got.Status != tasks.StatusPending {
		t.Errorf("task after kill = %+v", got)
	}
	cfg, _ := r.config.Load()
	if m := cfg.FindMember("agent1"); m == nil || m.Status != team.StatusOffline {
		t.Errorf("member after kill = %+v", m)
	}
	if names := r.teammateNames(); len(names) != 0 {
		t.Errorf("teammates after kill = %v", names)
	}
}
