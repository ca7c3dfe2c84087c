package worker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jg-phare/crew/pkg/mailbox"
	"github.com/jg-phare/crew/pkg/protocol"
	"github.com/jg-phare/crew/pkg/tasks"
	"github.com/jg-phare/crew/pkg/team"
	"github.com/jg-phare/crew/pkg/teamfs"
)

// Agent is the embedded coding agent a worker drives. SendUserMessage
// begins a turn; the host reports the turn's end via Runtime.OnAgentEnd.
type Agent interface {
	SendUserMessage(text string) error
	RequestAbort()
	SessionName() string
	SetSessionName(name string)
}

const (
	defaultPollInterval = 350 * time.Millisecond

	// seenRequestCap bounds the request-id de-duplication sets so a
	// long-lived worker cannot grow them without bound.
	seenRequestCap = 4096

	dmSeparator = "\n\n---\n\n"
)

// Metadata keys stamped on tasks released by an abort.
const (
	MetaAbortedAt      = "abortedAt"
	MetaAbortedBy      = "abortedBy"
	MetaAbortReason    = "abortReason"
	MetaAbortRequestID = "abortRequestId"
	MetaPartialResult  = "partialResult"
)

// Runtime is the per-process worker state machine.
type Runtime struct {
	env     Env
	teamDir string
	agent   Agent

	mail   *mailbox.Store
	tasks  *tasks.Store
	config *team.Store

	// onShutdown asks the host process to exit after a graceful
	// shutdown handshake. Optional.
	onShutdown func(reason string)

	mu                 sync.Mutex
	streaming          bool
	currentTaskID      string
	pendingAssignments []string
	pendingDMs         []string
	shutdownInProgress bool
	deciding           bool
	managedSessionName string

	abortRequested bool
	abortReason    string
	abortRequestID string

	seenShutdown *lru.Cache[string, struct{}]
	seenAbort    *lru.Cache[string, struct{}]

	pollInterval time.Duration
	stopPoll     context.CancelFunc
	pollDone     chan struct{}
}

// New builds a worker runtime from its environment and agent.
func New(env Env, agent Agent) *Runtime {
	teamDir := teamfs.TeamDir(env.RootDir, env.TeamID)
	seenShutdown, _ := lru.New[string, struct{}](seenRequestCap)
	seenAbort, _ := lru.New[string, struct{}](seenRequestCap)

	return &Runtime{
		env:          env,
		teamDir:      teamDir,
		agent:        agent,
		mail:         mailbox.NewStore(teamDir),
		tasks:        tasks.NewStore(teamDir, env.TaskListID),
		config:       team.NewStore(teamDir),
		seenShutdown: seenShutdown,
		seenAbort:    seenAbort,
		pollInterval: defaultPollInterval,
	}
}

// OnShutdown registers the host callback invoked after a graceful
// shutdown handshake completes.
func (r *Runtime) OnShutdown(fn func(reason string)) { r.onShutdown = fn }

// AgentName returns the worker's sanitized name.
func (r *Runtime) AgentName() string { return r.env.AgentName }

// CurrentTaskID returns the id of the task being worked, if any.
func (r *Runtime) CurrentTaskID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentTaskID
}

// Start registers the worker in the team config, begins the poll loop, and
// reports idle if no work is immediately available. No-op for a disabled
// environment.
func (r *Runtime) Start(ctx context.Context) error {
	if !r.env.Enabled() {
		return nil
	}

	if _, err := r.config.Ensure(team.EnsureOptions{
		TeamID:     r.env.TeamID,
		TaskListID: r.env.TaskListID,
		LeadName:   r.env.LeadName,
		Style:      r.env.Style,
	}); err != nil {
		return fmt.Errorf("ensure team config: %w", err)
	}
	if err := r.config.UpsertMember(team.Member{
		Name:        r.env.AgentName,
		Role:        team.RoleWorker,
		Status:      team.StatusOnline,
		SessionFile: teamfs.SessionFilePath(r.teamDir, r.env.AgentName),
	}); err != nil {
		return fmt.Errorf("register member: %w", err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	r.stopPoll = cancel
	r.pollDone = make(chan struct{})
	go r.pollLoop(pollCtx)

	r.maybeStartNextWork()

	r.mu.Lock()
	idle := !r.streaming && r.currentTaskID == ""
	r.mu.Unlock()
	if idle {
		r.sendIdleNotification("", "", "")
	}
	return nil
}

// Shutdown stops the poll loop, releases owned tasks, marks the member
// offline, and posts a final idle notification carrying the reason.
// Used for SIGTERM and host teardown; safe to call repeatedly.
func (r *Runtime) Shutdown(reason string) {
	r.mu.Lock()
	already := r.shutdownInProgress
	r.shutdownInProgress = true
	r.mu.Unlock()
	if already {
		return
	}

	r.stopPolling()
	r.releaseAndGoOffline(reason)
	r.sendIdleNotification("", "", reason)
}

func (r *Runtime) stopPolling() {
	if r.stopPoll != nil {
		r.stopPoll()
		<-r.pollDone
	}
}

func (r *Runtime) releaseAndGoOffline(reason string) {
	if _, err := r.tasks.UnassignAllFor(r.env.AgentName, reason); err != nil {
		log.Printf("worker %s: release tasks: %v", r.env.AgentName, err)
	}
	if err := r.config.SetMemberStatus(r.env.AgentName, team.StatusOffline, time.Now(), nil); err != nil {
		log.Printf("worker %s: mark offline: %v", r.env.AgentName, err)
	}
}

func (r *Runtime) pollLoop(ctx context.Context) {
	defer close(r.pollDone)

	// Watchers shorten the idle latency; the ticker is the contract.
	wakeTeam, _ := r.mail.Watch(ctx, mailbox.NamespaceTeam, r.env.AgentName)
	wakeTasks, _ := r.mail.Watch(ctx, r.env.TaskListID, r.env.AgentName)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-wakeTeam:
			if !ok {
				wakeTeam = nil
				continue
			}
		case _, ok := <-wakeTasks:
			if !ok {
				wakeTasks = nil
				continue
			}
		}
		if stop := r.pollOnce(); stop {
			return
		}
	}
}

// pollOnce drains both inboxes and handles the batch in arrival order.
// Poll errors are swallowed; the next tick retries. Returns true when the
// loop should stop (shutdown handled).
func (r *Runtime) pollOnce() bool {
	var teamMsgs, taskMsgs []mailbox.Message
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		teamMsgs, _ = r.mail.PopUnread(mailbox.NamespaceTeam, r.env.AgentName)
	}()
	go func() {
		defer wg.Done()
		taskMsgs, _ = r.mail.PopUnread(r.env.TaskListID, r.env.AgentName)
	}()
	wg.Wait()

	for _, msg := range append(teamMsgs, taskMsgs...) {
		if stop := r.handleMessage(msg); stop {
			return true
		}
	}

	r.maybeStartNextWork()
	return false
}

// handleMessage dispatches one inbox message. Shutdown requests are acted
// on before any further messages in the batch.
func (r *Runtime) handleMessage(msg mailbox.Message) bool {
	switch m := protocol.Decode(msg.Text).(type) {
	case *protocol.ShutdownRequest:
		return r.handleShutdownRequest(m)
	case *protocol.SetSessionName:
		r.applySessionName(m.Name)
	case *protocol.AbortRequest:
		r.handleAbortRequest(m)
	case *protocol.TaskAssignment:
		r.mu.Lock()
		r.pendingAssignments = append(r.pendingAssignments, m.TaskID)
		r.mu.Unlock()
	default:
		r.mu.Lock()
		r.pendingDMs = append(r.pendingDMs, msg.Text)
		r.mu.Unlock()
	}
	return false
}

func (r *Runtime) handleShutdownRequest(m *protocol.ShutdownRequest) bool {
	if _, dup := r.seenShutdown.Get(m.RequestID); dup {
		return false
	}
	r.seenShutdown.Add(m.RequestID, struct{}{})

	r.mu.Lock()
	r.shutdownInProgress = true
	r.mu.Unlock()

	approved, err := protocol.Encode(&protocol.ShutdownApproved{
		Type:      protocol.TypeShutdownApproved,
		From:      r.env.AgentName,
		RequestID: m.RequestID,
		Timestamp: time.Now(),
	})
	if err == nil {
		if err := r.mail.Write(mailbox.NamespaceTeam, r.env.LeadName, mailbox.Message{
			From: r.env.AgentName,
			Text: approved,
		}); err != nil {
			log.Printf("worker %s: shutdown ack: %v", r.env.AgentName, err)
		}
	}

	r.releaseAndGoOffline("shutdown requested by " + from(m.From, r.env.LeadName))
	r.agent.RequestAbort()

	if r.onShutdown != nil {
		r.onShutdown(m.Reason)
	}
	return true
}

func from(explicit, fallback string) string {
	if explicit != "" {
		return explicit
	}
	return fallback
}

// applySessionName applies a cosmetic session name when the current name
// is empty or still one this runtime set earlier.
func (r *Runtime) applySessionName(name string) {
	current := r.agent.SessionName()

	r.mu.Lock()
	managed := r.managedSessionName
	r.mu.Unlock()

	if current != "" && current != managed {
		return // the user renamed the session; leave it alone
	}
	r.agent.SetSessionName(name)
	r.mu.Lock()
	r.managedSessionName = name
	r.mu.Unlock()
}

func (r *Runtime) handleAbortRequest(m *protocol.AbortRequest) {
	if _, dup := r.seenAbort.Get(m.RequestID); dup {
		return
	}
	r.seenAbort.Add(m.RequestID, struct{}{})

	r.mu.Lock()
	targeted := m.TaskID == "" || m.TaskID == r.currentTaskID
	if targeted {
		r.abortRequested = true
		r.abortReason = m.Reason
		r.abortRequestID = m.RequestID
	}
	r.mu.Unlock()

	if targeted {
		r.agent.RequestAbort()
	}
}

// maybeStartNextWork picks the next thing to run: an assigned task, queued
// DMs, then an auto-claimed task. Single-flight; does nothing while
// streaming, working, or shutting down.
func (r *Runtime) maybeStartNextWork() {
	r.mu.Lock()
	if r.deciding || r.streaming || r.currentTaskID != "" || r.shutdownInProgress {
		r.mu.Unlock()
		return
	}
	r.deciding = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.deciding = false
		r.mu.Unlock()
	}()

	if r.startFromAssignments() {
		return
	}
	if r.startFromDMs() {
		return
	}
	if r.env.AutoClaim {
		r.startFromAutoClaim()
	}
}

// startFromAssignments drains the assignment queue. Unknown, foreign, and
// completed task ids are dropped; blocked tasks are requeued at the tail.
func (r *Runtime) startFromAssignments() bool {
	r.mu.Lock()
	queued := len(r.pendingAssignments)
	r.mu.Unlock()

	for i := 0; i < queued; i++ {
		r.mu.Lock()
		if len(r.pendingAssignments) == 0 {
			r.mu.Unlock()
			return false
		}
		id := r.pendingAssignments[0]
		r.pendingAssignments = r.pendingAssignments[1:]
		r.mu.Unlock()

		task, err := r.tasks.Get(id)
		if err != nil || task == nil {
			continue // assignment raced the task file or the task is gone
		}
		if task.Owner != r.env.AgentName || task.Status == tasks.StatusCompleted {
			continue
		}

		blocked, err := r.tasks.IsBlocked(task)
		if err != nil {
			continue
		}
		if blocked {
			r.mu.Lock()
			r.pendingAssignments = append(r.pendingAssignments, id)
			r.mu.Unlock()
			continue
		}

		if task.Status == tasks.StatusPending {
			if started, err := r.tasks.StartAssigned(id, r.env.AgentName); err != nil || started == nil {
				continue
			}
		}
		r.beginTask(task)
		return true
	}
	return false
}

func (r *Runtime) startFromDMs() bool {
	r.mu.Lock()
	if len(r.pendingDMs) == 0 {
		r.mu.Unlock()
		return false
	}
	text := strings.Join(r.pendingDMs, dmSeparator)
	r.pendingDMs = nil
	r.streaming = true
	r.mu.Unlock()

	if err := r.agent.SendUserMessage(text); err != nil {
		log.Printf("worker %s: deliver DMs: %v", r.env.AgentName, err)
		r.mu.Lock()
		r.streaming = false
		r.mu.Unlock()
		return false
	}
	return true
}

func (r *Runtime) startFromAutoClaim() {
	claimed, err := r.tasks.ClaimNextAvailable(r.env.AgentName, true)
	if err != nil || claimed == nil {
		return
	}
	r.beginTask(claimed)
}

// beginTask marks the task current, optimistically flags streaming, and
// prompts the agent.
func (r *Runtime) beginTask(task *tasks.Task) {
	r.mu.Lock()
	r.currentTaskID = task.ID
	r.streaming = true
	r.mu.Unlock()

	if err := r.agent.SendUserMessage(TaskPrompt(r.env.AgentName, task)); err != nil {
		log.Printf("worker %s: prompt for task %s: %v", r.env.AgentName, task.ID, err)
		r.mu.Lock()
		r.currentTaskID = ""
		r.streaming = false
		r.mu.Unlock()
	}
}

// TaskPrompt renders the user message that starts work on a task.
func TaskPrompt(agentName string, task *tasks.Task) string {
	return fmt.Sprintf(`You are teammate '%s'.
You have been assigned task #%s.
Subject: %s

Description:
%s

Do the work now. When finished, reply with a concise summary and any key outputs.`,
		agentName, task.ID, task.Subject, task.Description)
}

// OnAgentEnd records the outcome of a finished agent turn. An aborted or
// empty turn releases the task back to pending (owner kept) and reports a
// failure; otherwise the task completes with the assistant's text as its
// result. Afterwards the worker looks for more work and reports idle if
// none follows.
func (r *Runtime) OnAgentEnd(lastAssistantText string) {
	r.mu.Lock()
	r.streaming = false
	taskID := r.currentTaskID
	r.currentTaskID = ""
	aborted := r.abortRequested
	abortReason := r.abortReason
	abortRequestID := r.abortRequestID
	r.abortRequested = false
	r.abortReason = ""
	r.abortRequestID = ""
	r.mu.Unlock()

	completedID, completedStatus := "", ""
	if taskID != "" {
		if aborted || strings.TrimSpace(lastAssistantText) == "" {
			r.recordAbortedTask(taskID, abortReason, abortRequestID, lastAssistantText)
			completedID, completedStatus = taskID, protocol.CompletedStatusFailed
		} else {
			if _, err := r.tasks.Complete(taskID, r.env.AgentName, lastAssistantText); err != nil {
				log.Printf("worker %s: complete task %s: %v", r.env.AgentName, taskID, err)
			}
			completedID, completedStatus = taskID, protocol.CompletedStatusCompleted
		}
	}

	r.maybeStartNextWork()

	r.mu.Lock()
	idle := !r.streaming && r.currentTaskID == "" && !r.shutdownInProgress
	r.mu.Unlock()
	if idle {
		r.sendIdleNotification(completedID, completedStatus, "")
	}
}

// recordAbortedTask keeps the owner but returns the task to pending with
// abort metadata, so the same worker can resume or the leader reassign.
func (r *Runtime) recordAbortedTask(taskID, reason, requestID, partial string) {
	_, err := r.tasks.Update(taskID, func(t *tasks.Task) error {
		if t.Owner != r.env.AgentName || t.Status == tasks.StatusCompleted {
			return nil
		}
		t.Status = tasks.StatusPending
		meta := map[string]any{
			MetaAbortedAt: time.Now().Format(time.RFC3339),
			MetaAbortedBy: r.env.AgentName,
		}
		if reason != "" {
			meta[MetaAbortReason] = reason
		}
		if requestID != "" {
			meta[MetaAbortRequestID] = requestID
		}
		if strings.TrimSpace(partial) != "" {
			meta[MetaPartialResult] = partial
		}
		for k, v := range meta {
			if t.Metadata == nil {
				t.Metadata = map[string]any{}
			}
			t.Metadata[k] = v
		}
		return nil
	})
	if err != nil {
		log.Printf("worker %s: record abort for task %s: %v", r.env.AgentName, taskID, err)
	}
}

func (r *Runtime) sendIdleNotification(completedTaskID, completedStatus, failureReason string) {
	text, err := protocol.Encode(&protocol.IdleNotification{
		Type:            protocol.TypeIdleNotification,
		From:            r.env.AgentName,
		Timestamp:       time.Now(),
		CompletedTaskID: completedTaskID,
		CompletedStatus: completedStatus,
		FailureReason:   failureReason,
	})
	if err != nil {
		return
	}
	if err := r.mail.Write(mailbox.NamespaceTeam, r.env.LeadName, mailbox.Message{
		From: r.env.AgentName,
		Text: text,
	}); err != nil {
		log.Printf("worker %s: idle notification: %v", r.env.AgentName, err)
	}
}
