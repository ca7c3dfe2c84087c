package leader

import (
	"fmt"
	"log"
	"time"

	"github.com/jg-phare/crew/pkg/childrpc"
	"github.com/jg-phare/crew/pkg/mailbox"
	"github.com/jg-phare/crew/pkg/protocol"
	"github.com/jg-phare/crew/pkg/team"
	"github.com/jg-phare/crew/pkg/teamfs"
)

// drainInboxOnce pops the leader's unread mail and dispatches each message.
// Single-flight so a slow drain never stacks behind the next tick.
func (r *Runtime) drainInboxOnce() {
	r.mu.Lock()
	if r.inboxBusy {
		r.mu.Unlock()
		return
	}
	r.inboxBusy = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inboxBusy = false
		r.mu.Unlock()
	}()

	msgs, err := r.mail.PopUnread(mailbox.NamespaceTeam, r.leadName)
	if err != nil {
		log.Printf("leader: drain inbox: %v", err)
		return
	}
	for _, msg := range msgs {
		r.dispatch(msg)
	}
}

func (r *Runtime) dispatch(msg mailbox.Message) {
	switch m := protocol.Decode(msg.Text).(type) {
	case *protocol.ShutdownApproved:
		r.handleShutdownApproved(m)
	case *protocol.ShutdownRejected:
		r.handleShutdownRejected(m)
	case *protocol.IdleNotification:
		r.handleIdle(m)
	case *protocol.PlanApprovalRequest:
		r.handlePlanRequest(m)
	case *protocol.PeerDMSent:
		r.notify(fmt.Sprintf("%s -> %s: %s", m.From, m.To, m.Summary))
	default:
		r.notify(fmt.Sprintf("%s: %s", msg.From, msg.Text))
	}
}

// handleShutdownApproved finishes the graceful handshake: the force timer
// is disarmed, the process stopped, and the roster entry marked offline
// with the approved request id.
func (r *Runtime) handleShutdownApproved(m *protocol.ShutdownApproved) {
	r.mu.Lock()
	tm, ok := r.teammates[m.From]
	var client *childrpc.Client
	if ok {
		if tm.forceTimer != nil {
			tm.forceTimer.Stop()
			tm.forceTimer = nil
		}
		client = tm.client
		delete(r.teammates, m.From)
	}
	r.mu.Unlock()

	if client != nil {
		if err := client.Stop(); err != nil {
			log.Printf("leader: stop %s after shutdown approval: %v", m.From, err)
		}
	}
	if err := r.config.SetMemberStatus(m.From, team.StatusOffline, time.Now(), map[string]any{
		"shutdownApprovedRequestId": m.RequestID,
	}); err != nil {
		log.Printf("leader: mark %s offline: %v", m.From, err)
	}
	r.notify(fmt.Sprintf("%s shut down", m.From))
}

// handleShutdownRejected keeps the worker running and disarms the force
// timer; the worker gave a reason and the operator decides what happens
// next.
func (r *Runtime) handleShutdownRejected(m *protocol.ShutdownRejected) {
	r.mu.Lock()
	if tm, ok := r.teammates[m.From]; ok {
		if tm.forceTimer != nil {
			tm.forceTimer.Stop()
			tm.forceTimer = nil
		}
		tm.shutdownID = ""
	}
	r.mu.Unlock()

	if err := r.config.SetMemberStatus(m.From, team.StatusOnline, time.Now(), nil); err != nil {
		log.Printf("leader: mark %s online: %v", m.From, err)
	}
	r.notify(fmt.Sprintf("%s declined shutdown: %s", m.From, m.Reason))
}

// handleIdle reconciles the roster from a worker's idle report. A failure
// reason means the worker is going away; otherwise it is online and ready,
// and its session label is refreshed in case the worker restarted. A
// report from a worker the leader never spawned still lands in the roster:
// the member is upserted first.
func (r *Runtime) handleIdle(m *protocol.IdleNotification) {
	if m.FailureReason != "" {
		r.setStatusUpserting(m.From, team.StatusOffline, map[string]any{
			"offlineReason": m.FailureReason,
		})
		r.notify(fmt.Sprintf("%s went offline: %s", m.From, m.FailureReason))
		return
	}

	r.setStatusUpserting(m.From, team.StatusOnline, nil)
	r.reconcileSessionName(m.From)

	switch m.CompletedStatus {
	case protocol.CompletedStatusCompleted:
		r.notify(fmt.Sprintf("%s completed task #%s", m.From, m.CompletedTaskID))
	case protocol.CompletedStatusFailed:
		r.notify(fmt.Sprintf("%s failed task #%s", m.From, m.CompletedTaskID))
	default:
		r.notify(fmt.Sprintf("%s is idle", m.From))
	}
}

// setStatusUpserting sets a member's status, registering the member as a
// worker first when the roster does not know it yet.
func (r *Runtime) setStatusUpserting(name, status string, meta map[string]any) {
	name = teamfs.Sanitize(name)
	cfg, err := r.config.Load()
	if err == nil && (cfg == nil || cfg.FindMember(name) == nil) {
		if err := r.config.UpsertMember(team.Member{
			Name:   name,
			Role:   team.RoleWorker,
			Status: status,
		}); err != nil {
			log.Printf("leader: register %s: %v", name, err)
			return
		}
	}
	if err := r.config.SetMemberStatus(name, status, time.Now(), meta); err != nil {
		log.Printf("leader: mark %s %s: %v", name, status, err)
	}
}

// reconcileSessionName re-mails the session label if the in-memory record
// says it was never applied or has drifted.
func (r *Runtime) reconcileSessionName(name string) {
	label := r.sessionNameFor(name)
	r.mu.Lock()
	tm, ok := r.teammates[name]
	upToDate := ok && tm.sessionName == label
	r.mu.Unlock()
	if !ok || upToDate {
		return
	}

	text, err := protocol.Encode(&protocol.SetSessionName{Type: protocol.TypeSetSessionName, Name: label})
	if err != nil {
		return
	}
	if err := r.mail.Write(mailbox.NamespaceTeam, name, mailbox.Message{From: r.leadName, Text: text}); err != nil {
		log.Printf("leader: reconcile session name for %s: %v", name, err)
		return
	}
	r.mu.Lock()
	if tm, ok := r.teammates[name]; ok {
		tm.sessionName = label
	}
	r.mu.Unlock()
}

// handlePlanRequest parks the request for an operator decision and quotes
// the first part of the plan in the notification.
func (r *Runtime) handlePlanRequest(m *protocol.PlanApprovalRequest) {
	r.mu.Lock()
	r.pendingPlans[m.RequestID] = m
	r.mu.Unlock()
	r.notify(fmt.Sprintf("%s requests plan approval (task #%s):\n%s",
		m.From, m.TaskID, truncate(m.Plan, planPreviewLimit)))
}

// PendingPlans lists plan approval requests awaiting a decision.
func (r *Runtime) PendingPlans() []*protocol.PlanApprovalRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*protocol.PlanApprovalRequest, 0, len(r.pendingPlans))
	for _, m := range r.pendingPlans {
		out = append(out, m)
	}
	return out
}

// ApprovePlan answers a pending plan approval request.
func (r *Runtime) ApprovePlan(requestID string) error {
	m, err := r.takePlan(requestID)
	if err != nil {
		return err
	}
	text, err := protocol.Encode(&protocol.PlanApproved{
		Type:      protocol.TypePlanApproved,
		RequestID: requestID,
		From:      r.leadName,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return r.mail.Write(mailbox.NamespaceTeam, m.From, mailbox.Message{From: r.leadName, Text: text})
}

// RejectPlan answers a pending plan approval request with feedback.
func (r *Runtime) RejectPlan(requestID, feedback string) error {
	m, err := r.takePlan(requestID)
	if err != nil {
		return err
	}
	text, err := protocol.Encode(&protocol.PlanRejected{
		Type:      protocol.TypePlanRejected,
		RequestID: requestID,
		From:      r.leadName,
		Feedback:  feedback,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return r.mail.Write(mailbox.NamespaceTeam, m.From, mailbox.Message{From: r.leadName, Text: text})
}

func (r *Runtime) takePlan(requestID string) (*protocol.PlanApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.pendingPlans[requestID]
	if !ok {
		return nil, fmt.Errorf("no pending plan approval %s", requestID)
	}
	delete(r.pendingPlans, requestID)
	return m, nil
}
