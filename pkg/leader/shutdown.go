package leader

import (
	"fmt"
	"log"
	"time"

	"github.com/jg-phare/crew/pkg/childrpc"
	"github.com/jg-phare/crew/pkg/mailbox"
	"github.com/jg-phare/crew/pkg/protocol"
	"github.com/jg-phare/crew/pkg/tasks"
	"github.com/jg-phare/crew/pkg/team"
	"github.com/jg-phare/crew/pkg/teamfs"
)

// ShutdownTeammate starts a graceful shutdown handshake with the named
// worker. For a worker this leader spawned, a force timer kills the
// process if no approval comes back in time. A worker known only from the
// roster (a manual worker) just gets the mailed request, with the request
// id recorded in its member metadata.
func (r *Runtime) ShutdownTeammate(name, reason string) error {
	name = teamfs.Sanitize(name)

	r.mu.Lock()
	tm, managed := r.teammates[name]
	if managed && tm.shutdownID != "" {
		r.mu.Unlock()
		return nil // handshake already in flight
	}
	requestID := protocol.NewRequestID()
	if managed {
		tm.shutdownID = requestID
		tm.forceTimer = time.AfterFunc(r.settings.ShutdownForceAfter.Std(), func() {
			log.Printf("leader: %s did not approve shutdown %s, killing", name, requestID)
			r.Kill(name)
		})
	}
	r.mu.Unlock()

	if !managed {
		cfg, err := r.config.Load()
		if err != nil {
			return err
		}
		member := (*team.Member)(nil)
		if cfg != nil {
			member = cfg.FindMember(name)
		}
		if member == nil || member.Role != team.RoleWorker {
			return fmt.Errorf("no such worker %s", name)
		}
		if err := r.config.SetMemberStatus(name, member.Status, time.Now(), map[string]any{
			"shutdownRequestId": requestID,
		}); err != nil {
			return err
		}
	}

	return r.sendShutdownRequest(name, requestID, reason)
}

func (r *Runtime) sendShutdownRequest(name, requestID, reason string) error {
	text, err := protocol.Encode(&protocol.ShutdownRequest{
		Type:      protocol.TypeShutdownRequest,
		RequestID: requestID,
		From:      r.leadName,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return r.mail.Write(mailbox.NamespaceTeam, name, mailbox.Message{
		From: r.leadName,
		Text: text,
	})
}

// ShutdownAll ends the delegation round and starts the handshake with
// every running worker, then sweeps the roster: online manual workers
// without an in-progress task also get the request and go offline.
func (r *Runtime) ShutdownAll(reason string) {
	r.delegateMode.Disable()

	managed := map[string]bool{}
	for _, name := range r.teammateNames() {
		managed[name] = true
		if err := r.ShutdownTeammate(name, reason); err != nil {
			log.Printf("leader: shutdown %s: %v", name, err)
		}
	}

	cfg, err := r.config.Load()
	if err != nil || cfg == nil {
		return
	}
	for _, m := range cfg.Members {
		if m.Role != team.RoleWorker || m.Status != team.StatusOnline || managed[m.Name] {
			continue
		}
		busy, err := r.hasInProgressTask(m.Name)
		if err != nil || busy {
			continue
		}
		requestID := protocol.NewRequestID()
		if err := r.sendShutdownRequest(m.Name, requestID, reason); err != nil {
			log.Printf("leader: shutdown %s: %v", m.Name, err)
			continue
		}
		if err := r.config.SetMemberStatus(m.Name, team.StatusOffline, time.Now(), map[string]any{
			"shutdownRequestId": requestID,
		}); err != nil {
			log.Printf("leader: mark %s offline: %v", m.Name, err)
		}
	}
}

// hasInProgressTask reports whether the named worker owns an in-progress
// task in the team's task list.
func (r *Runtime) hasInProgressTask(name string) (bool, error) {
	all, err := r.tasks.List()
	if err != nil {
		return false, err
	}
	for _, t := range all {
		if t.Owner == name && t.Status == tasks.StatusInProgress {
			return true, nil
		}
	}
	return false, nil
}

// Kill stops the named worker's process immediately and releases its
// tasks. Used as the force fallback and for unresponsive workers.
func (r *Runtime) Kill(name string) {
	r.mu.Lock()
	tm, ok := r.teammates[name]
	var client *childrpc.Client
	if ok {
		client = tm.client
	}
	r.mu.Unlock()

	if client != nil {
		if err := client.Stop(); err != nil {
			log.Printf("leader: stop %s: %v", name, err)
		}
	}
	r.reapTeammate(name, "killed by leader")
}
