// Package protocol defines the structured JSON payloads carried inside
// mailbox message text. Every payload has a "type" discriminant; unknown
// fields are ignored, and unknown or malformed payloads are treated as
// plain DMs by the callers.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message type discriminants.
const (
	TypeIdleNotification    = "idle_notification"
	TypeShutdownRequest     = "shutdown_request"
	TypeShutdownApproved    = "shutdown_approved"
	TypeShutdownRejected    = "shutdown_rejected"
	TypeAbortRequest        = "abort_request"
	TypeTaskAssignment      = "task_assignment"
	TypeSetSessionName      = "set_session_name"
	TypePlanApprovalRequest = "plan_approval_request"
	TypePlanApproved        = "plan_approved"
	TypePlanRejected        = "plan_rejected"
	TypePeerDMSent          = "peer_dm_sent"
)

// Completion statuses reported in idle notifications.
const (
	CompletedStatusCompleted = "completed"
	CompletedStatusFailed    = "failed"
)

// IdleNotification reports that a worker transitioned to idle, optionally
// carrying the outcome of the task it just finished.
type IdleNotification struct {
	Type            string    `json:"type"`
	From            string    `json:"from"`
	Timestamp       time.Time `json:"timestamp,omitzero"`
	CompletedTaskID string    `json:"completedTaskId,omitempty"`
	CompletedStatus string    `json:"completedStatus,omitempty"`
	FailureReason   string    `json:"failureReason,omitempty"`
}

// ShutdownRequest asks a worker to shut down gracefully.
type ShutdownRequest struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId"`
	From      string    `json:"from,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// ShutdownApproved acknowledges a shutdown request.
type ShutdownApproved struct {
	Type      string    `json:"type"`
	From      string    `json:"from"`
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// ShutdownRejected declines a shutdown request.
type ShutdownRejected struct {
	Type      string    `json:"type"`
	From      string    `json:"from"`
	RequestID string    `json:"requestId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// AbortRequest asks a worker to abort its current agent turn, optionally
// only when it is working the given task.
type AbortRequest struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId"`
	From      string    `json:"from,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// TaskAssignment pings a worker that a task file was written for it. The
// task file is the source of truth; subject and description are a courtesy
// copy.
type TaskAssignment struct {
	Type        string `json:"type"`
	TaskID      string `json:"taskId"`
	Subject     string `json:"subject,omitempty"`
	Description string `json:"description,omitempty"`
	AssignedBy  string `json:"assignedBy,omitempty"`
}

// SetSessionName is a cosmetic hint for the worker's session label.
type SetSessionName struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// PlanApprovalRequest asks the lead for permission before a worker acts.
type PlanApprovalRequest struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId"`
	From      string    `json:"from"`
	Plan      string    `json:"plan"`
	TaskID    string    `json:"taskId,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// PlanApproved grants a pending plan approval.
type PlanApproved struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId"`
	From      string    `json:"from"`
	Timestamp time.Time `json:"timestamp"`
}

// PlanRejected declines a pending plan approval with feedback.
type PlanRejected struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId"`
	From      string    `json:"from"`
	Feedback  string    `json:"feedback"`
	Timestamp time.Time `json:"timestamp"`
}

// PeerDMSent is an audit record of a worker-to-worker DM, posted to the
// lead's inbox.
type PeerDMSent struct {
	Type      string    `json:"type"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// NewRequestID returns a fresh request correlation id.
func NewRequestID() string { return uuid.New().String() }

// Encode serializes a protocol message for a mailbox text payload.
func Encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode protocol message: %w", err)
	}
	return string(data), nil
}

// Decode parses a mailbox text payload into its typed protocol message.
// Returns nil when the text is not a structured message; the caller then
// treats it as a plain DM.
func Decode(text string) any {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(text), &probe); err != nil {
		return nil
	}

	var target any
	switch probe.Type {
	case TypeIdleNotification:
		target = &IdleNotification{}
	case TypeShutdownRequest:
		target = &ShutdownRequest{}
	case TypeShutdownApproved:
		target = &ShutdownApproved{}
	case TypeShutdownRejected:
		target = &ShutdownRejected{}
	case TypeAbortRequest:
		target = &AbortRequest{}
	case TypeTaskAssignment:
		target = &TaskAssignment{}
	case TypeSetSessionName:
		target = &SetSessionName{}
	case TypePlanApprovalRequest:
		target = &PlanApprovalRequest{}
	case TypePlanApproved:
		target = &PlanApproved{}
	case TypePlanRejected:
		target = &PlanRejected{}
	case TypePeerDMSent:
		target = &PeerDMSent{}
	default:
		return nil
	}

	if err := json.Unmarshal([]byte(text), target); err != nil {
		return nil
	}
	return target
}
