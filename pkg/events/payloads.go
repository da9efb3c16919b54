package events

import (
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// SessionStatusPayload is the payload for session.status events.
// Published when a session transitions between lifecycle states.
type SessionStatusPayload struct {
	Type         string              `json:"type"`       // always EventTypeSessionStatus
	SessionID    string              `json:"session_id"` // session UUID
	Status       models.SessionState `json:"status"`
	FinalPromise string              `json:"final_promise,omitempty"` // set on terminal states
	Timestamp    string              `json:"timestamp"`               // RFC3339Nano
}

// IterationPayload is the payload for iteration.started and
// iteration.completed events.
type IterationPayload struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Iteration int    `json:"iteration"`  // monotonic per-session counter
	StepID    string `json:"step_id"`    // step being iterated
	StepIndex int    `json:"step_index"` // 1-based
	Timestamp string `json:"timestamp"`  // RFC3339Nano
}

// StepStatusPayload is the payload for step.status events.
// Single event type for all step lifecycle transitions.
type StepStatusPayload struct {
	Type       string `json:"type"`                 // always EventTypeStepStatus
	SessionID  string `json:"session_id"`           // owning session UUID
	PlanID     string `json:"plan_id,omitempty"`    // owning plan
	StepID     string `json:"step_id"`              // step UUID
	StepIndex  int    `json:"step_index"`           // 1-based
	Capability string `json:"capability,omitempty"` // requested capability
	Status     string `json:"status"`               // started, retrying, testing, completed, skipped, blocked
	Attempt    int    `json:"attempt,omitempty"`    // iteration within the step
	Error      string `json:"error,omitempty"`      // last failure, if any
	Timestamp  string `json:"timestamp"`            // RFC3339Nano
}

// ApprovalRequestPayload is the payload for approval.requested events.
// Published when an escalation pauses a session for a human decision.
type ApprovalRequestPayload struct {
	Type      string `json:"type"`       // always EventTypeApprovalRequested
	SessionID string `json:"session_id"` // paused session UUID
	RequestID string `json:"request_id"` // approval-request message UUID
	Action    string `json:"action"`     // what the step wants to do
	Reason    string `json:"reason"`     // why it escalated
	Timestamp string `json:"timestamp"`  // RFC3339Nano
}

// ApprovalResponsePayload is the payload for approval.resolved events.
type ApprovalResponsePayload struct {
	Type      string `json:"type"`             // always EventTypeApprovalResolved
	SessionID string `json:"session_id"`       // session UUID
	RequestID string `json:"request_id"`       // approval-request message UUID
	Approved  bool   `json:"approved"`         // the decision
	Reason    string `json:"reason,omitempty"` // decision rationale
	Timestamp string `json:"timestamp"`        // RFC3339Nano
}

// ScheduleDispatchPayload is the payload for schedule.dispatch events.
// Published after each scheduled-task dispatch, success or failure.
type ScheduleDispatchPayload struct {
	Type       string `json:"type"`            // always EventTypeScheduleDispatch
	Name       string `json:"name"`            // schedule name
	Capability string `json:"capability"`      // dispatched capability request
	Success    bool   `json:"success"`         // dispatch outcome
	Error      string `json:"error,omitempty"` // failure detail
	Timestamp  string `json:"timestamp"`       // RFC3339Nano
}
