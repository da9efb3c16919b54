package models

import "time"

// Audit event kinds. The set is open; these cover the events the core emits.
const (
	AuditSessionStart     = "session_start"
	AuditSessionEnd       = "session_end"
	AuditAgentStep        = "agent_step"
	AuditHookFired        = "hook_fired"
	AuditTaskTransition   = "task_transition"
	AuditCapabilityCall   = "capability_call"
	AuditApprovalRequest  = "approval_request"
	AuditApprovalResponse = "approval_response"
	AuditScheduleDispatch = "schedule_dispatch"
	AuditInstallAttempt   = "install_attempt"
	AuditRemoteTrigger    = "remote_trigger"
)

// AuditEvent is an immutable record in the append-only audit log, the
// durable ground truth for what the orchestrator did.
type AuditEvent struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
}
