package models

import "time"

// TaskState represents the ledger state of a task.
type TaskState string

const (
	TaskStatePending    TaskState = "pending"
	TaskStateInProgress TaskState = "in_progress"
	TaskStateCompleted  TaskState = "completed"
	TaskStateBlocked    TaskState = "blocked"
)

// IsValid checks if the task state is a known value.
func (s TaskState) IsValid() bool {
	switch s {
	case TaskStatePending, TaskStateInProgress, TaskStateCompleted, TaskStateBlocked:
		return true
	}
	return false
}

// Marker returns the Markdown status marker for the state.
func (s TaskState) Marker() string {
	switch s {
	case TaskStateInProgress:
		return "[~]"
	case TaskStateCompleted:
		return "[x]"
	case TaskStateBlocked:
		return "[!]"
	default:
		return "[ ]"
	}
}

// Task is one entry in the task ledger, the authoritative progress record.
// Completed tasks are final; tasks are never deleted.
type Task struct {
	ID            string    `json:"id"`
	Description   string    `json:"description"`
	State         TaskState `json:"state"`
	Evidence      string    `json:"evidence,omitempty"`
	Notes         []string  `json:"notes,omitempty"`
	BlockedReason string    `json:"blocked_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// LedgerDocument is the authoritative JSON serialisation of a session's
// task ledger. The stop hook reads this form.
type LedgerDocument struct {
	SessionID string    `json:"session_id"`
	UpdatedAt time.Time `json:"updated_at"`
	Tasks     []*Task   `json:"tasks"`
}

// VerificationResult is the outcome of a ledger completion check.
type VerificationResult struct {
	AllComplete   bool     `json:"all_complete"`
	IncompleteIDs []string `json:"incomplete_ids,omitempty"`
	BlockedIDs    []string `json:"blocked_ids,omitempty"`
}
