// Package events provides in-process progress event delivery. Publishers
// never block: each subscriber owns a buffered channel, and events that
// would block are dropped with a warning. Subscribers that need a complete
// record read the audit log instead.
package events

// Event types published by the orchestrator core.
const (
	// Session lifecycle
	EventTypeSessionStatus = "session.status"

	// Engine iteration lifecycle — one started/completed pair per step
	// iteration.
	EventTypeIterationStarted   = "iteration.started"
	EventTypeIterationCompleted = "iteration.completed"

	// Step lifecycle — single event type for all step status transitions.
	EventTypeStepStatus = "step.status"

	// Approval flow
	EventTypeApprovalRequested = "approval.requested"
	EventTypeApprovalResolved  = "approval.resolved"

	// Scheduler dispatches
	EventTypeScheduleDispatch = "schedule.dispatch"
)

// Step lifecycle status values (used in StepStatusPayload.Status).
const (
	StepStatusStarted   = "started"
	StepStatusRetrying  = "retrying"
	StepStatusTesting   = "testing"
	StepStatusCompleted = "completed"
	StepStatusSkipped   = "skipped"
	StepStatusBlocked   = "blocked"
)

// GlobalSessionsChannel carries session-level status events for anything
// watching all sessions at once.
const GlobalSessionsChannel = "sessions"

// GlobalSchedulesChannel carries scheduler dispatch events.
const GlobalSchedulesChannel = "schedules"

// SessionChannel returns the channel name for a specific session's events.
// Format: "session:{session_id}"
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}
