// Package models defines the core entities shared across the orchestrator:
// sessions, plans, tasks, messages, capabilities, and the contracts between
// the engine, hooks, and capability providers.
package models

import (
	"time"
)

// SessionState represents the lifecycle state of a session.
type SessionState string

const (
	SessionStateCreated           SessionState = "created"
	SessionStatePlanning          SessionState = "planning"
	SessionStateExecuting         SessionState = "executing"
	SessionStatePaused            SessionState = "paused"
	SessionStateAwaitingApproval  SessionState = "awaiting-approval"
	SessionStateCompleted         SessionState = "completed"
	SessionStateFailed            SessionState = "failed"
	SessionStateTerminated        SessionState = "terminated"
)

// IsValid checks if the session state is a known value.
func (s SessionState) IsValid() bool {
	switch s {
	case SessionStateCreated, SessionStatePlanning, SessionStateExecuting,
		SessionStatePaused, SessionStateAwaitingApproval,
		SessionStateCompleted, SessionStateFailed, SessionStateTerminated:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionStateCompleted, SessionStateFailed, SessionStateTerminated:
		return true
	}
	return false
}

// sessionTransitions lists the allowed next states per state. Sessions are
// mutated only through typed transitions; anything not listed here is an
// invalid transition.
var sessionTransitions = map[SessionState][]SessionState{
	SessionStateCreated:          {SessionStatePlanning, SessionStateExecuting, SessionStateFailed, SessionStateTerminated},
	SessionStatePlanning:         {SessionStateExecuting, SessionStateFailed, SessionStateTerminated},
	SessionStateExecuting:        {SessionStatePaused, SessionStateAwaitingApproval, SessionStateCompleted, SessionStateFailed, SessionStateTerminated},
	SessionStatePaused:           {SessionStateExecuting, SessionStateFailed, SessionStateTerminated},
	SessionStateAwaitingApproval: {SessionStateExecuting, SessionStateFailed, SessionStateTerminated},
}

// CanTransitionTo reports whether moving from s to next is a legal
// session-state transition.
func (s SessionState) CanTransitionTo(next SessionState) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Session represents one end-to-end execution of an intent. Created by the
// orchestrator entry point, mutated only through typed transitions, and
// retained for audit unless explicitly cleaned up.
type Session struct {
	ID          string       `json:"id"`
	OwnerID     string       `json:"owner_id"`
	State       SessionState `json:"state"`
	Intent      string       `json:"intent"`
	Category    string       `json:"category,omitempty"`
	PlanID      string       `json:"plan_id,omitempty"`

	// Iteration is the monotonic per-session iteration counter, incremented
	// once per step iteration across all steps.
	Iteration   int     `json:"iteration"`
	BudgetSpent float64 `json:"budget_spent"`
	BudgetLimit float64 `json:"budget_limit"`

	// Artifacts holds references to outputs produced during execution.
	Artifacts []string `json:"artifacts,omitempty"`

	FinalPromise string `json:"final_promise,omitempty"`
	Error        string `json:"error,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Worker-pool claim bookkeeping.
	ClaimedBy   string     `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Elapsed returns the wall-clock time since the session's baseline.
func (s *Session) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.StartedAt)
}

// RemainingBudget returns limit minus spent, floored at zero.
func (s *Session) RemainingBudget() float64 {
	if s.BudgetSpent >= s.BudgetLimit {
		return 0
	}
	return s.BudgetLimit - s.BudgetSpent
}

// CreateSessionRequest contains fields for creating a new session.
type CreateSessionRequest struct {
	OwnerID     string  `json:"owner_id"`
	Intent      string  `json:"intent"`
	BudgetLimit float64 `json:"budget_limit,omitempty"`
}

// SessionFilters contains optional filters for listing sessions.
type SessionFilters struct {
	State   *SessionState `json:"state,omitempty"`
	OwnerID *string       `json:"owner_id,omitempty"`
	Limit   int           `json:"limit,omitempty"`
	Offset  int           `json:"offset,omitempty"`
}

// SessionListResponse is a paginated list of sessions.
type SessionListResponse struct {
	Sessions []*Session `json:"sessions"`
	Total    int        `json:"total"`
	Limit    int        `json:"limit"`
	Offset   int        `json:"offset"`
}

// SessionSnapshot is the read-only view of session progress the stop hook
// evaluates after each iteration. The engine assembles it; hooks never see
// the mutable session.
type SessionSnapshot struct {
	SessionID          string
	Iteration          int
	MaxIterations      int
	Elapsed            time.Duration
	MaxTime            time.Duration
	BudgetSpent        float64
	BudgetLimit        float64
	PermissionViolated bool
	RecentLogs         []string
	LastTestReport     *TestReport
}
