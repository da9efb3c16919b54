package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStateTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    SessionState
		to      SessionState
		allowed bool
	}{
		{"created to planning", SessionStateCreated, SessionStatePlanning, true},
		{"created to executing", SessionStateCreated, SessionStateExecuting, true},
		{"planning to executing", SessionStatePlanning, SessionStateExecuting, true},
		{"executing to awaiting-approval", SessionStateExecuting, SessionStateAwaitingApproval, true},
		{"awaiting-approval resumes", SessionStateAwaitingApproval, SessionStateExecuting, true},
		{"executing to completed", SessionStateExecuting, SessionStateCompleted, true},
		{"completed is terminal", SessionStateCompleted, SessionStateExecuting, false},
		{"failed is terminal", SessionStateFailed, SessionStateExecuting, false},
		{"terminated is terminal", SessionStateTerminated, SessionStatePlanning, false},
		{"created cannot complete directly", SessionStateCreated, SessionStateCompleted, false},
		{"paused cannot complete directly", SessionStatePaused, SessionStateCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestSessionStateIsTerminal(t *testing.T) {
	terminal := []SessionState{SessionStateCompleted, SessionStateFailed, SessionStateTerminated}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "state %s", s)
	}
	live := []SessionState{SessionStateCreated, SessionStatePlanning, SessionStateExecuting, SessionStatePaused, SessionStateAwaitingApproval}
	for _, s := range live {
		assert.False(t, s.IsTerminal(), "state %s", s)
	}
}

func TestEnumValidity(t *testing.T) {
	assert.True(t, SessionStateAwaitingApproval.IsValid())
	assert.False(t, SessionState("bogus").IsValid())

	assert.True(t, StepStatusRetrying.IsValid())
	assert.False(t, StepStatus("sleeping").IsValid())

	assert.True(t, TaskStateInProgress.IsValid())
	assert.False(t, TaskState("done").IsValid())

	assert.True(t, CapabilityKindMCP.IsValid())
	assert.False(t, CapabilityKind("plugin").IsValid())

	assert.True(t, ExecutionMethodLLMCLI.IsValid())
	assert.False(t, ExecutionMethod("rpc").IsValid())

	assert.True(t, HookActionEscalate.IsValid())
	assert.False(t, HookAction("abort").IsValid())

	assert.True(t, HookTriggerOnError.IsValid())
	assert.False(t, HookTrigger("around").IsValid())

	assert.True(t, MemoryCategoryUserPreference.IsValid())
	assert.False(t, MemoryCategory("scratch").IsValid())

	assert.True(t, ScheduleCron.IsValid())
	assert.False(t, ScheduleKind("yearly").IsValid())

	assert.True(t, MessageKindApprovalRequest.IsValid())
	assert.False(t, MessageKind("emoji").IsValid())

	assert.True(t, RemoteKindWorkflow.IsValid())
	assert.False(t, RemoteKind("grpc").IsValid())
}

func TestTaskStateMarker(t *testing.T) {
	assert.Equal(t, "[ ]", TaskStatePending.Marker())
	assert.Equal(t, "[~]", TaskStateInProgress.Marker())
	assert.Equal(t, "[x]", TaskStateCompleted.Marker())
	assert.Equal(t, "[!]", TaskStateBlocked.Marker())
}

func TestPlanRenumber(t *testing.T) {
	plan := &Plan{
		Steps: []*Step{
			{Index: 3, Description: "first"},
			{Index: 7, Description: "second"},
			{Index: 1, Description: "third"},
		},
	}

	plan.Renumber()

	require.Len(t, plan.Steps, 3)
	for i, step := range plan.Steps {
		assert.Equal(t, i+1, step.Index)
	}
}

func TestMemoryEntryExpired(t *testing.T) {
	now := time.Now()

	t.Run("no TTL never expires", func(t *testing.T) {
		e := &MemoryEntry{CreatedAt: now.Add(-24 * time.Hour)}
		assert.False(t, e.Expired(now))
	})

	t.Run("within TTL", func(t *testing.T) {
		e := &MemoryEntry{TTLSeconds: 60, CreatedAt: now.Add(-30 * time.Second)}
		assert.False(t, e.Expired(now))
	})

	t.Run("past TTL", func(t *testing.T) {
		e := &MemoryEntry{TTLSeconds: 60, CreatedAt: now.Add(-61 * time.Second)}
		assert.True(t, e.Expired(now))
	})
}

func TestTestReportAllPassed(t *testing.T) {
	assert.False(t, (*TestReport)(nil).AllPassed())
	assert.False(t, (&TestReport{Passed: 0, Failed: 0}).AllPassed())
	assert.False(t, (&TestReport{Passed: 2, Failed: 1}).AllPassed())
	assert.True(t, (&TestReport{Passed: 1, Failed: 0}).AllPassed())
}

func TestSessionBudgetHelpers(t *testing.T) {
	s := &Session{BudgetSpent: 3.5, BudgetLimit: 10}
	assert.InDelta(t, 6.5, s.RemainingBudget(), 1e-9)

	s.BudgetSpent = 12
	assert.Zero(t, s.RemainingBudget())

	start := time.Now().Add(-90 * time.Second)
	s.StartedAt = start
	assert.InDelta(t, 90, s.Elapsed(time.Now()).Seconds(), 1.0)
}

func TestMessageKindIsUser(t *testing.T) {
	assert.True(t, MessageKindUserText.IsUser())
	assert.True(t, MessageKindUserVoice.IsUser())
	assert.False(t, MessageKindSystemResponse.IsUser())
	assert.False(t, MessageKindApprovalRequest.IsUser())
}
