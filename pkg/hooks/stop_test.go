package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/config"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// stubLedger reports a canned verification result and treats task IDs absent
// from completed as incomplete.
type stubLedger struct {
	mu         sync.Mutex
	strictSeen []bool
	verify     *models.VerificationResult
	completed  map[string]bool
}

func (l *stubLedger) VerifyCompletion(strict bool) *models.VerificationResult {
	l.mu.Lock()
	l.strictSeen = append(l.strictSeen, strict)
	l.mu.Unlock()
	if l.verify != nil {
		return l.verify
	}
	return &models.VerificationResult{AllComplete: true}
}

func (l *stubLedger) IncompleteTasks(ids []string) []string {
	var incomplete []string
	for _, id := range ids {
		if !l.completed[id] {
			incomplete = append(incomplete, id)
		}
	}
	return incomplete
}

type stubScanner struct {
	msgs []*models.Message
	err  error
}

func (s *stubScanner) ListIncompleteLinkedMessages(context.Context, string) ([]*models.Message, error) {
	return s.msgs, s.err
}

func stopDefaults() *config.Defaults {
	return &config.Defaults{MaxRetries: 2}
}

func builtinStopHook(t *testing.T, messages MessageScanner) *StopHook {
	t.Helper()
	builtin := config.GetBuiltinConfig()
	return NewStopHook(stopDefaults(), messages, builtin.ErrorPatterns, builtin.DestructiveVerbs)
}

// healthySnapshot is a session mid-flight with every limit comfortably far.
func healthySnapshot() *models.SessionSnapshot {
	return &models.SessionSnapshot{
		SessionID:     "sess-1",
		Iteration:     3,
		MaxIterations: 25,
		Elapsed:       time.Minute,
		MaxTime:       time.Hour,
		BudgetSpent:   1.0,
		BudgetLimit:   10.0,
	}
}

func TestStopHook_HardStops(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*models.SessionSnapshot)
		wantReason string
	}{
		{
			name:       "iteration budget",
			mutate:     func(s *models.SessionSnapshot) { s.Iteration = 25 },
			wantReason: ReasonMaxIterations,
		},
		{
			name:       "wall clock",
			mutate:     func(s *models.SessionSnapshot) { s.Elapsed = time.Hour },
			wantReason: ReasonMaxTime,
		},
		{
			name:       "budget spent",
			mutate:     func(s *models.SessionSnapshot) { s.BudgetSpent = 10.0 },
			wantReason: ReasonBudgetExhausted,
		},
		{
			name:       "permission violation",
			mutate:     func(s *models.SessionSnapshot) { s.PermissionViolated = true },
			wantReason: ReasonPermissionViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook := builtinStopHook(t, nil)
			snap := healthySnapshot()
			tt.mutate(snap)

			// Incomplete tasks must not mask a hard stop.
			ledger := &stubLedger{verify: &models.VerificationResult{
				AllComplete:   false,
				IncompleteIDs: []string{"task-1"},
			}}

			result, err := hook.Fire(context.Background(), &Invocation{Session: snap, Ledger: ledger})
			require.NoError(t, err)
			assert.Equal(t, models.HookActionTerminate, result.Action)
			assert.Equal(t, tt.wantReason, result.Reason)
		})
	}
}

func TestStopHook_TasksRemaining(t *testing.T) {
	hook := builtinStopHook(t, nil)
	ledger := &stubLedger{verify: &models.VerificationResult{
		AllComplete:   false,
		IncompleteIDs: []string{"task-2"},
		BlockedIDs:    []string{"task-3"},
	}}

	result, err := hook.Fire(context.Background(), &Invocation{Session: healthySnapshot(), Ledger: ledger})
	require.NoError(t, err)

	assert.Equal(t, models.HookActionContinue, result.Action)
	assert.Equal(t, ReasonTasksRemaining, result.Reason)
	assert.Equal(t, []string{"task-2"}, result.Data["incomplete_ids"])
	assert.Equal(t, []string{"task-3"}, result.Data["blocked_ids"])
}

func TestStopHook_StrictModeFlowsToLedger(t *testing.T) {
	t.Run("defaults to strict", func(t *testing.T) {
		hook := builtinStopHook(t, nil)
		ledger := &stubLedger{}

		_, err := hook.Fire(context.Background(), &Invocation{Session: healthySnapshot(), Ledger: ledger})
		require.NoError(t, err)
		require.Len(t, ledger.strictSeen, 1)
		assert.True(t, ledger.strictSeen[0])
	})

	t.Run("relaxed when configured off", func(t *testing.T) {
		builtin := config.GetBuiltinConfig()
		defaults := &config.Defaults{MaxRetries: 2, StrictVerification: config.BoolPtr(false)}
		hook := NewStopHook(defaults, nil, builtin.ErrorPatterns, builtin.DestructiveVerbs)
		ledger := &stubLedger{}

		_, err := hook.Fire(context.Background(), &Invocation{Session: healthySnapshot(), Ledger: ledger})
		require.NoError(t, err)
		require.Len(t, ledger.strictSeen, 1)
		assert.False(t, ledger.strictSeen[0])
	})
}

func TestStopHook_MessageLinkedTasksGate(t *testing.T) {
	t.Run("incomplete linked task keeps the session alive", func(t *testing.T) {
		scanner := &stubScanner{msgs: []*models.Message{
			{ID: "msg-1", LinkedTasks: []string{"task-9"}},
		}}
		hook := builtinStopHook(t, scanner)
		ledger := &stubLedger{completed: map[string]bool{}}

		result, err := hook.Fire(context.Background(), &Invocation{Session: healthySnapshot(), Ledger: ledger})
		require.NoError(t, err)

		assert.Equal(t, models.HookActionContinue, result.Action)
		assert.Equal(t, ReasonMessageLinkedTasks, result.Reason)
		assert.Equal(t, "msg-1", result.Data["message_id"])
		assert.Equal(t, []string{"task-9"}, result.Data["task_ids"])
	})

	t.Run("completed linked tasks release the gate", func(t *testing.T) {
		scanner := &stubScanner{msgs: []*models.Message{
			{ID: "msg-1", LinkedTasks: []string{"task-9"}},
		}}
		hook := builtinStopHook(t, scanner)
		ledger := &stubLedger{completed: map[string]bool{"task-9": true}}

		result, err := hook.Fire(context.Background(), &Invocation{Session: healthySnapshot(), Ledger: ledger})
		require.NoError(t, err)
		assert.Equal(t, ReasonNoStopCondition, result.Reason)
	})

	t.Run("scan failure skips the gate", func(t *testing.T) {
		scanner := &stubScanner{err: errors.New("database locked")}
		hook := builtinStopHook(t, scanner)
		snap := healthySnapshot()
		snap.LastTestReport = &models.TestReport{Passed: 3}

		result, err := hook.Fire(context.Background(), &Invocation{Session: snap, Ledger: &stubLedger{}})
		require.NoError(t, err)

		// Rule 3 was skipped, so the green test run terminated the session.
		assert.Equal(t, models.HookActionTerminate, result.Action)
		assert.Equal(t, ReasonAllTestsPassed, result.Reason)
	})
}

func TestStopHook_TestResults(t *testing.T) {
	tests := []struct {
		name       string
		report     *models.TestReport
		wantAction models.HookAction
		wantReason string
	}{
		{
			name:       "all green terminates",
			report:     &models.TestReport{Passed: 4},
			wantAction: models.HookActionTerminate,
			wantReason: ReasonAllTestsPassed,
		},
		{
			name:       "a failure keeps going",
			report:     &models.TestReport{Passed: 3, Failed: 1},
			wantAction: models.HookActionContinue,
			wantReason: ReasonNoStopCondition,
		},
		{
			name:       "an empty run proves nothing",
			report:     &models.TestReport{},
			wantAction: models.HookActionContinue,
			wantReason: ReasonNoStopCondition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook := builtinStopHook(t, nil)
			snap := healthySnapshot()
			snap.LastTestReport = tt.report

			result, err := hook.Fire(context.Background(), &Invocation{Session: snap})
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, result.Action)
			assert.Equal(t, tt.wantReason, result.Reason)
		})
	}
}

func TestStopHook_KnownErrorRemediation(t *testing.T) {
	hook := builtinStopHook(t, nil)
	snap := healthySnapshot()
	snap.RecentLogs = []string{"dial tcp 10.0.0.5:443: connection refused"}

	// MaxRetries is 2: two remediation attempts, then the rule stops firing.
	for attempt := 1; attempt <= 2; attempt++ {
		result, err := hook.Fire(context.Background(), &Invocation{Session: snap})
		require.NoError(t, err)
		assert.Equal(t, models.HookActionContinue, result.Action)
		assert.Equal(t, ReasonKnownError, result.Reason)
		assert.Equal(t, "connection", result.Data["pattern"])
		assert.Equal(t, "retry after the endpoint recovers", result.Data["remediation"])
		assert.Equal(t, attempt, result.Data["attempt"])
	}

	result, err := hook.Fire(context.Background(), &Invocation{Session: snap})
	require.NoError(t, err)
	assert.Equal(t, ReasonNoStopCondition, result.Reason, "exhausted pattern must stop earning retries")
}

func TestStopHook_RetryCountersArePerSession(t *testing.T) {
	hook := builtinStopHook(t, nil)

	first := healthySnapshot()
	first.RecentLogs = []string{"request timed out"}
	second := healthySnapshot()
	second.SessionID = "sess-2"
	second.RecentLogs = []string{"request timed out"}

	result, err := hook.Fire(context.Background(), &Invocation{Session: first})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Data["attempt"])

	result, err = hook.Fire(context.Background(), &Invocation{Session: second})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Data["attempt"], "sessions must not share retry budget")

	hook.ForgetSession("sess-1")
	result, err = hook.Fire(context.Background(), &Invocation{Session: first})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Data["attempt"], "forgetting a session resets its counters")
}

func TestStopHook_BudgetThresholdEscalates(t *testing.T) {
	t.Run("past the default ratio", func(t *testing.T) {
		hook := builtinStopHook(t, nil)
		snap := healthySnapshot()
		snap.BudgetSpent = 8.5

		result, err := hook.Fire(context.Background(), &Invocation{Session: snap})
		require.NoError(t, err)
		assert.Equal(t, models.HookActionEscalate, result.Action)
		assert.Equal(t, ReasonBudgetThreshold, result.Reason)
	})

	t.Run("custom ratio", func(t *testing.T) {
		builtin := config.GetBuiltinConfig()
		defaults := &config.Defaults{MaxRetries: 2, EscalationBudgetRatio: 0.9}
		hook := NewStopHook(defaults, nil, builtin.ErrorPatterns, builtin.DestructiveVerbs)
		snap := healthySnapshot()
		snap.BudgetSpent = 8.5

		result, err := hook.Fire(context.Background(), &Invocation{Session: snap})
		require.NoError(t, err)
		assert.Equal(t, ReasonNoStopCondition, result.Reason)
	})
}

func TestStopHook_DestructiveVerbEscalates(t *testing.T) {
	t.Run("verb as a token", func(t *testing.T) {
		hook := builtinStopHook(t, nil)
		snap := healthySnapshot()
		snap.RecentLogs = []string{"executing: DROP TABLE users"}

		result, err := hook.Fire(context.Background(), &Invocation{Session: snap})
		require.NoError(t, err)
		assert.Equal(t, models.HookActionEscalate, result.Action)
		assert.Equal(t, DestructiveActionPrefix+"drop", result.Reason)
	})

	t.Run("verb inside a word does not match", func(t *testing.T) {
		hook := builtinStopHook(t, nil)
		snap := healthySnapshot()
		snap.RecentLogs = []string{"rendered the dropdown and formatted the page"}

		result, err := hook.Fire(context.Background(), &Invocation{Session: snap})
		require.NoError(t, err)
		assert.Equal(t, models.HookActionContinue, result.Action)
		assert.Equal(t, ReasonNoStopCondition, result.Reason)
	})
}

func TestStopHook_RuleOrder(t *testing.T) {
	t.Run("hard stop beats tasks remaining", func(t *testing.T) {
		hook := builtinStopHook(t, nil)
		snap := healthySnapshot()
		snap.Iteration = 30
		ledger := &stubLedger{verify: &models.VerificationResult{
			AllComplete:   false,
			IncompleteIDs: []string{"task-1"},
		}}

		result, err := hook.Fire(context.Background(), &Invocation{Session: snap, Ledger: ledger})
		require.NoError(t, err)
		assert.Equal(t, ReasonMaxIterations, result.Reason)
	})

	t.Run("tasks remaining beats green tests", func(t *testing.T) {
		hook := builtinStopHook(t, nil)
		snap := healthySnapshot()
		snap.LastTestReport = &models.TestReport{Passed: 5}
		ledger := &stubLedger{verify: &models.VerificationResult{
			AllComplete:   false,
			IncompleteIDs: []string{"task-1"},
		}}

		result, err := hook.Fire(context.Background(), &Invocation{Session: snap, Ledger: ledger})
		require.NoError(t, err)
		assert.Equal(t, ReasonTasksRemaining, result.Reason)
	})

	t.Run("green tests beat escalation triggers", func(t *testing.T) {
		hook := builtinStopHook(t, nil)
		snap := healthySnapshot()
		snap.LastTestReport = &models.TestReport{Passed: 5}
		snap.RecentLogs = []string{"cleanup will purge the staging bucket"}

		result, err := hook.Fire(context.Background(), &Invocation{Session: snap})
		require.NoError(t, err)
		assert.Equal(t, ReasonAllTestsPassed, result.Reason)
	})
}

func TestStopHook_NilSessionContinues(t *testing.T) {
	hook := builtinStopHook(t, nil)

	result, err := hook.Fire(context.Background(), &Invocation{})
	require.NoError(t, err)
	assert.Equal(t, models.HookActionContinue, result.Action)
	assert.Equal(t, ReasonNoStopCondition, result.Reason)
}

func TestStopHook_DropsUnparseablePatterns(t *testing.T) {
	patterns := []config.ErrorPattern{
		{Name: "broken", Pattern: "(["},
		{Name: "timeout", Pattern: `(?i)timed out`, Remediation: "retry"},
	}
	hook := NewStopHook(stopDefaults(), nil, patterns, nil)

	snap := healthySnapshot()
	snap.RecentLogs = []string{"request timed out"}

	result, err := hook.Fire(context.Background(), &Invocation{Session: snap})
	require.NoError(t, err)
	assert.Equal(t, ReasonKnownError, result.Reason)
	assert.Equal(t, "timeout", result.Data["pattern"])
}
