package e2e

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/config"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/engine"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/hooks"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// A workflow intent routes through the workflow rule, which adds a testing
// step, and every plan closes with completion verification. Three steps,
// three iterations, a clean audit trail.
func TestWorkflowIntentRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	wf := script(models.Outcome{
		Success: true,
		Data:    map[string]any{"output": "deployment pipeline triggered"},
	})
	h.register(t, "workflow-mcp", "workflow-executor", models.ExecutionMethodManagedProvider, 8, wf)

	session, result := h.runIntent(t, ctx, "user-1", "run the deployment workflow")

	assert.Equal(t, engine.PromiseDone, result.Promise)
	assert.Empty(t, result.StopReason)
	assert.Equal(t, 3, result.Iterations)

	require.Len(t, result.StepOutputs, 3)
	assert.Equal(t, "workflow-executor", result.StepOutputs[0].Capability)
	assert.Equal(t, "testing", result.StepOutputs[1].Capability)
	assert.Equal(t, "completion-verify", result.StepOutputs[2].Capability)
	assert.Equal(t, "deployment pipeline triggered", result.StepOutputs[0].Output)
	assert.Equal(t, 1, wf.callCount())

	loaded := h.session(t, session.ID)
	assert.Equal(t, models.SessionStateCompleted, loaded.State)
	assert.Equal(t, engine.PromiseDone, loaded.FinalPromise)
	assert.Equal(t, 3, loaded.Iteration)

	// One task for the gating message, one per plan step, all completed.
	tasks := h.tasks(t, session.ID)
	require.Len(t, tasks, 4)
	for _, task := range tasks {
		assert.Equal(t, models.TaskStateCompleted, task.State, task.Description)
	}

	starts := h.auditKind(t, models.AuditSessionStart)
	require.Len(t, starts, 1)
	assert.Equal(t, session.ID, starts[0].SessionID)
	assert.Equal(t, "run the deployment workflow", starts[0].Details["intent"])

	steps := h.auditKind(t, models.AuditAgentStep)
	require.Len(t, steps, 3)
	for _, evt := range steps {
		assert.True(t, evt.Success, evt.Action)
	}

	ends := h.auditKind(t, models.AuditSessionEnd)
	require.Len(t, ends, 1)
	assert.True(t, ends[0].Success)
	assert.Equal(t, string(models.SessionStateCompleted), ends[0].Details["status"])

	response := h.messageOfKind(t, session.ID, models.MessageKindSystemResponse)
	assert.Contains(t, response.Content, engine.PromiseDone)
	assert.Contains(t, response.Content, "deployment pipeline triggered")
}

// A timed-out invocation earns a retry, and the failure analyser's timeout
// override reaches the provider on the second attempt.
func TestTimeoutRetryAppliesAnalyserOverride(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	status := script(
		models.Outcome{Success: false, Error: "connection timeout after 30s"},
		models.Outcome{Success: true, Data: map[string]any{"output": "all services nominal"}},
	)
	h.register(t, "status-mcp", "status-fetch", models.ExecutionMethodManagedProvider, 5, status)

	session, result := h.runIntent(t, ctx, "user-1", "fetch the uptime status")

	assert.Equal(t, engine.PromiseDone, result.Promise)
	assert.Equal(t, 3, result.Iterations)

	require.Len(t, result.ErrorHistory, 1)
	assert.Equal(t, 1, result.ErrorHistory[0].Step)
	assert.Equal(t, 1, result.ErrorHistory[0].Iteration)
	assert.Contains(t, result.ErrorHistory[0].ErrorSummary, "connection timeout")

	require.Len(t, result.StepOutputs, 2)
	assert.Equal(t, 2, result.StepOutputs[0].Iterations)
	assert.Equal(t, "all services nominal", result.StepOutputs[0].Output)

	// First attempt ran with the plan's inputs; the retry carried the
	// analyser's timeout override on top of them.
	require.Equal(t, 2, status.callCount())
	first := status.paramsAt(0)
	assert.Equal(t, "fetch the uptime status", first["input"])
	assert.NotContains(t, first, "timeout")
	second := status.paramsAt(1)
	assert.Equal(t, 60, second["timeout"])
	assert.Equal(t, "fetch the uptime status", second["input"])

	loaded := h.session(t, session.ID)
	assert.Equal(t, models.SessionStateCompleted, loaded.State)

	steps := h.auditKind(t, models.AuditAgentStep)
	require.Len(t, steps, 3)
	assert.False(t, steps[0].Success)
	assert.True(t, steps[1].Success)
	assert.True(t, steps[2].Success)
}

// A step that keeps failing exhausts the session iteration ceiling; the stop
// hook blocks the plan and the failure is reflected everywhere: promise,
// session, ledger, gating message.
func TestIterationCeilingBlocksSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(d *config.Defaults) {
		d.MaxIterations = config.IntPtr(5)
	})

	scraper := script(models.Outcome{Success: false, Error: "connection refused by target site"})
	h.register(t, "scrape-mcp", "web-scraper", models.ExecutionMethodManagedProvider, 8, scraper)

	session, result := h.runIntent(t, ctx, "user-1", "scrape the product catalog")

	assert.Equal(t, engine.BlockedPromise(hooks.ReasonMaxIterations), result.Promise)
	assert.Equal(t, hooks.ReasonMaxIterations, result.StopReason)
	assert.Equal(t, 5, result.Iterations)
	assert.Equal(t, 5, scraper.callCount())

	require.Len(t, result.ErrorHistory, 5)
	for i, rec := range result.ErrorHistory {
		assert.Equal(t, 1, rec.Step)
		assert.Equal(t, i+1, rec.Iteration)
		assert.Contains(t, rec.ErrorSummary, "connection refused")
	}

	loaded := h.session(t, session.ID)
	assert.Equal(t, models.SessionStateFailed, loaded.State)
	assert.Equal(t, hooks.ReasonMaxIterations, loaded.Error)

	// The scrape step's task is blocked with the stop reason; the verify
	// step never ran and its task stays pending.
	var blocked, pending *models.Task
	for _, task := range h.tasks(t, session.ID) {
		switch {
		case strings.HasPrefix(task.Description, "step 1:"):
			blocked = task
		case strings.HasPrefix(task.Description, "step 2:"):
			pending = task
		}
	}
	require.NotNil(t, blocked)
	assert.Equal(t, models.TaskStateBlocked, blocked.State)
	assert.Equal(t, hooks.ReasonMaxIterations, blocked.BlockedReason)
	require.NotNil(t, pending)
	assert.Equal(t, models.TaskStatePending, pending.State)

	gating := h.messageOfKind(t, session.ID, models.MessageKindUserText)
	assert.Equal(t, models.MessageStatusFailed, gating.Status)
	errMsg := h.messageOfKind(t, session.ID, models.MessageKindError)
	assert.Contains(t, errMsg.Content, "BLOCKED")
	assert.Contains(t, errMsg.Content, "connection refused")

	ends := h.auditKind(t, models.AuditSessionEnd)
	require.Len(t, ends, 1)
	assert.False(t, ends[0].Success)
	assert.Equal(t, hooks.ReasonMaxIterations, ends[0].Error)
}

// When the ranked provider for a capability fails over a missing API key,
// the next candidate serves the call; both attempts are audited and the
// configuration gap survives into the session response.
func TestProviderFallThroughSurvivesMissingKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	hosted := script(models.Outcome{
		Success:     false,
		Error:       "hosted scraper requires an API key",
		NeedsAPIKey: true,
	})
	local := script(models.Outcome{
		Success: true,
		Data:    map[string]any{"output": "page content extracted"},
	})
	// direct-http outranks local-skill, so the hosted provider is tried
	// first and the local one catches the fall-through.
	h.register(t, "scraper-hosted", "web-scraper", models.ExecutionMethodDirectHTTP, 10, hosted)
	h.register(t, "scraper-local", "web-scraper", models.ExecutionMethodLocalSkill, 5, local)

	session, result := h.runIntent(t, ctx, "user-1", "scrape the launch announcement page")

	assert.Equal(t, engine.PromiseDone, result.Promise)
	assert.Equal(t, 1, hosted.callCount())
	assert.Equal(t, 1, local.callCount())

	require.Len(t, result.ConfigGaps, 1)
	assert.Equal(t, "scraper-hosted", result.ConfigGaps[0].ProviderID)
	assert.True(t, result.ConfigGaps[0].NeedsAPIKey)

	calls := h.capabilityCalls(t, "web-scraper")
	require.Len(t, calls, 2)
	assert.False(t, calls[0].Success)
	assert.Equal(t, "scraper-hosted", calls[0].Details["provider_id"])
	assert.Equal(t, string(models.ExecutionMethodDirectHTTP), calls[0].Details["method"])
	assert.True(t, calls[1].Success)
	assert.Equal(t, "scraper-local", calls[1].Details["provider_id"])
	assert.Equal(t, string(models.ExecutionMethodLocalSkill), calls[1].Details["method"])

	loaded := h.session(t, session.ID)
	assert.Equal(t, models.SessionStateCompleted, loaded.State)

	response := h.messageOfKind(t, session.ID, models.MessageKindSystemResponse)
	assert.Contains(t, response.Content, "page content extracted")
	assert.Contains(t, response.Content, "configuration gap: provider scraper-hosted needs an API key")
}
