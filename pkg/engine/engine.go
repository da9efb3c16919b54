// Package engine drives a sealed plan to its final promise. Each step runs
// inside a retry loop: before-hooks gate the invocation, the resolver picks
// and runs a provider, after-hooks and the test criteria judge the outcome,
// and the stop hook decides after every iteration whether the session may
// terminate. The engine has no early-exit path other than hook verdicts.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/audit"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/config"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/events"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/hooks"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// PromiseDone is the engine's final token for a fully completed plan.
// Callers rely on substring matching, so the format never changes.
const PromiseDone = "<Promise>DONE</Promise>"

// BlockedPromise formats the failure token for a reason.
func BlockedPromise(reason string) string {
	return fmt.Sprintf("<Promise>BLOCKED: %s</Promise>", reason)
}

// CapabilityExecutor runs capability requests. Satisfied by
// resolver.Resolver.
type CapabilityExecutor interface {
	Execute(ctx context.Context, request string, params map[string]any, callCtx models.CallContext) models.ResolutionResult
}

// Ledger is the slice of the task ledger the engine drives: step tasks move
// through start/complete/block as their steps do, and the stop hook reads
// completion state. Satisfied by ledger.Manager.
type Ledger interface {
	hooks.LedgerView
	Start(id string) error
	Complete(id, evidence string) error
	Block(id, reason string) error
}

// StateStore persists mid-execution session state changes, the pause into
// awaiting-approval in particular. Satisfied by services.SessionService.
type StateStore interface {
	TransitionState(ctx context.Context, sessionID string, next models.SessionState) error
}

// Deps bundles the engine's collaborators. Resolver and Defaults are
// required; the rest degrade gracefully when nil.
type Deps struct {
	Resolver CapabilityExecutor
	Chain    *hooks.Chain
	Stop     *hooks.StopHook
	Defaults *config.Defaults
	Audit    *audit.Logger
	Bus      *events.Bus
	States   StateStore
}

// Request carries one plan execution.
type Request struct {
	Session *models.Session
	Plan    *models.Plan

	// Ledger is the session's task ledger; nil disables task mirroring and
	// the stop hook's ledger rules.
	Ledger Ledger

	// StepTasks maps step index to the ledger task created for it.
	StepTasks map[int]string

	// MaxIterations is the session-wide iteration budget. Zero means the
	// configured default.
	MaxIterations int

	DryRun bool
}

// Result is the outcome of one plan execution.
type Result struct {
	Promise      string
	StopReason   string
	StepOutputs  []models.StepResult
	ErrorHistory []models.ErrorRecord
	TestReport   *models.TestReport
	ConfigGaps   []models.ConfigGap
	Iterations   int
	BudgetSpent  float64
}

// Engine executes plans. Safe for concurrent use; all per-run state lives in
// the run, not the engine.
type Engine struct {
	resolver CapabilityExecutor
	chain    *hooks.Chain
	stop     *hooks.StopHook
	defaults *config.Defaults
	audit    *audit.Logger
	bus      *events.Bus
	states   StateStore
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an engine from its dependencies.
func New(deps Deps) (*Engine, error) {
	if deps.Resolver == nil {
		return nil, fmt.Errorf("engine requires a capability executor")
	}
	if deps.Defaults == nil {
		return nil, fmt.Errorf("engine requires defaults")
	}
	chain := deps.Chain
	if chain == nil {
		chain = hooks.NewChain()
	}
	return &Engine{
		resolver: deps.Resolver,
		chain:    chain,
		stop:     deps.Stop,
		defaults: deps.Defaults,
		audit:    deps.Audit,
		bus:      deps.Bus,
		states:   deps.States,
		logger:   slog.Default().With("component", "engine"),
		now:      time.Now,
	}, nil
}

// run is the mutable state of one plan execution.
type run struct {
	req       Request
	session   *models.Session
	startedAt time.Time

	// iteration is the session-wide counter, shared across steps.
	iteration     int
	sessionLimit  int
	maxTime       time.Duration
	budgetSpent   float64
	budgetLimit   float64
	permissionHit bool

	recentLogs []string
	lastReport *models.TestReport

	result *Result
}

func (e *Engine) newRun(req Request) *run {
	session := req.Session
	if session == nil {
		session = &models.Session{ID: "unbound"}
	}
	limit := req.MaxIterations
	if limit <= 0 {
		limit = e.defaults.SessionIterations()
	}
	startedAt := session.StartedAt
	if startedAt.IsZero() {
		startedAt = e.now()
	}
	return &run{
		req:          req,
		session:      session,
		startedAt:    startedAt,
		iteration:    session.Iteration,
		sessionLimit: limit,
		maxTime:      e.defaults.MaxTime(),
		budgetSpent:  session.BudgetSpent,
		budgetLimit:  session.BudgetLimit,
		result:       &Result{},
	}
}

func (r *run) snapshot(now time.Time) *models.SessionSnapshot {
	return &models.SessionSnapshot{
		SessionID:          r.session.ID,
		Iteration:          r.iteration,
		MaxIterations:      r.sessionLimit,
		Elapsed:            now.Sub(r.startedAt),
		MaxTime:            r.maxTime,
		BudgetSpent:        r.budgetSpent,
		BudgetLimit:        r.budgetLimit,
		PermissionViolated: r.permissionHit,
		RecentLogs:         r.recentLogs,
		LastTestReport:     r.lastReport,
	}
}

func (r *run) taskID(step *models.Step) string {
	if r.req.StepTasks == nil {
		return ""
	}
	return r.req.StepTasks[step.Index]
}

// Execute drives the plan to a final promise. It never returns an error:
// every failure mode lands in the result's promise and error history.
func (e *Engine) Execute(ctx context.Context, req Request) *Result {
	r := e.newRun(req)

	if req.Plan == nil || len(req.Plan.Steps) == 0 {
		r.result.Promise = PromiseDone
		e.finish(r)
		return r.result
	}

	for _, step := range req.Plan.Steps {
		if done := e.runStep(ctx, r, step); !done {
			r.result.Promise = BlockedPromise(step.Error)
			r.result.StopReason = step.Error
			e.collectOutputs(r)
			e.finish(r)
			return r.result
		}
	}

	r.result.Promise = PromiseDone
	e.collectOutputs(r)
	e.finish(r)
	return r.result
}

func (e *Engine) finish(r *run) {
	r.result.Iterations = r.iteration
	r.result.BudgetSpent = r.budgetSpent
	r.result.TestReport = r.lastReport
}

func (e *Engine) collectOutputs(r *run) {
	for _, step := range r.req.Plan.Steps {
		r.result.StepOutputs = append(r.result.StepOutputs, models.StepResult{
			Index:      step.Index,
			Capability: step.Capability,
			Status:     step.Status,
			Iterations: step.Iterations,
			Output:     step.Output,
			Error:      step.Error,
		})
	}
}

// runStep drives one step through its retry loop. Returns true when the
// step ended done, false when it ended blocked.
func (e *Engine) runStep(ctx context.Context, r *run, step *models.Step) bool {
	if step.MaxIterations != nil && *step.MaxIterations == 0 {
		e.blockStep(r, step, "max_iterations is zero")
		return false
	}
	stepLimit := r.sessionLimit
	if step.MaxIterations != nil {
		stepLimit = *step.MaxIterations
	}

	e.startTask(r, step)

	for i := 1; i <= stepLimit; i++ {
		// Cancellation is observed at the top of each iteration.
		if ctx.Err() != nil {
			e.blockStep(r, step, hooks.ReasonCancelled)
			return false
		}

		r.iteration++
		step.Iterations = i
		step.Status = models.StepStatusInProgress
		if i == 1 {
			e.publishStep(r, step, events.StepStatusStarted, "")
		}
		e.publishIteration(r, step, events.EventTypeIterationStarted)

		inv := &hooks.Invocation{
			Session: r.snapshot(e.now()),
			Plan:    r.req.Plan,
			Step:    step,
			Ledger:  r.req.Ledger,
			DryRun:  r.req.DryRun,
		}

		verdict := e.chain.Fire(ctx, step.BeforeHooks, models.HookTriggerBefore, inv)
		if verdict.Action == models.HookActionEscalate {
			verdict = e.resolveEscalation(ctx, r, inv, verdict.Reason)
		}
		switch verdict.Action {
		case models.HookActionTerminate:
			e.auditHook(r, models.HookTriggerBefore, verdict)
			if strings.HasPrefix(verdict.Reason, hooks.PermissionDeniedPrefix) {
				r.permissionHit = true
			}
			e.publishIteration(r, step, events.EventTypeIterationCompleted)
			e.blockStep(r, step, verdict.Reason)
			return false
		case models.HookActionSkip:
			e.auditHook(r, models.HookTriggerBefore, verdict)
			step.Status = models.StepStatusDone
			step.Output = ""
			e.completeTask(r, step, "skipped: "+verdict.Reason)
			e.publishIteration(r, step, events.EventTypeIterationCompleted)
			e.publishStep(r, step, events.StepStatusSkipped, "")
			return true
		case models.HookActionRetry:
			// A rate-limit verdict waits out the suggested interval and then
			// proceeds within the same iteration.
			e.waitSuggested(ctx, verdict)
		}

		res := e.invoke(ctx, r, step)
		e.chargeBudget(r, res.Outcome)
		e.recordAttempts(r, step, res)
		r.result.ConfigGaps = append(r.result.ConfigGaps, res.NeedsConfiguration...)

		output := outcomeOutput(res.Outcome)
		errText := resolutionError(res)
		step.Output = output
		step.Error = errText
		if res.Success {
			step.Error = ""
		} else {
			r.appendLog(errText)
		}

		inv.Outcome = &res
		afterResults := e.chain.FireAll(ctx, step.AfterHooks, models.HookTriggerAfter, inv)
		afterFailure := ""
		for _, after := range afterResults {
			if after.Action == models.HookActionRetry {
				afterFailure = after.Reason
				break
			}
		}

		step.Status = models.StepStatusTesting
		report := evaluateCriteria(step, res)
		if report == nil {
			report = reportFromOutcome(res.Outcome)
		}
		if report != nil {
			r.lastReport = report
		}

		success := res.Success && afterFailure == "" && (report == nil || report.Failed == 0)

		e.auditStep(r, step, success, errText)
		e.publishIteration(r, step, events.EventTypeIterationCompleted)

		if success {
			step.Status = models.StepStatusDone
			e.completeTask(r, step, stepEvidence(step, i))
			e.publishStep(r, step, events.StepStatusCompleted, "")
			if blockedReason := e.stopCheck(ctx, r, step); blockedReason != "" {
				e.blockPlanAfter(r, step, blockedReason)
				return false
			}
			return true
		}

		summary := errText
		if summary == "" {
			summary = afterFailure
		}
		if summary == "" && report != nil {
			summary = strings.Join(report.Details, "; ")
		}
		r.result.ErrorHistory = append(r.result.ErrorHistory, models.ErrorRecord{
			Step:          step.Index,
			Iteration:     i,
			ErrorSummary:  summary,
			OutputPreview: preview(output, 200),
		})
		step.Status = models.StepStatusRetrying
		e.publishStep(r, step, events.StepStatusRetrying, summary)

		if blockedReason := e.stopCheck(ctx, r, step); blockedReason != "" {
			e.blockStep(r, step, blockedReason)
			return false
		}

		if i < stepLimit {
			e.applyOverrides(ctx, r, step, summary)
		}
	}

	e.blockStep(r, step, hooks.ReasonMaxIterations)
	return false
}

// stopCheck consults the stop hook after an iteration. It returns a
// non-empty reason when the session must stop here; escalations are routed
// through the approval hook first.
func (e *Engine) stopCheck(ctx context.Context, r *run, step *models.Step) string {
	if e.stop == nil {
		return ""
	}

	inv := &hooks.Invocation{
		Session: r.snapshot(e.now()),
		Plan:    r.req.Plan,
		Step:    step,
		Ledger:  r.req.Ledger,
		DryRun:  r.req.DryRun,
	}
	verdict, err := e.stop.Fire(ctx, inv)
	if err != nil {
		e.logger.Warn("Stop hook failed, continuing", "session_id", r.session.ID, "error", err)
		return ""
	}

	if verdict.Action == models.HookActionEscalate {
		verdict = e.resolveEscalation(ctx, r, inv, verdict.Reason)
	}
	if verdict.Action == models.HookActionTerminate {
		e.auditHook(r, models.HookTriggerOnComplete, verdict)
		return verdict.Reason
	}
	return ""
}

// resolveEscalation routes an escalate verdict through the approval hook.
// Without a registered approval hook the escalation fails closed.
func (e *Engine) resolveEscalation(ctx context.Context, r *run, inv *hooks.Invocation, reason string) models.HookResult {
	e.auditHook(r, models.HookTriggerBefore, models.HookResult{
		Action: models.HookActionEscalate,
		Reason: reason,
	})

	approval, ok := e.chain.Get(hooks.ApprovalHookName)
	if !ok {
		e.logger.Warn("Escalation with no approval hook registered, terminating",
			"session_id", r.session.ID,
			"reason", reason)
		return models.HookResult{Action: models.HookActionTerminate, Reason: reason, Confidence: 1.0}
	}

	e.pauseForApproval(ctx, r, true)
	inv.Escalation = reason
	verdict, err := approval.Fire(ctx, inv)
	if err != nil {
		// The approval hook is fail-closed and should never error; treat an
		// error as a denied grant.
		e.logger.Error("Approval hook failed", "session_id", r.session.ID, "error", err)
		return models.HookResult{Action: models.HookActionTerminate, Reason: hooks.ReasonApprovalRequestFailed, Confidence: 1.0}
	}
	if verdict.Action == models.HookActionContinue {
		// Only a grant resumes execution. A denied or timed-out request
		// leaves the session in awaiting-approval for the caller to fail.
		e.pauseForApproval(ctx, r, false)
	}
	return verdict
}

// pauseForApproval records the session's pause into awaiting-approval and
// its resume back to executing, best-effort.
func (e *Engine) pauseForApproval(ctx context.Context, r *run, entering bool) {
	state := models.SessionStateExecuting
	if entering {
		state = models.SessionStateAwaitingApproval
	}
	if e.states != nil {
		if err := e.states.TransitionState(ctx, r.session.ID, state); err != nil {
			e.logger.Warn("Session state transition failed",
				"session_id", r.session.ID,
				"state", state,
				"error", err)
		}
	}
	e.bus.PublishSessionStatus(r.session.ID, events.SessionStatusPayload{Status: state})
}

// waitSuggested sleeps for a retry verdict's suggested wait, bounded by the
// context.
func (e *Engine) waitSuggested(ctx context.Context, verdict models.HookResult) {
	seconds, ok := intFromAny(verdict.Data["wait_seconds"])
	if !ok || seconds <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(seconds) * time.Second):
	}
}

func (e *Engine) blockStep(r *run, step *models.Step, reason string) {
	step.Status = models.StepStatusBlocked
	step.Error = reason
	if id := r.taskID(step); id != "" && r.req.Ledger != nil {
		if err := r.req.Ledger.Block(id, reason); err != nil {
			e.logger.Warn("Task block failed", "task_id", id, "error", err)
		}
	}
	e.publishStep(r, step, events.StepStatusBlocked, reason)
	e.logger.Info("Step blocked",
		"session_id", r.session.ID,
		"step", step.Index,
		"reason", reason)
}

// blockPlanAfter handles a stop-hook termination that fires right after a
// successful step: the step stays done, but the plan cannot continue.
func (e *Engine) blockPlanAfter(r *run, step *models.Step, reason string) {
	step.Error = reason
	e.logger.Info("Session stopped after step",
		"session_id", r.session.ID,
		"step", step.Index,
		"reason", reason)
}

func (e *Engine) startTask(r *run, step *models.Step) {
	id := r.taskID(step)
	if id == "" || r.req.Ledger == nil {
		return
	}
	if err := r.req.Ledger.Start(id); err != nil {
		e.logger.Warn("Task start failed", "task_id", id, "error", err)
	}
}

func (e *Engine) completeTask(r *run, step *models.Step, evidence string) {
	id := r.taskID(step)
	if id == "" || r.req.Ledger == nil {
		return
	}
	if err := r.req.Ledger.Complete(id, evidence); err != nil {
		e.logger.Warn("Task complete failed", "task_id", id, "error", err)
	}
}

func (e *Engine) chargeBudget(r *run, outcome *models.Outcome) {
	cost := e.defaults.InvocationCost
	if outcome != nil && outcome.Cost > 0 {
		cost = outcome.Cost
	}
	r.budgetSpent += cost
}

func (r *run) appendLog(line string) {
	if line == "" {
		return
	}
	r.recentLogs = append(r.recentLogs, line)
	limit := 100
	if len(r.recentLogs) > limit {
		r.recentLogs = r.recentLogs[len(r.recentLogs)-limit:]
	}
}

func (e *Engine) auditStep(r *run, step *models.Step, success bool, errText string) {
	e.audit.Record(models.AuditEvent{
		Kind:      models.AuditAgentStep,
		SessionID: r.session.ID,
		Action:    fmt.Sprintf("step %d iteration %d", step.Index, step.Iterations),
		Details: map[string]any{
			"capability": step.Capability,
			"iteration":  r.iteration,
		},
		Success: success,
		Error:   errText,
	})
}

func (e *Engine) auditHook(r *run, trigger models.HookTrigger, verdict models.HookResult) {
	e.audit.Record(models.AuditEvent{
		Kind:      models.AuditHookFired,
		SessionID: r.session.ID,
		Action:    string(verdict.Action),
		Details: map[string]any{
			"trigger": string(trigger),
			"reason":  verdict.Reason,
		},
		Success: true,
	})
}

func (e *Engine) recordAttempts(r *run, step *models.Step, res models.ResolutionResult) {
	for _, att := range res.AttemptLog {
		e.audit.Record(models.AuditEvent{
			Kind:      models.AuditCapabilityCall,
			SessionID: r.session.ID,
			Action:    step.Capability,
			Details: map[string]any{
				"provider_id":   att.ProviderID,
				"method":        string(att.Method),
				"duration_ms":   att.DurationMS,
				"after_install": att.AfterInstall,
			},
			Success: att.Success,
		})
	}
}

func (e *Engine) publishIteration(r *run, step *models.Step, eventType string) {
	payload := events.IterationPayload{
		Iteration: r.iteration,
		StepIndex: step.Index,
	}
	if eventType == events.EventTypeIterationStarted {
		e.bus.PublishIterationStarted(r.session.ID, payload)
		return
	}
	e.bus.PublishIterationCompleted(r.session.ID, payload)
}

func (e *Engine) publishStep(r *run, step *models.Step, status, errText string) {
	e.bus.PublishStepStatus(r.session.ID, events.StepStatusPayload{
		PlanID:     r.req.Plan.TaskID,
		StepIndex:  step.Index,
		Capability: step.Capability,
		Status:     status,
		Attempt:    step.Iterations,
		Error:      errText,
	})
}

func stepEvidence(step *models.Step, iteration int) string {
	out := preview(step.Output, 160)
	if out == "" {
		out = "no output recorded"
	}
	return fmt.Sprintf("iteration %d: %s", iteration, out)
}

func preview(text string, max int) string {
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	// Back the cut up to a rune start so evidence stays valid UTF-8.
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}
