// Package orchestrator is the control-plane façade. It turns a user intent
// into a session with a linked user message and ledger task, routes and
// plans the intent, drives the plan through the execution engine, and
// finalises the session: promise, message completion, conversation state,
// and the session_start/session_end audit pair.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/audit"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/config"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/engine"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/events"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/hooks"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/ledger"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/planner"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/router"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/services"
)

// Author is the name the orchestrator signs its own messages with.
const Author = "orchestrator"

// ResponseMasker scrubs secrets from outbound response text before it is
// written to a message. Satisfied by masking.Service.
type ResponseMasker interface {
	MaskResponse(data string) string
}

// Deps bundles the orchestrator's collaborators. Router, Planner, Engine,
// Sessions, Messages, Ledgers, and Defaults are required; Conversations,
// Stop, Audit, Bus, and Masker degrade gracefully when nil.
type Deps struct {
	Router        *router.Router
	Planner       *planner.Planner
	Engine        *engine.Engine
	Sessions      *services.SessionService
	Messages      *services.MessageService
	Conversations *services.ConversationService
	Ledgers       *ledger.Factory
	Stop          *hooks.StopHook
	Audit         *audit.Logger
	Bus           *events.Bus
	Defaults      *config.Defaults
	Masker        ResponseMasker

	// Inline executes sessions synchronously inside HandleIntent instead of
	// leaving them for the worker pool.
	Inline bool

	// DryRun propagates to every execution; pre-step hooks skip invocations.
	DryRun bool
}

// Orchestrator owns session lifecycle from intent to final promise.
type Orchestrator struct {
	router        *router.Router
	planner       *planner.Planner
	engine        *engine.Engine
	sessions      *services.SessionService
	messages      *services.MessageService
	conversations *services.ConversationService
	ledgers       *ledger.Factory
	stop          *hooks.StopHook
	audit         *audit.Logger
	bus           *events.Bus
	defaults      *config.Defaults
	masker        ResponseMasker
	inline        bool
	dryRun        bool
	logger        *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an orchestrator from its dependencies.
func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Router == nil:
		return nil, fmt.Errorf("orchestrator requires a router")
	case deps.Planner == nil:
		return nil, fmt.Errorf("orchestrator requires a planner")
	case deps.Engine == nil:
		return nil, fmt.Errorf("orchestrator requires an engine")
	case deps.Sessions == nil:
		return nil, fmt.Errorf("orchestrator requires a session service")
	case deps.Messages == nil:
		return nil, fmt.Errorf("orchestrator requires a message service")
	case deps.Ledgers == nil:
		return nil, fmt.Errorf("orchestrator requires a ledger factory")
	case deps.Defaults == nil:
		return nil, fmt.Errorf("orchestrator requires defaults")
	}
	return &Orchestrator{
		router:        deps.Router,
		planner:       deps.Planner,
		engine:        deps.Engine,
		sessions:      deps.Sessions,
		messages:      deps.Messages,
		conversations: deps.Conversations,
		ledgers:       deps.Ledgers,
		stop:          deps.Stop,
		audit:         deps.Audit,
		bus:           deps.Bus,
		defaults:      deps.Defaults,
		masker:        deps.Masker,
		inline:        deps.Inline,
		dryRun:        deps.DryRun,
		logger:        slog.Default().With("component", "orchestrator"),
		cancels:       make(map[string]context.CancelFunc),
	}, nil
}

// HandleIntent creates a session for the intent: session row, conversation,
// user message, and the message-linked ledger task that gates termination.
// The session is left in state created for the worker pool unless the
// orchestrator runs inline.
func (o *Orchestrator) HandleIntent(ctx context.Context, userID, text string) (*models.Session, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, services.NewValidationError("intent", "required")
	}

	session, err := o.sessions.CreateSession(ctx, models.CreateSessionRequest{
		OwnerID:     userID,
		Intent:      text,
		BudgetLimit: o.defaults.MaxBudget,
	})
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	var conversationID string
	if o.conversations != nil {
		conv, err := o.conversations.CreateConversation(ctx, userID, session.ID)
		if err != nil {
			o.logger.Warn("Conversation creation failed", "session_id", session.ID, "error", err)
		} else {
			conversationID = conv.ID
		}
	}

	msg, err := o.messages.CreateMessage(ctx, models.CreateMessageRequest{
		SessionID: session.ID,
		Author:    userID,
		Kind:      models.MessageKindUserText,
		Content:   text,
	})
	if err != nil {
		return nil, fmt.Errorf("creating user message: %w", err)
	}
	o.appendToConversation(ctx, conversationID, msg.ID)

	// The user message needs a linked task before it may be marked
	// processing, and the stop hook holds the session open until that task
	// completes. The task starts immediately: responding is active work for
	// the whole session, and mid-plan completion checks must not mistake it
	// for a forgotten task.
	mgr, err := o.ledgers.Open(session.ID)
	if err != nil {
		return nil, fmt.Errorf("opening task ledger: %w", err)
	}
	task, err := mgr.Add("respond to: " + intentPreview(text))
	if err != nil {
		return nil, fmt.Errorf("creating message task: %w", err)
	}
	if err := mgr.Start(task.ID); err != nil {
		return nil, fmt.Errorf("starting message task: %w", err)
	}
	if err := o.messages.LinkTasks(ctx, msg.ID, task.ID); err != nil {
		return nil, fmt.Errorf("linking message task: %w", err)
	}
	if err := o.messages.MarkProcessing(ctx, msg.ID); err != nil {
		return nil, fmt.Errorf("marking message processing: %w", err)
	}
	if conversationID != "" {
		if err := o.conversations.LinkTask(ctx, conversationID, task.ID); err != nil {
			o.logger.Warn("Conversation task link failed", "session_id", session.ID, "error", err)
		}
	}

	o.bus.PublishSessionStatus(session.ID, events.SessionStatusPayload{Status: session.State})
	o.logger.Info("Intent accepted",
		"session_id", session.ID,
		"owner_id", userID,
		"message_id", msg.ID)

	if o.inline {
		if _, err := o.ProcessSession(ctx, session.ID); err != nil {
			return session, err
		}
	}
	return session, nil
}

// ProcessSession drives one session to its final promise: route, plan, bind
// step tasks, execute, finalise. Invoked by queue workers, or inline.
func (o *Orchestrator) ProcessSession(ctx context.Context, sessionID string) (*engine.Result, error) {
	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if session.State.IsTerminal() {
		return nil, fmt.Errorf("session %s already %s", sessionID, session.State)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.registerCancel(sessionID, cancel)
	defer o.unregisterCancel(sessionID)

	o.audit.Record(models.AuditEvent{
		Kind:      models.AuditSessionStart,
		SessionID: sessionID,
		UserID:    session.OwnerID,
		Action:    "session started",
		Details:   map[string]any{"intent": session.Intent},
		Success:   true,
	})

	if session.State == models.SessionStateCreated {
		o.transition(ctx, sessionID, models.SessionStatePlanning)
	}

	route := o.router.Route(session.Intent)
	plan := o.loadOrBuildPlan(runCtx, session, route)
	if err := o.sessions.RecordPlan(ctx, sessionID, plan.TaskID, plan.Category); err != nil {
		o.logger.Warn("Recording plan failed", "session_id", sessionID, "error", err)
	}
	o.surfaceQuestions(ctx, session, plan)

	mgr, err := o.ledgers.Open(sessionID)
	if err != nil {
		return nil, fmt.Errorf("opening task ledger: %w", err)
	}
	stepTasks, err := o.bindStepTasks(mgr, plan)
	if err != nil {
		return nil, fmt.Errorf("binding step tasks: %w", err)
	}

	o.transition(ctx, sessionID, models.SessionStateExecuting)

	maxIterations := 0
	if route.MaxIterations != nil {
		maxIterations = *route.MaxIterations
	}
	result := o.engine.Execute(runCtx, engine.Request{
		Session:       session,
		Plan:          plan,
		Ledger:        mgr,
		StepTasks:     stepTasks,
		MaxIterations: maxIterations,
		DryRun:        o.dryRun,
	})

	if err := o.sessions.RecordProgress(ctx, sessionID, result.Iterations, result.BudgetSpent); err != nil {
		o.logger.Warn("Recording progress failed", "session_id", sessionID, "error", err)
	}

	o.finalise(ctx, session, mgr, result)
	return result, nil
}

// loadOrBuildPlan reuses the session's persisted plan when one exists;
// anything else builds and seals a fresh one.
func (o *Orchestrator) loadOrBuildPlan(ctx context.Context, session *models.Session, route models.RouteDecision) *models.Plan {
	if session.PlanID != "" {
		plan, err := o.planner.Load(session.PlanID)
		if err == nil {
			return plan
		}
		o.logger.Warn("Persisted plan unreadable, rebuilding",
			"session_id", session.ID,
			"plan_id", session.PlanID,
			"error", err)
	}
	return o.planner.Build(ctx, session.Intent, route, models.CallContext{SessionID: session.ID})
}

// surfaceQuestions posts the planner's clarifying questions as an info
// message. Execution proceeds regardless; the questions are advisory.
func (o *Orchestrator) surfaceQuestions(ctx context.Context, session *models.Session, plan *models.Plan) {
	if len(plan.ClarifyingQuestions) == 0 {
		return
	}
	_, err := o.messages.CreateMessage(ctx, models.CreateMessageRequest{
		SessionID: session.ID,
		Author:    Author,
		Kind:      models.MessageKindInfo,
		Content:   "Proceeding with assumptions. Open questions: " + strings.Join(plan.ClarifyingQuestions, " "),
	})
	if err != nil {
		o.logger.Warn("Posting clarifying questions failed", "session_id", session.ID, "error", err)
	}
}

// bindStepTasks mirrors plan steps into ledger tasks, one per step. Tasks
// from an earlier run of the same plan are reused by their index marker so
// a requeued session does not duplicate its ledger.
func (o *Orchestrator) bindStepTasks(mgr *ledger.Manager, plan *models.Plan) (map[int]string, error) {
	existing := make(map[int]string)
	for _, task := range mgr.List() {
		var idx int
		if n, _ := fmt.Sscanf(task.Description, "step %d:", &idx); n == 1 {
			existing[idx] = task.ID
		}
	}

	bound := make(map[int]string, len(plan.Steps))
	for _, step := range plan.Steps {
		if id, ok := existing[step.Index]; ok {
			bound[step.Index] = id
			continue
		}
		desc := step.Description
		if desc == "" {
			desc = step.Capability
		}
		task, err := mgr.Add(fmt.Sprintf("step %d: %s", step.Index, desc))
		if err != nil {
			return nil, err
		}
		bound[step.Index] = task.ID
	}
	return bound, nil
}

// finalise lands the engine result: completes or fails the gating messages,
// closes the conversation, transitions the session, and writes session_end.
func (o *Orchestrator) finalise(ctx context.Context, session *models.Session, mgr *ledger.Manager, result *engine.Result) {
	succeeded := result.Promise == engine.PromiseDone

	if succeeded {
		o.completeGatingMessages(ctx, session, mgr, result)
	} else {
		o.failGatingMessages(ctx, session, result)
	}

	finalState := models.SessionStateCompleted
	if !succeeded {
		finalState = models.SessionStateFailed
		if result.StopReason == hooks.ReasonCancelled {
			finalState = models.SessionStateTerminated
		}
	}
	o.closeConversation(ctx, session.ID, succeeded)
	o.transition(ctx, session.ID, finalState)

	if err := o.sessions.RecordOutcome(ctx, session.ID, result.Promise, result.StopReason); err != nil {
		o.logger.Warn("Recording outcome failed", "session_id", session.ID, "error", err)
	}

	if o.stop != nil {
		o.stop.ForgetSession(session.ID)
	}

	o.audit.Record(models.AuditEvent{
		Kind:      models.AuditSessionEnd,
		SessionID: session.ID,
		UserID:    session.OwnerID,
		Action:    "session ended",
		Details: map[string]any{
			"status":       string(finalState),
			"promise":      result.Promise,
			"iterations":   result.Iterations,
			"budget_spent": result.BudgetSpent,
		},
		Success: succeeded,
		Error:   result.StopReason,
	})
	o.bus.PublishSessionStatus(session.ID, events.SessionStatusPayload{
		Status:       finalState,
		FinalPromise: result.Promise,
	})
	o.logger.Info("Session finished",
		"session_id", session.ID,
		"state", finalState,
		"iterations", result.Iterations)
}

// completeGatingMessages responds to every open linked message and
// completes it, closing the message tasks that held the session open.
func (o *Orchestrator) completeGatingMessages(ctx context.Context, session *models.Session, mgr *ledger.Manager, result *engine.Result) {
	open, err := o.messages.ListIncompleteLinkedMessages(ctx, session.ID)
	if err != nil {
		o.logger.Warn("Listing gating messages failed", "session_id", session.ID, "error", err)
		return
	}
	for _, msg := range open {
		response, err := o.messages.CreateMessage(ctx, models.CreateMessageRequest{
			SessionID: session.ID,
			ParentID:  msg.ID,
			Author:    Author,
			Kind:      models.MessageKindSystemResponse,
			Content:   o.maskResponse(responseBody(result)),
		})
		if err != nil {
			o.logger.Warn("Response message failed", "session_id", session.ID, "error", err)
			continue
		}
		for _, taskID := range mgr.IncompleteTasks(msg.LinkedTasks) {
			if err := mgr.Start(taskID); err != nil && !alreadyInProgress(mgr, taskID) {
				o.logger.Warn("Message task start failed", "task_id", taskID, "error", err)
			}
			if err := mgr.Complete(taskID, "responded in message "+response.ID); err != nil {
				o.logger.Warn("Message task completion failed", "task_id", taskID, "error", err)
			}
		}
		if err := o.messages.CompleteMessage(ctx, msg.ID, mgr); err != nil {
			o.logger.Warn("Message completion failed", "message_id", msg.ID, "error", err)
		}
	}
}

// failGatingMessages marks open linked messages failed and attaches the
// blocked promise with the recent error history.
func (o *Orchestrator) failGatingMessages(ctx context.Context, session *models.Session, result *engine.Result) {
	open, err := o.messages.ListIncompleteLinkedMessages(ctx, session.ID)
	if err != nil {
		o.logger.Warn("Listing gating messages failed", "session_id", session.ID, "error", err)
		return
	}
	for _, msg := range open {
		if _, err := o.messages.CreateMessage(ctx, models.CreateMessageRequest{
			SessionID: session.ID,
			ParentID:  msg.ID,
			Author:    Author,
			Kind:      models.MessageKindError,
			Content:   o.maskResponse(responseBody(result)),
		}); err != nil {
			o.logger.Warn("Error message failed", "session_id", session.ID, "error", err)
		}
		if err := o.messages.MarkFailed(ctx, msg.ID); err != nil {
			o.logger.Warn("Message failure mark failed", "message_id", msg.ID, "error", err)
		}
	}
}

func (o *Orchestrator) closeConversation(ctx context.Context, sessionID string, succeeded bool) {
	if o.conversations == nil {
		return
	}
	conv, err := o.conversations.GetSessionConversation(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			o.logger.Warn("Conversation lookup failed", "session_id", sessionID, "error", err)
		}
		return
	}
	next := models.ConversationStateCompleted
	if !succeeded {
		next = models.ConversationStateArchived
	}
	if err := o.conversations.TransitionState(ctx, conv.ID, next); err != nil {
		o.logger.Warn("Conversation close failed", "conversation_id", conv.ID, "error", err)
	}
}

// Cancel requests cooperative cancellation of a running session. A session
// that has not started yet is terminated directly. Idempotent; reports
// whether anything was cancelled.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.Lock()
	cancel, running := o.cancels[sessionID]
	o.mu.Unlock()
	if running {
		cancel()
		o.logger.Info("Session cancellation requested", "session_id", sessionID)
		return true
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()
	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil || session.State != models.SessionStateCreated {
		return false
	}
	o.transition(ctx, sessionID, models.SessionStateTerminated)
	return true
}

// RespondApproval records a human decision for a pending approval request.
// The engine's approval hook picks the decision up on its next poll.
func (o *Orchestrator) RespondApproval(ctx context.Context, requestID string, approved bool, reason string) error {
	_, err := o.messages.RespondToApproval(ctx, requestID, "user", models.ApprovalDecision{
		Approved: approved,
		Reason:   reason,
	})
	if err != nil {
		return fmt.Errorf("responding to approval %s: %w", requestID, err)
	}
	return nil
}

// Cleanup destroys a session: cancels it if running, removes its ledger and
// plan files, and deletes the session row with its messages. Sessions not
// cleaned up explicitly are retained for audit.
func (o *Orchestrator) Cleanup(ctx context.Context, sessionID string) error {
	o.Cancel(sessionID)

	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}

	mgr, err := o.ledgers.Open(sessionID)
	if err == nil {
		removeFile(o.logger, mgr.JSONPath())
		removeFile(o.logger, mgr.MarkdownPath())
	}
	if session.PlanID != "" {
		removeFile(o.logger, o.planner.PlanPath(session.PlanID))
	}

	if err := o.sessions.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	o.logger.Info("Session destroyed", "session_id", sessionID)
	return nil
}

func (o *Orchestrator) registerCancel(sessionID string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels[sessionID] = cancel
}

func (o *Orchestrator) unregisterCancel(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancels, sessionID)
}

func (o *Orchestrator) transition(ctx context.Context, sessionID string, next models.SessionState) {
	if err := o.sessions.TransitionState(ctx, sessionID, next); err != nil {
		o.logger.Warn("Session transition failed",
			"session_id", sessionID,
			"state", next,
			"error", err)
		return
	}
	o.bus.PublishSessionStatus(sessionID, events.SessionStatusPayload{Status: next})
}

func (o *Orchestrator) appendToConversation(ctx context.Context, conversationID, messageID string) {
	if o.conversations == nil || conversationID == "" {
		return
	}
	if err := o.conversations.AppendMessage(ctx, conversationID, messageID); err != nil {
		o.logger.Warn("Conversation append failed", "conversation_id", conversationID, "error", err)
	}
}

// alreadyInProgress absorbs the benign race where a step task was started
// by the engine before finalise touched it.
func alreadyInProgress(mgr *ledger.Manager, taskID string) bool {
	task, err := mgr.Get(taskID)
	return err == nil && task.State == models.TaskStateInProgress
}

func (o *Orchestrator) maskResponse(text string) string {
	if o.masker == nil {
		return text
	}
	return o.masker.MaskResponse(text)
}

// responseBody renders the user-visible result: the promise, step outputs
// on success, and the recent error history plus configuration gaps on
// failure.
func responseBody(result *engine.Result) string {
	var b strings.Builder
	b.WriteString(result.Promise)
	for _, step := range result.StepOutputs {
		if step.Output == "" {
			continue
		}
		fmt.Fprintf(&b, "\nstep %d (%s): %s", step.Index, step.Capability, step.Output)
	}
	if len(result.ErrorHistory) > 0 {
		recent := result.ErrorHistory
		if len(recent) > 5 {
			recent = recent[len(recent)-5:]
		}
		b.WriteString("\nrecent errors:")
		for _, rec := range recent {
			fmt.Fprintf(&b, "\n- step %d iteration %d: %s", rec.Step, rec.Iteration, rec.ErrorSummary)
		}
	}
	for _, gap := range result.ConfigGaps {
		fmt.Fprintf(&b, "\nconfiguration gap: provider %s", gap.ProviderID)
		if gap.NeedsAPIKey {
			b.WriteString(" needs an API key")
		}
		if gap.NeedsSetup {
			b.WriteString(" needs setup")
			if gap.InstallCommand != "" {
				fmt.Fprintf(&b, " (%s)", gap.InstallCommand)
			}
		}
	}
	return b.String()
}

func intentPreview(text string) string {
	const max = 120
	if len(text) <= max {
		return text
	}
	// Back the cut up to a rune start so message content stays valid UTF-8.
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}

func removeFile(logger *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("File removal failed", "path", path, "error", err)
	}
}
