package hooks

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/config"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// Reasons the stop hook attaches to its verdicts. The engine lifts terminate
// reasons verbatim into the final promise, so these strings are part of the
// caller-visible contract.
const (
	ReasonMaxIterations       = "max_iterations_exceeded"
	ReasonMaxTime             = "max_time_exceeded"
	ReasonBudgetExhausted     = "budget_exhausted"
	ReasonPermissionViolation = "permission_violation"
	ReasonTasksRemaining      = "tasks_remaining"
	ReasonMessageLinkedTasks  = "message_linked_tasks_incomplete"
	ReasonAllTestsPassed      = "all_tests_passed"
	ReasonKnownError          = "known_error_with_remediation"
	ReasonBudgetThreshold     = "budget_threshold_exceeded"
	ReasonNoStopCondition     = "no_stop_condition"

	// DestructiveActionPrefix prefixes the detected verb in escalation
	// reasons, e.g. "destructive_action_detected: drop".
	DestructiveActionPrefix = "destructive_action_detected: "
)

// defaultEscalationRatio is the budget fraction past which the stop hook
// escalates when the config does not set one.
const defaultEscalationRatio = 0.8

// MessageScanner lists the user messages that still gate termination.
// Satisfied by services.MessageService.
type MessageScanner interface {
	ListIncompleteLinkedMessages(ctx context.Context, sessionID string) ([]*models.Message, error)
}

// StopHook decides after every iteration whether the session may terminate.
// Its verdict comes from an ordered rule tree where the first matching rule
// wins: hard resource stops, then the task ledger, then message-linked
// tasks, then test results, then known-error remediation, then escalation
// triggers, and finally a default continue.
type StopHook struct {
	defaults *config.Defaults
	messages MessageScanner
	patterns []config.ErrorPattern
	verbs    map[string]bool
	logger   *slog.Logger

	// retries counts known-error remediation attempts per session|pattern.
	mu      sync.Mutex
	retries map[string]int
}

// NewStopHook builds the stop hook. messages may be nil when no message
// store gates termination, as in scheduled sessions. Patterns that fail to
// compile are dropped with a warning.
func NewStopHook(defaults *config.Defaults, messages MessageScanner, patterns []config.ErrorPattern, destructiveVerbs []string) *StopHook {
	logger := slog.Default().With("component", "stop_hook")

	compiled := make([]config.ErrorPattern, 0, len(patterns))
	for _, p := range patterns {
		if err := p.Compile(); err != nil {
			logger.Warn("Dropping unparseable error pattern", "pattern", p.Name, "error", err)
			continue
		}
		compiled = append(compiled, p)
	}

	verbs := make(map[string]bool, len(destructiveVerbs))
	for _, v := range destructiveVerbs {
		verbs[strings.ToLower(v)] = true
	}

	return &StopHook{
		defaults: defaults,
		messages: messages,
		patterns: compiled,
		verbs:    verbs,
		logger:   logger,
		retries:  make(map[string]int),
	}
}

func (h *StopHook) Name() string { return StopHookName }

func (h *StopHook) Triggers() []models.HookTrigger {
	return []models.HookTrigger{models.HookTriggerOnComplete}
}

func (h *StopHook) Priority() int { return 100 }

// Fire evaluates the rule tree against the invocation's session snapshot.
func (h *StopHook) Fire(ctx context.Context, inv *Invocation) (models.HookResult, error) {
	snap := inv.Session
	if snap == nil {
		return models.ContinueResult(ReasonNoStopCondition), nil
	}

	// Rule 1: hard resource stops.
	if reason := hardStop(snap); reason != "" {
		return terminate(reason), nil
	}

	// Rule 2: the task ledger gates termination.
	if inv.Ledger != nil {
		if v := inv.Ledger.VerifyCompletion(h.defaults.Strict()); !v.AllComplete {
			result := models.ContinueResult(ReasonTasksRemaining)
			result.Data = map[string]any{
				"incomplete_ids": v.IncompleteIDs,
				"blocked_ids":    v.BlockedIDs,
			}
			return result, nil
		}
	}

	// Rule 3: user messages with incomplete linked tasks gate termination.
	if result, ok := h.messageGate(ctx, inv); ok {
		return result, nil
	}

	// Rule 4: a green test run ends the session.
	if snap.LastTestReport.AllPassed() {
		return terminate(ReasonAllTestsPassed), nil
	}

	// Rule 5: a known error with a scripted remediation earns another try.
	if result, ok := h.knownError(snap); ok {
		return result, nil
	}

	// Rule 6: escalation triggers.
	if result, ok := h.escalation(snap); ok {
		return result, nil
	}

	return models.ContinueResult(ReasonNoStopCondition), nil
}

// ForgetSession drops the session's known-error retry counters. Called when
// a session reaches a terminal state.
func (h *StopHook) ForgetSession(sessionID string) {
	prefix := sessionID + "|"
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.retries {
		if strings.HasPrefix(key, prefix) {
			delete(h.retries, key)
		}
	}
}

func hardStop(snap *models.SessionSnapshot) string {
	if snap.MaxIterations > 0 && snap.Iteration >= snap.MaxIterations {
		return ReasonMaxIterations
	}
	if snap.MaxTime > 0 && snap.Elapsed >= snap.MaxTime {
		return ReasonMaxTime
	}
	if snap.BudgetLimit > 0 && snap.BudgetSpent >= snap.BudgetLimit {
		return ReasonBudgetExhausted
	}
	if snap.PermissionViolated {
		return ReasonPermissionViolation
	}
	return ""
}

// messageGate reports whether an incomplete message still has linked tasks
// that are not completed. A scan failure skips the rule rather than wedging
// the session on a dead message store.
func (h *StopHook) messageGate(ctx context.Context, inv *Invocation) (models.HookResult, bool) {
	if h.messages == nil {
		return models.HookResult{}, false
	}

	msgs, err := h.messages.ListIncompleteLinkedMessages(ctx, inv.Session.SessionID)
	if err != nil {
		h.logger.Warn("Message scan failed, skipping message gate",
			"session_id", inv.Session.SessionID,
			"error", err)
		return models.HookResult{}, false
	}

	for _, msg := range msgs {
		incomplete := msg.LinkedTasks
		if inv.Ledger != nil {
			incomplete = inv.Ledger.IncompleteTasks(msg.LinkedTasks)
		}
		if len(incomplete) == 0 {
			continue
		}
		result := models.ContinueResult(ReasonMessageLinkedTasks)
		result.Data = map[string]any{
			"message_id": msg.ID,
			"task_ids":   incomplete,
		}
		return result, true
	}
	return models.HookResult{}, false
}

func (h *StopHook) knownError(snap *models.SessionSnapshot) (models.HookResult, bool) {
	if len(snap.RecentLogs) == 0 {
		return models.HookResult{}, false
	}

	buffer := strings.Join(snap.RecentLogs, "\n")
	for i := range h.patterns {
		p := &h.patterns[i]
		if !p.Matches(buffer) {
			continue
		}

		key := snap.SessionID + "|" + p.Name
		h.mu.Lock()
		count := h.retries[key]
		if count >= h.defaults.MaxRetries {
			h.mu.Unlock()
			continue
		}
		h.retries[key] = count + 1
		h.mu.Unlock()

		result := models.ContinueResult(ReasonKnownError)
		result.Data = map[string]any{
			"pattern":     p.Name,
			"remediation": p.Remediation,
			"attempt":     count + 1,
		}
		return result, true
	}
	return models.HookResult{}, false
}

func (h *StopHook) escalation(snap *models.SessionSnapshot) (models.HookResult, bool) {
	ratio := h.defaults.EscalationBudgetRatio
	if ratio <= 0 {
		ratio = defaultEscalationRatio
	}
	if snap.BudgetLimit > 0 && snap.BudgetSpent > ratio*snap.BudgetLimit {
		return escalate(ReasonBudgetThreshold), true
	}
	if verb := h.destructiveVerb(snap.RecentLogs); verb != "" {
		return escalate(DestructiveActionPrefix + verb), true
	}
	return models.HookResult{}, false
}

// destructiveVerb scans the log buffer for destructive verbs as whole
// tokens, so "drop" matches but "dropdown" does not.
func (h *StopHook) destructiveVerb(lines []string) string {
	for _, line := range lines {
		tokens := strings.FieldsFunc(strings.ToLower(line), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, tok := range tokens {
			if h.verbs[tok] {
				return tok
			}
		}
	}
	return ""
}
