// Package hooks implements the policy gates consulted around step execution.
// Hooks carry no business logic of their own: each observes an invocation and
// returns a verdict (continue, skip, retry, terminate, escalate) that the
// execution engine acts on. The package also houses the stop hook, the gate
// that decides after every iteration whether a session may terminate.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/services"
)

// Names of the built-in hooks. Routing rules and capability definitions
// reference hooks by these strings.
const (
	StopHookName     = "stop"
	PreStepHookName  = "pre-step"
	PostStepHookName = "post-step"
	ApprovalHookName = "approval"
)

// Hook is one policy gate. Fire must be safe for concurrent use; the chain
// may evaluate the same hook for many sessions at once.
type Hook interface {
	Name() string
	Triggers() []models.HookTrigger
	Priority() int
	Fire(ctx context.Context, inv *Invocation) (models.HookResult, error)
}

// LedgerView is the slice of the task ledger hooks read. Satisfied by
// ledger.Manager.
type LedgerView interface {
	VerifyCompletion(strict bool) *models.VerificationResult
	IncompleteTasks(ids []string) []string
}

// Invocation is the read-only view a hook receives. Hooks influence
// execution only through their returned verdicts, never by mutating the
// invocation.
type Invocation struct {
	Session *models.SessionSnapshot
	Plan    *models.Plan
	Step    *models.Step

	// Outcome is the resolution result of the step's capability call. It is
	// populated, along with Step.Output, before after-phase triggers fire.
	Outcome *models.ResolutionResult

	// Ledger is the session's task ledger, nil when the session has none.
	Ledger LedgerView

	// Escalation carries the reason of the escalate verdict that routed the
	// invocation to the approval hook.
	Escalation string

	// DryRun mirrors the session's dry-run flag.
	DryRun bool
}

type registered struct {
	hook  Hook
	index int
}

// Chain holds the registered hooks and fires the subset a step requests.
type Chain struct {
	mu     sync.RWMutex
	hooks  map[string]registered
	next   int
	logger *slog.Logger
}

// NewChain creates an empty hook chain.
func NewChain() *Chain {
	return &Chain{
		hooks:  make(map[string]registered),
		logger: slog.Default().With("component", "hooks"),
	}
}

// Register adds a hook to the chain. Hook names are unique.
func (c *Chain) Register(h Hook) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := h.Name()
	if name == "" {
		return fmt.Errorf("hook name is required")
	}
	if _, ok := c.hooks[name]; ok {
		return fmt.Errorf("%w: hook %s", services.ErrAlreadyExists, name)
	}
	c.hooks[name] = registered{hook: h, index: c.next}
	c.next++
	return nil
}

// Get returns the named hook.
func (c *Chain) Get(name string) (Hook, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reg, ok := c.hooks[name]
	if !ok {
		return nil, false
	}
	return reg.hook, true
}

// Names returns the registered hook names, sorted.
func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.hooks))
	for name := range c.hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select resolves the requested hook names to hooks responding to trigger,
// ordered by priority descending with registration order breaking ties.
// Duplicate and unknown names are skipped.
func (c *Chain) Select(names []string, trigger models.HookTrigger) []Hook {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var picked []registered
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		reg, ok := c.hooks[name]
		if !ok {
			c.logger.Debug("Requested hook is not registered", "hook", name)
			continue
		}
		if !respondsTo(reg.hook, trigger) {
			continue
		}
		picked = append(picked, reg)
	}

	sort.SliceStable(picked, func(i, j int) bool {
		if picked[i].hook.Priority() != picked[j].hook.Priority() {
			return picked[i].hook.Priority() > picked[j].hook.Priority()
		}
		return picked[i].index < picked[j].index
	})

	hooks := make([]Hook, len(picked))
	for i, reg := range picked {
		hooks[i] = reg.hook
	}
	return hooks
}

// Fire runs the selected hooks serially and returns the first decisive
// verdict, where decisive is anything but continue. A hook error is logged
// and treated as continue so a broken gate cannot wedge a step; gates that
// must block on their own failure return terminate themselves.
func (c *Chain) Fire(ctx context.Context, names []string, trigger models.HookTrigger, inv *Invocation) models.HookResult {
	for _, h := range c.Select(names, trigger) {
		result, err := h.Fire(ctx, inv)
		if err != nil {
			c.logger.Warn("Hook failed, treating as continue",
				"hook", h.Name(),
				"trigger", trigger,
				"error", err)
			continue
		}
		if result.Action != models.HookActionContinue {
			return result
		}
	}
	return models.ContinueResult("")
}

// FireAll runs every selected hook regardless of verdicts and collects the
// results. Hooks in the after phase observe and annotate; none of them can
// prevent the others from running. Errors are logged and their results
// dropped.
func (c *Chain) FireAll(ctx context.Context, names []string, trigger models.HookTrigger, inv *Invocation) []models.HookResult {
	var results []models.HookResult
	for _, h := range c.Select(names, trigger) {
		result, err := h.Fire(ctx, inv)
		if err != nil {
			c.logger.Warn("Hook failed",
				"hook", h.Name(),
				"trigger", trigger,
				"error", err)
			continue
		}
		results = append(results, result)
	}
	return results
}

func respondsTo(h Hook, trigger models.HookTrigger) bool {
	for _, t := range h.Triggers() {
		if t == trigger {
			return true
		}
	}
	return false
}

func terminate(reason string) models.HookResult {
	return models.HookResult{Action: models.HookActionTerminate, Reason: reason, Confidence: 1.0}
}

func escalate(reason string) models.HookResult {
	return models.HookResult{Action: models.HookActionEscalate, Reason: reason, Confidence: 1.0}
}

func skipStep(reason string) models.HookResult {
	return models.HookResult{Action: models.HookActionSkip, Reason: reason, Confidence: 1.0}
}

func retryStep(reason string, data map[string]any) models.HookResult {
	return models.HookResult{Action: models.HookActionRetry, Reason: reason, Confidence: 1.0, Data: data}
}
