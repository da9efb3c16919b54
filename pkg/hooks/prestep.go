package hooks

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/config"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// Reasons the pre-step hook attaches to its verdicts.
const (
	ReasonDryRun             = "dry_run"
	ReasonInsufficientBudget = "insufficient_budget"
	ReasonRateLimited        = "rate_limited"

	// PermissionDeniedPrefix prefixes the denied capability name in
	// terminate reasons, e.g. "permission_denied: run-command".
	PermissionDeniedPrefix = "permission_denied: "
)

// defaultRateWindow is the fixed rate-limit window when none is configured.
const defaultRateWindow = time.Minute

// PermissionPolicy is the capability allow/deny list the pre-step hook
// enforces. An empty Allowed list permits every capability not named in
// Denied.
type PermissionPolicy struct {
	Allowed []string
	Denied  []string
}

// Permits reports whether the policy allows invoking the capability.
func (p PermissionPolicy) Permits(capability string) bool {
	for _, name := range p.Denied {
		if name == capability {
			return false
		}
	}
	if len(p.Allowed) == 0 {
		return true
	}
	for _, name := range p.Allowed {
		if name == capability {
			return true
		}
	}
	return false
}

type rateWindow struct {
	start time.Time
	count int
}

// PreStepHook gates a step before its capability is invoked: dry-run mode
// skips the step, a permission miss terminates it, an estimated cost above
// the remaining budget escalates, and a rate-limit hit asks for a delayed
// retry.
type PreStepHook struct {
	defaults *config.Defaults
	policy   PermissionPolicy

	// limit is the invocation budget per (session, capability) inside one
	// window. Zero disables rate limiting.
	limit  int
	window time.Duration

	logger *slog.Logger

	mu      sync.Mutex
	windows map[string]*rateWindow
	now     func() time.Time
}

// NewPreStepHook builds the pre-step gate. A non-positive window falls back
// to one minute.
func NewPreStepHook(defaults *config.Defaults, policy PermissionPolicy, limit int, window time.Duration) *PreStepHook {
	if window <= 0 {
		window = defaultRateWindow
	}
	return &PreStepHook{
		defaults: defaults,
		policy:   policy,
		limit:    limit,
		window:   window,
		logger:   slog.Default().With("component", "pre_step_hook"),
		windows:  make(map[string]*rateWindow),
		now:      time.Now,
	}
}

func (h *PreStepHook) Name() string { return PreStepHookName }

func (h *PreStepHook) Triggers() []models.HookTrigger {
	return []models.HookTrigger{models.HookTriggerBefore}
}

func (h *PreStepHook) Priority() int { return 50 }

func (h *PreStepHook) Fire(ctx context.Context, inv *Invocation) (models.HookResult, error) {
	if inv.DryRun {
		return skipStep(ReasonDryRun), nil
	}
	step := inv.Step
	if step == nil {
		return models.ContinueResult(""), nil
	}

	if !h.policy.Permits(step.Capability) {
		h.logger.Warn("Capability denied by permission policy", "capability", step.Capability)
		return terminate(PermissionDeniedPrefix + step.Capability), nil
	}

	if snap := inv.Session; snap != nil && snap.BudgetLimit > 0 {
		remaining := snap.BudgetLimit - snap.BudgetSpent
		if h.defaults.InvocationCost > remaining {
			result := escalate(ReasonInsufficientBudget)
			result.Data = map[string]any{
				"estimated_cost": h.defaults.InvocationCost,
				"remaining":      remaining,
			}
			return result, nil
		}
	}

	sessionID := ""
	if inv.Session != nil {
		sessionID = inv.Session.SessionID
	}
	if wait, limited := h.rateLimited(sessionID, step.Capability); limited {
		return retryStep(ReasonRateLimited, map[string]any{
			"wait_seconds": wait,
		}), nil
	}

	return models.ContinueResult(""), nil
}

// rateLimited counts the invocation against the (session, capability) fixed
// window and reports the seconds to wait when the window is full.
func (h *PreStepHook) rateLimited(sessionID, capability string) (int, bool) {
	if h.limit <= 0 {
		return 0, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	key := sessionID + "|" + capability
	now := h.now()
	w := h.windows[key]
	if w == nil || now.Sub(w.start) >= h.window {
		h.windows[key] = &rateWindow{start: now, count: 1}
		return 0, false
	}
	if w.count < h.limit {
		w.count++
		return 0, false
	}

	wait := int(math.Ceil((h.window - now.Sub(w.start)).Seconds()))
	if wait < 1 {
		wait = 1
	}
	return wait, true
}
