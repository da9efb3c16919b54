package hooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/config"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

func preStepDefaults() *config.Defaults {
	return &config.Defaults{InvocationCost: 0.05}
}

func TestPermissionPolicy_Permits(t *testing.T) {
	tests := []struct {
		name       string
		policy     PermissionPolicy
		capability string
		want       bool
	}{
		{
			name:       "empty policy permits everything",
			capability: "run-command",
			want:       true,
		},
		{
			name:       "denied list blocks",
			policy:     PermissionPolicy{Denied: []string{"run-command"}},
			capability: "run-command",
			want:       false,
		},
		{
			name:       "allowed list restricts",
			policy:     PermissionPolicy{Allowed: []string{"web-search"}},
			capability: "db-inspect",
			want:       false,
		},
		{
			name:       "allowed list admits its members",
			policy:     PermissionPolicy{Allowed: []string{"web-search"}},
			capability: "web-search",
			want:       true,
		},
		{
			name:       "denied wins over allowed",
			policy:     PermissionPolicy{Allowed: []string{"run-command"}, Denied: []string{"run-command"}},
			capability: "run-command",
			want:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Permits(tt.capability))
		})
	}
}

func TestPreStepHook_DryRunSkips(t *testing.T) {
	hook := NewPreStepHook(preStepDefaults(), PermissionPolicy{}, 0, 0)
	inv := &Invocation{
		Session: healthySnapshot(),
		Step:    &models.Step{Index: 1, Capability: "web-search"},
		DryRun:  true,
	}

	result, err := hook.Fire(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, models.HookActionSkip, result.Action)
	assert.Equal(t, ReasonDryRun, result.Reason)
}

func TestPreStepHook_PermissionDeniedTerminates(t *testing.T) {
	hook := NewPreStepHook(preStepDefaults(), PermissionPolicy{Denied: []string{"run-command"}}, 0, 0)
	inv := &Invocation{
		Session: healthySnapshot(),
		Step:    &models.Step{Index: 1, Capability: "run-command"},
	}

	result, err := hook.Fire(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, models.HookActionTerminate, result.Action)
	assert.Equal(t, PermissionDeniedPrefix+"run-command", result.Reason)
}

func TestPreStepHook_BudgetPreCheck(t *testing.T) {
	t.Run("estimated cost above remaining escalates", func(t *testing.T) {
		hook := NewPreStepHook(preStepDefaults(), PermissionPolicy{}, 0, 0)
		snap := healthySnapshot()
		snap.BudgetSpent = 9.99 // remaining 0.01, next call costs 0.05

		result, err := hook.Fire(context.Background(), &Invocation{
			Session: snap,
			Step:    &models.Step{Index: 1, Capability: "web-search"},
		})
		require.NoError(t, err)

		assert.Equal(t, models.HookActionEscalate, result.Action)
		assert.Equal(t, ReasonInsufficientBudget, result.Reason)
		assert.Equal(t, 0.05, result.Data["estimated_cost"])
		assert.InDelta(t, 0.01, result.Data["remaining"].(float64), 1e-9)
	})

	t.Run("ample budget continues", func(t *testing.T) {
		hook := NewPreStepHook(preStepDefaults(), PermissionPolicy{}, 0, 0)

		result, err := hook.Fire(context.Background(), &Invocation{
			Session: healthySnapshot(),
			Step:    &models.Step{Index: 1, Capability: "web-search"},
		})
		require.NoError(t, err)
		assert.Equal(t, models.HookActionContinue, result.Action)
	})

	t.Run("no budget limit skips the check", func(t *testing.T) {
		hook := NewPreStepHook(preStepDefaults(), PermissionPolicy{}, 0, 0)
		snap := healthySnapshot()
		snap.BudgetLimit = 0

		result, err := hook.Fire(context.Background(), &Invocation{
			Session: snap,
			Step:    &models.Step{Index: 1, Capability: "web-search"},
		})
		require.NoError(t, err)
		assert.Equal(t, models.HookActionContinue, result.Action)
	})
}

func TestPreStepHook_RateLimit(t *testing.T) {
	hook := NewPreStepHook(preStepDefaults(), PermissionPolicy{}, 2, time.Minute)
	current := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	hook.now = func() time.Time { return current }

	inv := &Invocation{
		Session: healthySnapshot(),
		Step:    &models.Step{Index: 1, Capability: "web-search"},
	}

	for i := 0; i < 2; i++ {
		result, err := hook.Fire(context.Background(), inv)
		require.NoError(t, err)
		require.Equal(t, models.HookActionContinue, result.Action)
	}

	result, err := hook.Fire(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, models.HookActionRetry, result.Action)
	assert.Equal(t, ReasonRateLimited, result.Reason)
	assert.Equal(t, 60, result.Data["wait_seconds"])

	// A fresh window admits calls again.
	current = current.Add(61 * time.Second)
	result, err = hook.Fire(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, models.HookActionContinue, result.Action)
}

func TestPreStepHook_RateLimitKeyedPerCapability(t *testing.T) {
	hook := NewPreStepHook(preStepDefaults(), PermissionPolicy{}, 1, time.Minute)
	current := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	hook.now = func() time.Time { return current }

	search := &Invocation{
		Session: healthySnapshot(),
		Step:    &models.Step{Index: 1, Capability: "web-search"},
	}
	db := &Invocation{
		Session: healthySnapshot(),
		Step:    &models.Step{Index: 2, Capability: "db-inspect"},
	}

	result, err := hook.Fire(context.Background(), search)
	require.NoError(t, err)
	require.Equal(t, models.HookActionContinue, result.Action)

	result, err = hook.Fire(context.Background(), search)
	require.NoError(t, err)
	assert.Equal(t, models.HookActionRetry, result.Action)

	result, err = hook.Fire(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, models.HookActionContinue, result.Action,
		"a different capability must not share the window")
}

func TestPreStepHook_NilStepContinues(t *testing.T) {
	hook := NewPreStepHook(preStepDefaults(), PermissionPolicy{}, 0, 0)

	result, err := hook.Fire(context.Background(), &Invocation{Session: healthySnapshot()})
	require.NoError(t, err)
	assert.Equal(t, models.HookActionContinue, result.Action)
}
