// Package resolver matches capability requests against the provider
// registry and walks the ranked candidates until one succeeds.
//
// Resolution happens in three phases: discovery (a TTL-cached scan of the
// registry), scoring (exact capability matches first, then execution-method
// rank, then configured priority), and execution (try candidates in order,
// collecting errors and configuration gaps from the ones that fail). When
// every candidate fails, the failure analyser is consulted best-effort for
// a hint about what capability is missing.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/config"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/provider"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/services"
)

// AnalyserProviderID names the provider consulted when every candidate
// fails. Registering one is optional; the consult is best-effort.
const AnalyserProviderID = "failure-analyser"

// ToolCacheInvalidator clears managed-provider tool caches when a discovery
// rescan happens. Satisfied by the mcp client.
type ToolCacheInvalidator interface {
	InvalidateAllToolCaches()
}

// Resolver selects and executes providers for capability requests.
type Resolver struct {
	registry    *provider.Registry
	defaults    *config.Defaults
	installer   Installer
	invalidator ToolCacheInvalidator
	warnings    *services.SystemWarningsService
	logger      *slog.Logger

	mu       sync.Mutex
	snapshot *Snapshot
}

// New creates a resolver over the given registry. installer, invalidator,
// and warnings may be nil; a nil installer disables auto-install regardless
// of configuration.
func New(
	registry *provider.Registry,
	defaults *config.Defaults,
	installer Installer,
	invalidator ToolCacheInvalidator,
	warnings *services.SystemWarningsService,
) *Resolver {
	return &Resolver{
		registry:    registry,
		defaults:    defaults,
		installer:   installer,
		invalidator: invalidator,
		warnings:    warnings,
		logger:      slog.Default().With("component", "resolver"),
	}
}

// Execute resolves the request and tries candidates in priority order until
// one succeeds. Failures never abort the walk: each appends its error and
// any reported configuration gap, then the next candidate runs. When a
// failed candidate reports setup is needed and auto-install is enabled, its
// install command runs and the provider is retried exactly once.
func (r *Resolver) Execute(ctx context.Context, request string, params map[string]any, callCtx models.CallContext) models.ResolutionResult {
	candidates := r.Resolve(request)

	var result models.ResolutionResult
	if len(candidates) == 0 {
		result.Errors = append(result.Errors, fmt.Sprintf("no provider matched request %q", request))
		result.MissingCapability = strings.TrimSpace(request)
		r.consultAnalyser(ctx, request, &result, callCtx)
		return result
	}

	installTried := make(map[string]bool)

	for _, cand := range candidates {
		reg, ok := r.registry.Get(cand.ProviderID)
		if !ok {
			continue
		}

		outcome := r.invoke(ctx, reg, request, params, callCtx, &result, false)
		if outcome.Success {
			result.Success = true
			result.ProviderID = reg.ID
			result.Outcome = &outcome
			return result
		}
		recordGap(&result, reg, outcome)

		if outcome.NeedsSetup && !installTried[reg.ID] && r.autoInstallEnabled() {
			command := installCommand(reg, outcome)
			if command == "" {
				continue
			}
			installTried[reg.ID] = true
			if err := r.install(ctx, reg.ID, command); err != nil {
				continue
			}
			retry := r.invoke(ctx, reg, request, params, callCtx, &result, true)
			if retry.Success {
				result.Success = true
				result.ProviderID = reg.ID
				result.Outcome = &retry
				return result
			}
			recordGap(&result, reg, retry)
		}
	}

	r.consultAnalyser(ctx, request, &result, callCtx)
	return result
}

// invoke runs one provider attempt under the capability timeout and records
// it in the result's attempt log.
func (r *Resolver) invoke(
	ctx context.Context,
	reg *provider.Registration,
	request string,
	params map[string]any,
	callCtx models.CallContext,
	result *models.ResolutionResult,
	afterInstall bool,
) models.Outcome {
	invokeCtx := ctx
	if timeout := r.defaults.CapabilityTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	outcome := reg.Provider.Execute(invokeCtx, request, params, callCtx)
	elapsed := time.Since(start)

	result.Attempts++
	attempt := models.CapabilityAttempt{
		ProviderID:   reg.ID,
		Method:       reg.Kind,
		Success:      outcome.Success,
		DurationMS:   elapsed.Milliseconds(),
		AfterInstall: afterInstall,
	}
	if !outcome.Success {
		errText := outcome.Error
		if errText == "" {
			errText = "provider failed without detail"
		}
		attempt.Error = errText
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", reg.ID, errText))
		r.logger.Debug("Provider attempt failed",
			"provider", reg.ID, "request", request, "error", errText)
	}
	result.AttemptLog = append(result.AttemptLog, attempt)
	return outcome
}

func (r *Resolver) autoInstallEnabled() bool {
	return r.installer != nil && r.defaults.AutoInstall
}

// install runs the provider's install command, marks it installed, and
// invalidates the discovery cache so the change is visible immediately.
func (r *Resolver) install(ctx context.Context, providerID, command string) error {
	r.logger.Info("Auto-installing provider", "provider", providerID, "command", command)

	if err := r.installer.Install(ctx, command); err != nil {
		r.logger.Warn("Provider auto-install failed", "provider", providerID, "error", err)
		if r.warnings != nil {
			r.warnings.AddWarning(services.WarningCategoryAutoInstall,
				fmt.Sprintf("Auto-install for provider %q failed", providerID),
				err.Error(), providerID)
		}
		return err
	}

	if err := r.registry.MarkInstalled(providerID); err != nil {
		return err
	}
	r.InvalidateDiscovery()
	if r.warnings != nil {
		r.warnings.ClearBySourceID(services.WarningCategoryAutoInstall, providerID)
	}
	r.logger.Info("Provider installed", "provider", providerID)
	return nil
}

// recordGap collects provider-reported configuration problems so the caller
// can surface them even after a later candidate succeeds.
func recordGap(result *models.ResolutionResult, reg *provider.Registration, outcome models.Outcome) {
	if !outcome.NeedsAPIKey && !outcome.NeedsSetup {
		return
	}
	result.NeedsConfiguration = append(result.NeedsConfiguration, models.ConfigGap{
		ProviderID:     reg.ID,
		NeedsAPIKey:    outcome.NeedsAPIKey,
		NeedsSetup:     outcome.NeedsSetup,
		InstallCommand: installCommand(reg, outcome),
	})
}

// installCommand prefers the registered install command over the one the
// provider reported at runtime.
func installCommand(reg *provider.Registration, outcome models.Outcome) string {
	if reg.InstallCommand != "" {
		return reg.InstallCommand
	}
	return outcome.InstallCommand
}

// consultAnalyser asks the failure analyser what capability is missing.
// Best-effort: no analyser registered, or an unhelpful answer, leaves the
// result unchanged.
func (r *Resolver) consultAnalyser(ctx context.Context, request string, result *models.ResolutionResult, callCtx models.CallContext) {
	reg, ok := r.registry.Get(AnalyserProviderID)
	if !ok {
		return
	}

	consultCtx := ctx
	if timeout := r.defaults.CapabilityTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		consultCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	outcome := reg.Provider.Execute(consultCtx, "analyse-missing-capability", map[string]any{
		"request": request,
		"error":   strings.Join(result.Errors, "; "),
	}, callCtx)
	if !outcome.Success {
		return
	}
	if missing, ok := outcome.Data["missing_capability"].(string); ok && missing != "" {
		result.MissingCapability = missing
	}
}
