package engine

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/resolver"
)

// invoke resolves and runs the step's capability. When the primary request
// fails the declared fallbacks are tried in order; the combined result keeps
// the full attempt log and error trail across all requests.
func (e *Engine) invoke(ctx context.Context, r *run, step *models.Step) models.ResolutionResult {
	callCtx := models.CallContext{
		TaskID:    r.req.Plan.TaskID,
		SessionID: r.session.ID,
		Iteration: r.iteration,
	}

	requests := append([]string{step.Capability}, step.Fallbacks...)
	var combined models.ResolutionResult
	for _, request := range requests {
		res := e.resolver.Execute(ctx, request, step.Inputs, callCtx)
		combined.Attempts += res.Attempts
		combined.AttemptLog = append(combined.AttemptLog, res.AttemptLog...)
		combined.Errors = append(combined.Errors, res.Errors...)
		combined.NeedsConfiguration = append(combined.NeedsConfiguration, res.NeedsConfiguration...)
		if combined.MissingCapability == "" {
			combined.MissingCapability = res.MissingCapability
		}
		if res.Success {
			combined.Success = true
			combined.Outcome = res.Outcome
			combined.ProviderID = res.ProviderID
			return combined
		}
		if res.Outcome != nil {
			combined.Outcome = res.Outcome
			combined.ProviderID = res.ProviderID
		}
		if request != step.Capability {
			e.logger.Info("Fallback capability failed",
				"session_id", r.session.ID,
				"step", step.Index,
				"capability", request)
		}
	}
	return combined
}

// applyOverrides consults the failure analyser and merges any returned input
// overrides into the step before the next iteration. An unavailable analyser
// yields no overrides and the retry proceeds with unchanged inputs.
func (e *Engine) applyOverrides(ctx context.Context, r *run, step *models.Step, errText string) {
	params := map[string]any{
		"step":       step.Description,
		"capability": step.Capability,
		"error":      errText,
		"inputs":     step.Inputs,
	}
	res := e.resolver.Execute(ctx, resolver.AnalyserProviderID, params, models.CallContext{
		SessionID: r.session.ID,
		Iteration: r.iteration,
	})
	if !res.Success || res.Outcome == nil {
		return
	}
	overrides, ok := res.Outcome.Data["overrides"].(map[string]any)
	if !ok || len(overrides) == 0 {
		return
	}
	if step.Inputs == nil {
		step.Inputs = make(map[string]any, len(overrides))
	}
	for key, value := range overrides {
		existing, present := step.Inputs[key]
		// An override that changes a key's type is discarded; the analyser
		// only gets to re-bind values, not reshape the input schema.
		if present && existing != nil && value != nil &&
			reflect.TypeOf(existing) != reflect.TypeOf(value) {
			e.logger.Debug("Discarding mismatched override",
				"session_id", r.session.ID,
				"step", step.Index,
				"key", key)
			continue
		}
		step.Inputs[key] = value
	}
}

// outcomeOutput extracts the human-readable output of an invocation. The
// conventional keys are tried first; anything else is serialised whole.
func outcomeOutput(outcome *models.Outcome) string {
	if outcome == nil || len(outcome.Data) == 0 {
		return ""
	}
	if out, ok := outcome.Data["output"].(string); ok {
		return out
	}
	if out, ok := outcome.Data["result"].(string); ok {
		return out
	}
	raw, err := json.Marshal(outcome.Data)
	if err != nil {
		return ""
	}
	return string(raw)
}

// resolutionError flattens a failed resolution into one line for error
// records and logs.
func resolutionError(res models.ResolutionResult) string {
	if res.Success {
		return ""
	}
	if res.Outcome != nil && res.Outcome.Error != "" {
		return res.Outcome.Error
	}
	if len(res.Errors) > 0 {
		return strings.Join(res.Errors, "; ")
	}
	if res.MissingCapability != "" {
		return "no provider for " + res.MissingCapability
	}
	return "invocation failed"
}
