package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// Reasons the post-step hook attaches to its verdicts.
const (
	ReasonNoOutput = "step_produced_no_output"

	// ArtifactMissingPrefix prefixes the missing path in retry reasons,
	// e.g. "artifact_missing: /tmp/report.json".
	ArtifactMissingPrefix = "artifact_missing: "
)

// stepTraceTTLSeconds bounds how long post-step memory traces live.
const stepTraceTTLSeconds = 86400

// MemoryWriter is the slice of the memory store the post-step hook writes.
// Satisfied by services.MemoryService.
type MemoryWriter interface {
	Set(ctx context.Context, category models.MemoryCategory, key string, value any, ttlSeconds int) error
}

// PostStepHook validates a step's outcome after its capability ran: declared
// artifacts must exist on disk, a step without its own test criteria must at
// least have produced output, and a trace of the step lands in operational
// memory.
type PostStepHook struct {
	memory MemoryWriter
	logger *slog.Logger
}

// NewPostStepHook builds the post-step gate. memory may be nil to disable
// trace writes.
func NewPostStepHook(memory MemoryWriter) *PostStepHook {
	return &PostStepHook{
		memory: memory,
		logger: slog.Default().With("component", "post_step_hook"),
	}
}

func (h *PostStepHook) Name() string { return PostStepHookName }

func (h *PostStepHook) Triggers() []models.HookTrigger {
	return []models.HookTrigger{models.HookTriggerAfter}
}

func (h *PostStepHook) Priority() int { return 50 }

func (h *PostStepHook) Fire(ctx context.Context, inv *Invocation) (models.HookResult, error) {
	step := inv.Step
	if step == nil {
		return models.ContinueResult(""), nil
	}

	for _, path := range step.Artifacts {
		if _, err := os.Stat(path); err != nil {
			h.logger.Warn("Declared artifact missing",
				"step", step.Index,
				"path", path,
				"error", err)
			return retryStep(ArtifactMissingPrefix+path, map[string]any{
				"path": path,
			}), nil
		}
	}

	// A step that declared no test criteria of its own still has to show
	// something for the invocation.
	if len(step.TestCriteria) == 0 && succeeded(inv.Outcome) && step.Output == "" {
		return retryStep(ReasonNoOutput, nil), nil
	}

	h.recordTrace(ctx, inv)
	return models.ContinueResult(""), nil
}

func (h *PostStepHook) recordTrace(ctx context.Context, inv *Invocation) {
	if h.memory == nil {
		return
	}
	sessionID := ""
	if inv.Session != nil {
		sessionID = inv.Session.SessionID
	}
	step := inv.Step
	key := fmt.Sprintf("step:%s:%d", sessionID, step.Index)
	trace := map[string]any{
		"capability": step.Capability,
		"status":     string(step.Status),
		"iterations": step.Iterations,
		"output_len": len(step.Output),
	}
	if inv.Outcome != nil {
		trace["provider_id"] = inv.Outcome.ProviderID
		trace["attempts"] = inv.Outcome.Attempts
	}
	if err := h.memory.Set(ctx, models.MemoryCategoryOperational, key, trace, stepTraceTTLSeconds); err != nil {
		h.logger.Warn("Memory trace write failed", "key", key, "error", err)
	}
}

func succeeded(outcome *models.ResolutionResult) bool {
	return outcome != nil && outcome.Success
}
