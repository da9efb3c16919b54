package provider

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/database"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/ledger"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/services"
)

// ContextLoadSkill reads the memory store so plans can start from what the
// system already knows. With a key it returns one entry, without one it
// lists the category.
type ContextLoadSkill struct {
	memory *services.MemoryService
}

// NewContextLoadSkill creates the skill over the memory service.
func NewContextLoadSkill(memory *services.MemoryService) *ContextLoadSkill {
	return &ContextLoadSkill{memory: memory}
}

func (s *ContextLoadSkill) Execute(ctx context.Context, _ string, params map[string]any, callCtx models.CallContext) models.Outcome {
	if s.memory == nil {
		return fail("memory store not configured")
	}

	category := models.MemoryCategory(stringParam(params, "category"))
	if category == "" {
		category = models.MemoryCategorySession
	}
	if !category.IsValid() {
		return fail("unknown memory category %q", category)
	}

	if key := stringParam(params, "key"); key != "" {
		entry, err := s.memory.Get(ctx, category, key)
		if err != nil {
			if errors.Is(err, services.ErrNotFound) {
				return fail("no memory entry %s/%s", category, key)
			}
			return fail("failed to load memory: %v", err)
		}
		return models.Outcome{Success: true, Data: map[string]any{
			"category": string(category),
			"key":      key,
			"value":    entry.Value,
		}}
	}

	entries, err := s.memory.List(ctx, category)
	if err != nil {
		return fail("failed to list memory: %v", err)
	}

	values := make(map[string]any, len(entries))
	for _, entry := range entries {
		values[entry.Key] = entry.Value
	}
	return models.Outcome{Success: true, Data: map[string]any{
		"category":   string(category),
		"entries":    values,
		"count":      len(entries),
		"session_id": callCtx.SessionID,
	}}
}

// DBInspectSkill reports store health and connection statistics.
type DBInspectSkill struct {
	db *database.Client
}

// NewDBInspectSkill creates the skill over the database client.
func NewDBInspectSkill(db *database.Client) *DBInspectSkill {
	return &DBInspectSkill{db: db}
}

func (s *DBInspectSkill) Execute(ctx context.Context, _ string, _ map[string]any, _ models.CallContext) models.Outcome {
	if s.db == nil {
		return fail("database not configured")
	}

	health, err := s.db.Health(ctx)
	if err != nil {
		return fail("database unhealthy: %v", err)
	}
	return models.Outcome{Success: true, Data: map[string]any{
		"status":           health.Status,
		"response_time_ms": health.ResponseTime,
		"open_connections": health.OpenConnections,
		"in_use":           health.InUse,
		"idle":             health.Idle,
	}}
}

// TestingSkill re-evaluates collected test criteria against captured output.
// Used by steps whose verb requires an explicit test pass.
type TestingSkill struct{}

// NewTestingSkill creates the skill.
func NewTestingSkill() *TestingSkill {
	return &TestingSkill{}
}

func (s *TestingSkill) Execute(_ context.Context, _ string, params map[string]any, _ models.CallContext) models.Outcome {
	criteria := stringSliceParam(params, "criteria")
	output := stringParam(params, "output")

	report := EvaluateCriteria(criteria, output)
	data := map[string]any{
		"passed":     report.Passed,
		"failed":     report.Failed,
		"all_passed": report.AllPassed(),
	}
	if len(report.Details) > 0 {
		data["details"] = report.Details
	}

	if report.Failed > 0 {
		return models.Outcome{
			Success: false,
			Data:    data,
			Error:   strings.Join(report.Details, "; "),
		}
	}
	return models.Outcome{Success: true, Data: data}
}

// CompletionVerifySkill checks the session's task ledger. It fails while
// pending or blocked tasks remain, which keeps the engine iterating on the
// verify step until the ledger is genuinely done. Tasks in progress are the
// session's own active work, the verify step itself and the gating message
// task included, and do not count against completion; the stop hook stays
// strict about them.
type CompletionVerifySkill struct {
	ledgers *ledger.Factory
}

// NewCompletionVerifySkill creates the skill over the ledger factory.
func NewCompletionVerifySkill(ledgers *ledger.Factory) *CompletionVerifySkill {
	return &CompletionVerifySkill{ledgers: ledgers}
}

func (s *CompletionVerifySkill) Execute(_ context.Context, _ string, params map[string]any, callCtx models.CallContext) models.Outcome {
	if s.ledgers == nil {
		return fail("ledger store not configured")
	}
	if callCtx.SessionID == "" {
		return fail("completion verify requires a session")
	}

	manager, err := s.ledgers.Load(callCtx.SessionID)
	if err != nil {
		return fail("no ledger for session %s: %v", callCtx.SessionID, err)
	}

	strict := boolParam(params, "strict", true)
	result := &models.VerificationResult{AllComplete: true}
	for _, task := range manager.List() {
		switch task.State {
		case models.TaskStateCompleted, models.TaskStateInProgress:
		case models.TaskStateBlocked:
			result.BlockedIDs = append(result.BlockedIDs, task.ID)
			if strict {
				result.AllComplete = false
			}
		default:
			result.IncompleteIDs = append(result.IncompleteIDs, task.ID)
			result.AllComplete = false
		}
	}

	data := map[string]any{
		"all_complete":   result.AllComplete,
		"incomplete_ids": result.IncompleteIDs,
		"blocked_ids":    result.BlockedIDs,
	}
	if !result.AllComplete {
		return models.Outcome{
			Success: false,
			Data:    data,
			Error:   completionError(result),
		}
	}
	return models.Outcome{Success: true, Data: data}
}

func completionError(result *models.VerificationResult) string {
	var parts []string
	if len(result.IncompleteIDs) > 0 {
		parts = append(parts, "incomplete: "+strings.Join(result.IncompleteIDs, ", "))
	}
	if len(result.BlockedIDs) > 0 {
		parts = append(parts, "blocked: "+strings.Join(result.BlockedIDs, ", "))
	}
	return "tasks remaining (" + strings.Join(parts, "; ") + ")"
}

// waitSecondsPattern extracts a server-suggested wait from rate limit
// messages like "retry after 12 seconds".
var waitSecondsPattern = regexp.MustCompile(`(?i)retry[- ]after[:\s]+(\d+)`)

// FailureAnalyserSkill maps an error text onto input overrides for the next
// retry, returned under the "overrides" key the engine merges from. It knows
// two remediations; everything else returns no overrides and the engine
// retries with unchanged inputs.
type FailureAnalyserSkill struct{}

// NewFailureAnalyserSkill creates the skill.
func NewFailureAnalyserSkill() *FailureAnalyserSkill {
	return &FailureAnalyserSkill{}
}

func (s *FailureAnalyserSkill) Execute(_ context.Context, _ string, params map[string]any, _ models.CallContext) models.Outcome {
	errText := strings.ToLower(stringParam(params, "error"))

	switch {
	case strings.Contains(errText, "timeout") || strings.Contains(errText, "timed out"):
		return overrides(map[string]any{"timeout": 60})
	case strings.Contains(errText, "rate limit") ||
		strings.Contains(errText, "too many requests") ||
		strings.Contains(errText, "429"):
		wait := 30
		if m := waitSecondsPattern.FindStringSubmatch(errText); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				wait = n
			}
		}
		return overrides(map[string]any{"wait_seconds": wait})
	default:
		return models.Outcome{Success: true}
	}
}

func overrides(values map[string]any) models.Outcome {
	return models.Outcome{Success: true, Data: map[string]any{"overrides": values}}
}

// EchoSkill returns its inputs. Stands in for workflow executors in tests
// and dry runs.
type EchoSkill struct{}

// NewEchoSkill creates the skill.
func NewEchoSkill() *EchoSkill {
	return &EchoSkill{}
}

func (s *EchoSkill) Execute(_ context.Context, action string, params map[string]any, _ models.CallContext) models.Outcome {
	data := map[string]any{"action": action}
	for k, v := range params {
		data[k] = v
	}
	return models.Outcome{Success: true, Data: data}
}

// stringParam extracts a string parameter, empty when absent or mistyped.
func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

// stringSliceParam extracts a string list. JSON decoding produces []any, so
// both forms are accepted.
func stringSliceParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// boolParam extracts a bool parameter with a default.
func boolParam(params map[string]any, key string, fallback bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return fallback
}
