package models

import "time"

// Complexity buckets an intent by how much scaffolding its plan needs.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// IsValid checks if the complexity bucket is a known value.
func (c Complexity) IsValid() bool {
	switch c {
	case ComplexitySimple, ComplexityMedium, ComplexityComplex:
		return true
	}
	return false
}

// CapabilityKind tags how a capability executes.
type CapabilityKind string

const (
	CapabilityKindAgent   CapabilityKind = "agent"
	CapabilityKindSkill   CapabilityKind = "skill"
	CapabilityKindHook    CapabilityKind = "hook"
	CapabilityKindMCP     CapabilityKind = "mcp"
	CapabilityKindCommand CapabilityKind = "command"
)

// IsValid checks if the capability kind is a known value.
func (k CapabilityKind) IsValid() bool {
	switch k {
	case CapabilityKindAgent, CapabilityKindSkill, CapabilityKindHook,
		CapabilityKindMCP, CapabilityKindCommand:
		return true
	}
	return false
}

// StepStatus represents the runtime state of a plan step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in-progress"
	StepStatusTesting    StepStatus = "testing"
	StepStatusRetrying   StepStatus = "retrying"
	StepStatusDone       StepStatus = "done"
	StepStatusBlocked    StepStatus = "blocked"
)

// IsValid checks if the step status is a known value.
func (s StepStatus) IsValid() bool {
	switch s {
	case StepStatusPending, StepStatusInProgress, StepStatusTesting,
		StepStatusRetrying, StepStatusDone, StepStatusBlocked:
		return true
	}
	return false
}

// Step is one unit of work in a plan, bound to exactly one capability
// invocation per iteration. Each step owns its retry counter; siblings never
// share retry budget.
type Step struct {
	Index       int            `json:"index"`
	Description string         `json:"description"`
	Capability  string         `json:"capability"`
	Kind        CapabilityKind `json:"kind"`

	// Fallbacks are capability names tried in order when the primary
	// capability's resolution fails outright.
	Fallbacks []string `json:"fallbacks,omitempty"`

	BeforeHooks []string `json:"before_hooks,omitempty"`
	AfterHooks  []string `json:"after_hooks,omitempty"`

	Inputs       map[string]any `json:"inputs,omitempty"`
	TestCriteria []string       `json:"test_criteria,omitempty"`

	// Artifacts are file paths the step promises to produce. The post-step
	// hook verifies they exist before the step may pass.
	Artifacts []string `json:"artifacts,omitempty"`

	// MaxIterations overrides the session-wide iteration budget for this
	// step. Nil inherits the session limit; an explicit zero blocks the step
	// without invocation.
	MaxIterations *int `json:"max_iterations,omitempty"`

	Status     StepStatus `json:"status"`
	Iterations int        `json:"iterations"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Plan is an ordered sequence of steps plus metadata. Immutable once sealed:
// the engine may re-bind per-step inputs during retry but never reorders or
// removes steps.
type Plan struct {
	TaskID     string     `json:"task_id"`
	Goal       string     `json:"goal"`
	Category   string     `json:"category"`
	Complexity Complexity `json:"complexity"`

	ClarifyingQuestions []string `json:"clarifying_questions,omitempty"`

	Steps     []*Step   `json:"steps"`
	Sealed    bool      `json:"sealed"`
	CreatedAt time.Time `json:"created_at"`
}

// Renumber rewrites step indices to 1..N, dense and monotonically
// increasing. Called after any insertion during plan construction.
func (p *Plan) Renumber() {
	for i, step := range p.Steps {
		step.Index = i + 1
	}
}

// ErrorRecord captures one failed step iteration for the error history.
type ErrorRecord struct {
	Step          int    `json:"step"`
	Iteration     int    `json:"iteration"`
	ErrorSummary  string `json:"error_summary"`
	OutputPreview string `json:"output_preview,omitempty"`
}

// TestReport summarises the most recent test-gate evaluation.
type TestReport struct {
	Passed  int      `json:"passed"`
	Failed  int      `json:"failed"`
	Details []string `json:"details,omitempty"`
}

// AllPassed reports whether at least one criterion ran and none failed.
func (r *TestReport) AllPassed() bool {
	return r != nil && r.Passed > 0 && r.Failed == 0
}

// StepResult is the per-step outcome included in the engine's final result.
type StepResult struct {
	Index      int        `json:"index"`
	Capability string     `json:"capability"`
	Status     StepStatus `json:"status"`
	Iterations int        `json:"iterations"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
}
