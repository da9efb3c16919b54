package models

import "time"

// Capability is a named unit of behaviour provided by an agent, skill, hook,
// managed provider, or shell command. Registered at startup; the runtime may
// add new capabilities but never removes them.
type Capability struct {
	Name         string         `json:"name" yaml:"name"`
	Kind         CapabilityKind `json:"kind" yaml:"kind"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	Triggers     []string       `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	BeforeHooks []string `json:"before_hooks,omitempty" yaml:"before_hooks,omitempty"`
	AfterHooks  []string `json:"after_hooks,omitempty" yaml:"after_hooks,omitempty"`

	RequiresWebSearch   bool `json:"requires_web_search,omitempty" yaml:"requires_web_search,omitempty"`
	RequiresDBCheck     bool `json:"requires_db_check,omitempty" yaml:"requires_db_check,omitempty"`
	RequiresCacheCheck  bool `json:"requires_cache_check,omitempty" yaml:"requires_cache_check,omitempty"`
	AutoTest            bool `json:"auto_test,omitempty" yaml:"auto_test,omitempty"`

	// Priority ranks providers of the same capability, 1 (lowest) to 10.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// RoutingRule maps an intent pattern to an execution skeleton. Rules match
// in registration order; first match wins.
type RoutingRule struct {
	Name     string `json:"name" yaml:"name"`
	// Pattern is a regex when it compiles as one, otherwise a
	// whitespace-separated keyword set matched against the lowered intent.
	Pattern  string `json:"pattern" yaml:"pattern"`
	Category string `json:"category" yaml:"category"`

	PrimaryCapability    string   `json:"primary_capability" yaml:"primary_capability"`
	FallbackCapabilities []string `json:"fallback_capabilities,omitempty" yaml:"fallback_capabilities,omitempty"`

	AlwaysSearchWeb bool     `json:"always_search_web,omitempty" yaml:"always_search_web,omitempty"`
	AlwaysCheckDB   bool     `json:"always_check_db,omitempty" yaml:"always_check_db,omitempty"`
	HooksToTrigger  []string `json:"hooks_to_trigger,omitempty" yaml:"hooks_to_trigger,omitempty"`

	RequiresPlanning bool `json:"requires_planning,omitempty" yaml:"requires_planning,omitempty"`
	RequiresTesting  bool `json:"requires_testing,omitempty" yaml:"requires_testing,omitempty"`

	// MaxIterations overrides the session iteration budget for intents this
	// rule matches. Nil means no override.
	MaxIterations *int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// RouteDecision is the router's execution skeleton for an intent.
type RouteDecision struct {
	Category             string   `json:"category"`
	PrimaryCapability    string   `json:"primary_capability"`
	FallbackCapabilities []string `json:"fallback_capabilities,omitempty"`
	BeforeHooks          []string `json:"before_hooks,omitempty"`
	AfterHooks           []string `json:"after_hooks,omitempty"`
	MaxIterations        *int     `json:"max_iterations,omitempty"`

	RequiresWebSearch bool `json:"requires_web_search"`
	RequiresDBCheck   bool `json:"requires_db_check"`
	RequiresCache     bool `json:"requires_cache"`
	RequiresPlanning  bool `json:"requires_planning"`
	RequiresTesting   bool `json:"requires_testing"`

	// Defaulted is true when no rule matched and the unknown-intent route
	// was applied.
	Defaulted bool `json:"defaulted,omitempty"`
}

// CapabilityGap reports whether an intent can be served by the registered
// capability set.
type CapabilityGap struct {
	Missing    bool   `json:"missing"`
	Category   string `json:"category"`
	Capability string `json:"capability,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ExecutionMethod tags how a resolved capability candidate executes.
type ExecutionMethod string

const (
	ExecutionMethodManagedProvider ExecutionMethod = "managed-provider"
	ExecutionMethodLocalSkill      ExecutionMethod = "local-skill"
	ExecutionMethodDirectHTTP      ExecutionMethod = "direct-http"
	ExecutionMethodLLMCLI          ExecutionMethod = "llm-cli"
)

// IsValid checks if the execution method is a known value.
func (m ExecutionMethod) IsValid() bool {
	switch m {
	case ExecutionMethodManagedProvider, ExecutionMethodLocalSkill,
		ExecutionMethodDirectHTTP, ExecutionMethodLLMCLI:
		return true
	}
	return false
}

// ResolvedCapability is a ranked concrete candidate for a requested action.
// Built on demand by the resolver; never persisted.
type ResolvedCapability struct {
	Name       string          `json:"name"`
	ProviderID string          `json:"provider_id,omitempty"`
	Method     ExecutionMethod `json:"method"`
	Priority   int             `json:"priority"`
	Config     map[string]any  `json:"config,omitempty"`
}

// CallContext identifies the work a provider invocation belongs to. Carried
// on every capability call.
type CallContext struct {
	MessageID string `json:"message_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Iteration int    `json:"iteration,omitempty"`
}

// Outcome is the result contract every capability provider returns.
// Failures are values here, not Go errors; Go errors are reserved for
// infrastructure problems.
type Outcome struct {
	Success        bool           `json:"success"`
	Data           map[string]any `json:"data,omitempty"`
	Error          string         `json:"error,omitempty"`
	NeedsAPIKey    bool           `json:"needs_api_key,omitempty"`
	NeedsSetup     bool           `json:"needs_setup,omitempty"`
	InstallCommand string         `json:"install_command,omitempty"`
	// Cost is the budget charge for this invocation when the provider
	// reports one; zero means the configured default applies.
	Cost float64 `json:"cost,omitempty"`
}

// ConfigGap records a provider-reported configuration problem discovered
// during resolution.
type ConfigGap struct {
	ProviderID     string `json:"provider_id"`
	NeedsAPIKey    bool   `json:"needs_api_key,omitempty"`
	NeedsSetup     bool   `json:"needs_setup,omitempty"`
	InstallCommand string `json:"install_command,omitempty"`
}

// CapabilityAttempt records one provider invocation during a resolver
// fall-through pass. The engine turns each into an audit event.
type CapabilityAttempt struct {
	ProviderID string          `json:"provider_id"`
	Method     ExecutionMethod `json:"method"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	// AfterInstall marks a retry that followed a successful auto-install.
	AfterInstall bool `json:"after_install,omitempty"`
}

// ResolutionResult aggregates a full resolver fall-through pass.
type ResolutionResult struct {
	Success            bool                `json:"success"`
	Outcome            *Outcome            `json:"outcome,omitempty"`
	ProviderID         string              `json:"provider_id,omitempty"`
	Attempts           int                 `json:"attempts"`
	AttemptLog         []CapabilityAttempt `json:"attempt_log,omitempty"`
	Errors             []string            `json:"errors,omitempty"`
	MissingCapability  string              `json:"missing_capability,omitempty"`
	NeedsConfiguration []ConfigGap         `json:"needs_configuration,omitempty"`
}

// TriggerResult is the remote-execution adapter's response contract.
type TriggerResult struct {
	Success    bool           `json:"success"`
	StatusCode int            `json:"status_code"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// RemoteKind selects the remote endpoint class for the adapter.
type RemoteKind string

const (
	RemoteKindMCP      RemoteKind = "mcp"
	RemoteKindWorkflow RemoteKind = "workflow"
)

// IsValid checks if the remote kind is a known value.
func (k RemoteKind) IsValid() bool {
	return k == RemoteKindMCP || k == RemoteKindWorkflow
}

// RemoteContext is injected into remote payloads under the _context key.
type RemoteContext struct {
	MessageID string    `json:"message_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
