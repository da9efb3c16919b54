package config

import "time"

// Defaults contains system-wide default configurations.
// These values apply when rules, capabilities, or steps don't specify their own.
type Defaults struct {
	// Session iteration budget (the stop hook's hard limit)
	MaxIterations *int `yaml:"max_iterations,omitempty" validate:"omitempty,min=1"`

	// Session wall-clock budget in seconds
	MaxTimeSeconds int `yaml:"max_time_seconds,omitempty" validate:"omitempty,min=1"`

	// Session cost budget
	MaxBudget float64 `yaml:"max_budget,omitempty" validate:"omitempty,min=0"`

	// Minimum evidence length required to complete a task
	MinEvidenceChars int `yaml:"min_evidence_chars,omitempty" validate:"omitempty,min=1"`

	// Known-error remediation retries per (session, pattern)
	MaxRetries int `yaml:"max_retries,omitempty" validate:"omitempty,min=1"`

	// Provider discovery cache lifetime in seconds
	DiscoveryTTLSeconds int `yaml:"discovery_ttl_seconds,omitempty"`

	// Per-invocation timeout in seconds for capability calls
	CapabilityTimeoutSeconds int `yaml:"capability_timeout_seconds,omitempty"`

	// Timeout in seconds for provider install commands
	InstallTimeoutSeconds int `yaml:"install_timeout_seconds,omitempty"`

	// Approval wait budget in seconds. Explicit zero rejects immediately.
	ApprovalTimeoutSeconds *int `yaml:"approval_timeout_seconds,omitempty"`

	// Approval response poll interval in seconds (floor 1)
	ApprovalPollSeconds int `yaml:"approval_poll_seconds,omitempty"`

	// Budget charged per invocation when the provider doesn't report cost
	InvocationCost float64 `yaml:"invocation_cost,omitempty"`

	// Budget fraction above which the stop hook escalates
	EscalationBudgetRatio float64 `yaml:"escalation_budget_ratio,omitempty"`

	// Strict completion verification counts blocked tasks as incomplete.
	// Nil means strict.
	StrictVerification *bool `yaml:"strict_verification,omitempty"`

	// AutoInstall permits the resolver to run registered install commands.
	// Off unless explicitly granted.
	AutoInstall bool `yaml:"auto_install,omitempty"`

	// Root directory for plans, ledgers, the audit log, and the database
	DataDir string `yaml:"data_dir,omitempty"`

	// Intent verbs that never get a synthesised testing step
	TestExemptIntents []string `yaml:"test_exempt_intents,omitempty"`

	// Bounded error-history and log-buffer sizes per session
	ErrorHistoryLimit int `yaml:"error_history_limit,omitempty"`
	LogBufferSize     int `yaml:"log_buffer_size,omitempty"`

	// ResponseMasking configures masking of sensitive data in session responses
	ResponseMasking *ResponseMaskingDefaults `yaml:"response_masking,omitempty"`
}

// ResponseMaskingDefaults configures default masking behavior for session
// responses and tool results.
type ResponseMaskingDefaults struct {
	Enabled      bool   `yaml:"enabled"`
	PatternGroup string `yaml:"pattern_group"`
}

// builtinDefaults returns the compiled-in default values.
func builtinDefaults() *Defaults {
	maxIter := 25
	approvalTimeout := 3600
	strict := true
	return &Defaults{
		MaxIterations:            &maxIter,
		MaxTimeSeconds:           3600,
		MaxBudget:                10.0,
		MinEvidenceChars:         10,
		MaxRetries:               3,
		DiscoveryTTLSeconds:      300,
		CapabilityTimeoutSeconds: 60,
		InstallTimeoutSeconds:    300,
		ApprovalTimeoutSeconds:   &approvalTimeout,
		ApprovalPollSeconds:      1,
		InvocationCost:           0.01,
		EscalationBudgetRatio:    0.8,
		StrictVerification:       &strict,
		AutoInstall:              false,
		DataDir:                  "data",
		TestExemptIntents: []string{
			"scrape", "search", "find", "extract", "fetch", "headlines", "news",
		},
		ErrorHistoryLimit: 10,
		LogBufferSize:     100,
	}
}

// MaxTime returns the session wall-clock budget as a duration.
func (d *Defaults) MaxTime() time.Duration {
	return time.Duration(d.MaxTimeSeconds) * time.Second
}

// DiscoveryTTL returns the provider discovery cache lifetime.
func (d *Defaults) DiscoveryTTL() time.Duration {
	return time.Duration(d.DiscoveryTTLSeconds) * time.Second
}

// CapabilityTimeout returns the per-invocation timeout.
func (d *Defaults) CapabilityTimeout() time.Duration {
	return time.Duration(d.CapabilityTimeoutSeconds) * time.Second
}

// InstallTimeout returns the install-command timeout.
func (d *Defaults) InstallTimeout() time.Duration {
	return time.Duration(d.InstallTimeoutSeconds) * time.Second
}

// ApprovalTimeout returns the approval wait budget. Explicit zero means
// reject immediately.
func (d *Defaults) ApprovalTimeout() time.Duration {
	if d.ApprovalTimeoutSeconds == nil {
		return 3600 * time.Second
	}
	return time.Duration(*d.ApprovalTimeoutSeconds) * time.Second
}

// ApprovalPoll returns the approval polling interval, floored at one second.
func (d *Defaults) ApprovalPoll() time.Duration {
	if d.ApprovalPollSeconds < 1 {
		return time.Second
	}
	return time.Duration(d.ApprovalPollSeconds) * time.Second
}

// Strict reports whether completion verification treats blocked tasks as
// incomplete.
func (d *Defaults) Strict() bool {
	return d.StrictVerification == nil || *d.StrictVerification
}

// SessionIterations returns the session iteration budget.
func (d *Defaults) SessionIterations() int {
	if d.MaxIterations == nil {
		return 25
	}
	return *d.MaxIterations
}

// TestExempt reports whether the intent verb is excluded from synthesised
// testing steps.
func (d *Defaults) TestExempt(verb string) bool {
	for _, v := range d.TestExemptIntents {
		if v == verb {
			return true
		}
	}
	return false
}

// IntPtr returns a pointer to v. Convenience for *int struct fields.
func IntPtr(v int) *int { return &v }

// BoolPtr returns a pointer to b. Convenience for *bool struct fields.
func BoolPtr(b bool) *bool { return &b }
