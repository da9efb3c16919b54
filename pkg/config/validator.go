package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	// Validate in order: capabilities → MCP servers → providers → rules →
	// schedules → error patterns. Dependencies are validated before dependents.

	if err := v.validateCapabilities(); err != nil {
		return fmt.Errorf("capability validation failed: %w", err)
	}

	if err := v.validateMCPServers(); err != nil {
		return fmt.Errorf("MCP server validation failed: %w", err)
	}

	if err := v.validateProviders(); err != nil {
		return fmt.Errorf("provider validation failed: %w", err)
	}

	if err := v.validateRules(); err != nil {
		return fmt.Errorf("routing rule validation failed: %w", err)
	}

	if err := v.validateSchedules(); err != nil {
		return fmt.Errorf("schedule validation failed: %w", err)
	}

	if err := v.validateErrorPatterns(); err != nil {
		return fmt.Errorf("error pattern validation failed: %w", err)
	}

	if err := v.validateDefaults(); err != nil {
		return fmt.Errorf("defaults validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateCapabilities() error {
	for name, cap := range v.cfg.CapabilityRegistry.GetAll() {
		if !cap.Kind.IsValid() {
			return NewValidationError("capability", name, "kind", fmt.Errorf("invalid kind: %s", cap.Kind))
		}

		if cap.Priority < 0 || cap.Priority > 10 {
			return NewValidationError("capability", name, "priority", fmt.Errorf("must be between 0 and 10"))
		}

		for i, hookName := range cap.BeforeHooks {
			if hookName == "" {
				return NewValidationError("capability", name, fmt.Sprintf("before_hooks[%d]", i), fmt.Errorf("hook name required"))
			}
		}
		for i, hookName := range cap.AfterHooks {
			if hookName == "" {
				return NewValidationError("capability", name, fmt.Sprintf("after_hooks[%d]", i), fmt.Errorf("hook name required"))
			}
		}
	}

	return nil
}

func (v *ConfigValidator) validateMCPServers() error {
	for serverID, server := range v.cfg.MCPServerRegistry.GetAll() {
		// Validate transport type
		if !server.Transport.Type.IsValid() {
			return NewValidationError("mcp_server", serverID, "transport.type", fmt.Errorf("invalid transport type: %s", server.Transport.Type))
		}

		// Validate transport-specific fields
		switch server.Transport.Type {
		case TransportTypeStdio:
			if server.Transport.Command == "" {
				return NewValidationError("mcp_server", serverID, "transport.command", fmt.Errorf("command required for stdio transport"))
			}

		case TransportTypeHTTP, TransportTypeSSE:
			if server.Transport.URL == "" {
				return NewValidationError("mcp_server", serverID, "transport.url", fmt.Errorf("url required for %s transport", server.Transport.Type))
			}
		}

		if server.DataMasking != nil && server.DataMasking.Enabled {
			if err := v.validateMaskingConfig(serverID, server.DataMasking); err != nil {
				return err
			}
		}
	}

	return nil
}

// validateMaskingConfig checks that a server's masking config references
// patterns that exist and that custom patterns compile. Catching a bad
// regex here beats silently skipping it when the first tool result arrives.
func (v *ConfigValidator) validateMaskingConfig(serverID string, masking *MaskingConfig) error {
	builtin := GetBuiltinConfig()

	for _, groupName := range masking.PatternGroups {
		if _, exists := builtin.PatternGroups[groupName]; !exists {
			return NewValidationError("mcp_server", serverID, "data_masking.pattern_groups", fmt.Errorf("pattern group '%s' not found", groupName))
		}
	}

	for _, patternName := range masking.Patterns {
		if _, exists := builtin.MaskingPatterns[patternName]; !exists {
			return NewValidationError("mcp_server", serverID, "data_masking.patterns", fmt.Errorf("pattern '%s' not found", patternName))
		}
	}

	for i, pattern := range masking.CustomPatterns {
		if pattern.Pattern == "" {
			return NewValidationError("mcp_server", serverID, fmt.Sprintf("data_masking.custom_patterns[%d].pattern", i), fmt.Errorf("pattern required"))
		}
		if pattern.Replacement == "" {
			return NewValidationError("mcp_server", serverID, fmt.Sprintf("data_masking.custom_patterns[%d].replacement", i), fmt.Errorf("replacement required"))
		}
		if _, err := regexp.Compile(pattern.Pattern); err != nil {
			return NewValidationError("mcp_server", serverID, fmt.Sprintf("data_masking.custom_patterns[%d].pattern", i), fmt.Errorf("invalid regex: %v", err))
		}
	}

	return nil
}

func (v *ConfigValidator) validateProviders() error {
	for _, p := range v.cfg.ProviderRegistry.GetAll() {
		if p.ID == "" {
			return NewValidationError("provider", "(unnamed)", "id", fmt.Errorf("id required"))
		}

		if p.Capability == "" {
			return NewValidationError("provider", p.ID, "capability", fmt.Errorf("capability required"))
		}
		if !v.cfg.CapabilityRegistry.Has(p.Capability) {
			return NewValidationError("provider", p.ID, "capability", fmt.Errorf("capability '%s' not found", p.Capability))
		}

		if !p.Method.IsValid() {
			return NewValidationError("provider", p.ID, "method", fmt.Errorf("invalid method: %s", p.Method))
		}

		if p.Priority < 0 || p.Priority > 10 {
			return NewValidationError("provider", p.ID, "priority", fmt.Errorf("must be between 0 and 10"))
		}

		// Validate method-specific fields
		switch p.Method {
		case models.ExecutionMethodManagedProvider:
			if p.Server == "" {
				return NewValidationError("provider", p.ID, "server", fmt.Errorf("server required for managed-provider method"))
			}
			if !v.cfg.MCPServerRegistry.Has(p.Server) {
				return NewValidationError("provider", p.ID, "server", fmt.Errorf("MCP server '%s' not found", p.Server))
			}
			if p.Tool == "" {
				return NewValidationError("provider", p.ID, "tool", fmt.Errorf("tool required for managed-provider method"))
			}

		case models.ExecutionMethodDirectHTTP:
			if p.Endpoint == "" {
				return NewValidationError("provider", p.ID, "endpoint", fmt.Errorf("endpoint required for direct-http method"))
			}

		case models.ExecutionMethodLocalSkill:
			// Local skills are resolved against the in-process skill set at
			// call time; nothing to check here.

		case models.ExecutionMethodLLMCLI:
			if p.Command == "" {
				return NewValidationError("provider", p.ID, "command", fmt.Errorf("command required for llm-cli method"))
			}
		}
	}

	return nil
}

func (v *ConfigValidator) validateRules() error {
	for _, rule := range v.cfg.RuleRegistry.GetAll() {
		if rule.Name == "" {
			return NewValidationError("routing_rule", "(unnamed)", "name", fmt.Errorf("name required"))
		}

		// Patterns that fail to compile as regex are legal: the router falls
		// back to keyword matching for them.
		if rule.Pattern == "" {
			return NewValidationError("routing_rule", rule.Name, "pattern", fmt.Errorf("pattern required"))
		}

		if rule.Category == "" {
			return NewValidationError("routing_rule", rule.Name, "category", fmt.Errorf("category required"))
		}

		if rule.PrimaryCapability == "" {
			return NewValidationError("routing_rule", rule.Name, "primary_capability", fmt.Errorf("primary_capability required"))
		}
		if !v.cfg.CapabilityRegistry.Has(rule.PrimaryCapability) {
			return NewValidationError("routing_rule", rule.Name, "primary_capability", fmt.Errorf("capability '%s' not found", rule.PrimaryCapability))
		}

		for _, fallback := range rule.FallbackCapabilities {
			if !v.cfg.CapabilityRegistry.Has(fallback) {
				return NewValidationError("routing_rule", rule.Name, "fallback_capabilities", fmt.Errorf("capability '%s' not found", fallback))
			}
		}

		if rule.MaxIterations != nil && *rule.MaxIterations < 0 {
			return NewValidationError("routing_rule", rule.Name, "max_iterations", fmt.Errorf("must not be negative"))
		}
	}

	return nil
}

func (v *ConfigValidator) validateSchedules() error {
	seen := make(map[string]bool, len(v.cfg.Schedules))
	for _, task := range v.cfg.Schedules {
		if task.Name == "" {
			return NewValidationError("schedule", "(unnamed)", "name", fmt.Errorf("name required"))
		}
		if seen[task.Name] {
			return NewValidationError("schedule", task.Name, "name", fmt.Errorf("duplicate schedule name"))
		}
		seen[task.Name] = true

		if !task.Kind.IsValid() {
			return NewValidationError("schedule", task.Name, "kind", fmt.Errorf("invalid kind: %s", task.Kind))
		}

		if task.Capability == "" && task.Remote == nil {
			return NewValidationError("schedule", task.Name, "capability", fmt.Errorf("capability or remote target required"))
		}
		if task.Remote != nil {
			if !task.Remote.Kind.IsValid() {
				return NewValidationError("schedule", task.Name, "remote.kind", fmt.Errorf("must be mcp or workflow, got %q", task.Remote.Kind))
			}
			if task.Remote.Name == "" {
				return NewValidationError("schedule", task.Name, "remote.name", fmt.Errorf("name required"))
			}
		}

		if err := validateScheduleSpec(task.Kind, task.Spec); err != nil {
			return NewValidationError("schedule", task.Name, "spec", err)
		}
	}

	return nil
}

// validateScheduleSpec checks the spec string against its kind's grammar:
//
//	once     RFC3339 timestamp, or empty for "run at next tick"
//	interval positive integer seconds
//	daily    HH:MM (24h clock)
//	weekly   <weekday>@HH:MM, e.g. monday@09:00
//	cron     standard 5-field cron expression
func validateScheduleSpec(kind models.ScheduleKind, spec string) error {
	switch kind {
	case models.ScheduleOnce:
		if spec == "" {
			return nil
		}
		if _, err := time.Parse(time.RFC3339, spec); err != nil {
			return fmt.Errorf("once spec must be RFC3339 or empty: %v", err)
		}

	case models.ScheduleInterval:
		n, err := strconv.Atoi(spec)
		if err != nil || n <= 0 {
			return fmt.Errorf("interval spec must be a positive number of seconds, got %q", spec)
		}

	case models.ScheduleDaily:
		if _, err := time.Parse("15:04", spec); err != nil {
			return fmt.Errorf("daily spec must be HH:MM, got %q", spec)
		}

	case models.ScheduleWeekly:
		day, at, ok := strings.Cut(spec, "@")
		if !ok {
			return fmt.Errorf("weekly spec must be <weekday>@HH:MM, got %q", spec)
		}
		if _, err := parseWeekday(day); err != nil {
			return err
		}
		if _, err := time.Parse("15:04", at); err != nil {
			return fmt.Errorf("weekly spec time must be HH:MM, got %q", at)
		}

	case models.ScheduleCron:
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid cron spec %q: %v", spec, err)
		}
	}

	return nil
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseWeekday(s string) (time.Weekday, error) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
	return d, nil
}

func (v *ConfigValidator) validateErrorPatterns() error {
	for i := range v.cfg.ErrorPatterns {
		p := &v.cfg.ErrorPatterns[i]
		if p.Name == "" {
			return NewValidationError("error_pattern", "(unnamed)", "name", fmt.Errorf("name required"))
		}
		if err := p.Compile(); err != nil {
			return NewValidationError("error_pattern", p.Name, "pattern", err)
		}
	}

	return nil
}

func (v *ConfigValidator) validateDefaults() error {
	d := v.cfg.Defaults

	if d.MaxIterations != nil && *d.MaxIterations < 1 {
		return NewValidationError("defaults", "defaults", "max_iterations", fmt.Errorf("must be at least 1"))
	}
	if d.MaxTimeSeconds < 1 {
		return NewValidationError("defaults", "defaults", "max_time_seconds", fmt.Errorf("must be at least 1"))
	}
	if d.MaxBudget <= 0 {
		return NewValidationError("defaults", "defaults", "max_budget", fmt.Errorf("must be positive"))
	}
	if d.MinEvidenceChars < 1 {
		return NewValidationError("defaults", "defaults", "min_evidence_chars", fmt.Errorf("must be at least 1"))
	}
	if d.MaxRetries < 1 {
		return NewValidationError("defaults", "defaults", "max_retries", fmt.Errorf("must be at least 1"))
	}
	if d.EscalationBudgetRatio <= 0 || d.EscalationBudgetRatio > 1 {
		return NewValidationError("defaults", "defaults", "escalation_budget_ratio", fmt.Errorf("must be in (0, 1]"))
	}
	if d.DataDir == "" {
		return NewValidationError("defaults", "defaults", "data_dir", fmt.Errorf("data_dir required"))
	}
	if rm := d.ResponseMasking; rm != nil && rm.Enabled {
		if _, ok := GetBuiltinConfig().PatternGroups[rm.PatternGroup]; !ok {
			return NewValidationError("defaults", "defaults", "response_masking.pattern_group",
				fmt.Errorf("unknown pattern group %q", rm.PatternGroup))
		}
	}

	return nil
}
