package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// YAMLConfig represents the complete orchestrator.yaml file structure.
type YAMLConfig struct {
	Defaults     *Defaults                   `yaml:"defaults"`
	RoutingRules []*models.RoutingRule       `yaml:"routing_rules"`
	Capabilities map[string]*models.Capability `yaml:"capabilities"`
	Providers    []*ProviderConfig           `yaml:"providers"`
	MCPServers   map[string]*MCPServerConfig `yaml:"mcp_servers"`
	Hooks        *HooksConfig                `yaml:"hooks"`
	Remote       *RemoteConfig               `yaml:"remote"`
	Schedules    []*models.ScheduledTask     `yaml:"schedules"`
	Queue        *QueueConfig                `yaml:"queue"`
	Retention    *RetentionConfig            `yaml:"retention"`

	ErrorPatterns []ErrorPattern `yaml:"error_patterns"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read the YAML file (missing file means built-ins only)
//  2. Expand environment variables
//  3. Merge built-in + user-defined configuration
//  4. Apply environment overrides (MAX_ITERATIONS, MAX_TIME_SECONDS, MAX_BUDGET)
//  5. Build in-memory registries
//  6. Validate everything
func Initialize(ctx context.Context, path string) (*Config, error) {
	log := slog.With("config_path", path)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"routing_rules", stats.RoutingRules,
		"capabilities", stats.Capabilities,
		"providers", stats.Providers,
		"mcp_servers", stats.MCPServers,
		"schedules", stats.Schedules)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, path string) (*Config, error) {
	yamlCfg, err := loadYAMLFile(path)
	if err != nil {
		return nil, NewLoadError(path, err)
	}

	builtin := GetBuiltinConfig()

	// Merge built-in + user-defined components (user overrides built-in).
	capabilities := mergeCapabilities(builtin.Capabilities, yamlCfg.Capabilities)
	rules := mergeRules(builtin.RoutingRules, yamlCfg.RoutingRules)
	errorPatterns := mergeErrorPatterns(builtin.ErrorPatterns, yamlCfg.ErrorPatterns)

	// Resolve defaults (YAML overrides built-in per field).
	defaults := builtinDefaults()
	if yamlCfg.Defaults != nil {
		if err := mergo.Merge(defaults, yamlCfg.Defaults, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge defaults: %w", err)
		}
	}
	applyEnvOverrides(defaults)

	// Response masking is on unless the user turned it off explicitly.
	if defaults.ResponseMasking == nil {
		defaults.ResponseMasking = &ResponseMaskingDefaults{
			Enabled:      true,
			PatternGroup: "credentials",
		}
	}

	// Resolve queue config (merge user YAML with built-in defaults).
	queueConfig := DefaultQueueConfig()
	if yamlCfg.Queue != nil {
		if err := mergo.Merge(queueConfig, yamlCfg.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge queue config: %w", err)
		}
	}

	retention := DefaultRetentionConfig()
	if yamlCfg.Retention != nil {
		if err := mergo.Merge(retention, yamlCfg.Retention, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge retention config: %w", err)
		}
	}

	hooks := yamlCfg.Hooks
	if hooks == nil {
		hooks = &HooksConfig{}
	}

	remote := yamlCfg.Remote
	if remote == nil {
		remote = &RemoteConfig{}
	}
	if remote.MaxRetries <= 0 {
		remote.MaxRetries = 3
	}
	if remote.TimeoutSeconds <= 0 {
		remote.TimeoutSeconds = 30
	}

	mcpServers := yamlCfg.MCPServers
	if mcpServers == nil {
		mcpServers = make(map[string]*MCPServerConfig)
	}

	return &Config{
		path:               path,
		Defaults:           defaults,
		Queue:              queueConfig,
		Retention:          retention,
		Hooks:              hooks,
		Remote:             remote,
		ErrorPatterns:      errorPatterns,
		DestructiveVerbs:   builtin.DestructiveVerbs,
		Schedules:          yamlCfg.Schedules,
		CapabilityRegistry: NewCapabilityRegistry(capabilities),
		RuleRegistry:       NewRuleRegistry(rules),
		ProviderRegistry:   NewProviderRegistry(yamlCfg.Providers),
		MCPServerRegistry:  NewMCPServerRegistry(mcpServers),
	}, nil
}

// loadYAMLFile reads and parses the orchestrator YAML. A missing file is not
// an error: the built-in configuration is complete on its own.
func loadYAMLFile(path string) (*YAMLConfig, error) {
	cfg := &YAMLConfig{
		Capabilities: make(map[string]*models.Capability),
		MCPServers:   make(map[string]*MCPServerConfig),
	}

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No configuration file found, using built-ins", "path", path)
			return cfg, nil
		}
		return nil, err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing the YAML parser to handle the content (or fail with a clearer
	// error message).
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return cfg, nil
}

// applyEnvOverrides applies the environment variable contract on top of the
// resolved defaults. Invalid values are logged and ignored.
func applyEnvOverrides(d *Defaults) {
	if v := os.Getenv("MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			d.MaxIterations = &n
		} else {
			slog.Warn("Ignoring invalid MAX_ITERATIONS", "value", v)
		}
	}
	if v := os.Getenv("MAX_TIME_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			d.MaxTimeSeconds = n
		} else {
			slog.Warn("Ignoring invalid MAX_TIME_SECONDS", "value", v)
		}
	}
	if v := os.Getenv("MAX_BUDGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			d.MaxBudget = f
		} else {
			slog.Warn("Ignoring invalid MAX_BUDGET", "value", v)
		}
	}
}

// mergeCapabilities merges user-defined capabilities over built-ins.
// User definitions replace built-ins with the same name.
func mergeCapabilities(builtin, user map[string]*models.Capability) map[string]*models.Capability {
	merged := make(map[string]*models.Capability, len(builtin)+len(user))
	for name, cap := range builtin {
		merged[name] = cap
	}
	for name, cap := range user {
		if cap.Name == "" {
			cap.Name = name
		}
		merged[name] = cap
	}
	return merged
}

// mergeRules keeps built-in rule order, replaces built-ins redefined by the
// user in place, and appends new user rules after the built-ins.
func mergeRules(builtin, user []*models.RoutingRule) []*models.RoutingRule {
	byName := make(map[string]*models.RoutingRule, len(user))
	for _, rule := range user {
		byName[rule.Name] = rule
	}

	merged := make([]*models.RoutingRule, 0, len(builtin)+len(user))
	seen := make(map[string]bool, len(builtin))
	for _, rule := range builtin {
		if override, ok := byName[rule.Name]; ok {
			merged = append(merged, override)
		} else {
			merged = append(merged, rule)
		}
		seen[rule.Name] = true
	}
	for _, rule := range user {
		if !seen[rule.Name] {
			merged = append(merged, rule)
		}
	}
	return merged
}

// mergeErrorPatterns appends user patterns after built-ins, letting a user
// pattern with a built-in name replace it.
func mergeErrorPatterns(builtin, user []ErrorPattern) []ErrorPattern {
	byName := make(map[string]ErrorPattern, len(user))
	for _, p := range user {
		byName[p.Name] = p
	}

	merged := make([]ErrorPattern, 0, len(builtin)+len(user))
	seen := make(map[string]bool, len(builtin))
	for _, p := range builtin {
		if override, ok := byName[p.Name]; ok {
			merged = append(merged, override)
		} else {
			merged = append(merged, p)
		}
		seen[p.Name] = true
	}
	for _, p := range user {
		if !seen[p.Name] {
			merged = append(merged, p)
		}
	}
	return merged
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}
