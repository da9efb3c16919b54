package config

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// Shared types used across configuration structs

// TransportConfig defines managed-provider server transport configuration.
type TransportConfig struct {
	Type TransportType `yaml:"type" validate:"required"`

	// For stdio transport
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"` // Environment overrides for stdio subprocess

	// For http/sse transport
	URL         string `yaml:"url,omitempty"`
	BearerToken string `yaml:"bearer_token,omitempty"`
	VerifySSL   *bool  `yaml:"verify_ssl,omitempty"`
	Timeout     int    `yaml:"timeout,omitempty"` // In seconds
}

// MCPServerConfig defines a managed provider server.
type MCPServerConfig struct {
	Transport TransportConfig `yaml:"transport"`

	// Instructions passed through to providers that want server guidance
	Instructions string `yaml:"instructions,omitempty"`

	// Disabled servers are kept in config but skipped at connect time
	Disabled bool `yaml:"disabled,omitempty"`

	// DataMasking scrubs secrets from this server's tool results before
	// they reach step outputs, transcripts, and the audit trail.
	DataMasking *MaskingConfig `yaml:"data_masking,omitempty"`
}

// MaskingConfig defines data masking for one managed provider server.
type MaskingConfig struct {
	Enabled        bool             `yaml:"enabled"`
	PatternGroups  []string         `yaml:"pattern_groups,omitempty"`
	Patterns       []string         `yaml:"patterns,omitempty"`
	CustomPatterns []MaskingPattern `yaml:"custom_patterns,omitempty"`
}

// MaskingPattern defines a regex-based masking pattern.
type MaskingPattern struct {
	Pattern     string `yaml:"pattern" validate:"required"`
	Replacement string `yaml:"replacement" validate:"required"`
	Description string `yaml:"description,omitempty"`
}

// ProviderConfig declares one concrete provider of a capability.
type ProviderConfig struct {
	ID         string                 `yaml:"id" validate:"required"`
	Capability string                 `yaml:"capability" validate:"required"`
	Method     models.ExecutionMethod `yaml:"method" validate:"required"`

	// Priority ranks candidates for the same request, 1 (lowest) to 10.
	Priority int      `yaml:"priority,omitempty"`
	Triggers []string `yaml:"triggers,omitempty"`

	// direct-http providers
	Endpoint string `yaml:"endpoint,omitempty"`

	// command and llm-cli providers
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`

	// managed providers: the mcp_servers key and tool to call
	Server string `yaml:"server,omitempty"`
	Tool   string `yaml:"tool,omitempty"`

	// APIKeyEnv names the environment variable holding the provider's key.
	// An empty value at call time reports needs_api_key.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// InstallCommand is run by the resolver's auto-install path (when granted).
	InstallCommand string `yaml:"install_command,omitempty"`

	Config map[string]any `yaml:"config,omitempty"`
}

// HookRef is a hook reference with an optional priority override.
type HookRef struct {
	Name     string `yaml:"name" validate:"required"`
	Priority *int   `yaml:"priority,omitempty"`
}

// HookRefs is a list of hook references that supports both short-form
// (list of strings) and long-form (list of objects with priorities) in YAML.
type HookRefs []HookRef

// hookRefAllowedKeys are the YAML keys accepted in a HookRef mapping.
// Kept in sync with the struct tags on HookRef.
var hookRefAllowedKeys = map[string]bool{
	"name":     true,
	"priority": true,
}

// UnmarshalYAML implements custom unmarshaling to support both:
//   - Short-form:  [pre-step, post-step]
//   - Long-form:   [{name: pre-step, priority: 9}, ...]
//   - Mixed:       [pre-step, {name: approval, priority: 10}]
func (r *HookRefs) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("hooks must be a sequence, got %v", value.Tag)
	}
	refs := make(HookRefs, 0, len(value.Content))
	for i, node := range value.Content {
		switch node.Kind {
		case yaml.ScalarNode:
			if node.Tag != "!!str" {
				return fmt.Errorf("hooks[%d]: expected string, got %s", i, node.Tag)
			}
			refs = append(refs, HookRef{Name: node.Value})
		case yaml.MappingNode:
			if err := checkUnknownKeys(node, hookRefAllowedKeys, i); err != nil {
				return err
			}
			var ref HookRef
			if err := node.Decode(&ref); err != nil {
				return fmt.Errorf("hooks[%d]: %w", i, err)
			}
			refs = append(refs, ref)
		default:
			return fmt.Errorf("hooks[%d]: expected string or mapping, got %v", i, node.Tag)
		}
	}
	*r = refs
	return nil
}

// checkUnknownKeys validates that a MappingNode contains only keys in the
// allowed set. MappingNode.Content alternates key, value, key, value, ...
func checkUnknownKeys(node *yaml.Node, allowed map[string]bool, index int) error {
	for j := 0; j < len(node.Content)-1; j += 2 {
		key := node.Content[j].Value
		if !allowed[key] {
			return fmt.Errorf("hooks[%d]: unknown field %q", index, key)
		}
	}
	return nil
}

// Names returns the hook names from all refs.
func (r HookRefs) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, len(r))
	for i, ref := range r {
		names[i] = ref.Name
	}
	return names
}

// HooksConfig carries the policy inputs for the built-in hooks.
type HooksConfig struct {
	// DryRun makes the pre-step hook skip every invocation.
	DryRun bool `yaml:"dry_run,omitempty"`

	// Permissions maps capability name to the actions the session may take
	// with it. A capability listed with no granted actions is a violation.
	Permissions map[string][]string `yaml:"permissions,omitempty"`

	// RateLimits maps capability name to allowed invocations per minute.
	RateLimits map[string]int `yaml:"rate_limits,omitempty"`
}

// RemoteConfig points the remote-execution adapter at its endpoints.
type RemoteConfig struct {
	MCPEndpoint      string `yaml:"mcp_endpoint,omitempty"`
	WorkflowEndpoint string `yaml:"workflow_endpoint,omitempty"`
	BearerTokenEnv   string `yaml:"bearer_token_env,omitempty"`

	// MaxRetries bounds the adapter's exponential back-off loop.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// TimeoutSeconds is the per-request timeout.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// ErrorPattern is a known failure signature with a remediation hint. The
// stop hook matches these against the session's recent log buffer.
type ErrorPattern struct {
	Name        string `yaml:"name" validate:"required"`
	Pattern     string `yaml:"pattern" validate:"required"`
	Remediation string `yaml:"remediation,omitempty"`

	re *regexp.Regexp
}

// Compile parses the pattern regex. Validation calls this once per pattern;
// afterwards Matches runs against the cached regex.
func (p *ErrorPattern) Compile() error {
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return fmt.Errorf("%w: pattern %q: %v", ErrInvalidValue, p.Pattern, err)
	}
	p.re = re
	return nil
}

// Matches reports whether the pattern matches the given text. Patterns that
// were never compiled are matched against a locally compiled regex so manual
// construction in tests still works.
func (p *ErrorPattern) Matches(text string) bool {
	re := p.re
	if re == nil {
		var err error
		re, err = regexp.Compile(p.Pattern)
		if err != nil {
			return false
		}
	}
	return re.MatchString(text)
}
