package config

import (
	"regexp"
	"strings"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// Config is the fully resolved orchestrator configuration: built-in
// components merged with the user's orchestrator.yaml, environment overrides
// applied, and all registries built.
type Config struct {
	path string

	Defaults  *Defaults
	Queue     *QueueConfig
	Retention *RetentionConfig
	Hooks     *HooksConfig
	Remote    *RemoteConfig

	ErrorPatterns    []ErrorPattern
	DestructiveVerbs []string
	Schedules        []*models.ScheduledTask

	CapabilityRegistry *CapabilityRegistry
	RuleRegistry       *RuleRegistry
	ProviderRegistry   *ProviderRegistry
	MCPServerRegistry  *MCPServerRegistry
}

// Stats provides counts of loaded configuration components
type Stats struct {
	RoutingRules int
	Capabilities int
	Providers    int
	MCPServers   int
	Schedules    int
	ErrorPatterns int
}

// Path returns the file path this configuration was loaded from
// (empty when running on built-ins only).
func (c *Config) Path() string {
	return c.path
}

// Stats returns counts of loaded components for startup logging.
func (c *Config) Stats() Stats {
	return Stats{
		RoutingRules:  c.RuleRegistry.Len(),
		Capabilities:  c.CapabilityRegistry.Len(),
		Providers:     c.ProviderRegistry.Len(),
		MCPServers:    c.MCPServerRegistry.Len(),
		Schedules:     len(c.Schedules),
		ErrorPatterns: len(c.ErrorPatterns),
	}
}

// GetCapability retrieves a capability by name.
func (c *Config) GetCapability(name string) (*models.Capability, error) {
	return c.CapabilityRegistry.Get(name)
}

// GetMCPServer retrieves an MCP server configuration by ID.
func (c *Config) GetMCPServer(serverID string) (*MCPServerConfig, error) {
	return c.MCPServerRegistry.Get(serverID)
}

// MatchErrorPattern returns the first error pattern matching the given error
// text, or nil when no pattern matches.
func (c *Config) MatchErrorPattern(errText string) *ErrorPattern {
	for i := range c.ErrorPatterns {
		if c.ErrorPatterns[i].Matches(errText) {
			return &c.ErrorPatterns[i]
		}
	}
	return nil
}

// IsDestructive reports whether the given action text contains a verb that
// requires human approval before execution.
func (c *Config) IsDestructive(action string) bool {
	return matchesAnyVerb(action, c.DestructiveVerbs)
}

var verbBoundary = regexp.MustCompile(`[a-z0-9]+`)

// matchesAnyVerb tokenizes the action on word boundaries and checks each
// token against the verb list, so "delete the file" matches "delete" while
// "undeleted" does not.
func matchesAnyVerb(action string, verbs []string) bool {
	tokens := verbBoundary.FindAllString(strings.ToLower(action), -1)
	for _, tok := range tokens {
		for _, verb := range verbs {
			if tok == verb {
				return true
			}
		}
	}
	return false
}
