package config

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// CapabilityRegistry stores capability definitions in memory with
// thread-safe access. Capabilities are registered at startup; the runtime
// may add new ones but never removes them.
type CapabilityRegistry struct {
	capabilities map[string]*models.Capability
	mu           sync.RWMutex
}

// NewCapabilityRegistry creates a new capability registry.
func NewCapabilityRegistry(capabilities map[string]*models.Capability) *CapabilityRegistry {
	// Defensive copy to prevent external mutation
	copied := make(map[string]*models.Capability, len(capabilities))
	for k, v := range capabilities {
		copied[k] = v
	}
	return &CapabilityRegistry{
		capabilities: copied,
	}
}

// Get retrieves a capability by name (thread-safe)
func (r *CapabilityRegistry) Get(name string) (*models.Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cap, exists := r.capabilities[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityNotFound, name)
	}
	return cap, nil
}

// GetAll returns all capabilities (thread-safe, returns copy)
func (r *CapabilityRegistry) GetAll() map[string]*models.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*models.Capability, len(r.capabilities))
	for k, v := range r.capabilities {
		result[k] = v
	}
	return result
}

// Has checks if a capability exists in the registry (thread-safe)
func (r *CapabilityRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.capabilities[name]
	return exists
}

// Add registers a new capability at runtime. Existing entries are never
// replaced; adding an existing name is a no-op so registrations stay
// append-only.
func (r *CapabilityRegistry) Add(cap *models.Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.capabilities[cap.Name]; exists {
		return
	}
	r.capabilities[cap.Name] = cap
}

// Len returns the number of capabilities in the registry (thread-safe)
func (r *CapabilityRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.capabilities)
}

// Names returns a sorted list of registered capability names.
func (r *CapabilityRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.capabilities))
	for name := range r.capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RuleRegistry stores routing rules in registration order. First match
// wins, so order is part of the contract.
type RuleRegistry struct {
	rules []*models.RoutingRule
	mu    sync.RWMutex
}

// NewRuleRegistry creates a new rule registry preserving the given order.
func NewRuleRegistry(rules []*models.RoutingRule) *RuleRegistry {
	copied := make([]*models.RoutingRule, len(rules))
	copy(copied, rules)
	return &RuleRegistry{rules: copied}
}

// GetAll returns all rules in registration order (thread-safe, returns copy)
func (r *RuleRegistry) GetAll() []*models.RoutingRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.RoutingRule, len(r.rules))
	copy(result, r.rules)
	return result
}

// Get retrieves a rule by name (thread-safe)
func (r *RuleRegistry) Get(name string) (*models.RoutingRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rule := range r.rules {
		if rule.Name == name {
			return rule, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, name)
}

// Add appends a rule at runtime. A rule whose name is already registered is
// ignored: re-registering cannot change match order.
func (r *RuleRegistry) Add(rule *models.RoutingRule) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.rules {
		if existing.Name == rule.Name {
			return
		}
	}
	r.rules = append(r.rules, rule)
}

// Len returns the number of rules in the registry (thread-safe)
func (r *RuleRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// ProviderRegistry stores provider declarations with thread-safe access.
// Mutated at startup and by the resolver's auto-install path only.
type ProviderRegistry struct {
	providers map[string]*ProviderConfig
	order     []string // registration order for equal-priority tie-breaks
	installed map[string]bool
	mu        sync.RWMutex
}

// NewProviderRegistry creates a new provider registry. Declaration order is
// preserved for candidate tie-breaks.
func NewProviderRegistry(providers []*ProviderConfig) *ProviderRegistry {
	r := &ProviderRegistry{
		providers: make(map[string]*ProviderConfig, len(providers)),
		order:     make([]string, 0, len(providers)),
		installed: make(map[string]bool, len(providers)),
	}
	for _, p := range providers {
		if _, exists := r.providers[p.ID]; exists {
			continue
		}
		r.providers[p.ID] = p
		r.order = append(r.order, p.ID)
		// Providers without an install command are assumed present.
		r.installed[p.ID] = p.InstallCommand == ""
	}
	return r
}

// Get retrieves a provider by id (thread-safe)
func (r *ProviderRegistry) Get(id string) (*ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.providers[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return p, nil
}

// GetAll returns all providers in registration order (thread-safe, returns copy)
func (r *ProviderRegistry) GetAll() []*ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*ProviderConfig, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.providers[id])
	}
	return result
}

// Add registers a provider at runtime (auto-install discoveries). Existing
// ids are ignored.
func (r *ProviderRegistry) Add(p *ProviderConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.ID]; exists {
		return
	}
	r.providers[p.ID] = p
	r.order = append(r.order, p.ID)
	r.installed[p.ID] = p.InstallCommand == ""
}

// IsInstalled reports whether the provider is known to be installed.
func (r *ProviderRegistry) IsInstalled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.installed[id]
}

// MarkInstalled records a successful install for the provider.
func (r *ProviderRegistry) MarkInstalled(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[id]; exists {
		r.installed[id] = true
	}
}

// Len returns the number of providers in the registry (thread-safe)
func (r *ProviderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// MCPServerRegistry stores managed-provider server configurations.
type MCPServerRegistry struct {
	servers map[string]*MCPServerConfig
	mu      sync.RWMutex
}

// NewMCPServerRegistry creates a new MCP server registry.
func NewMCPServerRegistry(servers map[string]*MCPServerConfig) *MCPServerRegistry {
	copied := make(map[string]*MCPServerConfig, len(servers))
	for k, v := range servers {
		copied[k] = v
	}
	return &MCPServerRegistry{servers: copied}
}

// Get retrieves a server configuration by id (thread-safe)
func (r *MCPServerRegistry) Get(id string) (*MCPServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.servers[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrMCPServerNotFound, id)
	}
	return s, nil
}

// Has checks if a server exists in the registry (thread-safe)
func (r *MCPServerRegistry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.servers[id]
	return exists
}

// GetAll returns all server configurations (thread-safe, returns copy)
func (r *MCPServerRegistry) GetAll() map[string]*MCPServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*MCPServerConfig, len(r.servers))
	for k, v := range r.servers {
		result[k] = v
	}
	return result
}

// ServerIDs returns a sorted list of configured server ids.
func (r *MCPServerRegistry) ServerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.servers))
	for id := range r.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of servers in the registry (thread-safe)
func (r *MCPServerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}
