// Package provider defines the capability provider contract and the
// registry the resolver discovers providers from. Local skills, subprocess
// runners, LLM CLI bridges and remote HTTP executors all satisfy the same
// small interface; provider failures are values in the Outcome, never Go
// errors.
package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/services"
)

// Provider executes one capability invocation. Implementations must honour
// ctx cancellation and report failures through the Outcome.
type Provider interface {
	Execute(ctx context.Context, action string, params map[string]any, callCtx models.CallContext) models.Outcome
}

// Registration describes one provider to the registry.
type Registration struct {
	// ID uniquely names the provider.
	ID string
	// Capability names what the provider serves (e.g. "web-scraper").
	// Several providers may share a capability; the resolver ranks them.
	Capability string
	// Kind tags how the provider executes, for resolver ranking.
	Kind models.ExecutionMethod
	// Triggers are the keywords the resolver matches requests against.
	Triggers []string
	// Priority ranks candidates of the same trigger match, higher first.
	Priority int
	// InstallCommand, when set, lets the resolver auto-install the provider
	// after a needs_setup failure.
	InstallCommand string
	// Installed marks whether the provider's backing tool is present.
	// Providers with no install step register as installed.
	Installed bool

	Provider Provider
}

// Registry holds registered providers in registration order. Providers are
// added at startup and occasionally at runtime (auto-install); they are
// never removed.
type Registry struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]*Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Registration)}
}

// Register adds a provider. Registration order is preserved because it
// breaks priority ties during resolution.
func (r *Registry) Register(reg Registration) error {
	if strings.TrimSpace(reg.ID) == "" {
		return services.NewValidationError("id", "is required")
	}
	if !reg.Kind.IsValid() {
		return services.NewValidationError("kind", fmt.Sprintf("unknown execution method %q", reg.Kind))
	}
	if reg.Provider == nil {
		return services.NewValidationError("provider", "is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[reg.ID]; exists {
		return fmt.Errorf("%w: provider %s", services.ErrAlreadyExists, reg.ID)
	}
	r.order = append(r.order, reg.ID)
	r.byID[reg.ID] = &reg
	return nil
}

// Get returns a copy of a registration.
func (r *Registry) Get(id string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	copied := *reg
	return &copied, true
}

// List returns copies of all registrations in registration order.
func (r *Registry) List() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Registration, 0, len(r.order))
	for _, id := range r.order {
		copied := *r.byID[id]
		out = append(out, &copied)
	}
	return out
}

// MarkInstalled records that a provider's backing tool is now present.
// Called by the resolver after a successful auto-install.
func (r *Registry) MarkInstalled(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: provider %s", services.ErrNotFound, id)
	}
	reg.Installed = true
	return nil
}

// fail builds a failed outcome from a format string. Shared by the package's
// provider implementations.
func fail(format string, args ...any) models.Outcome {
	return models.Outcome{Success: false, Error: fmt.Sprintf(format, args...)}
}
