package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/config"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/provider"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/services"
)

// scriptedProvider returns queued outcomes in order, repeating the last one
// once the queue drains. It records the actions and params it received.
type scriptedProvider struct {
	mu       sync.Mutex
	outcomes []models.Outcome
	actions  []string
	params   []map[string]any
}

func (p *scriptedProvider) Execute(_ context.Context, action string, params map[string]any, _ models.CallContext) models.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.actions = append(p.actions, action)
	p.params = append(p.params, params)
	if len(p.outcomes) == 0 {
		return models.Outcome{Success: true}
	}
	out := p.outcomes[0]
	if len(p.outcomes) > 1 {
		p.outcomes = p.outcomes[1:]
	}
	return out
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.actions)
}

type countingInvalidator struct {
	mu    sync.Mutex
	count int
}

func (c *countingInvalidator) InvalidateAllToolCaches() {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
}

func (c *countingInvalidator) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

type recordingInstaller struct {
	mu       sync.Mutex
	commands []string
	err      error
}

func (r *recordingInstaller) Install(_ context.Context, command string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	return r.err
}

func testDefaults() *config.Defaults {
	return &config.Defaults{
		DiscoveryTTLSeconds:      300,
		CapabilityTimeoutSeconds: 5,
		InstallTimeoutSeconds:    5,
	}
}

func register(t *testing.T, registry *provider.Registry, reg provider.Registration) {
	t.Helper()
	require.NoError(t, registry.Register(reg))
}

func TestResolver_Resolve_ManagedProviderOutranksFallback(t *testing.T) {
	registry := provider.NewRegistry()
	register(t, registry, provider.Registration{
		ID:        "ai-fallback",
		Kind:      models.ExecutionMethodLLMCLI,
		Triggers:  []string{"scrape"},
		Priority:  100,
		Installed: true,
		Provider:  &scriptedProvider{},
	})
	register(t, registry, provider.Registration{
		ID:        "playwright",
		Kind:      models.ExecutionMethodManagedProvider,
		Triggers:  []string{"scrape"},
		Priority:  10,
		Installed: true,
		Provider:  &scriptedProvider{},
	})

	r := New(registry, testDefaults(), nil, nil, nil)
	got := r.Resolve("scrape the pricing page")

	require.Len(t, got, 2)
	assert.Equal(t, "playwright", got[0].ProviderID)
	assert.Equal(t, models.ExecutionMethodManagedProvider, got[0].Method)
	assert.Equal(t, "ai-fallback", got[1].ProviderID)
}

func TestResolver_Resolve_ExactCapabilityBeatsTriggerMatch(t *testing.T) {
	registry := provider.NewRegistry()
	register(t, registry, provider.Registration{
		ID:        "playwright",
		Kind:      models.ExecutionMethodManagedProvider,
		Triggers:  []string{"web", "scraper"},
		Installed: true,
		Provider:  &scriptedProvider{},
	})
	register(t, registry, provider.Registration{
		ID:         "http-fetch",
		Capability: "web-scraper",
		Kind:       models.ExecutionMethodDirectHTTP,
		Installed:  true,
		Provider:   &scriptedProvider{},
	})

	r := New(registry, testDefaults(), nil, nil, nil)
	got := r.Resolve("web-scraper")

	require.Len(t, got, 2)
	assert.Equal(t, "http-fetch", got[0].ProviderID)
	assert.Equal(t, "web-scraper", got[0].Name)
}

func TestResolver_Resolve_PriorityOrdersSameMethod(t *testing.T) {
	registry := provider.NewRegistry()
	register(t, registry, provider.Registration{
		ID:        "searxng",
		Kind:      models.ExecutionMethodManagedProvider,
		Triggers:  []string{"search"},
		Priority:  5,
		Installed: true,
		Provider:  &scriptedProvider{},
	})
	register(t, registry, provider.Registration{
		ID:        "brave-search",
		Kind:      models.ExecutionMethodManagedProvider,
		Triggers:  []string{"search"},
		Priority:  50,
		Installed: true,
		Provider:  &scriptedProvider{},
	})

	r := New(registry, testDefaults(), nil, nil, nil)
	got := r.Resolve("search for golang releases")

	require.Len(t, got, 2)
	assert.Equal(t, "brave-search", got[0].ProviderID)
	assert.Equal(t, "searxng", got[1].ProviderID)
}

func TestResolver_Resolve_RegistrationOrderBreaksTies(t *testing.T) {
	registry := provider.NewRegistry()
	for _, id := range []string{"first", "second", "third"} {
		register(t, registry, provider.Registration{
			ID:        id,
			Kind:      models.ExecutionMethodLocalSkill,
			Triggers:  []string{"summarize"},
			Installed: true,
			Provider:  &scriptedProvider{},
		})
	}

	r := New(registry, testDefaults(), nil, nil, nil)
	got := r.Resolve("summarize the findings")

	require.Len(t, got, 3)
	assert.Equal(t, "first", got[0].ProviderID)
	assert.Equal(t, "second", got[1].ProviderID)
	assert.Equal(t, "third", got[2].ProviderID)
}

func TestResolver_Resolve_UninstalledRanksAfterInstalled(t *testing.T) {
	registry := provider.NewRegistry()
	register(t, registry, provider.Registration{
		ID:        "needs-setup",
		Kind:      models.ExecutionMethodManagedProvider,
		Triggers:  []string{"scrape"},
		Installed: false,
		Provider:  &scriptedProvider{},
	})
	register(t, registry, provider.Registration{
		ID:        "ready",
		Kind:      models.ExecutionMethodManagedProvider,
		Triggers:  []string{"scrape"},
		Installed: true,
		Provider:  &scriptedProvider{},
	})

	r := New(registry, testDefaults(), nil, nil, nil)
	got := r.Resolve("scrape headlines")

	require.Len(t, got, 2)
	assert.Equal(t, "ready", got[0].ProviderID)
	assert.Equal(t, "needs-setup", got[1].ProviderID)
}

func TestResolver_Resolve_MultiWordTriggerRequiresAllWords(t *testing.T) {
	registry := provider.NewRegistry()
	register(t, registry, provider.Registration{
		ID:        "db-inspector",
		Kind:      models.ExecutionMethodLocalSkill,
		Triggers:  []string{"database schema"},
		Installed: true,
		Provider:  &scriptedProvider{},
	})

	r := New(registry, testDefaults(), nil, nil, nil)

	assert.Len(t, r.Resolve("inspect the database schema"), 1)
	assert.Empty(t, r.Resolve("inspect the database"))
}

func TestResolver_Resolve_NoMatch(t *testing.T) {
	registry := provider.NewRegistry()
	register(t, registry, provider.Registration{
		ID:        "playwright",
		Kind:      models.ExecutionMethodManagedProvider,
		Triggers:  []string{"scrape"},
		Installed: true,
		Provider:  &scriptedProvider{},
	})

	r := New(registry, testDefaults(), nil, nil, nil)
	assert.Empty(t, r.Resolve("send a carrier pigeon"))
}

func TestResolver_Discover_CachesUntilInvalidated(t *testing.T) {
	registry := provider.NewRegistry()
	register(t, registry, provider.Registration{
		ID:        "playwright",
		Kind:      models.ExecutionMethodManagedProvider,
		Triggers:  []string{"scrape"},
		Installed: true,
		Provider:  &scriptedProvider{},
	})

	r := New(registry, testDefaults(), nil, nil, nil)
	require.Len(t, r.Resolve("scrape headlines"), 1)

	// Registered after the scan; the cached snapshot hides it.
	register(t, registry, provider.Registration{
		ID:        "scrapling",
		Kind:      models.ExecutionMethodManagedProvider,
		Triggers:  []string{"scrape"},
		Installed: true,
		Provider:  &scriptedProvider{},
	})
	assert.Len(t, r.Resolve("scrape headlines"), 1)

	r.InvalidateDiscovery()
	assert.Len(t, r.Resolve("scrape headlines"), 2)
}

func TestResolver_Discover_RescanClearsToolCaches(t *testing.T) {
	registry := provider.NewRegistry()
	invalidator := &countingInvalidator{}

	// Zero TTL expires the snapshot immediately, so every call rescans.
	defaults := testDefaults()
	defaults.DiscoveryTTLSeconds = 0

	r := New(registry, defaults, nil, invalidator, nil)

	r.Discover()
	assert.Equal(t, 0, invalidator.calls(), "first scan has no stale caches to clear")

	r.Discover()
	assert.Equal(t, 1, invalidator.calls())

	r.Discover()
	assert.Equal(t, 2, invalidator.calls())
}

func TestResolver_Execute_FirstCandidateSucceeds(t *testing.T) {
	registry := provider.NewRegistry()
	register(t, registry, provider.Registration{
		ID:        "playwright",
		Kind:      models.ExecutionMethodManagedProvider,
		Triggers:  []string{"scrape"},
		Installed: true,
		Provider: &scriptedProvider{outcomes: []models.Outcome{
			{Success: true, Data: map[string]any{"content": "<html>pricing</html>"}},
		}},
	})

	r := New(registry, testDefaults(), nil, nil, nil)
	result := r.Execute(context.Background(), "scrape the pricing page", map[string]any{"url": "https://example.com/pricing"}, models.CallContext{})

	require.True(t, result.Success)
	assert.Equal(t, "playwright", result.ProviderID)
	require.NotNil(t, result.Outcome)
	assert.Equal(t, "<html>pricing</html>", result.Outcome.Data["content"])
	assert.Equal(t, 1, result.Attempts)
	require.Len(t, result.AttemptLog, 1)
	assert.True(t, result.AttemptLog[0].Success)
	assert.Empty(t, result.Errors)
}

func TestResolver_Execute_FallsThroughToNextCandidate(t *testing.T) {
	registry := provider.NewRegistry()
	register(t, registry, provider.Registration{
		ID:        "playwright",
		Kind:      models.ExecutionMethodManagedProvider,
		Triggers:  []string{"scrape"},
		Installed: true,
		Provider: &scriptedProvider{outcomes: []models.Outcome{
			{Success: false, Error: "blocked by cloudflare"},
		}},
	})
	fallback := &scriptedProvider{outcomes: []models.Outcome{
		{Success: true, Data: map[string]any{"content": "headline list"}},
	}}
	register(t, registry, provider.Registration{
		ID:        "ai-fallback",
		Kind:      models.ExecutionMethodLLMCLI,
		Triggers:  []string{"scrape"},
		Installed: true,
		Provider:  fallback,
	})

	r := New(registry, testDefaults(), nil, nil, nil)
	result := r.Execute(context.Background(), "scrape headlines", nil, models.CallContext{})

	require.True(t, result.Success)
	assert.Equal(t, "ai-fallback", result.ProviderID)
	assert.Equal(t, 2, result.Attempts)

	// The losing attempt stays on the record.
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "playwright: blocked by cloudflare")
	require.Len(t, result.AttemptLog, 2)
	assert.False(t, result.AttemptLog[0].Success)
	assert.Equal(t, "playwright", result.AttemptLog[0].ProviderID)
	assert.True(t, result.AttemptLog[1].Success)
}

func TestResolver_Execute_AllCandidatesFail(t *testing.T) {
	registry := provider.NewRegistry()
	register(t, registry, provider.Registration{
		ID:        "brave-search",
		Kind:      models.ExecutionMethodManagedProvider,
		Triggers:  []string{"search"},
		Installed: true,
		Provider: &scriptedProvider{outcomes: []models.Outcome{
			{Success: false, Error: "missing BRAVE_API_KEY", NeedsAPIKey: true},
		}},
	})
	register(t, registry, provider.Registration{
		ID:        "searxng",
		Kind:      models.ExecutionMethodManagedProvider,
		Triggers:  []string{"search"},
		Installed: true,
		Provider: &scriptedProvider{outcomes: []models.Outcome{
			{Success: false, Error: "connection refused"},
		}},
	})

	r := New(registry, testDefaults(), nil, nil, nil)
	result := r.Execute(context.Background(), "search for release notes", nil, models.CallContext{})

	require.False(t, result.Success)
	assert.Equal(t, 2, result.Attempts)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "brave-search: missing BRAVE_API_KEY")
	assert.Contains(t, result.Errors[1], "searxng: connection refused")

	require.Len(t, result.NeedsConfiguration, 1)
	assert.Equal(t, "brave-search", result.NeedsConfiguration[0].ProviderID)
	assert.True(t, result.NeedsConfiguration[0].NeedsAPIKey)
	assert.Empty(t, result.MissingCapability, "no analyser registered")
}

func TestResolver_Execute_AnalyserNamesMissingCapability(t *testing.T) {
	registry := provider.NewRegistry()
	register(t, registry, provider.Registration{
		ID:        "playwright",
		Kind:      models.ExecutionMethodManagedProvider,
		Triggers:  []string{"scrape"},
		Installed: true,
		Provider: &scriptedProvider{outcomes: []models.Outcome{
			{Success: false, Error: "page requires authentication"},
		}},
	})
	analyser := &scriptedProvider{outcomes: []models.Outcome{
		{Success: true, Data: map[string]any{"missing_capability": "authenticated-browser-session"}},
	}}
	register(t, registry, provider.Registration{
		ID:        AnalyserProviderID,
		Kind:      models.ExecutionMethodLocalSkill,
		Installed: true,
		Provider:  analyser,
	})

	r := New(registry, testDefaults(), nil, nil, nil)
	result := r.Execute(context.Background(), "scrape the account dashboard", nil, models.CallContext{})

	require.False(t, result.Success)
	assert.Equal(t, "authenticated-browser-session", result.MissingCapability)

	// The analyser saw the aggregated errors and the original request.
	require.Equal(t, 1, analyser.callCount())
	assert.Contains(t, analyser.params[0]["error"], "page requires authentication")
	assert.Equal(t, "scrape the account dashboard", analyser.params[0]["request"])
}

func TestResolver_Execute_NoCandidates(t *testing.T) {
	r := New(provider.NewRegistry(), testDefaults(), nil, nil, nil)
	result := r.Execute(context.Background(), "teleport the database", nil, models.CallContext{})

	require.False(t, result.Success)
	assert.Equal(t, 0, result.Attempts)
	assert.Equal(t, "teleport the database", result.MissingCapability)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "no provider matched")
}

func TestResolver_Execute_AutoInstallThenRetry(t *testing.T) {
	registry := provider.NewRegistry()
	register(t, registry, provider.Registration{
		ID:             "playwright",
		Kind:           models.ExecutionMethodManagedProvider,
		Triggers:       []string{"scrape"},
		InstallCommand: "npm install -g @playwright/mcp",
		Installed:      false,
		Provider: &scriptedProvider{outcomes: []models.Outcome{
			{Success: false, Error: "server not connected", NeedsSetup: true},
			{Success: true, Data: map[string]any{"content": "rendered page"}},
		}},
	})

	installer := &recordingInstaller{}
	defaults := testDefaults()
	defaults.AutoInstall = true

	r := New(registry, defaults, installer, nil, nil)
	result := r.Execute(context.Background(), "scrape the docs page", nil, models.CallContext{})

	require.True(t, result.Success)
	assert.Equal(t, "playwright", result.ProviderID)
	assert.Equal(t, 2, result.Attempts)
	require.Len(t, result.AttemptLog, 2)
	assert.False(t, result.AttemptLog[0].Success)
	assert.True(t, result.AttemptLog[1].Success)
	assert.True(t, result.AttemptLog[1].AfterInstall)

	require.Len(t, installer.commands, 1)
	assert.Equal(t, "npm install -g @playwright/mcp", installer.commands[0])

	reg, ok := registry.Get("playwright")
	require.True(t, ok)
	assert.True(t, reg.Installed)
}

func TestResolver_Execute_AutoInstallOffByDefault(t *testing.T) {
	registry := provider.NewRegistry()
	register(t, registry, provider.Registration{
		ID:             "playwright",
		Kind:           models.ExecutionMethodManagedProvider,
		Triggers:       []string{"scrape"},
		InstallCommand: "npm install -g @playwright/mcp",
		Installed:      false,
		Provider: &scriptedProvider{outcomes: []models.Outcome{
			{Success: false, Error: "server not connected", NeedsSetup: true},
		}},
	})

	installer := &recordingInstaller{}
	r := New(registry, testDefaults(), installer, nil, nil)
	result := r.Execute(context.Background(), "scrape the docs page", nil, models.CallContext{})

	require.False(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.Empty(t, installer.commands)

	// The gap still surfaces so an operator can install by hand.
	require.Len(t, result.NeedsConfiguration, 1)
	assert.True(t, result.NeedsConfiguration[0].NeedsSetup)
	assert.Equal(t, "npm install -g @playwright/mcp", result.NeedsConfiguration[0].InstallCommand)
}

func TestResolver_Execute_InstallFailureFallsThrough(t *testing.T) {
	registry := provider.NewRegistry()
	broken := &scriptedProvider{outcomes: []models.Outcome{
		{Success: false, Error: "server not connected", NeedsSetup: true},
	}}
	register(t, registry, provider.Registration{
		ID:             "playwright",
		Kind:           models.ExecutionMethodManagedProvider,
		Triggers:       []string{"scrape"},
		InstallCommand: "npm install -g @playwright/mcp",
		Installed:      false,
		Provider:       broken,
	})
	register(t, registry, provider.Registration{
		ID:        "ai-fallback",
		Kind:      models.ExecutionMethodLLMCLI,
		Triggers:  []string{"scrape"},
		Installed: true,
		Provider:  &scriptedProvider{},
	})

	installer := &recordingInstaller{err: errors.New("npm: network unreachable")}
	warnings := services.NewSystemWarningsService()
	defaults := testDefaults()
	defaults.AutoInstall = true

	r := New(registry, defaults, installer, nil, warnings)
	result := r.Execute(context.Background(), "scrape headlines", nil, models.CallContext{})

	require.True(t, result.Success, "fallback should still win")
	assert.Equal(t, "ai-fallback", result.ProviderID)
	assert.Equal(t, 1, broken.callCount(), "failed install means no retry")

	got := warnings.GetWarnings()
	require.Len(t, got, 1)
	assert.Equal(t, services.WarningCategoryAutoInstall, got[0].Category)
	assert.Equal(t, "playwright", got[0].SourceID)
	assert.Contains(t, got[0].Details, "network unreachable")
}

func TestResolver_ConcurrentAccess(t *testing.T) {
	registry := provider.NewRegistry()
	register(t, registry, provider.Registration{
		ID:        "playwright",
		Kind:      models.ExecutionMethodManagedProvider,
		Triggers:  []string{"scrape"},
		Installed: true,
		Provider:  &scriptedProvider{},
	})

	defaults := testDefaults()
	defaults.DiscoveryTTLSeconds = 0 // force a rescan on every call

	r := New(registry, defaults, nil, &countingInvalidator{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Resolve("scrape headlines")
			r.Execute(context.Background(), "scrape headlines", nil, models.CallContext{})
		}()
	}
	wg.Wait()
	// If no panic or race, concurrent resolution is safe.
}
