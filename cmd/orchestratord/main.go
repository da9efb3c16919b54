// Command orchestratord runs the autonomous task orchestrator: one process
// wiring configuration, the session store, the control plane, the worker
// pool, schedules and retention.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/audit"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/cleanup"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/config"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/database"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/engine"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/events"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/hooks"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/ledger"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/llm"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/masking"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/mcp"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/orchestrator"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/planner"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/provider"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/queue"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/remote"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/resolver"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/router"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/scheduler"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/services"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/version"
)

func main() {
	// 1. Environment and logging
	if err := godotenv.Load(); err != nil {
		slog.Warn("No .env file found, using environment variables")
	}
	setupLogging()

	configPath := flag.String("config",
		getEnv("ORCHESTRATOR_CONFIG", "config/orchestrator.yaml"),
		"path to the orchestrator configuration file")
	dryRunFlag := flag.Bool("dry-run", false,
		"route and plan sessions but skip capability invocations")
	flag.Parse()

	podID := resolvePodID()
	slog.Info("Starting orchestrator daemon",
		"version", version.Full(), "config", *configPath, "pod_id", podID)

	ctx := context.Background()

	// 2. Configuration
	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	dataDir := cfg.Defaults.DataDir
	dryRun := *dryRunFlag || cfg.Hooks.DryRun

	// 3. Session store and services
	db, err := database.NewClient(ctx, database.LoadConfigFromEnv(dataDir))
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Failed to close database", "error", err)
		}
	}()

	sessions := services.NewSessionService(db)
	messages := services.NewMessageService(db)
	conversations := services.NewConversationService(db)
	memory := services.NewMemoryService(db)
	warnings := services.NewSystemWarningsService()

	// 4. Audit log and event bus
	auditLog, err := audit.New(dataDir, warnings)
	if err != nil {
		slog.Error("Failed to open audit log", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := auditLog.Close(); err != nil {
			slog.Error("Failed to close audit log", "error", err)
		}
	}()

	bus := events.NewBus()

	// 5. Response masking
	maskingCfg := masking.ResponseMaskingConfig{}
	if rm := cfg.Defaults.ResponseMasking; rm != nil {
		maskingCfg.Enabled = rm.Enabled
		maskingCfg.PatternGroup = rm.PatternGroup
	}
	masker := masking.NewService(cfg.MCPServerRegistry, maskingCfg)

	// 6. Managed provider servers. All configured servers must come up before
	// the daemon serves work; a session failing mid-flight on a server the
	// operator misconfigured is much harder to diagnose.
	var mcpClient *mcp.Client
	serverIDs := cfg.MCPServerRegistry.ServerIDs()
	if len(serverIDs) > 0 {
		slog.Info("Connecting provider servers", "servers", serverIDs)
		factory := mcp.NewClientFactory(cfg.MCPServerRegistry)
		mcpClient, err = factory.CreateClient(ctx, serverIDs)
		if err != nil {
			slog.Error("Failed to connect provider servers", "error", err)
			os.Exit(1)
		}
		if failed := mcpClient.FailedServers(); len(failed) > 0 {
			for serverID, reason := range failed {
				slog.Error("Provider server failed to initialize",
					"server", serverID, "error", reason)
			}
			os.Exit(1)
		}
		defer func() {
			if err := mcpClient.Close(); err != nil {
				slog.Error("Failed to close provider client", "error", err)
			}
		}()

		healthMonitor := mcp.NewHealthMonitor(factory, cfg.MCPServerRegistry, warnings)
		healthMonitor.Start(ctx)
		defer healthMonitor.Stop()
		slog.Info("Provider server health monitoring started", "servers", len(serverIDs))
	}

	// 7. Capability providers
	registry := provider.NewRegistry()
	ledgers := ledger.NewFactory(dataDir)

	llmBinary, llmArgs := llmCLIConfig(cfg)
	builtins := []builtinSkill{
		{id: "builtin-context-load", capability: "context-load",
			kind: models.ExecutionMethodLocalSkill, installed: true,
			impl: provider.NewContextLoadSkill(memory)},
		{id: "builtin-db-inspect", capability: "db-inspect",
			kind: models.ExecutionMethodLocalSkill, installed: true,
			impl: provider.NewDBInspectSkill(db)},
		{id: "builtin-status-fetch", capability: "status-fetch",
			kind: models.ExecutionMethodLocalSkill, installed: true,
			impl: provider.NewDBInspectSkill(db)},
		{id: "builtin-testing", capability: "testing",
			kind: models.ExecutionMethodLocalSkill, installed: true,
			impl: provider.NewTestingSkill()},
		{id: "builtin-completion-verify", capability: "completion-verify",
			kind: models.ExecutionMethodLocalSkill, installed: true,
			impl: provider.NewCompletionVerifySkill(ledgers)},
		// The resolver consults the failure analyser by this exact id.
		{id: resolver.AnalyserProviderID, capability: "failure-analyser",
			kind: models.ExecutionMethodLocalSkill, installed: true,
			impl: provider.NewFailureAnalyserSkill()},
		{id: "builtin-planning-agent", capability: "planning-agent",
			kind: models.ExecutionMethodLLMCLI, installed: llmBinary != "",
			impl: provider.NewLLMCLIProvider(llmBinary, llmArgs, 0)},
	}
	if err := registerBuiltinSkills(registry, cfg.CapabilityRegistry, builtins); err != nil {
		slog.Error("Failed to register built-in skills", "error", err)
		os.Exit(1)
	}
	if err := registerConfiguredProviders(registry, cfg, mcpClient, masker, builtins); err != nil {
		slog.Error("Failed to register configured providers", "error", err)
		os.Exit(1)
	}
	slog.Info("Capability providers registered", "providers", len(registry.List()))

	// 8. Capability resolver
	var invalidator resolver.ToolCacheInvalidator
	if mcpClient != nil {
		invalidator = mcpClient
	}
	res := resolver.New(registry, cfg.Defaults,
		resolver.NewShellInstaller(cfg.Defaults.InstallTimeout()), invalidator, warnings)

	// 9. Hook chain and stop policy
	chain := hooks.NewChain()
	hookList := []hooks.Hook{
		hooks.NewPreStepHook(cfg.Defaults, permissionPolicy(cfg.Hooks),
			rateLimitFloor(cfg.Hooks.RateLimits), 0),
		hooks.NewPostStepHook(memory),
		hooks.NewApprovalHook(cfg.Defaults, messages, auditLog, bus),
	}
	for _, h := range hookList {
		if err := chain.Register(h); err != nil {
			slog.Error("Failed to register hook", "hook", h.Name(), "error", err)
			os.Exit(1)
		}
	}
	stopHook := hooks.NewStopHook(cfg.Defaults, messages, cfg.ErrorPatterns, cfg.DestructiveVerbs)

	// 10. Execution engine
	eng, err := engine.New(engine.Deps{
		Resolver: res,
		Chain:    chain,
		Stop:     stopHook,
		Defaults: cfg.Defaults,
		Audit:    auditLog,
		Bus:      bus,
		States:   sessions,
	})
	if err != nil {
		slog.Error("Failed to initialize execution engine", "error", err)
		os.Exit(1)
	}

	// 11. Orchestrator
	var reasoner planner.Reasoner
	if llmBinary != "" {
		reasoner = llm.NewReasoner(llmBinary, llmArgs, 0)
		slog.Info("LLM plan reasoning enabled", "binary", llmBinary)
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Router:        router.New(cfg.RuleRegistry, cfg.CapabilityRegistry),
		Planner:       planner.New(cfg.Defaults, cfg.CapabilityRegistry, reasoner),
		Engine:        eng,
		Sessions:      sessions,
		Messages:      messages,
		Conversations: conversations,
		Ledgers:       ledgers,
		Stop:          stopHook,
		Audit:         auditLog,
		Bus:           bus,
		Defaults:      cfg.Defaults,
		Masker:        masker,
		DryRun:        dryRun,
	})
	if err != nil {
		slog.Error("Failed to initialize orchestrator", "error", err)
		os.Exit(1)
	}

	// 12. Worker pool
	pool := queue.NewWorkerPool(podID, sessions, cfg.Queue, cfg.Defaults, orch)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}
	slog.Info("Worker pool started", "workers", cfg.Queue.WorkerCount)

	// 13. Scheduler
	remoteAdapter := remote.NewAdapter(remote.Config{
		MCPEndpoint:      cfg.Remote.MCPEndpoint,
		WorkflowEndpoint: cfg.Remote.WorkflowEndpoint,
		BearerToken:      os.Getenv(cfg.Remote.BearerTokenEnv),
		MaxRetries:       cfg.Remote.MaxRetries,
		RequestTimeout:   time.Duration(cfg.Remote.TimeoutSeconds) * time.Second,
	})
	sched, err := scheduler.New(dataDir, res, remoteAdapter, auditLog, bus)
	if err != nil {
		slog.Error("Failed to initialize scheduler", "error", err)
		os.Exit(1)
	}
	registerConfigSchedules(sched, cfg.Schedules)
	sched.Start(ctx)
	slog.Info("Scheduler started", "schedules", len(sched.List()))

	// 14. Retention
	cleaner := cleanup.NewService(cfg.Retention, sessions, messages, memory, auditLog)
	cleaner.Start(ctx)

	slog.Info("Orchestrator daemon ready", "dry_run", dryRun, "data_dir", dataDir)

	// 15. Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	slog.Info("Received shutdown signal", "signal", sig.String())

	// 16. Staged shutdown: stop taking on work, then drain the workers. The
	// pool grants running sessions the configured graceful budget before
	// cancelling stragglers.
	cleaner.Stop()
	sched.Stop()
	slog.Info("Scheduler stopped")

	pool.Stop()
	slog.Info("Worker pool stopped")

	slog.Info("Shutdown complete")
}

// builtinSkill pairs a compiled-in provider implementation with the
// capability it serves.
type builtinSkill struct {
	id         string
	capability string
	kind       models.ExecutionMethod
	installed  bool
	impl       provider.Provider
}

// registerBuiltinSkills registers the compiled-in providers. Triggers and
// priority come from the capability registry so YAML overrides of built-in
// capabilities flow through to resolution.
func registerBuiltinSkills(registry *provider.Registry, capabilities *config.CapabilityRegistry, skills []builtinSkill) error {
	for _, s := range skills {
		reg := provider.Registration{
			ID:         s.id,
			Capability: s.capability,
			Kind:       s.kind,
			Installed:  s.installed,
			Provider:   s.impl,
		}
		if capability, err := capabilities.Get(s.capability); err == nil {
			reg.Triggers = capability.Triggers
			reg.Priority = capability.Priority
		}
		if err := registry.Register(reg); err != nil {
			return fmt.Errorf("failed to register %s: %w", s.id, err)
		}
	}
	return nil
}

// registerConfiguredProviders registers every provider declared in the
// configuration. Validation has already checked the per-method required
// fields, so construction failures here are wiring bugs, not user errors.
func registerConfiguredProviders(
	registry *provider.Registry,
	cfg *config.Config,
	mcpClient *mcp.Client,
	masker *masking.Service,
	builtins []builtinSkill,
) error {
	builtinImpls := make(map[string]provider.Provider, len(builtins))
	for _, s := range builtins {
		builtinImpls[s.capability] = s.impl
	}

	for _, pc := range cfg.ProviderRegistry.GetAll() {
		var impl provider.Provider
		switch pc.Method {
		case models.ExecutionMethodManagedProvider:
			if mcpClient == nil {
				return fmt.Errorf("provider %s needs server %s but no provider servers are connected", pc.ID, pc.Server)
			}
			impl = mcp.NewToolProvider(mcpClient, pc.Server, pc.Tool, masker)
		case models.ExecutionMethodDirectHTTP:
			adapter := remote.NewAdapter(remote.Config{
				WorkflowEndpoint: pc.Endpoint,
				BearerToken:      os.Getenv(pc.APIKeyEnv),
				MaxRetries:       cfg.Remote.MaxRetries,
				RequestTimeout:   time.Duration(cfg.Remote.TimeoutSeconds) * time.Second,
			})
			impl = provider.NewHTTPProvider(adapter, models.RemoteKindWorkflow, pc.Capability)
		case models.ExecutionMethodLLMCLI:
			impl = provider.NewLLMCLIProvider(pc.Command, pc.Args, 0)
		case models.ExecutionMethodLocalSkill:
			if pc.Command != "" {
				impl = provider.NewCommandProvider(pc.Command, pc.Args, "", cfg.Defaults.CapabilityTimeout())
				break
			}
			// A command-less local skill re-exposes a built-in implementation
			// under its own id, triggers and priority.
			builtin, ok := builtinImpls[pc.Capability]
			if !ok {
				slog.Warn("Skipping local-skill provider with no command and no built-in implementation",
					"provider", pc.ID, "capability", pc.Capability)
				continue
			}
			impl = builtin
		default:
			slog.Warn("Skipping provider with unknown method",
				"provider", pc.ID, "method", pc.Method)
			continue
		}

		impl = provider.WithAPIKey(impl, pc.APIKeyEnv)

		reg := provider.Registration{
			ID:             pc.ID,
			Capability:     pc.Capability,
			Kind:           pc.Method,
			Triggers:       pc.Triggers,
			Priority:       pc.Priority,
			InstallCommand: pc.InstallCommand,
			Installed:      cfg.ProviderRegistry.IsInstalled(pc.ID),
			Provider:       impl,
		}
		if err := registry.Register(reg); err != nil {
			return fmt.Errorf("failed to register provider %s: %w", pc.ID, err)
		}
	}
	return nil
}

// llmCLIConfig returns the binary and args of the first llm-cli provider in
// the configuration. The same CLI that serves capability calls drives plan
// reasoning.
func llmCLIConfig(cfg *config.Config) (string, []string) {
	for _, pc := range cfg.ProviderRegistry.GetAll() {
		if pc.Method == models.ExecutionMethodLLMCLI && pc.Command != "" {
			return pc.Command, pc.Args
		}
	}
	return "", nil
}

// registerConfigSchedules adds YAML-declared schedules that are not in the
// persisted registry yet. Matching is by name: Add assigns fresh ids, so id
// comparison would re-add the same declaration on every boot.
func registerConfigSchedules(sched *scheduler.Scheduler, declared []*models.ScheduledTask) {
	existing := make(map[string]bool)
	for _, task := range sched.List() {
		existing[task.Name] = true
	}

	for _, task := range declared {
		if existing[task.Name] {
			continue
		}
		if _, err := sched.Add(task); err != nil {
			slog.Warn("Failed to register configured schedule",
				"schedule", task.Name, "error", err)
			continue
		}
		slog.Info("Registered configured schedule",
			"schedule", task.Name, "kind", task.Kind)
	}
}

// permissionPolicy translates the hooks configuration into the pre-step
// gate's allow/deny lists. A capability granted actions is allowed; one
// listed with none granted is denied outright.
func permissionPolicy(hooksCfg *config.HooksConfig) hooks.PermissionPolicy {
	var policy hooks.PermissionPolicy
	for capability, actions := range hooksCfg.Permissions {
		if len(actions) == 0 {
			policy.Denied = append(policy.Denied, capability)
		} else {
			policy.Allowed = append(policy.Allowed, capability)
		}
	}
	sort.Strings(policy.Allowed)
	sort.Strings(policy.Denied)
	return policy
}

// rateLimitFloor picks the strictest configured per-minute limit. The
// pre-step hook enforces one global per-capability budget, so the tightest
// declared value applies to all. Zero leaves rate limiting off.
func rateLimitFloor(limits map[string]int) int {
	floor := 0
	for _, limit := range limits {
		if limit <= 0 {
			continue
		}
		if floor == 0 || limit < floor {
			floor = limit
		}
	}
	return floor
}

// setupLogging configures the default logger from LOG_LEVEL and ENVIRONMENT.
// Production emits JSON lines, everything else human-readable text.
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(getEnv("LOG_LEVEL", "info")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if getEnv("ENVIRONMENT", "development") == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// getEnv returns the environment value or a default when unset.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID identifies this instance for queue claims: POD_ID wins,
// HOSTNAME covers container platforms, "local" covers development.
func resolvePodID() string {
	if podID := os.Getenv("POD_ID"); podID != "" {
		return podID
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}
