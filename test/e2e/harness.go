// Package e2e drives the orchestrator through whole intent lifecycles: a
// real SQLite store on disk, the stock routing table, the built-in skills,
// and the full hook chain. Only the domain capabilities each scenario
// exercises (workflow executors, scrapers, status probes) are scripted.
package e2e

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/audit"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/config"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/database"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/engine"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/events"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/hooks"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/ledger"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/orchestrator"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/planner"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/provider"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/resolver"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/router"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/services"
)

// recordingProvider returns queued outcomes in order, repeating the last one
// once the queue drains, and keeps a copy of the params of every call so
// tests can assert on merged input overrides.
type recordingProvider struct {
	mu       sync.Mutex
	outcomes []models.Outcome
	params   []map[string]any
	calls    int
}

func script(outcomes ...models.Outcome) *recordingProvider {
	return &recordingProvider{outcomes: outcomes}
}

func (p *recordingProvider) Execute(_ context.Context, _ string, params map[string]any, _ models.CallContext) models.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	copied := make(map[string]any, len(params))
	for k, v := range params {
		copied[k] = v
	}
	p.params = append(p.params, copied)

	p.calls++
	if len(p.outcomes) == 0 {
		return models.Outcome{Success: true}
	}
	out := p.outcomes[0]
	if len(p.outcomes) > 1 {
		p.outcomes = p.outcomes[1:]
	}
	return out
}

func (p *recordingProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *recordingProvider) paramsAt(i int) map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.params) {
		return nil
	}
	return p.params[i]
}

// harness is the production wiring minus the HTTP surface: file-backed
// SQLite, NDJSON audit log, built-in skills, pre/post/approval hooks, and
// the stop hook over the stock error patterns and destructive verbs.
type harness struct {
	orch     *orchestrator.Orchestrator
	defaults *config.Defaults
	sessions *services.SessionService
	messages *services.MessageService
	convs    *services.ConversationService
	ledgers  *ledger.Factory
	audit    *audit.Logger
	registry *provider.Registry
	stop     *hooks.StopHook
}

func newHarness(t *testing.T, mutate func(*config.Defaults)) *harness {
	t.Helper()

	defaults := &config.Defaults{
		MaxIterations:            config.IntPtr(10),
		MaxTimeSeconds:           300,
		MaxBudget:                10,
		MinEvidenceChars:         10,
		MaxRetries:               2,
		CapabilityTimeoutSeconds: 5,
		ApprovalTimeoutSeconds:   config.IntPtr(10),
		ApprovalPollSeconds:      1,
		InvocationCost:           0.01,
		EscalationBudgetRatio:    0.8,
		DataDir:                  t.TempDir(),
	}
	if mutate != nil {
		mutate(defaults)
	}

	client, err := database.NewClient(context.Background(), database.Config{
		Path: filepath.Join(t.TempDir(), "orchestrator.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	sessions := services.NewSessionService(client)
	messages := services.NewMessageService(client)
	convs := services.NewConversationService(client)
	memory := services.NewMemoryService(client)

	ledgers := ledger.NewFactory(defaults.DataDir)

	auditLog, err := audit.New(defaults.DataDir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLog.Close() })

	bus := events.NewBus()
	builtin := config.GetBuiltinConfig()
	capabilities := config.NewCapabilityRegistry(builtin.Capabilities)

	registry := provider.NewRegistry()
	for _, skill := range []struct {
		id         string
		capability string
		impl       provider.Provider
	}{
		{"builtin-context-load", "context-load", provider.NewContextLoadSkill(memory)},
		{"builtin-db-inspect", "db-inspect", provider.NewDBInspectSkill(client)},
		{"builtin-testing", "testing", provider.NewTestingSkill()},
		{"builtin-completion-verify", "completion-verify", provider.NewCompletionVerifySkill(ledgers)},
		{resolver.AnalyserProviderID, "failure-analyser", provider.NewFailureAnalyserSkill()},
	} {
		reg := provider.Registration{
			ID:         skill.id,
			Capability: skill.capability,
			Kind:       models.ExecutionMethodLocalSkill,
			Installed:  true,
			Provider:   skill.impl,
		}
		if capability, err := capabilities.Get(skill.capability); err == nil {
			reg.Triggers = capability.Triggers
			reg.Priority = capability.Priority
		}
		require.NoError(t, registry.Register(reg))
	}

	stop := hooks.NewStopHook(defaults, messages, builtin.ErrorPatterns, builtin.DestructiveVerbs)

	chain := hooks.NewChain()
	require.NoError(t, chain.Register(hooks.NewPreStepHook(defaults, hooks.PermissionPolicy{}, 0, 0)))
	require.NoError(t, chain.Register(hooks.NewPostStepHook(memory)))
	require.NoError(t, chain.Register(hooks.NewApprovalHook(defaults, messages, auditLog, bus)))

	eng, err := engine.New(engine.Deps{
		Resolver: resolver.New(registry, defaults, nil, nil, nil),
		Chain:    chain,
		Stop:     stop,
		Defaults: defaults,
		Audit:    auditLog,
		Bus:      bus,
		States:   sessions,
	})
	require.NoError(t, err)

	orch, err := orchestrator.New(orchestrator.Deps{
		Router:        router.New(config.NewRuleRegistry(builtin.RoutingRules), capabilities),
		Planner:       planner.New(defaults, capabilities, nil),
		Engine:        eng,
		Sessions:      sessions,
		Messages:      messages,
		Conversations: convs,
		Ledgers:       ledgers,
		Stop:          stop,
		Audit:         auditLog,
		Bus:           bus,
		Defaults:      defaults,
	})
	require.NoError(t, err)

	return &harness{
		orch:     orch,
		defaults: defaults,
		sessions: sessions,
		messages: messages,
		convs:    convs,
		ledgers:  ledgers,
		audit:    auditLog,
		registry: registry,
		stop:     stop,
	}
}

// register adds a scripted domain provider to the registry.
func (h *harness) register(t *testing.T, id, capability string, kind models.ExecutionMethod, priority int, p provider.Provider) {
	t.Helper()
	require.NoError(t, h.registry.Register(provider.Registration{
		ID:         id,
		Capability: capability,
		Kind:       kind,
		Installed:  true,
		Priority:   priority,
		Provider:   p,
	}))
}

// runIntent accepts an intent and processes its session to the final
// promise. The returned session is the intake snapshot; reload it for the
// terminal state.
func (h *harness) runIntent(t *testing.T, ctx context.Context, userID, intent string) (*models.Session, *engine.Result) {
	t.Helper()
	session, err := h.orch.HandleIntent(ctx, userID, intent)
	require.NoError(t, err)
	result, err := h.orch.ProcessSession(ctx, session.ID)
	require.NoError(t, err)
	return session, result
}

func (h *harness) session(t *testing.T, sessionID string) *models.Session {
	t.Helper()
	loaded, err := h.sessions.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	return loaded
}

// tasks re-opens the session ledger from disk and returns its tasks as the
// processing run persisted them.
func (h *harness) tasks(t *testing.T, sessionID string) []*models.Task {
	t.Helper()
	mgr, err := h.ledgers.Open(sessionID)
	require.NoError(t, err)
	return mgr.List()
}

func (h *harness) auditKind(t *testing.T, kind string) []models.AuditEvent {
	t.Helper()
	evts, err := h.audit.Query(audit.Filter{Kind: kind})
	require.NoError(t, err)
	return evts
}

// capabilityCalls returns the audited invocation attempts of one capability,
// in the order they were made.
func (h *harness) capabilityCalls(t *testing.T, capability string) []models.AuditEvent {
	t.Helper()
	var out []models.AuditEvent
	for _, evt := range h.auditKind(t, models.AuditCapabilityCall) {
		if evt.Action == capability {
			out = append(out, evt)
		}
	}
	return out
}

// messageOfKind returns the session's last message of the given kind and
// fails the test when there is none.
func (h *harness) messageOfKind(t *testing.T, sessionID string, kind models.MessageKind) *models.Message {
	t.Helper()
	msgs, err := h.messages.ListSessionMessages(context.Background(), sessionID)
	require.NoError(t, err)
	var found *models.Message
	for _, msg := range msgs {
		if msg.Kind == kind {
			found = msg
		}
	}
	require.NotNilf(t, found, "no %s message in session %s", kind, sessionID)
	return found
}

// respondWhenAsked watches the session for an approval request and answers
// it. A request that never appears leaves the approval hook to its timeout,
// which the calling test observes as a terminated step.
func (h *harness) respondWhenAsked(sessionID string, approved bool, reason string) {
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			msgs, err := h.messages.ListSessionMessages(context.Background(), sessionID)
			if err == nil {
				for _, msg := range msgs {
					if msg.Kind == models.MessageKindApprovalRequest {
						_ = h.orch.RespondApproval(context.Background(), msg.ID, approved, reason)
						return
					}
				}
			}
			time.Sleep(25 * time.Millisecond)
		}
	}()
}
