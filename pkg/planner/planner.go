// Package planner turns a routed intent into a sealed, persisted plan.
//
// The middle of a plan comes from a Reasoner (the built-in heuristic
// splitter by default, a model-backed one when configured); the planner
// wraps it in policy steps: context loading for non-trivial work, web
// search and database inspection when the route or the text demands them,
// a testing step for intents that want one, and a closing
// completion-verification step that every plan carries.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/config"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// Scaffold capability names. All are registered built-ins.
const (
	capContextLoad = "context-load"
	capWebSearch   = "web-search"
	capDBInspect   = "db-inspect"
	capTesting     = "testing"
	capVerify      = "completion-verify"
)

// Planner builds sealed plans from routed intents.
type Planner struct {
	defaults     *config.Defaults
	capabilities *config.CapabilityRegistry
	reasoner     Reasoner
	logger       *slog.Logger
}

// New creates a planner. A nil reasoner falls back to the built-in
// heuristic splitter.
func New(defaults *config.Defaults, capabilities *config.CapabilityRegistry, reasoner Reasoner) *Planner {
	if reasoner == nil {
		reasoner = &HeuristicReasoner{}
	}
	return &Planner{
		defaults:     defaults,
		capabilities: capabilities,
		reasoner:     reasoner,
		logger:       slog.Default().With("component", "planner"),
	}
}

// Build produces a sealed plan for the intent. It never fails hard: a
// reasoner error degrades to a single-step plan mapping the intent onto the
// route's primary capability, and a persistence error is logged without
// invalidating the returned plan.
func (p *Planner) Build(ctx context.Context, intent string, route models.RouteDecision, callCtx models.CallContext) *models.Plan {
	goal := normalize(intent)
	textFlags := analyze(intent)

	var plan *models.Plan
	reasoning, err := p.reasoner.Reason(ctx, intent, route)
	if err != nil || reasoning == nil || len(reasoning.Steps) == 0 {
		if err != nil {
			p.logger.Warn("Reasoner unavailable; falling back to single-step plan",
				"session_id", callCtx.SessionID, "error", err)
		}
		plan = p.fallbackPlan(goal, route)
	} else {
		plan = p.assemble(goal, route, textFlags, reasoning)
	}

	plan.Renumber()
	plan.Sealed = true

	if err := p.persist(plan); err != nil {
		p.logger.Warn("Failed to persist plan", "task_id", plan.TaskID, "error", err)
	}
	p.logger.Info("Plan sealed",
		"task_id", plan.TaskID,
		"category", plan.Category,
		"complexity", plan.Complexity,
		"steps", len(plan.Steps))
	return plan
}

// assemble wraps the reasoner's middle steps in the policy scaffold.
func (p *Planner) assemble(goal string, route models.RouteDecision, textFlags analysis, reasoning *Reasoning) *models.Plan {
	plan := &models.Plan{
		TaskID:              uuid.New().String(),
		Goal:                firstNonEmpty(reasoning.Goal, goal),
		Category:            route.Category,
		ClarifyingQuestions: reasoning.Questions,
		CreatedAt:           time.Now().UTC(),
	}

	middle := make([]*models.Step, 0, len(reasoning.Steps))
	for _, proposed := range reasoning.Steps {
		capName := proposed.Capability
		if capName == "" {
			capName = route.PrimaryCapability
		}
		middle = append(middle, &models.Step{
			Description:  proposed.Description,
			Capability:   capName,
			Kind:         p.kindOf(capName),
			Fallbacks:    append([]string(nil), route.FallbackCapabilities...),
			BeforeHooks:  append([]string(nil), route.BeforeHooks...),
			AfterHooks:   append([]string(nil), route.AfterHooks...),
			Inputs:       proposed.Inputs,
			TestCriteria: proposed.TestCriteria,
			Status:       models.StepStatusPending,
		})
	}

	plan.Complexity = classify(len(middle), wordCount(goal), route)

	// Scaffold order: context first so every later step can use it, then
	// the freshness and database checks the work depends on.
	var prefix []*models.Step
	if plan.Complexity != models.ComplexitySimple {
		prefix = append(prefix, p.scaffoldStep(capContextLoad,
			"Load session context and relevant memory", nil))
	}
	if (route.RequiresWebSearch || textFlags.requiresWebSearch) && !usesCapability(middle, capWebSearch) {
		prefix = append(prefix, p.scaffoldStep(capWebSearch,
			"Search the web for current information on: "+goal,
			map[string]any{"query": goal}))
	}
	if (route.RequiresDBCheck || textFlags.checkDBFirst) && !usesCapability(middle, capDBInspect) {
		prefix = append(prefix, p.scaffoldStep(capDBInspect,
			"Inspect the relational store before acting", nil))
	}
	plan.Steps = append(prefix, middle...)

	if route.RequiresTesting && !p.defaults.TestExempt(textFlags.verb) {
		plan.Steps = append(plan.Steps, p.scaffoldStep(capTesting,
			"Evaluate collected test criteria against step outputs", nil))
	}
	plan.Steps = append(plan.Steps, p.verifyStep())
	return plan
}

// fallbackPlan maps the intent straight onto the primary capability. The
// completion-verify step still closes the plan so the stop hook keeps its
// ledger gate.
func (p *Planner) fallbackPlan(goal string, route models.RouteDecision) *models.Plan {
	return &models.Plan{
		TaskID:     uuid.New().String(),
		Goal:       goal,
		Category:   route.Category,
		Complexity: models.ComplexitySimple,
		CreatedAt:  time.Now().UTC(),
		Steps: []*models.Step{
			{
				Description: goal,
				Capability:  route.PrimaryCapability,
				Kind:        p.kindOf(route.PrimaryCapability),
				Fallbacks:   append([]string(nil), route.FallbackCapabilities...),
				BeforeHooks: append([]string(nil), route.BeforeHooks...),
				AfterHooks:  append([]string(nil), route.AfterHooks...),
				Inputs:      map[string]any{"input": goal},
				Status:      models.StepStatusPending,
			},
			p.verifyStep(),
		},
	}
}

func (p *Planner) verifyStep() *models.Step {
	return p.scaffoldStep(capVerify,
		"Verify the task ledger before finishing",
		map[string]any{"strict": p.defaults.Strict()})
}

// scaffoldStep builds a policy step bound to a built-in capability, picking
// up that capability's own hook defaults.
func (p *Planner) scaffoldStep(capName, description string, inputs map[string]any) *models.Step {
	step := &models.Step{
		Description: description,
		Capability:  capName,
		Kind:        p.kindOf(capName),
		Inputs:      inputs,
		Status:      models.StepStatusPending,
	}
	if capability, err := p.capabilities.Get(capName); err == nil {
		step.BeforeHooks = append([]string(nil), capability.BeforeHooks...)
		step.AfterHooks = append([]string(nil), capability.AfterHooks...)
	}
	return step
}

func (p *Planner) kindOf(capName string) models.CapabilityKind {
	if capability, err := p.capabilities.Get(capName); err == nil {
		return capability.Kind
	}
	return models.CapabilityKindSkill
}

// classify buckets the intent. A single step of short work is simple;
// explicit sequencing or planning-flagged intents are complex; everything
// else lands in the middle.
func classify(middleSteps, words int, route models.RouteDecision) models.Complexity {
	switch {
	case route.RequiresPlanning || middleSteps >= 3:
		return models.ComplexityComplex
	case middleSteps <= 1 && words <= 12:
		return models.ComplexitySimple
	default:
		return models.ComplexityMedium
	}
}

// PlanPath returns where a task's plan is persisted.
func (p *Planner) PlanPath(taskID string) string {
	return filepath.Join(p.defaults.DataDir, "plans", taskID+".json")
}

// Load reads a previously persisted plan back.
func (p *Planner) Load(taskID string) (*models.Plan, error) {
	data, err := os.ReadFile(p.PlanPath(taskID))
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", taskID, err)
	}
	var plan models.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan %s: %w", taskID, err)
	}
	return &plan, nil
}

// persist writes the plan JSON via temp+rename so a concurrent reader never
// sees a partial document.
func (p *Planner) persist(plan *models.Plan) error {
	dir := filepath.Join(p.defaults.DataDir, "plans")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create plans directory: %w", err)
	}

	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	data = append(data, '\n')

	path := p.PlanPath(plan.TaskID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// usesCapability reports whether any middle step already invokes the named
// capability, so the scaffold does not schedule the same work twice.
func usesCapability(steps []*models.Step, capName string) bool {
	for _, step := range steps {
		if step.Capability == capName {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
