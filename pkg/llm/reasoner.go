// Package llm adapts a local LLM command line tool into a plan reasoner.
// The model is asked for a JSON decomposition of the intent; anything the
// model gets wrong degrades to the planner's heuristic path, never to a
// failed session.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/mcp"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/planner"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/provider"
)

// maxProposedSteps bounds how many steps a model response may contribute.
const maxProposedSteps = 20

const decompositionPrompt = `You are the planning assistant of a task orchestrator.
Decompose the request into ordered, independently executable steps.

Request: %s
Category: %s
Primary capability: %s

Respond with a single JSON object and nothing else, shaped exactly like:
{"goal":"one line restating the request","steps":[{"description":"what this step does","capability":"","inputs":{},"test_criteria":[]}],"questions":[]}

Leave "capability" empty unless a step clearly needs a capability other than the primary.
List genuine ambiguities in "questions"; leave it empty otherwise.`

// Reasoner asks a configured LLM CLI to decompose intents. It satisfies
// planner.Reasoner; errors make the planner fall back to its heuristics.
type Reasoner struct {
	runner promptRunner
}

// promptRunner is the subprocess seam. *provider.LLMCLIProvider satisfies it.
type promptRunner interface {
	Execute(ctx context.Context, action string, params map[string]any, call models.CallContext) models.Outcome
}

// NewReasoner creates a reasoner backed by the given CLI binary. The binary
// receives the prompt on stdin and must print the completion to stdout.
func NewReasoner(binary string, args []string, timeout time.Duration) *Reasoner {
	return &Reasoner{runner: provider.NewLLMCLIProvider(binary, args, timeout)}
}

func (r *Reasoner) Reason(ctx context.Context, intent string, route models.RouteDecision) (*planner.Reasoning, error) {
	// Bound the variable part only; the shape instructions after it must
	// survive whatever the user pasted.
	prompt := fmt.Sprintf(decompositionPrompt,
		mcp.TruncateForPrompt(strings.TrimSpace(intent)), route.Category, route.PrimaryCapability)

	outcome := r.runner.Execute(ctx, "reason", map[string]any{"prompt": prompt}, models.CallContext{})
	if !outcome.Success {
		return nil, fmt.Errorf("llm reasoning failed: %s", outcome.Error)
	}

	raw, _ := outcome.Data["output"].(string)
	reasoning, err := parseReasoning(raw)
	if err != nil {
		return nil, err
	}
	if reasoning.Goal == "" {
		reasoning.Goal = strings.Join(strings.Fields(intent), " ")
	}
	return reasoning, nil
}

// wireReasoning mirrors the JSON shape the prompt demands.
type wireReasoning struct {
	Goal      string     `json:"goal"`
	Steps     []wireStep `json:"steps"`
	Questions []string   `json:"questions"`
}

type wireStep struct {
	Description  string         `json:"description"`
	Capability   string         `json:"capability"`
	Inputs       map[string]any `json:"inputs"`
	TestCriteria []string       `json:"test_criteria"`
}

// parseReasoning extracts the JSON object from a completion. Models wrap
// JSON in code fences or prose despite instructions, so the parse takes the
// outermost brace pair rather than demanding a clean document.
func parseReasoning(raw string) (*planner.Reasoning, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in llm output")
	}

	var wire wireReasoning
	if err := json.Unmarshal([]byte(raw[start:end+1]), &wire); err != nil {
		return nil, fmt.Errorf("malformed llm output: %w", err)
	}

	reasoning := &planner.Reasoning{
		Goal:      strings.TrimSpace(wire.Goal),
		Questions: wire.Questions,
	}
	for _, step := range wire.Steps {
		desc := strings.TrimSpace(step.Description)
		if desc == "" {
			continue
		}
		reasoning.Steps = append(reasoning.Steps, planner.ProposedStep{
			Description:  desc,
			Capability:   strings.TrimSpace(step.Capability),
			Inputs:       step.Inputs,
			TestCriteria: step.TestCriteria,
		})
		if len(reasoning.Steps) == maxProposedSteps {
			break
		}
	}
	if len(reasoning.Steps) == 0 {
		return nil, fmt.Errorf("llm output proposed no steps")
	}
	return reasoning, nil
}
