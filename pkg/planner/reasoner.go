package planner

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// Reasoner proposes the middle steps of a plan from an intent. A reasoner
// that cannot help returns an error; the planner degrades to a single-step
// plan rather than failing.
type Reasoner interface {
	Reason(ctx context.Context, intent string, route models.RouteDecision) (*Reasoning, error)
}

// Reasoning is a reasoner's proposed decomposition.
type Reasoning struct {
	Goal      string
	Steps     []ProposedStep
	Questions []string
}

// ProposedStep is one unit of the decomposition. An empty capability means
// the route's primary.
type ProposedStep struct {
	Description  string
	Capability   string
	Inputs       map[string]any
	TestCriteria []string
}

// HeuristicReasoner decomposes intents without a model: explicit
// enumerations and sequence connectors become separate steps, anything else
// stays a single step. It never returns an error.
type HeuristicReasoner struct{}

func (h *HeuristicReasoner) Reason(_ context.Context, intent string, route models.RouteDecision) (*Reasoning, error) {
	parts := splitIntent(intent)
	if len(parts) == 0 {
		parts = []string{normalize(intent)}
	}

	reasoning := &Reasoning{Goal: normalize(intent)}
	for _, part := range parts {
		reasoning.Steps = append(reasoning.Steps, ProposedStep{
			Description: part,
			Inputs:      map[string]any{"input": part},
		})
	}
	if route.Defaulted {
		reasoning.Questions = append(reasoning.Questions,
			"Which capability should handle this request?")
	}
	return reasoning, nil
}

var (
	// enumMarker matches numbered or bulleted list markers, inline or at
	// line starts ("1. fetch", "2) save", "- scrape").
	enumMarker = regexp.MustCompile(`(?m)(?:^|\s)(?:\d+[.)]|[-*])\s+`)

	// sequenceSplit matches the connectors that chain sequential clauses.
	// Longer forms first so ", then" is not consumed as a bare comma.
	sequenceSplit = regexp.MustCompile(`(?i)(?:;|,\s+then\s+|\s+and\s+then\s+|\s+then\s+|\s+after\s+that,?\s+)`)
)

// splitIntent breaks an intent into step-sized parts. Explicit enumerations
// win over sequence connectors; a plain sentence stays whole.
func splitIntent(intent string) []string {
	text := strings.TrimSpace(intent)
	if text == "" {
		return nil
	}

	if enumMarker.MatchString(text) {
		if parts := cleanParts(enumMarker.Split(text, -1)); len(parts) > 1 {
			return parts
		}
	}
	return cleanParts(sequenceSplit.Split(text, -1))
}

// cleanParts trims fragments and drops an enumeration preamble ("do the
// following:").
func cleanParts(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(strings.Trim(strings.TrimSpace(part), ",;"))
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	if len(out) > 1 && strings.HasSuffix(out[0], ":") {
		out = out[1:]
	}
	return out
}

// analysis captures what the planner inferred from the intent text itself,
// independent of the routing rule.
type analysis struct {
	verb              string
	requiresWebSearch bool
	checkDBFirst      bool
}

var (
	webSearchHints = map[string]bool{
		"latest": true, "current": true, "today": true, "now": true,
		"recent": true, "news": true, "headlines": true,
	}
	dbHints = map[string]bool{
		"database": true, "db": true, "sql": true, "table": true,
		"record": true, "records": true, "schema": true,
	}
)

func analyze(intent string) analysis {
	words := strings.FieldsFunc(strings.ToLower(intent), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	a := analysis{}
	if len(words) > 0 {
		a.verb = words[0]
	}
	for _, w := range words {
		if webSearchHints[w] {
			a.requiresWebSearch = true
		}
		if dbHints[w] {
			a.checkDBFirst = true
		}
	}
	return a
}

// normalize collapses runs of whitespace so goals read cleanly.
func normalize(intent string) string {
	return strings.Join(strings.Fields(intent), " ")
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}
