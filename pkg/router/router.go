// Package router maps free-text intents onto execution skeletons using the
// ordered routing-rule table. The first matching rule wins; an intent no
// rule claims falls through to the planning default. Routing is a pure
// lookup and never returns an error.
package router

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/config"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

const (
	// CategoryUnknown tags intents no rule claimed.
	CategoryUnknown = "unknown"
	// DefaultCapability receives unknown intents.
	DefaultCapability = "planning-agent"
)

// Router resolves intents against the routing-rule table.
type Router struct {
	rules        *config.RuleRegistry
	capabilities *config.CapabilityRegistry
	logger       *slog.Logger

	// matchers caches compiled patterns by rule name. Rule names are
	// append-only so entries never go stale.
	mu       sync.RWMutex
	matchers map[string]matcher
}

// New creates a router over the rule and capability registries.
func New(rules *config.RuleRegistry, capabilities *config.CapabilityRegistry) *Router {
	return &Router{
		rules:        rules,
		capabilities: capabilities,
		matchers:     make(map[string]matcher),
		logger:       slog.Default().With("component", "router"),
	}
}

// Route produces the execution skeleton for an intent: category, primary
// and fallback capabilities, the deduplicated hook union, requirement flags,
// and any iteration override the matching rule carries.
func (r *Router) Route(intent string) models.RouteDecision {
	lowered := strings.ToLower(strings.TrimSpace(intent))

	for _, rule := range r.rules.GetAll() {
		if r.matcherFor(rule).matches(lowered) {
			return r.decide(rule)
		}
	}

	r.logger.Warn("No routing rule matched intent; using default route", "intent", intent)
	decision := r.decide(&models.RoutingRule{
		Category:          CategoryUnknown,
		PrimaryCapability: DefaultCapability,
		AlwaysSearchWeb:   true,
		RequiresPlanning:  true,
	})
	decision.Defaulted = true
	return decision
}

// CapabilityGap reports whether the intent needs a capability the system
// does not have, so upstream can create one instead of failing the intent.
func (r *Router) CapabilityGap(intent string) models.CapabilityGap {
	decision := r.Route(intent)

	gap := models.CapabilityGap{
		Category:   decision.Category,
		Capability: decision.PrimaryCapability,
	}
	switch {
	case decision.Category == CategoryUnknown:
		gap.Missing = true
		gap.Reason = "no routing rule matched the intent"
	case !r.capabilities.Has(decision.PrimaryCapability):
		gap.Missing = true
		gap.Reason = fmt.Sprintf("capability %q is not registered", decision.PrimaryCapability)
	}
	return gap
}

// decide builds the decision for a matched rule: rule fields first, then
// the primary capability's hook defaults and requirement flags merged in.
// The hook union is deduplicated across both lists, first placement wins.
func (r *Router) decide(rule *models.RoutingRule) models.RouteDecision {
	decision := models.RouteDecision{
		Category:             rule.Category,
		PrimaryCapability:    rule.PrimaryCapability,
		FallbackCapabilities: append([]string(nil), rule.FallbackCapabilities...),
		RequiresWebSearch:    rule.AlwaysSearchWeb,
		RequiresDBCheck:      rule.AlwaysCheckDB,
		RequiresPlanning:     rule.RequiresPlanning,
		RequiresTesting:      rule.RequiresTesting,
	}
	if rule.MaxIterations != nil {
		decision.MaxIterations = config.IntPtr(*rule.MaxIterations)
	}

	seen := make(map[string]bool)
	add := func(dst *[]string, name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		*dst = append(*dst, name)
	}
	for _, h := range rule.HooksToTrigger {
		add(&decision.BeforeHooks, h)
	}

	primary, err := r.capabilities.Get(rule.PrimaryCapability)
	if err != nil {
		return decision
	}
	for _, h := range primary.BeforeHooks {
		add(&decision.BeforeHooks, h)
	}
	for _, h := range primary.AfterHooks {
		add(&decision.AfterHooks, h)
	}
	decision.RequiresWebSearch = decision.RequiresWebSearch || primary.RequiresWebSearch
	decision.RequiresDBCheck = decision.RequiresDBCheck || primary.RequiresDBCheck
	decision.RequiresCache = primary.RequiresCacheCheck
	decision.RequiresTesting = decision.RequiresTesting || primary.AutoTest
	return decision
}

func (r *Router) matcherFor(rule *models.RoutingRule) matcher {
	r.mu.RLock()
	m, ok := r.matchers[rule.Name]
	r.mu.RUnlock()
	if ok {
		return m
	}

	m = compileMatcher(rule.Pattern)
	r.mu.Lock()
	r.matchers[rule.Name] = m
	r.mu.Unlock()
	return m
}

// matcher reports whether a lowered intent satisfies a rule pattern.
type matcher interface {
	matches(lowered string) bool
}

type regexMatcher struct{ re *regexp.Regexp }

func (m regexMatcher) matches(lowered string) bool {
	return m.re.MatchString(lowered)
}

type keywordMatcher struct{ words []string }

func (m keywordMatcher) matches(lowered string) bool {
	if len(m.words) == 0 {
		return false
	}
	tokens := tokenize(lowered)
	for _, w := range m.words {
		if !tokens[w] {
			return false
		}
	}
	return true
}

var regexMeta = regexp.MustCompile(`[\\.+*?()|\[\]{}^$]`)

// compileMatcher treats the pattern as a regular expression when it uses
// regex syntax and compiles; a plain word list becomes a keyword-set
// matcher requiring every word to appear in the intent.
func compileMatcher(pattern string) matcher {
	if regexMeta.MatchString(pattern) {
		if re, err := regexp.Compile(pattern); err == nil {
			return regexMatcher{re: re}
		}
	}
	return keywordMatcher{words: strings.Fields(strings.ToLower(pattern))}
}

// tokenize splits a lowered intent into its word set.
func tokenize(lowered string) map[string]bool {
	words := strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
