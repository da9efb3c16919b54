package resolver

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/provider"
)

// Snapshot is one discovery scan over the provider registry.
type Snapshot struct {
	TakenAt   time.Time
	Providers []*provider.Registration // registration order
}

// Discover returns the current provider snapshot, rescanning the registry
// when the cached one is older than the discovery TTL. A rescan also clears
// the managed-provider tool caches so the next listing re-probes live
// servers.
func (r *Resolver) Discover() *Snapshot {
	ttl := r.defaults.DiscoveryTTL()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.snapshot != nil && time.Since(r.snapshot.TakenAt) < ttl {
		return r.snapshot
	}

	rescan := r.snapshot != nil
	r.snapshot = &Snapshot{TakenAt: time.Now(), Providers: r.registry.List()}
	if rescan && r.invalidator != nil {
		r.invalidator.InvalidateAllToolCaches()
	}
	r.logger.Debug("Provider discovery scan",
		"providers", len(r.snapshot.Providers), "rescan", rescan)
	return r.snapshot
}

// InvalidateDiscovery drops the cached snapshot so the next Resolve rescans
// the registry. Called after a provider install changes the landscape.
func (r *Resolver) InvalidateDiscovery() {
	r.mu.Lock()
	r.snapshot = nil
	r.mu.Unlock()
}

// Resolve produces the priority-ordered candidate list for a request.
// A request names a capability directly ("web-scraper") or describes work
// whose keywords hit provider triggers ("scrape the pricing page").
func (r *Resolver) Resolve(request string) []models.ResolvedCapability {
	snapshot := r.Discover()
	name := strings.ToLower(strings.TrimSpace(request))
	tokens := keywords(request)

	var cands []candidate
	for i, reg := range snapshot.Providers {
		exact := name != "" &&
			(strings.EqualFold(reg.Capability, name) || strings.EqualFold(reg.ID, name))
		hits := triggerMatches(tokens, reg.Triggers)
		if !exact && hits == 0 {
			continue
		}
		cands = append(cands, candidate{reg: reg, index: i, exact: exact, matches: hits})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.exact != b.exact {
			return a.exact
		}
		if ra, rb := methodRank(a.reg.Kind), methodRank(b.reg.Kind); ra != rb {
			return ra > rb
		}
		if a.reg.Priority != b.reg.Priority {
			return a.reg.Priority > b.reg.Priority
		}
		if a.reg.Installed != b.reg.Installed {
			return a.reg.Installed
		}
		if a.matches != b.matches {
			return a.matches > b.matches
		}
		return a.index < b.index
	})

	out := make([]models.ResolvedCapability, 0, len(cands))
	for _, c := range cands {
		capName := c.reg.Capability
		if capName == "" {
			capName = c.reg.ID
		}
		out = append(out, models.ResolvedCapability{
			Name:       capName,
			ProviderID: c.reg.ID,
			Method:     c.reg.Kind,
			Priority:   c.reg.Priority,
		})
	}
	return out
}

// candidate pairs a registration with its rank inputs.
type candidate struct {
	reg     *provider.Registration
	index   int  // registration order, the final tie-break
	exact   bool // capability or id named the provider directly
	matches int  // trigger keyword hits
}

// methodRank orders execution methods. Managed providers clear blocked and
// JS-heavy work so they outrank everything; AI fallbacks sit at the bottom.
func methodRank(m models.ExecutionMethod) int {
	switch m {
	case models.ExecutionMethodManagedProvider:
		return 3
	case models.ExecutionMethodDirectHTTP:
		return 2
	case models.ExecutionMethodLocalSkill:
		return 1
	default: // llm-cli and anything unknown
		return 0
	}
}

// keywords splits a request into a lowercase token set.
func keywords(request string) map[string]bool {
	tokens := strings.FieldsFunc(strings.ToLower(request), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		set[tok] = true
	}
	return set
}

// triggerMatches counts how many of the provider's triggers appear in the
// request's keyword set. Multi-word triggers require every word.
func triggerMatches(tokens map[string]bool, triggers []string) int {
	count := 0
	for _, trigger := range triggers {
		words := strings.Fields(strings.ToLower(trigger))
		if len(words) == 0 {
			continue
		}
		all := true
		for _, w := range words {
			if !tokens[w] {
				all = false
				break
			}
		}
		if all {
			count++
		}
	}
	return count
}
