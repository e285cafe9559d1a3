package rule

import (
	"fmt"
	"sort"
	"sync"
)

import (
	"github.com/stockpulse/rls/internal/rcu"
)

// PolicySource supplies the additional rules of the policy assigned to an
// identifier. Implemented by the policy manager; nil means no policies.
type PolicySource interface {
	RulesFor(identifier string) []Rule
}

type entry struct {
	Scope Scope
	Rule  Rule
}

// registrySet is an immutable rule set published through the RCU snapshot.
type registrySet struct {
	entries map[string]entry
}

// Registry holds the scoped rule registry. Reads (Resolve, Get) are
// lock-free over the current snapshot; writers copy, modify and swap
// under a mutex. A limit update is visible to the very next Resolve.
type Registry struct {
	snap     *rcu.Snapshot[registrySet]
	policies PolicySource
	mu       sync.Mutex // serializes writers only
}

func NewRegistry(policies PolicySource) *Registry {
	init := &registrySet{entries: map[string]entry{}}
	return &Registry{
		snap:     rcu.NewSnapshot(init),
		policies: policies,
	}
}

// Register validates the rule and publishes it under the scope. An existing
// rule with the same name is replaced.
func (reg *Registry) Register(scope Scope, r Rule) error {
	if err := r.Normalize(); err != nil {
		return err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.swap(func(next map[string]entry) {
		next[r.Name] = entry{Scope: scope, Rule: r}
	})
	return nil
}

// Remove drops a rule by name. Removing an unknown rule is a no-op.
func (reg *Registry) Remove(name string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.swap(func(next map[string]entry) {
		delete(next, name)
	})
}

// Get returns a rule and its scope by name.
func (reg *Registry) Get(name string) (Rule, Scope, bool) {
	e, ok := reg.snap.Load().entries[name]
	return e.Rule, e.Scope, ok
}

// RuleFor returns a rule by name as visible to one identifier: registered
// rules first, then the rules of the identifier's assigned policy. Rules
// delivered through a policy never land in the registry, so callers that
// follow up on a Resolve result (e.g. releasing a concurrency slot) must
// look them up here rather than through Get.
func (reg *Registry) RuleFor(identifier, name string) (Rule, bool) {
	if e, ok := reg.snap.Load().entries[name]; ok {
		return e.Rule, true
	}
	if reg.policies != nil {
		for _, r := range reg.policies.RulesFor(identifier) {
			if r.Name == name {
				return r, true
			}
		}
	}
	return Rule{}, false
}

// SetLimit replaces a rule's limit in place, returning the previous value.
// This is the adaptive controller's single write path into the registry.
func (reg *Registry) SetLimit(name string, limit int64) (int64, error) {
	if limit <= 0 {
		return 0, &ConfigError{RuleName: name, Reason: "limit must be > 0"}
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	e, ok := reg.snap.Load().entries[name]
	if !ok {
		return 0, fmt.Errorf("rule: %q not registered", name)
	}
	old := e.Rule.Limit
	reg.swap(func(next map[string]entry) {
		e.Rule.Limit = limit
		next[name] = e
	})
	return old, nil
}

// Resolve returns the enabled rules applicable to the request, ordered by
// priority descending (name ascending on ties). It is a pure read over the
// current snapshot plus the identifier's assigned policy, if any.
func (reg *Registry) Resolve(identifier string, h Hints) []Rule {
	set := reg.snap.Load()
	var out []Rule
	for _, e := range set.entries {
		if !e.Rule.Enabled || !e.Scope.Matches(h) {
			continue
		}
		if h.LimitType != "" && e.Rule.Type != h.LimitType {
			continue
		}
		out = append(out, e.Rule)
	}
	if reg.policies != nil {
		for _, r := range reg.policies.RulesFor(identifier) {
			if !r.Enabled {
				continue
			}
			if h.LimitType != "" && r.Type != h.LimitType {
				continue
			}
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority == out[j].Priority {
			return out[i].Name < out[j].Name
		}
		return out[i].Priority > out[j].Priority
	})
	return out
}

// swap publishes a modified copy of the current entry map. Callers hold mu.
func (reg *Registry) swap(mutate func(map[string]entry)) {
	cur := reg.snap.Load()
	next := make(map[string]entry, len(cur.entries)+1)
	for k, v := range cur.entries {
		next[k] = v
	}
	mutate(next)
	reg.snap.Replace(&registrySet{entries: next})
}
