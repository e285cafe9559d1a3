package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

import (
	"gopkg.in/yaml.v3"
)

import (
	"github.com/stockpulse/rls/internal/rcu"
	"github.com/stockpulse/rls/internal/rule"
)

// table is the immutable state published through the RCU snapshot:
// the policy set plus the identifier->policy assignment map.
type table struct {
	policies    map[string]Policy
	assignments map[string]string
}

// Manager owns the policy bundles and their identifier assignments.
// Reads are lock-free; writers copy and swap under a mutex. It implements
// rule.PolicySource so the registry folds assigned policy rules into every
// resolution.
type Manager struct {
	snap   *rcu.Snapshot[table]
	mu     sync.Mutex // serializes writers only
	logger *slog.Logger
	now    func() time.Time
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	init := &table{
		policies:    map[string]Policy{},
		assignments: map[string]string{},
	}
	return &Manager{
		snap:   rcu.NewSnapshot(init),
		logger: logger,
		now:    time.Now,
	}
}

// Create registers a new policy. The name must be unique.
func (m *Manager) Create(p Policy) error {
	if err := p.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.snap.Load().policies[p.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, p.Name)
	}
	now := m.now()
	p.CreatedAt = now
	p.UpdatedAt = now
	m.swap(func(t *table) {
		t.policies[p.Name] = p
	})
	return nil
}

// Update replaces an existing policy, preserving CreatedAt.
func (m *Manager) Update(p Policy) error {
	if err := p.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	old, exists := m.snap.Load().policies[p.Name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, p.Name)
	}
	p.CreatedAt = old.CreatedAt
	p.UpdatedAt = m.now()
	m.swap(func(t *table) {
		t.policies[p.Name] = p
	})
	return nil
}

// Delete removes a policy and any assignments to it. Already-issued
// decisions are unaffected; subsequent evaluations no longer see it.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.snap.Load().policies[name]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	m.swap(func(t *table) {
		delete(t.policies, name)
		for id, pn := range t.assignments {
			if pn == name {
				delete(t.assignments, id)
			}
		}
	})
	return nil
}

// Get returns a policy by name.
func (m *Manager) Get(name string) (Policy, error) {
	p, ok := m.snap.Load().policies[name]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

// List returns policies ordered by priority descending, name ascending.
func (m *Manager) List(enabledOnly bool) []Policy {
	t := m.snap.Load()
	out := make([]Policy, 0, len(t.policies))
	for _, p := range t.policies {
		if enabledOnly && !p.Enabled {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority == out[j].Priority {
			return out[i].Name < out[j].Name
		}
		return out[i].Priority > out[j].Priority
	})
	return out
}

// AssignToIdentifier maps an identifier to a policy by name.
func (m *Manager) AssignToIdentifier(identifier, policyName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.snap.Load().policies[policyName]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, policyName)
	}
	m.swap(func(t *table) {
		t.assignments[identifier] = policyName
	})
	return nil
}

// PolicyForIdentifier returns the assigned policy name, if any.
func (m *Manager) PolicyForIdentifier(identifier string) (string, bool) {
	name, ok := m.snap.Load().assignments[identifier]
	return name, ok
}

// RulesFor implements rule.PolicySource: the rules of the enabled policy
// assigned to the identifier.
func (m *Manager) RulesFor(identifier string) []rule.Rule {
	t := m.snap.Load()
	name, ok := t.assignments[identifier]
	if !ok {
		return nil
	}
	p, ok := t.policies[name]
	if !ok || !p.Enabled {
		return nil
	}
	return p.Rules
}

// bundle is the import/export wire shape.
type bundle struct {
	Policies []Policy `yaml:"policies" json:"policies"`
}

// ExportAll serializes every policy as "json" or "yaml".
func (m *Manager) ExportAll(format string) (string, error) {
	b := bundle{Policies: m.List(false)}
	switch format {
	case "yaml":
		out, err := yaml.Marshal(b)
		if err != nil {
			return "", err
		}
		return string(out), nil
	case "", "json":
		out, err := json.MarshalIndent(b, "", "  ")
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
	return "", fmt.Errorf("policy: unsupported export format %q", format)
}

// ImportAll loads a serialized bundle and returns how many policies were
// imported. A payload that does not parse at all is ErrInvalidImport; a bad
// entry inside a parseable payload is skipped and logged, never fatal to
// the batch. Existing names are skipped unless overwrite is set.
func (m *Manager) ImportAll(serialized, format string, overwrite bool) (int, error) {
	var b bundle
	var err error
	switch format {
	case "yaml":
		err = yaml.Unmarshal([]byte(serialized), &b)
	case "", "json":
		err = json.Unmarshal([]byte(serialized), &b)
	default:
		return 0, fmt.Errorf("policy: unsupported import format %q", format)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.snap.Load().policies
	imported := 0
	now := m.now()
	accepted := make(map[string]Policy)
	for i := range b.Policies {
		p := b.Policies[i]
		if err := p.validate(); err != nil {
			m.logger.Warn("skipping invalid policy entry", "policy", p.Name, "err", err)
			continue
		}
		old, exists := cur[p.Name]
		if exists && !overwrite {
			m.logger.Warn("skipping existing policy", "policy", p.Name)
			continue
		}
		if exists {
			p.CreatedAt = old.CreatedAt
		} else if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		accepted[p.Name] = p
		imported++
	}
	if imported > 0 {
		m.swap(func(t *table) {
			for name, p := range accepted {
				t.policies[name] = p
			}
		})
	}
	return imported, nil
}

// swap publishes a modified copy of the current table. Callers hold mu.
func (m *Manager) swap(mutate func(*table)) {
	cur := m.snap.Load()
	next := &table{
		policies:    make(map[string]Policy, len(cur.policies)+1),
		assignments: make(map[string]string, len(cur.assignments)+1),
	}
	for k, v := range cur.policies {
		next.policies[k] = v
	}
	for k, v := range cur.assignments {
		next.assignments[k] = v
	}
	mutate(next)
	m.snap.Replace(next)
}
