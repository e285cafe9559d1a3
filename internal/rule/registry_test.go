package rule

import (
	"testing"
)

type stubPolicies struct {
	rules map[string][]Rule
}

func (s *stubPolicies) RulesFor(identifier string) []Rule {
	return s.rules[identifier]
}

func mustRegister(t *testing.T, reg *Registry, scope Scope, r Rule) {
	t.Helper()
	if err := reg.Register(scope, r); err != nil {
		t.Fatalf("register %q: %v", r.Name, err)
	}
}

func TestResolveScopesAndOrder(t *testing.T) {
	reg := NewRegistry(nil)
	mustRegister(t, reg, Scope{Kind: ScopeGlobal},
		Rule{Name: "global_rpm", Type: PerMinute, Limit: 1000, Priority: 1, Enabled: true})
	mustRegister(t, reg, Scope{Kind: ScopeUser},
		Rule{Name: "user_rps", Type: PerSecond, Limit: 10, Priority: 10, Enabled: true})
	mustRegister(t, reg, Scope{Kind: ScopeEndpoint, Name: "search"},
		Rule{Name: "search_rpm", Type: PerMinute, Limit: 60, Priority: 5, Enabled: true})
	mustRegister(t, reg, Scope{Kind: ScopeProvider, Name: "newsapi"},
		Rule{Name: "newsapi_rph", Type: PerHour, Limit: 500, Priority: 5, Enabled: true})
	mustRegister(t, reg, Scope{Kind: ScopeUser},
		Rule{Name: "disabled", Type: PerSecond, Limit: 1, Priority: 99, Enabled: false})

	got := reg.Resolve("user:u1", Hints{IdentifierKind: "user", Endpoint: "search"})
	want := []string{"user_rps", "search_rpm", "global_rpm"}
	if len(got) != len(want) {
		t.Fatalf("resolved %d rules, want %d: %+v", len(got), len(want), got)
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Fatalf("rule[%d] = %q, want %q", i, got[i].Name, name)
		}
	}
}

func TestResolveLimitTypeFilter(t *testing.T) {
	reg := NewRegistry(nil)
	mustRegister(t, reg, Scope{Kind: ScopeGlobal},
		Rule{Name: "rps", Type: PerSecond, Limit: 10, Enabled: true})
	mustRegister(t, reg, Scope{Kind: ScopeGlobal},
		Rule{Name: "rpm", Type: PerMinute, Limit: 100, Enabled: true})

	got := reg.Resolve("user:u1", Hints{IdentifierKind: "user", LimitType: PerSecond})
	if len(got) != 1 || got[0].Name != "rps" {
		t.Fatalf("expected only rps, got %+v", got)
	}
}

func TestSetLimitVisibleImmediately(t *testing.T) {
	reg := NewRegistry(nil)
	mustRegister(t, reg, Scope{Kind: ScopeGlobal},
		Rule{Name: "g", Type: PerSecond, Limit: 100, Enabled: true})

	old, err := reg.SetLimit("g", 42)
	if err != nil {
		t.Fatalf("SetLimit: %v", err)
	}
	if old != 100 {
		t.Fatalf("old limit = %d, want 100", old)
	}
	got := reg.Resolve("user:u1", Hints{IdentifierKind: "user"})
	if len(got) != 1 || got[0].Limit != 42 {
		t.Fatalf("resolution did not see the new limit: %+v", got)
	}
}

func TestSetLimitErrors(t *testing.T) {
	reg := NewRegistry(nil)
	if _, err := reg.SetLimit("missing", 5); err == nil {
		t.Fatal("expected error for unknown rule")
	}
	mustRegister(t, reg, Scope{Kind: ScopeGlobal},
		Rule{Name: "g", Type: PerSecond, Limit: 100, Enabled: true})
	if _, err := reg.SetLimit("g", 0); err == nil {
		t.Fatal("expected error for non-positive limit")
	}
}

func TestResolveIncludesPolicyRules(t *testing.T) {
	policies := &stubPolicies{rules: map[string][]Rule{
		"user:u1": {
			{Name: "premium_rps", Type: PerSecond, Limit: 100, WindowSec: 1, Priority: 20, Enabled: true},
			{Name: "premium_off", Type: PerSecond, Limit: 1, WindowSec: 1, Priority: 30, Enabled: false},
		},
	}}
	reg := NewRegistry(policies)
	mustRegister(t, reg, Scope{Kind: ScopeGlobal},
		Rule{Name: "global_rps", Type: PerSecond, Limit: 10, Priority: 1, Enabled: true})

	got := reg.Resolve("user:u1", Hints{IdentifierKind: "user"})
	if len(got) != 2 {
		t.Fatalf("resolved %d rules, want 2: %+v", len(got), got)
	}
	if got[0].Name != "premium_rps" || got[1].Name != "global_rps" {
		t.Fatalf("unexpected order: %q, %q", got[0].Name, got[1].Name)
	}

	got = reg.Resolve("user:u2", Hints{IdentifierKind: "user"})
	if len(got) != 1 {
		t.Fatalf("identifier without policy resolved %d rules, want 1", len(got))
	}
}

func TestRuleForSeesPolicyRules(t *testing.T) {
	policies := &stubPolicies{rules: map[string][]Rule{
		"user:u1": {{Name: "premium_cc", Type: Concurrent, Limit: 3, WindowSec: 300, Enabled: true}},
	}}
	reg := NewRegistry(policies)
	mustRegister(t, reg, Scope{Kind: ScopeGlobal},
		Rule{Name: "global_rps", Type: PerSecond, Limit: 10, Enabled: true})

	if r, ok := reg.RuleFor("user:u1", "global_rps"); !ok || r.Name != "global_rps" {
		t.Fatalf("registered rule not found: %+v/%v", r, ok)
	}
	if r, ok := reg.RuleFor("user:u1", "premium_cc"); !ok || r.Type != Concurrent {
		t.Fatalf("policy rule not found: %+v/%v", r, ok)
	}
	if _, ok := reg.RuleFor("user:u2", "premium_cc"); ok {
		t.Fatal("policy rule visible to an identifier without the policy")
	}
	if _, ok := reg.RuleFor("user:u1", "missing"); ok {
		t.Fatal("unknown rule reported as found")
	}
}

func TestRemove(t *testing.T) {
	reg := NewRegistry(nil)
	mustRegister(t, reg, Scope{Kind: ScopeGlobal},
		Rule{Name: "g", Type: PerSecond, Limit: 10, Enabled: true})
	reg.Remove("g")
	if _, _, ok := reg.Get("g"); ok {
		t.Fatal("rule still present after Remove")
	}
	reg.Remove("g") // removing again is a no-op
}
