package adaptive

import (
	"testing"
	"time"
)

import (
	"github.com/stockpulse/rls/internal/rule"
)

func newTestController(t *testing.T, limit int64) (*Controller, *rule.Registry) {
	t.Helper()
	reg := rule.NewRegistry(nil)
	err := reg.Register(rule.Scope{Kind: rule.ScopeGlobal},
		rule.Rule{Name: "global_rps", Type: rule.PerSecond, Limit: limit, Enabled: true})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	c := NewController(reg, time.Minute, nil)
	return c, reg
}

func currentLimit(t *testing.T, reg *rule.Registry) int64 {
	t.Helper()
	r, _, ok := reg.Get("global_rps")
	if !ok {
		t.Fatal("rule disappeared")
	}
	return r.Limit
}

func sample(cpu float64, at time.Time) Metrics {
	return Metrics{CPU: cpu, Timestamp: at}
}

func TestRegisterValidation(t *testing.T) {
	c, _ := newTestController(t, 1000)
	cases := []struct {
		name string
		ar   Rule
	}{
		{"zero min", Rule{RuleName: "global_rps", MinLimit: 0, MaxLimit: 10}},
		{"max below min", Rule{RuleName: "global_rps", MinLimit: 100, MaxLimit: 10}},
		{"unknown rule", Rule{RuleName: "nope", MinLimit: 1, MaxLimit: 10}},
	}
	for _, tc := range cases {
		if err := c.Register(tc.ar); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
	if err := c.Register(Rule{RuleName: "global_rps", MinLimit: 100, MaxLimit: 2000}); err != nil {
		t.Fatalf("valid register: %v", err)
	}
}

// CPU 0.95 over a 0.8 threshold with factor 0.2 on a base limit of 1000:
// the limit tightens to 1000 - 1000*0.95*0.2 = 810.
func TestTightenUnderLoad(t *testing.T) {
	c, reg := newTestController(t, 1000)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	err := c.Register(Rule{
		RuleName:         "global_rps",
		MinLimit:         100,
		MaxLimit:         2000,
		AdjustmentFactor: 0.2,
		Thresholds:       Thresholds{CPU: 0.8},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	c.UpdateSystemMetrics(sample(0.95, now))
	if got := currentLimit(t, reg); got != 810 {
		t.Fatalf("limit = %d, want 810", got)
	}

	trail := c.AuditTrail()
	if len(trail) != 1 {
		t.Fatalf("audit trail has %d records, want 1", len(trail))
	}
	rec := trail[0]
	if rec.OldLimit != 1000 || rec.NewLimit != 810 || rec.Direction != "tighten" {
		t.Fatalf("unexpected audit record: %+v", rec)
	}
}

func TestLoosenWhenIdle(t *testing.T) {
	c, reg := newTestController(t, 1000)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	err := c.Register(Rule{
		RuleName:         "global_rps",
		MinLimit:         100,
		MaxLimit:         1100,
		AdjustmentFactor: 0.2,
		Thresholds:       Thresholds{CPU: 0.8},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Nothing over threshold: load factor 0, the limit loosens toward max.
	c.UpdateSystemMetrics(sample(0.1, now))
	// 1000 + 1000*1.0*0.2 = 1200, clamped to MaxLimit.
	if got := currentLimit(t, reg); got != 1100 {
		t.Fatalf("limit = %d, want clamped 1100", got)
	}
}

func TestCooldownBlocksSecondAdjustment(t *testing.T) {
	c, reg := newTestController(t, 1000)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	err := c.Register(Rule{
		RuleName:         "global_rps",
		MinLimit:         100,
		MaxLimit:         2000,
		AdjustmentFactor: 0.2,
		Thresholds:       Thresholds{CPU: 0.8},
		Cooldown:         5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	c.UpdateSystemMetrics(sample(0.95, now))
	if got := currentLimit(t, reg); got != 810 {
		t.Fatalf("first adjustment: limit = %d, want 810", got)
	}

	// Inside the cooldown nothing moves, however loud the sample.
	now = now.Add(time.Minute)
	c.UpdateSystemMetrics(sample(0.99, now))
	if got := currentLimit(t, reg); got != 810 {
		t.Fatalf("limit moved inside cooldown: %d", got)
	}

	// After the cooldown the controller adjusts again.
	now = now.Add(5 * time.Minute)
	c.UpdateSystemMetrics(sample(0.95, now))
	if got := currentLimit(t, reg); got == 810 {
		t.Fatal("limit did not move after cooldown expired")
	}
	if len(c.AuditTrail()) != 2 {
		t.Fatalf("audit trail has %d records, want 2", len(c.AuditTrail()))
	}
}

func TestLimitNeverLeavesBounds(t *testing.T) {
	c, reg := newTestController(t, 1000)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	err := c.Register(Rule{
		RuleName:         "global_rps",
		MinLimit:         500,
		MaxLimit:         1500,
		AdjustmentFactor: 0.5,
		Thresholds:       Thresholds{CPU: 0.8},
		Cooldown:         time.Second,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 0; i < 20; i++ {
		now = now.Add(2 * time.Second)
		c.UpdateSystemMetrics(sample(0.99, now))
	}
	if got := currentLimit(t, reg); got != 500 {
		t.Fatalf("limit = %d, want pinned at MinLimit 500", got)
	}

	for i := 0; i < 20; i++ {
		now = now.Add(2 * time.Second)
		c.UpdateSystemMetrics(sample(0.1, now))
	}
	if got := currentLimit(t, reg); got != 1500 {
		t.Fatalf("limit = %d, want pinned at MaxLimit 1500", got)
	}
}

func TestStaleSampleIgnored(t *testing.T) {
	c, reg := newTestController(t, 1000)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	err := c.Register(Rule{
		RuleName:         "global_rps",
		MinLimit:         100,
		MaxLimit:         2000,
		AdjustmentFactor: 0.2,
		Thresholds:       Thresholds{CPU: 0.8},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	c.UpdateSystemMetrics(sample(0.95, now.Add(-2*time.Minute)))
	if got := currentLimit(t, reg); got != 1000 {
		t.Fatalf("stale sample moved the limit to %d", got)
	}
	c.UpdateSystemMetrics(Metrics{CPU: 0.95})
	if got := currentLimit(t, reg); got != 1000 {
		t.Fatalf("zero-timestamp sample moved the limit to %d", got)
	}
	if len(c.AuditTrail()) != 0 {
		t.Fatal("stale samples produced audit records")
	}
}

// Moderate load between the tighten and loosen bands leaves the limit alone.
func TestDeadBandHolds(t *testing.T) {
	c, reg := newTestController(t, 1000)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	err := c.Register(Rule{
		RuleName:         "global_rps",
		MinLimit:         100,
		MaxLimit:         2000,
		AdjustmentFactor: 0.2,
		Thresholds:       Thresholds{CPU: 0.4},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	c.UpdateSystemMetrics(sample(0.5, now))
	if got := currentLimit(t, reg); got != 1000 {
		t.Fatalf("limit = %d, want unchanged 1000", got)
	}
}

func TestLoadFactorAveragesExceedingOnly(t *testing.T) {
	th := Thresholds{CPU: 0.8, Memory: 0.8, ErrorRate: 0.05, P95LatencyMs: 500}

	got, ok := loadFactor(Metrics{CPU: 0.9, Memory: 0.5}, th)
	if !ok || got != 0.9 {
		t.Fatalf("cpu only: got %v/%v, want 0.9/true", got, ok)
	}

	got, ok = loadFactor(Metrics{CPU: 0.9, ErrorRate: 0.1}, th)
	if !ok {
		t.Fatal("expected exceeding metrics")
	}
	// Error rate normalizes as rate*10 clamped to 1: (0.9 + 1.0) / 2.
	if got < 0.9499 || got > 0.9501 {
		t.Fatalf("cpu + errors: got %v, want 0.95", got)
	}

	if _, ok = loadFactor(Metrics{CPU: 0.5, Memory: 0.5}, th); ok {
		t.Fatal("nothing exceeds, ok should be false")
	}

	// Zero thresholds never participate.
	if _, ok = loadFactor(Metrics{CPU: 0.99}, Thresholds{}); ok {
		t.Fatal("zero thresholds should disable the factor")
	}
}
