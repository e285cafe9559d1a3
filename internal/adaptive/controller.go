package adaptive

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

import (
	"github.com/stockpulse/rls/internal/rule"
)

const (
	defaultCooldown         = 300 * time.Second
	defaultAdjustmentFactor = 0.1
	maxAuditRecords         = 1000

	tightenAbove = 0.7
	loosenBelow  = 0.3
)

// Metrics is one system-load sample. Pushed periodically by an external
// collector or by the local sampler.
type Metrics struct {
	CPU          float64   `json:"cpuUsage"`        // 0..1
	Memory       float64   `json:"memoryUsage"`     // 0..1
	RequestRate  float64   `json:"requestRate"`     // req/s, informational
	ErrorRate    float64   `json:"errorRate"`       // 0..1
	P95LatencyMs float64   `json:"p95ResponseTime"` // milliseconds
	Timestamp    time.Time `json:"timestamp"`
}

// Thresholds gate which metrics participate in the load factor.
type Thresholds struct {
	CPU          float64
	Memory       float64
	ErrorRate    float64
	P95LatencyMs float64
}

// Rule binds adjustment bounds to a registered base rule. The base rule's
// limit is the only field ever mutated after creation, and only here.
type Rule struct {
	RuleName         string
	MinLimit         int64
	MaxLimit         int64
	AdjustmentFactor float64
	Thresholds       Thresholds
	Cooldown         time.Duration
}

// Adjustment is one audit record of an applied limit change.
type Adjustment struct {
	RuleName   string    `json:"ruleName"`
	OldLimit   int64     `json:"oldLimit"`
	NewLimit   int64     `json:"newLimit"`
	Direction  string    `json:"direction"` // "tighten" | "loosen"
	LoadFactor float64   `json:"loadFactor"`
	Timestamp  time.Time `json:"timestamp"`
	Snapshot   Metrics   `json:"metricsSnapshot"`
}

// Controller nudges rule limits up or down with live load. It is a plain
// proportional controller, not PID: each cycle moves the limit one bounded
// step so every change stays predictable and auditable.
type Controller struct {
	registry  *rule.Registry
	staleness time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex // guards rules and audit
	rules map[string]*adaptiveState
	audit []Adjustment
}

type adaptiveState struct {
	cfg Rule
	// cooldownUntil is unix nanos; compared atomically so concurrent metric
	// pushes never double-adjust one rule inside its cooldown.
	cooldownUntil atomic.Int64
}

func NewController(registry *rule.Registry, staleness time.Duration, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if staleness <= 0 {
		staleness = 60 * time.Second
	}
	return &Controller{
		registry:  registry,
		staleness: staleness,
		logger:    logger,
		now:       time.Now,
		rules:     map[string]*adaptiveState{},
	}
}

// Register binds adaptive bounds to an already-registered rule.
func (c *Controller) Register(ar Rule) error {
	if ar.MinLimit <= 0 {
		return fmt.Errorf("adaptive: rule %q: minLimit must be > 0", ar.RuleName)
	}
	if ar.MaxLimit < ar.MinLimit {
		return fmt.Errorf("adaptive: rule %q: maxLimit must be >= minLimit", ar.RuleName)
	}
	if _, _, ok := c.registry.Get(ar.RuleName); !ok {
		return fmt.Errorf("adaptive: rule %q not registered", ar.RuleName)
	}
	if ar.AdjustmentFactor <= 0 {
		ar.AdjustmentFactor = defaultAdjustmentFactor
	}
	if ar.Cooldown <= 0 {
		ar.Cooldown = defaultCooldown
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules[ar.RuleName] = &adaptiveState{cfg: ar}
	return nil
}

// UpdateSystemMetrics runs one control cycle. Stale samples are skipped
// entirely; the controller never adjusts on guesswork.
func (c *Controller) UpdateSystemMetrics(m Metrics) {
	now := c.now()
	if m.Timestamp.IsZero() || now.Sub(m.Timestamp) > c.staleness {
		c.logger.Warn("skipping stale metrics sample", "timestamp", m.Timestamp)
		return
	}

	c.mu.Lock()
	states := make([]*adaptiveState, 0, len(c.rules))
	for _, st := range c.rules {
		states = append(states, st)
	}
	c.mu.Unlock()

	for _, st := range states {
		c.adjust(st, m, now)
	}
}

func (c *Controller) adjust(st *adaptiveState, m Metrics, now time.Time) {
	until := st.cooldownUntil.Load()
	if now.UnixNano() < until {
		return
	}

	avgLoad, ok := loadFactor(m, st.cfg.Thresholds)
	if !ok {
		avgLoad = 0 // nothing over threshold: system is idle
	}

	base, _, found := c.registry.Get(st.cfg.RuleName)
	if !found {
		c.logger.Warn("adaptive rule no longer registered", "rule", st.cfg.RuleName)
		return
	}

	var newLimit int64
	var direction string
	switch {
	case avgLoad > tightenAbove:
		newLimit = base.Limit - int64(float64(base.Limit)*avgLoad*st.cfg.AdjustmentFactor)
		if newLimit < st.cfg.MinLimit {
			newLimit = st.cfg.MinLimit
		}
		direction = "tighten"
	case avgLoad < loosenBelow:
		newLimit = base.Limit + int64(float64(base.Limit)*(1-avgLoad)*st.cfg.AdjustmentFactor)
		if newLimit > st.cfg.MaxLimit {
			newLimit = st.cfg.MaxLimit
		}
		direction = "loosen"
	default:
		return
	}
	if newLimit == base.Limit {
		return
	}

	// Claim the cooldown window before writing; a losing racer backs off.
	if !st.cooldownUntil.CompareAndSwap(until, now.Add(st.cfg.Cooldown).UnixNano()) {
		return
	}

	old, err := c.registry.SetLimit(st.cfg.RuleName, newLimit)
	if err != nil {
		c.logger.Warn("limit adjustment failed", "rule", st.cfg.RuleName, "err", err)
		return
	}

	rec := Adjustment{
		RuleName:   st.cfg.RuleName,
		OldLimit:   old,
		NewLimit:   newLimit,
		Direction:  direction,
		LoadFactor: avgLoad,
		Timestamp:  now,
		Snapshot:   m,
	}
	c.mu.Lock()
	c.audit = append(c.audit, rec)
	if len(c.audit) > maxAuditRecords {
		c.audit = c.audit[len(c.audit)-maxAuditRecords:]
	}
	c.mu.Unlock()

	c.logger.Info("adjusted rule limit",
		"rule", st.cfg.RuleName, "old", old, "new", newLimit,
		"direction", direction, "load", avgLoad)
}

// AuditTrail returns a copy of the recorded adjustments, oldest first.
func (c *Controller) AuditTrail() []Adjustment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Adjustment, len(c.audit))
	copy(out, c.audit)
	return out
}

// loadFactor averages the normalized metrics that exceed their thresholds.
// Metrics under threshold are ignored; ok is false when none exceed.
func loadFactor(m Metrics, th Thresholds) (float64, bool) {
	var sum float64
	var n int
	if th.CPU > 0 && m.CPU > th.CPU {
		sum += clamp01(m.CPU)
		n++
	}
	if th.Memory > 0 && m.Memory > th.Memory {
		sum += clamp01(m.Memory)
		n++
	}
	if th.ErrorRate > 0 && m.ErrorRate > th.ErrorRate {
		sum += clamp01(m.ErrorRate * 10)
		n++
	}
	if th.P95LatencyMs > 0 && m.P95LatencyMs > th.P95LatencyMs {
		sum += clamp01(m.P95LatencyMs / 1000 / 2)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
