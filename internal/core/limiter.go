package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

import (
	"github.com/stockpulse/rls/internal/rule"
	"github.com/stockpulse/rls/internal/store"
	"github.com/stockpulse/rls/internal/types"
)

const (
	FailOpen   = "fail-open"
	FailClosed = "fail-closed"
)

// Recorder receives every admission decision for observability. It must
// never influence the outcome; the limiter ignores anything it does.
type Recorder interface {
	RecordDecision(identifier, endpoint, provider string, d types.Decision)
}

// Status is the read-only per-rule quota view used for response headers.
type Status struct {
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	ResetTime int64 `json:"resetTime"` // unix seconds
	Window    int64 `json:"window"`    // seconds
}

// Limiter evaluates the applicable rules of a request against the counter
// store. It is a pure per-call decision function; all shared state lives in
// the registry (copy-on-write) and the store (atomic per key).
type Limiter struct {
	registry   *rule.Registry
	store      store.Store
	keys       store.Keys
	recorder   Recorder
	failPolicy string
	logger     *slog.Logger
}

type Option func(*Limiter)

func WithRecorder(r Recorder) Option {
	return func(l *Limiter) { l.recorder = r }
}

func WithLogger(lg *slog.Logger) Option {
	return func(l *Limiter) { l.logger = lg }
}

// WithFailPolicy sets the default behavior on store failure for rules not
// flagged security. Security rules always fail closed.
func WithFailPolicy(policy string) Option {
	return func(l *Limiter) {
		if policy == FailClosed {
			l.failPolicy = FailClosed
		} else {
			l.failPolicy = FailOpen
		}
	}
}

func New(registry *rule.Registry, st store.Store, keys store.Keys, opts ...Option) *Limiter {
	if registry == nil || st == nil {
		panic("core: nil registry or store")
	}
	l := &Limiter{
		registry:   registry,
		store:      st,
		keys:       keys,
		failPolicy: FailOpen,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check runs one admission evaluation. Rules resolve in priority order and
// the first denial short-circuits; when everything allows, the tightest
// remaining across the evaluated rules is reported. A denial by any rule
// denies the request regardless of priority.
func (l *Limiter) Check(ctx context.Context, identifier string, h rule.Hints) (types.Decision, error) {
	rules := l.registry.Resolve(identifier, h)
	if len(rules) == 0 {
		dec := types.Unbounded("no_rules")
		l.record(identifier, h, dec)
		return dec, nil
	}

	// Concurrency slots acquired before a later rule denies must be handed
	// back: the caller was never admitted and will not call Release.
	var acquired []string

	best := types.Decision{Allowed: true, Remaining: -1, Reason: "allowed"}
	haveBest := false
	sawError := false

	for _, r := range rules {
		dec, err := l.evalRule(ctx, identifier, r, &acquired)
		if err != nil {
			sawError = true
			if l.policyFor(r) == FailOpen {
				l.logger.Warn("fail-open on store failure",
					"rule", r.Name, "identifier", identifier, "err", err)
				continue
			}
			l.logger.Warn("fail-closed on store failure",
				"rule", r.Name, "identifier", identifier, "err", err)
			l.releaseAcquired(ctx, acquired)
			denied := types.Decision{
				Allowed:  false,
				RuleName: r.Name,
				Reason:   "fail_closed",
				Err:      err,
			}
			l.record(identifier, h, denied)
			return denied, nil
		}
		if !dec.Allowed {
			l.releaseAcquired(ctx, acquired)
			l.record(identifier, h, dec)
			return dec, nil
		}
		// Equal-priority tie-break for reporting: fewer remaining wins.
		if dec.Remaining >= 0 && (!haveBest || dec.Remaining < best.Remaining) {
			best = dec
			haveBest = true
		}
	}

	if sawError && !haveBest {
		best.Reason = "fail_open"
	}
	l.record(identifier, h, best)
	return best, nil
}

func (l *Limiter) evalRule(ctx context.Context, identifier string, r rule.Rule, acquired *[]string) (types.Decision, error) {
	if r.Limit <= 0 {
		return types.Decision{
			Allowed:  false,
			RuleName: r.Name,
			Limit:    r.Limit,
			Window:   r.WindowSec,
			Reason:   "zero_limit",
		}, nil
	}
	if r.Type == rule.Concurrent {
		return l.evalConcurrent(ctx, identifier, r, acquired)
	}
	return l.evalWindow(ctx, identifier, r)
}

func (l *Limiter) evalWindow(ctx context.Context, identifier string, r rule.Rule) (types.Decision, error) {
	key := l.keys.Window(identifier, r.Name)
	window := time.Duration(r.WindowSec) * time.Second
	count, resetMs, err := l.store.IncrSlidingWindow(ctx, key, window)
	if err != nil {
		return types.Decision{}, err
	}

	effective := r.Limit + r.Burst
	dec := types.Decision{
		RuleName:  r.Name,
		Limit:     r.Limit,
		Window:    r.WindowSec,
		ResetTime: time.Now().Unix() + ceilSeconds(resetMs),
	}
	if count > effective {
		dec.Allowed = false
		dec.Remaining = 0
		dec.RetryAfter = ceilSeconds(resetMs)
		if dec.RetryAfter < 1 {
			dec.RetryAfter = 1
		}
		dec.Reason = "rate_limited"
		return dec, nil
	}
	dec.Allowed = true
	dec.Remaining = effective - count
	dec.Reason = "allowed"
	return dec, nil
}

func (l *Limiter) evalConcurrent(ctx context.Context, identifier string, r rule.Rule, acquired *[]string) (types.Decision, error) {
	key := l.keys.Concurrent(identifier, r.Name)
	timeout := time.Duration(r.WindowSec) * time.Second
	count, err := l.store.IncrConcurrent(ctx, key, timeout)
	if err != nil {
		return types.Decision{}, err
	}

	dec := types.Decision{
		RuleName: r.Name,
		Limit:    r.Limit,
		Window:   r.WindowSec,
	}
	if count > r.Limit {
		// The failed attempt must not occupy a slot.
		if _, derr := l.store.DecrConcurrent(ctx, key); derr != nil {
			l.logger.Warn("slot rollback failed",
				"rule", r.Name, "identifier", identifier, "err", derr)
		}
		dec.Allowed = false
		dec.Remaining = 0
		dec.RetryAfter = 1
		dec.Reason = "concurrency_exceeded"
		return dec, nil
	}
	*acquired = append(*acquired, key)
	dec.Allowed = true
	dec.Remaining = r.Limit - count
	dec.Reason = "allowed"
	return dec, nil
}

// Release frees a concurrency slot acquired by an allowed Check. Every
// admitted request under a concurrency rule must call it exactly once,
// on success and error paths alike; the store TTL only covers crashes.
// The rule is looked up the same way Check resolves it, so slots acquired
// under policy-delivered rules release too.
func (l *Limiter) Release(ctx context.Context, identifier, ruleName string) error {
	r, ok := l.registry.RuleFor(identifier, ruleName)
	if !ok {
		return fmt.Errorf("core: rule %q not found for %q", ruleName, identifier)
	}
	if r.Type != rule.Concurrent {
		return fmt.Errorf("core: rule %q is not a concurrency rule", ruleName)
	}
	_, err := l.store.DecrConcurrent(ctx, l.keys.Concurrent(identifier, ruleName))
	return err
}

// Status reports per-rule quota without consuming any. Used to populate
// X-RateLimit-* headers.
func (l *Limiter) Status(ctx context.Context, identifier string, h rule.Hints) (map[string]Status, error) {
	rules := l.registry.Resolve(identifier, h)
	out := make(map[string]Status, len(rules))
	for _, r := range rules {
		s := Status{Limit: r.Limit, Window: r.WindowSec}
		if r.Type == rule.Concurrent {
			count, err := l.store.GetConcurrent(ctx, l.keys.Concurrent(identifier, r.Name))
			if err != nil {
				return nil, err
			}
			s.Remaining = floorZero(r.Limit - count)
		} else {
			count, resetMs, err := l.store.CountSlidingWindow(ctx, l.keys.Window(identifier, r.Name), time.Duration(r.WindowSec)*time.Second)
			if err != nil {
				return nil, err
			}
			s.Remaining = floorZero(r.Limit + r.Burst - count)
			s.ResetTime = time.Now().Unix() + ceilSeconds(resetMs)
		}
		out[r.Name] = s
	}
	return out, nil
}

// Reset clears counters for an identifier, optionally narrowed to one rule.
// Administrative override; the next check starts a fresh window.
func (l *Limiter) Reset(ctx context.Context, identifier, ruleName string) error {
	if ruleName != "" {
		if err := l.store.Reset(ctx, l.keys.Window(identifier, ruleName)); err != nil {
			return err
		}
		return l.store.Reset(ctx, l.keys.Concurrent(identifier, ruleName))
	}
	for _, pattern := range l.keys.IdentifierPatterns(identifier) {
		if err := l.store.Reset(ctx, pattern); err != nil {
			return err
		}
	}
	return nil
}

func (l *Limiter) policyFor(r rule.Rule) string {
	if r.Security {
		return FailClosed
	}
	return l.failPolicy
}

func (l *Limiter) releaseAcquired(ctx context.Context, keys []string) {
	for _, key := range keys {
		if _, err := l.store.DecrConcurrent(ctx, key); err != nil {
			l.logger.Warn("slot rollback failed", "key", key, "err", err)
		}
	}
}

func (l *Limiter) record(identifier string, h rule.Hints, d types.Decision) {
	if l.recorder != nil {
		l.recorder.RecordDecision(identifier, h.Endpoint, h.Provider, d)
	}
}

func ceilSeconds(ms int64) int64 {
	if ms <= 0 {
		return 0
	}
	return (ms + 999) / 1000
}

func floorZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
