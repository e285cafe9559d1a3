package rule

import (
	"fmt"
	"strings"
)

// LimitType selects the counting semantics of a rule.
type LimitType string

const (
	PerSecond  LimitType = "per_second"
	PerMinute  LimitType = "per_minute"
	PerHour    LimitType = "per_hour"
	PerDay     LimitType = "per_day"
	Concurrent LimitType = "concurrent"
)

// defaultConcurrentTimeoutSec is the TTL safety net for concurrency slots
// whose holder never calls release.
const defaultConcurrentTimeoutSec = 300

// WindowSeconds returns the implied window for window-based types,
// 0 for concurrency rules (which use a timeout instead).
func (t LimitType) WindowSeconds() int64 {
	switch t {
	case PerSecond:
		return 1
	case PerMinute:
		return 60
	case PerHour:
		return 3600
	case PerDay:
		return 86400
	default:
		return 0
	}
}

func (t LimitType) valid() bool {
	switch t {
	case PerSecond, PerMinute, PerHour, PerDay, Concurrent:
		return true
	}
	return false
}

// ParseLimitType normalizes a config/API string into a LimitType.
func ParseLimitType(s string) (LimitType, error) {
	t := LimitType(strings.ToLower(strings.TrimSpace(s)))
	if !t.valid() {
		return "", fmt.Errorf("rule: unknown limit type %q", s)
	}
	return t, nil
}

// Rule is a single named quota constraint.
type Rule struct {
	Name      string    `yaml:"name"      json:"name"`
	Type      LimitType `yaml:"type"      json:"type"`
	Limit     int64     `yaml:"limit"     json:"limit"`
	WindowSec int64     `yaml:"windowSec" json:"windowSec"` // derived from Type when 0; concurrency timeout for Concurrent
	Burst     int64     `yaml:"burst"     json:"burst"`
	Priority  int       `yaml:"priority"  json:"priority"` // higher evaluated/reported first
	Security  bool      `yaml:"security"  json:"security"` // forces fail-closed on store failure
	Enabled   bool      `yaml:"enabled"   json:"enabled"`
}

// ConfigError reports an invalid rule at registration time. Evaluation
// never validates; a rule that made it into the registry is well-formed.
type ConfigError struct {
	RuleName string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("rule %q: %s", e.RuleName, e.Reason)
}

// Normalize fills derived fields and validates the rule.
func (r *Rule) Normalize() error {
	if strings.TrimSpace(r.Name) == "" {
		return &ConfigError{RuleName: r.Name, Reason: "name is required"}
	}
	if !r.Type.valid() {
		return &ConfigError{RuleName: r.Name, Reason: fmt.Sprintf("unknown limit type %q", r.Type)}
	}
	if r.Limit <= 0 {
		return &ConfigError{RuleName: r.Name, Reason: "limit must be > 0"}
	}
	if r.Burst < 0 {
		return &ConfigError{RuleName: r.Name, Reason: "burst must be >= 0"}
	}
	if r.Type == Concurrent {
		if r.WindowSec < 0 {
			return &ConfigError{RuleName: r.Name, Reason: "concurrency timeout must be >= 0"}
		}
		if r.WindowSec == 0 {
			r.WindowSec = defaultConcurrentTimeoutSec
		}
		return nil
	}
	if r.WindowSec == 0 {
		r.WindowSec = r.Type.WindowSeconds()
	}
	if r.WindowSec <= 0 {
		return &ConfigError{RuleName: r.Name, Reason: "window must be > 0"}
	}
	return nil
}
