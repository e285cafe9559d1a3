package monitor

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

import (
	"gopkg.in/yaml.v3"
)

import (
	"github.com/stockpulse/rls/internal/types"
)

const topViolatorCount = 10

// Event is one recorded admission decision.
type Event struct {
	Timestamp   time.Time `json:"timestamp"   yaml:"timestamp"`
	Identifier  string    `json:"identifier"  yaml:"identifier"`
	RuleName    string    `json:"ruleName"    yaml:"ruleName"`
	Endpoint    string    `json:"endpoint"    yaml:"endpoint"`
	APIProvider string    `json:"apiProvider" yaml:"apiProvider"`
	Allowed     bool      `json:"allowed"     yaml:"allowed"`
	Limit       int64     `json:"limit"       yaml:"limit"`
	Remaining   int64     `json:"remaining"   yaml:"remaining"`
	RetryAfter  int64     `json:"retryAfter"  yaml:"retryAfter"`
}

// Monitor keeps a bounded in-memory log of decisions and aggregates it on
// demand. It is strictly read-side: nothing here ever feeds back into
// admission decisions.
type Monitor struct {
	mu     sync.Mutex
	events []Event // ring buffer, oldest evicted at capacity
	next   int
	full   bool

	collectors *Collectors
	now        func() time.Time
}

type Option func(*Monitor)

// WithCollectors attaches Prometheus collectors updated on every event.
func WithCollectors(c *Collectors) Option {
	return func(m *Monitor) { m.collectors = c }
}

func New(maxEvents int, opts ...Option) *Monitor {
	if maxEvents <= 0 {
		maxEvents = 10000
	}
	m := &Monitor{
		events: make([]Event, maxEvents),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record appends an event, evicting the oldest at capacity.
func (m *Monitor) Record(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now()
	}
	m.mu.Lock()
	evicted := m.full
	m.events[m.next] = e
	m.next++
	if m.next == len(m.events) {
		m.next = 0
		m.full = true
	}
	m.mu.Unlock()

	if m.collectors != nil {
		m.collectors.observe(e)
		if evicted {
			m.collectors.observeDropped()
		}
	}
}

// RecordDecision adapts a core decision into an event. Implements the
// limiter's Recorder hook.
func (m *Monitor) RecordDecision(identifier, endpoint, provider string, d types.Decision) {
	m.Record(Event{
		Identifier:  identifier,
		RuleName:    d.RuleName,
		Endpoint:    endpoint,
		APIProvider: provider,
		Allowed:     d.Allowed,
		Limit:       d.Limit,
		Remaining:   d.Remaining,
		RetryAfter:  d.RetryAfter,
	})
}

// Len reports how many events are currently retained.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		return len(m.events)
	}
	return m.next
}

// snapshotSince copies retained events at or after since, oldest first.
func (m *Monitor) snapshotSince(since time.Time) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ordered []Event
	if m.full {
		ordered = append(ordered, m.events[m.next:]...)
	}
	ordered = append(ordered, m.events[:m.next]...)

	out := make([]Event, 0, len(ordered))
	for _, e := range ordered {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

// Violator is one identifier's denial count.
type Violator struct {
	Identifier string `json:"identifier" yaml:"identifier"`
	Denials    int64  `json:"denials"    yaml:"denials"`
}

// ViolationSummary aggregates denials over a time range.
type ViolationSummary struct {
	Since        time.Time        `json:"since"        yaml:"since"`
	TotalDenied  int64            `json:"totalDenied"  yaml:"totalDenied"`
	TotalAllowed int64            `json:"totalAllowed" yaml:"totalAllowed"`
	TopViolators []Violator       `json:"topViolators" yaml:"topViolators"`
	ByRule       map[string]int64 `json:"byRule"       yaml:"byRule"` // denials per rule
}

func (m *Monitor) Violations(since time.Time) ViolationSummary {
	events := m.snapshotSince(since)
	sum := ViolationSummary{Since: since, ByRule: map[string]int64{}}
	perID := map[string]int64{}
	for _, e := range events {
		if e.Allowed {
			sum.TotalAllowed++
			continue
		}
		sum.TotalDenied++
		perID[e.Identifier]++
		if e.RuleName != "" {
			sum.ByRule[e.RuleName]++
		}
	}
	for id, n := range perID {
		sum.TopViolators = append(sum.TopViolators, Violator{Identifier: id, Denials: n})
	}
	sort.Slice(sum.TopViolators, func(i, j int) bool {
		if sum.TopViolators[i].Denials == sum.TopViolators[j].Denials {
			return sum.TopViolators[i].Identifier < sum.TopViolators[j].Identifier
		}
		return sum.TopViolators[i].Denials > sum.TopViolators[j].Denials
	})
	if len(sum.TopViolators) > topViolatorCount {
		sum.TopViolators = sum.TopViolators[:topViolatorCount]
	}
	return sum
}

// UsageCounts splits decisions for one endpoint or provider.
type UsageCounts struct {
	Allowed int64 `json:"allowed" yaml:"allowed"`
	Denied  int64 `json:"denied"  yaml:"denied"`
}

// UsageSummary aggregates traffic per endpoint and provider.
type UsageSummary struct {
	Since      time.Time              `json:"since"      yaml:"since"`
	Total      UsageCounts            `json:"total"      yaml:"total"`
	ByEndpoint map[string]UsageCounts `json:"byEndpoint" yaml:"byEndpoint"`
	ByProvider map[string]UsageCounts `json:"byProvider" yaml:"byProvider"`
}

func (m *Monitor) APIUsage(since time.Time) UsageSummary {
	events := m.snapshotSince(since)
	sum := UsageSummary{
		Since:      since,
		ByEndpoint: map[string]UsageCounts{},
		ByProvider: map[string]UsageCounts{},
	}
	bump := func(c UsageCounts, allowed bool) UsageCounts {
		if allowed {
			c.Allowed++
		} else {
			c.Denied++
		}
		return c
	}
	for _, e := range events {
		sum.Total = bump(sum.Total, e.Allowed)
		if e.Endpoint != "" {
			sum.ByEndpoint[e.Endpoint] = bump(sum.ByEndpoint[e.Endpoint], e.Allowed)
		}
		if e.APIProvider != "" {
			sum.ByProvider[e.APIProvider] = bump(sum.ByProvider[e.APIProvider], e.Allowed)
		}
	}
	return sum
}

// HourlyStat is the denial rate for one hour of the day.
type HourlyStat struct {
	Hour       int     `json:"hour"       yaml:"hour"`
	Total      int64   `json:"total"      yaml:"total"`
	Denied     int64   `json:"denied"     yaml:"denied"`
	DenialRate float64 `json:"denialRate" yaml:"denialRate"`
}

// HourlyPattern computes the per-hour-of-day denial rate over the last
// `days` days of retained events.
func (m *Monitor) HourlyPattern(days int) []HourlyStat {
	if days <= 0 {
		days = 1
	}
	since := m.now().AddDate(0, 0, -days)
	stats := make([]HourlyStat, 24)
	for h := range stats {
		stats[h].Hour = h
	}
	for _, e := range m.snapshotSince(since) {
		h := e.Timestamp.Hour()
		stats[h].Total++
		if !e.Allowed {
			stats[h].Denied++
		}
	}
	for h := range stats {
		if stats[h].Total > 0 {
			stats[h].DenialRate = float64(stats[h].Denied) / float64(stats[h].Total)
		}
	}
	return stats
}

// Report is the exported security summary.
type Report struct {
	GeneratedAt time.Time        `json:"generatedAt" yaml:"generatedAt"`
	Violations  ViolationSummary `json:"violations"  yaml:"violations"`
	Usage       UsageSummary     `json:"usage"       yaml:"usage"`
	Hourly      []HourlyStat     `json:"hourly"      yaml:"hourly"`
}

// Summary builds the full report for the given time range. The hourly
// pattern covers the same range, rounded up to whole days.
func (m *Monitor) Summary(since time.Time) Report {
	const day = 24 * time.Hour
	days := int((m.now().Sub(since) + day - 1) / day)
	if days < 1 {
		days = 1
	}
	return Report{
		GeneratedAt: m.now(),
		Violations:  m.Violations(since),
		Usage:       m.APIUsage(since),
		Hourly:      m.HourlyPattern(days),
	}
}

// Export serializes the report as "json" or "yaml".
func (m *Monitor) Export(since time.Time, format string) (string, error) {
	report := m.Summary(since)
	switch format {
	case "yaml":
		out, err := yaml.Marshal(report)
		if err != nil {
			return "", err
		}
		return string(out), nil
	case "", "json":
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
	return "", fmt.Errorf("monitor: unsupported export format %q", format)
}
