package monitor

import (
	"time"
)

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors are the Prometheus views of the decision stream.
type Collectors struct {
	decisionsTotal *prometheus.CounterVec
	checkDuration  prometheus.Histogram
	eventsDropped  prometheus.Counter
}

// NewCollectors builds and registers the collectors. Pass
// prometheus.DefaultRegisterer unless a test needs isolation.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rls_decisions_total",
				Help: "Admission decisions by rule and outcome.",
			},
			[]string{"rule", "outcome"},
		),
		checkDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rls_check_duration_seconds",
				Help:    "Latency of admission checks.",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
		),
		eventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rls_events_dropped_total",
				Help: "Events evicted from the bounded decision log.",
			},
		),
	}
	reg.MustRegister(c.decisionsTotal, c.checkDuration, c.eventsDropped)
	return c
}

// ObserveCheckDuration records one admission check latency.
func (c *Collectors) ObserveCheckDuration(d time.Duration) {
	c.checkDuration.Observe(d.Seconds())
}

func (c *Collectors) observeDropped() {
	c.eventsDropped.Inc()
}

func (c *Collectors) observe(e Event) {
	outcome := "allowed"
	if !e.Allowed {
		outcome = "denied"
	}
	rule := e.RuleName
	if rule == "" {
		rule = "none"
	}
	c.decisionsTotal.WithLabelValues(rule, outcome).Inc()
}
