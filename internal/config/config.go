package config

import (
	"fmt"
	"os"
	"strings"
)

import (
	"gopkg.in/yaml.v3"
)

import (
	"github.com/stockpulse/rls/internal/rule"
)

// ServerCfg configures the HTTP listener.
type ServerCfg struct {
	HTTPAddr string `yaml:"httpAddr"` // e.g. ":8080"
}

// RedisCfg configures the Redis counter backend. An empty addr selects the
// in-memory store (single-node deployments, tests).
type RedisCfg struct {
	Addr           string   `yaml:"addr"`           // "127.0.0.1:6379"
	Addrs          []string `yaml:"addrs"`          // optional cluster addresses
	Password       string   `yaml:"password"`       // optional
	DB             int      `yaml:"db"`             // ignored in cluster mode
	Prefix         string   `yaml:"prefix"`         // key namespace, default "rls"
	PoolSize       int      `yaml:"poolSize"`       // connection pool size
	MinIdleConns   int      `yaml:"minIdleConns"`   // minimum idle connections
	MaxRetries     int      `yaml:"maxRetries"`     // command retry count
	DialTimeoutMs  int      `yaml:"dialTimeoutMs"`  // dial timeout (ms)
	ReadTimeoutMs  int      `yaml:"readTimeoutMs"`  // read timeout (ms)
	WriteTimeoutMs int      `yaml:"writeTimeoutMs"` // write timeout (ms)
}

func (r RedisCfg) Enabled() bool {
	return r.Addr != "" || len(r.Addrs) > 0
}

// Features holds cross-cutting switches.
type Features struct {
	// FailPolicy decides admission when the counter store is unreachable:
	// "fail-open" (allow) or "fail-closed" (deny). Rules flagged security
	// always fail closed regardless of this default.
	FailPolicy string `yaml:"failPolicy"`
}

// MonitorCfg bounds the in-memory decision event log.
type MonitorCfg struct {
	MaxEvents int `yaml:"maxEvents"` // ring capacity, default 10000
}

// ThresholdsCfg are the load thresholds above which a metric participates
// in the adaptive load factor.
type ThresholdsCfg struct {
	CPU          float64 `yaml:"cpu"`          // 0..1
	Memory       float64 `yaml:"memory"`       // 0..1
	ErrorRate    float64 `yaml:"errorRate"`    // 0..1
	P95LatencyMs float64 `yaml:"p95LatencyMs"` // milliseconds
}

// AdaptiveRuleCfg binds adaptive bounds to a registered rule.
type AdaptiveRuleCfg struct {
	Rule             string        `yaml:"rule"`             // base rule name
	MinLimit         int64         `yaml:"minLimit"`         // floor
	MaxLimit         int64         `yaml:"maxLimit"`         // ceiling
	AdjustmentFactor float64       `yaml:"adjustmentFactor"` // proportional step, default 0.1
	CooldownSec      int64         `yaml:"cooldownSec"`      // default 300
	Thresholds       ThresholdsCfg `yaml:"thresholds"`
}

// AdaptiveCfg configures the adaptive controller and its local sampler.
type AdaptiveCfg struct {
	// SampleIntervalSec > 0 starts the gopsutil sampler; 0 disables it
	// (an external collector pushes metrics via the API instead).
	SampleIntervalSec int               `yaml:"sampleIntervalSec"`
	StalenessSec      int               `yaml:"stalenessSec"` // metrics older than this skip the cycle, default 60
	Rules             []AdaptiveRuleCfg `yaml:"rules"`
}

// IdentityCfg names the headers the gateway resolves identifiers from.
type IdentityCfg struct {
	UserHeader   string `yaml:"userHeader"`   // default "X-User-Id"
	APIKeyHeader string `yaml:"apiKeyHeader"` // default "X-API-Key"
	IPHeader     string `yaml:"ipHeader"`     // default "X-Forwarded-For"
}

// BootstrapRule is a rule plus the scope it registers under.
type BootstrapRule struct {
	Scope     string    `yaml:"scope"` // "global" | "user" | "api_key" | "endpoint:{name}" | "provider:{name}"
	rule.Rule `yaml:",inline"`
}

// BootstrapPolicy seeds a named policy bundle at startup.
type BootstrapPolicy struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Enabled     bool        `yaml:"enabled"`
	Priority    int         `yaml:"priority"`
	CreatedBy   string      `yaml:"createdBy"`
	Rules       []rule.Rule `yaml:"rules"`
}

// Config is the full service configuration.
type Config struct {
	Server            ServerCfg         `yaml:"server"`
	Redis             RedisCfg          `yaml:"redis"`
	Features          Features          `yaml:"features"`
	Monitor           MonitorCfg        `yaml:"monitor"`
	Adaptive          AdaptiveCfg       `yaml:"adaptive"`
	Identity          IdentityCfg       `yaml:"identity"`
	BootstrapRules    []BootstrapRule   `yaml:"bootstrapRules"`
	BootstrapPolicies []BootstrapPolicy `yaml:"bootstrapPolicies"`
}

// Load reads a YAML config file, expanding ${ENV} references first.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(b))
	var c Config
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "rls"
	}
	switch strings.ToLower(strings.TrimSpace(c.Features.FailPolicy)) {
	case "fail-open":
		c.Features.FailPolicy = "fail-open"
	case "fail-closed":
		c.Features.FailPolicy = "fail-closed"
	default:
		c.Features.FailPolicy = "fail-open"
	}
	if c.Monitor.MaxEvents <= 0 {
		c.Monitor.MaxEvents = 10000
	}
	if c.Adaptive.StalenessSec <= 0 {
		c.Adaptive.StalenessSec = 60
	}
	if c.Identity.UserHeader == "" {
		c.Identity.UserHeader = "X-User-Id"
	}
	if c.Identity.APIKeyHeader == "" {
		c.Identity.APIKeyHeader = "X-API-Key"
	}
	if c.Identity.IPHeader == "" {
		c.Identity.IPHeader = "X-Forwarded-For"
	}
}
