package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

import (
	"github.com/prometheus/client_golang/prometheus"
)

import (
	"github.com/stockpulse/rls/internal/adaptive"
	"github.com/stockpulse/rls/internal/api"
	"github.com/stockpulse/rls/internal/config"
	"github.com/stockpulse/rls/internal/core"
	"github.com/stockpulse/rls/internal/identity"
	"github.com/stockpulse/rls/internal/monitor"
	"github.com/stockpulse/rls/internal/policy"
	"github.com/stockpulse/rls/internal/rule"
	"github.com/stockpulse/rls/internal/store"
)

func main() {
	confPath := flag.String("c", "configs/rls.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// Counter store: Redis when configured, in-process otherwise.
	var st store.Store
	if cfg.Redis.Enabled() {
		st, err = store.NewRedis(cfg.Redis, logger)
		if err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
	} else {
		logger.Warn("no redis configured, using in-memory counter store")
		st = store.NewMemory()
	}
	defer st.Close()

	policies := policy.NewManager(logger)
	registry := rule.NewRegistry(policies)

	for _, br := range cfg.BootstrapRules {
		scope, err := rule.ParseScope(br.Scope)
		if err != nil {
			log.Fatalf("bootstrap rule %q: %v", br.Name, err)
		}
		if err := registry.Register(scope, br.Rule); err != nil {
			log.Fatalf("bootstrap rule %q: %v", br.Name, err)
		}
	}
	for _, bp := range cfg.BootstrapPolicies {
		err := policies.Create(policy.Policy{
			Name:        bp.Name,
			Description: bp.Description,
			Rules:       bp.Rules,
			Enabled:     bp.Enabled,
			Priority:    bp.Priority,
			CreatedBy:   bp.CreatedBy,
		})
		if err != nil {
			log.Fatalf("bootstrap policy %q: %v", bp.Name, err)
		}
	}

	collectors := monitor.NewCollectors(prometheus.DefaultRegisterer)
	mon := monitor.New(cfg.Monitor.MaxEvents, monitor.WithCollectors(collectors))

	limiter := core.New(registry, st, store.Keys{Prefix: cfg.Redis.Prefix},
		core.WithRecorder(mon),
		core.WithFailPolicy(cfg.Features.FailPolicy),
		core.WithLogger(logger),
	)

	staleness := time.Duration(cfg.Adaptive.StalenessSec) * time.Second
	controller := adaptive.NewController(registry, staleness, logger)
	for _, ar := range cfg.Adaptive.Rules {
		err := controller.Register(adaptive.Rule{
			RuleName:         ar.Rule,
			MinLimit:         ar.MinLimit,
			MaxLimit:         ar.MaxLimit,
			AdjustmentFactor: ar.AdjustmentFactor,
			Cooldown:         time.Duration(ar.CooldownSec) * time.Second,
			Thresholds: adaptive.Thresholds{
				CPU:          ar.Thresholds.CPU,
				Memory:       ar.Thresholds.Memory,
				ErrorRate:    ar.Thresholds.ErrorRate,
				P95LatencyMs: ar.Thresholds.P95LatencyMs,
			},
		})
		if err != nil {
			log.Fatalf("adaptive rule %q: %v", ar.Rule, err)
		}
	}
	if cfg.Adaptive.SampleIntervalSec > 0 {
		sampler := adaptive.NewSampler(controller,
			time.Duration(cfg.Adaptive.SampleIntervalSec)*time.Second, logger)
		go sampler.Start(rootCtx)
	}

	resolver := identity.NewResolver(
		identity.WithUserHeader(cfg.Identity.UserHeader),
		identity.WithAPIKeyHeader(cfg.Identity.APIKeyHeader),
		identity.WithIPHeader(cfg.Identity.IPHeader),
	)
	httpServer := api.NewServer(cfg.Server, resolver, limiter, policies, controller, mon, collectors, logger)

	go func() {
		logger.Info("server running", "addr", cfg.Server.HTTPAddr, "pid", os.Getpid())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")
	cancelRoot()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server shutdown failed: %v", err)
	}
	logger.Info("server exited")
}
