package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

import (
	"github.com/stockpulse/rls/internal/adaptive"
	"github.com/stockpulse/rls/internal/config"
	"github.com/stockpulse/rls/internal/core"
	"github.com/stockpulse/rls/internal/identity"
	"github.com/stockpulse/rls/internal/monitor"
	"github.com/stockpulse/rls/internal/policy"
	"github.com/stockpulse/rls/internal/rule"
)

// Server is the admission gateway: thin HTTP glue over the limiter, policy
// manager, adaptive controller and monitor.
type Server struct {
	cfg        config.ServerCfg
	resolver   *identity.Resolver
	limiter    *core.Limiter
	policies   *policy.Manager
	controller *adaptive.Controller
	monitor    *monitor.Monitor
	collectors *monitor.Collectors
	logger     *slog.Logger
	srv        *http.Server
}

func NewServer(
	cfg config.ServerCfg,
	resolver *identity.Resolver,
	limiter *core.Limiter,
	policies *policy.Manager,
	controller *adaptive.Controller,
	mon *monitor.Monitor,
	collectors *monitor.Collectors,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		resolver:   resolver,
		limiter:    limiter,
		policies:   policies,
		controller: controller,
		monitor:    mon,
		collectors: collectors,
		logger:     logger,
	}
}

func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/check", s.checkHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/release", s.releaseHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/status", s.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/limits/{identifier}", s.resetHandler).Methods(http.MethodDelete)

	// Fixed policy routes register before the {name} captures.
	r.HandleFunc("/v1/policies/export", s.exportPoliciesHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/policies/import", s.importPoliciesHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/policies", s.createPolicyHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/policies", s.listPoliciesHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/policies/{name}", s.getPolicyHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/policies/{name}", s.updatePolicyHandler).Methods(http.MethodPut)
	r.HandleFunc("/v1/policies/{name}", s.deletePolicyHandler).Methods(http.MethodDelete)
	r.HandleFunc("/v1/policies/{name}/assign", s.assignPolicyHandler).Methods(http.MethodPost)

	r.HandleFunc("/v1/metrics", s.ingestMetricsHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/summary", s.summaryHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/adjustments", s.adjustmentsHandler).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
}

func (s *Server) ListenAndServe() error {
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	s.srv = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// ---------------- admission ----------------

func (s *Server) checkHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	client, err := s.client(req.Identifier, r)
	if err != nil {
		errResp(w, http.StatusBadRequest, err.Error())
		return
	}
	hints, err := s.hints(client, req.LimitType, req.Endpoint, req.APIProvider)
	if err != nil {
		errResp(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	dec, err := s.limiter.Check(r.Context(), client.Key, hints)
	if s.collectors != nil {
		s.collectors.ObserveCheckDuration(time.Since(start))
	}
	if err != nil {
		errResp(w, http.StatusInternalServerError, "check failed: "+err.Error())
		return
	}

	if dec.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(dec.Limit, 10))
	}
	if dec.Remaining >= 0 {
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(dec.Remaining, 10))
	}
	if dec.ResetTime > 0 {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetTime, 10))
	}
	if !dec.Allowed {
		if dec.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(dec.RetryAfter, 10))
		}
		w.WriteHeader(http.StatusTooManyRequests)
	}

	_ = json.NewEncoder(w).Encode(CheckResponse{
		Allowed:    dec.Allowed,
		Remaining:  dec.Remaining,
		ResetTime:  dec.ResetTime,
		RetryAfter: dec.RetryAfter,
		Limit:      dec.Limit,
		Window:     dec.Window,
		Rule:       dec.RuleName,
		Reason:     dec.Reason,
	})
}

func (s *Server) releaseHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var req ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Rule == "" {
		errResp(w, http.StatusBadRequest, "rule is required")
		return
	}
	client, err := s.client(req.Identifier, r)
	if err != nil {
		errResp(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.limiter.Release(r.Context(), client.Key, req.Rule); err != nil {
		errResp(w, http.StatusBadRequest, err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "released"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	q := r.URL.Query()
	client, err := s.client(q.Get("identifier"), r)
	if err != nil {
		errResp(w, http.StatusBadRequest, err.Error())
		return
	}
	hints, err := s.hints(client, q.Get("limitType"), q.Get("endpoint"), q.Get("apiProvider"))
	if err != nil {
		errResp(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := s.limiter.Status(r.Context(), client.Key, hints)
	if err != nil {
		errResp(w, http.StatusInternalServerError, "status failed: "+err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	client := identity.Parse(mux.Vars(r)["identifier"])
	ruleName := r.URL.Query().Get("rule")
	if err := s.limiter.Reset(r.Context(), client.Key, ruleName); err != nil {
		errResp(w, http.StatusInternalServerError, "reset failed: "+err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "reset"})
}

// ---------------- policies ----------------

func (s *Server) createPolicyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var p policy.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.policies.Create(p); err != nil {
		errResp(w, policyStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "created", "name": p.Name})
}

func (s *Server) listPoliciesHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enabledOnly, _ := strconv.ParseBool(r.URL.Query().Get("enabledOnly"))
	_ = json.NewEncoder(w).Encode(s.policies.List(enabledOnly))
}

func (s *Server) getPolicyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	p, err := s.policies.Get(mux.Vars(r)["name"])
	if err != nil {
		errResp(w, policyStatus(err), err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(p)
}

func (s *Server) updatePolicyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var p policy.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	p.Name = mux.Vars(r)["name"]
	if err := s.policies.Update(p); err != nil {
		errResp(w, policyStatus(err), err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "updated", "name": p.Name})
}

func (s *Server) deletePolicyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	name := mux.Vars(r)["name"]
	if err := s.policies.Delete(name); err != nil {
		errResp(w, policyStatus(err), err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "deleted", "name": name})
}

func (s *Server) assignPolicyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Identifier == "" {
		errResp(w, http.StatusBadRequest, "identifier is required")
		return
	}
	client := identity.Parse(req.Identifier)
	name := mux.Vars(r)["name"]
	if err := s.policies.AssignToIdentifier(client.Key, name); err != nil {
		errResp(w, policyStatus(err), err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "assigned", "name": name})
}

func (s *Server) exportPoliciesHandler(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	out, err := s.policies.ExportAll(format)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		errResp(w, http.StatusBadRequest, err.Error())
		return
	}
	if format == "yaml" {
		w.Header().Set("Content-Type", "application/yaml")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	_, _ = w.Write([]byte(out))
}

func (s *Server) importPoliciesHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	q := r.URL.Query()
	overwrite, _ := strconv.ParseBool(q.Get("overwrite"))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		errResp(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	imported, err := s.policies.ImportAll(string(body), q.Get("format"), overwrite)
	if err != nil {
		errResp(w, http.StatusBadRequest, err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(ImportResponse{Imported: imported})
}

// ---------------- metrics & reporting ----------------

func (s *Server) ingestMetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var req MetricsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ts := time.Now()
	if req.Timestamp > 0 {
		ts = time.Unix(req.Timestamp, 0)
	}
	s.controller.UpdateSystemMetrics(adaptive.Metrics{
		CPU:          req.CPUUsage,
		Memory:       req.MemoryUsage,
		RequestRate:  req.RequestRate,
		ErrorRate:    req.ErrorRate,
		P95LatencyMs: req.P95ResponseTime,
		Timestamp:    ts,
	})
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sinceMinutes, _ := strconv.Atoi(q.Get("sinceMinutes"))
	if sinceMinutes <= 0 {
		sinceMinutes = 60
	}
	since := time.Now().Add(-time.Duration(sinceMinutes) * time.Minute)
	format := q.Get("format")
	out, err := s.monitor.Export(since, format)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		errResp(w, http.StatusBadRequest, err.Error())
		return
	}
	if format == "yaml" {
		w.Header().Set("Content-Type", "application/yaml")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	_, _ = w.Write([]byte(out))
}

func (s *Server) adjustmentsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.controller.AuditTrail())
}

// ---------------- helpers ----------------

func (s *Server) client(identifier string, r *http.Request) (identity.ClientKey, error) {
	if identifier != "" {
		return identity.Parse(identifier), nil
	}
	return s.resolver.Resolve(r)
}

func (s *Server) hints(client identity.ClientKey, limitType, endpoint, provider string) (rule.Hints, error) {
	h := rule.Hints{
		IdentifierKind: client.Kind,
		Endpoint:       endpoint,
		Provider:       provider,
	}
	if limitType != "" {
		t, err := rule.ParseLimitType(limitType)
		if err != nil {
			return rule.Hints{}, err
		}
		h.LimitType = t
	}
	return h, nil
}

func policyStatus(err error) int {
	switch {
	case errors.Is(err, policy.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, policy.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, policy.ErrInvalidImport):
		return http.StatusBadRequest
	}
	return http.StatusBadRequest
}

func errResp(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}
