// Package api exposes the booking path, fraud ingest and admin operations over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/freestays/passguard/internal/alerts"
	"github.com/freestays/passguard/internal/domain"
	"github.com/freestays/passguard/internal/entitlement"
	"github.com/freestays/passguard/internal/history"
	"github.com/freestays/passguard/internal/orchestrator"
	"github.com/freestays/passguard/internal/pricing"
	"github.com/freestays/passguard/internal/rules"
	"github.com/freestays/passguard/internal/scheduler"
	"github.com/freestays/passguard/internal/worker"
)

// Services are the components the handlers call into.
// Scheduler and Worker are optional.
type Services struct {
	Repo         domain.Repository
	Cache        domain.Cache
	Bus          domain.EventBus
	Orchestrator *orchestrator.Orchestrator
	Ledger       *entitlement.Ledger
	Calculator   *pricing.Calculator
	Rules        *rules.Store
	Alerts       *alerts.Manager
	History      *history.Reader
	Scheduler    *scheduler.Scheduler
	Worker       *worker.Worker
}

// Handler holds dependencies for API handlers.
type Handler struct {
	svc     Services
	version string
}

// NewHandler creates a new API handler.
func NewHandler(svc Services, version string) *Handler {
	return &Handler{svc: svc, version: version}
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	status := "healthy"

	probe := func(name string, ping func() error) {
		if err := ping(); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			return
		}
		checks[name] = "ok"
	}
	if h.svc.Repo != nil {
		probe("repository", func() error { return h.svc.Repo.Ping(ctx) })
	}
	if h.svc.Cache != nil {
		probe("cache", func() error { return h.svc.Cache.Ping(ctx) })
	}
	if h.svc.Bus != nil {
		probe("eventBus", func() error { return h.svc.Bus.Ping(ctx) })
	}

	resp := map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	}
	if h.svc.Rules != nil {
		snap := h.svc.Rules.Snapshot()
		resp["rulesLoaded"] = snap.Len()
		resp["rulesLoadedAt"] = snap.LoadedAt()
	}
	if h.svc.Worker != nil {
		resp["worker"] = h.svc.Worker.GetStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.svc.Repo != nil {
		if err := h.svc.Repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// ListJobs reports the scheduled maintenance jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := []scheduler.JobStatus{}
	if h.svc.Scheduler != nil {
		jobs = h.svc.Scheduler.Jobs()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// AuditTrail returns the audit entries of one pass, rule or alert.
func (h *Handler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	entityType := urlParam(r, "entityType")
	entityID := urlParam(r, "entityID")

	entries, err := h.svc.Repo.AuditTrail(r.Context(), entityType, entityID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps a domain error onto its HTTP status.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"trace_id", GetTraceID(r.Context()),
			"error", err,
		)
	}
	writeJSON(w, status, errorResponse{Error: msg, Retryable: domain.Retryable(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateActivePass),
		errors.Is(err, domain.ErrNotEligible),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body: " + err.Error()})
		return false
	}
	return true
}

func urlParam(r *http.Request, key string) string {
	return strings.TrimSpace(chi.URLParam(r, key))
}
