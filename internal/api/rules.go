package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/freestays/passguard/internal/domain"
)

// ListRules returns every stored rule, enabled or not, plus the state of the
// snapshot the evaluator is running.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	stored, err := h.svc.Rules.ListRules(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	snap := h.svc.Rules.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":         stored,
		"count":         len(stored),
		"activeCount":   snap.Len(),
		"rulesLoadedAt": snap.LoadedAt(),
	})
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.svc.Rules.GetRule(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// UpsertRule handles PUT /rules/{id}. The rule is live for the next
// evaluation once the response is sent.
func (h *Handler) UpsertRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.FraudRule
	if !decode(w, r, &rule) {
		return
	}

	id := urlParam(r, "id")
	if rule.ID != "" && rule.ID != id {
		writeError(w, r, fmt.Errorf("%w: body id %q does not match path id %q", domain.ErrInvalidInput, rule.ID, id))
		return
	}
	rule.ID = id

	saved, err := h.svc.Rules.UpsertRule(r.Context(), rule, GetActorID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// EnableRule handles POST /rules/{id}/enable.
func (h *Handler) EnableRule(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// DisableRule handles POST /rules/{id}/disable.
func (h *Handler) DisableRule(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	rule, err := h.svc.Rules.SetEnabled(r.Context(), urlParam(r, "id"), enabled, GetActorID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// ReloadRules rebuilds the rule snapshot from storage, picking up changes
// written by other instances.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Rules.Reload(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}

	snap := h.svc.Rules.Snapshot()
	slog.Info("rules reloaded", "count", snap.Len(), "actor_id", GetActorID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{
		"message":       "rules reloaded successfully",
		"count":         snap.Len(),
		"rulesLoadedAt": snap.LoadedAt(),
	})
}
