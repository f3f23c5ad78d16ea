package api

import (
	"net/http"
	"strconv"

	"github.com/freestays/passguard/internal/domain"
)

// ListAlerts handles GET /alerts with optional status, severity, entityType,
// entityId, ruleId, limit and offset query parameters.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AlertFilter{
		Status:     domain.AlertStatus(q.Get("status")),
		Severity:   domain.Severity(q.Get("severity")),
		EntityType: domain.EntityType(q.Get("entityType")),
		EntityID:   q.Get("entityId"),
		RuleID:     q.Get("ruleId"),
	}

	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: name + " must be a non-negative integer"})
			return
		}
		*dst = n
	}

	list, err := h.svc.Alerts.ListAlerts(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

// GetAlert returns an alert with its evidence and status history.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.svc.Alerts.GetAlert(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// StatusRequest is the request body for POST /alerts/{id}/status.
type StatusRequest struct {
	Status domain.AlertStatus `json:"status"`
	Note   string             `json:"note,omitempty"`
}

// UpdateAlertStatus moves an alert along its lifecycle.
func (h *Handler) UpdateAlertStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !decode(w, r, &req) {
		return
	}

	alert, err := h.svc.Alerts.UpdateStatus(r.Context(), urlParam(r, "id"), req.Status, GetActorID(r.Context()), req.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}
