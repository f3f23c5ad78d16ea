package api

import (
	"net/http"
	"time"

	"github.com/freestays/passguard/internal/domain"
)

// IssuePassRequest is the request body for POST /passes.
type IssuePassRequest struct {
	AccountID  string          `json:"accountId"`
	PassType   domain.PassType `json:"passType"`
	PaymentRef string          `json:"paymentRef"`
}

// IssuePass handles POST /passes after the pass purchase settled.
func (h *Handler) IssuePass(w http.ResponseWriter, r *http.Request) {
	var req IssuePassRequest
	if !decode(w, r, &req) {
		return
	}

	p, err := h.svc.Ledger.IssuePass(r.Context(), req.AccountID, req.PassType, req.PaymentRef, GetActorID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListPasses handles GET /accounts/{accountID}/passes.
func (h *Handler) ListPasses(w http.ResponseWriter, r *http.Request) {
	passes, err := h.svc.Ledger.ListPasses(r.Context(), urlParam(r, "accountID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"passes": passes,
		"count":  len(passes),
	})
}

// ExtendPassRequest is the request body for POST /accounts/{accountID}/passes/extend.
type ExtendPassRequest struct {
	Days   int    `json:"days"`
	Reason string `json:"reason"`
}

// ExtendPass handles POST /accounts/{accountID}/passes/extend.
func (h *Handler) ExtendPass(w http.ResponseWriter, r *http.Request) {
	var req ExtendPassRequest
	if !decode(w, r, &req) {
		return
	}

	p, err := h.svc.Ledger.ExtendPass(r.Context(), urlParam(r, "accountID"), req.Days, req.Reason, GetActorID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// RestorePassRequest is the request body for POST /accounts/{accountID}/passes/restore.
type RestorePassRequest struct {
	BookingRef string `json:"bookingRef"`
	Reason     string `json:"reason"`
}

// RestorePass handles POST /accounts/{accountID}/passes/restore when a
// booking that used a pass did not complete.
func (h *Handler) RestorePass(w http.ResponseWriter, r *http.Request) {
	var req RestorePassRequest
	if !decode(w, r, &req) {
		return
	}

	p, err := h.svc.Orchestrator.RestorePass(r.Context(), urlParam(r, "accountID"), req.BookingRef, req.Reason, GetActorID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SuspendPassRequest is the request body for POST /accounts/{accountID}/passes/suspend.
type SuspendPassRequest struct {
	PassType domain.PassType `json:"passType"`
	Reason   string          `json:"reason"`
}

// SuspendPass handles POST /accounts/{accountID}/passes/suspend.
func (h *Handler) SuspendPass(w http.ResponseWriter, r *http.Request) {
	var req SuspendPassRequest
	if !decode(w, r, &req) {
		return
	}

	p, err := h.svc.Ledger.SuspendPass(r.Context(), urlParam(r, "accountID"), req.PassType, req.Reason, GetActorID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ExpirePasses handles POST /passes/expire for deployments that drive the
// expiry sweep from an external scheduler.
func (h *Handler) ExpirePasses(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Ledger.ExpirePasses(r.Context(), time.Now().UTC())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

// AccountActivity handles GET /accounts/{accountID}/activity?kind=...&window=...
// and counts the account's recent events of one kind.
func (h *Handler) AccountActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	kind := domain.EventKind(q.Get("kind"))
	if !kind.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "kind must be a known event kind"})
		return
	}

	window := 24 * time.Hour
	if v := q.Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "window must be a positive duration"})
			return
		}
		window = d
	}

	accountID := urlParam(r, "accountID")
	n, err := h.svc.History.Count(r.Context(), accountID, kind, window, time.Now().UTC())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accountId": accountID,
		"kind":      kind,
		"window":    window.String(),
		"count":     n,
	})
}
