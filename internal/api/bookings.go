package api

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/freestays/passguard/internal/domain"
	"github.com/freestays/passguard/internal/orchestrator"
)

// PriceView is a price breakdown with every amount fixed at two decimals.
type PriceView struct {
	BaseRate       string          `json:"baseRate"`
	MarkupAmount   string          `json:"markupAmount"`
	VATAmount      string          `json:"vatAmount"`
	BookingFee     string          `json:"bookingFee"`
	DiscountAmount string          `json:"discountAmount"`
	FinalPrice     string          `json:"finalPrice"`
	Currency       string          `json:"currency"`
	PassApplied    bool            `json:"passApplied"`
	PassType       domain.PassType `json:"passType,omitempty"`
}

func newPriceView(b domain.PriceBreakdown) PriceView {
	return PriceView{
		BaseRate:       b.BaseRate.StringFixed(2),
		MarkupAmount:   b.MarkupAmount.StringFixed(2),
		VATAmount:      b.VATAmount.StringFixed(2),
		BookingFee:     b.BookingFee.StringFixed(2),
		DiscountAmount: b.DiscountAmount.StringFixed(2),
		FinalPrice:     b.FinalPrice.StringFixed(2),
		Currency:       b.Currency,
		PassApplied:    b.PassApplied,
		PassType:       b.PassType,
	}
}

// QuoteResponse is the response for POST /bookings/quote.
type QuoteResponse struct {
	BookingRef string                  `json:"bookingRef"`
	AccountID  string                  `json:"accountId"`
	Price      PriceView               `json:"price"`
	Pass       *domain.PassEntitlement `json:"pass,omitempty"`
	EventID    string                  `json:"eventId"`
	QuotedAt   time.Time               `json:"quotedAt"`
	Replayed   bool                    `json:"replayed"`
}

// QuoteBooking handles POST /bookings/quote: applies the account's pass and
// prices the booking.
func (h *Handler) QuoteBooking(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.BookingRequest
	if !decode(w, r, &req) {
		return
	}
	if req.IP == "" {
		req.IP = clientIP(r)
	}

	q, err := h.svc.Orchestrator.PriceAndReserve(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if q.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, QuoteResponse{
		BookingRef: q.BookingRef,
		AccountID:  q.AccountID,
		Price:      newPriceView(q.Price),
		Pass:       q.Pass,
		EventID:    q.EventID,
		QuotedAt:   q.QuotedAt,
		Replayed:   q.Replayed,
	})
}

// ReportEvent handles POST /events. With ?wait=true the response carries
// the evaluation outcome; otherwise the event is queued and 202 returned.
func (h *Handler) ReportEvent(w http.ResponseWriter, r *http.Request) {
	var e domain.Event
	if !decode(w, r, &e) {
		return
	}

	wait := false
	if v := r.URL.Query().Get("wait"); v != "" {
		var err error
		if wait, err = strconv.ParseBool(v); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "wait must be a boolean"})
			return
		}
	}

	out, err := h.svc.Orchestrator.ReportEvent(r.Context(), &e, wait)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !wait {
		writeJSON(w, http.StatusAccepted, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// PriceRequest is the request body for POST /prices.
type PriceRequest struct {
	BaseRate decimal.Decimal `json:"baseRate"`
	Currency string          `json:"currency"`

	// PassType prices the booking as if the account held a pass of this type.
	PassType domain.PassType `json:"passType,omitempty"`
}

// PreviewPrice handles POST /prices. Nothing is reserved.
func (h *Handler) PreviewPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}

	b, err := h.svc.Calculator.ComputePrice(req.BaseRate, req.Currency, req.PassType != "", req.PassType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPriceView(b))
}

// VerifyPrice handles POST /prices/verify: checks a breakdown produced
// elsewhere against the current rates.
func (h *Handler) VerifyPrice(w http.ResponseWriter, r *http.Request) {
	var b domain.PriceBreakdown
	if !decode(w, r, &b) {
		return
	}

	ok, err := h.svc.Calculator.Verify(b)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := map[string]any{"valid": ok}
	if !ok {
		if want, err := h.svc.Calculator.ComputePrice(b.BaseRate, b.Currency, b.PassApplied, b.PassType); err == nil {
			resp["expected"] = newPriceView(want)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
