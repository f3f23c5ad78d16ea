package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind is the type of activity reported by payment, booking or auth services.
type EventKind string

const (
	EventPaymentAttempt  EventKind = "payment_attempt"
	EventBookingCreated  EventKind = "booking_created"
	EventRefundRequested EventKind = "refund_requested"
	EventLogin           EventKind = "login"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventPaymentAttempt, EventBookingCreated, EventRefundRequested, EventLogin:
		return true
	}
	return false
}

// Event is an activity record supplied by a collaborator.
// The engine reads events; it never rewrites them.
type Event struct {
	ID                string          `json:"id"`
	Kind              EventKind       `json:"kind"`
	AccountID         string          `json:"accountId"`
	OccurredAt        time.Time       `json:"occurredAt"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency,omitempty"`
	IP                string          `json:"ip,omitempty"`
	IPCountry         string          `json:"ipCountry,omitempty"`
	DeviceFingerprint string          `json:"deviceFingerprint,omitempty"`
	BookingRef        string          `json:"bookingRef,omitempty"`
}

// Ref returns an evidence reference to the event.
func (e *Event) Ref(detail string, now time.Time) Evidence {
	return Evidence{
		EventID:    e.ID,
		EventKind:  e.Kind,
		AccountID:  e.AccountID,
		OccurredAt: e.OccurredAt,
		Detail:     detail,
		RecordedAt: now,
	}
}
