package domain

import "time"

// PassType identifies the kind of prepaid entitlement an account holds.
type PassType string

const (
	// PassOneTime covers exactly one booking.
	PassOneTime PassType = "one_time"

	// PassAnnual covers any number of bookings until ValidUntil.
	PassAnnual PassType = "annual"
)

// Valid reports whether t is a known pass type.
func (t PassType) Valid() bool {
	return t == PassOneTime || t == PassAnnual
}

// PassStatus is the lifecycle state of a pass.
type PassStatus string

const (
	PassActive    PassStatus = "active"
	PassConsumed  PassStatus = "consumed"
	PassExpired   PassStatus = "expired"
	PassSuspended PassStatus = "suspended"
)

const (
	// UnlimitedBookings marks BookingsRemaining on annual passes.
	UnlimitedBookings = -1

	// AnnualPassDays is the validity of a freshly issued annual pass.
	AnnualPassDays = 365

	// MaxExtensionDays bounds a single ExtendPass call.
	MaxExtensionDays = 365
)

// PassEntitlement is a pass held by an account.
// Rows are never deleted; expired and suspended passes stay for audit.
type PassEntitlement struct {
	ID                string     `json:"id"`
	AccountID         string     `json:"accountId"`
	Type              PassType   `json:"passType"`
	Status            PassStatus `json:"status"`
	IssuedAt          time.Time  `json:"issuedAt"`
	ValidUntil        *time.Time `json:"validUntil,omitempty"`
	BookingsRemaining int        `json:"bookingsRemaining"`
	PaymentRef        string     `json:"paymentRef"`
	ConsumedAt        *time.Time `json:"consumedAt,omitempty"`
	ConsumedBy        string     `json:"consumedBy,omitempty"`
	RestoredFrom      string     `json:"restoredFrom,omitempty"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// ValidAt reports whether the pass can be used for a booking at now.
func (p *PassEntitlement) ValidAt(now time.Time) bool {
	if p == nil || p.Status != PassActive {
		return false
	}
	switch p.Type {
	case PassAnnual:
		return p.ValidUntil != nil && !now.After(*p.ValidUntil)
	case PassOneTime:
		return p.BookingsRemaining > 0
	default:
		return false
	}
}

// Lapsed reports whether an active annual pass is past its validity.
func (p *PassEntitlement) Lapsed(now time.Time) bool {
	return p.Type == PassAnnual && p.Status == PassActive &&
		p.ValidUntil != nil && now.After(*p.ValidUntil)
}

// Clone returns a deep copy so callers never share mutable state with the ledger.
func (p *PassEntitlement) Clone() *PassEntitlement {
	if p == nil {
		return nil
	}
	c := *p
	if p.ValidUntil != nil {
		v := *p.ValidUntil
		c.ValidUntil = &v
	}
	if p.ConsumedAt != nil {
		v := *p.ConsumedAt
		c.ConsumedAt = &v
	}
	return &c
}
