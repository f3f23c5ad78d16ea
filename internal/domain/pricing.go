package domain

import "github.com/shopspring/decimal"

// PriceBreakdown is the itemized price of one booking.
// Amounts carry two decimals and always satisfy
// FinalPrice = BaseRate + MarkupAmount + VATAmount + BookingFee - DiscountAmount (floored at zero).
type PriceBreakdown struct {
	BaseRate       decimal.Decimal `json:"baseRate"`
	MarkupAmount   decimal.Decimal `json:"markupAmount"`
	VATAmount      decimal.Decimal `json:"vatAmount"`
	BookingFee     decimal.Decimal `json:"bookingFee"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	FinalPrice     decimal.Decimal `json:"finalPrice"`
	Currency       string          `json:"currency"`
	PassApplied    bool            `json:"passApplied"`
	PassType       PassType        `json:"passType,omitempty"`
}

// Subtotal is the room price before booking fee and discount.
func (b PriceBreakdown) Subtotal() decimal.Decimal {
	return b.BaseRate.Add(b.MarkupAmount).Add(b.VATAmount)
}

// PricingConfig holds the commercial rates used by the calculator.
type PricingConfig struct {
	MarkupRate   decimal.Decimal `json:"markupRate" env:"PASSGUARD_MARKUP_RATE"`
	VATRate      decimal.Decimal `json:"vatRate" env:"PASSGUARD_VAT_RATE"`
	BookingFee   decimal.Decimal `json:"bookingFee" env:"PASSGUARD_BOOKING_FEE"`
	PassDiscount decimal.Decimal `json:"passDiscount" env:"PASSGUARD_PASS_DISCOUNT"`
}

// DefaultPricingConfig returns the platform's standard rates.
func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		MarkupRate:   decimal.RequireFromString("0.16"),
		VATRate:      decimal.RequireFromString("0.21"),
		BookingFee:   decimal.RequireFromString("15.00"),
		PassDiscount: decimal.RequireFromString("0.15"),
	}
}
