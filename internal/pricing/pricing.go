// Package pricing computes itemized booking prices.
package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/freestays/passguard/internal/domain"
)

// scale is the number of decimals every amount is rounded to.
const scale = 2

// Calculator turns a base rate and pass state into a PriceBreakdown.
// It holds no mutable state and is safe for concurrent use.
type Calculator struct {
	cfg domain.PricingConfig
}

// NewCalculator validates cfg and returns a calculator using it.
func NewCalculator(cfg domain.PricingConfig) (*Calculator, error) {
	one := decimal.NewFromInt(1)
	switch {
	case cfg.MarkupRate.IsNegative():
		return nil, fmt.Errorf("%w: markup rate must not be negative", domain.ErrInvalidInput)
	case cfg.VATRate.IsNegative():
		return nil, fmt.Errorf("%w: vat rate must not be negative", domain.ErrInvalidInput)
	case cfg.BookingFee.IsNegative():
		return nil, fmt.Errorf("%w: booking fee must not be negative", domain.ErrInvalidInput)
	case cfg.PassDiscount.IsNegative() || cfg.PassDiscount.GreaterThan(one):
		return nil, fmt.Errorf("%w: pass discount must be within [0, 1]", domain.ErrInvalidInput)
	}
	return &Calculator{cfg: cfg}, nil
}

// Config returns the rates the calculator was built with.
func (c *Calculator) Config() domain.PricingConfig {
	return c.cfg
}

// ComputePrice prices one booking.
//
// Each component is rounded half-even to two decimals before it feeds the
// next one, so the returned amounts always add up to FinalPrice.
func (c *Calculator) ComputePrice(baseRate decimal.Decimal, currency string, hasValidPass bool, passType domain.PassType) (domain.PriceBreakdown, error) {
	if !baseRate.IsPositive() {
		return domain.PriceBreakdown{}, fmt.Errorf("%w: base rate must be positive, got %s", domain.ErrInvalidInput, baseRate)
	}
	base := round(baseRate)
	if !base.IsPositive() {
		return domain.PriceBreakdown{}, fmt.Errorf("%w: base rate %s rounds to zero", domain.ErrInvalidInput, baseRate)
	}

	ccy, err := NormalizeCurrency(currency)
	if err != nil {
		return domain.PriceBreakdown{}, err
	}
	if hasValidPass && !passType.Valid() {
		return domain.PriceBreakdown{}, fmt.Errorf("%w: unknown pass type %q", domain.ErrInvalidInput, passType)
	}

	markup := round(base.Mul(c.cfg.MarkupRate))
	vat := round(markup.Mul(c.cfg.VATRate))
	subtotal := base.Add(markup).Add(vat)

	fee := round(c.cfg.BookingFee)
	discount := decimal.Zero
	if hasValidPass {
		fee = decimal.Zero
		discount = round(subtotal.Mul(c.cfg.PassDiscount))
	}

	final := subtotal.Add(fee).Sub(discount)
	if final.IsNegative() {
		final = decimal.Zero
	}

	b := domain.PriceBreakdown{
		BaseRate:       base,
		MarkupAmount:   markup,
		VATAmount:      vat,
		BookingFee:     fee,
		DiscountAmount: discount,
		FinalPrice:     final,
		Currency:       ccy,
		PassApplied:    hasValidPass,
	}
	if hasValidPass {
		b.PassType = passType
	}
	return b, nil
}

// Verify recomputes b from its inputs and reports whether every amount matches.
// Used to check a stored breakdown before refunding against it.
func (c *Calculator) Verify(b domain.PriceBreakdown) (bool, error) {
	want, err := c.ComputePrice(b.BaseRate, b.Currency, b.PassApplied, b.PassType)
	if err != nil {
		return false, err
	}
	return want.BaseRate.Equal(b.BaseRate) &&
		want.MarkupAmount.Equal(b.MarkupAmount) &&
		want.VATAmount.Equal(b.VATAmount) &&
		want.BookingFee.Equal(b.BookingFee) &&
		want.DiscountAmount.Equal(b.DiscountAmount) &&
		want.FinalPrice.Equal(b.FinalPrice), nil
}

// NormalizeCurrency upper-cases an ISO 4217 code and rejects anything else.
func NormalizeCurrency(currency string) (string, error) {
	ccy := strings.ToUpper(strings.TrimSpace(currency))
	if len(ccy) != 3 {
		return "", fmt.Errorf("%w: currency must be a 3-letter ISO code, got %q", domain.ErrInvalidInput, currency)
	}
	for _, r := range ccy {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: currency must be a 3-letter ISO code, got %q", domain.ErrInvalidInput, currency)
		}
	}
	return ccy, nil
}

func round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(scale)
}
