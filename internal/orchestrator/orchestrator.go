// Package orchestrator wires the synchronous booking path to the
// asynchronous fraud path.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/freestays/passguard/internal/cache"
	"github.com/freestays/passguard/internal/domain"
	"github.com/freestays/passguard/internal/metrics"
	"github.com/freestays/passguard/internal/pricing"
	"github.com/freestays/passguard/internal/rules"
	"github.com/freestays/passguard/internal/worker"
)

const (
	dispatchTimeout    = 5 * time.Second
	defaultWaitTimeout = 10 * time.Second
	replayKeyPrefix    = "booking:"
)

// PassLedger is the part of the entitlement ledger the booking path uses.
type PassLedger interface {
	ConsumePass(ctx context.Context, accountID, bookingRef string) (*domain.PassEntitlement, error)
	RestorePass(ctx context.Context, accountID, bookingRef, reason, actor string) (*domain.PassEntitlement, error)
}

// BookingRequest is what the booking service sends to get a price.
type BookingRequest struct {
	BookingRef        string          `json:"bookingRef"`
	AccountID         string          `json:"accountId"`
	BaseRate          decimal.Decimal `json:"baseRate"`
	Currency          string          `json:"currency"`
	IP                string          `json:"ip,omitempty"`
	IPCountry         string          `json:"ipCountry,omitempty"`
	DeviceFingerprint string          `json:"deviceFingerprint,omitempty"`
}

// Quote is the priced booking returned to the caller.
type Quote struct {
	BookingRef string                  `json:"bookingRef"`
	AccountID  string                  `json:"accountId"`
	Price      domain.PriceBreakdown   `json:"price"`
	Pass       *domain.PassEntitlement `json:"pass,omitempty"`
	EventID    string                  `json:"eventId"`
	QuotedAt   time.Time               `json:"quotedAt"`

	// Replayed is set when the quote was served from the replay cache.
	Replayed bool `json:"replayed"`
}

// Config tunes the orchestrator.
type Config struct {
	// ReplayTTL is how long a quote is remembered per booking ref. Zero disables replay.
	ReplayTTL time.Duration

	// WaitTimeout bounds ReportEvent when the caller waits for the evaluation.
	WaitTimeout time.Duration
}

// Orchestrator prices bookings and hands events to the fraud worker.
type Orchestrator struct {
	ledger PassLedger
	calc   *pricing.Calculator
	bus    domain.EventBus
	cache  domain.Cache
	cfg    Config
	tracer trace.Tracer
	now    func() time.Time

	// dispatches tracks in-flight fraud hand-offs so shutdown can drain them.
	dispatches sync.WaitGroup
}

// New creates an orchestrator. cache may be nil to disable booking replay.
func New(ledger PassLedger, calc *pricing.Calculator, bus domain.EventBus, c domain.Cache, cfg Config) *Orchestrator {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	return &Orchestrator{
		ledger: ledger,
		calc:   calc,
		bus:    bus,
		cache:  c,
		cfg:    cfg,
		tracer: otel.Tracer("passguard/orchestrator"),
		now:    time.Now,
	}
}

// PriceAndReserve applies the account's pass to the booking and prices it.
//
// The pass decision and price are computed synchronously. The booking event
// is then handed to the fraud path without waiting for it; a failed hand-off
// is logged and never affects the quote.
func (o *Orchestrator) PriceAndReserve(ctx context.Context, req BookingRequest) (*Quote, error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "PriceAndReserve",
		trace.WithAttributes(
			attribute.String("booking_ref", req.BookingRef),
			attribute.String("account_id", req.AccountID),
		),
	)
	defer span.End()

	quote, err := o.priceAndReserve(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("pass_applied", quote.Price.PassApplied),
		attribute.Bool("replayed", quote.Replayed),
	)
	metrics.QuoteDuration.Observe(time.Since(start).Seconds())
	return quote, nil
}

func (o *Orchestrator) priceAndReserve(ctx context.Context, req BookingRequest) (*Quote, error) {
	if req.BookingRef == "" {
		return nil, fmt.Errorf("%w: booking ref is required", domain.ErrInvalidInput)
	}
	if req.AccountID == "" {
		return nil, fmt.Errorf("%w: account id is required", domain.ErrInvalidInput)
	}

	// Reject a bad rate or currency before a pass is consumed.
	if _, err := o.calc.ComputePrice(req.BaseRate, req.Currency, false, ""); err != nil {
		return nil, err
	}

	if prev, ok := o.replayed(ctx, req); ok {
		if prev.AccountID != req.AccountID {
			return nil, fmt.Errorf("%w: booking ref %s belongs to another account", domain.ErrInvalidInput, req.BookingRef)
		}
		prev.Replayed = true
		return prev, nil
	}

	pass, err := o.ledger.ConsumePass(ctx, req.AccountID, req.BookingRef)
	if err != nil {
		return nil, err
	}

	var passType domain.PassType
	if pass != nil {
		passType = pass.Type
	}
	price, err := o.calc.ComputePrice(req.BaseRate, req.Currency, pass != nil, passType)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	quote := &Quote{
		BookingRef: req.BookingRef,
		AccountID:  req.AccountID,
		Price:      price,
		Pass:       pass,
		EventID:    uuid.New().String(),
		QuotedAt:   now,
	}

	if o.cache != nil && o.cfg.ReplayTTL > 0 {
		if err := cache.SetJSON(ctx, o.cache, replayKeyPrefix+req.BookingRef, quote, o.cfg.ReplayTTL); err != nil {
			slog.Warn("failed to cache quote", "booking_ref", req.BookingRef, "error", err)
		}
	}

	metrics.QuotesTotal.WithLabelValues(strconv.FormatBool(price.PassApplied)).Inc()
	slog.Info("booking priced",
		"booking_ref", req.BookingRef,
		"account_id", req.AccountID,
		"final_price", price.FinalPrice.StringFixed(2),
		"currency", price.Currency,
		"pass_applied", price.PassApplied,
	)

	o.dispatch(ctx, &domain.Event{
		ID:                quote.EventID,
		Kind:              domain.EventBookingCreated,
		AccountID:         req.AccountID,
		OccurredAt:        now,
		Amount:            price.FinalPrice,
		Currency:          price.Currency,
		IP:                req.IP,
		IPCountry:         req.IPCountry,
		DeviceFingerprint: req.DeviceFingerprint,
		BookingRef:        req.BookingRef,
	})
	return quote, nil
}

// RestorePass compensates an aborted booking and forgets its cached quote so
// a new attempt with the same ref is priced afresh.
func (o *Orchestrator) RestorePass(ctx context.Context, accountID, bookingRef, reason, actor string) (*domain.PassEntitlement, error) {
	p, err := o.ledger.RestorePass(ctx, accountID, bookingRef, reason, actor)
	if err != nil {
		return nil, err
	}
	if o.cache != nil {
		if err := o.cache.Delete(ctx, replayKeyPrefix+bookingRef); err != nil {
			slog.Warn("failed to drop cached quote", "booking_ref", bookingRef, "error", err)
		}
	}
	return p, nil
}

// ReportEvent submits a payment, refund, login or booking event for fraud
// evaluation. With wait unset it returns once the event is queued and the
// outcome carries only the event id; with wait set it blocks until the
// worker replies.
func (o *Orchestrator) ReportEvent(ctx context.Context, e *domain.Event, wait bool) (*worker.Outcome, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: event is required", domain.ErrInvalidInput)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = o.now()
	}
	e.OccurredAt = e.OccurredAt.UTC()
	if err := rules.ValidateEvent(e); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}

	if !wait {
		if err := o.bus.Publish(ctx, domain.TopicFraudEvaluate, payload); err != nil {
			metrics.DispatchFailures.Inc()
			return nil, fmt.Errorf("failed to queue event %s: %w", e.ID, err)
		}
		return &worker.Outcome{EventID: e.ID}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.WaitTimeout)
	defer cancel()

	data, err := o.bus.Request(ctx, domain.TopicFraudEvaluate, payload)
	if err != nil {
		return nil, fmt.Errorf("fraud evaluation of %s: %w", e.ID, err)
	}

	var out worker.Outcome
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode evaluation reply: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("fraud evaluation of %s: %s", e.ID, out.Error)
	}
	return &out, nil
}

// Wait blocks until every pending fraud dispatch has finished.
func (o *Orchestrator) Wait() {
	o.dispatches.Wait()
}

// dispatch publishes e on its own goroutine with a context detached from the
// request, so neither a slow bus nor a cancelled request reaches the booking path.
func (o *Orchestrator) dispatch(ctx context.Context, e *domain.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		metrics.DispatchFailures.Inc()
		slog.Error("failed to encode fraud event", "event_id", e.ID, "error", err)
		return
	}

	o.dispatches.Add(1)
	go func() {
		defer o.dispatches.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
		defer cancel()

		if err := o.bus.Publish(ctx, domain.TopicFraudEvaluate, payload); err != nil {
			metrics.DispatchFailures.Inc()
			slog.Error("failed to dispatch fraud event",
				"event_id", e.ID,
				"booking_ref", e.BookingRef,
				"error", err,
			)
			return
		}
		slog.Debug("fraud event dispatched", "event_id", e.ID, "kind", e.Kind)
	}()
}

// replayed returns the cached quote for the booking ref, if any.
func (o *Orchestrator) replayed(ctx context.Context, req BookingRequest) (*Quote, bool) {
	if o.cache == nil || o.cfg.ReplayTTL <= 0 {
		return nil, false
	}
	var q Quote
	ok, err := cache.GetJSON(ctx, o.cache, replayKeyPrefix+req.BookingRef, &q)
	if err != nil {
		slog.Warn("failed to read cached quote", "booking_ref", req.BookingRef, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return &q, true
}
