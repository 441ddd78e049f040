package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"commissionflow/commission"
	"commissionflow/conversion"
	"commissionflow/directory"
	"commissionflow/logger"
	"commissionflow/metrics"
	"commissionflow/policy"
)

var (
	ErrConversionNotConfirmed = errors.New("engine: conversion is not confirmed")
	ErrNoMatchingPolicy       = errors.New("engine: no matching commission policy")
)

const defaultMaxMatchAttempts = 3

type ConversionReader interface {
	GetByID(ctx context.Context, id string) (conversion.Event, error)
}

// Directory resolves the partner and product attributes policies are scoped by.
type Directory interface {
	Partner(ctx context.Context, id string) (directory.Partner, error)
	Product(ctx context.Context, id string) (directory.Product, error)
}

// Engine turns confirmed conversions into commissions and exposes the
// commission lifecycle and reporting operations.
type Engine struct {
	conversions      ConversionReader
	directory        Directory
	policies         *policy.Service
	ledger           *commission.Ledger
	now              func() time.Time
	maxMatchAttempts int
}

func New(conversions ConversionReader, dir Directory, policies *policy.Service, ledger *commission.Ledger) *Engine {
	return &Engine{
		conversions:      conversions,
		directory:        dir,
		policies:         policies,
		ledger:           ledger,
		now:              time.Now,
		maxMatchAttempts: defaultMaxMatchAttempts,
	}
}

// WithClock sets the clock used to evaluate policy validity windows.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) WithMaxMatchAttempts(n int) *Engine {
	if n > 0 {
		e.maxMatchAttempts = n
	}
	return e
}

type createOptions struct {
	skipStatusCheck bool
}

type CreateOption func(*createOptions)

// SkipStatusCheck allows creating a commission for a conversion that is not
// CONFIRMED yet. Operators use it for manual backfills.
func SkipStatusCheck() CreateOption {
	return func(o *createOptions) { o.skipStatusCheck = true }
}

// CreateCommission creates the commission for a conversion. Calling it again for
// the same conversion returns the existing commission unchanged.
func (e *Engine) CreateCommission(ctx context.Context, conversionID string, opts ...CreateOption) (commission.Commission, error) {
	start := time.Now()
	defer func() { metrics.CreateDuration.Observe(time.Since(start).Seconds()) }()

	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}

	ev, err := e.conversions.GetByID(ctx, conversionID)
	if err != nil {
		return commission.Commission{}, err
	}
	if ev.Status != conversion.StatusConfirmed && !o.skipStatusCheck {
		return commission.Commission{}, fmt.Errorf("%w: conversion %s is %s", ErrConversionNotConfirmed, conversionID, ev.Status)
	}

	existing, err := e.ledger.GetByConversionID(ctx, conversionID)
	if err == nil {
		logger.Info("commission already exists for conversion", "conversion_id", conversionID, "commission_id", existing.ID)
		return existing, nil
	}
	if !errors.Is(err, commission.ErrNotFound) {
		return commission.Commission{}, err
	}

	mctx, err := e.matchContext(ctx, ev)
	if err != nil {
		return commission.Commission{}, err
	}

	exhausted := map[string]bool{}
	for attempt := 1; attempt <= e.maxMatchAttempts; attempt++ {
		active, err := e.policies.Active(ctx)
		if err != nil {
			return commission.Commission{}, fmt.Errorf("engine: load policies: %w", err)
		}

		winner, ok := policy.Select(withoutPolicies(active, exhausted), mctx, e.now())
		if !ok {
			metrics.NoMatchingPolicy.Inc()
			logger.Error("no matching commission policy",
				"conversion_id", conversionID,
				"partner_id", ev.PartnerID,
				"product_id", ev.ProductID,
				"order_amount", ev.OrderAmount,
			)
			return commission.Commission{}, fmt.Errorf("%w: conversion %s", ErrNoMatchingPolicy, conversionID)
		}

		amount, err := commission.Calculate(winner, ev.OrderAmount, ev.Quantity)
		if err != nil {
			return commission.Commission{}, err
		}

		rec, created, err := e.ledger.Create(ctx, commission.CreateParams{
			ConversionID: ev.ID,
			PartnerID:    ev.PartnerID,
			ProductID:    ev.ProductID,
			OrderID:      ev.OrderID,
			OrderAmount:  ev.OrderAmount,
			Currency:     ev.Currency,
			Amount:       amount,
			Policy:       winner,
			Metadata: commission.Metadata{
				AttributionModel:  ev.AttributionModel,
				AttributionWeight: ev.AttributionWeight,
				ConversionType:    ev.ConversionType,
			},
		})
		if errors.Is(err, policy.ErrUsageLimitReached) {
			logger.Warn("policy usage limit reached during creation, rematching",
				"conversion_id", conversionID,
				"policy_code", winner.PolicyCode,
				"attempt", attempt,
			)
			exhausted[winner.ID] = true
			if err := e.policies.Invalidate(ctx); err != nil {
				logger.Warn("policy cache invalidation failed", "error", err)
			}
			continue
		}
		if err != nil {
			return commission.Commission{}, err
		}
		if created {
			metrics.CommissionsCreated.Inc()
		}
		return rec, nil
	}

	metrics.NoMatchingPolicy.Inc()
	logger.Error("commission policies exhausted while matching", "conversion_id", conversionID, "attempts", e.maxMatchAttempts)
	return commission.Commission{}, fmt.Errorf("%w: conversion %s: usage limits exhausted after %d attempts", ErrNoMatchingPolicy, conversionID, e.maxMatchAttempts)
}

func withoutPolicies(policies []policy.Policy, excluded map[string]bool) []policy.Policy {
	if len(excluded) == 0 {
		return policies
	}
	out := make([]policy.Policy, 0, len(policies))
	for _, p := range policies {
		if !excluded[p.ID] {
			out = append(out, p)
		}
	}
	return out
}

// matchContext builds the facts policies are matched against. A partner or
// product missing from the directory leaves the facts it would supply unknown.
func (e *Engine) matchContext(ctx context.Context, ev conversion.Event) (policy.MatchContext, error) {
	mctx := policy.MatchContext{
		PartnerID:     ev.PartnerID,
		ProductID:     ev.ProductID,
		OrderAmount:   ev.OrderAmount,
		IsNewCustomer: ev.IsNewCustomer,
	}

	partner, err := e.directory.Partner(ctx, ev.PartnerID)
	switch {
	case err == nil:
		mctx.PartnerTier = partner.Tier
	case errors.Is(err, directory.ErrNotFound):
		logger.Warn("partner missing from directory", "partner_id", ev.PartnerID, "conversion_id", ev.ID)
	default:
		return policy.MatchContext{}, fmt.Errorf("engine: load partner: %w", err)
	}

	product, err := e.directory.Product(ctx, ev.ProductID)
	switch {
	case err == nil:
		if product.SupplierID != nil {
			mctx.SupplierID = *product.SupplierID
		}
		if product.Category != nil {
			mctx.Category = *product.Category
		}
		mctx.Tags = product.Tags
	case errors.Is(err, directory.ErrNotFound):
		logger.Warn("product missing from directory", "product_id", ev.ProductID, "conversion_id", ev.ID)
	default:
		return policy.MatchContext{}, fmt.Errorf("engine: load product: %w", err)
	}

	return mctx, nil
}

// ExplainMatch reports how every active policy evaluates against a conversion.
func (e *Engine) ExplainMatch(ctx context.Context, conversionID string) ([]policy.Evaluation, error) {
	ev, err := e.conversions.GetByID(ctx, conversionID)
	if err != nil {
		return nil, err
	}
	mctx, err := e.matchContext(ctx, ev)
	if err != nil {
		return nil, err
	}
	active, err := e.policies.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: load policies: %w", err)
	}
	return policy.Explain(active, mctx, e.now()), nil
}

func (e *Engine) ConfirmCommission(ctx context.Context, id string) (commission.Commission, error) {
	rec, err := e.ledger.Confirm(ctx, id)
	if err != nil {
		return commission.Commission{}, err
	}
	metrics.CommissionTransitions.WithLabelValues("confirm").Inc()
	return rec, nil
}

func (e *Engine) CancelCommission(ctx context.Context, id string, reason *string) (commission.Commission, error) {
	rec, err := e.ledger.Cancel(ctx, id, reason)
	if err != nil {
		return commission.Commission{}, err
	}
	metrics.CommissionTransitions.WithLabelValues("cancel").Inc()
	return rec, nil
}

func (e *Engine) AdjustCommission(ctx context.Context, id string, newAmount float64, reason string) (commission.Commission, error) {
	rec, err := e.ledger.Adjust(ctx, id, newAmount, reason)
	if err != nil {
		return commission.Commission{}, err
	}
	metrics.CommissionTransitions.WithLabelValues("adjust").Inc()
	return rec, nil
}

func (e *Engine) MarkAsPaid(ctx context.Context, id, paymentMethod string, paymentReference *string) (commission.Commission, error) {
	rec, err := e.ledger.MarkAsPaid(ctx, id, paymentMethod, paymentReference)
	if err != nil {
		return commission.Commission{}, err
	}
	metrics.CommissionTransitions.WithLabelValues("pay").Inc()
	return rec, nil
}

// AutoConfirmCommissions confirms every commission whose hold period has ended.
func (e *Engine) AutoConfirmCommissions(ctx context.Context) (int, error) {
	n, err := e.ledger.AutoConfirm(ctx)
	if n > 0 {
		metrics.CommissionsAutoConfirmed.Add(float64(n))
	}
	if err != nil {
		return n, err
	}
	logger.Info("auto-confirm sweep finished", "confirmed", n)
	return n, nil
}

func (e *Engine) GetCommission(ctx context.Context, id string) (commission.Commission, error) {
	return e.ledger.Get(ctx, id)
}

func (e *Engine) GetCommissions(ctx context.Context, filters commission.Filters) (commission.ListResult, error) {
	return e.ledger.List(ctx, filters)
}

func (e *Engine) GetCommissionStats(ctx context.Context, partnerID string, window *commission.DateRange) (commission.Stats, error) {
	return e.ledger.Stats(ctx, partnerID, window)
}

func (e *Engine) GetPolicyPerformance(ctx context.Context, window commission.DateRange) ([]commission.PolicyPerformance, error) {
	return e.ledger.PolicyPerformance(ctx, window)
}

// GetKPISummary reports the dashboard overview for window.
func (e *Engine) GetKPISummary(ctx context.Context, window commission.DateRange) (commission.KPISummary, error) {
	return e.ledger.KPISummary(ctx, window)
}

func (e *Engine) GetPolicies(ctx context.Context, filters policy.Filters) (policy.ListResult, error) {
	return e.policies.List(ctx, filters)
}

func (e *Engine) UpsertPolicy(ctx context.Context, params policy.UpsertParams) (policy.Policy, error) {
	p, err := e.policies.Upsert(ctx, params)
	if err != nil {
		return policy.Policy{}, err
	}
	logger.Info("commission policy saved", "policy_code", p.PolicyCode, "status", p.Status, "priority", p.Priority)
	return p, nil
}
