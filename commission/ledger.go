package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"commissionflow/logger"
	"commissionflow/outbox"
	"commissionflow/policy"
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// UsageCounter consumes one use of a policy inside the creating transaction.
type UsageCounter interface {
	IncrementUsage(ctx context.Context, tx pgx.Tx, id string) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Ledger owns every write to commission records. Status changes go through
// conditional updates so concurrent callers cannot skip or repeat a transition.
type Ledger struct {
	pool        TxBeginner
	repo        Repository
	usage       UsageCounter
	outbox      OutboxWriter
	idGenerator func() string
	now         func() time.Time
	batchSize   int
}

type CreateParams struct {
	ConversionID string
	PartnerID    string
	ProductID    string
	OrderID      string
	OrderAmount  float64
	Currency     string
	Amount       float64
	Policy       policy.Policy
	Metadata     Metadata
}

func NewLedger(pool TxBeginner, repo Repository, usage UsageCounter, out OutboxWriter) *Ledger {
	return &Ledger{
		pool:        pool,
		repo:        repo,
		usage:       usage,
		outbox:      out,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		batchSize:   500,
	}
}

func (l *Ledger) WithIDGenerator(gen func() string) *Ledger {
	l.idGenerator = gen
	return l
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// WithBatchSize bounds how many commissions one auto-confirm transaction touches.
func (l *Ledger) WithBatchSize(n int) *Ledger {
	if n > 0 {
		l.batchSize = n
	}
	return l
}

func (l *Ledger) Get(ctx context.Context, id string) (Commission, error) {
	return l.repo.GetByID(ctx, id)
}

func (l *Ledger) GetByConversionID(ctx context.Context, conversionID string) (Commission, error) {
	return l.repo.GetByConversionID(ctx, conversionID)
}

// Create records a PENDING commission for a conversion and consumes one use of
// its policy in the same transaction. When the conversion already has a
// commission the existing record is returned with created=false and usage is
// left untouched. policy.ErrUsageLimitReached is returned unchanged when the
// policy ran out of uses.
func (l *Ledger) Create(ctx context.Context, params CreateParams) (Commission, bool, error) {
	if params.ConversionID == "" {
		return Commission{}, false, fmt.Errorf("commission: missing conversion id")
	}
	if params.Amount <= 0 {
		return Commission{}, false, fmt.Errorf("%w: %.2f", ErrInvalidCommissionAmount, params.Amount)
	}

	now := l.now().UTC()
	md := params.Metadata
	md.PolicySnapshot = SnapshotOf(params.Policy)

	rec := Commission{
		ID:               l.idGenerator(),
		ConversionID:     params.ConversionID,
		PartnerID:        params.PartnerID,
		ProductID:        params.ProductID,
		OrderID:          params.OrderID,
		PolicyID:         params.Policy.ID,
		PolicyType:       params.Policy.PolicyType,
		CommissionAmount: params.Amount,
		OrderAmount:      params.OrderAmount,
		Currency:         params.Currency,
		Status:           StatusPending,
		HoldUntil:        now.Add(HoldPeriod),
		Metadata:         md,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if params.Policy.CommissionType == policy.CommissionPercentage {
		rec.CommissionRate = params.Policy.CommissionRate
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Commission{}, false, fmt.Errorf("commission: begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	saved, inserted, err := l.repo.Insert(ctx, tx, rec)
	if err != nil {
		return Commission{}, false, err
	}
	if !inserted {
		_ = tx.Rollback(ctx)
		existing, err := l.repo.GetByConversionID(ctx, params.ConversionID)
		if err != nil {
			return Commission{}, false, fmt.Errorf("commission: load existing for conversion %s: %w", params.ConversionID, err)
		}
		logger.Info("commission already exists for conversion", "conversion_id", params.ConversionID, "commission_id", existing.ID)
		return existing, false, nil
	}

	if err := l.usage.IncrementUsage(ctx, tx, params.Policy.ID); err != nil {
		if errors.Is(err, policy.ErrUsageLimitReached) {
			return Commission{}, false, err
		}
		return Commission{}, false, fmt.Errorf("commission: consume policy usage: %w", err)
	}

	if err := l.outbox.Enqueue(ctx, tx, outbox.TopicCommissionCreated, map[string]any{
		"commission_id": saved.ID,
		"conversion_id": saved.ConversionID,
		"partner_id":    saved.PartnerID,
		"policy_code":   params.Policy.PolicyCode,
		"amount":        saved.CommissionAmount,
		"currency":      saved.Currency,
		"hold_until":    saved.HoldUntil,
	}); err != nil {
		return Commission{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Commission{}, false, fmt.Errorf("commission: commit create: %w", err)
	}

	logger.Info("commission created",
		"commission_id", saved.ID,
		"conversion_id", saved.ConversionID,
		"policy_code", params.Policy.PolicyCode,
		"amount", saved.CommissionAmount,
	)
	return saved, true, nil
}

// Confirm moves a PENDING commission to CONFIRMED.
func (l *Ledger) Confirm(ctx context.Context, id string) (Commission, error) {
	return l.transition(ctx, id, []Status{StatusPending}, Transition{Op: "confirm", To: StatusConfirmed}, outbox.TopicCommissionConfirmed)
}

// MarkAsPaid records that a CONFIRMED commission was paid out.
func (l *Ledger) MarkAsPaid(ctx context.Context, id, paymentMethod string, paymentReference *string) (Commission, error) {
	if paymentMethod == "" {
		return Commission{}, fmt.Errorf("commission: payment method required")
	}
	t := Transition{
		Op:               "mark as paid",
		To:               StatusPaid,
		PaymentMethod:    &paymentMethod,
		PaymentReference: paymentReference,
	}
	return l.transition(ctx, id, []Status{StatusConfirmed}, t, outbox.TopicCommissionPaid)
}

func (l *Ledger) transition(ctx context.Context, id string, from []Status, t Transition, topic string) (Commission, error) {
	t.At = l.now().UTC()

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Commission{}, fmt.Errorf("commission: begin %s: %w", t.Op, err)
	}
	defer tx.Rollback(ctx)

	updated, err := l.repo.CompareAndSetStatus(ctx, tx, id, from, t)
	if err != nil {
		return Commission{}, err
	}

	payload := map[string]any{
		"commission_id": updated.ID,
		"status":        updated.Status,
		"amount":        updated.CommissionAmount,
	}
	if t.PaymentMethod != nil {
		payload["payment_method"] = *t.PaymentMethod
	}
	if err := l.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
		return Commission{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Commission{}, fmt.Errorf("commission: commit %s: %w", t.Op, err)
	}
	return updated, nil
}

// Cancel aborts a PENDING or CONFIRMED commission. A non-empty reason is kept
// in the record's metadata.
func (l *Ledger) Cancel(ctx context.Context, id string, reason *string) (Commission, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Commission{}, fmt.Errorf("commission: begin cancel: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := l.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Commission{}, err
	}
	if current.Status.Terminal() {
		return Commission{}, &TransitionError{Op: "cancel", ID: id, From: current.Status}
	}

	md := current.Metadata
	if reason != nil && *reason != "" {
		md.CancellationReason = reason
	}

	updated, err := l.repo.CompareAndSetStatus(ctx, tx, id, []Status{current.Status}, Transition{
		Op:       "cancel",
		To:       StatusCancelled,
		At:       l.now().UTC(),
		Metadata: &md,
	})
	if err != nil {
		return Commission{}, err
	}

	payload := map[string]any{
		"commission_id":   updated.ID,
		"previous_status": current.Status,
		"amount":          updated.CommissionAmount,
	}
	if md.CancellationReason != nil {
		payload["reason"] = *md.CancellationReason
	}
	if err := l.outbox.Enqueue(ctx, tx, outbox.TopicCommissionCancelled, payload); err != nil {
		return Commission{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Commission{}, fmt.Errorf("commission: commit cancel: %w", err)
	}
	return updated, nil
}

// Adjust overwrites the amount of any unpaid commission and appends the change
// to its adjustment history.
func (l *Ledger) Adjust(ctx context.Context, id string, newAmount float64, reason string) (Commission, error) {
	if newAmount < 0 {
		return Commission{}, fmt.Errorf("%w: %.2f", ErrInvalidCommissionAmount, newAmount)
	}
	if reason == "" {
		return Commission{}, fmt.Errorf("commission: adjustment reason required")
	}
	newAmount = roundCents(newAmount)

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Commission{}, fmt.Errorf("commission: begin adjust: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := l.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Commission{}, err
	}
	if current.Status == StatusPaid {
		return Commission{}, &TransitionError{Op: "adjust", ID: id, From: current.Status}
	}
	if current.Status == StatusCancelled {
		logger.Warn("adjusting a cancelled commission", "commission_id", id)
	}

	now := l.now().UTC()
	md := current.Metadata
	md.AdjustmentHistory = append(append([]Adjustment(nil), md.AdjustmentHistory...), Adjustment{
		OldAmount:  current.CommissionAmount,
		NewAmount:  newAmount,
		Reason:     reason,
		AdjustedAt: now,
	})

	updated, err := l.repo.UpdateAmount(ctx, tx, id, newAmount, md, now)
	if err != nil {
		return Commission{}, err
	}

	if err := l.outbox.Enqueue(ctx, tx, outbox.TopicCommissionAdjusted, map[string]any{
		"commission_id": updated.ID,
		"old_amount":    current.CommissionAmount,
		"new_amount":    newAmount,
		"reason":        reason,
	}); err != nil {
		return Commission{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Commission{}, fmt.Errorf("commission: commit adjust: %w", err)
	}
	return updated, nil
}

// AutoConfirm confirms every PENDING commission whose hold period has ended,
// one bounded batch per transaction, and returns how many it confirmed.
func (l *Ledger) AutoConfirm(ctx context.Context) (int, error) {
	now := l.now().UTC()
	total := 0
	for {
		n, err := l.confirmBatch(ctx, now)
		total += n
		if err != nil {
			return total, err
		}
		if n < l.batchSize {
			return total, nil
		}
	}
}

func (l *Ledger) confirmBatch(ctx context.Context, now time.Time) (int, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("commission: begin auto-confirm: %w", err)
	}
	defer tx.Rollback(ctx)

	confirmed, err := l.repo.ConfirmDue(ctx, tx, now, l.batchSize)
	if err != nil {
		return 0, err
	}
	for _, c := range confirmed {
		if err := l.outbox.Enqueue(ctx, tx, outbox.TopicCommissionConfirmed, map[string]any{
			"commission_id": c.ID,
			"status":        c.Status,
			"amount":        c.CommissionAmount,
			"auto":          true,
		}); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commission: commit auto-confirm: %w", err)
	}
	return len(confirmed), nil
}

func (l *Ledger) List(ctx context.Context, filters Filters) (ListResult, error) {
	filters = normalizeFilters(filters)

	items, total, err := l.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	pages := 0
	if total > 0 {
		pages = (total + filters.PageSize - 1) / filters.PageSize
	}
	return ListResult{Items: items, Total: total, Page: filters.Page, PageCount: pages}, nil
}

func (l *Ledger) Stats(ctx context.Context, partnerID string, window *DateRange) (Stats, error) {
	if partnerID == "" {
		return Stats{}, fmt.Errorf("commission: missing partner id")
	}
	if window != nil && window.To.Before(window.From) {
		return Stats{}, fmt.Errorf("commission: date range ends before it starts")
	}
	return l.repo.Stats(ctx, partnerID, window)
}

func (l *Ledger) PolicyPerformance(ctx context.Context, window DateRange) ([]PolicyPerformance, error) {
	if window.To.Before(window.From) {
		return nil, fmt.Errorf("commission: date range ends before it starts")
	}
	rows, err := l.repo.PolicyPerformance(ctx, window)
	if err != nil {
		return nil, err
	}
	return RankPerformance(rows), nil
}

func (l *Ledger) KPISummary(ctx context.Context, window DateRange) (KPISummary, error) {
	if !window.From.Before(window.To) {
		return KPISummary{}, fmt.Errorf("commission: date range must end after it starts")
	}
	return l.repo.KPISummary(ctx, window)
}
