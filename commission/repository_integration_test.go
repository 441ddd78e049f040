package commission_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"commissionflow/commission"
	"commissionflow/outbox"
	"commissionflow/policy"
	"commissionflow/test/infra"
)

func TestPGLedgerLifecycle(t *testing.T) {
	h := infra.Open(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool := h.Pool()

	policies := policy.NewRepository(pool)
	rate := 0.05
	p, err := policy.NewService(policies).Upsert(ctx, policy.UpsertParams{
		PolicyCode:     "PG-A",
		Name:           "Postgres five percent",
		PolicyType:     policy.TypeStandard,
		Priority:       10,
		CommissionType: policy.CommissionPercentage,
		CommissionRate: &rate,
	})
	if err != nil {
		t.Fatalf("seed policy: %v", err)
	}

	clock := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	ledger := commission.NewLedger(pool, commission.NewRepository(pool), policies, outbox.NewWriter()).
		WithClock(func() time.Time { return clock })

	params := commission.CreateParams{
		ConversionID: "pg-conv-1",
		PartnerID:    "partner-1",
		ProductID:    "product-1",
		OrderID:      "order-1",
		OrderAmount:  100000,
		Currency:     "KRW",
		Amount:       5000,
		Policy:       p,
		Metadata:     commission.Metadata{AttributionModel: "last_click", AttributionWeight: 1},
	}
	rec, created, err := ledger.Create(ctx, params)
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	if !rec.HoldUntil.Equal(clock.Add(commission.HoldPeriod)) {
		t.Fatalf("expected hold until %v, got %v", clock.Add(commission.HoldPeriod), rec.HoldUntil)
	}
	if rec.Metadata.PolicySnapshot.Code != "PG-A" || rec.CommissionRate == nil || *rec.CommissionRate != 0.05 {
		t.Fatalf("unexpected snapshot %+v rate %v", rec.Metadata.PolicySnapshot, rec.CommissionRate)
	}

	dup, created, err := ledger.Create(ctx, params)
	if err != nil || created || dup.ID != rec.ID {
		t.Fatalf("expected existing %s, got %s created=%v err=%v", rec.ID, dup.ID, created, err)
	}
	stored, err := policies.GetByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if stored.UsageCount != 1 {
		t.Fatalf("expected usage 1 after duplicate create, got %d", stored.UsageCount)
	}

	adjusted, err := ledger.Adjust(ctx, rec.ID, 2500, "partial refund")
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if adjusted.CommissionAmount != 2500 || len(adjusted.Metadata.AdjustmentHistory) != 1 {
		t.Fatalf("unexpected adjusted record %+v", adjusted)
	}
	if got := adjusted.Metadata.AdjustmentHistory[0]; got.OldAmount != 5000 || got.NewAmount != 2500 || got.Reason != "partial refund" {
		t.Fatalf("unexpected adjustment %+v", got)
	}

	if _, err := ledger.MarkAsPaid(ctx, rec.ID, "bank_transfer", nil); !errors.Is(err, commission.ErrInvalidStateTransition) {
		t.Fatalf("expected pay on PENDING to fail, got %v", err)
	}

	// Not yet due.
	if n, err := ledger.AutoConfirm(ctx); err != nil || n != 0 {
		t.Fatalf("expected nothing due, got %d (%v)", n, err)
	}
	clock = clock.Add(commission.HoldPeriod + time.Minute)
	if n, err := ledger.AutoConfirm(ctx); err != nil || n != 1 {
		t.Fatalf("expected one auto-confirmed commission, got %d (%v)", n, err)
	}

	ref := "TX-1"
	paid, err := ledger.MarkAsPaid(ctx, rec.ID, "bank_transfer", &ref)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if paid.Status != commission.StatusPaid || paid.PaidAt == nil || paid.ConfirmedAt == nil || paid.PaidAt.Before(*paid.ConfirmedAt) {
		t.Fatalf("unexpected paid record %+v", paid)
	}
	if paid.PaymentReference == nil || *paid.PaymentReference != ref {
		t.Fatalf("expected payment reference %s, got %v", ref, paid.PaymentReference)
	}

	reason := "fraud"
	_, err = ledger.Cancel(ctx, rec.ID, &reason)
	var te *commission.TransitionError
	if !errors.As(err, &te) || te.From != commission.StatusPaid {
		t.Fatalf("expected TransitionError from PAID, got %v", err)
	}

	var topics []string
	rows, err := pool.Query(ctx, `SELECT topic FROM outbox WHERE payload->>'commission_id' = $1 ORDER BY created_at, topic`, rec.ID)
	if err != nil {
		t.Fatalf("query outbox: %v", err)
	}
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			t.Fatalf("scan outbox: %v", err)
		}
		topics = append(topics, topic)
	}
	rows.Close()
	if len(topics) != 4 {
		t.Fatalf("expected created, adjusted, confirmed and paid messages, got %v", topics)
	}

	stats, err := ledger.Stats(ctx, "partner-1", nil)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total.Count != 1 || stats.Paid.Amount != 2500 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	perf, err := ledger.PolicyPerformance(ctx, commission.DateRange{From: clock.AddDate(0, 0, -30), To: clock.Add(time.Hour)})
	if err != nil {
		t.Fatalf("performance: %v", err)
	}
	if len(perf) != 1 || perf[0].PolicyCode != "PG-A" || perf[0].Rank != 1 {
		t.Fatalf("unexpected performance %+v", perf)
	}

	kpi, err := ledger.KPISummary(ctx, commission.DateRange{From: rec.CreatedAt, To: clock.Add(time.Hour)})
	if err != nil {
		t.Fatalf("kpi: %v", err)
	}
	if kpi.Commissions.Count != 1 || kpi.Paid != 2500 || kpi.Pending.Count != 0 || kpi.EffectiveRate != 2.5 {
		t.Fatalf("unexpected kpi %+v", kpi)
	}
	if kpi.TopPartner == nil || kpi.TopPartner.ID != "partner-1" || kpi.TopPolicy == nil || kpi.TopPolicy.Name != "Postgres five percent" {
		t.Fatalf("unexpected kpi leaders %+v %+v", kpi.TopPartner, kpi.TopPolicy)
	}

	// The window end is exclusive: a window ending at the creation time sees nothing.
	empty, err := ledger.KPISummary(ctx, commission.DateRange{From: rec.CreatedAt.Add(-time.Hour), To: rec.CreatedAt})
	if err != nil {
		t.Fatalf("kpi before creation: %v", err)
	}
	if empty.Commissions.Count != 0 || empty.TopPolicy != nil {
		t.Fatalf("expected an empty window, got %+v", empty)
	}

	list, err := ledger.List(ctx, commission.Filters{PartnerID: "partner-1", Status: commission.StatusPaid})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if list.Total != 1 || list.Items[0].ID != rec.ID {
		t.Fatalf("unexpected list %+v", list)
	}

	if _, err := pool.Exec(ctx, `DELETE FROM commissions WHERE id = $1`, rec.ID); err == nil {
		t.Fatalf("expected commission rows to be undeletable")
	}
}

func TestPGLedgerCancelPendingKeepsReason(t *testing.T) {
	h := infra.Open(t)
	ctx := context.Background()
	pool := h.Pool()

	policies := policy.NewRepository(pool)
	fixed := 3000.0
	p, err := policy.NewService(policies).Upsert(ctx, policy.UpsertParams{
		PolicyCode:     "PG-FIXED",
		Name:           "Flat fee",
		PolicyType:     policy.TypeProductSpecific,
		CommissionType: policy.CommissionFixed,
		FixedAmount:    &fixed,
	})
	if err != nil {
		t.Fatalf("seed policy: %v", err)
	}

	ledger := commission.NewLedger(pool, commission.NewRepository(pool), policies, outbox.NewWriter())
	rec, _, err := ledger.Create(ctx, commission.CreateParams{
		ConversionID: "pg-conv-cancel",
		PartnerID:    "partner-2",
		ProductID:    "product-2",
		OrderID:      "order-2",
		OrderAmount:  40000,
		Currency:     "KRW",
		Amount:       3000,
		Policy:       p,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	reason := "order refunded"
	cancelled, err := ledger.Cancel(ctx, rec.ID, &reason)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != commission.StatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("unexpected cancelled record %+v", cancelled)
	}
	if cancelled.Metadata.CancellationReason == nil || *cancelled.Metadata.CancellationReason != reason {
		t.Fatalf("expected reason %q, got %v", reason, cancelled.Metadata.CancellationReason)
	}
	if cancelled.Metadata.PolicySnapshot.Code != "PG-FIXED" {
		t.Fatalf("expected snapshot to survive cancel, got %+v", cancelled.Metadata.PolicySnapshot)
	}

	if _, err := ledger.Confirm(ctx, rec.ID); !errors.Is(err, commission.ErrInvalidStateTransition) {
		t.Fatalf("expected confirm after cancel to fail, got %v", err)
	}
}
