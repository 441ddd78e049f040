package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"commissionflow/commission"
	"commissionflow/commission/commissiontest"
	"commissionflow/conversion"
	"commissionflow/db/dbtest"
	"commissionflow/directory"
	"commissionflow/engine"
	"commissionflow/policy"
	"commissionflow/policy/policytest"
)

var engineNow = time.Date(2026, 6, 2, 8, 0, 0, 0, time.UTC)

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

type fakeConversions struct {
	events map[string]conversion.Event
}

func (f *fakeConversions) GetByID(_ context.Context, id string) (conversion.Event, error) {
	ev, ok := f.events[id]
	if !ok {
		return conversion.Event{}, conversion.ErrNotFound
	}
	return ev, nil
}

type fakeDirectory struct {
	partners map[string]directory.Partner
	products map[string]directory.Product
	err      error
}

func (f *fakeDirectory) Partner(_ context.Context, id string) (directory.Partner, error) {
	if f.err != nil {
		return directory.Partner{}, f.err
	}
	p, ok := f.partners[id]
	if !ok {
		return directory.Partner{}, directory.ErrNotFound
	}
	return p, nil
}

func (f *fakeDirectory) Product(_ context.Context, id string) (directory.Product, error) {
	if f.err != nil {
		return directory.Product{}, f.err
	}
	p, ok := f.products[id]
	if !ok {
		return directory.Product{}, directory.ErrNotFound
	}
	return p, nil
}

type fixture struct {
	conversions *fakeConversions
	directory   *fakeDirectory
	policies    *policytest.Repository
	commissions *commissiontest.Repository
	outbox      *commissiontest.Outbox
	engine      *engine.Engine
}

func newFixture(t *testing.T, policies ...policy.Policy) *fixture {
	t.Helper()
	f := &fixture{
		conversions: &fakeConversions{events: map[string]conversion.Event{
			"conv-1": confirmedEvent("conv-1"),
		}},
		directory: &fakeDirectory{
			partners: map[string]directory.Partner{
				"partner-1": {ID: "partner-1", Name: "Blue Shop", Tier: "gold", IsActive: true},
			},
			products: map[string]directory.Product{
				"product-1": {ID: "product-1", Name: "Laptop", SupplierID: strPtr("supplier-1"), Category: strPtr("electronics"), Tags: []string{"summer"}},
			},
		},
		policies:    policytest.NewRepository(policies...),
		commissions: commissiontest.NewRepository(),
		outbox:      &commissiontest.Outbox{},
	}

	clock := func() time.Time { return engineNow }
	ledger := commission.NewLedger(&dbtest.Pool{}, f.commissions, f.policies, f.outbox).WithClock(clock)
	svc := policy.NewService(f.policies).WithClock(clock)
	f.engine = engine.New(f.conversions, f.directory, svc, ledger).WithClock(clock)
	return f
}

func confirmedEvent(id string) conversion.Event {
	return conversion.Event{
		ID:          id,
		PartnerID:   "partner-1",
		ProductID:   "product-1",
		OrderID:     "order-" + id,
		OrderAmount: 100000,
		Quantity:    1,
		Currency:    "KRW",
		Status:      conversion.StatusConfirmed,
	}
}

func percentPolicy(id, code string, priority int, rate float64) policy.Policy {
	return policy.Policy{
		ID:             id,
		PolicyCode:     code,
		Name:           code,
		PolicyType:     policy.TypeStandard,
		Status:         policy.StatusActive,
		Priority:       priority,
		CommissionType: policy.CommissionPercentage,
		CommissionRate: floatPtr(rate),
	}
}

func specificityPair() (policy.Policy, policy.Policy) {
	a := percentPolicy("policy-a", "A", 10, 0.05)
	a.Constraints.PartnerID = strPtr("partner-1")
	b := percentPolicy("policy-b", "B", 10, 0.03)
	b.Constraints.Category = strPtr("electronics")
	return a, b
}

func TestCreateCommissionPicksMostSpecificPolicy(t *testing.T) {
	a, b := specificityPair()
	f := newFixture(t, a, b)

	rec, err := f.engine.CreateCommission(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.PolicyID != "policy-a" {
		t.Fatalf("expected policy A, got %s", rec.PolicyID)
	}
	if rec.CommissionAmount != 5000 {
		t.Fatalf("expected amount 5000, got %v", rec.CommissionAmount)
	}
	if rec.Status != commission.StatusPending {
		t.Fatalf("expected PENDING, got %s", rec.Status)
	}
	if rec.Metadata.PolicySnapshot.Code != "A" {
		t.Fatalf("expected snapshot of A, got %+v", rec.Metadata.PolicySnapshot)
	}
	if f.policies.Usage("policy-a") != 1 || f.policies.Usage("policy-b") != 0 {
		t.Fatalf("expected only A usage to increase, got A=%d B=%d", f.policies.Usage("policy-a"), f.policies.Usage("policy-b"))
	}
}

func TestCreateCommissionUsesDirectoryFacts(t *testing.T) {
	tier := percentPolicy("policy-tier", "GOLD", 10, 0.04)
	tier.Constraints.PartnerTier = strPtr("gold")
	tier.Constraints.Tags = []string{"summer", "winter"}
	f := newFixture(t, tier)

	rec, err := f.engine.CreateCommission(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.CommissionAmount != 4000 {
		t.Fatalf("expected 4000, got %v", rec.CommissionAmount)
	}
}

func TestCreateCommissionToleratesMissingDirectoryEntries(t *testing.T) {
	fallback := percentPolicy("policy-default", "DEFAULT", 0, 0.01)
	tier := percentPolicy("policy-tier", "GOLD", 10, 0.04)
	tier.Constraints.PartnerTier = strPtr("gold")
	f := newFixture(t, fallback, tier)
	delete(f.directory.partners, "partner-1")
	delete(f.directory.products, "product-1")

	rec, err := f.engine.CreateCommission(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.PolicyID != "policy-default" {
		t.Fatalf("expected the unconstrained policy, got %s", rec.PolicyID)
	}
}

func TestCreateCommissionFailsOnDirectoryError(t *testing.T) {
	f := newFixture(t, percentPolicy("policy-default", "DEFAULT", 0, 0.01))
	boom := errors.New("connection reset")
	f.directory.err = boom

	_, err := f.engine.CreateCommission(context.Background(), "conv-1")
	if !errors.Is(err, boom) {
		t.Fatalf("expected directory error, got %v", err)
	}
	if len(f.commissions.All()) != 0 {
		t.Fatalf("expected no commission to be written")
	}
}

func TestCreateCommissionIsIdempotent(t *testing.T) {
	a, b := specificityPair()
	f := newFixture(t, a, b)
	ctx := context.Background()

	first, err := f.engine.CreateCommission(ctx, "conv-1")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := f.engine.CreateCommission(ctx, "conv-1")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same commission, got %s and %s", first.ID, second.ID)
	}
	if got := len(f.commissions.All()); got != 1 {
		t.Fatalf("expected one commission, got %d", got)
	}
	if f.policies.Usage("policy-a") != 1 {
		t.Fatalf("expected usage 1, got %d", f.policies.Usage("policy-a"))
	}
	if got := len(f.outbox.Topics()); got != 1 {
		t.Fatalf("expected one outbox message, got %d", got)
	}
}

func TestCreateCommissionConcurrentCallsCreateOnce(t *testing.T) {
	a, b := specificityPair()
	f := newFixture(t, a, b)

	const callers = 16
	var wg sync.WaitGroup
	ids := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := f.engine.CreateCommission(context.Background(), "conv-1")
			ids[i], errs[i] = rec.ID, err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Fatalf("expected every caller to see %s, caller %d got %s", ids[0], i, ids[i])
		}
	}
	if got := len(f.commissions.All()); got != 1 {
		t.Fatalf("expected one commission, got %d", got)
	}
	if f.policies.Usage("policy-a") != 1 {
		t.Fatalf("expected usage 1, got %d", f.policies.Usage("policy-a"))
	}
}

func TestCreateCommissionNoMatchingPolicy(t *testing.T) {
	other := percentPolicy("policy-x", "X", 10, 0.05)
	other.Constraints.PartnerID = strPtr("partner-9")
	f := newFixture(t, other)

	_, err := f.engine.CreateCommission(context.Background(), "conv-1")
	if !errors.Is(err, engine.ErrNoMatchingPolicy) {
		t.Fatalf("expected ErrNoMatchingPolicy, got %v", err)
	}
	if len(f.commissions.All()) != 0 {
		t.Fatalf("expected no commission")
	}
}

func TestCreateCommissionRequiresConfirmedConversion(t *testing.T) {
	f := newFixture(t, percentPolicy("policy-default", "DEFAULT", 0, 0.02))
	ev := confirmedEvent("conv-2")
	ev.Status = conversion.StatusPending
	f.conversions.events["conv-2"] = ev
	ctx := context.Background()

	_, err := f.engine.CreateCommission(ctx, "conv-2")
	if !errors.Is(err, engine.ErrConversionNotConfirmed) {
		t.Fatalf("expected ErrConversionNotConfirmed, got %v", err)
	}

	rec, err := f.engine.CreateCommission(ctx, "conv-2", engine.SkipStatusCheck())
	if err != nil {
		t.Fatalf("expected skip option to allow creation: %v", err)
	}
	if rec.CommissionAmount != 2000 {
		t.Fatalf("expected 2000, got %v", rec.CommissionAmount)
	}
}

func TestCreateCommissionUnknownConversion(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.CreateCommission(context.Background(), "missing")
	if !errors.Is(err, conversion.ErrNotFound) {
		t.Fatalf("expected conversion.ErrNotFound, got %v", err)
	}
}

func TestCreateCommissionRematchesWhenWinnerIsExhausted(t *testing.T) {
	limited := percentPolicy("policy-promo", "PROMO", 20, 0.10)
	limited.UsageLimit = intPtr(1)
	limited.UsageCount = 1
	fallback := percentPolicy("policy-default", "DEFAULT", 0, 0.01)
	f := newFixture(t, limited, fallback)
	f.policies.ServeStaleUsage()

	rec, err := f.engine.CreateCommission(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.PolicyID != "policy-default" {
		t.Fatalf("expected fallback policy, got %s", rec.PolicyID)
	}
	if rec.CommissionAmount != 1000 {
		t.Fatalf("expected 1000, got %v", rec.CommissionAmount)
	}
	if f.policies.Usage("policy-promo") != 1 {
		t.Fatalf("expected exhausted policy usage to stay 1, got %d", f.policies.Usage("policy-promo"))
	}
	if f.policies.InvalidateCalls != 1 {
		t.Fatalf("expected one cache invalidation, got %d", f.policies.InvalidateCalls)
	}
}

func TestCreateCommissionGivesUpWhenEveryCandidateIsExhausted(t *testing.T) {
	var seed []policy.Policy
	for i, code := range []string{"P1", "P2", "P3", "P4"} {
		p := percentPolicy("policy-"+code, code, 10-i, 0.05)
		p.UsageLimit = intPtr(1)
		p.UsageCount = 1
		seed = append(seed, p)
	}
	f := newFixture(t, seed...)
	f.policies.ServeStaleUsage()

	_, err := f.engine.CreateCommission(context.Background(), "conv-1")
	if !errors.Is(err, engine.ErrNoMatchingPolicy) {
		t.Fatalf("expected ErrNoMatchingPolicy, got %v", err)
	}
	if f.policies.InvalidateCalls != 3 {
		t.Fatalf("expected three rematch attempts, got %d", f.policies.InvalidateCalls)
	}
}

func TestExplainMatchMarksWinner(t *testing.T) {
	a, b := specificityPair()
	other := percentPolicy("policy-x", "X", 50, 0.2)
	other.Constraints.ProductID = strPtr("product-9")
	f := newFixture(t, a, b, other)

	evals, err := f.engine.ExplainMatch(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(evals) != 3 {
		t.Fatalf("expected three evaluations, got %d", len(evals))
	}
	if !evals[0].Selected || evals[0].PolicyCode != "A" {
		t.Fatalf("expected A selected first, got %+v", evals[0])
	}
	last := evals[2]
	if last.PolicyCode != "X" || last.Eligible || last.Reason == "" {
		t.Fatalf("expected X rejected with a reason, got %+v", last)
	}
}

func TestLifecycleThroughEngine(t *testing.T) {
	a, b := specificityPair()
	f := newFixture(t, a, b)
	ctx := context.Background()

	rec, err := f.engine.CreateCommission(ctx, "conv-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.engine.AdjustCommission(ctx, rec.ID, 2500, "partial refund"); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if _, err := f.engine.ConfirmCommission(ctx, rec.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	paid, err := f.engine.MarkAsPaid(ctx, rec.ID, "bank_transfer", strPtr("TX-1"))
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if paid.Status != commission.StatusPaid || paid.CommissionAmount != 2500 {
		t.Fatalf("unexpected paid commission %+v", paid)
	}

	_, err = f.engine.CancelCommission(ctx, rec.ID, strPtr("too late"))
	if !errors.Is(err, commission.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}

	stats, err := f.engine.GetCommissionStats(ctx, "partner-1", nil)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Paid.Count != 1 || stats.Paid.Amount != 2500 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestAutoConfirmCommissionsThroughEngine(t *testing.T) {
	f := newFixture(t, percentPolicy("policy-default", "DEFAULT", 0, 0.02))
	ctx := context.Background()
	if _, err := f.engine.CreateCommission(ctx, "conv-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := f.engine.AutoConfirmCommissions(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing due yet, got %d (%v)", n, err)
	}
}

func TestKPISummaryCoversCreatedCommissions(t *testing.T) {
	f := newFixture(t, percentPolicy("policy-default", "DEFAULT", 0, 0.02))
	ctx := context.Background()
	rec, err := f.engine.CreateCommission(ctx, "conv-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	kpi, err := f.engine.GetKPISummary(ctx, commission.DateRange{From: engineNow.AddDate(0, 0, -1), To: engineNow.AddDate(0, 0, 1)})
	if err != nil {
		t.Fatalf("kpi: %v", err)
	}
	if kpi.Commissions.Count != 1 || kpi.Pending.Amount != rec.CommissionAmount {
		t.Fatalf("unexpected kpi %+v", kpi)
	}
	if kpi.TopPolicy == nil || kpi.TopPolicy.ID != "policy-default" {
		t.Fatalf("unexpected top policy %+v", kpi.TopPolicy)
	}
}

func TestUpsertAndListPolicies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	saved, err := f.engine.UpsertPolicy(ctx, policy.UpsertParams{
		PolicyCode:     "SUMMER",
		Name:           "Summer promo",
		PolicyType:     policy.TypePromotional,
		Priority:       5,
		CommissionType: policy.CommissionPercentage,
		CommissionRate: floatPtr(0.07),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if saved.Status != policy.StatusActive {
		t.Fatalf("expected ACTIVE default, got %s", saved.Status)
	}

	res, err := f.engine.GetPolicies(ctx, policy.Filters{Page: 1, PageSize: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if res.Total != 1 || res.Items[0].PolicyCode != "SUMMER" {
		t.Fatalf("unexpected list %+v", res)
	}

	rec, err := f.engine.CreateCommission(ctx, "conv-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.CommissionAmount != 7000 {
		t.Fatalf("expected 7000, got %v", rec.CommissionAmount)
	}
}
