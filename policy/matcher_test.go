package policy

import (
	"math/rand"
	"testing"
	"time"
)

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }
func boolPtr(b bool) *bool        { return &b }

var matchNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func activePolicy(code string, priority int) Policy {
	return Policy{
		ID:             "id-" + code,
		PolicyCode:     code,
		Name:           code,
		PolicyType:     TypeStandard,
		Status:         StatusActive,
		Priority:       priority,
		CommissionType: CommissionPercentage,
		CommissionRate: floatPtr(0.01),
	}
}

func baseContext() MatchContext {
	return MatchContext{
		PartnerID:   "partner-1",
		PartnerTier: "gold",
		ProductID:   "product-1",
		SupplierID:  "supplier-1",
		Category:    "electronics",
		Tags:        []string{"summer", "laptop"},
		OrderAmount: 100000,
	}
}

func TestSelectPrefersSpecificityOnEqualPriority(t *testing.T) {
	a := activePolicy("A", 10)
	a.Constraints.PartnerID = strPtr("partner-1")
	a.CommissionRate = floatPtr(0.05)

	b := activePolicy("B", 10)
	b.Constraints.Category = strPtr("electronics")
	b.CommissionRate = floatPtr(0.03)

	got, ok := Select([]Policy{b, a}, baseContext(), matchNow)
	if !ok {
		t.Fatalf("expected a match")
	}
	if got.PolicyCode != "A" {
		t.Fatalf("expected A to win on specificity, got %s", got.PolicyCode)
	}
	if Specificity(a) != 100 || Specificity(b) != 60 {
		t.Fatalf("unexpected specificity scores %d and %d", Specificity(a), Specificity(b))
	}
}

func TestSelectPriorityDominatesSpecificity(t *testing.T) {
	narrow := activePolicy("NARROW", 5)
	narrow.Constraints = Constraints{
		PartnerID:   strPtr("partner-1"),
		ProductID:   strPtr("product-1"),
		PartnerTier: strPtr("gold"),
		Category:    strPtr("electronics"),
	}
	broad := activePolicy("BROAD", 6)

	got, ok := Select([]Policy{narrow, broad}, baseContext(), matchNow)
	if !ok || got.PolicyCode != "BROAD" {
		t.Fatalf("expected higher priority BROAD to win, got %+v (ok=%v)", got.PolicyCode, ok)
	}
}

func TestSelectIsDeterministicAcrossInputOrder(t *testing.T) {
	policies := []Policy{
		activePolicy("C", 1),
		activePolicy("A", 1),
		activePolicy("B", 1),
		activePolicy("D", 0),
	}

	first, ok := Select(policies, baseContext(), matchNow)
	if !ok || first.PolicyCode != "A" {
		t.Fatalf("expected lowest code A on a full tie, got %s", first.PolicyCode)
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		shuffled := append([]Policy(nil), policies...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got, _ := Select(shuffled, baseContext(), matchNow)
		if got.ID != first.ID {
			t.Fatalf("expected %s for every ordering, got %s", first.ID, got.ID)
		}
	}
}

func TestSelectReturnsFalseWhenNothingApplies(t *testing.T) {
	p := activePolicy("OTHER", 1)
	p.Constraints.PartnerID = strPtr("partner-2")

	if _, ok := Select([]Policy{p}, baseContext(), matchNow); ok {
		t.Fatalf("expected no match")
	}
	if _, ok := Select(nil, baseContext(), matchNow); ok {
		t.Fatalf("expected no match for empty catalog")
	}
}

func TestIsTemporallyActive(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Policy)
		want   bool
	}{
		{"active", func(*Policy) {}, true},
		{"inactive status", func(p *Policy) { p.Status = StatusInactive }, false},
		{"expired status", func(p *Policy) { p.Status = StatusExpired }, false},
		{"not yet valid", func(p *Policy) { v := matchNow.Add(time.Hour); p.ValidFrom = &v }, false},
		{"valid from boundary", func(p *Policy) { v := matchNow; p.ValidFrom = &v }, true},
		{"window ended", func(p *Policy) { v := matchNow.Add(-time.Second); p.ValidUntil = &v }, false},
		{"valid until boundary", func(p *Policy) { v := matchNow; p.ValidUntil = &v }, true},
		{"usage exhausted", func(p *Policy) { p.UsageLimit = intPtr(3); p.UsageCount = 3 }, false},
		{"usage remaining", func(p *Policy) { p.UsageLimit = intPtr(3); p.UsageCount = 2 }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := activePolicy("P", 0)
			tc.mutate(&p)
			if got := IsTemporallyActive(p, matchNow); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestConstraintsApplies(t *testing.T) {
	cases := []struct {
		name string
		c    Constraints
		ctx  func(*MatchContext)
		want bool
	}{
		{"unconstrained", Constraints{}, nil, true},
		{"tier match", Constraints{PartnerTier: strPtr("gold")}, nil, true},
		{"tier unknown in context", Constraints{PartnerTier: strPtr("gold")}, func(m *MatchContext) { m.PartnerTier = "" }, false},
		{"supplier mismatch", Constraints{SupplierID: strPtr("supplier-9")}, nil, false},
		{"shared tag", Constraints{Tags: []string{"winter", "laptop"}}, nil, true},
		{"no shared tag", Constraints{Tags: []string{"winter"}}, nil, false},
		{"min satisfied", Constraints{MinOrderAmount: floatPtr(100000)}, nil, true},
		{"below min", Constraints{MinOrderAmount: floatPtr(100000.01)}, nil, false},
		{"above max", Constraints{MaxOrderAmount: floatPtr(99999)}, nil, false},
		{"new customer required and present", Constraints{RequiresNewCustomer: boolPtr(true)}, func(m *MatchContext) { m.IsNewCustomer = boolPtr(true) }, true},
		{"new customer required but unknown", Constraints{RequiresNewCustomer: boolPtr(true)}, nil, false},
		{"returning customer only", Constraints{RequiresNewCustomer: boolPtr(false)}, func(m *MatchContext) { m.IsNewCustomer = boolPtr(true) }, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := baseContext()
			if tc.ctx != nil {
				tc.ctx(&ctx)
			}
			if got := tc.c.Applies(ctx); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestSpecificityWeights(t *testing.T) {
	p := Policy{
		PolicyType: TypePromotional,
		Constraints: Constraints{
			PartnerID:           strPtr("p"),
			PartnerTier:         strPtr("gold"),
			ProductID:           strPtr("x"),
			SupplierID:          strPtr("s"),
			Category:            strPtr("c"),
			Tags:                []string{"t"},
			MinOrderAmount:      floatPtr(1),
			MaxOrderAmount:      floatPtr(2),
			RequiresNewCustomer: boolPtr(true),
		},
	}
	if got := Specificity(p); got != 540 {
		t.Fatalf("expected 540, got %d", got)
	}
}

func TestExplainMarksWinnerAndReasons(t *testing.T) {
	winner := activePolicy("WIN", 10)
	loser := activePolicy("LOSE", 1)
	expired := activePolicy("OLD", 99)
	until := matchNow.Add(-time.Hour)
	expired.ValidUntil = &until
	mismatch := activePolicy("ELSEWHERE", 50)
	mismatch.Constraints.ProductID = strPtr("product-9")

	evals := Explain([]Policy{loser, mismatch, expired, winner}, baseContext(), matchNow)
	if len(evals) != 4 {
		t.Fatalf("expected 4 evaluations, got %d", len(evals))
	}
	if evals[0].PolicyCode != "WIN" || !evals[0].Selected {
		t.Fatalf("expected WIN first and selected, got %+v", evals[0])
	}
	if evals[1].PolicyCode != "LOSE" || evals[1].Selected || !evals[1].Eligible {
		t.Fatalf("expected LOSE eligible but not selected, got %+v", evals[1])
	}
	if evals[2].PolicyCode != "ELSEWHERE" || evals[2].Reason != "product does not match" {
		t.Fatalf("unexpected evaluation %+v", evals[2])
	}
	if evals[3].PolicyCode != "OLD" || evals[3].Reason != "validity window ended" {
		t.Fatalf("unexpected evaluation %+v", evals[3])
	}
}
