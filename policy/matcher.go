package policy

import (
	"fmt"
	"slices"
	"sort"
	"time"
)

// Specificity weights per constraint that a policy sets.
const (
	weightPartner          = 100
	weightProduct          = 90
	weightPartnerTier      = 80
	weightSupplier         = 70
	weightCategory         = 60
	weightTags             = 50
	weightOrderAmountBound = 40
	weightNewCustomer      = 30
	weightPromotional      = 20
)

// Evaluation explains why a single policy was or was not eligible for a context.
type Evaluation struct {
	PolicyID    string
	PolicyCode  string
	Priority    int
	Specificity int
	Eligible    bool
	Reason      string
	Selected    bool
}

// IsTemporallyActive reports whether p is ACTIVE, inside its validity window at now
// and below its usage limit.
func IsTemporallyActive(p Policy, now time.Time) bool {
	return inactiveReason(p, now) == ""
}

func inactiveReason(p Policy, now time.Time) string {
	if p.Status != StatusActive {
		return fmt.Sprintf("status is %s", p.Status)
	}
	if p.ValidFrom != nil && now.Before(*p.ValidFrom) {
		return "not yet valid"
	}
	if p.ValidUntil != nil && now.After(*p.ValidUntil) {
		return "validity window ended"
	}
	if p.UsageLimit != nil && p.UsageCount >= *p.UsageLimit {
		return "usage limit reached"
	}
	return ""
}

// Applies reports whether every constraint set on c is satisfied by ctx.
func (c Constraints) Applies(ctx MatchContext) bool {
	return c.mismatch(ctx) == ""
}

func (c Constraints) mismatch(ctx MatchContext) string {
	if c.PartnerID != nil && *c.PartnerID != ctx.PartnerID {
		return "partner does not match"
	}
	if c.PartnerTier != nil && *c.PartnerTier != ctx.PartnerTier {
		return "partner tier does not match"
	}
	if c.ProductID != nil && *c.ProductID != ctx.ProductID {
		return "product does not match"
	}
	if c.SupplierID != nil && *c.SupplierID != ctx.SupplierID {
		return "supplier does not match"
	}
	if c.Category != nil && *c.Category != ctx.Category {
		return "category does not match"
	}
	if len(c.Tags) > 0 && !sharesTag(c.Tags, ctx.Tags) {
		return "no tag in common"
	}
	if c.MinOrderAmount != nil && ctx.OrderAmount < *c.MinOrderAmount {
		return "order amount below minimum"
	}
	if c.MaxOrderAmount != nil && ctx.OrderAmount > *c.MaxOrderAmount {
		return "order amount above maximum"
	}
	if c.RequiresNewCustomer != nil && (ctx.IsNewCustomer == nil || *ctx.IsNewCustomer != *c.RequiresNewCustomer) {
		return "new customer requirement not met"
	}
	return ""
}

func sharesTag(required, have []string) bool {
	for _, tag := range required {
		if slices.Contains(have, tag) {
			return true
		}
	}
	return false
}

// Specificity scores how narrowly p is targeted. It only breaks priority ties.
func Specificity(p Policy) int {
	c := p.Constraints
	score := 0
	if c.PartnerID != nil {
		score += weightPartner
	}
	if c.PartnerTier != nil {
		score += weightPartnerTier
	}
	if c.ProductID != nil {
		score += weightProduct
	}
	if c.SupplierID != nil {
		score += weightSupplier
	}
	if c.Category != nil {
		score += weightCategory
	}
	if len(c.Tags) > 0 {
		score += weightTags
	}
	if c.MinOrderAmount != nil || c.MaxOrderAmount != nil {
		score += weightOrderAmountBound
	}
	if c.RequiresNewCustomer != nil {
		score += weightNewCustomer
	}
	if p.PolicyType == TypePromotional {
		score += weightPromotional
	}
	return score
}

// Rank returns the policies eligible for ctx at now, best first. Ordering is
// priority descending, then specificity descending, then policy code and id
// ascending so equal-ranked policies always resolve the same way.
func Rank(policies []Policy, ctx MatchContext, now time.Time) []Policy {
	eligible := make([]Policy, 0, len(policies))
	for _, p := range policies {
		if IsTemporallyActive(p, now) && p.Constraints.Applies(ctx) {
			eligible = append(eligible, p)
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return ranksBefore(eligible[i], eligible[j])
	})
	return eligible
}

func ranksBefore(a, b Policy) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if sa, sb := Specificity(a), Specificity(b); sa != sb {
		return sa > sb
	}
	if a.PolicyCode != b.PolicyCode {
		return a.PolicyCode < b.PolicyCode
	}
	return a.ID < b.ID
}

// Select returns the single best policy for ctx, or false when none is eligible.
func Select(policies []Policy, ctx MatchContext, now time.Time) (Policy, bool) {
	ranked := Rank(policies, ctx, now)
	if len(ranked) == 0 {
		return Policy{}, false
	}
	return ranked[0], true
}

// Explain evaluates every policy against ctx and marks the one Select would pick.
// Eligible policies come first in rank order, followed by the rejected ones by code.
func Explain(policies []Policy, ctx MatchContext, now time.Time) []Evaluation {
	type evaluated struct {
		policy Policy
		eval   Evaluation
	}

	rows := make([]evaluated, 0, len(policies))
	for _, p := range policies {
		reason := inactiveReason(p, now)
		if reason == "" {
			reason = p.Constraints.mismatch(ctx)
		}
		rows = append(rows, evaluated{policy: p, eval: Evaluation{
			PolicyID:    p.ID,
			PolicyCode:  p.PolicyCode,
			Priority:    p.Priority,
			Specificity: Specificity(p),
			Eligible:    reason == "",
			Reason:      reason,
		}})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.eval.Eligible != b.eval.Eligible {
			return a.eval.Eligible
		}
		if a.eval.Eligible {
			return ranksBefore(a.policy, b.policy)
		}
		return a.policy.PolicyCode < b.policy.PolicyCode
	})

	out := make([]Evaluation, len(rows))
	for i, row := range rows {
		out[i] = row.eval
	}
	if len(out) > 0 && out[0].Eligible {
		out[0].Selected = true
	}
	return out
}
