package commission

import (
	"math"
	"sort"

	"commissionflow/policy"
)

type Bucket struct {
	Count  int
	Amount float64
}

// Stats aggregates a partner's commissions by status.
type Stats struct {
	PartnerID     string
	Total         Bucket
	Pending       Bucket
	Confirmed     Bucket
	Paid          Bucket
	Cancelled     Bucket
	AverageAmount float64
}

// Summarize aggregates records in memory the same way the store does in SQL.
func Summarize(partnerID string, records []Commission) Stats {
	s := Stats{PartnerID: partnerID}
	for _, c := range records {
		s.Total.Count++
		s.Total.Amount += c.CommissionAmount
		switch c.Status {
		case StatusPending:
			s.Pending.Count++
			s.Pending.Amount += c.CommissionAmount
		case StatusConfirmed:
			s.Confirmed.Count++
			s.Confirmed.Amount += c.CommissionAmount
		case StatusPaid:
			s.Paid.Count++
			s.Paid.Amount += c.CommissionAmount
		case StatusCancelled:
			s.Cancelled.Count++
			s.Cancelled.Amount += c.CommissionAmount
		}
	}
	if s.Total.Count > 0 {
		s.AverageAmount = roundCents(s.Total.Amount / float64(s.Total.Count))
	}
	return s
}

// PolicyPerformance reports how one policy paid out over a date range.
// Rates are percentages rounded to two decimals.
type PolicyPerformance struct {
	PolicyID         string
	PolicyCode       string
	PolicyName       string
	PolicyType       policy.Type
	TotalCommissions int
	TotalAmount      float64
	AverageAmount    float64
	RefundCount      int
	ConfirmedCount   int
	TotalRevenue     float64
	RefundRate       float64
	ConfirmationRate float64
	ROI              float64
	Rank             int
}

// RankPerformance derives the rate columns and ranks policies by total amount
// paid out, highest first. Ties keep policy code order.
func RankPerformance(rows []PolicyPerformance) []PolicyPerformance {
	out := make([]PolicyPerformance, len(rows))
	copy(out, rows)

	for i := range out {
		p := &out[i]
		if p.TotalCommissions > 0 {
			p.RefundRate = roundCents(float64(p.RefundCount) / float64(p.TotalCommissions) * 100)
			p.ConfirmationRate = roundCents(float64(p.ConfirmedCount) / float64(p.TotalCommissions) * 100)
		}
		if p.TotalRevenue > 0 {
			p.ROI = roundCents(p.TotalAmount / p.TotalRevenue * 100)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if math.Abs(out[i].TotalAmount-out[j].TotalAmount) > 0.001 {
			return out[i].TotalAmount > out[j].TotalAmount
		}
		return out[i].PolicyCode < out[j].PolicyCode
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// Leader is the top partner or policy of a KPI window.
type Leader struct {
	ID     string
	Name   string
	Count  int
	Amount float64
}

// KPISummary is the dashboard overview for a date range. Commissions, Earned
// and Revenue cover commissions created in the window; Paid covers payouts made
// in it. Pending and ReadyForPayment are the current backlog regardless of window.
type KPISummary struct {
	Window          DateRange
	Commissions     Bucket
	Earned          float64
	Revenue         float64
	EffectiveRate   float64
	Paid            float64
	Pending         Bucket
	ReadyForPayment Bucket
	// TopPartner ranks partners by non-cancelled earnings.
	TopPartner *Leader
	// TopPolicy ranks policies by number of commissions.
	TopPolicy *Leader
}

// SummarizeKPI computes the KPI summary over records in memory the same way
// the store does in SQL. Partner names are left empty.
func SummarizeKPI(window DateRange, records []Commission) KPISummary {
	k := KPISummary{Window: window}
	partners := map[string]*Leader{}
	policies := map[string]*Leader{}

	for _, c := range records {
		switch c.Status {
		case StatusPending:
			k.Pending.Count++
			k.Pending.Amount += c.CommissionAmount
		case StatusConfirmed:
			k.ReadyForPayment.Count++
			k.ReadyForPayment.Amount += c.CommissionAmount
		case StatusPaid:
			if c.PaidAt != nil && window.Contains(*c.PaidAt) {
				k.Paid += c.CommissionAmount
			}
		}

		if !window.Contains(c.CreatedAt) {
			continue
		}
		k.Commissions.Count++
		k.Commissions.Amount += c.CommissionAmount

		pol, ok := policies[c.PolicyID]
		if !ok {
			pol = &Leader{ID: c.PolicyID, Name: c.Metadata.PolicySnapshot.Name}
			policies[c.PolicyID] = pol
		}
		pol.Count++
		pol.Amount += c.CommissionAmount

		if c.Status == StatusCancelled {
			continue
		}
		k.Earned += c.CommissionAmount
		k.Revenue += c.OrderAmount

		partner, ok := partners[c.PartnerID]
		if !ok {
			partner = &Leader{ID: c.PartnerID}
			partners[c.PartnerID] = partner
		}
		partner.Count++
		partner.Amount += c.CommissionAmount
	}

	k.Commissions.Amount = roundCents(k.Commissions.Amount)
	k.Earned = roundCents(k.Earned)
	k.Revenue = roundCents(k.Revenue)
	k.Paid = roundCents(k.Paid)
	k.Pending.Amount = roundCents(k.Pending.Amount)
	k.ReadyForPayment.Amount = roundCents(k.ReadyForPayment.Amount)
	if k.Revenue > 0 {
		k.EffectiveRate = roundCents(k.Earned / k.Revenue * 100)
	}

	k.TopPartner = leader(partners, func(a, b *Leader) bool { return a.Amount > b.Amount })
	k.TopPolicy = leader(policies, func(a, b *Leader) bool { return a.Count > b.Count })
	return k
}

// leader picks the best entry by better, breaking ties by the lowest id.
func leader(entries map[string]*Leader, better func(a, b *Leader) bool) *Leader {
	var top *Leader
	for _, e := range entries {
		switch {
		case top == nil, better(e, top):
			top = e
		case !better(top, e) && e.ID < top.ID:
			top = e
		}
	}
	if top != nil {
		top.Amount = roundCents(top.Amount)
	}
	return top
}
