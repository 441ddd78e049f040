package commission

import (
	"time"

	"commissionflow/policy"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
	StatusPaid      Status = "PAID"
)

// Terminal reports whether no further status transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

// HoldPeriod is the refund window between creation and eligibility for auto-confirmation.
const HoldPeriod = 7 * 24 * time.Hour

type Commission struct {
	ID               string
	ConversionID     string
	PartnerID        string
	ProductID        string
	OrderID          string
	PolicyID         string
	PolicyType       policy.Type
	CommissionAmount float64
	OrderAmount      float64
	Currency         string
	CommissionRate   *float64
	Status           Status
	HoldUntil        time.Time
	ConfirmedAt      *time.Time
	CancelledAt      *time.Time
	PaidAt           *time.Time
	PaymentMethod    *string
	PaymentReference *string
	Metadata         Metadata
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PolicySnapshot freezes the terms of the policy a commission was computed
// from. Later edits to the policy never change it.
type PolicySnapshot struct {
	ID             string                `json:"id"`
	Code           string                `json:"code"`
	Name           string                `json:"name"`
	Type           policy.Type           `json:"type"`
	Priority       int                   `json:"priority"`
	CommissionType policy.CommissionType `json:"commissionType"`
	CommissionRate *float64              `json:"commissionRate,omitempty"`
	FixedAmount    *float64              `json:"fixedAmount,omitempty"`
}

type Adjustment struct {
	OldAmount  float64   `json:"oldAmount"`
	NewAmount  float64   `json:"newAmount"`
	Reason     string    `json:"reason"`
	AdjustedAt time.Time `json:"adjustedAt"`
}

type Metadata struct {
	PolicySnapshot     PolicySnapshot `json:"policySnapshot"`
	AdjustmentHistory  []Adjustment   `json:"adjustmentHistory,omitempty"`
	CancellationReason *string        `json:"cancellationReason,omitempty"`
	AttributionModel   string         `json:"attributionModel,omitempty"`
	AttributionWeight  float64        `json:"attributionWeight,omitempty"`
	ConversionType     string         `json:"conversionType,omitempty"`
}

func SnapshotOf(p policy.Policy) PolicySnapshot {
	return PolicySnapshot{
		ID:             p.ID,
		Code:           p.PolicyCode,
		Name:           p.Name,
		Type:           p.PolicyType,
		Priority:       p.Priority,
		CommissionType: p.CommissionType,
		CommissionRate: p.CommissionRate,
		FixedAmount:    p.FixedAmount,
	}
}

// DateRange is the half-open interval [From, To).
type DateRange struct {
	From time.Time
	To   time.Time
}

func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

type Filters struct {
	PartnerID   string
	PolicyID    string
	Status      Status
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	MinAmount   *float64
	MaxAmount   *float64
	Page        int
	PageSize    int
	SortKey     string
	SortOrder   string
}

type ListResult struct {
	Items     []Commission
	Total     int
	Page      int
	PageCount int
}
