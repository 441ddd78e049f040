package policy

import "time"

type Type string

const (
	TypeStandard        Type = "STANDARD"
	TypeTier            Type = "TIER"
	TypePromotional     Type = "PROMOTIONAL"
	TypeProductSpecific Type = "PRODUCT_SPECIFIC"
	TypeCategory        Type = "CATEGORY"
	TypeReferral        Type = "REFERRAL"
)

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusExpired  Status = "EXPIRED"
)

type CommissionType string

const (
	CommissionPercentage CommissionType = "PERCENTAGE"
	CommissionFixed      CommissionType = "FIXED"
)

// Constraints narrow the conversions a policy applies to. A nil or empty
// field is unconstrained.
type Constraints struct {
	PartnerID           *string
	PartnerTier         *string
	ProductID           *string
	SupplierID          *string
	Category            *string
	Tags                []string
	MinOrderAmount      *float64
	MaxOrderAmount      *float64
	RequiresNewCustomer *bool
}

type Policy struct {
	ID             string
	PolicyCode     string
	Name           string
	Description    string
	PolicyType     Type
	Status         Status
	CommissionType CommissionType
	CommissionRate *float64
	FixedAmount    *float64
	Constraints    Constraints
	ValidFrom      *time.Time
	ValidUntil     *time.Time
	UsageLimit     *int
	UsageCount     int

	// CanStackWithOtherPolicies is stored and reported but never combines
	// rewards: a conversion earns from exactly one policy.
	CanStackWithOtherPolicies bool
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// MatchContext carries the facts about a conversion that policies are matched against.
// Empty strings and nil pointers mean the fact is unknown.
type MatchContext struct {
	PartnerID     string
	PartnerTier   string
	ProductID     string
	SupplierID    string
	Category      string
	Tags          []string
	OrderAmount   float64
	IsNewCustomer *bool
}

type Filters struct {
	Status     Status
	PolicyType Type
	PartnerID  string
	Page       int
	PageSize   int
	SortKey    string
	SortOrder  string
}

type ListResult struct {
	Items     []Policy
	Total     int
	Page      int
	PageCount int
}

// UpsertParams is the administrative input for creating or replacing a policy,
// keyed by PolicyCode.
type UpsertParams struct {
	PolicyCode     string         `validate:"required,max=64"`
	Name           string         `validate:"required,max=200"`
	Description    string         `validate:"max=2000"`
	PolicyType     Type           `validate:"required,oneof=STANDARD TIER PROMOTIONAL PRODUCT_SPECIFIC CATEGORY REFERRAL"`
	Status         Status         `validate:"omitempty,oneof=ACTIVE INACTIVE EXPIRED"`
	CommissionType CommissionType `validate:"required,oneof=PERCENTAGE FIXED"`
	CommissionRate *float64       `validate:"required_if=CommissionType PERCENTAGE,omitempty,gt=0,lte=1"`
	FixedAmount    *float64       `validate:"required_if=CommissionType FIXED,omitempty,gt=0"`
	Priority       int
	Constraints    Constraints
	ValidFrom      *time.Time
	ValidUntil     *time.Time
	UsageLimit     *int `validate:"omitempty,gt=0"`

	CanStackWithOtherPolicies bool
}
