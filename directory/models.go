package directory

import "time"

// Partner is the affiliate earning commissions, as seen by policy matching.
type Partner struct {
	ID        string
	Name      string
	Email     *string
	Tier      string
	IsActive  bool
	CreatedAt time.Time
}

// Product carries the catalog attributes policies can be scoped to.
type Product struct {
	ID         string
	Name       string
	SupplierID *string
	Category   *string
	Tags       []string
	CreatedAt  time.Time
}
