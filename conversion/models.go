package conversion

import "time"

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
)

// Event is an attributed order. Only CONFIRMED events earn commission.
type Event struct {
	ID                string
	PartnerID         string
	ProductID         string
	OrderID           string
	OrderAmount       float64
	Quantity          int
	Currency          string
	AttributionModel  string
	AttributionWeight float64
	ConversionType    string
	IsNewCustomer     *bool
	Status            Status
	CreatedAt         time.Time
}
