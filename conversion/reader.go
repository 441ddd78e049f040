package conversion

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("conversion: not found")

type Reader interface {
	GetByID(ctx context.Context, id string) (Event, error)
}

type PGReader struct {
	pool *pgxpool.Pool
}

func NewReader(pool *pgxpool.Pool) *PGReader {
	return &PGReader{pool: pool}
}

func (r *PGReader) GetByID(ctx context.Context, id string) (Event, error) {
	const query = `
		SELECT id, partner_id, product_id, order_id, order_amount, quantity, currency,
			attribution_model, attribution_weight, conversion_type, is_new_customer, status, created_at
		FROM conversion_events
		WHERE id = $1
	`

	var ev Event
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&ev.ID,
		&ev.PartnerID,
		&ev.ProductID,
		&ev.OrderID,
		&ev.OrderAmount,
		&ev.Quantity,
		&ev.Currency,
		&ev.AttributionModel,
		&ev.AttributionWeight,
		&ev.ConversionType,
		&ev.IsNewCustomer,
		&ev.Status,
		&ev.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, ErrNotFound
		}
		return Event{}, fmt.Errorf("conversion: get: %w", err)
	}
	return ev, nil
}
