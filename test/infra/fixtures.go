package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by pgxpool.Pool, pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func SeedPartner(ctx context.Context, db Execer, id, tier string) error {
	_, err := db.Exec(ctx, `
		INSERT INTO partners (id, name, email, tier)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, id, "Partner "+id, id+"@partners.example.com", tier)
	if err != nil {
		return fmt.Errorf("seed partner %s: %w", id, err)
	}
	return nil
}

func SeedProduct(ctx context.Context, db Execer, id, supplierID, category string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	_, err := db.Exec(ctx, `
		INSERT INTO products (id, name, supplier_id, category, tags)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5)
		ON CONFLICT (id) DO NOTHING
	`, id, "Product "+id, supplierID, category, tags)
	if err != nil {
		return fmt.Errorf("seed product %s: %w", id, err)
	}
	return nil
}

// Conversion describes a conversion_events row to seed.
type Conversion struct {
	ID            string
	PartnerID     string
	ProductID     string
	OrderAmount   float64
	Quantity      int
	Status        string
	IsNewCustomer *bool
}

func SeedConversion(ctx context.Context, db Execer, c Conversion) error {
	if c.Quantity == 0 {
		c.Quantity = 1
	}
	if c.Status == "" {
		c.Status = "CONFIRMED"
	}
	_, err := db.Exec(ctx, `
		INSERT INTO conversion_events (id, partner_id, product_id, order_id, order_amount, quantity, status, is_new_customer)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, c.ID, c.PartnerID, c.ProductID, "order-"+c.ID, c.OrderAmount, c.Quantity, c.Status, c.IsNewCustomer)
	if err != nil {
		return fmt.Errorf("seed conversion %s: %w", c.ID, err)
	}
	return nil
}
