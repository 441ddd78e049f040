package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested partner or product does not exist.
var ErrNotFound = errors.New("directory: not found")

// Repository provides read access to partners and products.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Partner fetches a partner by its primary key.
func (r *Repository) Partner(ctx context.Context, id string) (Partner, error) {
	const query = `
		SELECT id, name, email, tier, is_active, created_at
		FROM partners
		WHERE id = $1
	`

	var partner Partner
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&partner.ID,
		&partner.Name,
		&partner.Email,
		&partner.Tier,
		&partner.IsActive,
		&partner.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Partner{}, ErrNotFound
		}
		return Partner{}, fmt.Errorf("directory: query partner: %w", err)
	}

	return partner, nil
}

// Product fetches a product by its primary key.
func (r *Repository) Product(ctx context.Context, id string) (Product, error) {
	const query = `
		SELECT id, name, supplier_id, category, tags, created_at
		FROM products
		WHERE id = $1
	`

	var product Product
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&product.ID,
		&product.Name,
		&product.SupplierID,
		&product.Category,
		&product.Tags,
		&product.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, fmt.Errorf("directory: query product: %w", err)
	}

	return product, nil
}
