package infra

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns a migrated database for one test run.
type Harness struct {
	db        *Database
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
}

// NewHarness migrates the database resolved by StartDatabase. A server shared
// with other runs gets an isolated schema; a container of our own does not.
func NewHarness(ctx context.Context, dsn string) (*Harness, error) {
	db, err := StartDatabase(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("start database: %w", err)
	}
	h := &Harness{db: db}

	pool, teardown, err := ApplyMigrations(ctx, db.DSN, db.External())
	if err != nil {
		_ = db.Close(ctx)
		return nil, err
	}
	h.pool, h.teardown = pool, teardown
	return h, nil
}

// Open returns a harness on DATABASE_URL, skipping the test when it is unset.
func Open(t *testing.T) *Harness {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	h, err := NewHarness(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open harness: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// Close drops the isolated schema and tears down the container, if any.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.db.Close(ctx)
}

// Reset truncates every table so the next scenario starts empty.
// TRUNCATE bypasses the row-level delete guards.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"outbox",
		"commissions",
		"commission_policies",
		"conversion_events",
		"products",
		"partners",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}
