package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"commissionflow/db"
	"commissionflow/migrations"
)

// ApplyMigrations runs the embedded migrations against dsn and returns a pool bound to them.
// When isolate is true, a per-run schema is created and dropped via the returned teardown func,
// so a shared database can host concurrent runs.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.MaxConns = 32

	cleanup := func(context.Context) error { return nil }

	if isolate {
		schema := fmt.Sprintf("commission_run_%d", time.Now().UnixNano())
		ident := pgx.Identifier{schema}.Sanitize()

		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect for schema: %w", err)
		}
		if _, err := conn.Exec(ctx, "CREATE SCHEMA "+ident); err != nil {
			conn.Close(ctx)
			return nil, nil, fmt.Errorf("create schema %s: %w", schema, err)
		}
		conn.Close(ctx)

		setPath := fmt.Sprintf("SET search_path TO %s, public", ident)
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, setPath)
			return err
		}

		cleanup = func(ctx context.Context) error {
			dropConn, err := pgx.Connect(ctx, dsn)
			if err != nil {
				return err
			}
			defer dropConn.Close(ctx)
			_, err = dropConn.Exec(ctx, "DROP SCHEMA IF EXISTS "+ident+" CASCADE")
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect pool: %w", err)
	}

	if _, err := db.Migrate(ctx, pool, migrations.FS, migrations.Dir); err != nil {
		pool.Close()
		_ = cleanup(ctx)
		return nil, nil, err
	}

	return pool, cleanup, nil
}
