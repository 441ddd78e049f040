package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const defaultImage = "postgres:16-alpine"

// Database is the Postgres server a test run talks to: either an external
// server named by DSN or a throwaway container owned by the run.
type Database struct {
	DSN       string
	container *postgres.PostgresContainer
}

// StartDatabase resolves the server in order: dsn, COMMISSION_TEST_PG_DSN,
// then a fresh container from COMMISSION_TEST_PG_IMAGE (postgres:16-alpine
// when unset).
func StartDatabase(ctx context.Context, dsn string) (*Database, error) {
	if dsn == "" {
		dsn = os.Getenv("COMMISSION_TEST_PG_DSN")
	}
	if dsn != "" {
		return &Database{DSN: dsn}, nil
	}

	image := os.Getenv("COMMISSION_TEST_PG_IMAGE")
	if image == "" {
		image = defaultImage
	}
	c, err := postgres.Run(ctx, image,
		postgres.WithDatabase("commission"),
		postgres.WithUsername("commission"),
		postgres.WithPassword("commission"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", image, err)
	}

	dsn, err = c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("container dsn: %w", err)
	}
	return &Database{DSN: dsn, container: c}, nil
}

// External reports whether the server outlives the run.
func (d *Database) External() bool {
	return d.container == nil
}

func (d *Database) Close(ctx context.Context) error {
	if d == nil || d.container == nil {
		return nil
	}
	return d.container.Terminate(ctx)
}
