package db

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the subset of pgxpool.Pool and pgx.Conn used to apply migrations.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate applies every .sql file under dir in fsys in lexical order.
// Migration files are written to be re-runnable.
func Migrate(ctx context.Context, db Execer, fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("db: read migrations %s: %w", dir, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var applied []string
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}

		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return applied, fmt.Errorf("db: read %s: %w", e.Name(), err)
		}
		if _, err := db.Exec(ctx, string(data)); err != nil {
			return applied, fmt.Errorf("db: apply %s: %w", e.Name(), err)
		}
		applied = append(applied, e.Name())
	}

	return applied, nil
}
