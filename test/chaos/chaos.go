// Package chaos injects database faults into a running stress test.
package chaos

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Faults counts what a Monkey did during a run.
type Faults struct {
	TerminatedBackends int64
	LockedCommissions  int64
}

// Monkey disturbs the engine's database. Its randomness comes from the run's
// seed so a failing run can be replayed with the same fault schedule.
type Monkey struct {
	pool *pgxpool.Pool

	mu  sync.Mutex
	rng *rand.Rand

	terminated atomic.Int64
	locked     atomic.Int64
}

func NewMonkey(pool *pgxpool.Pool, seed int64) *Monkey {
	return &Monkey{pool: pool, rng: rand.New(rand.NewSource(seed))}
}

func (m *Monkey) intn(n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Intn(n)
}

func (m *Monkey) Faults() Faults {
	return Faults{TerminatedBackends: m.terminated.Load(), LockedCommissions: m.locked.Load()}
}

// TerminateBackends occasionally kills a client connection that is inside a
// commission transaction, so the engine sees commit failures and pool reconnects.
func (m *Monkey) TerminateBackends(ctx context.Context, stop <-chan struct{}) {
	tick(ctx, stop, 2*time.Second, func() {
		if m.intn(5) != 0 {
			return
		}
		var killed int64
		err := m.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM (
				SELECT pg_terminate_backend(pid)
				FROM pg_stat_activity
				WHERE datname = current_database()
				  AND pid <> pg_backend_pid()
				  AND backend_type = 'client backend'
				  AND state IN ('active', 'idle in transaction')
				  AND query ILIKE '%commission%'
				ORDER BY random()
				LIMIT 1
			) t`).Scan(&killed)
		if err == nil {
			m.terminated.Add(killed)
		}
	})
}

// HoldRowLocks takes FOR UPDATE locks on a few random commissions and sits on
// them, so lifecycle operations and the auto-confirm batches queue behind a
// slow writer or skip the locked rows.
func (m *Monkey) HoldRowLocks(ctx context.Context, stop <-chan struct{}) {
	tick(ctx, stop, 300*time.Millisecond, func() {
		tx, err := m.pool.Begin(ctx)
		if err != nil {
			return
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx, `SELECT id FROM commissions WHERE status <> 'PAID' ORDER BY random() LIMIT 3 FOR UPDATE`)
		if err != nil {
			return
		}
		m.locked.Add(tag.RowsAffected())
		time.Sleep(time.Duration(50+m.intn(150)) * time.Millisecond)
	})
}

func tick(ctx context.Context, stop <-chan struct{}, every time.Duration, fn func()) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			fn()
		}
	}
}
