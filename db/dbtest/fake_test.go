package dbtest

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestRollbackRunsUndoInReverse(t *testing.T) {
	pool := &Pool{}
	tx, _ := pool.Begin(context.Background())

	var order []int
	Track(tx, func() { order = append(order, 1) })
	Track(tx, func() { order = append(order, 2) })

	if err := tx.Rollback(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("expected undo in reverse order, got %v", order)
	}
	if !pool.Last().Rolled {
		t.Fatalf("expected tx to be marked rolled back")
	}
}

func TestRollbackAfterCommitIsNoop(t *testing.T) {
	pool := &Pool{}
	tx, _ := pool.Begin(context.Background())

	undone := false
	Track(tx, func() { undone = true })

	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if err := tx.Rollback(context.Background()); !errors.Is(err, pgx.ErrTxClosed) {
		t.Fatalf("expected ErrTxClosed, got %v", err)
	}
	if undone {
		t.Fatalf("expected committed writes to survive rollback")
	}
}
