// Package dbtest provides in-memory stand-ins for pgx transactions so that
// services can be unit tested without a database.
package dbtest

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool hands out Tx values and remembers every transaction it began.
type Pool struct {
	mu       sync.Mutex
	BeginErr error
	Txs      []*Tx
}

func (p *Pool) Begin(context.Context) (pgx.Tx, error) {
	if p.BeginErr != nil {
		return nil, p.BeginErr
	}
	tx := &Tx{}
	p.mu.Lock()
	p.Txs = append(p.Txs, tx)
	p.mu.Unlock()
	return tx, nil
}

// Last returns the most recent transaction, or nil when none was started.
func (p *Pool) Last() *Tx {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Txs) == 0 {
		return nil
	}
	return p.Txs[len(p.Txs)-1]
}

// Tx records commit and rollback calls. In-memory repositories register undo
// hooks through OnRollback so a rolled back transaction leaves no writes behind.
type Tx struct {
	mu        sync.Mutex
	Committed bool
	Rolled    bool
	undo      []func()
}

// OnRollback registers fn to run if the transaction is rolled back before commit.
func (t *Tx) OnRollback(fn func()) {
	t.mu.Lock()
	t.undo = append(t.undo, fn)
	t.mu.Unlock()
}

// Track registers fn on tx when it is a *Tx. Other pgx.Tx values are ignored.
func Track(tx pgx.Tx, fn func()) {
	if t, ok := tx.(*Tx); ok {
		t.OnRollback(fn)
	}
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("dbtest: nested transactions are not supported")
}

func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Committed || t.Rolled {
		return pgx.ErrTxClosed
	}
	t.Committed = true
	t.undo = nil
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	if t.Committed || t.Rolled {
		t.mu.Unlock()
		return pgx.ErrTxClosed
	}
	t.Rolled = true
	undo := t.undo
	t.undo = nil
	t.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
	return nil
}

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (t *Tx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (t *Tx) Conn() *pgx.Conn {
	return nil
}
