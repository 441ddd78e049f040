// Package actors drives the commission engine concurrently from many
// goroutines so the oracles can check the database afterwards.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"commissionflow/commission"
	"commissionflow/engine"
	"commissionflow/logger"
	"commissionflow/outbox"
	"commissionflow/policy"
)

// expected reports errors that concurrent actors legitimately run into.
func expected(err error) bool {
	return errors.Is(err, commission.ErrInvalidStateTransition) ||
		errors.Is(err, commission.ErrNotFound) ||
		errors.Is(err, engine.ErrNoMatchingPolicy) ||
		errors.Is(err, policy.ErrUsageLimitReached) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func report(actor string, err error) {
	if err != nil && !expected(err) {
		logger.Warn("actor error", "actor", actor, "error", err)
	}
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(minMs, jitterMs int) {
	time.Sleep(time.Duration(minMs+rand.Intn(jitterMs)) * time.Millisecond)
}

// randomCommission picks a commission id in one of the given statuses.
func randomCommission(ctx context.Context, pool *pgxpool.Pool, statuses ...commission.Status) (string, bool) {
	list := make([]string, len(statuses))
	for i, s := range statuses {
		list[i] = string(s)
	}
	var id string
	err := pool.QueryRow(ctx, `SELECT id FROM commissions WHERE status = ANY($1) ORDER BY random() LIMIT 1`, list).Scan(&id)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			report("picker", err)
		}
		return "", false
	}
	return id, true
}

// Creator repeatedly creates commissions for a shared set of conversions so
// that several creators race on the same conversion.
func Creator(ctx context.Context, eng *engine.Engine, conversionIDs []string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		id := conversionIDs[rand.Intn(len(conversionIDs))]
		_, err := eng.CreateCommission(ctx, id)
		report("creator", err)
		pause(5, 15)
	}
	return nil
}

// Confirmer confirms random pending commissions.
func Confirmer(ctx context.Context, eng *engine.Engine, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if id, ok := randomCommission(ctx, pool, commission.StatusPending); ok {
			_, err := eng.ConfirmCommission(ctx, id)
			report("confirmer", err)
		}
		pause(10, 30)
	}
	return nil
}

// Payer pays random confirmed commissions, and sometimes retries a paid one.
func Payer(ctx context.Context, eng *engine.Engine, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if id, ok := randomCommission(ctx, pool, commission.StatusConfirmed, commission.StatusPaid); ok {
			ref := fmt.Sprintf("TX-%d", rand.Int63())
			_, err := eng.MarkAsPaid(ctx, id, "bank_transfer", &ref)
			report("payer", err)
		}
		pause(15, 30)
	}
	return nil
}

// Canceller cancels commissions in any status, including terminal ones.
func Canceller(ctx context.Context, eng *engine.Engine, pool *pgxpool.Pool, stop <-chan struct{}) error {
	reason := "refund requested"
	for !stopped(ctx, stop) {
		if id, ok := randomCommission(ctx, pool, commission.StatusPending, commission.StatusConfirmed, commission.StatusPaid); ok {
			_, err := eng.CancelCommission(ctx, id, &reason)
			report("canceller", err)
		}
		pause(40, 60)
	}
	return nil
}

// Adjuster lowers random commission amounts.
func Adjuster(ctx context.Context, eng *engine.Engine, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if id, ok := randomCommission(ctx, pool, commission.StatusPending, commission.StatusConfirmed, commission.StatusPaid); ok {
			amount := float64(rand.Intn(500000)) / 100
			_, err := eng.AdjustCommission(ctx, id, amount, "stress adjustment")
			report("adjuster", err)
		}
		pause(20, 40)
	}
	return nil
}

// AutoConfirmer sweeps with an engine whose clock is past every hold period.
func AutoConfirmer(ctx context.Context, eng *engine.Engine, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_, err := eng.AutoConfirmCommissions(ctx)
		report("auto-confirmer", err)
		pause(200, 200)
	}
	return nil
}

type flakyPublisher struct{}

func (flakyPublisher) Publish(context.Context, outbox.Message) error {
	if rand.Intn(10) == 0 {
		return errors.New("simulated broker failure")
	}
	return nil
}

// OutboxRelay drains the outbox with a publisher that fails now and then.
func OutboxRelay(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	relay := outbox.NewRelay(pool, flakyPublisher{}).WithBatchSize(10)
	for !stopped(ctx, stop) {
		_, err := relay.DeliverBatch(ctx)
		report("outbox-relay", err)
		pause(50, 50)
	}
	return nil
}
