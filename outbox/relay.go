package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"commissionflow/logger"
)

type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// Publisher hands a message to whatever transport sits downstream.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Relay drains pending outbox rows. Concurrent relays skip rows another relay
// holds. A failed message is not retried until retryDelay has passed since its
// last attempt, and is parked as dead after maxAttempts.
type Relay struct {
	pool        TxBeginner
	publisher   Publisher
	batchSize   int
	maxAttempts int
	retryDelay  time.Duration
}

func NewRelay(pool TxBeginner, publisher Publisher) *Relay {
	return &Relay{pool: pool, publisher: publisher, batchSize: 50, maxAttempts: 5, retryDelay: 30 * time.Second}
}

func (r *Relay) WithRetryDelay(d time.Duration) *Relay {
	if d > 0 {
		r.retryDelay = d
	}
	return r
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// DeliverBatch publishes up to one batch of pending messages and returns how
// many were marked processed.
func (r *Relay) DeliverBatch(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin relay: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		  AND (last_attempt IS NULL OR last_attempt <= now() - make_interval(secs => $2))
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, r.batchSize, r.retryDelay.Seconds())
	if err != nil {
		return 0, fmt.Errorf("outbox: select pending: %w", err)
	}

	var batch []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan pending: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate pending: %w", err)
	}

	delivered := 0
	for _, m := range batch {
		if err := r.publisher.Publish(ctx, m); err != nil {
			status := "pending"
			if m.Attempts+1 >= r.maxAttempts {
				status = "dead"
			}
			logger.Warn("outbox publish failed", "id", m.ID, "topic", m.Topic, "attempts", m.Attempts+1, "error", err)
			if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_attempt = now(), status = $2 WHERE id = $1`, m.ID, status); err != nil {
				return 0, fmt.Errorf("outbox: record failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = now() WHERE id = $1`, m.ID); err != nil {
			return 0, fmt.Errorf("outbox: mark processed: %w", err)
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit relay: %w", err)
	}
	return delivered, nil
}

// LogPublisher writes each message to the structured log. It stands in for a
// broker until one is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, msg Message) error {
	logger.Info("outbox message", "id", msg.ID, "topic", msg.Topic, "payload", string(msg.Payload))
	return nil
}
