package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const (
	TopicCommissionCreated   = "commission.created"
	TopicCommissionConfirmed = "commission.confirmed"
	TopicCommissionCancelled = "commission.cancelled"
	TopicCommissionAdjusted  = "commission.adjusted"
	TopicCommissionPaid      = "commission.paid"
)

// Writer appends messages to the outbox table inside the caller's transaction,
// so a message exists exactly when the state change it announces committed.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}
