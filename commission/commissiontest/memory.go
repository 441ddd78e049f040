// Package commissiontest provides in-memory doubles for the commission ledger's
// collaborators.
package commissiontest

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"commissionflow/commission"
	"commissionflow/db/dbtest"
)

// Repository mirrors the conditional-update semantics of the Postgres store.
// Writes made inside a *dbtest.Tx are undone if that transaction rolls back.
type Repository struct {
	mu      sync.Mutex
	rows    map[string]commission.Commission
	byConv  map[string]string
	Inserts int
}

func NewRepository() *Repository {
	return &Repository{rows: map[string]commission.Commission{}, byConv: map[string]string{}}
}

// Put stores c directly, bypassing the ledger.
func (r *Repository) Put(c commission.Commission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	r.rows[c.ID] = c
	r.byConv[c.ConversionID] = c.ID
}

func (r *Repository) All() []commission.Commission {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]commission.Commission, 0, len(r.rows))
	for _, c := range r.rows {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Repository) Insert(_ context.Context, tx pgx.Tx, c commission.Commission) (commission.Commission, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byConv[c.ConversionID]; exists {
		return commission.Commission{}, false, nil
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	r.rows[c.ID] = c
	r.byConv[c.ConversionID] = c.ID
	r.Inserts++

	id, conv := c.ID, c.ConversionID
	dbtest.Track(tx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.rows, id)
		delete(r.byConv, conv)
		r.Inserts--
	})
	return c, true, nil
}

func (r *Repository) GetByID(_ context.Context, id string) (commission.Commission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return commission.Commission{}, commission.ErrNotFound
	}
	return c, nil
}

func (r *Repository) GetByConversionID(_ context.Context, conversionID string) (commission.Commission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byConv[conversionID]
	if !ok {
		return commission.Commission{}, commission.ErrNotFound
	}
	return r.rows[id], nil
}

func (r *Repository) GetForUpdate(ctx context.Context, _ pgx.Tx, id string) (commission.Commission, error) {
	return r.GetByID(ctx, id)
}

func (r *Repository) CompareAndSetStatus(_ context.Context, tx pgx.Tx, id string, from []commission.Status, t commission.Transition) (commission.Commission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.rows[id]
	if !ok {
		return commission.Commission{}, commission.ErrNotFound
	}
	if !slices.Contains(from, c.Status) {
		return commission.Commission{}, &commission.TransitionError{Op: t.Op, ID: id, From: c.Status}
	}

	prev := c
	at := t.At
	c.Status = t.To
	switch t.To {
	case commission.StatusConfirmed:
		c.ConfirmedAt = &at
	case commission.StatusCancelled:
		c.CancelledAt = &at
	case commission.StatusPaid:
		c.PaidAt = &at
	}
	if t.PaymentMethod != nil {
		c.PaymentMethod = t.PaymentMethod
	}
	if t.PaymentReference != nil {
		c.PaymentReference = t.PaymentReference
	}
	if t.Metadata != nil {
		c.Metadata = *t.Metadata
	}
	c.UpdatedAt = at
	r.rows[id] = c

	r.track(tx, prev)
	return c, nil
}

func (r *Repository) UpdateAmount(_ context.Context, tx pgx.Tx, id string, amount float64, md commission.Metadata, at time.Time) (commission.Commission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.rows[id]
	if !ok {
		return commission.Commission{}, commission.ErrNotFound
	}
	prev := c
	c.CommissionAmount = amount
	c.Metadata = md
	c.UpdatedAt = at
	r.rows[id] = c

	r.track(tx, prev)
	return c, nil
}

func (r *Repository) ConfirmDue(_ context.Context, tx pgx.Tx, now time.Time, limit int) ([]commission.Commission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	due := []commission.Commission{}
	for _, c := range r.rows {
		if c.Status == commission.StatusPending && !c.HoldUntil.After(now) {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].HoldUntil.Before(due[j].HoldUntil) })
	if len(due) > limit {
		due = due[:limit]
	}

	for i, c := range due {
		prev := c
		at := now
		c.Status = commission.StatusConfirmed
		c.ConfirmedAt = &at
		c.UpdatedAt = now
		r.rows[c.ID] = c
		due[i] = c
		r.track(tx, prev)
	}
	return due, nil
}

func (r *Repository) List(_ context.Context, filters commission.Filters) ([]commission.Commission, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := []commission.Commission{}
	for _, c := range r.rows {
		if matches(c, filters) {
			matched = append(matched, c)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	start := (filters.Page - 1) * filters.PageSize
	if start > len(matched) {
		start = len(matched)
	}
	end := min(start+filters.PageSize, len(matched))
	return matched[start:end], len(matched), nil
}

func matches(c commission.Commission, f commission.Filters) bool {
	switch {
	case f.PartnerID != "" && c.PartnerID != f.PartnerID:
		return false
	case f.PolicyID != "" && c.PolicyID != f.PolicyID:
		return false
	case f.Status != "" && c.Status != f.Status:
		return false
	case f.CreatedFrom != nil && c.CreatedAt.Before(*f.CreatedFrom):
		return false
	case f.CreatedTo != nil && !c.CreatedAt.Before(*f.CreatedTo):
		return false
	case f.MinAmount != nil && c.CommissionAmount < *f.MinAmount:
		return false
	case f.MaxAmount != nil && c.CommissionAmount > *f.MaxAmount:
		return false
	}
	return true
}

func (r *Repository) Stats(_ context.Context, partnerID string, window *commission.DateRange) (commission.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := []commission.Commission{}
	for _, c := range r.rows {
		if c.PartnerID != partnerID {
			continue
		}
		if window != nil && !window.Contains(c.CreatedAt) {
			continue
		}
		records = append(records, c)
	}
	return commission.Summarize(partnerID, records), nil
}

func (r *Repository) PolicyPerformance(_ context.Context, window commission.DateRange) ([]commission.PolicyPerformance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byPolicy := map[string]*commission.PolicyPerformance{}
	for _, c := range r.rows {
		if !window.Contains(c.CreatedAt) {
			continue
		}
		p, ok := byPolicy[c.PolicyID]
		if !ok {
			snap := c.Metadata.PolicySnapshot
			p = &commission.PolicyPerformance{PolicyID: c.PolicyID, PolicyCode: snap.Code, PolicyName: snap.Name, PolicyType: c.PolicyType}
			byPolicy[c.PolicyID] = p
		}
		p.TotalCommissions++
		p.TotalAmount += c.CommissionAmount
		p.TotalRevenue += c.OrderAmount
		switch c.Status {
		case commission.StatusCancelled:
			p.RefundCount++
		case commission.StatusConfirmed, commission.StatusPaid:
			p.ConfirmedCount++
		}
	}

	out := make([]commission.PolicyPerformance, 0, len(byPolicy))
	for _, p := range byPolicy {
		p.AverageAmount = p.TotalAmount / float64(p.TotalCommissions)
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyCode < out[j].PolicyCode })
	return out, nil
}

// track must be called with r.mu held.
func (r *Repository) KPISummary(_ context.Context, window commission.DateRange) (commission.KPISummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]commission.Commission, 0, len(r.rows))
	for _, c := range r.rows {
		records = append(records, c)
	}
	return commission.SummarizeKPI(window, records), nil
}

func (r *Repository) track(tx pgx.Tx, prev commission.Commission) {
	dbtest.Track(tx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.rows[prev.ID] = prev
	})
}

// Outbox records enqueued messages in memory.
type Outbox struct {
	mu       sync.Mutex
	Messages []Message
	Err      error
	seq      int
}

type Message struct {
	Topic   string
	Payload map[string]any
	seq     int
}

func (o *Outbox) Enqueue(_ context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return o.Err
	}
	o.seq++
	seq := o.seq
	o.Messages = append(o.Messages, Message{Topic: topic, Payload: payload, seq: seq})
	dbtest.Track(tx, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.Messages = slices.DeleteFunc(o.Messages, func(m Message) bool { return m.seq == seq })
	})
	return nil
}

// Topics returns the topics of every committed message, oldest first.
func (o *Outbox) Topics() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.Messages))
	for i, m := range o.Messages {
		out[i] = m.Topic
	}
	return out
}
