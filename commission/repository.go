package commission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Transition is a status change together with the columns written alongside it.
// Op names the lifecycle operation for error reporting.
type Transition struct {
	Op               string
	To               Status
	At               time.Time
	PaymentMethod    *string
	PaymentReference *string
	Metadata         *Metadata
}

type Repository interface {
	// Insert returns false without error when the conversion already has a commission.
	Insert(ctx context.Context, tx pgx.Tx, c Commission) (Commission, bool, error)
	GetByID(ctx context.Context, id string) (Commission, error)
	GetByConversionID(ctx context.Context, conversionID string) (Commission, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Commission, error)
	// CompareAndSetStatus applies t only while the row is in one of from. A row in
	// any other status yields a *TransitionError carrying that status.
	CompareAndSetStatus(ctx context.Context, tx pgx.Tx, id string, from []Status, t Transition) (Commission, error)
	UpdateAmount(ctx context.Context, tx pgx.Tx, id string, amount float64, md Metadata, at time.Time) (Commission, error)
	ConfirmDue(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Commission, error)
	List(ctx context.Context, filters Filters) ([]Commission, int, error)
	Stats(ctx context.Context, partnerID string, window *DateRange) (Stats, error)
	PolicyPerformance(ctx context.Context, window DateRange) ([]PolicyPerformance, error)
	KPISummary(ctx context.Context, window DateRange) (KPISummary, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const commissionColumns = `id, conversion_id, partner_id, product_id, order_id, policy_id, policy_type,
	commission_amount, order_amount, currency, commission_rate, status, hold_until, confirmed_at,
	cancelled_at, paid_at, payment_method, payment_reference, metadata, created_at, updated_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, c Commission) (Commission, bool, error) {
	query := `
		INSERT INTO commissions (id, conversion_id, partner_id, product_id, order_id, policy_id, policy_type,
			commission_amount, order_amount, currency, commission_rate, status, hold_until, metadata,
			created_at, updated_at)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14::jsonb, $15, $15)
		ON CONFLICT (conversion_id) DO NOTHING
		RETURNING ` + commissionColumns

	row := tx.QueryRow(ctx, query,
		c.ID,
		c.ConversionID,
		c.PartnerID,
		c.ProductID,
		c.OrderID,
		c.PolicyID,
		c.PolicyType,
		c.CommissionAmount,
		c.OrderAmount,
		c.Currency,
		c.CommissionRate,
		c.Status,
		c.HoldUntil,
		c.Metadata,
		c.CreatedAt,
	)

	saved, err := scanCommission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Commission{}, false, nil
		}
		return Commission{}, false, fmt.Errorf("commission: insert: %w", err)
	}
	return saved, true, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Commission, error) {
	query := `SELECT ` + commissionColumns + ` FROM commissions WHERE id = $1`

	c, err := scanCommission(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Commission{}, ErrNotFound
		}
		return Commission{}, fmt.Errorf("commission: get: %w", err)
	}
	return c, nil
}

func (r *PGRepository) GetByConversionID(ctx context.Context, conversionID string) (Commission, error) {
	query := `SELECT ` + commissionColumns + ` FROM commissions WHERE conversion_id = $1`

	c, err := scanCommission(r.pool.QueryRow(ctx, query, conversionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Commission{}, ErrNotFound
		}
		return Commission{}, fmt.Errorf("commission: get by conversion: %w", err)
	}
	return c, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Commission, error) {
	query := `SELECT ` + commissionColumns + ` FROM commissions WHERE id = $1 FOR UPDATE`

	c, err := scanCommission(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Commission{}, ErrNotFound
		}
		return Commission{}, fmt.Errorf("commission: get for update: %w", err)
	}
	return c, nil
}

func (r *PGRepository) CompareAndSetStatus(ctx context.Context, tx pgx.Tx, id string, from []Status, t Transition) (Commission, error) {
	query := `
		UPDATE commissions
		SET status = $2,
		    confirmed_at = CASE WHEN $2 = 'CONFIRMED' THEN $3 ELSE confirmed_at END,
		    cancelled_at = CASE WHEN $2 = 'CANCELLED' THEN $3 ELSE cancelled_at END,
		    paid_at = CASE WHEN $2 = 'PAID' THEN $3 ELSE paid_at END,
		    payment_method = COALESCE($4, payment_method),
		    payment_reference = COALESCE($5, payment_reference),
		    metadata = COALESCE($6::jsonb, metadata),
		    updated_at = $3
		WHERE id = $1
		  AND status = ANY($7)
		RETURNING ` + commissionColumns

	var md any
	if t.Metadata != nil {
		md = *t.Metadata
	}

	c, err := scanCommission(tx.QueryRow(ctx, query, id, string(t.To), t.At, t.PaymentMethod, t.PaymentReference, md, statusStrings(from)))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Commission{}, fmt.Errorf("commission: %s: %w", t.Op, err)
	}

	var current Status
	if err := tx.QueryRow(ctx, `SELECT status FROM commissions WHERE id = $1`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Commission{}, ErrNotFound
		}
		return Commission{}, fmt.Errorf("commission: %s fetch: %w", t.Op, err)
	}
	return Commission{}, &TransitionError{Op: t.Op, ID: id, From: current}
}

func (r *PGRepository) UpdateAmount(ctx context.Context, tx pgx.Tx, id string, amount float64, md Metadata, at time.Time) (Commission, error) {
	query := `
		UPDATE commissions
		SET commission_amount = $2,
		    metadata = $3::jsonb,
		    updated_at = $4
		WHERE id = $1
		RETURNING ` + commissionColumns

	c, err := scanCommission(tx.QueryRow(ctx, query, id, amount, md, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Commission{}, ErrNotFound
		}
		return Commission{}, fmt.Errorf("commission: update amount: %w", err)
	}
	return c, nil
}

// ConfirmDue confirms up to limit PENDING commissions whose hold period ended
// at or before now. Rows locked by a concurrent transaction are left for the
// next sweep.
func (r *PGRepository) ConfirmDue(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Commission, error) {
	query := `
		WITH due AS (
			SELECT id
			FROM commissions
			WHERE status = 'PENDING' AND hold_until <= $1
			ORDER BY hold_until
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE commissions c
		SET status = 'CONFIRMED',
		    confirmed_at = $1,
		    updated_at = $1
		FROM due
		WHERE c.id = due.id AND c.status = 'PENDING'
		RETURNING ` + prefixed("c.", commissionColumns)

	rows, err := tx.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("commission: confirm due: %w", err)
	}
	defer rows.Close()

	confirmed := []Commission{}
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, fmt.Errorf("commission: scan confirmed: %w", err)
		}
		confirmed = append(confirmed, c)
	}
	return confirmed, rows.Err()
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Commission, int, error) {
	filters = normalizeFilters(filters)

	base := `SELECT ` + commissionColumns + ` FROM commissions`
	where := []string{"1=1"}
	args := []any{}

	if filters.PartnerID != "" {
		where = append(where, fmt.Sprintf("partner_id=$%d", len(args)+1))
		args = append(args, filters.PartnerID)
	}
	if filters.PolicyID != "" {
		where = append(where, fmt.Sprintf("policy_id=$%d", len(args)+1))
		args = append(args, filters.PolicyID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, string(filters.Status))
	}
	if filters.CreatedFrom != nil {
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)+1))
		args = append(args, *filters.CreatedFrom)
	}
	if filters.CreatedTo != nil {
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)+1))
		args = append(args, *filters.CreatedTo)
	}
	if filters.MinAmount != nil {
		where = append(where, fmt.Sprintf("commission_amount >= $%d", len(args)+1))
		args = append(args, *filters.MinAmount)
	}
	if filters.MaxAmount != nil {
		where = append(where, fmt.Sprintf("commission_amount <= $%d", len(args)+1))
		args = append(args, *filters.MaxAmount)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortKey := mapSortKey(filters.SortKey)
	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`%s%s ORDER BY %s %s, id ASC LIMIT %d OFFSET %d`, base, whereClause, sortKey, sortOrder, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("commission: query list: %w", err)
	}
	defer rows.Close()

	list := []Commission{}
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, c)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM commissions%s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("commission: count list: %w", err)
	}

	return list, total, nil
}

func (r *PGRepository) Stats(ctx context.Context, partnerID string, window *DateRange) (Stats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(commission_amount), 0),
			COALESCE(AVG(commission_amount), 0),
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COALESCE(SUM(commission_amount) FILTER (WHERE status = 'PENDING'), 0),
			COUNT(*) FILTER (WHERE status = 'CONFIRMED'),
			COALESCE(SUM(commission_amount) FILTER (WHERE status = 'CONFIRMED'), 0),
			COUNT(*) FILTER (WHERE status = 'PAID'),
			COALESCE(SUM(commission_amount) FILTER (WHERE status = 'PAID'), 0),
			COUNT(*) FILTER (WHERE status = 'CANCELLED'),
			COALESCE(SUM(commission_amount) FILTER (WHERE status = 'CANCELLED'), 0)
		FROM commissions
		WHERE partner_id = $1`
	args := []any{partnerID}
	if window != nil {
		query += ` AND created_at >= $2 AND created_at < $3`
		args = append(args, window.From, window.To)
	}

	s := Stats{PartnerID: partnerID}
	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&s.Total.Count,
		&s.Total.Amount,
		&s.AverageAmount,
		&s.Pending.Count,
		&s.Pending.Amount,
		&s.Confirmed.Count,
		&s.Confirmed.Amount,
		&s.Paid.Count,
		&s.Paid.Amount,
		&s.Cancelled.Count,
		&s.Cancelled.Amount,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("commission: stats: %w", err)
	}
	s.AverageAmount = roundCents(s.AverageAmount)
	return s, nil
}

func (r *PGRepository) PolicyPerformance(ctx context.Context, window DateRange) ([]PolicyPerformance, error) {
	const query = `
		SELECT
			p.id, p.policy_code, p.name, p.policy_type,
			COUNT(c.id),
			COALESCE(SUM(c.commission_amount), 0),
			COALESCE(AVG(c.commission_amount), 0),
			COUNT(c.id) FILTER (WHERE c.status = 'CANCELLED'),
			COUNT(c.id) FILTER (WHERE c.status IN ('CONFIRMED', 'PAID')),
			COALESCE(SUM(c.order_amount), 0)
		FROM commission_policies p
		LEFT JOIN commissions c
		       ON c.policy_id = p.id
		      AND c.created_at >= $1
		      AND c.created_at < $2
		WHERE p.status = 'ACTIVE'
		GROUP BY p.id, p.policy_code, p.name, p.policy_type
		ORDER BY p.policy_code
	`

	rows, err := r.pool.Query(ctx, query, window.From, window.To)
	if err != nil {
		return nil, fmt.Errorf("commission: policy performance: %w", err)
	}
	defer rows.Close()

	out := []PolicyPerformance{}
	for rows.Next() {
		var p PolicyPerformance
		if err := rows.Scan(
			&p.PolicyID,
			&p.PolicyCode,
			&p.PolicyName,
			&p.PolicyType,
			&p.TotalCommissions,
			&p.TotalAmount,
			&p.AverageAmount,
			&p.RefundCount,
			&p.ConfirmedCount,
			&p.TotalRevenue,
		); err != nil {
			return nil, fmt.Errorf("commission: scan policy performance: %w", err)
		}
		p.AverageAmount = roundCents(p.AverageAmount)
		out = append(out, p)
	}
	return out, rows.Err()
}

// KPISummary computes the dashboard overview in one statement.
func (r *PGRepository) KPISummary(ctx context.Context, window DateRange) (KPISummary, error) {
	const query = `
		WITH windowed AS (
			SELECT * FROM commissions WHERE created_at >= $1 AND created_at < $2
		),
		totals AS (
			SELECT
				COUNT(*) AS n,
				COALESCE(SUM(commission_amount), 0) AS amount,
				COALESCE(SUM(commission_amount) FILTER (WHERE status <> 'CANCELLED'), 0) AS earned,
				COALESCE(SUM(order_amount) FILTER (WHERE status <> 'CANCELLED'), 0) AS revenue
			FROM windowed
		),
		backlog AS (
			SELECT
				COUNT(*) FILTER (WHERE status = 'PENDING') AS pending_n,
				COALESCE(SUM(commission_amount) FILTER (WHERE status = 'PENDING'), 0) AS pending_amount,
				COUNT(*) FILTER (WHERE status = 'CONFIRMED') AS ready_n,
				COALESCE(SUM(commission_amount) FILTER (WHERE status = 'CONFIRMED'), 0) AS ready_amount,
				COALESCE(SUM(commission_amount) FILTER (
					WHERE status = 'PAID' AND paid_at >= $1 AND paid_at < $2), 0) AS paid
			FROM commissions
		),
		top_partner AS (
			SELECT w.partner_id, COALESCE(p.name, '') AS name, COUNT(*) AS n, SUM(w.commission_amount) AS amount
			FROM windowed w
			LEFT JOIN partners p ON p.id = w.partner_id
			WHERE w.status <> 'CANCELLED'
			GROUP BY w.partner_id, p.name
			ORDER BY amount DESC, w.partner_id
			LIMIT 1
		),
		top_policy AS (
			SELECT w.policy_id::text AS policy_id, cp.name, COUNT(*) AS n, SUM(w.commission_amount) AS amount
			FROM windowed w
			JOIN commission_policies cp ON cp.id = w.policy_id
			GROUP BY w.policy_id, cp.name
			ORDER BY n DESC, w.policy_id::text
			LIMIT 1
		)
		SELECT
			t.n, t.amount, t.earned, t.revenue,
			b.pending_n, b.pending_amount, b.ready_n, b.ready_amount, b.paid,
			tp.partner_id, tp.name, tp.n, tp.amount,
			tpo.policy_id, tpo.name, tpo.n, tpo.amount
		FROM totals t
		CROSS JOIN backlog b
		LEFT JOIN top_partner tp ON true
		LEFT JOIN top_policy tpo ON true
	`

	k := KPISummary{Window: window}
	var (
		partnerID, partnerName *string
		policyID, policyName   *string
		partnerN, policyN      *int
		partnerAmt, policyAmt  *float64
	)
	err := r.pool.QueryRow(ctx, query, window.From, window.To).Scan(
		&k.Commissions.Count,
		&k.Commissions.Amount,
		&k.Earned,
		&k.Revenue,
		&k.Pending.Count,
		&k.Pending.Amount,
		&k.ReadyForPayment.Count,
		&k.ReadyForPayment.Amount,
		&k.Paid,
		&partnerID, &partnerName, &partnerN, &partnerAmt,
		&policyID, &policyName, &policyN, &policyAmt,
	)
	if err != nil {
		return KPISummary{}, fmt.Errorf("commission: kpi summary: %w", err)
	}

	if partnerID != nil {
		k.TopPartner = &Leader{ID: *partnerID, Name: *partnerName, Count: *partnerN, Amount: roundCents(*partnerAmt)}
	}
	if policyID != nil {
		k.TopPolicy = &Leader{ID: *policyID, Name: *policyName, Count: *policyN, Amount: roundCents(*policyAmt)}
	}
	if k.Revenue > 0 {
		k.EffectiveRate = roundCents(k.Earned / k.Revenue * 100)
	}
	return k, nil
}

func scanCommission(row pgx.Row) (Commission, error) {
	var c Commission
	return c, row.Scan(
		&c.ID,
		&c.ConversionID,
		&c.PartnerID,
		&c.ProductID,
		&c.OrderID,
		&c.PolicyID,
		&c.PolicyType,
		&c.CommissionAmount,
		&c.OrderAmount,
		&c.Currency,
		&c.CommissionRate,
		&c.Status,
		&c.HoldUntil,
		&c.ConfirmedAt,
		&c.CancelledAt,
		&c.PaidAt,
		&c.PaymentMethod,
		&c.PaymentReference,
		&c.Metadata,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
}

func statusStrings(in []Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func normalizeFilters(filters Filters) Filters {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}
	if filters.SortKey == "" {
		filters.SortKey = "created_at"
	}
	if filters.SortOrder == "" {
		filters.SortOrder = "desc"
	}
	return filters
}

func mapSortKey(key string) string {
	switch key {
	case "commissionAmount":
		return "commission_amount"
	case "orderAmount":
		return "order_amount"
	case "status":
		return "status"
	case "holdUntil":
		return "hold_until"
	case "confirmedAt":
		return "confirmed_at"
	case "paidAt":
		return "paid_at"
	case "updatedAt":
		return "updated_at"
	default:
		return "created_at"
	}
}
