package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound          = errors.New("policy: not found")
	ErrInvalidPolicy     = errors.New("policy: invalid policy")
	ErrUsageLimitReached = errors.New("policy: usage limit reached")
)

type Repository interface {
	ListActive(ctx context.Context) ([]Policy, error)
	GetByID(ctx context.Context, id string) (Policy, error)
	List(ctx context.Context, filters Filters) ([]Policy, int, error)
	Upsert(ctx context.Context, p Policy) (Policy, error)
	IncrementUsage(ctx context.Context, tx pgx.Tx, id string) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const policyColumns = `id, policy_code, name, description, policy_type, status, priority, commission_type,
	commission_rate, fixed_amount, partner_id, partner_tier, product_id, supplier_id, category, tags,
	min_order_amount, max_order_amount, requires_new_customer, valid_from, valid_until, usage_limit,
	usage_count, can_stack_with_other_policies, created_at, updated_at`

func (r *PGRepository) ListActive(ctx context.Context) ([]Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM commission_policies WHERE status = 'ACTIVE' ORDER BY priority DESC, policy_code ASC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("policy: query active: %w", err)
	}
	defer rows.Close()

	list := []Policy{}
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("policy: scan active: %w", err)
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM commission_policies WHERE id = $1`

	p, err := scanPolicy(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Policy{}, ErrNotFound
		}
		return Policy{}, fmt.Errorf("policy: get: %w", err)
	}
	return p, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Policy, int, error) {
	filters = normalizeFilters(filters)

	base := `SELECT ` + policyColumns + ` FROM commission_policies`
	where := []string{"1=1"}
	args := []any{}

	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}
	if filters.PolicyType != "" {
		where = append(where, fmt.Sprintf("policy_type=$%d", len(args)+1))
		args = append(args, filters.PolicyType)
	}
	if filters.PartnerID != "" {
		where = append(where, fmt.Sprintf("partner_id=$%d", len(args)+1))
		args = append(args, filters.PartnerID)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortKey := mapSortKey(filters.SortKey)
	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`%s%s ORDER BY %s %s, policy_code ASC LIMIT %d OFFSET %d`, base, whereClause, sortKey, sortOrder, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("policy: query list: %w", err)
	}
	defer rows.Close()

	list := []Policy{}
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, p)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM commission_policies%s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("policy: count list: %w", err)
	}

	return list, total, nil
}

// Upsert inserts p or replaces the policy with the same code. The usage counter
// is owned by IncrementUsage and survives a replace. An empty status means
// ACTIVE for a new policy and leaves an existing policy's status untouched.
func (r *PGRepository) Upsert(ctx context.Context, p Policy) (Policy, error) {
	query := `
		INSERT INTO commission_policies (id, policy_code, name, description, policy_type, status, priority,
			commission_type, commission_rate, fixed_amount, partner_id, partner_tier, product_id, supplier_id,
			category, tags, min_order_amount, max_order_amount, requires_new_customer, valid_from, valid_until,
			usage_limit, can_stack_with_other_policies, created_at, updated_at)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, COALESCE(NULLIF($6, ''), 'ACTIVE'), $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $24)
		ON CONFLICT (policy_code) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			policy_type = EXCLUDED.policy_type,
			status = COALESCE(NULLIF($6, ''), commission_policies.status),
			priority = EXCLUDED.priority,
			commission_type = EXCLUDED.commission_type,
			commission_rate = EXCLUDED.commission_rate,
			fixed_amount = EXCLUDED.fixed_amount,
			partner_id = EXCLUDED.partner_id,
			partner_tier = EXCLUDED.partner_tier,
			product_id = EXCLUDED.product_id,
			supplier_id = EXCLUDED.supplier_id,
			category = EXCLUDED.category,
			tags = EXCLUDED.tags,
			min_order_amount = EXCLUDED.min_order_amount,
			max_order_amount = EXCLUDED.max_order_amount,
			requires_new_customer = EXCLUDED.requires_new_customer,
			valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until,
			usage_limit = EXCLUDED.usage_limit,
			can_stack_with_other_policies = EXCLUDED.can_stack_with_other_policies,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + policyColumns

	tags := p.Constraints.Tags
	if tags == nil {
		tags = []string{}
	}

	row := r.pool.QueryRow(ctx, query,
		p.ID,
		p.PolicyCode,
		p.Name,
		p.Description,
		p.PolicyType,
		string(p.Status),
		p.Priority,
		p.CommissionType,
		p.CommissionRate,
		p.FixedAmount,
		p.Constraints.PartnerID,
		p.Constraints.PartnerTier,
		p.Constraints.ProductID,
		p.Constraints.SupplierID,
		p.Constraints.Category,
		tags,
		p.Constraints.MinOrderAmount,
		p.Constraints.MaxOrderAmount,
		p.Constraints.RequiresNewCustomer,
		p.ValidFrom,
		p.ValidUntil,
		p.UsageLimit,
		p.CanStackWithOtherPolicies,
		p.UpdatedAt,
	)

	saved, err := scanPolicy(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return Policy{}, fmt.Errorf("%w: %s", ErrInvalidPolicy, pgErr.ConstraintName)
		}
		return Policy{}, fmt.Errorf("policy: upsert: %w", err)
	}
	return saved, nil
}

// IncrementUsage bumps usage_count inside tx only while the policy is still
// under its limit. The limit check and the write are one statement, so
// concurrent creators can never push usage_count past usage_limit.
func (r *PGRepository) IncrementUsage(ctx context.Context, tx pgx.Tx, id string) error {
	const query = `
		UPDATE commission_policies
		SET usage_count = usage_count + 1
		WHERE id = $1
		  AND (usage_limit IS NULL OR usage_count < usage_limit)
		RETURNING usage_count
	`

	var count int
	err := tx.QueryRow(ctx, query, id).Scan(&count)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("policy: increment usage: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM commission_policies WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("policy: increment usage probe: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrUsageLimitReached
}

func scanPolicy(row pgx.Row) (Policy, error) {
	var p Policy
	return p, row.Scan(
		&p.ID,
		&p.PolicyCode,
		&p.Name,
		&p.Description,
		&p.PolicyType,
		&p.Status,
		&p.Priority,
		&p.CommissionType,
		&p.CommissionRate,
		&p.FixedAmount,
		&p.Constraints.PartnerID,
		&p.Constraints.PartnerTier,
		&p.Constraints.ProductID,
		&p.Constraints.SupplierID,
		&p.Constraints.Category,
		&p.Constraints.Tags,
		&p.Constraints.MinOrderAmount,
		&p.Constraints.MaxOrderAmount,
		&p.Constraints.RequiresNewCustomer,
		&p.ValidFrom,
		&p.ValidUntil,
		&p.UsageLimit,
		&p.UsageCount,
		&p.CanStackWithOtherPolicies,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
}

func normalizeFilters(filters Filters) Filters {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}
	if filters.SortKey == "" {
		filters.SortKey = "priority"
	}
	if filters.SortOrder == "" {
		filters.SortOrder = "desc"
	}
	return filters
}

func mapSortKey(key string) string {
	switch key {
	case "policyCode":
		return "policy_code"
	case "name":
		return "name"
	case "policyType":
		return "policy_type"
	case "status":
		return "status"
	case "usageCount":
		return "usage_count"
	case "createdAt":
		return "created_at"
	case "updatedAt":
		return "updated_at"
	default:
		return "priority"
	}
}
