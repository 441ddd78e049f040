package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that returns rows only when an invariant is broken.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_commission_per_conversion",
			SQL: `SELECT conversion_id, COUNT(*) FROM commissions
                  GROUP BY conversion_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_usage_matches_commissions",
			SQL: `SELECT p.policy_code, p.usage_count, COUNT(c.id) AS commissions
                  FROM commission_policies p
                  LEFT JOIN commissions c ON c.policy_id = p.id
                  GROUP BY p.id, p.policy_code, p.usage_count
                  HAVING p.usage_count <> COUNT(c.id)`,
		},
		{
			Name: "O3_usage_within_limit",
			SQL: `SELECT policy_code, usage_count, usage_limit FROM commission_policies
                  WHERE usage_limit IS NOT NULL AND usage_count > usage_limit`,
		},
		{
			Name: "O4_paid_after_confirmed",
			SQL: `SELECT id, confirmed_at, paid_at FROM commissions
                  WHERE status = 'PAID' AND (confirmed_at IS NULL OR paid_at < confirmed_at)`,
		},
		{
			Name: "O5_cancelled_has_timestamp",
			SQL: `SELECT id FROM commissions
                  WHERE status = 'CANCELLED' AND cancelled_at IS NULL`,
		},
		{
			Name: "O6_created_event_per_commission",
			SQL: `SELECT c.id FROM commissions c
                  WHERE NOT EXISTS (
                      SELECT 1 FROM outbox o
                      WHERE o.topic = 'commission.created' AND o.payload->>'commission_id' = c.id::text)`,
		},
		{
			Name: "O7_adjustment_history_tail",
			SQL: `SELECT id, commission_amount, metadata->'adjustmentHistory'->-1 AS last_adjustment
                  FROM commissions
                  WHERE jsonb_array_length(COALESCE(metadata->'adjustmentHistory', '[]'::jsonb)) > 0
                    AND (metadata->'adjustmentHistory'->-1->>'newAmount')::numeric <> commission_amount`,
		},
		{
			Name: "O8_hold_period",
			SQL: `SELECT id, created_at, hold_until FROM commissions
                  WHERE hold_until <> created_at + interval '7 days'`,
		},
		{
			Name: "O9_commission_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'commissions_no_delete')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
