package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_unique_active_charge_per_type",
			SQL: `SELECT engagement_id, charge_type, COUNT(*) FROM charges
                  WHERE status IN ('pending','paid')
                  GROUP BY engagement_id, charge_type HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_contract_status_matches_signatures",
			SQL: `SELECT id, status FROM contracts
                  WHERE (status = 'fully_executed' AND (producer_signed_at IS NULL OR worker_signed_at IS NULL))
                     OR (status = 'drafted' AND (producer_signed_at IS NOT NULL OR worker_signed_at IS NOT NULL))
                     OR (status = 'partially_signed' AND NOT (
                            (producer_signed_at IS NULL) <> (worker_signed_at IS NULL)))`,
		},
		{
			Name: "O3_event_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT engagement_id, seq,
                             LAG(seq) OVER (PARTITION BY engagement_id ORDER BY seq) AS prev
                      FROM engagement_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O4_breakdown_parity",
			SQL: `SELECT c.engagement_id, SUM(c.value_minor_units), e.final_price_minor_units
                  FROM charges c
                  JOIN engagements e ON e.id = c.engagement_id
                  WHERE c.status IN ('pending','paid')
                  GROUP BY c.engagement_id, e.final_price_minor_units
                  HAVING COUNT(*) = 2 AND SUM(c.value_minor_units) <> e.final_price_minor_units`,
		},
		{
			Name: "O5_paid_charge_has_timestamp",
			SQL:  `SELECT id FROM charges WHERE status = 'paid' AND paid_at IS NULL`,
		},
		{
			Name: "O6_single_live_contract",
			SQL: `SELECT engagement_id, COUNT(*) FROM contracts
                  WHERE NOT superseded
                  GROUP BY engagement_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_outbox_not_stuck",
			SQL: `SELECT id FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O8_charges_require_executed_contract",
			SQL: `SELECT c.id FROM charges c
                  WHERE NOT EXISTS (
                      SELECT 1 FROM contracts k
                      WHERE k.engagement_id = c.engagement_id
                        AND k.status = 'fully_executed')`,
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
