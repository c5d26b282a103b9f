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

// All returns queries that must produce zero rows on a consistent database.
// Each mutation commits its snapshot atomically under the agreement row lock,
// so these hold at every point in time, not just at quiescence.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_status_valid",
			SQL: `SELECT id, status FROM agreements
                  WHERE status NOT IN ('draft','active','negotiating','disputed','cancelled','ended')`,
		},
		{
			Name: "O2_snapshot_id_match",
			SQL:  `SELECT id FROM agreements WHERE snapshot->>'id' IS DISTINCT FROM id`,
		},
		{
			Name: "O3_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT agreement_id, seq,
                             LAG(seq) OVER (PARTITION BY agreement_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O4_timeline_seq_gapless",
			SQL: `SELECT agreement_id FROM timeline_events
                  GROUP BY agreement_id HAVING MAX(seq) <> COUNT(*)`,
		},
		{
			Name: "O5_timeline_starts_with_creation",
			SQL:  `SELECT agreement_id FROM timeline_events WHERE seq = 1 AND type <> 'AGREEMENT_CREATED'`,
		},
		{
			Name: "O6_value_conserved",
			SQL: `SELECT id FROM agreements
                  WHERE (snapshot->'settlement'->>'total_credited')::numeric
                      + (snapshot->>'deposit_held')::numeric
                      + (snapshot->>'fees_paid')::numeric
                     <> (snapshot->>'value_received')::numeric`,
		},
		{
			Name: "O7_withdrawn_bounded",
			SQL: `SELECT id FROM agreements
                  WHERE (snapshot->'settlement'->>'total_withdrawn')::numeric
                      > (snapshot->'settlement'->>'total_credited')::numeric`,
		},
		{
			Name: "O8_ended_releases_deposit",
			SQL: `SELECT id FROM agreements
                  WHERE (snapshot->>'ended')::boolean
                    AND (snapshot->>'deposit_held')::numeric <> 0`,
		},
		{
			Name: "O9_outbox_topic_namespaced",
			SQL:  `SELECT id FROM outbox WHERE topic NOT LIKE 'agreement.%'`,
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
