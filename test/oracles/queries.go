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
			Name: "O1_mint_within_cap",
			SQL: `SELECT id, minted, max_units FROM batches
                  WHERE minted > max_units OR minted < 0`,
		},
		{
			Name: "O2_minted_count_matches",
			SQL: `SELECT b.id, b.minted, COUNT(p.id) FROM batches b
                  LEFT JOIN products p ON p.batch_id = b.id
                  GROUP BY b.id HAVING COUNT(p.id) <> b.minted`,
		},
		{
			Name: "O3_fully_minted_status",
			SQL: `SELECT id FROM batches
                  WHERE (minted >= max_units AND status <> 'FULLY_MINTED')
                     OR (minted < max_units AND status <> 'CREATED')`,
		},
		{
			// A pending row raised strictly after the dispute means the
			// dispute guard on initiation was bypassed. Rows from commit-order
			// races right at the boundary are tolerated.
			Name: "O4_no_initiation_under_dispute",
			SQL: `SELECT t.product_id FROM pending_transfers t
                  JOIN disputes d ON d.product_id = t.product_id
                  WHERE d.active AND t.initiated_at > d.raised_at + interval '1 second'`,
		},
		{
			Name: "O5_dispute_terminal",
			SQL: `SELECT product_id FROM disputes
                  WHERE (active AND resolved)
                     OR (resolved AND (resolved_at IS NULL OR outcome IS NULL))`,
		},
		{
			Name: "O6_balance_nonnegative",
			SQL:  `SELECT address, amount FROM balances WHERE amount < 0`,
		},
		{
			Name: "O7_slashed_stake_split",
			SQL: `SELECT d.product_id FROM disputes d
                  JOIN products p ON p.id = d.product_id
                  WHERE d.resolved AND d.outcome='SLASHED'
                    AND p.stake <> d.disputable_stake - floor(d.disputable_stake / 2)`,
		},
		{
			Name: "O8_accepts_never_exceed_initiations",
			SQL: `SELECT product_id FROM provenance_events
                  GROUP BY product_id
                  HAVING COUNT(*) FILTER (WHERE action='TRANSFER_ACCEPTED')
                       > COUNT(*) FILTER (WHERE action='TRANSFER_INITIATED')`,
		},
		{
			Name: "O9_outbox_stuck",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or empty name if all pass.
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
