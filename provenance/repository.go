package provenance

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides read access to the audit trail.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// History returns the full ordered trail for a product.
func (r *Repository) History(ctx context.Context, productID string) ([]Event, error) {
	const q = `
SELECT id, product_id, handler, location_hash, action, occurred_at
FROM provenance_events
WHERE product_id = $1
ORDER BY occurred_at ASC, id ASC
`
	rows, err := r.pool.Query(ctx, q, productID)
	if err != nil {
		return nil, fmt.Errorf("provenance: history: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 16)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.ProductID, &ev.Handler, &ev.LocationHash, &ev.Action, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("provenance: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("provenance: iterate events: %w", err)
	}
	return out, nil
}
