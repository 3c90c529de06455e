package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"custodyflow/funds"
)

// ErrProductNotFound signals the dispute targets an unknown product.
var ErrProductNotFound = errors.New("dispute: product not found")

// ProductRow is the slice of product + batch state the dispute engine needs,
// read under the product row lock.
type ProductRow struct {
	ID           string
	BatchID      string
	Owner        string
	Manufacturer string
	Stake        *uint256.Int
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// ProductForUpdate locks the product row and resolves its manufacturer.
func (r *PGRepository) ProductForUpdate(ctx context.Context, tx pgx.Tx, productID string) (ProductRow, error) {
	const q = `
SELECT p.id, p.batch_id, p.owner, b.manufacturer, p.stake::text
FROM products p
JOIN batches b ON b.id = p.batch_id
WHERE p.id = $1
FOR UPDATE OF p
`
	var (
		row      ProductRow
		stakeDec string
	)
	err := tx.QueryRow(ctx, q, productID).Scan(&row.ID, &row.BatchID, &row.Owner, &row.Manufacturer, &stakeDec)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ProductRow{}, ErrProductNotFound
		}
		return ProductRow{}, fmt.Errorf("dispute: lock product: %w", err)
	}
	if row.Stake, err = uint256.FromDecimal(stakeDec); err != nil {
		return ProductRow{}, fmt.Errorf("dispute: parse stake %q: %w", stakeDec, err)
	}
	return row, nil
}

// GetForUpdate returns the product's dispute row, if one was ever raised.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, productID string) (Dispute, bool, error) {
	const q = `
SELECT product_id, disputer, reason_hash, active, resolved, raised_at, refund_window_end,
       disputable_stake::text, resolved_at, outcome
FROM disputes
WHERE product_id = $1
FOR UPDATE
`
	var (
		d        Dispute
		stakeDec string
	)
	err := tx.QueryRow(ctx, q, productID).Scan(
		&d.ProductID, &d.Disputer, &d.ReasonHash, &d.Active, &d.Resolved,
		&d.RaisedAt, &d.RefundWindowEnd, &stakeDec, &d.ResolvedAt, &d.Outcome,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, false, nil
		}
		return Dispute{}, false, fmt.Errorf("dispute: lock dispute: %w", err)
	}
	if d.DisputableStake, err = uint256.FromDecimal(stakeDec); err != nil {
		return Dispute{}, false, fmt.Errorf("dispute: parse stake %q: %w", stakeDec, err)
	}
	return d, true, nil
}

// Insert stores a freshly raised dispute.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, d Dispute) error {
	const q = `
INSERT INTO disputes (product_id, disputer, reason_hash, active, resolved, raised_at, refund_window_end, disputable_stake)
VALUES ($1, $2, $3, TRUE, FALSE, $4, $5, $6::numeric)
`
	_, err := tx.Exec(ctx, q, d.ProductID, d.Disputer, d.ReasonHash, d.RaisedAt, d.RefundWindowEnd, d.DisputableStake.Dec())
	if err != nil {
		return fmt.Errorf("dispute: insert: %w", err)
	}
	return nil
}

// MarkResolved flips the dispute to its terminal state.
func (r *PGRepository) MarkResolved(ctx context.Context, tx pgx.Tx, productID, outcome string, resolvedAt time.Time) error {
	const q = `
UPDATE disputes
SET active = FALSE, resolved = TRUE, resolved_at = $2, outcome = $3
WHERE product_id = $1
`
	if _, err := tx.Exec(ctx, q, productID, resolvedAt, outcome); err != nil {
		return fmt.Errorf("dispute: mark resolved: %w", err)
	}
	return nil
}

// SetProductStake records the stake remaining on the product after payout.
func (r *PGRepository) SetProductStake(ctx context.Context, tx pgx.Tx, productID string, stake *uint256.Int) error {
	if _, err := tx.Exec(ctx, `UPDATE products SET stake = $2::numeric WHERE id = $1`, productID, stake.Dec()); err != nil {
		return fmt.Errorf("dispute: set product stake: %w", err)
	}
	return nil
}

// ClearPendingTransfer drops any in-flight handoff on the disputed product.
func (r *PGRepository) ClearPendingTransfer(ctx context.Context, tx pgx.Tx, productID string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM pending_transfers WHERE product_id = $1`, productID); err != nil {
		return fmt.Errorf("dispute: clear pending transfer: %w", err)
	}
	return nil
}

// Payout credits a resolution amount to the recipient's balance.
func (r *PGRepository) Payout(ctx context.Context, tx pgx.Tx, address string, amount *uint256.Int) error {
	return funds.Credit(ctx, tx, address, amount)
}

// Active returns the currently open dispute for a product, if any.
func (r *PGRepository) Active(ctx context.Context, productID string) (Dispute, bool, error) {
	const q = `
SELECT product_id, disputer, reason_hash, active, resolved, raised_at, refund_window_end, disputable_stake::text
FROM disputes
WHERE product_id = $1 AND active
`
	var (
		d        Dispute
		stakeDec string
	)
	err := r.pool.QueryRow(ctx, q, productID).Scan(
		&d.ProductID, &d.Disputer, &d.ReasonHash, &d.Active, &d.Resolved,
		&d.RaisedAt, &d.RefundWindowEnd, &stakeDec,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, false, nil
		}
		return Dispute{}, false, fmt.Errorf("dispute: active: %w", err)
	}
	if d.DisputableStake, err = uint256.FromDecimal(stakeDec); err != nil {
		return Dispute{}, false, fmt.Errorf("dispute: parse stake %q: %w", stakeDec, err)
	}
	return d, true, nil
}
