package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrProductNotFound signals the transfer targets an unknown product.
var ErrProductNotFound = errors.New("transfer: product not found")

// ProductRow is the slice of the product record the transfer path needs,
// read under a row lock so operations on one product serialize.
type ProductRow struct {
	ID    string
	Owner string
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// ProductForUpdate locks and returns the product row.
func (r *PGRepository) ProductForUpdate(ctx context.Context, tx pgx.Tx, productID string) (ProductRow, error) {
	var row ProductRow
	err := tx.QueryRow(ctx, `SELECT id, owner FROM products WHERE id = $1 FOR UPDATE`, productID).
		Scan(&row.ID, &row.Owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ProductRow{}, ErrProductNotFound
		}
		return ProductRow{}, fmt.Errorf("transfer: lock product: %w", err)
	}
	return row, nil
}

// PendingForUpdate returns the pending transfer for the product, if any.
func (r *PGRepository) PendingForUpdate(ctx context.Context, tx pgx.Tx, productID string) (Pending, bool, error) {
	const q = `
SELECT product_id, recipient, location_hash, initiated_at
FROM pending_transfers
WHERE product_id = $1
FOR UPDATE
`
	var p Pending
	err := tx.QueryRow(ctx, q, productID).Scan(&p.ProductID, &p.To, &p.LocationHash, &p.InitiatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Pending{}, false, nil
		}
		return Pending{}, false, fmt.Errorf("transfer: lock pending: %w", err)
	}
	return p, true, nil
}

// InsertPending stores a new pending transfer.
func (r *PGRepository) InsertPending(ctx context.Context, tx pgx.Tx, p Pending) error {
	const q = `
INSERT INTO pending_transfers (product_id, recipient, location_hash, initiated_at)
VALUES ($1, $2, $3, $4)
`
	if _, err := tx.Exec(ctx, q, p.ProductID, p.To, p.LocationHash, p.InitiatedAt); err != nil {
		return fmt.Errorf("transfer: insert pending: %w", err)
	}
	return nil
}

// DeletePending removes the pending transfer for a product.
func (r *PGRepository) DeletePending(ctx context.Context, tx pgx.Tx, productID string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM pending_transfers WHERE product_id = $1`, productID); err != nil {
		return fmt.Errorf("transfer: delete pending: %w", err)
	}
	return nil
}

// SetOwner reassigns product custody.
func (r *PGRepository) SetOwner(ctx context.Context, tx pgx.Tx, productID, owner string) error {
	if _, err := tx.Exec(ctx, `UPDATE products SET owner = $2 WHERE id = $1`, productID, owner); err != nil {
		return fmt.Errorf("transfer: set owner: %w", err)
	}
	return nil
}

// HasActiveDispute reports whether the product is blocked by an open dispute.
func (r *PGRepository) HasActiveDispute(ctx context.Context, tx pgx.Tx, productID string) (bool, error) {
	var active bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM disputes WHERE product_id = $1 AND active)
	`, productID).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("transfer: dispute check: %w", err)
	}
	return active, nil
}

// PendingAt returns the pending transfer visible at the given instant,
// honoring lazy expiry: an expired row reads as absent.
func (r *PGRepository) PendingAt(ctx context.Context, productID string) (Pending, bool, error) {
	const q = `
SELECT product_id, recipient, location_hash, initiated_at
FROM pending_transfers
WHERE product_id = $1
`
	var p Pending
	err := r.pool.QueryRow(ctx, q, productID).Scan(&p.ProductID, &p.To, &p.LocationHash, &p.InitiatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Pending{}, false, nil
		}
		return Pending{}, false, fmt.Errorf("transfer: read pending: %w", err)
	}
	return p, true, nil
}
