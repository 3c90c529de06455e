package product

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the requested product does not exist.
	ErrNotFound = errors.New("product: not found")
	// ErrAlreadyExists signals a mint on an id that is already taken.
	ErrAlreadyExists = errors.New("product: already exists")
)

// BatchRow is the slice of the batch record the mint path needs, read under a
// row lock so concurrent mints against the same batch serialize.
type BatchRow struct {
	ID           string
	Manufacturer string
	MaxUnits     uint64
	Minted       uint64
	UnitStake    *uint256.Int
	Active       bool
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// BatchForUpdate locks and returns the batch row for a mint.
func (r *PGRepository) BatchForUpdate(ctx context.Context, tx pgx.Tx, batchID string) (BatchRow, error) {
	const q = `
SELECT id, manufacturer, max_units, minted, unit_stake::text, active
FROM batches
WHERE id = $1
FOR UPDATE
`
	var (
		row     BatchRow
		unitDec string
	)
	err := tx.QueryRow(ctx, q, batchID).Scan(&row.ID, &row.Manufacturer, &row.MaxUnits, &row.Minted, &unitDec, &row.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BatchRow{}, ErrNotFound
		}
		return BatchRow{}, fmt.Errorf("product: lock batch: %w", err)
	}
	if row.UnitStake, err = uint256.FromDecimal(unitDec); err != nil {
		return BatchRow{}, fmt.Errorf("product: parse unit stake %q: %w", unitDec, err)
	}
	return row, nil
}

// Exists reports whether a product id has been minted.
func (r *PGRepository) Exists(ctx context.Context, tx pgx.Tx, productID string) (bool, error) {
	var ok bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&ok); err != nil {
		return false, fmt.Errorf("product: exists: %w", err)
	}
	return ok, nil
}

// Insert stores a freshly minted product.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, p Product) error {
	const q = `
INSERT INTO products (id, batch_id, owner, metadata_hash, stake, created_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6)
`
	_, err := tx.Exec(ctx, q, p.ID, p.BatchID, p.Owner, p.MetadataHash, p.Stake.Dec(), p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("product: insert: %w", err)
	}
	return nil
}

// IncrementMinted advances the batch mint counter and flips the status to
// FULLY_MINTED when the cap is hit; it reports the new count.
func (r *PGRepository) IncrementMinted(ctx context.Context, tx pgx.Tx, batchID string) (uint64, string, error) {
	const q = `
UPDATE batches
SET minted = minted + 1,
    status = CASE WHEN minted + 1 >= max_units THEN 'FULLY_MINTED' ELSE status END
WHERE id = $1
RETURNING minted, status
`
	var (
		minted uint64
		status string
	)
	if err := tx.QueryRow(ctx, q, batchID).Scan(&minted, &status); err != nil {
		return 0, "", fmt.Errorf("product: increment minted: %w", err)
	}
	return minted, status, nil
}

// Get fetches a product by id.
func (r *PGRepository) Get(ctx context.Context, productID string) (Product, error) {
	const q = `
SELECT id, batch_id, owner, metadata_hash, stake::text, created_at
FROM products
WHERE id = $1
`
	var (
		p        Product
		stakeDec string
		created  time.Time
	)
	err := r.pool.QueryRow(ctx, q, productID).Scan(&p.ID, &p.BatchID, &p.Owner, &p.MetadataHash, &stakeDec, &created)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, fmt.Errorf("product: get: %w", err)
	}
	p.CreatedAt = created
	if p.Stake, err = uint256.FromDecimal(stakeDec); err != nil {
		return Product{}, fmt.Errorf("product: parse stake %q: %w", stakeDec, err)
	}
	return p, nil
}

// Owner returns the current owner of a product.
func (r *PGRepository) Owner(ctx context.Context, productID string) (string, error) {
	var owner string
	err := r.pool.QueryRow(ctx, `SELECT owner FROM products WHERE id = $1`, productID).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("product: owner: %w", err)
	}
	return owner, nil
}
