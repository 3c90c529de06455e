package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"custodyflow/funds"
)

var (
	// ErrNotFound signals the requested batch does not exist.
	ErrNotFound = errors.New("batch: not found")
	// ErrAlreadyRegistered signals the batch id is already taken.
	ErrAlreadyRegistered = errors.New("batch: already registered")
)

// PGRepository implements Repository backed by PostgreSQL. Writes run inside
// the service's transaction; reads go straight to the pool.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Insert stores a freshly registered batch.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, b Batch) error {
	const q = `
INSERT INTO batches (id, manufacturer, max_units, minted, stake, unit_stake, active, status, created_at)
VALUES ($1, $2, $3, 0, $4::numeric, $5::numeric, TRUE, $6, $7)
`
	_, err := tx.Exec(ctx, q, b.ID, b.Manufacturer, b.MaxUnits, b.Stake.Dec(), b.UnitStake.Dec(), b.Status, b.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyRegistered
		}
		return fmt.Errorf("batch: insert: %w", err)
	}
	return nil
}

// BondStake debits the registration stake from the manufacturer's balance.
func (r *PGRepository) BondStake(ctx context.Context, tx pgx.Tx, manufacturer string, stake *uint256.Int) error {
	return funds.Debit(ctx, tx, manufacturer, stake)
}

// Get fetches a batch by id.
func (r *PGRepository) Get(ctx context.Context, batchID string) (Batch, error) {
	const q = `
SELECT id, manufacturer, max_units, minted, stake::text, unit_stake::text, active, status, created_at
FROM batches
WHERE id = $1
`
	var (
		b                 Batch
		stakeDec, unitDec string
	)
	err := r.pool.QueryRow(ctx, q, batchID).Scan(
		&b.ID, &b.Manufacturer, &b.MaxUnits, &b.Minted, &stakeDec, &unitDec, &b.Active, &b.Status, &b.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrNotFound
		}
		return Batch{}, fmt.Errorf("batch: get: %w", err)
	}

	if b.Stake, err = uint256.FromDecimal(stakeDec); err != nil {
		return Batch{}, fmt.Errorf("batch: parse stake %q: %w", stakeDec, err)
	}
	if b.UnitStake, err = uint256.FromDecimal(unitDec); err != nil {
		return Batch{}, fmt.Errorf("batch: parse unit stake %q: %w", unitDec, err)
	}
	return b, nil
}

// ProductCount returns the number of minted units in the batch.
func (r *PGRepository) ProductCount(ctx context.Context, batchID string) (uint64, error) {
	var minted uint64
	err := r.pool.QueryRow(ctx, `SELECT minted FROM batches WHERE id = $1`, batchID).Scan(&minted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("batch: product count: %w", err)
	}
	return minted, nil
}
