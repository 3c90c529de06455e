package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNoRelayerApproval is returned when an address without an active
	// approval tries to act as a relayer, or when revoking one that was
	// never approved.
	ErrNoRelayerApproval = errors.New("relay: relayer not approved")
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository persists relayer approvals in Postgres.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Approve records an approval. Re-approving a revoked relayer clears
// the revocation.
func (r *PGRepository) Approve(ctx context.Context, tx pgx.Tx, address string, approvedAt time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO relayers (address, approved_at, revoked_at)
		VALUES ($1, $2, NULL)
		ON CONFLICT (address)
		DO UPDATE SET approved_at = EXCLUDED.approved_at, revoked_at = NULL`,
		address, approvedAt,
	)
	if err != nil {
		return fmt.Errorf("relay: approve relayer: %w", err)
	}
	return nil
}

// Revoke marks an active approval as revoked.
func (r *PGRepository) Revoke(ctx context.Context, tx pgx.Tx, address string, revokedAt time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE relayers SET revoked_at = $2
		WHERE address = $1 AND revoked_at IS NULL`,
		address, revokedAt,
	)
	if err != nil {
		return fmt.Errorf("relay: revoke relayer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRelayerApproval
	}
	return nil
}

// IsApproved reports whether the address holds an unrevoked approval.
func (r *PGRepository) IsApproved(ctx context.Context, q Querier, address string) (bool, error) {
	var approved bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM relayers
			WHERE address = $1 AND revoked_at IS NULL
		)`,
		address,
	).Scan(&approved)
	if err != nil {
		return false, fmt.Errorf("relay: check relayer approval: %w", err)
	}
	return approved, nil
}

// Get loads a relayer row, revoked or not.
func (r *PGRepository) Get(ctx context.Context, address string) (Relayer, error) {
	var rel Relayer
	err := r.pool.QueryRow(ctx, `
		SELECT address, approved_at, revoked_at
		FROM relayers WHERE address = $1`,
		address,
	).Scan(&rel.Address, &rel.ApprovedAt, &rel.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Relayer{}, ErrNoRelayerApproval
	}
	if err != nil {
		return Relayer{}, fmt.Errorf("relay: get relayer: %w", err)
	}
	return rel, nil
}
