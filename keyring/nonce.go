package keyring

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Nonces manages the per-address strictly increasing signature counter.
type Nonces struct{}

func NewNonces() *Nonces { return &Nonces{} }

// Use consumes nonce for address inside the caller's transaction. The nonce
// must equal the current counter exactly; on success the counter is advanced
// before the authorized transition is applied, so a committed operation can
// never leave its signature replayable.
func (n *Nonces) Use(ctx context.Context, tx pgx.Tx, address string, nonce uint64) error {
	var current uint64
	err := tx.QueryRow(ctx, `SELECT nonce FROM nonces WHERE address = $1 FOR UPDATE`, address).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		current = 0
		if _, err := tx.Exec(ctx, `INSERT INTO nonces (address, nonce) VALUES ($1, 0)`, address); err != nil {
			return fmt.Errorf("keyring: init nonce row: %w", err)
		}
	case err != nil:
		return fmt.Errorf("keyring: load nonce: %w", err)
	}

	if nonce != current {
		return ErrInvalidSignature
	}

	if _, err := tx.Exec(ctx, `UPDATE nonces SET nonce = nonce + 1 WHERE address = $1`, address); err != nil {
		return fmt.Errorf("keyring: advance nonce: %w", err)
	}
	return nil
}

// Current returns the next expected nonce for an address.
func (n *Nonces) Current(ctx context.Context, pool *pgxpool.Pool, address string) (uint64, error) {
	var current uint64
	err := pool.QueryRow(ctx, `SELECT nonce FROM nonces WHERE address = $1`, address).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("keyring: current nonce: %w", err)
	}
	return current, nil
}
