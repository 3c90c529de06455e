package funds

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Service exposes the deposit and balance surface. Deposits are
// permissionless: tooling and tests use them to fund manufacturers before
// batch registration bonds the stake.
type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

func (s *Service) Deposit(ctx context.Context, address string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("funds: deposit amount must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("funds: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := Credit(ctx, tx, address, amount); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("funds: commit deposit: %w", err)
	}
	return nil
}

func (s *Service) BalanceOf(ctx context.Context, address string) (*uint256.Int, error) {
	return Balance(ctx, s.pool, address)
}
