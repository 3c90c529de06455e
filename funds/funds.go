// Package funds tracks native-amount balances per address. Batch bonds are
// debited from here at registration and dispute payouts are credited back.
package funds

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
)

// ErrInsufficient signals a debit larger than the available balance.
var ErrInsufficient = errors.New("funds: insufficient balance")

// Querier is the subset of pgx.Tx / pgxpool.Pool needed for reads.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Credit adds amount to the address balance, creating the row if absent.
func Credit(ctx context.Context, tx pgx.Tx, address string, amount *uint256.Int) error {
	if address == "" {
		return fmt.Errorf("funds: credit to empty address")
	}
	const q = `
INSERT INTO balances (address, amount)
VALUES ($1, $2::numeric)
ON CONFLICT (address) DO UPDATE SET amount = balances.amount + EXCLUDED.amount
`
	if _, err := tx.Exec(ctx, q, address, amount.Dec()); err != nil {
		return fmt.Errorf("funds: credit %s: %w", address, err)
	}
	return nil
}

// Debit removes amount from the address balance. The conditional update keeps
// the check and the subtraction in one statement, so concurrent debits cannot
// overdraw.
func Debit(ctx context.Context, tx pgx.Tx, address string, amount *uint256.Int) error {
	if address == "" {
		return fmt.Errorf("funds: debit from empty address")
	}
	const q = `
UPDATE balances
SET amount = amount - $2::numeric
WHERE address = $1 AND amount >= $2::numeric
`
	tag, err := tx.Exec(ctx, q, address, amount.Dec())
	if err != nil {
		return fmt.Errorf("funds: debit %s: %w", address, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficient
	}
	return nil
}

// Balance reads the current balance for an address; missing rows read as zero.
func Balance(ctx context.Context, q Querier, address string) (*uint256.Int, error) {
	var dec string
	err := q.QueryRow(ctx, `SELECT amount::text FROM balances WHERE address = $1`, address).Scan(&dec)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uint256.NewInt(0), nil
		}
		return nil, fmt.Errorf("funds: balance %s: %w", address, err)
	}
	amount, err := uint256.FromDecimal(dec)
	if err != nil {
		return nil, fmt.Errorf("funds: parse balance %q: %w", dec, err)
	}
	return amount, nil
}
