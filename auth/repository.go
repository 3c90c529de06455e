package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrAccountNotFound signals that the account does not exist.
	ErrAccountNotFound = errors.New("auth: account not found")
	// ErrDuplicateAccount signals that the email or address is already registered.
	ErrDuplicateAccount = errors.New("auth: email or address already exists")
)

// Repository handles data access for accounts and roles.
type Repository interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error)
	GetByEmail(ctx context.Context, email string) (Account, error)
	GetByAddress(ctx context.Context, address string) (Account, error)
	SetRole(ctx context.Context, tx pgx.Tx, address string, role Role) error
	HasRole(ctx context.Context, address string, role Role) (bool, error)
}

// CreateAccountParams contains write parameters for creating accounts.
type CreateAccountParams struct {
	Email        string
	FullName     string
	PasswordHash string
	Address      string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed account repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const accountColumns = `id, email, full_name, password_hash, address, role, created_at, updated_at`

func (r *PGRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	const insertSQL = `
		INSERT INTO accounts (email, full_name, password_hash, address, role)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + accountColumns

	acct, err := scanAccount(r.pool.QueryRow(ctx, insertSQL,
		params.Email, params.FullName, params.PasswordHash, params.Address, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrDuplicateAccount
		}
		return Account{}, fmt.Errorf("auth: create account: %w", err)
	}
	return acct, nil
}

func (r *PGRepository) GetByEmail(ctx context.Context, email string) (Account, error) {
	const q = `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1`
	acct, err := scanAccount(r.pool.QueryRow(ctx, q, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account by email: %w", err)
	}
	return acct, nil
}

func (r *PGRepository) GetByAddress(ctx context.Context, address string) (Account, error) {
	const q = `SELECT ` + accountColumns + ` FROM accounts WHERE address = $1`
	acct, err := scanAccount(r.pool.QueryRow(ctx, q, address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account by address: %w", err)
	}
	return acct, nil
}

// SetRole updates the account role; applying the current role again is a no-op.
// Runs inside the caller's transaction so the role change commits with the
// announcement it produces.
func (r *PGRepository) SetRole(ctx context.Context, tx pgx.Tx, address string, role Role) error {
	tag, err := tx.Exec(ctx, `
		UPDATE accounts SET role = $2, updated_at = now() WHERE address = $1
	`, address, role)
	if err != nil {
		return fmt.Errorf("auth: set role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *PGRepository) HasRole(ctx context.Context, address string, role Role) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM accounts WHERE address = $1 AND role = $2)
	`, address, role).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("auth: has role: %w", err)
	}
	return ok, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var acct Account
	err := row.Scan(
		&acct.ID,
		&acct.Email,
		&acct.FullName,
		&acct.PasswordHash,
		&acct.Address,
		&acct.Role,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}
	return acct, nil
}
