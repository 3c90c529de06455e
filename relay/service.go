package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"custodyflow/auth"
	"custodyflow/keyring"
	"custodyflow/provenance"
)

// ErrUnauthorized is returned when a non-admin tries to manage relayer
// approvals.
var ErrUnauthorized = errors.New("relay: caller is not an admin")

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Repository interface {
	Approve(ctx context.Context, tx pgx.Tx, address string, approvedAt time.Time) error
	Revoke(ctx context.Context, tx pgx.Tx, address string, revokedAt time.Time) error
	IsApproved(ctx context.Context, q Querier, address string) (bool, error)
	Get(ctx context.Context, address string) (Relayer, error)
}

type RoleChecker interface {
	HasRole(ctx context.Context, address string, role auth.Role) (bool, error)
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// TransferApplier applies a signed custody transition inside a caller-owned
// transaction and returns the recovered signer.
type TransferApplier interface {
	ApplySignedInitiate(ctx context.Context, tx pgx.Tx, msg keyring.InitiateTransfer, env keyring.Envelope) (string, error)
	ApplySignedAccept(ctx context.Context, tx pgx.Tx, msg keyring.AcceptTransfer, env keyring.Envelope) (string, error)
}

// Service gates meta-transaction submission behind an admin-managed relayer
// allow list. The relayer only carries the message; authority comes from the
// user's signature, verified by the transfer layer.
type Service struct {
	pool      TxBeginner
	repo      Repository
	roles     RoleChecker
	transfers TransferApplier
	outbox    OutboxWriter
	now       func() time.Time
}

func NewService(pool TxBeginner, repo Repository, roles RoleChecker, transfers TransferApplier, outbox OutboxWriter) *Service {
	return &Service{
		pool:      pool,
		repo:      repo,
		roles:     roles,
		transfers: transfers,
		outbox:    outbox,
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Approve adds a relayer to the allow list. Approving an already approved
// relayer refreshes the approval timestamp.
func (s *Service) Approve(ctx context.Context, admin, relayer string) error {
	if err := s.requireAdmin(ctx, admin); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("relay: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Approve(ctx, tx, relayer, s.now()); err != nil {
		return err
	}
	if s.outbox != nil {
		err := s.outbox.Enqueue(ctx, tx, provenance.TopicRelayerApproved, map[string]any{
			"relayer":  relayer,
			"approver": admin,
		})
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("relay: commit approve: %w", err)
	}
	return nil
}

// Revoke removes a relayer from the allow list.
func (s *Service) Revoke(ctx context.Context, admin, relayer string) error {
	if err := s.requireAdmin(ctx, admin); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("relay: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Revoke(ctx, tx, relayer, s.now()); err != nil {
		return err
	}
	if s.outbox != nil {
		err := s.outbox.Enqueue(ctx, tx, provenance.TopicRelayerRevoked, map[string]any{
			"relayer": relayer,
			"revoker": admin,
		})
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("relay: commit revoke: %w", err)
	}
	return nil
}

// ExecuteInitiate submits a user-signed transfer initiation through an
// approved relayer. The approval check, the signature verification, and the
// custody transition commit or roll back together.
func (s *Service) ExecuteInitiate(ctx context.Context, relayer, user string, msg keyring.InitiateTransfer, env keyring.Envelope) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("relay: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.requireApproved(ctx, tx, relayer); err != nil {
		return err
	}

	signer, err := s.transfers.ApplySignedInitiate(ctx, tx, msg, env)
	if err != nil {
		return err
	}
	if signer != user {
		return keyring.ErrInvalidSignature
	}

	if s.outbox != nil {
		err := s.outbox.Enqueue(ctx, tx, provenance.TopicMetaTxExecuted, map[string]any{
			"relayer":    relayer,
			"user":       signer,
			"product_id": msg.ProductID,
			"operation":  "transfer.initiate",
		})
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("relay: commit meta initiate: %w", err)
	}
	return nil
}

// ExecuteAccept submits a user-signed transfer acceptance through an approved
// relayer.
func (s *Service) ExecuteAccept(ctx context.Context, relayer, user string, msg keyring.AcceptTransfer, env keyring.Envelope) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("relay: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.requireApproved(ctx, tx, relayer); err != nil {
		return err
	}

	signer, err := s.transfers.ApplySignedAccept(ctx, tx, msg, env)
	if err != nil {
		return err
	}
	if signer != user {
		return keyring.ErrInvalidSignature
	}

	if s.outbox != nil {
		err := s.outbox.Enqueue(ctx, tx, provenance.TopicMetaTxExecuted, map[string]any{
			"relayer":    relayer,
			"user":       signer,
			"product_id": msg.ProductID,
			"operation":  "transfer.accept",
		})
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("relay: commit meta accept: %w", err)
	}
	return nil
}

// Status reports the stored approval state for an address.
func (s *Service) Status(ctx context.Context, address string) (Relayer, error) {
	return s.repo.Get(ctx, address)
}

func (s *Service) requireAdmin(ctx context.Context, address string) error {
	ok, err := s.roles.HasRole(ctx, address, auth.RoleAdmin)
	if err != nil {
		return fmt.Errorf("relay: check admin role: %w", err)
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

func (s *Service) requireApproved(ctx context.Context, tx pgx.Tx, relayer string) error {
	ok, err := s.repo.IsApproved(ctx, tx, relayer)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoRelayerApproval
	}
	return nil
}
