package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"custodyflow/keyring"
	"custodyflow/provenance"
)

var (
	// ErrUnauthorized signals the caller is neither the owner (initiate) nor
	// the designated receiver (accept).
	ErrUnauthorized = errors.New("transfer: unauthorized")
	// ErrInvalidReceiver signals a zero or self receiver address.
	ErrInvalidReceiver = errors.New("transfer: invalid receiver")
	// ErrAlreadyPending signals an unexpired pending transfer already exists.
	ErrAlreadyPending = errors.New("transfer: transfer already pending")
	// ErrNoPending signals there is nothing to accept.
	ErrNoPending = errors.New("transfer: no pending transfer")
	// ErrDeadlineExpired signals acceptance after the transfer timeout.
	ErrDeadlineExpired = errors.New("transfer: deadline expired")
	// ErrDisputeActive signals the product is frozen by an open dispute.
	ErrDisputeActive = errors.New("transfer: product under active dispute")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines the data access required by the transfer state machine.
type Repository interface {
	ProductForUpdate(ctx context.Context, tx pgx.Tx, productID string) (ProductRow, error)
	PendingForUpdate(ctx context.Context, tx pgx.Tx, productID string) (Pending, bool, error)
	InsertPending(ctx context.Context, tx pgx.Tx, p Pending) error
	DeletePending(ctx context.Context, tx pgx.Tx, productID string) error
	SetOwner(ctx context.Context, tx pgx.Tx, productID, owner string) error
	HasActiveDispute(ctx context.Context, tx pgx.Tx, productID string) (bool, error)
	PendingAt(ctx context.Context, productID string) (Pending, bool, error)
}

// NonceUser consumes one signature nonce inside the operation's transaction.
type NonceUser interface {
	Use(ctx context.Context, tx pgx.Tx, address string, nonce uint64) error
}

// EventWriter appends provenance records in the operation's transaction.
type EventWriter interface {
	Append(ctx context.Context, tx pgx.Tx, ev provenance.Event) error
}

// OutboxWriter enqueues integration messages in the operation's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service drives the two-phase custody handoff. Ownership changes only on an
// explicit accept; an initiation alone never moves custody.
type Service struct {
	pool     TxBeginner
	repo     Repository
	nonces   NonceUser
	domain   keyring.Domain
	timeline EventWriter
	outbox   OutboxWriter
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, nonces NonceUser, domain keyring.Domain, timeline EventWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		nonces:   nonces,
		domain:   domain,
		timeline: timeline,
		outbox:   outbox,
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Initiate opens a pending transfer from the current owner to the receiver.
func (s *Service) Initiate(ctx context.Context, from, productID, to, locationHash string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("transfer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.applyInitiate(ctx, tx, from, productID, to, locationHash); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("transfer: commit initiate: %w", err)
	}
	return nil
}

// Accept completes a pending transfer as the designated receiver.
func (s *Service) Accept(ctx context.Context, receiver, productID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("transfer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.applyAccept(ctx, tx, receiver, productID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("transfer: commit accept: %w", err)
	}
	return nil
}

// InitiateWithSig performs an initiation authorized by the owner's signature
// instead of a direct call; the submitter's identity is irrelevant.
func (s *Service) InitiateWithSig(ctx context.Context, msg keyring.InitiateTransfer, env keyring.Envelope) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("transfer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	signer, err := s.ApplySignedInitiate(ctx, tx, msg, env)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("transfer: commit signed initiate: %w", err)
	}
	return signer, nil
}

// AcceptWithSig performs an acceptance authorized by the receiver's signature.
func (s *Service) AcceptWithSig(ctx context.Context, msg keyring.AcceptTransfer, env keyring.Envelope) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("transfer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	signer, err := s.ApplySignedAccept(ctx, tx, msg, env)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("transfer: commit signed accept: %w", err)
	}
	return signer, nil
}

// ApplySignedInitiate validates the signed intent and applies the initiation
// inside the caller's transaction; the meta-transaction path composes it with
// its own relayer checks. The nonce is consumed before the transition so a
// committed operation can never leave the signature replayable.
func (s *Service) ApplySignedInitiate(ctx context.Context, tx pgx.Tx, msg keyring.InitiateTransfer, env keyring.Envelope) (string, error) {
	if msg.Deadline.Before(s.now()) {
		return "", keyring.ErrDeadlineExpired
	}
	signer, err := env.RecoverSigner(msg.Digest(s.domain))
	if err != nil {
		return "", err
	}
	if err := s.nonces.Use(ctx, tx, signer, msg.Nonce); err != nil {
		return "", err
	}
	if err := s.applyInitiate(ctx, tx, signer, msg.ProductID, msg.To, msg.LocationHash); err != nil {
		return "", err
	}
	return signer, nil
}

// ApplySignedAccept is the acceptance counterpart of ApplySignedInitiate.
func (s *Service) ApplySignedAccept(ctx context.Context, tx pgx.Tx, msg keyring.AcceptTransfer, env keyring.Envelope) (string, error) {
	if msg.Deadline.Before(s.now()) {
		return "", keyring.ErrDeadlineExpired
	}
	signer, err := env.RecoverSigner(msg.Digest(s.domain))
	if err != nil {
		return "", err
	}
	if err := s.nonces.Use(ctx, tx, signer, msg.Nonce); err != nil {
		return "", err
	}
	if err := s.applyAccept(ctx, tx, signer, msg.ProductID); err != nil {
		return "", err
	}
	return signer, nil
}

func (s *Service) applyInitiate(ctx context.Context, tx pgx.Tx, from, productID, to, locationHash string) error {
	p, err := s.repo.ProductForUpdate(ctx, tx, productID)
	if err != nil {
		return err
	}
	if from != p.Owner {
		return ErrUnauthorized
	}
	if to == "" || to == from {
		return ErrInvalidReceiver
	}

	now := s.now()
	if pending, ok, err := s.repo.PendingForUpdate(ctx, tx, productID); err != nil {
		return err
	} else if ok {
		if !pending.Expired(now) {
			return ErrAlreadyPending
		}
		// Expired handoff: clear it lazily and continue.
		if err := s.repo.DeletePending(ctx, tx, productID); err != nil {
			return err
		}
	}

	if blocked, err := s.repo.HasActiveDispute(ctx, tx, productID); err != nil {
		return err
	} else if blocked {
		return ErrDisputeActive
	}

	pending := Pending{ProductID: productID, To: to, LocationHash: locationHash, InitiatedAt: now}
	if err := s.repo.InsertPending(ctx, tx, pending); err != nil {
		return err
	}

	if s.timeline != nil {
		err := s.timeline.Append(ctx, tx, provenance.Event{
			ProductID:    productID,
			Handler:      from,
			LocationHash: locationHash,
			Action:       provenance.ActionTransferInitiated,
			OccurredAt:   now,
			Payload:      map[string]any{"to": to},
		})
		if err != nil {
			return err
		}
	}
	if s.outbox != nil {
		err := s.outbox.Enqueue(ctx, tx, provenance.TopicTransferInitiated, map[string]any{
			"product_id": productID,
			"from":       from,
			"to":         to,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) applyAccept(ctx context.Context, tx pgx.Tx, receiver, productID string) error {
	p, err := s.repo.ProductForUpdate(ctx, tx, productID)
	if err != nil {
		return err
	}

	pending, ok, err := s.repo.PendingForUpdate(ctx, tx, productID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoPending
	}

	now := s.now()
	if pending.Expired(now) {
		return ErrDeadlineExpired
	}
	if receiver != pending.To {
		return ErrUnauthorized
	}
	if blocked, err := s.repo.HasActiveDispute(ctx, tx, productID); err != nil {
		return err
	} else if blocked {
		return ErrDisputeActive
	}

	if err := s.repo.SetOwner(ctx, tx, productID, receiver); err != nil {
		return err
	}
	if err := s.repo.DeletePending(ctx, tx, productID); err != nil {
		return err
	}

	if s.timeline != nil {
		err := s.timeline.Append(ctx, tx, provenance.Event{
			ProductID:    productID,
			Handler:      receiver,
			LocationHash: pending.LocationHash,
			Action:       provenance.ActionTransferAccepted,
			OccurredAt:   now,
			Payload:      map[string]any{"from": p.Owner},
		})
		if err != nil {
			return err
		}
	}
	if s.outbox != nil {
		err := s.outbox.Enqueue(ctx, tx, provenance.TopicTransferAccepted, map[string]any{
			"product_id": productID,
			"from":       p.Owner,
			"to":         receiver,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the in-flight transfer for a product, treating an expired
// row as absent.
func (s *Service) Pending(ctx context.Context, productID string) (Pending, bool, error) {
	p, ok, err := s.repo.PendingAt(ctx, productID)
	if err != nil || !ok {
		return Pending{}, false, err
	}
	if p.Expired(s.now()) {
		return Pending{}, false, nil
	}
	return p, true, nil
}
