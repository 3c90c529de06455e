package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"

	"custodyflow/auth"
	"custodyflow/provenance"
)

var (
	// ErrUnauthorized signals a non-admin tried to resolve.
	ErrUnauthorized = errors.New("dispute: unauthorized")
	// ErrNotActive signals a resolve with no open dispute to act on.
	ErrNotActive = errors.New("dispute: no active dispute")
	// ErrAlreadyResolved signals the product's dispute lifecycle is terminal,
	// or a raise collided with an already-open dispute.
	ErrAlreadyResolved = errors.New("dispute: already resolved")
	// ErrDeadline signals a window violation: resolving too late or claiming
	// the refund too early.
	ErrDeadline = errors.New("dispute: outside allowed window")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines the data access required by the dispute engine.
type Repository interface {
	ProductForUpdate(ctx context.Context, tx pgx.Tx, productID string) (ProductRow, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, productID string) (Dispute, bool, error)
	Insert(ctx context.Context, tx pgx.Tx, d Dispute) error
	MarkResolved(ctx context.Context, tx pgx.Tx, productID, outcome string, resolvedAt time.Time) error
	SetProductStake(ctx context.Context, tx pgx.Tx, productID string, stake *uint256.Int) error
	ClearPendingTransfer(ctx context.Context, tx pgx.Tx, productID string) error
	Payout(ctx context.Context, tx pgx.Tx, address string, amount *uint256.Int) error
	Active(ctx context.Context, productID string) (Dispute, bool, error)
}

// RoleChecker gates resolution on the admin role.
type RoleChecker interface {
	HasRole(ctx context.Context, address string, role auth.Role) (bool, error)
}

// EventWriter appends provenance records in the operation's transaction.
type EventWriter interface {
	Append(ctx context.Context, tx pgx.Tx, ev provenance.Event) error
}

// OutboxWriter enqueues integration messages in the operation's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service drives the dispute lifecycle and the stake slashing that settles
// it. All internal effects are written before the payout credit; a payout
// failure aborts the whole resolution.
type Service struct {
	pool     TxBeginner
	repo     Repository
	roles    RoleChecker
	timeline EventWriter
	outbox   OutboxWriter
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, roles RoleChecker, timeline EventWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		roles:    roles,
		timeline: timeline,
		outbox:   outbox,
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Raise opens a dispute on a product. Permissionless, but a product that was
// ever disputed before, active or settled, can never be disputed again.
func (s *Service) Raise(ctx context.Context, disputer, productID, reasonHash string) (Dispute, error) {
	if disputer == "" {
		return Dispute{}, fmt.Errorf("dispute: missing disputer")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.ProductForUpdate(ctx, tx, productID)
	if err != nil {
		return Dispute{}, err
	}

	if _, exists, err := s.repo.GetForUpdate(ctx, tx, productID); err != nil {
		return Dispute{}, err
	} else if exists {
		return Dispute{}, ErrAlreadyResolved
	}

	now := s.now()
	d := Dispute{
		ProductID:       productID,
		Disputer:        disputer,
		ReasonHash:      reasonHash,
		Active:          true,
		RaisedAt:        now,
		RefundWindowEnd: now.Add(RefundWindow),
		DisputableStake: p.Stake,
	}
	if err := s.repo.Insert(ctx, tx, d); err != nil {
		return Dispute{}, err
	}

	if s.timeline != nil {
		err := s.timeline.Append(ctx, tx, provenance.Event{
			ProductID:  productID,
			Handler:    disputer,
			Action:     provenance.ActionDisputeRaised,
			OccurredAt: now,
			Payload:    map[string]any{"reason_hash": reasonHash, "disputable_stake": d.DisputableStake.Dec()},
		})
		if err != nil {
			return Dispute{}, err
		}
	}
	if s.outbox != nil {
		err := s.outbox.Enqueue(ctx, tx, provenance.TopicDisputeRaised, map[string]any{
			"product_id": productID,
			"disputer":   disputer,
		})
		if err != nil {
			return Dispute{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit raise: %w", err)
	}
	return d, nil
}

// Resolve settles an open dispute. winner == manufacturer refunds the full
// per-product stake; any other winner is paid half of it, with the remainder
// staying bonded. Either way the dispute becomes terminal and any pending
// transfer on the product is dropped.
func (s *Service) Resolve(ctx context.Context, admin, productID, winner string) error {
	isAdmin, err := s.roles.HasRole(ctx, admin, auth.RoleAdmin)
	if err != nil {
		return err
	}
	if !isAdmin {
		return ErrUnauthorized
	}
	if winner == "" {
		return fmt.Errorf("dispute: missing winner")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.ProductForUpdate(ctx, tx, productID)
	if err != nil {
		return err
	}
	d, exists, err := s.repo.GetForUpdate(ctx, tx, productID)
	if err != nil {
		return err
	}
	if !exists || !d.Active {
		return ErrNotActive
	}

	now := s.now()
	if now.After(d.RaisedAt.Add(ResolutionWindow)) {
		return ErrDeadline
	}

	var (
		outcome   string
		action    string
		recipient string
		payout    *uint256.Int
		remaining *uint256.Int
	)
	if winner == p.Manufacturer {
		outcome = OutcomeRefunded
		action = provenance.ActionStakeRefunded
		recipient = p.Manufacturer
		payout = d.DisputableStake
		remaining = uint256.NewInt(0)
	} else {
		outcome = OutcomeSlashed
		action = provenance.ActionStakeSlashed
		recipient = winner
		payout = new(uint256.Int).Div(d.DisputableStake, uint256.NewInt(2))
		remaining = new(uint256.Int).Sub(d.DisputableStake, payout)
	}

	// Effects first, payout last: a failed credit aborts the whole resolution.
	if err := s.repo.MarkResolved(ctx, tx, productID, outcome, now); err != nil {
		return err
	}
	if err := s.repo.ClearPendingTransfer(ctx, tx, productID); err != nil {
		return err
	}
	if err := s.repo.SetProductStake(ctx, tx, productID, remaining); err != nil {
		return err
	}
	if err := s.repo.Payout(ctx, tx, recipient, payout); err != nil {
		return err
	}

	if s.timeline != nil {
		err := s.timeline.Append(ctx, tx, provenance.Event{
			ProductID:  productID,
			Handler:    admin,
			Action:     action,
			OccurredAt: now,
			Payload: map[string]any{
				"winner":  winner,
				"amount":  payout.Dec(),
				"outcome": outcome,
			},
		})
		if err != nil {
			return err
		}
	}
	if s.outbox != nil {
		err := s.outbox.Enqueue(ctx, tx, provenance.TopicDisputeResolved, map[string]any{
			"product_id": productID,
			"winner":     winner,
			"outcome":    outcome,
			"amount":     payout.Dec(),
		})
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit resolve: %w", err)
	}
	return nil
}

// ClaimRefund settles a dispute the admin never adjudicated. Permissionless
// once the refund window has elapsed; the full disputable stake goes back to
// the manufacturer.
func (s *Service) ClaimRefund(ctx context.Context, caller, productID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.ProductForUpdate(ctx, tx, productID)
	if err != nil {
		return err
	}
	d, exists, err := s.repo.GetForUpdate(ctx, tx, productID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotActive
	}
	if d.Resolved {
		return ErrAlreadyResolved
	}

	now := s.now()
	if now.Before(d.RefundWindowEnd) {
		return ErrDeadline
	}

	if err := s.repo.MarkResolved(ctx, tx, productID, OutcomeAutoRefunded, now); err != nil {
		return err
	}
	if err := s.repo.ClearPendingTransfer(ctx, tx, productID); err != nil {
		return err
	}
	if err := s.repo.SetProductStake(ctx, tx, productID, uint256.NewInt(0)); err != nil {
		return err
	}
	if err := s.repo.Payout(ctx, tx, p.Manufacturer, d.DisputableStake); err != nil {
		return err
	}

	if s.timeline != nil {
		err := s.timeline.Append(ctx, tx, provenance.Event{
			ProductID:  productID,
			Handler:    caller,
			Action:     provenance.ActionStakeRefunded,
			OccurredAt: now,
			Payload: map[string]any{
				"amount":  d.DisputableStake.Dec(),
				"outcome": OutcomeAutoRefunded,
			},
		})
		if err != nil {
			return err
		}
	}
	if s.outbox != nil {
		err := s.outbox.Enqueue(ctx, tx, provenance.TopicDisputeResolved, map[string]any{
			"product_id": productID,
			"outcome":    OutcomeAutoRefunded,
			"amount":     d.DisputableStake.Dec(),
		})
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit refund claim: %w", err)
	}
	return nil
}

// Active reports the open dispute on a product, if any.
func (s *Service) Active(ctx context.Context, productID string) (Dispute, bool, error) {
	return s.repo.Active(ctx, productID)
}
