package batch

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
	// ErrUnauthorized signals the caller does not hold the manufacturer role.
	ErrUnauthorized = errors.New("batch: unauthorized")
	// ErrStakeRequired signals registration without a positive stake.
	ErrStakeRequired = errors.New("batch: stake required")
	// ErrInvalidBatch signals a zero-sized or unidentifiable batch.
	ErrInvalidBatch = errors.New("batch: invalid batch")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines the data access required by the service.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, b Batch) error
	BondStake(ctx context.Context, tx pgx.Tx, manufacturer string, stake *uint256.Int) error
	Get(ctx context.Context, batchID string) (Batch, error)
	ProductCount(ctx context.Context, batchID string) (uint64, error)
}

// RoleChecker gates registration on the manufacturer role.
type RoleChecker interface {
	HasRole(ctx context.Context, address string, role auth.Role) (bool, error)
}

// OutboxWriter enqueues integration messages in the operation's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Service struct {
	pool   TxBeginner
	repo   Repository
	roles  RoleChecker
	outbox OutboxWriter
	now    func() time.Time
}

func NewService(pool TxBeginner, repo Repository, roles RoleChecker, outbox OutboxWriter) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		roles:  roles,
		outbox: outbox,
		now:    time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RegisterParams describes one batch registration.
type RegisterParams struct {
	Manufacturer string
	BatchID      string
	MaxUnits     uint64
	Stake        *uint256.Int
}

// Register bonds the stake and stores the batch. The per-product stake is
// fixed here as stake / maxUnits, floor-divided.
func (s *Service) Register(ctx context.Context, params RegisterParams) (Batch, error) {
	if params.BatchID == "" {
		return Batch{}, ErrInvalidBatch
	}
	if params.MaxUnits == 0 {
		return Batch{}, ErrInvalidBatch
	}
	if params.Stake == nil || params.Stake.IsZero() {
		return Batch{}, ErrStakeRequired
	}

	isManufacturer, err := s.roles.HasRole(ctx, params.Manufacturer, auth.RoleManufacturer)
	if err != nil {
		return Batch{}, err
	}
	if !isManufacturer {
		return Batch{}, ErrUnauthorized
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Batch{}, fmt.Errorf("batch: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	b := Batch{
		ID:           params.BatchID,
		Manufacturer: params.Manufacturer,
		MaxUnits:     params.MaxUnits,
		Stake:        params.Stake,
		UnitStake:    new(uint256.Int).Div(params.Stake, uint256.NewInt(params.MaxUnits)),
		Active:       true,
		Status:       StatusCreated,
		CreatedAt:    s.now(),
	}

	if err := s.repo.Insert(ctx, tx, b); err != nil {
		return Batch{}, err
	}
	if err := s.repo.BondStake(ctx, tx, params.Manufacturer, params.Stake); err != nil {
		return Batch{}, err
	}

	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, provenance.TopicBatchRegistered, map[string]any{
			"batch_id":     b.ID,
			"manufacturer": b.Manufacturer,
			"max_units":    b.MaxUnits,
			"stake":        b.Stake.Dec(),
		}); err != nil {
			return Batch{}, err
		}
		if err := s.outbox.Enqueue(ctx, tx, provenance.TopicBatchStatusChanged, map[string]any{
			"batch_id": b.ID,
			"status":   string(StatusCreated),
		}); err != nil {
			return Batch{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Batch{}, fmt.Errorf("batch: commit register: %w", err)
	}
	return b, nil
}

// Get returns the batch by id.
func (s *Service) Get(ctx context.Context, batchID string) (Batch, error) {
	return s.repo.Get(ctx, batchID)
}

// Status returns the derived lifecycle status of the batch.
func (s *Service) Status(ctx context.Context, batchID string) (Status, error) {
	b, err := s.repo.Get(ctx, batchID)
	if err != nil {
		return "", err
	}
	return b.Status, nil
}

// ProductCount returns the number of units minted in the batch.
func (s *Service) ProductCount(ctx context.Context, batchID string) (uint64, error) {
	return s.repo.ProductCount(ctx, batchID)
}
