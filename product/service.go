package product

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"custodyflow/provenance"
)

var (
	// ErrBatchNotActive signals a mint against an unknown or inactive batch.
	ErrBatchNotActive = errors.New("product: batch not active")
	// ErrUnauthorized signals the caller is not the batch's manufacturer.
	ErrUnauthorized = errors.New("product: unauthorized")
	// ErrBatchLimitReached signals the batch cap is exhausted.
	ErrBatchLimitReached = errors.New("product: batch limit reached")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines the data access required by the mint path.
type Repository interface {
	BatchForUpdate(ctx context.Context, tx pgx.Tx, batchID string) (BatchRow, error)
	Exists(ctx context.Context, tx pgx.Tx, productID string) (bool, error)
	Insert(ctx context.Context, tx pgx.Tx, p Product) error
	IncrementMinted(ctx context.Context, tx pgx.Tx, batchID string) (uint64, string, error)
	Get(ctx context.Context, productID string) (Product, error)
	Owner(ctx context.Context, productID string) (string, error)
}

// EventWriter appends provenance records in the operation's transaction.
type EventWriter interface {
	Append(ctx context.Context, tx pgx.Tx, ev provenance.Event) error
}

// OutboxWriter enqueues integration messages in the operation's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Service struct {
	pool     TxBeginner
	repo     Repository
	timeline EventWriter
	outbox   OutboxWriter
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, timeline EventWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		timeline: timeline,
		outbox:   outbox,
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// MintParams describes one product mint.
type MintParams struct {
	Caller       string
	ProductID    string
	BatchID      string
	MetadataHash string
}

// Mint creates a product inside its batch. Only the batch's manufacturer may
// mint, the batch must still be active, and the cap is enforced under the
// batch row lock.
func (s *Service) Mint(ctx context.Context, params MintParams) (Product, error) {
	if params.ProductID == "" {
		return Product{}, fmt.Errorf("product: missing product id")
	}
	if params.BatchID == "" {
		return Product{}, fmt.Errorf("product: missing batch id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Product{}, fmt.Errorf("product: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	taken, err := s.repo.Exists(ctx, tx, params.ProductID)
	if err != nil {
		return Product{}, err
	}
	if taken {
		return Product{}, ErrAlreadyExists
	}

	b, err := s.repo.BatchForUpdate(ctx, tx, params.BatchID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Product{}, ErrBatchNotActive
		}
		return Product{}, err
	}
	if !b.Active {
		return Product{}, ErrBatchNotActive
	}
	if params.Caller != b.Manufacturer {
		return Product{}, ErrUnauthorized
	}
	if b.Minted >= b.MaxUnits {
		return Product{}, ErrBatchLimitReached
	}

	p := Product{
		ID:           params.ProductID,
		BatchID:      params.BatchID,
		Owner:        b.Manufacturer,
		MetadataHash: params.MetadataHash,
		Stake:        b.UnitStake,
		CreatedAt:    s.now(),
	}
	if err := s.repo.Insert(ctx, tx, p); err != nil {
		return Product{}, err
	}

	minted, status, err := s.repo.IncrementMinted(ctx, tx, params.BatchID)
	if err != nil {
		return Product{}, err
	}

	if s.timeline != nil {
		err := s.timeline.Append(ctx, tx, provenance.Event{
			ProductID:  p.ID,
			Handler:    b.Manufacturer,
			Action:     provenance.ActionMinted,
			OccurredAt: p.CreatedAt,
			Payload: map[string]any{
				"batch_id":      p.BatchID,
				"metadata_hash": p.MetadataHash,
				"stake":         p.Stake.Dec(),
			},
		})
		if err != nil {
			return Product{}, err
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, provenance.TopicProductMinted, map[string]any{
			"product_id": p.ID,
			"batch_id":   p.BatchID,
			"owner":      p.Owner,
		}); err != nil {
			return Product{}, err
		}
		if minted == b.MaxUnits {
			if err := s.outbox.Enqueue(ctx, tx, provenance.TopicBatchStatusChanged, map[string]any{
				"batch_id": p.BatchID,
				"status":   status,
			}); err != nil {
				return Product{}, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Product{}, fmt.Errorf("product: commit mint: %w", err)
	}
	return p, nil
}

// Get returns a product by id.
func (s *Service) Get(ctx context.Context, productID string) (Product, error) {
	return s.repo.Get(ctx, productID)
}

// Owner returns the current owner of a product.
func (s *Service) Owner(ctx context.Context, productID string) (string, error) {
	return s.repo.Owner(ctx, productID)
}
