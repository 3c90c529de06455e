package provenance

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Writer appends provenance events inside the caller's transaction so the
// record commits or rolls back with the state change it describes.
type Writer struct {
	idGenerator func() string
}

func NewWriter() *Writer {
	return &Writer{idGenerator: func() string { return uuid.NewString() }}
}

func (w *Writer) WithIDGenerator(gen func() string) *Writer {
	w.idGenerator = gen
	return w
}

func (w *Writer) Append(ctx context.Context, tx pgx.Tx, ev Event) error {
	if ev.ProductID == "" {
		return fmt.Errorf("provenance: event missing product id")
	}
	if ev.Action == "" {
		return fmt.Errorf("provenance: event missing action")
	}

	id := ev.ID
	if id == "" {
		id = w.idGenerator()
	}
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("provenance: marshal payload: %w", err)
	}

	const q = `
INSERT INTO provenance_events (id, product_id, handler, location_hash, action, occurred_at, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
`
	if _, err := tx.Exec(ctx, q, id, ev.ProductID, ev.Handler, ev.LocationHash, ev.Action, ev.OccurredAt, body); err != nil {
		return fmt.Errorf("provenance: insert event: %w", err)
	}
	return nil
}

// Outbox enqueues integration messages transactionally with the state change
// that produced them.
type Outbox struct{}

func NewOutbox() *Outbox { return &Outbox{} }

func (o *Outbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("provenance: outbox topic required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("provenance: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("provenance: enqueue outbox: %w", err)
	}
	return nil
}
