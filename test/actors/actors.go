package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Minter races to mint units into the same batch. The batch row lock
// serializes the mints; the cap check must hold under contention.
func Minter(ctx context.Context, pool *pgxpool.Pool, batchID, manufacturer string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var minted, maxUnits int64
		var unitStake string
		err = tx.QueryRow(ctx, `SELECT minted, max_units, unit_stake::text FROM batches WHERE id=$1 FOR UPDATE`, batchID).
			Scan(&minted, &maxUnits, &unitStake)
		if err == nil && minted < maxUnits {
			productID := fmt.Sprintf("%s-unit-%s", batchID, uuid.NewString())
			_, err = tx.Exec(ctx, `INSERT INTO products (id, batch_id, owner, metadata_hash, stake)
                                   VALUES ($1,$2,$3,'',$4::numeric)`, productID, batchID, manufacturer, unitStake)
			if err == nil {
				_, err = tx.Exec(ctx, `
					UPDATE batches SET minted = minted + 1,
					       status = CASE WHEN minted + 1 >= max_units THEN 'FULLY_MINTED' ELSE status END
					WHERE id=$1`, batchID)
			}
			if err == nil {
				_, err = tx.Exec(ctx, `INSERT INTO provenance_events (id, product_id, handler, action, occurred_at)
                                       VALUES ($1,$2,$3,'MINTED',NOW())`, uuid.NewString(), productID, manufacturer)
			}
		}
		if err == nil {
			err = tx.Commit(ctx)
		}
		_ = tx.Rollback(ctx)
		if err != nil && !isRetryable(err) {
			return fmt.Errorf("minter: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Initiator opens pending handoffs for random products owned by from.
func Initiator(ctx context.Context, pool *pgxpool.Pool, from, to string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var productID string
		err = tx.QueryRow(ctx, `
			SELECT p.id FROM products p
			WHERE p.owner=$1
			  AND NOT EXISTS (SELECT 1 FROM pending_transfers t WHERE t.product_id=p.id)
			  AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.product_id=p.id AND d.active)
			ORDER BY random() LIMIT 1 FOR UPDATE OF p SKIP LOCKED`, from).Scan(&productID)
		if err == nil {
			_, err = tx.Exec(ctx, `INSERT INTO pending_transfers (product_id, recipient, location_hash, initiated_at)
                                   VALUES ($1,$2,'loc',NOW()) ON CONFLICT DO NOTHING`, productID, to)
			if err == nil {
				_, err = tx.Exec(ctx, `INSERT INTO provenance_events (id, product_id, handler, action, occurred_at)
                                       VALUES ($1,$2,$3,'TRANSFER_INITIATED',NOW())`, uuid.NewString(), productID, from)
			}
		}
		if err == nil {
			err = tx.Commit(ctx)
		}
		_ = tx.Rollback(ctx)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) && !isRetryable(err) {
			return fmt.Errorf("initiator: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Accepter completes pending handoffs addressed to the receiver, moving
// ownership only together with deleting the pending row.
func Accepter(ctx context.Context, pool *pgxpool.Pool, receiver string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var productID string
		err = tx.QueryRow(ctx, `
			SELECT t.product_id FROM pending_transfers t
			JOIN products p ON p.id = t.product_id
			WHERE t.recipient=$1
			  AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.product_id=t.product_id AND d.active)
			LIMIT 1 FOR UPDATE OF p SKIP LOCKED`, receiver).Scan(&productID)
		if err == nil {
			_, err = tx.Exec(ctx, `UPDATE products SET owner=$2 WHERE id=$1`, productID, receiver)
			if err == nil {
				_, err = tx.Exec(ctx, `DELETE FROM pending_transfers WHERE product_id=$1`, productID)
			}
			if err == nil {
				_, err = tx.Exec(ctx, `INSERT INTO provenance_events (id, product_id, handler, action, occurred_at)
                                       VALUES ($1,$2,$3,'TRANSFER_ACCEPTED',NOW())`, uuid.NewString(), productID, receiver)
			}
		}
		if err == nil {
			err = tx.Commit(ctx)
		}
		_ = tx.Rollback(ctx)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) && !isRetryable(err) {
			return fmt.Errorf("accepter: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Disputer raises disputes on random products and occasionally slashes one,
// paying half the captured stake out and leaving the rest locked.
func Disputer(ctx context.Context, pool *pgxpool.Pool, disputer string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var productID, stake string
		err = tx.QueryRow(ctx, `
			SELECT p.id, p.stake::text FROM products p
			WHERE NOT EXISTS (SELECT 1 FROM disputes d WHERE d.product_id=p.id)
			ORDER BY random() LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&productID, &stake)
		if err == nil {
			_, err = tx.Exec(ctx, `
				INSERT INTO disputes (product_id, disputer, reason_hash, raised_at, refund_window_end, disputable_stake)
				VALUES ($1,$2,'reason',NOW(),NOW() + interval '14 days',$3::numeric)
				ON CONFLICT DO NOTHING`, productID, disputer, stake)
		}
		if err == nil {
			err = tx.Commit(ctx)
		}
		_ = tx.Rollback(ctx)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) && !isRetryable(err) {
			return fmt.Errorf("disputer raise: %w", err)
		}

		if rand.Intn(3) == 0 {
			if err := resolveOne(ctx, pool, disputer); err != nil {
				return fmt.Errorf("disputer resolve: %w", err)
			}
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

func resolveOne(ctx context.Context, pool *pgxpool.Pool, winner string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var productID string
	err = tx.QueryRow(ctx, `
		SELECT d.product_id FROM disputes d
		JOIN products p ON p.id = d.product_id
		WHERE d.active LIMIT 1 FOR UPDATE OF p SKIP LOCKED`).Scan(&productID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		if isRetryable(err) {
			return nil
		}
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE disputes SET active=FALSE, resolved=TRUE, resolved_at=NOW(), outcome='SLASHED'
		WHERE product_id=$1`, productID)
	if err == nil {
		_, err = tx.Exec(ctx, `DELETE FROM pending_transfers WHERE product_id=$1`, productID)
	}
	if err == nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO balances (address, amount)
			SELECT $2, floor(disputable_stake / 2) FROM disputes WHERE product_id=$1
			ON CONFLICT (address) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`, productID, winner)
	}
	if err == nil {
		_, err = tx.Exec(ctx, `
			UPDATE products SET stake = (SELECT disputable_stake - floor(disputable_stake / 2) FROM disputes WHERE product_id=products.id)
			WHERE id=$1`, productID)
	}
	if err == nil {
		err = tx.Commit(ctx)
	}
	if err != nil && !isRetryable(err) {
		return err
	}
	return nil
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED, randomly
// failing some attempts.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed' WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// Depositor tops up random participant balances.
func Depositor(ctx context.Context, pool *pgxpool.Pool, addresses []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		addr := addresses[rand.Intn(len(addresses))]
		_, err := pool.Exec(ctx, `
			INSERT INTO balances (address, amount) VALUES ($1, $2::numeric)
			ON CONFLICT (address) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
			addr, fmt.Sprintf("%d", 1+rand.Intn(1000)))
		if err != nil && !isRetryable(err) {
			return fmt.Errorf("depositor: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// isRetryable reports errors expected under contention and chaos: unique
// violations, serialization failures, and admin-terminated connections.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01", "57P01":
			return true
		}
	}
	return pgconn.SafeToRetry(err)
}
