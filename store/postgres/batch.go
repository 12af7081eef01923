package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lakesync/syncstore/store"
)

func (s *Storage) CreateBatch(ctx context.Context, uid uint64, collection string) (string, error) {
	if err := store.ValidateCollection(collection); err != nil {
		return "", err
	}
	collID, err := s.getOrCreateCollectionID(ctx, s.pool, collection)
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	now := store.NowMillis()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO batches (id, user_id, collection_id, created, expiry)
		VALUES ($1, $2, $3, $4, $5)`,
		id, int64(uid), collID, now, now+s.cfg.BatchLifetime.Milliseconds())
	if err != nil {
		return "", fmt.Errorf("failed to create batch: %w", err)
	}
	return id, nil
}

// lockBatch loads and locks the batch row, rejecting unknown and expired
// batches. Runs inside the caller's transaction.
func (s *Storage) lockBatch(ctx context.Context, tx pgx.Tx, uid uint64, collID int32, batchID string) error {
	var expiry int64
	err := tx.QueryRow(ctx, `
		SELECT expiry FROM batches
		WHERE id = $1 AND user_id = $2 AND collection_id = $3
		FOR UPDATE`, batchID, int64(uid), collID).Scan(&expiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("batch %q: %w", batchID, store.ErrBatchNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load batch: %w", err)
	}
	if expiry <= store.NowMillis() {
		return fmt.Errorf("batch %q: %w", batchID, store.ErrBatchExpired)
	}
	return nil
}

func (s *Storage) AppendToBatch(ctx context.Context, uid uint64, collection, batchID string, recs []store.PutRecord) error {
	for _, rec := range recs {
		if err := store.ValidateRecord(rec, s.cfg.MaxPayloadBytes); err != nil {
			return err
		}
	}
	if _, err := uuid.Parse(batchID); err != nil {
		return fmt.Errorf("batch %q: %w", batchID, store.ErrBatchNotFound)
	}
	collID, err := s.collectionID(ctx, s.pool, collection)
	if err != nil {
		return err
	}

	return s.retry.Retry(ctx, isTransient, func() error {
		conn, err := s.acquire(ctx)
		if err != nil {
			return err
		}
		defer conn.Release()

		txCtx, cancel := context.WithTimeout(ctx, s.cfg.TransactionTimeout)
		defer cancel()
		tx, err := conn.BeginTx(txCtx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback(context.Background())

		if err := s.lockBatch(txCtx, tx, uid, collID, batchID); err != nil {
			return err
		}

		var staged int
		err = tx.QueryRow(txCtx,
			"SELECT COUNT(*) FROM batch_items WHERE batch_id = $1", batchID).Scan(&staged)
		if err != nil {
			return fmt.Errorf("failed to count batch items: %w", err)
		}
		if staged+len(recs) > s.cfg.MaxBatchRecords {
			return fmt.Errorf("%w: batch of %d records exceeds limit %d",
				store.ErrInvalidRecord, staged+len(recs), s.cfg.MaxBatchRecords)
		}

		for _, rec := range recs {
			_, err := tx.Exec(txCtx, `
				INSERT INTO batch_items (batch_id, id, sortindex, payload, ttl)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (batch_id, id) DO UPDATE SET
					sortindex = EXCLUDED.sortindex,
					payload = EXCLUDED.payload,
					ttl = EXCLUDED.ttl`,
				batchID, rec.ID, rec.SortIndex, rec.Payload, rec.TTL)
			if err != nil {
				return fmt.Errorf("failed to stage record %q: %w", rec.ID, err)
			}
		}
		return tx.Commit(txCtx)
	})
}

func (s *Storage) CommitBatch(ctx context.Context, uid uint64, collection, batchID string, ifUnmodified *store.Timestamp) (store.Timestamp, error) {
	if _, err := uuid.Parse(batchID); err != nil {
		return 0, fmt.Errorf("batch %q: %w", batchID, store.ErrBatchNotFound)
	}
	return s.writeTx(ctx, uid, collection, true, ifUnmodified, func(ctx context.Context, tx pgx.Tx, collID int32, ts store.Timestamp) error {
		if err := s.lockBatch(ctx, tx, uid, collID, batchID); err != nil {
			return err
		}

		if s.cfg.QuotaBytes > 0 {
			var added int64
			err := tx.QueryRow(ctx, `
				SELECT COALESCE(SUM(LENGTH(payload)), 0) FROM batch_items
				WHERE batch_id = $1`, batchID).Scan(&added)
			if err != nil {
				return fmt.Errorf("failed to size batch: %w", err)
			}
			// Net of the live records the batch overwrites.
			var used int64
			err = tx.QueryRow(ctx, `
				SELECT COALESCE(SUM(LENGTH(payload)), 0) FROM bsos
				WHERE user_id = $1 AND expiry > $2
				  AND NOT (collection_id = $3 AND id IN (
					SELECT id FROM batch_items WHERE batch_id = $4
				  ))`,
				int64(uid), store.NowMillis(), collID, batchID).Scan(&used)
			if err != nil {
				return fmt.Errorf("failed to compute usage: %w", err)
			}
			if used+added > s.cfg.QuotaBytes {
				return fmt.Errorf("%d + %d bytes over %d: %w", used, added, s.cfg.QuotaBytes, store.ErrQuotaExceeded)
			}
		}

		// The staged items land with the commit timestamp; their TTL is
		// resolved at commit time.
		_, err := tx.Exec(ctx, `
			INSERT INTO bsos (user_id, collection_id, id, sortindex, payload, modified, expiry)
			SELECT $1, $2, id, sortindex, payload, $3, $4 + COALESCE(ttl, $5) * 1000
			FROM batch_items WHERE batch_id = $6
			ON CONFLICT (user_id, collection_id, id) DO UPDATE SET
				sortindex = EXCLUDED.sortindex,
				payload = EXCLUDED.payload,
				modified = EXCLUDED.modified,
				expiry = EXCLUDED.expiry`,
			int64(uid), collID, int64(ts), store.NowMillis(), int64(store.DefaultTTL), batchID)
		if err != nil {
			return fmt.Errorf("failed to apply batch: %w", err)
		}

		if _, err := tx.Exec(ctx, "DELETE FROM batches WHERE id = $1", batchID); err != nil {
			return fmt.Errorf("failed to discard batch: %w", err)
		}
		return nil
	})
}
