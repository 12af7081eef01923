// Package postgres implements the storage contract on a pooled postgres
// connection set. The per-(user, collection) row in user_collections is the
// serialization point: every write locks it FOR UPDATE before computing the
// new collection timestamp, so writes to one collection are linearized while
// distinct collections proceed concurrently.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/lakesync/syncstore/config"
	"github.com/lakesync/syncstore/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type Storage struct {
	cfg   *config.Config
	pool  *pgxpool.Pool
	colls *collectionCache
	retry store.RetryPolicy
}

var _ store.Storage = (*Storage)(nil)

func New(ctx context.Context, cfg *config.Config) (*Storage, error) {
	if err := runMigrations(cfg.DatabaseURL); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	poolConfig.MinConns = cfg.PoolMinConns
	poolConfig.MaxConns = cfg.PoolMaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	// Fail fast when the backend is unreachable.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	return &Storage{
		cfg:   cfg,
		pool:  pool,
		colls: newCollectionCache(),
		retry: store.RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBaseDelay,
			MaxDelay:   cfg.RetryMaxDelay,
		},
	}, nil
}

func runMigrations(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open postgres database %w", err)
	}
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver %w", err)
	}
	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", migrationDriver, "syncstore", driver)
	if err != nil {
		return fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations %w", err)
	}
	return nil
}

// isTransient classifies failures that are safe to retry because nothing was
// committed: lock contention, deadlocks and serialization aborts.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.SerializationFailure,
		pgerrcode.DeadlockDetected,
		pgerrcode.LockNotAvailable,
		pgerrcode.TooManyConnections:
		return true
	}
	return false
}

// acquire checks a connection out of the pool within the checkout timeout.
func (s *Storage) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	checkoutCtx, cancel := context.WithTimeout(ctx, s.cfg.CheckoutTimeout)
	defer cancel()
	conn, err := s.pool.Acquire(checkoutCtx)
	if err != nil {
		if checkoutCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: no connection within %v", store.ErrPoolExhausted, s.cfg.CheckoutTimeout)
		}
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return conn, nil
}

// writeTx runs fn inside a transaction that holds the exclusive lock on the
// (uid, collection) timestamp row. It verifies the if-unmodified-since
// precondition under the lock, hands fn the new collection timestamp, and
// bumps the timestamp row before committing. Transient failures retry the
// whole transaction.
func (s *Storage) writeTx(
	ctx context.Context,
	uid uint64,
	collection string,
	createCollection bool,
	ifUnmodified *store.Timestamp,
	fn func(ctx context.Context, tx pgx.Tx, collID int32, newTS store.Timestamp) error,
) (store.Timestamp, error) {
	// Collection ids are resolved outside the transaction: the collections
	// table is append-only and shared across users, so a row created for a
	// write that later rolls back is harmless, while caching an id from an
	// uncommitted insert would not be.
	var collID int32
	var err error
	if createCollection {
		collID, err = s.getOrCreateCollectionID(ctx, s.pool, collection)
	} else {
		collID, err = s.collectionID(ctx, s.pool, collection)
	}
	if err != nil {
		return 0, err
	}

	var newTS store.Timestamp
	err = s.retry.Retry(ctx, isTransient, func() error {
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

		// The serialization point.
		var prevMillis int64
		err = tx.QueryRow(txCtx, `
			SELECT modified FROM user_collections
			WHERE user_id = $1 AND collection_id = $2
			FOR UPDATE`, int64(uid), collID).Scan(&prevMillis)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to lock collection row: %w", err)
		}
		prev := store.Timestamp(prevMillis)
		if ifUnmodified != nil && prev != *ifUnmodified {
			return fmt.Errorf("expected %d, collection at %d: %w", *ifUnmodified, prev, store.ErrConflict)
		}

		ts := store.Timestamp(store.NowMillis())
		if ts <= prev {
			ts = prev + 1
		}

		if err := fn(txCtx, tx, collID, ts); err != nil {
			return err
		}

		_, err = tx.Exec(txCtx, `
			INSERT INTO user_collections (user_id, collection_id, modified)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, collection_id) DO UPDATE SET modified = EXCLUDED.modified`,
			int64(uid), collID, int64(ts))
		if err != nil {
			return fmt.Errorf("failed to touch collection: %w", err)
		}
		if err := tx.Commit(txCtx); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		newTS = ts
		return nil
	})
	return newTS, err
}

func (s *Storage) GetCollectionTimestamps(ctx context.Context, uid uint64) (map[string]store.Timestamp, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT collection_id, modified FROM user_collections WHERE user_id = $1`, int64(uid))
	if err != nil {
		return nil, fmt.Errorf("failed to query collection timestamps: %w", err)
	}
	defer rows.Close()

	modified := make(map[int32]store.Timestamp)
	for rows.Next() {
		var id int32
		var ts int64
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan collection timestamp: %w", err)
		}
		modified[id] = store.Timestamp(ts)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ids := make([]int32, 0, len(modified))
	for id := range modified {
		ids = append(ids, id)
	}
	names, err := s.namesByID(ctx, s.pool, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]store.Timestamp, len(modified))
	for id, ts := range modified {
		out[names[id]] = ts
	}
	return out, nil
}

func (s *Storage) GetCollectionTimestamp(ctx context.Context, uid uint64, collection string) (store.Timestamp, error) {
	collID, err := s.collectionID(ctx, s.pool, collection)
	if err != nil {
		return 0, err
	}
	var ts int64
	err = s.pool.QueryRow(ctx, `
		SELECT modified FROM user_collections
		WHERE user_id = $1 AND collection_id = $2`, int64(uid), collID).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("collection %q: %w", collection, store.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query collection timestamp: %w", err)
	}
	return store.Timestamp(ts), nil
}

func (s *Storage) GetRecords(ctx context.Context, uid uint64, collection string, filter store.RecordFilter) (*store.RecordPage, error) {
	collID, err := s.collectionID(ctx, s.pool, collection)
	if err != nil {
		return nil, err
	}
	// The name table is global; only a user_collections row makes the
	// collection exist for this user.
	var exists bool
	err = s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_collections WHERE user_id = $1 AND collection_id = $2
		)`, int64(uid), collID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check collection: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("collection %q: %w", collection, store.ErrNotFound)
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT id, modified, sortindex, payload, expiry FROM bsos
		WHERE user_id = $1 AND collection_id = $2 AND expiry > $3`)
	args := []any{int64(uid), collID, store.NowMillis()}

	if len(filter.IDs) > 0 {
		args = append(args, filter.IDs)
		fmt.Fprintf(&sb, " AND id = ANY($%d)", len(args))
	}
	if filter.Newer != nil {
		args = append(args, int64(*filter.Newer))
		fmt.Fprintf(&sb, " AND modified > $%d", len(args))
	}
	if filter.Older != nil {
		args = append(args, int64(*filter.Older))
		fmt.Fprintf(&sb, " AND modified < $%d", len(args))
	}

	switch filter.Sort {
	case store.SortIndex:
		sb.WriteString(" ORDER BY sortindex DESC NULLS LAST, id")
	case store.SortNewest:
		sb.WriteString(" ORDER BY modified DESC, id")
	default:
		sb.WriteString(" ORDER BY modified ASC, id")
	}

	// One extra row detects whether more pages follow.
	if filter.Limit > 0 {
		args = append(args, filter.Limit+1)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var recs []store.Record
	for rows.Next() {
		var rec store.Record
		var modified, expiry int64
		if err := rows.Scan(&rec.ID, &modified, &rec.SortIndex, &rec.Payload, &expiry); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Modified = store.Timestamp(modified)
		rec.Expiry = expiry
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &store.RecordPage{Records: recs}
	if filter.Limit > 0 && len(recs) > filter.Limit {
		page.Records = recs[:filter.Limit]
		page.More = true
		page.NextOffset = filter.Offset + filter.Limit
	}
	return page, nil
}

func (s *Storage) GetRecord(ctx context.Context, uid uint64, collection, id string) (*store.Record, error) {
	collID, err := s.collectionID(ctx, s.pool, collection)
	if err != nil {
		return nil, err
	}
	var rec store.Record
	var modified, expiry int64
	err = s.pool.QueryRow(ctx, `
		SELECT id, modified, sortindex, payload, expiry FROM bsos
		WHERE user_id = $1 AND collection_id = $2 AND id = $3 AND expiry > $4`,
		int64(uid), collID, id, store.NowMillis()).
		Scan(&rec.ID, &modified, &rec.SortIndex, &rec.Payload, &expiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("record %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}
	rec.Modified = store.Timestamp(modified)
	rec.Expiry = expiry
	return &rec, nil
}

// checkQuotaTx verifies a pending write fits the quota, net of the live bytes
// it replaces. Runs under the collection row lock.
func (s *Storage) checkQuotaTx(ctx context.Context, tx pgx.Tx, uid uint64, additional int64, skipCollID int32, skipID string) error {
	if s.cfg.QuotaBytes <= 0 {
		return nil
	}
	var used int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(LENGTH(payload)), 0) FROM bsos
		WHERE user_id = $1 AND expiry > $2
		  AND NOT (collection_id = $3 AND id = $4)`,
		int64(uid), store.NowMillis(), skipCollID, skipID).Scan(&used)
	if err != nil {
		return fmt.Errorf("failed to compute usage: %w", err)
	}
	if used+additional > s.cfg.QuotaBytes {
		return fmt.Errorf("%d + %d bytes over %d: %w", used, additional, s.cfg.QuotaBytes, store.ErrQuotaExceeded)
	}
	return nil
}

func (s *Storage) PutRecord(ctx context.Context, uid uint64, collection string, rec store.PutRecord, ifUnmodified *store.Timestamp) (store.Timestamp, error) {
	if err := store.ValidateCollection(collection); err != nil {
		return 0, err
	}
	if err := store.ValidateRecord(rec, s.cfg.MaxPayloadBytes); err != nil {
		return 0, err
	}
	return s.writeTx(ctx, uid, collection, true, ifUnmodified, func(ctx context.Context, tx pgx.Tx, collID int32, ts store.Timestamp) error {
		if err := s.checkQuotaTx(ctx, tx, uid, int64(len(rec.Payload)), collID, rec.ID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO bsos (user_id, collection_id, id, sortindex, payload, modified, expiry)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id, collection_id, id) DO UPDATE SET
				sortindex = EXCLUDED.sortindex,
				payload = EXCLUDED.payload,
				modified = EXCLUDED.modified,
				expiry = EXCLUDED.expiry`,
			int64(uid), collID, rec.ID, rec.SortIndex, rec.Payload,
			int64(ts), store.ExpiryFor(rec.TTL, store.NowMillis()))
		if err != nil {
			return fmt.Errorf("failed to upsert record: %w", err)
		}
		return nil
	})
}

func (s *Storage) DeleteRecord(ctx context.Context, uid uint64, collection, id string, ifUnmodified *store.Timestamp) (store.Timestamp, error) {
	return s.writeTx(ctx, uid, collection, false, ifUnmodified, func(ctx context.Context, tx pgx.Tx, collID int32, ts store.Timestamp) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM bsos
			WHERE user_id = $1 AND collection_id = $2 AND id = $3 AND expiry > $4`,
			int64(uid), collID, id, store.NowMillis())
		if err != nil {
			return fmt.Errorf("failed to delete record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("record %q: %w", id, store.ErrNotFound)
		}
		return nil
	})
}

func (s *Storage) DeleteCollection(ctx context.Context, uid uint64, collection string) error {
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

		tag, err := tx.Exec(txCtx, `
			DELETE FROM bsos WHERE user_id = $1 AND collection_id = $2`, int64(uid), collID)
		if err != nil {
			return fmt.Errorf("failed to delete records: %w", err)
		}
		deleted := tag.RowsAffected()
		tag, err = tx.Exec(txCtx, `
			DELETE FROM user_collections WHERE user_id = $1 AND collection_id = $2`, int64(uid), collID)
		if err != nil {
			return fmt.Errorf("failed to delete collection: %w", err)
		}
		if deleted+tag.RowsAffected() == 0 {
			return fmt.Errorf("collection %q: %w", collection, store.ErrNotFound)
		}
		return tx.Commit(txCtx)
	})
}

func (s *Storage) DeleteStorage(ctx context.Context, uid uint64) error {
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

		for _, q := range []string{
			"DELETE FROM bsos WHERE user_id = $1",
			"DELETE FROM user_collections WHERE user_id = $1",
			"DELETE FROM batches WHERE user_id = $1",
		} {
			if _, err := tx.Exec(txCtx, q, int64(uid)); err != nil {
				return fmt.Errorf("failed to wipe storage: %w", err)
			}
		}
		return tx.Commit(txCtx)
	})
}

func (s *Storage) CheckQuota(ctx context.Context, uid uint64, additionalBytes int64) error {
	if s.cfg.QuotaBytes <= 0 {
		return nil
	}
	used, err := s.StorageUsage(ctx, uid)
	if err != nil {
		return err
	}
	if used+additionalBytes > s.cfg.QuotaBytes {
		return fmt.Errorf("%d + %d bytes over %d: %w", used, additionalBytes, s.cfg.QuotaBytes, store.ErrQuotaExceeded)
	}
	return nil
}

func (s *Storage) StorageUsage(ctx context.Context, uid uint64) (int64, error) {
	var used int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(LENGTH(payload)), 0) FROM bsos
		WHERE user_id = $1 AND expiry > $2`, int64(uid), store.NowMillis()).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to compute usage: %w", err)
	}
	return used, nil
}

func (s *Storage) CollectionUsage(ctx context.Context, uid uint64) (map[string]int64, error) {
	return s.aggregate(ctx, uid, "SUM(LENGTH(payload))")
}

func (s *Storage) CollectionCounts(ctx context.Context, uid uint64) (map[string]int64, error) {
	return s.aggregate(ctx, uid, "COUNT(*)")
}

func (s *Storage) aggregate(ctx context.Context, uid uint64, expr string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT collection_id, %s FROM bsos
		WHERE user_id = $1 AND expiry > $2
		GROUP BY collection_id`, expr), int64(uid), store.NowMillis())
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate collections: %w", err)
	}
	defer rows.Close()

	byID := make(map[int32]int64)
	for rows.Next() {
		var id int32
		var v int64
		if err := rows.Scan(&id, &v); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		byID[id] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ids := make([]int32, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	names, err := s.namesByID(ctx, s.pool, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(byID))
	for id, v := range byID {
		out[names[id]] = v
	}
	return out, nil
}

func (s *Storage) Close() error {
	s.pool.Close()
	return nil
}
