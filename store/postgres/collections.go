package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lakesync/syncstore/store"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so collection lookups
// can run inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// collectionCache is the pool-level cache of collection ids and names. The
// collections table is append-only, so entries never go stale.
type collectionCache struct {
	mu     sync.RWMutex
	byName map[string]int32
	byID   map[int32]string
}

func newCollectionCache() *collectionCache {
	return &collectionCache{
		byName: make(map[string]int32),
		byID:   make(map[int32]string),
	}
}

func (c *collectionCache) idFor(name string) (int32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byName[name]
	return id, ok
}

func (c *collectionCache) nameFor(id int32) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.byID[id]
	return name, ok
}

func (c *collectionCache) put(id int32, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName[name] = id
	c.byID[id] = name
}

func (s *Storage) collectionID(ctx context.Context, q querier, name string) (int32, error) {
	if id, ok := s.colls.idFor(name); ok {
		return id, nil
	}
	var id int32
	err := q.QueryRow(ctx, "SELECT id FROM collections WHERE name = $1", name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("collection %q: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up collection id: %w", err)
	}
	s.colls.put(id, name)
	return id, nil
}

func (s *Storage) getOrCreateCollectionID(ctx context.Context, q querier, name string) (int32, error) {
	id, err := s.collectionID(ctx, q, name)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}
	// Concurrent creators race to the same row; DO NOTHING plus the
	// follow-up select keeps the winner's id.
	err = q.QueryRow(ctx, `
		WITH ins AS (
			INSERT INTO collections (name) VALUES ($1)
			ON CONFLICT (name) DO NOTHING
			RETURNING id
		)
		SELECT id FROM ins
		UNION ALL
		SELECT id FROM collections WHERE name = $1
		LIMIT 1`, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create collection %q: %w", name, err)
	}
	s.colls.put(id, name)
	return id, nil
}

// namesByID resolves collection ids, hitting the table only for cache misses.
func (s *Storage) namesByID(ctx context.Context, q querier, ids []int32) (map[int32]string, error) {
	names := make(map[int32]string, len(ids))
	var uncached []int32
	for _, id := range ids {
		if name, ok := s.colls.nameFor(id); ok {
			names[id] = name
		} else {
			uncached = append(uncached, id)
		}
	}
	if len(uncached) == 0 {
		return names, nil
	}

	rows, err := q.Query(ctx, "SELECT id, name FROM collections WHERE id = ANY($1)", uncached)
	if err != nil {
		return nil, fmt.Errorf("failed to load collection names: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int32
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("failed to scan collection name: %w", err)
		}
		names[id] = name
		s.colls.put(id, name)
	}
	return names, rows.Err()
}
