package postgres

import (
	"context"
	"fmt"

	"github.com/lakesync/syncstore/store"
)

// PurgeExpired deletes expired records and abandoned batches in pages of
// PurgePageSize. Each page is its own short transaction so foreground writers
// never wait on the purge.
func (s *Storage) PurgeExpired(ctx context.Context) (store.PurgeResult, error) {
	var res store.PurgeResult

	records, err := s.purgeLoop(ctx, `
		DELETE FROM bsos WHERE ctid IN (
			SELECT ctid FROM bsos WHERE expiry <= $1 LIMIT $2
		)`)
	if err != nil {
		return res, err
	}
	res.Records = records

	batches, err := s.purgeLoop(ctx, `
		DELETE FROM batches WHERE id IN (
			SELECT id FROM batches WHERE expiry <= $1 LIMIT $2
		)`)
	if err != nil {
		return res, err
	}
	res.Batches = batches
	return res, nil
}

func (s *Storage) purgeLoop(ctx context.Context, query string) (int, error) {
	total := 0
	for {
		tag, err := s.pool.Exec(ctx, query, store.NowMillis(), s.cfg.PurgePageSize)
		if err != nil {
			return total, fmt.Errorf("failed to purge: %w", err)
		}
		total += int(tag.RowsAffected())
		if int(tag.RowsAffected()) < s.cfg.PurgePageSize {
			return total, nil
		}
	}
}
