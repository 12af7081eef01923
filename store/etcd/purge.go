package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lakesync/syncstore/store"
)

// PurgeExpired removes expired records and batch leftovers. It walks the
// store in pages and deletes each candidate under a guard on its mod
// revision, so a record rewritten after the scan is never lost; no long-lived
// lock is ever held against foreground writers.
func (s *Storage) PurgeExpired(ctx context.Context) (store.PurgeResult, error) {
	var res store.PurgeResult

	records, err := s.purgeRecords(ctx)
	if err != nil {
		return res, err
	}
	res.Records = records

	batches, err := s.purgeBatches(ctx)
	if err != nil {
		return res, err
	}
	res.Batches = batches
	return res, nil
}

func (s *Storage) purgeRecords(ctx context.Context) (int, error) {
	purged := 0
	prefix := s.allRecordsPrefix()
	err := s.withSession(ctx, func(ctx context.Context) error {
		from := prefix
		rangeEnd := clientv3.GetPrefixRangeEnd(prefix)
		for {
			resp, err := s.client.Get(ctx, from,
				clientv3.WithRange(rangeEnd),
				clientv3.WithLimit(int64(s.cfg.PurgePageSize)),
				clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
			if err != nil {
				return fmt.Errorf("failed to scan records: %w", err)
			}
			now := store.NowMillis()
			for _, kv := range resp.Kvs {
				var val recordValue
				if err := json.Unmarshal(kv.Value, &val); err != nil {
					continue
				}
				if val.Expiry > now {
					continue
				}
				delResp, err := s.client.Txn(ctx).
					If(clientv3.Compare(clientv3.ModRevision(string(kv.Key)), "=", kv.ModRevision)).
					Then(clientv3.OpDelete(string(kv.Key))).
					Commit()
				if err != nil {
					return fmt.Errorf("failed to purge record: %w", err)
				}
				if delResp.Succeeded {
					purged++
				}
			}
			if !resp.More || len(resp.Kvs) == 0 {
				return nil
			}
			from = string(resp.Kvs[len(resp.Kvs)-1].Key) + "\x00"
		}
	})
	return purged, err
}

// purgeBatches clears batch metadata past its lifetime. Leases reclaim staged
// keys on their own after the grace window; this sweep only shortens the tail.
func (s *Storage) purgeBatches(ctx context.Context) (int, error) {
	purged := 0
	prefix := s.batchMetaPrefix()
	err := s.withSession(ctx, func(ctx context.Context) error {
		resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
		if err != nil {
			return fmt.Errorf("failed to scan batches: %w", err)
		}
		now := store.NowMillis()
		for _, kv := range resp.Kvs {
			var meta batchMeta
			if err := json.Unmarshal(kv.Value, &meta); err != nil {
				continue
			}
			if meta.Expiry > now {
				continue
			}
			if meta.LeaseID != clientv3.NoLease {
				// Revoking the lease drops the meta and every staged key.
				_, err := s.client.Revoke(ctx, meta.LeaseID)
				if err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
					continue
				}
				if errors.Is(err, rpctypes.ErrLeaseNotFound) {
					if _, err := s.client.Delete(ctx, string(kv.Key)); err != nil {
						continue
					}
				}
			} else {
				if _, err := s.client.Delete(ctx, string(kv.Key)); err != nil {
					continue
				}
			}
			purged++
		}
		return nil
	})
	return purged, err
}
