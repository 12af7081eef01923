package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lakesync/syncstore/store"
)

// Staged batch state lives on a lease of lifetime + grace: an abandoned batch
// costs nothing after the lease lapses, and within the grace window a late
// caller still gets a proper ErrBatchExpired.

func (s *Storage) CreateBatch(ctx context.Context, uid uint64, collection string) (string, error) {
	if err := store.ValidateCollection(collection); err != nil {
		return "", err
	}
	batchID := uuid.New().String()
	err := s.retry.Retry(ctx, isTransient, func() error {
		return s.withSession(ctx, func(ctx context.Context) error {
			ttl := int64((s.cfg.BatchLifetime + batchLeaseGrace) / time.Second)
			if ttl < 1 {
				ttl = 1
			}
			lease, err := s.client.Grant(ctx, ttl)
			if err != nil {
				return fmt.Errorf("failed to grant batch lease: %w", err)
			}
			now := store.NowMillis()
			raw, err := json.Marshal(batchMeta{
				Created: now,
				Expiry:  now + s.cfg.BatchLifetime.Milliseconds(),
				LeaseID: lease.ID,
			})
			if err != nil {
				return fmt.Errorf("failed to encode batch meta: %w", err)
			}
			_, err = s.client.Put(ctx, s.batchMetaKey(uid, collection, batchID), string(raw), clientv3.WithLease(lease.ID))
			if err != nil {
				return fmt.Errorf("failed to create batch: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return batchID, nil
}

// loadBatchMeta rejects unknown and expired batches.
func (s *Storage) loadBatchMeta(ctx context.Context, uid uint64, collection, batchID string) (*batchMeta, error) {
	resp, err := s.client.Get(ctx, s.batchMetaKey(uid, collection, batchID))
	if err != nil {
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("batch %q: %w", batchID, store.ErrBatchNotFound)
	}
	var meta batchMeta
	if err := json.Unmarshal(resp.Kvs[0].Value, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode batch meta: %w", err)
	}
	if meta.Expiry <= store.NowMillis() {
		return nil, fmt.Errorf("batch %q: %w", batchID, store.ErrBatchExpired)
	}
	return &meta, nil
}

func (s *Storage) AppendToBatch(ctx context.Context, uid uint64, collection, batchID string, recs []store.PutRecord) error {
	for _, rec := range recs {
		if err := store.ValidateRecord(rec, s.cfg.MaxPayloadBytes); err != nil {
			return err
		}
	}
	return s.retry.Retry(ctx, isTransient, func() error {
		return s.withSession(ctx, func(ctx context.Context) error {
			meta, err := s.loadBatchMeta(ctx, uid, collection, batchID)
			if err != nil {
				return err
			}

			itemPrefix := s.batchItemPrefix(uid, collection, batchID)
			countResp, err := s.client.Get(ctx, itemPrefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
			if err != nil {
				return fmt.Errorf("failed to count staged records: %w", err)
			}
			if int(countResp.Count)+len(recs) > s.cfg.MaxBatchRecords {
				return fmt.Errorf("%w: batch of %d records exceeds limit %d",
					store.ErrInvalidRecord, int(countResp.Count)+len(recs), s.cfg.MaxBatchRecords)
			}

			// Staged puts are chunked at the transaction op ceiling;
			// staging needs no atomicity, only the commit does. Each
			// chunk re-asserts the batch still exists so appends
			// cannot outlive a racing commit.
			metaExists := clientv3.Compare(clientv3.CreateRevision(s.batchMetaKey(uid, collection, batchID)), ">", 0)
			for start := 0; start < len(recs); start += maxTxnOps {
				end := start + maxTxnOps
				if end > len(recs) {
					end = len(recs)
				}
				var ops []clientv3.Op
				for _, rec := range recs[start:end] {
					raw, err := json.Marshal(batchItem{
						SortIndex: rec.SortIndex,
						Payload:   rec.Payload,
						TTL:       rec.TTL,
					})
					if err != nil {
						return fmt.Errorf("failed to encode staged record %q: %w", rec.ID, err)
					}
					ops = append(ops, clientv3.OpPut(itemPrefix+seg(rec.ID), string(raw), clientv3.WithLease(meta.LeaseID)))
				}
				resp, err := s.client.Txn(ctx).If(metaExists).Then(ops...).Commit()
				if err != nil {
					return fmt.Errorf("failed to stage records: %w", err)
				}
				if !resp.Succeeded {
					return fmt.Errorf("batch %q: %w", batchID, store.ErrBatchNotFound)
				}
			}
			return nil
		})
	})
}

func (s *Storage) CommitBatch(ctx context.Context, uid uint64, collection, batchID string, ifUnmodified *store.Timestamp) (store.Timestamp, error) {
	var ts store.Timestamp
	err := s.retry.Retry(ctx, isTransient, func() error {
		return s.withSession(ctx, func(ctx context.Context) error {
			if _, err := s.loadBatchMeta(ctx, uid, collection, batchID); err != nil {
				return err
			}

			itemPrefix := s.batchItemPrefix(uid, collection, batchID)
			staged, err := s.client.Get(ctx, itemPrefix, clientv3.WithPrefix())
			if err != nil {
				return fmt.Errorf("failed to read staged records: %w", err)
			}

			var added int64
			items := make(map[string]batchItem, len(staged.Kvs))
			for _, kv := range staged.Kvs {
				var item batchItem
				if err := json.Unmarshal(kv.Value, &item); err != nil {
					return fmt.Errorf("failed to decode staged record at %q: %w", kv.Key, err)
				}
				id := unseg(strings.TrimPrefix(string(kv.Key), itemPrefix))
				items[id] = item
				added += int64(len(item.Payload))
			}
			// Already inside a session; records the batch overwrites are
			// not charged twice.
			if err := s.checkQuotaSession(ctx, uid, added, func(coll, id string) bool {
				if coll != collection {
					return false
				}
				_, staged := items[id]
				return staged
			}); err != nil {
				return err
			}

			// One transaction applies the whole batch: the staged
			// records land with the commit revision, the collection
			// marker is bumped, and the staging area is discarded.
			// New validated that these ops fit the txn ceiling.
			now := store.NowMillis()
			metaKey := s.batchMetaKey(uid, collection, batchID)
			ops := make([]clientv3.Op, 0, len(items)+3)
			for id, item := range items {
				raw, err := json.Marshal(recordValue{
					SortIndex: item.SortIndex,
					Payload:   item.Payload,
					Expiry:    store.ExpiryFor(item.TTL, now),
				})
				if err != nil {
					return fmt.Errorf("failed to encode record %q: %w", id, err)
				}
				ops = append(ops, clientv3.OpPut(s.recordKey(uid, collection, id), string(raw)))
			}
			ops = append(ops,
				clientv3.OpPut(s.collKey(uid, collection), ""),
				clientv3.OpDelete(itemPrefix, clientv3.WithPrefix()),
				clientv3.OpDelete(metaKey),
			)

			cmps := append(s.preconditionCmps(uid, collection, ifUnmodified),
				clientv3.Compare(clientv3.CreateRevision(metaKey), ">", 0))
			resp, err := s.client.Txn(ctx).If(cmps...).Then(ops...).Commit()
			if err != nil {
				return fmt.Errorf("failed to commit batch: %w", err)
			}
			if !resp.Succeeded {
				// Either the precondition failed or a concurrent
				// commit won; re-reading the meta tells them apart.
				if _, err := s.loadBatchMeta(ctx, uid, collection, batchID); err != nil {
					return err
				}
				return fmt.Errorf("collection was modified: %w", store.ErrConflict)
			}
			ts = store.Timestamp(resp.Header.Revision)
			return nil
		})
	})
	return ts, err
}
