// Package etcd implements the storage contract on a strongly consistent etcd
// cluster. There is no locking step: a write is one transaction whose compare
// clause carries the if-unmodified-since check, and the store's commit
// revision becomes the new collection timestamp. Every committed write bumps
// the (user, collection) marker key, so the marker's mod revision is the
// collection timestamp and strict timestamp growth falls out of revision
// ordering. Conflicting transactions fail their compares and surface as
// ErrConflict; transient RPC failures are retried with backoff.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lakesync/syncstore/config"
	"github.com/lakesync/syncstore/store"
)

// maxTxnOps mirrors etcd's default --max-txn-ops. A batch commit needs
// MaxBatchRecords + 3 ops, which New validates against this ceiling.
const maxTxnOps = 128

// batchLeaseGrace keeps staged keys alive past the batch lifetime so a late
// append or commit can still be answered with ErrBatchExpired instead of the
// keys having silently vanished.
const batchLeaseGrace = 60 * time.Second

type Storage struct {
	cfg      *config.Config
	client   *clientv3.Client
	ns       string
	sessions *semaphore.Weighted
	retry    store.RetryPolicy
}

var _ store.Storage = (*Storage)(nil)

func New(ctx context.Context, cfg *config.Config) (*Storage, error) {
	if cfg.MaxBatchRecords+3 > maxTxnOps {
		return nil, fmt.Errorf("max batch records %d does not fit a %d op transaction", cfg.MaxBatchRecords, maxTxnOps)
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.EtcdEndpoints,
		DialTimeout: cfg.CheckoutTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	// Fail fast when the cluster is unreachable.
	statusCtx, cancel := context.WithTimeout(ctx, cfg.CheckoutTimeout)
	defer cancel()
	if _, err := client.Status(statusCtx, cfg.EtcdEndpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach etcd: %w", err)
	}

	return &Storage{
		cfg:      cfg,
		client:   client,
		ns:       strings.TrimSuffix(cfg.EtcdNamespace, "/"),
		sessions: semaphore.NewWeighted(int64(cfg.PoolMaxConns)),
		retry: store.RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBaseDelay,
			MaxDelay:   cfg.RetryMaxDelay,
		},
	}, nil
}

func isTransient(err error) bool {
	switch {
	case errors.Is(err, rpctypes.ErrTooManyRequests),
		errors.Is(err, rpctypes.ErrTimeout),
		errors.Is(err, rpctypes.ErrTimeoutDueToLeaderFail),
		errors.Is(err, rpctypes.ErrTimeoutDueToConnectionLost),
		errors.Is(err, rpctypes.ErrNoLeader),
		errors.Is(err, rpctypes.ErrLeaderChanged):
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.Aborted, codes.ResourceExhausted:
		return true
	}
	return false
}

// withSession bounds concurrent store round-trips the way a session pool
// would: checkout waits at most CheckoutTimeout, and the operation itself
// runs under the transaction deadline.
func (s *Storage) withSession(ctx context.Context, fn func(ctx context.Context) error) error {
	acquireCtx, cancel := context.WithTimeout(ctx, s.cfg.CheckoutTimeout)
	err := s.sessions.Acquire(acquireCtx, 1)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("%w: no session within %v", store.ErrPoolExhausted, s.cfg.CheckoutTimeout)
		}
		return err
	}
	defer s.sessions.Release(1)

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.TransactionTimeout)
	defer cancel()
	return fn(opCtx)
}

// preconditionCmps translates an if-unmodified-since timestamp into txn
// compares on the collection marker. A precondition of 0 demands the marker
// not exist yet.
func (s *Storage) preconditionCmps(uid uint64, collection string, ifUnmodified *store.Timestamp) []clientv3.Cmp {
	if ifUnmodified == nil {
		return nil
	}
	key := s.collKey(uid, collection)
	if *ifUnmodified == 0 {
		return []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(key), "=", 0)}
	}
	return []clientv3.Cmp{clientv3.Compare(clientv3.ModRevision(key), "=", int64(*ifUnmodified))}
}

func (s *Storage) GetCollectionTimestamps(ctx context.Context, uid uint64) (map[string]store.Timestamp, error) {
	out := make(map[string]store.Timestamp)
	err := s.withSession(ctx, func(ctx context.Context) error {
		prefix := s.collPrefix(uid)
		resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
		if err != nil {
			return fmt.Errorf("failed to list collections: %w", err)
		}
		for _, kv := range resp.Kvs {
			name := unseg(strings.TrimPrefix(string(kv.Key), prefix))
			out[name] = store.Timestamp(kv.ModRevision)
		}
		return nil
	})
	return out, err
}

func (s *Storage) GetCollectionTimestamp(ctx context.Context, uid uint64, collection string) (store.Timestamp, error) {
	var ts store.Timestamp
	err := s.withSession(ctx, func(ctx context.Context) error {
		resp, err := s.client.Get(ctx, s.collKey(uid, collection))
		if err != nil {
			return fmt.Errorf("failed to read collection: %w", err)
		}
		if len(resp.Kvs) == 0 {
			return fmt.Errorf("collection %q: %w", collection, store.ErrNotFound)
		}
		ts = store.Timestamp(resp.Kvs[0].ModRevision)
		return nil
	})
	return ts, err
}

func (s *Storage) GetRecords(ctx context.Context, uid uint64, collection string, filter store.RecordFilter) (*store.RecordPage, error) {
	var page *store.RecordPage
	err := s.withSession(ctx, func(ctx context.Context) error {
		collResp, err := s.client.Get(ctx, s.collKey(uid, collection))
		if err != nil {
			return fmt.Errorf("failed to read collection: %w", err)
		}
		if len(collResp.Kvs) == 0 {
			return fmt.Errorf("collection %q: %w", collection, store.ErrNotFound)
		}

		// The modified range is pushed down on mod revisions; everything
		// else is applied to the decoded set.
		opts := []clientv3.OpOption{clientv3.WithPrefix()}
		if filter.Newer != nil {
			opts = append(opts, clientv3.WithMinModRev(int64(*filter.Newer)+1))
		}
		if filter.Older != nil {
			opts = append(opts, clientv3.WithMaxModRev(int64(*filter.Older)-1))
		}
		prefix := s.recordPrefix(uid, collection)
		resp, err := s.client.Get(ctx, prefix, opts...)
		if err != nil {
			return fmt.Errorf("failed to query records: %w", err)
		}

		recs := make([]store.Record, 0, len(resp.Kvs))
		for _, kv := range resp.Kvs {
			rec, err := decodeRecord(string(kv.Key), prefix, kv.Value, kv.ModRevision)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		page = store.ApplyFilter(recs, filter, store.NowMillis())
		return nil
	})
	return page, err
}

func (s *Storage) GetRecord(ctx context.Context, uid uint64, collection, id string) (*store.Record, error) {
	var rec *store.Record
	err := s.withSession(ctx, func(ctx context.Context) error {
		key := s.recordKey(uid, collection, id)
		resp, err := s.client.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read record: %w", err)
		}
		if len(resp.Kvs) == 0 {
			return fmt.Errorf("record %q: %w", id, store.ErrNotFound)
		}
		kv := resp.Kvs[0]
		decoded, err := decodeRecord(string(kv.Key), s.recordPrefix(uid, collection), kv.Value, kv.ModRevision)
		if err != nil {
			return err
		}
		if decoded.Expiry <= store.NowMillis() {
			return fmt.Errorf("record %q: %w", id, store.ErrNotFound)
		}
		rec = &decoded
		return nil
	})
	return rec, err
}

func (s *Storage) PutRecord(ctx context.Context, uid uint64, collection string, rec store.PutRecord, ifUnmodified *store.Timestamp) (store.Timestamp, error) {
	if err := store.ValidateCollection(collection); err != nil {
		return 0, err
	}
	if err := store.ValidateRecord(rec, s.cfg.MaxPayloadBytes); err != nil {
		return 0, err
	}
	if err := s.checkQuotaFor(ctx, uid, int64(len(rec.Payload)), func(coll, id string) bool {
		return coll == collection && id == rec.ID
	}); err != nil {
		return 0, err
	}

	var ts store.Timestamp
	err := s.retry.Retry(ctx, isTransient, func() error {
		return s.withSession(ctx, func(ctx context.Context) error {
			val, err := encodeRecord(rec, store.NowMillis())
			if err != nil {
				return err
			}
			resp, err := s.client.Txn(ctx).
				If(s.preconditionCmps(uid, collection, ifUnmodified)...).
				Then(
					clientv3.OpPut(s.recordKey(uid, collection, rec.ID), val),
					clientv3.OpPut(s.collKey(uid, collection), ""),
				).
				Commit()
			if err != nil {
				return fmt.Errorf("failed to commit write: %w", err)
			}
			if !resp.Succeeded {
				return fmt.Errorf("collection was modified concurrently: %w", store.ErrConflict)
			}
			ts = store.Timestamp(resp.Header.Revision)
			return nil
		})
	})
	return ts, err
}

func (s *Storage) DeleteRecord(ctx context.Context, uid uint64, collection, id string, ifUnmodified *store.Timestamp) (store.Timestamp, error) {
	// The precondition outranks record existence, then the existence and
	// expiry check reads the current record; the delete transaction
	// re-asserts both.
	if ifUnmodified != nil {
		current, err := s.GetCollectionTimestamp(ctx, uid, collection)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return 0, err
		}
		if current != *ifUnmodified {
			return 0, fmt.Errorf("expected %d, collection at %d: %w", *ifUnmodified, current, store.ErrConflict)
		}
	}
	if _, err := s.GetRecord(ctx, uid, collection, id); err != nil {
		return 0, err
	}

	var ts store.Timestamp
	err := s.retry.Retry(ctx, isTransient, func() error {
		return s.withSession(ctx, func(ctx context.Context) error {
			cmps := append(s.preconditionCmps(uid, collection, ifUnmodified),
				clientv3.Compare(clientv3.CreateRevision(s.recordKey(uid, collection, id)), ">", 0))
			resp, err := s.client.Txn(ctx).
				If(cmps...).
				Then(
					clientv3.OpDelete(s.recordKey(uid, collection, id)),
					clientv3.OpPut(s.collKey(uid, collection), ""),
				).
				Commit()
			if err != nil {
				return fmt.Errorf("failed to commit delete: %w", err)
			}
			if !resp.Succeeded {
				if ifUnmodified != nil {
					return fmt.Errorf("expected %d: %w", *ifUnmodified, store.ErrConflict)
				}
				return fmt.Errorf("record %q: %w", id, store.ErrNotFound)
			}
			ts = store.Timestamp(resp.Header.Revision)
			return nil
		})
	})
	return ts, err
}

func (s *Storage) DeleteCollection(ctx context.Context, uid uint64, collection string) error {
	return s.retry.Retry(ctx, isTransient, func() error {
		return s.withSession(ctx, func(ctx context.Context) error {
			resp, err := s.client.Txn(ctx).
				If(clientv3.Compare(clientv3.CreateRevision(s.collKey(uid, collection)), ">", 0)).
				Then(
					clientv3.OpDelete(s.recordPrefix(uid, collection), clientv3.WithPrefix()),
					clientv3.OpDelete(s.collKey(uid, collection)),
				).
				Commit()
			if err != nil {
				return fmt.Errorf("failed to delete collection: %w", err)
			}
			if !resp.Succeeded {
				return fmt.Errorf("collection %q: %w", collection, store.ErrNotFound)
			}
			return nil
		})
	})
}

func (s *Storage) DeleteStorage(ctx context.Context, uid uint64) error {
	return s.retry.Retry(ctx, isTransient, func() error {
		return s.withSession(ctx, func(ctx context.Context) error {
			var ops []clientv3.Op
			for _, prefix := range s.userPrefixes(uid) {
				ops = append(ops, clientv3.OpDelete(prefix, clientv3.WithPrefix()))
			}
			if _, err := s.client.Txn(ctx).Then(ops...).Commit(); err != nil {
				return fmt.Errorf("failed to wipe storage: %w", err)
			}
			return nil
		})
	})
}

// scanRecords walks a user's live records in pages, calling visit for each.
// It holds one session for the whole walk.
func (s *Storage) scanRecords(ctx context.Context, uid uint64, visit func(collection string, rec store.Record)) error {
	return s.withSession(ctx, func(ctx context.Context) error {
		return s.scanRecordsSession(ctx, uid, visit)
	})
}

// scanRecordsSession is scanRecords for callers already inside a session.
func (s *Storage) scanRecordsSession(ctx context.Context, uid uint64, visit func(collection string, rec store.Record)) error {
	prefix := s.userRecordPrefix(uid)
	from := prefix
	rangeEnd := clientv3.GetPrefixRangeEnd(prefix)
	now := store.NowMillis()
	for {
		resp, err := s.client.Get(ctx, from,
			clientv3.WithRange(rangeEnd),
			clientv3.WithLimit(int64(s.cfg.PurgePageSize)),
			clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
		if err != nil {
			return fmt.Errorf("failed to scan records: %w", err)
		}
		for _, kv := range resp.Kvs {
			rest := strings.TrimPrefix(string(kv.Key), prefix)
			slash := strings.Index(rest, "/")
			if slash < 0 {
				continue
			}
			collection := unseg(rest[:slash])
			rec, err := decodeRecord(string(kv.Key), prefix+rest[:slash]+"/", kv.Value, kv.ModRevision)
			if err != nil {
				return err
			}
			if rec.Expiry <= now {
				continue
			}
			visit(collection, rec)
		}
		if !resp.More || len(resp.Kvs) == 0 {
			return nil
		}
		from = string(resp.Kvs[len(resp.Kvs)-1].Key) + "\x00"
	}
}

// checkQuotaFor verifies additional bytes fit the quota, not counting live
// records skip reports as replaced by the pending write.
func (s *Storage) checkQuotaFor(ctx context.Context, uid uint64, additional int64, skip func(collection, id string) bool) error {
	if s.cfg.QuotaBytes <= 0 {
		return nil
	}
	return s.withSession(ctx, func(ctx context.Context) error {
		return s.checkQuotaSession(ctx, uid, additional, skip)
	})
}

// checkQuotaSession is checkQuotaFor for callers already inside a session;
// nesting withSession would have the caller contend for its own permit.
func (s *Storage) checkQuotaSession(ctx context.Context, uid uint64, additional int64, skip func(collection, id string) bool) error {
	if s.cfg.QuotaBytes <= 0 {
		return nil
	}
	var used int64
	err := s.scanRecordsSession(ctx, uid, func(collection string, rec store.Record) {
		if skip != nil && skip(collection, rec.ID) {
			return
		}
		used += int64(len(rec.Payload))
	})
	if err != nil {
		return err
	}
	if used+additional > s.cfg.QuotaBytes {
		return fmt.Errorf("%d + %d bytes over %d: %w", used, additional, s.cfg.QuotaBytes, store.ErrQuotaExceeded)
	}
	return nil
}

func (s *Storage) CheckQuota(ctx context.Context, uid uint64, additionalBytes int64) error {
	return s.checkQuotaFor(ctx, uid, additionalBytes, nil)
}

func (s *Storage) StorageUsage(ctx context.Context, uid uint64) (int64, error) {
	var used int64
	err := s.scanRecords(ctx, uid, func(_ string, rec store.Record) {
		used += int64(len(rec.Payload))
	})
	return used, err
}

func (s *Storage) CollectionUsage(ctx context.Context, uid uint64) (map[string]int64, error) {
	out := make(map[string]int64)
	err := s.scanRecords(ctx, uid, func(collection string, rec store.Record) {
		out[collection] += int64(len(rec.Payload))
	})
	return out, err
}

func (s *Storage) CollectionCounts(ctx context.Context, uid uint64) (map[string]int64, error) {
	out := make(map[string]int64)
	err := s.scanRecords(ctx, uid, func(collection string, _ store.Record) {
		out[collection]++
	})
	return out, err
}

func (s *Storage) Close() error {
	return s.client.Close()
}
