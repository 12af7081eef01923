package store

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "syncstore",
		Name:      "operation_duration_seconds",
		Help:      "Storage operation latency by backend, operation and result.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"backend", "operation", "result"})

	purgedRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncstore",
		Name:      "purged_records_total",
		Help:      "Expired records removed by background purge.",
	}, []string{"backend"})

	purgedBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncstore",
		Name:      "purged_batches_total",
		Help:      "Abandoned batches removed by background purge.",
	}, []string{"backend"})
)

func init() {
	prometheus.MustRegister(opDuration, purgedRecords, purgedBatches)
}

// Instrument wraps a backend so every operation is observed under the given
// backend label. Backends themselves stay metric free.
func Instrument(backend string, next Storage) Storage {
	return &instrumented{backend: backend, next: next}
}

type instrumented struct {
	backend string
	next    Storage
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrBatchNotFound):
		return "not_found"
	case errors.Is(err, ErrBatchExpired):
		return "batch_expired"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrInvalidRecord):
		return "invalid"
	case errors.Is(err, ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func (m *instrumented) timed(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	opDuration.WithLabelValues(m.backend, op, resultLabel(err)).Observe(time.Since(start).Seconds())
	return err
}

func (m *instrumented) GetCollectionTimestamps(ctx context.Context, uid uint64) (res map[string]Timestamp, err error) {
	err = m.timed("get_collection_timestamps", func() error {
		res, err = m.next.GetCollectionTimestamps(ctx, uid)
		return err
	})
	return res, err
}

func (m *instrumented) GetCollectionTimestamp(ctx context.Context, uid uint64, collection string) (ts Timestamp, err error) {
	err = m.timed("get_collection_timestamp", func() error {
		ts, err = m.next.GetCollectionTimestamp(ctx, uid, collection)
		return err
	})
	return ts, err
}

func (m *instrumented) GetRecords(ctx context.Context, uid uint64, collection string, filter RecordFilter) (page *RecordPage, err error) {
	err = m.timed("get_records", func() error {
		page, err = m.next.GetRecords(ctx, uid, collection, filter)
		return err
	})
	return page, err
}

func (m *instrumented) GetRecord(ctx context.Context, uid uint64, collection, id string) (rec *Record, err error) {
	err = m.timed("get_record", func() error {
		rec, err = m.next.GetRecord(ctx, uid, collection, id)
		return err
	})
	return rec, err
}

func (m *instrumented) PutRecord(ctx context.Context, uid uint64, collection string, rec PutRecord, ifUnmodified *Timestamp) (ts Timestamp, err error) {
	err = m.timed("put_record", func() error {
		ts, err = m.next.PutRecord(ctx, uid, collection, rec, ifUnmodified)
		return err
	})
	return ts, err
}

func (m *instrumented) CreateBatch(ctx context.Context, uid uint64, collection string) (id string, err error) {
	err = m.timed("create_batch", func() error {
		id, err = m.next.CreateBatch(ctx, uid, collection)
		return err
	})
	return id, err
}

func (m *instrumented) AppendToBatch(ctx context.Context, uid uint64, collection, batchID string, recs []PutRecord) error {
	return m.timed("append_to_batch", func() error {
		return m.next.AppendToBatch(ctx, uid, collection, batchID, recs)
	})
}

func (m *instrumented) CommitBatch(ctx context.Context, uid uint64, collection, batchID string, ifUnmodified *Timestamp) (ts Timestamp, err error) {
	err = m.timed("commit_batch", func() error {
		ts, err = m.next.CommitBatch(ctx, uid, collection, batchID, ifUnmodified)
		return err
	})
	return ts, err
}

func (m *instrumented) DeleteRecord(ctx context.Context, uid uint64, collection, id string, ifUnmodified *Timestamp) (ts Timestamp, err error) {
	err = m.timed("delete_record", func() error {
		ts, err = m.next.DeleteRecord(ctx, uid, collection, id, ifUnmodified)
		return err
	})
	return ts, err
}

func (m *instrumented) DeleteCollection(ctx context.Context, uid uint64, collection string) error {
	return m.timed("delete_collection", func() error {
		return m.next.DeleteCollection(ctx, uid, collection)
	})
}

func (m *instrumented) DeleteStorage(ctx context.Context, uid uint64) error {
	return m.timed("delete_storage", func() error {
		return m.next.DeleteStorage(ctx, uid)
	})
}

func (m *instrumented) CheckQuota(ctx context.Context, uid uint64, additionalBytes int64) error {
	return m.timed("check_quota", func() error {
		return m.next.CheckQuota(ctx, uid, additionalBytes)
	})
}

func (m *instrumented) StorageUsage(ctx context.Context, uid uint64) (n int64, err error) {
	err = m.timed("storage_usage", func() error {
		n, err = m.next.StorageUsage(ctx, uid)
		return err
	})
	return n, err
}

func (m *instrumented) CollectionUsage(ctx context.Context, uid uint64) (res map[string]int64, err error) {
	err = m.timed("collection_usage", func() error {
		res, err = m.next.CollectionUsage(ctx, uid)
		return err
	})
	return res, err
}

func (m *instrumented) CollectionCounts(ctx context.Context, uid uint64) (res map[string]int64, err error) {
	err = m.timed("collection_counts", func() error {
		res, err = m.next.CollectionCounts(ctx, uid)
		return err
	})
	return res, err
}

func (m *instrumented) PurgeExpired(ctx context.Context) (res PurgeResult, err error) {
	err = m.timed("purge_expired", func() error {
		res, err = m.next.PurgeExpired(ctx)
		return err
	})
	if err == nil {
		purgedRecords.WithLabelValues(m.backend).Add(float64(res.Records))
		purgedBatches.WithLabelValues(m.backend).Add(float64(res.Batches))
	}
	return res, err
}

func (m *instrumented) Close() error {
	return m.next.Close()
}
