package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// StoreTest is the conformance suite every backend must pass. Backend test
// files construct their storage and invoke these methods so the observable
// contract stays identical across implementations.
type StoreTest struct {
	// NextUID hands out fresh user ids so suites can share one backend.
	NextUID func() uint64
	// BatchLifetime mirrors the lifetime the storage under test was
	// configured with; expiry tests wait it out.
	BatchLifetime time.Duration
}

func intptr(v int32) *int32        { return &v }
func ttlptr(v int64) *int64        { return &v }
func tsptr(v Timestamp) *Timestamp { return &v }

func (s *StoreTest) uid() uint64 {
	return s.NextUID()
}

func (s *StoreTest) TestPutAndGet(t *testing.T, storage Storage) {
	ctx := context.Background()
	uid := s.uid()

	ts, err := storage.PutRecord(ctx, uid, "history", PutRecord{ID: "b1", Payload: []byte("p1"), SortIndex: intptr(3)}, nil)
	require.NoError(t, err, "failed to put b1")
	require.Greater(t, ts, Timestamp(0))

	rec, err := storage.GetRecord(ctx, uid, "history", "b1")
	require.NoError(t, err, "failed to get b1")
	require.Equal(t, "b1", rec.ID)
	require.Equal(t, []byte("p1"), rec.Payload)
	require.NotNil(t, rec.SortIndex)
	require.Equal(t, int32(3), *rec.SortIndex)
	require.Equal(t, ts, rec.Modified)

	collTS, err := storage.GetCollectionTimestamp(ctx, uid, "history")
	require.NoError(t, err)
	require.Equal(t, ts, collTS)

	_, err = storage.GetRecord(ctx, uid, "history", "nope")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = storage.GetCollectionTimestamp(ctx, uid, "bookmarks")
	require.ErrorIs(t, err, ErrNotFound)
}

func (s *StoreTest) TestTimestampsIncrease(t *testing.T, storage Storage) {
	ctx := context.Background()
	uid := s.uid()

	var prev Timestamp
	for i := 0; i < 10; i++ {
		ts, err := storage.PutRecord(ctx, uid, "history", PutRecord{ID: "b1", Payload: []byte("p")}, nil)
		require.NoError(t, err)
		require.Greater(t, ts, prev, "timestamps must strictly increase")
		prev = ts
	}
}

func (s *StoreTest) TestCollectionsIndependent(t *testing.T, storage Storage) {
	ctx := context.Background()
	uid := s.uid()

	ts1, err := storage.PutRecord(ctx, uid, "history", PutRecord{ID: "b1", Payload: []byte("p")}, nil)
	require.NoError(t, err)
	ts2, err := storage.PutRecord(ctx, uid, "bookmarks", PutRecord{ID: "b1", Payload: []byte("p")}, nil)
	require.NoError(t, err)

	all, err := storage.GetCollectionTimestamps(ctx, uid)
	require.NoError(t, err)
	require.Equal(t, map[string]Timestamp{"history": ts1, "bookmarks": ts2}, all)
}

func (s *StoreTest) TestConflict(t *testing.T, storage Storage) {
	ctx := context.Background()
	uid := s.uid()

	ts0, err := storage.PutRecord(ctx, uid, "history", PutRecord{ID: "b1", Payload: []byte("p1")}, nil)
	require.NoError(t, err)

	ts1, err := storage.PutRecord(ctx, uid, "history", PutRecord{ID: "b1", Payload: []byte("p2")}, tsptr(ts0))
	require.NoError(t, err, "matching precondition must succeed")
	require.Greater(t, ts1, ts0)

	_, err = storage.PutRecord(ctx, uid, "history", PutRecord{ID: "b1", Payload: []byte("p3")}, tsptr(ts0))
	require.ErrorIs(t, err, ErrConflict, "stale precondition must conflict")

	rec, err := storage.GetRecord(ctx, uid, "history", "b1")
	require.NoError(t, err)
	require.Equal(t, []byte("p2"), rec.Payload, "conflicting write must not be applied")

	// Precondition 0 means the collection must not exist yet.
	_, err = storage.PutRecord(ctx, uid, "history", PutRecord{ID: "b2", Payload: []byte("p")}, tsptr(0))
	require.ErrorIs(t, err, ErrConflict)
	other := s.uid()
	_, err = storage.PutRecord(ctx, other, "history", PutRecord{ID: "b2", Payload: []byte("p")}, tsptr(0))
	require.NoError(t, err)
}

func (s *StoreTest) TestConcurrentConditionalWrites(t *testing.T, storage Storage) {
	ctx := context.Background()
	uid := s.uid()

	ts0, err := storage.PutRecord(ctx, uid, "history", PutRecord{ID: "b1", Payload: []byte("p0")}, nil)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = storage.PutRecord(ctx, uid, "history", PutRecord{ID: "b1", Payload: []byte{byte(i)}}, tsptr(ts0))
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else {
			require.ErrorIs(t, err, ErrConflict)
		}
	}
	require.Equal(t, 1, won, "exactly one conditional writer may win")
}

func (s *StoreTest) TestGetRecords(t *testing.T, storage Storage) {
	ctx := context.Background()
	uid := s.uid()

	var stamps []Timestamp
	ids := []string{"b1", "b2", "b3", "b4", "b5"}
	for i, id := range ids {
		ts, err := storage.PutRecord(ctx, uid, "history", PutRecord{
			ID: id, Payload: []byte(id), SortIndex: intptr(int32(10 - i)),
		}, nil)
		require.NoError(t, err)
		stamps = append(stamps, ts)
	}

	page, err := storage.GetRecords(ctx, uid, "history", RecordFilter{Sort: SortOldest})
	require.NoError(t, err)
	require.False(t, page.More)
	require.Len(t, page.Records, 5)
	for i, rec := range page.Records {
		require.Equal(t, ids[i], rec.ID)
		require.Equal(t, stamps[i], rec.Modified)
	}

	page, err = storage.GetRecords(ctx, uid, "history", RecordFilter{Sort: SortNewest})
	require.NoError(t, err)
	require.Equal(t, "b5", page.Records[0].ID)

	// Highest sort index first: b1 carries the largest index.
	page, err = storage.GetRecords(ctx, uid, "history", RecordFilter{Sort: SortIndex})
	require.NoError(t, err)
	require.Equal(t, "b1", page.Records[0].ID)

	page, err = storage.GetRecords(ctx, uid, "history", RecordFilter{IDs: []string{"b2", "b4"}, Sort: SortOldest})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.Equal(t, "b2", page.Records[0].ID)
	require.Equal(t, "b4", page.Records[1].ID)

	page, err = storage.GetRecords(ctx, uid, "history", RecordFilter{Newer: tsptr(stamps[2]), Sort: SortOldest})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.Equal(t, "b4", page.Records[0].ID)

	page, err = storage.GetRecords(ctx, uid, "history", RecordFilter{Older: tsptr(stamps[2]), Sort: SortOldest})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.Equal(t, "b1", page.Records[0].ID)

	// Paging: limit+offset with a continuation.
	page, err = storage.GetRecords(ctx, uid, "history", RecordFilter{Sort: SortOldest, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.True(t, page.More)
	require.Equal(t, 2, page.NextOffset)

	page, err = storage.GetRecords(ctx, uid, "history", RecordFilter{Sort: SortOldest, Limit: 2, Offset: page.NextOffset})
	require.NoError(t, err)
	require.Equal(t, "b3", page.Records[0].ID)
	require.True(t, page.More)

	page, err = storage.GetRecords(ctx, uid, "history", RecordFilter{Sort: SortOldest, Limit: 2, Offset: page.NextOffset})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.False(t, page.More)

	// Absent for this user even when another user holds the same name.
	other := s.uid()
	_, err = storage.PutRecord(ctx, other, "bookmarks", PutRecord{ID: "b1", Payload: []byte("p")}, nil)
	require.NoError(t, err)
	_, err = storage.GetRecords(ctx, uid, "bookmarks", RecordFilter{})
	require.ErrorIs(t, err, ErrNotFound)
}

func (s *StoreTest) TestBatchCommit(t *testing.T, storage Storage) {
	ctx := context.Background()
	uid := s.uid()

	batchID, err := storage.CreateBatch(ctx, uid, "history")
	require.NoError(t, err)

	var recs []PutRecord
	for i := 0; i < 50; i++ {
		recs = append(recs, PutRecord{ID: "b" + string(rune('0'+i/10)) + string(rune('0'+i%10)), Payload: []byte("p")})
	}
	require.NoError(t, storage.AppendToBatch(ctx, uid, "history", batchID, recs[:25]))
	require.NoError(t, storage.AppendToBatch(ctx, uid, "history", batchID, recs[25:]))

	// Nothing is visible before commit.
	_, err = storage.GetCollectionTimestamp(ctx, uid, "history")
	require.ErrorIs(t, err, ErrNotFound)

	ts, err := storage.CommitBatch(ctx, uid, "history", batchID, nil)
	require.NoError(t, err)

	page, err := storage.GetRecords(ctx, uid, "history", RecordFilter{})
	require.NoError(t, err)
	require.Len(t, page.Records, 50)
	for _, rec := range page.Records {
		require.LessOrEqual(t, rec.Modified, ts)
	}

	// The batch is gone once committed.
	_, err = storage.CommitBatch(ctx, uid, "history", batchID, nil)
	require.ErrorIs(t, err, ErrBatchNotFound)
}

func (s *StoreTest) TestBatchConflict(t *testing.T, storage Storage) {
	ctx := context.Background()
	uid := s.uid()

	ts0, err := storage.PutRecord(ctx, uid, "history", PutRecord{ID: "b1", Payload: []byte("p")}, nil)
	require.NoError(t, err)

	batchID, err := storage.CreateBatch(ctx, uid, "history")
	require.NoError(t, err)
	require.NoError(t, storage.AppendToBatch(ctx, uid, "history", batchID, []PutRecord{{ID: "b2", Payload: []byte("p")}}))

	// A write lands between batch creation and commit.
	_, err = storage.PutRecord(ctx, uid, "history", PutRecord{ID: "b3", Payload: []byte("p")}, nil)
	require.NoError(t, err)

	_, err = storage.CommitBatch(ctx, uid, "history", batchID, tsptr(ts0))
	require.ErrorIs(t, err, ErrConflict)

	// The conflicted commit left nothing behind.
	_, err = storage.GetRecord(ctx, uid, "history", "b2")
	require.ErrorIs(t, err, ErrNotFound)
}

func (s *StoreTest) TestBatchNotFound(t *testing.T, storage Storage) {
	ctx := context.Background()
	uid := s.uid()

	err := storage.AppendToBatch(ctx, uid, "history", "no-such-batch", []PutRecord{{ID: "b1", Payload: []byte("p")}})
	require.ErrorIs(t, err, ErrBatchNotFound)
	_, err = storage.CommitBatch(ctx, uid, "history", "no-such-batch", nil)
	require.ErrorIs(t, err, ErrBatchNotFound)
}

func (s *StoreTest) TestBatchExpiry(t *testing.T, storage Storage) {
	ctx := context.Background()
	uid := s.uid()

	batchID, err := storage.CreateBatch(ctx, uid, "history")
	require.NoError(t, err)
	require.NoError(t, storage.AppendToBatch(ctx, uid, "history", batchID, []PutRecord{{ID: "b1", Payload: []byte("p")}}))

	time.Sleep(s.BatchLifetime + 100*time.Millisecond)

	err = storage.AppendToBatch(ctx, uid, "history", batchID, []PutRecord{{ID: "b2", Payload: []byte("p")}})
	require.Error(t, err)
	require.True(t, isExpiredOrGone(err), "append past lifetime: got %v", err)

	_, err = storage.CommitBatch(ctx, uid, "history", batchID, nil)
	require.True(t, isExpiredOrGone(err), "commit past lifetime: got %v", err)

	// The discarded batch left no visible side effects.
	_, err = storage.GetCollectionTimestamp(ctx, uid, "history")
	require.ErrorIs(t, err, ErrNotFound)
}

// isExpiredOrGone accepts either terminal answer for a dead batch: backends
// that discard staged state eagerly can no longer tell "expired" from
// "never existed".
func isExpiredOrGone(err error) bool {
	return errors.Is(err, ErrBatchExpired) || errors.Is(err, ErrBatchNotFound)
}

func (s *StoreTest) TestExpiry(t *testing.T, storage Storage) {
	ctx := context.Background()
	uid := s.uid()

	_, err := storage.PutRecord(ctx, uid, "history", PutRecord{ID: "gone", Payload: []byte("p"), TTL: ttlptr(0)}, nil)
	require.NoError(t, err)
	keepTS, err := storage.PutRecord(ctx, uid, "history", PutRecord{ID: "kept", Payload: []byte("p")}, nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	// Logically absent before any purge runs.
	_, err = storage.GetRecord(ctx, uid, "history", "gone")
	require.ErrorIs(t, err, ErrNotFound)
	page, err := storage.GetRecords(ctx, uid, "history", RecordFilter{})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Equal(t, "kept", page.Records[0].ID)

	res, err := storage.PurgeExpired(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.Records, 1)

	// Live data survives the purge.
	rec, err := storage.GetRecord(ctx, uid, "history", "kept")
	require.NoError(t, err)
	require.Equal(t, keepTS, rec.Modified)
}

// TestQuota expects a storage configured with a 100 byte per-user quota.
func (s *StoreTest) TestQuota(t *testing.T, storage Storage) {
	ctx := context.Background()
	uid := s.uid()

	require.NoError(t, storage.CheckQuota(ctx, uid, 60))

	ts, err := storage.PutRecord(ctx, uid, "history", PutRecord{ID: "b1", Payload: make([]byte, 60)}, nil)
	require.NoError(t, err)

	require.ErrorIs(t, storage.CheckQuota(ctx, uid, 60), ErrQuotaExceeded)
	_, err = storage.PutRecord(ctx, uid, "history", PutRecord{ID: "b2", Payload: make([]byte, 60)}, nil)
	require.ErrorIs(t, err, ErrQuotaExceeded)

	// The rejected write changed nothing.
	collTS, err := storage.GetCollectionTimestamp(ctx, uid, "history")
	require.NoError(t, err)
	require.Equal(t, ts, collTS)
	_, err = storage.GetRecord(ctx, uid, "history", "b2")
	require.ErrorIs(t, err, ErrNotFound)

	// Replacing a record is charged net of the bytes it frees.
	_, err = storage.PutRecord(ctx, uid, "history", PutRecord{ID: "b1", Payload: make([]byte, 80)}, nil)
	require.NoError(t, err)

	usage, err := storage.StorageUsage(ctx, uid)
	require.NoError(t, err)
	require.Equal(t, int64(80), usage)

	// So is a committed batch that overwrites live records.
	batchID, err := storage.CreateBatch(ctx, uid, "history")
	require.NoError(t, err)
	require.NoError(t, storage.AppendToBatch(ctx, uid, "history", batchID, []PutRecord{{ID: "b1", Payload: make([]byte, 90)}}))
	_, err = storage.CommitBatch(ctx, uid, "history", batchID, nil)
	require.NoError(t, err)

	usage, err = storage.StorageUsage(ctx, uid)
	require.NoError(t, err)
	require.Equal(t, int64(90), usage)
}

func (s *StoreTest) TestDeletes(t *testing.T, storage Storage) {
	ctx := context.Background()
	uid := s.uid()

	ts0, err := storage.PutRecord(ctx, uid, "history", PutRecord{ID: "b1", Payload: []byte("p")}, nil)
	require.NoError(t, err)
	_, err = storage.PutRecord(ctx, uid, "history", PutRecord{ID: "b2", Payload: []byte("p")}, nil)
	require.NoError(t, err)
	_, err = storage.PutRecord(ctx, uid, "bookmarks", PutRecord{ID: "b1", Payload: []byte("p")}, nil)
	require.NoError(t, err)

	_, err = storage.DeleteRecord(ctx, uid, "history", "nope", nil)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = storage.DeleteRecord(ctx, uid, "history", "b1", tsptr(ts0))
	require.ErrorIs(t, err, ErrConflict)
	// A stale precondition outranks record existence.
	_, err = storage.DeleteRecord(ctx, uid, "history", "nope", tsptr(ts0))
	require.ErrorIs(t, err, ErrConflict)

	ts, err := storage.DeleteRecord(ctx, uid, "history", "b1", nil)
	require.NoError(t, err)
	_, err = storage.GetRecord(ctx, uid, "history", "b1")
	require.ErrorIs(t, err, ErrNotFound)
	collTS, err := storage.GetCollectionTimestamp(ctx, uid, "history")
	require.NoError(t, err)
	require.Equal(t, ts, collTS)

	require.NoError(t, storage.DeleteCollection(ctx, uid, "history"))
	_, err = storage.GetCollectionTimestamp(ctx, uid, "history")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, storage.DeleteCollection(ctx, uid, "history"), ErrNotFound)

	require.NoError(t, storage.DeleteStorage(ctx, uid))
	all, err := storage.GetCollectionTimestamps(ctx, uid)
	require.NoError(t, err)
	require.Empty(t, all)
}

func (s *StoreTest) TestUsage(t *testing.T, storage Storage) {
	ctx := context.Background()
	uid := s.uid()

	_, err := storage.PutRecord(ctx, uid, "history", PutRecord{ID: "b1", Payload: make([]byte, 10)}, nil)
	require.NoError(t, err)
	_, err = storage.PutRecord(ctx, uid, "history", PutRecord{ID: "b2", Payload: make([]byte, 20)}, nil)
	require.NoError(t, err)
	_, err = storage.PutRecord(ctx, uid, "bookmarks", PutRecord{ID: "b1", Payload: make([]byte, 5)}, nil)
	require.NoError(t, err)

	total, err := storage.StorageUsage(ctx, uid)
	require.NoError(t, err)
	require.Equal(t, int64(35), total)

	usage, err := storage.CollectionUsage(ctx, uid)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"history": 30, "bookmarks": 5}, usage)

	counts, err := storage.CollectionCounts(ctx, uid)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"history": 2, "bookmarks": 1}, counts)
}

func (s *StoreTest) TestValidation(t *testing.T, storage Storage) {
	ctx := context.Background()
	uid := s.uid()

	_, err := storage.PutRecord(ctx, uid, "history", PutRecord{ID: "", Payload: []byte("p")}, nil)
	require.ErrorIs(t, err, ErrInvalidRecord)
	_, err = storage.PutRecord(ctx, uid, "bad\ncollection", PutRecord{ID: "b1", Payload: []byte("p")}, nil)
	require.ErrorIs(t, err, ErrInvalidRecord)
	_, err = storage.PutRecord(ctx, uid, "history", PutRecord{ID: "b1", Payload: []byte("p"), TTL: ttlptr(-1)}, nil)
	require.ErrorIs(t, err, ErrInvalidRecord)
}
