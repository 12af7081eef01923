package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateRecord(t *testing.T) {
	require.NoError(t, ValidateRecord(PutRecord{ID: "ok", Payload: []byte("p")}, 10))
	require.ErrorIs(t, ValidateRecord(PutRecord{ID: "", Payload: []byte("p")}, 10), ErrInvalidRecord)
	require.ErrorIs(t, ValidateRecord(PutRecord{ID: "tab\tid", Payload: []byte("p")}, 10), ErrInvalidRecord)
	require.ErrorIs(t, ValidateRecord(PutRecord{ID: "ok", Payload: make([]byte, 11)}, 10), ErrInvalidRecord)
	negative := int64(-1)
	require.ErrorIs(t, ValidateRecord(PutRecord{ID: "ok", Payload: []byte("p"), TTL: &negative}, 10), ErrInvalidRecord)

	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	require.ErrorIs(t, ValidateRecord(PutRecord{ID: string(long), Payload: []byte("p")}, 0), ErrInvalidRecord)
}

func TestValidateCollection(t *testing.T) {
	require.NoError(t, ValidateCollection("history"))
	require.ErrorIs(t, ValidateCollection(""), ErrInvalidRecord)
	require.ErrorIs(t, ValidateCollection("bad\nname"), ErrInvalidRecord)
}

func TestExpiryFor(t *testing.T) {
	ttl := int64(10)
	require.Equal(t, int64(1000+10*1000), ExpiryFor(&ttl, 1000))
	require.Equal(t, int64(1000+DefaultTTL*1000), ExpiryFor(nil, 1000))
}

func TestRetryStopsOnPermanent(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	err := p.Retry(context.Background(), func(error) bool { return false }, func() error {
		calls++
		return ErrConflict
	})
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, 1, calls, "non-transient failures must not retry")
}

func TestRetryExhaustsTransient(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	transientErr := errors.New("deadlock detected")
	calls := 0
	err := p.Retry(context.Background(), func(error) bool { return true }, func() error {
		calls++
		return transientErr
	})
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, 4, calls, "initial attempt plus MaxRetries")
}

func TestRetryRecovers(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	err := p.Retry(context.Background(), func(error) bool { return true }, func() error {
		calls++
		if calls < 3 {
			return errors.New("lock wait timeout")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestApplyFilter(t *testing.T) {
	idx := func(v int32) *int32 { return &v }
	recs := []Record{
		{ID: "a", Modified: 10, SortIndex: idx(1), Expiry: 100},
		{ID: "b", Modified: 20, SortIndex: idx(3), Expiry: 100},
		{ID: "c", Modified: 30, Expiry: 100},
		{ID: "expired", Modified: 40, Expiry: 50},
	}

	page := ApplyFilter(recs, RecordFilter{}, 60)
	require.Len(t, page.Records, 3, "expired records are filtered")
	require.Equal(t, "a", page.Records[0].ID, "default order is oldest first")

	page = ApplyFilter(recs, RecordFilter{Sort: SortNewest}, 60)
	require.Equal(t, "c", page.Records[0].ID)

	page = ApplyFilter(recs, RecordFilter{Sort: SortIndex}, 60)
	require.Equal(t, "b", page.Records[0].ID, "highest sort index first")
	require.Equal(t, "c", page.Records[2].ID, "missing sort index ranks lowest")

	newer := Timestamp(10)
	older := Timestamp(30)
	page = ApplyFilter(recs, RecordFilter{Newer: &newer, Older: &older}, 60)
	require.Len(t, page.Records, 1)
	require.Equal(t, "b", page.Records[0].ID)

	page = ApplyFilter(recs, RecordFilter{IDs: []string{"a", "c"}}, 60)
	require.Len(t, page.Records, 2)

	page = ApplyFilter(recs, RecordFilter{Limit: 2}, 60)
	require.True(t, page.More)
	require.Equal(t, 2, page.NextOffset)
	page = ApplyFilter(recs, RecordFilter{Limit: 2, Offset: 2}, 60)
	require.Len(t, page.Records, 1)
	require.False(t, page.More)

	page = ApplyFilter(recs, RecordFilter{Offset: 99}, 60)
	require.Empty(t, page.Records)
}
