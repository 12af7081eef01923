package syncstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lakesync/syncstore/config"
	"github.com/lakesync/syncstore/store"
)

func TestOpenMemoryBackend(t *testing.T) {
	handle, err := Open(context.Background(), config.Defaults())
	require.NoError(t, err, "failed to open")
	defer handle.Close()

	ts, err := handle.PutRecord(context.Background(), 1, "history", store.PutRecord{ID: "b1", Payload: []byte("p")}, nil)
	require.NoError(t, err)
	require.Greater(t, ts, store.Timestamp(0))

	rec, err := handle.GetRecord(context.Background(), 1, "history", "b1")
	require.NoError(t, err)
	require.Equal(t, []byte("p"), rec.Payload)
}

func TestOpenRejectsBadConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Backend = "tape"
	_, err := Open(context.Background(), cfg)
	require.Error(t, err)

	cfg = config.Defaults()
	cfg.Backend = config.BackendPostgres
	// No DATABASE_URL.
	_, err = Open(context.Background(), cfg)
	require.Error(t, err)
}

func TestPurgeLoop(t *testing.T) {
	cfg := config.Defaults()
	cfg.PurgeInterval = 20 * time.Millisecond
	handle, err := Open(context.Background(), cfg)
	require.NoError(t, err)

	ttl := int64(0)
	_, err = handle.PutRecord(context.Background(), 1, "history", store.PutRecord{ID: "b1", Payload: []byte("p"), TTL: &ttl}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		page, err := handle.GetRecords(context.Background(), 1, "history", store.RecordFilter{})
		return err == nil && len(page.Records) == 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, handle.Close())
	// Close is idempotent.
	require.NoError(t, handle.Close())
}
