package postgres

import (
	"context"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lakesync/syncstore/config"
	"github.com/lakesync/syncstore/store"
)

// Tests run against a live database, e.g.
// TEST_PG_DATABASE_URL=postgres://localhost/syncstore_test go test ./store/postgres

func newStorage(t *testing.T, mutate func(*config.Config)) *Storage {
	t.Helper()
	url := os.Getenv("TEST_PG_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_PG_DATABASE_URL not set")
	}
	cfg := config.Defaults()
	cfg.Backend = config.BackendPostgres
	cfg.DatabaseURL = url
	if mutate != nil {
		mutate(cfg)
	}
	storage, err := New(context.Background(), cfg)
	require.NoError(t, err, "failed to connect")
	t.Cleanup(func() { storage.Close() })
	return storage
}

func newSuite(lifetime time.Duration) *store.StoreTest {
	return &store.StoreTest{
		NextUID:       func() uint64 { return rand.Uint64()>>1 | 1 },
		BatchLifetime: lifetime,
	}
}

func TestPutAndGet(t *testing.T) {
	newSuite(0).TestPutAndGet(t, newStorage(t, nil))
}

func TestTimestampsIncrease(t *testing.T) {
	newSuite(0).TestTimestampsIncrease(t, newStorage(t, nil))
}

func TestCollectionsIndependent(t *testing.T) {
	newSuite(0).TestCollectionsIndependent(t, newStorage(t, nil))
}

func TestConflict(t *testing.T) {
	newSuite(0).TestConflict(t, newStorage(t, nil))
}

func TestConcurrentConditionalWrites(t *testing.T) {
	newSuite(0).TestConcurrentConditionalWrites(t, newStorage(t, nil))
}

func TestGetRecords(t *testing.T) {
	newSuite(0).TestGetRecords(t, newStorage(t, nil))
}

func TestBatchCommit(t *testing.T) {
	newSuite(0).TestBatchCommit(t, newStorage(t, nil))
}

func TestBatchConflict(t *testing.T) {
	newSuite(0).TestBatchConflict(t, newStorage(t, nil))
}

func TestBatchNotFound(t *testing.T) {
	newSuite(0).TestBatchNotFound(t, newStorage(t, nil))
}

func TestBatchExpiry(t *testing.T) {
	lifetime := 100 * time.Millisecond
	storage := newStorage(t, func(cfg *config.Config) { cfg.BatchLifetime = lifetime })
	newSuite(lifetime).TestBatchExpiry(t, storage)
}

func TestExpiry(t *testing.T) {
	newSuite(0).TestExpiry(t, newStorage(t, nil))
}

func TestQuota(t *testing.T) {
	storage := newStorage(t, func(cfg *config.Config) { cfg.QuotaBytes = 100 })
	newSuite(0).TestQuota(t, storage)
}

func TestDeletes(t *testing.T) {
	newSuite(0).TestDeletes(t, newStorage(t, nil))
}

func TestUsage(t *testing.T) {
	newSuite(0).TestUsage(t, newStorage(t, nil))
}

func TestValidation(t *testing.T) {
	newSuite(0).TestValidation(t, newStorage(t, nil))
}
