package etcd

import (
	"context"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lakesync/syncstore/config"
	"github.com/lakesync/syncstore/store"
)

// Tests run against a live cluster, e.g.
// TEST_ETCD_ENDPOINTS=localhost:2379 go test ./store/etcd

func newStorage(t *testing.T, mutate func(*config.Config)) *Storage {
	t.Helper()
	endpoints := os.Getenv("TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("TEST_ETCD_ENDPOINTS not set")
	}
	cfg := config.Defaults()
	cfg.Backend = config.BackendEtcd
	require.NoError(t, (&cfg.EtcdEndpoints).UnmarshalEnvironmentValue(endpoints))
	// Fresh namespace per test so runs never see each other's keys.
	cfg.EtcdNamespace = "/syncstore-test/" + uuid.New().String()
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
	// The expiry clock is wall time; the lease only reclaims keys later.
	lifetime := 1 * time.Second
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

// A quota-checked commit must finish on a single-permit session pool: the
// quota scan runs inside the session the commit already holds.
func TestBatchCommitSinglePermitPool(t *testing.T) {
	storage := newStorage(t, func(cfg *config.Config) {
		cfg.PoolMaxConns = 1
		cfg.CheckoutTimeout = 500 * time.Millisecond
		cfg.QuotaBytes = 100
	})
	suite := newSuite(0)
	uid := suite.NextUID()
	ctx := context.Background()

	batchID, err := storage.CreateBatch(ctx, uid, "history")
	require.NoError(t, err)
	require.NoError(t, storage.AppendToBatch(ctx, uid, "history", batchID, []store.PutRecord{{ID: "b1", Payload: []byte("p")}}))
	_, err = storage.CommitBatch(ctx, uid, "history", batchID, nil)
	require.NoError(t, err)
}

func TestUsage(t *testing.T) {
	newSuite(0).TestUsage(t, newStorage(t, nil))
}

func TestValidation(t *testing.T) {
	newSuite(0).TestValidation(t, newStorage(t, nil))
}
