package memory

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/lakesync/syncstore/config"
	"github.com/lakesync/syncstore/store"
)

var uidCounter uint64

func newSuite(lifetime time.Duration) *store.StoreTest {
	return &store.StoreTest{
		NextUID:       func() uint64 { return atomic.AddUint64(&uidCounter, 1) },
		BatchLifetime: lifetime,
	}
}

func newStorage(t *testing.T, mutate func(*config.Config)) *Storage {
	t.Helper()
	cfg := config.Defaults()
	if mutate != nil {
		mutate(cfg)
	}
	s := New(cfg)
	t.Cleanup(func() { s.Close() })
	return s
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
	lifetime := 50 * time.Millisecond
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
