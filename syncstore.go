// Package syncstore selects and owns the storage backend for a process. Open
// constructs exactly one backend from configuration, fails fast when it is
// unreachable, and returns an opaque handle implementing the storage
// contract; callers never see a concrete backend type.
package syncstore

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lakesync/syncstore/config"
	"github.com/lakesync/syncstore/store"
	"github.com/lakesync/syncstore/store/etcd"
	"github.com/lakesync/syncstore/store/memory"
	"github.com/lakesync/syncstore/store/postgres"
)

// Handle wraps the selected backend and runs its background purge loop.
type Handle struct {
	store.Storage

	quitChan chan struct{}
	done     sync.WaitGroup
	closeOne sync.Once
	closeErr error
}

// Open constructs the configured backend and starts the purge loop. The
// returned handle is safe for concurrent use for the life of the process.
func Open(ctx context.Context, cfg *config.Config) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		backend store.Storage
		err     error
	)
	switch cfg.Backend {
	case config.BackendPostgres:
		backend, err = postgres.New(ctx, cfg)
	case config.BackendEtcd:
		backend, err = etcd.New(ctx, cfg)
	case config.BackendMemory:
		backend = memory.New(cfg)
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", cfg.Backend, err)
	}

	h := &Handle{
		Storage:  store.Instrument(cfg.Backend, backend),
		quitChan: make(chan struct{}),
	}
	if cfg.PurgeInterval > 0 {
		h.done.Add(1)
		go h.purgeLoop(cfg.PurgeInterval)
	}
	return h, nil
}

func (h *Handle) purgeLoop(interval time.Duration) {
	defer h.done.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			res, err := h.PurgeExpired(context.Background())
			if err != nil {
				log.Printf("purge failed: %v", err)
				continue
			}
			if res.Records > 0 || res.Batches > 0 {
				log.Printf("purged %d expired records, %d batches", res.Records, res.Batches)
			}
		case <-h.quitChan:
			return
		}
	}
}

// Close stops the purge loop and drains the backend's pool. In-flight
// operations finish; committed work is never rolled back.
func (h *Handle) Close() error {
	h.closeOne.Do(func() {
		close(h.quitChan)
		h.done.Wait()
		h.closeErr = h.Storage.Close()
	})
	return h.closeErr
}
