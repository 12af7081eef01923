// Package memory implements the storage contract on in-process maps. It backs
// the conformance tests and local development; production deployments use the
// postgres or etcd backend.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lakesync/syncstore/config"
	"github.com/lakesync/syncstore/store"
)

type record struct {
	sortIndex *int32
	payload   []byte
	modified  store.Timestamp
	expiry    int64
}

type collection struct {
	modified store.Timestamp
	records  map[string]*record
}

type batch struct {
	uid        uint64
	collection string
	created    int64
	expiry     int64
	records    []store.PutRecord
}

type user struct {
	collections map[string]*collection
}

// Storage keeps every user's data behind one mutex. Writes to distinct
// collections do not contend for long enough to matter at test scale.
type Storage struct {
	cfg *config.Config

	mu      sync.Mutex
	users   map[uint64]*user
	batches map[string]*batch
	lastTS  store.Timestamp
}

var _ store.Storage = (*Storage)(nil)

func New(cfg *config.Config) *Storage {
	return &Storage{
		cfg:     cfg,
		users:   make(map[uint64]*user),
		batches: make(map[string]*batch),
	}
}

// nextTimestamp returns a strictly increasing millisecond timestamp. Callers
// hold s.mu.
func (s *Storage) nextTimestamp() store.Timestamp {
	ts := store.Timestamp(time.Now().UnixMilli())
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return ts
}

func (s *Storage) user(uid uint64) *user {
	u, ok := s.users[uid]
	if !ok {
		u = &user{collections: make(map[string]*collection)}
		s.users[uid] = u
	}
	return u
}

func (s *Storage) liveCollection(uid uint64, name string) (*collection, bool) {
	u, ok := s.users[uid]
	if !ok {
		return nil, false
	}
	c, ok := u.collections[name]
	return c, ok
}

func checkPrecondition(c *collection, ifUnmodified *store.Timestamp) error {
	if ifUnmodified == nil {
		return nil
	}
	current := store.Timestamp(0)
	if c != nil {
		current = c.modified
	}
	if current != *ifUnmodified {
		return store.ErrConflict
	}
	return nil
}

func (s *Storage) GetCollectionTimestamps(ctx context.Context, uid uint64) (map[string]store.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]store.Timestamp)
	if u, ok := s.users[uid]; ok {
		for name, c := range u.collections {
			out[name] = c.modified
		}
	}
	return out, nil
}

func (s *Storage) GetCollectionTimestamp(ctx context.Context, uid uint64, name string) (store.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.liveCollection(uid, name)
	if !ok {
		return 0, fmt.Errorf("collection %q: %w", name, store.ErrNotFound)
	}
	return c.modified, nil
}

func (s *Storage) GetRecords(ctx context.Context, uid uint64, name string, filter store.RecordFilter) (*store.RecordPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.liveCollection(uid, name)
	if !ok {
		return nil, fmt.Errorf("collection %q: %w", name, store.ErrNotFound)
	}

	recs := make([]store.Record, 0, len(c.records))
	for id, r := range c.records {
		recs = append(recs, store.Record{
			ID:        id,
			Modified:  r.modified,
			SortIndex: r.sortIndex,
			Payload:   r.payload,
			Expiry:    r.expiry,
		})
	}
	return store.ApplyFilter(recs, filter, store.NowMillis()), nil
}

func (s *Storage) GetRecord(ctx context.Context, uid uint64, name, id string) (*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.liveCollection(uid, name)
	if !ok {
		return nil, fmt.Errorf("collection %q: %w", name, store.ErrNotFound)
	}
	r, ok := c.records[id]
	if !ok || r.expiry <= store.NowMillis() {
		return nil, fmt.Errorf("record %q: %w", id, store.ErrNotFound)
	}
	return &store.Record{
		ID:        id,
		Modified:  r.modified,
		SortIndex: r.sortIndex,
		Payload:   r.payload,
		Expiry:    r.expiry,
	}, nil
}

// usageLocked sums live payload bytes for a user, excluding records skip
// reports as replaced by a pending write.
func (s *Storage) usageLocked(uid uint64, skip func(coll, id string) bool) int64 {
	u, ok := s.users[uid]
	if !ok {
		return 0
	}
	now := store.NowMillis()
	var total int64
	for name, c := range u.collections {
		for id, r := range c.records {
			if r.expiry <= now {
				continue
			}
			if skip != nil && skip(name, id) {
				continue
			}
			total += int64(len(r.payload))
		}
	}
	return total
}

func (s *Storage) checkQuotaLocked(uid uint64, additional int64, skip func(coll, id string) bool) error {
	if s.cfg.QuotaBytes <= 0 {
		return nil
	}
	if s.usageLocked(uid, skip)+additional > s.cfg.QuotaBytes {
		return store.ErrQuotaExceeded
	}
	return nil
}

func (s *Storage) PutRecord(ctx context.Context, uid uint64, name string, rec store.PutRecord, ifUnmodified *store.Timestamp) (store.Timestamp, error) {
	if err := store.ValidateCollection(name); err != nil {
		return 0, err
	}
	if err := store.ValidateRecord(rec, s.cfg.MaxPayloadBytes); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, _ := s.liveCollection(uid, name)
	if err := checkPrecondition(c, ifUnmodified); err != nil {
		return 0, err
	}
	if err := s.checkQuotaLocked(uid, int64(len(rec.Payload)), func(coll, id string) bool {
		return coll == name && id == rec.ID
	}); err != nil {
		return 0, err
	}

	if c == nil {
		c = &collection{records: make(map[string]*record)}
		s.user(uid).collections[name] = c
	}
	ts := s.nextTimestamp()
	now := store.NowMillis()
	c.records[rec.ID] = &record{
		sortIndex: rec.SortIndex,
		payload:   rec.Payload,
		modified:  ts,
		expiry:    store.ExpiryFor(rec.TTL, now),
	}
	c.modified = ts
	return ts, nil
}

func (s *Storage) CreateBatch(ctx context.Context, uid uint64, name string) (string, error) {
	if err := store.ValidateCollection(name); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New().String()
	now := store.NowMillis()
	s.batches[id] = &batch{
		uid:        uid,
		collection: name,
		created:    now,
		expiry:     now + s.cfg.BatchLifetime.Milliseconds(),
	}
	return id, nil
}

func (s *Storage) batchLocked(uid uint64, name, id string) (*batch, error) {
	b, ok := s.batches[id]
	if !ok || b.uid != uid || b.collection != name {
		return nil, fmt.Errorf("batch %q: %w", id, store.ErrBatchNotFound)
	}
	if b.expiry <= store.NowMillis() {
		return nil, fmt.Errorf("batch %q: %w", id, store.ErrBatchExpired)
	}
	return b, nil
}

func (s *Storage) AppendToBatch(ctx context.Context, uid uint64, name, batchID string, recs []store.PutRecord) error {
	for _, rec := range recs {
		if err := store.ValidateRecord(rec, s.cfg.MaxPayloadBytes); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.batchLocked(uid, name, batchID)
	if err != nil {
		return err
	}
	if len(b.records)+len(recs) > s.cfg.MaxBatchRecords {
		return errTooLarge(len(b.records)+len(recs), s.cfg.MaxBatchRecords)
	}
	b.records = append(b.records, recs...)
	return nil
}

func errTooLarge(n, limit int) error {
	return fmt.Errorf("%w: batch of %d records exceeds limit %d", store.ErrInvalidRecord, n, limit)
}

func (s *Storage) CommitBatch(ctx context.Context, uid uint64, name, batchID string, ifUnmodified *store.Timestamp) (store.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.batchLocked(uid, name, batchID)
	if err != nil {
		return 0, err
	}
	c, _ := s.liveCollection(uid, name)
	if err := checkPrecondition(c, ifUnmodified); err != nil {
		return 0, err
	}

	// Last write per id wins, both for the charge and for the apply.
	staged := make(map[string]int64, len(b.records))
	for _, rec := range b.records {
		staged[rec.ID] = int64(len(rec.Payload))
	}
	var added int64
	for _, n := range staged {
		added += n
	}
	if err := s.checkQuotaLocked(uid, added, func(coll, id string) bool {
		_, ok := staged[id]
		return coll == name && ok
	}); err != nil {
		return 0, err
	}

	if c == nil {
		c = &collection{records: make(map[string]*record)}
		s.user(uid).collections[name] = c
	}
	ts := s.nextTimestamp()
	now := store.NowMillis()
	for _, rec := range b.records {
		c.records[rec.ID] = &record{
			sortIndex: rec.SortIndex,
			payload:   rec.Payload,
			modified:  ts,
			expiry:    store.ExpiryFor(rec.TTL, now),
		}
	}
	c.modified = ts
	delete(s.batches, batchID)
	return ts, nil
}

func (s *Storage) DeleteRecord(ctx context.Context, uid uint64, name, id string, ifUnmodified *store.Timestamp) (store.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.liveCollection(uid, name)
	if !ok {
		return 0, fmt.Errorf("collection %q: %w", name, store.ErrNotFound)
	}
	if err := checkPrecondition(c, ifUnmodified); err != nil {
		return 0, err
	}
	r, ok := c.records[id]
	if !ok || r.expiry <= store.NowMillis() {
		return 0, fmt.Errorf("record %q: %w", id, store.ErrNotFound)
	}
	delete(c.records, id)
	ts := s.nextTimestamp()
	c.modified = ts
	return ts, nil
}

func (s *Storage) DeleteCollection(ctx context.Context, uid uint64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return fmt.Errorf("collection %q: %w", name, store.ErrNotFound)
	}
	if _, ok := u.collections[name]; !ok {
		return fmt.Errorf("collection %q: %w", name, store.ErrNotFound)
	}
	delete(u.collections, name)
	return nil
}

func (s *Storage) DeleteStorage(ctx context.Context, uid uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, uid)
	for id, b := range s.batches {
		if b.uid == uid {
			delete(s.batches, id)
		}
	}
	return nil
}

func (s *Storage) CheckQuota(ctx context.Context, uid uint64, additionalBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkQuotaLocked(uid, additionalBytes, nil)
}

func (s *Storage) StorageUsage(ctx context.Context, uid uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usageLocked(uid, nil), nil
}

func (s *Storage) CollectionUsage(ctx context.Context, uid uint64) (map[string]int64, error) {
	return s.aggregate(uid, func(r *record) int64 { return int64(len(r.payload)) })
}

func (s *Storage) CollectionCounts(ctx context.Context, uid uint64) (map[string]int64, error) {
	return s.aggregate(uid, func(*record) int64 { return 1 })
}

func (s *Storage) aggregate(uid uint64, weigh func(*record) int64) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	u, ok := s.users[uid]
	if !ok {
		return out, nil
	}
	now := store.NowMillis()
	for name, c := range u.collections {
		for _, r := range c.records {
			if r.expiry <= now {
				continue
			}
			out[name] += weigh(r)
		}
	}
	return out, nil
}

func (s *Storage) PurgeExpired(ctx context.Context) (store.PurgeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res store.PurgeResult
	now := store.NowMillis()
	for _, u := range s.users {
		for _, c := range u.collections {
			for id, r := range c.records {
				if r.expiry <= now {
					delete(c.records, id)
					res.Records++
				}
			}
		}
	}
	for id, b := range s.batches {
		if b.expiry <= now {
			delete(s.batches, id)
			res.Batches++
		}
	}
	return res, nil
}

func (s *Storage) Close() error {
	return nil
}
