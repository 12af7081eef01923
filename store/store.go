package store

import (
	"context"
	"regexp"
	"time"
)

// Timestamp marks a modification within one (user, collection). Values are
// backend internal (the postgres backend uses milliseconds since the epoch,
// the etcd backend uses store revisions); the only promise is that successive
// successful writes to the same collection return strictly increasing values.
type Timestamp int64

// DefaultTTL is applied to records that are never supposed to expire,
// expressed in seconds.
const DefaultTTL = 2100000000

// MaxIDLen bounds record and collection identifiers.
const MaxIDLen = 64

var validID = regexp.MustCompile(`^[ -~]{1,64}$`)

// Record is one stored BSO.
type Record struct {
	ID        string
	Modified  Timestamp
	SortIndex *int32
	Payload   []byte
	// Expiry is the wall-clock moment, in milliseconds since the epoch,
	// after which the record is logically absent.
	Expiry int64
}

// PutRecord carries a full record write. Writes replace the whole record; a
// nil SortIndex clears any previous sort index and a nil TTL applies
// DefaultTTL.
type PutRecord struct {
	ID        string
	Payload   []byte
	SortIndex *int32
	// TTL in seconds from the time of the write.
	TTL *int64
}

// Sorting orders a GetRecords page.
type Sorting int

const (
	SortNone Sorting = iota
	// SortIndex orders by sort index, highest first.
	SortIndex
	// SortNewest orders by modified, newest first.
	SortNewest
	// SortOldest orders by modified, oldest first.
	SortOldest
)

// RecordFilter narrows and pages a GetRecords call. Zero values mean
// unconstrained. Limit <= 0 returns everything.
type RecordFilter struct {
	IDs    []string
	Newer  *Timestamp // only records with Modified > *Newer
	Older  *Timestamp // only records with Modified < *Older
	Sort   Sorting
	Limit  int
	Offset int
}

// RecordPage is one page of GetRecords results. When More is set, passing
// NextOffset as the next filter's Offset continues the listing.
type RecordPage struct {
	Records    []Record
	More       bool
	NextOffset int
}

// PurgeResult reports what one purge pass removed.
type PurgeResult struct {
	Records int
	Batches int
}

// Storage is the engine contract. Exactly one implementation is constructed
// per process; callers hold this interface, never a concrete backend.
//
// All operations are scoped to a single user. Conditional writes take an
// if-unmodified-since timestamp: the write succeeds only while the
// collection's timestamp still equals it, otherwise ErrConflict. A
// precondition of 0 requires that the collection does not exist yet.
type Storage interface {
	GetCollectionTimestamps(ctx context.Context, uid uint64) (map[string]Timestamp, error)
	GetCollectionTimestamp(ctx context.Context, uid uint64, collection string) (Timestamp, error)
	GetRecords(ctx context.Context, uid uint64, collection string, filter RecordFilter) (*RecordPage, error)
	GetRecord(ctx context.Context, uid uint64, collection, id string) (*Record, error)
	PutRecord(ctx context.Context, uid uint64, collection string, rec PutRecord, ifUnmodified *Timestamp) (Timestamp, error)

	CreateBatch(ctx context.Context, uid uint64, collection string) (string, error)
	AppendToBatch(ctx context.Context, uid uint64, collection, batchID string, recs []PutRecord) error
	CommitBatch(ctx context.Context, uid uint64, collection, batchID string, ifUnmodified *Timestamp) (Timestamp, error)

	DeleteRecord(ctx context.Context, uid uint64, collection, id string, ifUnmodified *Timestamp) (Timestamp, error)
	DeleteCollection(ctx context.Context, uid uint64, collection string) error
	DeleteStorage(ctx context.Context, uid uint64) error

	CheckQuota(ctx context.Context, uid uint64, additionalBytes int64) error
	StorageUsage(ctx context.Context, uid uint64) (int64, error)
	CollectionUsage(ctx context.Context, uid uint64) (map[string]int64, error)
	CollectionCounts(ctx context.Context, uid uint64) (map[string]int64, error)

	// PurgeExpired removes expired records and abandoned batches in bounded
	// pages. It is driven by the dispatcher, outside user-facing requests.
	PurgeExpired(ctx context.Context) (PurgeResult, error)

	Close() error
}

// NowMillis is the wall clock used for expiry decisions.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// ExpiryFor resolves a write's TTL into an absolute expiry.
func ExpiryFor(ttl *int64, nowMillis int64) int64 {
	seconds := int64(DefaultTTL)
	if ttl != nil {
		seconds = *ttl
	}
	return nowMillis + seconds*1000
}

// ValidateCollection checks a collection name.
func ValidateCollection(name string) error {
	if !validID.MatchString(name) {
		return errInvalid("collection name %q", name)
	}
	return nil
}

// ValidateRecord checks a record write against the shape and size limits.
func ValidateRecord(rec PutRecord, maxPayloadBytes int) error {
	if !validID.MatchString(rec.ID) {
		return errInvalid("record id %q", rec.ID)
	}
	if maxPayloadBytes > 0 && len(rec.Payload) > maxPayloadBytes {
		return errInvalid("payload of %d bytes exceeds limit %d", len(rec.Payload), maxPayloadBytes)
	}
	if rec.TTL != nil && *rec.TTL < 0 {
		return errInvalid("negative ttl %d", *rec.TTL)
	}
	return nil
}
