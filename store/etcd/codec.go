package etcd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lakesync/syncstore/store"
)

// Key layout, all under the configured namespace:
//
//	<ns>/c/<uid>/<collection>                      collection marker; its mod
//	                                               revision is the collection
//	                                               timestamp
//	<ns>/r/<uid>/<collection>/<id>                 record; mod revision is the
//	                                               record's modified timestamp
//	<ns>/bm/<uid>/<collection>/<batch>             batch metadata (leased)
//	<ns>/bi/<uid>/<collection>/<batch>/<id>        staged batch record (leased)
//
// Path segments are escaped so user-chosen names can never alias another key.

func seg(s string) string { return url.PathEscape(s) }

func unseg(s string) string {
	out, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return out
}

func (s *Storage) collKey(uid uint64, collection string) string {
	return s.ns + "/c/" + strconv.FormatUint(uid, 10) + "/" + seg(collection)
}

func (s *Storage) collPrefix(uid uint64) string {
	return s.ns + "/c/" + strconv.FormatUint(uid, 10) + "/"
}

func (s *Storage) recordKey(uid uint64, collection, id string) string {
	return s.recordPrefix(uid, collection) + seg(id)
}

func (s *Storage) recordPrefix(uid uint64, collection string) string {
	return s.ns + "/r/" + strconv.FormatUint(uid, 10) + "/" + seg(collection) + "/"
}

func (s *Storage) userRecordPrefix(uid uint64) string {
	return s.ns + "/r/" + strconv.FormatUint(uid, 10) + "/"
}

func (s *Storage) allRecordsPrefix() string {
	return s.ns + "/r/"
}

func (s *Storage) batchMetaKey(uid uint64, collection, batchID string) string {
	return s.ns + "/bm/" + strconv.FormatUint(uid, 10) + "/" + seg(collection) + "/" + seg(batchID)
}

func (s *Storage) batchMetaPrefix() string {
	return s.ns + "/bm/"
}

func (s *Storage) batchItemPrefix(uid uint64, collection, batchID string) string {
	return s.ns + "/bi/" + strconv.FormatUint(uid, 10) + "/" + seg(collection) + "/" + seg(batchID) + "/"
}

func (s *Storage) userPrefixes(uid uint64) []string {
	u := strconv.FormatUint(uid, 10)
	return []string{
		s.ns + "/c/" + u + "/",
		s.ns + "/r/" + u + "/",
		s.ns + "/bm/" + u + "/",
		s.ns + "/bi/" + u + "/",
	}
}

// recordValue is the stored form of a record; the modified timestamp lives in
// the key's mod revision, not the value.
type recordValue struct {
	SortIndex *int32 `json:"sortindex,omitempty"`
	Payload   []byte `json:"payload"`
	Expiry    int64  `json:"expiry"`
}

func encodeRecord(rec store.PutRecord, nowMillis int64) (string, error) {
	raw, err := json.Marshal(recordValue{
		SortIndex: rec.SortIndex,
		Payload:   rec.Payload,
		Expiry:    store.ExpiryFor(rec.TTL, nowMillis),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode record %q: %w", rec.ID, err)
	}
	return string(raw), nil
}

func decodeRecord(key string, prefix string, value []byte, modRevision int64) (store.Record, error) {
	var val recordValue
	if err := json.Unmarshal(value, &val); err != nil {
		return store.Record{}, fmt.Errorf("failed to decode record at %q: %w", key, err)
	}
	return store.Record{
		ID:        unseg(strings.TrimPrefix(key, prefix)),
		Modified:  store.Timestamp(modRevision),
		SortIndex: val.SortIndex,
		Payload:   val.Payload,
		Expiry:    val.Expiry,
	}, nil
}

type batchMeta struct {
	Created int64            `json:"created"`
	Expiry  int64            `json:"expiry"`
	LeaseID clientv3.LeaseID `json:"lease_id"`
}

type batchItem struct {
	SortIndex *int32 `json:"sortindex,omitempty"`
	Payload   []byte `json:"payload"`
	TTL       *int64 `json:"ttl,omitempty"`
}
