package eventstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/ilpmesh/connector/internal/telemetry"
)

var (
	bucketEvents = []byte("events")   // seq(8B BE) -> event JSON
	bucketMeta   = []byte("meta")     // counters
	bucketByType = []byte("idx_type") // type|seq -> seq
	bucketByPeer = []byte("idx_peer") // peer|seq -> seq
	bucketByPkt  = []byte("idx_packet")

	keyNextSeq   = []byte("nextSeq")
	keySizeBytes = []byte("sizeBytes")
)

// DefaultMaxBytes caps the database at 100 MB before FIFO eviction.
const DefaultMaxBytes = 100 * 1024 * 1024

// BoltStore is a bbolt-backed Store. Writes are serialized by bbolt's single
// writer; readers observe a consistent per-transaction snapshot.
type BoltStore struct {
	db       *bolt.DB
	maxBytes int64
	log      *slog.Logger

	// OnSizeExceeded fires once per eviction pass, after oldest events
	// have been dropped to get back under the cap.
	OnSizeExceeded func(evicted int)

	mu   sync.Mutex // serializes seq assignment with eviction accounting
	size int64
	next uint64
}

// OpenBolt opens (or creates) the event database at path.
func OpenBolt(path string, maxBytes int64, log *slog.Logger) (*BoltStore, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if log == nil {
		log = slog.Default()
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open %s: %w", path, err)
	}

	s := &BoltStore{db: db, maxBytes: maxBytes, log: log}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEvents, bucketMeta, bucketByType, bucketByPeer, bucketByPkt} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keyNextSeq); v != nil {
			s.next = binary.BigEndian.Uint64(v)
		} else {
			s.next = 1
		}
		if v := meta.Get(keySizeBytes); v != nil {
			s.size = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("eventstore: init buckets: %w", err)
	}
	return s, nil
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

func indexKey(field string, seq uint64) []byte {
	k := make([]byte, 0, len(field)+9)
	k = append(k, field...)
	k = append(k, 0x00)
	return append(k, seqKey(seq)...)
}

// Store assigns the next sequence number, persists the event with its
// secondary indexes, and evicts oldest events past the size cap.
func (s *BoltStore) Store(_ context.Context, event *telemetry.Event) (*StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := &StoredEvent{Seq: s.next, Event: *event}
	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("eventstore: marshal event: %w", err)
	}

	var evicted int
	err = s.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		if err := events.Put(seqKey(stored.Seq), payload); err != nil {
			return err
		}
		if err := s.putIndexes(tx, stored); err != nil {
			return err
		}
		s.size += int64(len(payload)) + 8
		s.next++

		for s.size > s.maxBytes {
			n, err := s.evictOldest(tx)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			evicted += n
		}

		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(keyNextSeq, seqKey(s.next)); err != nil {
			return err
		}
		return meta.Put(keySizeBytes, seqKey(uint64(s.size)))
	})
	if err != nil {
		return nil, fmt.Errorf("eventstore: store: %w", err)
	}

	if evicted > 0 {
		s.log.Warn("event store exceeded size cap, evicted oldest events",
			"evicted", evicted, "sizeBytes", s.size, "maxBytes", s.maxBytes)
		if s.OnSizeExceeded != nil {
			s.OnSizeExceeded(evicted)
		}
	}
	return stored, nil
}

func (s *BoltStore) putIndexes(tx *bolt.Tx, ev *StoredEvent) error {
	if err := tx.Bucket(bucketByType).Put(indexKey(string(ev.Type), ev.Seq), seqKey(ev.Seq)); err != nil {
		return err
	}
	if ev.PeerID != "" {
		if err := tx.Bucket(bucketByPeer).Put(indexKey(ev.PeerID, ev.Seq), seqKey(ev.Seq)); err != nil {
			return err
		}
	}
	if ev.PacketID != "" {
		if err := tx.Bucket(bucketByPkt).Put(indexKey(ev.PacketID, ev.Seq), seqKey(ev.Seq)); err != nil {
			return err
		}
	}
	return nil
}

// evictOldest removes the single oldest event. Caller holds s.mu and the
// write transaction.
func (s *BoltStore) evictOldest(tx *bolt.Tx) (int, error) {
	events := tx.Bucket(bucketEvents)
	cur := events.Cursor()
	k, v := cur.First()
	if k == nil {
		return 0, nil
	}
	var old StoredEvent
	if err := json.Unmarshal(v, &old); err == nil {
		_ = tx.Bucket(bucketByType).Delete(indexKey(string(old.Type), old.Seq))
		if old.PeerID != "" {
			_ = tx.Bucket(bucketByPeer).Delete(indexKey(old.PeerID, old.Seq))
		}
		if old.PacketID != "" {
			_ = tx.Bucket(bucketByPkt).Delete(indexKey(old.PacketID, old.Seq))
		}
	}
	if err := events.Delete(k); err != nil {
		return 0, err
	}
	s.size -= int64(len(v)) + 8
	return 1, nil
}

// indexFor picks the most selective index bucket the filter can use, or
// nil when only a full log scan can serve it. Remaining constraints are
// applied per event after the index narrows the candidates.
func indexFor(f *Filter) (bucket, prefix []byte) {
	switch {
	case f.PacketID != "":
		return bucketByPkt, fieldPrefix(f.PacketID)
	case f.PeerID != "":
		return bucketByPeer, fieldPrefix(f.PeerID)
	case len(f.Types) == 1:
		return bucketByType, fieldPrefix(string(f.Types[0]))
	}
	return nil, nil
}

func fieldPrefix(field string) []byte {
	p := make([]byte, 0, len(field)+1)
	p = append(p, field...)
	return append(p, 0x00)
}

// scanIndex walks one index prefix in seq order, handing each referenced
// seq key to fn until fn returns false.
func scanIndex(idx *bolt.Bucket, prefix []byte, ascending bool, fn func(seqKey []byte) (bool, error)) error {
	cur := idx.Cursor()
	var k, v []byte
	advance := cur.Next
	if ascending {
		k, v = cur.Seek(prefix)
	} else {
		advance = cur.Prev
		// The separator byte is 0x00, so bumping it gives the first key
		// past this prefix.
		end := append([]byte(nil), prefix...)
		end[len(end)-1] = 0x01
		if k, v = cur.Seek(end); k == nil {
			k, v = cur.Last()
		} else {
			k, v = cur.Prev()
		}
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = advance() {
		cont, err := fn(v)
		if err != nil || !cont {
			return err
		}
	}
	return nil
}

// Query returns matching events in seq order (reverse by default), using
// the packet, peer, or type index when the filter names one.
func (s *BoltStore) Query(_ context.Context, filter Filter) ([]*StoredEvent, error) {
	filter.normalize()

	var out []*StoredEvent
	skip := filter.Offset
	err := s.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)

		visit := func(k, v []byte) (bool, error) {
			var ev StoredEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return false, fmt.Errorf("corrupt event at seq %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if !filter.matches(&ev) {
				return true, nil
			}
			if skip > 0 {
				skip--
				return true, nil
			}
			out = append(out, &ev)
			return len(out) < filter.Limit, nil
		}

		if idxName, prefix := indexFor(&filter); idxName != nil {
			return scanIndex(tx.Bucket(idxName), prefix, filter.Ascending, func(seqKey []byte) (bool, error) {
				v := events.Get(seqKey)
				if v == nil {
					// Stale entry for an evicted event.
					return true, nil
				}
				return visit(seqKey, v)
			})
		}

		cur := events.Cursor()
		advance := cur.Prev
		k, v := cur.Last()
		if filter.Ascending {
			advance = cur.Next
			k, v = cur.First()
		}
		for ; k != nil; k, v = advance() {
			cont, err := visit(k, v)
			if err != nil || !cont {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("eventstore: query: %w", err)
	}
	return out, nil
}

// Count returns the number of events matching the filter, narrowed by the
// same index selection as Query.
func (s *BoltStore) Count(_ context.Context, filter Filter) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)

		count := func(v []byte) error {
			var ev StoredEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if filter.matches(&ev) {
				n++
			}
			return nil
		}

		if idxName, prefix := indexFor(&filter); idxName != nil {
			return scanIndex(tx.Bucket(idxName), prefix, true, func(seqKey []byte) (bool, error) {
				v := events.Get(seqKey)
				if v == nil {
					return true, nil
				}
				return true, count(v)
			})
		}
		return events.ForEach(func(_, v []byte) error { return count(v) })
	})
	if err != nil {
		return 0, fmt.Errorf("eventstore: count: %w", err)
	}
	return n, nil
}

// Size returns the tracked payload size in bytes.
func (s *BoltStore) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Total returns the number of retained events.
func (s *BoltStore) Total() uint64 {
	var n uint64
	_ = s.db.View(func(tx *bolt.Tx) error {
		n = uint64(tx.Bucket(bucketEvents).Stats().KeyN)
		return nil
	})
	return n
}

// Close flushes and closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
