package reliability

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/glimte/mmate-gateway/internal/wire"
)

var (
	bucketEntries = []byte("dead_letters")
	bucketIndex   = []byte("dead_letter_ids")
	bucketMeta    = []byte("dead_letter_meta")

	keyCount   = []byte("count")
	keyEvicted = []byte("evicted")
)

// BoltDeadLetterStore is a DeadLetterStore persisted in a bbolt file, so dead
// letters survive restarts. Entries are kept in insertion order under a
// sequence key; an index bucket maps dead-letter IDs to those keys.
type BoltDeadLetterStore struct {
	db       *bolt.DB
	capacity int
	now      func() time.Time
}

// OpenBoltDeadLetterStore opens (or creates) the store at path.
func OpenBoltDeadLetterStore(path string, capacity int) (*BoltDeadLetterStore, error) {
	if capacity <= 0 {
		capacity = DefaultDeadLetterCapacity
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, &DeadLetterError{Op: "open", Err: err}
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketIndex, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, &DeadLetterError{Op: "open", Err: err}
	}

	return &BoltDeadLetterStore{db: db, capacity: capacity, now: time.Now}, nil
}

// Close releases the database file
func (s *BoltDeadLetterStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *BoltDeadLetterStore) Path() string {
	return s.db.Path()
}

// Store saves a dead letter, evicting the oldest entries beyond capacity.
func (s *BoltDeadLetterStore) Store(ctx context.Context, dl *DeadLetter) error {
	if dl == nil || dl.MessageID == "" {
		return &DeadLetterError{Op: "store", Err: ErrInvalidDeadLetter}
	}
	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	if dl.RecordedAt.IsZero() {
		dl.RecordedAt = s.now().UTC()
	}

	data, err := wire.Marshal(dl)
	if err != nil {
		return &DeadLetterError{Op: "store", ID: dl.ID, MessageID: dl.MessageID, Err: err}
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		entries, index, meta := tx.Bucket(bucketEntries), tx.Bucket(bucketIndex), tx.Bucket(bucketMeta)

		if key := index.Get([]byte(dl.ID)); key != nil {
			return entries.Put(append([]byte(nil), key...), data)
		}

		count, evicted := getCounter(meta, keyCount), getCounter(meta, keyEvicted)
		c := entries.Cursor()
		for k, v := c.First(); k != nil && count >= uint64(s.capacity); k, v = c.First() {
			var old DeadLetter
			if err := wire.Unmarshal(v, &old); err == nil {
				if err := index.Delete([]byte(old.ID)); err != nil {
					return err
				}
			}
			if err := c.Delete(); err != nil {
				return err
			}
			count--
			evicted++
		}

		seq, err := entries.NextSequence()
		if err != nil {
			return err
		}
		key := seqKey(seq)
		if err := entries.Put(key, data); err != nil {
			return err
		}
		if err := index.Put([]byte(dl.ID), key); err != nil {
			return err
		}
		if err := putCounter(meta, keyCount, count+1); err != nil {
			return err
		}
		return putCounter(meta, keyEvicted, evicted)
	})
	if err != nil {
		return &DeadLetterError{Op: "store", ID: dl.ID, MessageID: dl.MessageID, Err: err}
	}
	return nil
}

// Get retrieves a dead letter by ID
func (s *BoltDeadLetterStore) Get(ctx context.Context, id string) (*DeadLetter, error) {
	var dl *DeadLetter
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketIndex).Get([]byte(id))
		if key == nil {
			return ErrDeadLetterNotFound
		}
		v := tx.Bucket(bucketEntries).Get(key)
		if v == nil {
			return ErrDeadLetterNotFound
		}
		dl = &DeadLetter{}
		return wire.Unmarshal(v, dl)
	})
	if err != nil {
		return nil, &DeadLetterError{Op: "get", ID: id, Err: err}
	}
	return dl, nil
}

// GetByMessageID retrieves every dead letter recorded for a message, oldest first
func (s *BoltDeadLetterStore) GetByMessageID(ctx context.Context, messageID string) ([]*DeadLetter, error) {
	var out []*DeadLetter
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			var dl DeadLetter
			if err := wire.Unmarshal(v, &dl); err != nil {
				return err
			}
			if dl.MessageID == messageID {
				out = append(out, &dl)
			}
			return nil
		})
	})
	if err != nil {
		return nil, &DeadLetterError{Op: "get", MessageID: messageID, Err: err}
	}
	return out, nil
}

// List returns entries newest first
func (s *BoltDeadLetterStore) List(ctx context.Context, limit int) ([]*DeadLetter, error) {
	var out []*DeadLetter
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var dl DeadLetter
			if err := wire.Unmarshal(v, &dl); err != nil {
				return err
			}
			out = append(out, &dl)
		}
		return nil
	})
	if err != nil {
		return nil, &DeadLetterError{Op: "list", Err: err}
	}
	return out, nil
}

// Delete removes a dead letter
func (s *BoltDeadLetterStore) Delete(ctx context.Context, id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		index, meta := tx.Bucket(bucketIndex), tx.Bucket(bucketMeta)
		key := index.Get([]byte(id))
		if key == nil {
			return ErrDeadLetterNotFound
		}
		if err := tx.Bucket(bucketEntries).Delete(append([]byte(nil), key...)); err != nil {
			return err
		}
		if err := index.Delete([]byte(id)); err != nil {
			return err
		}
		return decrement(meta, 1)
	})
	if err != nil {
		return &DeadLetterError{Op: "delete", ID: id, Err: err}
	}
	return nil
}

// Stats returns counts by reason and destination type
func (s *BoltDeadLetterStore) Stats(ctx context.Context) (*DeadLetterStats, error) {
	stats := &DeadLetterStats{
		ByReason:      make(map[DeadLetterReason]int),
		ByDestination: make(map[string]int),
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		stats.Evicted = int64(getCounter(tx.Bucket(bucketMeta), keyEvicted))
		return tx.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			var dl DeadLetter
			if err := wire.Unmarshal(v, &dl); err != nil {
				return err
			}
			stats.Total++
			stats.ByReason[dl.Reason]++
			stats.ByDestination[string(dl.Destination.Type)]++
			return nil
		})
	})
	if err != nil {
		return nil, &DeadLetterError{Op: "stats", Err: err}
	}
	return stats, nil
}

// Cleanup removes entries older than the given age
func (s *BoltDeadLetterStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		entries, index := tx.Bucket(bucketEntries), tx.Bucket(bucketIndex)

		type stale struct{ key, id []byte }
		var victims []stale
		err := entries.ForEach(func(k, v []byte) error {
			var dl DeadLetter
			if err := wire.Unmarshal(v, &dl); err != nil {
				return err
			}
			if dl.RecordedAt.Before(cutoff) {
				victims = append(victims, stale{key: append([]byte(nil), k...), id: []byte(dl.ID)})
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, v := range victims {
			if err := entries.Delete(v.key); err != nil {
				return err
			}
			if err := index.Delete(v.id); err != nil {
				return err
			}
		}
		removed = len(victims)
		return decrement(tx.Bucket(bucketMeta), uint64(removed))
	})
	if err != nil {
		return 0, &DeadLetterError{Op: "cleanup", Err: err}
	}
	return removed, nil
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func getCounter(b *bolt.Bucket, key []byte) uint64 {
	v := b.Get(key)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func putCounter(b *bolt.Bucket, key []byte, n uint64) error {
	return b.Put(key, seqKey(n))
}

func decrement(meta *bolt.Bucket, n uint64) error {
	count := getCounter(meta, keyCount)
	if n > count {
		n = count
	}
	return putCounter(meta, keyCount, count-n)
}
