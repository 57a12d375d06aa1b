package receipt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

const (
	notesBucketName = "receipt_messages"
	metaBucketName  = "meta"
	lastCleanupKey  = "last_cleanup"
)

// BoltNoteStore is the bbolt-backed variant of the note store, for
// deployments that prefer a real database file over a rewritten JSON
// document.
type BoltNoteStore struct {
	db         *bbolt.DB
	retention  time.Duration
	sweepEvery time.Duration
	timeSource TimeSource
}

// NewBoltNoteStore opens (creating if needed) a bbolt note store.
func NewBoltNoteStore(path string, retention, sweepEvery time.Duration) (*BoltNoteStore, error) {
	return NewBoltNoteStoreWithTime(path, retention, sweepEvery, &defaultTimeSource{})
}

// NewBoltNoteStoreWithTime opens a bbolt note store with an injected
// clock for tests.
func NewBoltNoteStoreWithTime(path string, retention, sweepEvery time.Duration, timeSource TimeSource) (*BoltNoteStore, error) {
	if retention <= 0 {
		retention = DefaultNoteRetention
	}
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepInterval
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(notesBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(metaBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltNoteStore{
		db:         db,
		retention:  retention,
		sweepEvery: sweepEvery,
		timeSource: timeSource,
	}, nil
}

func (b *BoltNoteStore) lastCleanup(tx *bbolt.Tx) time.Time {
	raw := tx.Bucket([]byte(metaBucketName)).Get([]byte(lastCleanupKey))
	if len(raw) != 8 {
		return time.Time{}
	}
	return time.Unix(int64(binary.BigEndian.Uint64(raw)), 0)
}

func (b *BoltNoteStore) setLastCleanup(tx *bbolt.Tx, t time.Time) error {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], uint64(t.Unix()))
	return tx.Bucket([]byte(metaBucketName)).Put([]byte(lastCleanupKey), raw[:])
}

// Register upserts a record and triggers the throttled sweep.
func (b *BoltNoteStore) Register(ownerID int64, messageID int32, rec NoteRecord) error {
	now := b.timeSource.Now()
	if rec.Timestamp == 0 {
		rec.Timestamp = now.Unix()
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling note record: %w", err)
		}
		bucket := tx.Bucket([]byte(notesBucketName))
		if err := bucket.Put([]byte(noteKey(ownerID, messageID)), data); err != nil {
			return err
		}

		if now.Sub(b.lastCleanup(tx)) > b.sweepEvery {
			removed, err := sweepBucket(bucket, now, b.retention)
			if err != nil {
				return err
			}
			slog.Info("Cleaned up old receipt records", "removed", removed)
			return b.setLastCleanup(tx, now)
		}
		return nil
	})
}

// Lookup returns the record for a message if it is still fresh.
func (b *BoltNoteStore) Lookup(ownerID int64, messageID int32) (*NoteRecord, bool, error) {
	var rec NoteRecord
	found := false

	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(notesBucketName)).Get([]byte(noteKey(ownerID, messageID)))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("unmarshaling note record: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if !found || expired(rec, b.timeSource.Now(), b.retention) {
		return nil, false, nil
	}
	return &rec, true, nil
}

// OwnerByRow scans all records for a matching row reference.
func (b *BoltNoteStore) OwnerByRow(rowID int64) (int64, bool, error) {
	var owner int64
	found := false

	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(notesBucketName)).ForEach(func(k, v []byte) error {
			if found {
				return nil
			}
			var rec NoteRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling note record: %w", err)
			}
			if rec.SheetRowID == rowID {
				id, err := ownerFromKey(string(k))
				if err != nil {
					return err
				}
				owner = id
				found = true
			}
			return nil
		})
	})
	if err != nil {
		return 0, false, err
	}
	return owner, found, nil
}

// Sweep removes expired records immediately.
func (b *BoltNoteStore) Sweep() (int, error) {
	now := b.timeSource.Now()
	removed := 0

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(notesBucketName))
		n, err := sweepBucket(bucket, now, b.retention)
		if err != nil {
			return err
		}
		removed = n
		return b.setLastCleanup(tx, now)
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Close closes the database file.
func (b *BoltNoteStore) Close() error {
	return b.db.Close()
}

func sweepBucket(bucket *bbolt.Bucket, now time.Time, retention time.Duration) (int, error) {
	var stale [][]byte
	err := bucket.ForEach(func(k, v []byte) error {
		var rec NoteRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshaling note record: %w", err)
		}
		if expired(rec, now, retention) {
			key := make([]byte, len(k))
			copy(key, k)
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, key := range stale {
		if err := bucket.Delete(key); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}
