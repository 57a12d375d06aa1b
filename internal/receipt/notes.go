package receipt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultNoteRetention is how long a confirmation message can be
	// replied to before the link is considered expired.
	DefaultNoteRetention = 14 * 24 * time.Hour
	// DefaultSweepInterval throttles the retention sweep.
	DefaultSweepInterval = 3 * 24 * time.Hour
)

// NoteStore persists the links between confirmation messages and
// spreadsheet rows.
type NoteStore interface {
	// Register upserts a record for the given confirmation message
	// and runs the retention sweep if it is due.
	Register(ownerID int64, messageID int32, rec NoteRecord) error

	// Lookup returns the record for a message, treating records at or
	// beyond the retention age as absent.
	Lookup(ownerID int64, messageID int32) (*NoteRecord, bool, error)

	// OwnerByRow finds the owner that produced a spreadsheet row.
	// Legacy lookup; full scan.
	OwnerByRow(rowID int64) (int64, bool, error)

	// Sweep removes expired records regardless of throttling and
	// returns the number removed.
	Sweep() (int, error)

	// Close releases store resources.
	Close() error
}

// trackingDoc is the on-disk JSON document.
type trackingDoc struct {
	Messages    map[string]NoteRecord `json:"receipt_messages"`
	LastCleanup int64                 `json:"last_cleanup"`
}

// JSONNoteStore keeps the note links in a single JSON document on
// local disk, loading and rewriting the whole document per operation.
// Fine for the volumes a chat bot sees.
type JSONNoteStore struct {
	path       string
	retention  time.Duration
	sweepEvery time.Duration
	timeSource TimeSource
	mu         sync.Mutex
}

// NewJSONNoteStore creates a JSON-file note store.
func NewJSONNoteStore(path string, retention, sweepEvery time.Duration) *JSONNoteStore {
	return NewJSONNoteStoreWithTime(path, retention, sweepEvery, &defaultTimeSource{})
}

// NewJSONNoteStoreWithTime creates a JSON-file note store with an
// injected clock for tests.
func NewJSONNoteStoreWithTime(path string, retention, sweepEvery time.Duration, timeSource TimeSource) *JSONNoteStore {
	if retention <= 0 {
		retention = DefaultNoteRetention
	}
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepInterval
	}
	return &JSONNoteStore{
		path:       path,
		retention:  retention,
		sweepEvery: sweepEvery,
		timeSource: timeSource,
	}
}

func (s *JSONNoteStore) load() (*trackingDoc, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &trackingDoc{
			Messages:    make(map[string]NoteRecord),
			LastCleanup: s.timeSource.Now().Unix(),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tracking file: %w", err)
	}

	var doc trackingDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing tracking file: %w", err)
	}
	if doc.Messages == nil {
		doc.Messages = make(map[string]NoteRecord)
	}
	return &doc, nil
}

func (s *JSONNoteStore) save(doc *trackingDoc) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling tracking data: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0644); err != nil {
		return fmt.Errorf("writing tracking file: %w", err)
	}
	return nil
}

// expired reports whether a record is past the retention window. A
// record at exactly the window age is expired.
func expired(rec NoteRecord, now time.Time, retention time.Duration) bool {
	age := now.Sub(time.Unix(rec.Timestamp, 0))
	return age >= retention
}

// Register upserts a record and triggers the throttled sweep.
func (s *JSONNoteStore) Register(ownerID int64, messageID int32, rec NoteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}

	now := s.timeSource.Now()
	if rec.Timestamp == 0 {
		rec.Timestamp = now.Unix()
	}
	doc.Messages[noteKey(ownerID, messageID)] = rec

	if now.Sub(time.Unix(doc.LastCleanup, 0)) > s.sweepEvery {
		removed := sweepDoc(doc, now, s.retention)
		slog.Info("Cleaned up old receipt records", "removed", removed)
	}

	return s.save(doc)
}

// Lookup returns the record for a message if it is still fresh.
func (s *JSONNoteStore) Lookup(ownerID int64, messageID int32) (*NoteRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, false, err
	}

	rec, ok := doc.Messages[noteKey(ownerID, messageID)]
	if !ok || expired(rec, s.timeSource.Now(), s.retention) {
		return nil, false, nil
	}
	return &rec, true, nil
}

// OwnerByRow scans all records for a matching row reference.
func (s *JSONNoteStore) OwnerByRow(rowID int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return 0, false, err
	}

	for key, rec := range doc.Messages {
		if rec.SheetRowID == rowID {
			owner, err := ownerFromKey(key)
			if err != nil {
				return 0, false, err
			}
			return owner, true, nil
		}
	}
	return 0, false, nil
}

// Sweep removes expired records immediately.
func (s *JSONNoteStore) Sweep() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return 0, err
	}

	removed := sweepDoc(doc, s.timeSource.Now(), s.retention)
	if err := s.save(doc); err != nil {
		return 0, err
	}
	return removed, nil
}

// Close is a no-op for the JSON store.
func (s *JSONNoteStore) Close() error {
	return nil
}

func sweepDoc(doc *trackingDoc, now time.Time, retention time.Duration) int {
	removed := 0
	for key, rec := range doc.Messages {
		if expired(rec, now, retention) {
			delete(doc.Messages, key)
			removed++
		}
	}
	doc.LastCleanup = now.Unix()
	return removed
}

func ownerFromKey(key string) (int64, error) {
	owner, _, ok := strings.Cut(key, "_")
	if !ok {
		return 0, fmt.Errorf("malformed tracking key %q", key)
	}
	id, err := strconv.ParseInt(owner, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed tracking key %q: %w", key, err)
	}
	return id, nil
}
