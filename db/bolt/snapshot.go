package bolt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"optrack.evalgo.org/common"
)

// SnapshotBucket holds one record per sink name
const SnapshotBucket = "snapshots"

type snapshotRecord struct {
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

// SnapshotSink keeps the last fetched value in memory and in bbolt. It
// satisfies refresh.Sink[json.RawMessage].
type SnapshotSink struct {
	db     *DB
	name   string
	logger *logrus.Entry

	// writeMu orders Replace calls so memory and disk agree on the last value
	writeMu   sync.Mutex
	mu        sync.RWMutex
	value     json.RawMessage
	updatedAt time.Time
}

// NewSnapshotSink creates a sink stored under name. logger may be nil.
func NewSnapshotSink(db *DB, name string, logger *logrus.Entry) (*SnapshotSink, error) {
	if err := db.CreateBucket(SnapshotBucket); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.NewEntry(common.Logger)
	}
	return &SnapshotSink{
		db:     db,
		name:   name,
		logger: logger.WithFields(logrus.Fields{"component": "snapshot", "sink": name}),
	}, nil
}

// Load restores the persisted value. A missing record is not an error.
func (s *SnapshotSink) Load() error {
	var rec snapshotRecord
	err := s.db.GetJSON(SnapshotBucket, s.name, &rec)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load snapshot %s: %w", s.name, err)
	}

	s.mu.Lock()
	s.value = rec.Data
	s.updatedAt = rec.UpdatedAt
	s.mu.Unlock()
	return nil
}

// Replace stores value, discarding the previous one. Persistence failures
// are logged; the in-memory value is replaced regardless.
func (s *SnapshotSink) Replace(value json.RawMessage) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rec := snapshotRecord{UpdatedAt: time.Now().UTC(), Data: value}

	s.mu.Lock()
	s.value = value
	s.updatedAt = rec.UpdatedAt
	s.mu.Unlock()

	if err := s.db.PutJSON(SnapshotBucket, s.name, rec); err != nil {
		s.logger.WithError(err).Warn("Failed to persist snapshot")
	}
}

// Get returns the current value and whether one is present
func (s *SnapshotSink) Get() (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, s.value != nil
}

// UpdatedAt returns when the value was last replaced
func (s *SnapshotSink) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}
