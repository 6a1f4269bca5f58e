// Package issues keeps the user-visible diagnostic log. Components record
// failures here instead of surfacing them as errors; the log can be exported
// as flat text for bug reports.
package issues

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity bounds the number of retained entries
const DefaultCapacity = 1000

// Entry is one recorded issue
type Entry struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}

// Log is a bounded, concurrency-safe issue log. The oldest entries are
// dropped once capacity is reached.
type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	current  string
	now      func() time.Time
}

// NewLog creates a log holding at most capacity entries (<= 0 uses DefaultCapacity)
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{capacity: capacity, now: time.Now}
}

// Record appends an issue. It never panics and never fails.
func (l *Log) Record(message string, details interface{}) {
	entry := Entry{
		ID:        uuid.New().String(),
		Timestamp: l.now().UTC(),
		Message:   message,
		Details:   details,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= l.capacity {
		l.entries = append(l.entries[:0], l.entries[1:]...)
	}
	l.entries = append(l.entries, entry)
}

// Entries returns a copy of the recorded entries, oldest first
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of recorded entries
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Clear drops all entries
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// ExportAsText renders one "[timestamp] message details" line per entry
func (l *Log) ExportAsText() string {
	entries := l.Entries()
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("[%s] %s %s",
			e.Timestamp.Format(time.RFC3339Nano), e.Message, formatDetails(e.Details)))
	}
	return strings.Join(lines, "\n")
}

// SaveTo writes the text export to path
func (l *Log) SaveTo(path string) error {
	if err := os.WriteFile(path, []byte(l.ExportAsText()), 0o644); err != nil {
		return fmt.Errorf("failed to save issue log: %w", err)
	}
	return nil
}

// SetError sets the current error banner and records it
func (l *Log) SetError(message string) {
	l.mu.Lock()
	l.current = message
	l.mu.Unlock()

	l.Record(message, nil)
}

// CurrentError returns the current error banner, empty when cleared
func (l *Log) CurrentError() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// ClearError clears the error banner. Recorded entries are kept.
func (l *Log) ClearError() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = ""
}

func formatDetails(details interface{}) string {
	switch d := details.(type) {
	case nil:
		return ""
	case string:
		return d
	case error:
		return d.Error()
	}

	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Sprintf("%v", details)
	}
	return string(data)
}
