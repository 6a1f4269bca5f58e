package statemanager

import (
	"sync"
	"time"
)

// HistoryEntry records one operation run that reached a terminal state
type HistoryEntry struct {
	ID          uint64       `json:"id"`
	Key         OperationKey `json:"key"`
	Label       string       `json:"label"`
	CompletedAt time.Time    `json:"completed_at"`
	Outcome     EventKind    `json:"outcome"`
	Message     string       `json:"message,omitempty"`
}

// HistoryObserver is notified when entries enter or leave the history
type HistoryObserver interface {
	EntryAdded(entry HistoryEntry)
	EntryRemoved(entry HistoryEntry)
}

// History is a time-bounded append log of terminal events. It is independent
// from the live store: entries outlive the live eviction and are pruned by
// their own timers.
type History struct {
	mu        sync.RWMutex
	entries   []HistoryEntry
	timers    map[uint64]*time.Timer
	retention time.Duration
	nextID    uint64
	observer  HistoryObserver
	closed    bool
}

// NewHistory creates an empty history with the given retention window
func NewHistory(retention time.Duration, observer HistoryObserver) *History {
	return &History{
		timers:    make(map[uint64]*time.Timer),
		retention: retention,
		observer:  observer,
	}
}

// Add appends an entry and schedules its removal after the retention window.
// The assigned ID is returned.
func (h *History) Add(entry HistoryEntry) uint64 {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0
	}
	h.nextID++
	entry.ID = h.nextID
	h.entries = append(h.entries, entry)

	id := entry.ID
	h.timers[id] = time.AfterFunc(h.retention, func() {
		h.remove(id)
	})
	observer := h.observer
	h.mu.Unlock()

	if observer != nil {
		observer.EntryAdded(entry)
	}
	return id
}

// remove drops the entry with the given ID (timer callback)
func (h *History) remove(id uint64) {
	h.mu.Lock()
	if _, ok := h.timers[id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.timers, id)

	var removed *HistoryEntry
	for i := range h.entries {
		if h.entries[i].ID == id {
			e := h.entries[i]
			removed = &e
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			break
		}
	}
	observer := h.observer
	h.mu.Unlock()

	if removed != nil && observer != nil {
		observer.EntryRemoved(*removed)
	}
}

// Entries returns a copy of the current entries, oldest first
func (h *History) Entries() []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of retained entries
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Close stops all pruning timers. Entries stay readable.
func (h *History) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, t := range h.timers {
		t.Stop()
		delete(h.timers, id)
	}
}
