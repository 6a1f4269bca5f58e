package statemanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"optrack.evalgo.org/common"
)

// ErrClosed is returned when events are applied after Close
var ErrClosed = errors.New("state manager closed")

const (
	DefaultLiveRetention    = 2 * time.Second
	DefaultHistoryRetention = 3 * time.Minute
)

// Observer receives state machine notifications, e.g. for metrics
type Observer interface {
	EventApplied(kind EventKind)
	EventRejected()
	TerminalReached(outcome EventKind)
	ActiveChanged(active int)
}

// Config for creating a new Manager
type Config struct {
	LiveRetention    time.Duration // grace delay before a terminal entry leaves the live store, default 2s
	HistoryRetention time.Duration // how long completion history entries are kept, default 3m
	Observer         Observer
	HistoryObserver  HistoryObserver
	Logger           *logrus.Entry
	Now              func() time.Time
}

// eviction is a pending live-store removal; token identifies the arming
type eviction struct {
	timer *time.Timer
	token uint64
}

// Manager owns the live operation store and the completion history.
// All mutations go through Apply.
type Manager struct {
	mu         sync.RWMutex
	operations map[string]*OperationState
	keys       map[string]OperationKey
	evictions  map[string]*eviction
	tokens     uint64
	closed     bool

	history  *History
	cfg      Config
	logger   *logrus.Entry
	observer Observer
	now      func() time.Time
}

// New creates a new state manager
func New(cfg Config) *Manager {
	if cfg.LiveRetention <= 0 {
		cfg.LiveRetention = DefaultLiveRetention
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = DefaultHistoryRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(common.Logger)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		operations: make(map[string]*OperationState),
		keys:       make(map[string]OperationKey),
		evictions:  make(map[string]*eviction),
		history:    NewHistory(cfg.HistoryRetention, cfg.HistoryObserver),
		cfg:        cfg,
		logger:     cfg.Logger.WithField("component", "statemanager"),
		observer:   cfg.Observer,
		now:        cfg.Now,
	}
}

// Apply performs exactly one state transition for ev
func (m *Manager) Apply(ev OperationEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	id := ev.Key.Canonical()
	now := m.now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}

	state, exists := m.operations[id]
	if !exists {
		state = &OperationState{}
		m.operations[id] = state
		m.keys[id] = ev.Key
	}

	switch ev.Kind {
	case EventStarted:
		// a restart must not be erased by the previous run's eviction
		m.cancelEvictionLocked(id)
		*state = OperationState{Kind: ev.Operation, IsActive: true}
	case EventProgress:
		p := ev.Progress
		state.Progress = &p
		state.Status, state.Warning, state.Error = "", "", ""
		if !exists {
			state.IsActive = true
		}
	case EventStatus:
		state.Status = ev.Message
		state.Progress = nil
		state.Warning, state.Error = "", ""
		if !exists {
			state.IsActive = true
		}
	case EventWarning:
		state.Warning = ev.Message
		state.Error = ""
		if !exists {
			state.IsActive = true
		}
	case EventError:
		state.Error = ev.Message
		state.Warning = ""
		state.IsActive = false
	case EventCompleted:
		state.Status = "Completed"
		state.Progress = nil
		state.Warning, state.Error = "", ""
		state.IsActive = false
	}
	state.UpdatedAt = now

	if ev.Kind.IsTerminal() {
		m.scheduleEvictionLocked(id)
	}
	active := m.activeCountLocked()
	m.mu.Unlock()

	// history observers may do I/O, so the append happens outside the store lock
	if ev.Kind.IsTerminal() {
		m.history.Add(HistoryEntry{
			Key:         ev.Key,
			Label:       ExtractLabel(ev.Key.SourceURL),
			CompletedAt: now,
			Outcome:     ev.Kind,
			Message:     ev.Message,
		})
	}

	m.logger.WithFields(logrus.Fields{
		"key":   id,
		"event": ev.Kind,
	}).Debug("Applied operation event")

	if m.observer != nil {
		m.observer.EventApplied(ev.Kind)
		if ev.Kind.IsTerminal() {
			m.observer.TerminalReached(ev.Kind)
		}
		m.observer.ActiveChanged(active)
	}
	return nil
}

// scheduleEvictionLocked arms the live removal for id (must be called with lock held)
func (m *Manager) scheduleEvictionLocked(id string) {
	m.cancelEvictionLocked(id)

	m.tokens++
	token := m.tokens
	m.evictions[id] = &eviction{
		token: token,
		timer: time.AfterFunc(m.cfg.LiveRetention, func() {
			m.evict(id, token)
		}),
	}
}

// cancelEvictionLocked stops a pending removal for id (must be called with lock held)
func (m *Manager) cancelEvictionLocked(id string) {
	if pending, ok := m.evictions[id]; ok {
		pending.timer.Stop()
		delete(m.evictions, id)
	}
}

// evict removes id if token still identifies the current arming
func (m *Manager) evict(id string, token uint64) {
	m.mu.Lock()
	pending, ok := m.evictions[id]
	if !ok || pending.token != token {
		m.mu.Unlock()
		return
	}
	delete(m.evictions, id)
	delete(m.operations, id)
	delete(m.keys, id)
	active := m.activeCountLocked()
	m.mu.Unlock()

	m.logger.WithField("key", id).Debug("Evicted finished operation")
	if m.observer != nil {
		m.observer.ActiveChanged(active)
	}
}

// activeCountLocked counts active entries (must be called with lock held)
func (m *Manager) activeCountLocked() int {
	count := 0
	for _, op := range m.operations {
		if op.IsActive {
			count++
		}
	}
	return count
}

// HasActiveOperations reports whether any tracked operation is active
func (m *Manager) HasActiveOperations() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, op := range m.operations {
		if op.IsActive {
			return true
		}
	}
	return false
}

// ActiveOperationCount returns the number of active operations
func (m *Manager) ActiveOperationCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeCountLocked()
}

// GetOperationState returns a copy of the stored state, or the inactive
// default when the pair is not tracked
func (m *Manager) GetOperationState(sourceURL, destinationPath string) OperationState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if op, exists := m.operations[CanonicalKey(sourceURL, destinationPath)]; exists {
		return op.clone()
	}
	return OperationState{}
}

// IsOperationActive reports whether the pair has an active operation
func (m *Manager) IsOperationActive(sourceURL, destinationPath string) bool {
	return m.GetOperationState(sourceURL, destinationPath).IsActive
}

// GetOperationKind returns the kind the pair's operation was started with
func (m *Manager) GetOperationKind(sourceURL, destinationPath string) (OperationKind, bool) {
	kind := m.GetOperationState(sourceURL, destinationPath).Kind
	return kind, kind != ""
}

// GetProgress returns the last reported progress for the pair
func (m *Manager) GetProgress(sourceURL, destinationPath string) (Progress, bool) {
	p := m.GetOperationState(sourceURL, destinationPath).Progress
	if p == nil {
		return Progress{}, false
	}
	return *p, true
}

// Len returns the number of entries in the live store
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.operations)
}

// ListOperations returns copies of all live entries, ordered by label then destination
func (m *Manager) ListOperations() []TrackedOperation {
	m.mu.RLock()
	ops := make([]TrackedOperation, 0, len(m.operations))
	for id, op := range m.operations {
		key := m.keys[id]
		ops = append(ops, TrackedOperation{
			Key:   key,
			Label: ExtractLabel(key.SourceURL),
			State: op.clone(),
		})
	}
	m.mu.RUnlock()

	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Label != ops[j].Label {
			return ops[i].Label < ops[j].Label
		}
		return ops[i].Key.DestinationPath < ops[j].Key.DestinationPath
	})
	return ops
}

// ActiveOperations returns only the active entries of ListOperations
func (m *Manager) ActiveOperations() []TrackedOperation {
	all := m.ListOperations()
	active := all[:0]
	for _, op := range all {
		if op.State.IsActive {
			active = append(active, op)
		}
	}
	return active
}

// History returns the retained completion history, oldest first
func (m *Manager) History() []HistoryEntry {
	return m.history.Entries()
}

// GetStats returns aggregated statistics
func (m *Manager) GetStats() *OperationStats {
	stats := &OperationStats{
		ByKind:    make(map[OperationKind]int),
		ByOutcome: make(map[EventKind]int),
	}

	m.mu.RLock()
	stats.LiveOperations = len(m.operations)
	for _, op := range m.operations {
		if op.IsActive {
			stats.ActiveOperations++
		}
		if op.Kind != "" {
			stats.ByKind[op.Kind]++
		}
	}
	m.mu.RUnlock()

	entries := m.history.Entries()
	stats.HistoryEntries = len(entries)
	for _, e := range entries {
		stats.ByOutcome[e.Outcome]++
	}
	return stats
}

// Close stops all pending timers. Further Apply calls return ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id := range m.evictions {
		m.cancelEvictionLocked(id)
	}
	m.mu.Unlock()

	m.history.Close()
	return nil
}

// String is used in debug logs
func (m *Manager) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("statemanager(live=%d, pending_evictions=%d)", len(m.operations), len(m.evictions))
}
