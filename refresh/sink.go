package refresh

import (
	"sync"
	"time"
)

// MemorySink keeps the last fetched value in memory
type MemorySink[T any] struct {
	mu        sync.RWMutex
	value     T
	updatedAt time.Time
	set       bool
}

// NewMemorySink creates an empty sink
func NewMemorySink[T any]() *MemorySink[T] {
	return &MemorySink[T]{}
}

// Replace stores value, discarding the previous one
func (s *MemorySink[T]) Replace(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = value
	s.updatedAt = time.Now()
	s.set = true
}

// Get returns the stored value and whether any fetch has succeeded yet
func (s *MemorySink[T]) Get() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, s.set
}

// UpdatedAt returns when the value was last replaced
func (s *MemorySink[T]) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}
