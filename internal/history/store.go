// Package history keeps the translations seen during a run so the user can
// list them again. Entries live in memory only and are lost on exit.
package history

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of entries kept when none is configured.
const DefaultCapacity = 200

// Entry is one saved translation.
type Entry struct {
	SessionID        string
	Transcription    string
	DetectedLanguage string
	Translation      string
	At               time.Time
}

// Store is a bounded list of entries ordered oldest first. Once full, adding
// an entry evicts the oldest one. All methods are safe for concurrent use.
type Store struct {
	capacity int

	mu      sync.Mutex
	entries []Entry
}

// NewStore returns a Store holding at most capacity entries. A capacity of
// zero or less selects [DefaultCapacity].
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{capacity: capacity}
}

// Add appends e and returns how many entries were evicted to make room.
// Entries without a translation are ignored.
func (s *Store) Add(e Entry) int {
	if e.Translation == "" {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, e)
	evicted := len(s.entries) - s.capacity
	if evicted <= 0 {
		return 0
	}
	// Copy down so the backing array does not grow without bound.
	n := copy(s.entries, s.entries[evicted:])
	clear(s.entries[n:])
	s.entries = s.entries[:n]
	return evicted
}

// List returns a copy of the entries, oldest first.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Capacity returns the maximum number of entries.
func (s *Store) Capacity() int { return s.capacity }

// Clear removes every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}
