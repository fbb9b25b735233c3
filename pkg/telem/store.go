// Package telem keeps recent driving status changes in RAM for the API.
package telem

import (
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/drivedetect/pkg"
	"github.com/markus-lassfolk/drivedetect/pkg/events"
)

// Record is one stored status change
type Record struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Status    pkg.DrivingStatus `json:"status"`
}

// Store keeps recent bus events in a ring buffer with time-based retention.
// It is registered on the event bus as a listener.
type Store struct {
	mu        sync.RWMutex
	retention time.Duration
	events    *RingBuffer
	now       func() time.Time
}

// NewStore creates a store holding at most capacity events for retention
func NewStore(capacity int, retention time.Duration) (*Store, error) {
	if capacity < 1 || capacity > 10000 {
		return nil, fmt.Errorf("capacity must be between 1 and 10000")
	}
	if retention < time.Minute || retention > 168*time.Hour {
		return nil, fmt.Errorf("retention must be between 1m and 168h")
	}

	return &Store{
		retention: retention,
		events:    NewRingBuffer(capacity),
		now:       time.Now,
	}, nil
}

// HandleEvent records ev
func (s *Store) HandleEvent(ev events.Event) error {
	ts := ev.Source.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events.Add(Record{Name: ev.Name, Timestamp: ts, Status: ev.Status})
	return nil
}

// GetEvents returns events at or after since, oldest first. A positive
// limit keeps only the newest limit events.
func (s *Store) GetEvents(since time.Time, limit int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.events.GetSince(since)
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records
}

// Size returns the number of stored events
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events.Size()
}

// Cleanup drops events older than the retention window
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events.RemoveBefore(s.now().Add(-s.retention))
}

// RingBuffer is a fixed-capacity FIFO of records; the oldest is overwritten
// when full. Not safe for concurrent use.
type RingBuffer struct {
	data     []Record
	capacity int
	head     int // index of the oldest record
	size     int
}

// NewRingBuffer creates a ring buffer with the given capacity
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{
		data:     make([]Record, capacity),
		capacity: capacity,
	}
}

// Add appends r, overwriting the oldest record when full
func (rb *RingBuffer) Add(r Record) {
	tail := (rb.head + rb.size) % rb.capacity
	rb.data[tail] = r
	if rb.size < rb.capacity {
		rb.size++
		return
	}
	rb.head = (rb.head + 1) % rb.capacity
}

// GetSince returns records with Timestamp not before since, oldest first
func (rb *RingBuffer) GetSince(since time.Time) []Record {
	result := make([]Record, 0, rb.size)
	for i := 0; i < rb.size; i++ {
		r := rb.data[(rb.head+i)%rb.capacity]
		if !r.Timestamp.Before(since) {
			result = append(result, r)
		}
	}
	return result
}

// RemoveBefore drops leading records older than before and returns how many
func (rb *RingBuffer) RemoveBefore(before time.Time) int {
	removed := 0
	for rb.size > 0 && rb.data[rb.head].Timestamp.Before(before) {
		rb.data[rb.head] = Record{}
		rb.head = (rb.head + 1) % rb.capacity
		rb.size--
		removed++
	}
	return removed
}

// Size returns the number of records held
func (rb *RingBuffer) Size() int {
	return rb.size
}

// Capacity returns the maximum number of records
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}
