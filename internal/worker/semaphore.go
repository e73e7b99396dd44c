package worker

import "sync"

// semaphore is a resizable counting semaphore. Capacity can shrink below the
// number of slots currently in use; the deficit drains as workers finish.
type semaphore struct {
	mu       sync.Mutex
	capacity int
	inUse    int
}

func newSemaphore(capacity int) *semaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &semaphore{capacity: capacity}
}

// tryAcquire takes a slot if one is free. Never blocks; the scheduler polls
// readiness instead of parking goroutines on slots.
func (s *semaphore) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse >= s.capacity {
		return false
	}
	s.inUse++
	return true
}

// release returns a slot.
func (s *semaphore) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse > 0 {
		s.inUse--
	}
}

// resize changes capacity. In-flight work is never interrupted.
func (s *semaphore) resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = capacity
}

// available returns the number of free slots.
func (s *semaphore) available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse >= s.capacity {
		return 0
	}
	return s.capacity - s.inUse
}
