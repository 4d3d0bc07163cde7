package ratelimit

import (
	"context"
	"sync"
	"time"
)

type windowRecord struct {
	count       int
	windowStart time.Time
}

// MemoryStore keeps one record per key for the life of the process. A record
// is reset on the first hit after its window has elapsed.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]windowRecord
	now     func() time.Time
}

// NewMemoryStore creates an empty store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates a store with an injected clock.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]windowRecord),
		now:     now,
	}
}

func (s *MemoryStore) Hit(_ context.Context, key string, window time.Duration) (int, time.Duration, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || now.Sub(rec.windowStart) > window {
		rec = windowRecord{windowStart: now}
	}
	rec.count++
	s.records[key] = rec
	return rec.count, rec.windowStart.Add(window).Sub(now), nil
}

// Sweep drops records whose window ended before now-maxWindow.
func (s *MemoryStore) Sweep(maxWindow time.Duration) int {
	cutoff := s.now().Add(-maxWindow)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, rec := range s.records {
		if rec.windowStart.Before(cutoff) {
			delete(s.records, k)
			removed++
		}
	}
	return removed
}

// StartCleanup sweeps expired records every interval until ctx is done.
func (s *MemoryStore) StartCleanup(ctx context.Context, interval, maxWindow time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(maxWindow)
			}
		}
	}()
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
