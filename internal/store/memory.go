package store

import (
	"context"
	"sort"
	"sync"

	"github.com/1sec-project/perimeter/internal/core"
)

// MemoryStore keeps everything in process. Used for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []*core.SecurityEvent
	analyses []*core.AnalysisRecord
	alerts   []*core.SecurityAlert
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) RecentEvents(_ context.Context, limit int) ([]*core.SecurityEvent, error) {
	s.mu.RLock()
	out := append([]*core.SecurityEvent(nil), s.events...)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InsertEvent ignores an event whose ID is already stored.
func (s *MemoryStore) InsertEvent(_ context.Context, ev *core.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.ID == ev.ID {
			return nil
		}
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *MemoryStore) InsertAnalysis(_ context.Context, rec *core.AnalysisRecord) error {
	s.mu.Lock()
	s.analyses = append(s.analyses, rec)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) InsertAlert(_ context.Context, alert *core.SecurityAlert) error {
	s.mu.Lock()
	s.alerts = append(s.alerts, alert)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// Analyses returns a copy of the stored analysis records.
func (s *MemoryStore) Analyses() []*core.AnalysisRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*core.AnalysisRecord(nil), s.analyses...)
}

// Alerts returns a copy of the stored alerts.
func (s *MemoryStore) Alerts() []*core.SecurityAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*core.SecurityAlert(nil), s.alerts...)
}
