package threat

import (
	"time"

	"github.com/1sec-project/perimeter/internal/core"
)

// EventSummary is the projection of one event handed to the reasoning
// service.
type EventSummary struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"`
	Severity  string         `json:"severity,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	IPAddress string         `json:"ipAddress,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AnalysisContext is everything the reasoning service sees about a batch.
type AnalysisContext struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventCount int            `json:"eventCount"`
	TimeWindow string         `json:"timeWindow"`
	Events     []EventSummary `json:"events"`
}

// BuildContext assembles the analysis context for events.
func BuildContext(events []EventSummary, window string, now time.Time) AnalysisContext {
	if events == nil {
		events = []EventSummary{}
	}
	return AnalysisContext{
		Timestamp:  now.UTC(),
		EventCount: len(events),
		TimeWindow: window,
		Events:     events,
	}
}

// SummarizeStored projects stored events.
func SummarizeStored(events []*core.SecurityEvent) []EventSummary {
	out := make([]EventSummary, 0, len(events))
	for _, ev := range events {
		out = append(out, EventSummary{
			ID:        ev.ID,
			Type:      ev.EventType,
			Severity:  ev.Severity.String(),
			Timestamp: ev.CreatedAt.UTC().Format(time.RFC3339),
			UserID:    ev.UserID,
			IPAddress: ev.IPAddress,
			Details:   ev.Details,
		})
	}
	return out
}

// SummarizeSupplied projects caller-supplied events. Callers use either the
// stored column names or camelCase, so both spellings are read.
func SummarizeSupplied(events []map[string]any) []EventSummary {
	out := make([]EventSummary, 0, len(events))
	for _, m := range events {
		s := EventSummary{
			ID:        str(m, "id"),
			Type:      str(m, "event_type", "eventType", "type"),
			Severity:  str(m, "severity"),
			Timestamp: str(m, "created_at", "createdAt", "timestamp"),
			UserID:    str(m, "user_id", "userId", "actor_id"),
			IPAddress: str(m, "ip_address", "ipAddress", "ip"),
		}
		if d, ok := m["details"].(map[string]any); ok {
			s.Details = d
		}
		if s.Type == "" {
			s.Type = "unknown"
		}
		out = append(out, s)
	}
	return out
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
