// Package store persists security events, threat analyses and alerts.
// Analyses and alerts are append-only from this service's point of view.
package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/1sec-project/perimeter/internal/core"
)

// Store is the persistence capability used by the API and the pipeline.
type Store interface {
	// RecentEvents returns up to limit events, newest first.
	RecentEvents(ctx context.Context, limit int) ([]*core.SecurityEvent, error)
	InsertEvent(ctx context.Context, ev *core.SecurityEvent) error
	InsertAnalysis(ctx context.Context, rec *core.AnalysisRecord) error
	InsertAlert(ctx context.Context, alert *core.SecurityAlert) error
	Ping(ctx context.Context) error
	Close() error
}

// JSONObject encodes m as a JSON object, writing {} for nil.
func JSONObject(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// DecodeObject is the inverse of JSONObject.
func DecodeObject(data []byte) (map[string]interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// NullString maps "" to SQL NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
