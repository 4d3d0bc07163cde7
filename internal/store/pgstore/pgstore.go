// Package pgstore is the Postgres implementation of store.Store.
package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/1sec-project/perimeter/internal/core"
	"github.com/1sec-project/perimeter/internal/store"
)

type Store struct {
	db *sql.DB
}

// OpenPostgres connects, pings and migrates.
func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.Migrate(db, store.DialectPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating postgres: %w", err)
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) RecentEvents(ctx context.Context, limit int) ([]*core.SecurityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, event_type, severity, details, ip_address, user_agent, created_at
FROM security_events ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []*core.SecurityEvent
	for rows.Next() {
		var (
			ev                core.SecurityEvent
			userID, ip, agent sql.NullString
			severity          string
			details           []byte
			createdAt         time.Time
		)
		if err := rows.Scan(&ev.ID, &userID, &ev.EventType, &severity, &details, &ip, &agent, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.UserID, ev.IPAddress, ev.UserAgent = userID.String, ip.String, agent.String
		ev.Severity, _ = core.ParseSeverity(severity)
		ev.CreatedAt = createdAt.UTC()
		if ev.Details, err = store.DecodeObject(details); err != nil {
			return nil, fmt.Errorf("decoding details of event %s: %w", ev.ID, err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *Store) InsertEvent(ctx context.Context, ev *core.SecurityEvent) error {
	details, err := store.JSONObject(ev.Details)
	if err != nil {
		return fmt.Errorf("encoding details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO security_events
(id, user_id, event_type, severity, details, ip_address, user_agent, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`,
		ev.ID, store.NullString(ev.UserID), ev.EventType, ev.Severity.String(), details,
		store.NullString(ev.IPAddress), store.NullString(ev.UserAgent), ev.CreatedAt)
	return err
}

func (s *Store) InsertAnalysis(ctx context.Context, rec *core.AnalysisRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO ai_threat_analyses
(id, analysis_type, threat_level, threat_type, confidence, risk_score, events_analyzed, analysis, requested_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.AnalysisType, rec.ThreatLevel.String(), rec.ThreatType, rec.Confidence, rec.RiskScore,
		rec.EventsAnalyzed, []byte(rec.Analysis), store.NullString(rec.RequestedBy), rec.CreatedAt)
	return err
}

func (s *Store) InsertAlert(ctx context.Context, alert *core.SecurityAlert) error {
	metadata, err := store.JSONObject(alert.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO security_alerts
(id, alert_type, severity, title, description, metadata, analysis_id, resolved, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		alert.ID, alert.AlertType, alert.Severity.String(), alert.Title, alert.Description, metadata,
		store.NullString(alert.AnalysisID), alert.Resolved, alert.CreatedAt)
	return err
}
