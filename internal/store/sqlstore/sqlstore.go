// Package sqlstore is the SQLite implementation of store.Store.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/1sec-project/perimeter/internal/core"
	"github.com/1sec-project/perimeter/internal/store"
)

type Store struct {
	db *sql.DB
}

// OpenSQLite opens dsn, enables foreign keys and migrates.
func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.Migrate(db, store.DialectSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) RecentEvents(ctx context.Context, limit int) ([]*core.SecurityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, event_type, severity, details, ip_address, user_agent, created_at
FROM security_events ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []*core.SecurityEvent
	for rows.Next() {
		var (
			ev                         core.SecurityEvent
			userID, ip, agent          sql.NullString
			severity, details, created string
		)
		if err := rows.Scan(&ev.ID, &userID, &ev.EventType, &severity, &details, &ip, &agent, &created); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.UserID, ev.IPAddress, ev.UserAgent = userID.String, ip.String, agent.String
		ev.Severity, _ = core.ParseSeverity(severity)
		if ev.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parsing created_at of event %s: %w", ev.ID, err)
		}
		if ev.Details, err = store.DecodeObject([]byte(details)); err != nil {
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
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`,
		ev.ID, store.NullString(ev.UserID), ev.EventType, ev.Severity.String(), string(details),
		store.NullString(ev.IPAddress), store.NullString(ev.UserAgent), timestamp(ev.CreatedAt))
	return err
}

func (s *Store) InsertAnalysis(ctx context.Context, rec *core.AnalysisRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO ai_threat_analyses
(id, analysis_type, threat_level, threat_type, confidence, risk_score, events_analyzed, analysis, requested_by, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AnalysisType, rec.ThreatLevel.String(), rec.ThreatType, rec.Confidence, rec.RiskScore,
		rec.EventsAnalyzed, string(rec.Analysis), store.NullString(rec.RequestedBy), timestamp(rec.CreatedAt))
	return err
}

func (s *Store) InsertAlert(ctx context.Context, alert *core.SecurityAlert) error {
	metadata, err := store.JSONObject(alert.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO security_alerts
(id, alert_type, severity, title, description, metadata, analysis_id, resolved, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.AlertType, alert.Severity.String(), alert.Title, alert.Description, string(metadata),
		store.NullString(alert.AnalysisID), alert.Resolved, timestamp(alert.CreatedAt))
	return err
}

// CountAlerts returns the number of stored alerts.
func (s *Store) CountAlerts(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM security_alerts`).Scan(&n)
	return n, err
}

// timestamp formats t so that lexical order matches time order.
func timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
