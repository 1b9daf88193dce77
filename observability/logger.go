// Package observability records domain events and HTTP request logs in a
// dedicated SQLite database, kept separate from application state so that
// retention cleanup never touches live data.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/certmill/certmill/idgen"
)

// Event types recorded by the service.
const (
	EventUpload         = "file.uploaded"
	EventProcessStarted = "process.started"
	EventProcessDone    = "process.completed"
	EventProcessFailed  = "process.failed"
	EventCancelled      = "process.cancelled"
	EventLogin          = "auth.login"
	EventUserCreated    = "auth.user_created"
	EventRequestCreated = "request.created"
)

// BusinessEvent represents a domain-level event to record.
type BusinessEvent struct {
	EventType  string
	EntityType string
	EntityID   string
	UserID     string
	Action     string
	Details    string // optional JSON
	Success    bool
}

// EventLogger writes business events and HTTP request logs.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger backed by the given observability database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records a business event. Non-blocking: errors are logged via slog
// but do not propagate, so a failing observability store never blocks the app.
func (l *EventLogger) LogEvent(ctx context.Context, event BusinessEvent) {
	eventID := l.newID()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO business_event_logs (
			event_id, event_type, entity_type, entity_id,
			user_id, action, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		eventID, event.EventType, event.EntityType, event.EntityID,
		event.UserID, event.Action, event.Details, event.Success, time.Now().Unix())
	if err != nil {
		slog.Error("observability event log failed", "error", err, "event_type", event.EventType)
	}
}

// LogRequest records one served HTTP request.
func (l *EventLogger) LogRequest(ctx context.Context, rec RequestRecord) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO http_request_logs (
			log_id, method, path, status_code, duration_ms,
			user_id, ip_address, user_agent, created_at
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		l.newID(), rec.Method, rec.Path, rec.StatusCode, rec.Duration.Milliseconds(),
		rec.UserID, rec.RemoteAddr, rec.UserAgent, time.Now().Unix())
	if err != nil {
		slog.Warn("http request log failed", "error", err, "path", rec.Path)
	}
}

// RequestRecord describes one served HTTP request.
type RequestRecord struct {
	Method     string
	Path       string
	StatusCode int
	Duration   time.Duration
	UserID     string
	RemoteAddr string
	UserAgent  string
}

// RetentionConfig specifies per-table retention in days. Zero means no cleanup.
type RetentionConfig struct {
	HTTPLogsDays   int
	EventLogsDays  int
	RunVacuumAfter bool
}

// Cleanup deletes records exceeding the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()

	// Whitelists guard the fmt.Sprintf below if this is ever refactored
	// to accept external input.
	allowedTables := map[string]bool{
		"http_request_logs":   true,
		"business_event_logs": true,
	}

	type cleanupTarget struct {
		table string
		days  int
	}
	targets := []cleanupTarget{
		{"http_request_logs", cfg.HTTPLogsDays},
		{"business_event_logs", cfg.EventLogsDays},
	}

	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		if !allowedTables[t.table] {
			return fmt.Errorf("cleanup: invalid table %s", t.table)
		}
		cutoff := now - int64(t.days*86400)
		q := fmt.Sprintf("DELETE FROM %s WHERE created_at < ?", t.table)
		if _, err := db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("cleanup %s: %w", t.table, err)
		}
	}

	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}
