package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sauron-health/dispenser/internal/models"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteAuditStore keeps audit records in a local SQLite database. Selected
// by configuring a file DSN with the sqlite3 driver.
type SQLiteAuditStore struct {
	db *sql.DB
}

// NewSQLiteAuditStore opens (or creates) the SQLite database at the DSN
// path and applies migrations.
func NewSQLiteAuditStore(opts ...Option) (*SQLiteAuditStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteAuditStore invoked", "dsn_set", cfg.DSN != "")

	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}
	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("SQLite ping failed: %w", err)
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite audit store ready", "dsn", cfg.DSN)
	return &SQLiteAuditStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteAuditStore) Close() error {
	return s.db.Close()
}

// AppendDispenseEvent inserts one dispense event row.
func (s *SQLiteAuditStore) AppendDispenseEvent(event models.DispenseEvent) error {
	if models.SafeUserID(event.UserID) == "" {
		slog.Debug("SQLiteAuditStore.AppendDispenseEvent skipped: empty user id")
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO dispense_events (timestamp, user_id, medication, result, details) VALUES (?, ?, ?, ?, ?)`,
		event.Timestamp, event.UserID, event.Medication, event.Result, event.Details,
	)
	if err != nil {
		slog.Error("SQLiteAuditStore.AppendDispenseEvent failed", "error", err, "user_id", event.UserID)
		return fmt.Errorf("failed to insert dispense event: %w", err)
	}
	slog.Debug("SQLiteAuditStore.AppendDispenseEvent succeeded", "user_id", event.UserID, "result", event.Result)
	return nil
}

// AppendSessionSummary inserts one session summary row. The full summary is
// kept as JSON alongside the indexed columns.
func (s *SQLiteAuditStore) AppendSessionSummary(summary models.SessionSummary) error {
	summaryJSON, err := encodeSummaryJSON(summary)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO session_summaries (timestamp, session_id, result, user_id, summary_json) VALUES (?, ?, ?, ?, ?)`,
		summary.Timestamp, summary.SessionID, summary.Result, summary.UserID, summaryJSON,
	)
	if err != nil {
		slog.Error("SQLiteAuditStore.AppendSessionSummary failed", "error", err, "session_id", summary.SessionID)
		return fmt.Errorf("failed to insert session summary: %w", err)
	}
	slog.Debug("SQLiteAuditStore.AppendSessionSummary succeeded", "session_id", summary.SessionID, "result", summary.Result)
	return nil
}

// ListDispenseEvents returns up to limit most recent dispense events,
// oldest first.
func (s *SQLiteAuditStore) ListDispenseEvents(limit int) ([]models.DispenseEvent, error) {
	rows, err := s.db.Query(
		`SELECT timestamp, user_id, medication, result, details FROM
		 (SELECT * FROM dispense_events ORDER BY id DESC LIMIT ?) ORDER BY id ASC`,
		normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispense events: %w", err)
	}
	defer rows.Close()
	return scanDispenseEvents(rows)
}

// ListSessionSummaries returns up to limit most recent session summaries,
// oldest first.
func (s *SQLiteAuditStore) ListSessionSummaries(limit int) ([]models.SessionSummary, error) {
	rows, err := s.db.Query(
		`SELECT summary_json FROM
		 (SELECT * FROM session_summaries ORDER BY id DESC LIMIT ?) ORDER BY id ASC`,
		normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query session summaries: %w", err)
	}
	defer rows.Close()
	return scanSessionSummaries(rows)
}

var _ AuditStore = (*SQLiteAuditStore)(nil)
