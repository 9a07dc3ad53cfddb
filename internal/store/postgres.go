package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/sauron-health/dispenser/internal/models"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresAuditStore keeps audit records in PostgreSQL. Used when multiple
// dispensers report into one shared database.
type PostgresAuditStore struct {
	db *sql.DB
}

// NewPostgresAuditStore connects to the database named by the DSN and
// applies migrations.
func NewPostgresAuditStore(opts ...Option) (*PostgresAuditStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresAuditStore invoked", "dsn_set", cfg.DSN != "")

	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("PostgreSQL ping failed: %w", err)
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL audit store ready")
	return &PostgresAuditStore{db: db}, nil
}

// Close releases the database handle.
func (s *PostgresAuditStore) Close() error {
	return s.db.Close()
}

// AppendDispenseEvent inserts one dispense event row.
func (s *PostgresAuditStore) AppendDispenseEvent(event models.DispenseEvent) error {
	if models.SafeUserID(event.UserID) == "" {
		slog.Debug("PostgresAuditStore.AppendDispenseEvent skipped: empty user id")
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO dispense_events (timestamp, user_id, medication, result, details) VALUES ($1, $2, $3, $4, $5)`,
		event.Timestamp, event.UserID, event.Medication, event.Result, event.Details,
	)
	if err != nil {
		slog.Error("PostgresAuditStore.AppendDispenseEvent failed", "error", err, "user_id", event.UserID)
		return fmt.Errorf("failed to insert dispense event: %w", err)
	}
	slog.Debug("PostgresAuditStore.AppendDispenseEvent succeeded", "user_id", event.UserID, "result", event.Result)
	return nil
}

// AppendSessionSummary inserts one session summary row.
func (s *PostgresAuditStore) AppendSessionSummary(summary models.SessionSummary) error {
	summaryJSON, err := encodeSummaryJSON(summary)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO session_summaries (timestamp, session_id, result, user_id, summary_json) VALUES ($1, $2, $3, $4, $5)`,
		summary.Timestamp, summary.SessionID, summary.Result, summary.UserID, summaryJSON,
	)
	if err != nil {
		slog.Error("PostgresAuditStore.AppendSessionSummary failed", "error", err, "session_id", summary.SessionID)
		return fmt.Errorf("failed to insert session summary: %w", err)
	}
	slog.Debug("PostgresAuditStore.AppendSessionSummary succeeded", "session_id", summary.SessionID, "result", summary.Result)
	return nil
}

// ListDispenseEvents returns up to limit most recent dispense events,
// oldest first.
func (s *PostgresAuditStore) ListDispenseEvents(limit int) ([]models.DispenseEvent, error) {
	rows, err := s.db.Query(
		`SELECT timestamp, user_id, medication, result, details FROM
		 (SELECT * FROM dispense_events ORDER BY id DESC LIMIT $1) AS recent ORDER BY id ASC`,
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
func (s *PostgresAuditStore) ListSessionSummaries(limit int) ([]models.SessionSummary, error) {
	rows, err := s.db.Query(
		`SELECT summary_json FROM
		 (SELECT * FROM session_summaries ORDER BY id DESC LIMIT $1) AS recent ORDER BY id ASC`,
		normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query session summaries: %w", err)
	}
	defer rows.Close()
	return scanSessionSummaries(rows)
}

var _ AuditStore = (*PostgresAuditStore)(nil)
