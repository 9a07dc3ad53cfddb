package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/sauron-health/dispenser/internal/models"
)

// Audit log file names under the logs directory.
const (
	DispenseLogFileName = "dispense_log.jsonl"
	SessionLogFileName  = "session_log.jsonl"
)

// JSONLAuditStore appends line-delimited JSON audit records, one file for
// dispense events and one for session summaries. This is the default
// backend and matches the on-device layout.
type JSONLAuditStore struct {
	mu           sync.Mutex
	dispensePath string
	sessionPath  string
}

// NewJSONLAuditStore creates the store under logsDir, creating it first.
func NewJSONLAuditStore(logsDir string) (*JSONLAuditStore, error) {
	if err := os.MkdirAll(logsDir, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create logs directory %s: %w", logsDir, err)
	}
	slog.Debug("NewJSONLAuditStore created", "logs_dir", logsDir)
	return &JSONLAuditStore{
		dispensePath: filepath.Join(logsDir, DispenseLogFileName),
		sessionPath:  filepath.Join(logsDir, SessionLogFileName),
	}, nil
}

func (s *JSONLAuditStore) appendLine(path string, record any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, DefaultFilePermissions)
	if err != nil {
		return fmt.Errorf("failed to open audit log %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// AppendDispenseEvent appends one dispense event record.
func (s *JSONLAuditStore) AppendDispenseEvent(event models.DispenseEvent) error {
	if models.SafeUserID(event.UserID) == "" {
		slog.Debug("JSONLAuditStore.AppendDispenseEvent skipped: empty user id")
		return nil
	}
	if err := s.appendLine(s.dispensePath, event); err != nil {
		slog.Error("JSONLAuditStore.AppendDispenseEvent failed", "error", err, "user_id", event.UserID)
		return err
	}
	slog.Debug("JSONLAuditStore.AppendDispenseEvent succeeded", "user_id", event.UserID, "result", event.Result)
	return nil
}

// AppendSessionSummary appends one session summary record.
func (s *JSONLAuditStore) AppendSessionSummary(summary models.SessionSummary) error {
	if err := s.appendLine(s.sessionPath, summary); err != nil {
		slog.Error("JSONLAuditStore.AppendSessionSummary failed", "error", err, "session_id", summary.SessionID)
		return err
	}
	slog.Debug("JSONLAuditStore.AppendSessionSummary succeeded", "session_id", summary.SessionID, "result", summary.Result)
	return nil
}

// ListDispenseEvents returns up to limit most recent dispense events.
func (s *JSONLAuditStore) ListDispenseEvents(limit int) ([]models.DispenseEvent, error) {
	var events []models.DispenseEvent
	err := readJSONLines(s.dispensePath, func(line []byte) {
		var e models.DispenseEvent
		if json.Unmarshal(line, &e) == nil {
			events = append(events, e)
		}
	})
	if err != nil {
		return nil, err
	}
	return tail(events, limit), nil
}

// ListSessionSummaries returns up to limit most recent session summaries.
func (s *JSONLAuditStore) ListSessionSummaries(limit int) ([]models.SessionSummary, error) {
	var summaries []models.SessionSummary
	err := readJSONLines(s.sessionPath, func(line []byte) {
		var sum models.SessionSummary
		if json.Unmarshal(line, &sum) == nil {
			summaries = append(summaries, sum)
		}
	})
	if err != nil {
		return nil, err
	}
	return tail(summaries, limit), nil
}

func readJSONLines(path string, fn func(line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open audit log %s: %w", path, err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
	return scanner.Err()
}

func tail[T any](items []T, limit int) []T {
	if limit <= 0 || len(items) <= limit {
		return items
	}
	return items[len(items)-limit:]
}

var _ AuditStore = (*JSONLAuditStore)(nil)
