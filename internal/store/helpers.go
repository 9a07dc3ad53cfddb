package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sauron-health/dispenser/internal/models"
)

// DefaultListLimit applies when a caller asks for a non-positive number of
// audit rows.
const DefaultListLimit = 50

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

func encodeSummaryJSON(summary models.SessionSummary) (string, error) {
	data, err := json.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("failed to encode session summary: %w", err)
	}
	return string(data), nil
}

func scanDispenseEvents(rows *sql.Rows) ([]models.DispenseEvent, error) {
	var events []models.DispenseEvent
	for rows.Next() {
		var event models.DispenseEvent
		if err := rows.Scan(&event.Timestamp, &event.UserID, &event.Medication, &event.Result, &event.Details); err != nil {
			return nil, fmt.Errorf("failed to scan dispense event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispense event rows error: %w", err)
	}
	return events, nil
}

func scanSessionSummaries(rows *sql.Rows) ([]models.SessionSummary, error) {
	var summaries []models.SessionSummary
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan session summary: %w", err)
		}
		var summary models.SessionSummary
		if err := json.Unmarshal([]byte(raw), &summary); err != nil {
			return nil, fmt.Errorf("failed to decode session summary: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session summary rows error: %w", err)
	}
	return summaries, nil
}
