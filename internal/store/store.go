// Package store provides storage backends for the dispenser.
//
// Profiles live as one JSON file per user id alongside face photos and
// biometric embeddings. Audit records (dispense events and session
// summaries) are append-only; the default backend writes line-delimited JSON
// files, with SQLite and PostgreSQL backends selectable by DSN.
package store

import "github.com/sauron-health/dispenser/internal/models"

// ProfileStore is the durable per-user record store.
type ProfileStore interface {
	// SaveProfile persists one profile keyed by its id.
	SaveProfile(profile models.UserProfile) (models.UserProfile, error)
	// LoadProfile returns the normalized profile for an id, or nil when the
	// record is missing or unreadable.
	LoadProfile(userID string) (*models.UserProfile, error)
	// ListProfiles returns every readable profile, sorted by id.
	ListProfiles() ([]models.UserProfile, error)
	// FindProfileByName resolves a display name to the most recently
	// updated profile sharing that name, or nil.
	FindProfileByName(name string) (*models.UserProfile, error)
	// SaveFacePhoto decodes a base64 data URL and stores the face image,
	// returning the stored path relative to the store root.
	SaveFacePhoto(userID, photoDataURL string) (string, error)
	// SaveEmbedding stores a biometric template and back-references it on
	// the profile when one exists.
	SaveEmbedding(userID string, vector []float64, model, source string) error
	// LoadEmbedding returns the stored template vector, or nil.
	LoadEmbedding(userID string) ([]float64, error)
}

// AuditStore is the append-only record sink for dispense events and session
// summaries.
type AuditStore interface {
	AppendDispenseEvent(event models.DispenseEvent) error
	AppendSessionSummary(summary models.SessionSummary) error
	ListDispenseEvents(limit int) ([]models.DispenseEvent, error)
	ListSessionSummaries(limit int) ([]models.SessionSummary, error)
}

// Opts holds configuration for database-backed audit stores.
type Opts struct {
	DSN string
}

// Option configures an audit store backend.
type Option func(*Opts)

// WithDSN sets the database DSN (file path for SQLite, URL for Postgres).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}
