// Package shared implements the file-based handoff between the controller
// process and the camera/recognition process: the latest frame metadata and
// the pending-embedding record written during registration capture.
//
// Writers replace content atomically (write to temp, rename) under a
// short-timeout advisory flock. Readers that cannot win the lock within the
// retry budget fall back to their last-known-good cached value instead of
// blocking.
package shared

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sauron-health/dispenser/internal/models"
)

const (
	// LockName guards every handoff file in the directory.
	LockName = "handoff.lock"

	// PendingEmbeddingName is written by the recognition process when a
	// face is captured for a user that is not yet registered.
	PendingEmbeddingName = "pending_embedding.json"

	// FrameMetaName describes the most recent shared camera frame.
	FrameMetaName = "frame_meta.json"

	// DefaultLockRetries bounds lock acquisition attempts.
	DefaultLockRetries = 5

	// DefaultRetryDelay separates lock acquisition attempts.
	DefaultRetryDelay = 20 * time.Millisecond
)

// ErrLockBusy indicates the handoff lock could not be acquired within the
// retry budget.
var ErrLockBusy = fmt.Errorf("handoff lock busy")

// Opts holds configuration for a handoff directory.
type Opts struct {
	LockRetries int
	RetryDelay  time.Duration
}

// Option configures a handoff directory.
type Option func(*Opts)

// WithLockRetries overrides the lock acquisition attempt budget.
func WithLockRetries(n int) Option {
	return func(o *Opts) { o.LockRetries = n }
}

// WithRetryDelay overrides the delay between lock attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Opts) { o.RetryDelay = d }
}

// Dir is one handoff directory. Concurrent use from multiple goroutines is
// safe; cross-process safety comes from the advisory flock.
type Dir struct {
	path        string
	lockRetries int
	retryDelay  time.Duration

	mu            sync.Mutex
	lastFrameMeta *models.FrameMeta
}

// New prepares a handoff directory, creating it if needed.
func New(path string, opts ...Option) (*Dir, error) {
	cfg := Opts{LockRetries: DefaultLockRetries, RetryDelay: DefaultRetryDelay}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.LockRetries < 1 {
		cfg.LockRetries = 1
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create handoff directory %s: %w", path, err)
	}
	slog.Debug("shared.New ready", "path", path, "lock_retries", cfg.LockRetries)
	return &Dir{path: path, lockRetries: cfg.LockRetries, retryDelay: cfg.RetryDelay}, nil
}

// withLock runs fn while holding the advisory handoff lock. Returns
// ErrLockBusy when the retry budget is exhausted.
func (d *Dir) withLock(fn func() error) error {
	lockPath := filepath.Join(d.path, LockName)
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open handoff lock %s: %w", lockPath, err)
	}
	defer file.Close()

	acquired := false
	for attempt := 0; attempt < d.lockRetries; attempt++ {
		if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err == nil {
			acquired = true
			break
		}
		time.Sleep(d.retryDelay)
	}
	if !acquired {
		slog.Debug("shared.withLock: retry budget exhausted", "path", lockPath, "retries", d.lockRetries)
		return ErrLockBusy
	}
	defer syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	return fn()
}

// writeJSONAtomic replaces the named handoff file via temp + rename so a
// concurrent reader never observes a torn write.
func (d *Dir) writeJSONAtomic(name string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	target := filepath.Join(d.path, name)
	tmp, err := os.CreateTemp(d.path, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file for %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for %s: %w", name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

// WriteFrameMeta publishes metadata for the latest shared camera frame.
func (d *Dir) WriteFrameMeta(meta models.FrameMeta) error {
	return d.withLock(func() error {
		return d.writeJSONAtomic(FrameMetaName, meta)
	})
}

// ReadFrameMeta returns the latest frame metadata. When the lock cannot be
// acquired, the last-known-good cached value is returned instead of
// blocking; a nil record means no frame has ever been observed.
func (d *Dir) ReadFrameMeta() (*models.FrameMeta, error) {
	var record *models.FrameMeta
	err := d.withLock(func() error {
		data, err := os.ReadFile(filepath.Join(d.path, FrameMetaName))
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("failed to read frame metadata: %w", err)
		}
		var meta models.FrameMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return fmt.Errorf("failed to decode frame metadata: %w", err)
		}
		record = &meta
		return nil
	})
	if err == ErrLockBusy {
		d.mu.Lock()
		cached := d.lastFrameMeta
		d.mu.Unlock()
		slog.Debug("shared.ReadFrameMeta: lock busy, serving cached value", "cached", cached != nil)
		return cached, nil
	}
	if err != nil {
		return nil, err
	}
	if record != nil {
		d.mu.Lock()
		d.lastFrameMeta = record
		d.mu.Unlock()
	}
	return record, nil
}

// WritePendingEmbedding stores an embedding awaiting registration.
func (d *Dir) WritePendingEmbedding(record models.PendingEmbedding) error {
	if len(record.Embedding) == 0 {
		return fmt.Errorf("pending embedding must not be empty")
	}
	return d.withLock(func() error {
		return d.writeJSONAtomic(PendingEmbeddingName, record)
	})
}

// TakePendingEmbedding reads and removes the pending-embedding record.
// Returns nil without error when no record exists, the record is malformed,
// or the lock is busy; registration proceeds without an embedding in all of
// those cases.
func (d *Dir) TakePendingEmbedding() (*models.PendingEmbedding, error) {
	var record *models.PendingEmbedding
	err := d.withLock(func() error {
		path := filepath.Join(d.path, PendingEmbeddingName)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("failed to read pending embedding: %w", err)
		}
		var pending models.PendingEmbedding
		if err := json.Unmarshal(data, &pending); err != nil {
			slog.Debug("shared.TakePendingEmbedding: discarding malformed record", "error", err)
			os.Remove(path)
			return nil
		}
		if len(pending.Embedding) == 0 {
			os.Remove(path)
			return nil
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("shared.TakePendingEmbedding: remove failed", "error", err)
		}
		record = &pending
		return nil
	})
	if err == ErrLockBusy {
		slog.Debug("shared.TakePendingEmbedding: lock busy, skipping")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}
