package shared

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sauron-health/dispenser/internal/models"
)

func newTestDir(t *testing.T) *Dir {
	t.Helper()
	d, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d
}

func TestFrameMetaRoundTrip(t *testing.T) {
	d := newTestDir(t)

	meta, err := d.ReadFrameMeta()
	if err != nil {
		t.Fatalf("ReadFrameMeta failed: %v", err)
	}
	if meta != nil {
		t.Fatalf("expected no frame metadata yet, got %+v", meta)
	}

	want := models.FrameMeta{Path: "frames/latest.jpg", Width: 640, Height: 480, DistanceM: 0.55, WrittenAt: "2026-01-15T08:00:00Z", Sequence: 7}
	if err := d.WriteFrameMeta(want); err != nil {
		t.Fatalf("WriteFrameMeta failed: %v", err)
	}

	meta, err = d.ReadFrameMeta()
	if err != nil {
		t.Fatalf("ReadFrameMeta failed: %v", err)
	}
	if meta == nil || meta.Sequence != 7 || meta.Path != "frames/latest.jpg" {
		t.Errorf("unexpected frame metadata: %+v", meta)
	}
}

func TestPendingEmbeddingTakeAndDelete(t *testing.T) {
	d := newTestDir(t)

	// Nothing pending: registration proceeds without an embedding.
	record, err := d.TakePendingEmbedding()
	if err != nil {
		t.Fatalf("TakePendingEmbedding failed: %v", err)
	}
	if record != nil {
		t.Fatalf("expected no pending embedding, got %+v", record)
	}

	want := models.PendingEmbedding{Embedding: []float64{0.1, 0.2, 0.3}, Model: "insightface_arcface"}
	if err := d.WritePendingEmbedding(want); err != nil {
		t.Fatalf("WritePendingEmbedding failed: %v", err)
	}

	record, err = d.TakePendingEmbedding()
	if err != nil {
		t.Fatalf("TakePendingEmbedding failed: %v", err)
	}
	if record == nil || len(record.Embedding) != 3 || record.Model != "insightface_arcface" {
		t.Fatalf("unexpected record: %+v", record)
	}

	// Taking consumes the record.
	record, err = d.TakePendingEmbedding()
	if err != nil {
		t.Fatalf("TakePendingEmbedding failed: %v", err)
	}
	if record != nil {
		t.Errorf("expected record consumed, got %+v", record)
	}
}

func TestWritePendingEmbedding_RejectsEmpty(t *testing.T) {
	d := newTestDir(t)
	if err := d.WritePendingEmbedding(models.PendingEmbedding{}); err == nil {
		t.Error("expected error for empty embedding")
	}
}

func TestTakePendingEmbedding_DiscardsMalformed(t *testing.T) {
	d := newTestDir(t)
	path := filepath.Join(d.path, PendingEmbeddingName)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	record, err := d.TakePendingEmbedding()
	if err != nil {
		t.Fatalf("TakePendingEmbedding failed: %v", err)
	}
	if record != nil {
		t.Errorf("expected malformed record discarded, got %+v", record)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected malformed record file removed")
	}
}

func TestReadFrameMeta_ServesCacheWhenLockBusy(t *testing.T) {
	d := newTestDir(t)
	want := models.FrameMeta{Path: "frames/latest.jpg", Sequence: 1, WrittenAt: "2026-01-15T08:00:00Z"}
	if err := d.WriteFrameMeta(want); err != nil {
		t.Fatalf("WriteFrameMeta failed: %v", err)
	}
	if _, err := d.ReadFrameMeta(); err != nil {
		t.Fatalf("ReadFrameMeta failed: %v", err)
	}

	// Hold the lock from a second handle so reads starve.
	holder, err := New(d.path, WithLockRetries(1), WithRetryDelay(0))
	if err != nil {
		t.Fatal(err)
	}
	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		holder.withLock(func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	starved, err := New(d.path, WithLockRetries(1), WithRetryDelay(0))
	if err != nil {
		t.Fatal(err)
	}
	starved.mu.Lock()
	starved.lastFrameMeta = &want
	starved.mu.Unlock()

	meta, err := starved.ReadFrameMeta()
	if err != nil {
		t.Fatalf("ReadFrameMeta failed: %v", err)
	}
	if meta == nil || meta.Sequence != 1 {
		t.Errorf("expected cached metadata while lock busy, got %+v", meta)
	}
}
