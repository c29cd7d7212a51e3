package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forecastra/abrouter/internal/api"
)

func testObservation(variant string, accuracy float64) api.Observation {
	return api.Observation{
		ExperimentID: "exp-1",
		VariantID:    variant,
		Accuracy:     accuracy,
		LatencyMs:    42,
		RecordedAt:   time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()

	w, err := NewObservationWAL(dir)
	if err != nil {
		t.Fatalf("NewObservationWAL: %v", err)
	}

	if err := w.Append(testObservation("variant-a", 0.9)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append(testObservation("variant-b", 0.8)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := Replay(dir)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].VariantID != "variant-a" || entries[1].VariantID != "variant-b" {
		t.Errorf("replay order wrong: %s, %s", entries[0].VariantID, entries[1].VariantID)
	}
	if entries[0].Accuracy != 0.9 {
		t.Errorf("accuracy lost in round trip: %v", entries[0].Accuracy)
	}
	if !entries[0].RecordedAt.Equal(testObservation("", 0).RecordedAt) {
		t.Errorf("timestamp lost in round trip: %v", entries[0].RecordedAt)
	}
}

func TestReplayPreservesFeedbackPointer(t *testing.T) {
	dir := t.TempDir()

	w, err := NewObservationWAL(dir)
	if err != nil {
		t.Fatalf("NewObservationWAL: %v", err)
	}

	feedback := 4.5
	obs := testObservation("variant-a", 0.9)
	obs.UserFeedback = &feedback
	if err := w.Append(obs); err != nil {
		t.Fatalf("Append: %v", err)
	}
	noFeedback := testObservation("variant-a", 0.8)
	if err := w.Append(noFeedback); err != nil {
		t.Fatalf("Append: %v", err)
	}
	w.Close()

	entries, err := Replay(dir)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if entries[0].UserFeedback == nil || *entries[0].UserFeedback != 4.5 {
		t.Error("feedback value lost in round trip")
	}
	if entries[1].UserFeedback != nil {
		t.Error("absent feedback must replay as absent, not zero")
	}
}

func TestReplaySkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()

	w, err := NewObservationWAL(dir)
	if err != nil {
		t.Fatalf("NewObservationWAL: %v", err)
	}
	w.Append(testObservation("variant-a", 0.9))
	path := w.path
	w.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString("not json\n")
	f.Close()

	entries, err := Replay(dir)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected malformed line to be skipped, got %d entries", len(entries))
	}
}

func TestReplayEmptyDir(t *testing.T) {
	entries, err := Replay(t.TempDir())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}

func TestRotate(t *testing.T) {
	dir := t.TempDir()

	w, err := NewObservationWAL(dir)
	if err != nil {
		t.Fatalf("NewObservationWAL: %v", err)
	}
	w.Append(testObservation("variant-a", 0.9))

	next, oldPath, err := Rotate(w)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	defer next.Close()

	if _, err := os.Stat(oldPath); err != nil {
		t.Errorf("old WAL file missing after rotate: %v", err)
	}
	if filepath.Dir(next.path) != dir {
		t.Errorf("rotated WAL in wrong directory: %s", next.path)
	}

	// Appends continue on the new handle.
	if err := next.Append(testObservation("variant-b", 0.8)); err != nil {
		t.Errorf("Append after rotate: %v", err)
	}
}
