package framesink

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeRecorder struct {
	calls int
}

func (f *fakeRecorder) RecordFrame(sourceKey string, wallClock time.Time, relativePath string) error {
	f.calls++
	return nil
}

func TestSaveCreatesSessionFolder(t *testing.T) {
	dir := t.TempDir()
	rec := &fakeRecorder{}
	sink := New(nil, dir, rec, Config{})

	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	rel, err := sink.Save("cam0", now, []byte("jpegdata"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if filepath.Dir(rel) != "session_20260731_100000" {
		t.Fatalf("session folder = %q, want session_20260731_100000", filepath.Dir(rel))
	}
	if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}
	if rec.calls != 1 {
		t.Fatalf("recorder calls = %d, want 1", rec.calls)
	}
}

func TestSaveRollsOverAfterDuration(t *testing.T) {
	dir := t.TempDir()
	sink := New(nil, dir, nil, Config{SessionDuration: time.Minute})

	t0 := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	first, _ := sink.Save("cam0", t0, []byte("a"))
	second, _ := sink.Save("cam0", t0.Add(2*time.Minute), []byte("b"))
	if filepath.Dir(first) == filepath.Dir(second) {
		t.Fatalf("expected different session folders, got %q and %q", first, second)
	}
}

func TestSaveKeepsSameSessionWithinDuration(t *testing.T) {
	dir := t.TempDir()
	sink := New(nil, dir, nil, Config{SessionDuration: time.Hour})

	t0 := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	first, _ := sink.Save("cam0", t0, []byte("a"))
	second, _ := sink.Save("cam0", t0.Add(time.Minute), []byte("b"))
	if filepath.Dir(first) != filepath.Dir(second) {
		t.Fatalf("expected same session folder, got %q and %q", first, second)
	}
}
