package simsource

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeSampleJPEG(t *testing.T, dir, name string) {
	t.Helper()
	// Minimal content; simsource never decodes, only re-frames, so any
	// bytes exercise the boundary/header logic.
	if err := os.WriteFile(filepath.Join(dir, name), []byte("jpegbytes-"+name), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestOpenEmitsMultipartFrames(t *testing.T) {
	dir := t.TempDir()
	writeSampleJPEG(t, dir, "a.jpg")
	writeSampleJPEG(t, dir, "b.jpg")

	src, err := New(nil, dir, Config{FramesPerSecond: 50})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	stream := src.Open(ctx)
	defer stream.Close()

	buf := make([]byte, 4096)
	n, err := io.ReadAtLeast(stream, buf, 10)
	if err != nil {
		t.Fatalf("ReadAtLeast: %v", err)
	}
	out := string(buf[:n])
	if !strings.Contains(out, "--"+defaultBoundary) {
		t.Fatalf("output missing boundary marker: %q", out)
	}
	if !strings.Contains(out, "Content-Type: image/jpeg") {
		t.Fatalf("output missing JPEG content-type header: %q", out)
	}
}

func TestOpenClosesOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	writeSampleJPEG(t, dir, "a.jpg")

	src, err := New(nil, dir, Config{FramesPerSecond: 100})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream := src.Open(ctx)
	cancel()

	buf := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := stream.Read(buf)
		if err != nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("stream did not close after context cancellation")
		}
	}
}

func TestEmptyFolderDoesNotPanic(t *testing.T) {
	dir := t.TempDir()
	src, err := New(nil, dir, Config{FramesPerSecond: 50})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	stream := src.Open(ctx)
	defer stream.Close()

	buf := make([]byte, 16)
	_, _ = stream.Read(buf)
}
