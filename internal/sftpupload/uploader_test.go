package sftpupload

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/warpcomdev/beltaggregator/internal/config"
)

type fakeClient struct {
	mu      sync.Mutex
	dirs    []string
	files   map[string][]byte
	failMkdir bool
	failCreate bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{files: make(map[string][]byte)}
}

func (f *fakeClient) MkdirAll(dir string) error {
	if f.failMkdir {
		return os.ErrPermission
	}
	f.mu.Lock()
	f.dirs = append(f.dirs, dir)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Create(path string) (io.WriteCloser, error) {
	if f.failCreate {
		return nil, os.ErrPermission
	}
	return &fakeWriter{client: f, path: path}, nil
}

func (f *fakeClient) Close() error { return nil }

type fakeWriter struct {
	client *fakeClient
	path   string
	buf    []byte
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *fakeWriter) Close() error {
	w.client.mu.Lock()
	w.client.files[w.path] = w.buf
	w.client.mu.Unlock()
	return nil
}

type fakeDialer struct {
	client *fakeClient
	err    error
}

func (d *fakeDialer) Dial(server config.SFTPServer) (Client, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.client, nil
}

func writeLocalFile(t *testing.T, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "artifact.csv")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestOfferClosedArtifactUploadsToStageSubfolder(t *testing.T) {
	client := newFakeClient()
	dialer := &fakeDialer{client: client}
	project := config.ProjectSettings{
		IrisMainFolder:          "iris",
		IrisModelSubfolder:      "model",
		IrisClassifierSubfolder: "classifier",
	}
	u := New(nil, dialer, config.SFTPServer{Host: "example", Port: 22}, project, Config{}, nil)
	defer u.Stop()

	local := writeLocalFile(t, []byte("a,b,c\n1,2,3\n"))
	if !u.OfferClosedArtifact("model", "webcam_cam0", local) {
		t.Fatal("OfferClosedArtifact should accept on a fresh queue")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		client.mu.Lock()
		n := len(client.files)
		client.mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("upload never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.dirs) != 1 || client.dirs[0] != "iris/model" {
		t.Fatalf("expected mkdir for iris/model, got %v", client.dirs)
	}
	found := false
	for p := range client.files {
		if filepath.Base(p) == "artifact.csv" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected artifact.csv among uploaded files, got %v", client.files)
	}
}

func TestOfferClosedArtifactClassifierSubfolder(t *testing.T) {
	client := newFakeClient()
	dialer := &fakeDialer{client: client}
	project := config.ProjectSettings{
		IrisMainFolder:          "iris",
		IrisModelSubfolder:      "model",
		IrisClassifierSubfolder: "classifier",
	}
	u := New(nil, dialer, config.SFTPServer{Host: "example", Port: 22}, project, Config{}, nil)
	defer u.Stop()

	local := writeLocalFile(t, []byte("x\n"))
	u.OfferClosedArtifact("classifier", "webcam_cam0", local)

	deadline := time.Now().Add(2 * time.Second)
	for {
		client.mu.Lock()
		n := len(client.dirs)
		client.mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("mkdir never happened")
		}
		time.Sleep(10 * time.Millisecond)
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.dirs[0] != "iris/classifier" {
		t.Fatalf("expected iris/classifier, got %s", client.dirs[0])
	}
}

func TestDialFailureIncrementsFailedNotRetried(t *testing.T) {
	dialer := &fakeDialer{err: os.ErrClosed}
	project := config.ProjectSettings{IrisMainFolder: "iris", IrisModelSubfolder: "model"}
	u := New(nil, dialer, config.SFTPServer{Host: "example", Port: 22}, project, Config{}, nil)
	defer u.Stop()

	local := writeLocalFile(t, []byte("x\n"))
	u.OfferClosedArtifact("model", "webcam_cam0", local)

	deadline := time.Now().Add(2 * time.Second)
	for {
		stats := u.Stats()
		if stats.Failed >= 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected failed count to increment, stats=%+v", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
