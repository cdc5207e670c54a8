// Package simsource implements the file-backed simulator stream source:
// a source kind that loops a folder of real JPEGs and re-emits them as a
// multipart/x-mixed-replace byte stream shaped exactly like a real
// upstream MJPEG producer, so internal/mjpegframer can consume it
// unmodified. Grounded on internal/driver/dirsource's
// rescan/watch/newestFile idiom (fsnotify-based directory watching),
// adapted from "newest JPEG in a folder, as a single-frame source" to
// "loop every JPEG in a folder, in name order, as a continuous stream".
package simsource

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/warpcomdev/beltaggregator/internal/servicelog"
)

const defaultBoundary = "frame"

// Source loops the JPEG files found in root, re-encoding them as a
// multipart/x-mixed-replace byte stream at a configurable frame rate.
type Source struct {
	logger   servicelog.Logger
	root     string
	boundary string
	fps      float64

	mu    sync.Mutex
	files []string
}

// Config tunes the simulated frame rate and multipart boundary.
type Config struct {
	FramesPerSecond float64
	Boundary        string
}

func (c Config) withDefaults() Config {
	if c.FramesPerSecond <= 0 {
		c.FramesPerSecond = 10
	}
	if c.Boundary == "" {
		c.Boundary = defaultBoundary
	}
	return c
}

// New builds a Source rooted at root and starts watching it for added or
// removed JPEGs, so a running simulation picks up file changes without a
// restart.
func New(logger servicelog.Logger, root string, cfg Config) (*Source, error) {
	cfg = cfg.withDefaults()
	s := &Source{logger: logger, root: root, boundary: cfg.Boundary, fps: cfg.FramesPerSecond}
	if err := s.rescan(); err != nil {
		return nil, fmt.Errorf("simsource: initial scan of %s: %w", root, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("simsource: new watcher: %w", err)
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("simsource: watch %s: %w", root, err)
	}
	go s.watch(watcher)
	return s, nil
}

func isJPEG(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".jpeg")
}

func (s *Source) rescan() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isJPEG(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(s.root, e.Name()))
	}
	sort.Strings(files)

	s.mu.Lock()
	s.files = files
	s.mu.Unlock()
	return nil
}

// watch re-scans the directory on every fsnotify event that could add or
// remove a JPEG, in the dirsource idiom: rescan-on-event rather than
// tracking individual file diffs, tolerant of missed or coalesced events.
func (s *Source) watch(watcher *fsnotify.Watcher) {
	defer watcher.Close()
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if err := s.rescan(); err != nil && s.logger != nil {
					s.logger.Warn("simsource: rescan failed", servicelog.String("root", s.root), servicelog.Error(err))
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if s.logger != nil {
				s.logger.Error("simsource: watcher error", servicelog.Error(err))
			}
		}
	}
}

func (s *Source) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.files))
	copy(out, s.files)
	return out
}

// Boundary returns the multipart boundary used to frame emitted bytes, so
// callers can build the same Content-Type header a real upstream would
// advertise.
func (s *Source) Boundary() string {
	return s.boundary
}

// Open starts looping the directory's JPEGs and returns a ReadCloser that
// yields multipart/x-mixed-replace bytes shaped like spec §6. The loop
// stops once ctx is cancelled or Close is called; after a cancel Read
// returns io.EOF, after Close it returns io.ErrClosedPipe.
func (s *Source) Open(ctx context.Context) io.ReadCloser {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	go s.emit(ctx, pw)
	return &stream{ctx: ctx, cancel: cancel, r: pr}
}

type stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	r      *io.PipeReader
}

func (s *stream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *stream) Close() error {
	s.cancel()
	return s.r.Close()
}

func (s *Source) emit(ctx context.Context, pw *io.PipeWriter) {
	interval := time.Duration(float64(time.Second) / s.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer pw.Close()

	idx := 0
	for {
		files := s.snapshot()
		if len(files) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
				continue
			}
		}
		path := files[idx%len(files)]
		idx++

		data, err := os.ReadFile(path)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("simsource: read file failed", servicelog.String("path", path), servicelog.Error(err))
			}
		} else if err := s.writePart(pw, data); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Source) writePart(pw *io.PipeWriter, data []byte) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "--%s\r\n", s.boundary)
	fmt.Fprintf(&buf, "Content-Type: image/jpeg\r\n")
	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(data))
	buf.Write(data)
	buf.WriteString("\r\n")
	_, err := pw.Write(buf.Bytes())
	return err
}
