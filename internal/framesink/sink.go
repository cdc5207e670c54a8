// Package framesink persists sampled JPEGs under rolling time-bucketed
// session folders (C3). Grounded on internal/driver/dirsource's
// folder/newest-file idioms for the on-disk layout, and on the
// jpeg.jpegPool fixed-size-map-with-eviction idiom for bounding the
// in-memory session registry.
package framesink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/warpcomdev/beltaggregator/internal/servicelog"
)

const (
	defaultSessionDuration = 15 * time.Minute
	defaultSessionCap      = 100
)

// Recorder persists a frame-index row; satisfied by *config.Store.
type Recorder interface {
	RecordFrame(sourceKey string, wallClock time.Time, relativePath string) error
}

type session struct {
	folder  string
	created time.Time
}

// Sink saves sampled frames to disk under session_YYYYMMDD_HHMMSS folders,
// one per source key, rolling over every 15 minutes of wall clock.
type Sink struct {
	root            string
	logger          servicelog.Logger
	recorder        Recorder
	sessionDuration time.Duration
	sessionCap      int

	mu       sync.Mutex
	sessions map[string]*session
}

// Config tunes rollover duration and the in-memory session cap.
type Config struct {
	SessionDuration time.Duration
	SessionCap      int
}

func (c Config) withDefaults() Config {
	if c.SessionDuration <= 0 {
		c.SessionDuration = defaultSessionDuration
	}
	if c.SessionCap <= 0 {
		c.SessionCap = defaultSessionCap
	}
	return c
}

// New builds a Sink rooted at root. recorder may be nil, in which case
// frame-index rows are not persisted (useful in tests).
func New(logger servicelog.Logger, root string, recorder Recorder, cfg Config) *Sink {
	cfg = cfg.withDefaults()
	return &Sink{
		root:            root,
		logger:          logger,
		recorder:        recorder,
		sessionDuration: cfg.SessionDuration,
		sessionCap:      cfg.SessionCap,
		sessions:        make(map[string]*session),
	}
}

// sessionFolder returns the session folder name for sourceKey at now,
// allocating a new one if none exists or the current one has expired.
func (s *Sink) sessionFolder(sourceKey string, now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, found := s.sessions[sourceKey]
	if !found || now.Sub(sess.created) >= s.sessionDuration {
		sess = &session{
			folder:  "session_" + now.Format("20060102_150405"),
			created: now,
		}
		s.sessions[sourceKey] = sess
	}
	s.evictLocked(now)
	return sess.folder
}

// evictLocked drops sessions older than 2x the session duration once the
// registry exceeds its cap. Must be called with s.mu held.
func (s *Sink) evictLocked(now time.Time) {
	if len(s.sessions) <= s.sessionCap {
		return
	}
	staleBefore := now.Add(-2 * s.sessionDuration)
	for key, sess := range s.sessions {
		if sess.created.Before(staleBefore) {
			delete(s.sessions, key)
		}
	}
}

// Save writes data to disk under the source's current session folder and
// records it in the frame index. Failure to write is reported but is not
// fatal to the caller's ingest loop, per spec §4.3.
func (s *Sink) Save(sourceKey string, capture time.Time, data []byte) (relativePath string, err error) {
	folder := s.sessionFolder(sourceKey, capture)
	filename := fmt.Sprintf("frame_%s_%06d.jpg", capture.Format("20060102_150405"), capture.Nanosecond()/1000)
	relativePath = filepath.Join(folder, filename)
	absPath := filepath.Join(s.root, relativePath)

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(absPath, data, 0o644); err != nil {
		return "", err
	}
	if s.recorder != nil {
		if err := s.recorder.RecordFrame(sourceKey, capture, relativePath); err != nil {
			if s.logger != nil {
				s.logger.Error("failed to record frame index", servicelog.String("path", relativePath), servicelog.Error(err))
			}
		}
	}
	return relativePath, nil
}
