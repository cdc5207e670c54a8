// Package mjpegframer turns a continuous multipart/x-mixed-replace byte
// stream into a lazy sequence of JPEG payloads (C2). Grounded on
// internal/mjpeg.Handler's multipart boundary handling, inverted from the
// writer side to the reader side, since this repo consumes MJPEG streams
// rather than serving them.
package mjpegframer

import (
	"bytes"
	"context"
	"fmt"
	imagejpeg "image/jpeg"
	"io"

	"github.com/warpcomdev/beltaggregator/internal/pipeline/errs"
	"github.com/warpcomdev/beltaggregator/internal/servicelog"
)

const (
	defaultChunkSize        = 32 * 1024
	defaultBufferCap        = 10 << 20 // 10 MiB, per spec §4.2
	defaultChunkCheckPeriod = 5        // STREAM_CHUNK_CHECK_INTERVAL default
)

var headerEnd = []byte("\r\n\r\n")

// Framer extracts JPEG payloads out of a multipart/x-mixed-replace stream.
type Framer struct {
	r          io.Reader
	boundary   []byte
	buf        []byte
	bufCap     int
	chunkSize  int
	checkEvery int
	chunks     int
	logger     servicelog.Logger
}

// Config tunes buffer behavior; zero values take spec defaults.
type Config struct {
	BufferCap        int
	ChunkSize        int
	ChunkCheckPeriod int
}

func (c Config) withDefaults() Config {
	if c.BufferCap <= 0 {
		c.BufferCap = defaultBufferCap
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.ChunkCheckPeriod <= 0 {
		c.ChunkCheckPeriod = defaultChunkCheckPeriod
	}
	return c
}

// New builds a Framer reading from r. boundary is the multipart boundary
// string (without the leading "--"), as advertised in the stream's
// Content-Type header.
func New(logger servicelog.Logger, r io.Reader, boundary string, cfg Config) *Framer {
	cfg = cfg.withDefaults()
	return &Framer{
		r:          r,
		boundary:   []byte("--" + boundary),
		buf:        make([]byte, 0, cfg.ChunkSize*4),
		bufCap:     cfg.BufferCap,
		chunkSize:  cfg.ChunkSize,
		checkEvery: cfg.ChunkCheckPeriod,
		logger:     logger,
	}
}

// Next returns the next JPEG payload. It blocks on the underlying reader
// until a complete frame is available, the stream ends, or ctx is
// cancelled. Frames that fail to decode as JPEG are skipped, not retried,
// with a warning logged when a logger is set.
func (f *Framer) Next(ctx context.Context) ([]byte, error) {
	for {
		payload, ok, err := f.extractOne()
		if err != nil {
			return nil, err
		}
		if !ok {
			if err := f.fill(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if _, decodeErr := imagejpeg.DecodeConfig(bytes.NewReader(payload)); decodeErr != nil {
			if f.logger != nil {
				f.logger.Warn("dropping frame that failed to decode", servicelog.Error(decodeErr))
			}
			continue
		}
		return payload, nil
	}
}

// extractOne tries to pull one complete JPEG payload out of the buffer
// already accumulated, without reading more from the stream.
func (f *Framer) extractOne() (payload []byte, ok bool, err error) {
	start := bytes.Index(f.buf, f.boundary)
	if start < 0 {
		return nil, false, nil
	}
	afterBoundary := start + len(f.boundary)
	headerIdx := bytes.Index(f.buf[afterBoundary:], headerEnd)
	if headerIdx < 0 {
		return nil, false, nil
	}
	payloadStart := afterBoundary + headerIdx + len(headerEnd)
	// The payload ends at the next boundary marker; the framer tolerates
	// a missing trailing CRLF before it, per spec §6.
	nextIdx := bytes.Index(f.buf[payloadStart:], f.boundary)
	if nextIdx < 0 {
		return nil, false, nil
	}
	end := payloadStart + nextIdx
	raw := f.buf[payloadStart:end]
	raw = bytes.TrimSuffix(raw, []byte("\r\n"))
	payload = append([]byte(nil), raw...)
	// Keep the next boundary marker in the buffer as the new scan start.
	f.buf = append([]byte(nil), f.buf[payloadStart+nextIdx:]...)
	return payload, true, nil
}

// fill reads one more chunk from the stream into the buffer, enforcing
// the absolute cap and the periodic cancellation check.
func (f *Framer) fill(ctx context.Context) error {
	f.chunks++
	if f.chunks%f.checkEvery == 0 {
		select {
		case <-ctx.Done():
			return errs.ErrClosed
		default:
		}
	}
	chunk := make([]byte, f.chunkSize)
	n, err := f.r.Read(chunk)
	if n > 0 {
		f.buf = append(f.buf, chunk[:n]...)
		if len(f.buf) > f.bufCap {
			half := len(f.buf) / 2
			if f.logger != nil {
				f.logger.Warn("framer buffer exceeded cap, discarding older half",
					servicelog.Int("bufLen", len(f.buf)), servicelog.Int("cap", f.bufCap))
			}
			f.buf = append([]byte(nil), f.buf[half:]...)
		}
	}
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("mjpegframer: %w: %v", errs.ErrClosed, err)
		}
		return err
	}
	return nil
}
