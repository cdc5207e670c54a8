// Package stream opens upstream MJPEG connections and yields raw byte
// chunks under a caller-supplied cancellation token, the stream-client
// component (C1). Grounded on the teacher's backend.Client retry-aware
// Do wrapper, inverted from a one-shot JSON API call to a long-lived
// streaming GET.
package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/warpcomdev/beltaggregator/internal/pipeline/errs"
	"github.com/warpcomdev/beltaggregator/internal/servicelog"
)

// Client opens streaming GETs against upstream MJPEG producers. One
// Client is shared across every source; its Transport pools connections
// per host the way the standard library does by default, capped by
// MaxConnsPerHost so no single misbehaving source exhausts the pool.
type Client struct {
	http    *http.Client
	logger  servicelog.Logger
}

// Config tunes the connect timeout and per-host connection cap.
type Config struct {
	ConnectTimeout  time.Duration
	MaxConnsPerHost int
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.MaxConnsPerHost <= 0 {
		c.MaxConnsPerHost = 4
	}
	return c
}

// New builds a Client. The dialer timeout bounds only the TCP connect
// phase; once connected, reads are unbounded and rely entirely on the
// caller's context for cancellation, per spec §4.1 ("read timeout must
// be long or infinite with periodic cancellation checks").
func New(logger servicelog.Logger, cfg Config) *Client {
	cfg = cfg.withDefaults()
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		http:   &http.Client{Transport: transport},
		logger: logger,
	}
}

// Stream is an open upstream connection. Read yields raw bytes exactly as
// received; Close force-closes the underlying connection so any blocked
// Read elsewhere returns promptly.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
}

// Open issues a streaming GET against url and returns a Stream bound to
// ctx. Canceling ctx (directly, or via Close) unblocks any in-flight Read.
func (c *Client) Open(ctx context.Context, url string) (*Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, classifyOpenError(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, errs.ErrConnect
	}
	return &Stream{ctx: streamCtx, cancel: cancel, body: resp.Body}, nil
}

// Read observes the stream's cancellation token: once closed, Read
// returns errs.ErrClosed instead of a raw network error.
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	if err != nil {
		if s.ctx.Err() != nil {
			return n, errs.ErrClosed
		}
		if errors.Is(err, io.EOF) {
			return n, io.EOF
		}
		return n, errs.ErrTransport
	}
	return n, nil
}

// Close force-closes the connection; any blocked Read returns promptly.
func (s *Stream) Close() error {
	s.cancel()
	return s.body.Close()
}

// Close idles out every pooled connection, the last shutdown step for the
// stream/HTTP client pool (spec §4.12 step 7).
func (c *Client) Close() error {
	if t, ok := c.http.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

func classifyOpenError(callerCtx context.Context, err error) error {
	if callerCtx.Err() != nil {
		return errs.ErrClosed
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.ErrTimeout
	}
	return errs.ErrConnect
}
