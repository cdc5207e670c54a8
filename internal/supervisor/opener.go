package supervisor

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/warpcomdev/beltaggregator/internal/config"
	"github.com/warpcomdev/beltaggregator/internal/stream"
)

// HTTPStreamClient is the subset of *stream.Client the supervisor needs;
// kept narrow so tests can substitute a fake.
type HTTPStreamClient interface {
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

// SimStreamSource is the subset of *simsource.Source the supervisor
// needs.
type SimStreamSource interface {
	Open(ctx context.Context) io.ReadCloser
}

// StreamClientAdapter adapts *stream.Client's *stream.Stream return type
// to the narrower HTTPStreamClient interface.
type StreamClientAdapter struct {
	Client *stream.Client
}

// Open implements HTTPStreamClient.
func (a StreamClientAdapter) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	return a.Client.Open(ctx, url)
}

// MultiOpener dispatches Open by source kind: webcam/industrial sources
// go through an HTTP MJPEG client, simulator sources go through a
// per-key looped-folder source registered ahead of time.
type MultiOpener struct {
	HTTP HTTPStreamClient

	mu  sync.Mutex
	sim map[string]SimStreamSource
}

// NewMultiOpener builds a MultiOpener over an HTTP client; simulator
// sources are registered afterward with RegisterSimulator.
func NewMultiOpener(client HTTPStreamClient) *MultiOpener {
	return &MultiOpener{HTTP: client, sim: make(map[string]SimStreamSource)}
}

// RegisterSimulator binds a source key to its looped-folder source, so a
// later StartTask for that key dispatches to it instead of HTTP.
func (m *MultiOpener) RegisterSimulator(sourceKey string, src SimStreamSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sim[sourceKey] = src
}

// Open implements Opener.
func (m *MultiOpener) Open(ctx context.Context, source config.Source) (io.ReadCloser, error) {
	if source.Kind == config.KindSimulator {
		m.mu.Lock()
		src, found := m.sim[source.Key]
		m.mu.Unlock()
		if !found {
			return nil, fmt.Errorf("supervisor: no simulator source registered for %s", source.Key)
		}
		return src.Open(ctx), nil
	}
	if m.HTTP == nil {
		return nil, fmt.Errorf("supervisor: no HTTP stream client configured")
	}
	return m.HTTP.Open(ctx, source.StreamURL)
}
