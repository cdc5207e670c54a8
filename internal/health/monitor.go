// Package health implements the health monitor (C11): one independent
// probe loop per registered source, each mapping a successful HTTP 200
// to "available" and anything else (timeout, connection refused,
// non-200) to "unavailable", firing a listener callback on transition.
// Grounded on cmd/driver/alertusb.go's poll-compare-alert loop,
// generalized from USB presence to per-source HTTP probes, and
// supplemented from server_health_monitor.py's per-source listener
// callback (original_source).
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/warpcomdev/beltaggregator/internal/ringbuf"
	"github.com/warpcomdev/beltaggregator/internal/servicelog"
)

// Status is a source's last-observed health.
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusAvailable   Status = "available"
	StatusUnavailable Status = "unavailable"
)

// Listener is invoked whenever a source's status changes. It must return
// promptly; it runs on the monitor's own probe goroutine.
type Listener func(sourceKey string, status Status)

type entry struct {
	mu       sync.Mutex
	status   Status
	window   *ringbuf.Ring[Status]
	windowSz int
	cancel   context.CancelFunc
	done     chan struct{}
}

// stable pushes sample into the debounce window and reports the status to
// adopt for this tick: once the window holds windowSz samples and every one
// of them agrees, that status; otherwise the window hasn't filled or
// settled yet and the caller should keep the previous status.
func (e *entry) stable(sample Status) (Status, bool) {
	e.window.Push(sample)
	items := e.window.Items()
	if len(items) < e.windowSz {
		return "", false
	}
	for _, s := range items {
		if s != items[0] {
			return "", false
		}
	}
	return items[0], true
}

// Monitor runs one independent probe loop per registered source. Monitors
// share no state other than through the registry map they're held in.
type Monitor struct {
	logger    servicelog.Logger
	client    *http.Client
	interval  time.Duration
	timeout   time.Duration
	debounce  int
	listener  Listener

	mu      sync.Mutex
	entries map[string]*entry
	urls    map[string]string
}

// Config tunes probe cadence, per-probe timeout, and transition debounce.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	// DebounceSamples is the number of consecutive agreeing probe results
	// required before a status transition fires. 1 (the default) reports
	// every probe result immediately; raising it trades transition
	// latency for resistance to single flaky probes.
	DebounceSamples int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.DebounceSamples <= 0 {
		c.DebounceSamples = 1
	}
	return c
}

// New builds a Monitor. listener may be nil if no callback is needed.
func New(logger servicelog.Logger, cfg Config, listener Listener) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		logger:   logger,
		client:   &http.Client{Timeout: cfg.Timeout},
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		debounce: cfg.DebounceSamples,
		listener: listener,
		entries:  make(map[string]*entry),
		urls:     make(map[string]string),
	}
}

// Probe performs a single synchronous health check against healthURL,
// used by the supervisor at StartTask time (spec §4.10 step 2) before a
// monitoring loop even exists for the source.
func (m *Monitor) Probe(ctx context.Context, healthURL string) Status {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return StatusUnavailable
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return StatusUnavailable
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return StatusUnavailable
	}
	return StatusAvailable
}

// Watch starts an independent probe loop for sourceKey against healthURL.
// Calling Watch again for an already-watched key replaces its loop.
func (m *Monitor) Watch(sourceKey, healthURL string) {
	m.mu.Lock()
	if old, found := m.entries[sourceKey]; found {
		old.cancel()
		<-old.done
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		status:   StatusUnknown,
		window:   ringbuf.New[Status](m.debounce),
		windowSz: m.debounce,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	m.entries[sourceKey] = e
	m.urls[sourceKey] = healthURL
	m.mu.Unlock()

	go m.run(ctx, sourceKey, healthURL, e)
}

// Unwatch stops the probe loop for sourceKey, if any.
func (m *Monitor) Unwatch(sourceKey string) {
	m.mu.Lock()
	e, found := m.entries[sourceKey]
	if found {
		delete(m.entries, sourceKey)
		delete(m.urls, sourceKey)
	}
	m.mu.Unlock()
	if found {
		e.cancel()
		<-e.done
	}
}

func (m *Monitor) run(ctx context.Context, sourceKey, healthURL string, e *entry) {
	defer close(e.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.tick(ctx, sourceKey, healthURL, e)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, sourceKey, healthURL, e)
		}
	}
}

func (m *Monitor) tick(ctx context.Context, sourceKey, healthURL string, e *entry) {
	sample := m.Probe(ctx, healthURL)
	e.mu.Lock()
	status, settled := e.stable(sample)
	changed := settled && status != e.status
	if changed {
		e.status = status
	}
	e.mu.Unlock()
	if changed {
		if m.logger != nil {
			m.logger.Info("health: status changed", servicelog.String("source", sourceKey), servicelog.String("status", string(status)))
		}
		if m.listener != nil {
			m.listener(sourceKey, status)
		}
	}
}

// Status returns the last-observed status for sourceKey, or StatusUnknown
// if the key is not being watched.
func (m *Monitor) Status(sourceKey string) Status {
	m.mu.Lock()
	e, found := m.entries[sourceKey]
	m.mu.Unlock()
	if !found {
		return StatusUnknown
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Snapshot returns every watched source's current status.
func (m *Monitor) Snapshot() map[string]Status {
	m.mu.Lock()
	keys := make([]string, 0, len(m.entries))
	entries := make([]*entry, 0, len(m.entries))
	for k, e := range m.entries {
		keys = append(keys, k)
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make(map[string]Status, len(keys))
	for i, k := range keys {
		entries[i].mu.Lock()
		out[k] = entries[i].status
		entries[i].mu.Unlock()
	}
	return out
}

// StopAll cancels every probe loop and waits for them to exit.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[string]*entry)
	m.urls = make(map[string]string)
	m.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	for _, e := range entries {
		<-e.done
	}
}
