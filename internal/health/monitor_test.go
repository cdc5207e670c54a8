package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestProbeMapsStatusCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New(nil, Config{}, nil)
	if got := m.Probe(context.Background(), srv.URL); got != StatusAvailable {
		t.Fatalf("Probe = %v, want available", got)
	}
}

func TestProbeUnavailableOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := New(nil, Config{}, nil)
	if got := m.Probe(context.Background(), srv.URL); got != StatusUnavailable {
		t.Fatalf("Probe = %v, want unavailable", got)
	}
}

func TestProbeUnavailableOnConnRefused(t *testing.T) {
	m := New(nil, Config{}, nil)
	if got := m.Probe(context.Background(), "http://127.0.0.1:1"); got != StatusUnavailable {
		t.Fatalf("Probe = %v, want unavailable", got)
	}
}

func TestWatchFiresListenerOnTransition(t *testing.T) {
	var mu sync.Mutex
	seen := make([]Status, 0, 4)
	unavailable := true

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		down := unavailable
		mu.Unlock()
		if down {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New(nil, Config{Interval: 20 * time.Millisecond, Timeout: 100 * time.Millisecond}, func(key string, status Status) {
		mu.Lock()
		seen = append(seen, status)
		mu.Unlock()
	})
	m.Watch("legacy", srv.URL)
	defer m.StopAll()

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	unavailable = false
	mu.Unlock()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		ok := len(seen) >= 2 && seen[0] == StatusUnavailable && seen[1] == StatusAvailable
		mu.Unlock()
		if ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("listener did not observe unavailable -> available transition")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWatchDebouncesFlakyProbe(t *testing.T) {
	var mu sync.Mutex
	var codes []int
	mu.Lock()
	codes = []int{200, 503, 200, 200, 200}
	mu.Unlock()
	var calls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		code := codes[calls%len(codes)]
		calls++
		mu.Unlock()
		w.WriteHeader(code)
	}))
	defer srv.Close()

	var seen []Status
	m := New(nil, Config{
		Interval:        10 * time.Millisecond,
		DebounceSamples: 3,
	}, func(key string, status Status) {
		mu.Lock()
		seen = append(seen, status)
		mu.Unlock()
	})
	m.Watch("flaky", srv.URL)
	defer m.StopAll()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		done := len(seen) >= 1
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("debounced status never settled")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for _, s := range seen {
		if s == StatusUnavailable {
			t.Fatalf("single flaky 503 should not have flipped status, saw %v", seen)
		}
	}
}

func TestSnapshotReflectsWatchedSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New(nil, Config{Interval: 10 * time.Millisecond}, nil)
	m.Watch("cam0", srv.URL)
	defer m.StopAll()

	deadline := time.After(time.Second)
	for {
		snap := m.Snapshot()
		if snap["cam0"] == StatusAvailable {
			break
		}
		select {
		case <-deadline:
			t.Fatal("snapshot never reached available")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
