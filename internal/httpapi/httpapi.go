// Package httpapi is the thin control-surface adapter (spec §6): device
// listing, start/stop task endpoints, health and status snapshots, and
// /metrics. It is deliberately a pass-through over internal/supervisor
// and internal/health and carries none of the core pipeline logic.
// Grounded on cmd/driver/main.go's http.Handle/promhttp.Handler wiring.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warpcomdev/beltaggregator/internal/config"
	"github.com/warpcomdev/beltaggregator/internal/health"
	"github.com/warpcomdev/beltaggregator/internal/servicelog"
	"github.com/warpcomdev/beltaggregator/internal/supervisor"
)

// StartRequest is the body of POST /tasks/start, per spec §6: "Start-task
// accepts {type, id, model, classifier, settings}; empty strings mean
// absent."
type StartRequest struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Model      string `json:"model"`
	Classifier string `json:"classifier"`
	ParamsID   string `json:"settings"`
}

// StopRequest is the body of POST /tasks/stop, per spec §6: "Stop-task
// accepts {thread_id}".
type StopRequest struct {
	ThreadID string `json:"thread_id"`
}

// SourceLister exposes the configured source descriptors for device
// listing; satisfied by a simple slice-returning closure over loaded
// config in the composition root.
type SourceLister interface {
	Sources() []config.Source
}

// Server is the thin HTTP control surface. It holds no pipeline state of
// its own: every handler delegates to Supervisor or Health.
type Server struct {
	logger     servicelog.Logger
	supervisor *supervisor.Supervisor
	healthMon  *health.Monitor
	sources    SourceLister
	mux        *http.ServeMux
}

// Config tunes the underlying http.Server the way cmd/driver/main.go
// configures its server: short read timeout, long-enough write timeout
// for a slow client, explicit header cap. Streaming endpoints must not
// use an absolute response timeout; none are implemented by this thin
// adapter (spec §6 treats visualization pass-through as out of core
// scope).
type Config struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxHeaderBytes int
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 7 * time.Second
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = 1 << 20
	}
	return c
}

// New builds the control-surface mux. Call Handler to get an
// http.Handler, or NewServer for a ready-to-run *http.Server.
func New(logger servicelog.Logger, sup *supervisor.Supervisor, healthMon *health.Monitor, sources SourceLister) *Server {
	s := &Server{logger: logger, supervisor: sup, healthMon: healthMon, sources: sources, mux: http.NewServeMux()}
	s.mux.HandleFunc("/tasks/start", s.handleStart)
	s.mux.HandleFunc("/tasks/stop", s.handleStop)
	s.mux.HandleFunc("/tasks", s.handleTasks)
	s.mux.HandleFunc("/devices", s.handleDevices)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())
	return s
}

// Handler returns the control surface as an http.Handler.
func (s *Server) Handler() http.Handler { return s.mux }

// NewServer wraps Handler in an *http.Server configured the way the
// teacher's cmd/driver/main.go configures its server.
func NewServer(cfg Config, handler http.Handler) *http.Server {
	cfg = cfg.withDefaults()
	return &http.Server{
		Addr:           cfg.Addr,
		Handler:        handler,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var source config.Source
	found := false
	if s.sources != nil {
		for _, src := range s.sources.Sources() {
			if src.Key == req.ID {
				source = src
				found = true
				break
			}
		}
	}
	if !found {
		http.Error(w, "unknown source id", http.StatusNotFound)
		return
	}

	opts := supervisor.StartOptions{
		DetectorID:   req.Model,
		ClassifierID: req.Classifier,
		ParamsID:     req.ParamsID,
	}
	if err := s.supervisor.StartTask(r.Context(), source, opts); err != nil {
		writeJSONError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req StopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.supervisor.StopTask(req.ThreadID); err != nil {
		writeJSONError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.supervisor.List())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	var sources []config.Source
	if s.sources != nil {
		sources = s.sources.Sources()
	}
	writeJSON(w, sources)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthMon == nil {
		writeJSON(w, map[string]health.Status{})
		return
	}
	writeJSON(w, s.healthMon.Snapshot())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
