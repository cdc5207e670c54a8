// Package supervisor implements the pipeline supervisor (C10): the
// registry of running pipeline tasks, one per {source-kind}_{device-id}
// key, with start/stop lifecycle, pre-loaded models, and deterministic
// shutdown. Grounded on internal/driver/jpeg.SessionManager's
// Acquire/Done/Join lifecycle, generalized from one shared camera session
// to a keyed registry of independent ingest tasks, plus
// cmd/driver/main.go's startup sequencing.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/warpcomdev/beltaggregator/internal/config"
	"github.com/warpcomdev/beltaggregator/internal/framesink"
	"github.com/warpcomdev/beltaggregator/internal/health"
	"github.com/warpcomdev/beltaggregator/internal/mjpegframer"
	"github.com/warpcomdev/beltaggregator/internal/pipeline/classifier"
	"github.com/warpcomdev/beltaggregator/internal/pipeline/detector"
	"github.com/warpcomdev/beltaggregator/internal/pipeline/errs"
	"github.com/warpcomdev/beltaggregator/internal/pipeline/gate"
	"github.com/warpcomdev/beltaggregator/internal/servicelog"
)

const (
	defaultStopGrace      = 15 * time.Second
	defaultRetentionAfter = 60 * time.Second
	defaultBoundary       = "frame"
)

// TaskKey builds the stable registry key for a source, per spec §3:
// "{source-kind}_{device-id}".
func TaskKey(kind config.SourceKind, deviceID string) string {
	return fmt.Sprintf("%s_%s", kind, deviceID)
}

// Opener opens the byte stream for one source, hiding whether it is a
// real HTTP MJPEG GET (webcam/industrial) or a looped local folder
// (simulator) behind one interface.
type Opener interface {
	Open(ctx context.Context, source config.Source) (io.ReadCloser, error)
}

// HealthProber performs the synchronous pre-start probe required by
// spec §4.10 step 2.
type HealthProber interface {
	Probe(ctx context.Context, healthURL string) health.Status
}

// ModelLoader pre-loads the detector/classifier collaborators for a
// StartTask request, so a missing or broken model fails the start
// request instead of being discovered mid-stream (spec Design Notes §9).
type ModelLoader interface {
	LoadDetector(detectorID, paramsID string) (detector.Model, config.DetectorParams, error)
	LoadClassifier(classifierID string) (classifier.Model, config.ClassStatusTable, error)
}

// StartOptions selects the optional detector/classifier stages for one
// task; empty strings mean the stage is absent, per spec §6.
type StartOptions struct {
	DetectorID   string
	ClassifierID string
	ParamsID     string
	ProjectTitle string
}

// Status is the observable per-task state, per spec §4.10.
type Status struct {
	Key          string
	Kind         config.SourceKind
	DeviceID     string
	DetectorID   string
	ClassifierID string
	ParamsID     string
	State        string
	Running      bool
	FrameCount   uint64
	StartedAt    time.Time
	Uptime       time.Duration
}

type task struct {
	mu sync.Mutex

	key      string
	source   config.Source
	opts     StartOptions
	state    string
	running  bool
	frames   uint64
	started  time.Time
	stopped  time.Time

	cancel      context.CancelFunc
	done        chan struct{}
	streamMu    sync.Mutex
	streamClose io.Closer
}

func (t *task) snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	uptime := time.Duration(0)
	if !t.started.IsZero() {
		uptime = time.Since(t.started)
	}
	return Status{
		Key:          t.key,
		Kind:         t.source.Kind,
		DeviceID:     t.source.Key,
		DetectorID:   t.opts.DetectorID,
		ClassifierID: t.opts.ClassifierID,
		ParamsID:     t.opts.ParamsID,
		State:        t.state,
		Running:      t.running,
		FrameCount:   t.frames,
		StartedAt:    t.started,
		Uptime:       uptime,
	}
}

func (t *task) setState(s string) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *task) setStreamCloser(c io.Closer) {
	t.streamMu.Lock()
	t.streamClose = c
	t.streamMu.Unlock()
}

func (t *task) forceCloseStream() {
	t.streamMu.Lock()
	c := t.streamClose
	t.streamMu.Unlock()
	if c != nil {
		c.Close()
	}
}

// Deps bundles every collaborator the supervisor drives a source through.
// Detector and Classifier are optional (nil skips the stage entirely for
// every task, not just tasks that don't request it).
type Deps struct {
	Opener     Opener
	Prober     HealthProber
	Models     ModelLoader
	Sink       *framesink.Sink
	Detector   *detector.Worker
	Classifier *classifier.Worker
	GateInterval time.Duration
	StopGrace    time.Duration
	Retention    time.Duration
}

// Supervisor owns the registry of pipeline tasks.
type Supervisor struct {
	logger servicelog.Logger
	deps   Deps

	mu    sync.Mutex
	tasks map[string]*task
}

// New builds a Supervisor. It starts no background goroutine of its own;
// stopped tasks are garbage-collected only while the caller runs
// RunRetentionSweeper (stopped by cancelling its context) or calls
// SweepStopped.
func New(logger servicelog.Logger, deps Deps) *Supervisor {
	if deps.GateInterval <= 0 {
		deps.GateInterval = time.Second
	}
	if deps.StopGrace <= 0 {
		deps.StopGrace = defaultStopGrace
	}
	if deps.Retention <= 0 {
		deps.Retention = defaultRetentionAfter
	}
	return &Supervisor{logger: logger, deps: deps, tasks: make(map[string]*task)}
}

// StartTask implements spec §4.10: reject if already running, probe
// health, allocate and publish the task record, then launch ingest.
func (s *Supervisor) StartTask(ctx context.Context, source config.Source, opts StartOptions) error {
	key := TaskKey(source.Kind, source.Key)

	s.mu.Lock()
	if existing, found := s.tasks[key]; found {
		select {
		case <-existing.done:
		default:
			s.mu.Unlock()
			return fmt.Errorf("supervisor: %w: %s", errs.ErrAlreadyRunning, key)
		}
	}
	s.mu.Unlock()

	if s.deps.Prober != nil {
		status := s.deps.Prober.Probe(ctx, source.HealthURL)
		if status != health.StatusAvailable {
			return fmt.Errorf("supervisor: %w: %s", errs.ErrUnavailable, key)
		}
	}

	var (
		model       detector.Model
		params      config.DetectorParams
		classModel  classifier.Model
		classTable  config.ClassStatusTable
		err         error
	)
	if opts.DetectorID != "" && s.deps.Models != nil {
		model, params, err = s.deps.Models.LoadDetector(opts.DetectorID, opts.ParamsID)
		if err != nil {
			return fmt.Errorf("supervisor: %w: load detector: %v", errs.ErrConfig, err)
		}
	}
	if opts.ClassifierID != "" && s.deps.Models != nil {
		classModel, classTable, err = s.deps.Models.LoadClassifier(opts.ClassifierID)
		if err != nil {
			return fmt.Errorf("supervisor: %w: load classifier: %v", errs.ErrConfig, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		key:     key,
		source:  source,
		opts:    opts,
		state:   "starting",
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}

	s.mu.Lock()
	s.tasks[key] = t
	s.mu.Unlock()

	go s.ingest(ctx, t, model, params, classModel, classTable)
	return nil
}

// StopTask implements spec §4.10: force-close the stream, cancel, wait up
// to StopGrace for the worker to exit.
func (s *Supervisor) StopTask(key string) error {
	return s.stopTaskWithGrace(key, s.deps.StopGrace)
}

func (s *Supervisor) stopTaskWithGrace(key string, grace time.Duration) error {
	s.mu.Lock()
	t, found := s.tasks[key]
	s.mu.Unlock()
	if !found {
		return nil // unknown or already swept key: nothing to stop
	}
	select {
	case <-t.done:
		return nil // already stopped: a repeated StopTask is a no-op
	default:
	}

	t.setState("stopping")
	t.forceCloseStream()
	t.cancel()

	select {
	case <-t.done:
		return nil
	case <-time.After(grace):
		t.setState("error:shutdown-timeout")
		return fmt.Errorf("supervisor: %w: %s", errs.ErrStopTimeout, key)
	}
}

// StopAll signals every task and waits up to timeout, then reports.
func (s *Supervisor) StopAll(timeout time.Duration) error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.tasks))
	for k := range s.tasks {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	type result struct {
		key string
		err error
	}
	results := make(chan result, len(keys))
	for _, k := range keys {
		go func(k string) {
			results <- result{key: k, err: s.stopTaskWithGrace(k, timeout)}
		}(k)
	}
	var firstErr error
	for range keys {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
	}
	return firstErr
}

// Status returns the observable snapshot for one task key.
func (s *Supervisor) Status(key string) (Status, bool) {
	s.mu.Lock()
	t, found := s.tasks[key]
	s.mu.Unlock()
	if !found {
		return Status{}, false
	}
	return t.snapshot(), true
}

// List returns a snapshot of every known task, running or recently
// stopped (stopped tasks are retained for Deps.Retention, per spec
// §4.10).
func (s *Supervisor) List() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.snapshot())
	}
	return out
}

// sweepStopped garbage-collects tasks that finished more than
// Deps.Retention ago; call periodically (the HTTP adapter or a ticker in
// the caller's main loop).
func (s *Supervisor) sweepStopped(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, t := range s.tasks {
		t.mu.Lock()
		stopped := !t.running && !t.stopped.IsZero() && now.Sub(t.stopped) > s.deps.Retention
		t.mu.Unlock()
		if stopped {
			delete(s.tasks, k)
		}
	}
}

// SweepStopped runs one garbage-collection pass now; exported so callers
// can drive it from their own ticker without this package owning a
// background goroutine beyond task ingest itself.
func (s *Supervisor) SweepStopped() {
	s.sweepStopped(time.Now())
}

// RunRetentionSweeper periodically garbage-collects stopped tasks until
// ctx is cancelled. Intended to be launched once, from the composition
// root, alongside StartTask/StopTask usage.
func (s *Supervisor) RunRetentionSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.deps.Retention
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepStopped()
		}
	}
}

func (s *Supervisor) ingest(ctx context.Context, t *task, model detector.Model, params config.DetectorParams, classModel classifier.Model, classTable config.ClassStatusTable) {
	defer close(t.done)
	defer func() {
		t.mu.Lock()
		t.running = false
		if t.stopped.IsZero() {
			t.stopped = time.Now()
		}
		t.mu.Unlock()
	}()

	stream, err := s.deps.Opener.Open(ctx, t.source)
	if err != nil {
		s.finishWithOpenError(t, err)
		return
	}
	t.setStreamCloser(stream)
	defer stream.Close()
	// Close the stream as soon as ctx is cancelled, so a Read that blocked
	// before StopTask could see this stream handle still returns promptly.
	unblock := make(chan struct{})
	defer close(unblock)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-unblock:
		}
	}()

	framer := mjpegframer.New(s.logger, stream, boundaryOf(t.source), mjpegframer.Config{})
	g := gate.New(s.deps.GateInterval)

	firstFrame := true
	for {
		frameBytes, err := framer.Next(ctx)
		if err != nil {
			s.finishWithStreamError(t, ctx, err)
			return
		}

		now := time.Now()
		t.mu.Lock()
		if firstFrame {
			t.running = true
			t.state = "running"
			firstFrame = false
		}
		t.mu.Unlock()

		var sampled bool
		if s.deps.Sink != nil && g.Admit("sink", now) {
			if path, err := s.deps.Sink.Save(t.key, now, frameBytes); err != nil {
				if s.logger != nil {
					s.logger.Warn("supervisor: frame save failed", servicelog.String("source", t.key), servicelog.Error(err))
				}
			} else {
				sampled = s.routeToStages(t, frameBytes, path, now, model, params, classModel, classTable, g)
			}
		} else {
			sampled = s.routeToStages(t, frameBytes, "", now, model, params, classModel, classTable, g)
		}

		// frame_count counts frames sampled into either stage as one,
		// per spec.md's Open Question resolution: a frame routed to both
		// the detector and classifier gates still increments frame_count
		// only once, not once per stage that admitted it.
		if sampled {
			t.mu.Lock()
			t.frames++
			t.mu.Unlock()
		}
	}
}

// routeToStages submits frameBytes to whichever of the detector/classifier
// stages is configured and admits it through its own sampling gate, and
// reports whether at least one stage admitted the frame.
func (s *Supervisor) routeToStages(t *task, frameBytes []byte, framePath string, now time.Time, model detector.Model, params config.DetectorParams, classModel classifier.Model, classTable config.ClassStatusTable, g *gate.Gate) bool {
	var admitted bool
	if model != nil && s.deps.Detector != nil && g.Admit("detector", now) {
		s.deps.Detector.Submit(detector.Job{
			SourceKey:   t.key,
			FrameBytes:  frameBytes,
			FramePath:   framePath,
			CaptureTime: now,
			Model:       model,
			Params:      params,
			ProjectName: t.opts.ProjectTitle,
		})
		admitted = true
	}
	if classModel != nil && s.deps.Classifier != nil && g.Admit("classifier", now) {
		s.deps.Classifier.Submit(classifier.Job{
			SourceKey:             t.key,
			FrameBytes:            frameBytes,
			Model:                 classModel,
			ClassStatusTable:      classTable,
			ProjectTitle:          t.opts.ProjectTitle,
			FileCreationTimestamp: now,
			StatusTimestamp:       now,
		})
		admitted = true
	}
	return admitted
}

func (s *Supervisor) finishWithOpenError(t *task, err error) {
	switch {
	case err == errs.ErrConnect:
		t.setState("error:server-unreachable")
	case err == errs.ErrTimeout:
		t.setState("error:timeout")
	default:
		t.setState(fmt.Sprintf("error:%v", err))
	}
}

func (s *Supervisor) finishWithStreamError(t *task, ctx context.Context, err error) {
	if ctx.Err() != nil || err == errs.ErrClosed {
		t.setState("stopped")
		return
	}
	switch err {
	case errs.ErrConnect:
		t.setState("error:server-unreachable")
	case errs.ErrTimeout:
		t.setState("error:timeout")
	default:
		t.setState(fmt.Sprintf("error:%v", err))
	}
}

func boundaryOf(source config.Source) string {
	if source.Boundary != "" {
		return source.Boundary
	}
	return defaultBoundary
}
