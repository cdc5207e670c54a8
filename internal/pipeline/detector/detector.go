// Package detector implements the detector worker (C6): decodes a sampled
// frame, invokes an injected detection model restricted to the particle
// class, derives per-particle physical dimensions, and forwards
// detections in range to the CSV aggregator. Grounded on
// internal/driver/jpeg.Farm's fixed worker pool consuming a bounded task
// channel, generalized from JPEG compression tasks to detection jobs.
package detector

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"math"
	"time"

	"github.com/warpcomdev/beltaggregator/internal/config"
	"github.com/warpcomdev/beltaggregator/internal/csvagg"
	"github.com/warpcomdev/beltaggregator/internal/pipeline/errs"
	"github.com/warpcomdev/beltaggregator/internal/pipeline/workqueue"
	"github.com/warpcomdev/beltaggregator/internal/servicelog"
)

// RawDetection is one bounding box as returned by the injected model,
// before unit conversion.
type RawDetection struct {
	Confidence float64
	// Box is [x1, y1, x2, y2] in pixel coordinates.
	Box [4]float64
}

// Model is the injected collaborator performing the actual inference; no
// concrete backend ships in this package, per the particle-detection
// Non-goal.
type Model interface {
	Detect(ctx context.Context, img image.Image, minConfidence float64) ([]RawDetection, error)
}

// Particle is one detection after unit conversion, ready for filtering.
type Particle struct {
	Confidence float64
	XYXY       [4]float64
	WidthPx    float64
	HeightPx   float64
	WidthMM    int
	HeightMM   int
	MaxDMM     float64
	VolumeEst  float64
}

func deriveParticle(raw RawDetection, params config.DetectorParams) Particle {
	widthPx := raw.Box[2] - raw.Box[0]
	heightPx := raw.Box[3] - raw.Box[1]
	widthMM := int(widthPx / params.PixelsPerMillimeter)
	heightMM := int(heightPx / params.PixelsPerMillimeter)
	maxSide := float64(widthMM)
	if float64(heightMM) > maxSide {
		maxSide = float64(heightMM)
	}
	maxDMM := math.Round(maxSide * params.BBDimensionFactor)
	volumeEst := params.VolumeCoefficient * math.Pow(maxDMM, params.VolumeExponent)
	return Particle{
		Confidence: raw.Confidence,
		XYXY:       raw.Box,
		WidthPx:    widthPx,
		HeightPx:   heightPx,
		WidthMM:    widthMM,
		HeightMM:   heightMM,
		MaxDMM:     maxDMM,
		VolumeEst:  volumeEst,
	}
}

func inRange(d float64, min, max float64) bool {
	return d >= min && d <= max
}

// Job is one sampled frame routed to the detector stage.
type Job struct {
	SourceKey   string
	FrameBytes  []byte
	FramePath   string
	CaptureTime time.Time
	Model       Model
	Params      config.DetectorParams
	ProjectName string
}

// Appender is the narrow CSV-aggregator interface the detector worker
// writes through.
type Appender interface {
	AppendDetector(sourceKey string, row csvagg.DetectorRow) bool
}

// SaveSink persists frames with at least one particle in the to_save
// range; satisfied by *framesink.Sink via an adapter in the
// caller, since framesink has no notion of particles.
type SaveSink interface {
	SaveFrame(sourceKey string, frameBytes []byte) error
}

// Worker owns the bounded queue of detector jobs.
type Worker struct {
	logger   servicelog.Logger
	appender Appender
	saveSink SaveSink
	queue    *workqueue.Queue[Job]
}

// Config tunes the underlying queue.
type Config struct {
	Queue workqueue.Config
}

// New starts a Worker consuming Jobs from a bounded queue.
func New(logger servicelog.Logger, appender Appender, saveSink SaveSink, cfg Config, metrics workqueue.Metrics) *Worker {
	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = 50
	}
	w := &Worker{logger: logger, appender: appender, saveSink: saveSink}
	w.queue = workqueue.New(logger, "detector", cfg.Queue, w.handle, metrics)
	return w
}

// Submit enqueues a job; false means the detector queue was full and the
// frame was dropped.
func (w *Worker) Submit(job Job) bool {
	return w.queue.Enqueue(job)
}

// Stats exposes the underlying queue counters.
func (w *Worker) Stats() workqueue.Stats {
	return w.queue.Stats()
}

// Stop drains the queue and waits for the consumer to exit.
func (w *Worker) Stop() {
	w.queue.Stop()
}

func (w *Worker) handle(ctx context.Context, job Job) error {
	img, err := jpeg.Decode(bytes.NewReader(job.FrameBytes))
	if err != nil {
		return errs.ErrDecode
	}
	if job.Model == nil {
		return errs.ErrConfig
	}

	raws, err := job.Model.Detect(ctx, img, job.Params.MinConfidence)
	if err != nil {
		if w.logger != nil {
			w.logger.Error("detector: inference failed", servicelog.String("source", job.SourceKey), servicelog.Error(err))
		}
		return errs.ErrInference
	}

	var toDetect, toSave []Particle
	for _, raw := range raws {
		p := deriveParticle(raw, job.Params)
		if inRange(p.MaxDMM, job.Params.MinDetectMM, job.Params.MaxDetectMM) {
			toDetect = append(toDetect, p)
		}
		if inRange(p.MaxDMM, job.Params.MinSaveMM, job.Params.MaxSaveMM) {
			toSave = append(toSave, p)
		}
	}

	for _, p := range toDetect {
		w.appender.AppendDetector(job.SourceKey, csvagg.DetectorRow{
			Timestamp: job.CaptureTime,
			Image:     job.FramePath,
			XYXY:      p.XYXY,
			Conf:      p.Confidence,
			WidthPx:   p.WidthPx,
			HeightPx:  p.HeightPx,
			WidthMM:   p.WidthMM,
			HeightMM:  p.HeightMM,
			MaxDMM:    p.MaxDMM,
			VolumeEst: p.VolumeEst,
		})
	}

	if len(toSave) > 0 && w.saveSink != nil {
		if err := w.saveSink.SaveFrame(job.SourceKey, job.FrameBytes); err != nil && w.logger != nil {
			w.logger.Warn("detector: frame save failed", servicelog.String("source", job.SourceKey), servicelog.Error(err))
		}
	}
	return nil
}
