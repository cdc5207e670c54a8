// Package classifier implements the classifier worker (C7): decodes a
// sampled frame, runs an injected classification model, resolves the
// returned class index through the class-status table, and forwards the
// resolved tag to the CSV aggregator under the classifier stage.
// Grounded on internal/driver/jpeg.Farm's worker pool, generalized from
// JPEG compression tasks to classification jobs.
package classifier

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/warpcomdev/beltaggregator/internal/config"
	"github.com/warpcomdev/beltaggregator/internal/csvagg"
	"github.com/warpcomdev/beltaggregator/internal/pipeline/errs"
	"github.com/warpcomdev/beltaggregator/internal/pipeline/workqueue"
	"github.com/warpcomdev/beltaggregator/internal/servicelog"
)

// Model is the injected classification collaborator. It is expected to
// handle its own grayscale-to-three-channel conversion, resizing to its
// expected input (default 150x150), and normalization internally; no
// concrete backend ships in this package, per the classification
// Non-goal.
type Model interface {
	Classify(ctx context.Context, img image.Image) (classIndex int, err error)
}

// Appender is the narrow CSV-aggregator interface the classifier worker
// writes through.
type Appender interface {
	AppendClassifier(sourceKey string, row csvagg.ClassifierRow) bool
}

// Job is one sampled frame routed to the classifier stage.
type Job struct {
	SourceKey             string
	FrameBytes            []byte
	Model                 Model
	ClassStatusTable      config.ClassStatusTable
	ProjectTitle          string
	FileCreationTimestamp time.Time
	StatusTimestamp       time.Time
}

// Worker owns the bounded queue of classifier jobs.
type Worker struct {
	logger   servicelog.Logger
	appender Appender
	queue    *workqueue.Queue[Job]
}

// Config tunes the underlying queue.
type Config struct {
	Queue workqueue.Config
}

// New starts a Worker consuming Jobs from a bounded queue.
func New(logger servicelog.Logger, appender Appender, cfg Config, metrics workqueue.Metrics) *Worker {
	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = 50
	}
	w := &Worker{logger: logger, appender: appender}
	w.queue = workqueue.New(logger, "classifier", cfg.Queue, w.handle, metrics)
	return w
}

// Submit enqueues a job; false means the classifier queue was full and
// the frame was dropped.
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

	idx, err := job.Model.Classify(ctx, img)
	if err != nil {
		if w.logger != nil {
			w.logger.Error("classifier: inference failed", servicelog.String("source", job.SourceKey), servicelog.Error(err))
		}
		return errs.ErrInference
	}

	name, clamped := job.ClassStatusTable.Resolve(idx)
	// Normalize to NFC so a class-status table edited on a different
	// platform can't introduce a decomposed-vs-composed mismatch in the
	// CSV field (spec §6 Data column).
	name = norm.NFC.String(name)
	if clamped && w.logger != nil {
		w.logger.Error("classifier: class index out of range, clamped",
			servicelog.String("source", job.SourceKey), servicelog.Int("index", idx), servicelog.String("resolved", name))
	}

	w.appender.AppendClassifier(job.SourceKey, csvagg.ClassifierRow{
		ProjectTitle:          job.ProjectTitle,
		FileCreationTimestamp: job.FileCreationTimestamp,
		StatusTimestamp:       job.StatusTimestamp,
		Data:                  name,
	})
	return nil
}
