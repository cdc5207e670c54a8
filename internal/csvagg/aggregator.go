// Package csvagg implements the CSV aggregator (C8): for each (stage,
// source) pair, at most one CSV artifact is open at a time; rollover
// closes the current artifact, offers it to the uploader exactly once,
// then opens a fresh one, in that order. Grounded on
// internal/driver/watcher.FileHistory's per-key on-disk bookkeeping and
// on iris_input_processor's rollover-by-elapsed-time design from the
// original Python implementation.
package csvagg

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/warpcomdev/beltaggregator/internal/pipeline/workqueue"
	"github.com/warpcomdev/beltaggregator/internal/servicelog"
)

const (
	StageDetector   = "detector"
	StageClassifier = "classifier"
)

var detectorHeader = []string{
	"timestamp", "image", "xyxy", "conf", "width_px", "height_px",
	"width_mm", "height_mm", "max_d_mm", "volume_est", "time_diff", "images_per_second",
}

var classifierHeader = []string{
	"ProjectTitle", "FileCreationTimestamp", "StatusTimestamp", "Data",
}

// detectorTimestampLayout matches the reference design's
// YYYY-MM-DD HH:MM:SS.ffffff microsecond-precision timestamp.
const detectorTimestampLayout = "2006-01-02 15:04:05.000000"

// DetectorRow is one detector-stage CSV row, per particle.
type DetectorRow struct {
	Timestamp time.Time
	Image     string
	XYXY      [4]float64
	Conf      float64
	WidthPx   float64
	HeightPx  float64
	WidthMM   int
	HeightMM  int
	MaxDMM    float64
	VolumeEst float64
}

// ClassifierRow is one classifier-stage CSV row.
type ClassifierRow struct {
	ProjectTitle          string
	FileCreationTimestamp time.Time
	StatusTimestamp       time.Time
	Data                  string
}

// Uploader accepts a closed artifact exactly once; satisfied by
// *sftpupload.Uploader. A narrow interface, per spec Design Notes §9, so
// the aggregator never references the uploader's internals.
type Uploader interface {
	OfferClosedArtifact(stage, sourceKey, path string) bool
}

// Recorder persists the artifact ledger; satisfied by *config.Store.
type Recorder interface {
	OpenArtifact(stage, sourceKey, path string, createdAt time.Time) (uint, error)
	CloseArtifact(id uint, closedAt time.Time) error
}

type item struct {
	stage      string
	sourceKey  string
	detector   *DetectorRow
	classifier *ClassifierRow
}

func (it item) timestamp() time.Time {
	if it.detector != nil {
		return it.detector.Timestamp
	}
	return it.classifier.StatusTimestamp
}

type openArtifact struct {
	recordID uint
	path     string
	file     *os.File
	writer   *csv.Writer
	created  time.Time
}

// Aggregator owns every open CSV artifact's file handle. Producers never
// touch the filesystem directly; they enqueue rows through AppendDetector
// / AppendClassifier.
type Aggregator struct {
	root     string
	logger   servicelog.Logger
	recorder Recorder
	uploader Uploader
	interval time.Duration
	queue    *workqueue.Queue[item]
	open     map[string]*openArtifact
	// lastAppend tracks, per (stage, source), the wall clock of the prior
	// detector append, independent of artifact lifetime: spec.md defines
	// time_diff as the delta to the prior append "for this (stage,
	// source)", not for the current CSV file, so it must survive
	// rollover rather than reset when openNew allocates a fresh artifact.
	lastAppend map[string]time.Time
}

// Config tunes the rollover interval and underlying queue.
type Config struct {
	Interval time.Duration
	Queue    workqueue.Config
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = 200
	}
	return c
}

// New builds an Aggregator rooted at root (one subdirectory per stage).
// recorder and uploader may be nil for tests that don't need the ledger
// or a real SFTP sink.
func New(logger servicelog.Logger, root string, recorder Recorder, uploader Uploader, cfg Config, metrics workqueue.Metrics) *Aggregator {
	cfg = cfg.withDefaults()
	a := &Aggregator{
		root:       root,
		logger:     logger,
		recorder:   recorder,
		uploader:   uploader,
		interval:   cfg.Interval,
		open:       make(map[string]*openArtifact),
		lastAppend: make(map[string]time.Time),
	}
	a.queue = workqueue.New(logger, "csv", cfg.Queue, a.handle, metrics)
	return a
}

func artifactKey(stage, sourceKey string) string {
	return stage + "|" + sourceKey
}

// AppendDetector enqueues one detector-stage row; false means the queue
// was full and the row was dropped.
func (a *Aggregator) AppendDetector(sourceKey string, row DetectorRow) bool {
	return a.queue.Enqueue(item{stage: StageDetector, sourceKey: sourceKey, detector: &row})
}

// AppendClassifier enqueues one classifier-stage row.
func (a *Aggregator) AppendClassifier(sourceKey string, row ClassifierRow) bool {
	return a.queue.Enqueue(item{stage: StageClassifier, sourceKey: sourceKey, classifier: &row})
}

// Stats exposes the underlying queue's counters.
func (a *Aggregator) Stats() workqueue.Stats {
	return a.queue.Stats()
}

// Stop drains the queue, then closes and offers every remaining open
// artifact, per the C12 shutdown order (§4.12 step 4).
func (a *Aggregator) Stop() {
	a.queue.Stop()
	for key, art := range a.open {
		stage, sourceKey := splitKey(key)
		a.closeAndOffer(stage, sourceKey, key, art)
	}
}

func splitKey(key string) (stage, sourceKey string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// handle is the single consumer's entry point, run on the queue's own
// goroutine; the open-artifact map needs no locking because nothing else
// ever touches it.
func (a *Aggregator) handle(_ context.Context, it item) error {
	key := artifactKey(it.stage, it.sourceKey)
	now := it.timestamp()

	art, found := a.open[key]
	if found && now.Sub(art.created) >= a.interval {
		a.closeAndOffer(it.stage, it.sourceKey, key, art)
		art, found = nil, false
	}
	if !found {
		var err error
		art, err = a.openNew(it.stage, it.sourceKey, now)
		if err != nil {
			return fmt.Errorf("csvagg: open artifact for %s: %w", key, err)
		}
		a.open[key] = art
	}
	return a.appendRow(key, art, it)
}

func (a *Aggregator) openNew(stage, sourceKey string, now time.Time) (*openArtifact, error) {
	dir := filepath.Join(a.root, stage)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s_%s_%s_%06d.csv", stage, sourceKey, now.UTC().Format("20060102_150405"), now.Nanosecond()/1000)
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	header := detectorHeader
	if stage == StageClassifier {
		header = classifierHeader
	}
	if err := w.Write(header); err != nil {
		f.Close()
		return nil, err
	}
	w.Flush()

	var recordID uint
	if a.recorder != nil {
		recordID, err = a.recorder.OpenArtifact(stage, sourceKey, path, now)
		if err != nil && a.logger != nil {
			a.logger.Error("csvagg: record artifact open failed", servicelog.String("path", path), servicelog.Error(err))
		}
	}
	return &openArtifact{recordID: recordID, path: path, file: f, writer: w, created: now}, nil
}

func (a *Aggregator) appendRow(key string, art *openArtifact, it item) error {
	var row []string
	switch {
	case it.detector != nil:
		d := it.detector
		timeDiff := 0.0
		// lastAppend is keyed by (stage, source), not by the current
		// artifact, so timing stays continuous across a rollover instead
		// of resetting to zero on the first row of every new CSV.
		if last, ok := a.lastAppend[key]; ok {
			timeDiff = d.Timestamp.Sub(last).Seconds()
		}
		imagesPerSecond := 0.0
		if timeDiff > 0 {
			imagesPerSecond = 1.0 / timeDiff
		}
		row = []string{
			d.Timestamp.UTC().Format(detectorTimestampLayout),
			d.Image,
			fmt.Sprintf("%g,%g,%g,%g", d.XYXY[0], d.XYXY[1], d.XYXY[2], d.XYXY[3]),
			fmt.Sprintf("%.2f", d.Conf),
			strconv.FormatFloat(d.WidthPx, 'f', -1, 64),
			strconv.FormatFloat(d.HeightPx, 'f', -1, 64),
			strconv.Itoa(d.WidthMM),
			strconv.Itoa(d.HeightMM),
			strconv.FormatFloat(d.MaxDMM, 'f', -1, 64),
			strconv.FormatFloat(d.VolumeEst, 'f', -1, 64),
			strconv.FormatFloat(timeDiff, 'f', -1, 64),
			fmt.Sprintf("%.2f", imagesPerSecond),
		}
		a.lastAppend[key] = d.Timestamp
	case it.classifier != nil:
		c := it.classifier
		row = []string{
			c.ProjectTitle,
			c.FileCreationTimestamp.UTC().Format(time.RFC3339Nano),
			c.StatusTimestamp.UTC().Format(time.RFC3339Nano),
			c.Data,
		}
	}
	if err := art.writer.Write(row); err != nil {
		return err
	}
	art.writer.Flush()
	return art.writer.Error()
}

// closeAndOffer closes art, records the close, offers it to the uploader,
// and removes it from the open map, strictly in that order (close, then
// offer, never the reverse, per the rollover invariant).
func (a *Aggregator) closeAndOffer(stage, sourceKey, key string, art *openArtifact) {
	closedAt := time.Now()
	if err := art.file.Close(); err != nil && a.logger != nil {
		a.logger.Warn("csvagg: close artifact failed", servicelog.String("path", art.path), servicelog.Error(err))
	}
	if a.recorder != nil && art.recordID != 0 {
		if err := a.recorder.CloseArtifact(art.recordID, closedAt); err != nil && a.logger != nil {
			a.logger.Error("csvagg: record artifact close failed", servicelog.String("path", art.path), servicelog.Error(err))
		}
	}
	if a.uploader != nil {
		if !a.uploader.OfferClosedArtifact(stage, sourceKey, art.path) && a.logger != nil {
			a.logger.Warn("csvagg: upload queue full, artifact not offered", servicelog.String("path", art.path))
		}
	}
	delete(a.open, key)
}
