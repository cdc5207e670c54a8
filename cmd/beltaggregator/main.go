// Command beltaggregator is the composition root: it loads configuration,
// wires every pipeline component in the order the resource registry will
// later unwind, and serves the control surface until an interrupt signal
// triggers a deterministic shutdown. Grounded on cmd/driver/main.go's
// startup sequencing (zap logger, promauto metrics, http.Handle wiring).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warpcomdev/beltaggregator/internal/config"
	"github.com/warpcomdev/beltaggregator/internal/csvagg"
	"github.com/warpcomdev/beltaggregator/internal/framesink"
	"github.com/warpcomdev/beltaggregator/internal/health"
	"github.com/warpcomdev/beltaggregator/internal/httpapi"
	"github.com/warpcomdev/beltaggregator/internal/pipeline/classifier"
	"github.com/warpcomdev/beltaggregator/internal/pipeline/detector"
	"github.com/warpcomdev/beltaggregator/internal/pipeline/workqueue"
	"github.com/warpcomdev/beltaggregator/internal/registry"
	"github.com/warpcomdev/beltaggregator/internal/servicelog"
	"github.com/warpcomdev/beltaggregator/internal/sftpupload"
	"github.com/warpcomdev/beltaggregator/internal/simsource"
	"github.com/warpcomdev/beltaggregator/internal/stream"
	"github.com/warpcomdev/beltaggregator/internal/supervisor"
)

func loadConfig(path string) (config.Config, error) {
	var cfg config.Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Check(path); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// saveSinkAdapter adapts *framesink.Sink's (path, err) return to the
// narrower detector.SaveSink interface, which has no use for the saved
// path.
type saveSinkAdapter struct {
	sink *framesink.Sink
}

func (a saveSinkAdapter) SaveFrame(sourceKey string, frameBytes []byte) error {
	_, err := a.sink.Save(sourceKey, time.Now(), frameBytes)
	return err
}

type staticSources struct{ sources []config.Source }

func (s staticSources) Sources() []config.Source { return s.sources }

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := servicelog.New(nil, cfg.Debug, cfg.LogFolder+"/belt-aggregator.log")
	reg := registry.New(logger)

	store, err := config.OpenStore(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("open config store failed", servicelog.Error(err))
	}

	project, err := store.LoadProjectSettings()
	if err != nil {
		logger.Warn("no project settings in store yet, using defaults", servicelog.Error(err))
	}
	if err := (&project).Check(); err != nil {
		logger.Fatal("invalid project settings", servicelog.Error(err))
	}

	sftpServer, err := store.LoadSFTPServer("default")
	if err != nil {
		logger.Warn("no SFTP server record in store yet, uploads disabled", servicelog.Error(err))
	}

	metrics := workqueue.NewPromMetrics()

	streamClient := stream.New(logger, stream.Config{})
	opener := supervisor.NewMultiOpener(supervisor.StreamClientAdapter{Client: streamClient})
	for _, src := range cfg.Sources {
		if src.Kind != config.KindSimulator {
			continue
		}
		sim, err := simsource.New(logger, src.StreamURL, simsource.Config{})
		if err != nil {
			logger.Error("simulator source init failed", servicelog.String("source", src.Key), servicelog.Error(err))
			continue
		}
		opener.RegisterSimulator(src.Key, sim)
	}

	healthMon := health.New(logger, health.Config{
		Interval: time.Duration(cfg.HealthIntervalSeconds) * time.Second,
		Timeout:  time.Duration(cfg.HealthTimeoutSeconds) * time.Second,
	}, nil)
	for _, src := range cfg.Sources {
		healthMon.Watch(src.Key, src.HealthURL)
	}

	sink := framesink.New(logger, cfg.StorageFolder, store, framesink.Config{})

	var uploader *sftpupload.Uploader
	if sftpServer.Host != "" {
		uploader = sftpupload.New(logger, sftpupload.NewSSHDialer(), sftpServer, project, sftpupload.Config{}, metrics)
	}

	var uploaderArg csvagg.Uploader
	if uploader != nil {
		uploaderArg = uploader
	}
	aggregator := csvagg.New(logger, cfg.StorageFolder+"/csv", store, uploaderArg, csvagg.Config{
		Interval: time.Duration(project.CSVIntervalSeconds) * time.Second,
	}, metrics)

	detectorWorker := detector.New(logger, aggregator, saveSinkAdapter{sink: sink}, detector.Config{}, metrics)
	classifierWorker := classifier.New(logger, aggregator, classifier.Config{}, metrics)
	modelLoader := supervisor.NewStoreModelLoader(store)

	sup := supervisor.New(logger, supervisor.Deps{
		Opener:       opener,
		Prober:       healthMon,
		Models:       modelLoader,
		Sink:         sink,
		Detector:     detectorWorker,
		Classifier:   classifierWorker,
		GateInterval: time.Duration(project.ImageProcessingInterval * float64(time.Second)),
		StopGrace:    time.Duration(cfg.StopGraceSeconds) * time.Second,
	})

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go sup.RunRetentionSweeper(sweepCtx, time.Minute)

	sources := staticSources{sources: cfg.Sources}
	api := httpapi.New(logger, sup, healthMon, sources)
	srv := httpapi.NewServer(httpapi.Config{
		Addr:           fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:    time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:   time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}, api.Handler())

	// Shutdown order is fixed per spec §4.12: stop accepting new control
	// requests, then supervisor, detector, classifier, csv aggregator,
	// sftp uploader, health monitor, stream client pool, and finally the
	// persistent store once nothing else can still write through it.
	reg.Add("http control surface", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
	reg.Add("retention sweeper", func() error { stopSweep(); return nil })
	reg.Add("supervisor", func() error { return sup.StopAll(time.Duration(cfg.StopGraceSeconds) * time.Second) })
	reg.Add("detector worker", func() error { detectorWorker.Stop(); return nil })
	reg.Add("classifier worker", func() error { classifierWorker.Stop(); return nil })
	reg.Add("csv aggregator", func() error { aggregator.Stop(); return nil })
	if uploader != nil {
		reg.Add("sftp uploader", func() error { uploader.Stop(); return nil })
	}
	reg.Add("health monitor", func() error { healthMon.StopAll(); return nil })
	reg.Add("stream client pool", streamClient.Close)
	reg.Add("config store", store.Close)

	go func() {
		logger.Info("control surface listening", servicelog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control surface stopped unexpectedly", servicelog.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	done := make(chan struct{})
	go func() {
		if err := reg.Shutdown(); err != nil {
			logger.Error("shutdown completed with errors", servicelog.Error(err))
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(time.Duration(cfg.StopGraceSeconds+10) * time.Second):
		logger.Error("shutdown grace period exceeded, forcing exit")
		os.Exit(1)
	}
}
