package supervisor

import (
	"fmt"
	"sync"

	"github.com/warpcomdev/beltaggregator/internal/config"
	"github.com/warpcomdev/beltaggregator/internal/pipeline/classifier"
	"github.com/warpcomdev/beltaggregator/internal/pipeline/detector"
)

// ParamsStore is the narrow config.Store surface StoreModelLoader reads
// detector parameters and the class-status table from.
type ParamsStore interface {
	LoadDetectorParams(name string) (config.DetectorParams, error)
	LoadClassStatusTable() (config.ClassStatusTable, error)
}

// StoreModelLoader implements ModelLoader by pairing a registry of
// pre-loaded inference models (registered by id ahead of time, since no
// concrete ONNX/TF backend ships with this repo) with parameter records
// read from the persistent config store.
type StoreModelLoader struct {
	mu sync.Mutex

	params ParamsStore

	detectors   map[string]detector.Model
	classifiers map[string]classifier.Model
}

// NewStoreModelLoader builds a StoreModelLoader reading parameter records
// through params. Register detector/classifier models with
// RegisterDetector/RegisterClassifier before use.
func NewStoreModelLoader(params ParamsStore) *StoreModelLoader {
	return &StoreModelLoader{
		params:      params,
		detectors:   make(map[string]detector.Model),
		classifiers: make(map[string]classifier.Model),
	}
}

// RegisterDetector binds an id to a pre-loaded detection model.
func (l *StoreModelLoader) RegisterDetector(id string, model detector.Model) {
	l.mu.Lock()
	l.detectors[id] = model
	l.mu.Unlock()
}

// RegisterClassifier binds an id to a pre-loaded classification model.
func (l *StoreModelLoader) RegisterClassifier(id string, model classifier.Model) {
	l.mu.Lock()
	l.classifiers[id] = model
	l.mu.Unlock()
}

// LoadDetector implements ModelLoader.
func (l *StoreModelLoader) LoadDetector(detectorID, paramsID string) (detector.Model, config.DetectorParams, error) {
	l.mu.Lock()
	model, found := l.detectors[detectorID]
	l.mu.Unlock()
	if !found {
		return nil, config.DetectorParams{}, fmt.Errorf("supervisor: no detector model registered for id %q", detectorID)
	}
	params, err := l.params.LoadDetectorParams(paramsID)
	if err != nil {
		return nil, config.DetectorParams{}, fmt.Errorf("supervisor: load detector params %q: %w", paramsID, err)
	}
	return model, params, nil
}

// LoadClassifier implements ModelLoader.
func (l *StoreModelLoader) LoadClassifier(classifierID string) (classifier.Model, config.ClassStatusTable, error) {
	l.mu.Lock()
	model, found := l.classifiers[classifierID]
	l.mu.Unlock()
	if !found {
		return nil, config.ClassStatusTable{}, fmt.Errorf("supervisor: no classifier model registered for id %q", classifierID)
	}
	table, err := l.params.LoadClassStatusTable()
	if err != nil {
		return nil, config.ClassStatusTable{}, fmt.Errorf("supervisor: load class-status table: %w", err)
	}
	return model, table, nil
}
