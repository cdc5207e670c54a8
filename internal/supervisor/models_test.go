package supervisor

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/warpcomdev/beltaggregator/internal/config"
	"github.com/warpcomdev/beltaggregator/internal/pipeline/classifier"
	"github.com/warpcomdev/beltaggregator/internal/pipeline/detector"
)

type fakeParamsStore struct {
	detector config.DetectorParams
	table    config.ClassStatusTable
	detErr   error
	tableErr error
}

func (f fakeParamsStore) LoadDetectorParams(name string) (config.DetectorParams, error) {
	if f.detErr != nil {
		return config.DetectorParams{}, f.detErr
	}
	return f.detector, nil
}

func (f fakeParamsStore) LoadClassStatusTable() (config.ClassStatusTable, error) {
	if f.tableErr != nil {
		return config.ClassStatusTable{}, f.tableErr
	}
	return f.table, nil
}

type fakeDetectorModel struct{}

func (fakeDetectorModel) Detect(ctx context.Context, img image.Image, minConfidence float64) ([]detector.RawDetection, error) {
	return nil, nil
}

type fakeClassifierModel struct{}

func (fakeClassifierModel) Classify(ctx context.Context, img image.Image) (int, error) {
	return 0, nil
}

func TestLoadDetectorReturnsRegisteredModelAndParams(t *testing.T) {
	params := config.DetectorParams{Name: "belt-v1", MinConfidence: 0.4}
	loader := NewStoreModelLoader(fakeParamsStore{detector: params})
	loader.RegisterDetector("belt-v1", fakeDetectorModel{})

	model, got, err := loader.LoadDetector("belt-v1", "belt-v1")
	if err != nil {
		t.Fatalf("LoadDetector returned error: %v", err)
	}
	if model == nil {
		t.Fatal("expected a non-nil model")
	}
	if got != params {
		t.Fatalf("LoadDetector params = %+v, want %+v", got, params)
	}
}

func TestLoadDetectorUnknownIDFails(t *testing.T) {
	loader := NewStoreModelLoader(fakeParamsStore{})
	if _, _, err := loader.LoadDetector("missing", "missing"); err == nil {
		t.Fatal("expected an error for an unregistered detector id")
	}
}

func TestLoadDetectorPropagatesParamsStoreError(t *testing.T) {
	loader := NewStoreModelLoader(fakeParamsStore{detErr: errors.New("not found")})
	loader.RegisterDetector("belt-v1", fakeDetectorModel{})
	if _, _, err := loader.LoadDetector("belt-v1", "missing-params"); err == nil {
		t.Fatal("expected the params store error to propagate")
	}
}

func TestLoadClassifierReturnsRegisteredModelAndTable(t *testing.T) {
	table := config.NewClassStatusTable([]config.ClassStatus{{ID: 0, Name: "good"}, {ID: 1, Name: "bad"}})
	loader := NewStoreModelLoader(fakeParamsStore{table: table})
	loader.RegisterClassifier("iris-v1", fakeClassifierModel{})

	model, got, err := loader.LoadClassifier("iris-v1")
	if err != nil {
		t.Fatalf("LoadClassifier returned error: %v", err)
	}
	if model == nil {
		t.Fatal("expected a non-nil model")
	}
	if name, _ := got.Resolve(0); name != "good" {
		t.Fatalf("LoadClassifier table resolve(0) = %q, want good", name)
	}
}

func TestLoadClassifierUnknownIDFails(t *testing.T) {
	loader := NewStoreModelLoader(fakeParamsStore{})
	if _, _, err := loader.LoadClassifier("missing"); err == nil {
		t.Fatal("expected an error for an unregistered classifier id")
	}
}

var (
	_ detector.Model   = fakeDetectorModel{}
	_ classifier.Model = fakeClassifierModel{}
)
