package config

import "testing"

func TestClassStatusTableClamp(t *testing.T) {
	table := NewClassStatusTable([]ClassStatus{
		{ID: 0, Name: "empty"},
		{ID: 1, Name: "partial"},
		{ID: 2, Name: "full"},
	})
	name, clamped := table.Resolve(5)
	if name != "full" || !clamped {
		t.Fatalf("Resolve(5) = (%q, %v), want (full, true)", name, clamped)
	}
	name, clamped = table.Resolve(1)
	if name != "partial" || clamped {
		t.Fatalf("Resolve(1) = (%q, %v), want (partial, false)", name, clamped)
	}
}

func TestProjectSettingsCheckDefaults(t *testing.T) {
	p := ProjectSettings{IrisMainFolder: "iris_main_folder"}
	if err := p.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if p.CSVIntervalSeconds != 60 {
		t.Fatalf("CSVIntervalSeconds = %d, want 60", p.CSVIntervalSeconds)
	}
	if p.ImageProcessingInterval != 1.0 {
		t.Fatalf("ImageProcessingInterval = %v, want 1.0", p.ImageProcessingInterval)
	}
	if p.IrisModelSubfolder != "model" || p.IrisClassifierSubfolder != "classifier" {
		t.Fatalf("unexpected subfolder defaults: %+v", p)
	}
}

func TestProjectSettingsCheckRequiresMainFolder(t *testing.T) {
	p := ProjectSettings{}
	if err := p.Check(); err == nil {
		t.Fatal("expected error for missing iris_main_folder")
	}
}

func TestDetectorParamsCheckDefaults(t *testing.T) {
	d := DetectorParams{}
	if err := d.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.PixelsPerMillimeter <= 0 {
		t.Fatalf("PixelsPerMillimeter = %v, want > 0", d.PixelsPerMillimeter)
	}
	if d.VolumeExponent != 3.0 {
		t.Fatalf("VolumeExponent = %v, want 3.0", d.VolumeExponent)
	}
}

func TestConfigCheckRejectsBlankSourceKey(t *testing.T) {
	c := Config{Sources: []Source{{Key: "  "}}}
	if err := c.Check("/tmp/config.json"); err == nil {
		t.Fatal("expected error for blank source key")
	}
}
