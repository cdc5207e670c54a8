// Package config holds the records the pipeline reads but never owns:
// project settings, detector parameters, the class-status table, SFTP
// credentials, and the process-level Config the way the teacher's
// cmd/driver.Config carries triple struct tags and a Check method.
package config

import (
	"errors"
	"path/filepath"
	"strings"
)

// SourceKind enumerates the upstream MJPEG producer kinds.
type SourceKind string

const (
	KindWebcam     SourceKind = "webcam"
	KindIndustrial SourceKind = "industrial"
	KindSimulator  SourceKind = "simulator"
)

// Source is a stable, immutable-for-the-life-of-a-task descriptor of one
// upstream MJPEG producer.
type Source struct {
	Key       string     `json:"key" toml:"Key" yaml:"Key"`
	Kind      SourceKind `json:"kind" toml:"Kind" yaml:"Kind"`
	StreamURL string     `json:"streamUrl" toml:"StreamURL" yaml:"StreamURL"`
	HealthURL string     `json:"healthUrl" toml:"HealthURL" yaml:"HealthURL"`
	// Boundary overrides the multipart boundary advertised by the
	// upstream's Content-Type header; empty means the spec §6 default
	// ("frame").
	Boundary string `json:"boundary" toml:"Boundary" yaml:"Boundary"`
}

// ProjectSettings is read-only configuration shared by all pipeline tasks.
type ProjectSettings struct {
	VMNumber                int     `json:"vm_number" toml:"VMNumber" yaml:"VMNumber"`
	Title                   string  `json:"title" toml:"Title" yaml:"Title"`
	Description             string  `json:"description" toml:"Description" yaml:"Description"`
	IrisMainFolder          string  `json:"iris_main_folder" toml:"IrisMainFolder" yaml:"IrisMainFolder"`
	IrisClassifierSubfolder string  `json:"iris_classifier_subfolder" toml:"IrisClassifierSubfolder" yaml:"IrisClassifierSubfolder"`
	IrisModelSubfolder      string  `json:"iris_model_subfolder" toml:"IrisModelSubfolder" yaml:"IrisModelSubfolder"`
	CSVIntervalSeconds      int     `json:"csv_interval_seconds" toml:"CSVIntervalSeconds" yaml:"CSVIntervalSeconds"`
	ImageProcessingInterval float64 `json:"image_processing_interval" toml:"ImageProcessingInterval" yaml:"ImageProcessingInterval"`
}

// Check fills in documented defaults and validates required fields.
func (p *ProjectSettings) Check() error {
	if p.CSVIntervalSeconds < 1 {
		p.CSVIntervalSeconds = 60
	}
	if p.ImageProcessingInterval <= 0 {
		p.ImageProcessingInterval = 1.0
	}
	if p.IrisMainFolder == "" {
		return errors.New("iris_main_folder config parameter is required")
	}
	if p.IrisClassifierSubfolder == "" {
		p.IrisClassifierSubfolder = "classifier"
	}
	if p.IrisModelSubfolder == "" {
		p.IrisModelSubfolder = "model"
	}
	return nil
}

// SubfolderFor returns the remote subfolder name for a stage.
func (p ProjectSettings) SubfolderFor(stage string) string {
	if stage == "classifier" {
		return p.IrisClassifierSubfolder
	}
	return p.IrisModelSubfolder
}

// DetectorParams filters and derives per-particle fields for the detector
// stage. pixelsPerMM defaults to the reference-design constant 1/(900/240).
type DetectorParams struct {
	Name                string  `json:"name" toml:"Name" yaml:"Name"`
	MinConfidence       float64 `json:"min_conf" toml:"MinConf" yaml:"MinConf"`
	MinDetectMM         float64 `json:"min_d_detect" toml:"MinDDetect" yaml:"MinDDetect"`
	MaxDetectMM         float64 `json:"max_d_detect" toml:"MaxDDetect" yaml:"MaxDDetect"`
	MinSaveMM           float64 `json:"min_d_save" toml:"MinDSave" yaml:"MinDSave"`
	MaxSaveMM           float64 `json:"max_d_save" toml:"MaxDSave" yaml:"MaxDSave"`
	BBDimensionFactor   float64 `json:"particle_bb_dimension_factor" toml:"BBDimensionFactor" yaml:"BBDimensionFactor"`
	VolumeCoefficient   float64 `json:"est_particle_volume_x" toml:"VolumeCoefficient" yaml:"VolumeCoefficient"`
	VolumeExponent      float64 `json:"est_particle_volume_exp" toml:"VolumeExponent" yaml:"VolumeExponent"`
	PixelsPerMillimeter float64 `json:"pixels_per_mm" toml:"PixelsPerMillimeter" yaml:"PixelsPerMillimeter"`
}

// Check fills in documented defaults.
func (d *DetectorParams) Check() error {
	if d.MinConfidence <= 0 {
		d.MinConfidence = 0.25
	}
	if d.BBDimensionFactor <= 0 {
		d.BBDimensionFactor = 1.0
	}
	if d.VolumeCoefficient <= 0 {
		d.VolumeCoefficient = 1.0
	}
	if d.VolumeExponent <= 0 {
		d.VolumeExponent = 3.0
	}
	if d.PixelsPerMillimeter <= 0 {
		d.PixelsPerMillimeter = 1.0 / (900.0 / 240.0)
	}
	if d.MaxDetectMM <= 0 {
		d.MaxDetectMM = d.MinDetectMM + 1000
	}
	if d.MaxSaveMM <= 0 {
		d.MaxSaveMM = d.MinSaveMM + 1000
	}
	return nil
}

// ClassStatus is one ordered (id, name) pair in the class-status table.
type ClassStatus struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ClassStatusTable resolves an inference class index to a name, clamping
// an index past the end to the largest valid one and a negative index to
// the first one.
type ClassStatusTable struct {
	names []string
}

// NewClassStatusTable builds a table from ordered (id, name) pairs. The
// ordinal position, not the ID field, determines lookup order, mirroring
// the reference implementation's plain list-indexed lookup.
func NewClassStatusTable(entries []ClassStatus) ClassStatusTable {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return ClassStatusTable{names: names}
}

// Resolve returns the name for index idx, clamping to the last entry if
// idx is past the end and to the first entry if idx is negative, and
// reporting whether clamping occurred (also true, with an empty name, for
// an empty table).
func (t ClassStatusTable) Resolve(idx int) (name string, clamped bool) {
	if len(t.names) == 0 {
		return "", true
	}
	if idx < 0 {
		return t.names[0], true
	}
	if idx >= len(t.names) {
		return t.names[len(t.names)-1], true
	}
	return t.names[idx], false
}

// SFTPServer is the remote upload target's credentials.
type SFTPServer struct {
	ServerName string `json:"server_name" toml:"ServerName" yaml:"ServerName"`
	Host       string `json:"host" toml:"Host" yaml:"Host"`
	Port       int    `json:"port" toml:"Port" yaml:"Port"`
	Username   string `json:"username" toml:"Username" yaml:"Username"`
	Password   string `json:"password" toml:"Password" yaml:"Password"`
	KnownHosts string `json:"known_hosts" toml:"KnownHosts" yaml:"KnownHosts"`
}

// Check validates required fields and defaults the port.
func (s *SFTPServer) Check() error {
	if s.Host == "" {
		return errors.New("sftp host config parameter is required")
	}
	if s.Port <= 0 {
		s.Port = 22
	}
	if s.Username == "" {
		return errors.New("sftp username config parameter is required")
	}
	if s.KnownHosts == "" {
		return errors.New("sftp known_hosts config parameter is required")
	}
	return nil
}

// Config is the process-level configuration, following the teacher's
// triple-tagged, Check()-validated style.
type Config struct {
	Port                int              `json:"Port" toml:"Port" yaml:"Port"`
	ReadTimeoutSeconds  int              `json:"ReadTimeout" toml:"ReadTimeout" yaml:"ReadTimeout"`
	WriteTimeoutSeconds int              `json:"WriteTimeout" toml:"WriteTimeout" yaml:"WriteTimeout"`
	MaxHeaderBytes      int              `json:"MaxHeaderBytes" toml:"MaxHeaderBytes" yaml:"MaxHeaderBytes"`
	StorageFolder        string           `json:"StorageFolder" toml:"StorageFolder" yaml:"StorageFolder"`
	LogFolder           string           `json:"LogFolder" toml:"LogFolder" yaml:"LogFolder"`
	DatabaseDriver      string           `json:"DatabaseDriver" toml:"DatabaseDriver" yaml:"DatabaseDriver"`
	DatabaseDSN         string           `json:"DatabaseDSN" toml:"DatabaseDSN" yaml:"DatabaseDSN"`
	StopGraceSeconds    int              `json:"StopGraceSeconds" toml:"StopGraceSeconds" yaml:"StopGraceSeconds"`
	HealthIntervalSeconds int            `json:"HealthIntervalSeconds" toml:"HealthIntervalSeconds" yaml:"HealthIntervalSeconds"`
	HealthTimeoutSeconds  int            `json:"HealthTimeoutSeconds" toml:"HealthTimeoutSeconds" yaml:"HealthTimeoutSeconds"`
	Debug               bool             `json:"Debug" toml:"Debug" yaml:"Debug"`
	Sources             []Source         `json:"Sources" toml:"Sources" yaml:"Sources"`
}

// Check fills in documented defaults and validates required fields,
// mirroring the teacher's cmd/driver.Config.Check.
func (c *Config) Check(configPath string) error {
	if c.Port < 1024 || c.Port > 65535 {
		c.Port = 8080
	}
	if c.ReadTimeoutSeconds < 1 {
		c.ReadTimeoutSeconds = 5
	}
	if c.WriteTimeoutSeconds < 1 {
		c.WriteTimeoutSeconds = 7
	}
	if c.MaxHeaderBytes < 4096 {
		c.MaxHeaderBytes = 1 << 20
	}
	configDir := filepath.Dir(configPath)
	if c.StorageFolder == "" {
		c.StorageFolder = filepath.Join(configDir, "storage")
	}
	if c.LogFolder == "" {
		c.LogFolder = filepath.Join(configDir, "logs")
	}
	if c.DatabaseDriver == "" {
		c.DatabaseDriver = "sqlite"
	}
	if c.DatabaseDSN == "" {
		c.DatabaseDSN = filepath.Join(configDir, "belt-aggregator.db")
	}
	if c.StopGraceSeconds < 1 {
		c.StopGraceSeconds = 15
	}
	if c.HealthIntervalSeconds < 1 {
		c.HealthIntervalSeconds = 5
	}
	if c.HealthTimeoutSeconds < 1 {
		c.HealthTimeoutSeconds = 2
	}
	for i := range c.Sources {
		c.Sources[i].Key = strings.TrimSpace(c.Sources[i].Key)
		if c.Sources[i].Key == "" {
			return errors.New("source entries require a non-empty key")
		}
	}
	return nil
}
