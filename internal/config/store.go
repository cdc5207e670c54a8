package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// FrameRecord is one row of the persistent frame-index table (spec §3,
// §4.3): every sampled JPEG saved to disk is recorded here.
type FrameRecord struct {
	ID           uint      `gorm:"primaryKey"`
	SourceKey    string    `gorm:"index"`
	WallClock    time.Time `gorm:"index"`
	RelativePath string
}

// ArtifactRecord is the persistent ledger entry for a CSV artifact (spec
// §3): one row per artifact, open or closed, keyed by (stage, source).
type ArtifactRecord struct {
	ID        uint   `gorm:"primaryKey"`
	Stage     string `gorm:"index:stage_source"`
	SourceKey string `gorm:"index:stage_source"`
	Path      string
	CreatedAt time.Time
	ClosedAt  *time.Time
	Offered   bool
}

// projectRow/detectorRow/etc. are the gorm-backed representations of the
// read-only-to-core config records; ClassStatus entries are stored as a
// single JSON column (datatypes.JSON) instead of a join table, the same
// flexible-column idiom the teacher leans on gorm.io/datatypes for.
type projectRow struct {
	ID uint `gorm:"primaryKey"`
	ProjectSettings
}

type detectorRow struct {
	ID uint `gorm:"primaryKey"`
	DetectorParams
}

type classStatusRow struct {
	ID      uint `gorm:"primaryKey"`
	Entries datatypes.JSON
}

type sftpRow struct {
	ID uint `gorm:"primaryKey"`
	SFTPServer
}

// Store is the pluggable persistent configuration and ledger backend.
type Store struct {
	db *gorm.DB
}

// OpenStore opens a gorm connection for the named driver ("sqlite",
// "mysql", "postgres") and migrates the schema, following the teacher's
// preference for a pluggable DSN over a hardcoded backend. Central
// postgres/mysql deployments may come up after the edge binary does, so
// the initial connection is retried a bounded number of times.
func OpenStore(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	var db *gorm.DB
	openErr := backoff.Retry(func() error {
		var err error
		db, err = gorm.Open(dialector, &gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		})
		return err
	}, reconnectBackoff())
	if openErr != nil {
		return nil, openErr
	}
	if err := db.AutoMigrate(
		&FrameRecord{},
		&ArtifactRecord{},
		&projectRow{},
		&detectorRow{},
		&classStatusRow{},
		&sftpRow{},
	); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// reconnectBackoff bounds the initial connection attempt to a handful of
// retries, grounded on backend/resource.go's eternalBackoff but capped:
// an edge process should eventually give up and fail loudly rather than
// retry forever against a database that will never come up.
func reconnectBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(bo, 5)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordFrame inserts one frame-index row.
func (s *Store) RecordFrame(sourceKey string, wallClock time.Time, relativePath string) error {
	return s.db.Create(&FrameRecord{
		SourceKey:    sourceKey,
		WallClock:    wallClock,
		RelativePath: relativePath,
	}).Error
}

// OpenArtifact inserts a new open artifact row and returns its id.
func (s *Store) OpenArtifact(stage, sourceKey, path string, createdAt time.Time) (uint, error) {
	row := ArtifactRecord{Stage: stage, SourceKey: sourceKey, Path: path, CreatedAt: createdAt}
	if err := s.db.Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

// CloseArtifact marks an artifact row closed and offered.
func (s *Store) CloseArtifact(id uint, closedAt time.Time) error {
	return s.db.Model(&ArtifactRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"closed_at": closedAt,
		"offered":   true,
	}).Error
}

// SaveProjectSettings upserts the single project settings row.
func (s *Store) SaveProjectSettings(p ProjectSettings) error {
	row := projectRow{ID: 1, ProjectSettings: p}
	return s.db.Save(&row).Error
}

// LoadProjectSettings returns the project settings, or ErrRecordNotFound.
func (s *Store) LoadProjectSettings() (ProjectSettings, error) {
	var row projectRow
	if err := s.db.First(&row, 1).Error; err != nil {
		return ProjectSettings{}, err
	}
	return row.ProjectSettings, nil
}

// SaveDetectorParams upserts a named detector-parameters record.
func (s *Store) SaveDetectorParams(d DetectorParams) error {
	var row detectorRow
	result := s.db.Where("name = ?", d.Name).First(&row)
	row.DetectorParams = d
	if result.Error != nil {
		return s.db.Create(&row).Error
	}
	return s.db.Save(&row).Error
}

// LoadDetectorParams fetches a named detector-parameters record.
func (s *Store) LoadDetectorParams(name string) (DetectorParams, error) {
	var row detectorRow
	if err := s.db.Where("name = ?", name).First(&row).Error; err != nil {
		return DetectorParams{}, err
	}
	return row.DetectorParams, nil
}

// SaveClassStatusTable upserts the class-status table as ordered JSON.
func (s *Store) SaveClassStatusTable(entries []ClassStatus) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	row := classStatusRow{ID: 1, Entries: datatypes.JSON(data)}
	return s.db.Save(&row).Error
}

// LoadClassStatusTable loads the ordered (id, name) pairs.
func (s *Store) LoadClassStatusTable() (ClassStatusTable, error) {
	var row classStatusRow
	if err := s.db.First(&row, 1).Error; err != nil {
		return ClassStatusTable{}, err
	}
	var entries []ClassStatus
	if err := json.Unmarshal(row.Entries, &entries); err != nil {
		return ClassStatusTable{}, err
	}
	return NewClassStatusTable(entries), nil
}

// SaveSFTPServer upserts the named SFTP server record.
func (s *Store) SaveSFTPServer(server SFTPServer) error {
	var row sftpRow
	result := s.db.Where("server_name = ?", server.ServerName).First(&row)
	row.SFTPServer = server
	if result.Error != nil {
		return s.db.Create(&row).Error
	}
	return s.db.Save(&row).Error
}

// LoadSFTPServer fetches a named SFTP server record.
func (s *Store) LoadSFTPServer(name string) (SFTPServer, error) {
	var row sftpRow
	if err := s.db.Where("server_name = ?", name).First(&row).Error; err != nil {
		return SFTPServer{}, err
	}
	return row.SFTPServer, nil
}
