// internal/db/models.go
package db

import (
	"time"

	"gorm.io/datatypes"
)

// source import status
const (
	StatusIdle        = "idle"
	StatusRunningData = "running_data"
	StatusRunningFull = "running_full"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

// run status
const (
	RunStarted    = "started"
	RunInProgress = "in_progress"
	RunCompleted  = "completed"
	RunFailed     = "failed"
	RunCancelled  = "cancelled"
)

// run mode
const (
	ModeData = "data"
	ModeFull = "full"
)

// sync error categories
const (
	ErrCatItem        = "item"
	ErrCatCategory    = "category"
	ErrCatImage       = "image"
	ErrCatPersistence = "persistence"
)

// integration_sources
type IntegrationSource struct {
	ID                uint   `gorm:"primaryKey"`
	Code              string `gorm:"uniqueIndex;size:64;not null"`
	Name              string
	SnapshotPath      string
	Encoding          string `gorm:"default:utf-8"`
	MediaPath         string
	DefaultPriceType  string
	DefaultWarehouse  string
	Active            bool   `gorm:"index"`
	Visible           bool
	AutoSync          bool   `gorm:"index"`
	ImportStatus      string `gorm:"index;default:idle"`
	LastImportStarted *time.Time
	LastImportDone    *time.Time

	DataIntervalMinutes int `gorm:"default:5"`
	LastDataSync        *time.Time
	NextDataSync        *time.Time
	FullIntervalMinutes int `gorm:"default:60"`
	LastFullSync        *time.Time
	NextFullSync        *time.Time

	LastError   string `gorm:"type:text"`
	LastErrorAt *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (s *IntegrationSource) IsSyncing() bool {
	return s.ImportStatus == StatusRunningData || s.ImportStatus == StatusRunningFull
}

// DataSyncDue reports whether the fast schedule has elapsed. A source that never
// ran is due.
func (s *IntegrationSource) DataSyncDue(now time.Time) bool {
	return s.NextDataSync == nil || !now.Before(*s.NextDataSync)
}

func (s *IntegrationSource) FullSyncDue(now time.Time) bool {
	return s.NextFullSync == nil || !now.Before(*s.NextFullSync)
}

func (s *IntegrationSource) DataInterval() time.Duration {
	if s.DataIntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.DataIntervalMinutes) * time.Minute
}

func (s *IntegrationSource) FullInterval() time.Duration {
	if s.FullIntervalMinutes <= 0 {
		return 60 * time.Minute
	}
	return time.Duration(s.FullIntervalMinutes) * time.Minute
}

// catalog_items
type CatalogItem struct {
	ID             uint   `gorm:"primaryKey"`
	Code           string `gorm:"uniqueIndex;size:64;not null"`
	SourceID       *uint  `gorm:"index"`
	CategoryID     *uint  `gorm:"index"`
	Article        string
	Name           string
	Description    string `gorm:"type:text"`
	Brand          string
	Weight         string
	IsWeighted     bool
	Barcodes       string
	SeoTitle       string
	SeoDescription string `gorm:"type:text"`

	Price         float64
	Currency      string
	Unit          string
	StockQuantity float64
	InStock       bool

	PricesData datatypes.JSON // raw price entries as reported
	StocksData datatypes.JSON // raw warehouse entries as reported

	// operator selections, kept across runs
	SelectedPriceCode string
	SelectedStockCode string
	// selectors the last snapshot carried; the operator's win
	SnapshotPriceCode string
	SnapshotStockCode string

	Fingerprint  string `gorm:"size:64"`
	LastSyncedAt *time.Time
	Visible      bool `gorm:"index"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// category_nodes
type CategoryNode struct {
	ID           uint    `gorm:"primaryKey"`
	Name         string  `gorm:"index:idx_category_name_parent"`
	ExternalCode *string `gorm:"uniqueIndex;size:64"`
	ParentID     *uint   `gorm:"index:idx_category_name_parent"`
	Slug         string  `gorm:"index"`
	Visible      bool
	SourceID     *uint     `gorm:"index"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// product_images
type ProductImage struct {
	ID               uint `gorm:"primaryKey"`
	ItemID           uint `gorm:"index;not null"`
	OriginalFilename string
	ContentHash      string `gorm:"size:64"`
	IsMain           bool
	DisplayOrder     int
	StorageKey       string
	CreatedAt        time.Time `gorm:"autoCreateTime"`
}

// sync_runs
type SyncRun struct {
	ID       uint   `gorm:"primaryKey"`
	RunID    string `gorm:"uniqueIndex;size:36;not null"`
	SourceID *uint  `gorm:"index"`
	Mode     string
	Status   string `gorm:"index"`

	Total      int
	Processed  int
	Created    int
	Updated    int
	Failed     int
	ErrorCount int

	StartedAt  time.Time
	FinishedAt *time.Time
	DurationMs int64

	Message      string `gorm:"type:text"`
	ErrorDetails string `gorm:"type:text"`

	SourceFilePath     string
	SourceFileSize     int64
	SourceFileModified *time.Time
	SourceFileSHA256   string `gorm:"size:64"`

	Audit datatypes.JSON
}

func (r *SyncRun) IsRunning() bool {
	return r.Status == RunStarted || r.Status == RunInProgress
}

// ProgressPercent counts both applied and failed items as handled.
func (r *SyncRun) ProgressPercent() float64 {
	if r.Total <= 0 {
		return 0
	}
	p := float64(r.Processed+r.Failed) / float64(r.Total) * 100
	if p > 100 {
		p = 100
	}
	return float64(int64(p*100+0.5)) / 100
}

// sync_errors
type SyncError struct {
	ID        uint      `gorm:"primaryKey"`
	SyncRunID uint      `gorm:"index;not null"`
	ItemCode  string    `gorm:"index"`
	Category  string    `gorm:"index"`
	Message   string    `gorm:"type:text"`
	Trace     string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}
