package storage

import (
	"context"
	"time"

	"github.com/Sriram-PR/image-downloader/pkg/models"
)

// ImageLedger records the last known outcome for each image URL
type ImageLedger interface {
	// Lookup retrieves the entry for an image URL
	// Returns status (a record status, LedgerStatusNotFound or LedgerStatusDBError),
	// the ImageDBEntry if found and parsed, and any error
	Lookup(imageURL string) (status models.LedgerStatus, entry *models.ImageDBEntry, err error)

	// Record stores the entry for an image URL, replacing any earlier one
	Record(imageURL string, entry *models.ImageDBEntry) error
}

// LedgerStats summarizes ledger contents
type LedgerStats struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	ByErrorType map[string]int `json:"by_error_type"`
}

// LedgerAdmin handles reporting, lifecycle and administrative operations
type LedgerAdmin interface {
	// Count returns the cached number of image keys in the ledger
	Count() (int, error)

	// ForEach calls fn for every entry in key order; a non-nil error from fn stops the scan
	ForEach(ctx context.Context, fn func(imageURL string, entry models.ImageDBEntry) error) error

	// ExportRows rebuilds manifest rows from every exists/succeeded entry, in key order
	ExportRows(ctx context.Context) ([]models.ManifestRow, error)

	// WriteFailedLog writes "url<TAB>error_type" for every failed entry and returns how many were written
	WriteFailedLog(ctx context.Context, filePath string) (int, error)

	// Stats counts entries by status and error category
	Stats(ctx context.Context) (LedgerStats, error)

	// RunGC runs periodic garbage collection. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database connection
	Close() error
}

// Ledger combines all ledger interfaces for components that need full access
type Ledger interface {
	ImageLedger
	LedgerAdmin
}
