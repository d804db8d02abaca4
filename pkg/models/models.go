package models

import "time"

// ImageRecord is one input entry: the URL to fetch plus the metadata carried into the manifest
type ImageRecord struct {
	URL     string `json:"url"`
	OwnerID string `json:"owner_id"`
	Caption string `json:"caption"`
}

// ImageInfo describes a successfully decoded image
type ImageInfo struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"` // Decoder name, e.g. "jpeg", "png"
}

// Outcome is the result of one task, produced once and consumed once by the aggregator
type Outcome struct {
	Status   Status
	Filename string    // Target filename under the output dir (may be empty when underivable)
	Info     ImageInfo // Set for StatusExists and StatusSucceeded
	Body     []byte    // Raw bytes, only for StatusSucceeded
	Attempts int       // Fetch attempts made (0 when the fetcher was not invoked)
	Err      error     // Only for StatusFailed
}

// ManifestRow is one line of the result manifest
type ManifestRow struct {
	Filename string `json:"filename"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	OwnerID  string `json:"owner_id"`
	Caption  string `json:"caption"`
}

// NewManifestRow builds the manifest row for a record that reached Exists or Succeeded
func NewManifestRow(record ImageRecord, outcome Outcome) ManifestRow {
	return ManifestRow{
		Filename: outcome.Filename,
		Width:    outcome.Info.Width,
		Height:   outcome.Info.Height,
		OwnerID:  record.OwnerID,
		Caption:  record.Caption,
	}
}

// Counters is a snapshot of the per-status tally
type Counters struct {
	Existing  int `json:"existing"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Total returns the number of recorded tasks
func (c Counters) Total() int {
	return c.Existing + c.Succeeded + c.Failed
}

// ImageDBEntry stores the last known result for an image URL in the ledger
type ImageDBEntry struct {
	Status      LedgerStatus `json:"status"`
	Filename    string       `json:"filename,omitempty"`
	Width       int          `json:"width,omitempty"`
	Height      int          `json:"height,omitempty"`
	OwnerID     string       `json:"owner_id,omitempty"`
	Caption     string       `json:"caption,omitempty"`
	ContentHash string       `json:"content_hash,omitempty"` // SHA256 of the persisted bytes (succeeded only)
	ErrorType   string       `json:"error_type,omitempty"`   // Error category (on failure)
	Attempts    int          `json:"attempts,omitempty"`
	RunID       string       `json:"run_id,omitempty"`
	LastAttempt time.Time    `json:"last_attempt"`
}

// Row converts a ledger entry back into a manifest row
func (e ImageDBEntry) Row() ManifestRow {
	return ManifestRow{
		Filename: e.Filename,
		Width:    e.Width,
		Height:   e.Height,
		OwnerID:  e.OwnerID,
		Caption:  e.Caption,
	}
}

// RunSummary holds the final tally of a dispatcher run
type RunSummary struct {
	RunID     string        `json:"run_id"`
	Counters                // Existing, Succeeded, Failed
	Skipped   int           `json:"skipped"` // Records never dispatched because the run was cancelled
	Records   int           `json:"records"` // Input record count
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
}
