package models

// Status is the terminal classification of one dispatched record
type Status string

const (
	StatusUnset     Status = ""          // Zero value = not yet recorded
	StatusExists    Status = "exists"    // Valid image already on disk, no network I/O
	StatusSucceeded Status = "succeeded" // Fetched, validated and persisted
	StatusFailed    Status = "failed"    // Any failure: bad URL, fetch exhausted, write error
)

// String implements fmt.Stringer for logging
func (s Status) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is one of the three terminal outcomes
func (s Status) IsValid() bool {
	switch s {
	case StatusExists, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// InManifest reports whether a record with this status produces a manifest row
func (s Status) InManifest() bool {
	return s == StatusExists || s == StatusSucceeded
}

// LedgerStatus is the state of a URL as seen by the download ledger
type LedgerStatus string

const (
	LedgerStatusUnset    LedgerStatus = ""          // Zero value = unset/unknown
	LedgerStatusNotFound LedgerStatus = "not_found" // URL not in ledger
	LedgerStatusDBError  LedgerStatus = "db_error"  // Database error occurred
)

// String implements fmt.Stringer for logging
func (s LedgerStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// FromStatus converts a record status into its ledger representation
func FromStatus(s Status) LedgerStatus {
	return LedgerStatus(s)
}
