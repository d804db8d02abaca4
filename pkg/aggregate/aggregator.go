package aggregate

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/image-downloader/pkg/models"
)

// Reporter receives a counter snapshot after every recorded task
type Reporter interface {
	OnTaskComplete(counters models.Counters) error
}

// Aggregator accumulates per-record outcomes into the counters and the manifest table.
// All mutation happens under one mutex, so every Record call is a single linearizable step.
type Aggregator struct {
	mu       sync.Mutex
	counters models.Counters
	rows     []models.ManifestRow
	reporter Reporter
	log      *logrus.Entry
}

// New creates an Aggregator; reporter may be nil
func New(reporter Reporter, log *logrus.Entry) *Aggregator {
	return &Aggregator{
		reporter: reporter,
		log:      log,
	}
}

// Record appends a manifest row for Exists/Succeeded, increments the matching counter
// and notifies the reporter, all in one critical section. Reporter errors are logged and dropped.
func (a *Aggregator) Record(record models.ImageRecord, outcome models.Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch outcome.Status {
	case models.StatusExists:
		a.counters.Existing++
	case models.StatusSucceeded:
		a.counters.Succeeded++
	default:
		// Anything that is not a valid image on disk counts as a failure
		a.counters.Failed++
	}
	if outcome.Status.InManifest() {
		a.rows = append(a.rows, models.NewManifestRow(record, outcome))
	}

	if a.reporter != nil {
		if err := a.reporter.OnTaskComplete(a.counters); err != nil {
			a.log.Warnf("Progress reporter error (ignored): %v", err)
		}
	}
}

// Counters returns a snapshot of the counters
func (a *Aggregator) Counters() models.Counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters
}

// Rows returns a copy of the manifest table in completion order
func (a *Aggregator) Rows() []models.ManifestRow {
	a.mu.Lock()
	defer a.mu.Unlock()
	rows := make([]models.ManifestRow, len(a.rows))
	copy(rows, a.rows)
	return rows
}
