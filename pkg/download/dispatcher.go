package download

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sriram-PR/image-downloader/pkg/aggregate"
	"github.com/Sriram-PR/image-downloader/pkg/config"
	"github.com/Sriram-PR/image-downloader/pkg/fetch"
	"github.com/Sriram-PR/image-downloader/pkg/imaging"
	"github.com/Sriram-PR/image-downloader/pkg/metrics"
	"github.com/Sriram-PR/image-downloader/pkg/models"
	"github.com/Sriram-PR/image-downloader/pkg/storage"
	"github.com/Sriram-PR/image-downloader/pkg/utils"
)

// ImageFetcher is the part of fetch.Fetcher the dispatcher depends on
type ImageFetcher interface {
	FetchImage(ctx context.Context, rawURL string) (*fetch.FetchResult, error)
}

// Dispatcher runs every input record through check -> fetch -> persist on a fixed pool of workers
type Dispatcher struct {
	fetcher    ImageFetcher
	validator  *imaging.Validator
	aggregator *aggregate.Aggregator
	ledger     storage.ImageLedger // Optional, nil disables the ledger
	cfg        *config.AppConfig   // OutputDir, MaxWorkers, FilenameStrategy
	runID      string
	log        *logrus.Entry
}

// NewDispatcher creates a Dispatcher. ledger may be nil.
func NewDispatcher(
	fetcher ImageFetcher,
	validator *imaging.Validator,
	aggregator *aggregate.Aggregator,
	ledger storage.ImageLedger,
	cfg *config.AppConfig,
	runID string,
	log *logrus.Entry,
) *Dispatcher {
	return &Dispatcher{
		fetcher:    fetcher,
		validator:  validator,
		aggregator: aggregator,
		ledger:     ledger,
		cfg:        cfg,
		runID:      runID,
		log:        log.WithField("run_id", runID),
	}
}

// Run dispatches records to MaxWorkers workers and blocks until every dispatched record is recorded.
// Individual record failures never abort the run.
//
// When ctx is cancelled the producer stops dispatching, queued records are dropped, and
// in-flight fetches give up before their next attempt. Run then returns the partial summary,
// with the undispatched records counted in Skipped, together with the context error.
func (d *Dispatcher) Run(ctx context.Context, records []models.ImageRecord) (models.RunSummary, error) {
	summary := models.RunSummary{
		RunID:     d.runID,
		Records:   len(records),
		StartTime: time.Now(),
	}
	before := d.aggregator.Counters()

	numWorkers := d.cfg.MaxWorkers
	if numWorkers <= 0 {
		numWorkers = 1
	}
	taskChan := make(chan models.ImageRecord, numWorkers*2) // Buffer size heuristic

	d.log.Infof("Dispatching %d records to %d workers", len(records), numWorkers)

	var g errgroup.Group
	g.Go(func() error {
		defer close(taskChan)
		for _, record := range records {
			if ctx.Err() != nil {
				break
			}
			select {
			case taskChan <- record:
			case <-ctx.Done():
			}
		}
		return nil
	})

	for i := 1; i <= numWorkers; i++ {
		workerLog := d.log.WithField("worker_id", i)
		g.Go(func() error {
			d.worker(ctx, taskChan, workerLog)
			return nil
		})
	}

	_ = g.Wait() // Workers recover their own panics and never return errors

	after := d.aggregator.Counters()
	summary.Counters = models.Counters{
		Existing:  after.Existing - before.Existing,
		Succeeded: after.Succeeded - before.Succeeded,
		Failed:    after.Failed - before.Failed,
	}
	summary.Skipped = len(records) - summary.Total()
	summary.Duration = time.Since(summary.StartTime)

	if err := ctx.Err(); err != nil {
		d.log.Warnf("Run cancelled: %d recorded, %d skipped", summary.Total(), summary.Skipped)
		return summary, err
	}
	d.log.WithFields(logrus.Fields{
		"existing":  summary.Existing,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"duration":  summary.Duration.Round(time.Millisecond),
	}).Info("All records processed")
	return summary, nil
}

// worker processes records until the channel is closed
func (d *Dispatcher) worker(ctx context.Context, taskChan <-chan models.ImageRecord, workerLog *logrus.Entry) {
	workerLog.Debug("Worker started")
	for record := range taskChan {
		if ctx.Err() != nil {
			continue // Drain without recording; counted as skipped
		}
		d.ProcessRecord(ctx, record, workerLog)
	}
	workerLog.Debug("Worker finished (task channel closed)")
}

// ProcessRecord resolves one record to its terminal status and records it exactly once
func (d *Dispatcher) ProcessRecord(ctx context.Context, record models.ImageRecord, workerLog *logrus.Entry) (status models.Status) {
	recLog := workerLog.WithField("url", record.URL)
	var outcome models.Outcome

	defer func() {
		if r := recover(); r != nil {
			recLog.WithFields(logrus.Fields{"panic_info": r, "stack_trace": string(debug.Stack())}).Error("PANIC Recovered in ProcessRecord")
			outcome = models.Outcome{
				Status:   models.StatusFailed,
				Filename: outcome.Filename,
				Attempts: outcome.Attempts,
				Err:      fmt.Errorf("panic processing '%s': %v", record.URL, r),
			}
		}
		d.finish(record, outcome, recLog)
		status = outcome.Status
	}()

	outcome = d.resolve(ctx, record, recLog)
	return outcome.Status
}

// resolve runs the per-record pipeline: derive filename, existence check, fetch, persist
func (d *Dispatcher) resolve(ctx context.Context, record models.ImageRecord, recLog *logrus.Entry) models.Outcome {
	filename, err := DeriveFilename(record.URL, d.cfg.FilenameStrategy)
	if err != nil {
		return models.Outcome{Status: models.StatusFailed, Err: err}
	}
	target := filepath.Join(d.cfg.OutputDir, filename)

	if info, ok := CheckExisting(d.validator, target); ok {
		recLog.Debugf("Valid image already on disk at %s", target)
		return models.Outcome{Status: models.StatusExists, Filename: filename, Info: info}
	}

	result, err := d.fetcher.FetchImage(ctx, record.URL)
	attempts := 0
	if result != nil {
		attempts = result.Attempts
	}
	if err != nil {
		return models.Outcome{
			Status:   models.StatusFailed,
			Filename: filename,
			Attempts: attempts,
			Err:      fmt.Errorf("fetching '%s': %w", record.URL, err),
		}
	}

	if err := persist(target, result.Body); err != nil {
		return models.Outcome{Status: models.StatusFailed, Filename: filename, Attempts: attempts, Err: err}
	}
	metrics.BytesWrittenTotal.Add(float64(len(result.Body)))
	recLog.WithField("bytes", len(result.Body)).Debugf("Saved image to %s", target)

	return models.Outcome{
		Status:   models.StatusSucceeded,
		Filename: filename,
		Info:     result.Info,
		Body:     result.Body,
		Attempts: attempts,
	}
}

// persist writes body to a temp file next to target and renames it over target
func persist(target string, body []byte) error {
	return utils.WriteFileAtomic(target, func(w io.Writer) error {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("%w: writing image '%s': %w", utils.ErrFilesystem, target, err)
		}
		return nil
	})
}

// finish hands the outcome to the aggregator, then updates metrics and the ledger outside its lock
func (d *Dispatcher) finish(record models.ImageRecord, outcome models.Outcome, recLog *logrus.Entry) {
	if !outcome.Status.IsValid() {
		outcome.Status = models.StatusFailed
	}
	d.aggregator.Record(record, outcome)
	metrics.RecordsTotal.WithLabelValues(outcome.Status.String()).Inc()

	errorType := ""
	if outcome.Status == models.StatusFailed {
		errorType = utils.CategorizeError(outcome.Err)
		recLog.WithFields(logrus.Fields{"error_type": errorType, "attempts": outcome.Attempts}).Debugf("Record failed: %v", outcome.Err)
	}

	if d.ledger == nil {
		return
	}
	entry := &models.ImageDBEntry{
		Status:      models.FromStatus(outcome.Status),
		Filename:    outcome.Filename,
		ErrorType:   errorType,
		Attempts:    outcome.Attempts,
		RunID:       d.runID,
		LastAttempt: time.Now(),
	}
	if outcome.Status.InManifest() {
		entry.Width = outcome.Info.Width
		entry.Height = outcome.Info.Height
		entry.OwnerID = record.OwnerID
		entry.Caption = record.Caption
	}
	if outcome.Status == models.StatusSucceeded {
		entry.ContentHash = utils.CalculateBytesSHA256(outcome.Body)
	}
	if err := d.ledger.Record(record.URL, entry); err != nil {
		// The ledger is an audit log; a write failure does not change the record's outcome
		recLog.Warnf("Failed to update ledger: %v", err)
	}
}
