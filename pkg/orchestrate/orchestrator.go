package orchestrate

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/image-downloader/pkg/aggregate"
	"github.com/Sriram-PR/image-downloader/pkg/config"
	"github.com/Sriram-PR/image-downloader/pkg/download"
	"github.com/Sriram-PR/image-downloader/pkg/fetch"
	"github.com/Sriram-PR/image-downloader/pkg/imaging"
	"github.com/Sriram-PR/image-downloader/pkg/manifest"
	"github.com/Sriram-PR/image-downloader/pkg/models"
	"github.com/Sriram-PR/image-downloader/pkg/storage"
	"github.com/Sriram-PR/image-downloader/pkg/utils"
)

// Options tunes a single run
type Options struct {
	RunID       string
	FreshLedger bool // Wipe the ledger under StateDir before the run
}

// Orchestrator wires config, fetcher, ledger, dispatcher and manifest writer into one download run
type Orchestrator struct {
	appCfg    *config.AppConfig
	opts      Options
	log       *logrus.Entry
	validator *imaging.Validator
	fetcher   *fetch.Fetcher
}

// NewOrchestrator builds the shared components for a run. appCfg must already be validated.
func NewOrchestrator(appCfg *config.AppConfig, opts Options, log *logrus.Entry) *Orchestrator {
	log = log.WithField("run_id", opts.RunID)
	validator := imaging.NewValidator(imaging.Mode(appCfg.ValidationMode))
	httpClient := fetch.NewClient(appCfg.HTTPClientSettings, log)

	return &Orchestrator{
		appCfg:    appCfg,
		opts:      opts,
		log:       log,
		validator: validator,
		fetcher:   fetch.NewFetcher(httpClient, validator, appCfg, log),
	}
}

// LoadRecords reads the captions file. A failure is pipeline-fatal.
func (o *Orchestrator) LoadRecords() ([]models.ImageRecord, error) {
	records, err := manifest.LoadRecords(o.appCfg.CaptionsFile)
	if err != nil {
		return nil, fmt.Errorf("loading captions: %w", err)
	}
	o.log.Infof("Loaded %d records from %s", len(records), o.appCfg.CaptionsFile)
	return records, nil
}

// Download creates the output directory, opens the optional ledger and dispatches every record.
// reporter may be nil.
// It returns the summary and the manifest rows in completion order. On cancellation the
// partial results are returned together with the context error.
func (o *Orchestrator) Download(ctx context.Context, records []models.ImageRecord, reporter aggregate.Reporter) (models.RunSummary, []models.ManifestRow, error) {
	if err := os.MkdirAll(o.appCfg.OutputDir, 0755); err != nil {
		return models.RunSummary{}, nil, fmt.Errorf("%w: creating output directory '%s': %w", utils.ErrFilesystem, o.appCfg.OutputDir, err)
	}

	var ledger storage.ImageLedger
	if o.appCfg.StateDir != "" {
		badgerLedger, err := storage.NewBadgerLedger(o.appCfg.StateDir, o.opts.FreshLedger, o.log.WithField("component", "ledger"))
		if err != nil {
			return models.RunSummary{}, nil, fmt.Errorf("opening ledger: %w", err)
		}
		defer badgerLedger.Close()

		gcCtx, stopGC := context.WithCancel(ctx)
		defer stopGC()
		go badgerLedger.RunGC(gcCtx, o.appCfg.DBGCInterval)
		ledger = badgerLedger
	}

	aggregator := aggregate.New(reporter, o.log)
	dispatcher := download.NewDispatcher(o.fetcher, o.validator, aggregator, ledger, o.appCfg, o.opts.RunID, o.log)

	summary, err := dispatcher.Run(ctx, records)
	return summary, aggregator.Rows(), err
}

// WriteResults writes the manifest and, when configured, the YAML run summary
func (o *Orchestrator) WriteResults(rows []models.ManifestRow, summary models.RunSummary) error {
	writeOpts := manifest.WriteOptions{LegacyHeader: o.appCfg.LegacyCSVHeader}
	if err := manifest.WriteRows(o.appCfg.ResultFile, rows, writeOpts); err != nil {
		return fmt.Errorf("writing result manifest '%s': %w", o.appCfg.ResultFile, err)
	}
	o.log.Infof("Wrote %d manifest rows to %s", len(rows), o.appCfg.ResultFile)

	if o.appCfg.SummaryFile != "" {
		if err := manifest.WriteSummary(o.appCfg.SummaryFile, summary); err != nil {
			return fmt.Errorf("writing run summary '%s': %w", o.appCfg.SummaryFile, err)
		}
	}
	return nil
}

// Execute runs the whole pipeline: load, download, write. The manifest is written even
// when ctx is cancelled mid-run, so the rows recorded so far are kept.
func (o *Orchestrator) Execute(ctx context.Context) (models.RunSummary, error) {
	records, err := o.LoadRecords()
	if err != nil {
		return models.RunSummary{}, err
	}

	summary, rows, runErr := o.Download(ctx, records, nil)
	if runErr != nil && ctx.Err() == nil {
		return summary, runErr // Failed before dispatch
	}
	if err := o.WriteResults(rows, summary); err != nil {
		return summary, err
	}
	o.LogSummary(summary)
	return summary, runErr
}

// LogSummary logs the final tally
func (o *Orchestrator) LogSummary(summary models.RunSummary) {
	o.log.Info("============================================")
	o.log.Infof("Run finished in %v", summary.Duration.Round(time.Millisecond))
	o.log.Infof("  records:   %d", summary.Records)
	o.log.Infof("  existing:  %d", summary.Existing)
	o.log.Infof("  succeeded: %d", summary.Succeeded)
	o.log.Infof("  failed:    %d", summary.Failed)
	if summary.Skipped > 0 {
		o.log.Infof("  skipped:   %d (run cancelled)", summary.Skipped)
	}
	o.log.Info("============================================")
}
