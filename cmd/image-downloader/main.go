package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/Sriram-PR/image-downloader/pkg/aggregate"
	"github.com/Sriram-PR/image-downloader/pkg/config"
	applog "github.com/Sriram-PR/image-downloader/pkg/log"
	"github.com/Sriram-PR/image-downloader/pkg/metrics"
	"github.com/Sriram-PR/image-downloader/pkg/models"
	"github.com/Sriram-PR/image-downloader/pkg/orchestrate"
	"github.com/Sriram-PR/image-downloader/pkg/progress"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "download":
		runDownload(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "export":
		runExport(os.Args[2:])
	case "failures":
		runFailures(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "mcp-server":
		runMcpServer(os.Args[2:])
	case "version":
		fmt.Printf("image-downloader %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `image-downloader - Bulk image downloader for captioned image datasets

Usage:
  image-downloader <command> [options]

Commands:
  download    Download all images listed in a captions file
  validate    Validate configuration and captions file
  export      Rebuild the result manifest from the download ledger
  failures    Write failed URLs from the download ledger
  stats       Show download ledger counts
  mcp-server  Start MCP server for AI tool integration
  version     Show version info

Run 'image-downloader <command> -h' for command-specific help.`)
}

// loadConfig returns the defaults, overlaid with the YAML file at path when one is given
func loadConfig(path string) (*config.AppConfig, error) {
	if path == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setupLogger creates the application logger writing to w
func setupLogger(logLevelStr string, w io.Writer) *logrus.Logger {
	log, err := applog.NewLogger(logLevelStr)
	log.SetOutput(w)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", logLevelStr, err)
	}
	return log
}

// downloadFlags holds the download subcommand flags. Only flags the user actually
// passed override the config file.
type downloadFlags struct {
	configFile       string
	logLevel         string
	metricsAddr      string
	captions         string
	output           string
	result           string
	summary          string
	stateDir         string
	filenameStrategy string
	validationMode   string
	timeoutSec       int
	retries          int
	maxWorkers       int
	legacyHeader     bool
	fresh            bool
	noProgress       bool
	set              map[string]bool
}

func newDownloadFlagSet(f *downloadFlags) *flag.FlagSet {
	defaults := config.Default()
	fs := flag.NewFlagSet("download", flag.ContinueOnError)

	fs.StringVar(&f.configFile, "config", "", "Path to YAML config file (optional)")
	fs.StringVar(&f.logLevel, "loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	fs.StringVar(&f.metricsAddr, "metrics", "", "Address for /metrics and /debug/pprof, e.g. localhost:9090 (disabled by default)")
	fs.StringVar(&f.captions, "captions", defaults.CaptionsFile, "Path to captions JSON file")
	fs.StringVar(&f.captions, "c", defaults.CaptionsFile, "Shorthand for -captions")
	fs.StringVar(&f.output, "output", defaults.OutputDir, "Path to output directory")
	fs.StringVar(&f.output, "o", defaults.OutputDir, "Shorthand for -output")
	fs.IntVar(&f.timeoutSec, "timeout", int(defaults.Timeout/time.Second), "Per-attempt timeout for fetching images, in seconds")
	fs.IntVar(&f.timeoutSec, "t", int(defaults.Timeout/time.Second), "Shorthand for -timeout")
	fs.IntVar(&f.retries, "retries", defaults.MaxRetries, "Number of retries for fetching images")
	fs.IntVar(&f.retries, "r", defaults.MaxRetries, "Shorthand for -retries")
	fs.StringVar(&f.result, "result", defaults.ResultFile, "Path to result manifest (.csv, .jsonl or .xlsx)")
	fs.IntVar(&f.maxWorkers, "max_workers", defaults.MaxWorkers, "Max concurrent downloads")
	fs.StringVar(&f.summary, "summary", "", "Write a YAML run summary to this path")
	fs.StringVar(&f.stateDir, "state-dir", "", "Directory for the download ledger (disabled when empty)")
	fs.StringVar(&f.filenameStrategy, "filename-strategy", defaults.FilenameStrategy, "Filename strategy (basename, url_hash)")
	fs.StringVar(&f.validationMode, "validation", defaults.ValidationMode, "Image validation mode (full, header)")
	fs.BoolVar(&f.legacyHeader, "legacy-header", false, "Write the image,width,height,user_id,caption CSV header")
	fs.BoolVar(&f.fresh, "fresh", false, "Wipe the download ledger before starting")
	fs.BoolVar(&f.noProgress, "no-progress", false, "Disable progress output")
	return fs
}

// parseDownloadFlags parses args and records which flags were set explicitly
func parseDownloadFlags(args []string, stderr io.Writer) (*downloadFlags, error) {
	f := &downloadFlags{set: make(map[string]bool)}
	fs := newDownloadFlagSet(f)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: image-downloader download [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  image-downloader download -c sbu-captions-all.json -o images --result result.csv\n")
		fmt.Fprintf(stderr, "  image-downloader download -config download.yaml -state-dir state -metrics localhost:9090\n")
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	return f, nil
}

// apply overlays explicitly set flags onto cfg
func (f *downloadFlags) apply(cfg *config.AppConfig) {
	if f.set["captions"] || f.set["c"] {
		cfg.CaptionsFile = f.captions
	}
	if f.set["output"] || f.set["o"] {
		cfg.OutputDir = f.output
	}
	if f.set["timeout"] || f.set["t"] {
		cfg.Timeout = time.Duration(f.timeoutSec) * time.Second
	}
	if f.set["retries"] || f.set["r"] {
		cfg.MaxRetries = f.retries
	}
	if f.set["result"] {
		cfg.ResultFile = f.result
	}
	if f.set["max_workers"] {
		cfg.MaxWorkers = f.maxWorkers
	}
	if f.set["summary"] {
		cfg.SummaryFile = f.summary
	}
	if f.set["state-dir"] {
		cfg.StateDir = f.stateDir
	}
	if f.set["filename-strategy"] {
		cfg.FilenameStrategy = f.filenameStrategy
	}
	if f.set["validation"] {
		cfg.ValidationMode = f.validationMode
	}
	if f.set["metrics"] {
		cfg.MetricsAddr = f.metricsAddr
	}
	if f.set["legacy-header"] {
		cfg.LegacyCSVHeader = f.legacyHeader
	}
}

// runDownload handles the download subcommand
func runDownload(args []string) {
	flags, err := parseDownloadFlags(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(1)
	}
	os.Exit(doDownload(flags, os.Stdout, os.Stderr))
}

// doDownload runs a download and writes output to the provided writers.
// Returns exit code (0 = success or graceful cancel, 1 = pipeline-fatal error).
func doDownload(flags *downloadFlags, stdout, stderr io.Writer) int {
	log := setupLogger(flags.logLevel, stderr)

	appCfg, err := loadConfig(flags.configFile)
	if err != nil {
		log.Errorf("Config error: %v", err)
		return 1
	}
	flags.apply(appCfg)
	warnings, err := appCfg.Validate()
	if err != nil {
		log.Errorf("Config error: %v", err)
		return 1
	}
	for _, w := range warnings {
		log.Warn(w)
	}
	logAppConfig(appCfg, log)
	startMetrics(appCfg.MetricsAddr, log)

	// ===========================================================
	// == Setup Context & Signal Handling ==
	// ===========================================================
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopSignals := handleSignals(cancel, log)
	defer stopSignals()

	runID := uuid.New().String()
	runLog := log.WithField("component", "download")
	o := orchestrate.NewOrchestrator(appCfg, orchestrate.Options{RunID: runID, FreshLedger: flags.fresh}, runLog)
	interactive := !flags.noProgress && isTerminal(stderr)

	// --- Load Records ---
	stopSpin := startSpinner(interactive, stderr, " Loading captions...")
	records, err := o.LoadRecords()
	stopSpin()
	if err != nil {
		log.Errorf("Failed to load records: %v", err)
		return 1
	}

	// --- Dispatch ---
	reporter, finish := newReporter(flags.noProgress, interactive, len(records), stderr, runLog)
	summary, rows, runErr := o.Download(ctx, records, reporter)
	finish()
	if runErr != nil && ctx.Err() == nil {
		log.Errorf("Download failed: %v", runErr)
		return 1
	}

	// --- Write Results ---
	stopSpin = startSpinner(interactive, stderr, " Writing manifest...")
	err = o.WriteResults(rows, summary)
	stopSpin()
	if err != nil {
		log.Errorf("Failed to write results: %v", err)
		return 1
	}

	o.LogSummary(summary)
	printSummary(stdout, summary, appCfg.ResultFile)

	if runErr != nil {
		log.Warn("Download cancelled gracefully. Re-run the same command to continue.")
	}
	return 0
}

// handleSignals cancels the run on the first SIGINT/SIGTERM and force-exits on the second
func handleSignals(cancel context.CancelFunc, log *logrus.Logger) (stop func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("PANIC in signal handler: %v", r)
			}
		}()
		var sig os.Signal
		select {
		case sig = <-sigChan:
		case <-done:
			return
		}
		log.Warnf("Received signal: %v. Finishing in-flight downloads...", sig)
		cancel()

		select {
		case sig = <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}

// newReporter picks the progress sink: a bar on terminals, periodic log lines otherwise
func newReporter(disabled, interactive bool, total int, w io.Writer, log *logrus.Entry) (aggregate.Reporter, func()) {
	switch {
	case disabled:
		return progress.Nop{}, func() {}
	case interactive:
		bar := progress.NewBarReporter(total, w)
		return bar, func() { bar.Finish() }
	default:
		return progress.NewLogReporter(max(total/20, 1), total, log), func() {}
	}
}

// startSpinner shows a spinner on interactive terminals and returns the function that stops it
func startSpinner(interactive bool, w io.Writer, suffix string) func() {
	if !interactive {
		return func() {}
	}
	spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond, spinner.WithWriter(w))
	spin.Suffix = suffix
	spin.Start()
	return spin.Stop
}

// isTerminal reports whether w is an interactive terminal
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

var metricsOnce sync.Once

// startMetrics serves Prometheus metrics and pprof on addr if non-empty
func startMetrics(addr string, log *logrus.Logger) {
	if addr == "" {
		return
	}
	metricsOnce.Do(func() {
		http.Handle("/metrics", metrics.Handler())
		go func() {
			log.Infof("Serving metrics at http://%s/metrics and pprof at http://%s/debug/pprof/", addr, addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.Errorf("Metrics server error: %v", err)
			}
		}()
	})
}

// printSummary writes the coloured final tally
func printSummary(w io.Writer, summary models.RunSummary, resultFile string) {
	title := color.New(color.FgHiCyan, color.Bold).SprintFunc()
	ok := color.New(color.FgGreen, color.Bold).SprintFunc()
	info := color.New(color.FgCyan).SprintFunc()
	warn := color.New(color.FgYellow).SprintFunc()
	bad := color.New(color.FgRed, color.Bold).SprintFunc()

	fmt.Fprintf(w, "%s %s records in %s\n", title("Done:"), humanize.Comma(int64(summary.Records)), summary.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  %s %s\n", info("exists:   "), humanize.Comma(int64(summary.Existing)))
	fmt.Fprintf(w, "  %s %s\n", ok("succeeded:"), humanize.Comma(int64(summary.Succeeded)))
	fmt.Fprintf(w, "  %s %s\n", bad("failed:   "), humanize.Comma(int64(summary.Failed)))
	if summary.Skipped > 0 {
		fmt.Fprintf(w, "  %s %s\n", warn("skipped:  "), humanize.Comma(int64(summary.Skipped)))
	}
	fmt.Fprintf(w, "Manifest: %s\n", resultFile)
}

// logAppConfig logs the effective configuration
func logAppConfig(appCfg *config.AppConfig, log *logrus.Logger) {
	log.Infof("Config: Captions:%s, Output:%s, Result:%s",
		appCfg.CaptionsFile, appCfg.OutputDir, appCfg.ResultFile)
	log.Infof("Config: Workers:%d, Retries:%d, Timeout:%v, UserAgent:%q",
		appCfg.MaxWorkers, appCfg.MaxRetries, appCfg.Timeout, appCfg.UserAgent)
	log.Infof("Config: Validation:%s, Filenames:%s, MaxImageSize:%d bytes, StateDir:%q",
		appCfg.ValidationMode, appCfg.FilenameStrategy, appCfg.MaxImageSizeBytes, appCfg.StateDir)
	log.Infof("Config HTTP Client: MaxIdle:%d, MaxIdlePerHost:%d, IdleTimeout:%v, TLSTimeout:%v, DialerTimeout:%v, MaxRedirects:%d",
		appCfg.HTTPClientSettings.MaxIdleConns, appCfg.HTTPClientSettings.MaxIdleConnsPerHost,
		appCfg.HTTPClientSettings.IdleConnTimeout, appCfg.HTTPClientSettings.TLSHandshakeTimeout,
		appCfg.HTTPClientSettings.DialerTimeout, appCfg.HTTPClientSettings.MaxRedirects)
}
