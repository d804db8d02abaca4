package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/image-downloader/pkg/manifest"
	"github.com/Sriram-PR/image-downloader/pkg/storage"
)

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "", "Path to YAML config file (optional)")
	captions := fs.String("captions", "", "Captions JSON file to check against the captions schema (optional)")
	fs.StringVar(captions, "c", "", "Shorthand for -captions")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doValidate(*configFile, *captions, os.Stdout, os.Stderr))
}

// doValidate checks the configuration and, if given, the captions file.
// Returns exit code (0 = valid, 1 = invalid).
func doValidate(configPath, captionsPath string, stdout, stderr io.Writer) int {
	appCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}

	warnings, err := appCfg.Validate()
	if err != nil {
		fmt.Fprintf(stderr, "FAIL: config: %v\n", err)
		return 1
	}
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}

	if captionsPath != "" {
		data, err := os.ReadFile(captionsPath)
		if err != nil {
			fmt.Fprintf(stderr, "FAIL: reading captions '%s': %v\n", captionsPath, err)
			return 1
		}
		n, err := manifest.ValidateCaptions(data)
		if err != nil {
			fmt.Fprintf(stderr, "FAIL: %s: %v\n", captionsPath, err)
			return 1
		}
		fmt.Fprintf(stdout, "OK: %s (%s records)\n", captionsPath, humanize.Comma(int64(n)))
	}

	fmt.Fprintln(stdout, "Configuration valid.")
	return 0
}

// ledgerFlags are shared by the commands that read the download ledger
type ledgerFlags struct {
	configFile string
	stateDir   string
}

func (f *ledgerFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configFile, "config", "", "Path to YAML config file (optional)")
	fs.StringVar(&f.stateDir, "state-dir", "", "Directory of the download ledger (overrides config)")
}

// resolveStateDir returns the ledger directory from the flag, falling back to the config file
func (f *ledgerFlags) resolveStateDir() (string, error) {
	if f.stateDir != "" {
		return f.stateDir, nil
	}
	appCfg, err := loadConfig(f.configFile)
	if err != nil {
		return "", err
	}
	if appCfg.StateDir == "" {
		return "", errors.New("no ledger configured: pass -state-dir or set state_dir in the config file")
	}
	return appCfg.StateDir, nil
}

// openLedger opens an existing ledger read-write; callers must Close it
func openLedger(stateDir string, stderr io.Writer) (*storage.BadgerLedger, error) {
	if _, err := os.Stat(stateDir); err != nil {
		return nil, fmt.Errorf("ledger directory '%s': %w", stateDir, err)
	}
	log := logrus.New()
	log.SetOutput(stderr)
	log.SetLevel(logrus.WarnLevel)
	return storage.NewBadgerLedger(stateDir, false, log.WithField("component", "ledger"))
}

// runExport handles the export subcommand
func runExport(args []string) {
	var lf ledgerFlags
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	lf.register(fs)
	result := fs.String("result", "", "Manifest path to write (.csv, .jsonl or .xlsx); defaults to result_file from config")
	legacy := fs.Bool("legacy-header", false, "Write the image,width,height,user_id,caption CSV header")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doExport(lf, *result, *legacy, os.Stdout, os.Stderr))
}

// doExport rebuilds the manifest from every exists/succeeded ledger entry.
// Returns exit code (0 = success, 1 = error).
func doExport(lf ledgerFlags, resultFile string, legacyHeader bool, stdout, stderr io.Writer) int {
	stateDir, err := lf.resolveStateDir()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if resultFile == "" {
		appCfg, err := loadConfig(lf.configFile)
		if err != nil {
			fmt.Fprintf(stderr, "Error loading config: %v\n", err)
			return 1
		}
		resultFile = appCfg.ResultFile
		legacyHeader = legacyHeader || appCfg.LegacyCSVHeader
	}

	ledger, err := openLedger(stateDir, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening ledger: %v\n", err)
		return 1
	}
	defer ledger.Close()

	rows, err := ledger.ExportRows(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "Error reading ledger: %v\n", err)
		return 1
	}
	if err := manifest.WriteRows(resultFile, rows, manifest.WriteOptions{LegacyHeader: legacyHeader}); err != nil {
		fmt.Fprintf(stderr, "Error writing manifest: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Exported %s rows to %s\n", humanize.Comma(int64(len(rows))), resultFile)
	return 0
}

// runFailures handles the failures subcommand
func runFailures(args []string) {
	var lf ledgerFlags
	fs := flag.NewFlagSet("failures", flag.ExitOnError)
	lf.register(fs)
	out := fs.String("out", "failed.tsv", "File to write url<TAB>error_type lines to")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doFailures(lf, *out, os.Stdout, os.Stderr))
}

// doFailures writes every failed URL with its error category.
// Returns exit code (0 = success, 1 = error).
func doFailures(lf ledgerFlags, outPath string, stdout, stderr io.Writer) int {
	stateDir, err := lf.resolveStateDir()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	ledger, err := openLedger(stateDir, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening ledger: %v\n", err)
		return 1
	}
	defer ledger.Close()

	n, err := ledger.WriteFailedLog(context.Background(), outPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error writing failures: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Wrote %s failed URLs to %s\n", humanize.Comma(int64(n)), outPath)
	return 0
}

// runStats handles the stats subcommand
func runStats(args []string) {
	var lf ledgerFlags
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	lf.register(fs)
	asJSON := fs.Bool("json", false, "Print stats as JSON")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doStats(lf, *asJSON, os.Stdout, os.Stderr))
}

// doStats prints ledger counts by status and error category.
// Returns exit code (0 = success, 1 = error).
func doStats(lf ledgerFlags, asJSON bool, stdout, stderr io.Writer) int {
	stateDir, err := lf.resolveStateDir()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	ledger, err := openLedger(stateDir, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening ledger: %v\n", err)
		return 1
	}
	defer ledger.Close()

	stats, err := ledger.Stats(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "Error reading ledger: %v\n", err)
		return 1
	}

	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(stats); err != nil {
			fmt.Fprintf(stderr, "Error encoding stats: %v\n", err)
			return 1
		}
		return 0
	}

	heading := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(stdout, "%s %s entries\n", heading("Ledger:"), humanize.Comma(int64(stats.Total)))
	fmt.Fprintln(stdout, heading("By status:"))
	printCounts(stdout, stats.ByStatus)
	if len(stats.ByErrorType) > 0 {
		fmt.Fprintln(stdout, heading("By error type:"))
		printCounts(stdout, stats.ByErrorType)
	}
	return 0
}

// printCounts writes counts in key order
func printCounts(w io.Writer, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-28s %s\n", k, humanize.Comma(int64(counts[k])))
	}
}
