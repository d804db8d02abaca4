package manifest

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/image-downloader/pkg/models"
	"github.com/Sriram-PR/image-downloader/pkg/utils"
)

// Format is the on-disk encoding of the result manifest
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSONL Format = "jsonl"
	FormatXLSX  Format = "xlsx"
)

// Columns is the result manifest header
var Columns = []string{"filename", "width", "height", "owner_id", "caption"}

// LegacyColumns matches the header written by the earlier pandas-based downloader
var LegacyColumns = []string{"image", "width", "height", "user_id", "caption"}

// xlsxMaxRows is Excel's hard sheet limit, header included
const xlsxMaxRows = 1048576

const sheetName = "Images"

// WriteOptions tunes manifest output
type WriteOptions struct {
	LegacyHeader bool // Use LegacyColumns for CSV/XLSX headers
}

// FormatFor picks the format from the file extension; anything unknown is CSV
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return FormatJSONL
	case ".xlsx":
		return FormatXLSX
	}
	return FormatCSV
}

// WriteRows writes rows to path in the format implied by its extension.
// The file is replaced atomically, so a failed write never clobbers an earlier manifest.
func WriteRows(path string, rows []models.ManifestRow, opts WriteOptions) error {
	header := Columns
	if opts.LegacyHeader {
		header = LegacyColumns
	}

	format := FormatFor(path)
	if format == FormatXLSX && len(rows)+1 > xlsxMaxRows {
		return fmt.Errorf("%w: %d rows exceed the xlsx sheet limit, use .csv or .jsonl", utils.ErrFilesystem, len(rows))
	}

	return utils.WriteFileAtomic(path, func(w io.Writer) error {
		switch format {
		case FormatJSONL:
			return writeJSONL(w, rows)
		case FormatXLSX:
			return writeXLSX(w, header, rows)
		default:
			return writeCSV(w, header, rows)
		}
	})
}

func writeCSV(w io.Writer, header []string, rows []models.ManifestRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("%w: writing CSV header: %w", utils.ErrFilesystem, err)
	}
	record := make([]string, len(header))
	for _, r := range rows {
		record[0] = r.Filename
		record[1] = strconv.Itoa(r.Width)
		record[2] = strconv.Itoa(r.Height)
		record[3] = r.OwnerID
		record[4] = r.Caption
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("%w: writing CSV row for '%s': %w", utils.ErrFilesystem, r.Filename, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("%w: flushing CSV: %w", utils.ErrFilesystem, err)
	}
	return nil
}

func writeJSONL(w io.Writer, rows []models.ManifestRow) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("%w: encoding JSONL row for '%s': %w", utils.ErrFilesystem, r.Filename, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: flushing JSONL: %w", utils.ErrFilesystem, err)
	}
	return nil
}

func writeXLSX(w io.Writer, header []string, rows []models.ManifestRow) error {
	f := excelize.NewFile()
	defer f.Close()

	if index, _ := f.GetSheetIndex(sheetName); index == -1 {
		if _, err := f.NewSheet(sheetName); err != nil {
			return fmt.Errorf("%w: creating sheet: %w", utils.ErrFilesystem, err)
		}
	}
	_ = f.DeleteSheet("Sheet1")
	activeIndex, _ := f.GetSheetIndex(sheetName)
	f.SetActiveSheet(activeIndex)

	// The stream writer keeps memory flat for large manifests
	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return fmt.Errorf("%w: opening sheet stream: %w", utils.ErrFilesystem, err)
	}
	_ = sw.SetColWidth(1, 1, 28) // filename
	_ = sw.SetColWidth(5, 5, 80) // caption

	headerCells := make([]interface{}, len(header))
	for i, h := range header {
		headerCells[i] = h
	}
	cell, _ := excelize.CoordinatesToCellName(1, 1)
	if err := sw.SetRow(cell, headerCells); err != nil {
		return fmt.Errorf("%w: writing xlsx header: %w", utils.ErrFilesystem, err)
	}

	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		values := []interface{}{r.Filename, r.Width, r.Height, r.OwnerID, r.Caption}
		if err := sw.SetRow(cell, values); err != nil {
			return fmt.Errorf("%w: writing xlsx row %d: %w", utils.ErrFilesystem, i+2, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("%w: flushing xlsx stream: %w", utils.ErrFilesystem, err)
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("%w: writing xlsx: %w", utils.ErrFilesystem, err)
	}
	return nil
}

// WriteSummary writes a run summary as YAML next to the manifest
func WriteSummary(path string, summary models.RunSummary) error {
	data, err := yaml.Marshal(summaryDoc{
		RunID:     summary.RunID,
		Records:   summary.Records,
		Existing:  summary.Existing,
		Succeeded: summary.Succeeded,
		Failed:    summary.Failed,
		Skipped:   summary.Skipped,
		StartTime: summary.StartTime.Format("2006-01-02T15:04:05Z07:00"),
		Duration:  summary.Duration.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal run summary to YAML: %w", err)
	}
	return utils.WriteFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

type summaryDoc struct {
	RunID     string `yaml:"run_id"`
	Records   int    `yaml:"records"`
	Existing  int    `yaml:"existing"`
	Succeeded int    `yaml:"succeeded"`
	Failed    int    `yaml:"failed"`
	Skipped   int    `yaml:"skipped"`
	StartTime string `yaml:"start_time"`
	Duration  string `yaml:"duration"`
}
