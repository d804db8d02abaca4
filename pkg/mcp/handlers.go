package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Sriram-PR/image-downloader/pkg/config"
	"github.com/Sriram-PR/image-downloader/pkg/download"
	"github.com/Sriram-PR/image-downloader/pkg/orchestrate"
	"github.com/Sriram-PR/image-downloader/pkg/progress"
	"github.com/Sriram-PR/image-downloader/pkg/utils"
)

// handleStartDownload handles the start_download tool
func (s *Server) handleStartDownload(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	captionsFile := request.GetString("captions_file", "")
	if captionsFile == "" {
		return mcp.NewToolResultError("captions_file parameter is required"), nil
	}

	// Per-job copy of the base config
	jobCfg := *s.cfg.AppConfig
	jobCfg.CaptionsFile = captionsFile
	jobCfg.OutputDir = request.GetString("output_dir", jobCfg.OutputDir)
	jobCfg.ResultFile = request.GetString("result_file", jobCfg.ResultFile)
	jobCfg.MaxWorkers = request.GetInt("max_workers", jobCfg.MaxWorkers)
	jobCfg.MaxRetries = request.GetInt("max_retries", jobCfg.MaxRetries)

	warnings, err := jobCfg.Validate()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid job configuration: %v", err)), nil
	}

	job, created := s.jobManager.CreateJob(jobCfg.CaptionsFile, jobCfg.OutputDir, jobCfg.ResultFile)
	if !created {
		result := map[string]interface{}{
			"status":     "already_running",
			"message":    "A download is already writing to this output directory",
			"job_id":     job.ID,
			"output_dir": job.OutputDir,
		}
		return mcp.NewToolResultText(formatJSON(result)), nil
	}

	go s.runDownloadJob(job.ID, &jobCfg)

	result := map[string]interface{}{
		"status":        "started",
		"message":       "Download started successfully",
		"job_id":        job.ID,
		"captions_file": jobCfg.CaptionsFile,
		"output_dir":    jobCfg.OutputDir,
		"result_file":   jobCfg.ResultFile,
		"max_workers":   jobCfg.MaxWorkers,
		"max_retries":   jobCfg.MaxRetries,
	}
	if len(warnings) > 0 {
		result["warnings"] = warnings
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleGetJobStatus handles the get_job_status tool
func (s *Server) handleGetJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}

	result := map[string]interface{}{
		"job_id":        job.ID,
		"status":        job.Status,
		"captions_file": job.CaptionsFile,
		"output_dir":    job.OutputDir,
		"result_file":   job.ResultFile,
		"started_at":    job.StartedAt.Format(time.RFC3339),
		"records":       job.Records,
		"existing":      job.Counters.Existing,
		"succeeded":     job.Counters.Succeeded,
		"failed":        job.Counters.Failed,
		"completed":     job.Counters.Total(),
	}

	if !job.CompletedAt.IsZero() {
		result["completed_at"] = job.CompletedAt.Format(time.RFC3339)
		result["duration_seconds"] = job.CompletedAt.Sub(job.StartedAt).Seconds()
		result["skipped"] = job.Skipped
	}

	if job.ErrorMessage != "" {
		result["error_message"] = job.ErrorMessage
	}

	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleListJobs handles the list_jobs tool
func (s *Server) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobs := s.jobManager.ListJobs()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartedAt.Before(jobs[j].StartedAt) })

	list := make([]map[string]interface{}, 0, len(jobs))
	for _, job := range jobs {
		list = append(list, map[string]interface{}{
			"job_id":        job.ID,
			"status":        job.Status,
			"captions_file": job.CaptionsFile,
			"output_dir":    job.OutputDir,
			"started_at":    job.StartedAt.Format(time.RFC3339),
			"completed":     job.Counters.Total(),
			"records":       job.Records,
		})
	}

	result := map[string]interface{}{
		"jobs":       list,
		"total_jobs": len(list),
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleCancelJob handles the cancel_job tool
func (s *Server) handleCancelJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}

	cancelled := s.jobManager.CancelJob(jobID)
	message := "Job cancelled"
	if !cancelled {
		message = fmt.Sprintf("Job is not running (status: %s)", job.Status)
	}

	result := map[string]interface{}{
		"job_id":    jobID,
		"cancelled": cancelled,
		"message":   message,
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleProbeImage handles the probe_image tool
func (s *Server) handleProbeImage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	urlStr := request.GetString("url", "")
	if urlStr == "" {
		return mcp.NewToolResultError("url parameter is required"), nil
	}

	parsedURL, err := url.Parse(urlStr)
	if err != nil || (parsedURL.Scheme != "http" && parsedURL.Scheme != "https") {
		return mcp.NewToolResultError(fmt.Sprintf("invalid URL: %s", urlStr)), nil
	}

	startTime := time.Now()
	fetched, fetchErr := s.fetcher.FetchImage(ctx, urlStr)

	result := map[string]interface{}{
		"url":           parsedURL.String(),
		"valid":         fetchErr == nil,
		"fetch_time_ms": time.Since(startTime).Milliseconds(),
	}
	if fetched != nil {
		result["attempts"] = fetched.Attempts
	}
	if filename, err := download.DeriveFilename(urlStr, s.cfg.AppConfig.FilenameStrategy); err == nil {
		result["filename"] = filename
	}

	if fetchErr != nil {
		result["error"] = fetchErr.Error()
		result["error_type"] = utils.CategorizeError(fetchErr)
		return mcp.NewToolResultText(formatJSON(result)), nil
	}

	result["format"] = fetched.Info.Format
	result["width"] = fetched.Info.Width
	result["height"] = fetched.Info.Height
	result["bytes"] = len(fetched.Body)
	result["sha256"] = utils.CalculateBytesSHA256(fetched.Body)
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// runDownloadJob runs a download job in the background
func (s *Server) runDownloadJob(jobID string, jobCfg *config.AppConfig) {
	s.jobManager.UpdateStatus(jobID, JobStatusRunning, "")
	jobCtx := s.jobManager.GetContext(jobID)
	jobLog := s.log.WithField("job_id", jobID)

	o := orchestrate.NewOrchestrator(jobCfg, orchestrate.Options{RunID: jobID}, jobLog)

	records, err := o.LoadRecords()
	if err != nil {
		s.jobManager.UpdateStatus(jobID, JobStatusFailed, err.Error())
		return
	}
	s.jobManager.SetRecords(jobID, len(records))

	reporter := progress.Multi{
		jobReporter{jobs: s.jobManager, jobID: jobID},
		progress.NewLogReporter(max(len(records)/20, 1), len(records), jobLog),
	}
	summary, rows, runErr := o.Download(jobCtx, records, reporter)
	if runErr != nil && jobCtx.Err() == nil {
		s.jobManager.UpdateStatus(jobID, JobStatusFailed, runErr.Error())
		return
	}
	s.jobManager.Finish(jobID, summary)

	if err := o.WriteResults(rows, summary); err != nil {
		s.jobManager.UpdateStatus(jobID, JobStatusFailed, err.Error())
		return
	}
	o.LogSummary(summary)

	if errors.Is(runErr, context.Canceled) {
		s.jobManager.UpdateStatus(jobID, JobStatusCancelled, "")
		return
	}
	s.jobManager.UpdateStatus(jobID, JobStatusCompleted, "")
}

// formatJSON formats data as an indented JSON string
func formatJSON(data map[string]interface{}) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
