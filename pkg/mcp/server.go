package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/image-downloader/pkg/config"
	"github.com/Sriram-PR/image-downloader/pkg/fetch"
	"github.com/Sriram-PR/image-downloader/pkg/imaging"
)

const serverName = "image-downloader"

// ServerConfig holds configuration for the MCP server
type ServerConfig struct {
	AppConfig  *config.AppConfig // Validated base config; jobs override paths per call
	ConfigPath string
	Transport  string // "stdio" or "sse"
	Port       int
	Version    string
	Logger     *logrus.Logger
}

// Server exposes download jobs and single-image probes as MCP tools
type Server struct {
	mcpServer  *server.MCPServer
	cfg        *ServerConfig
	log        *logrus.Entry
	jobManager *JobManager
	fetcher    *fetch.Fetcher // Used by probe_image
}

// NewServer creates a new MCP server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("AppConfig is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	mcpServer := server.NewMCPServer(
		serverName,
		version,
		server.WithLogging(),
	)

	log := cfg.Logger.WithField("component", "mcp")
	validator := imaging.NewValidator(imaging.Mode(cfg.AppConfig.ValidationMode))
	httpClient := fetch.NewClient(cfg.AppConfig.HTTPClientSettings, log)

	s := &Server{
		mcpServer:  mcpServer,
		cfg:        cfg,
		log:        log,
		jobManager: NewJobManager(),
		fetcher:    fetch.NewFetcher(httpClient, validator, cfg.AppConfig, log),
	}

	s.registerTools()

	return s, nil
}

// registerTools registers all available MCP tools
func (s *Server) registerTools() {
	// start_download - Start a background download job
	startDownloadTool := mcp.NewTool("start_download",
		mcp.WithDescription("Download every image listed in a captions JSON file in the background. Returns immediately with a job ID."),
		mcp.WithString("captions_file",
			mcp.Required(),
			mcp.Description("Path to a captions JSON file with image_urls, user_ids and captions arrays"),
		),
		mcp.WithString("output_dir",
			mcp.Description("Directory to store images in (defaults to the configured output_dir)"),
		),
		mcp.WithString("result_file",
			mcp.Description("Manifest path; .csv, .jsonl or .xlsx (defaults to the configured result_file)"),
		),
		mcp.WithNumber("max_workers",
			mcp.Description("Number of concurrent downloads (defaults to the configured max_workers)"),
		),
		mcp.WithNumber("max_retries",
			mcp.Description("Retries per image after the first attempt (defaults to the configured max_retries)"),
		),
	)
	s.mcpServer.AddTool(startDownloadTool, s.handleStartDownload)

	// get_job_status - Check status of a download job
	getJobStatusTool := mcp.NewTool("get_job_status",
		mcp.WithDescription("Get the status and counters of a download job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by start_download"),
		),
	)
	s.mcpServer.AddTool(getJobStatusTool, s.handleGetJobStatus)

	// cancel_job - Cancel a running download job
	cancelJobTool := mcp.NewTool("cancel_job",
		mcp.WithDescription("Cancel a running download job. Images already saved are kept and the partial manifest is written."),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by start_download"),
		),
	)
	s.mcpServer.AddTool(cancelJobTool, s.handleCancelJob)

	// probe_image - Fetch and validate one URL
	probeImageTool := mcp.NewTool("probe_image",
		mcp.WithDescription("Fetch a single image URL with the configured retries and report whether it decodes, with its format and dimensions"),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The image URL to fetch"),
		),
	)
	s.mcpServer.AddTool(probeImageTool, s.handleProbeImage)

	// list_jobs - List all jobs of this server
	listJobsTool := mcp.NewTool("list_jobs",
		mcp.WithDescription("List all download jobs started on this server with their status"),
	)
	s.mcpServer.AddTool(listJobsTool, s.handleListJobs)

	s.log.Infof("Registered %d MCP tools", 5)
}

// Run starts the MCP server with the configured transport
func (s *Server) Run() error {
	switch s.cfg.Transport {
	case "stdio":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		sseServer := server.NewSSEServer(s.mcpServer)
		return sseServer.Start(addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}

// Shutdown cancels any running jobs
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down MCP server...")
	s.jobManager.CancelAll()
	return nil
}
