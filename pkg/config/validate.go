package config

import (
	"fmt"
	"time"

	"github.com/Sriram-PR/image-downloader/pkg/utils"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// Required paths
	if c.CaptionsFile == "" {
		return nil, fmt.Errorf("%w: captions_file is required", utils.ErrConfigValidation)
	}
	if c.OutputDir == "" {
		return nil, fmt.Errorf("%w: output_dir is required", utils.ErrConfigValidation)
	}

	// ResultFile
	if c.ResultFile == "" {
		warnings = append(warnings, "result_file is empty, defaulting to 'result.csv'")
		c.ResultFile = "result.csv"
	}

	// Timeout
	if c.Timeout <= 0 {
		warnings = append(warnings, "timeout should be > 0, defaulting to 5s")
		c.Timeout = 5 * time.Second
	}

	// MaxRetries (0 means a single attempt)
	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, setting to 0")
		c.MaxRetries = 0
	}

	// MaxWorkers
	if c.MaxWorkers <= 0 {
		warnings = append(warnings, "max_workers should be > 0, defaulting to 64")
		c.MaxWorkers = 64
	}

	// UserAgent
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}

	// ValidationMode
	switch c.ValidationMode {
	case "full", "header":
	case "":
		c.ValidationMode = "full"
	default:
		warnings = append(warnings, fmt.Sprintf("unknown validation_mode '%s', defaulting to 'full'", c.ValidationMode))
		c.ValidationMode = "full"
	}

	// FilenameStrategy
	switch c.FilenameStrategy {
	case FilenameBasename, FilenameURLHash:
	case "":
		c.FilenameStrategy = FilenameBasename
	default:
		warnings = append(warnings, fmt.Sprintf("unknown filename_strategy '%s', defaulting to '%s'", c.FilenameStrategy, FilenameBasename))
		c.FilenameStrategy = FilenameBasename
	}

	// MaxImageSizeBytes
	if c.MaxImageSizeBytes < 0 {
		warnings = append(warnings, "max_image_size_bytes cannot be negative, setting to 0 (unlimited)")
		c.MaxImageSizeBytes = 0
	}

	// DBGCInterval (only relevant with a ledger)
	if c.StateDir != "" && c.DBGCInterval <= 0 {
		c.DBGCInterval = 10 * time.Minute
	}

	// HTTPClientSettings defaults
	c.validateHTTPClientSettings()

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
// Pool sizes scale with MaxWorkers so idle connections are not the bottleneck.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = max(100, c.MaxWorkers)
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = max(2, c.MaxWorkers)
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
	if h.MaxRedirects <= 0 {
		h.MaxRedirects = 10
	}
}
