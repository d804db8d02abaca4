package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/image-downloader/pkg/utils"
)

// DefaultUserAgent is sent with every image request unless overridden
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/80.0.3987.132 Safari/537.36"

// Filename strategies
const (
	FilenameBasename = "basename" // Last URL path segment, as-is
	FilenameURLHash  = "url_hash" // Sanitized basename plus a short hash of the full URL
)

// AppConfig holds the global application configuration
type AppConfig struct {
	CaptionsFile       string           `yaml:"captions_file"`
	OutputDir          string           `yaml:"output_dir"`
	ResultFile         string           `yaml:"result_file"`
	LegacyCSVHeader    bool             `yaml:"legacy_csv_header,omitempty"` // image,width,height,user_id,caption
	SummaryFile        string           `yaml:"summary_file,omitempty"`      // Optional YAML run summary
	Timeout            time.Duration    `yaml:"timeout"` // Per-attempt timeout
	MaxRetries         int              `yaml:"max_retries"`
	MaxWorkers         int              `yaml:"max_workers"`
	UserAgent          string           `yaml:"user_agent,omitempty"`
	ValidationMode     string           `yaml:"validation_mode,omitempty"`   // "full" or "header"
	FilenameStrategy   string           `yaml:"filename_strategy,omitempty"` // "basename" or "url_hash"
	MaxImageSizeBytes  int64            `yaml:"max_image_size_bytes,omitempty"`
	StateDir           string           `yaml:"state_dir,omitempty"` // Empty disables the download ledger
	DBGCInterval       time.Duration    `yaml:"db_gc_interval,omitempty"`
	MetricsAddr        string           `yaml:"metrics_addr,omitempty"` // Empty disables the metrics endpoint
	HTTPClientSettings HTTPClientConfig `yaml:"http_client_settings,omitempty"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
	MaxRedirects          int           `yaml:"max_redirects,omitempty"`
}

// Default returns the configuration used when no file or flag overrides a value
func Default() AppConfig {
	return AppConfig{
		CaptionsFile:     "sbu-captions-all.json",
		OutputDir:        "images",
		ResultFile:       "result.csv",
		Timeout:          5 * time.Second,
		MaxRetries:       3,
		MaxWorkers:       64,
		UserAgent:        DefaultUserAgent,
		ValidationMode:   "full",
		FilenameStrategy: FilenameBasename,
		DBGCInterval:     10 * time.Minute,
	}
}

// Load reads a YAML file on top of Default()
func Load(path string) (AppConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: reading config file '%s': %w", utils.ErrFilesystem, path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: YAML config '%s': %w", utils.ErrParsing, path, err)
	}
	return cfg, nil
}
