package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server         ServerConfig         `toml:"server"`          // HTTP server settings
	Logging        LoggingConfig        `toml:"logging"`         // Application logging settings
	Storage        StorageConfig        `toml:"storage"`         // Data persistence settings
	Vendor         VendorConfig         `toml:"vendor"`          // Call-recording vendor API settings
	Manifest       ManifestConfig       `toml:"manifest"`        // Recording manifest (CSV) settings
	Pipeline       PipelineConfig       `toml:"pipeline"`        // Download/transcription pipeline settings
	Transcription  TranscriptionConfig  `toml:"transcription"`   // Speech-to-text settings
	PostProcessing PostProcessingConfig `toml:"post_processing"` // LLM post-processing settings for transcripts
	OpenAI         OpenAIConfig         `toml:"openai"`          // OpenAI-compatible chat endpoint settings
	Gemini         GeminiConfig         `toml:"gemini"`          // Gemini chat endpoint settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port             int    `toml:"port"`                  // HTTP port for the API server
	Host             string `toml:"host"`                  // Host address to bind to (e.g., 127.0.0.1 for localhost only, 0.0.0.0 for all interfaces)
	ReadTimeoutSecs  int    `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request
	WriteTimeoutSecs int    `toml:"write_timeout_seconds"` // Maximum duration for writing the response
	IdleTimeoutSecs  int    `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// StorageConfig contains data persistence configuration
type StorageConfig struct {
	Type           string `toml:"type"`             // Storage backend type (currently only "sqlite" is supported)
	SQLiteBasePath string `toml:"sqlite_base_path"` // Base path for SQLite database files (actual filename is generated as callscribe-YYYY-MM-DD.db)
}

// VendorConfig contains settings for the Credgenics call-recording API
type VendorConfig struct {
	BaseURL             string `toml:"base_url"`                 // API base URL (default: https://apiprod.credgenics.com)
	ClientID            string `toml:"client_id"`                // OAuth client identifier (CREDGENICS_CLIENT_ID overrides)
	ClientSecret        string `toml:"client_secret"`            // OAuth client secret (CREDGENICS_CLIENT_SECRET overrides)
	TokenExpirySecs     int    `toml:"token_expiry_seconds"`     // Requested bearer token lifetime in seconds (default: 900)
	DefaultCompanyID    string `toml:"default_company_id"`       // Company ID used when a manifest row has none
	RequestTimeoutSecs  int    `toml:"request_timeout_seconds"`  // HTTP timeout for metadata requests in seconds
	DownloadTimeoutSecs int    `toml:"download_timeout_seconds"` // HTTP timeout for audio downloads in seconds
	MaxRetries          int    `toml:"max_retries"`              // Retry attempts for vendor API requests
}

// ManifestConfig contains settings for the recording manifest file
type ManifestConfig struct {
	CSVPath string `toml:"csv_path"` // Path to the CSV file listing recording links (column: recording_link, optional: company_id)
}

// PipelineConfig contains settings for the download/transcription pipeline
type PipelineConfig struct {
	AudioDir           string  `toml:"audio_dir"`            // Directory where downloaded audio files are written
	TranscriptDir      string  `toml:"transcript_dir"`       // Directory where .txt/.json transcript files are written
	DownloadWorkers    int     `toml:"download_workers"`     // Number of concurrent download workers
	DownloadsPerSecond float64 `toml:"downloads_per_second"` // Rate limit for vendor downloads (0 = unlimited)
	RunOnStartup       bool    `toml:"run_on_startup"`       // Start a pipeline run automatically when the server starts
}

// TranscriptionConfig contains settings for speech-to-text services
type TranscriptionConfig struct {
	Provider string `toml:"provider"` // Speech provider: "sarvam" or "aws"

	// Sarvam batch API settings
	SarvamAPIKey     string `toml:"sarvam_api_key"`        // Sarvam API subscription key (SARVAM_API_KEY overrides)
	SarvamBaseURL    string `toml:"sarvam_base_url"`       // Sarvam API base URL (default: https://api.sarvam.ai)
	Model            string `toml:"model"`                 // Transcription model (e.g., "saaras:v3")
	Mode             string `toml:"mode"`                  // Transcription mode: "transcribe" or "translate"
	LanguageCode     string `toml:"language_code"`         // Primary language code (e.g., "en-IN")
	BatchSize        int    `toml:"batch_size"`            // Files per transcription job (API limit: 20)
	PollIntervalSecs int    `toml:"poll_interval_seconds"` // Seconds between job status polls
	TimeoutSeconds   int    `toml:"timeout_seconds"`       // HTTP timeout for STT API requests in seconds

	// AWS Transcribe settings (used when provider = "aws")
	AWSRegion       string `toml:"aws_region"`        // AWS region for S3 and Transcribe
	AWSBucket       string `toml:"aws_bucket"`        // S3 bucket used for audio upload and job output
	AWSLanguageCode string `toml:"aws_language_code"` // Transcribe language code (e.g., "en-US")
}

// PostProcessingConfig contains settings for LLM post-processing of transcripts
type PostProcessingConfig struct {
	Enabled          bool   `toml:"enabled"`            // Enable or disable post-processing
	Provider         string `toml:"provider"`           // Chat provider: "openai" or "gemini"
	Model            string `toml:"model"`              // Model to use for post-processing
	IntervalSeconds  int    `toml:"interval_seconds"`   // How often to run the post-processing loop (in seconds)
	BatchSize        int    `toml:"batch_size"`         // Maximum number of transcripts to process in each batch
	SystemPromptPath string `toml:"system_prompt_path"` // Path to the system prompt file
	TimeoutSeconds   int    `toml:"timeout_seconds"`    // HTTP timeout for chat API requests in seconds
}

// OpenAIConfig contains OpenAI-compatible endpoint settings
type OpenAIConfig struct {
	APIKey              string `toml:"api_key"`               // API key (OPENAI_API_KEY overrides)
	BaseURL             string `toml:"base_url"`              // Base URL (default: https://api.openai.com)
	ChatCompletionsPath string `toml:"chat_completions_path"` // Chat completions endpoint path
}

// GeminiConfig contains Gemini endpoint settings
type GeminiConfig struct {
	APIKey string `toml:"api_key"` // API key (GEMINI_API_KEY overrides)
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	var config Config

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Read the config file
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.applyEnvOverrides()

	return &config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	// List of paths to check in order of preference
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			// File exists, try to load it
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// applyEnvOverrides lets environment variables take precedence over file values,
// matching the vendor's documented credential contract.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CREDGENICS_CLIENT_ID"); v != "" {
		c.Vendor.ClientID = v
	}
	if v := os.Getenv("CREDGENICS_CLIENT_SECRET"); v != "" {
		c.Vendor.ClientSecret = v
	}
	if v := os.Getenv("SARVAM_API_KEY"); v != "" {
		c.Transcription.SarvamAPIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAI.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Gemini.APIKey = v
	}
}

// Validate validates the configuration and fills in defaults
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}

	// Validate logging config
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid log level
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "console":
		// Valid log format
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	// Validate storage config
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	if c.Storage.Type != "sqlite" {
		return fmt.Errorf("invalid storage type: %s (only 'sqlite' is supported)", c.Storage.Type)
	}
	if c.Storage.SQLiteBasePath == "" {
		return fmt.Errorf("sqlite_base_path is required when storage type is sqlite")
	}

	// Validate vendor config
	if c.Vendor.BaseURL == "" {
		c.Vendor.BaseURL = "https://apiprod.credgenics.com"
	}
	if c.Vendor.ClientID == "" {
		return fmt.Errorf("vendor client_id is required (set CREDGENICS_CLIENT_ID or vendor.client_id)")
	}
	if c.Vendor.ClientSecret == "" {
		return fmt.Errorf("vendor client_secret is required (set CREDGENICS_CLIENT_SECRET or vendor.client_secret)")
	}
	if c.Vendor.TokenExpirySecs <= 0 {
		c.Vendor.TokenExpirySecs = 900
	}
	if c.Vendor.RequestTimeoutSecs <= 0 {
		c.Vendor.RequestTimeoutSecs = 30
	}
	if c.Vendor.DownloadTimeoutSecs <= 0 {
		c.Vendor.DownloadTimeoutSecs = 60
	}
	if c.Vendor.MaxRetries < 0 {
		return fmt.Errorf("vendor max_retries must be >= 0")
	}

	// Validate manifest config
	if c.Manifest.CSVPath == "" {
		return fmt.Errorf("manifest csv_path is required")
	}

	// Validate pipeline config
	if c.Pipeline.AudioDir == "" {
		c.Pipeline.AudioDir = "fetched_audios"
	}
	if c.Pipeline.TranscriptDir == "" {
		c.Pipeline.TranscriptDir = "transcription_output"
	}
	if c.Pipeline.DownloadWorkers <= 0 {
		c.Pipeline.DownloadWorkers = 4
	}
	if c.Pipeline.DownloadsPerSecond < 0 {
		return fmt.Errorf("downloads_per_second must be >= 0")
	}

	// Validate transcription config
	if err := c.validateTranscription(); err != nil {
		return err
	}

	// Validate post-processing config
	if c.PostProcessing.Enabled {
		if c.PostProcessing.Provider != "openai" && c.PostProcessing.Provider != "gemini" {
			return fmt.Errorf("invalid post-processing provider: %s (must be 'openai' or 'gemini')", c.PostProcessing.Provider)
		}
		if c.PostProcessing.Provider == "openai" && c.OpenAI.APIKey == "" {
			return fmt.Errorf("openai api_key is required when post-processing provider is openai")
		}
		if c.PostProcessing.Provider == "gemini" && c.Gemini.APIKey == "" {
			return fmt.Errorf("gemini api_key is required when post-processing provider is gemini")
		}
		if c.PostProcessing.Model == "" {
			return fmt.Errorf("post-processing model is required")
		}
		if c.PostProcessing.IntervalSeconds <= 0 {
			c.PostProcessing.IntervalSeconds = 30
		}
		if c.PostProcessing.BatchSize <= 0 {
			c.PostProcessing.BatchSize = 10
		}
		if c.PostProcessing.TimeoutSeconds <= 0 {
			c.PostProcessing.TimeoutSeconds = 120
		}
	}

	// OpenAI endpoint defaults (overridable for proxies and compatible vendors)
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com"
	}
	if c.OpenAI.ChatCompletionsPath == "" {
		c.OpenAI.ChatCompletionsPath = "/v1/chat/completions"
	}

	return nil
}

func (c *Config) validateTranscription() error {
	if c.Transcription.Provider == "" {
		c.Transcription.Provider = "sarvam"
	}

	switch c.Transcription.Provider {
	case "sarvam":
		if c.Transcription.SarvamAPIKey == "" {
			return fmt.Errorf("sarvam_api_key is required when transcription provider is sarvam (set SARVAM_API_KEY)")
		}
		if c.Transcription.SarvamBaseURL == "" {
			c.Transcription.SarvamBaseURL = "https://api.sarvam.ai"
		}
		if c.Transcription.Model == "" {
			c.Transcription.Model = "saaras:v3"
		}
		if c.Transcription.Mode == "" {
			c.Transcription.Mode = "translate"
		}
		if c.Transcription.LanguageCode == "" {
			c.Transcription.LanguageCode = "en-IN"
		}
	case "aws":
		if c.Transcription.AWSBucket == "" {
			return fmt.Errorf("aws_bucket is required when transcription provider is aws")
		}
		if c.Transcription.AWSRegion == "" {
			c.Transcription.AWSRegion = "us-east-1"
		}
		if c.Transcription.AWSLanguageCode == "" {
			c.Transcription.AWSLanguageCode = "en-US"
		}
	default:
		return fmt.Errorf("invalid transcription provider: %s (must be 'sarvam' or 'aws')", c.Transcription.Provider)
	}

	// The Sarvam batch API caps jobs at 20 files
	if c.Transcription.BatchSize <= 0 || c.Transcription.BatchSize > 20 {
		c.Transcription.BatchSize = 20
	}
	if c.Transcription.PollIntervalSecs <= 0 {
		c.Transcription.PollIntervalSecs = 5
	}
	if c.Transcription.TimeoutSeconds <= 0 {
		c.Transcription.TimeoutSeconds = 120
	}

	return nil
}
