package common

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string                    `toml:"environment"` // "development" or "production"
	Server      ServerConfig              `toml:"server"`
	Storage     StorageConfig             `toml:"storage"`
	Logging     LoggingConfig             `toml:"logging"`
	Claude      ClaudeConfig              `toml:"claude"`
	RateLimit   RateLimitConfig           `toml:"rate_limit"`
	Scheduler   SchedulerConfig           `toml:"scheduler"`
	Retention   RetentionConfig           `toml:"retention"`
	Stats       StatsConfig               `toml:"stats"`
	Pipelines   map[string]PipelineConfig `toml:"pipelines" validate:"dive"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"gte=0,lte=65535"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"`         // Delete database on startup for clean test runs
	OpenTimeout    string `toml:"open_timeout"`             // How long to wait for a store held by another process
}

// OpenTimeoutDuration returns how long opening waits on a held directory lock
func (c *BadgerConfig) OpenTimeoutDuration() time.Duration {
	return ParseDuration(c.OpenTimeout, 10*time.Second)
}

type LoggingConfig struct {
	Level      string   `toml:"level" validate:"oneof=debug info warn error"`
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // default: "15:04:05"
}

// ClaudeConfig contains Anthropic Messages API configuration for the generation client
type ClaudeConfig struct {
	APIKey            string   `toml:"api_key"`                                      // Falls back to ANTHROPIC_API_KEY
	BaseURL           string   `toml:"base_url"`                                     // Override for proxies and tests
	Model             string   `toml:"model" validate:"required"`                    // Default model for all pipelines
	MaxTokens         int      `toml:"max_tokens" validate:"gt=0"`                   // Maximum tokens in response (default: 4096)
	Temperature       *float64 `toml:"temperature" validate:"omitempty,gte=0,lte=1"` // default: 0.3; 0 is sent as 0
	TopP              *float64 `toml:"top_p" validate:"omitempty,gte=0,lte=1"`       // unset leaves the provider default
	Timeout           string   `toml:"timeout"`                                      // Per-request timeout (default: "2m")
	Pacing            string   `toml:"pacing"`                                       // Minimum spacing between outbound calls (default: "1s")
	MaxRetries        int      `toml:"max_retries" validate:"gte=1,lte=10"`          // HTTP tries per logical call (default: 3)
	RetryDelay        string   `toml:"retry_delay"`                                  // Linear backoff unit (default: "5s")
	DefaultRetryAfter string   `toml:"default_retry_after"`                          // 429 wait without a retry-after header (default: "60s")
	InputPrice        float64  `toml:"input_price_per_million" validate:"gte=0"`     // USD per million input tokens
	OutputPrice       float64  `toml:"output_price_per_million" validate:"gte=0"`
}

// RateLimitConfig is the windowed call budget consulted before every outbound call
type RateLimitConfig struct {
	Limit  int    `toml:"limit" validate:"gte=1"`                 // Calls per window (default: 30)
	Window string `toml:"window"`                                 // default: "1h"
	Scope  string `toml:"scope" validate:"oneof=pipeline global"` // "pipeline" keeps one budget per pipeline
}

type SchedulerConfig struct {
	LockTTL      string `toml:"lock_ttl"`                       // Run lock TTL (default: "30m")
	StaleAfter   string `toml:"stale_after"`                    // Recover processing items older than this (default: lock_ttl)
	DefaultLimit int    `toml:"default_limit" validate:"gte=1"` // Items per run when no limit is given (default: 1)
	StrictExit   bool   `toml:"strict_exit"`                    // Exit 2 on run-level errors instead of soft success
}

type RetentionConfig struct {
	Enabled bool `toml:"enabled"`
	Days    int  `toml:"days" validate:"gte=1"` // default: 30
}

type StatsConfig struct {
	RetentionDays int      `toml:"retention_days" validate:"gte=1"` // Daily snapshot TTL (default: 90)
	BreakdownKeys []string `toml:"breakdown_keys"`                  // Work item attributes counted per value
}

// PipelineConfig configures one enrichment pipeline
type PipelineConfig struct {
	Enabled      bool   `toml:"enabled"`
	Schedule     string `toml:"schedule"` // 5-field cron used by serve mode
	Limit        int    `toml:"limit" validate:"gte=0"`
	Cooldown     string `toml:"cooldown"` // Skip subjects processed within this window unless forced
	Model        string `toml:"model"`
	MaxTokens    int    `toml:"max_tokens" validate:"gte=0"`
	SystemPrompt string `toml:"system_prompt"`
}

// Pipeline names
const (
	PipelineContentEnrichment     = "content_enrichment"
	PipelinePressureCorrection    = "pressure_correction"
	PipelineVehicleDataEnrichment = "vehicle_data_enrichment"
	PipelineIntroSEOCorrection    = "intro_seo_correction"
)

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:        "./data",
				OpenTimeout: "10s",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05",
		},
		Claude: ClaudeConfig{
			Model:             "claude-sonnet-4-5",
			MaxTokens:         4096,
			Temperature:       Float(0.3),
			Timeout:           "2m",
			Pacing:            "1s",
			MaxRetries:        3,
			RetryDelay:        "5s",
			DefaultRetryAfter: "60s",
			InputPrice:        3.0,
			OutputPrice:       15.0,
		},
		RateLimit: RateLimitConfig{
			Limit:  30,
			Window: "1h",
			Scope:  "pipeline",
		},
		Scheduler: SchedulerConfig{
			LockTTL:      "30m",
			DefaultLimit: 1,
		},
		Retention: RetentionConfig{
			Enabled: true,
			Days:    30,
		},
		Stats: StatsConfig{
			RetentionDays: 90,
			BreakdownKeys: []string{"vehicle", "template"},
		},
		Pipelines: map[string]PipelineConfig{
			PipelineContentEnrichment: {
				Enabled:  true,
				Schedule: "*/15 * * * *",
				Limit:    1,
				Cooldown: "168h",
			},
			PipelinePressureCorrection: {
				Enabled:  true,
				Schedule: "*/10 * * * *",
				Limit:    2,
				Cooldown: "24h",
			},
			PipelineVehicleDataEnrichment: {
				Enabled:  true,
				Schedule: "5,35 * * * *",
				Limit:    1,
				Cooldown: "72h",
			},
			PipelineIntroSEOCorrection: {
				Enabled:  false,
				Schedule: "0 * * * *",
				Limit:    1,
				Cooldown: "720h",
			},
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files. CLI flags are applied afterwards by the caller.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("REVISOR_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("REVISOR_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("REVISOR_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if badgerPath := os.Getenv("REVISOR_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Logging configuration
	if level := os.Getenv("REVISOR_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("REVISOR_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Claude configuration
	if model := os.Getenv("REVISOR_CLAUDE_MODEL"); model != "" {
		config.Claude.Model = model
	}
	if baseURL := os.Getenv("REVISOR_CLAUDE_BASE_URL"); baseURL != "" {
		config.Claude.BaseURL = baseURL
	}

	// Rate limit configuration
	if limit := os.Getenv("REVISOR_RATE_LIMIT"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			config.RateLimit.Limit = l
		}
	}
	if window := os.Getenv("REVISOR_RATE_LIMIT_WINDOW"); window != "" {
		config.RateLimit.Window = window
	}
	if scope := os.Getenv("REVISOR_RATE_LIMIT_SCOPE"); scope != "" {
		config.RateLimit.Scope = scope
	}

	// Scheduler configuration
	if strict := os.Getenv("REVISOR_STRICT_EXIT"); strict != "" {
		if b, err := strconv.ParseBool(strict); err == nil {
			config.Scheduler.StrictExit = b
		}
	}
	if days := os.Getenv("REVISOR_RETENTION_DAYS"); days != "" {
		if d, err := strconv.Atoi(days); err == nil {
			config.Retention.Days = d
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string, logLevel string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}
}

// Float returns a pointer to v for optional float settings
func Float(v float64) *float64 {
	return &v
}

// ResolveAPIKey resolves the Anthropic API key.
// Resolution order: ANTHROPIC_API_KEY → REVISOR_CLAUDE_API_KEY → config value → error
func ResolveAPIKey(config *Config) (string, error) {
	for _, name := range []string{"ANTHROPIC_API_KEY", "REVISOR_CLAUDE_API_KEY"} {
		if value := os.Getenv(name); value != "" {
			return value, nil
		}
	}
	if config.Claude.APIKey != "" {
		return config.Claude.APIKey, nil
	}
	return "", fmt.Errorf("anthropic API key not found in environment or config")
}

// Validate checks field constraints, durations and pipeline schedules
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"storage.badger.open_timeout": c.Storage.Badger.OpenTimeout,
		"claude.timeout":              c.Claude.Timeout,
		"claude.pacing":               c.Claude.Pacing,
		"claude.retry_delay":          c.Claude.RetryDelay,
		"claude.default_retry_after":  c.Claude.DefaultRetryAfter,
		"rate_limit.window":           c.RateLimit.Window,
		"scheduler.lock_ttl":          c.Scheduler.LockTTL,
		"scheduler.stale_after":       c.Scheduler.StaleAfter,
	}
	for name, p := range c.Pipelines {
		durations["pipelines."+name+".cooldown"] = p.Cooldown
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", field, err)
		}
	}

	if d := ParseDuration(c.RateLimit.Window, 0); d <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}

	for _, name := range c.PipelineNames() {
		p := c.Pipelines[name]
		if !p.Enabled || p.Schedule == "" {
			continue
		}
		if err := ValidateSchedule(p.Schedule); err != nil {
			return fmt.Errorf("pipeline %s: %w", name, err)
		}
	}

	return nil
}

// PipelineNames returns the configured pipeline names in sorted order
func (c *Config) PipelineNames() []string {
	names := make([]string, 0, len(c.Pipelines))
	for name := range c.Pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pipeline returns the configuration of a named pipeline
func (c *Config) Pipeline(name string) (PipelineConfig, bool) {
	p, ok := c.Pipelines[name]
	return p, ok
}

// LockTTLDuration returns the parsed run lock TTL
func (c *SchedulerConfig) LockTTLDuration() time.Duration {
	return ParseDuration(c.LockTTL, 30*time.Minute)
}

// StaleAfterDuration returns the processing age after which items are recovered
func (c *SchedulerConfig) StaleAfterDuration() time.Duration {
	return ParseDuration(c.StaleAfter, c.LockTTLDuration())
}

// ParseDuration parses value, returning fallback when empty or invalid
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// ValidateSchedule validates a cron schedule expression and ensures minimum 5-minute interval
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	parts := strings.Fields(schedule)
	if len(parts) < 5 {
		return fmt.Errorf("invalid cron format: expected 5 fields")
	}

	minuteField := parts[0]

	if minuteField == "*" {
		return fmt.Errorf("schedule must have minimum 5-minute interval (every minute is not allowed)")
	}

	if strings.HasPrefix(minuteField, "*/") {
		interval, err := strconv.Atoi(strings.TrimPrefix(minuteField, "*/"))
		if err == nil && interval < 5 {
			return fmt.Errorf("schedule interval must be at least 5 minutes, got %d", interval)
		}
	}

	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
