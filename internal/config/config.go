// Package config loads the server's YAML configuration. Optional values are pointer
// fields with getter methods that supply defaults, so an absent key and an explicit
// zero can be told apart.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	// Host is the interface to bind. Empty binds all interfaces.
	Host string `yaml:"host" json:"host"`
	// Port is the HTTP listen port.
	Port int `yaml:"port" json:"port"`
	// Debug enables gin debug mode and the /debug endpoints.
	Debug bool `yaml:"debug" json:"debug"`
	// LogLevel is one of debug, info, warn, error, quiet.
	LogLevel string `yaml:"log-level" json:"log-level"`
	// LoggingToFile writes logs to a rotating file under LogDir as well as stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`
	// LogDir is the directory for rotated log files.
	LogDir string `yaml:"log-dir" json:"log-dir"`
	// MetricsEnabled exposes Prometheus metrics on /metrics.
	MetricsEnabled bool `yaml:"metrics-enabled" json:"metrics-enabled"`
	// TracingEnabled wraps HTTP requests and turns in OpenTelemetry spans.
	TracingEnabled bool `yaml:"tracing-enabled" json:"tracing-enabled"`
	// UsageStatisticsEnabled aggregates per-turn usage in memory for GET /api/v1/usage.
	UsageStatisticsEnabled bool `yaml:"usage-statistics-enabled" json:"usage-statistics-enabled"`

	Provider  ProviderConfig  `yaml:"provider" json:"provider"`
	Context   ContextConfig   `yaml:"context" json:"context"`
	Streaming StreamingConfig `yaml:"streaming" json:"streaming"`
	Sessions  SessionConfig   `yaml:"sessions" json:"sessions"`
	Files     FilesConfig     `yaml:"files" json:"files"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	RateLimit RateLimitConfig `yaml:"rate-limit" json:"rate-limit"`
}

// ProviderConfig selects and configures the upstream model provider.
type ProviderConfig struct {
	// Kind is "gemini" (default) or "openai" for any OpenAI-compatible endpoint.
	Kind string `yaml:"kind" json:"kind"`
	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base-url" json:"base-url"`
	// APIKey authenticates against the provider. GEMINI_API_KEY / OPENAI_API_KEY override it.
	APIKey string `yaml:"api-key" json:"-"`
	// ProxyURL routes outbound provider traffic through an http(s) or socks5 proxy.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`
	// TimeoutSeconds bounds connection setup and response headers, not the stream.
	TimeoutSeconds *int `yaml:"timeout-seconds,omitempty" json:"timeout-seconds,omitempty"`
}

// ContextConfig controls history compaction and selection.
type ContextConfig struct {
	// WindowSize is the number of trailing messages kept verbatim. nil means 15.
	WindowSize *int `yaml:"window-size,omitempty" json:"window-size,omitempty"`
	// TriggerThreshold is the history length above which a summary is inserted. nil means 12.
	TriggerThreshold *int `yaml:"trigger-threshold,omitempty" json:"trigger-threshold,omitempty"`
	// ReserveRecent is the number of latest messages always kept by selection. nil means 3.
	ReserveRecent *int `yaml:"reserve-recent,omitempty" json:"reserve-recent,omitempty"`
	// SummaryStrategy is "placeholder" (default) or "model".
	SummaryStrategy string `yaml:"summary-strategy,omitempty" json:"summary-strategy,omitempty"`
	// SummaryModel is the model used by the "model" strategy. Empty uses the turn's model.
	SummaryModel string `yaml:"summary-model,omitempty" json:"summary-model,omitempty"`
	// SummaryCacheSize caps cached summaries. nil means 1024.
	SummaryCacheSize *int `yaml:"summary-cache-size,omitempty" json:"summary-cache-size,omitempty"`
	// SummaryCacheTTL expires cached summaries. nil means 24h.
	SummaryCacheTTL *time.Duration `yaml:"summary-cache-ttl,omitempty" json:"summary-cache-ttl,omitempty"`
	// Tokenizer is "auto" (BPE with heuristic fallback) or "heuristic".
	Tokenizer string `yaml:"tokenizer,omitempty" json:"tokenizer,omitempty"`
}

// StreamingConfig controls outbound frame pacing.
type StreamingConfig struct {
	// FlushBytes flushes a channel buffer once it holds this many bytes. nil means 64.
	FlushBytes *int `yaml:"flush-bytes,omitempty" json:"flush-bytes,omitempty"`
	// FlushIntervalMS flushes a channel buffer once this much time passed. nil means 50.
	FlushIntervalMS *int `yaml:"flush-interval-ms,omitempty" json:"flush-interval-ms,omitempty"`
	// KeepAliveSeconds emits SSE comments while idle. <= 0 disables.
	KeepAliveSeconds int `yaml:"keepalive-seconds,omitempty" json:"keepalive-seconds,omitempty"`
	// PersistTimeoutSeconds bounds the post-stream persistence step. nil means 10.
	PersistTimeoutSeconds *int `yaml:"persist-timeout-seconds,omitempty" json:"persist-timeout-seconds,omitempty"`
}

// SessionConfig controls the provider-session cache.
type SessionConfig struct {
	// TTL expires sessions. nil means 1h.
	TTL *time.Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`
	// MaxEntries caps cached sessions. nil means 4096.
	MaxEntries *int `yaml:"max-entries,omitempty" json:"max-entries,omitempty"`
}

// FilesConfig controls polling for attachments still being processed upstream.
type FilesConfig struct {
	// PollIntervalMS is the wait between status checks. nil means 2000.
	PollIntervalMS *int `yaml:"poll-interval-ms,omitempty" json:"poll-interval-ms,omitempty"`
	// PollMaxAttempts bounds status checks. nil means 30.
	PollMaxAttempts *int `yaml:"poll-max-attempts,omitempty" json:"poll-max-attempts,omitempty"`
}

// StorageConfig selects the message and usage store.
type StorageConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the sqlite file path or the Postgres connection string.
	DSN string `yaml:"dsn" json:"-"`
	// Schema is the Postgres schema. Empty uses the search path.
	Schema string `yaml:"schema" json:"schema"`
}

// RateLimitConfig limits chat requests per room.
type RateLimitConfig struct {
	// RequestsPerSecond <= 0 disables limiting.
	RequestsPerSecond float64 `yaml:"requests-per-second" json:"requests-per-second"`
	// Burst is the bucket size. Defaults to 5 when limiting is enabled.
	Burst int `yaml:"burst" json:"burst"`
}

// LoadConfig reads and validates the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	return LoadConfigOptional(path, false)
}

// LoadConfigOptional reads the YAML file at path. When optional is true a missing or
// unparsable file yields a default configuration instead of an error.
func LoadConfigOptional(path string, optional bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if strings.TrimSpace(string(data)) == "" {
		return cfg, nil
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		if optional {
			return Default(), nil
		}
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Port:                   8000,
		LogLevel:               "info",
		LogDir:                 "logs",
		UsageStatisticsEnabled: true,
		Provider:               ProviderConfig{Kind: "gemini"},
		Storage:                StorageConfig{Driver: "sqlite", DSN: "chat.db"},
	}
}

// ValidateConfig checks cfg for fatal problems and returns non-fatal warnings.
func ValidateConfig(cfg *Config) ([]string, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range", cfg.Port)
	}
	var warnings []string
	switch strings.ToLower(cfg.Provider.Kind) {
	case "", "gemini", "openai":
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Provider.Kind)
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "", "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	switch cfg.Context.SummaryStrategy {
	case "", SummaryPlaceholder, SummaryModel:
	default:
		return nil, fmt.Errorf("unknown summary strategy %q", cfg.Context.SummaryStrategy)
	}
	if w, t := cfg.Context.GetWindowSize(), cfg.Context.GetTriggerThreshold(); t > w {
		warnings = append(warnings, fmt.Sprintf("context.trigger-threshold (%d) above window-size (%d): truncated history between them is never summarised", t, w))
	}
	if cfg.Provider.APIKey == "" {
		warnings = append(warnings, "provider.api-key is empty; set it or export the provider key variable")
	}
	return warnings, nil
}

// Summary strategy names.
const (
	SummaryPlaceholder = "placeholder"
	SummaryModel       = "model"
)

// GetWindowSize returns the sliding window size.
func (c *ContextConfig) GetWindowSize() int {
	if c == nil || c.WindowSize == nil || *c.WindowSize <= 0 {
		return 15
	}
	return *c.WindowSize
}

// GetTriggerThreshold returns the summary trigger threshold.
func (c *ContextConfig) GetTriggerThreshold() int {
	if c == nil || c.TriggerThreshold == nil || *c.TriggerThreshold < 0 {
		return 12
	}
	return *c.TriggerThreshold
}

// GetReserveRecent returns how many latest messages selection always keeps.
func (c *ContextConfig) GetReserveRecent() int {
	if c == nil || c.ReserveRecent == nil || *c.ReserveRecent < 0 {
		return 3
	}
	return *c.ReserveRecent
}

// GetSummaryStrategy returns the configured summary strategy name.
func (c *ContextConfig) GetSummaryStrategy() string {
	if c == nil || c.SummaryStrategy == "" {
		return SummaryPlaceholder
	}
	return c.SummaryStrategy
}

// GetSummaryCacheSize returns the summary cache capacity.
func (c *ContextConfig) GetSummaryCacheSize() int {
	if c == nil || c.SummaryCacheSize == nil || *c.SummaryCacheSize <= 0 {
		return 1024
	}
	return *c.SummaryCacheSize
}

// GetSummaryCacheTTL returns the summary cache TTL.
func (c *ContextConfig) GetSummaryCacheTTL() time.Duration {
	if c == nil || c.SummaryCacheTTL == nil || *c.SummaryCacheTTL <= 0 {
		return 24 * time.Hour
	}
	return *c.SummaryCacheTTL
}

// HeuristicOnly reports whether BPE encoding is disabled.
func (c *ContextConfig) HeuristicOnly() bool {
	return c != nil && strings.EqualFold(c.Tokenizer, "heuristic")
}

// GetFlushBytes returns the size threshold for channel buffers.
func (c *StreamingConfig) GetFlushBytes() int {
	if c == nil || c.FlushBytes == nil || *c.FlushBytes <= 0 {
		return 64
	}
	return *c.FlushBytes
}

// GetFlushInterval returns the time threshold for channel buffers.
func (c *StreamingConfig) GetFlushInterval() time.Duration {
	if c == nil || c.FlushIntervalMS == nil || *c.FlushIntervalMS <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(*c.FlushIntervalMS) * time.Millisecond
}

// GetPersistTimeout bounds the post-stream persistence step.
func (c *StreamingConfig) GetPersistTimeout() time.Duration {
	if c == nil || c.PersistTimeoutSeconds == nil || *c.PersistTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(*c.PersistTimeoutSeconds) * time.Second
}

// GetTTL returns the provider-session lifetime.
func (c *SessionConfig) GetTTL() time.Duration {
	if c == nil || c.TTL == nil || *c.TTL <= 0 {
		return time.Hour
	}
	return *c.TTL
}

// GetMaxEntries returns the provider-session cache capacity.
func (c *SessionConfig) GetMaxEntries() int {
	if c == nil || c.MaxEntries == nil || *c.MaxEntries <= 0 {
		return 4096
	}
	return *c.MaxEntries
}

// GetPollInterval returns the attachment polling interval.
func (c *FilesConfig) GetPollInterval() time.Duration {
	if c == nil || c.PollIntervalMS == nil || *c.PollIntervalMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(*c.PollIntervalMS) * time.Millisecond
}

// GetPollMaxAttempts returns the attachment polling bound.
func (c *FilesConfig) GetPollMaxAttempts() int {
	if c == nil || c.PollMaxAttempts == nil || *c.PollMaxAttempts <= 0 {
		return 30
	}
	return *c.PollMaxAttempts
}

// GetTimeout returns the provider connect/header timeout.
func (c *ProviderConfig) GetTimeout() time.Duration {
	if c == nil || c.TimeoutSeconds == nil || *c.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(*c.TimeoutSeconds) * time.Second
}

// GetBurst returns the limiter burst size.
func (c *RateLimitConfig) GetBurst() int {
	if c == nil || c.Burst <= 0 {
		return 5
	}
	return c.Burst
}

// ApplyEnv overrides secrets and storage from environment lookups.
func (cfg *Config) ApplyEnv(lookup func(keys ...string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	switch strings.ToLower(cfg.Provider.Kind) {
	case "openai":
		if v, ok := lookup("OPENAI_API_KEY", "openai_api_key"); ok {
			cfg.Provider.APIKey = v
		}
	default:
		if v, ok := lookup("GEMINI_API_KEY", "gemini_api_key"); ok {
			cfg.Provider.APIKey = v
		}
	}
	if v, ok := lookup("PGSTORE_DSN", "pgstore_dsn"); ok {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.DSN = v
		if schema, ok := lookup("PGSTORE_SCHEMA", "pgstore_schema"); ok {
			cfg.Storage.Schema = schema
		}
	}
}
