// Package config manages application configuration from config.yaml,
// TGS_-prefixed environment variables, and default values.
package config

import (
	"errors"
	"time"
)

// ErrConfiguration indicates a configuration loading or validation failure.
var ErrConfiguration = errors.New("configuration error")

// Config defines the application configuration for all components of the
// tgsearch service: logging, the Telegram feed, storage, text enrichment,
// the HTTP search API, and the history crawlers.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Database DatabaseConfig `mapstructure:"database"`
	OCR      OCRConfig      `mapstructure:"ocr"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Search   SearchConfig   `mapstructure:"search"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Groups   []GroupConfig  `mapstructure:"groups" validate:"required,min=1,dive"`
}

// LogConfig controls log level and output format.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// TelegramConfig holds the feed client credentials.
type TelegramConfig struct {
	Token    string `mapstructure:"token" validate:"required"`
	MarkRead bool   `mapstructure:"mark_read"`
}

// DatabaseConfig holds the SQLite storage settings.
type DatabaseConfig struct {
	Path            string        `mapstructure:"path" validate:"required"`
	ConnectRetries  int           `mapstructure:"connect_retries" validate:"min=0"`
	VacuumSchedule  string        `mapstructure:"vacuum_schedule"`
	MaxWriteBackoff time.Duration `mapstructure:"max_write_backoff" validate:"min=1ms"`
}

// OCRConfig configures the image text-extraction service. When URL is set,
// extraction goes through the external OCR HTTP service; otherwise, when
// GeminiAPIKey is set, it goes through Gemini vision. With neither, image
// enrichment is disabled entirely.
type OCRConfig struct {
	URL           string        `mapstructure:"url" validate:"omitempty,url"`
	Lang          string        `mapstructure:"lang"`
	GeminiAPIKey  string        `mapstructure:"gemini_api_key"`
	GeminiModel   string        `mapstructure:"gemini_model"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl" validate:"min=1s"`
	CacheSize     int           `mapstructure:"cache_size" validate:"min=1"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"min=1s"`
}

// Enabled reports whether any extraction backend is configured.
func (c OCRConfig) Enabled() bool {
	return c.URL != "" || c.GeminiAPIKey != ""
}

// HTTPConfig configures the read-only search API.
type HTTPConfig struct {
	Listen      string `mapstructure:"listen" validate:"required"`
	Prefix      string `mapstructure:"prefix"`
	CacheMaxAge int    `mapstructure:"cache_max_age" validate:"min=0"`
}

// SearchConfig bounds the search query engine.
type SearchConfig struct {
	Limit        int `mapstructure:"limit" validate:"min=1,max=500"`
	EarliestYear int `mapstructure:"earliest_year" validate:"min=2000"`
	NamesLimit   int `mapstructure:"names_limit" validate:"min=1,max=100"`
}

// CrawlConfig bounds the per-group history crawlers.
type CrawlConfig struct {
	PageSize     int           `mapstructure:"page_size" validate:"min=1,max=100"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" validate:"min=1s"`
	RetryDelay   time.Duration `mapstructure:"retry_delay" validate:"min=100ms"`
}

// GroupConfig describes one group/channel feed to index. Ref is a numeric
// group id or an @username reference resolved through the feed client.
type GroupConfig struct {
	Ref       string `mapstructure:"ref" validate:"required"`
	OCRIgnore bool   `mapstructure:"ocr_ignore"`
}
