package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Default values for optional configuration parameters.
const (
	DefaultLogLevel = "info"

	DefaultDBPath          = "tgsearch.db"
	DefaultConnectRetries  = 30
	DefaultVacuumSchedule  = "0 0 4 * * *" // daily at 04:00
	DefaultMaxWriteBackoff = 500 * time.Millisecond

	DefaultOCRLang      = "zh-Hans"
	DefaultOCRCacheTTL  = time.Hour
	DefaultOCRCacheSize = 100
	DefaultOCRSweep     = 5 * time.Minute
	DefaultGeminiModel  = "gemini-2.0-flash"

	DefaultHTTPListen      = "127.0.0.1:9008"
	DefaultHTTPCacheMaxAge = 10

	DefaultSearchLimit  = 50
	DefaultEarliestYear = 2016
	DefaultNamesLimit   = 12

	DefaultCrawlPageSize     = 50
	DefaultCrawlFetchTimeout = 60 * time.Second
	DefaultCrawlRetryDelay   = time.Second
)

// Load reads configuration from the given path (falling back to ./config.yaml),
// applies defaults and TGS_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	setDefaults()

	if err := readConfig(path); err != nil {
		return nil, fmt.Errorf("%w: failed to load config file: %v", ErrConfiguration, err)
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrConfiguration, err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	return cfg, nil
}

// readConfig initializes and loads the configuration using viper.
func readConfig(path string) error {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("TGS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file: %v", err)
		}
		// Config file not found is okay, defaults and env apply.
	}

	return nil
}

func setDefaults() {
	viper.SetDefault("log.level", DefaultLogLevel)
	viper.SetDefault("log.json", false)

	viper.SetDefault("telegram.mark_read", false)

	viper.SetDefault("database.path", DefaultDBPath)
	viper.SetDefault("database.connect_retries", DefaultConnectRetries)
	viper.SetDefault("database.vacuum_schedule", DefaultVacuumSchedule)
	viper.SetDefault("database.max_write_backoff", DefaultMaxWriteBackoff)

	viper.SetDefault("ocr.lang", DefaultOCRLang)
	viper.SetDefault("ocr.gemini_model", DefaultGeminiModel)
	viper.SetDefault("ocr.cache_ttl", DefaultOCRCacheTTL)
	viper.SetDefault("ocr.cache_size", DefaultOCRCacheSize)
	viper.SetDefault("ocr.sweep_interval", DefaultOCRSweep)

	viper.SetDefault("http.listen", DefaultHTTPListen)
	viper.SetDefault("http.prefix", "")
	viper.SetDefault("http.cache_max_age", DefaultHTTPCacheMaxAge)

	viper.SetDefault("search.limit", DefaultSearchLimit)
	viper.SetDefault("search.earliest_year", DefaultEarliestYear)
	viper.SetDefault("search.names_limit", DefaultNamesLimit)

	viper.SetDefault("crawl.page_size", DefaultCrawlPageSize)
	viper.SetDefault("crawl.fetch_timeout", DefaultCrawlFetchTimeout)
	viper.SetDefault("crawl.retry_delay", DefaultCrawlRetryDelay)
}
