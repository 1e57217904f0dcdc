package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arisawa/tgsearch/internal/config"
)

// The loader goes through the process-wide viper instance, so these tests
// run sequentially.

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
telegram:
  token: "123456:test-token"
groups:
  - ref: "@testgroup"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Log.Level)
	}
	if cfg.Database.Path != config.DefaultDBPath {
		t.Errorf("database path = %q, want %q", cfg.Database.Path, config.DefaultDBPath)
	}
	if cfg.Search.Limit != config.DefaultSearchLimit {
		t.Errorf("search limit = %d, want %d", cfg.Search.Limit, config.DefaultSearchLimit)
	}
	if cfg.Search.EarliestYear != config.DefaultEarliestYear {
		t.Errorf("earliest year = %d, want %d", cfg.Search.EarliestYear, config.DefaultEarliestYear)
	}
	if cfg.Crawl.FetchTimeout != config.DefaultCrawlFetchTimeout {
		t.Errorf("fetch timeout = %v, want %v", cfg.Crawl.FetchTimeout, config.DefaultCrawlFetchTimeout)
	}
	if cfg.OCR.Enabled() {
		t.Error("OCR enabled without a backend configured")
	}
	if len(cfg.Groups) != 1 || cfg.Groups[0].Ref != "@testgroup" {
		t.Errorf("groups = %+v, want the configured reference", cfg.Groups)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
log:
  level: debug
  json: true
telegram:
  token: "123456:test-token"
database:
  path: /tmp/index.db
  max_write_backoff: 250ms
ocr:
  url: http://localhost:7777/ocr
  lang: zh-Hant
search:
  limit: 20
groups:
  - ref: "-1001234"
    ocr_ignore: true
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Log.Level != "debug" || !cfg.Log.JSON {
		t.Errorf("log = %+v, want debug/json", cfg.Log)
	}
	if cfg.Database.MaxWriteBackoff != 250*time.Millisecond {
		t.Errorf("max write backoff = %v, want 250ms", cfg.Database.MaxWriteBackoff)
	}
	if !cfg.OCR.Enabled() || cfg.OCR.Lang != "zh-Hant" {
		t.Errorf("ocr = %+v, want enabled with zh-Hant", cfg.OCR)
	}
	if cfg.Search.Limit != 20 {
		t.Errorf("search limit = %d, want 20", cfg.Search.Limit)
	}
	if !cfg.Groups[0].OCRIgnore {
		t.Error("ocr_ignore not honored")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing token", "groups:\n  - ref: \"@g\"\n"},
		{"missing groups", "telegram:\n  token: \"t\"\n"},
		{"bad log level", minimalConfig + "log:\n  level: noisy\n"},
		{"bad search limit", minimalConfig + "search:\n  limit: 0\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tc.content))
			if !errors.Is(err, config.ErrConfiguration) {
				t.Fatalf("Load error = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TGS_LOG_LEVEL", "warn")

	cfg, err := config.Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %q, want warn from environment", cfg.Log.Level)
	}
}
