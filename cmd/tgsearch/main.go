// Package main contains the entrypoint for the tgsearch service.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arisawa/tgsearch/internal/app"
	"github.com/arisawa/tgsearch/internal/config"
	"github.com/arisawa/tgsearch/internal/crawler"
	"github.com/arisawa/tgsearch/internal/enrich"
	"github.com/arisawa/tgsearch/internal/feed/telegram"
	"github.com/arisawa/tgsearch/internal/httpapi"
	"github.com/arisawa/tgsearch/internal/ingest"
	"github.com/arisawa/tgsearch/internal/logger"
	"github.com/arisawa/tgsearch/internal/normalize"
	"github.com/arisawa/tgsearch/internal/plugin"
	"github.com/arisawa/tgsearch/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes and starts all application components, handles graceful
// shutdown, and returns an exit code (0 for success, 1 for failure).
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Log.Level, cfg.Log.JSON)
	log.Info("Logger initialized", "level", cfg.Log.Level, "json", cfg.Log.JSON)

	db, err := storage.NewDB(ctx, cfg.Database.Path, cfg.Database.ConnectRetries)
	if err != nil {
		log.Error("Failed to open database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer storage.CloseDB(db)
	store := storage.NewStore(db, log, cfg.Database.MaxWriteBackoff)

	tg, err := telegram.New(cfg.Telegram.Token, log)
	if err != nil {
		log.Error("Failed to create Telegram feed client", "error", err)
		return 1
	}

	cache, err := newEnrichmentCache(ctx, cfg.OCR, log)
	if err != nil {
		log.Error("Failed to initialize image enrichment", "error", err)
		return 1
	}

	norm := normalize.New(cache, tg, cfg.Crawl.FetchTimeout, log)

	qb, err := normalize.NewQueryBuilder()
	if err != nil {
		log.Error("Failed to initialize query builder", "error", err)
		return 1
	}

	ocrEnabled := cfg.OCR.Enabled()
	groups := make([]ingest.GroupState, 0, len(cfg.Groups))
	for _, g := range cfg.Groups {
		chat, err := tg.ResolveEntity(ctx, g.Ref)
		if err != nil {
			log.Error("Failed to resolve group", "ref", g.Ref, "error", err)
			return 1
		}
		ocr := ocrEnabled && !g.OCRIgnore
		groups = append(groups, ingest.GroupState{Chat: chat, OCR: ocr, OCRIgnore: g.OCRIgnore})
		log.Info("Group configured", "group_id", chat.ID, "title", chat.Title, "ocr", ocr)
	}

	registry := plugin.NewRegistry(log)
	coord := ingest.New(tg, store, norm, registry, groups, cfg.Telegram.MarkRead, log)

	crawlCfg := crawler.Config{
		PageSize:     cfg.Crawl.PageSize,
		FetchTimeout: cfg.Crawl.FetchTimeout,
		RetryDelay:   cfg.Crawl.RetryDelay,
	}
	crawlers := make([]*crawler.Crawler, 0, len(groups))
	for _, g := range groups {
		crawlers = append(crawlers, crawler.New(
			tg, store, norm, g.Chat, g.OCR, g.OCRIgnore, crawlCfg, coord.ForwardDone, log))
	}

	server := httpapi.NewServer(store, qb, httpapi.Config{
		Listen:       cfg.HTTP.Listen,
		Prefix:       cfg.HTTP.Prefix,
		CacheMaxAge:  cfg.HTTP.CacheMaxAge,
		SearchLimit:  cfg.Search.Limit,
		EarliestYear: cfg.Search.EarliestYear,
		NamesLimit:   cfg.Search.NamesLimit,
	}, log)

	jobs := []app.Job{
		{Name: "vacuum", Cron: cfg.Database.VacuumSchedule, Run: store.RunSQLMaintenance},
	}
	if cache != nil {
		jobs = append(jobs, app.Job{
			Name:  "cache_sweep",
			Every: cfg.OCR.SweepInterval,
			Run: func(context.Context) error {
				cache.Sweep()
				return nil
			},
		})
	}
	sched, err := app.NewScheduler(log, jobs)
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	a := app.New(log, tg, coord, server, crawlers, sched, cfg.Crawl.RetryDelay)

	log.Info("Starting tgsearch...")
	runErr := a.Run(ctx)
	log.Info("Run loop finished. Initiating shutdown...")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Service stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Service stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}

// newEnrichmentCache builds the image text-extraction cache, preferring the
// external OCR service over Gemini vision. Returns nil when neither backend
// is configured.
func newEnrichmentCache(ctx context.Context, cfg config.OCRConfig, log *slog.Logger) (*enrich.Cache, error) {
	var extractor enrich.Extractor
	switch {
	case cfg.URL != "":
		extractor = enrich.NewOCRExtractor(cfg.URL, cfg.Lang, log)
	case cfg.GeminiAPIKey != "":
		gem, err := enrich.NewGeminiExtractor(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, log)
		if err != nil {
			return nil, err
		}
		extractor = gem
	default:
		return nil, nil
	}
	return enrich.NewCache(extractor, cfg.CacheTTL, cfg.CacheSize, log), nil
}
