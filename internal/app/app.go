// Package app wires the ingestion engine together and manages the
// components' lifecycle: the feed client, the live coordinator, one
// history crawler per group, the search API, and maintenance jobs.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arisawa/tgsearch/internal/crawler"
	"github.com/arisawa/tgsearch/internal/httpapi"
	"github.com/arisawa/tgsearch/internal/ingest"
)

// FeedRunner is the long-running transport loop of the feed client. It
// blocks until ctx is cancelled.
type FeedRunner interface {
	Run(ctx context.Context) error
}

// App orchestrates all components.
type App struct {
	logger      *slog.Logger
	feedRunner  FeedRunner
	coordinator *ingest.Coordinator
	server      *httpapi.Server
	crawlers    []*crawler.Crawler
	scheduler   *Scheduler
	retryDelay  time.Duration
}

// New assembles the application. server and scheduler may be nil when the
// API or maintenance jobs are disabled.
func New(
	logger *slog.Logger,
	feedRunner FeedRunner,
	coordinator *ingest.Coordinator,
	server *httpapi.Server,
	crawlers []*crawler.Crawler,
	scheduler *Scheduler,
	retryDelay time.Duration,
) *App {
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &App{
		logger:      logger.With("component", "app"),
		feedRunner:  feedRunner,
		coordinator: coordinator,
		server:      server,
		crawlers:    crawlers,
		scheduler:   scheduler,
		retryDelay:  retryDelay,
	}
}

// Run starts all components and blocks until the context is cancelled or a
// component fails. Crawler errors are retried in place and never take the
// application down.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting application...")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("Starting feed client...")
		err := a.feedRunner.Run(gCtx)
		a.logger.Info("Feed client stopped.")

		if gCtx.Err() == nil {
			return fmt.Errorf("feed client stopped unexpectedly: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.coordinator.Run(gCtx)
	})

	if a.server != nil {
		g.Go(func() error {
			return a.server.Run(gCtx)
		})
	}

	if a.scheduler != nil {
		g.Go(func() error {
			if err := a.scheduler.Start(); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}

			<-gCtx.Done()
			a.logger.Info("Shutdown signal received, stopping scheduler...")
			if err := a.scheduler.Stop(); err != nil {
				a.logger.Error("Error stopping scheduler", "error", err)
			}
			return nil
		})
	}

	for _, c := range a.crawlers {
		g.Go(func() error {
			a.superviseCrawler(gCtx, c)
			return nil
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("Application stopped due to error", "error", err)
		return err
	}

	a.logger.Info("Application stopped gracefully.")
	return nil
}

// superviseCrawler re-runs a crawler after transient failures until it
// finishes its history or the context is cancelled.
func (a *App) superviseCrawler(ctx context.Context, c *crawler.Crawler) {
	for {
		err := c.Run(ctx)
		switch {
		case err == nil:
			return
		case ctx.Err() != nil:
			return
		default:
			a.logger.Warn("Crawler failed, restarting", "error", err, "delay", a.retryDelay)
		}

		select {
		case <-time.After(a.retryDelay):
		case <-ctx.Done():
			return
		}
	}
}
