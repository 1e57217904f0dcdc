package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Job is one background maintenance job. Cron takes precedence over Every
// when both are set; the cron expression uses the optional seconds field.
type Job struct {
	Name  string
	Cron  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Scheduler runs maintenance jobs using the gocron library.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	jobs      []Job

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler for the given jobs.
func NewScheduler(logger *slog.Logger, jobs []Job) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		scheduler: s,
		logger:    logger.With("component", "scheduler"),
		jobs:      jobs,
	}, nil
}

// Start registers all jobs and starts the scheduler's internal ticking.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	for _, job := range s.jobs {
		var def gocron.JobDefinition
		switch {
		case job.Cron != "":
			def = gocron.CronJob(job.Cron, true)
		case job.Every > 0:
			def = gocron.DurationJob(job.Every)
		default:
			s.logger.Warn("Job has no schedule, skipping", "job_name", job.Name)
			continue
		}

		run := job.Run
		name := job.Name
		_, err := s.scheduler.NewJob(def, gocron.NewTask(func(ctx context.Context) {
			s.logger.Debug("Running scheduled job", "job_name", name)
			start := time.Now()
			if jobErr := run(ctx); jobErr != nil {
				s.logger.Error("Scheduled job failed", "job_name", name, "error", jobErr)
			} else {
				s.logger.Debug("Scheduled job finished", "job_name", name, "duration", time.Since(start))
			}
		}))
		if err != nil {
			return fmt.Errorf("failed to schedule job %s: %w", name, err)
		}
		s.logger.Info("Scheduled job registered", "job_name", name, "cron", job.Cron, "every", job.Every)
	}

	s.scheduler.Start()
	s.running = true
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down scheduler: %w", err)
	}
	return nil
}
