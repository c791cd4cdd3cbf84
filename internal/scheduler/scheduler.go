// Package scheduler runs the recurring maintenance jobs: session refresh
// and catalog prefetch.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/flmw/idgen"
	"github.com/hazyhaar/flmw/trace"
)

// Job is a named task run every Interval.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs jobs on independent tickers. A job never overlaps itself:
// a tick that fires while the previous run is still going is skipped.
type Scheduler struct {
	jobs   []Job
	logger *slog.Logger
}

// New creates a Scheduler.
func New(logger *slog.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{jobs: jobs, logger: logger}
}

// Run blocks until ctx is cancelled and in-flight runs have returned.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, j)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	var (
		running atomic.Bool
		wg      sync.WaitGroup
	)
	defer wg.Wait()

	s.logger.Info("scheduler: job scheduled", "job", j.Name, "interval", j.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !running.CompareAndSwap(false, true) {
				s.logger.Warn("scheduler: previous run still active, skipping", "job", j.Name)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer running.Store(false)
				s.runOnce(ctx, j)
			}()
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j Job) {
	start := time.Now()
	runID := idgen.New()
	ctx = trace.WithAttrs(ctx, "job", j.Name, "run_id", runID)
	logger := s.logger.With("job", j.Name, "run_id", runID)
	logger.Info("scheduler: job start", "start", start.UTC().Format(time.RFC3339))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("scheduler: job panic", "panic", r)
		}
	}()

	if err := j.Run(ctx); err != nil {
		logger.Error("scheduler: job failed", "error", err)
	}
	end := time.Now()
	logger.Info("scheduler: job end",
		"end", end.UTC().Format(time.RFC3339), "duration", end.Sub(start))
}
