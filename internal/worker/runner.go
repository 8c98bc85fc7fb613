// Package worker runs the portal's background jobs: the email queue, the
// reminder sweep, commerce order sync, idempotency cleanup and the event
// consumer.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/bda-association/bda-portal/internal/observability"

	"golang.org/x/sync/errgroup"
)

// Job is a named unit of background work. A job with an Interval is run on
// a ticker; a job without one is a long-running loop started once.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Runner struct {
	jobs   []Job
	logger *slog.Logger
}

func NewRunner(logger *slog.Logger, jobs ...Job) *Runner {
	return &Runner{jobs: jobs, logger: observability.Component(logger, "worker")}
}

func (r *Runner) Names() []string {
	out := make([]string, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Name)
	}
	return out
}

// Only keeps the named jobs. Unknown names are an error so a typo on the
// command line does not silently run nothing.
func (r *Runner) Only(names ...string) error {
	if len(names) == 0 {
		return nil
	}
	known := r.Names()
	for _, n := range names {
		if !slices.Contains(known, n) {
			return fmt.Errorf("unknown worker job %q (known: %v)", n, known)
		}
	}
	r.jobs = slices.DeleteFunc(r.jobs, func(j Job) bool { return !slices.Contains(names, j.Name) })
	return nil
}

// Run blocks until ctx is done. Ticker jobs run once immediately and then
// on every tick; a failed tick is logged and never stops the loop.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.jobs) == 0 {
		return errors.New("no worker jobs configured")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range r.jobs {
		g.Go(func() error {
			if job.Interval <= 0 {
				r.logger.InfoContext(ctx, "worker loop started", "job", job.Name)
				err := job.Run(ctx)
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("worker %s stopped: %w", job.Name, err)
			}
			r.loop(ctx, job)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, job Job) {
	r.logger.InfoContext(ctx, "worker ticker started", "job", job.Name, "interval", job.Interval.String())
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		_ = r.tick(ctx, job)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce runs a single tick of the named job.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	for _, job := range r.jobs {
		if job.Name == name {
			return r.tick(ctx, job)
		}
	}
	return fmt.Errorf("unknown worker job %q", name)
}

func (r *Runner) tick(ctx context.Context, job Job) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	ctx, span := observability.StartJobSpan(ctx, job.Name)
	defer span.End()
	start := time.Now()
	err := job.Run(ctx)
	outcome := "success"
	if err != nil {
		outcome = "failure"
		span.RecordError(err)
		r.logger.ErrorContext(ctx, "worker tick failed", "job", job.Name, "error", err)
	}
	observability.RecordWorkerTick(ctx, job.Name, outcome, time.Since(start))
	return err
}
