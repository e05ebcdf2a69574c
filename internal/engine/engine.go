// Package engine runs the leader-gated polling loop that executes due jobs.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/albachteng/jobengine/internal/clock"
	"github.com/albachteng/jobengine/internal/cluster"
	"github.com/albachteng/jobengine/internal/jobs"
	"github.com/albachteng/jobengine/internal/scheduler"
	"github.com/albachteng/jobengine/internal/storage"
	"github.com/albachteng/jobengine/internal/trigger"
)

// MinSleep is the shortest pause between polls, whatever is configured.
const MinSleep = time.Second

type Engine struct {
	scheduler *scheduler.Scheduler
	cluster   cluster.Cluster
	provider  storage.Provider
	registry  *jobs.Registry
	clock     clock.Clock
	logger    *slog.Logger
	history   *jobs.History
	recurring []jobs.RecurringJob
	sleepPref time.Duration
}

type Option func(*Engine)

func WithRecurringJobs(recurring ...jobs.RecurringJob) Option {
	return func(e *Engine) { e.recurring = append(e.recurring, recurring...) }
}

// WithSleepPreference overrides the provider's poll interval.
func WithSleepPreference(d time.Duration) Option {
	return func(e *Engine) { e.sleepPref = d }
}

// WithHistory records every completed job in h.
func WithHistory(h *jobs.History) Option {
	return func(e *Engine) { e.history = h }
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func New(sched *scheduler.Scheduler, cl cluster.Cluster, provider storage.Provider, registry *jobs.Registry, opts ...Option) *Engine {
	e := &Engine{
		scheduler: sched,
		cluster:   cl,
		provider:  provider,
		registry:  registry,
		clock:     clock.Real(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sleep returns the effective poll interval.
func (e *Engine) Sleep() time.Duration {
	sleep := e.sleepPref
	if sleep <= 0 {
		sleep = e.provider.Sleep()
	}
	if sleep < MinSleep {
		sleep = MinSleep
	}
	return sleep
}

// RegisterRecurringJobs schedules every configured recurring job once.
// Jobs already pending under the same id are left untouched.
func (e *Engine) RegisterRecurringJobs(ctx context.Context) error {
	e.logger.Info("registering recurring jobs", "count", len(e.recurring))

	for _, rj := range e.recurring {
		e.logger.Info("scheduling recurring job",
			"job_id", rj.ID,
			"job_name", rj.Name,
			"cron", rj.Cron)

		if _, err := e.scheduler.Schedule(ctx, rj.Name, rj.Data, trigger.Recurring(rj.ID, rj.Cron)); err != nil {
			return fmt.Errorf("register recurring job %s: %w", rj.Name, err)
		}
	}
	return nil
}

// Run registers recurring jobs, connects to the cluster and polls until ctx
// is cancelled. Cluster and storage failures end the loop with an error;
// cancellation ends it with nil.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.RegisterRecurringJobs(ctx); err != nil {
		return err
	}

	if err := e.cluster.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect cluster: %w", err)
	}

	sleep := e.Sleep()
	e.logger.Info("engine started", "sleep", sleep)

	for ctx.Err() == nil {
		if _, err := e.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}

		if !wait(ctx, sleep) {
			break
		}
	}

	e.logger.Info("engine stopped")
	return nil
}

// Stop leaves the cluster. It is safe to call whether or not Run is active.
func (e *Engine) Stop(ctx context.Context) error {
	if err := e.cluster.Disconnect(ctx); err != nil {
		e.logger.Warn("failed to disconnect from cluster", "error", err)
		return err
	}
	return nil
}

// Poll refreshes the cluster view and, while leading, drains due jobs.
// It returns the number of jobs dispatched.
func (e *Engine) Poll(ctx context.Context) (int, error) {
	if err := e.cluster.Update(ctx); err != nil {
		return 0, fmt.Errorf("update cluster: %w", err)
	}

	if !e.cluster.IsLeader() {
		return 0, nil
	}

	return e.drain(ctx)
}

// drain dispatches due jobs one at a time, re-checking leadership after each.
func (e *Engine) drain(ctx context.Context) (processed int, err error) {
	store, err := e.provider.Storage(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire storage: %w", err)
	}
	defer store.Close()

	for e.cluster.IsLeader() && ctx.Err() == nil {
		job, ok, err := store.GetNextJob(ctx)
		if err != nil {
			return processed, fmt.Errorf("get next job: %w", err)
		}
		if !ok {
			break
		}

		if err := e.process(ctx, store, job); err != nil {
			return processed, err
		}
		processed++

		if err := e.cluster.Update(ctx); err != nil {
			return processed, fmt.Errorf("update cluster: %w", err)
		}
	}

	return processed, nil
}

// process executes job and releases its outcome. Storage failures are
// returned; job failures are recorded on the completed job.
func (e *Engine) process(ctx context.Context, store storage.Storage, job jobs.Job) error {
	log := e.logger.With(
		"job_id", job.ID,
		"job_name", job.Name,
		"job_kind", job.Kind)
	log.Debug("executing job")

	status := jobs.StatusSuccessful
	handler, err := e.resolve(job)
	if err == nil {
		defer closeHandler(handler, e.logger)

		running, updateErr := store.Update(context.WithoutCancel(ctx), job, func(j *jobs.Job) {
			j.Status = jobs.StatusRunning
		})
		if updateErr != nil {
			return fmt.Errorf("mark job %s running: %w", job.ID, updateErr)
		}
		job = running
		err = execute(ctx, handler, job)
	}
	if err != nil {
		status = jobs.StatusFailed
		log.Error("job failed", "error", err)
	} else {
		log.Debug("job completed")
	}

	completed := jobs.NewCompletedJob(job, status, e.clock.Now(), err)

	// The outcome is stored even when ctx was cancelled during the handler.
	if releaseErr := store.Release(context.WithoutCancel(ctx), completed); releaseErr != nil {
		return fmt.Errorf("release job %s: %w", job.ID, releaseErr)
	}

	if e.history != nil {
		e.history.Record(completed)
	}
	return nil
}

func (e *Engine) resolve(job jobs.Job) (jobs.Handler, error) {
	handler, err := e.registry.Resolve(job.Data.Type)
	if err != nil {
		e.logger.Error("could not resolve handler for job",
			"job_name", job.Name,
			"job_type", job.Data.Type)
		return nil, fmt.Errorf("could not resolve job handler for '%s': %w", job.Name, err)
	}
	return handler, nil
}

func execute(ctx context.Context, handler jobs.Handler, job jobs.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", jobs.ErrJobFailed, r)
		}
	}()

	return handler.Handle(ctx, job.Data)
}

// closeHandler ends the per-job handler scope.
func closeHandler(handler jobs.Handler, logger *slog.Logger) {
	closer, ok := handler.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn("failed to close job handler", "error", err)
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
