// Package scheduler turns a trigger into a persisted job record.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/albachteng/jobengine/internal/clock"
	"github.com/albachteng/jobengine/internal/jobs"
	"github.com/albachteng/jobengine/internal/storage"
	"github.com/albachteng/jobengine/internal/trigger"
)

type Scheduler struct {
	provider storage.Provider
	clock    clock.Clock
	logger   *slog.Logger
}

func New(provider storage.Provider, c clock.Clock, logger *slog.Logger) *Scheduler {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		provider: provider,
		clock:    c,
		logger:   logger,
	}
}

// Schedule resolves t and stores the resulting job. It returns false without
// touching storage when t has no due time; the error is reserved for storage
// failures.
func (s *Scheduler) Schedule(ctx context.Context, name string, payload jobs.Payload, t trigger.Trigger) (bool, error) {
	_, ok, err := s.ScheduleJob(ctx, name, payload, t)
	return ok, err
}

// ScheduleJob is Schedule that also returns the stored job.
func (s *Scheduler) ScheduleJob(ctx context.Context, name string, payload jobs.Payload, t trigger.Trigger) (jobs.Job, bool, error) {
	job, ok := s.build(name, payload, t)
	if !ok {
		return jobs.Job{}, false, nil
	}

	if err := s.add(ctx, job); err != nil {
		return jobs.Job{}, false, err
	}

	s.logger.Debug("scheduled job",
		"job_id", job.ID,
		"job_name", job.Name,
		"job_kind", job.Kind,
		"scheduled_at", job.ScheduledAt)
	return job, true, nil
}

func (s *Scheduler) build(name string, payload jobs.Payload, t trigger.Trigger) (jobs.Job, bool) {
	due, ok := trigger.Resolve(t, s.clock.Now())
	if !ok {
		s.logger.Warn("failed to calculate next execution time, job not scheduled",
			"job_name", name,
			"cron", t.Cron())
		return jobs.Job{}, false
	}

	job := jobs.Job{
		ID:          t.ID(),
		Name:        name,
		Data:        payload,
		Kind:        t.Kind(),
		ScheduledAt: due,
		Status:      jobs.StatusScheduled,
	}
	if t.IsRecurring() {
		job.Cron = t.Cron()
	}
	return job, true
}

func (s *Scheduler) add(ctx context.Context, job jobs.Job) error {
	store, err := s.provider.Storage(ctx)
	if err != nil {
		return fmt.Errorf("acquire storage: %w", err)
	}
	defer store.Close()

	if err := store.Add(ctx, job); err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	return nil
}
