// Package storage defines how pending jobs are persisted, selected and
// released, and provides the in-memory reference implementation.
package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/albachteng/jobengine/internal/jobs"
	"github.com/albachteng/jobengine/internal/trigger"
)

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrJobClaimed is returned by Remove while the job is executing.
	ErrJobClaimed = errors.New("job is executing")
)

// Storage is a scoped handle to the pending job set. Close releases the
// handle and must be called on every exit path.
type Storage interface {
	// Add inserts job. A job whose id is already pending is ignored.
	Add(ctx context.Context, job jobs.Job) error

	// Remove deletes the pending job with id if present. A claimed job
	// cannot be removed until released and yields ErrJobClaimed.
	Remove(ctx context.Context, id jobs.JobID) error

	// Update replaces the tracked record for job.ID with a copy modified by
	// mutate and returns that copy.
	Update(ctx context.Context, job jobs.Job, mutate func(*jobs.Job)) (jobs.Job, error)

	// GetNextJob claims the pending job with the earliest ScheduledAt that
	// is strictly before now. ok is false when nothing is due.
	GetNextJob(ctx context.Context) (job jobs.Job, ok bool, err error)

	// Release finalizes a claimed job, rescheduling it when recurring.
	Release(ctx context.Context, completed jobs.CompletedJob) error

	// List returns a snapshot of pending jobs ordered by due time.
	List(ctx context.Context) ([]jobs.Job, error)

	Close() error
}

// Provider hands out storage handles.
type Provider interface {
	Storage(ctx context.Context) (Storage, error)

	// Sleep is the poll interval used when no preference is configured.
	Sleep() time.Duration

	Close() error
}

// Reschedule builds the next occurrence of a completed recurring job.
// ok is false for one-shot jobs and for crons without a next occurrence.
func Reschedule(completed jobs.CompletedJob, now time.Time) (next jobs.Job, ok bool) {
	if !completed.IsRecurring() {
		return jobs.Job{}, false
	}

	due, ok := trigger.Next(completed.Cron, now)
	if !ok {
		return jobs.Job{}, false
	}

	return jobs.Job{
		ID:          completed.ID,
		Name:        completed.Name,
		Data:        completed.Data,
		Kind:        jobs.KindRecurring,
		Cron:        completed.Cron,
		ScheduledAt: due,
		Status:      jobs.StatusScheduled,
	}, true
}

// LogDropped reports a recurring job that Release could not reschedule.
func LogDropped(logger *slog.Logger, completed jobs.CompletedJob) {
	logger.Warn("recurring job could not be rescheduled and will not run again",
		"job_id", completed.ID,
		"job_name", completed.Name,
		"cron", completed.Cron)
}
