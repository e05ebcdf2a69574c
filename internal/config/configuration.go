package config

import (
	"fmt"
	"time"

	"github.com/albachteng/jobengine/internal/clock"
	"github.com/albachteng/jobengine/internal/jobs"
	"github.com/albachteng/jobengine/internal/trigger"
)

// Configuration collects what the engine needs at startup. Cron expressions
// are validated when a recurring job is added, not when it first runs.
type Configuration struct {
	clock      clock.Clock
	recurring  []jobs.RecurringJob
	ids        map[jobs.JobID]struct{}
	clustering bool
	sleep      time.Duration
	sqlitePath string
}

func NewConfiguration() *Configuration {
	return &Configuration{
		clock:      clock.Real(),
		ids:        make(map[jobs.JobID]struct{}),
		clustering: true,
	}
}

// WithClock sets the instant used to check that a cron expression has a
// next occurrence.
func (c *Configuration) WithClock(clk clock.Clock) *Configuration {
	if clk != nil {
		c.clock = clk
	}
	return c
}

// AddRecurringJob registers a job to be scheduled every time the engine
// starts. The id identifies the job across restarts and cluster members.
func (c *Configuration) AddRecurringJob(name string, id jobs.JobID, cron string, payload jobs.Payload) error {
	if id == "" {
		return fmt.Errorf("%w: recurring job '%s' has no id", ErrInvalidConfig, name)
	}
	if _, dup := c.ids[id]; dup {
		return fmt.Errorf("%w: recurring job id '%s' is already registered", ErrInvalidConfig, id)
	}
	if payload.Type == "" {
		return fmt.Errorf("%w: recurring job '%s' has no payload type", ErrInvalidConfig, name)
	}
	if err := trigger.Validate(name, cron, c.clock.Now()); err != nil {
		return err
	}

	c.ids[id] = struct{}{}
	c.recurring = append(c.recurring, jobs.RecurringJob{
		ID:   id,
		Name: name,
		Cron: cron,
		Data: payload,
	})
	return nil
}

// NoClustering makes the engine treat itself as the only member.
func (c *Configuration) NoClustering() *Configuration {
	c.clustering = false
	return c
}

// SetSleepPreference overrides the storage provider's poll interval.
func (c *Configuration) SetSleepPreference(d time.Duration) *Configuration {
	c.sleep = d
	return c
}

func (c *Configuration) UseSQLite(path string) *Configuration {
	c.sqlitePath = path
	return c
}

func (c *Configuration) RecurringJobs() []jobs.RecurringJob {
	out := make([]jobs.RecurringJob, len(c.recurring))
	copy(out, c.recurring)
	return out
}

func (c *Configuration) Clustering() bool {
	return c.clustering
}

func (c *Configuration) SleepPreference() time.Duration {
	return c.sleep
}

// SQLitePath is empty unless UseSQLite was called.
func (c *Configuration) SQLitePath() string {
	return c.sqlitePath
}
