// Package trigger describes when a job should run and turns that
// description into a concrete due time.
package trigger

import (
	"time"

	"github.com/albachteng/jobengine/internal/jobs"
)

// Trigger is one of Immediate, Delayed or Recurring. The zero value is Immediate.
type Trigger struct {
	kind jobs.Kind
	at   time.Time
	id   jobs.JobID
	cron string
}

func Immediate() Trigger {
	return Trigger{kind: jobs.KindImmediate}
}

func Delayed(at time.Time) Trigger {
	return Trigger{kind: jobs.KindDelayed, at: at}
}

// Recurring fires on every occurrence of cron. Each occurrence reuses id.
func Recurring(id jobs.JobID, cron string) Trigger {
	return Trigger{kind: jobs.KindRecurring, id: id, cron: cron}
}

func (t Trigger) Kind() jobs.Kind {
	if t.kind == "" {
		return jobs.KindImmediate
	}
	return t.kind
}

func (t Trigger) IsRecurring() bool { return t.Kind() == jobs.KindRecurring }

func (t Trigger) At() time.Time { return t.at }

func (t Trigger) Cron() string { return t.cron }

// ID returns the recurring id, or a fresh id for one-shot triggers.
func (t Trigger) ID() jobs.JobID {
	if t.IsRecurring() && t.id != "" {
		return t.id
	}
	return jobs.NewJobID()
}

// Resolve computes the due time of t relative to now. A delayed time in the
// past is returned as is. ok is false when a recurring trigger has no next
// occurrence.
func Resolve(t Trigger, now time.Time) (due time.Time, ok bool) {
	switch t.Kind() {
	case jobs.KindDelayed:
		return t.at, true
	case jobs.KindRecurring:
		return Next(t.cron, now)
	default:
		return now, true
	}
}
