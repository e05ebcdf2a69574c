package trigger

import (
	"errors"
	"fmt"
	"time"

	cronparser "github.com/robfig/cron/v3"
)

var (
	ErrInvalidCron      = errors.New("invalid cron expression")
	ErrNoNextOccurrence = errors.New("cron expression has no next occurrence")
)

// parser accepts six-field expressions (seconds first) and @-descriptors.
// Five-field expressions are rejected.
var parser = cronparser.NewParser(
	cronparser.Second | cronparser.Minute | cronparser.Hour |
		cronparser.Dom | cronparser.Month | cronparser.Dow | cronparser.Descriptor,
)

// CronError reports a cron expression rejected at registration.
type CronError struct {
	Name string
	Expr string
	Err  error
}

func (e *CronError) Error() string {
	if errors.Is(e.Err, ErrNoNextOccurrence) {
		return fmt.Sprintf("Cron expression '%s' for job '%s' does not produce a next occurrence", e.Expr, e.Name)
	}
	return fmt.Sprintf("Invalid cron expression '%s' for job '%s': %v", e.Expr, e.Name, e.Err)
}

func (e *CronError) Unwrap() error {
	return e.Err
}

func Parse(expr string) (cronparser.Schedule, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return schedule, nil
}

// Next returns the first occurrence of expr strictly after from.
// ok is false when expr does not parse or never fires again.
func Next(expr string, from time.Time) (next time.Time, ok bool) {
	schedule, err := Parse(expr)
	if err != nil {
		return time.Time{}, false
	}
	return nextOf(schedule, from)
}

func nextOf(schedule cronparser.Schedule, from time.Time) (time.Time, bool) {
	next := schedule.Next(from.UTC())
	if next.IsZero() || !next.After(from) {
		return time.Time{}, false
	}
	return next, true
}

// Validate parses expr and checks that it yields an occurrence after now.
// Failures are returned as *CronError naming the job.
func Validate(name, expr string, now time.Time) error {
	schedule, err := Parse(expr)
	if err != nil {
		return &CronError{Name: name, Expr: expr, Err: err}
	}
	if _, ok := nextOf(schedule, now); !ok {
		return &CronError{Name: name, Expr: expr, Err: ErrNoNextOccurrence}
	}
	return nil
}
