package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type JobID string

// NewJobID returns a fresh identifier for one-shot jobs.
func NewJobID() JobID {
	return JobID(uuid.NewString())
}

func (id JobID) String() string {
	return string(id)
}

// JobType is the tag used to route a payload to its handler.
type JobType string

// Payload is the opaque job data. Only Type is interpreted by the engine.
type Payload struct {
	Type JobType         `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewPayload(jobType JobType, v any) (Payload, error) {
	if jobType == "" {
		return Payload{}, fmt.Errorf("%w: empty type", ErrInvalidPayload)
	}
	if v == nil {
		return Payload{Type: jobType}, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	return Payload{Type: jobType, Data: data}, nil
}

// Decode unmarshals the payload data into v.
func (p Payload) Decode(v any) error {
	if len(p.Data) == 0 {
		return fmt.Errorf("%w: no data for %s", ErrInvalidPayload, p.Type)
	}
	if err := json.Unmarshal(p.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

type Kind string

const (
	KindImmediate Kind = "immediate"
	KindDelayed   Kind = "delayed"
	KindRecurring Kind = "recurring"
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusRunning    Status = "running"
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
)

// Job is a persisted scheduling unit. Cron is set only for KindRecurring.
type Job struct {
	ID          JobID     `json:"id"`
	Name        string    `json:"name"`
	Data        Payload   `json:"data"`
	Kind        Kind      `json:"kind"`
	Cron        string    `json:"cron,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      Status    `json:"status"`
}

func (j Job) IsRecurring() bool {
	return j.Cron != ""
}

// CompletedJob is the outcome of one execution. Message is empty on success.
type CompletedJob struct {
	Job
	CompletedAt time.Time `json:"completed_at"`
	Message     string    `json:"message,omitempty"`
}

func NewCompletedJob(job Job, status Status, completedAt time.Time, err error) CompletedJob {
	job.Status = status
	completed := CompletedJob{
		Job:         job,
		CompletedAt: completedAt,
	}
	if err != nil {
		completed.Message = err.Error()
	}
	return completed
}

// Succeeded reports whether the job finished with StatusSuccessful.
func (c CompletedJob) Succeeded() bool {
	return c.Status == StatusSuccessful
}

// RecurringJob is a registration-time descriptor scheduled once at engine startup.
type RecurringJob struct {
	ID   JobID
	Name string
	Cron string
	Data Payload
}
