package api

import (
	"encoding/json"
	"time"

	"github.com/albachteng/jobengine/internal/jobs"
)

type ScheduleRequest struct {
	Name    string          `json:"name"`
	Type    jobs.JobType    `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Trigger TriggerRequest  `json:"trigger"`
}

// TriggerRequest selects when a job runs. Kind defaults to immediate; At is
// required for delayed jobs, ID and Cron for recurring ones.
type TriggerRequest struct {
	Kind jobs.Kind  `json:"kind,omitempty"`
	At   *time.Time `json:"at,omitempty"`
	ID   jobs.JobID `json:"id,omitempty"`
	Cron string     `json:"cron,omitempty"`
}

type ScheduleResponse struct {
	JobID       jobs.JobID `json:"job_id"`
	Status      string     `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"`
}

type ClusterResponse struct {
	Leader bool `json:"leader"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
