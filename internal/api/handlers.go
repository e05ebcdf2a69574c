package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/albachteng/jobengine/internal/jobs"
	"github.com/albachteng/jobengine/internal/storage"
	"github.com/albachteng/jobengine/internal/trigger"
)

func (s *Server) HandleSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if !s.Registry.Has(req.Type) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown job type: %s", req.Type))
		return
	}
	if req.Name == "" {
		req.Name = string(req.Type)
	}

	t, err := s.buildTrigger(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload := jobs.Payload{Type: req.Type, Data: req.Payload}
	job, ok, err := s.Scheduler.ScheduleJob(r.Context(), req.Name, payload, t)
	if err != nil {
		s.Logger.Error("failed to schedule job", "job_name", req.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to schedule job")
		return
	}
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "job has no next execution time")
		return
	}

	s.Logger.Info("job scheduled",
		"job_id", job.ID,
		"job_name", job.Name,
		"job_kind", job.Kind)

	writeJSON(w, http.StatusCreated, ScheduleResponse{
		JobID:       job.ID,
		Status:      string(job.Status),
		ScheduledAt: job.ScheduledAt,
	})
}

func (s *Server) buildTrigger(req ScheduleRequest) (trigger.Trigger, error) {
	switch req.Trigger.Kind {
	case "", jobs.KindImmediate:
		return trigger.Immediate(), nil
	case jobs.KindDelayed:
		if req.Trigger.At == nil {
			return trigger.Trigger{}, errors.New("trigger.at is required for delayed jobs")
		}
		return trigger.Delayed(req.Trigger.At.UTC()), nil
	case jobs.KindRecurring:
		if req.Trigger.ID == "" {
			return trigger.Trigger{}, errors.New("trigger.id is required for recurring jobs")
		}
		// A cron that parses but never fires reaches the scheduler, which
		// declines it.
		err := trigger.Validate(req.Name, req.Trigger.Cron, s.Clock.Now())
		if err != nil && !errors.Is(err, trigger.ErrNoNextOccurrence) {
			return trigger.Trigger{}, err
		}
		return trigger.Recurring(req.Trigger.ID, req.Trigger.Cron), nil
	default:
		return trigger.Trigger{}, fmt.Errorf("unknown trigger kind: %s", req.Trigger.Kind)
	}
}

func (s *Server) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	store, err := s.Provider.Storage(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer store.Close()

	list, err := store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, list)
}

func (s *Server) HandleRemoveJob(w http.ResponseWriter, r *http.Request) {
	id := jobs.JobID(chi.URLParam(r, "id"))

	store, err := s.Provider.Storage(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer store.Close()

	if err := store.Remove(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrJobClaimed) {
			writeError(w, http.StatusConflict, "job is executing; retry after it completes")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.Logger.Info("job removed", "job_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleHistory lists recent completions, newest first. ?status= filters.
func (s *Server) HandleHistory(w http.ResponseWriter, r *http.Request) {
	list := []jobs.CompletedJob{}
	if s.History != nil {
		if status := r.URL.Query().Get("status"); status != "" {
			list = s.History.ListByStatus(jobs.Status(status))
		} else {
			list = s.History.List()
		}
	}
	if list == nil {
		list = []jobs.CompletedJob{}
	}

	writeJSON(w, http.StatusOK, list)
}

func (s *Server) HandleCluster(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ClusterResponse{Leader: s.Cluster.IsLeader()})
}

func HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK\n")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
