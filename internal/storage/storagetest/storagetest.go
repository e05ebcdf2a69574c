// Package storagetest holds the behaviour every storage.Provider must share.
package storagetest

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/albachteng/jobengine/internal/clock"
	"github.com/albachteng/jobengine/internal/jobs"
	"github.com/albachteng/jobengine/internal/storage"
)

// Factory builds a fresh, empty provider for one subtest.
type Factory func(t *testing.T, c clock.Clock, logger *slog.Logger) storage.Provider

var Start = time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC)

type env struct {
	clock    *clock.Manual
	recorder *Recorder
	store    storage.Storage
}

func setup(t *testing.T, newProvider Factory) *env {
	t.Helper()

	c := clock.NewManual(Start)
	rec := NewRecorder()
	provider := newProvider(t, c, rec.Logger())
	t.Cleanup(func() { provider.Close() })

	store, err := provider.Storage(context.Background())
	if err != nil {
		t.Fatalf("acquire storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return &env{clock: c, recorder: rec, store: store}
}

func oneShot(id string, due time.Time) jobs.Job {
	return jobs.Job{
		ID:          jobs.JobID(id),
		Name:        "job " + id,
		Data:        jobs.Payload{Type: "echo", Data: []byte(`{"message":"` + id + `"}`)},
		Kind:        jobs.KindDelayed,
		ScheduledAt: due,
		Status:      jobs.StatusScheduled,
	}
}

func recurring(id, cron string, due time.Time) jobs.Job {
	job := oneShot(id, due)
	job.Kind = jobs.KindRecurring
	job.Cron = cron
	return job
}

func mustAdd(t *testing.T, s storage.Storage, job jobs.Job) {
	t.Helper()
	if err := s.Add(context.Background(), job); err != nil {
		t.Fatalf("add %s: %v", job.ID, err)
	}
}

func mustNext(t *testing.T, s storage.Storage) (jobs.Job, bool) {
	t.Helper()
	job, ok, err := s.GetNextJob(context.Background())
	if err != nil {
		t.Fatalf("get next job: %v", err)
	}
	return job, ok
}

func mustList(t *testing.T, s storage.Storage) []jobs.Job {
	t.Helper()
	list, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return list
}

// Run exercises the storage contract against providers built by newProvider.
func Run(t *testing.T, newProvider Factory) {
	ctx := context.Background()

	t.Run("GetNextJob returns earliest due job first", func(t *testing.T) {
		e := setup(t, newProvider)
		mustAdd(t, e.store, oneShot("late", Start.Add(3*time.Second)))
		mustAdd(t, e.store, oneShot("early", Start.Add(1*time.Second)))
		mustAdd(t, e.store, oneShot("middle", Start.Add(2*time.Second)))
		e.clock.Advance(10 * time.Second)

		var order []jobs.JobID
		for {
			job, ok := mustNext(t, e.store)
			if !ok {
				break
			}
			order = append(order, job.ID)
		}

		want := []jobs.JobID{"early", "middle", "late"}
		if len(order) != len(want) {
			t.Fatalf("expected %d jobs, got %v", len(want), order)
		}
		for i := range want {
			if order[i] != want[i] {
				t.Errorf("position %d: expected %s, got %s", i, want[i], order[i])
			}
		}
	})

	t.Run("GetNextJob ignores jobs not strictly before now", func(t *testing.T) {
		e := setup(t, newProvider)
		mustAdd(t, e.store, oneShot("now", Start))
		mustAdd(t, e.store, oneShot("future", Start.Add(time.Minute)))

		if job, ok := mustNext(t, e.store); ok {
			t.Fatalf("expected nothing due, got %s", job.ID)
		}

		e.clock.Advance(time.Nanosecond)
		job, ok := mustNext(t, e.store)
		if !ok || job.ID != "now" {
			t.Fatalf("expected 'now' to be due, got %v (ok=%v)", job.ID, ok)
		}
		if _, ok := mustNext(t, e.store); ok {
			t.Error("future job should not be due yet")
		}
	})

	t.Run("GetNextJob returns each tied job exactly once, earliest added first", func(t *testing.T) {
		e := setup(t, newProvider)
		due := Start.Add(time.Second)
		mustAdd(t, e.store, oneShot("first", due))
		mustAdd(t, e.store, oneShot("second", due))
		mustAdd(t, e.store, oneShot("third", due))
		e.clock.Advance(time.Minute)

		seen := make(map[jobs.JobID]int)
		var order []jobs.JobID
		for {
			job, ok := mustNext(t, e.store)
			if !ok {
				break
			}
			seen[job.ID]++
			order = append(order, job.ID)
		}

		if len(order) != 3 {
			t.Fatalf("expected 3 jobs, got %v", order)
		}
		for id, n := range seen {
			if n != 1 {
				t.Errorf("job %s returned %d times", id, n)
			}
		}
		if order[0] != "first" {
			t.Errorf("expected earliest-added job first, got %s", order[0])
		}
	})

	t.Run("GetNextJob preserves job fields", func(t *testing.T) {
		e := setup(t, newProvider)
		want := recurring("r1", "*/10 * * * * *", Start.Add(9*time.Second))
		mustAdd(t, e.store, want)
		e.clock.Advance(10 * time.Second)

		got, ok := mustNext(t, e.store)
		if !ok {
			t.Fatal("expected a due job")
		}
		if got.ID != want.ID || got.Name != want.Name || got.Kind != want.Kind || got.Cron != want.Cron {
			t.Errorf("expected %+v, got %+v", want, got)
		}
		if !got.ScheduledAt.Equal(want.ScheduledAt) {
			t.Errorf("expected scheduled at %v, got %v", want.ScheduledAt, got.ScheduledAt)
		}
		if got.Data.Type != want.Data.Type || string(got.Data.Data) != string(want.Data.Data) {
			t.Errorf("expected payload %+v, got %+v", want.Data, got.Data)
		}
		if got.Status != jobs.StatusScheduled {
			t.Errorf("expected status scheduled, got %s", got.Status)
		}
	})

	t.Run("Add is idempotent on id", func(t *testing.T) {
		e := setup(t, newProvider)
		mustAdd(t, e.store, oneShot("dup", Start.Add(time.Second)))

		second := oneShot("dup", Start.Add(time.Hour))
		second.Name = "replacement"
		mustAdd(t, e.store, second)

		list := mustList(t, e.store)
		if len(list) != 1 {
			t.Fatalf("expected 1 pending job, got %d", len(list))
		}
		if list[0].Name != "job dup" {
			t.Errorf("expected first registration to win, got %q", list[0].Name)
		}
	})

	t.Run("Remove deletes pending job and ignores unknown ids", func(t *testing.T) {
		e := setup(t, newProvider)
		mustAdd(t, e.store, oneShot("keep", Start.Add(time.Second)))
		mustAdd(t, e.store, oneShot("drop", Start.Add(time.Second)))

		if err := e.store.Remove(ctx, "drop"); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if err := e.store.Remove(ctx, "missing"); err != nil {
			t.Fatalf("remove of unknown id should be a no-op, got %v", err)
		}

		list := mustList(t, e.store)
		if len(list) != 1 || list[0].ID != "keep" {
			t.Errorf("expected only 'keep' to remain, got %v", list)
		}
	})

	t.Run("Remove refuses claimed jobs until released", func(t *testing.T) {
		e := setup(t, newProvider)
		mustAdd(t, e.store, recurring("tick", "*/10 * * * * *", Start))
		e.clock.Advance(time.Second)

		job, ok := mustNext(t, e.store)
		if !ok {
			t.Fatal("expected a due job")
		}
		if err := e.store.Remove(ctx, job.ID); !errors.Is(err, storage.ErrJobClaimed) {
			t.Fatalf("expected ErrJobClaimed, got %v", err)
		}

		if err := e.store.Release(ctx, jobs.NewCompletedJob(job, jobs.StatusSuccessful, e.clock.Now(), nil)); err != nil {
			t.Fatalf("release: %v", err)
		}
		if err := e.store.Remove(ctx, job.ID); err != nil {
			t.Fatalf("remove after release: %v", err)
		}
		if list := mustList(t, e.store); len(list) != 0 {
			t.Errorf("expected nothing pending, got %v", list)
		}
	})

	t.Run("Update replaces the claimed record", func(t *testing.T) {
		e := setup(t, newProvider)
		mustAdd(t, e.store, oneShot("run", Start.Add(time.Second)))
		e.clock.Advance(time.Minute)

		job, ok := mustNext(t, e.store)
		if !ok {
			t.Fatal("expected a due job")
		}

		updated, err := e.store.Update(ctx, job, func(j *jobs.Job) { j.Status = jobs.StatusRunning })
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.Status != jobs.StatusRunning {
			t.Errorf("expected running, got %s", updated.Status)
		}
		if job.Status != jobs.StatusScheduled {
			t.Error("update must not mutate the caller's copy")
		}
		if len(mustList(t, e.store)) != 0 {
			t.Error("claimed job must not reappear in the pending set")
		}
	})

	t.Run("Update of an untracked job fails", func(t *testing.T) {
		e := setup(t, newProvider)

		_, err := e.store.Update(ctx, oneShot("ghost", Start), func(j *jobs.Job) { j.Status = jobs.StatusRunning })
		if !errors.Is(err, storage.ErrJobNotFound) {
			t.Errorf("expected ErrJobNotFound, got %v", err)
		}
	})

	t.Run("Release drops completed one-shot jobs", func(t *testing.T) {
		for _, status := range []jobs.Status{jobs.StatusSuccessful, jobs.StatusFailed} {
			e := setup(t, newProvider)
			mustAdd(t, e.store, oneShot("once", Start.Add(time.Second)))
			e.clock.Advance(time.Minute)

			job, _ := mustNext(t, e.store)
			completed := jobs.NewCompletedJob(job, status, e.clock.Now(), nil)
			if err := e.store.Release(ctx, completed); err != nil {
				t.Fatalf("release: %v", err)
			}

			if list := mustList(t, e.store); len(list) != 0 {
				t.Errorf("%s one-shot job reappeared: %v", status, list)
			}
			if _, ok := mustNext(t, e.store); ok {
				t.Errorf("%s one-shot job returned again", status)
			}
		}
	})

	t.Run("Release reschedules recurring jobs regardless of outcome", func(t *testing.T) {
		for _, status := range []jobs.Status{jobs.StatusSuccessful, jobs.StatusFailed} {
			e := setup(t, newProvider)
			due := Start.Add(9 * time.Second)
			mustAdd(t, e.store, recurring("rec", "*/10 * * * * *", due))
			e.clock.Advance(10 * time.Second)

			job, _ := mustNext(t, e.store)
			completed := jobs.NewCompletedJob(job, status, e.clock.Now(), errors.New("outcome"))
			if err := e.store.Release(ctx, completed); err != nil {
				t.Fatalf("release: %v", err)
			}

			list := mustList(t, e.store)
			if len(list) != 1 {
				t.Fatalf("expected recurring job to be pending again after %s, got %d jobs", status, len(list))
			}
			next := list[0]
			if next.ID != "rec" || next.Cron != job.Cron || next.Name != job.Name {
				t.Errorf("expected same identity, got %+v", next)
			}
			if !next.ScheduledAt.After(due) || !next.ScheduledAt.After(e.clock.Now()) {
				t.Errorf("expected scheduled after %v, got %v", e.clock.Now(), next.ScheduledAt)
			}
			if next.Status != jobs.StatusScheduled {
				t.Errorf("expected status scheduled, got %s", next.Status)
			}
		}
	})

	t.Run("Release drops recurring jobs without a next occurrence and warns", func(t *testing.T) {
		for _, status := range []jobs.Status{jobs.StatusSuccessful, jobs.StatusFailed} {
			e := setup(t, newProvider)
			mustAdd(t, e.store, recurring("never", "0 0 0 30 2 *", Start.Add(time.Second)))
			e.clock.Advance(time.Minute)

			job, _ := mustNext(t, e.store)
			completed := jobs.NewCompletedJob(job, status, e.clock.Now(), nil)
			if err := e.store.Release(ctx, completed); err != nil {
				t.Fatalf("release: %v", err)
			}

			if list := mustList(t, e.store); len(list) != 0 {
				t.Errorf("expected job to be dropped after %s, got %v", status, list)
			}
			if e.recorder.Count(slog.LevelWarn) == 0 {
				t.Errorf("expected a warning after dropping a %s recurring job", status)
			}
		}
	})

	t.Run("List orders pending jobs by due time", func(t *testing.T) {
		e := setup(t, newProvider)
		mustAdd(t, e.store, oneShot("b", Start.Add(2*time.Second)))
		mustAdd(t, e.store, oneShot("a", Start.Add(1*time.Second)))

		list := mustList(t, e.store)
		if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
			t.Errorf("expected [a b], got %v", list)
		}
	})

	t.Run("operations honour a cancelled context", func(t *testing.T) {
		e := setup(t, newProvider)
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		if err := e.store.Add(cancelled, oneShot("x", Start)); err == nil {
			t.Error("expected error from Add with cancelled context")
		}
		if _, _, err := e.store.GetNextJob(cancelled); err == nil {
			t.Error("expected error from GetNextJob with cancelled context")
		}
	})
}
