package sqlite

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/albachteng/jobengine/internal/clock"
	"github.com/albachteng/jobengine/internal/jobs"
	"github.com/albachteng/jobengine/internal/storage"
	"github.com/albachteng/jobengine/internal/storage/storagetest"
)

func openTestProvider(t *testing.T, path string, c clock.Clock) *Provider {
	t.Helper()
	p, err := Open(path, c, nil)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	return p
}

func TestSQLite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, c clock.Clock, logger *slog.Logger) storage.Provider {
		p, err := Open(filepath.Join(t.TempDir(), "jobs.db"), c, logger)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return p
	})
}

func TestProvider(t *testing.T) {
	ctx := context.Background()
	start := storagetest.Start

	t.Run("persists pending jobs across reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "jobs.db")
		c := clock.NewManual(start)

		p := openTestProvider(t, path, c)
		s, _ := p.Storage(ctx)
		payload, _ := jobs.NewPayload("echo", map[string]string{"message": "hi"})
		s.Add(ctx, jobs.Job{
			ID:          "persisted",
			Name:        "persisted job",
			Data:        payload,
			Kind:        jobs.KindDelayed,
			ScheduledAt: start.Add(time.Second),
			Status:      jobs.StatusScheduled,
		})
		s.Close()
		p.Close()

		reopened := openTestProvider(t, path, c)
		defer reopened.Close()
		s, _ = reopened.Storage(ctx)
		defer s.Close()

		list, err := s.List(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 1 || list[0].ID != "persisted" {
			t.Fatalf("expected persisted job, got %v", list)
		}

		var decoded map[string]string
		if err := list[0].Data.Decode(&decoded); err != nil || decoded["message"] != "hi" {
			t.Errorf("payload not preserved: %v %v", decoded, err)
		}
	})

	t.Run("recovers stale claims on open", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "jobs.db")
		c := clock.NewManual(start)

		p := openTestProvider(t, path, c)
		s, _ := p.Storage(ctx)
		s.Add(ctx, jobs.Job{ID: "stuck", Name: "stuck", Kind: jobs.KindImmediate, ScheduledAt: start, Status: jobs.StatusScheduled})
		c.Advance(time.Second)

		job, ok, err := s.GetNextJob(ctx)
		if err != nil || !ok {
			t.Fatalf("expected to claim job, got ok=%v err=%v", ok, err)
		}
		s.Update(ctx, job, func(j *jobs.Job) { j.Status = jobs.StatusRunning })
		s.Close()
		p.Close()

		c.Advance(DefaultClaimTimeout)
		reopened := openTestProvider(t, path, c)
		defer reopened.Close()
		s, _ = reopened.Storage(ctx)
		defer s.Close()

		again, ok, err := s.GetNextJob(ctx)
		if err != nil || !ok {
			t.Fatalf("expected recovered job to be due, got ok=%v err=%v", ok, err)
		}
		if again.ID != "stuck" || again.Status != jobs.StatusScheduled {
			t.Errorf("unexpected recovered job %+v", again)
		}
	})

	t.Run("opening a second provider leaves live claims alone", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "shared.db")
		c := clock.NewManual(start)

		a := openTestProvider(t, path, c)
		defer a.Close()
		sa, _ := a.Storage(ctx)
		defer sa.Close()
		sa.Add(ctx, jobs.Job{ID: "once", Name: "once", Kind: jobs.KindDelayed, ScheduledAt: start, Status: jobs.StatusScheduled})
		sa.Add(ctx, jobs.Job{ID: "tick", Name: "tick", Kind: jobs.KindRecurring, Cron: "*/10 * * * * *", ScheduledAt: start, Status: jobs.StatusScheduled})
		c.Advance(time.Second)

		once, ok, err := sa.GetNextJob(ctx)
		if err != nil || !ok || once.ID != "once" {
			t.Fatalf("expected to claim once, got %+v ok=%v err=%v", once, ok, err)
		}
		tick, ok, err := sa.GetNextJob(ctx)
		if err != nil || !ok || tick.ID != "tick" {
			t.Fatalf("expected to claim tick, got %+v ok=%v err=%v", tick, ok, err)
		}

		b := openTestProvider(t, path, c)
		defer b.Close()
		if a.Owner() == b.Owner() {
			t.Fatalf("expected distinct claim owners, both %q", a.Owner())
		}
		sb, _ := b.Storage(ctx)
		defer sb.Close()
		if _, ok, _ := sb.GetNextJob(ctx); ok {
			t.Fatal("expected claimed jobs to stay claimed after another provider opened")
		}

		c.Advance(time.Second)
		if err := sa.Release(ctx, jobs.NewCompletedJob(once, jobs.StatusSuccessful, c.Now(), nil)); err != nil {
			t.Fatalf("release once: %v", err)
		}
		if err := sa.Release(ctx, jobs.NewCompletedJob(tick, jobs.StatusSuccessful, c.Now(), nil)); err != nil {
			t.Fatalf("release tick: %v", err)
		}

		list, err := sb.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 1 || list[0].ID != "tick" {
			t.Fatalf("expected only the rescheduled tick pending, got %v", list)
		}
		if !list[0].ScheduledAt.After(c.Now()) {
			t.Errorf("expected next tick after %v, got %v", c.Now(), list[0].ScheduledAt)
		}
	})

	t.Run("release completes a job whose claim was recovered", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "shared.db")
		c := clock.NewManual(start)

		a := openTestProvider(t, path, c)
		defer a.Close()
		sa, _ := a.Storage(ctx)
		defer sa.Close()
		sa.Add(ctx, jobs.Job{ID: "slow", Name: "slow", Kind: jobs.KindDelayed, ScheduledAt: start, Status: jobs.StatusScheduled})
		c.Advance(time.Second)
		slow, ok, _ := sa.GetNextJob(ctx)
		if !ok {
			t.Fatal("expected to claim slow")
		}

		c.Advance(2 * time.Minute)
		b, err := Open(path, c, nil, WithClaimTimeout(time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		defer b.Close()

		if err := sa.Release(ctx, jobs.NewCompletedJob(slow, jobs.StatusSuccessful, c.Now(), nil)); err != nil {
			t.Fatalf("release: %v", err)
		}
		sb, _ := b.Storage(ctx)
		defer sb.Close()
		if list, _ := sb.List(ctx); len(list) != 0 {
			t.Errorf("expected completed job gone, got %v", list)
		}
	})

	t.Run("zero claim timeout disables recovery", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "jobs.db")
		c := clock.NewManual(start)

		p := openTestProvider(t, path, c)
		s, _ := p.Storage(ctx)
		s.Add(ctx, jobs.Job{ID: "held", Name: "held", Kind: jobs.KindImmediate, ScheduledAt: start, Status: jobs.StatusScheduled})
		c.Advance(time.Second)
		if _, ok, _ := s.GetNextJob(ctx); !ok {
			t.Fatal("expected to claim held")
		}
		s.Close()
		p.Close()

		c.Advance(24 * time.Hour)
		reopened, err := Open(path, c, nil, WithClaimTimeout(0))
		if err != nil {
			t.Fatal(err)
		}
		defer reopened.Close()
		s, _ = reopened.Storage(ctx)
		defer s.Close()
		if _, ok, _ := s.GetNextJob(ctx); ok {
			t.Error("expected claim to be kept")
		}
	})

	t.Run("migrates databases without claim owners", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "legacy.db")
		db, err := sql.Open("sqlite3", path)
		if err != nil {
			t.Fatal(err)
		}
		_, err = db.Exec(`
			CREATE TABLE jobs (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL,
				kind TEXT NOT NULL,
				cron TEXT,
				payload_type TEXT NOT NULL,
				payload BLOB,
				scheduled_at INTEGER NOT NULL,
				status TEXT NOT NULL DEFAULT 'scheduled',
				claimed INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL
			);
			INSERT INTO jobs (id, name, kind, payload_type, scheduled_at, status, claimed, created_at)
			VALUES ('old', 'old', 'immediate', 'echo', 0, 'running', 1, 0);
		`)
		db.Close()
		if err != nil {
			t.Fatal(err)
		}

		c := clock.NewManual(start)
		p := openTestProvider(t, path, c)
		defer p.Close()
		s, _ := p.Storage(ctx)
		defer s.Close()

		job, ok, err := s.GetNextJob(ctx)
		if err != nil || !ok || job.ID != "old" {
			t.Fatalf("expected unattributed claim recovered, got %+v ok=%v err=%v", job, ok, err)
		}
	})

	t.Run("storage handle holds a connection until closed", func(t *testing.T) {
		p := openTestProvider(t, filepath.Join(t.TempDir(), "jobs.db"), clock.NewManual(start))
		defer p.Close()

		s, err := p.Storage(ctx)
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if inUse := p.DB().Stats().InUse; inUse != 1 {
			t.Errorf("expected 1 connection in use, got %d", inUse)
		}

		s.Close()
		if inUse := p.DB().Stats().InUse; inUse != 0 {
			t.Errorf("expected connection to be released, got %d in use", inUse)
		}
	})

	t.Run("default sleep", func(t *testing.T) {
		p := openTestProvider(t, filepath.Join(t.TempDir(), "jobs.db"), nil)
		defer p.Close()
		if p.Sleep() != DefaultSleep {
			t.Errorf("expected %v, got %v", DefaultSleep, p.Sleep())
		}
	})
}
