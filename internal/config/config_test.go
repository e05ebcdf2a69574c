package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/albachteng/jobengine/internal/clock"
	"github.com/albachteng/jobengine/internal/cluster"
	"github.com/albachteng/jobengine/internal/jobs"
	"github.com/albachteng/jobengine/internal/trigger"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("yaml file over defaults", func(t *testing.T) {
		path := writeFile(t, "engine.yaml", `
log:
  level: debug
  format: text
storage:
  driver: sqlite
  path: /tmp/jobs.db
sleep: 2s
recurring_jobs:
  - id: cleanup
    name: Nightly cleanup
    cron: "0 0 3 * * *"
    type: log
    payload:
      message: sweeping
      retries: 3
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("load: %v", err)
		}

		if cfg.HTTP.Addr != ":8080" {
			t.Errorf("expected default addr, got %q", cfg.HTTP.Addr)
		}
		if cfg.Log.Format != "text" || cfg.Logging().Level != slog.LevelDebug {
			t.Errorf("unexpected log config: %+v", cfg.Log)
		}

		conf, err := cfg.Configuration()
		if err != nil {
			t.Fatal(err)
		}
		if conf.SQLitePath() != "/tmp/jobs.db" {
			t.Errorf("expected sqlite path, got %q", conf.SQLitePath())
		}
		if conf.SleepPreference() != 2*time.Second {
			t.Errorf("expected 2s sleep, got %v", conf.SleepPreference())
		}
		if !conf.Clustering() {
			t.Error("expected clustering enabled by default")
		}

		recurring := conf.RecurringJobs()
		if len(recurring) != 1 {
			t.Fatalf("expected 1 recurring job, got %d", len(recurring))
		}
		rj := recurring[0]
		if rj.ID != "cleanup" || rj.Name != "Nightly cleanup" || rj.Data.Type != "log" {
			t.Errorf("unexpected recurring job: %+v", rj)
		}
		var payload struct {
			Message string `json:"message"`
			Retries int    `json:"retries"`
		}
		if err := rj.Data.Decode(&payload); err != nil {
			t.Fatal(err)
		}
		if payload.Message != "sweeping" || payload.Retries != 3 {
			t.Errorf("unexpected payload: %+v", payload)
		}
	})

	t.Run("json file", func(t *testing.T) {
		path := writeFile(t, "engine.json", `{"cluster":{"enabled":false},"history_size":5}`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		conf, err := cfg.Configuration()
		if err != nil {
			t.Fatal(err)
		}
		if conf.Clustering() {
			t.Error("expected clustering disabled")
		}
		if cfg.HistorySize != 5 {
			t.Errorf("expected history size 5, got %d", cfg.HistorySize)
		}
	})

	t.Run("invalid cron fails load with the job name", func(t *testing.T) {
		path := writeFile(t, "engine.yaml", `
recurring_jobs:
  - id: broken
    name: Broken report
    cron: "*/5 * * * *"
    type: log
`)
		_, err := Load(path)
		if !errors.Is(err, trigger.ErrInvalidCron) {
			t.Fatalf("expected ErrInvalidCron, got %v", err)
		}
		for _, want := range []string{"Invalid cron expression", "Broken report"} {
			if !strings.Contains(err.Error(), want) {
				t.Errorf("expected %q in %q", want, err.Error())
			}
		}
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		path := writeFile(t, "engine.yaml", "storage:\n  drvier: sqlite\n")
		if _, err := Load(path); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("expected ErrInvalidConfig, got %v", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Fatal("expected error for missing file")
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.driver"},
		{"sqlite without path", func(c *Config) { c.Storage.Driver = "sqlite"; c.Storage.Path = "" }, "storage.path"},
		{"bad sleep", func(c *Config) { c.Sleep = "soon" }, "sleep"},
		{"bad claim timeout", func(c *Config) { c.Storage.ClaimTimeout = "forever" }, "storage.claim_timeout"},
		{"negative history", func(c *Config) { c.HistorySize = -1 }, "history_size"},
		{"zero lease", func(c *Config) { c.Cluster.LeaseTTL = "0s" }, "cluster.lease_ttl"},
		{"burst without room", func(c *Config) { c.HTTP.Burst = 0 }, "http.burst"},
		{"recurring job without type", func(c *Config) {
			c.RecurringJobs = []RecurringJobSpec{{ID: "a", Name: "A", Cron: "@hourly"}}
		}, "type is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in %q", tt.want, err.Error())
			}
		})
	}

	t.Run("defaults are valid", func(t *testing.T) {
		if err := Defaults().Validate(); err != nil {
			t.Fatalf("expected defaults to validate, got %v", err)
		}
		if Defaults().LeaseTTL() != cluster.DefaultLeaseTTL {
			t.Errorf("expected default lease ttl")
		}
	})
}

func TestConfiguration(t *testing.T) {
	payload := jobs.Payload{Type: "log"}

	t.Run("accepts six-field and descriptor expressions", func(t *testing.T) {
		conf := NewConfiguration()
		if err := conf.AddRecurringJob("Every ten seconds", "ten", "*/10 * * * * *", payload); err != nil {
			t.Fatal(err)
		}
		if err := conf.AddRecurringJob("Hourly", "hourly", "@hourly", payload); err != nil {
			t.Fatal(err)
		}
		if len(conf.RecurringJobs()) != 2 {
			t.Errorf("expected 2 jobs, got %d", len(conf.RecurringJobs()))
		}
	})

	t.Run("rejects invalid cron eagerly", func(t *testing.T) {
		conf := NewConfiguration()
		err := conf.AddRecurringJob("Five field job", "five", "0 * * * *", payload)
		if !errors.Is(err, trigger.ErrInvalidCron) {
			t.Fatalf("expected ErrInvalidCron, got %v", err)
		}
		if !strings.Contains(err.Error(), "Invalid cron expression") || !strings.Contains(err.Error(), "Five field job") {
			t.Errorf("unexpected message %q", err.Error())
		}
		if len(conf.RecurringJobs()) != 0 {
			t.Error("rejected job must not be registered")
		}
	})

	t.Run("rejects expressions that never fire", func(t *testing.T) {
		conf := NewConfiguration().WithClock(clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
		err := conf.AddRecurringJob("Leap", "leap", "0 0 0 30 2 *", payload)
		if !errors.Is(err, trigger.ErrNoNextOccurrence) {
			t.Fatalf("expected ErrNoNextOccurrence, got %v", err)
		}
	})

	t.Run("rejects duplicate ids", func(t *testing.T) {
		conf := NewConfiguration()
		if err := conf.AddRecurringJob("A", "same", "@daily", payload); err != nil {
			t.Fatal(err)
		}
		if err := conf.AddRecurringJob("B", "same", "@daily", payload); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("expected duplicate id to be rejected, got %v", err)
		}
	})

	t.Run("fluent options", func(t *testing.T) {
		conf := NewConfiguration().NoClustering().SetSleepPreference(3 * time.Second).UseSQLite("jobs.db")
		if conf.Clustering() || conf.SleepPreference() != 3*time.Second || conf.SQLitePath() != "jobs.db" {
			t.Errorf("options not applied: clustering=%v sleep=%v path=%q",
				conf.Clustering(), conf.SleepPreference(), conf.SQLitePath())
		}
	})

	t.Run("returned slice is a copy", func(t *testing.T) {
		conf := NewConfiguration()
		_ = conf.AddRecurringJob("A", "a", "@daily", payload)
		list := conf.RecurringJobs()
		list[0].Name = "changed"
		if conf.RecurringJobs()[0].Name != "A" {
			t.Error("expected registration to be unaffected")
		}
	})
}
