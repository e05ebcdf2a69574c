// Package config loads the engine's file configuration and exposes the
// fluent registration surface used to assemble an engine in code.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/albachteng/jobengine/internal/cluster"
	"github.com/albachteng/jobengine/internal/jobs"
	"github.com/albachteng/jobengine/internal/logging"
)

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Log           LogConfig          `json:"log"`
	HTTP          HTTPConfig         `json:"http"`
	Storage       StorageConfig      `json:"storage"`
	Cluster       ClusterConfig      `json:"cluster"`
	Sleep         string             `json:"sleep,omitempty"`
	HistorySize   int                `json:"history_size"`
	RecurringJobs []RecurringJobSpec `json:"recurring_jobs,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	File   string `json:"file,omitempty"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
	// RateLimit is the sustained POST /jobs rate per second; 0 disables limiting.
	RateLimit float64 `json:"rate_limit"`
	Burst     int     `json:"burst"`
}

type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`

	// ClaimTimeout is the age after which a sqlite claim left by a dead
	// member is returned to the pending set on startup.
	ClaimTimeout string `json:"claim_timeout,omitempty"`
}

type ClusterConfig struct {
	Enabled  bool   `json:"enabled"`
	LeaseTTL string `json:"lease_ttl,omitempty"`
}

// RecurringJobSpec is a recurring job as written in the config file.
type RecurringJobSpec struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Cron    string `json:"cron"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func Defaults() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatJSON,
		},
		HTTP: HTTPConfig{
			Addr:      ":8080",
			RateLimit: 10,
			Burst:     20,
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
			Path:   "jobengine.db",
		},
		Cluster: ClusterConfig{
			Enabled:  true,
			LeaseTTL: cluster.DefaultLeaseTTL.String(),
		},
		HistorySize: jobs.DefaultHistorySize,
	}
}

// Load reads path over the defaults and validates the result, including
// every recurring job's cron expression.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse decodes data as YAML or JSON, picked by the extension of path.
// Unknown fields are rejected.
func Parse(path string, data []byte) (*Config, error) {
	jb, err := toJSON(path, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg := Defaults()
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidConfig)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if !logging.ValidFormat(c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.HTTP.RateLimit < 0 {
		errs = append(errs, errors.New("http.rate_limit: must be >= 0"))
	}
	if c.HTTP.RateLimit > 0 && c.HTTP.Burst < 1 {
		errs = append(errs, errors.New("http.burst: must be >= 1 when rate limiting"))
	}

	switch strings.ToLower(c.Storage.Driver) {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path: required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	if _, err := ParseDurationField("sleep", c.Sleep); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("storage.claim_timeout", c.Storage.ClaimTimeout); err != nil {
		errs = append(errs, err)
	}
	if ttl, err := ParseDurationField("cluster.lease_ttl", c.Cluster.LeaseTTL); err != nil {
		errs = append(errs, err)
	} else if c.Cluster.Enabled && ttl == 0 && c.Cluster.LeaseTTL != "" {
		errs = append(errs, errors.New("cluster.lease_ttl: must be > 0"))
	}
	if c.HistorySize < 0 {
		errs = append(errs, errors.New("history_size: must be >= 0"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	// Recurring jobs go through the same eager validation as code registration.
	if _, err := c.Configuration(); err != nil {
		return err
	}
	return nil
}

// Configuration builds the fluent registration surface described by c.
func (c *Config) Configuration() (*Configuration, error) {
	conf := NewConfiguration()

	if !c.Cluster.Enabled {
		conf.NoClustering()
	}
	if sleep, _ := ParseDurationField("sleep", c.Sleep); sleep > 0 {
		conf.SetSleepPreference(sleep)
	}
	if strings.EqualFold(c.Storage.Driver, DriverSQLite) {
		conf.UseSQLite(c.Storage.Path)
	}

	for i, spec := range c.RecurringJobs {
		if spec.Type == "" {
			return nil, fmt.Errorf("%w: recurring_jobs[%d]: type is required", ErrInvalidConfig, i)
		}
		payload, err := jobs.NewPayload(jobs.JobType(spec.Type), spec.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: recurring_jobs[%d]: %w", ErrInvalidConfig, i, err)
		}
		if err := conf.AddRecurringJob(spec.Name, jobs.JobID(spec.ID), spec.Cron, payload); err != nil {
			return nil, fmt.Errorf("recurring_jobs[%d]: %w", i, err)
		}
	}

	return conf, nil
}

// LeaseTTL returns the configured lease duration, or the default.
func (c *Config) LeaseTTL() time.Duration {
	ttl, err := ParseDurationOrDefault("cluster.lease_ttl", c.Cluster.LeaseTTL, cluster.DefaultLeaseTTL)
	if err != nil {
		return cluster.DefaultLeaseTTL
	}
	return ttl
}

// Logging converts the log section to a logging.Config.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level, _ = logging.ParseLevel(c.Log.Level)
	if c.Log.Format != "" {
		cfg.Format = strings.ToLower(c.Log.Format)
	}
	cfg.OutputFile = c.Log.File
	return cfg
}
