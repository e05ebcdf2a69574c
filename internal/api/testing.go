package api

import (
	"context"
	"log/slog"
	"os"

	"github.com/albachteng/jobengine/internal/clock"
	"github.com/albachteng/jobengine/internal/cluster"
	"github.com/albachteng/jobengine/internal/jobs"
	"github.com/albachteng/jobengine/internal/scheduler"
	"github.com/albachteng/jobengine/internal/storage"
)

// NewTestServer wires a server over provider with an "echo" handler, a
// standalone cluster and a ten-entry history.
func NewTestServer(provider storage.Provider, c clock.Clock) *Server {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))

	registry := jobs.NewRegistry()
	registry.MustRegister("echo", jobs.HandlerFunc(func(ctx context.Context, p jobs.Payload) error {
		return nil
	}))

	srv := NewServer(
		scheduler.New(provider, c, logger),
		provider,
		registry,
		jobs.NewHistory(10),
		cluster.NewStandalone(),
		logger,
	)
	if c != nil {
		srv.Clock = c
	}
	return srv
}
