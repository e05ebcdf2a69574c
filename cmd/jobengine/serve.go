package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/albachteng/jobengine/internal/logging"
	"github.com/albachteng/jobengine/internal/shutdown"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			logger, logCloser := logging.NewWithWriter(cfg.Logging(), cmd.OutOrStdout())
			defer logCloser.Close()

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", cfg.HTTP.Addr)
			if err != nil {
				a.provider.Close()
				return err
			}
			httpSrv := &http.Server{
				Handler:           a.api.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			mgr := shutdown.NewManagerWithTimeout(context.Background(), shutdown.DefaultTimeout, logger)
			engineDone := make(chan struct{})

			_ = mgr.RegisterTask("http", httpSrv.Shutdown)
			_ = mgr.RegisterTask("engine", func(ctx context.Context) error {
				select {
				case <-engineDone:
				case <-ctx.Done():
					return ctx.Err()
				}
				return a.engine.Stop(ctx)
			})
			_ = mgr.RegisterTask("storage", func(context.Context) error {
				return a.provider.Close()
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				defer close(engineDone)
				return a.engine.Run(gctx)
			})
			g.Go(func() error {
				logger.Info("http server listening", "addr", ln.Addr().String())
				if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				mgr.Shutdown()
				return nil
			})

			runErr := g.Wait()
			mgr.Wait()
			return errors.Join(runErr, mgr.Err())
		},
	}
}
