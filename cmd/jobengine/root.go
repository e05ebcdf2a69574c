package main

import (
	"github.com/spf13/cobra"

	"github.com/albachteng/jobengine/internal/config"
)

type rootFlags struct {
	configPath string
	addr       string
	logLevel   string
	logFormat  string
	logFile    string
	dbPath     string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:          "jobengine",
		Short:        "Leader-gated job scheduling engine",
		Long:         "jobengine runs immediate, delayed and cron-recurring jobs, executing them only on the cluster leader.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to a YAML or JSON config file")
	root.PersistentFlags().StringVar(&flags.addr, "addr", "", "HTTP listen address (overrides http.addr)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format (json, text)")
	root.PersistentFlags().StringVar(&flags.logFile, "log-file", "", "Also write logs to this rotated file")
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", "Use SQLite storage at this path")

	root.AddCommand(
		newServeCmd(flags),
		newValidateCmd(flags),
	)

	return root
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg := config.Defaults()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if flags.addr != "" {
		cfg.HTTP.Addr = flags.addr
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}
	if flags.logFile != "" {
		cfg.Log.File = flags.logFile
	}
	if flags.dbPath != "" {
		cfg.Storage.Driver = config.DriverSQLite
		cfg.Storage.Path = flags.dbPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
