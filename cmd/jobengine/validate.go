package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/albachteng/jobengine/internal/trigger"
)

func newValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and list its recurring jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			conf, err := cfg.Configuration()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			now := time.Now().UTC()
			recurring := conf.RecurringJobs()
			fmt.Fprintf(out, "config ok: %d recurring job(s), storage %s\n", len(recurring), cfg.Storage.Driver)
			for _, rj := range recurring {
				next, _ := trigger.Next(rj.Cron, now)
				fmt.Fprintf(out, "  %s (%s) %q type=%s next=%s\n",
					rj.Name, rj.ID, rj.Cron, rj.Data.Type, next.Format(time.RFC3339))
			}
			return nil
		},
	}
}
