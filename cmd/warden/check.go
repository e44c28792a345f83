package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if path == "" {
			path = "(defaults)"
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: ok\n", path)
		fmt.Fprintf(out, "  jobs:      %d\n", len(cfg.Scheduler.Jobs))
		fmt.Fprintf(out, "  storage:   %s\n", cfg.Storage.Driver)
		fmt.Fprintf(out, "  postgres:  %t\n", cfg.Postgres.Enabled)
		fmt.Fprintf(out, "  redis:     %t\n", cfg.Redis.Enabled)
		fmt.Fprintf(out, "  dr:        %t (%d regions)\n", cfg.DR.Enabled(), len(cfg.DR.Regions))
		fmt.Fprintf(out, "  auth:      %t\n", cfg.Server.JWTSecret != "")
		return nil
	},
}
