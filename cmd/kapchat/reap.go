package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (c *cli) reapCmd() *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Pause running executions idle longer than the timeout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if minutes <= 0 {
				minutes = c.cfg.ExecutionTimeoutMinutes
			}
			a, err := newApp(cmd.Context(), c.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.engine.CleanupTimedOutExecutions(cmd.Context(), minutes)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "paused %d execution(s) idle for more than %d minute(s)\n", n, minutes)
			return nil
		},
	}
	cmd.Flags().IntVar(&minutes, "timeout-minutes", 0, "Idle minutes (default: execution_timeout_minutes)")
	return cmd
}
