package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kapixcr/Kapchat-sub000/internal/api"
	"github.com/kapixcr/Kapchat-sub000/internal/scheduler"
)

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			srv := api.NewServer(a.engine, a.store, a.validator, api.Config{
				Addr:                    c.cfg.ListenAddr,
				ExecutionTimeoutMinutes: c.cfg.ExecutionTimeoutMinutes,
			}, a.logger)

			sched := scheduler.NewScheduler(a.store, a.engine, a.audience, scheduler.Config{
				Interval:       c.cfg.SchedulerInterval.Std(),
				ReapSchedule:   c.cfg.ReapSchedule,
				TimeoutMinutes: c.cfg.ExecutionTimeoutMinutes,
			}, a.logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.ListenAndServe(gctx)
			})
			g.Go(func() error {
				if err := sched.Start(gctx); err != nil {
					return err
				}
				<-gctx.Done()
				return sched.Stop()
			})

			err = g.Wait()
			a.logger.Info("kapchat stopped")
			return err
		},
	}

	addConfigFlags(cmd)
	return cmd
}

// addConfigFlags declares the config keys that are only meaningful to
// long-running commands. Values are read back by applyFlags.
func addConfigFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("listen-addr", "", "HTTP listen address")
	f.Int("workers", 0, "Conversations processed in parallel")
	f.Int("max-steps-per-event", 0, "Node steps allowed per inbound event")
	f.Duration("http-action-timeout", 0, "Default http_request action timeout")
	f.Int("execution-timeout-minutes", 0, "Idle minutes before a running execution is paused")
	f.String("reap-schedule", "", "Cron schedule of the timeout reaper")
	f.Duration("scheduler-interval", 0, "Scheduler tick interval")
	f.String("cache-backend", "", "Execution cache: none, memory or redis")
	f.Duration("cache-ttl", 0, "Execution cache entry lifetime")
	f.String("redis-addr", "", "Redis address for the redis cache backend")
	f.String("outbound-url", "", "Callback base URL for outbound messages")
	f.String("state-url", "", "Callback base URL for conversation state changes")
	f.String("audience-url", "", "Callback base URL for scheduled flow audiences")
}
