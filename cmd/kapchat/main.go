package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// cli carries the configuration shared by every subcommand.
type cli struct {
	cfg          Config
	settingsFile string
	envFile      string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "kapchat",
		Short:         "Conversational flow engine for chat helpdesks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setupConfig(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.settingsFile, "config", settingsPath(), "Path to settings.json")
	pf.StringVar(&c.envFile, "env-file", ".env", "Path to a .env file")
	pf.String("db-path", "", "Path to the libSQL database file")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("log-format", "", "Log format: text or json")

	root.AddCommand(
		c.initCmd(),
		c.serveCmd(),
		c.migrateCmd(),
		c.flowsCmd(),
		c.reapCmd(),
		c.mcpCmd(),
		versionCmd(),
	)
	return root
}

func (c *cli) setupConfig(cmd *cobra.Command) error {
	cfg, err := loadConfig(c.settingsFile, c.envFile)
	if err != nil {
		return err
	}
	if err := applyFlags(&cfg, cmd.Flags()); err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	c.cfg = cfg
	return nil
}
