package main

import (
	"github.com/spf13/cobra"

	kapchatmcp "github.com/kapixcr/Kapchat-sub000/pkg/mcp"
)

func (c *cli) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tool server over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol, so logs go to stderr.
			a, err := newApp(cmd.Context(), c.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			srv := kapchatmcp.NewKapchatServer(kapchatmcp.KapchatServerDeps{
				Engine:         a.engine,
				Store:          a.store,
				Logger:         a.logger,
				TimeoutMinutes: c.cfg.ExecutionTimeoutMinutes,
			})
			return srv.Serve(cmd.Context())
		},
	}
}
