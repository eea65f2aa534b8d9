package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/convmem/internal/mcpserver"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve conversation tools over MCP on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, _, err := openRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Shutdown(context.Background())

			if err := rt.StartBackground(ctx); err != nil {
				return err
			}
			return mcpserver.ServeStdio(ctx, mcpserver.New(rt.Conversations(), version))
		},
	}
}
