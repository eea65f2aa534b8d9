package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/szaher/convmem/internal/config"
)

func newServeCmd() *cobra.Command {
	var (
		listen      string
		watch       bool
		gracePeriod time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run background compaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, logger, err := openRuntime(ctx, cfg)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return rt.Start(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracePeriod)
				defer shutdownCancel()
				return rt.Shutdown(shutdownCtx)
			})
			if watch && configFile != "" {
				g.Go(func() error {
					return config.Watch(gctx, configFile, logger, func(next *config.Config) {
						if logLevel != "" {
							next.LogLevel = logLevel
						}
						if err := rt.Reload(next); err != nil {
							logger.Warn("config reload rejected", "error", err)
						}
					})
				})
			}

			err = g.Wait()
			logger.Info("convmem stopped")
			return err
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Override the listen address")
	cmd.Flags().BoolVar(&watch, "watch", true, "Reload log level and compaction policy when the config file changes")
	cmd.Flags().DurationVar(&gracePeriod, "grace-period", 10*time.Second, "Time allowed for in-flight requests on shutdown")

	return cmd
}
