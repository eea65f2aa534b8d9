// Package main is the entry point for the convmem service and its
// operator commands.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/szaher/convmem/internal/config"
	"github.com/szaher/convmem/internal/runtime"
	"github.com/szaher/convmem/internal/telemetry"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configFile string
	logLevel   string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "convmem",
		Short: "Conversational memory service with background compaction",
		Long: `convmem keeps a bounded conversation history per user, answers chat
turns through an inference provider, and compacts long histories into a
rolling summary with a checkpointed background job.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newSummaryCmd())
	root.AddCommand(newJobsCmd())
	root.AddCommand(newMCPCmd())

	return root
}

// loadConfig reads the config file and applies the --log-level override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// openRuntime builds a runtime whose logger writes JSON to stderr.
func openRuntime(ctx context.Context, cfg *config.Config) (*runtime.Runtime, *slog.Logger, error) {
	level, err := telemetry.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(level)
	logger := telemetry.NewLogger(os.Stderr, levelVar)

	rt, err := runtime.New(ctx, cfg, runtime.Options{Logger: logger, Level: levelVar})
	if err != nil {
		return nil, nil, err
	}
	return rt, logger, nil
}

func main() {
	_ = godotenv.Load()

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
