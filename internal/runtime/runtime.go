// Package runtime wires configuration, storage, inference, the conversation
// manager and the compaction runner into a running service.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/szaher/convmem/internal/auth"
	"github.com/szaher/convmem/internal/compaction"
	"github.com/szaher/convmem/internal/config"
	"github.com/szaher/convmem/internal/conversation"
	"github.com/szaher/convmem/internal/events"
	"github.com/szaher/convmem/internal/llm"
	"github.com/szaher/convmem/internal/store"
	"github.com/szaher/convmem/internal/telemetry"
)

// Runtime manages the lifecycle of the service.
type Runtime struct {
	cfg           *config.Config
	logger        *slog.Logger
	level         *slog.LevelVar
	metrics       *telemetry.Metrics
	backend       *store.Backend
	conversations *conversation.Manager
	runner        *compaction.Runner
	server        *Server
}

// Options configures the runtime. Zero values select production defaults.
type Options struct {
	Logger *slog.Logger
	// Level, when set, is adjusted on Reload.
	Level *slog.LevelVar
	// LLMClient replaces the provider client derived from the model strings.
	LLMClient llm.Client
	// Backend replaces the store opened from configuration.
	Backend *store.Backend
	Emitter events.Emitter
	Metrics *telemetry.Metrics
}

// New builds a runtime from cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}

	policy, err := conversation.NewPolicy(cfg.Compaction.When)
	if err != nil {
		return nil, err
	}

	chatClient, chatModel := opts.LLMClient, cfg.Model
	summaryClient, summaryModel := opts.LLMClient, cfg.SummarizerModel()
	if opts.LLMClient == nil {
		chatClient, chatModel = llm.NewClientForModel(cfg.Model)
		summaryClient, summaryModel = llm.NewClientForModel(cfg.SummarizerModel())
	} else {
		_, chatModel = llm.ParseModelString(chatModel)
		_, summaryModel = llm.ParseModelString(summaryModel)
	}

	backend := opts.Backend
	if backend == nil {
		backend, err = store.Open(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.SlogEmitter{Logger: logger}
	}

	// The runner writes back through the manager, and the manager submits
	// to the runner.
	var manager *conversation.Manager
	runner := compaction.NewRunner(summaryClient,
		compaction.ApplierFunc(func(ctx context.Context, key, summary string) error {
			return manager.ApplySummary(ctx, key, summary)
		}),
		backend.Jobs,
		compaction.WithModel(summaryModel),
		compaction.WithWorkers(cfg.Compaction.Workers),
		compaction.WithRetry(cfg.Compaction.MaxAttempts, cfg.Compaction.Backoff, cfg.Compaction.MaxBackoff),
		compaction.WithStaleAfter(cfg.Compaction.StaleAfter),
		compaction.WithRetention(cfg.Compaction.Retention),
		compaction.WithEmitter(emitter),
		compaction.WithLogger(logger),
		compaction.WithMetrics(metrics),
	)
	manager = conversation.NewManager(backend.State, chatClient,
		conversation.WithModel(chatModel),
		conversation.WithSubmitter(runner),
		conversation.WithPolicy(policy),
		conversation.WithLogger(logger),
		conversation.WithMetrics(metrics),
	)

	serverOpts := []ServerOption{
		WithLogger(logger),
		WithMetrics(metrics),
		WithJobs(runner),
		WithCORSOrigins(cfg.CORSOrigins),
	}
	if cfg.APIKey != "" {
		serverOpts = append(serverOpts, WithAPIKey(cfg.APIKey))
	}
	limit, err := auth.ParseRateLimit(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	if limit.Enabled() {
		serverOpts = append(serverOpts, WithRateLimit(limit))
	}

	return &Runtime{
		cfg:           cfg,
		logger:        logger,
		level:         opts.Level,
		metrics:       metrics,
		backend:       backend,
		conversations: manager,
		runner:        runner,
		server:        NewServer(manager, serverOpts...),
	}, nil
}

// Conversations returns the conversation manager.
func (rt *Runtime) Conversations() *conversation.Manager {
	return rt.conversations
}

// Runner returns the compaction runner.
func (rt *Runtime) Runner() *compaction.Runner {
	return rt.runner
}

// Server returns the HTTP server.
func (rt *Runtime) Server() *Server {
	return rt.server
}

// StartBackground resumes interrupted compaction jobs and starts the
// periodic resume sweep.
func (rt *Runtime) StartBackground(ctx context.Context) error {
	n, err := rt.runner.Resume(ctx)
	if err != nil {
		rt.logger.Warn("initial compaction resume failed", "error", err)
	} else if n > 0 {
		rt.logger.Info("resumed compaction jobs", "count", n)
	}
	if rt.cfg.Compaction.ResumeSchedule != "" {
		if err := rt.runner.Schedule(rt.cfg.Compaction.ResumeSchedule); err != nil {
			return err
		}
	}
	return nil
}

// Start starts background work and then serves HTTP until Shutdown.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.StartBackground(ctx); err != nil {
		return err
	}
	return rt.server.ListenAndServe(rt.cfg.Listen)
}

// Reload applies the reloadable parts of cfg: log level and compaction
// policy. Other changes need a restart.
func (rt *Runtime) Reload(cfg *config.Config) error {
	policy, err := conversation.NewPolicy(cfg.Compaction.When)
	if err != nil {
		return err
	}
	rt.conversations.SetPolicy(policy)

	if rt.level != nil {
		level, err := telemetry.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		rt.level.Set(level)
	}
	rt.logger.Info("configuration applied", "policy", policy.String(), "log_level", cfg.LogLevel)
	return nil
}

// Shutdown stops the HTTP server, interrupts compaction jobs and closes the
// store.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.logger.Info("shutting down runtime")

	var errs []error
	if err := rt.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown server: %w", err))
	}
	rt.runner.Close()
	if err := rt.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
