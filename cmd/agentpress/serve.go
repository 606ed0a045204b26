package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kortix-ai/agentpress/internal/agent"
	"github.com/kortix-ai/agentpress/internal/api"
	"github.com/kortix-ai/agentpress/internal/config"
	"github.com/kortix-ai/agentpress/internal/llm"
	"github.com/kortix-ai/agentpress/internal/observability"
	"github.com/kortix-ai/agentpress/internal/pubsub"
	"github.com/kortix-ai/agentpress/internal/run"
	"github.com/kortix-ai/agentpress/internal/store"
	"github.com/kortix-ai/agentpress/internal/tools"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agentpress server",
		Long: `Start the agentpress server.

The server will:
1. Load configuration from the given file (YAML or JSON5)
2. Connect the thread store (Postgres or in-memory)
3. Connect the event broker (Redis or in-process)
4. Initialize the configured LLM provider
5. Mark runs orphaned by a previous process as failed
6. Serve the run API and SSE event streams over HTTP

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to configuration file (YAML or JSON5)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	var cfg *config.Config
	if configPath == "" {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	metrics := observability.NewMetrics()

	st, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	broker, err := buildBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	provider, err := buildProvider(cfg, logger, metrics)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	if err := registry.RegisterAll(&tools.WaitTool{}); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	executor := agent.NewExecutor(registry, agent.ExecutorOptions{
		MaxConcurrency: cfg.Agent.MaxToolConcurrency,
		Timeout:        cfg.Agent.ToolTimeout,
		Logger:         logger,
		Metrics:        metrics,
	})
	processor := agent.NewProcessor(registry, st, executor, logger)

	var contextMgr *agent.ContextManager
	if cfg.Agent.EnableContextManager {
		contextMgr = agent.NewContextManager(provider, cfg.Agent.TokenThreshold, logger)
	}
	manager := agent.NewThreadManager(st, provider, registry, processor, contextMgr, logger)

	supervisor := run.NewSupervisor(run.Options{
		Store:             st,
		Broker:            broker,
		Manager:           manager,
		Metrics:           metrics,
		Logger:            logger,
		RunOptions:        runOptionsFrom(cfg),
		StreamIdleTimeout: cfg.Agent.StreamIdleTimeout,
	})
	if err := supervisor.Restore(ctx); err != nil {
		return fmt.Errorf("restore runs: %w", err)
	}

	server := api.NewServer(api.Config{
		Addr:       fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Supervisor: supervisor,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err := server.Start(); err != nil {
		return err
	}
	logger.Info("agentpress started",
		"version", version,
		"instance_id", supervisor.InstanceID(),
		"provider", provider.Name())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("supervisor shutdown error", "error", err)
	}
	return nil
}

func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		pg := store.DefaultPostgresConfig()
		pg.DSN = cfg.Database.URL
		pg.MaxOpenConns = cfg.Database.MaxConnections
		pg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		st, err := store.NewPostgresStore(pg)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return st, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

func buildBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pubsub.Broker, error) {
	if !cfg.Redis.Enabled {
		return pubsub.NewMemoryBroker(), nil
	}
	broker, err := pubsub.NewRedisBroker(ctx, pubsub.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return broker, nil
}

func buildProvider(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (llm.Provider, error) {
	p := cfg.Provider()
	switch cfg.LLM.DefaultProvider {
	case "openai":
		return llm.NewOpenAIProvider(llm.OpenAIOptions{
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
			Logger:  logger,
			Metrics: metrics,
		}), nil
	default:
		return llm.NewAnthropicProvider(llm.AnthropicOptions{
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
			Logger:  logger,
			Metrics: metrics,
		}), nil
	}
}

func runOptionsFrom(cfg *config.Config) agent.RunThreadOptions {
	strategy := agent.StrategySequential
	if cfg.Agent.ToolStrategy == "parallel" {
		strategy = agent.StrategyParallel
	}
	return agent.RunThreadOptions{
		SystemPrompt: cfg.Agent.SystemPrompt,
		Stream:       true,
		Model:        cfg.Agent.Model,
		Config: agent.ProcessorConfig{
			ExecuteTools:      true,
			NativeToolCalling: cfg.Agent.NativeToolCalling,
			XMLToolCalling:    cfg.Agent.XMLToolCalling,
			ExecuteOnStream:   cfg.Agent.ExecuteOnStream,
			Strategy:          strategy,
			XMLAddingStrategy: agent.XMLResultAsUserMessage,
			MaxXMLToolCalls:   cfg.Agent.MaxXMLToolCalls,
		},
		NativeMaxAutoContinues: cfg.Agent.MaxAutoContinues,
		IncludeXMLExamples:     cfg.Agent.XMLToolCalling,
		EnableContextManager:   cfg.Agent.EnableContextManager,
	}
}
