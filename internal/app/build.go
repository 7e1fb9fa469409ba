package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ent0n29/playground/internal/agent"
	"github.com/ent0n29/playground/internal/audit"
	"github.com/ent0n29/playground/internal/config"
	"github.com/ent0n29/playground/internal/observability"
	"github.com/ent0n29/playground/internal/room"
	"github.com/ent0n29/playground/internal/tools"
	"github.com/ent0n29/playground/internal/tools/weather"
)

type ModelInfo struct {
	Provider string
	Detail   string
}

type BuildResult struct {
	Config  config.Config
	Server  *room.Server
	Hub     *room.Hub
	Worker  *agent.Worker
	Store   audit.Store
	Metrics *observability.Metrics
	Model   ModelInfo

	// Cleanup should be called on shutdown to release external resources (DB pool).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := audit.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("config event store init failed: %w", err)
	}

	registry := tools.NewRegistry(logger)
	weatherClient := weather.NewClient(cfg.WeatherBaseURL, cfg.WeatherHTTPTimeout, logger.Named("weather"))
	if err := registry.Register(weatherClient.Definition()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("register weather tool: %w", err)
	}
	executor := tools.NewExecutor(registry, cfg.ToolTimeout, metrics, logger.Named("tools"))

	setup, err := resolveModelProvider(cfg, metrics, logger.Named("realtime"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	hub := room.NewHub(cfg.RPCResponseTimeout, metrics, logger.Named("room"))
	agentLogger := logger.Named("agent")
	worker := agent.NewWorker(hub, func() *agent.Orchestrator {
		return agent.NewOrchestrator(setup.model, registry, executor, store, metrics, agentLogger, agent.Options{
			Greeting:               cfg.AgentGreeting,
			ParticipantWaitTimeout: cfg.ParticipantWaitTimeout,
		})
	}, agentLogger)

	configEvents := func(ctx context.Context, limit int) (any, error) {
		return store.Recent(ctx, "", limit)
	}
	server := room.NewServer(cfg, hub, worker.Status, configEvents, metrics, logger.Named("http"))

	return &BuildResult{
		Config:  cfg,
		Server:  server,
		Hub:     hub,
		Worker:  worker,
		Store:   store,
		Metrics: metrics,
		Model: ModelInfo{
			Provider: setup.resolvedProvider,
			Detail:   setup.detail,
		},
		Cleanup: store.Close,
	}, nil
}
