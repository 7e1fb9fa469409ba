package app

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ent0n29/playground/internal/config"
	"github.com/ent0n29/playground/internal/observability"
	"github.com/ent0n29/playground/internal/realtime"
)

type modelSetup struct {
	model            realtime.Model
	resolvedProvider string
	detail           string
}

func resolveModelProvider(cfg config.Config, metrics *observability.Metrics, logger *zap.Logger) (modelSetup, error) {
	switch cfg.ModelProvider {
	case config.ModelProviderOpenAI, config.ModelProviderAuto, config.ModelProviderMock, "":
	default:
		return modelSetup{}, fmt.Errorf("invalid MODEL_PROVIDER: %q (expected auto|openai|mock)", cfg.ModelProvider)
	}

	if cfg.UseMockModel() {
		detail := "mock"
		if cfg.ModelProvider != config.ModelProviderMock {
			detail = "mock (no OPENAI_API_KEY)"
		}
		return modelSetup{
			model:            realtime.NewMockModel(),
			resolvedProvider: config.ModelProviderMock,
			detail:           detail,
		}, nil
	}

	m := realtime.NewOpenAIModel(realtime.OpenAIConfig{
		URL:          cfg.OpenAIRealtimeURL,
		APIKey:       cfg.OpenAIAPIKey,
		Model:        cfg.OpenAIRealtimeModel,
		DialAttempts: cfg.ModelDialAttempts,
	}, metrics, logger)
	return modelSetup{
		model:            m,
		resolvedProvider: config.ModelProviderOpenAI,
		detail:           "openai realtime (" + cfg.OpenAIRealtimeModel + ")",
	}, nil
}
