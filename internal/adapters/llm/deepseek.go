package llm

import (
	"context"

	"github.com/selivandex/stock-agents/internal/adapters/config"
	"github.com/selivandex/stock-agents/pkg/models"
)

const deepseekAPIURL = "https://api.deepseek.com/v1/chat/completions"

// DeepSeekAdapter serves DeepSeek chat and reasoner models. Strong Chinese
// coverage at a fraction of GPT pricing, so it leads most CN-A routing.
type DeepSeekAdapter struct {
	compat  *openAICompat
	enabled bool
}

// NewDeepSeekAdapter creates the DeepSeek adapter
func NewDeepSeekAdapter(cfg *config.LLMProviderConfig) *DeepSeekAdapter {
	apiURL := deepseekAPIURL
	if cfg.BaseURL != "" {
		apiURL = cfg.BaseURL
	}
	return &DeepSeekAdapter{
		compat:  newOpenAICompat("deepseek", apiURL, cfg.APIKey),
		enabled: cfg.APIKey != "",
	}
}

func (a *DeepSeekAdapter) Name() string { return "deepseek" }

func (a *DeepSeekAdapter) IsEnabled() bool { return a.enabled }

func (a *DeepSeekAdapter) Models() []models.ModelInfo {
	return []models.ModelInfo{
		{
			Name: "deepseek-chat", Provider: "deepseek",
			ContextSize: 64000, CostPer1K: 0.0002,
			SupportsCN: true, SupportsTool: true, Healthy: a.enabled,
		},
		{
			Name: "deepseek-reasoner", Provider: "deepseek",
			ContextSize: 64000, CostPer1K: 0.0012,
			SupportsCN: true, SupportsTool: false, Healthy: a.enabled,
		},
	}
}

func (a *DeepSeekAdapter) HealthCheck(ctx context.Context) error {
	if !a.enabled {
		return models.NewError(models.ErrAuth, "deepseek key not configured")
	}
	return nil
}

func (a *DeepSeekAdapter) Complete(ctx context.Context, model string, req *models.CompletionRequest) (*models.Completion, error) {
	if !a.enabled {
		return nil, models.NewError(models.ErrAuth, "deepseek not configured")
	}
	return a.compat.complete(ctx, model, req)
}

func (a *DeepSeekAdapter) Stream(ctx context.Context, model string, req *models.CompletionRequest, fn StreamFunc) error {
	if !a.enabled {
		return models.NewError(models.ErrAuth, "deepseek not configured")
	}
	return a.compat.stream(ctx, model, req, fn)
}
