package llm

import (
	"context"

	"github.com/selivandex/stock-agents/internal/adapters/config"
	"github.com/selivandex/stock-agents/pkg/models"
)

const dashscopeAPIURL = "https://dashscope.aliyuncs.com/compatible-mode/v1/chat/completions"

// DashScopeAdapter serves Alibaba Qwen models through DashScope's
// OpenAI-compatible endpoint. The go-to choice for Chinese-language tasks.
type DashScopeAdapter struct {
	compat  *openAICompat
	enabled bool
}

// NewDashScopeAdapter creates the DashScope adapter
func NewDashScopeAdapter(cfg *config.LLMProviderConfig) *DashScopeAdapter {
	apiURL := dashscopeAPIURL
	if cfg.BaseURL != "" {
		apiURL = cfg.BaseURL
	}
	return &DashScopeAdapter{
		compat:  newOpenAICompat("dashscope", apiURL, cfg.APIKey),
		enabled: cfg.APIKey != "",
	}
}

func (a *DashScopeAdapter) Name() string { return "dashscope" }

func (a *DashScopeAdapter) IsEnabled() bool { return a.enabled }

func (a *DashScopeAdapter) Models() []models.ModelInfo {
	return []models.ModelInfo{
		{
			Name: "qwen-max", Provider: "dashscope",
			ContextSize: 32000, CostPer1K: 0.0034,
			SupportsCN: true, SupportsTool: true, Healthy: a.enabled,
		},
		{
			Name: "qwen-plus", Provider: "dashscope",
			ContextSize: 131072, CostPer1K: 0.0004,
			SupportsCN: true, SupportsTool: true, Healthy: a.enabled,
		},
	}
}

func (a *DashScopeAdapter) HealthCheck(ctx context.Context) error {
	if !a.enabled {
		return models.NewError(models.ErrAuth, "dashscope key not configured")
	}
	return nil
}

func (a *DashScopeAdapter) Complete(ctx context.Context, model string, req *models.CompletionRequest) (*models.Completion, error) {
	if !a.enabled {
		return nil, models.NewError(models.ErrAuth, "dashscope not configured")
	}
	return a.compat.complete(ctx, model, req)
}

func (a *DashScopeAdapter) Stream(ctx context.Context, model string, req *models.CompletionRequest, fn StreamFunc) error {
	if !a.enabled {
		return models.NewError(models.ErrAuth, "dashscope not configured")
	}
	return a.compat.stream(ctx, model, req, fn)
}
