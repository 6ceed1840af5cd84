package llmrouter

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/selivandex/stock-agents/internal/adapters/config"
	"github.com/selivandex/stock-agents/internal/adapters/llm"
	"github.com/selivandex/stock-agents/pkg/logger"
	"github.com/selivandex/stock-agents/pkg/models"
)

// taskCandidates orders models per task: primaries first, fallbacks after.
// Models absent at runtime (provider not configured) are skipped.
var taskCandidates = map[models.TaskType][]string{
	models.TaskFinancialAnalysis: {"gpt-4o", "claude-sonnet-4-5", "deepseek-chat", "qwen-plus"},
	models.TaskStockAnalysis:     {"deepseek-chat", "gpt-4o", "qwen-plus", "gpt-4o-mini"},
	models.TaskToolCalling:       {"gpt-4o", "gpt-4o-mini", "qwen-max"},
	models.TaskDataExtraction:    {"gpt-4o-mini", "deepseek-chat", "qwen-plus"},
	models.TaskReasoning:         {"deepseek-reasoner", "claude-sonnet-4-5", "gpt-4o"},
	models.TaskChinese:           {"qwen-max", "deepseek-chat", "qwen-plus", "claude-sonnet-4-5"},
	models.TaskGeneral:           {"gpt-4o-mini", "deepseek-chat", "qwen-plus"},
}

type modelRef struct {
	adapter llm.Adapter
	info    models.ModelInfo
}

// Meter receives one record per completed call; implementations must not
// block the request path.
type Meter interface {
	Record(record *models.UsageRecord)
}

// Router picks a model for each request and fails over across providers.
// Retriable failures (rate limit, timeout, outage) move to the next
// candidate; validation and auth errors surface immediately.
type Router struct {
	mu       sync.RWMutex
	adapters []llm.Adapter
	index    map[string]modelRef
	cfg      *config.LLMConfig
	meter    Meter
}

// NewRouter indexes every model of every enabled adapter
func NewRouter(cfg *config.LLMConfig, adapters []llm.Adapter, meter Meter) *Router {
	r := &Router{
		adapters: adapters,
		index:    make(map[string]modelRef),
		cfg:      cfg,
		meter:    meter,
	}
	for _, a := range adapters {
		if !a.IsEnabled() {
			continue
		}
		for _, info := range a.Models() {
			r.index[info.Name] = modelRef{adapter: a, info: info}
		}
	}

	logger.Info("🧠 LLM router initialized",
		zap.Int("adapters", len(adapters)),
		zap.Int("models", len(r.index)),
	)
	return r
}

// Models lists every routable model
func (r *Router) Models() []models.ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ModelInfo, 0, len(r.index))
	for _, ref := range r.index {
		out = append(out, ref.info)
	}
	return out
}

// Providers lists adapter health for the status endpoint
func (r *Router) Providers() map[string]bool {
	out := make(map[string]bool, len(r.adapters))
	for _, a := range r.adapters {
		out[a.Name()] = a.IsEnabled()
	}
	return out
}

// Complete routes a blocking completion
func (r *Router) Complete(ctx context.Context, req *models.CompletionRequest) (*models.Completion, error) {
	r.applyDefaults(req)

	candidates, err := r.candidates(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, name := range candidates {
		ref := r.index[name]
		completion, err := ref.adapter.Complete(ctx, name, req)
		if err != nil {
			lastErr = err
			if !models.IsRetriable(err) || ctx.Err() != nil {
				return nil, err
			}
			logger.Warn("model call failed, trying next candidate",
				zap.String("model", name),
				zap.String("provider", ref.adapter.Name()),
				zap.Error(err),
			)
			continue
		}

		r.record(ref, req, completion, false)
		return completion, nil
	}

	return nil, models.WrapError(models.ErrUnavailable,
		fmt.Sprintf("all %d candidate models failed for task %s", len(candidates), req.TaskType), lastErr)
}

// Stream routes a streamed completion. Failover applies only before the
// first chunk reaches the caller; once tokens flow, errors surface as-is.
func (r *Router) Stream(ctx context.Context, req *models.CompletionRequest, fn llm.StreamFunc) error {
	r.applyDefaults(req)

	candidates, err := r.candidates(req)
	if err != nil {
		return err
	}

	var lastErr error
	for _, name := range candidates {
		ref := r.index[name]

		started := false
		chunks := 0
		wrapped := func(delta models.StreamDelta) error {
			started = true
			if delta.Delta != "" {
				chunks++
			}
			return fn(delta)
		}

		err := ref.adapter.Stream(ctx, name, req, wrapped)
		if err != nil {
			lastErr = err
			if started || !models.IsRetriable(err) || ctx.Err() != nil {
				return err
			}
			logger.Warn("stream failed before first chunk, trying next candidate",
				zap.String("model", name),
				zap.Error(err),
			)
			continue
		}

		r.record(ref, req, &models.Completion{Model: name}, true)
		return nil
	}

	return models.WrapError(models.ErrUnavailable,
		fmt.Sprintf("all %d candidate models failed for task %s", len(candidates), req.TaskType), lastErr)
}

// candidates resolves the ordered model list for one request
func (r *Router) candidates(req *models.CompletionRequest) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Pinned model bypasses routing entirely
	if req.Model != "" && req.Model != "auto" {
		if _, ok := r.index[req.Model]; !ok {
			return nil, models.NewError(models.ErrNotFound,
				fmt.Sprintf("model %s is not available", req.Model))
		}
		return []string{req.Model}, nil
	}

	task := req.TaskType
	if task == "" {
		task = models.TaskGeneral
	}

	ordered := make([]string, 0, len(r.index))
	seen := make(map[string]bool, len(r.index))
	for _, name := range taskCandidates[task] {
		if _, ok := r.index[name]; ok && !seen[name] {
			ordered = append(ordered, name)
			seen[name] = true
		}
	}
	// Any remaining model is a last-ditch candidate
	for name := range r.index {
		if !seen[name] {
			ordered = append(ordered, name)
			seen[name] = true
		}
	}

	if len(ordered) == 0 {
		return nil, models.NewError(models.ErrUnavailable, "no LLM providers configured")
	}
	return ordered, nil
}

func (r *Router) applyDefaults(req *models.CompletionRequest) {
	if req.Temperature == 0 {
		req.Temperature = r.cfg.DefaultTemperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = r.cfg.DefaultMaxTokens
	}
	if req.Model == "" {
		req.Model = r.cfg.DefaultModel
	}
}

func (r *Router) record(ref modelRef, req *models.CompletionRequest, completion *models.Completion, streamed bool) {
	if r.meter == nil {
		return
	}
	usage := completion.Usage
	r.meter.Record(&models.UsageRecord{
		UserID:           req.UserID,
		Model:            completion.Model,
		TaskType:         req.TaskType,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		Cost:             float64(usage.TotalTokens) / 1000.0 * ref.info.CostPer1K,
		Duration:         completion.Duration,
		Timestamp:        timeNow(),
	})
}
