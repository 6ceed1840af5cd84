package llmrouter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/selivandex/stock-agents/internal/adapters/config"
	"github.com/selivandex/stock-agents/internal/adapters/llm"
	"github.com/selivandex/stock-agents/pkg/models"
)

type fakeAdapter struct {
	name    string
	models  []models.ModelInfo
	enabled bool

	mu        sync.Mutex
	calls     []string
	err       error
	streamErr error
	chunks    []string
}

func (f *fakeAdapter) Name() string              { return f.name }
func (f *fakeAdapter) IsEnabled() bool           { return f.enabled }
func (f *fakeAdapter) Models() []models.ModelInfo { return f.models }

func (f *fakeAdapter) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeAdapter) Complete(ctx context.Context, model string, req *models.CompletionRequest) (*models.Completion, error) {
	f.mu.Lock()
	f.calls = append(f.calls, model)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &models.Completion{
		Content:  "analysis from " + model,
		Model:    model,
		Usage:    models.TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
		Duration: 10 * time.Millisecond,
	}, nil
}

func (f *fakeAdapter) Stream(ctx context.Context, model string, req *models.CompletionRequest, fn llm.StreamFunc) error {
	f.mu.Lock()
	f.calls = append(f.calls, model)
	f.mu.Unlock()
	for _, c := range f.chunks {
		if err := fn(models.StreamDelta{Delta: c}); err != nil {
			return err
		}
	}
	if f.streamErr != nil {
		return f.streamErr
	}
	return fn(models.StreamDelta{Done: true})
}

type captureMeter struct {
	mu      sync.Mutex
	records []*models.UsageRecord
}

func (c *captureMeter) Record(r *models.UsageRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

func llmConfig() *config.LLMConfig {
	return &config.LLMConfig{
		DefaultModel:       "auto",
		DefaultTemperature: 0.7,
		DefaultMaxTokens:   2000,
	}
}

func gptAdapter() *fakeAdapter {
	return &fakeAdapter{
		name:    "openai",
		enabled: true,
		models: []models.ModelInfo{
			{Name: "gpt-4o", Provider: "openai", CostPer1K: 0.0075, Healthy: true},
			{Name: "gpt-4o-mini", Provider: "openai", CostPer1K: 0.0004, Healthy: true},
		},
	}
}

func deepseekAdapter() *fakeAdapter {
	return &fakeAdapter{
		name:    "deepseek",
		enabled: true,
		models: []models.ModelInfo{
			{Name: "deepseek-chat", Provider: "deepseek", CostPer1K: 0.0002, Healthy: true},
		},
	}
}

func TestPinnedModel(t *testing.T) {
	gpt := gptAdapter()
	ds := deepseekAdapter()
	r := NewRouter(llmConfig(), []llm.Adapter{gpt, ds}, nil)

	completion, err := r.Complete(context.Background(), &models.CompletionRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
		Model:    "deepseek-chat",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completion.Model != "deepseek-chat" {
		t.Errorf("pinned model ignored, got %s", completion.Model)
	}
	if len(gpt.calls) != 0 {
		t.Errorf("pinned request hit other provider: %v", gpt.calls)
	}
}

func TestPinnedModelUnknown(t *testing.T) {
	r := NewRouter(llmConfig(), []llm.Adapter{gptAdapter()}, nil)

	_, err := r.Complete(context.Background(), &models.CompletionRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
		Model:    "gpt-99",
	})
	if models.KindOf(err) != models.ErrNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestTaskRouting(t *testing.T) {
	gpt := gptAdapter()
	ds := deepseekAdapter()
	r := NewRouter(llmConfig(), []llm.Adapter{gpt, ds}, nil)

	completion, err := r.Complete(context.Background(), &models.CompletionRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "analyze 600519"}},
		TaskType: models.TaskStockAnalysis,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	// deepseek-chat leads the stock_analysis candidate list
	if completion.Model != "deepseek-chat" {
		t.Errorf("expected deepseek-chat, got %s", completion.Model)
	}
}

func TestFailoverOnRetriableError(t *testing.T) {
	gpt := gptAdapter()
	ds := deepseekAdapter()
	ds.err = models.NewError(models.ErrRateLimit, "quota")
	r := NewRouter(llmConfig(), []llm.Adapter{gpt, ds}, nil)

	completion, err := r.Complete(context.Background(), &models.CompletionRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "analyze"}},
		TaskType: models.TaskStockAnalysis,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completion.Model != "gpt-4o" {
		t.Errorf("expected failover to gpt-4o, got %s", completion.Model)
	}
}

func TestValidationErrorStopsFailover(t *testing.T) {
	gpt := gptAdapter()
	ds := deepseekAdapter()
	ds.err = models.NewError(models.ErrValidation, "bad request")
	r := NewRouter(llmConfig(), []llm.Adapter{gpt, ds}, nil)

	_, err := r.Complete(context.Background(), &models.CompletionRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "analyze"}},
		TaskType: models.TaskStockAnalysis,
	})
	if models.KindOf(err) != models.ErrValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(gpt.calls) != 0 {
		t.Errorf("validation error still failed over: %v", gpt.calls)
	}
}

func TestAllModelsFail(t *testing.T) {
	gpt := gptAdapter()
	gpt.err = models.NewError(models.ErrUnavailable, "down")
	ds := deepseekAdapter()
	ds.err = models.NewError(models.ErrUnavailable, "down")
	r := NewRouter(llmConfig(), []llm.Adapter{gpt, ds}, nil)

	_, err := r.Complete(context.Background(), &models.CompletionRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "analyze"}},
		TaskType: models.TaskGeneral,
	})
	if models.KindOf(err) != models.ErrUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestNoProvidersConfigured(t *testing.T) {
	disabled := &fakeAdapter{name: "openai", enabled: false}
	r := NewRouter(llmConfig(), []llm.Adapter{disabled}, nil)

	_, err := r.Complete(context.Background(), &models.CompletionRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if models.KindOf(err) != models.ErrUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestUsageMetered(t *testing.T) {
	meter := &captureMeter{}
	r := NewRouter(llmConfig(), []llm.Adapter{gptAdapter()}, meter)

	_, err := r.Complete(context.Background(), &models.CompletionRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
		Model:    "gpt-4o",
		UserID:   "u1",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if len(meter.records) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(meter.records))
	}
	rec := meter.records[0]
	if rec.TotalTokens != 150 || rec.UserID != "u1" {
		t.Errorf("unexpected record: %+v", rec)
	}
	wantCost := 150.0 / 1000.0 * 0.0075
	if rec.Cost < wantCost-1e-9 || rec.Cost > wantCost+1e-9 {
		t.Errorf("cost = %f, want %f", rec.Cost, wantCost)
	}
}

func TestStreamFailoverBeforeFirstChunk(t *testing.T) {
	gpt := gptAdapter()
	gpt.chunks = []string{"hello", " world"}
	ds := deepseekAdapter()
	ds.streamErr = models.NewError(models.ErrUnavailable, "down")
	r := NewRouter(llmConfig(), []llm.Adapter{gpt, ds}, nil)

	var got []string
	err := r.Stream(context.Background(), &models.CompletionRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "analyze"}},
		TaskType: models.TaskStockAnalysis,
	}, func(delta models.StreamDelta) error {
		if delta.Delta != "" {
			got = append(got, delta.Delta)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected chunks from fallback model, got %v", got)
	}
}

func TestStreamNoFailoverAfterChunks(t *testing.T) {
	gpt := gptAdapter()
	ds := deepseekAdapter()
	ds.chunks = []string{"partial"}
	ds.streamErr = models.NewError(models.ErrUnavailable, "cut off")
	r := NewRouter(llmConfig(), []llm.Adapter{gpt, ds}, nil)

	err := r.Stream(context.Background(), &models.CompletionRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "analyze"}},
		TaskType: models.TaskStockAnalysis,
	}, func(delta models.StreamDelta) error { return nil })
	if err == nil {
		t.Fatal("expected mid-stream error to surface")
	}
	if len(gpt.calls) != 0 {
		t.Errorf("mid-stream failure must not fail over, calls: %v", gpt.calls)
	}
}
