package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/selivandex/stock-agents/internal/adapters/llm"
	"github.com/selivandex/stock-agents/internal/scheduler"
	"github.com/selivandex/stock-agents/pkg/models"
)

type fakeScheduler struct {
	tasks      map[string]*models.WorkflowTask
	submitted  []*models.AnalysisRequest
	queueLen   int
	cancelable bool
}

func (f *fakeScheduler) Submit(req *models.AnalysisRequest, kind string) (string, error) {
	if req.Symbol == "" {
		return "", models.NewError(models.ErrValidation, "symbol is required")
	}
	f.submitted = append(f.submitted, req)
	return "task-1", nil
}

func (f *fakeScheduler) Get(taskID string) (*models.WorkflowTask, error) {
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "task not found")
	}
	return task, nil
}

func (f *fakeScheduler) List(filter scheduler.ListFilter) []*models.WorkflowTask {
	out := []*models.WorkflowTask{}
	for _, task := range f.tasks {
		if filter.Symbol != "" && task.Request.Symbol != filter.Symbol {
			continue
		}
		out = append(out, task)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

func (f *fakeScheduler) Cancel(taskID string) bool { return f.cancelable }

func (f *fakeScheduler) Metrics() scheduler.Metrics {
	return scheduler.Metrics{MaxConcurrent: 2, AvgExecTime: 30 * time.Second}
}

func (f *fakeScheduler) QueueLength() int            { return f.queueLen }
func (f *fakeScheduler) Start(ctx context.Context) error { return nil }
func (f *fakeScheduler) Stop(deadline time.Duration) {}

type fakeMonitor struct {
	system *models.SystemMetrics
	alerts []models.Alert
}

func (f *fakeMonitor) SystemSnapshot() *models.SystemMetrics { return f.system }
func (f *fakeMonitor) PerformanceSnapshot() *models.PerformanceMetrics {
	return &models.PerformanceMetrics{Throughput: 1.5}
}
func (f *fakeMonitor) Alerts(activeOnly bool) []models.Alert {
	if activeOnly {
		out := []models.Alert{}
		for _, a := range f.alerts {
			if a.ResolvedAt == nil {
				out = append(out, a)
			}
		}
		return out
	}
	return f.alerts
}

type fakeLLM struct {
	chunks []string
}

func (f *fakeLLM) Models() []models.ModelInfo {
	return []models.ModelInfo{{Name: "gpt-4o-mini", Provider: "openai", Healthy: true}}
}

func (f *fakeLLM) Complete(ctx context.Context, req *models.CompletionRequest) (*models.Completion, error) {
	return &models.Completion{Content: "answer", Model: "gpt-4o-mini"}, nil
}

func (f *fakeLLM) Stream(ctx context.Context, req *models.CompletionRequest, fn llm.StreamFunc) error {
	for _, chunk := range f.chunks {
		if err := fn(models.StreamDelta{Delta: chunk}); err != nil {
			return err
		}
	}
	return fn(models.StreamDelta{Done: true})
}

type fakeData struct{}

func (f *fakeData) Get(ctx context.Context, query *models.DataQuery) (*models.CachedEntry, error) {
	if query.Symbol == "MISSING" {
		return nil, models.NewError(models.ErrNotFound, "no data for symbol")
	}
	return &models.CachedEntry{
		Payload:   &models.DataRecordSet{},
		Source:    models.SourceTag("test"),
		FetchedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func newTestServer(sched *fakeScheduler) *Server {
	return New(0, Deps{
		Scheduler: sched,
		Monitor:   &fakeMonitor{},
		LLM:       &fakeLLM{chunks: []string{"hel", "lo"}},
		Data:      &fakeData{},
		Health: func(ctx context.Context) map[string]string {
			return map[string]string{"database": "ok", "redis": "ok"}
		},
	})
}

func TestSubmitAndStatusFlow(t *testing.T) {
	now := time.Now()
	sched := &fakeScheduler{
		queueLen: 4,
		tasks: map[string]*models.WorkflowTask{
			"task-1": {
				ID:        "task-1",
				Status:    models.StatusCompleted,
				CreatedAt: now,
				Result:    &models.AnalysisResult{Symbol: "AAPL"},
			},
		},
	}
	srv := httptest.NewServer(newTestServer(sched).Handler())
	defer srv.Close()

	body := strings.NewReader(`{"symbol":"AAPL","market":"US","analysis_kind":"fundamentals"}`)
	resp, err := http.Post(srv.URL+"/analysis/submit?priority=high", "application/json", body)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	var submitted submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if submitted.TaskID != "task-1" {
		t.Errorf("task_id = %q", submitted.TaskID)
	}
	// 4 queued / 2 concurrent * 30s avg
	if submitted.EstimatedWaitSeconds != 60 {
		t.Errorf("estimated wait = %d, want 60", submitted.EstimatedWaitSeconds)
	}
	if sched.submitted[0].Priority != models.PriorityHigh {
		t.Errorf("priority = %v, want high", sched.submitted[0].Priority)
	}

	statusResp, err := http.Get(srv.URL + "/analysis/status/task-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer statusResp.Body.Close()
	var status statusResponse
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != models.StatusCompleted || status.Result == nil {
		t.Errorf("status = %+v, want completed with result", status)
	}
}

func TestStatusNotFoundMapsTo404(t *testing.T) {
	srv := httptest.NewServer(newTestServer(&fakeScheduler{tasks: map[string]*models.WorkflowTask{}}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/analysis/status/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Kind != string(models.ErrNotFound) {
		t.Errorf("kind = %q", body.Kind)
	}
}

func TestCancelTerminalTaskRejected(t *testing.T) {
	srv := httptest.NewServer(newTestServer(&fakeScheduler{cancelable: false}).Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/analysis/cancel/task-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSubmitInvalidPriorityRejected(t *testing.T) {
	srv := httptest.NewServer(newTestServer(&fakeScheduler{}).Handler())
	defer srv.Close()

	body := strings.NewReader(`{"symbol":"AAPL","market":"US","analysis_kind":"fundamentals"}`)
	resp, err := http.Post(srv.URL+"/analysis/submit?priority=extreme", "application/json", body)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestListTasksFiltersBySymbol(t *testing.T) {
	sched := &fakeScheduler{tasks: map[string]*models.WorkflowTask{
		"t1": {ID: "t1", Request: models.AnalysisRequest{Symbol: "AAPL"}},
		"t2": {ID: "t2", Request: models.AnalysisRequest{Symbol: "0700.HK"}},
	}}
	srv := httptest.NewServer(newTestServer(sched).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/workflow/tasks?symbol=AAPL")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 {
		t.Errorf("count = %d, want 1", body.Count)
	}
}

func TestListTasksRejectsBadLimit(t *testing.T) {
	srv := httptest.NewServer(newTestServer(&fakeScheduler{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/workflow/tasks?limit=zero")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSystemMetricsUnavailableBeforeFirstSample(t *testing.T) {
	srv := httptest.NewServer(newTestServer(&fakeScheduler{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/workflow/metrics/system")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestChatCompletions(t *testing.T) {
	srv := httptest.NewServer(newTestServer(&fakeScheduler{}).Handler())
	defer srv.Close()

	body := strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`)
	resp, err := http.Post(srv.URL+"/llm/chat/completions", "application/json", body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var completion models.Completion
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if completion.Content != "answer" {
		t.Errorf("content = %q", completion.Content)
	}
}

func TestChatCompletionsStreamSSE(t *testing.T) {
	srv := httptest.NewServer(newTestServer(&fakeScheduler{}).Handler())
	defer srv.Close()

	body := strings.NewReader(`{"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	resp, err := http.Post(srv.URL+"/llm/chat/completions", "application/json", body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	var deltas []models.StreamDelta
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var delta models.StreamDelta
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &delta); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		deltas = append(deltas, delta)
	}
	if len(deltas) != 3 {
		t.Fatalf("frames = %d, want 3", len(deltas))
	}
	if deltas[0].Delta+deltas[1].Delta != "hello" {
		t.Errorf("streamed %q%q", deltas[0].Delta, deltas[1].Delta)
	}
	if !deltas[2].Done {
		t.Error("final frame not marked done")
	}
}

func TestChatCompletionsEmptyMessagesRejected(t *testing.T) {
	srv := httptest.NewServer(newTestServer(&fakeScheduler{}).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/llm/chat/completions", "application/json", strings.NewReader(`{"messages":[]}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUsageStatsDisabled(t *testing.T) {
	srv := httptest.NewServer(newTestServer(&fakeScheduler{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/llm/usage/stats")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestDataEndpointValidation(t *testing.T) {
	srv := httptest.NewServer(newTestServer(&fakeScheduler{}).Handler())
	defer srv.Close()

	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown category", "/data/astrology?symbol=AAPL&market=US", http.StatusBadRequest},
		{"missing symbol", "/data/price_data?market=US", http.StatusBadRequest},
		{"bad market", "/data/price_data?symbol=AAPL&market=MARS", http.StatusBadRequest},
		{"ok", "/data/price_data?symbol=AAPL&market=US", http.StatusOK},
		{"source miss", "/data/price_data?symbol=MISSING&market=US", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestHealthDegraded(t *testing.T) {
	s := New(0, Deps{
		Scheduler: &fakeScheduler{},
		Monitor:   &fakeMonitor{},
		LLM:       &fakeLLM{},
		Data:      &fakeData{},
		Health: func(ctx context.Context) map[string]string {
			return map[string]string{"database": "ok", "redis": "connection refused"}
		},
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}
