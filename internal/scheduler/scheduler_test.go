package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/selivandex/stock-agents/internal/adapters/config"
	"github.com/selivandex/stock-agents/pkg/models"
)

func testConfig() *config.SchedulerConfig {
	return &config.SchedulerConfig{
		MaxConcurrent:   5,
		MaxQueueSize:    100,
		DefaultTimeout:  30 * time.Second,
		MaxRetries:      2,
		RetentionPeriod: 24 * time.Hour,
	}
}

func testRequest(symbol string, priority models.TaskPriority) *models.AnalysisRequest {
	return &models.AnalysisRequest{
		Symbol:   symbol,
		Market:   models.MarketUS,
		Kind:     models.KindFundamentals,
		Priority: priority,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestScheduler_SubmitValidation(t *testing.T) {
	s := New(testConfig())

	tests := []struct {
		name    string
		req     *models.AnalysisRequest
		wantErr bool
	}{
		{"valid US symbol", testRequest("AAPL", models.PriorityNormal), false},
		{"valid CN symbol", &models.AnalysisRequest{Symbol: "000858", Market: models.MarketCNA, Kind: models.KindFundamentals}, false},
		{"missing symbol", &models.AnalysisRequest{Market: models.MarketUS, Kind: models.KindFundamentals}, true},
		{"bad market", &models.AnalysisRequest{Symbol: "AAPL", Market: "XX", Kind: models.KindFundamentals}, true},
		{"bad kind", &models.AnalysisRequest{Symbol: "AAPL", Market: models.MarketUS, Kind: "bogus"}, true},
		{"bad date", &models.AnalysisRequest{Symbol: "AAPL", Market: models.MarketUS, Kind: models.KindFundamentals, AnalysisDate: "2026/01/01"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Submit(tt.req, "analysis")
			if (err != nil) != tt.wantErr {
				t.Errorf("Submit() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestScheduler_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 2
	s := New(cfg)

	for i := 0; i < 2; i++ {
		if _, err := s.Submit(testRequest("AAPL", models.PriorityNormal), "analysis"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	_, err := s.Submit(testRequest("AAPL", models.PriorityNormal), "analysis")
	if err == nil {
		t.Fatal("expected queue full error")
	}
	if models.KindOf(err) != models.ErrUnavailable {
		t.Errorf("expected unavailable error, got %v", models.KindOf(err))
	}
}

func TestScheduler_PriorityOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	s := New(cfg)

	var mu sync.Mutex
	var order []string
	block := make(chan struct{})

	s.RegisterExecutor("analysis", func(ctx context.Context, task *models.WorkflowTask) (*models.AnalysisResult, error) {
		mu.Lock()
		order = append(order, task.Request.Priority.String())
		mu.Unlock()
		<-block
		return &models.AnalysisResult{}, nil
	})

	// Occupy the single slot first
	first, _ := s.Submit(testRequest("OCCUPY", models.PriorityNormal), "analysis")
	ctx := context.Background()
	s.dispatchReady(ctx)
	waitFor(t, time.Second, func() bool { return s.RunningCount() == 1 })

	// Queue the contenders while |RUNNING| = max
	s.Submit(testRequest("LOW", models.PriorityLow), "analysis")
	s.Submit(testRequest("HIGH", models.PriorityHigh), "analysis")
	s.Submit(testRequest("URGENT", models.PriorityUrgent), "analysis")
	s.Submit(testRequest("NORMAL", models.PriorityNormal), "analysis")

	// Drain one at a time
	for i := 0; i < 5; i++ {
		block <- struct{}{}
		waitFor(t, time.Second, func() bool { return s.RunningCount() == 0 })
		s.dispatchReady(ctx)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"normal", "urgent", "high", "normal", "low"}
	if len(order) != len(want) {
		t.Fatalf("got %d executions, want %d: %v", len(order), len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("dispatch %d = %s, want %s (full order %v)", i, order[i], want[i], order)
		}
	}
	_ = first
}

func TestScheduler_ConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 5
	s := New(cfg)

	var current, peak int64
	done := make(chan struct{})

	s.RegisterExecutor("analysis", func(ctx context.Context, task *models.WorkflowTask) (*models.AnalysisResult, error) {
		n := atomic.AddInt64(&current, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		done <- struct{}{}
		return &models.AnalysisResult{}, nil
	})

	for i := 0; i < 12; i++ {
		if _, err := s.Submit(testRequest("AAPL", models.PriorityNormal), "analysis"); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	ctx := context.Background()
	completed := 0
	for completed < 12 {
		s.dispatchReady(ctx)
		select {
		case <-done:
			completed++
		case <-time.After(2 * time.Second):
			t.Fatalf("stalled after %d completions", completed)
		}
	}

	if p := atomic.LoadInt64(&peak); p > 5 {
		t.Errorf("concurrency peak = %d, want <= 5", p)
	}

	waitFor(t, time.Second, func() bool { return s.RunningCount() == 0 })
	m := s.Metrics()
	if m.Completed != 12 {
		t.Errorf("completed = %d, want 12", m.Completed)
	}
}

func TestScheduler_Timeout(t *testing.T) {
	s := New(testConfig())

	timeoutFired := make(chan *models.WorkflowTask, 1)
	s.RegisterCallback(EventTaskTimeout, func(event Event, task *models.WorkflowTask) {
		timeoutFired <- task
	})
	s.events.start()
	defer s.events.stop()

	var invocations int64
	s.RegisterExecutor("analysis", func(ctx context.Context, task *models.WorkflowTask) (*models.AnalysisResult, error) {
		atomic.AddInt64(&invocations, 1)
		select {
		case <-time.After(10 * time.Second):
			return &models.AnalysisResult{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	req := testRequest("AAPL", models.PriorityNormal)
	req.TimeoutSeconds = 1
	id, _ := s.Submit(req, "analysis")

	s.dispatchReady(context.Background())

	select {
	case task := <-timeoutFired:
		if task.ID != id {
			t.Errorf("timeout for wrong task %s", task.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("task_timeout callback not fired")
	}

	snap, err := s.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != models.StatusTimeout {
		t.Errorf("status = %s, want TIMEOUT", snap.Status)
	}
	// No retry on timeout
	time.Sleep(50 * time.Millisecond)
	s.dispatchReady(context.Background())
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt64(&invocations); n != 1 {
		t.Errorf("executor invoked %d times, want 1", n)
	}
}

func TestScheduler_RetryThenFail(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	s := New(cfg)

	var attempts int64
	s.RegisterExecutor("analysis", func(ctx context.Context, task *models.WorkflowTask) (*models.AnalysisResult, error) {
		atomic.AddInt64(&attempts, 1)
		return nil, models.NewError(models.ErrUnavailable, "provider down")
	})

	id, _ := s.Submit(testRequest("AAPL", models.PriorityNormal), "analysis")

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.dispatchReady(ctx)
		waitFor(t, time.Second, func() bool { return s.RunningCount() == 0 })
	}

	snap, _ := s.Get(id)
	if snap.Status != models.StatusFailed {
		t.Fatalf("status = %s, want FAILED", snap.Status)
	}
	if snap.RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2", snap.RetryCount)
	}
	if n := atomic.LoadInt64(&attempts); n != 3 {
		t.Errorf("attempts = %d, want 3 (1 + 2 retries)", n)
	}
}

func TestScheduler_CancelPending(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	s := New(cfg)

	var invoked int64
	s.RegisterExecutor("analysis", func(ctx context.Context, task *models.WorkflowTask) (*models.AnalysisResult, error) {
		atomic.AddInt64(&invoked, 1)
		return &models.AnalysisResult{}, nil
	})

	id, _ := s.Submit(testRequest("AAPL", models.PriorityNormal), "analysis")

	if !s.Cancel(id) {
		t.Fatal("Cancel returned false for pending task")
	}

	snap, _ := s.Get(id)
	if snap.Status != models.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", snap.Status)
	}

	s.dispatchReady(context.Background())
	time.Sleep(20 * time.Millisecond)
	if n := atomic.LoadInt64(&invoked); n != 0 {
		t.Errorf("executor invoked %d times after cancel, want 0", n)
	}

	// Cancelling a terminal task returns false
	if s.Cancel(id) {
		t.Error("Cancel on terminal task returned true")
	}
}

func TestScheduler_CancelRunning(t *testing.T) {
	s := New(testConfig())

	observed := make(chan error, 1)
	s.RegisterExecutor("analysis", func(ctx context.Context, task *models.WorkflowTask) (*models.AnalysisResult, error) {
		<-ctx.Done()
		observed <- ctx.Err()
		return nil, ctx.Err()
	})

	id, _ := s.Submit(testRequest("AAPL", models.PriorityNormal), "analysis")
	s.dispatchReady(context.Background())
	waitFor(t, time.Second, func() bool { return s.RunningCount() == 1 })

	if !s.Cancel(id) {
		t.Fatal("Cancel returned false for running task")
	}

	select {
	case err := <-observed:
		if err != context.Canceled {
			t.Errorf("executor observed %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("executor did not observe cancellation")
	}

	waitFor(t, time.Second, func() bool {
		snap, _ := s.Get(id)
		return snap.Status == models.StatusCancelled
	})

	// Late runner outcome must not overwrite CANCELLED
	time.Sleep(50 * time.Millisecond)
	snap, _ := s.Get(id)
	if snap.Status != models.StatusCancelled {
		t.Errorf("status = %s after runner exit, want CANCELLED", snap.Status)
	}
}

func TestScheduler_DependencyGating(t *testing.T) {
	s := New(testConfig())

	var mu sync.Mutex
	executed := map[string]bool{}
	s.RegisterExecutor("analysis", func(ctx context.Context, task *models.WorkflowTask) (*models.AnalysisResult, error) {
		mu.Lock()
		executed[task.Request.Symbol] = true
		mu.Unlock()
		return &models.AnalysisResult{}, nil
	})

	depID, _ := s.Submit(testRequest("DEP", models.PriorityNormal), "analysis")

	req := testRequest("CHILD", models.PriorityUrgent)
	req.Dependencies = []string{depID}
	childID, _ := s.Submit(req, "analysis")

	ctx := context.Background()

	// First pass: only the dependency may run despite the child's priority
	s.dispatchReady(ctx)
	waitFor(t, time.Second, func() bool { return s.RunningCount() == 0 })

	mu.Lock()
	if executed["CHILD"] {
		t.Fatal("dependent ran before its dependency completed")
	}
	mu.Unlock()

	waitFor(t, time.Second, func() bool {
		snap, _ := s.Get(depID)
		return snap.Status == models.StatusCompleted
	})

	s.dispatchReady(ctx)
	waitFor(t, time.Second, func() bool {
		snap, _ := s.Get(childID)
		return snap.Status == models.StatusCompleted
	})
}

func TestScheduler_FailedDependencyLeavesDependentPending(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0
	s := New(cfg)

	s.RegisterExecutor("analysis", func(ctx context.Context, task *models.WorkflowTask) (*models.AnalysisResult, error) {
		if task.Request.Symbol == "BAD" {
			return nil, models.NewError(models.ErrInternal, "boom")
		}
		return &models.AnalysisResult{}, nil
	})

	depID, _ := s.Submit(testRequest("BAD", models.PriorityNormal), "analysis")
	req := testRequest("CHILD", models.PriorityNormal)
	req.Dependencies = []string{depID}
	childID, _ := s.Submit(req, "analysis")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.dispatchReady(ctx)
		waitFor(t, time.Second, func() bool { return s.RunningCount() == 0 })
	}

	dep, _ := s.Get(depID)
	if dep.Status != models.StatusFailed {
		t.Fatalf("dependency status = %s, want FAILED", dep.Status)
	}
	child, _ := s.Get(childID)
	if child.Status != models.StatusPending {
		t.Errorf("dependent status = %s, want PENDING (never auto-promoted)", child.Status)
	}
}

func TestScheduler_NoExecutorFailsImmediately(t *testing.T) {
	s := New(testConfig())

	id, _ := s.Submit(testRequest("AAPL", models.PriorityNormal), "unknown_kind")
	s.dispatchReady(context.Background())

	snap, _ := s.Get(id)
	if snap.Status != models.StatusFailed {
		t.Errorf("status = %s, want FAILED", snap.Status)
	}
	if snap.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0 (no retry without executor)", snap.RetryCount)
	}
}

func TestScheduler_CallbackOrdering(t *testing.T) {
	s := New(testConfig())
	s.events.start()
	defer s.events.stop()

	var mu sync.Mutex
	var events []Event
	record := func(event Event, task *models.WorkflowTask) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	}
	s.RegisterCallback(EventTaskStarted, record)
	s.RegisterCallback(EventTaskCompleted, record)

	s.RegisterExecutor("analysis", func(ctx context.Context, task *models.WorkflowTask) (*models.AnalysisResult, error) {
		return &models.AnalysisResult{}, nil
	})

	id, _ := s.Submit(testRequest("AAPL", models.PriorityNormal), "analysis")
	s.dispatchReady(context.Background())

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if events[0] != EventTaskStarted || events[1] != EventTaskCompleted {
		t.Errorf("event order = %v, want [task_started task_completed]", events)
	}
	_ = id
}

func TestScheduler_PanicRecovered(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0
	s := New(cfg)

	s.RegisterExecutor("analysis", func(ctx context.Context, task *models.WorkflowTask) (*models.AnalysisResult, error) {
		panic("executor exploded")
	})

	id, _ := s.Submit(testRequest("AAPL", models.PriorityNormal), "analysis")
	s.dispatchReady(context.Background())

	waitFor(t, time.Second, func() bool {
		snap, _ := s.Get(id)
		return snap.Status == models.StatusFailed
	})

	snap, _ := s.Get(id)
	if snap.Error == "" {
		t.Error("expected panic message in task error")
	}
}

func TestEventPipelineEmitAfterStop(t *testing.T) {
	p := newEventPipeline()
	p.start()
	p.stop()

	// A runner outliving the drain deadline must drop its event, not panic
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("emit after stop panicked: %v", r)
		}
	}()
	p.emit(EventTaskCompleted, &models.WorkflowTask{ID: "late-task"})

	// Stop again must be a no-op
	p.stop()
}
