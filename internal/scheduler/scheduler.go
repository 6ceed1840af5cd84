package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/selivandex/stock-agents/internal/adapters/config"
	"github.com/selivandex/stock-agents/pkg/logger"
	"github.com/selivandex/stock-agents/pkg/models"
)

// ExecutorFunc turns a task into a result. It must observe ctx cancellation
// at every suspension point.
type ExecutorFunc func(ctx context.Context, task *models.WorkflowTask) (*models.AnalysisResult, error)

// ListFilter narrows List results
type ListFilter struct {
	Symbol string
	Status models.TaskStatus
	Limit  int
}

// Metrics are scheduler counters exposed to the monitor and the API
type Metrics struct {
	TotalTasks     int           `json:"total_tasks"`
	Pending        int           `json:"pending"`
	Running        int           `json:"running"`
	Completed      int           `json:"completed"`
	Failed         int           `json:"failed"`
	Cancelled      int           `json:"cancelled"`
	TimedOut       int           `json:"timed_out"`
	AvgExecTime    time.Duration `json:"avg_execution_time"`
	SuccessRate    float64       `json:"success_rate"` // percent
	QueueCapacity  int           `json:"queue_capacity"`
	MaxConcurrent  int           `json:"max_concurrent"`
}

// Scheduler is a priority-ordered, concurrency-limited task queue with
// retries, timeouts, dependency resolution and lifecycle callbacks.
// It owns the canonical task table; every task leaving the lock is a clone.
type Scheduler struct {
	cfg *config.SchedulerConfig

	mu        sync.Mutex
	tasks     map[string]*models.WorkflowTask
	pending   []string // task ids, dispatch order decided at dispatch time
	running   map[string]context.CancelFunc
	executors map[string]ExecutorFunc
	submitSeq map[string]uint64
	nextSeq   uint64

	execTimeSum   time.Duration
	execTimeCount int

	events *eventPipeline

	loopCancel context.CancelFunc
	loopDone   chan struct{}
	runnersWG  sync.WaitGroup
	started    bool
}

// New creates a scheduler
func New(cfg *config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		tasks:     make(map[string]*models.WorkflowTask),
		running:   make(map[string]context.CancelFunc),
		executors: make(map[string]ExecutorFunc),
		submitSeq: make(map[string]uint64),
		events:    newEventPipeline(),
	}
}

// RegisterExecutor registers the function that runs tasks of a kind
func (s *Scheduler) RegisterExecutor(kind string, fn ExecutorFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[kind] = fn
}

// RegisterCallback registers a lifecycle callback. Callbacks run on the
// single-threaded event pipeline and must not block; offload slow work.
func (s *Scheduler) RegisterCallback(event Event, fn CallbackFunc) {
	s.events.register(event, fn)
}

// Submit validates and enqueues a request, returning the task id
func (s *Scheduler) Submit(req *models.AnalysisRequest, kind string) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) >= s.cfg.MaxQueueSize {
		return "", models.NewError(models.ErrUnavailable, "queue full")
	}

	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = int(s.cfg.DefaultTimeout.Seconds())
	}

	task := &models.WorkflowTask{
		ID:           uuid.New().String(),
		Kind:         kind,
		Request:      *req,
		Status:       models.StatusPending,
		CreatedAt:    time.Now(),
		MaxRetries:   s.cfg.MaxRetries,
		Dependencies: append([]string(nil), req.Dependencies...),
	}
	task.Request.TimeoutSeconds = timeout

	s.tasks[task.ID] = task
	s.pending = append(s.pending, task.ID)
	s.nextSeq++
	s.submitSeq[task.ID] = s.nextSeq

	logger.Debug("task submitted",
		zap.String("task_id", task.ID),
		zap.String("symbol", req.Symbol),
		zap.String("kind", kind),
		zap.String("priority", req.Priority.String()),
	)

	return task.ID, nil
}

// Get returns an immutable snapshot of a task
func (s *Scheduler) Get(taskID string) (*models.WorkflowTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, fmt.Sprintf("task %s not found", taskID))
	}
	return task.Clone(), nil
}

// List returns snapshots matching the filter, newest first
func (s *Scheduler) List(filter ListFilter) []*models.WorkflowTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 200
	}

	out := make([]*models.WorkflowTask, 0)
	for _, task := range s.tasks {
		if filter.Symbol != "" && task.Request.Symbol != filter.Symbol {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		out = append(out, task.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Cancel cancels a pending or running task. Returns false for terminal or
// unknown tasks.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok || task.Status.IsTerminal() {
		return false
	}

	switch task.Status {
	case models.StatusPending:
		s.removePending(taskID)
		s.finishLocked(task, models.StatusCancelled, nil, "cancelled before dispatch")
		return true
	case models.StatusRunning:
		// Mark first so a later runner outcome is ignored, then signal
		task.Status = models.StatusCancelled
		now := time.Now()
		task.CompletedAt = &now
		task.Error = "cancelled while running"
		if cancel, ok := s.running[taskID]; ok {
			cancel()
		}
		return true
	}
	return false
}

// Metrics returns scheduler counters
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := Metrics{
		QueueCapacity: s.cfg.MaxQueueSize,
		MaxConcurrent: s.cfg.MaxConcurrent,
	}
	for _, task := range s.tasks {
		m.TotalTasks++
		switch task.Status {
		case models.StatusPending:
			m.Pending++
		case models.StatusRunning:
			m.Running++
		case models.StatusCompleted:
			m.Completed++
		case models.StatusFailed:
			m.Failed++
		case models.StatusCancelled:
			m.Cancelled++
		case models.StatusTimeout:
			m.TimedOut++
		}
	}
	if s.execTimeCount > 0 {
		m.AvgExecTime = s.execTimeSum / time.Duration(s.execTimeCount)
	}
	finished := m.Completed + m.Failed + m.TimedOut
	if finished > 0 {
		m.SuccessRate = float64(m.Completed) / float64(finished) * 100
	}
	return m
}

// QueueLength returns the current pending count
func (s *Scheduler) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// RunningCount returns the current running count
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Start launches the scheduler loop and the event pipeline
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.loopCancel = cancel
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	s.events.start()
	go s.loop(loopCtx)

	logger.Info("🚀 Workflow scheduler started",
		zap.Int("max_concurrent", s.cfg.MaxConcurrent),
		zap.Int("queue_capacity", s.cfg.MaxQueueSize),
	)
	return nil
}

// Stop is graceful: no new dispatches, running tasks get cancellation
// signals, then wait up to the deadline before giving up.
func (s *Scheduler) Stop(deadline time.Duration) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.loopCancel()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	<-s.loopDone

	done := make(chan struct{})
	go func() {
		s.runnersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("✅ Scheduler stopped gracefully")
	case <-time.After(deadline):
		logger.Warn("⚠️ Scheduler stop deadline exceeded, abandoning runners")
	}

	s.events.stop()
}

// loop is the single-threaded control plane: dispatch, then sweep.
func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchReady(ctx)
			s.sweepRetention()
		}
	}
}

// dispatchReady dispatches the ready subset of the queue in priority order,
// FIFO within equal priority, while capacity remains.
func (s *Scheduler) dispatchReady(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ready := make([]*models.WorkflowTask, 0, len(s.pending))
	now := time.Now()
	for _, id := range s.pending {
		task := s.tasks[id]
		if task == nil || task.Status != models.StatusPending {
			continue
		}
		if task.ScheduledAt != nil && task.ScheduledAt.After(now) {
			continue
		}
		if !s.depsSatisfiedLocked(task) {
			continue
		}
		ready = append(ready, task)
	}

	// Sorting the small steady-state queue on every pass is cheap enough;
	// an indexed heap would be the next step if queues grow.
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Request.Priority != ready[j].Request.Priority {
			return ready[i].Request.Priority > ready[j].Request.Priority
		}
		return s.submitSeq[ready[i].ID] < s.submitSeq[ready[j].ID]
	})

	for _, task := range ready {
		if len(s.running) >= s.cfg.MaxConcurrent {
			break
		}
		s.removePending(task.ID)

		executor, ok := s.executors[task.Kind]
		if !ok {
			// No retry for a kind nobody registered
			s.finishLocked(task, models.StatusFailed, nil,
				fmt.Sprintf("no executor registered for kind %q", task.Kind))
			continue
		}

		started := time.Now()
		task.Status = models.StatusRunning
		task.StartedAt = &started
		task.Progress = 0

		timeout := time.Duration(task.Request.TimeoutSeconds) * time.Second
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		s.running[task.ID] = cancel

		s.events.emit(EventTaskStarted, task.Clone())

		s.runnersWG.Add(1)
		go s.runTask(runCtx, task.ID, executor)
	}
}

// runTask executes one task outside the lock and finalizes the outcome
func (s *Scheduler) runTask(ctx context.Context, taskID string, executor ExecutorFunc) {
	defer s.runnersWG.Done()

	var result *models.AnalysisResult
	var runErr error

	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("executor panic: %v", r)
			}
		}()
		snapshot, err := s.Get(taskID)
		if err != nil {
			runErr = err
			return
		}
		result, runErr = executor(ctx, snapshot)
	}()

	timedOut := ctx.Err() == context.DeadlineExceeded

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return
	}
	cancel := s.running[taskID]
	delete(s.running, taskID)
	if cancel != nil {
		cancel()
	}

	// Cancellation beats timeout beats completion
	if task.Status == models.StatusCancelled {
		return
	}

	switch {
	case timedOut:
		s.finishLocked(task, models.StatusTimeout, nil, "task deadline exceeded")
	case runErr != nil:
		if task.RetryCount < task.MaxRetries {
			task.RetryCount++
			task.Status = models.StatusPending
			task.StartedAt = nil
			task.Error = runErr.Error()
			s.pending = append(s.pending, task.ID)
			logger.Warn("task failed, re-enqueued",
				zap.String("task_id", task.ID),
				zap.Int("retry", task.RetryCount),
				zap.Error(runErr),
			)
		} else {
			s.finishLocked(task, models.StatusFailed, nil, runErr.Error())
		}
	default:
		task.Progress = 100
		s.finishLocked(task, models.StatusCompleted, result, "")
	}
}

// finishLocked transitions a task to a terminal state and emits the event.
// Caller holds s.mu.
func (s *Scheduler) finishLocked(task *models.WorkflowTask, status models.TaskStatus, result *models.AnalysisResult, errMsg string) {
	now := time.Now()
	task.Status = status
	task.CompletedAt = &now
	task.Result = result
	if errMsg != "" {
		task.Error = errMsg
	}

	if task.StartedAt != nil {
		s.execTimeSum += now.Sub(*task.StartedAt)
		s.execTimeCount++
	}

	switch status {
	case models.StatusCompleted:
		s.events.emit(EventTaskCompleted, task.Clone())
	case models.StatusFailed:
		s.events.emit(EventTaskFailed, task.Clone())
	case models.StatusTimeout:
		s.events.emit(EventTaskTimeout, task.Clone())
	}
}

// depsSatisfiedLocked reports whether every dependency is COMPLETED.
// Failed or cancelled dependencies leave the dependent PENDING; operators
// decide whether to cancel it.
func (s *Scheduler) depsSatisfiedLocked(task *models.WorkflowTask) bool {
	for _, dep := range task.Dependencies {
		depTask, ok := s.tasks[dep]
		if !ok || depTask.Status != models.StatusCompleted {
			return false
		}
	}
	return true
}

func (s *Scheduler) removePending(taskID string) {
	for i, id := range s.pending {
		if id == taskID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// sweepRetention drops terminal tasks older than the retention window
func (s *Scheduler) sweepRetention() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.cfg.RetentionPeriod)
	for id, task := range s.tasks {
		if task.Status.IsTerminal() && task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			delete(s.submitSeq, id)
		}
	}
}
