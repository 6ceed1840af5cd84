package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/selivandex/stock-agents/internal/scheduler"
	"github.com/selivandex/stock-agents/pkg/models"
)

// maxListLimit bounds /workflow/tasks result size
const maxListLimit = 200

type submitResponse struct {
	TaskID               string `json:"task_id"`
	EstimatedWaitSeconds int    `json:"estimated_wait_seconds"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req models.AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.WrapError(models.ErrValidation, "invalid request body", err))
		return
	}

	priority, err := models.ParsePriority(r.URL.Query().Get("priority"))
	if err != nil {
		writeError(w, err)
		return
	}
	req.Priority = priority

	taskID, err := s.deps.Scheduler.Submit(&req, "analysis")
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{
		TaskID:               taskID,
		EstimatedWaitSeconds: s.estimateWait(),
	})
}

// estimateWait projects queue drain time from current averages
func (s *Server) estimateWait() int {
	m := s.deps.Scheduler.Metrics()
	if m.MaxConcurrent == 0 {
		return 0
	}
	avg := m.AvgExecTime
	if avg == 0 {
		avg = 60 * time.Second
	}
	waves := s.deps.Scheduler.QueueLength() / m.MaxConcurrent
	return int(avg.Seconds()) * waves
}

type statusResponse struct {
	TaskID        string                 `json:"task_id"`
	Status        models.TaskStatus      `json:"status"`
	Priority      string                 `json:"priority"`
	Progress      int                    `json:"progress"`
	CreatedAt     time.Time              `json:"created_at"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	ExecutionTime float64                `json:"execution_time_seconds"`
	RetryCount    int                    `json:"retry_count"`
	Result        *models.AnalysisResult `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Scheduler.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := statusResponse{
		TaskID:        task.ID,
		Status:        task.Status,
		Priority:      task.Request.Priority.String(),
		Progress:      task.Progress,
		CreatedAt:     task.CreatedAt,
		StartedAt:     task.StartedAt,
		CompletedAt:   task.CompletedAt,
		ExecutionTime: task.ExecutionTime().Seconds(),
		RetryCount:    task.RetryCount,
		Error:         task.Error,
	}
	if task.Status.IsTerminal() {
		resp.Result = task.Result
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.deps.Scheduler.Cancel(id) {
		writeError(w, models.NewError(models.ErrValidation, "task is terminal or unknown"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task_id": id, "cancelled": true})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := maxListLimit
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, models.NewError(models.ErrValidation, fmt.Sprintf("invalid limit %q", raw)))
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	tasks := s.deps.Scheduler.List(scheduler.ListFilter{
		Symbol: q.Get("symbol"),
		Status: models.TaskStatus(q.Get("status")),
		Limit:  limit,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleSchedulerMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Metrics())
}

func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := s.deps.Monitor.SystemSnapshot()
	if snapshot == nil {
		writeError(w, models.NewError(models.ErrUnavailable, "no system samples yet"))
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handlePerformanceMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := s.deps.Monitor.PerformanceSnapshot()
	if snapshot == nil {
		writeError(w, models.NewError(models.ErrUnavailable, "no performance samples yet"))
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active_only"))
	alerts := s.deps.Monitor.Alerts(activeOnly)
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.Start(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	s.deps.Scheduler.Stop(30 * time.Second)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	list := s.deps.LLM.Models()
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": list, "count": len(list)})
}

type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	TaskType    models.TaskType      `json:"task_type"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature float64              `json:"temperature"`
	Stream      bool                 `json:"stream"`
	UserID      string               `json:"user_id"`
}

func (c *chatRequest) toCompletion() *models.CompletionRequest {
	return &models.CompletionRequest{
		Messages:    c.Messages,
		TaskType:    c.TaskType,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
		UserID:      c.UserID,
	}
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.WrapError(models.ErrValidation, "invalid request body", err))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, models.NewError(models.ErrValidation, "messages are required"))
		return
	}

	if req.Stream {
		s.streamSSE(w, r, &req)
		return
	}

	completion, err := s.deps.LLM.Complete(r.Context(), req.toCompletion())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, completion)
}

// streamSSE streams deltas as server-sent events
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, req *chatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, models.NewError(models.ErrInternal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	err := s.deps.LLM.Stream(r.Context(), req.toCompletion(), func(delta models.StreamDelta) error {
		payload, err := json.Marshal(delta)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		// Headers are gone; surface the failure inside the stream
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
}

func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		writeError(w, models.NewError(models.ErrUnavailable, "usage metrics sink is disabled"))
		return
	}
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			days = parsed
		}
	}
	stats, err := s.deps.Usage.UsageStats(r.Context(), time.Now().AddDate(0, 0, -days))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	if !models.ValidCategory(category) {
		writeError(w, models.NewError(models.ErrValidation, fmt.Sprintf("unknown data category %q", category)))
		return
	}

	q := r.URL.Query()
	query := &models.DataQuery{
		Symbol:    q.Get("symbol"),
		Market:    models.Market(q.Get("market")),
		Category:  models.DataCategory(category),
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	}
	if query.Symbol == "" {
		writeError(w, models.NewError(models.ErrValidation, "symbol is required"))
		return
	}
	switch query.Market {
	case models.MarketCNA, models.MarketHK, models.MarketUS:
	default:
		writeError(w, models.NewError(models.ErrValidation, fmt.Sprintf("unknown market %q", query.Market)))
		return
	}
	if raw := q.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			query.Limit = parsed
		}
	}

	entry, err := s.deps.Data.Get(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       entry.Payload,
		"source":     entry.Source,
		"fetched_at": entry.FetchedAt,
		"expires_at": entry.ExpiresAt,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	deps := map[string]string{}
	if s.deps.Health != nil {
		deps = s.deps.Health(r.Context())
	}

	status := http.StatusOK
	overall := "ok"
	for _, state := range deps {
		if state != "ok" {
			status = http.StatusServiceUnavailable
			overall = "degraded"
			break
		}
	}
	writeJSON(w, status, map[string]interface{}{
		"status":       overall,
		"dependencies": deps,
		"timestamp":    time.Now(),
	})
}
