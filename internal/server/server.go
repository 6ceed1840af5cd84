package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/selivandex/stock-agents/internal/adapters/llm"
	"github.com/selivandex/stock-agents/internal/scheduler"
	"github.com/selivandex/stock-agents/pkg/logger"
	"github.com/selivandex/stock-agents/pkg/models"
)

// TaskScheduler is the scheduler surface the API needs
type TaskScheduler interface {
	Submit(req *models.AnalysisRequest, kind string) (string, error)
	Get(taskID string) (*models.WorkflowTask, error)
	List(filter scheduler.ListFilter) []*models.WorkflowTask
	Cancel(taskID string) bool
	Metrics() scheduler.Metrics
	QueueLength() int
	Start(ctx context.Context) error
	Stop(deadline time.Duration)
}

// MetricsSource is the monitor surface the API needs
type MetricsSource interface {
	SystemSnapshot() *models.SystemMetrics
	PerformanceSnapshot() *models.PerformanceMetrics
	Alerts(activeOnly bool) []models.Alert
}

// ChatRouter is the LLM router surface the API needs
type ChatRouter interface {
	Models() []models.ModelInfo
	Complete(ctx context.Context, req *models.CompletionRequest) (*models.Completion, error)
	Stream(ctx context.Context, req *models.CompletionRequest, fn llm.StreamFunc) error
}

// DataReader serves federated, cached market data
type DataReader interface {
	Get(ctx context.Context, query *models.DataQuery) (*models.CachedEntry, error)
}

// UsageReader aggregates LLM usage; nil when ClickHouse is disabled
type UsageReader interface {
	UsageStats(ctx context.Context, since time.Time) (*models.UsageStats, error)
}

// HealthFunc reports per-dependency status strings ("ok" or an error)
type HealthFunc func(ctx context.Context) map[string]string

// Deps bundles everything the server serves
type Deps struct {
	Scheduler TaskScheduler
	Monitor   MetricsSource
	LLM       ChatRouter
	Data      DataReader
	Usage     UsageReader
	Health    HealthFunc
}

// Server is the HTTP API surface
type Server struct {
	router *chi.Mux
	server *http.Server
	deps   Deps
}

// New creates the HTTP server
func New(port int, deps Deps) *Server {
	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own deadlines
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/analysis", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post("/submit", s.handleSubmit)
		r.Get("/status/{id}", s.handleStatus)
		r.Delete("/cancel/{id}", s.handleCancel)
	})

	s.router.Route("/workflow", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/tasks", s.handleListTasks)
		r.Get("/metrics/scheduler", s.handleSchedulerMetrics)
		r.Get("/metrics/system", s.handleSystemMetrics)
		r.Get("/metrics/performance", s.handlePerformanceMetrics)
		r.Get("/alerts", s.handleAlerts)
		r.Post("/scheduler/start", s.handleSchedulerStart)
		r.Post("/scheduler/stop", s.handleSchedulerStop)
	})

	s.router.Route("/llm", func(r chi.Router) {
		r.Get("/models", s.handleModels)
		r.With(middleware.Timeout(5 * time.Minute)).Post("/chat/completions", s.handleChatCompletions)
		r.Get("/chat/stream", s.handleChatStream)
		r.With(middleware.Timeout(30 * time.Second)).Get("/usage/stats", s.handleUsageStats)
	})

	s.router.With(middleware.Timeout(60 * time.Second)).Get("/data/{category}", s.handleData)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(started)))
	})
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown is called
func (s *Server) Start() error {
	logger.Info("🚀 HTTP server starting", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("🛑 HTTP server shutting down")
	return s.server.Shutdown(ctx)
}
