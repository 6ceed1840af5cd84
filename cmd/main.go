package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/selivandex/stock-agents/internal/adapters/clickhouse"
	"github.com/selivandex/stock-agents/internal/adapters/config"
	"github.com/selivandex/stock-agents/internal/adapters/database"
	"github.com/selivandex/stock-agents/internal/adapters/llm"
	redisadapter "github.com/selivandex/stock-agents/internal/adapters/redis"
	"github.com/selivandex/stock-agents/internal/adapters/sources"
	"github.com/selivandex/stock-agents/internal/adapters/telegram"
	"github.com/selivandex/stock-agents/internal/agents"
	"github.com/selivandex/stock-agents/internal/datastore"
	"github.com/selivandex/stock-agents/internal/federation"
	"github.com/selivandex/stock-agents/internal/llmrouter"
	"github.com/selivandex/stock-agents/internal/memory"
	"github.com/selivandex/stock-agents/internal/monitor"
	"github.com/selivandex/stock-agents/internal/pool"
	"github.com/selivandex/stock-agents/internal/reports"
	"github.com/selivandex/stock-agents/internal/scheduler"
	"github.com/selivandex/stock-agents/internal/server"
	"github.com/selivandex/stock-agents/pkg/embeddings"
	"github.com/selivandex/stock-agents/pkg/logger"
	"github.com/selivandex/stock-agents/pkg/metrics"
	"github.com/selivandex/stock-agents/pkg/models"
	"github.com/selivandex/stock-agents/pkg/templates"
	"github.com/selivandex/stock-agents/pkg/worker"
)

// Exit codes: 1 configuration, 2 dependency unavailable, 3 internal failure
const (
	exitConfig     = 1
	exitDependency = 2
	exitInternal   = 3
)

const shutdownGrace = 25 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfig
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return exitConfig
	}
	defer logger.Sync()

	logger.Info("🚀 Stock analysis orchestrator starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	// Postgres is the one hard dependency
	db, err := database.New(&cfg.Database)
	if err != nil {
		logger.Error("database unavailable", zap.Error(err))
		return exitDependency
	}
	defer db.Close()
	if err := database.RunMigrations(db.Conn(), "./migrations"); err != nil {
		logger.Error("migrations failed", zap.Error(err))
		return exitDependency
	}

	// Redis loss degrades to durable-tier reads and in-process job locks
	redisClient, err := redisadapter.New(&cfg.Redis)
	if err != nil {
		logger.Warn("⚠️ Redis unavailable, running without hot cache tier", zap.Error(err))
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	// ClickHouse is the optional analytics sink
	var chRepo *clickhouse.Repository
	var buffer metrics.Buffer
	if cfg.ClickHouse.Enabled {
		chRepo, err = clickhouse.New(&cfg.ClickHouse)
		if err != nil {
			logger.Warn("⚠️ ClickHouse unavailable, metrics disabled", zap.Error(err))
			chRepo = nil
		} else {
			bm := metrics.NewBufferedMetrics(metrics.BufferConfig{Writer: chRepo})
			buffer = bm
			defer func() {
				closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer closeCancel()
				bm.Close(closeCtx)
			}()
		}
	}

	// Data federation behind the priority profile
	srcs := []sources.Source{
		sources.NewTushareSource(cfg.Sources.TushareToken),
		sources.NewSinaSource(),
		sources.NewYahooSource(),
		sources.NewAlphaVantageSource(cfg.Sources.AlphaVantageKey),
	}
	profiles, err := federation.NewProfileManager(cfg.Server.ProfilePath, []models.SourceTag{
		models.SourceTushare, models.SourceSina, models.SourceYahoo,
		models.SourceAlphaVantage, models.SourceLegacy,
	})
	if err != nil {
		logger.Error("priority profile load failed", zap.Error(err))
		return exitConfig
	}
	fed := federation.NewManager(profiles, srcs, cfg.Sources.EnableLegacy)

	repo := datastore.NewRepository(db.DB())
	var hot datastore.HotTier
	locks := redisadapter.LockFactory(redisadapter.NewNoopLockFactory())
	if redisClient != nil {
		hot = datastore.NewRedisHotTier(redisClient)
		locks = redisClient.GetLockFactory()
	}
	store := datastore.NewStore(hot, repo, fed)

	// LLM routing with usage metering
	adapters := []llm.Adapter{
		llm.NewOpenAIAdapter(&cfg.LLM.OpenAI),
		llm.NewDeepSeekAdapter(&cfg.LLM.DeepSeek),
		llm.NewClaudeAdapter(&cfg.LLM.Claude),
		llm.NewDashScopeAdapter(&cfg.LLM.DashScope),
	}
	meter := llmrouter.NewUsageMeter(buffer, redisClient)
	router := llmrouter.NewRouter(&cfg.LLM, adapters, meter)

	tmpl, err := templates.NewManagerWithValidation("./templates", agents.RequiredTemplates())
	if err != nil {
		logger.Error("template load failed", zap.Error(err))
		return exitConfig
	}

	// Long-term memory rides on OpenAI embeddings with Postgres dedup
	var memStore *memory.Store
	if cfg.Memory.Enabled && cfg.LLM.OpenAI.APIKey != "" {
		memRepo := memory.NewRepository(db.DB())
		embedder := embeddings.NewClient(embeddings.Config{
			OpenAIClient:  openai.NewClient(cfg.LLM.OpenAI.APIKey),
			Repository:    memRepo,
			MetricsBuffer: buffer,
			Model:         openai.EmbeddingModel(cfg.Memory.EmbeddingModel),
		})
		memStore = memory.NewStore(memRepo, embedder)
	} else {
		logger.Warn("⚠️ Memory store disabled, agents run without reflections")
	}

	// Agent graph engine
	collector := agents.NewDataCollector(store)
	var recaller agents.Recaller
	var reflector agents.Reflector
	if memStore != nil {
		recaller = memStore
		reflector = memStore
	}
	engine := agents.NewEngine(collector, agents.NewInvoker(router, tmpl, recaller), reflector)

	// Scheduler drives analyses through the concurrency pool
	analysisPool := pool.New(cfg.Pool.MaxConcurrent)
	sched := scheduler.New(&cfg.Scheduler)
	sched.RegisterExecutor("analysis", func(ctx context.Context, task *models.WorkflowTask) (*models.AnalysisResult, error) {
		var result *models.AnalysisResult
		err := analysisPool.Do(ctx, task.ID, task.Request.Symbol, func(ctx context.Context) error {
			var runErr error
			result, runErr = engine.Run(ctx, &task.Request)
			return runErr
		})
		return result, err
	})

	// Monitoring and alerting
	var alertNotifier monitor.Notifier
	tgNotifier, err := telegram.NewNotifier(&cfg.Telegram)
	if err != nil {
		logger.Warn("telegram notifier init failed", zap.Error(err))
	} else if tgNotifier != nil {
		alertNotifier = tgNotifier
	}
	mon := monitor.NewMonitor(&cfg.Monitor, sched, monitor.NewHostSampler(), alertNotifier, buffer)

	sched.RegisterCallback(scheduler.EventTaskFailed, func(event scheduler.Event, task *models.WorkflowTask) {
		mon.TaskAlert(context.Background(), models.AlertError,
			"Analysis failed",
			fmt.Sprintf("%s %s: %s", task.Request.Symbol, task.Request.Kind, task.Error),
			map[string]string{"task_id": task.ID})
	})
	sched.RegisterCallback(scheduler.EventTaskTimeout, func(event scheduler.Event, task *models.WorkflowTask) {
		mon.TaskAlert(context.Background(), models.AlertError,
			"Analysis timed out",
			fmt.Sprintf("%s %s exceeded %ds", task.Request.Symbol, task.Request.Kind, task.Request.TimeoutSeconds),
			map[string]string{"task_id": task.ID})
	})

	// Periodic workers
	group := worker.NewWorkerGroup(ctx)
	group.Add(federation.NewHealthSweep(fed), 30*time.Second)
	group.Add(mon, cfg.Monitor.SampleInterval)
	group.Add(datastore.NewCleanupSweep(repo, locks), time.Hour)
	group.Start()

	// Daily data-quality report
	var fetchStats reports.FetchStats
	if chRepo != nil {
		fetchStats = chRepo
	}
	reportSched := reports.NewScheduler(reports.NewGenerator(repo, repo, fetchStats, sched))
	if err := reportSched.Start(); err != nil {
		logger.Error("report scheduler failed to start", zap.Error(err))
		return exitInternal
	}

	if err := sched.Start(ctx); err != nil {
		logger.Error("scheduler failed to start", zap.Error(err))
		return exitInternal
	}

	var usage server.UsageReader
	if chRepo != nil {
		usage = chRepo
	}
	srv := server.New(cfg.Server.Port, server.Deps{
		Scheduler: sched,
		Monitor:   mon,
		LLM:       router,
		Data:      store,
		Usage:     usage,
		Health:    healthFunc(db, redisClient, chRepo),
	})

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	exit := 0
	select {
	case <-sigCh:
		logger.Info("🛑 Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
			exit = exitInternal
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", zap.Error(err))
	}
	sched.Stop(shutdownGrace)
	analysisPool.Drain(shutdownGrace)
	reportSched.Stop()
	group.Stop(10 * time.Second)
	cancel()

	logger.Info("✅ Shutdown complete")
	return exit
}

// healthFunc reports per-dependency status for the /health probe
func healthFunc(db *database.DB, redisClient *redisadapter.Client, chRepo *clickhouse.Repository) server.HealthFunc {
	return func(ctx context.Context) map[string]string {
		out := map[string]string{"database": "ok"}
		if err := db.Health(); err != nil {
			out["database"] = err.Error()
		}
		if redisClient != nil {
			out["redis"] = "ok"
			if err := redisClient.Health(); err != nil {
				out["redis"] = err.Error()
			}
		}
		if chRepo != nil {
			out["clickhouse"] = "ok"
		}
		return out
	}
}
