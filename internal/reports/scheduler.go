package reports

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/selivandex/stock-agents/pkg/logger"
)

const generateTimeout = 2 * time.Minute

// Scheduler runs the generator on a cron schedule: shortly after midnight,
// reporting on the day that just ended.
type Scheduler struct {
	generator *Generator
	cron      *cron.Cron
}

// NewScheduler creates the report scheduler
func NewScheduler(generator *Generator) *Scheduler {
	return &Scheduler{
		generator: generator,
		cron:      cron.New(),
	}
}

// Start registers the daily job and launches the cron loop
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc("5 0 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), generateTimeout)
		defer cancel()

		yesterday := time.Now().AddDate(0, 0, -1)
		if _, err := s.generator.Generate(ctx, yesterday); err != nil {
			logger.Error("daily report generation failed",
				zap.String("date", yesterday.Format("2006-01-02")),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	logger.Info("📊 Report scheduler started", zap.String("schedule", "daily 00:05"))
	return nil
}

// Stop halts the cron loop and waits for a running job
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Info("🛑 Report scheduler stopped")
}
