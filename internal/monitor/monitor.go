package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/selivandex/stock-agents/internal/adapters/config"
	"github.com/selivandex/stock-agents/internal/scheduler"
	"github.com/selivandex/stock-agents/pkg/logger"
	"github.com/selivandex/stock-agents/pkg/metrics"
	"github.com/selivandex/stock-agents/pkg/models"
)

// warnBand is the multiplier separating WARN from ERROR on a breach
const warnBand = 1.2

// SchedulerStats is the slice of the scheduler the monitor reads
type SchedulerStats interface {
	Metrics() scheduler.Metrics
	QueueLength() int
	RunningCount() int
}

// Notifier pushes ERROR/CRITICAL alerts out of process; nil disables it
type Notifier interface {
	Notify(ctx context.Context, alert *models.Alert) error
}

// Monitor samples host and scheduler state every interval, keeps trimmed
// histories, and raises threshold alerts with monotonic resolution.
type Monitor struct {
	cfg      *config.MonitorConfig
	sched    SchedulerStats
	host     HostSampler
	notifier Notifier
	buffer   metrics.Buffer // nil disables ClickHouse flush

	mu            sync.Mutex
	systemHistory []models.SystemMetrics
	perfHistory   []models.PerformanceMetrics
	alerts        map[string]*models.Alert
	alertOrder    []string
	activeBreach  map[string]*models.Alert // metric key -> unresolved alert

	lastSample    time.Time
	lastCompleted int
}

// NewMonitor creates the execution monitor. notifier and buffer may be nil.
func NewMonitor(cfg *config.MonitorConfig, sched SchedulerStats, host HostSampler, notifier Notifier, buffer metrics.Buffer) *Monitor {
	return &Monitor{
		cfg:          cfg,
		sched:        sched,
		host:         host,
		notifier:     notifier,
		buffer:       buffer,
		alerts:       make(map[string]*models.Alert),
		activeBreach: make(map[string]*models.Alert),
	}
}

// Name implements worker.Worker
func (m *Monitor) Name() string {
	return "execution_monitor"
}

// Run takes one sample; the periodic worker drives the 30s cadence
func (m *Monitor) Run(ctx context.Context) error {
	system, err := m.host.Sample(ctx)
	if err != nil {
		return fmt.Errorf("host sample failed: %w", err)
	}

	sm := m.sched.Metrics()
	now := time.Now()

	m.mu.Lock()
	perf := models.PerformanceMetrics{
		Timestamp:       now,
		AvgResponseTime: sm.AvgExecTime,
		QueueLength:     m.sched.QueueLength(),
		ConcurrentCount: m.sched.RunningCount(),
	}
	if total := sm.Completed + sm.Failed; total > 0 {
		perf.ErrorRate = float64(sm.Failed) / float64(total) * 100
	}
	if !m.lastSample.IsZero() {
		if dt := now.Sub(m.lastSample).Seconds(); dt > 0 {
			perf.Throughput = float64(sm.Completed-m.lastCompleted) / dt
		}
	}
	m.lastSample = now
	m.lastCompleted = sm.Completed

	m.systemHistory = append(m.systemHistory, *system)
	m.perfHistory = append(m.perfHistory, perf)
	m.trimLocked(now)

	m.checkThresholdsLocked(ctx, system, &perf)
	m.mu.Unlock()

	m.flush(system, &perf)
	return nil
}

// trimLocked drops history entries past the retention window
func (m *Monitor) trimLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.HistoryRetention)
	for len(m.systemHistory) > 0 && m.systemHistory[0].Timestamp.Before(cutoff) {
		m.systemHistory = m.systemHistory[1:]
	}
	for len(m.perfHistory) > 0 && m.perfHistory[0].Timestamp.Before(cutoff) {
		m.perfHistory = m.perfHistory[1:]
	}
}

// thresholdCheck pairs an observed value with its configured ceiling
type thresholdCheck struct {
	metric    string
	value     float64
	threshold float64
	unit      string
}

func (m *Monitor) checkThresholdsLocked(ctx context.Context, system *models.SystemMetrics, perf *models.PerformanceMetrics) {
	checks := []thresholdCheck{
		{"cpu", system.CPUPercent, m.cfg.CPUThreshold, "%"},
		{"memory", system.MemoryPercent, m.cfg.MemoryThreshold, "%"},
		{"disk", system.DiskPercent, m.cfg.DiskThreshold, "%"},
		{"error_rate", perf.ErrorRate, m.cfg.ErrorRateThreshold, "%"},
		{"avg_response", perf.AvgResponseTime.Seconds(), m.cfg.ResponseThreshold.Seconds(), "s"},
		{"queue_length", float64(perf.QueueLength), float64(m.cfg.QueueThreshold), ""},
	}

	for _, check := range checks {
		id := "threshold_" + check.metric
		active := m.activeBreach[id]

		if check.value <= check.threshold {
			if active != nil {
				m.resolveLocked(active)
				delete(m.activeBreach, id)
			}
			continue
		}

		level := models.AlertWarn
		if check.value >= check.threshold*warnBand {
			level = models.AlertError
		}

		if active != nil {
			// Severity only escalates within one breach
			if level == models.AlertError && active.Level == models.AlertWarn {
				active.Level = models.AlertError
				m.notify(ctx, active)
			}
			continue
		}

		// Each breach is its own record so resolved history survives
		// re-breaches and the listing never shows duplicates
		alert := &models.Alert{
			ID:        id + "_" + uuid.New().String(),
			Level:     level,
			Title:     fmt.Sprintf("%s above threshold", check.metric),
			Message:   fmt.Sprintf("%s = %.2f%s exceeds %.2f%s", check.metric, check.value, check.unit, check.threshold, check.unit),
			Source:    "execution_monitor",
			Timestamp: time.Now(),
			Metadata: map[string]string{
				"metric": check.metric,
				"value":  fmt.Sprintf("%.2f", check.value),
			},
		}
		m.alerts[alert.ID] = alert
		m.alertOrder = append(m.alertOrder, alert.ID)
		m.activeBreach[id] = alert
		logger.Warn("⚠️ Threshold alert raised",
			zap.String("metric", check.metric),
			zap.Float64("value", check.value),
			zap.String("level", string(level)))
		m.notify(ctx, alert)
	}
}

func (m *Monitor) resolveLocked(alert *models.Alert) {
	now := time.Now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	logger.Info("✅ Alert resolved", zap.String("alert", alert.ID))
}

// TaskAlert records a one-shot alert for a failed or timed-out task
func (m *Monitor) TaskAlert(ctx context.Context, level models.AlertLevel, title, message string, metadata map[string]string) {
	alert := &models.Alert{
		ID:        "task_" + uuid.New().String(),
		Level:     level,
		Title:     title,
		Message:   message,
		Source:    "scheduler",
		Timestamp: time.Now(),
		Metadata:  metadata,
	}

	m.mu.Lock()
	m.alerts[alert.ID] = alert
	m.alertOrder = append(m.alertOrder, alert.ID)
	m.mu.Unlock()

	m.notify(ctx, alert)
}

// notify pushes ERROR and CRITICAL alerts to the notifier, best-effort
func (m *Monitor) notify(ctx context.Context, alert *models.Alert) {
	if m.notifier == nil {
		return
	}
	if alert.Level != models.AlertError && alert.Level != models.AlertCritical {
		return
	}
	go func(a models.Alert) {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := m.notifier.Notify(nctx, &a); err != nil {
			logger.Warn("alert notification failed", zap.String("alert", a.ID), zap.Error(err))
		}
	}(*alert)
}

// flush pushes the sample into the metrics buffer
func (m *Monitor) flush(system *models.SystemMetrics, perf *models.PerformanceMetrics) {
	if m.buffer == nil {
		return
	}
	sample := &metrics.SystemSampleMetric{
		Timestamp:       system.Timestamp,
		CPUPercent:      system.CPUPercent,
		MemoryPercent:   system.MemoryPercent,
		DiskPercent:     system.DiskPercent,
		ConnectionCount: system.ConnectionCount,
		QueueLength:     perf.QueueLength,
		ConcurrentCount: perf.ConcurrentCount,
		Throughput:      perf.Throughput,
		ErrorRate:       perf.ErrorRate,
		AvgResponseMs:   int(perf.AvgResponseTime.Milliseconds()),
	}
	if err := m.buffer.Add(sample); err != nil {
		logger.Debug("system sample not buffered", zap.Error(err))
	}
}

// SystemSnapshot returns the latest host sample
func (m *Monitor) SystemSnapshot() *models.SystemMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.systemHistory) == 0 {
		return nil
	}
	sample := m.systemHistory[len(m.systemHistory)-1]
	return &sample
}

// PerformanceSnapshot returns the latest derived sample
func (m *Monitor) PerformanceSnapshot() *models.PerformanceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.perfHistory) == 0 {
		return nil
	}
	sample := m.perfHistory[len(m.perfHistory)-1]
	return &sample
}

// Alerts lists alerts in raise order, optionally only unresolved ones
func (m *Monitor) Alerts(activeOnly bool) []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Alert, 0, len(m.alertOrder))
	for _, id := range m.alertOrder {
		alert := m.alerts[id]
		if activeOnly && alert.Resolved {
			continue
		}
		out = append(out, *alert)
	}
	return out
}
