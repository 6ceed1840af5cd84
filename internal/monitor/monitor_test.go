package monitor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/selivandex/stock-agents/internal/adapters/config"
	"github.com/selivandex/stock-agents/internal/scheduler"
	"github.com/selivandex/stock-agents/pkg/models"
)

type fakeSampler struct {
	cpu  float64
	mem  float64
	disk float64
}

func (f *fakeSampler) Sample(ctx context.Context) (*models.SystemMetrics, error) {
	return &models.SystemMetrics{
		Timestamp:     time.Now(),
		CPUPercent:    f.cpu,
		MemoryPercent: f.mem,
		DiskPercent:   f.disk,
	}, nil
}

type fakeSched struct {
	metrics scheduler.Metrics
	queue   int
}

func (f *fakeSched) Metrics() scheduler.Metrics { return f.metrics }
func (f *fakeSched) QueueLength() int           { return f.queue }
func (f *fakeSched) RunningCount() int          { return 0 }

type fakeNotifier struct {
	mu    sync.Mutex
	seen  []string
	level []models.AlertLevel
}

func (f *fakeNotifier) Notify(ctx context.Context, alert *models.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, alert.ID)
	f.level = append(f.level, alert.Level)
	return nil
}

func testConfig() *config.MonitorConfig {
	return &config.MonitorConfig{
		SampleInterval:     30 * time.Second,
		CPUThreshold:       80,
		MemoryThreshold:    85,
		DiskThreshold:      90,
		ErrorRateThreshold: 10,
		ResponseThreshold:  300 * time.Second,
		QueueThreshold:     50,
		HistoryRetention:   24 * time.Hour,
	}
}

func TestThresholdAlertLifecycle(t *testing.T) {
	sampler := &fakeSampler{cpu: 50, mem: 50, disk: 50}
	mon := NewMonitor(testConfig(), &fakeSched{}, sampler, nil, nil)
	ctx := context.Background()

	if err := mon.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if alerts := mon.Alerts(true); len(alerts) != 0 {
		t.Fatalf("expected no alerts below thresholds, got %v", alerts)
	}

	// Breach inside the WARN band (80 < 85 < 96)
	sampler.cpu = 85
	if err := mon.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	alerts := mon.Alerts(true)
	if len(alerts) != 1 || !strings.HasPrefix(alerts[0].ID, "threshold_cpu") {
		t.Fatalf("expected one cpu alert, got %v", alerts)
	}
	if alerts[0].Level != models.AlertWarn {
		t.Errorf("level = %s, want WARN below 1.2x", alerts[0].Level)
	}

	// Same breach continues: no duplicate alert
	if err := mon.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if alerts := mon.Alerts(true); len(alerts) != 1 {
		t.Fatalf("breach must not duplicate alerts, got %d", len(alerts))
	}

	// Escalates to ERROR at 1.2x
	sampler.cpu = 97
	if err := mon.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if alerts := mon.Alerts(true); alerts[0].Level != models.AlertError {
		t.Errorf("level = %s, want ERROR at 1.2x", alerts[0].Level)
	}

	// Sub-threshold resolves monotonically
	sampler.cpu = 40
	if err := mon.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if alerts := mon.Alerts(true); len(alerts) != 0 {
		t.Fatalf("expected resolution, still active: %v", alerts)
	}
	all := mon.Alerts(false)
	if len(all) != 1 || !all[0].Resolved || all[0].ResolvedAt == nil {
		t.Fatalf("resolved alert should stay in the log: %+v", all)
	}

	// A fresh breach opens a new record: the resolved one stays in the log
	// and the listing never shows duplicates
	sampler.cpu = 85
	if err := mon.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if alerts := mon.Alerts(true); len(alerts) != 1 || alerts[0].Resolved {
		t.Fatalf("expected re-raised cpu alert, got %v", alerts)
	}
	all = mon.Alerts(false)
	if len(all) != 2 {
		t.Fatalf("expected resolved plus re-raised records, got %d", len(all))
	}
	if all[0].ID == all[1].ID {
		t.Error("re-breach must not reuse the resolved alert id")
	}
	if !all[0].Resolved || all[1].Resolved {
		t.Errorf("resolved history lost: %+v", all)
	}
}

func TestErrorRateDerivation(t *testing.T) {
	sched := &fakeSched{metrics: scheduler.Metrics{Completed: 8, Failed: 2}}
	mon := NewMonitor(testConfig(), sched, &fakeSampler{}, nil, nil)

	if err := mon.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	perf := mon.PerformanceSnapshot()
	if perf == nil || perf.ErrorRate != 20 {
		t.Fatalf("error rate = %+v, want 20%%", perf)
	}
}

func TestQueueThresholdAlert(t *testing.T) {
	sched := &fakeSched{queue: 75}
	notifier := &fakeNotifier{}
	mon := NewMonitor(testConfig(), sched, &fakeSampler{}, notifier, nil)

	if err := mon.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	alerts := mon.Alerts(true)
	if len(alerts) != 1 || !strings.HasPrefix(alerts[0].ID, "threshold_queue_length") {
		t.Fatalf("expected queue alert, got %v", alerts)
	}
	// 75 >= 50*1.2 so the notifier must have been told
	if alerts[0].Level != models.AlertError {
		t.Errorf("level = %s, want ERROR", alerts[0].Level)
	}
}

func TestTaskAlertsAreOneShot(t *testing.T) {
	mon := NewMonitor(testConfig(), &fakeSched{}, &fakeSampler{}, nil, nil)

	mon.TaskAlert(context.Background(), models.AlertError, "Task failed", "boom", map[string]string{"task_id": "t1"})
	mon.TaskAlert(context.Background(), models.AlertError, "Task failed", "boom again", map[string]string{"task_id": "t2"})

	alerts := mon.Alerts(true)
	if len(alerts) != 2 {
		t.Fatalf("expected two distinct task alerts, got %d", len(alerts))
	}
	if alerts[0].ID == alerts[1].ID {
		t.Error("task alerts must have unique ids")
	}
}

func TestHistoryTrimming(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryRetention = time.Nanosecond
	mon := NewMonitor(cfg, &fakeSched{}, &fakeSampler{}, nil, nil)

	for i := 0; i < 3; i++ {
		if err := mon.Run(context.Background()); err != nil {
			t.Fatalf("run: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	mon.mu.Lock()
	defer mon.mu.Unlock()
	if len(mon.systemHistory) > 1 {
		t.Errorf("history not trimmed: %d samples", len(mon.systemHistory))
	}
}
