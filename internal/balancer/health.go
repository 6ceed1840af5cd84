package balancer

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/stock-agents/pkg/logger"
)

// probeTimeout caps one /health round trip
const probeTimeout = 10 * time.Second

// healthReport is the optional body a worker's /health endpoint may return
type healthReport struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// HealthSweep probes every registered instance and updates availability
type HealthSweep struct {
	balancer *Balancer
	client   *http.Client
}

// NewHealthSweep creates the sweep worker
func NewHealthSweep(b *Balancer) *HealthSweep {
	return &HealthSweep{
		balancer: b,
		client:   &http.Client{Timeout: probeTimeout},
	}
}

// Name implements worker.Worker
func (h *HealthSweep) Name() string {
	return "balancer_health_sweep"
}

// Run probes all instances once
func (h *HealthSweep) Run(ctx context.Context) error {
	for _, inst := range h.balancer.Instances() {
		available, report := h.probe(ctx, inst.Address)
		h.balancer.MarkAvailable(inst.ID, available)
		if report != nil {
			h.balancer.UpdateLoad(inst.ID, report.CPUPercent, report.MemoryPercent)
		}
		if !available {
			logger.Warn("⚠️ Worker instance failed health probe",
				zap.String("id", inst.ID),
				zap.String("address", inst.Address))
		}
	}
	return nil
}

func (h *HealthSweep) probe(ctx context.Context, address string) (bool, *healthReport) {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, address+"/health", nil)
	if err != nil {
		return false, nil
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	var report healthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return true, nil // healthy even when the body is not parseable
	}
	return true, &report
}
