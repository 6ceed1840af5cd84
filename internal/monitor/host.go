package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/selivandex/stock-agents/pkg/models"
)

// HostSampler reads one host metrics sample; swapped for a fake in tests
type HostSampler interface {
	Sample(ctx context.Context) (*models.SystemMetrics, error)
}

// gopsutilSampler reads host metrics through gopsutil
type gopsutilSampler struct{}

// NewHostSampler creates the production host sampler
func NewHostSampler() HostSampler {
	return &gopsutilSampler{}
}

func (g *gopsutilSampler) Sample(ctx context.Context) (*models.SystemMetrics, error) {
	sample := &models.SystemMetrics{Timestamp: time.Now()}

	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to sample cpu: %w", err)
	}
	if len(cpuPercents) > 0 {
		sample.CPUPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sample memory: %w", err)
	}
	sample.MemoryPercent = vm.UsedPercent

	du, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return nil, fmt.Errorf("failed to sample disk: %w", err)
	}
	sample.DiskPercent = du.UsedPercent

	// Net and connection failures degrade to zero instead of losing the sample
	if counters, err := gopsnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		sample.NetBytesSent = counters[0].BytesSent
		sample.NetBytesRecv = counters[0].BytesRecv
	}
	if conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp"); err == nil {
		sample.ConnectionCount = len(conns)
	}

	return sample, nil
}
