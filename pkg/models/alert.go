package models

import (
	"time"
)

// AlertLevel orders alert severity
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarn     AlertLevel = "WARN"
	AlertError    AlertLevel = "ERROR"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert is a monitor-raised condition. A threshold alert with a given ID is
// either active or resolved; resolution is monotonic within one breach.
type Alert struct {
	ID         string            `json:"id"`
	Level      AlertLevel        `json:"level"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Source     string            `json:"source"`
	Timestamp  time.Time         `json:"timestamp"`
	Resolved   bool              `json:"resolved"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SystemMetrics is one host sample
type SystemMetrics struct {
	Timestamp      time.Time `json:"timestamp"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	DiskPercent    float64   `json:"disk_percent"`
	NetBytesSent   uint64    `json:"net_bytes_sent"`
	NetBytesRecv   uint64    `json:"net_bytes_recv"`
	ConnectionCount int      `json:"connection_count"`
}

// PerformanceMetrics is one derived scheduler-level sample
type PerformanceMetrics struct {
	Timestamp       time.Time     `json:"timestamp"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	Throughput      float64       `json:"throughput"` // completed per second
	ErrorRate       float64       `json:"error_rate"` // percent
	QueueLength     int           `json:"queue_length"`
	ConcurrentCount int           `json:"concurrent_count"`
}

// WorkerInstance is one registered backend for the load balancer
type WorkerInstance struct {
	ID           string        `json:"id"`
	Address      string        `json:"address"`
	Weight       int           `json:"weight"`
	Available    bool          `json:"available"`
	Connections  int           `json:"connections"`
	ResponseTime time.Duration `json:"response_time"`
	SuccessRate  float64       `json:"success_rate"` // 0-1
	CPUPercent   float64       `json:"cpu_percent"`
	MemPercent   float64       `json:"mem_percent"`
	LastChecked  time.Time     `json:"last_checked"`
}
