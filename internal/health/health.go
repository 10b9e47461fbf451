// Package health provides system health monitoring and status reporting.
package health

import (
	"time"

	"github.com/vietddude/marketfetch/internal/resilience/breaker"
	"github.com/vietddude/marketfetch/internal/source"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

func (s SystemStatus) rank() int {
	switch s {
	case StatusCritical:
		return 2
	case StatusDegraded:
		return 1
	}
	return 0
}

// worse returns the more severe of two statuses.
func worse(a, b SystemStatus) SystemStatus {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ComponentHealth is the status of one dependency.
type ComponentHealth struct {
	Name    string        `json:"name"`
	Status  SystemStatus  `json:"status"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// Report contains the full system health report.
type Report struct {
	SystemStatus SystemStatus               `json:"system_status"`
	Components   map[string]ComponentHealth `json:"components"`
	Breakers     []breaker.Metrics          `json:"circuit_breakers"`
	Source       *source.MonitorStats       `json:"source,omitempty"`
	CheckedAt    time.Time                  `json:"checked_at"`
}
