package task

import (
	"context"
	"fmt"
	"time"
)

// HealthStatus is the coarse result of a health check
type HealthStatus string

// Health statuses
const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// healthCheckTimeout keeps probes from hanging on a dead backend
const healthCheckTimeout = 2 * time.Second

// QueueHealth is the result of probing one queue channel
type QueueHealth struct {
	Status HealthStatus `json:"status"`
	Queue  string       `json:"queue"`
	Depth  int64        `json:"depth"`
	Error  string       `json:"error,omitempty"`
}

// CheckQueue pings the backend and reads the channel depth. It never
// returns an error: a broken connection is reported as unhealthy.
func CheckQueue(ctx context.Context, q Queue, name string) (health QueueHealth) {
	health = QueueHealth{Status: HealthStatusUnhealthy, Queue: name}
	if q == nil {
		health.Error = "no queue configured"
		return health
	}

	defer func() {
		if r := recover(); r != nil {
			health.Status = HealthStatusUnhealthy
			health.Error = fmt.Sprintf("health check panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := q.Ping(ctx); err != nil {
		health.Error = err.Error()
		return health
	}
	depth, err := q.Depth(ctx, name)
	if err != nil {
		health.Error = err.Error()
		return health
	}

	health.Status = HealthStatusHealthy
	health.Depth = depth
	return health
}

// HealthReport combines queue connectivity with the pool's state
type HealthReport struct {
	Status    HealthStatus `json:"status"`
	Queue     QueueHealth  `json:"queue"`
	Pool      PoolStats    `json:"pool"`
	CheckedAt time.Time    `json:"checked_at"`
}

// PoolStatsProvider is satisfied by *WorkerPool
type PoolStatsProvider interface {
	Stats() PoolStats
}

// Monitor is a read-only view over a queue and a pool for readiness and
// liveness probes.
type Monitor struct {
	queue     Queue
	queueName string
	pool      PoolStatsProvider
}

// NewMonitor creates a Monitor. pool may be nil when no workers run in
// this process.
func NewMonitor(queue Queue, queueName string, pool PoolStatsProvider) *Monitor {
	return &Monitor{queue: queue, queueName: queueName, pool: pool}
}

// Check probes the queue and reads pool stats. The overall status is
// healthy only when the queue is reachable and the pool is running.
func (m *Monitor) Check(ctx context.Context) HealthReport {
	report := HealthReport{
		Queue:     CheckQueue(ctx, m.queue, m.queueName),
		CheckedAt: time.Now().UTC(),
	}
	if m.pool != nil {
		report.Pool = m.pool.Stats()
	} else {
		report.Pool = PoolStats{State: PoolStateStopped, Queue: m.queueName}
	}

	switch {
	case report.Queue.Status != HealthStatusHealthy:
		report.Status = HealthStatusUnhealthy
	case report.Pool.State != PoolStateRunning:
		report.Status = HealthStatusDegraded
	default:
		report.Status = HealthStatusHealthy
	}
	return report
}
