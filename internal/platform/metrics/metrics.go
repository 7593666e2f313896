// Package metrics exports task lifecycle and worker pool measurements to
// Prometheus.
package metrics

import (
	"context"

	"github.com/phrazzld/docqueue/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "docqueue"

// Collector owns the task metrics. It consumes status transitions as an
// events.EventHandler and pool gauges as a task.PoolMetrics.
type Collector struct {
	// TransitionsTotal counts persisted status transitions by target status
	TransitionsTotal *prometheus.CounterVec

	// RetriesTotal counts executions returned to pending, by a handler error
	// or a stuck-task reset
	RetriesTotal *prometheus.CounterVec

	// TaskDurationSeconds observes handler run time per finished execution
	TaskDurationSeconds *prometheus.HistogramVec

	// BusyWorkers is the number of workers currently executing a task
	BusyWorkers *prometheus.GaugeVec

	// QueueDepth is the last sampled number of waiting records
	QueueDepth *prometheus.GaugeVec
}

// NewCollector registers the task metrics with reg. Passing a fresh
// prometheus.NewRegistry keeps tests isolated from the global registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_transitions_total",
				Help:      "Total number of task status transitions.",
			},
			[]string{"queue", "type", "status"},
		),
		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_retries_total",
				Help:      "Total number of task executions returned to pending for another attempt.",
			},
			[]string{"queue", "type"},
		),
		TaskDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of task handler executions in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~100s
			},
			[]string{"queue", "type", "status"},
		),
		BusyWorkers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "busy_workers",
				Help:      "Number of workers currently executing a task.",
			},
			[]string{"queue"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of records waiting in the queue, including delayed ones.",
			},
			[]string{"queue"},
		),
	}
}

// HandleEvent implements events.EventHandler.
func (c *Collector) HandleEvent(ctx context.Context, event *events.StatusChangedEvent) error {
	c.TransitionsTotal.WithLabelValues(event.Queue, event.TaskType, event.To).Inc()

	// Transitions out of running carry the handler run time
	if event.From == "running" {
		if event.To == "pending" && event.Error != "" {
			c.RetriesTotal.WithLabelValues(event.Queue, event.TaskType).Inc()
		}
		if event.Duration > 0 {
			c.TaskDurationSeconds.WithLabelValues(event.Queue, event.TaskType, event.To).
				Observe(event.Duration.Seconds())
		}
	}
	return nil
}

// SetBusyWorkers implements task.PoolMetrics.
func (c *Collector) SetBusyWorkers(queue string, busy int) {
	c.BusyWorkers.WithLabelValues(queue).Set(float64(busy))
}

// SetQueueDepth implements task.PoolMetrics.
func (c *Collector) SetQueueDepth(queue string, depth int64) {
	c.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}
