// Package metrics declares the process's Prometheus instrumentation,
// exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of jobs sitting in each status per queue.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "job_queue_depth",
			Help: "Number of jobs per queue and status",
		},
		[]string{"queue", "status"},
	)

	// ReservationLeaks counts jobs whose reservation expired without being
	// completed, failed, or extended.
	ReservationLeaks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "job_queue_reservation_leaks",
			Help: "Jobs with a reserved_until in the past but still reserved",
		},
		[]string{"queue"},
	)

	// TaskOutcomes counts provisioning task terminal outcomes.
	TaskOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioning_task_outcomes_total",
			Help: "Provisioning task terminal outcomes",
		},
		[]string{"outcome"}, // succeeded | failed | dead_lettered
	)

	// StepOutcomes counts individual step attempts by kind and outcome.
	StepOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioning_step_outcomes_total",
			Help: "Provisioning step attempts by kind and outcome",
		},
		[]string{"step", "outcome"},
	)

	// AdapterLatency measures external adapter call duration.
	AdapterLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adapter_call_duration_seconds",
			Help:    "External adapter call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"adapter", "outcome"},
	)

	// WebhookEvents counts inbound webhook deliveries by outcome.
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Inbound webhook deliveries by outcome",
		},
		[]string{"outcome"}, // accepted | duplicate | invalid_signature | validation_error
	)

	// SweepRuns counts scheduled sweep executions.
	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_runs_total",
			Help: "Scheduled sweep runs by sweep name and outcome",
		},
		[]string{"sweep", "outcome"}, // ran | skipped_duplicate | error
	)

	// JobOutcomes counts terminal outcomes of queue-consumer jobs outside
	// the provisioning queue (invoices, emails, backups), by queue, the
	// job's own action discriminator where it has one, and outcome.
	JobOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_outcomes_total",
			Help: "Non-provisioning queue job terminal outcomes by queue, action, and outcome",
		},
		[]string{"queue", "action", "outcome"}, // ran | error
	)
)
