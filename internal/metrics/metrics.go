// Package metrics holds the prometheus collectors shared by the scheduler,
// the notification dispatcher and the command path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gamenight"

type Metrics struct {
	Registry prometheus.Gatherer

	Transitions     *prometheus.CounterVec
	Commands        *prometheus.HistogramVec
	Notifications   *prometheus.CounterVec
	Reminders       *prometheus.CounterVec
	PendingTimers   *prometheus.GaugeVec
	SerialQueueJobs prometheus.Gauge
}

// New registers every collector on reg. Passing a fresh registry per
// instance keeps tests independent.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Game night state transitions by source and target state",
		}, []string{"from", "to"}),
		Commands: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command latency by command and outcome kind",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command", "outcome"}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Outbox notifications by kind and delivery status",
		}, []string{"kind", "status"}),
		Reminders: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_total",
			Help:      "Reminder dispatch outcomes",
		}, []string{"status"}),
		PendingTimers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_timers",
			Help:      "Armed timers per scheduler loop",
		}, []string{"loop"}),
		SerialQueueJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "serial_queue_jobs",
			Help:      "Jobs waiting in the per-game-night serialized queues",
		}),
	}
}

// NewNop returns metrics bound to a private registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
