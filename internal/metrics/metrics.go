// Package metrics holds the Prometheus collectors for engine activity.
// Collectors live on a private registry; nothing registers globally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mdk"

// Engine is the set of engine collectors. A nil *Engine is valid and
// records nothing.
type Engine struct {
	registry *prometheus.Registry

	messagesProcessed   *prometheus.CounterVec
	commitsApplied      *prometheus.CounterVec
	rollbacks           prometheus.Counter
	invalidated         prometheus.Counter
	retryable           prometheus.Counter
	snapshotsPruned     prometheus.Counter
	snapshotsRegistered prometheus.Gauge
	processDuration     *prometheus.HistogramVec
}

// NewEngine creates the engine collectors and registers them with reg.
// A nil reg gets a fresh private registry.
func NewEngine(reg *prometheus.Registry) *Engine {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Engine{
		registry: reg,
		messagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "messages_processed_total",
			Help:      "Inbound group events by processing result",
		}, []string{"result"}),
		commitsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "commits_applied_total",
			Help:      "Commits that advanced a group epoch",
		}, []string{"origin"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "rollbacks_total",
			Help:      "Commit races resolved by restoring a snapshot",
		}),
		invalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "messages_invalidated_total",
			Help:      "Messages marked epoch_invalidated by rollbacks",
		}),
		retryable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "messages_retryable_total",
			Help:      "Failed messages moved to retryable by rollbacks",
		}),
		snapshotsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshots",
			Name:      "pruned_total",
			Help:      "Snapshots released by retention or TTL",
		}),
		snapshotsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshots",
			Name:      "registered",
			Help:      "Snapshots currently tracked as rollback candidates",
		}),
		processDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "process_duration_seconds",
			Help:      "Time spent processing one inbound event",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.messagesProcessed,
		m.commitsApplied,
		m.rollbacks,
		m.invalidated,
		m.retryable,
		m.snapshotsPruned,
		m.snapshotsRegistered,
		m.processDuration,
	)
	return m
}

// Registry returns the registry the collectors are on.
func (m *Engine) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Engine) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Engine) MessageProcessed(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.messagesProcessed.WithLabelValues(result).Inc()
	m.processDuration.WithLabelValues(result).Observe(took.Seconds())
}

// CommitApplied counts an epoch advance. origin is "local" or "remote".
func (m *Engine) CommitApplied(origin string) {
	if m == nil {
		return
	}
	m.commitsApplied.WithLabelValues(origin).Inc()
}

func (m *Engine) Rollback(invalidated, retryable int) {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
	m.invalidated.Add(float64(invalidated))
	m.retryable.Add(float64(retryable))
}

func (m *Engine) SnapshotsPruned(n int) {
	if m == nil || n == 0 {
		return
	}
	m.snapshotsPruned.Add(float64(n))
}

func (m *Engine) SnapshotsRegistered(n int) {
	if m == nil {
		return
	}
	m.snapshotsRegistered.Set(float64(n))
}
