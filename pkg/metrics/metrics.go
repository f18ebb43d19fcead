// Package metrics exposes the Prometheus instrumentation surface for
// Valka's task lifecycle, matching, forwarding, and cluster components
// (spec §10, original_source/crates/valka-core/src/metrics.rs).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valka_tasks_created_total",
			Help: "Total number of tasks created, by queue",
		},
		[]string{"queue"},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valka_tasks_completed_total",
			Help: "Total number of tasks completed successfully, by queue",
		},
		[]string{"queue"},
	)

	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valka_tasks_failed_total",
			Help: "Total number of tasks that failed without retry, by queue",
		},
		[]string{"queue"},
	)

	TasksRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valka_tasks_retried_total",
			Help: "Total number of task attempts scheduled for retry, by queue",
		},
		[]string{"queue"},
	)

	TasksDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valka_tasks_dead_lettered_total",
			Help: "Total number of tasks moved to the dead-letter queue, by queue",
		},
		[]string{"queue"},
	)

	DispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "valka_dispatch_latency_ms",
			Help:    "Time from dequeue to worker assignment in milliseconds, by queue",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "valka_task_duration_ms",
			Help:    "Time from dispatch to terminal result in milliseconds, by queue",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "valka_active_workers",
			Help: "Number of workers currently connected to this node",
		},
	)

	PendingTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "valka_pending_tasks",
			Help: "Number of PENDING tasks buffered in the matching service, by queue",
		},
		[]string{"queue"},
	)

	SyncMatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "valka_sync_matches_total",
			Help: "Total number of tasks handed directly to an already-waiting worker",
		},
	)

	AsyncMatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "valka_async_matches_total",
			Help: "Total number of tasks matched from the durable buffer by the task reader",
		},
	)

	ClusterMembers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "valka_cluster_members",
			Help: "Number of nodes currently visible in the gossip membership list",
		},
	)

	ForwardCircuitOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valka_forward_circuit_open_total",
			Help: "Total number of times a peer's forwarding circuit breaker tripped open",
		},
		[]string{"addr"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksCreatedTotal, TasksCompletedTotal, TasksFailedTotal, TasksRetriedTotal,
		TasksDeadLetteredTotal, DispatchLatency, TaskDuration, ActiveWorkers, PendingTasks,
		SyncMatchesTotal, AsyncMatchesTotal, ClusterMembers, ForwardCircuitOpenTotal,
	)
}

func RecordTaskCreated(queue string)      { TasksCreatedTotal.WithLabelValues(queue).Inc() }
func RecordTaskCompleted(queue string)    { TasksCompletedTotal.WithLabelValues(queue).Inc() }
func RecordTaskFailed(queue string)       { TasksFailedTotal.WithLabelValues(queue).Inc() }
func RecordTaskRetried(queue string)      { TasksRetriedTotal.WithLabelValues(queue).Inc() }
func RecordTaskDeadLettered(queue string) { TasksDeadLetteredTotal.WithLabelValues(queue).Inc() }

func RecordDispatchLatency(queue string, latencyMs float64) {
	DispatchLatency.WithLabelValues(queue).Observe(latencyMs)
}

func RecordTaskDuration(queue string, durationMs float64) {
	TaskDuration.WithLabelValues(queue).Observe(durationMs)
}

func SetActiveWorkers(count float64)              { ActiveWorkers.Set(count) }
func SetPendingTasks(queue string, count float64) { PendingTasks.WithLabelValues(queue).Set(count) }
func RecordSyncMatch()                            { SyncMatchesTotal.Inc() }
func RecordAsyncMatch()                           { AsyncMatchesTotal.Inc() }
func SetClusterMembers(count float64)             { ClusterMembers.Set(count) }
func RecordForwardCircuitOpen(addr string)        { ForwardCircuitOpenTotal.WithLabelValues(addr).Inc() }

// Handler returns the standard Prometheus scrape endpoint handler, matching
// the teacher's promhttp wiring in cmd/warren.
func Handler() http.Handler { return promhttp.Handler() }

// Timer measures elapsed wall-clock time for observing into a latency
// histogram, e.g. around a dispatch attempt or a store round trip.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer { return &Timer{start: time.Now()} }

// Duration returns the elapsed time since NewTimer.
func (t *Timer) Duration() time.Duration { return time.Since(t.start) }

// ObserveDuration records the elapsed time, in seconds, into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time, in seconds, into histogram
// for the given label values.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
