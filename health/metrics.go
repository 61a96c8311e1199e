package health

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/repolens/errkind"
	"github.com/c360studio/repolens/queue"
	"github.com/c360studio/repolens/store"
)

const namespace = "repolens"

// metrics owns a dedicated Prometheus registry so multiple registries can
// coexist in one process (tests, embedded use).
type metrics struct {
	registry *prometheus.Registry

	queueDepth       prometheus.Gauge
	tasksRunning     prometheus.Gauge
	queueWaitSeconds prometheus.Gauge
	meanTaskSeconds  prometheus.Gauge
	workersTracked   prometheus.Gauge
	workersHealthy   prometheus.Gauge

	workerBeats prometheus.Counter
	taskBeats   prometheus.Counter

	adapterCalls   *prometheus.CounterVec
	adapterSeconds *prometheus.HistogramVec
	stageSeconds   *prometheus.HistogramVec
}

func newMetrics(stats func() *queue.Stats) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Number of tasks waiting for admission.",
		}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tasks_running",
			Help: "Number of tasks in status running.",
		}),
		queueWaitSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_wait_seconds",
			Help: "Estimated wait of the last queued task.",
		}),
		meanTaskSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_mean_task_seconds",
			Help: "Mean duration of recently completed tasks.",
		}),
		workersTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "workers_tracked",
			Help: "Analysis workers currently tracked by the registry.",
		}),
		workersHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "workers_healthy",
			Help: "Tracked workers with a recent heartbeat.",
		}),

		workerBeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "worker_heartbeats_total",
			Help: "Liveness beats received from analysis workers.",
		}),
		taskBeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_heartbeats_total",
			Help: "Liveness stamps recorded by task drivers.",
		}),

		adapterCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "adapter_calls_total",
			Help: "External adapter calls by adapter and outcome.",
		}, []string{"adapter", "outcome"}),
		adapterSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "adapter_call_seconds",
			Help:    "External adapter call latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"adapter"}),
		stageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stage_seconds",
			Help:    "Pipeline stage duration.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 180, 600, 1800},
		}, []string{"stage"}),
	}

	m.registry.MustRegister(
		m.queueDepth, m.tasksRunning, m.queueWaitSeconds, m.meanTaskSeconds,
		m.workersTracked, m.workersHealthy,
		m.workerBeats, m.taskBeats,
		m.adapterCalls, m.adapterSeconds, m.stageSeconds,
	)

	for _, c := range []struct {
		name, help string
		read       func(*queue.Stats) int64
	}{
		{"dispatcher_admitted_total", "Tasks promoted pending to running.", func(s *queue.Stats) int64 { return s.Admitted }},
		{"dispatcher_reclaimed_total", "Orphaned tasks re-dispatched.", func(s *queue.Stats) int64 { return s.Reclaimed }},
		{"dispatcher_interrupted_total", "Task drives interrupted by shutdown.", func(s *queue.Stats) int64 { return s.Interrupted }},
		{"dispatcher_drive_errors_total", "Task drives that returned an error.", func(s *queue.Stats) int64 { return s.DriveErrors }},
	} {
		read := c.read
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: c.name, Help: c.help,
		}, func() float64 {
			if s := stats(); s != nil {
				return float64(read(s))
			}
			return 0
		}))
	}

	return m
}

// Gatherer exposes the metric registry for the diag server.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.metrics.registry
}

// ObserveStage records a finished pipeline stage. Matches the driver's
// stage observer signature. The end of an analyze stage releases the
// tracked workers, since the pool's workers exit with the stage.
func (r *Registry) ObserveStage(step store.Step, elapsed time.Duration) {
	r.metrics.stageSeconds.WithLabelValues(step.String()).Observe(elapsed.Seconds())
	if step == store.StepAnalyze {
		r.releaseWorkers()
	}
}

// observeAdapter records one external call.
func (r *Registry) observeAdapter(adapter string, elapsed time.Duration, err error) {
	r.metrics.adapterCalls.WithLabelValues(adapter, outcome(err)).Inc()
	r.metrics.adapterSeconds.WithLabelValues(adapter).Observe(elapsed.Seconds())
}

// outcome buckets an error into its taxonomy kind for the call counter.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errkind.IsRateLimited(err):
		return "rate_limited"
	case errkind.IsTransient(err):
		return "transient"
	case errkind.IsInput(err):
		return "input"
	case errkind.IsConflict(err):
		return "conflict"
	case errkind.IsNotFound(err):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "fatal"
	}
}
