// Package metrics exports runtime, futex and pool activity as Prometheus
// metrics.
package metrics

import (
	"time"

	"github.com/containerd/errdefs"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fortiblox/strand/pkg/pool"
	"github.com/fortiblox/strand/pkg/svm/memory"
	"github.com/fortiblox/strand/pkg/threads"
)

const namespace = "strand"

// Collector records observer callbacks. It implements threads.Observer,
// memory.Observer and pool.Observer and is a prometheus.Collector.
type Collector struct {
	spawns        *prometheus.CounterVec
	spawnFailures *prometheus.CounterVec
	memoryInits   *prometheus.CounterVec
	exits         *prometheus.CounterVec
	live          prometheus.Gauge
	waits         *prometheus.CounterVec
	woken         prometheus.Counter
	notifies      prometheus.Counter
	workers       prometheus.Gauge
	jobsRunning   prometheus.Gauge
	jobs          *prometheus.CounterVec
	jobDuration   prometheus.Histogram
}

var (
	_ threads.Observer = (*Collector)(nil)
	_ memory.Observer  = (*Collector)(nil)
	_ pool.Observer    = (*Collector)(nil)
)

// New creates a collector. It is not registered anywhere.
func New() *Collector {
	return &Collector{
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "threads",
			Name:      "spawned_total",
			Help:      "Thread contexts handed to a host, by entry kind.",
		}, []string{"entry"}),
		spawnFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "threads",
			Name:      "spawn_failures_total",
			Help:      "Spawn requests rejected before a thread started, by reason.",
		}, []string{"reason"}),
		memoryInits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "threads",
			Name:      "memory_init_total",
			Help:      "Memory initializer outcomes seen by contexts.",
		}, []string{"outcome"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "threads",
			Name:      "exited_total",
			Help:      "Thread contexts that finished, by entry kind and status.",
		}, []string{"entry", "status"}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "threads",
			Name:      "live",
			Help:      "Spawned thread contexts that have not exited.",
		}),
		waits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "futex",
			Name:      "waits_total",
			Help:      "Atomic wait outcomes.",
		}, []string{"result"}),
		woken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "futex",
			Name:      "woken_total",
			Help:      "Waiters woken by notify.",
		}),
		notifies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "futex",
			Name:      "notifies_total",
			Help:      "Notify calls.",
		}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "workers",
			Help:      "Worker contexts spawned by the pool.",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "jobs_running",
			Help:      "Jobs currently executing on a worker.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "jobs_total",
			Help:      "Finished jobs, by outcome.",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "job_duration_seconds",
			Help:      "Job execution time on a worker.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.spawns, c.spawnFailures, c.memoryInits, c.exits, c.live,
		c.waits, c.woken, c.notifies,
		c.workers, c.jobsRunning, c.jobs, c.jobDuration,
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.collectors() {
		m.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.collectors() {
		m.Collect(ch)
	}
}

// ThreadSpawned implements threads.Observer.
func (c *Collector) ThreadSpawned(entry threads.EntryKind) {
	c.spawns.WithLabelValues(entry.String()).Inc()
	c.live.Inc()
}

// SpawnFailed implements threads.Observer.
func (c *Collector) SpawnFailed(reason string, _ error) {
	c.spawnFailures.WithLabelValues(reason).Inc()
}

// MemoryInitialized implements threads.Observer.
func (c *Collector) MemoryInitialized(ran bool, err error) {
	switch {
	case err != nil:
		c.memoryInits.WithLabelValues("failed").Inc()
	case ran:
		c.memoryInits.WithLabelValues("ran").Inc()
	default:
		c.memoryInits.WithLabelValues("skipped").Inc()
	}
}

// ThreadExited implements threads.Observer.
func (c *Collector) ThreadExited(entry threads.EntryKind, err error) {
	status := "exited"
	if err != nil {
		status = "failed"
	}
	c.exits.WithLabelValues(entry.String(), status).Inc()
	c.live.Dec()
}

// ObserveWait implements memory.Observer.
func (c *Collector) ObserveWait(result memory.WaitResult) {
	c.waits.WithLabelValues(result.String()).Inc()
}

// ObserveNotify implements memory.Observer.
func (c *Collector) ObserveNotify(woken uint32) {
	c.notifies.Inc()
	c.woken.Add(float64(woken))
}

// WorkerSpawned implements pool.Observer.
func (c *Collector) WorkerSpawned() {
	c.workers.Inc()
}

// JobStarted implements pool.Observer.
func (c *Collector) JobStarted() {
	c.jobsRunning.Inc()
}

// JobFinished implements pool.Observer.
func (c *Collector) JobFinished(d time.Duration, err error) {
	c.jobsRunning.Dec()
	c.jobDuration.Observe(d.Seconds())
	c.jobs.WithLabelValues(outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errdefs.IsInvalidArgument(err):
		return "invalid"
	case errdefs.IsFailedPrecondition(err):
		return "precondition"
	}
	return "error"
}
