// Package observer records what the validation host does: execution outcomes, worker churn
// and artifact cache behaviour.
package observer

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pvf"

// Outcome labels used by ObserveExecution.
const (
	OutcomeValid    = "valid"
	OutcomeInvalid  = "invalid"
	OutcomeTimedOut = "timed_out"
	OutcomeDied     = "died"
	OutcomeInternal = "internal"
)

// Recorder receives host events. Implementations must be safe for concurrent use.
type Recorder interface {
	ObserveExecution(kind, outcome string, cpu time.Duration)
	ObservePoVSize(size uint32)
	WorkerSpawned(ok bool)
	ArtifactLookup(hit bool)
	ObservePreparation(elapsed time.Duration, err error)
}

// Noop discards everything.
type Noop struct{}

func (Noop) ObserveExecution(string, string, time.Duration) {}
func (Noop) ObservePoVSize(uint32)                          {}
func (Noop) WorkerSpawned(bool)                             {}
func (Noop) ArtifactLookup(bool)                            {}
func (Noop) ObservePreparation(time.Duration, error)        {}

// Metrics is a Recorder backed by prometheus collectors.
type Metrics struct {
	executions   *prometheus.CounterVec
	executeCPU   *prometheus.HistogramVec
	povSize      prometheus.Histogram
	spawns       *prometheus.CounterVec
	lookups      *prometheus.CounterVec
	preparations *prometheus.CounterVec
	prepareTime  prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with r.
func NewMetrics(r prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "number of candidate executions by kind and outcome",
		}, []string{"kind", "outcome"}),
		executeCPU: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execute_cpu_seconds",
			Help:      "cpu time spent by execute jobs",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 12, 24},
		}, []string{"kind"}),
		povSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pov_size_bytes",
			Help:      "decompressed size of executed PoVs",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_spawns_total",
			Help:      "number of execute worker spawn attempts",
		}, []string{"result"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_lookups_total",
			Help:      "artifact cache lookups",
		}, []string{"result"}),
		preparations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preparations_total",
			Help:      "number of artifact preparations",
		}, []string{"result"}),
		prepareTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prepare_seconds",
			Help:      "wall clock time spent preparing artifacts",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	if err := errors.Join(
		r.Register(m.executions),
		r.Register(m.executeCPU),
		r.Register(m.povSize),
		r.Register(m.spawns),
		r.Register(m.lookups),
		r.Register(m.preparations),
		r.Register(m.prepareTime),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) ObserveExecution(kind, outcome string, cpu time.Duration) {
	m.executions.WithLabelValues(kind, outcome).Inc()
	if cpu > 0 {
		m.executeCPU.WithLabelValues(kind).Observe(cpu.Seconds())
	}
}

func (m *Metrics) ObservePoVSize(size uint32) {
	m.povSize.Observe(float64(size))
}

func (m *Metrics) WorkerSpawned(ok bool) {
	m.spawns.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) ArtifactLookup(hit bool) {
	if hit {
		m.lookups.WithLabelValues("hit").Inc()
		return
	}
	m.lookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) ObservePreparation(elapsed time.Duration, err error) {
	m.preparations.WithLabelValues(result(err == nil)).Inc()
	m.prepareTime.Observe(elapsed.Seconds())
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
