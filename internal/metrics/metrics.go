// Package metrics exposes runtime and build state as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "plcgw"

// Metrics holds the gateway's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runtimeUp       prometheus.Gauge
	runtimeStarts   prometheus.Counter
	runtimeExits    prometheus.Counter
	spawnFailures   prometheus.Counter
	buildActive     prometheus.Gauge
	buildsTotal     *prometheus.CounterVec
	buildsRejected  prometheus.Counter
	stageDuration   *prometheus.HistogramVec
	lastSuccessTime prometheus.Gauge
}

// New creates and registers all collectors, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runtimeUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runtime_up",
			Help:      "1 when the supervised runtime is marked running",
		}),
		runtimeStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_starts_total",
			Help:      "Runtime processes spawned",
		}),
		runtimeExits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_unexpected_exits_total",
			Help:      "Runtime processes that exited without a stop request",
		}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_spawn_failures_total",
			Help:      "Runtime spawn attempts that failed",
		}),
		buildActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_active",
			Help:      "1 while a build run is in progress",
		}),
		buildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Completed build runs by outcome and final stage",
		}, []string{"outcome", "stage"}),
		buildsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_rejected_total",
			Help:      "Replace requests rejected because a build was active",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_stage_duration_seconds",
			Help:      "Time spent in each build stage",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		lastSuccessTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful build",
		}),
	}

	m.registry.MustRegister(
		m.runtimeUp,
		m.runtimeStarts,
		m.runtimeExits,
		m.spawnFailures,
		m.buildActive,
		m.buildsTotal,
		m.buildsRejected,
		m.stageDuration,
		m.lastSuccessTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RuntimeStarted() {
	if m == nil {
		return
	}
	m.runtimeStarts.Inc()
	m.runtimeUp.Set(1)
}

func (m *Metrics) RuntimeStopped() {
	if m == nil {
		return
	}
	m.runtimeUp.Set(0)
}

func (m *Metrics) RuntimeExited() {
	if m == nil {
		return
	}
	m.runtimeExits.Inc()
	m.runtimeUp.Set(0)
}

func (m *Metrics) SpawnFailed() {
	if m == nil {
		return
	}
	m.spawnFailures.Inc()
}

func (m *Metrics) BuildStarted() {
	if m == nil {
		return
	}
	m.buildActive.Set(1)
}

func (m *Metrics) BuildRejected() {
	if m == nil {
		return
	}
	m.buildsRejected.Inc()
}

// StageFinished observes the time spent in stage.
func (m *Metrics) StageFinished(stage string, spent time.Duration) {
	if m == nil || stage == "" {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(spent.Seconds())
}

// BuildFinished records a completed run. finalStage is the stage the run was
// in when it ended (the failing stage for failures).
func (m *Metrics) BuildFinished(outcome, finalStage string, at time.Time) {
	if m == nil {
		return
	}
	m.buildActive.Set(0)
	m.buildsTotal.WithLabelValues(outcome, finalStage).Inc()
	if outcome == "success" {
		m.lastSuccessTime.Set(float64(at.Unix()))
	}
}
