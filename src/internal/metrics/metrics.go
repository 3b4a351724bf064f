// Package metrics exposes Prometheus collectors for prediction runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg       *prometheus.Registry
	runs      *prometheus.CounterVec
	stage     *prometheus.HistogramVec
	molecules prometheus.Counter
	engine    prometheus.Gauge
}

// New registers the collectors on a fresh registry. A nil *Metrics is valid
// and records nothing.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bioact",
			Name:      "runs_total",
			Help:      "Prediction runs by outcome (ok or fault kind).",
		}, []string{"outcome"}),
		stage: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bioact",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage.",
			Buckets:   []float64{.001, .01, .1, .5, 1, 5, 15, 60, 300, 900},
		}, []string{"stage"}),
		molecules: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bioact",
			Name:      "molecules_scored_total",
			Help:      "Molecules that received a score.",
		}),
		engine: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bioact",
			Name:      "engine_calls_in_progress",
			Help:      "Descriptor engine calls running or waiting for a slot.",
		}),
	}
	m.reg.MustRegister(m.runs, m.stage, m.molecules, m.engine,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stage.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) AddMolecules(n int) {
	if m == nil {
		return
	}
	m.molecules.Add(float64(n))
}

// EngineStarted marks an engine call in flight; call the returned func when
// it ends.
func (m *Metrics) EngineStarted() func() {
	if m == nil {
		return func() {}
	}
	m.engine.Inc()
	return m.engine.Dec
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}
