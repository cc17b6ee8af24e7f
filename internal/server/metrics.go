package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the collectors describing fit jobs.
type metrics struct {
	registry   *prometheus.Registry
	fits       *prometheus.CounterVec
	iterations prometheus.Histogram
	fallbacks  prometheus.Counter
	active     prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		fits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lmfit_fits_total",
			Help: "Finished fit jobs by final status.",
		}, []string{"status"}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lmfit_fit_iterations",
			Help:    "Iterations performed by finished fit jobs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lmfit_fallback_steps_total",
			Help: "Steepest-descent steps taken because the damped system was singular.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lmfit_active_fits",
			Help: "Fit jobs currently pending or running.",
		}),
	}
	m.registry.MustRegister(
		m.fits, m.iterations, m.fallbacks, m.active,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
