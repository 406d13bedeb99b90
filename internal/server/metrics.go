package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	finished *prometheus.CounterVec
	duration prometheus.Histogram
	running  prometheus.Gauge
}

func newMetrics(r prometheus.Registerer) *metrics {
	m := &metrics{
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bmfmc",
			Name:      "analyses_total",
			Help:      "Finished analyses by final status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bmfmc",
			Name:      "analysis_duration_seconds",
			Help:      "Wall time from submission to the final status.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bmfmc",
			Name:      "analyses_running",
			Help:      "Analyses currently executing.",
		}),
	}
	r.MustRegister(m.finished, m.duration, m.running)
	return m
}

func (m *metrics) observe(status string, d time.Duration) {
	m.finished.WithLabelValues(status).Inc()
	m.duration.Observe(d.Seconds())
}
