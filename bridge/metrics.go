package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	requests *prometheus.CounterVec
	failures *prometheus.CounterVec
	inflight prometheus.Gauge
	respawns prometheus.Counter
	seconds  *prometheus.HistogramVec
}

// newMetrics reg 为 nil 时指标注册到私有的 registry，不对外暴露
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cutout",
			Subsystem: "bridge",
			Name:      "requests_total",
			Help:      "Requests sent to the pipeline context, by envelope type.",
		}, []string{"type"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cutout",
			Subsystem: "bridge",
			Name:      "failures_total",
			Help:      "Requests that ended in an error, by error code.",
		}, []string{"code"}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "cutout",
			Subsystem: "bridge",
			Name:      "inflight",
			Help:      "Entries in the correlation table.",
		}),
		respawns: f.NewCounter(prometheus.CounterOpts{
			Namespace: "cutout",
			Subsystem: "bridge",
			Name:      "respawns_total",
			Help:      "Pipeline contexts spawned after a context loss.",
		}),
		seconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cutout",
			Subsystem: "bridge",
			Name:      "request_seconds",
			Help:      "Time from submit to terminal response.",
			Buckets:   []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"type"}),
	}
}
