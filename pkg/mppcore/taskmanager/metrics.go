package taskmanager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics is a container of metrics for a Manager, registered and
// unregistered as a unit alongside it.
type metrics struct {
	reg *prometheus.Registry

	dispatchSeconds       prometheus.Histogram
	dispatchErrorsTotal   prometheus.Counter
	tasksActive           prometheus.Gauge
	hangCancelsTotal      prometheus.Counter
	queriesCancelledTotal prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()

	return &metrics{
		reg: reg,

		dispatchSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "mppcore_taskmanager_dispatch_seconds",
			Help:    "Latency of handling one dispatch request, including plan decode and pipeline construction.",
			Buckets: prometheus.DefBuckets,
		}),

		dispatchErrorsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mppcore_taskmanager_dispatch_errors_total",
			Help: "Total number of dispatch requests rejected during prepare.",
		}),

		tasksActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "mppcore_taskmanager_tasks_active",
			Help: "Number of tasks currently registered.",
		}),

		hangCancelsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mppcore_taskmanager_hang_cancels_total",
			Help: "Total number of query cancellations initiated by the hang monitor.",
		}),

		queriesCancelledTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mppcore_taskmanager_queries_cancelled_total",
			Help: "Total number of query-level cancellations executed.",
		}),
	}
}

// Register registers metrics to report to reg.
func (m *metrics) Register(reg prometheus.Registerer) error { return reg.Register(m.reg) }

// Unregister unregisters metrics from the provided Registerer.
func (m *metrics) Unregister(reg prometheus.Registerer) { reg.Unregister(m.reg) }
