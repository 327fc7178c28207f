package tunnelset

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics is a container of metrics for a Set, registered and
// unregistered as a unit alongside its owning task. The task const
// label keeps concurrent tasks' sets from colliding on one Registerer.
type metrics struct {
	reg *prometheus.Registry

	rowsRoutedTotal    *prometheus.CounterVec
	chunksFlushedTotal *prometheus.CounterVec
	writeErrorsTotal   prometheus.Counter
}

func newMetrics(task string) *metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"task": task}

	return &metrics{
		reg: reg,

		rowsRoutedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name:        "mppcore_tunnelset_rows_routed_total",
			Help:        "Total number of rows routed to an outgoing tunnel, by destination index.",
			ConstLabels: labels,
		}, []string{"destination"}),

		chunksFlushedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name:        "mppcore_tunnelset_chunks_flushed_total",
			Help:        "Total number of chunk messages flushed to an outgoing tunnel, by destination index.",
			ConstLabels: labels,
		}, []string{"destination"}),

		writeErrorsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "mppcore_tunnelset_write_errors_total",
			Help:        "Total number of fatal write errors observed while routing rows to outgoing tunnels.",
			ConstLabels: labels,
		}),
	}
}

// Register registers metrics to report to reg.
func (m *metrics) Register(reg prometheus.Registerer) error { return reg.Register(m.reg) }

// Unregister unregisters metrics from the provided Registerer.
func (m *metrics) Unregister(reg prometheus.Registerer) { reg.Unregister(m.reg) }
