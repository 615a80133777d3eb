package amelisa

import "github.com/prometheus/client_golang/prometheus"

// storeMetrics counts the events worth watching on a server process.
// Resident doc/query/channel counts are exported as GaugeFuncs reading
// the live registries, so they need no bookkeeping of their own.
type storeMetrics struct {
	opsApplied    prometheus.Counter
	opsPublished  prometheus.Counter
	opsEchoed     prometheus.Counter
	docsLoaded    prometheus.Counter
	saveConflicts prometheus.Counter
	saveFailures  prometheus.Counter

	residentDocs    prometheus.GaugeFunc
	residentQueries prometheus.GaugeFunc
	channels        prometheus.GaugeFunc
}

func newStoreMetrics(s *Store) *storeMetrics {
	return &storeMetrics{
		opsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amelisa_ops_applied_total",
			Help: "Mutation ops appended to resident document logs",
		}),
		opsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amelisa_ops_published_total",
			Help: "Committed ops published to the bus",
		}),
		opsEchoed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amelisa_ops_echoed_total",
			Help: "Own bus echoes recognized and discarded",
		}),
		docsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amelisa_docs_loaded_total",
			Help: "Documents loaded from storage into memory",
		}),
		saveConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amelisa_save_conflicts_total",
			Help: "Optimistic save attempts that hit a version conflict",
		}),
		saveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amelisa_save_failures_total",
			Help: "Saves abandoned after exhausting retries",
		}),
		residentDocs: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "amelisa_resident_docs",
			Help: "Documents currently attached in memory",
		}, func() float64 { return float64(s.docSet.size()) }),
		residentQueries: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "amelisa_resident_queries",
			Help: "Queries currently attached in memory",
		}, func() float64 { return float64(s.querySet.size()) }),
		channels: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "amelisa_channels",
			Help: "Connected client channels",
		}, func() float64 { return float64(s.clientCount()) }),
	}
}

func (m *storeMetrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.opsApplied, m.opsPublished, m.opsEchoed,
		m.docsLoaded, m.saveConflicts, m.saveFailures,
		m.residentDocs, m.residentQueries, m.channels,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
