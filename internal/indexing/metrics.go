package indexing

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the in-process counters the loop updates as it runs.
// HTTP exposition of these is out of scope; they exist so operators (and
// tests) can observe the loop's behavior without parsing logs.
type Metrics struct {
	BatchesProcessed prometheus.Counter
	DecodeErrors     prometheus.Counter
	ReorgsHandled    prometheus.Counter
}

// NewMetrics registers the loop's counters on reg and returns them. Pass a
// fresh prometheus.NewRegistry() in tests to avoid collisions with other
// loops registered in the same process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BatchesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainindex_batches_processed_total",
			Help: "Number of indexing batches successfully persisted.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainindex_decode_errors_total",
			Help: "Number of logs that failed to decode for a reason other than a missing schema.",
		}),
		ReorgsHandled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainindex_reorgs_handled_total",
			Help: "Number of reorg recovery operations executed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.BatchesProcessed, m.DecodeErrors, m.ReorgsHandled)
	}
	return m
}
