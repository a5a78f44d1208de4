package sim

import "github.com/prometheus/client_golang/prometheus"

var (
	stepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guidance_sim_steps_total",
			Help: "Total number of batch steps run by the simulated engine.",
		},
	)

	batchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guidance_sim_batch_sequences",
			Help:    "Number of sequences advanced per batch step.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		},
	)

	maskWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guidance_sim_mask_wait_seconds",
			Help:    "Time the engine spent blocked in the mask callback per step, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)

	activeSequences = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guidance_sim_active_sequences",
			Help: "Number of unfinished sequences in the simulated engine.",
		},
	)
)

func init() {
	prometheus.MustRegister(stepsTotal)
	prometheus.MustRegister(batchSize)
	prometheus.MustRegister(maskWait)
	prometheus.MustRegister(activeSequences)
}
