package engine

import "github.com/prometheus/client_golang/prometheus"

// Label values for cancellations and dropped output.
const (
	reasonClient     = "client"
	reasonDisconnect = "disconnect"
	reasonUnknown    = "unknown_request"
	reasonCancelled  = "cancelled_request"
	reasonVanished   = "vanished_request"
)

var (
	callbackDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guidance_mask_callback_seconds",
			Help:    "Time spent answering one batch mask callback, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)

	callbackSequences = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guidance_mask_callback_sequences",
			Help:    "Number of sequences whose mask was computed per callback.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		},
	)

	sequenceErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guidance_sequence_errors_total",
			Help: "Total number of sequences forced to end-of-sequence by a constraint error.",
		},
	)

	activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guidance_active_requests",
			Help: "Number of requests in the executor's request table.",
		},
	)

	cancellationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guidance_cancellations_total",
			Help: "Total number of engine cancellations issued, by reason.",
		},
		[]string{"reason"},
	)

	droppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guidance_dropped_results_total",
			Help: "Total number of responses or mask results dropped because their request was gone, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(callbackDuration)
	prometheus.MustRegister(callbackSequences)
	prometheus.MustRegister(sequenceErrors)
	prometheus.MustRegister(activeRequests)
	prometheus.MustRegister(cancellationsTotal)
	prometheus.MustRegister(droppedTotal)

	// Pre-initialize label combinations so they appear in /metrics with value
	// 0 from startup, rather than only after first observation.
	for _, r := range []string{reasonClient, reasonDisconnect, reasonUnknown} {
		cancellationsTotal.WithLabelValues(r)
	}
	for _, r := range []string{reasonCancelled, reasonVanished, reasonUnknown} {
		droppedTotal.WithLabelValues(r)
	}
}
