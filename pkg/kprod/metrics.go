package kprod

import "github.com/prometheus/client_golang/prometheus"

// metrics bundles the Prometheus collectors the sender and accumulator
// update. Grounded on zinohome-Takhin's use of prometheus/client_golang;
// applied here to the counters/gauges named throughout §4.E and §8
// (in-flight requests per node, retries, produce latency, transaction
// state).
type metrics struct {
	bufferedBytes    prometheus.Gauge
	batchesInFlight  prometheus.Gauge
	produceLatency   prometheus.Histogram
	retries          prometheus.Counter
	recordsSent      prometheus.Counter
	recordsFailed    prometheus.Counter
	transactionState prometheus.Gauge
	producerIDRenews prometheus.Counter
}

// newMetrics registers a fresh set of collectors against reg. Passing a nil
// registerer is valid: the collectors still exist and can be updated, they
// are simply not exported anywhere, which is useful for tests that do not
// want to share the default global registry.
func newMetrics(reg prometheus.Registerer, clientID string) *metrics {
	labels := prometheus.Labels{"client_id": clientID}

	m := &metrics{
		bufferedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kprod",
			Name:        "buffered_bytes",
			Help:        "Bytes currently held in the accumulator's partition queues, counted against the backpressure budget.",
			ConstLabels: labels,
		}),
		batchesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kprod",
			Name:        "batches_in_flight",
			Help:        "Number of record batches currently dispatched to a broker node awaiting response.",
			ConstLabels: labels,
		}),
		produceLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "kprod",
			Name:        "produce_latency_seconds",
			Help:        "Latency of a single Produce round trip, from dispatch to response handling.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kprod",
			Name:        "batch_retries_total",
			Help:        "Number of batches re-enqueued after a retriable produce error.",
			ConstLabels: labels,
		}),
		recordsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kprod",
			Name:        "records_sent_total",
			Help:        "Number of records whose completion handle resolved successfully.",
			ConstLabels: labels,
		}),
		recordsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kprod",
			Name:        "records_failed_total",
			Help:        "Number of records whose completion handle the sender resolved with an error.",
			ConstLabels: labels,
		}),
		transactionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kprod",
			Name:        "transaction_state",
			Help:        "Current transaction manager state, as an integer matching the TxnState enum order.",
			ConstLabels: labels,
		}),
		producerIDRenews: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kprod",
			Name:        "producer_id_renewals_total",
			Help:        "Number of successful InitProducerId acquisitions.",
			ConstLabels: labels,
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.bufferedBytes, m.batchesInFlight, m.produceLatency, m.retries,
			m.recordsSent, m.recordsFailed, m.transactionState, m.producerIDRenews,
		} {
			_ = reg.Register(c)
		}
	}
	return m
}
