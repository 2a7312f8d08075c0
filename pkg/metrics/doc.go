/*
Package metrics provides Prometheus metrics collection and exposition for
the name server control plane.

It registers gauges/counters/histograms for catalog size, tablet/blob
liveness counts, raft leadership and term, OP queue depth and duration,
task retries, reconciliation cycle duration, and peer cluster health, and
exposes them via an HTTP handler for scraping. A Collector samples
catalog and coordination state on a fixed interval; instrumentation
elsewhere (scheduler, reconciler, api) updates counters/histograms
directly at the point of the event.

	nscoord_tables_total                      gauge
	nscoord_tablets_total{state}               gauge
	nscoord_raft_is_leader                     gauge
	nscoord_op_queue_depth{shard}               gauge
	nscoord_op_duration_seconds{op_type}        histogram
	nscoord_reconciliation_duration_seconds     histogram
*/
package metrics
