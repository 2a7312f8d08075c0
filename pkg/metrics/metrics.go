package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Catalog metrics
	TablesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nscoord_tables_total",
			Help: "Total number of tables in the catalog",
		},
	)

	TabletsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nscoord_tablets_total",
			Help: "Total number of tablets by liveness state",
		},
		[]string{"state"},
	)

	BlobServersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nscoord_blob_servers_total",
			Help: "Total number of blob servers by liveness state",
		},
		[]string{"state"},
	)

	// Coordination / raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nscoord_raft_is_leader",
			Help: "Whether this node holds the coordination lock (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nscoord_raft_peers_total",
			Help: "Total number of raft peers in the cluster",
		},
	)

	RaftTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nscoord_raft_term",
			Help: "Current raft term (used as the coordination session term)",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nscoord_raft_apply_duration_seconds",
			Help:    "Time taken to apply a raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LeaderChangesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nscoord_leader_changes_total",
			Help: "Total number of times this process acquired the coordination lock",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nscoord_api_requests_total",
			Help: "Total number of admin API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nscoord_api_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// OP scheduler metrics
	OPQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nscoord_op_queue_depth",
			Help: "Number of OPs queued per shard",
		},
		[]string{"shard"},
	)

	OPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nscoord_op_duration_seconds",
			Help:    "Time from OP submission to terminal state, by OP type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op_type"},
	)

	OPsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nscoord_ops_total",
			Help: "Total number of OPs by type and terminal state",
		},
		[]string{"op_type", "state"},
	)

	TaskRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nscoord_task_retries_total",
			Help: "Total number of task retries by task type",
		},
		[]string{"task_type"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nscoord_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nscoord_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	// Cluster registry metrics
	ClusterHealthGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nscoord_cluster_healthy",
			Help: "Whether a peer replica cluster is healthy (1) or not (0)",
		},
		[]string{"alias"},
	)
)

func init() {
	prometheus.MustRegister(TablesTotal)
	prometheus.MustRegister(TabletsTotal)
	prometheus.MustRegister(BlobServersTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftTerm)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(LeaderChangesTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(OPQueueDepth)
	prometheus.MustRegister(OPDuration)
	prometheus.MustRegister(OPsTotal)
	prometheus.MustRegister(TaskRetriesTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ClusterHealthGauge)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
