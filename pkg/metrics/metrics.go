package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	ClusterPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ward_cluster_peers",
			Help: "Number of peers currently in the cluster view, including self",
		},
	)

	ClusterLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ward_cluster_is_leader",
			Help: "Whether this node is the cluster leader (1 = leader, 0 = servant/candidate)",
		},
	)

	ClusterQuorum = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ward_cluster_has_quorum",
			Help: "Whether the cluster currently has quorum (1 = yes)",
		},
	)

	// Elector metrics
	ElectorRunners = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ward_elector_runners",
			Help: "Number of runners known to the elector by state",
		},
		[]string{"state"},
	)

	ElectorHasMaster = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ward_elector_has_master",
			Help: "Whether the elector has designated a master (1 = yes)",
		},
	)

	ElectorTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ward_elector_tick_duration_seconds",
			Help:    "Time taken by one elector pipeline tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ElectorFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ward_elector_runner_failures_total",
			Help: "Total number of runner failures recorded by the elector",
		},
	)

	// Runner metrics
	RunnerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ward_runner_state",
			Help: "Local runner state ordinal (0=Failed .. 5=Master)",
		},
	)

	RunnerRecoveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ward_runner_recoveries_total",
			Help: "Total number of automatic recovery attempts after a failure",
		},
	)

	// Service supervisor metrics
	ServiceState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ward_service_state",
			Help: "Service state ordinal (0=Failed .. 8=Promoted) by service",
		},
		[]string{"service"},
	)

	ServiceScriptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ward_service_script_duration_seconds",
			Help:    "Service script run time in seconds by event",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"event"},
	)

	ServiceScriptFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ward_service_script_failures_total",
			Help: "Total number of failed or timed-out service scripts by service and event",
		},
		[]string{"service", "event"},
	)

	// Wire metrics
	DatagramsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ward_datagrams_sent_total",
			Help: "Total number of datagrams sent by message kind",
		},
		[]string{"op"},
	)

	DatagramsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ward_datagrams_received_total",
			Help: "Total number of datagrams accepted by message kind",
		},
		[]string{"op"},
	)

	DatagramsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ward_datagrams_dropped_total",
			Help: "Total number of inbound datagrams dropped by reason",
		},
		[]string{"reason"},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ward_rpc_requests_total",
			Help: "Total number of RPC requests handled by command",
		},
		[]string{"cmd"},
	)
)

func init() {
	prometheus.MustRegister(ClusterPeers)
	prometheus.MustRegister(ClusterLeader)
	prometheus.MustRegister(ClusterQuorum)
	prometheus.MustRegister(ElectorRunners)
	prometheus.MustRegister(ElectorHasMaster)
	prometheus.MustRegister(ElectorTickDuration)
	prometheus.MustRegister(ElectorFailuresTotal)
	prometheus.MustRegister(RunnerState)
	prometheus.MustRegister(RunnerRecoveriesTotal)
	prometheus.MustRegister(ServiceState)
	prometheus.MustRegister(ServiceScriptDuration)
	prometheus.MustRegister(ServiceScriptFailuresTotal)
	prometheus.MustRegister(DatagramsSentTotal)
	prometheus.MustRegister(DatagramsReceivedTotal)
	prometheus.MustRegister(DatagramsDroppedTotal)
	prometheus.MustRegister(RPCRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
