package metrics

import (
	"time"
)

// ServiceSample is one service's contribution to a Snapshot.
type ServiceSample struct {
	Name   string
	State  int
	Failed bool
}

// Snapshot is the instant view the collector polls from its source each
// cycle.
type Snapshot struct {
	Peers         int
	ClusterLeader bool
	HasQuorum     bool

	ElectorActive bool
	RunnerStates  map[string]int // elector's view, keyed by state name
	HasMaster     bool

	RunnerActive bool
	RunnerState  int

	Services []ServiceSample
}

// Source provides snapshots of the coordinator's state. Implemented by
// the nexus.
type Source interface {
	MetricsSnapshot() Snapshot
}

// Collector polls a Source on an interval and publishes the snapshot as
// Prometheus gauges.
type Collector struct {
	source Source
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	snap := c.source.MetricsSnapshot()

	ClusterPeers.Set(float64(snap.Peers))
	ClusterLeader.Set(boolGauge(snap.ClusterLeader))
	ClusterQuorum.Set(boolGauge(snap.HasQuorum))

	ElectorRunners.Reset()
	if snap.ElectorActive {
		for state, count := range snap.RunnerStates {
			ElectorRunners.WithLabelValues(state).Set(float64(count))
		}
	}
	ElectorHasMaster.Set(boolGauge(snap.ElectorActive && snap.HasMaster))

	if snap.RunnerActive {
		RunnerState.Set(float64(snap.RunnerState))
	}

	ServiceState.Reset()
	for _, svc := range snap.Services {
		ServiceState.WithLabelValues(svc.Name).Set(float64(svc.State))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
