package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/BaSui01/fleetguard/agent/faulttolerance"
)

// FleetSource is the read side of the fault tolerance manager that the fleet
// collector samples on every scrape.
type FleetSource interface {
	GetAllAgentHealth() map[string]faulttolerance.HealthState
	GetRecoveryStats() faulttolerance.RecoveryStatistics
}

// fleetCollector reports registry and recovery statistics at scrape time.
type fleetCollector struct {
	src FleetSource

	agents      *prometheus.Desc
	recoveries  *prometheus.Desc
	restarts    *prometheus.Desc
	redistrib   *prometheus.Desc
	rollbacks   *prometheus.Desc
	unhandled   *prometheus.Desc
	lastRecover *prometheus.Desc
}

func newFleetCollector(namespace string, src FleetSource) *fleetCollector {
	fq := func(name string) string { return prometheus.BuildFQName(namespace, "fleet", name) }
	return &fleetCollector{
		src:         src,
		agents:      prometheus.NewDesc(fq("agents"), "Registered agents by health state", []string{"health"}, nil),
		recoveries:  prometheus.NewDesc(fq("recoveries_total"), "Recovery attempts by result", []string{"result"}, nil),
		restarts:    prometheus.NewDesc(fq("restarts_total"), "Agent restarts issued", nil, nil),
		redistrib:   prometheus.NewDesc(fq("redistributions_total"), "Tasks moved to another agent", nil, nil),
		rollbacks:   prometheus.NewDesc(fq("rollbacks_total"), "Tasks rolled back to a checkpoint", nil, nil),
		unhandled:   prometheus.NewDesc(fq("unhandled_failures_total"), "Failures seen while auto recovery was disabled", nil, nil),
		lastRecover: prometheus.NewDesc(fq("last_recovery_timestamp_seconds"), "Unix time of the last recovery attempt", nil, nil),
	}
}

func (f *fleetCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- f.agents
	ch <- f.recoveries
	ch <- f.restarts
	ch <- f.redistrib
	ch <- f.rollbacks
	ch <- f.unhandled
	ch <- f.lastRecover
}

func (f *fleetCollector) Collect(ch chan<- prometheus.Metric) {
	counts := map[faulttolerance.HealthState]int{
		faulttolerance.HealthHealthy:      0,
		faulttolerance.HealthUnresponsive: 0,
		faulttolerance.HealthFailed:       0,
	}
	for _, h := range f.src.GetAllAgentHealth() {
		counts[h]++
	}
	for h, n := range counts {
		ch <- prometheus.MustNewConstMetric(f.agents, prometheus.GaugeValue, float64(n), string(h))
	}

	st := f.src.GetRecoveryStats()
	ch <- prometheus.MustNewConstMetric(f.recoveries, prometheus.CounterValue, float64(st.TotalRecoveryAttempts), "attempted")
	ch <- prometheus.MustNewConstMetric(f.recoveries, prometheus.CounterValue, float64(st.SuccessfulRecoveries), "successful")
	ch <- prometheus.MustNewConstMetric(f.recoveries, prometheus.CounterValue, float64(st.FailedRecoveries), "failed")
	ch <- prometheus.MustNewConstMetric(f.restarts, prometheus.CounterValue, float64(st.AgentRestarts))
	ch <- prometheus.MustNewConstMetric(f.redistrib, prometheus.CounterValue, float64(st.TaskRedistributions))
	ch <- prometheus.MustNewConstMetric(f.rollbacks, prometheus.CounterValue, float64(st.TaskRollbacks))
	ch <- prometheus.MustNewConstMetric(f.unhandled, prometheus.CounterValue, float64(st.UnhandledFailures))
	if st.LastRecovery != nil {
		ch <- prometheus.MustNewConstMetric(f.lastRecover, prometheus.GaugeValue, float64(st.LastRecovery.Unix()))
	}
}

// RegisterFleet exposes the manager's registry and statistics as gauges and
// counters sampled at scrape time.
func (c *Collector) RegisterFleet(src FleetSource) error {
	return c.registerer.Register(newFleetCollector(c.namespace, src))
}

// RegisterJournal exposes the number of fault events the journal dropped
// because its buffer was full.
func (c *Collector) RegisterJournal(dropped func() int64) error {
	return c.registerer.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: "journal",
		Name:      "dropped_events_total",
		Help:      "Fault events dropped by the event journal on a full buffer",
	}, func() float64 { return float64(dropped()) }))
}
