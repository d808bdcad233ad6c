// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics implements the coordinator's Prometheus metrics sink.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/tetherd/internal/tether/types"
)

// Metrics holds every tethering-offload Prometheus metric and
// implements prometheus.Collector directly, mirroring a single
// registered collector over several related instruments.
type Metrics struct {
	ActiveSessionsPeak prometheus.Gauge

	ForwardedBytes *prometheus.CounterVec
	ForwardedPkts  *prometheus.CounterVec

	AlertQuotaReached prometheus.Counter

	DownstreamsActive prometheus.Gauge

	RefreshRuns  prometheus.Counter
	RefreshStale prometheus.Counter
}

// New builds a Metrics collector. It is not registered with any
// registry; call Register to do that.
func New() *Metrics {
	return &Metrics{
		ActiveSessionsPeak: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tether_active_sessions_peak",
			Help: "Peak number of offloaded NAT sessions observed in the last sample window.",
		}),

		ForwardedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_forwarded_bytes_total",
			Help: "Total bytes forwarded through the tethering datapath, by upstream interface and direction.",
		}, []string{"upstream", "direction"}),

		ForwardedPkts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_forwarded_packets_total",
			Help: "Total packets forwarded through the tethering datapath, by upstream interface and direction.",
		}, []string{"upstream", "direction"}),

		AlertQuotaReached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tether_alert_quota_reached_total",
			Help: "Number of times the remaining alert quota crossed from positive to zero.",
		}),

		DownstreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tether_downstreams_active",
			Help: "Number of downstream interfaces currently served.",
		}),

		RefreshRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tether_conntrack_refresh_runs_total",
			Help: "Number of completed conntrack timeout refresh passes.",
		}),

		RefreshStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tether_conntrack_refresh_stale_total",
			Help: "Number of entries skipped in a refresh pass for exceeding the staleness bound.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.ActiveSessionsPeak.Describe(ch)
	m.ForwardedBytes.Describe(ch)
	m.ForwardedPkts.Describe(ch)
	m.AlertQuotaReached.Describe(ch)
	m.DownstreamsActive.Describe(ch)
	m.RefreshRuns.Describe(ch)
	m.RefreshStale.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.ActiveSessionsPeak.Collect(ch)
	m.ForwardedBytes.Collect(ch)
	m.ForwardedPkts.Collect(ch)
	m.AlertQuotaReached.Collect(ch)
	m.DownstreamsActive.Collect(ch)
	m.RefreshRuns.Collect(ch)
	m.RefreshStale.Collect(ch)
}

// Register registers m with reg. Panics on duplicate registration, the
// same as prometheus.MustRegister, since a second collector instance
// sharing this process would indicate a construction bug.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(m)
}

// ReportActiveSessions implements coordinator.MetricsSink.
func (m *Metrics) ReportActiveSessions(peak uint32) {
	m.ActiveSessionsPeak.Set(float64(peak))
}

// NotifyStatsUpdated implements statslimit.StatsSink. uid is accepted
// to satisfy the interface but is not used as a label: this sink is
// scoped to interface-level forwarded-byte totals, not per-uid
// platform accounting.
func (m *Metrics) NotifyStatsUpdated(perIface map[string]types.ForwardedStats, _ int) {
	for name, delta := range perIface {
		m.ForwardedBytes.WithLabelValues(name, "rx").Add(float64(delta.RxBytes))
		m.ForwardedBytes.WithLabelValues(name, "tx").Add(float64(delta.TxBytes))
		m.ForwardedPkts.WithLabelValues(name, "rx").Add(float64(delta.RxPackets))
		m.ForwardedPkts.WithLabelValues(name, "tx").Add(float64(delta.TxPackets))
	}
}

// NotifyAlertReached implements statslimit.StatsSink.
func (m *Metrics) NotifyAlertReached() {
	m.AlertQuotaReached.Inc()
}

// SetDownstreamsActive records the current served-downstream count.
// Implements coordinator.MetricsSink.
func (m *Metrics) SetDownstreamsActive(n int) {
	m.DownstreamsActive.Set(float64(n))
}

// ObserveRefresh records one completed conntrack refresh pass, and how
// many entries it skipped for exceeding the staleness bound. Implements
// refresher.Observer.
func (m *Metrics) ObserveRefresh(staleSkipped int) {
	m.RefreshRuns.Inc()
	m.RefreshStale.Add(float64(staleSkipped))
}
