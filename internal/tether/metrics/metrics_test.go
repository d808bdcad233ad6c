// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"grimm.is/tetherd/internal/tether/types"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestReportActiveSessionsSetsGauge(t *testing.T) {
	m := New()
	m.ReportActiveSessions(7)
	require.Equal(t, float64(7), gaugeValue(t, m.ActiveSessionsPeak))

	m.ReportActiveSessions(2)
	require.Equal(t, float64(2), gaugeValue(t, m.ActiveSessionsPeak))
}

func TestNotifyStatsUpdatedAccumulatesPerInterface(t *testing.T) {
	m := New()
	m.NotifyStatsUpdated(map[string]types.ForwardedStats{
		"rmnet0": {RxBytes: 100, TxBytes: 50, RxPackets: 2, TxPackets: 1},
	}, -5)
	m.NotifyStatsUpdated(map[string]types.ForwardedStats{
		"rmnet0": {RxBytes: 40, TxBytes: 10, RxPackets: 1, TxPackets: 1},
	}, -5)

	require.Equal(t, float64(140), counterValue(t, m.ForwardedBytes.WithLabelValues("rmnet0", "rx")))
	require.Equal(t, float64(60), counterValue(t, m.ForwardedBytes.WithLabelValues("rmnet0", "tx")))
	require.Equal(t, float64(3), counterValue(t, m.ForwardedPkts.WithLabelValues("rmnet0", "rx")))
	require.Equal(t, float64(2), counterValue(t, m.ForwardedPkts.WithLabelValues("rmnet0", "tx")))
}

func TestNotifyAlertReachedIncrements(t *testing.T) {
	m := New()
	require.Equal(t, float64(0), counterValue(t, m.AlertQuotaReached))
	m.NotifyAlertReached()
	m.NotifyAlertReached()
	require.Equal(t, float64(2), counterValue(t, m.AlertQuotaReached))
}

func TestSetDownstreamsActiveSetsGauge(t *testing.T) {
	m := New()
	m.SetDownstreamsActive(1)
	require.Equal(t, float64(1), gaugeValue(t, m.DownstreamsActive))

	m.SetDownstreamsActive(0)
	require.Equal(t, float64(0), gaugeValue(t, m.DownstreamsActive))
}

func TestObserveRefreshCountsRunsAndStale(t *testing.T) {
	m := New()
	m.ObserveRefresh(0)
	m.ObserveRefresh(3)

	require.Equal(t, float64(2), counterValue(t, m.RefreshRuns))
	require.Equal(t, float64(3), counterValue(t, m.RefreshStale))
}

func TestRegisterPanicsOnDuplicate(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	m.Register(reg)
	require.Panics(t, func() {
		New().Register(reg)
	})
}
