// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package coordinator

import (
	"time"

	"grimm.is/tetherd/internal/tether/refresher"
)

// metricsSampleInterval is how often the active-session peak is sampled
// and reset.
const metricsSampleInterval = 5 * time.Minute

// startPeriodicJobs arms the three self-rescheduling timers: stats
// poll, conntrack refresh, and metrics sample. Called once per
// Idle→Running transition.
func (c *Coordinator) startPeriodicJobs() {
	c.statsStop = make(chan struct{})
	c.refreshStop = make(chan struct{})
	c.metricsStop = make(chan struct{})

	go c.runPeriodic(c.statsStop, time.Duration(c.cfg.OffloadPollIntervalMS)*time.Millisecond, func() {
		c.dispatch(c.statsLimit.UpdateForwardedStats)
	})
	go c.runPeriodic(c.refreshStop, refresher.Interval, func() {
		c.dispatch(c.refresh.Run)
	})
	go c.runPeriodic(c.metricsStop, metricsSampleInterval, func() {
		c.dispatch(func() {
			peak := c.conntrackConsumer.Session.SampleAndReset()
			if c.metrics != nil && c.cfg.ActiveSessionsMetricsEnabled {
				c.metrics.ReportActiveSessions(peak)
			}
		})
	})
}

// stopPeriodicJobs cancels any pending schedule without re-arming.
func (c *Coordinator) stopPeriodicJobs() {
	close(c.statsStop)
	close(c.refreshStop)
	close(c.metricsStop)
}

// runPeriodic invokes fn every interval until stop is closed. fn itself
// dispatches onto the coordinator thread, so the timer goroutine never
// touches coordinator state directly.
func (c *Coordinator) runPeriodic(stop chan struct{}, interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		}
	}
}
