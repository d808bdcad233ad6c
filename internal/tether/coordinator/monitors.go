// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package coordinator

import (
	tetherconntrack "grimm.is/tetherd/internal/tether/conntrack"
	"grimm.is/tetherd/internal/tether/neighbor"
)

// startMonitors subscribes to the conntrack and neighbor event streams,
// if collaborators were supplied. Each callback hands off onto the
// coordinator thread rather than touching state directly.
func (c *Coordinator) startMonitors() {
	if c.conntrackSrc != nil {
		if err := c.conntrackSrc.Listen(func(ev tetherconntrack.Event) {
			c.dispatch(func() { c.conntrackConsumer.HandleEvent(ev) })
		}); err != nil {
			c.logger.Error("failed to start conntrack monitor", "error", err)
		}
	}
	if c.neighborSrc != nil {
		if err := c.neighborSrc.Listen(func(ev neighbor.Event) {
			c.dispatch(func() { c.neighborConsumer.HandleEvent(ev) })
		}); err != nil {
			c.logger.Error("failed to start neighbor monitor", "error", err)
		}
	}
}

// stopMonitors releases the event-stream subscriptions started by
// startMonitors.
func (c *Coordinator) stopMonitors() {
	if c.conntrackSrc != nil {
		if err := c.conntrackSrc.Close(); err != nil {
			c.logger.Warn("failed to stop conntrack monitor", "error", err)
		}
	}
	if c.neighborSrc != nil {
		if err := c.neighborSrc.Close(); err != nil {
			c.logger.Warn("failed to stop neighbor monitor", "error", err)
		}
	}
}

// HandleConntrackEvent feeds a conntrack event onto the coordinator
// thread directly, for callers (tests, or a monitor implementation that
// doesn't fit the ConntrackSource.Listen shape) that already run
// off-thread and want a single blocking call per event.
func (c *Coordinator) HandleConntrackEvent(ev tetherconntrack.Event) {
	c.dispatch(func() {
		if c.state == Idle {
			return
		}
		c.conntrackConsumer.HandleEvent(ev)
	})
}

// HandleNeighborEvent is the neighbor-event analogue of
// HandleConntrackEvent.
func (c *Coordinator) HandleNeighborEvent(ev neighbor.Event) {
	c.dispatch(func() {
		if c.state == Idle {
			return
		}
		c.neighborConsumer.HandleEvent(ev)
	})
}
