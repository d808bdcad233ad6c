// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import "grimm.is/tetherd/internal/logging"

// SessionCounter tracks the number of currently-offloaded NAT sessions
// and the peak observed since the last sample, matching the metrics
// collaborator's 5-minute reporting cadence.
type SessionCounter struct {
	current uint32
	peak    uint32
}

// Increment records a newly-offloaded session.
func (c *SessionCounter) Increment() {
	c.current++
	if c.current > c.peak {
		c.peak = c.current
	}
}

// Decrement records that an offloaded session ended. A decrement past
// zero is an invariant anomaly (paired-remove bookkeeping is wrong
// somewhere) and is logged rather than allowed to underflow.
func (c *SessionCounter) Decrement(logger *logging.Logger) {
	if c.current == 0 {
		logger.Error("session counter decremented below zero")
		return
	}
	c.current--
}

// Current returns the live session count.
func (c *SessionCounter) Current() uint32 { return c.current }

// SampleAndReset returns the peak observed since the last call and
// resets the peak baseline to the current count.
func (c *SessionCounter) SampleAndReset() uint32 {
	peak := c.peak
	c.peak = c.current
	return peak
}

// VerifyZeroAndReset is called when the coordinator stops (the last
// downstream is removed): the session count must be zero by then. A
// nonzero count means some flow's removal was missed and is logged as
// an anomaly before the counter is forced back to zero.
func (c *SessionCounter) VerifyZeroAndReset(logger *logging.Logger) {
	if c.current != 0 {
		logger.Error("session counter nonzero at coordinator stop", "count", c.current)
	}
	c.current = 0
	c.peak = 0
}
