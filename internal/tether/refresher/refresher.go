// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package refresher implements the periodic conntrack timeout refresh
// job: flows still active in the upstream4 and downstream4 maps get
// their kernel conntrack timeout extended so the in-kernel fast path
// doesn't outlive the kernel's own tracking of the connection.
package refresher

import (
	"errors"
	"syscall"
	"time"

	tetherconntrack "grimm.is/tetherd/internal/tether/conntrack"
	"grimm.is/tetherd/internal/logging"
	"grimm.is/tetherd/internal/tether/types"
)

// Interval is how often the refresh sweep runs.
const Interval = 60 * time.Second

// staleAfter bounds how recently an entry must have been used to be
// worth refreshing: older entries are left to age out naturally.
const staleAfter = uint64(Interval / time.Nanosecond)

const (
	tcpEstablishedTimeout = uint32(432000)
	udpStreamTimeout      = uint32(180)
)

// MapAccessor is the subset of bpfmap.Accessor the refresher needs.
type MapAccessor interface {
	ForEachUpstream4(fn func(types.Tether4Key, types.Tether4Value))
	ForEachDownstream4(fn func(types.Tether4Key, types.Tether4Value))
}

// TimeoutSource sends a conntrack timeout-update message. Satisfied by
// *conntrack.Source.
type TimeoutSource interface {
	UpdateTimeout(orig tetherconntrack.Tuple, timeoutSeconds uint32) error
}

// Observer reports completed sweeps to the metrics sink. Satisfied by
// *metrics.Metrics.
type Observer interface {
	ObserveRefresh(staleSkipped int)
}

// Refresher periodically re-stamps the kernel conntrack timeout for
// every offloaded flow still being used.
type Refresher struct {
	maps     MapAccessor
	source   TimeoutSource
	observer Observer
	logger   *logging.Logger
}

// New builds a Refresher. logger may be nil, in which case the package
// default logger is used. observer may be nil, in which case sweep
// counts are simply not reported.
func New(maps MapAccessor, source TimeoutSource, observer Observer, logger *logging.Logger) *Refresher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Refresher{maps: maps, source: source, observer: observer, logger: logger.WithComponent("refresher")}
}

// Run performs one refresh sweep over both the upstream4 and
// downstream4 maps. Intended to be invoked by the coordinator's
// self-rescheduling periodic-job timer every Interval.
func (r *Refresher) Run() {
	now := ktimeNow()
	staleSkipped := 0

	r.maps.ForEachUpstream4(func(key types.Tether4Key, val types.Tether4Value) {
		if !r.refreshIfRecent(now, val.LastUsedNs, tupleFromUpstream(key)) {
			staleSkipped++
		}
	})
	r.maps.ForEachDownstream4(func(key types.Tether4Key, val types.Tether4Value) {
		if !r.refreshIfRecent(now, val.LastUsedNs, tupleFromDownstream(key)) {
			staleSkipped++
		}
	})

	if r.observer != nil {
		r.observer.ObserveRefresh(staleSkipped)
	}
}

// refreshIfRecent returns false when the entry was too stale to
// refresh (the caller counts this for the stale-skip metric), true
// otherwise.
func (r *Refresher) refreshIfRecent(now, lastUsedNs uint64, orig tetherconntrack.Tuple) bool {
	if now < lastUsedNs || now-lastUsedNs > staleAfter {
		return false
	}
	if r.source == nil {
		return true
	}

	timeout := udpStreamTimeout
	if orig.Proto == types.ProtoTCP {
		timeout = tcpEstablishedTimeout
	}

	if err := r.source.UpdateTimeout(orig, timeout); err != nil {
		if errors.Is(err, syscall.ENOENT) {
			r.logger.Debug("conntrack refresh target already gone", "error", err)
			return true
		}
		r.logger.Error("conntrack refresh failed", "error", err)
	}
	return true
}

// tupleFromUpstream recovers the original-direction tuple from an
// upstream4 key, which is already keyed in the original direction.
func tupleFromUpstream(key types.Tether4Key) tetherconntrack.Tuple {
	return tetherconntrack.Tuple{
		SrcIP:   key.Src4,
		DstIP:   key.Dst4,
		Proto:   key.L4Proto,
		SrcPort: key.SrcPort,
		DstPort: key.DstPort,
	}
}

// tupleFromDownstream recovers the original-direction tuple from a
// downstream4 key, which is keyed in the reply direction and so must
// have its source and destination reversed — the CTA_TUPLE_ORIG
// attribute the kernel expects is always expressed in the original
// direction.
func tupleFromDownstream(key types.Tether4Key) tetherconntrack.Tuple {
	return tetherconntrack.Tuple{
		SrcIP:   key.Dst4,
		DstIP:   key.Src4,
		Proto:   key.L4Proto,
		SrcPort: key.DstPort,
		DstPort: key.SrcPort,
	}
}
