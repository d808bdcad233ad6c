// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package statslimit implements the coordinator's data-limit and
// forwarded-byte accounting: it decides when a kernel limit entry needs
// programming or clearing, and it turns raw stats-map snapshots into
// per-interface deltas for the stats sink.
package statslimit

import (
	"grimm.is/tetherd/internal/logging"
	"grimm.is/tetherd/internal/tether/types"
)

// RuleStore is the subset of rulestore.RuleStore StatsAndLimit needs.
type RuleStore interface {
	RuleCountForUpstream(ifindex types.InterfaceIndex) int
	UpstreamName(ifindex types.InterfaceIndex) (string, bool)
	IfindexForUpstreamName(name string) (types.InterfaceIndex, bool)
}

// MapAccessor is the subset of bpfmap.Accessor StatsAndLimit needs.
type MapAccessor interface {
	SetLimit(ifindex types.InterfaceIndex, quotaBytes int64) bool
	GetAndClearStats(ifindex types.InterfaceIndex) (types.ForwardedStats, bool)
	ForEachStats(fn func(types.InterfaceIndex, types.ForwardedStats))
}

// StatsSink receives forwarded-byte notifications and alert-quota
// crossings, per the external stats collaborator interface.
type StatsSink interface {
	NotifyStatsUpdated(perIface map[string]types.ForwardedStats, uid int)
	NotifyAlertReached()
}

// tetheringUID is the uid marker the platform's stats sink expects for
// tethering byte counts, matching NotifyStatsUpdated's per_uid field.
const tetheringUID = -5 // TETHERING_UID sentinel shared with the stats sink

// StatsAndLimit is the coordinator's quota and usage bookkeeping.
type StatsAndLimit struct {
	store RuleStore
	maps  MapAccessor
	sink  StatsSink
	log   *logging.Logger

	interfaceQuotas    map[string]uint64
	remainingAlertQuota int64
	cache              map[types.InterfaceIndex]types.ForwardedStats
}

// New builds a StatsAndLimit. sink may be nil, in which case stats
// updates and alert notifications are simply dropped: a sink that
// refuses registration disables stats/limit enforcement without taking
// down the coordinator.
func New(store RuleStore, maps MapAccessor, sink StatsSink, logger *logging.Logger) *StatsAndLimit {
	if logger == nil {
		logger = logging.Default()
	}
	return &StatsAndLimit{
		store:               store,
		maps:                maps,
		sink:                sink,
		log:                 logger.WithComponent("statslimit"),
		interfaceQuotas:     make(map[string]uint64),
		remainingAlertQuota: types.QuotaUnlimited,
		cache:               make(map[types.InterfaceIndex]types.ForwardedStats),
	}
}

// OnSetLimit updates the quota for a named upstream. quota ==
// types.QuotaUnlimited removes any stored entry (unlimited is the
// default, not a programmed value). It then reprograms the kernel limit
// if a rule is already using that upstream.
func (s *StatsAndLimit) OnSetLimit(name string, quota uint64) {
	if quota == uint64(types.QuotaUnlimited) {
		delete(s.interfaceQuotas, name)
	} else {
		s.interfaceQuotas[name] = quota
	}
	s.maybeUpdateDataLimit(name)
}

func (s *StatsAndLimit) maybeUpdateDataLimit(name string) {
	ifindex, ok := s.ifindexForName(name)
	if !ok {
		return
	}
	if s.store.RuleCountForUpstream(ifindex) == 0 {
		return // no rule uses this upstream yet; programmed on first install
	}
	s.maps.SetLimit(ifindex, s.quotaFor(name))
}

func (s *StatsAndLimit) ifindexForName(name string) (types.InterfaceIndex, bool) {
	return s.store.IfindexForUpstreamName(name)
}

func (s *StatsAndLimit) quotaFor(name string) int64 {
	if q, ok := s.interfaceQuotas[name]; ok {
		return int64(q)
	}
	return types.QuotaUnlimited
}

// UpdateAlertQuota replaces the remaining alert quota. A transition from
// positive to zero notifies the stats sink exactly once.
func (s *StatsAndLimit) UpdateAlertQuota(newQuota int64) {
	wasPositive := s.remainingAlertQuota > 0
	s.remainingAlertQuota = newQuota
	if wasPositive && newQuota == 0 && s.sink != nil {
		s.sink.NotifyAlertReached()
	}
}

// UpdateForwardedStats snapshots the stats map, publishes per-interface
// deltas to the stats sink, and decrements the remaining alert quota by
// the total bytes observed.
func (s *StatsAndLimit) UpdateForwardedStats() {
	deltas := make(map[string]types.ForwardedStats)
	var totalBytes uint64

	s.maps.ForEachStats(func(ifindex types.InterfaceIndex, snapshot types.ForwardedStats) {
		prev := s.cache[ifindex]
		delta := snapshot.Delta(prev)
		s.cache[ifindex] = snapshot

		name, ok := s.store.UpstreamName(ifindex)
		if !ok {
			return
		}
		deltas[name] = delta
		totalBytes += delta.TotalBytes()
	})

	if len(deltas) > 0 && s.sink != nil {
		s.sink.NotifyStatsUpdated(deltas, tetheringUID)
	}

	if totalBytes > 0 {
		wasPositive := s.remainingAlertQuota > 0
		if uint64(s.remainingAlertQuota) > totalBytes {
			s.remainingAlertQuota -= int64(totalBytes)
		} else {
			s.remainingAlertQuota = 0
		}
		if wasPositive && s.remainingAlertQuota == 0 && s.sink != nil {
			s.sink.NotifyAlertReached()
		}
	}
}

// MaybeSetLimit programs the current quota for ifindex the first time a
// rule starts using it.
func (s *StatsAndLimit) MaybeSetLimit(ifindex types.InterfaceIndex) {
	if s.store.RuleCountForUpstream(ifindex) != 0 {
		return // not the first rule; already programmed
	}
	name, _ := s.store.UpstreamName(ifindex)
	s.maps.SetLimit(ifindex, s.quotaFor(name))
}

// MaybeClearLimit flushes and drops the cached stats entry for ifindex,
// and reprograms the kernel limit entry MaybeSetLimit wrote for it to
// types.QuotaUnlimited, once no rule remains on it. The limit entry
// itself is not deleted from the kernel map. The zero-rule check happens before the
// stats read, so the read-and-clear below never races a fresh install.
func (s *StatsAndLimit) MaybeClearLimit(ifindex types.InterfaceIndex) {
	if s.store.RuleCountForUpstream(ifindex) != 0 {
		return
	}
	s.maps.SetLimit(ifindex, types.QuotaUnlimited)

	final, ok := s.maps.GetAndClearStats(ifindex)
	if !ok {
		delete(s.cache, ifindex)
		return
	}
	prev := s.cache[ifindex]
	delta := final.Delta(prev)
	delete(s.cache, ifindex)

	if s.sink == nil {
		return
	}
	if name, ok := s.store.UpstreamName(ifindex); ok {
		s.sink.NotifyStatsUpdated(map[string]types.ForwardedStats{name: delta}, tetheringUID)
	}
}
