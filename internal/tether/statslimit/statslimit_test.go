// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package statslimit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/tetherd/internal/tether/types"
)

type fakeStore struct {
	ruleCounts map[types.InterfaceIndex]int
	names      map[types.InterfaceIndex]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{ruleCounts: make(map[types.InterfaceIndex]int), names: make(map[types.InterfaceIndex]string)}
}
func (f *fakeStore) RuleCountForUpstream(ifindex types.InterfaceIndex) int { return f.ruleCounts[ifindex] }
func (f *fakeStore) UpstreamName(ifindex types.InterfaceIndex) (string, bool) {
	n, ok := f.names[ifindex]
	return n, ok
}
func (f *fakeStore) IfindexForUpstreamName(name string) (types.InterfaceIndex, bool) {
	for idx, n := range f.names {
		if n == name {
			return idx, true
		}
	}
	return 0, false
}

type fakeMaps struct {
	limits map[types.InterfaceIndex]int64
	stats  map[types.InterfaceIndex]types.ForwardedStats
}

func newFakeMaps() *fakeMaps {
	return &fakeMaps{limits: make(map[types.InterfaceIndex]int64), stats: make(map[types.InterfaceIndex]types.ForwardedStats)}
}
func (f *fakeMaps) SetLimit(ifindex types.InterfaceIndex, quotaBytes int64) bool {
	f.limits[ifindex] = quotaBytes
	return true
}
func (f *fakeMaps) GetAndClearStats(ifindex types.InterfaceIndex) (types.ForwardedStats, bool) {
	v, ok := f.stats[ifindex]
	delete(f.stats, ifindex)
	return v, ok
}
func (f *fakeMaps) ForEachStats(fn func(types.InterfaceIndex, types.ForwardedStats)) {
	for idx, v := range f.stats {
		fn(idx, v)
	}
}

type fakeSink struct {
	updates []map[string]types.ForwardedStats
	alerts  int
}

func (f *fakeSink) NotifyStatsUpdated(perIface map[string]types.ForwardedStats, uid int) {
	f.updates = append(f.updates, perIface)
}
func (f *fakeSink) NotifyAlertReached() { f.alerts++ }

func TestMaybeSetLimitOnlyOnFirstRule(t *testing.T) {
	store := newFakeStore()
	maps := newFakeMaps()
	s := New(store, maps, nil, nil)
	store.names[5] = "rmnet0"
	s.OnSetLimit("rmnet0", 1_000_000)

	store.ruleCounts[5] = 0
	s.MaybeSetLimit(5)
	require.Equal(t, int64(1_000_000), maps.limits[5])

	delete(maps.limits, 5)
	store.ruleCounts[5] = 1
	s.MaybeSetLimit(5)
	require.NotContains(t, maps.limits, types.InterfaceIndex(5))
}

func TestMaybeClearLimitPublishesFinalDeltaAndDropsCache(t *testing.T) {
	store := newFakeStore()
	maps := newFakeMaps()
	sink := &fakeSink{}
	s := New(store, maps, sink, nil)
	store.names[5] = "rmnet0"

	maps.stats[5] = types.ForwardedStats{RxBytes: 100}
	s.UpdateForwardedStats()
	require.Len(t, sink.updates, 1)

	maps.stats[5] = types.ForwardedStats{RxBytes: 150}
	store.ruleCounts[5] = 0
	s.MaybeClearLimit(5)

	require.Len(t, sink.updates, 2)
	require.Equal(t, uint64(50), sink.updates[1]["rmnet0"].RxBytes)
}

func TestMaybeClearLimitClearsKernelLimitEntry(t *testing.T) {
	store := newFakeStore()
	maps := newFakeMaps()
	s := New(store, maps, nil, nil)
	store.names[5] = "rmnet0"

	s.OnSetLimit("rmnet0", 1_000_000)
	store.ruleCounts[5] = 0
	s.MaybeSetLimit(5)
	require.Equal(t, int64(1_000_000), maps.limits[5])

	store.ruleCounts[5] = 0
	s.MaybeClearLimit(5)
	require.Equal(t, types.QuotaUnlimited, maps.limits[5])
}

func TestMaybeClearLimitNoOpWhileRuleRemains(t *testing.T) {
	store := newFakeStore()
	maps := newFakeMaps()
	s := New(store, maps, nil, nil)
	store.ruleCounts[5] = 1
	maps.stats[5] = types.ForwardedStats{RxBytes: 10}

	s.MaybeClearLimit(5)
	_, ok := maps.stats[5]
	require.True(t, ok, "stats entry should not be cleared while a rule remains")
}

func TestAlertQuotaNotifiesOnceOnTransitionToZero(t *testing.T) {
	store := newFakeStore()
	maps := newFakeMaps()
	sink := &fakeSink{}
	s := New(store, maps, sink, nil)

	s.UpdateAlertQuota(0)
	require.Equal(t, 1, sink.alerts, "quota starts unlimited, so dropping to zero is a transition")

	s.UpdateAlertQuota(100)
	s.UpdateAlertQuota(0)
	require.Equal(t, 2, sink.alerts)

	s.UpdateAlertQuota(0)
	require.Equal(t, 2, sink.alerts, "must not renotify while quota stays at zero")
}

func TestUpdateForwardedStatsDecrementsAlertQuota(t *testing.T) {
	store := newFakeStore()
	maps := newFakeMaps()
	s := New(store, maps, nil, nil)
	store.names[5] = "rmnet0"
	s.UpdateAlertQuota(1000)

	maps.stats[5] = types.ForwardedStats{RxBytes: 300, TxBytes: 100}
	s.UpdateForwardedStats()

	require.EqualValues(t, 600, s.remainingAlertQuota)
}
