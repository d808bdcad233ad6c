// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rulestore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/tetherd/internal/tether/types"
)

func TestRegisterDownstreamIdempotent(t *testing.T) {
	s := New()
	id := types.NewDownstreamID()
	params := types.InterfaceParams{Index: 5, Name: "wlan0"}

	require.True(t, s.RegisterDownstream(id, params))
	require.False(t, s.RegisterDownstream(id, params))

	got, ok := s.Downstream(id)
	require.True(t, ok)
	require.Equal(t, params, got)
}

func TestClientUniquenessEvictsPreviousDownstream(t *testing.T) {
	s := New()
	a := types.NewDownstreamID()
	b := types.NewDownstreamID()
	s.RegisterDownstream(a, types.InterfaceParams{Index: 1, Name: "wlan0"})
	s.RegisterDownstream(b, types.InterfaceParams{Index: 2, Name: "usb0"})

	ip := types.IPv4{192, 168, 43, 10}
	info := types.Ipv4ClientInfo{DownstreamIfindex: 1, ClientIPv4: ip}
	_, _, had := s.AddClient(a, info)
	require.False(t, had)

	// Same client address reappears under a different downstream (moved
	// between hotspot interfaces without an explicit remove).
	info2 := types.Ipv4ClientInfo{DownstreamIfindex: 2, ClientIPv4: ip}
	evicted, evictedFrom, had := s.AddClient(b, info2)
	require.True(t, had)
	require.Equal(t, a, evictedFrom)
	require.Equal(t, info, evicted)

	require.Empty(t, s.TetherClients(a))
	require.Len(t, s.TetherClients(b), 1)

	_, owner, ok := s.ClientByIP(ip)
	require.True(t, ok)
	require.Equal(t, b, owner)
}

func TestObserveUpstreamNameDetectsMismatch(t *testing.T) {
	s := New()
	isNew, consistent := s.ObserveUpstreamName(7, "rmnet0")
	require.True(t, isNew)
	require.True(t, consistent)

	isNew, consistent = s.ObserveUpstreamName(7, "rmnet0")
	require.False(t, isNew)
	require.True(t, consistent)

	isNew, consistent = s.ObserveUpstreamName(7, "rmnet1")
	require.False(t, isNew)
	require.False(t, consistent)
}

func TestIPv6DownstreamRulesPreserveInsertionOrder(t *testing.T) {
	s := New()
	id := types.NewDownstreamID()
	s.RegisterDownstream(id, types.InterfaceParams{Index: 3, Name: "wlan0"})

	a := types.IPv6{1}
	b := types.IPv6{2}
	c := types.IPv6{3}
	s.SetIPv6DownstreamRule(id, types.Ipv6DownstreamRule{Neighbor6: a})
	s.SetIPv6DownstreamRule(id, types.Ipv6DownstreamRule{Neighbor6: b})
	s.SetIPv6DownstreamRule(id, types.Ipv6DownstreamRule{Neighbor6: c})
	// Overwriting b must not move it to the end.
	s.SetIPv6DownstreamRule(id, types.Ipv6DownstreamRule{Neighbor6: b, UpstreamIfindex: 9})

	rules := s.IPv6DownstreamRules(id)
	require.Len(t, rules, 3)
	require.Equal(t, []types.IPv6{a, b, c}, []types.IPv6{rules[0].Neighbor6, rules[1].Neighbor6, rules[2].Neighbor6})
	require.Equal(t, types.InterfaceIndex(9), rules[1].UpstreamIfindex)
}

func TestForwardingPairsReportFirstAndEmptyTransitions(t *testing.T) {
	s := New()

	downFirst, upFirst := s.AddPair("rmnet0", "wlan0")
	require.True(t, downFirst)
	require.True(t, upFirst)

	// A second downstream pairing with the same upstream: upstream
	// already had a pair, so upFirst is now false.
	downFirst, upFirst = s.AddPair("rmnet0", "usb0")
	require.True(t, downFirst)
	require.False(t, upFirst)

	require.True(t, s.HasAnyPairForUpstream("rmnet0"))
	require.True(t, s.HasAnyPairForDownstream("wlan0"))

	downEmpty, upEmpty := s.RemovePair("rmnet0", "wlan0")
	require.True(t, downEmpty)
	require.False(t, upEmpty) // usb0 still pairs with rmnet0

	downEmpty, upEmpty = s.RemovePair("rmnet0", "usb0")
	require.True(t, downEmpty)
	require.True(t, upEmpty)
	require.False(t, s.HasAnyPairForUpstream("rmnet0"))
}

func TestRuleCountForUpstreamCombinesIPv6AndIPv4(t *testing.T) {
	s := New()
	id := types.NewDownstreamID()
	s.RegisterDownstream(id, types.InterfaceParams{Index: 4, Name: "wlan0"})

	require.Equal(t, 0, s.RuleCountForUpstream(11))

	s.AddIPv6UpstreamRule(id, types.Ipv6UpstreamRule{UpstreamIfindex: 11})
	require.Equal(t, 1, s.RuleCountForUpstream(11))

	s.IncrementIPv4Upstream(11)
	s.IncrementIPv4Upstream(11)
	require.Equal(t, 3, s.RuleCountForUpstream(11))

	s.DecrementIPv4Upstream(11)
	require.Equal(t, 2, s.RuleCountForUpstream(11))

	s.RemoveAllIPv6UpstreamRules(id)
	require.Equal(t, 1, s.RuleCountForUpstream(11))
}

func TestUnregisterDownstreamReturnsInstalledState(t *testing.T) {
	s := New()
	id := types.NewDownstreamID()
	s.RegisterDownstream(id, types.InterfaceParams{Index: 6, Name: "wlan0"})
	s.AddIPv6UpstreamRule(id, types.Ipv6UpstreamRule{UpstreamIfindex: 11})
	s.SetIPv6DownstreamRule(id, types.Ipv6DownstreamRule{Neighbor6: types.IPv6{1}})
	ip := types.IPv4{10, 0, 0, 5}
	s.AddClient(id, types.Ipv4ClientInfo{ClientIPv4: ip})

	up6, down6, clients, ok := s.UnregisterDownstream(id)
	require.True(t, ok)
	require.Len(t, up6, 1)
	require.Len(t, down6, 1)
	require.Len(t, clients, 1)

	require.False(t, s.IsServed(id))
	_, _, found := s.ClientByIP(ip)
	require.False(t, found)

	_, _, _, ok = s.UnregisterDownstream(id)
	require.False(t, ok)
}
