// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package coordinator

import (
	"grimm.is/tetherd/internal/tether/bpfmap"
	"grimm.is/tetherd/internal/tether/types"
)

// AddDownstream registers id as served. The first registration
// transitions Idle→Running: periodic jobs and monitors start.
func (c *Coordinator) AddDownstream(id types.DownstreamID, params types.InterfaceParams) {
	c.dispatch(func() {
		if c.store.IsServed(id) {
			c.logAnomaly("duplicate downstream registration", "downstream", id)
			return
		}
		c.store.RegisterDownstream(id, params)
		if c.state == Idle {
			c.state = Running
			c.startPeriodicJobs()
			c.startMonitors()
		}
		c.reportDownstreamsActive()
	})
}

// RemoveDownstream unregisters id, withdrawing whatever rules and
// clients it still had installed. The last unregistration transitions
// Running→Idle: periodic jobs and monitors stop, and a final stats
// flush runs.
func (c *Coordinator) RemoveDownstream(id types.DownstreamID) {
	c.dispatch(func() {
		params, ok := c.store.Downstream(id)
		if !ok {
			c.logAnomaly("remove of unregistered downstream", "downstream", id)
			return
		}

		upstream6, downstream6, clients, _ := c.store.UnregisterDownstream(id)
		for _, r := range downstream6 {
			if r.InKernel() {
				c.maps.RemoveDownstream6(r)
			}
		}
		for _, r := range upstream6 {
			c.maps.RemoveUpstream6(r)
			c.statsLimit.MaybeClearLimit(r.UpstreamIfindex)
		}
		for _, client := range clients {
			c.clearClientRules(id, client)
		}
		if params.Name != "" {
			c.detachProgramsFor(params.Name)
		}

		if len(c.store.AllDownstreams()) == 0 {
			c.stopMonitors()
			c.stopPeriodicJobs()
			c.statsLimit.UpdateForwardedStats()
			c.conntrackConsumer.Session.VerifyZeroAndReset(c.logger)
			c.state = Idle
		}
		c.reportDownstreamsActive()
	})
}

// MaybeAddUpstreamToLookupTable records the ifindex→name association
// observed for an upstream interface, skipping zero ifindices, empty
// names, and virtual interfaces.
func (c *Coordinator) MaybeAddUpstreamToLookupTable(ifindex types.InterfaceIndex, name string) {
	c.dispatch(func() {
		if ifindex == types.NoUpstream || name == "" || c.isVirtual(name) {
			return
		}
		if isNew, consistent := c.store.ObserveUpstreamName(ifindex, name); !isNew && !consistent {
			c.logAnomaly("upstream name mismatch", "ifindex", ifindex, "name", name)
		}
	})
}

// UpdateIPv4Upstream applies a new upstream-monitor report. state == nil
// means no eligible IPv4 upstream is currently present.
func (c *Coordinator) UpdateIPv4Upstream(state *UpstreamNetworkState) {
	c.dispatch(func() {
		newIfindex := types.NoUpstream
		var addrs []types.IPv4
		var mtu uint16

		if state != nil && state.HasIPv4Address && !state.HasMAC && !c.isVirtual(state.InterfaceName) {
			newIfindex = state.InterfaceIndex
			addrs = state.IPv4Addresses
			mtu = state.InterfaceMTU
		}

		if newIfindex == c.store.LastIPv4Upstream() {
			return // no-op on unchanged ifindex
		}

		for _, id := range c.store.AllDownstreams() {
			for _, client := range c.store.TetherClients(id) {
				c.clearClientRules(id, client)
			}
		}

		c.store.SetLastIPv4Upstream(newIfindex)
		if newIfindex == types.NoUpstream {
			c.store.SetIPv4UpstreamInfo(nil)
		} else {
			c.store.SetIPv4UpstreamInfo(&types.UpstreamInfo{Ifindex: newIfindex, MTU: mtu})
		}
		c.store.SetIPv4UpstreamIndices(newIfindex, addrs)
	})
}

// UpdateIPv6Upstream applies a new IPv6 upstream for id, rewriting
// existing downstream rules in place rather than dropping them.
func (c *Coordinator) UpdateIPv6Upstream(id types.DownstreamID, newIfindex types.InterfaceIndex, newPrefixes []types.Prefix64) {
	c.dispatch(func() {
		params, ok := c.store.Downstream(id)
		if !ok {
			return
		}

		prevRules := c.store.IPv6UpstreamRules(id)
		if unchanged(prevRules, newIfindex, newPrefixes) {
			return // no-op when ifindex and prefixes are unchanged
		}
		prevIfindex := c.store.CurrentIPv6Upstream(id)

		downstreamRules := c.store.RemoveAllIPv6DownstreamRules(id)
		for _, r := range downstreamRules {
			if r.InKernel() {
				c.maps.RemoveDownstream6(r)
			}
		}

		upstreamRules := c.store.RemoveAllIPv6UpstreamRules(id)
		for _, r := range upstreamRules {
			c.maps.RemoveUpstream6(r)
		}
		c.statsLimit.MaybeClearLimit(prevIfindex)

		if newIfindex != types.NoUpstream {
			name, known := c.store.UpstreamName(newIfindex)
			if !known || c.isVirtual(name) {
				newIfindex = types.NoUpstream
			}
		}

		if newIfindex != types.NoUpstream && params.HasMAC {
			for _, prefix := range newPrefixes {
				rule := types.Ipv6UpstreamRule{
					UpstreamIfindex:   newIfindex,
					DownstreamIfindex: params.Index,
					SourcePrefix:      prefix,
					InDstMAC:          params.MAC,
					OutSrcMAC:         types.NullMAC,
					OutDstMAC:         types.NullMAC,
				}
				c.ensureDevMember(params.Index)
				c.ensureDevMember(newIfindex)
				c.statsLimit.MaybeSetLimit(newIfindex)
				if c.maps.AddUpstream6(rule) {
					c.store.AddIPv6UpstreamRule(id, rule)
				}
			}
		}

		for _, r := range downstreamRules {
			r.UpstreamIfindex = newIfindex
			c.store.SetIPv6DownstreamRule(id, r)
			if r.InKernel() {
				c.maps.AddDownstream6(r)
			}
		}
	})
}

func unchanged(prevRules []types.Ipv6UpstreamRule, newIfindex types.InterfaceIndex, newPrefixes []types.Prefix64) bool {
	if len(prevRules) == 0 {
		return newIfindex == types.NoUpstream && len(newPrefixes) == 0
	}
	if prevRules[0].UpstreamIfindex != newIfindex || len(prevRules) != len(newPrefixes) {
		return false
	}
	prevSet := make(map[types.Prefix64]struct{}, len(prevRules))
	for _, r := range prevRules {
		prevSet[r.SourcePrefix] = struct{}{}
	}
	for _, p := range newPrefixes {
		if _, ok := prevSet[p]; !ok {
			return false
		}
	}
	return true
}

// AddClient registers a tethered IPv4 client, evicting any previous
// registration for the same address.
func (c *Coordinator) AddClient(id types.DownstreamID, info types.Ipv4ClientInfo) {
	c.dispatch(func() {
		if !c.store.IsServed(id) {
			return
		}
		if evicted, evictedFrom, had := c.store.AddClient(id, info); had {
			c.clearClientRules(evictedFrom, evicted)
		}
	})
}

// RemoveClient unregisters a tethered IPv4 client and withdraws
// whatever tether4 rule pairs it had installed.
func (c *Coordinator) RemoveClient(id types.DownstreamID, ip types.IPv4) {
	c.dispatch(func() {
		info, ok := c.store.RemoveClient(id, ip)
		if !ok {
			return
		}
		c.clearClientRules(id, info)
	})
}

// ClearClients removes every client registered under id, withdrawing
// their rules.
func (c *Coordinator) ClearClients(id types.DownstreamID) {
	c.dispatch(func() {
		for _, info := range c.store.ClearClients(id) {
			c.withdrawClientRules(info)
		}
	})
}

// ClearAllIPv6Rules withdraws every IPv6 rule for id — downstream rules
// first, so the subsequent upstream-side stats read observes zero
// remaining rules.
func (c *Coordinator) ClearAllIPv6Rules(id types.DownstreamID) {
	c.dispatch(func() {
		for _, r := range c.store.RemoveAllIPv6DownstreamRules(id) {
			if r.InKernel() {
				c.maps.RemoveDownstream6(r)
			}
		}
		for _, r := range c.store.RemoveAllIPv6UpstreamRules(id) {
			c.maps.RemoveUpstream6(r)
			c.statsLimit.MaybeClearLimit(r.UpstreamIfindex)
		}
	})
}

// MaybeAttachProgram records a new forwarding pair and attaches the BPF
// programs that newly-transitioned interfaces need. Virtual upstreams
// are skipped entirely.
func (c *Coordinator) MaybeAttachProgram(downstreamName, upstreamName string) {
	c.dispatch(func() {
		if c.isVirtual(upstreamName) {
			return
		}
		downstreamFirst, upstreamFirst := c.store.AddPair(upstreamName, downstreamName)
		if downstreamFirst {
			if err := c.maps.AttachProgram(downstreamName, bpfmap.Upstream, bpfmap.IPv4); err != nil {
				c.logger.Warn("attach upstream program failed", "interface", downstreamName, "error", err)
			}
			if err := c.maps.AttachProgram(downstreamName, bpfmap.Upstream, bpfmap.IPv6); err != nil {
				c.logger.Warn("attach upstream program failed", "interface", downstreamName, "error", err)
			}
		}
		if upstreamFirst {
			if err := c.maps.AttachProgram(upstreamName, bpfmap.Downstream, bpfmap.IPv4); err != nil {
				c.logger.Warn("attach downstream program failed", "interface", upstreamName, "error", err)
			}
			if err := c.maps.AttachProgram(upstreamName, bpfmap.Downstream, bpfmap.IPv6); err != nil {
				c.logger.Warn("attach downstream program failed", "interface", upstreamName, "error", err)
			}
		}
	})
}

// MaybeDetachProgram undoes MaybeAttachProgram once a forwarding pair
// is removed.
func (c *Coordinator) MaybeDetachProgram(downstreamName, upstreamName string) {
	c.dispatch(func() {
		downstreamEmpty, upstreamEmpty := c.store.RemovePair(upstreamName, downstreamName)
		if downstreamEmpty {
			c.detachInterface(downstreamName)
		}
		if upstreamEmpty {
			c.detachInterface(upstreamName)
		}
	})
}

func (c *Coordinator) detachProgramsFor(name string) {
	if c.store.HasAnyPairForDownstream(name) || c.store.HasAnyPairForUpstream(name) {
		return
	}
	c.detachInterface(name)
}

func (c *Coordinator) detachInterface(name string) {
	if err := c.maps.DetachProgram(name, bpfmap.IPv4); err != nil {
		c.logger.Warn("detach program failed", "interface", name, "error", err)
	}
	if err := c.maps.DetachProgram(name, bpfmap.IPv6); err != nil {
		c.logger.Warn("detach program failed", "interface", name, "error", err)
	}
}

// AddIPv6Downstream satisfies neighbor.Coordinator: it installs or
// updates a downstream rule discovered by the neighbor monitor.
func (c *Coordinator) AddIPv6Downstream(id types.DownstreamID, rule types.Ipv6DownstreamRule) {
	c.dispatch(func() {
		c.store.SetIPv6DownstreamRule(id, rule)
		if rule.InKernel() {
			c.maps.AddDownstream6(rule)
		}
	})
}

// RemoveIPv6Downstream satisfies neighbor.Coordinator: it withdraws a
// downstream rule the neighbor monitor reports as gone.
func (c *Coordinator) RemoveIPv6Downstream(id types.DownstreamID, neighbor6 types.IPv6) {
	c.dispatch(func() {
		rule, ok := c.store.RemoveIPv6DownstreamRule(id, neighbor6)
		if !ok {
			return
		}
		if rule.InKernel() {
			c.maps.RemoveDownstream6(rule)
		}
	})
}

// OnSetLimit forwards an external data-limit change to StatsAndLimit.
func (c *Coordinator) OnSetLimit(name string, quota uint64) {
	c.dispatch(func() { c.statsLimit.OnSetLimit(name, quota) })
}

func (c *Coordinator) ensureDevMember(ifindex types.InterfaceIndex) {
	if c.store.AddDevMember(ifindex) {
		c.maps.AddDevMember(ifindex)
	}
}

// clearClientRules withdraws a client's tether4 rule pairs by scanning
// upstream4/downstream4 for entries it owns.
func (c *Coordinator) clearClientRules(id types.DownstreamID, info types.Ipv4ClientInfo) {
	c.withdrawClientRules(info)
}

func (c *Coordinator) withdrawClientRules(info types.Ipv4ClientInfo) {
	var upKeys, downKeys []types.Tether4Key
	var upUpstreams []types.InterfaceIndex
	touchedUpstreams := make(map[types.InterfaceIndex]struct{})

	c.maps.ForEachUpstream4(func(key types.Tether4Key, val types.Tether4Value) {
		if key.Iif == uint32(info.DownstreamIfindex) && key.Src4 == info.ClientIPv4 {
			upKeys = append(upKeys, key)
			upUpstreams = append(upUpstreams, types.InterfaceIndex(val.Oif))
			touchedUpstreams[types.InterfaceIndex(val.Oif)] = struct{}{}
		}
	})
	c.maps.ForEachDownstream4(func(key types.Tether4Key, val types.Tether4Value) {
		if val.Oif == uint32(info.DownstreamIfindex) && val.EthDstMAC == info.ClientMAC {
			downKeys = append(downKeys, key)
			touchedUpstreams[types.InterfaceIndex(key.Iif)] = struct{}{}
		}
	})

	for _, k := range upKeys {
		c.maps.RemoveUpstream4(k)
	}
	for _, k := range downKeys {
		c.maps.RemoveDownstream4(k)
	}

	if len(upKeys) != len(downKeys) {
		c.logAnomaly("client rule pair count mismatch on withdraw", "client", info.ClientIPv4.String(), "upstream_count", len(upKeys), "downstream_count", len(downKeys))
		return
	}

	for range upKeys {
		c.conntrackConsumer.Session.Decrement(c.logger)
	}
	// One DecrementIPv4Upstream per removed pair, mirroring the
	// per-pair IncrementIPv4Upstream: a client with several concurrent
	// flows through the same upstream must drop its use-count by the
	// same number of pairs, not just once per distinct upstream.
	for _, ifindex := range upUpstreams {
		c.store.DecrementIPv4Upstream(ifindex)
	}
	for ifindex := range touchedUpstreams {
		c.statsLimit.MaybeClearLimit(ifindex)
	}
}
