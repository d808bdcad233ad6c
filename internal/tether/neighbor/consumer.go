// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package neighbor

import (
	"grimm.is/tetherd/internal/logging"
	"grimm.is/tetherd/internal/tether/types"
)

// DownstreamLookup is the subset of rulestore.RuleStore the consumer
// needs to fan an event out to every downstream present on the
// reporting link.
type DownstreamLookup interface {
	DownstreamsWithIfindex(ifindex types.InterfaceIndex) []types.DownstreamID
	Downstream(id types.DownstreamID) (types.InterfaceParams, bool)
	CurrentIPv6Upstream(id types.DownstreamID) types.InterfaceIndex
}

// Coordinator is the subset of coordinator operations the consumer
// drives.
type Coordinator interface {
	AddIPv6Downstream(id types.DownstreamID, rule types.Ipv6DownstreamRule)
	RemoveIPv6Downstream(id types.DownstreamID, neighbor types.IPv6)
	AddClient(id types.DownstreamID, info types.Ipv4ClientInfo)
	RemoveClient(id types.DownstreamID, ip types.IPv4)
}

// Solicitor actively resolves a neighbor's link-layer address when a
// kernel neighbor-table event arrives without one (e.g. an IPv6 entry
// still in INCOMPLETE state). Optional: a nil Solicitor simply means
// such events are dropped.
type Solicitor interface {
	Solicit(ifname string, target types.IPv6) (types.MAC, bool)
}

// Consumer fans out neighbor-table events into IPv6 downstream rule
// installs and removals.
type Consumer struct {
	lookup      DownstreamLookup
	coordinator Coordinator
	solicitor   Solicitor
	logger      *logging.Logger
}

// NewConsumer builds a Consumer. solicitor may be nil.
func NewConsumer(lookup DownstreamLookup, coordinator Coordinator, solicitor Solicitor, logger *logging.Logger) *Consumer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Consumer{
		lookup:      lookup,
		coordinator: coordinator,
		solicitor:   solicitor,
		logger:      logger.WithComponent("neighbor"),
	}
}

// HandleEvent fans ev out to every downstream registered on ev.Ifindex.
func (c *Consumer) HandleEvent(ev Event) {
	ifindex := types.InterfaceIndex(ev.Ifindex)
	for _, id := range c.lookup.DownstreamsWithIfindex(ifindex) {
		params, ok := c.lookup.Downstream(id)
		if !ok || !params.HasMAC {
			continue
		}
		if ip6, ok := types.IPv6FromNetIP(ev.IP); ok {
			c.handleIPv6(id, params, ip6, ev)
			continue
		}
		if ip4, ok := types.IPv4FromNetIP(ev.IP); ok {
			c.handleIPv4(id, params, ip4, ev)
		}
	}
}

func (c *Consumer) handleIPv6(id types.DownstreamID, params types.InterfaceParams, neighbor types.IPv6, ev Event) {
	if neighbor.IsMulticastLoopbackOrLinkLocal() {
		return
	}
	if !ev.IsValid {
		c.coordinator.RemoveIPv6Downstream(id, neighbor)
		return
	}

	dstMAC, ok := macFromEvent(ev)
	if !ok && c.solicitor != nil {
		dstMAC, ok = c.solicitor.Solicit(params.Name, neighbor)
	}
	if !ok {
		c.logger.Warn("dropping neighbor advertisement with unresolved link-layer address", "neighbor", neighbor.String())
		return
	}

	rule := types.Ipv6DownstreamRule{
		UpstreamIfindex:   c.lookup.CurrentIPv6Upstream(id),
		DownstreamIfindex: params.Index,
		Neighbor6:         neighbor,
		SrcMAC:            params.MAC,
		DstMAC:            dstMAC,
	}
	c.coordinator.AddIPv6Downstream(id, rule)
}

func (c *Consumer) handleIPv4(id types.DownstreamID, params types.InterfaceParams, client types.IPv4, ev Event) {
	if !ev.IsValid {
		c.coordinator.RemoveClient(id, client)
		return
	}

	clientMAC, ok := macFromEvent(ev)
	if !ok {
		return
	}

	c.coordinator.AddClient(id, types.Ipv4ClientInfo{
		DownstreamIfindex: params.Index,
		DownstreamMAC:     params.MAC,
		ClientIPv4:        client,
		ClientMAC:         clientMAC,
	})
}

func macFromEvent(ev Event) (types.MAC, bool) {
	if len(ev.MAC) != 6 {
		return types.NullMAC, false
	}
	var m types.MAC
	copy(m[:], ev.MAC)
	return m, true
}
