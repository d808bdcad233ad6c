// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import (
	"grimm.is/tetherd/internal/logging"
	"grimm.is/tetherd/internal/tether/types"
)

// RuleStore is the subset of rulestore.RuleStore the consumer needs:
// client and upstream lookups, plus dev-map and per-upstream rule-usage
// bookkeeping.
type RuleStore interface {
	ClientByIP(ip types.IPv4) (types.Ipv4ClientInfo, types.DownstreamID, bool)
	IPv4UpstreamIndexForAddr(ip types.IPv4) (types.InterfaceIndex, bool)
	LastIPv4Upstream() types.InterfaceIndex
	AddDevMember(ifindex types.InterfaceIndex) bool
	IncrementIPv4Upstream(ifindex types.InterfaceIndex)
	DecrementIPv4Upstream(ifindex types.InterfaceIndex)
}

// MapAccessor is the subset of bpfmap.Accessor the consumer needs.
type MapAccessor interface {
	AddUpstream4(key types.Tether4Key, val types.Tether4Value) bool
	RemoveUpstream4(key types.Tether4Key) bool
	AddDownstream4(key types.Tether4Key, val types.Tether4Value) bool
	RemoveDownstream4(key types.Tether4Key) bool
	AddDevMember(ifindex types.InterfaceIndex) bool
}

// LimitGate is the subset of statslimit.StatsAndLimit the consumer
// needs to keep invariant I5 (limit programmed before first rule,
// cleared after last).
type LimitGate interface {
	MaybeSetLimit(ifindex types.InterfaceIndex)
	MaybeClearLimit(ifindex types.InterfaceIndex)
}

// Consumer turns a stream of conntrack Events into paired
// upstream4/downstream4 rules.
type Consumer struct {
	store   RuleStore
	maps    MapAccessor
	limits  LimitGate
	logger  *logging.Logger
	Session SessionCounter
}

// NewConsumer builds a Consumer. logger may be nil, in which case the
// package default logger is used.
func NewConsumer(store RuleStore, maps MapAccessor, limits LimitGate, logger *logging.Logger) *Consumer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Consumer{
		store:  store,
		maps:   maps,
		limits: limits,
		logger: logger.WithComponent("conntrack"),
	}
}

func upstreamKey(client types.Ipv4ClientInfo, orig Tuple) types.Tether4Key {
	return types.Tether4Key{
		Iif:     uint32(client.DownstreamIfindex),
		DstMAC:  client.DownstreamMAC,
		L4Proto: orig.Proto,
		Src4:    orig.SrcIP,
		Dst4:    orig.DstIP,
		SrcPort: orig.SrcPort,
		DstPort: orig.DstPort,
	}
}

func downstreamKey(upstreamIfindex types.InterfaceIndex, reply Tuple) types.Tether4Key {
	return types.Tether4Key{
		Iif:     uint32(upstreamIfindex),
		DstMAC:  types.NullMAC,
		L4Proto: reply.Proto,
		Src4:    reply.SrcIP,
		Dst4:    reply.DstIP,
		SrcPort: reply.SrcPort,
		DstPort: reply.DstPort,
	}
}

// upstreamValue is the post-NAT addressing seen once a client packet
// has left via the upstream: its source now reads as the reply tuple's
// destination (the NAT'd external address), and its destination is the
// reply tuple's source (the unchanged remote peer).
func upstreamValue(upstreamIfindex types.InterfaceIndex, reply Tuple) types.Tether4Value {
	return types.Tether4Value{
		Oif:       uint32(upstreamIfindex),
		EthDstMAC: types.NullMAC,
		EthSrcMAC: types.NullMAC,
		EtherType: types.EthertypeIPv4,
		Pmtu:      types.EtherMTU,
		Src46:     reply.DstIP.ToMappedIPv6(),
		Dst46:     reply.SrcIP.ToMappedIPv6(),
		SrcPort:   reply.DstPort,
		DstPort:   reply.SrcPort,
	}
}

// downstreamValue restores the client's original addressing for a
// packet arriving from the upstream, to be delivered to the downstream
// link.
func downstreamValue(client types.Ipv4ClientInfo, orig Tuple) types.Tether4Value {
	return types.Tether4Value{
		Oif:       uint32(client.DownstreamIfindex),
		EthDstMAC: client.ClientMAC,
		EthSrcMAC: client.DownstreamMAC,
		EtherType: types.EthertypeIPv4,
		Pmtu:      types.EtherMTU,
		Src46:     orig.DstIP.ToMappedIPv6(),
		Dst46:     orig.SrcIP.ToMappedIPv6(),
		SrcPort:   orig.DstPort,
		DstPort:   orig.SrcPort,
	}
}

// HandleEvent applies one conntrack event, installing or withdrawing
// tether4 rule pairs as needed.
func (c *Consumer) HandleEvent(ev Event) {
	if ev.TupleOrig.Proto == types.ProtoTCP {
		if _, blocked := types.NonOffloadedTCPPorts[ev.TupleOrig.DstPort]; blocked {
			return
		}
	}

	client, _, ok := c.store.ClientByIP(ev.TupleOrig.SrcIP)
	if !ok {
		return
	}

	upstreamIfindex, ok := c.store.IPv4UpstreamIndexForAddr(ev.TupleReply.DstIP)
	if !ok {
		return
	}

	upKey := upstreamKey(client, ev.TupleOrig)
	downKey := downstreamKey(upstreamIfindex, ev.TupleReply)

	if ev.MsgType == MsgDelete {
		c.handleDelete(upstreamIfindex, upKey, downKey)
		return
	}

	c.handleAddOrUpdate(upstreamIfindex, client, upKey, downKey, ev)
}

func (c *Consumer) handleDelete(upstreamIfindex types.InterfaceIndex, upKey, downKey types.Tether4Key) {
	upRemoved := c.maps.RemoveUpstream4(upKey)
	downRemoved := c.maps.RemoveDownstream4(downKey)

	if !upRemoved && !downRemoved {
		return // race with earlier cleanup
	}
	if upRemoved != downRemoved {
		c.logger.Error("conntrack delete removed only one side of a NAT pair", "upstream_removed", upRemoved, "downstream_removed", downRemoved)
	}

	c.Session.Decrement(c.logger)
	c.store.DecrementIPv4Upstream(upstreamIfindex)
	c.limits.MaybeClearLimit(upstreamIfindex)
}

func (c *Consumer) handleAddOrUpdate(upstreamIfindex types.InterfaceIndex, client types.Ipv4ClientInfo, upKey, downKey types.Tether4Key, ev Event) {
	if c.store.LastIPv4Upstream() != upstreamIfindex {
		return // stale: this event no longer matches the active upstream
	}

	c.store.AddDevMember(client.DownstreamIfindex)
	c.maps.AddDevMember(client.DownstreamIfindex)
	c.store.AddDevMember(upstreamIfindex)
	c.maps.AddDevMember(upstreamIfindex)

	c.limits.MaybeSetLimit(upstreamIfindex)

	upOK := c.maps.AddUpstream4(upKey, upstreamValue(upstreamIfindex, ev.TupleReply))
	downOK := c.maps.AddDownstream4(downKey, downstreamValue(client, ev.TupleOrig))

	if !upOK || !downOK {
		if upOK != downOK {
			c.logger.Error("conntrack add installed only one side of a NAT pair", "upstream_ok", upOK, "downstream_ok", downOK)
		}
		return
	}

	c.Session.Increment()
	c.store.IncrementIPv4Upstream(upstreamIfindex)
}
