// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package rulestore holds the coordinator's single authoritative,
// in-memory mirror of everything it has told the kernel. It never talks
// to the kernel or the network itself: every mutation it performs is a
// pure map/slice update, and the hard part of the system — sequencing
// those mutations correctly against kernel calls — lives one layer up,
// in the coordinator. Nothing in this package is safe for concurrent
// use: callers serialize access the same way the coordinator serializes
// every other mutation, onto one goroutine.
package rulestore

import (
	"grimm.is/tetherd/internal/tether/types"
)

// downstream bundles everything RuleStore tracks about a single served
// downstream interface.
type downstream struct {
	params          types.InterfaceParams
	upstream6Rules  []types.Ipv6UpstreamRule
	downstream6Rule *orderedDownstreamRules
	clients         map[types.IPv4]types.Ipv4ClientInfo
}

func newDownstreamEntry(params types.InterfaceParams) *downstream {
	return &downstream{
		params:          params,
		downstream6Rule: newOrderedDownstreamRules(),
		clients:         make(map[types.IPv4]types.Ipv4ClientInfo),
	}
}

// RuleStore is the coordinator's mirrored kernel state.
type RuleStore struct {
	downstreams map[types.DownstreamID]*downstream

	// clientIndex enforces global client IPv4 uniqueness in O(1).
	clientIndex map[types.IPv4]types.DownstreamID

	// upstreamNames maps an upstream ifindex to the single name the
	// coordinator has seen attached to it (I8: one name per ifindex).
	upstreamNames map[types.InterfaceIndex]string

	// devMembers tracks which ifindices have already been added to the
	// kernel's dev map, so the coordinator never issues a redundant add.
	devMembers map[types.InterfaceIndex]struct{}

	// forwardingPairsUp/Down index the same (upstream,downstream) name
	// pairs from both directions so maybe_attach_program / maybe_detach_
	// program can ask "does this interface have any pair left" in O(1).
	forwardingPairsUp   map[string]map[string]struct{}
	forwardingPairsDown map[string]map[string]struct{}

	// ipv4UpstreamIndices maps an upstream interface's own IPv4 addresses
	// to its ifindex, rebuilt whenever the active IPv4 upstream changes.
	// ConntrackConsumer uses it to resolve tuple_reply.dst_ip (the NATed
	// destination, i.e. the upstream's own address) to an ifindex.
	ipv4UpstreamIndices map[types.IPv4]types.InterfaceIndex
	lastIPv4Upstream    types.InterfaceIndex
	ipv4UpstreamInfo    *types.UpstreamInfo

	// ipv4UpstreamUsers counts currently-installed tether4 rule pairs
	// that forward via a given upstream ifindex, so that together with
	// ipv6UpstreamUserCount it answers "is any rule using this upstream".
	ipv4UpstreamUsers map[types.InterfaceIndex]int
}

// New returns an empty RuleStore.
func New() *RuleStore {
	return &RuleStore{
		downstreams:          make(map[types.DownstreamID]*downstream),
		clientIndex:          make(map[types.IPv4]types.DownstreamID),
		upstreamNames:        make(map[types.InterfaceIndex]string),
		devMembers:           make(map[types.InterfaceIndex]struct{}),
		forwardingPairsUp:    make(map[string]map[string]struct{}),
		forwardingPairsDown:  make(map[string]map[string]struct{}),
		ipv4UpstreamIndices:  make(map[types.IPv4]types.InterfaceIndex),
		ipv4UpstreamUsers:    make(map[types.InterfaceIndex]int),
	}
}

// -- served downstreams -------------------------------------------------

// RegisterDownstream records a newly served downstream and its
// interface parameters. Returns false if id is already served.
func (s *RuleStore) RegisterDownstream(id types.DownstreamID, params types.InterfaceParams) bool {
	if _, exists := s.downstreams[id]; exists {
		return false
	}
	s.downstreams[id] = newDownstreamEntry(params)
	return true
}

// UnregisterDownstream drops all bookkeeping for id and returns whatever
// rules and clients were still installed, so the caller can withdraw
// them from the kernel before the memory is freed.
func (s *RuleStore) UnregisterDownstream(id types.DownstreamID) (
	upstream6 []types.Ipv6UpstreamRule, downstream6 []types.Ipv6DownstreamRule, clients []types.Ipv4ClientInfo, ok bool,
) {
	d, exists := s.downstreams[id]
	if !exists {
		return nil, nil, nil, false
	}
	upstream6 = d.upstream6Rules
	downstream6 = d.downstream6Rule.values()
	for ip, c := range d.clients {
		clients = append(clients, c)
		delete(s.clientIndex, ip)
	}
	for _, r := range upstream6 {
		s.decrementIPv6Upstream(r.UpstreamIfindex)
	}
	delete(s.downstreams, id)
	return upstream6, downstream6, clients, true
}

// IsServed reports whether id is currently a registered downstream.
func (s *RuleStore) IsServed(id types.DownstreamID) bool {
	_, ok := s.downstreams[id]
	return ok
}

// Downstream returns the interface parameters registered for id.
func (s *RuleStore) Downstream(id types.DownstreamID) (types.InterfaceParams, bool) {
	d, ok := s.downstreams[id]
	if !ok {
		return types.InterfaceParams{}, false
	}
	return d.params, true
}

// AllDownstreams returns every currently served downstream id. Order is
// unspecified.
func (s *RuleStore) AllDownstreams() []types.DownstreamID {
	out := make([]types.DownstreamID, 0, len(s.downstreams))
	for id := range s.downstreams {
		out = append(out, id)
	}
	return out
}

// DownstreamsWithIfindex returns every served downstream whose registered
// interface index equals ifindex, used to fan out link-local neighbor
// events to the downstreams actually present on that link.
func (s *RuleStore) DownstreamsWithIfindex(ifindex types.InterfaceIndex) []types.DownstreamID {
	var out []types.DownstreamID
	for id, d := range s.downstreams {
		if d.params.Index == ifindex {
			out = append(out, id)
		}
	}
	return out
}

// -- dev map membership ---------------------------------------------------

// AddDevMember records that ifindex has been added to the kernel dev
// map, returning false if it was already present so the caller can skip
// the redundant kernel call.
func (s *RuleStore) AddDevMember(ifindex types.InterfaceIndex) bool {
	if _, ok := s.devMembers[ifindex]; ok {
		return false
	}
	s.devMembers[ifindex] = struct{}{}
	return true
}

// HasDevMember reports whether ifindex is already tracked as present in
// the kernel dev map.
func (s *RuleStore) HasDevMember(ifindex types.InterfaceIndex) bool {
	_, ok := s.devMembers[ifindex]
	return ok
}

// -- upstream name tracking ------------------------------------------------

// ObserveUpstreamName records the name attached to ifindex. It returns
// (true, true) the first time ifindex is seen, (false, true) when name
// matches what was already recorded, and (false, false) when a different
// name is already associated with ifindex — an anomaly the caller should
// log and ignore rather than act on.
func (s *RuleStore) ObserveUpstreamName(ifindex types.InterfaceIndex, name string) (isNew, consistent bool) {
	existing, ok := s.upstreamNames[ifindex]
	if !ok {
		s.upstreamNames[ifindex] = name
		return true, true
	}
	return false, existing == name
}

// UpstreamName returns the name previously observed for ifindex.
func (s *RuleStore) UpstreamName(ifindex types.InterfaceIndex) (string, bool) {
	name, ok := s.upstreamNames[ifindex]
	return name, ok
}

// IfindexForUpstreamName reverse-looks-up UpstreamName. Linear over the
// (small, device-bounded) set of upstreams ever observed.
func (s *RuleStore) IfindexForUpstreamName(name string) (types.InterfaceIndex, bool) {
	for ifindex, n := range s.upstreamNames {
		if n == name {
			return ifindex, true
		}
	}
	return 0, false
}

// -- IPv4 upstream tracking ------------------------------------------------

// LastIPv4Upstream returns the most recently configured IPv4 upstream
// ifindex, or types.NoUpstream if none has been set.
func (s *RuleStore) LastIPv4Upstream() types.InterfaceIndex { return s.lastIPv4Upstream }

// SetLastIPv4Upstream records the active IPv4 upstream ifindex.
func (s *RuleStore) SetLastIPv4Upstream(ifindex types.InterfaceIndex) { s.lastIPv4Upstream = ifindex }

// IPv4UpstreamInfo returns the cached MTU/ifindex pair for the current
// IPv4 upstream, or nil if none has been recorded.
func (s *RuleStore) IPv4UpstreamInfo() *types.UpstreamInfo { return s.ipv4UpstreamInfo }

// SetIPv4UpstreamInfo replaces the cached IPv4 upstream info.
func (s *RuleStore) SetIPv4UpstreamInfo(info *types.UpstreamInfo) { s.ipv4UpstreamInfo = info }

// IncrementIPv4Upstream records that one more tether4 rule pair now
// forwards via ifindex.
func (s *RuleStore) IncrementIPv4Upstream(ifindex types.InterfaceIndex) {
	s.ipv4UpstreamUsers[ifindex]++
}

// DecrementIPv4Upstream records that one fewer tether4 rule pair forwards
// via ifindex, clearing the entry once it reaches zero.
func (s *RuleStore) DecrementIPv4Upstream(ifindex types.InterfaceIndex) {
	n, ok := s.ipv4UpstreamUsers[ifindex]
	if !ok {
		return
	}
	if n <= 1 {
		delete(s.ipv4UpstreamUsers, ifindex)
		return
	}
	s.ipv4UpstreamUsers[ifindex] = n - 1
}

// IPv4UpstreamIndexForAddr resolves one of the active upstream's own
// IPv4 addresses to its ifindex, used to turn a NAT reply tuple's
// destination address back into an ifindex.
func (s *RuleStore) IPv4UpstreamIndexForAddr(ip types.IPv4) (types.InterfaceIndex, bool) {
	ifindex, ok := s.ipv4UpstreamIndices[ip]
	return ifindex, ok
}

// SetIPv4UpstreamIndices replaces the full set of addresses the active
// IPv4 upstream answers to.
func (s *RuleStore) SetIPv4UpstreamIndices(ifindex types.InterfaceIndex, addrs []types.IPv4) {
	s.ipv4UpstreamIndices = make(map[types.IPv4]types.InterfaceIndex, len(addrs))
	for _, a := range addrs {
		s.ipv4UpstreamIndices[a] = ifindex
	}
}

// RuleCountForUpstream returns the number of rules — IPv6 upstream rules
// across all downstreams, plus tracked IPv4 tether4 rule pairs — that
// currently forward via ifindex. StatsAndLimit uses zero/nonzero here to
// decide whether clearing or (re)installing a limit would be redundant.
func (s *RuleStore) RuleCountForUpstream(ifindex types.InterfaceIndex) int {
	return s.ipv6UpstreamUserCount(ifindex) + s.ipv4UpstreamUsers[ifindex]
}

func (s *RuleStore) ipv6UpstreamUserCount(ifindex types.InterfaceIndex) int {
	n := 0
	for _, d := range s.downstreams {
		for _, r := range d.upstream6Rules {
			if r.UpstreamIfindex == ifindex {
				n++
			}
		}
	}
	return n
}

func (s *RuleStore) decrementIPv6Upstream(types.InterfaceIndex) {
	// Bookkeeping hook retained for symmetry with DecrementIPv4Upstream;
	// IPv6 upstream usage is derived on demand by ipv6UpstreamUserCount
	// rather than tracked incrementally, since upstream6Rules already is
	// the source of truth and is mutated directly by the caller.
}

// -- IPv6 upstream rules (I2, I3) ------------------------------------------

// IPv6UpstreamRules returns the upstream rules currently installed for
// id, in no particular order.
func (s *RuleStore) IPv6UpstreamRules(id types.DownstreamID) []types.Ipv6UpstreamRule {
	d, ok := s.downstreams[id]
	if !ok {
		return nil
	}
	return append([]types.Ipv6UpstreamRule(nil), d.upstream6Rules...)
}

// CurrentIPv6Upstream returns the upstream ifindex shared by every
// Ipv6UpstreamRule installed for id, or types.NoUpstream if none
// are installed.
func (s *RuleStore) CurrentIPv6Upstream(id types.DownstreamID) types.InterfaceIndex {
	d, ok := s.downstreams[id]
	if !ok || len(d.upstream6Rules) == 0 {
		return types.NoUpstream
	}
	return d.upstream6Rules[0].UpstreamIfindex
}

// AddIPv6UpstreamRule appends rule to id's installed upstream rules.
func (s *RuleStore) AddIPv6UpstreamRule(id types.DownstreamID, rule types.Ipv6UpstreamRule) bool {
	d, ok := s.downstreams[id]
	if !ok {
		return false
	}
	d.upstream6Rules = append(d.upstream6Rules, rule)
	return true
}

// RemoveAllIPv6UpstreamRules pops every upstream rule installed for id
// and returns them so the caller can withdraw each from the kernel.
func (s *RuleStore) RemoveAllIPv6UpstreamRules(id types.DownstreamID) []types.Ipv6UpstreamRule {
	d, ok := s.downstreams[id]
	if !ok {
		return nil
	}
	removed := d.upstream6Rules
	d.upstream6Rules = nil
	return removed
}

// -- IPv6 downstream rules (I4, I9) ----------------------------------------

// IPv6DownstreamRules returns id's downstream rules in insertion order.
func (s *RuleStore) IPv6DownstreamRules(id types.DownstreamID) []types.Ipv6DownstreamRule {
	d, ok := s.downstreams[id]
	if !ok {
		return nil
	}
	return d.downstream6Rule.values()
}

// IPv6DownstreamRule looks up a single downstream rule by neighbor
// address.
func (s *RuleStore) IPv6DownstreamRule(id types.DownstreamID, neighbor types.IPv6) (types.Ipv6DownstreamRule, bool) {
	d, ok := s.downstreams[id]
	if !ok {
		return types.Ipv6DownstreamRule{}, false
	}
	return d.downstream6Rule.get(neighbor)
}

// SetIPv6DownstreamRule inserts or overwrites id's downstream rule for
// rule.Neighbor6, preserving insertion position on overwrite.
func (s *RuleStore) SetIPv6DownstreamRule(id types.DownstreamID, rule types.Ipv6DownstreamRule) bool {
	d, ok := s.downstreams[id]
	if !ok {
		return false
	}
	d.downstream6Rule.set(rule)
	return true
}

// RemoveIPv6DownstreamRule removes id's downstream rule for neighbor, if
// any, and returns it.
func (s *RuleStore) RemoveIPv6DownstreamRule(id types.DownstreamID, neighbor types.IPv6) (types.Ipv6DownstreamRule, bool) {
	d, ok := s.downstreams[id]
	if !ok {
		return types.Ipv6DownstreamRule{}, false
	}
	return d.downstream6Rule.delete(neighbor)
}

// RemoveAllIPv6DownstreamRules pops every downstream rule for id.
func (s *RuleStore) RemoveAllIPv6DownstreamRules(id types.DownstreamID) []types.Ipv6DownstreamRule {
	d, ok := s.downstreams[id]
	if !ok {
		return nil
	}
	removed := d.downstream6Rule.values()
	d.downstream6Rule = newOrderedDownstreamRules()
	return removed
}

// -- IPv4 tethered clients ---------------------------------------------------

// ClientByIP performs the global uniqueness lookup:
// a client IPv4 address may be registered under at most one downstream
// at a time.
func (s *RuleStore) ClientByIP(ip types.IPv4) (types.Ipv4ClientInfo, types.DownstreamID, bool) {
	id, ok := s.clientIndex[ip]
	if !ok {
		return types.Ipv4ClientInfo{}, types.DownstreamID{}, false
	}
	d := s.downstreams[id]
	info := d.clients[ip]
	return info, id, true
}

// TetherClients returns every client currently registered under id.
func (s *RuleStore) TetherClients(id types.DownstreamID) []types.Ipv4ClientInfo {
	d, ok := s.downstreams[id]
	if !ok {
		return nil
	}
	out := make([]types.Ipv4ClientInfo, 0, len(d.clients))
	for _, c := range d.clients {
		out = append(out, c)
	}
	return out
}

// AddClient registers info under id, first evicting any existing
// registration for the same IPv4 address (whether under id or another
// downstream) to uphold I1. It returns the evicted registration, if any.
func (s *RuleStore) AddClient(id types.DownstreamID, info types.Ipv4ClientInfo) (evicted types.Ipv4ClientInfo, evictedFrom types.DownstreamID, hadPrevious bool) {
	if prevID, ok := s.clientIndex[info.ClientIPv4]; ok {
		prevD := s.downstreams[prevID]
		evicted = prevD.clients[info.ClientIPv4]
		delete(prevD.clients, info.ClientIPv4)
		evictedFrom = prevID
		hadPrevious = true
	}
	d := s.downstreams[id]
	if d != nil {
		d.clients[info.ClientIPv4] = info
		s.clientIndex[info.ClientIPv4] = id
	}
	return evicted, evictedFrom, hadPrevious
}

// RemoveClient drops the client registration for ip under id.
func (s *RuleStore) RemoveClient(id types.DownstreamID, ip types.IPv4) (types.Ipv4ClientInfo, bool) {
	d, ok := s.downstreams[id]
	if !ok {
		return types.Ipv4ClientInfo{}, false
	}
	info, ok := d.clients[ip]
	if !ok {
		return types.Ipv4ClientInfo{}, false
	}
	delete(d.clients, ip)
	delete(s.clientIndex, ip)
	return info, true
}

// ClearClients removes every client registered under id and returns
// them, used when a downstream is detached entirely.
func (s *RuleStore) ClearClients(id types.DownstreamID) []types.Ipv4ClientInfo {
	d, ok := s.downstreams[id]
	if !ok {
		return nil
	}
	out := make([]types.Ipv4ClientInfo, 0, len(d.clients))
	for ip, c := range d.clients {
		out = append(out, c)
		delete(s.clientIndex, ip)
	}
	d.clients = make(map[types.IPv4]types.Ipv4ClientInfo)
	return out
}

// -- forwarding pairs (for maybe_attach_program / maybe_detach_program) ----

// AddPair records that traffic now forwards between upstreamName and
// downstreamName. It reports, independently, whether this is the first
// pair ever recorded for downstreamName and for upstreamName — the
// coordinator attaches the corresponding BPF program only on that first
// transition.
func (s *RuleStore) AddPair(upstreamName, downstreamName string) (downstreamFirst, upstreamFirst bool) {
	downSet, hadDown := s.forwardingPairsUp[upstreamName]
	if !hadDown {
		downSet = make(map[string]struct{})
		s.forwardingPairsUp[upstreamName] = downSet
	}
	upstreamFirst = len(downSet) == 0
	downSet[downstreamName] = struct{}{}

	upSet, hadUp := s.forwardingPairsDown[downstreamName]
	if !hadUp {
		upSet = make(map[string]struct{})
		s.forwardingPairsDown[downstreamName] = upSet
	}
	downstreamFirst = len(upSet) == 0
	upSet[upstreamName] = struct{}{}
	return downstreamFirst, upstreamFirst
}

// RemovePair undoes AddPair. It reports, independently, whether
// downstreamName and upstreamName now have zero remaining pairs — the
// coordinator detaches the corresponding BPF program only on that
// transition.
func (s *RuleStore) RemovePair(upstreamName, downstreamName string) (downstreamEmpty, upstreamEmpty bool) {
	if downSet, ok := s.forwardingPairsUp[upstreamName]; ok {
		delete(downSet, downstreamName)
		if len(downSet) == 0 {
			delete(s.forwardingPairsUp, upstreamName)
		}
	}
	if upSet, ok := s.forwardingPairsDown[downstreamName]; ok {
		delete(upSet, upstreamName)
		if len(upSet) == 0 {
			delete(s.forwardingPairsDown, downstreamName)
		}
	}
	_, hasUp := s.forwardingPairsDown[downstreamName]
	_, hasDown := s.forwardingPairsUp[upstreamName]
	return !hasUp, !hasDown
}

// HasAnyPairForDownstream reports whether downstreamName currently
// forwards with any upstream.
func (s *RuleStore) HasAnyPairForDownstream(downstreamName string) bool {
	set, ok := s.forwardingPairsDown[downstreamName]
	return ok && len(set) > 0
}

// HasAnyPairForUpstream reports whether upstreamName currently forwards
// with any downstream.
func (s *RuleStore) HasAnyPairForUpstream(upstreamName string) bool {
	set, ok := s.forwardingPairsUp[upstreamName]
	return ok && len(set) > 0
}
