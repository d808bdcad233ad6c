// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package neighbor

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/tetherd/internal/tether/types"
)

type fakeLookup struct {
	downstreamsByIfindex map[types.InterfaceIndex][]types.DownstreamID
	params               map[types.DownstreamID]types.InterfaceParams
	currentUpstream      map[types.DownstreamID]types.InterfaceIndex
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{
		downstreamsByIfindex: make(map[types.InterfaceIndex][]types.DownstreamID),
		params:               make(map[types.DownstreamID]types.InterfaceParams),
		currentUpstream:      make(map[types.DownstreamID]types.InterfaceIndex),
	}
}
func (f *fakeLookup) DownstreamsWithIfindex(ifindex types.InterfaceIndex) []types.DownstreamID {
	return f.downstreamsByIfindex[ifindex]
}
func (f *fakeLookup) Downstream(id types.DownstreamID) (types.InterfaceParams, bool) {
	p, ok := f.params[id]
	return p, ok
}
func (f *fakeLookup) CurrentIPv6Upstream(id types.DownstreamID) types.InterfaceIndex {
	return f.currentUpstream[id]
}

type fakeCoordinator struct {
	addedV6    []types.Ipv6DownstreamRule
	removedV6  []types.IPv6
	addedV4    []types.Ipv4ClientInfo
	removedV4  []types.IPv4
}

func (f *fakeCoordinator) AddIPv6Downstream(id types.DownstreamID, rule types.Ipv6DownstreamRule) {
	f.addedV6 = append(f.addedV6, rule)
}
func (f *fakeCoordinator) RemoveIPv6Downstream(id types.DownstreamID, neighbor types.IPv6) {
	f.removedV6 = append(f.removedV6, neighbor)
}
func (f *fakeCoordinator) AddClient(id types.DownstreamID, info types.Ipv4ClientInfo) {
	f.addedV4 = append(f.addedV4, info)
}
func (f *fakeCoordinator) RemoveClient(id types.DownstreamID, ip types.IPv4) {
	f.removedV4 = append(f.removedV4, ip)
}

func TestHandleEventBuildsIPv6DownstreamRule(t *testing.T) {
	lookup := newFakeLookup()
	coord := &fakeCoordinator{}
	c := NewConsumer(lookup, coord, nil, nil)

	id := types.NewDownstreamID()
	lookup.downstreamsByIfindex[3] = []types.DownstreamID{id}
	lookup.params[id] = types.InterfaceParams{Index: 3, Name: "wlan0", MAC: types.MAC{0xaa}, HasMAC: true}
	lookup.currentUpstream[id] = 9

	ev := Event{
		Ifindex: 3,
		IP:      net.ParseIP("2001:db8::1"),
		MAC:     net.HardwareAddr{0x11, 0x22, 0x33, 0x44, 0x55, 0x66},
		IsValid: true,
	}
	c.HandleEvent(ev)

	require.Len(t, coord.addedV6, 1)
	require.EqualValues(t, 9, coord.addedV6[0].UpstreamIfindex)
	require.EqualValues(t, 3, coord.addedV6[0].DownstreamIfindex)
}

func TestHandleEventSkipsLinkLocalIPv6(t *testing.T) {
	lookup := newFakeLookup()
	coord := &fakeCoordinator{}
	c := NewConsumer(lookup, coord, nil, nil)

	id := types.NewDownstreamID()
	lookup.downstreamsByIfindex[3] = []types.DownstreamID{id}
	lookup.params[id] = types.InterfaceParams{Index: 3, Name: "wlan0", MAC: types.MAC{0xaa}, HasMAC: true}

	ev := Event{Ifindex: 3, IP: net.ParseIP("fe80::1"), MAC: net.HardwareAddr{1, 2, 3, 4, 5, 6}, IsValid: true}
	c.HandleEvent(ev)

	require.Empty(t, coord.addedV6)
}

func TestHandleEventRemovalForIPv4Client(t *testing.T) {
	lookup := newFakeLookup()
	coord := &fakeCoordinator{}
	c := NewConsumer(lookup, coord, nil, nil)

	id := types.NewDownstreamID()
	lookup.downstreamsByIfindex[3] = []types.DownstreamID{id}
	lookup.params[id] = types.InterfaceParams{Index: 3, Name: "wlan0", MAC: types.MAC{0xaa}, HasMAC: true}

	ev := Event{Ifindex: 3, IP: net.ParseIP("192.168.43.5"), IsValid: false}
	c.HandleEvent(ev)

	require.Equal(t, []types.IPv4{{192, 168, 43, 5}}, coord.removedV4)
}

func TestHandleEventSkipsDownstreamWithoutMAC(t *testing.T) {
	lookup := newFakeLookup()
	coord := &fakeCoordinator{}
	c := NewConsumer(lookup, coord, nil, nil)

	id := types.NewDownstreamID()
	lookup.downstreamsByIfindex[3] = []types.DownstreamID{id}
	lookup.params[id] = types.InterfaceParams{Index: 3, Name: "rawip0", HasMAC: false}

	ev := Event{Ifindex: 3, IP: net.ParseIP("192.168.43.5"), MAC: net.HardwareAddr{1, 2, 3, 4, 5, 6}, IsValid: true}
	c.HandleEvent(ev)

	require.Empty(t, coord.addedV4)
}
