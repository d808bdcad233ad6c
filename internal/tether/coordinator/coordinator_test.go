// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package coordinator

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/tetherd/internal/config"
	"grimm.is/tetherd/internal/tether/bpfmap"
	tetherconntrack "grimm.is/tetherd/internal/tether/conntrack"
	"grimm.is/tetherd/internal/tether/neighbor"
	"grimm.is/tetherd/internal/tether/types"
)

type fakeVirtualChecker struct {
	virtual map[string]bool
}

func (f *fakeVirtualChecker) IsVirtual(name string) bool { return f.virtual[name] }

type fakeStatsSink struct {
	updates []map[string]types.ForwardedStats
	alerts  int
}

func (f *fakeStatsSink) NotifyStatsUpdated(perIface map[string]types.ForwardedStats, uid int) {
	f.updates = append(f.updates, perIface)
}
func (f *fakeStatsSink) NotifyAlertReached() { f.alerts++ }

type fakeMetricsSink struct {
	samples     []uint32
	downstreams []int
}

func (f *fakeMetricsSink) ReportActiveSessions(peak uint32) { f.samples = append(f.samples, peak) }
func (f *fakeMetricsSink) SetDownstreamsActive(n int)       { f.downstreams = append(f.downstreams, n) }

func mustMAC(t *testing.T, s string) types.MAC {
	t.Helper()
	m, err := types.ParseMAC(s)
	require.NoError(t, err)
	return m
}

func mustHardwareAddr(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	hw, err := net.ParseMAC(s)
	require.NoError(t, err)
	return hw
}

func mustIPv4(t *testing.T, s string) types.IPv4 {
	t.Helper()
	ip, ok := types.IPv4FromNetIP(net.ParseIP(s))
	require.True(t, ok)
	return ip
}

func mustIPv6(t *testing.T, s string) types.IPv6 {
	t.Helper()
	ip, ok := types.IPv6FromNetIP(net.ParseIP(s))
	require.True(t, ok)
	return ip
}

func newTestCoordinator(t *testing.T, virtual map[string]bool) (*Coordinator, *fakeStatsSink, *fakeMetricsSink) {
	t.Helper()
	maps, err := bpfmap.New(nil, nil)
	require.NoError(t, err)
	require.False(t, maps.IsInitialized())

	stats := &fakeStatsSink{}
	metrics := &fakeMetricsSink{}
	checker := &fakeVirtualChecker{virtual: virtual}

	c := New(config.DefaultTetherConfig(), nil, maps, stats, metrics, checker, nil, nil, nil)
	t.Cleanup(c.Close)
	return c, stats, metrics
}

// Scenario: an IPv6 client on a Wi-Fi upstream gets a paired
// upstream6/downstream6 rule once its neighbor entry resolves.
func TestScenarioIPv6ClientOnUpstream(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)

	downstream := types.NewDownstreamID()
	downMAC := mustMAC(t, "aa:bb:cc:00:00:01")
	c.AddDownstream(downstream, types.InterfaceParams{Index: 10, Name: "wlan1", MAC: downMAC, HasMAC: true})
	c.MaybeAddUpstreamToLookupTable(20, "wlan0")

	c.UpdateIPv6Upstream(downstream, 20, []types.Prefix64{types.Prefix64FromIPv6(mustIPv6(t, "2001:db8::"))})

	require.Equal(t, types.InterfaceIndex(20), c.store.CurrentIPv6Upstream(downstream))
	require.Len(t, c.store.IPv6UpstreamRules(downstream), 1)

	clientMAC := mustHardwareAddr(t, "dd:ee:ff:00:00:02")
	clientIP := mustIPv6(t, "2001:db8::1234")
	c.HandleNeighborEvent(neighbor.Event{
		Ifindex: 10, IP: clientIP.NetIP(), MAC: clientMAC, IsValid: true,
	})

	rule, ok := c.store.IPv6DownstreamRule(downstream, clientIP)
	require.True(t, ok)
	require.Equal(t, types.InterfaceIndex(20), rule.UpstreamIfindex)
	require.True(t, rule.InKernel())
}

// Scenario: a NAT flow is installed on first conntrack NEW and the
// session counter tracks its lifecycle through DELETE.
func TestScenarioNATFlowLifecycle(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)

	downstream := types.NewDownstreamID()
	c.AddDownstream(downstream, types.InterfaceParams{Index: 10, Name: "wlan1"})
	upstreamAddr := mustIPv4(t, "203.0.113.5")
	c.UpdateIPv4Upstream(&UpstreamNetworkState{
		InterfaceName: "wlan0", InterfaceIndex: 20, HasIPv4Address: true, HasMAC: false,
		IPv4Addresses: []types.IPv4{upstreamAddr},
	})

	clientIP := mustIPv4(t, "192.168.1.50")
	clientMAC := mustMAC(t, "aa:aa:aa:aa:aa:aa")
	c.AddClient(downstream, types.Ipv4ClientInfo{
		DownstreamIfindex: 10, DownstreamMAC: mustMAC(t, "bb:bb:bb:bb:bb:bb"),
		ClientIPv4: clientIP, ClientMAC: clientMAC,
	})

	peer := mustIPv4(t, "93.184.216.34")
	c.HandleConntrackEvent(tetherconntrack.Event{
		MsgType: tetherconntrack.MsgNew,
		TupleOrig: tetherconntrack.Tuple{
			SrcIP: clientIP, DstIP: peer,
			Proto: types.ProtoTCP, SrcPort: 4000, DstPort: 443,
		},
		TupleReply: tetherconntrack.Tuple{
			SrcIP: peer, DstIP: upstreamAddr,
			Proto: types.ProtoTCP, SrcPort: 443, DstPort: 4000,
		},
	})
	require.Equal(t, uint32(1), c.conntrackConsumer.Session.Current())

	c.HandleConntrackEvent(tetherconntrack.Event{
		MsgType: tetherconntrack.MsgDelete,
		TupleOrig: tetherconntrack.Tuple{
			SrcIP: clientIP, DstIP: peer,
			Proto: types.ProtoTCP, SrcPort: 4000, DstPort: 443,
		},
		TupleReply: tetherconntrack.Tuple{
			SrcIP: peer, DstIP: upstreamAddr,
			Proto: types.ProtoTCP, SrcPort: 443, DstPort: 4000,
		},
	})
	require.Equal(t, uint32(0), c.conntrackConsumer.Session.Current())
}

// Scenario: a flow to a non-offloadable control-plane port (FTP
// control, 21) never becomes a kernel rule or a tracked session.
func TestScenarioNonOffloadablePortSkipped(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)

	downstream := types.NewDownstreamID()
	c.AddDownstream(downstream, types.InterfaceParams{Index: 10, Name: "wlan1"})
	upstreamAddr := mustIPv4(t, "203.0.113.5")
	c.UpdateIPv4Upstream(&UpstreamNetworkState{
		InterfaceName: "wlan0", InterfaceIndex: 20, HasIPv4Address: true, HasMAC: false,
		IPv4Addresses: []types.IPv4{upstreamAddr},
	})
	clientIP := mustIPv4(t, "192.168.1.50")
	c.AddClient(downstream, types.Ipv4ClientInfo{
		DownstreamIfindex: 10, ClientIPv4: clientIP, ClientMAC: mustMAC(t, "aa:aa:aa:aa:aa:aa"),
	})

	peer := mustIPv4(t, "198.51.100.9")
	c.HandleConntrackEvent(tetherconntrack.Event{
		MsgType: tetherconntrack.MsgNew,
		TupleOrig: tetherconntrack.Tuple{
			SrcIP: clientIP, DstIP: peer,
			Proto: types.ProtoTCP, SrcPort: 4001, DstPort: 21,
		},
		TupleReply: tetherconntrack.Tuple{
			SrcIP: peer, DstIP: upstreamAddr,
			Proto: types.ProtoTCP, SrcPort: 21, DstPort: 4001,
		},
	})
	require.Equal(t, uint32(0), c.conntrackConsumer.Session.Current())
}

// Scenario: the IPv4 upstream swaps from ifindex 21 to 22. All client
// rules on the old upstream are withdrawn and the session count
// returns to zero before any rule exists on the new upstream.
func TestScenarioIPv4UpstreamSwap(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)

	downstream := types.NewDownstreamID()
	c.AddDownstream(downstream, types.InterfaceParams{Index: 10, Name: "wlan1"})
	oldUpstreamAddr := mustIPv4(t, "203.0.113.5")
	c.UpdateIPv4Upstream(&UpstreamNetworkState{
		InterfaceName: "wlan0", InterfaceIndex: 21, HasIPv4Address: true, HasMAC: false,
		IPv4Addresses: []types.IPv4{oldUpstreamAddr},
	})

	clientIP := mustIPv4(t, "192.168.1.50")
	c.AddClient(downstream, types.Ipv4ClientInfo{
		DownstreamIfindex: 10, ClientIPv4: clientIP, ClientMAC: mustMAC(t, "aa:aa:aa:aa:aa:aa"),
	})
	peer := mustIPv4(t, "93.184.216.34")
	c.HandleConntrackEvent(tetherconntrack.Event{
		MsgType: tetherconntrack.MsgNew,
		TupleOrig: tetherconntrack.Tuple{
			SrcIP: clientIP, DstIP: peer,
			Proto: types.ProtoTCP, SrcPort: 4000, DstPort: 443,
		},
		TupleReply: tetherconntrack.Tuple{
			SrcIP: peer, DstIP: oldUpstreamAddr,
			Proto: types.ProtoTCP, SrcPort: 443, DstPort: 4000,
		},
	})
	require.Equal(t, uint32(1), c.conntrackConsumer.Session.Current())

	c.UpdateIPv4Upstream(&UpstreamNetworkState{
		InterfaceName: "wlan0", InterfaceIndex: 22, HasIPv4Address: true, HasMAC: false,
		IPv4Addresses: []types.IPv4{mustIPv4(t, "198.51.100.9")},
	})

	require.Equal(t, uint32(0), c.conntrackConsumer.Session.Current())
	require.Equal(t, types.InterfaceIndex(22), c.store.LastIPv4Upstream())
	c.maps.ForEachUpstream4(func(key types.Tether4Key, val types.Tether4Value) {
		t.Fatalf("no rule should remain after upstream swap, found %+v", key)
	})
}

// Scenario: an IPv6 upstream disappears (no eligible prefixes) and
// later returns with the same prefix. Downstream rules are kept as
// NO_UPSTREAM in the interim rather than dropped, then reinstated.
func TestScenarioIPv6UpstreamDisappearsAndReturns(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)

	downstream := types.NewDownstreamID()
	downMAC := mustMAC(t, "aa:bb:cc:00:00:01")
	c.AddDownstream(downstream, types.InterfaceParams{Index: 10, Name: "wlan1", MAC: downMAC, HasMAC: true})
	c.MaybeAddUpstreamToLookupTable(20, "wlan0")
	prefix := types.Prefix64FromIPv6(mustIPv6(t, "2001:db8::"))
	c.UpdateIPv6Upstream(downstream, 20, []types.Prefix64{prefix})

	clientMAC := mustHardwareAddr(t, "dd:ee:ff:00:00:02")
	clientIP := mustIPv6(t, "2001:db8::1234")
	c.HandleNeighborEvent(neighbor.Event{Ifindex: 10, IP: clientIP.NetIP(), MAC: clientMAC, IsValid: true})

	rule, ok := c.store.IPv6DownstreamRule(downstream, clientIP)
	require.True(t, ok)
	require.True(t, rule.InKernel())

	// Upstream lost: no ifindex, no prefixes.
	c.UpdateIPv6Upstream(downstream, types.NoUpstream, nil)
	rule, ok = c.store.IPv6DownstreamRule(downstream, clientIP)
	require.True(t, ok, "downstream rule must survive upstream loss")
	require.Equal(t, types.NoUpstream, rule.UpstreamIfindex)
	require.False(t, rule.InKernel())

	// Same upstream, same prefix, returns.
	c.UpdateIPv6Upstream(downstream, 20, []types.Prefix64{prefix})
	rule, ok = c.store.IPv6DownstreamRule(downstream, clientIP)
	require.True(t, ok)
	require.Equal(t, types.InterfaceIndex(20), rule.UpstreamIfindex)
	require.True(t, rule.InKernel())
}

// Scenario: a data-limit quota alert fires exactly once when the
// remaining alert budget transitions from positive to zero.
func TestScenarioQuotaAlertCrossesZero(t *testing.T) {
	c, stats, _ := newTestCoordinator(t, nil)

	require.Equal(t, 0, stats.alerts)
	c.dispatch(func() { c.statsLimit.UpdateAlertQuota(0) })
	require.Equal(t, 1, stats.alerts)

	// Already at zero: no repeat notification.
	c.dispatch(func() { c.statsLimit.UpdateAlertQuota(0) })
	require.Equal(t, 1, stats.alerts)
}

// Idle is a genuine no-op: nothing served, so events are dropped
// without touching the store.
func TestNoDownstreamServedIsNoop(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)
	require.Equal(t, Idle, c.state)

	c.HandleConntrackEvent(tetherconntrack.Event{
		MsgType: tetherconntrack.MsgNew,
		TupleOrig: tetherconntrack.Tuple{
			SrcIP: mustIPv4(t, "192.168.1.50"), DstIP: mustIPv4(t, "93.184.216.34"),
			Proto: types.ProtoTCP, SrcPort: 4000, DstPort: 443,
		},
	})
	require.Equal(t, uint32(0), c.conntrackConsumer.Session.Current())
}

// Removing the last downstream transitions back to Idle and flushes
// final stats.
func TestRemoveLastDownstreamReturnsToIdle(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)
	downstream := types.NewDownstreamID()
	c.AddDownstream(downstream, types.InterfaceParams{Index: 10, Name: "wlan1"})
	require.Equal(t, Running, c.state)

	c.RemoveDownstream(downstream)
	require.Equal(t, Idle, c.state)
	require.Empty(t, c.store.AllDownstreams())
}

// A virtual upstream (e.g. a VPN tunnel) is treated as no upstream: it
// never gets IPv6 upstream rules installed against it.
func TestVirtualUpstreamTreatedAsNoUpstream(t *testing.T) {
	c, _, _ := newTestCoordinator(t, map[string]bool{"tun0": true})

	downstream := types.NewDownstreamID()
	downMAC := mustMAC(t, "aa:bb:cc:00:00:01")
	c.AddDownstream(downstream, types.InterfaceParams{Index: 10, Name: "wlan1", MAC: downMAC, HasMAC: true})
	c.MaybeAddUpstreamToLookupTable(30, "tun0")

	c.UpdateIPv6Upstream(downstream, 30, []types.Prefix64{types.Prefix64FromIPv6(mustIPv6(t, "2001:db8::"))})
	require.Empty(t, c.store.IPv6UpstreamRules(downstream))
}

// Duplicate AddDownstream for an already-served id is a logged anomaly,
// not a crash, and leaves the existing registration untouched.
func TestDuplicateAddDownstreamIsAnomaly(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)
	downstream := types.NewDownstreamID()
	c.AddDownstream(downstream, types.InterfaceParams{Index: 10, Name: "wlan1"})
	c.AddDownstream(downstream, types.InterfaceParams{Index: 99, Name: "wlan9"})

	params, ok := c.store.Downstream(downstream)
	require.True(t, ok)
	require.Equal(t, types.InterfaceIndex(10), params.Index)
}
