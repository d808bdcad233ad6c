// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package types defines the wire-compatible data model shared between
// the offload coordinator and the kernel BPF maps it programs.
package types

import (
	"fmt"
	"net"

	"github.com/google/uuid"
)

// DownstreamID identifies a per-downstream tethering server for the
// lifetime of its registration.
type DownstreamID = uuid.UUID

// NewDownstreamID mints a fresh downstream identity.
func NewDownstreamID() DownstreamID {
	return uuid.New()
}

// InterfaceIndex is a kernel interface index. Zero is never valid.
type InterfaceIndex uint32

// NoUpstream is the sentinel InterfaceIndex meaning "no active upstream".
const NoUpstream InterfaceIndex = 0

// MAC is a 6-byte hardware address.
type MAC [6]byte

// NullMAC is the zero MAC used for raw-IP interfaces that carry no L2 header.
var NullMAC = MAC{}

// ParseMAC parses a "aa:bb:cc:dd:ee:ff" string into a MAC.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	hw, err := net.ParseMAC(s)
	if err != nil {
		return m, err
	}
	if len(hw) != 6 {
		return m, fmt.Errorf("types: MAC %q is not 6 bytes", s)
	}
	copy(m[:], hw)
	return m, nil
}

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsZero reports whether m is the null MAC.
func (m MAC) IsZero() bool { return m == NullMAC }

// IPv4 is a 4-byte network-order IPv4 address.
type IPv4 [4]byte

func IPv4FromNetIP(ip net.IP) (IPv4, bool) {
	var a IPv4
	v4 := ip.To4()
	if v4 == nil {
		return a, false
	}
	copy(a[:], v4)
	return a, true
}

func (a IPv4) NetIP() net.IP { return net.IPv4(a[0], a[1], a[2], a[3]) }

func (a IPv4) String() string { return a.NetIP().String() }

// ToMappedIPv6 returns the IPv4-mapped IPv6 representation used by
// Tether4Value.src46/dst46: 10 zero bytes, 0xff 0xff, then the 4 IPv4 bytes.
func (a IPv4) ToMappedIPv6() [16]byte {
	var b [16]byte
	b[10] = 0xff
	b[11] = 0xff
	copy(b[12:], a[:])
	return b
}

// IPv6 is a 16-byte network-order IPv6 address.
type IPv6 [16]byte

func IPv6FromNetIP(ip net.IP) (IPv6, bool) {
	var a IPv6
	v6 := ip.To16()
	if v6 == nil || ip.To4() != nil {
		return a, false
	}
	copy(a[:], v6)
	return a, true
}

func (a IPv6) NetIP() net.IP { return net.IP(a[:]) }

func (a IPv6) String() string { return a.NetIP().String() }

// IsMulticastLoopbackOrLinkLocal reports whether the address should never
// produce an offload rule.
func (a IPv6) IsMulticastLoopbackOrLinkLocal() bool {
	ip := a.NetIP()
	return ip.IsMulticast() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// Prefix64 is the first 8 bytes of an IPv6 /64 prefix.
type Prefix64 [8]byte

func Prefix64FromIPv6(a IPv6) Prefix64 {
	var p Prefix64
	copy(p[:], a[:8])
	return p
}

// Protocol numbers used in Tether4Key.L4Proto and ConntrackEvent tuples.
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

// Ethertypes as carried in the kernel rule values.
const (
	EthertypeIPv4 uint16 = 0x0800
	EthertypeIPv6 uint16 = 0x86DD
)

// ETHER_MTU is the default MTU programmed into rule values.
const EtherMTU uint16 = 1500

// QuotaUnlimited is the platform's "no limit" sentinel.
const QuotaUnlimited int64 = 1<<63 - 1

// NonOffloadedTCPPorts lists destination ports that conntrack events must
// never turn into kernel forwarding rules (control-plane protocols).
var NonOffloadedTCPPorts = map[uint16]struct{}{
	21:   {}, // FTP control
	1723: {}, // PPTP
}

// InterfaceParams describes the interface a per-downstream server owns.
type InterfaceParams struct {
	Index          InterfaceIndex
	Name           string
	MAC            MAC
	HasMAC         bool
	IsPointToPoint bool
}

// Ipv6UpstreamRule mirrors kernel map upstream6.
type Ipv6UpstreamRule struct {
	UpstreamIfindex   InterfaceIndex
	DownstreamIfindex InterfaceIndex
	SourcePrefix      Prefix64
	InDstMAC          MAC
	OutSrcMAC         MAC
	OutDstMAC         MAC
}

// Upstream6Key is the kernel upstream6 map key layout.
type Upstream6Key struct {
	DownstreamIfindex uint32
	InDstMAC          [6]byte
	_                 [2]byte
	SourcePrefix64    [8]byte
}

// Upstream6Value is the kernel upstream6 map value layout.
type Upstream6Value struct {
	UpstreamIfindex uint32
	OutDstMAC       [6]byte
	OutSrcMAC       [6]byte
	EtherType       uint16
	Pmtu            uint16
}

func (r Ipv6UpstreamRule) MakeKey() Upstream6Key {
	return Upstream6Key{
		DownstreamIfindex: uint32(r.DownstreamIfindex),
		InDstMAC:          r.InDstMAC,
		SourcePrefix64:    r.SourcePrefix,
	}
}

func (r Ipv6UpstreamRule) MakeValue() Upstream6Value {
	return Upstream6Value{
		UpstreamIfindex: uint32(r.UpstreamIfindex),
		OutDstMAC:       r.OutDstMAC,
		OutSrcMAC:       r.OutSrcMAC,
		EtherType:       EthertypeIPv6,
		Pmtu:            EtherMTU,
	}
}

// Ipv6DownstreamRule mirrors kernel map downstream6. A rule whose
// UpstreamIfindex == NoUpstream exists only in RuleStore, never in the
// kernel map.
type Ipv6DownstreamRule struct {
	UpstreamIfindex   InterfaceIndex
	DownstreamIfindex InterfaceIndex
	Neighbor6         IPv6
	SrcMAC            MAC
	DstMAC            MAC
}

// Downstream6Key is the kernel downstream6 map key layout.
type Downstream6Key struct {
	UpstreamIfindex uint32
	NullMAC         [6]byte
	_               [2]byte
	Neighbor6       [16]byte
}

// Downstream6Value is the kernel downstream6 map value layout.
type Downstream6Value struct {
	DownstreamIfindex uint32
	DstMAC            [6]byte
	SrcMAC            [6]byte
	EtherType         uint16
	Pmtu              uint16
}

// InKernel reports whether this rule should currently be mirrored to the
// kernel downstream6 map; NoUpstream rules are kept in memory only.
func (r Ipv6DownstreamRule) InKernel() bool {
	return r.UpstreamIfindex != NoUpstream
}

func (r Ipv6DownstreamRule) MakeKey() Downstream6Key {
	return Downstream6Key{
		UpstreamIfindex: uint32(r.UpstreamIfindex),
		NullMAC:         NullMAC,
		Neighbor6:       r.Neighbor6,
	}
}

func (r Ipv6DownstreamRule) MakeValue() Downstream6Value {
	return Downstream6Value{
		DownstreamIfindex: uint32(r.DownstreamIfindex),
		DstMAC:            r.DstMAC,
		SrcMAC:            r.SrcMAC,
		EtherType:         EthertypeIPv6,
		Pmtu:              EtherMTU,
	}
}

// Ipv4ClientInfo identifies a tethered IPv4 client. ClientIPv4 is unique
// system-wide.
type Ipv4ClientInfo struct {
	DownstreamIfindex InterfaceIndex
	DownstreamMAC     MAC
	ClientIPv4        IPv4
	ClientMAC         MAC
}

// Tether4Key is the kernel upstream4/downstream4 map key layout, shared by
// both directions of a NAT flow.
type Tether4Key struct {
	Iif     uint32
	DstMAC  [6]byte
	L4Proto uint8
	_       [1]byte
	Src4    [4]byte
	Dst4    [4]byte
	SrcPort uint16
	DstPort uint16
}

// Tether4Value is the kernel upstream4/downstream4 map value layout.
// LastUsedNs is written by the kernel datapath, never by user space.
type Tether4Value struct {
	Oif        uint32
	EthDstMAC  [6]byte
	EthSrcMAC  [6]byte
	EtherType  uint16
	Pmtu       uint16
	Src46      [16]byte
	Dst46      [16]byte
	SrcPort    uint16
	DstPort    uint16
	LastUsedNs uint64
}

// UpstreamInfo is the currently active IPv4 upstream, or absent.
type UpstreamInfo struct {
	Ifindex InterfaceIndex
	MTU     uint16
}

// ForwardedStats is a monotonically nondecreasing per-upstream counter set
// while that upstream exists.
type ForwardedStats struct {
	RxBytes   uint64
	RxPackets uint64
	TxBytes   uint64
	TxPackets uint64
}

// Delta returns f - prev, clamping at zero per field (handles a cache miss
// by the caller passing a zero prev).
func (f ForwardedStats) Delta(prev ForwardedStats) ForwardedStats {
	sub := func(a, b uint64) uint64 {
		if a < b {
			return 0
		}
		return a - b
	}
	return ForwardedStats{
		RxBytes:   sub(f.RxBytes, prev.RxBytes),
		RxPackets: sub(f.RxPackets, prev.RxPackets),
		TxBytes:   sub(f.TxBytes, prev.TxBytes),
		TxPackets: sub(f.TxPackets, prev.TxPackets),
	}
}

// TotalBytes returns rx+tx bytes, used for alert-quota decrements.
func (f ForwardedStats) TotalBytes() uint64 { return f.RxBytes + f.TxBytes }
