// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package neighbor turns kernel neighbor-table changes (ARP for IPv4,
// NDP for IPv6) into Ipv6DownstreamRule and Ipv4ClientInfo adds/removes
// fanned out to every downstream present on the reporting link.
package neighbor

import "net"

// Event is a single neighbor-table change, decoupled from whichever
// netlink mechanism reported it.
type Event struct {
	Ifindex uint32
	IP      net.IP
	MAC     net.HardwareAddr // empty when unresolved; not consulted when IsValid is false
	IsValid bool
}
