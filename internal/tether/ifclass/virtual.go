// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ifclass classifies network interfaces as physical or
// virtual, satisfying coordinator.VirtualInterfaceChecker.
package ifclass

import (
	"os"
	"strings"
)

// sysClassNet is where Linux exposes a symlink-per-interface; a
// physical NIC's entry links to a "device" subdirectory backed by a
// real bus (PCI, USB, platform), a virtual interface's does not.
const sysClassNet = "/sys/class/net"

// knownVirtualPrefixes catches common virtual interface naming
// schemes directly, avoiding a filesystem stat for the overwhelmingly
// common case (tunnels, VPN clients, container networking).
var knownVirtualPrefixes = []string{
	"tun", "tap", "wg", "utun", "ppp", "docker", "veth", "br-",
	"bridge", "tailscale", "zt", "ipsec", "gre", "sit", "ifb",
	"dummy", "lo",
}

// Checker implements coordinator.VirtualInterfaceChecker.
type Checker struct {
	sysClassNet string
}

// New builds a Checker that inspects the host's /sys/class/net.
func New() *Checker {
	return &Checker{sysClassNet: sysClassNet}
}

// IsVirtual reports whether name identifies a virtual interface: one
// with no backing physical device.
func (c *Checker) IsVirtual(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range knownVirtualPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}

	_, err := os.Stat(c.sysClassNet + "/" + name + "/device")
	return err != nil
}
