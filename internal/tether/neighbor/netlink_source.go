// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package neighbor

import (
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// NetlinkSource streams kernel neighbor-table changes — ARP entries for
// IPv4, NDP cache entries for IPv6 — via a single rtnetlink
// subscription, since the kernel keeps both families in the same
// neighbor table.
type NetlinkSource struct {
	done chan struct{}
}

// NewNetlinkSource builds a source. Call Listen to start streaming.
func NewNetlinkSource() *NetlinkSource {
	return &NetlinkSource{done: make(chan struct{})}
}

// Listen subscribes to neighbor-table updates and forwards each
// translated Event to fn on a background goroutine.
func (s *NetlinkSource) Listen(fn func(Event)) error {
	updates := make(chan netlink.NeighUpdate, 64)
	if err := netlink.NeighSubscribe(updates, s.done); err != nil {
		return err
	}
	go func() {
		for u := range updates {
			if ev, ok := translateUpdate(u); ok {
				fn(ev)
			}
		}
	}()
	return nil
}

// Close stops the subscription.
func (s *NetlinkSource) Close() error {
	close(s.done)
	return nil
}

func translateUpdate(u netlink.NeighUpdate) (Event, bool) {
	switch u.Type {
	case unix.RTM_NEWNEIGH, unix.RTM_DELNEIGH:
	default:
		return Event{}, false
	}
	if u.Neigh.IP == nil {
		return Event{}, false
	}

	valid := u.Type == unix.RTM_NEWNEIGH && u.Neigh.State&unix.NUD_FAILED == 0

	return Event{
		Ifindex: uint32(u.Neigh.LinkIndex),
		IP:      u.Neigh.IP,
		MAC:     u.Neigh.HardwareAddr,
		IsValid: valid,
	}, true
}
