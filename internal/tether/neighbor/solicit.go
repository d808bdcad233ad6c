// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package neighbor

import (
	"net"
	"time"

	"github.com/mdlayher/ndp"

	"grimm.is/tetherd/internal/tether/types"
)

// NDPSolicitor actively resolves a neighbor's link-layer address by
// sending an IPv6 Neighbor Solicitation and waiting for the
// corresponding Advertisement, for the case where a kernel neighbor
// entry arrives still in INCOMPLETE state.
type NDPSolicitor struct {
	timeout time.Duration
}

// NewNDPSolicitor builds a solicitor with the given per-attempt timeout.
func NewNDPSolicitor(timeout time.Duration) *NDPSolicitor {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &NDPSolicitor{timeout: timeout}
}

// Solicit sends a Neighbor Solicitation for target out ifname and
// returns the link-layer address from the matching Advertisement.
func (s *NDPSolicitor) Solicit(ifname string, target types.IPv6) (types.MAC, bool) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return types.NullMAC, false
	}

	conn, _, err := ndp.Listen(iface, ndp.LinkLocal)
	if err != nil {
		return types.NullMAC, false
	}
	defer conn.Close()

	targetIP := target.NetIP()
	solicitation := &ndp.NeighborSolicitation{
		TargetAddress: targetIP,
		Options: []ndp.Option{
			&ndp.LinkLayerAddress{
				Direction: ndp.Source,
				Addr:      iface.HardwareAddr,
			},
		},
	}

	snm, err := ndp.SolicitedNodeMulticast(targetIP)
	if err != nil {
		return types.NullMAC, false
	}

	if err := conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		return types.NullMAC, false
	}
	if err := conn.WriteTo(solicitation, nil, snm); err != nil {
		return types.NullMAC, false
	}

	for {
		msg, _, from, err := conn.ReadFrom()
		if err != nil {
			return types.NullMAC, false
		}
		advert, ok := msg.(*ndp.NeighborAdvertisement)
		if !ok || !from.Equal(targetIP) {
			continue
		}
		for _, opt := range advert.Options {
			lla, ok := opt.(*ndp.LinkLayerAddress)
			if !ok || lla.Direction != ndp.Target {
				continue
			}
			mac, ok := macFromEvent(Event{MAC: lla.Addr})
			return mac, ok
		}
		return types.NullMAC, false
	}
}
