// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import (
	ctrack "github.com/ti-mo/conntrack"
	"github.com/ti-mo/netfilter"

	"grimm.is/tetherd/internal/tether/types"
)

// Source dials the kernel's NFNL_SUBSYS_CTNETLINK conntrack socket and
// translates its events into the package's own Event type, so nothing
// above this file needs to know the wire format.
type Source struct {
	conn *ctrack.Conn
}

// Dial opens a conntrack netlink socket.
func Dial() (*Source, error) {
	conn, err := ctrack.Dial(nil)
	if err != nil {
		return nil, err
	}
	return &Source{conn: conn}, nil
}

// Close releases the underlying netlink socket.
func (s *Source) Close() error { return s.conn.Close() }

// Listen subscribes to new/update/destroy conntrack events and forwards
// each decoded Event to fn, which runs on a goroutine Listen starts, not
// on the caller's goroutine; the coordinator's fn hands each event off
// onto the coordinator thread.
func (s *Source) Listen(fn func(Event)) error {
	raw := make(chan ctrack.Event, 64)
	groups := []netfilter.NetlinkGroup{
		netfilter.GroupCTNew,
		netfilter.GroupCTUpdate,
		netfilter.GroupCTDestroy,
	}
	if err := s.conn.Listen(raw, 1, groups); err != nil {
		return err
	}
	go func() {
		for ev := range raw {
			if translated, ok := translateEvent(ev); ok {
				fn(translated)
			}
		}
	}()
	return nil
}

func translateEvent(ev ctrack.Event) (Event, bool) {
	var msgType MsgType
	switch ev.Type {
	case ctrack.EventNew:
		msgType = MsgNew
	case ctrack.EventUpdate:
		msgType = MsgUpdate
	case ctrack.EventDestroy:
		msgType = MsgDelete
	default:
		return Event{}, false
	}

	orig, ok := translateTuple(ev.Flow.TupleOrig)
	if !ok {
		return Event{}, false
	}
	reply, ok := translateTuple(ev.Flow.TupleReply)
	if !ok {
		return Event{}, false
	}

	return Event{MsgType: msgType, TupleOrig: orig, TupleReply: reply}, true
}

func translateTuple(t ctrack.Tuple) (Tuple, bool) {
	src, ok := types.IPv4FromNetIP(t.IP.SourceAddress)
	if !ok {
		return Tuple{}, false
	}
	dst, ok := types.IPv4FromNetIP(t.IP.DestinationAddress)
	if !ok {
		return Tuple{}, false
	}
	return Tuple{
		SrcIP:   src,
		DstIP:   dst,
		Proto:   t.Proto.Protocol,
		SrcPort: t.Proto.SourcePort,
		DstPort: t.Proto.DestinationPort,
	}, true
}

// UpdateTimeout sends a CTA_TUPLE_ORIG timeout-update message for the
// flow identified by origTuple, as used by the periodic refresh job.
// The tuple passed in must always be in the original direction: callers
// refreshing a downstream4 entry reverse src/dst before calling this,
// since the kernel attribute is always expressed in the original
// direction.
func (s *Source) UpdateTimeout(origTuple Tuple, timeoutSeconds uint32) error {
	flow := ctrack.Flow{
		TupleOrig: ctrack.Tuple{
			IP: ctrack.IPTuple{
				SourceAddress:      origTuple.SrcIP.NetIP(),
				DestinationAddress: origTuple.DstIP.NetIP(),
			},
			Proto: ctrack.ProtoTuple{
				Protocol:        origTuple.Proto,
				SourcePort:      origTuple.SrcPort,
				DestinationPort: origTuple.DstPort,
			},
		},
		Timeout: timeoutSeconds,
	}
	return s.conn.Update(flow)
}
