// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package conntrack consumes kernel conntrack netlink events and turns
// them into paired upstream4/downstream4 BPF rules. The kernel wire
// format lives only in source.go; everything else in this package works
// in terms of the plain Event/Tuple types below so it never needs a
// netlink socket to test.
package conntrack

import "grimm.is/tetherd/internal/tether/types"

// MsgType distinguishes a conntrack netlink message's subtype.
type MsgType int

const (
	MsgNew MsgType = iota
	MsgUpdate
	MsgDelete
)

// Tuple is one direction of a conntrack flow's IPv4 5-tuple.
type Tuple struct {
	SrcIP   types.IPv4
	DstIP   types.IPv4
	Proto   uint8
	SrcPort uint16
	DstPort uint16
}

// Event is a single conntrack notification, decoupled from whatever
// netlink library produced it.
type Event struct {
	MsgType    MsgType
	TupleOrig  Tuple
	TupleReply Tuple
}
