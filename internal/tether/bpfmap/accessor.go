// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package bpfmap is the only package in the coordinator that touches the
// kernel: it pins, reads, and writes the six BPF maps the in-kernel
// tethering datapath shares with user space, and attaches or detaches
// the TC programs that run it. Everything above this layer works in
// terms of grimm.is/tetherd/internal/tether/types values and never sees
// an *ebpf.Map directly.
package bpfmap

import (
	"fmt"
	"os"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	tetherrors "grimm.is/tetherd/internal/errors"
	"grimm.is/tetherd/internal/logging"
	"grimm.is/tetherd/internal/tether/types"
)

// PinDir is where the in-kernel program pins its shared maps.
const PinDir = "/sys/fs/bpf/tethering"

const (
	mapDownstream4 = "downstream4"
	mapUpstream4   = "upstream4"
	mapDownstream6 = "downstream6"
	mapUpstream6   = "upstream6"
	mapStats       = "stats"
	mapLimit       = "limit"
	mapErr         = "error"
	mapDev         = "dev"
)

func pinnedMapPath(which string) string {
	return fmt.Sprintf("%s/map_offload_tether_%s_map", PinDir, which)
}

// Family selects which TC program variant to attach.
type Family int

const (
	IPv4 Family = iota
	IPv6
)

// Direction selects which side of a link pair a TC program attaches to.
type Direction int

const (
	Upstream Direction = iota
	Downstream
)

// rawIPv4OnlyPrefix names interfaces that are IPv4-only by
// construction: IPv6 attach/detach is always skipped for them.
const rawIPv4OnlyPrefix = "v4-"

// Accessor is the coordinator's sole handle onto kernel BPF state. A
// single Accessor is owned by the coordinator goroutine; nothing in this
// package is safe for concurrent use.
type Accessor struct {
	logger *logging.Logger

	maps map[string]*ebpf.Map

	programs *ebpf.Collection
	links    map[string]link.Link // keyed by ifname|direction|family

	initialized bool
}

// New opens the eight pinned maps (downstream4, upstream4, downstream6,
// upstream6, stats, limit, error and dev). If the pin directory is absent — the
// platform lacks the in-kernel BPF offload program, or it was never
// loaded — New returns an Accessor with IsInitialized() == false rather
// than an error: an unsupported platform is not a failure, it is a mode
// the coordinator runs in.
func New(logger *logging.Logger, programs *ebpf.Collection) (*Accessor, error) {
	if logger == nil {
		logger = logging.Default()
	}
	a := &Accessor{
		logger:   logger.WithComponent("bpfmap"),
		maps:     make(map[string]*ebpf.Map),
		programs: programs,
		links:    make(map[string]link.Link),
	}

	if _, err := os.Stat(PinDir); err != nil {
		a.logger.Info("bpf pin directory absent, running memory-only", "dir", PinDir)
		return a, nil
	}

	for _, which := range []string{mapDownstream4, mapUpstream4, mapDownstream6, mapUpstream6, mapStats, mapLimit, mapErr, mapDev} {
		m, err := ebpf.LoadPinnedMap(pinnedMapPath(which), nil)
		if err != nil {
			a.logger.Warn("failed to load pinned map, running memory-only", "map", which, "error", err)
			a.closeMaps()
			return a, nil
		}
		a.maps[which] = m
	}

	a.initialized = true
	return a, nil
}

// IsInitialized reports whether kernel BPF offload is available. When
// false every mutating method below is a successful no-op: the
// coordinator keeps its in-memory bookkeeping consistent but issues no
// kernel calls.
func (a *Accessor) IsInitialized() bool { return a.initialized }

func (a *Accessor) closeMaps() {
	for _, m := range a.maps {
		m.Close()
	}
	a.maps = make(map[string]*ebpf.Map)
}

// Close releases every held map and program link.
func (a *Accessor) Close() error {
	for _, l := range a.links {
		l.Close()
	}
	a.closeMaps()
	if a.programs != nil {
		a.programs.Close()
	}
	return nil
}

func put(m *ebpf.Map, key, val any) bool {
	if m == nil {
		return false
	}
	if err := m.Put(key, val); err != nil {
		return false
	}
	return true
}

func remove(m *ebpf.Map, key any) bool {
	if m == nil {
		return false
	}
	if err := m.Delete(key); err != nil {
		return false
	}
	return true
}

// AddUpstream4 installs a tether4 rule in the upstream4 map: idempotent
// overwrite, returns false on kernel error.
func (a *Accessor) AddUpstream4(key types.Tether4Key, val types.Tether4Value) bool {
	if !a.initialized {
		return true
	}
	return put(a.maps[mapUpstream4], key, val)
}

// RemoveUpstream4 removes a tether4 rule from upstream4.
func (a *Accessor) RemoveUpstream4(key types.Tether4Key) bool {
	if !a.initialized {
		return true
	}
	return remove(a.maps[mapUpstream4], key)
}

// AddDownstream4 installs a tether4 rule in the downstream4 map.
func (a *Accessor) AddDownstream4(key types.Tether4Key, val types.Tether4Value) bool {
	if !a.initialized {
		return true
	}
	return put(a.maps[mapDownstream4], key, val)
}

// RemoveDownstream4 removes a tether4 rule from downstream4.
func (a *Accessor) RemoveDownstream4(key types.Tether4Key) bool {
	if !a.initialized {
		return true
	}
	return remove(a.maps[mapDownstream4], key)
}

// ForEachTether4 snapshot-iterates the tether4 map named by which
// (upstream4 or downstream4), invoking fn once per entry. It may observe concurrent kernel
// mutations but never duplicates or skips an entry present throughout
// the iteration — a guarantee inherited directly from
// cilium/ebpf's MapIterator.
func (a *Accessor) ForEachTether4(which string, fn func(types.Tether4Key, types.Tether4Value)) {
	if !a.initialized {
		return
	}
	m := a.maps[which]
	if m == nil {
		return
	}
	var key types.Tether4Key
	var val types.Tether4Value
	it := m.Iterate()
	for it.Next(&key, &val) {
		fn(key, val)
	}
}

// ForEachUpstream4 iterates the upstream4 map.
func (a *Accessor) ForEachUpstream4(fn func(types.Tether4Key, types.Tether4Value)) {
	a.ForEachTether4(mapUpstream4, fn)
}

// ForEachDownstream4 iterates the downstream4 map.
func (a *Accessor) ForEachDownstream4(fn func(types.Tether4Key, types.Tether4Value)) {
	a.ForEachTether4(mapDownstream4, fn)
}

// AddUpstream6 installs an IPv6 upstream rule.
func (a *Accessor) AddUpstream6(rule types.Ipv6UpstreamRule) bool {
	if !a.initialized {
		return true
	}
	return put(a.maps[mapUpstream6], rule.MakeKey(), rule.MakeValue())
}

// RemoveUpstream6 removes an IPv6 upstream rule.
func (a *Accessor) RemoveUpstream6(rule types.Ipv6UpstreamRule) bool {
	if !a.initialized {
		return true
	}
	return remove(a.maps[mapUpstream6], rule.MakeKey())
}

// AddDownstream6 installs an IPv6 downstream rule. Callers must check
// rule.InKernel() themselves: a NO_UPSTREAM rule is memory-only and
// must never reach this method.
func (a *Accessor) AddDownstream6(rule types.Ipv6DownstreamRule) bool {
	if !a.initialized {
		return true
	}
	return put(a.maps[mapDownstream6], rule.MakeKey(), rule.MakeValue())
}

// RemoveDownstream6 removes an IPv6 downstream rule.
func (a *Accessor) RemoveDownstream6(rule types.Ipv6DownstreamRule) bool {
	if !a.initialized {
		return true
	}
	return remove(a.maps[mapDownstream6], rule.MakeKey())
}

// GetAndClearStats reads the stats entry for ifindex and then deletes
// it. The read and the delete are two separate map operations, not one
// atomic step. Must only be called once the caller (StatsAndLimit) has
// confirmed no rule remains on that upstream.
func (a *Accessor) GetAndClearStats(ifindex types.InterfaceIndex) (types.ForwardedStats, bool) {
	if !a.initialized {
		return types.ForwardedStats{}, false
	}
	m := a.maps[mapStats]
	if m == nil {
		return types.ForwardedStats{}, false
	}
	key := uint32(ifindex)
	var val types.ForwardedStats
	if err := m.Lookup(&key, &val); err != nil {
		return types.ForwardedStats{}, false
	}
	_ = m.Delete(&key)
	return val, true
}

// ForEachStats snapshot-iterates the stats map, one callback per
// upstream ifindex currently present.
func (a *Accessor) ForEachStats(fn func(types.InterfaceIndex, types.ForwardedStats)) {
	if !a.initialized {
		return
	}
	m := a.maps[mapStats]
	if m == nil {
		return
	}
	var key uint32
	var val types.ForwardedStats
	it := m.Iterate()
	for it.Next(&key, &val) {
		fn(types.InterfaceIndex(key), val)
	}
}

// SetLimit programs the data limit (in bytes, or types.QuotaUnlimited)
// for ifindex.
func (a *Accessor) SetLimit(ifindex types.InterfaceIndex, quotaBytes int64) bool {
	if !a.initialized {
		return true
	}
	key := uint32(ifindex)
	return put(a.maps[mapLimit], &key, &quotaBytes)
}

// AddDevMember idempotently adds ifindex to the dev map.
func (a *Accessor) AddDevMember(ifindex types.InterfaceIndex) bool {
	if !a.initialized {
		return true
	}
	key := uint32(ifindex)
	present := true
	return put(a.maps[mapDev], &key, &present)
}

func linkKey(ifname string, dir Direction, fam Family) string {
	return fmt.Sprintf("%s|%d|%d", ifname, dir, fam)
}

func programName(dir Direction, fam Family) string {
	switch {
	case dir == Upstream && fam == IPv4:
		return "tether_ingress4"
	case dir == Upstream && fam == IPv6:
		return "tether_ingress6"
	case dir == Downstream && fam == IPv4:
		return "tether_egress4"
	default:
		return "tether_egress6"
	}
}

// AttachProgram attaches the TC program for (direction, family) to
// ifname via a TCX link. Interfaces named with the v4- prefix are
// IPv4-only by construction, so an IPv6 attach request on them is
// skipped rather than treated as an error.
func (a *Accessor) AttachProgram(ifname string, dir Direction, fam Family) error {
	if fam == IPv6 && strings.HasPrefix(ifname, rawIPv4OnlyPrefix) {
		return nil
	}
	if !a.initialized || a.programs == nil {
		return nil
	}
	key := linkKey(ifname, dir, fam)
	if _, exists := a.links[key]; exists {
		return nil
	}

	prog := a.programs.Programs[programName(dir, fam)]
	if prog == nil {
		return tetherrors.Errorf(tetherrors.KindKernelMap, "bpfmap: program %s not found in collection", programName(dir, fam))
	}

	iface, err := netInterfaceByName(ifname)
	if err != nil {
		return tetherrors.Wrapf(err, tetherrors.KindKernelMap, "bpfmap: resolve interface %s", ifname)
	}

	attach := ebpf.AttachTCXIngress
	if dir == Downstream {
		attach = ebpf.AttachTCXEgress
	}

	l, err := link.AttachTCX(link.TCXOptions{
		Program:   prog,
		Interface: iface,
		Attach:    attach,
	})
	if err != nil {
		return tetherrors.Wrapf(err, tetherrors.KindKernelMap, "bpfmap: attach %s to %s", programName(dir, fam), ifname)
	}
	a.links[key] = l
	a.logger.Info("attached TC program", "interface", ifname, "direction", dir, "family", fam)
	return nil
}

// DetachProgram detaches whatever program was attached for (ifname,
// family) in either direction.
func (a *Accessor) DetachProgram(ifname string, fam Family) error {
	if fam == IPv6 && strings.HasPrefix(ifname, rawIPv4OnlyPrefix) {
		return nil
	}
	var firstErr error
	for _, dir := range []Direction{Upstream, Downstream} {
		key := linkKey(ifname, dir, fam)
		l, ok := a.links[key]
		if !ok {
			continue
		}
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.links, key)
		a.logger.Info("detached TC program", "interface", ifname, "direction", dir, "family", fam)
	}
	return firstErr
}
