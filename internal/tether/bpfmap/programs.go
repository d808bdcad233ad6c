// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package bpfmap

import (
	"fmt"

	"github.com/cilium/ebpf"
)

// DefaultProgramObjectPath is where the compiled TC offload programs are
// installed on-device.
const DefaultProgramObjectPath = "/etc/tetherd/bpf/tether_offload.o"

// LoadOffloadPrograms loads the compiled TC offload program collection
// from objectPath. Unlike the maps above, which the in-kernel datapath
// pins independently of the coordinator, the TC programs themselves are
// loaded by the coordinator process at startup. A missing object file is
// not fatal here: the caller passes a nil *ebpf.Collection to New, which
// still opens the pinned maps but makes AttachProgram a no-op.
func LoadOffloadPrograms(objectPath string) (*ebpf.Collection, error) {
	spec, err := ebpf.LoadCollectionSpec(objectPath)
	if err != nil {
		return nil, fmt.Errorf("bpfmap: load program spec %s: %w", objectPath, err)
	}

	// The maps the program declares are the same ones the kernel module
	// already pins; don't let loading the collection re-create them.
	for _, m := range spec.Maps {
		m.Pinning = ebpf.PinByName
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("bpfmap: load program collection %s: %w", objectPath, err)
	}
	return coll, nil
}
