// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ifclass

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsVirtualKnownPrefixes(t *testing.T) {
	c := New()
	for _, name := range []string{"tun0", "wg0", "utun3", "docker0", "veth1234", "tailscale0"} {
		require.True(t, c.IsVirtual(name), name)
	}
}

func TestIsVirtualPhysicalHasDeviceSymlink(t *testing.T) {
	root := t.TempDir()
	ifaceDir := filepath.Join(root, "eth0")
	require.NoError(t, os.MkdirAll(ifaceDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(ifaceDir, "device"), nil, 0644))

	c := &Checker{sysClassNet: root}
	require.False(t, c.IsVirtual("eth0"))
}

func TestIsVirtualMissingDeviceIsVirtual(t *testing.T) {
	root := t.TempDir()
	ifaceDir := filepath.Join(root, "rmnet0")
	require.NoError(t, os.MkdirAll(ifaceDir, 0755))

	c := &Checker{sysClassNet: root}
	require.True(t, c.IsVirtual("rmnet0"))
}
