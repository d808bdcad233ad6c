// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package testutil holds test helpers shared across the coordinator's
// packages.
package testutil

import (
	"os"
	"testing"
)

// RequireVM skips the test unless the TETHERD_VM_TEST environment
// variable is set. Tests that need real kernel capabilities — a pinned
// BPF map directory, a live conntrack or neighbor netlink socket — are
// only meaningful run against a kernel that actually has the in-kernel
// tethering offload program loaded.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("TETHERD_VM_TEST") == "" {
		t.Skip("skipping test: requires TETHERD_VM_TEST environment")
	}
}
