// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package refresher

import (
	"time"

	"golang.org/x/sys/unix"
)

// ktimeNow returns CLOCK_MONOTONIC nanoseconds, matching the clock the
// kernel datapath uses to stamp Tether4Value.LastUsedNs via
// bpf_ktime_get_ns().
func ktimeNow() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return uint64(ts.Sec)*1e9 + uint64(ts.Nsec)
}
