//go:build linux

package arch

import (
	"time"

	"golang.org/x/sys/unix"
)

var startTime = time.Now()

func hostMonotonic() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return uint64(time.Since(startTime))
	}
	return uint64(ts.Nano())
}

// HostCPUs reports how many CPUs the calling process may run on.
func HostCPUs() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return fallbackCPUs()
	}
	if n := set.Count(); n > 0 {
		return n
	}
	return fallbackCPUs()
}
