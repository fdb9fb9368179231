//go:build !linux

package arch

import "time"

var startTime = time.Now()

func hostMonotonic() uint64 {
	return uint64(time.Since(startTime))
}

// HostCPUs reports how many CPUs the calling process may run on.
func HostCPUs() int {
	return fallbackCPUs()
}
