package arch

import "runtime"

// MaxCPUs bounds the number of simulated CPUs; CPU masks are one word.
const MaxCPUs = 64

func fallbackCPUs() int {
	return runtime.NumCPU()
}

// CPUMask is a set of CPU ids.
type CPUMask uint64

// AllCPUs returns a mask with the first n CPUs set.
func AllCPUs(n int) CPUMask {
	if n >= MaxCPUs {
		return ^CPUMask(0)
	}
	return CPUMask(1)<<uint(n) - 1
}

// Has reports whether cpu is in the mask.
func (m CPUMask) Has(cpu int) bool {
	return cpu >= 0 && cpu < MaxCPUs && m&(1<<uint(cpu)) != 0
}

// Set returns m with cpu added.
func (m CPUMask) Set(cpu int) CPUMask { return m | 1<<uint(cpu) }

// Clear returns m with cpu removed.
func (m CPUMask) Clear(cpu int) CPUMask { return m &^ (1 << uint(cpu)) }

// Empty reports whether no CPU is set.
func (m CPUMask) Empty() bool { return m == 0 }
