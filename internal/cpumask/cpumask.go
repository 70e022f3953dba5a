// Package cpumask provides a fixed-width CPU set used for interrupt
// affinity and inter-processor signalling.
package cpumask

import "math/bits"

// MaxCPUs is the number of CPUs a Mask can describe.
const MaxCPUs = 64

// Mask is a set of CPU indices in [0, MaxCPUs).
type Mask uint64

// Of returns a Mask containing the given CPUs. Out-of-range CPUs are ignored.
func Of(cpus ...int) Mask {
	var m Mask
	for _, cpu := range cpus {
		m.Set(cpu)
	}
	return m
}

// Set adds a CPU to the mask.
func (m *Mask) Set(cpu int) {
	if cpu < 0 || cpu >= MaxCPUs {
		return
	}
	*m |= 1 << cpu
}

// Clear removes a CPU from the mask.
func (m *Mask) Clear(cpu int) {
	if cpu < 0 || cpu >= MaxCPUs {
		return
	}
	*m &^= 1 << cpu
}

// Has reports whether the mask contains cpu.
func (m Mask) Has(cpu int) bool {
	if cpu < 0 || cpu >= MaxCPUs {
		return false
	}
	return m&(1<<cpu) != 0
}

// First returns the lowest CPU in the mask, or -1 when the mask is empty.
func (m Mask) First() int {
	if m == 0 {
		return -1
	}
	return bits.TrailingZeros64(uint64(m))
}

// IsEmpty reports whether the mask contains no CPUs.
func (m Mask) IsEmpty() bool { return m == 0 }

// Bits returns the raw bit representation of the mask.
func (m Mask) Bits() uint64 { return uint64(m) }

// Count returns the number of CPUs in the mask.
func (m Mask) Count() int { return bits.OnesCount64(uint64(m)) }
