// Package hostio provides the memory-mapped register access primitives used
// by host device drivers. All accesses are 32-bit; the interrupt controller
// and its peers expose word-based programming models.
package hostio

import "sync/atomic"

// Window is a mapped bank of 32-bit registers. Offsets are relative to the
// start of the bank.
type Window interface {
	Readl(off uint64) uint32
	Writel(off uint64, v uint32)
}

// Mapper resolves a physical register bank into an accessible Window.
type Mapper interface {
	Map(addr, size uint64) (Window, error)
}

var barrierWord uint32

// Wmb orders all prior stores before any subsequent ones, as observed by
// other CPUs. Callers use it before signalling another core so the signalled
// core cannot observe the interrupt ahead of the data it announces.
func Wmb() {
	atomic.AddUint32(&barrierWord, 0)
}

// WindowFuncs adapts a pair of functions to Window.
type WindowFuncs struct {
	ReadFunc  func(off uint64) uint32
	WriteFunc func(off uint64, v uint32)
}

// Readl implements Window.
func (w WindowFuncs) Readl(off uint64) uint32 {
	if w.ReadFunc != nil {
		return w.ReadFunc(off)
	}
	return 0
}

// Writel implements Window.
func (w WindowFuncs) Writel(off uint64, v uint32) {
	if w.WriteFunc != nil {
		w.WriteFunc(off, v)
	}
}

// Offset returns a Window whose offsets are shifted by base within w.
func Offset(w Window, base uint64) Window {
	return WindowFuncs{
		ReadFunc:  func(off uint64) uint32 { return w.Readl(base + off) },
		WriteFunc: func(off uint64, v uint32) { w.Writel(base+off, v) },
	}
}

var _ Window = WindowFuncs{}
