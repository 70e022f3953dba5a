// Package hostirq implements the host interrupt framework: a fixed-capacity
// table of interrupt lines, the chip contract implemented by interrupt
// controller drivers, and the generic dispatch entry points invoked from
// exception handlers.
//
// The table is populated during boot, before interrupts are enabled, and is
// read-only at dispatch time. That ordering is what makes the package safe
// without locks; see the bootstrap sequencing in internal/irqchip.
package hostirq

import (
	"errors"

	"github.com/tinyrange/hvirq/internal/cpumask"
)

// Count is the number of interrupt lines the framework can address.
const Count = 1024

// None is the sentinel returned by active-interrupt queries when no
// interrupt is pending.
const None = ^uint32(0)

var (
	ErrOutOfRange      = errors.New("irq number out of range")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotSupported    = errors.New("operation not supported by chip")
)

// Type selects the trigger configuration of an interrupt line.
type Type uint32

const (
	TypeNone Type = iota
	TypeLevelHigh
	TypeEdgeRising
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeLevelHigh:
		return "level-high"
	case TypeEdgeRising:
		return "edge-rising"
	default:
		return "invalid"
	}
}

// Result is what a device handler reports back to the dispatch path.
type Result int

const (
	// ResultNone means the handler found no work; the interrupt was not ours.
	ResultNone Result = iota
	// ResultHandled means the interrupt was serviced.
	ResultHandled
)

// HandlerFunc is a device interrupt handler. num is the global line number,
// dev is the value the handler was registered with.
type HandlerFunc func(num uint32, dev any) Result

// Chip is the operation set an interrupt controller driver implements for
// every line it owns. Operations receive the framework's IRQ descriptor and
// recover the owning controller through its chip data.
type Chip interface {
	Name() string
	Mask(irq *IRQ)
	Unmask(irq *IRQ)
	EOI(irq *IRQ)
	SetType(irq *IRQ, typ Type) error
}

// ChipSMP extends Chip with the operations that only make sense on
// multi-core systems: interrupt affinity and inter-processor signalling.
type ChipSMP interface {
	Chip
	SetAffinity(irq *IRQ, mask cpumask.Mask) error
	Raise(irq *IRQ, mask cpumask.Mask)
}

// FlowHandler drives one interrupt through its handlers and the chip's
// completion protocol.
type FlowHandler func(t *Table, irq *IRQ) Result

// HandleFastEOI runs the line's device handlers and then signals end of
// interrupt exactly once, whether or not any handler claimed it.
func HandleFastEOI(t *Table, irq *IRQ) Result {
	result := irq.runHandlers()
	if irq.chip != nil {
		irq.chip.EOI(irq)
	}
	return result
}

type action struct {
	name string
	fn   HandlerFunc
	dev  any
}

// IRQ describes one interrupt line.
type IRQ struct {
	num      uint32
	chip     Chip
	chipData any
	perCPU   bool
	flow     FlowHandler
	actions  []action
}

// Num returns the global line number.
func (irq *IRQ) Num() uint32 { return irq.num }

// Chip returns the controller operations bound to the line, or nil.
func (irq *IRQ) Chip() Chip { return irq.chip }

// ChipData returns the owning-controller back-reference for the line.
func (irq *IRQ) ChipData() any { return irq.chipData }

// IsPerCPU reports whether the line is banked per CPU.
func (irq *IRQ) IsPerCPU() bool { return irq.perCPU }

func (irq *IRQ) runHandlers() Result {
	result := ResultNone
	for _, a := range irq.actions {
		if a.fn(irq.num, a.dev) == ResultHandled {
			result = ResultHandled
		}
	}
	return result
}
