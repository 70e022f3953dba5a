// Package gic drives the ARM Generic Interrupt Controller (GICv2) for the
// host kernel. It owns a fixed table of controller instances (the primary
// GIC plus optionally cascaded ones), implements the hostirq chip contract
// for every line they expose, and provides the active-interrupt query used
// by the top-level dispatch loop.
package gic

import (
	"fmt"

	"github.com/tinyrange/hvirq/internal/cpumask"
	"github.com/tinyrange/hvirq/internal/hostio"
	"github.com/tinyrange/hvirq/internal/hostirq"
)

// MaxControllers is the capacity of the controller table. Controller ids
// outside [0, MaxControllers) are a fatal configuration error.
const MaxControllers = 2

// Distributor register offsets.
const (
	distCtrl         = 0x000
	distCtr          = 0x004
	distEnableSet    = 0x100
	distEnableClear  = 0x180
	distPendingSet   = 0x200
	distPendingClear = 0x280
	distActiveBit    = 0x300
	distPri          = 0x400
	distTarget       = 0x800
	distConfig       = 0xc00
	distSoftInt      = 0xf00
)

// CPU interface register offsets.
const (
	cpuCtrl       = 0x00
	cpuPriMask    = 0x04
	cpuBinPoint   = 0x08
	cpuIntAck     = 0x0c
	cpuEOI        = 0x10
	cpuRunningPri = 0x14
	cpuHighPri    = 0x18
)

// cpu2Deactivate is the deactivation register in the secondary CPU interface
// bank, used when priority drop and deactivation are split.
const cpu2Deactivate = 0x00

const (
	// maxLines is the architected ceiling of interrupt sources per GIC:
	// 1024 ids minus the reserved 1021-1023 range.
	maxLines = 1020
	// spuriousIRQ is the acknowledge value meaning "nothing pending".
	spuriousIRQ = 1023
	// ackMask extracts the 10-bit interrupt id from the acknowledge register.
	ackMask = 0x3ff

	firstSPI = 32
	numSGIs  = 16

	// defaultPriority is applied to every line; interrupt nesting by
	// priority is not used, all lines are equal.
	defaultPriority = 0xa0a0a0a0
	priorityMaskAll = 0xf0

	ctrlEnable    = 1 << 0
	ctrlEOIModeNS = 1 << 9

	// maxTargetCPUs is the number of cores the byte-per-CPU target scheme
	// can address.
	maxTargetCPUs = 8

	// cpu2AliasOffset is where the secondary CPU interface bank sits
	// relative to the primary one when the topology does not describe it.
	cpu2AliasOffset = 0x1000
)

// Controller describes one physical GIC instance: its distributor and CPU
// interface banks and the slice of the global interrupt number space its
// hardware lines map onto. Entries are created once during bootstrap and
// never destroyed; the Driver's table owns them and every registered line
// points back into it through chip data.
type Controller struct {
	eoiMode   bool
	irqOffset uint32
	irqCount  uint32
	dist      hostio.Window
	cpu       hostio.Window
	cpu2      hostio.Window
}

// Offset returns the global interrupt number of hardware line 0.
func (c *Controller) Offset() uint32 { return c.irqOffset }

// Lines returns the number of hardware-supported lines.
func (c *Controller) Lines() uint32 { return c.irqCount }

// EOIMode reports whether end of interrupt and deactivation are split.
func (c *Controller) EOIMode() bool { return c.eoiMode }

// local translates a global interrupt number to the controller's hardware
// line number.
func (c *Controller) local(irq *hostirq.IRQ) uint32 {
	return irq.Num() - c.irqOffset
}

// Driver holds the controller table and the chip implementation shared by
// all controllers. It is created by the platform's bootstrap path and, like
// the hostirq table it registers into, lives for the whole process.
type Driver struct {
	table       *hostirq.Table
	count       int
	controllers [MaxControllers]Controller
	chip        chip
}

// NewDriver returns a driver with an empty controller table, registering
// lines into table as controllers are added.
func NewDriver(table *hostirq.Table) *Driver {
	d := &Driver{table: table}
	d.chip.drv = d
	return d
}

// Count returns the number of initialized controllers.
func (d *Driver) Count() int { return d.count }

// Controller returns the controller with the given id.
func (d *Driver) Controller(id int) (*Controller, error) {
	if id < 0 || id >= d.count {
		return nil, fmt.Errorf("gic: controller %d out of range: %w", id, hostirq.ErrOutOfRange)
	}
	return &d.controllers[id], nil
}

// ActiveIRQ reads the interrupt currently latched for acknowledgment on the
// primary controller and reports its global number, or hostirq.None for the
// reserved and spurious acknowledge values. Cascaded controllers are only
// queried through their cascade handler.
func (d *Driver) ActiveIRQ() uint32 {
	gic := &d.controllers[0]
	ret := gic.cpu.Readl(cpuIntAck) & ackMask
	if ret >= 1021 {
		return hostirq.None
	}
	return ret + gic.irqOffset
}

// handleCascade fans a child controller's interrupts out of a single parent
// line. SGIs and the reserved range of the child are never re-dispatched;
// the parent line itself is always reported handled once an acknowledge was
// latched, matching what the hardware expects of the cascade line.
func (d *Driver) handleCascade(_ uint32, dev any) hostirq.Result {
	gic := dev.(*Controller)

	line := gic.cpu.Readl(cpuIntAck) & ackMask
	if line == spuriousIRQ {
		return hostirq.ResultNone
	}

	if firstSPI <= line && line <= maxLines {
		d.table.Exec(line + gic.irqOffset)
	}
	return hostirq.ResultHandled
}

// chip implements hostirq.ChipSMP once for all controllers; each operation
// recovers the owning controller through the line's chip data.
type chip struct {
	drv *Driver
}

func owner(irq *hostirq.IRQ) *Controller {
	return irq.ChipData().(*Controller)
}

func (ch *chip) Name() string { return "gic" }

func (ch *chip) Mask(irq *hostirq.IRQ) {
	gic := owner(irq)
	line := gic.local(irq)

	gic.dist.Writel(distEnableClear+uint64(line/32)*4, 1<<(line%32))
}

func (ch *chip) Unmask(irq *hostirq.IRQ) {
	gic := owner(irq)
	line := gic.local(irq)

	gic.dist.Writel(distEnableSet+uint64(line/32)*4, 1<<(line%32))
}

func (ch *chip) EOI(irq *hostirq.IRQ) {
	gic := owner(irq)
	line := gic.local(irq)

	gic.cpu.Writel(cpuEOI, line)
	if gic.eoiMode {
		gic.cpu2.Writel(cpu2Deactivate, line)
	}
}

func (ch *chip) SetType(irq *hostirq.IRQ, typ hostirq.Type) error {
	gic := owner(irq)
	line := gic.local(irq)

	// Trigger configuration of SGIs is fixed in hardware.
	if line < numSGIs {
		return fmt.Errorf("gic: irq %d is an SGI: %w", irq.Num(), hostirq.ErrInvalidArgument)
	}
	if typ != hostirq.TypeLevelHigh && typ != hostirq.TypeEdgeRising {
		return fmt.Errorf("gic: irq %d: trigger type %v: %w", irq.Num(), typ, hostirq.ErrInvalidArgument)
	}

	enableMask := uint32(1) << (line % 32)
	enableOff := uint64(line/32) * 4
	confMask := uint32(2) << ((line % 16) * 2)
	confOff := uint64(line/16) * 4

	val := gic.dist.Readl(distConfig + confOff)
	if typ == hostirq.TypeLevelHigh {
		val &^= confMask
	} else {
		val |= confMask
	}

	// The architecture forbids reconfiguring an enabled line; disable it
	// across the update and restore the previous enable state.
	enabled := gic.dist.Readl(distEnableSet+enableOff)&enableMask != 0
	if enabled {
		gic.dist.Writel(distEnableClear+enableOff, enableMask)
	}

	gic.dist.Writel(distConfig+confOff, val)

	if enabled {
		gic.dist.Writel(distEnableSet+enableOff, enableMask)
	}

	return nil
}

func (ch *chip) SetAffinity(irq *hostirq.IRQ, mask cpumask.Mask) error {
	gic := owner(irq)
	line := gic.local(irq)

	cpu := mask.First()
	if cpu < 0 || cpu >= maxTargetCPUs {
		return fmt.Errorf("gic: irq %d: target cpu %d: %w", irq.Num(), cpu, hostirq.ErrInvalidArgument)
	}

	shift := (line % 4) * 8
	reg := distTarget + uint64(line&^3)

	val := gic.dist.Readl(reg) &^ (0xff << shift)
	gic.dist.Writel(reg, val|uint32(1)<<(uint32(cpu)+shift))

	return nil
}

func (ch *chip) Raise(irq *hostirq.IRQ, mask cpumask.Mask) {
	// Make all prior stores visible to the destination CPUs before they can
	// observe the interrupt; IPIs are used as a synchronization signal.
	hostio.Wmb()

	// SGI signalling always goes through the first controller.
	gic0 := &ch.drv.controllers[0]
	gic0.dist.Writel(distSoftInt, uint32(mask.Bits()&0xff)<<16|irq.Num())
}

var _ hostirq.ChipSMP = (*chip)(nil)
