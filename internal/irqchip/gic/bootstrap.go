package gic

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/hvirq/internal/fdt"
	"github.com/tinyrange/hvirq/internal/hostio"
	"github.com/tinyrange/hvirq/internal/hostirq"
)

// BootOptions carries the per-platform inputs of controller discovery.
type BootOptions struct {
	// CPU is the index of the core running the bootstrap, used as the
	// initial routing target for every shared line.
	CPU int
	// Mapper resolves the register banks named by the device tree.
	Mapper hostio.Mapper
}

// controllers whose revision splits priority drop and deactivation across
// the two CPU interface banks.
var eoiModeCompatibles = []string{
	"arm,cortex-a15-gic",
	"arm,gic-400",
}

func eoiModeFor(node *fdt.Node) bool {
	for _, compat := range node.Compatible() {
		for _, known := range eoiModeCompatibles {
			if compat == known {
				return true
			}
		}
	}
	return false
}

// Bootstrap discovers one controller from its device-tree node and brings it
// up: distributor first, then the boot CPU's interrupt acknowledgment path.
// parent is non-nil when this controller cascades into an already
// initialized one; otherwise the controller becomes the system's
// active-interrupt source. Must run on the boot core exactly once per
// controller, before any secondary core calls SecondaryInit.
func (d *Driver) Bootstrap(node, parent *fdt.Node, opts BootOptions) error {
	if node == nil {
		return fmt.Errorf("gic: no device tree node: %w", hostirq.ErrInvalidArgument)
	}
	if opts.Mapper == nil {
		return fmt.Errorf("gic: %s: no register mapper: %w", node.Name, hostirq.ErrInvalidArgument)
	}
	if opts.CPU < 0 || opts.CPU >= maxTargetCPUs {
		return fmt.Errorf("gic: %s: boot cpu %d not addressable: %w", node.Name, opts.CPU, hostirq.ErrInvalidArgument)
	}

	distAddr, distSize, ok := node.RegAddress(0)
	if !ok {
		return fmt.Errorf("gic: %s: unable to resolve distributor registers", node.Name)
	}
	dist, err := opts.Mapper.Map(distAddr, distSize)
	if err != nil {
		return fmt.Errorf("gic: %s: map distributor: %w", node.Name, err)
	}

	cpuAddr, cpuSize, ok := node.RegAddress(1)
	if !ok {
		return fmt.Errorf("gic: %s: unable to resolve cpu interface registers", node.Name)
	}
	cpu, err := opts.Mapper.Map(cpuAddr, cpuSize)
	if err != nil {
		return fmt.Errorf("gic: %s: map cpu interface: %w", node.Name, err)
	}

	cpu2Addr, cpu2Size, ok := node.RegAddress(4)
	if !ok {
		cpu2Addr, cpu2Size = cpuAddr+cpu2AliasOffset, uint64(cpu2AliasOffset)
		slog.Warn("gic: no cpu2 register bank described, assuming alias",
			"node", node.Name, "addr", fmt.Sprintf("0x%x", cpu2Addr))
	}
	cpu2, err := opts.Mapper.Map(cpu2Addr, cpu2Size)
	if err != nil {
		return fmt.Errorf("gic: %s: map cpu2 interface: %w", node.Name, err)
	}

	irqStart, ok := node.PropU32("irq_start")
	if !ok {
		slog.Warn("gic: unable to resolve irq_start, assuming 0", "node", node.Name)
		irqStart = 0
	}

	gic, err := d.addController(eoiModeFor(node), irqStart, dist, cpu, cpu2, opts.CPU)
	if err != nil {
		return err
	}

	if parent != nil {
		parentIRQ, ok := node.PropU32("parent_irq")
		if !ok {
			// The spurious sentinel never dispatches; cascading is
			// disabled rather than failing bootstrap.
			slog.Warn("gic: unable to resolve parent_irq, cascade disabled", "node", node.Name)
			parentIRQ = spuriousIRQ
		}
		if err := d.Cascade(gic, parentIRQ); err != nil {
			return err
		}
	} else {
		d.table.SetActiveCallback(d.ActiveIRQ)
	}

	return nil
}

// Cascade registers child as the handler of the given line on its parent
// controller, fanning the child's interrupts out of that single line.
func (d *Driver) Cascade(child *Controller, parentIRQ uint32) error {
	if err := d.table.Register(parentIRQ, "gic-child", d.handleCascade, child); err != nil {
		return fmt.Errorf("gic: cascade on irq %d: %w", parentIRQ, err)
	}
	return nil
}

// SecondaryInit initializes the acknowledgment path of the calling core
// against an already bootstrapped controller. The distributor is shared
// hardware state and is configured exactly once, by the boot core.
func (d *Driver) SecondaryInit(id int) error {
	if id < 0 || id >= MaxControllers {
		return fmt.Errorf("gic: controller %d out of range: %w", id, hostirq.ErrOutOfRange)
	}
	if id >= d.count {
		return fmt.Errorf("gic: controller %d not bootstrapped", id)
	}
	d.cpuInit(&d.controllers[id])
	return nil
}

// addController fills the next controller slot, sizes its line space from
// the distributor's type register and runs distributor then CPU interface
// initialization. Calling this twice for the same hardware double-registers
// its lines; bootstrap ordering must prevent that.
func (d *Driver) addController(eoiMode bool, irqStart uint32, dist, cpu, cpu2 hostio.Window, bootCPU int) (*Controller, error) {
	if d.count >= MaxControllers {
		return nil, fmt.Errorf("gic: controller %d out of range: %w", d.count, hostirq.ErrOutOfRange)
	}

	gic := &d.controllers[d.count]
	gic.eoiMode = eoiMode
	// Hardware groups lines in banks of 32; the offset must sit on a bank
	// boundary.
	gic.irqOffset = irqStart &^ 31
	gic.dist = dist
	gic.cpu = cpu
	gic.cpu2 = cpu2

	// The type register encodes the supported line count in banks of 32,
	// capped by the architected maximum.
	lines := (dist.Readl(distCtr)&0x1f + 1) * 32
	if lines > maxLines {
		lines = maxLines
	}
	gic.irqCount = lines

	if err := d.distInit(gic, bootCPU); err != nil {
		return nil, err
	}
	d.cpuInit(gic)

	d.count++
	return gic, nil
}

// distInit brings the distributor into its baseline: everything routed to
// the boot CPU, level triggered, equal priority, masked; then publishes the
// controller's lines to the host framework and re-enables distribution.
func (d *Driver) distInit(gic *Controller, bootCPU int) error {
	base := gic.dist

	cpuMask := uint32(1) << bootCPU
	cpuMask |= cpuMask << 8
	cpuMask |= cpuMask << 16

	base.Writel(distCtrl, 0)

	// Shared lines: level triggered active low, routed to the boot CPU.
	for i := uint32(firstSPI); i < gic.irqCount; i += 16 {
		base.Writel(distConfig+uint64(i/16)*4, 0)
	}
	for i := uint32(firstSPI); i < gic.irqCount; i += 4 {
		base.Writel(distTarget+uint64(i), cpuMask)
	}

	// Equal priority on every line; priority-based nesting is not used.
	for i := uint32(0); i < gic.irqCount; i += 4 {
		base.Writel(distPri+uint64(i), defaultPriority)
	}

	// All lines start masked.
	for i := uint32(0); i < gic.irqCount; i += 32 {
		base.Writel(distEnableClear+uint64(i/32)*4, 0xffffffff)
	}

	irqLimit := gic.irqOffset + gic.irqCount
	if irqLimit > hostirq.Count {
		slog.Warn("gic: hardware lines exceed host irq capacity, truncating",
			"have", irqLimit, "capacity", hostirq.Count)
		irqLimit = hostirq.Count
	}

	for i := gic.irqOffset; i < irqLimit; i++ {
		if err := d.table.SetChip(i, &d.chip); err != nil {
			return fmt.Errorf("gic: publish irq %d: %w", i, err)
		}
		if err := d.table.SetChipData(i, gic); err != nil {
			return fmt.Errorf("gic: publish irq %d: %w", i, err)
		}
		if err := d.table.SetHandler(i, hostirq.HandleFastEOI); err != nil {
			return fmt.Errorf("gic: publish irq %d: %w", i, err)
		}
		// SGIs and PPIs are banked per core.
		if i-gic.irqOffset < firstSPI {
			if err := d.table.MarkPerCPU(i); err != nil {
				return fmt.Errorf("gic: publish irq %d: %w", i, err)
			}
		}
	}

	base.Writel(distCtrl, 1)
	return nil
}

// cpuInit brings up the acknowledgment path of the executing core: PPIs
// masked, SGIs force enabled, permissive priority mask, interface enabled.
func (d *Driver) cpuInit(gic *Controller) {
	gic.dist.Writel(distEnableClear, 0xffff0000)
	gic.dist.Writel(distEnableSet, 0x0000ffff)

	for i := uint32(0); i < firstSPI; i += 4 {
		gic.dist.Writel(distPri+uint64(i), defaultPriority)
	}

	gic.cpu.Writel(cpuPriMask, priorityMaskAll)
	if gic.eoiMode {
		gic.cpu.Writel(cpuCtrl, ctrlEnable|ctrlEOIModeNS)
	} else {
		gic.cpu.Writel(cpuCtrl, ctrlEnable)
	}
}
