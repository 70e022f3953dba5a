package hostirq

import (
	"fmt"

	"github.com/tinyrange/hvirq/internal/cpumask"
)

// Table owns the interrupt line descriptors. It is created once at boot and
// lives for the whole process; drivers hold it by reference.
type Table struct {
	irqs   [Count]IRQ
	active func() uint32
}

// NewTable returns a table with all lines unbound.
func NewTable() *Table {
	t := &Table{}
	for i := range t.irqs {
		t.irqs[i].num = uint32(i)
	}
	return t
}

// IRQ returns the descriptor for a line.
func (t *Table) IRQ(num uint32) (*IRQ, error) {
	if num >= Count {
		return nil, fmt.Errorf("hostirq: irq %d: %w", num, ErrOutOfRange)
	}
	return &t.irqs[num], nil
}

// SetChip binds a controller's operation set to a line.
func (t *Table) SetChip(num uint32, chip Chip) error {
	irq, err := t.IRQ(num)
	if err != nil {
		return err
	}
	irq.chip = chip
	return nil
}

// SetChipData attaches the owning-controller back-reference to a line.
func (t *Table) SetChipData(num uint32, data any) error {
	irq, err := t.IRQ(num)
	if err != nil {
		return err
	}
	irq.chipData = data
	return nil
}

// SetHandler installs the flow handler that drives the line through its
// device handlers and completion protocol.
func (t *Table) SetHandler(num uint32, flow FlowHandler) error {
	irq, err := t.IRQ(num)
	if err != nil {
		return err
	}
	irq.flow = flow
	return nil
}

// MarkPerCPU marks a line as banked per CPU.
func (t *Table) MarkPerCPU(num uint32) error {
	irq, err := t.IRQ(num)
	if err != nil {
		return err
	}
	irq.perCPU = true
	return nil
}

// Register attaches a device handler to a line and unmasks it. dev is passed
// back to the handler on every invocation.
func (t *Table) Register(num uint32, name string, fn HandlerFunc, dev any) error {
	if fn == nil {
		return fmt.Errorf("hostirq: register %q on irq %d: nil handler: %w", name, num, ErrInvalidArgument)
	}
	irq, err := t.IRQ(num)
	if err != nil {
		return fmt.Errorf("hostirq: register %q: %w", name, err)
	}
	irq.actions = append(irq.actions, action{name: name, fn: fn, dev: dev})
	if irq.chip != nil {
		irq.chip.Unmask(irq)
	}
	return nil
}

// Exec is the generic dispatch-by-number entry point. Numbers outside the
// table or lines without a flow handler are ignored; spurious vectors must
// not take the kernel down.
func (t *Table) Exec(num uint32) Result {
	if num >= Count {
		return ResultNone
	}
	irq := &t.irqs[num]
	if irq.flow == nil {
		return ResultNone
	}
	return irq.flow(t, irq)
}

// Enable unmasks a line at its chip.
func (t *Table) Enable(num uint32) error {
	irq, err := t.IRQ(num)
	if err != nil {
		return err
	}
	if irq.chip == nil {
		return fmt.Errorf("hostirq: irq %d has no chip: %w", num, ErrInvalidArgument)
	}
	irq.chip.Unmask(irq)
	return nil
}

// Disable masks a line at its chip.
func (t *Table) Disable(num uint32) error {
	irq, err := t.IRQ(num)
	if err != nil {
		return err
	}
	if irq.chip == nil {
		return fmt.Errorf("hostirq: irq %d has no chip: %w", num, ErrInvalidArgument)
	}
	irq.chip.Mask(irq)
	return nil
}

// SetType reconfigures a line's trigger type through its chip.
func (t *Table) SetType(num uint32, typ Type) error {
	irq, err := t.IRQ(num)
	if err != nil {
		return err
	}
	if irq.chip == nil {
		return fmt.Errorf("hostirq: irq %d has no chip: %w", num, ErrInvalidArgument)
	}
	return irq.chip.SetType(irq, typ)
}

// SetAffinity routes a line to the CPUs in mask through its chip. Chips
// without SMP support reject the operation.
func (t *Table) SetAffinity(num uint32, mask cpumask.Mask) error {
	irq, err := t.IRQ(num)
	if err != nil {
		return err
	}
	chip, ok := irq.chip.(ChipSMP)
	if !ok {
		return fmt.Errorf("hostirq: irq %d: set affinity: %w", num, ErrNotSupported)
	}
	return chip.SetAffinity(irq, mask)
}

// Raise issues a software-generated interrupt for the line to the CPUs in
// mask through its chip.
func (t *Table) Raise(num uint32, mask cpumask.Mask) error {
	irq, err := t.IRQ(num)
	if err != nil {
		return err
	}
	chip, ok := irq.chip.(ChipSMP)
	if !ok {
		return fmt.Errorf("hostirq: irq %d: raise: %w", num, ErrNotSupported)
	}
	chip.Raise(irq, mask)
	return nil
}

// SetActiveCallback installs the primary controller's active-interrupt
// reader. The top-level dispatch loop polls it to find what to Exec.
func (t *Table) SetActiveCallback(fn func() uint32) {
	t.active = fn
}

// Active reports the global number of the interrupt currently latched for
// acknowledgment, or None.
func (t *Table) Active() uint32 {
	if t.active == nil {
		return None
	}
	return t.active()
}
