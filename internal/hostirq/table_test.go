package hostirq

import (
	"errors"
	"testing"

	"github.com/tinyrange/hvirq/internal/cpumask"
)

// recordChip counts chip operations.
type recordChip struct {
	masked   int
	unmasked int
	eois     int
	lastType Type
}

func (c *recordChip) Name() string { return "record" }
func (c *recordChip) Mask(*IRQ)    { c.masked++ }
func (c *recordChip) Unmask(*IRQ)  { c.unmasked++ }
func (c *recordChip) EOI(*IRQ)     { c.eois++ }

func (c *recordChip) SetType(_ *IRQ, typ Type) error {
	c.lastType = typ
	return nil
}

// recordChipSMP adds the multi-core operations.
type recordChipSMP struct {
	recordChip
	affinity cpumask.Mask
	raised   cpumask.Mask
}

func (c *recordChipSMP) SetAffinity(_ *IRQ, mask cpumask.Mask) error {
	c.affinity = mask
	return nil
}

func (c *recordChipSMP) Raise(_ *IRQ, mask cpumask.Mask) {
	c.raised = mask
}

func TestRegisterUnmasks(t *testing.T) {
	table := NewTable()
	chip := &recordChip{}
	if err := table.SetChip(10, chip); err != nil {
		t.Fatalf("set chip: %v", err)
	}

	err := table.Register(10, "dev", func(uint32, any) Result { return ResultHandled }, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if chip.unmasked != 1 {
		t.Fatalf("unmask count = %d, want 1", chip.unmasked)
	}
}

func TestRegisterValidation(t *testing.T) {
	table := NewTable()

	if err := table.Register(10, "dev", nil, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("nil handler: %v, want invalid argument", err)
	}
	err := table.Register(Count, "dev", func(uint32, any) Result { return ResultNone }, nil)
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("irq %d: %v, want out of range", Count, err)
	}
}

func TestExecRunsHandlersAndEOIsOnce(t *testing.T) {
	table := NewTable()
	chip := &recordChip{}
	if err := table.SetChip(10, chip); err != nil {
		t.Fatalf("set chip: %v", err)
	}
	if err := table.SetHandler(10, HandleFastEOI); err != nil {
		t.Fatalf("set handler: %v", err)
	}

	calls := 0
	miss := func(uint32, any) Result { calls++; return ResultNone }
	hit := func(uint32, any) Result { calls++; return ResultHandled }
	for _, fn := range []HandlerFunc{miss, hit} {
		if err := table.Register(10, "dev", fn, nil); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	if got := table.Exec(10); got != ResultHandled {
		t.Fatalf("exec = %v, want handled", got)
	}
	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2", calls)
	}
	if chip.eois != 1 {
		t.Fatalf("EOI count = %d, want 1", chip.eois)
	}
}

func TestExecEOIsUnhandledInterrupts(t *testing.T) {
	table := NewTable()
	chip := &recordChip{}
	if err := table.SetChip(10, chip); err != nil {
		t.Fatalf("set chip: %v", err)
	}
	if err := table.SetHandler(10, HandleFastEOI); err != nil {
		t.Fatalf("set handler: %v", err)
	}

	if got := table.Exec(10); got != ResultNone {
		t.Fatalf("exec without handlers = %v, want none", got)
	}
	if chip.eois != 1 {
		t.Fatalf("EOI count = %d, want 1", chip.eois)
	}
}

func TestExecIgnoresSpuriousNumbers(t *testing.T) {
	table := NewTable()

	if got := table.Exec(Count + 100); got != ResultNone {
		t.Fatalf("out-of-range exec = %v, want none", got)
	}
	if got := table.Exec(10); got != ResultNone {
		t.Fatalf("flowless exec = %v, want none", got)
	}
}

func TestEnableDisableRequireChip(t *testing.T) {
	table := NewTable()

	if err := table.Enable(10); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("enable without chip: %v, want invalid argument", err)
	}
	if err := table.Disable(10); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("disable without chip: %v, want invalid argument", err)
	}

	chip := &recordChip{}
	if err := table.SetChip(10, chip); err != nil {
		t.Fatalf("set chip: %v", err)
	}
	if err := table.Enable(10); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := table.Disable(10); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if chip.unmasked != 1 || chip.masked != 1 {
		t.Fatalf("unmask/mask = %d/%d, want 1/1", chip.unmasked, chip.masked)
	}
}

func TestSetTypeForwardsToChip(t *testing.T) {
	table := NewTable()
	chip := &recordChip{}
	if err := table.SetChip(10, chip); err != nil {
		t.Fatalf("set chip: %v", err)
	}

	if err := table.SetType(10, TypeEdgeRising); err != nil {
		t.Fatalf("set type: %v", err)
	}
	if chip.lastType != TypeEdgeRising {
		t.Fatalf("chip saw type %v, want %v", chip.lastType, TypeEdgeRising)
	}
}

func TestSMPOperationsRequireCapableChip(t *testing.T) {
	table := NewTable()
	if err := table.SetChip(10, &recordChip{}); err != nil {
		t.Fatalf("set chip: %v", err)
	}

	if err := table.SetAffinity(10, cpumask.Of(1)); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("set affinity: %v, want not supported", err)
	}
	if err := table.Raise(10, cpumask.Of(1)); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("raise: %v, want not supported", err)
	}
}

func TestSMPOperationsForward(t *testing.T) {
	table := NewTable()
	chip := &recordChipSMP{}
	if err := table.SetChip(10, chip); err != nil {
		t.Fatalf("set chip: %v", err)
	}

	if err := table.SetAffinity(10, cpumask.Of(2)); err != nil {
		t.Fatalf("set affinity: %v", err)
	}
	if chip.affinity != cpumask.Of(2) {
		t.Fatalf("chip saw affinity %v, want %v", chip.affinity, cpumask.Of(2))
	}
	if err := table.Raise(10, cpumask.Of(0, 1)); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if chip.raised != cpumask.Of(0, 1) {
		t.Fatalf("chip saw raise mask %v, want %v", chip.raised, cpumask.Of(0, 1))
	}
}

func TestActiveCallback(t *testing.T) {
	table := NewTable()

	if got := table.Active(); got != None {
		t.Fatalf("active without callback = %d, want none", got)
	}

	table.SetActiveCallback(func() uint32 { return 42 })
	if got := table.Active(); got != 42 {
		t.Fatalf("active = %d, want 42", got)
	}
}

func TestIRQDescriptor(t *testing.T) {
	table := NewTable()

	irq, err := table.IRQ(10)
	if err != nil {
		t.Fatalf("irq: %v", err)
	}
	if irq.Num() != 10 {
		t.Fatalf("num = %d, want 10", irq.Num())
	}
	if irq.IsPerCPU() {
		t.Fatalf("line per-cpu before marking")
	}
	if err := table.MarkPerCPU(10); err != nil {
		t.Fatalf("mark per-cpu: %v", err)
	}
	if !irq.IsPerCPU() {
		t.Fatalf("line not per-cpu after marking")
	}

	data := &struct{ n int }{}
	if err := table.SetChipData(10, data); err != nil {
		t.Fatalf("set chip data: %v", err)
	}
	if irq.ChipData() != data {
		t.Fatalf("chip data not attached")
	}

	if _, err := table.IRQ(Count); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("irq %d: %v, want out of range", Count, err)
	}
}
