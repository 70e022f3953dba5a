package gic

import (
	"errors"
	"testing"

	"github.com/tinyrange/hvirq/internal/devices/gicv2"
	"github.com/tinyrange/hvirq/internal/fdt"
	"github.com/tinyrange/hvirq/internal/hostio"
	"github.com/tinyrange/hvirq/internal/hostirq"
)

func TestBootstrapOffsetAlignment(t *testing.T) {
	for _, tc := range []struct {
		start uint32
		want  uint32
	}{
		{0, 0},
		{32, 32},
		{33, 32},
		{63, 32},
		{64, 64},
	} {
		env := bootModel(t, 96, false, map[string]fdt.Property{
			"irq_start": {U32: []uint32{tc.start}},
		})
		c, err := env.driver.Controller(0)
		if err != nil {
			t.Fatalf("controller: %v", err)
		}
		if c.Offset() != tc.want {
			t.Fatalf("irq_start %d: offset = %d, want %d", tc.start, c.Offset(), tc.want)
		}
	}
}

func TestBootstrapDefaultOffset(t *testing.T) {
	env := bootModel(t, 96, false, nil)

	c, err := env.driver.Controller(0)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	if c.Offset() != 0 {
		t.Fatalf("offset = %d, want 0 without irq_start", c.Offset())
	}
}

func TestBootstrapLineCountFromHardware(t *testing.T) {
	env := bootModel(t, 160, false, nil)

	c, err := env.driver.Controller(0)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	if c.Lines() != 160 {
		t.Fatalf("lines = %d, want 160", c.Lines())
	}
}

func TestBootstrapControllerCapacity(t *testing.T) {
	env := bootModel(t, 96, false, nil)

	bases := []uint64{childDistBase, 0x0a000000}
	var lastErr error
	for i, base := range bases {
		model := gicv2.New(gicv2.Config{Lines: 96})
		if err := model.Bind(env.bus, base, base+0x10000, base+0x11000, 0); err != nil {
			t.Fatalf("bind model %d: %v", i, err)
		}
		node := gicNode("intc", base, base+0x10000, false, map[string]fdt.Property{
			"irq_start":  {U32: []uint32{uint32(96 * (i + 1))}},
			"parent_irq": {U32: []uint32{50}},
		})
		parent := gicNode("intc@8000000", testDistBase, testCPUBase, false, nil)
		lastErr = env.driver.Bootstrap(&node, &parent, BootOptions{Mapper: env.bus})
	}

	if !errors.Is(lastErr, hostirq.ErrOutOfRange) {
		t.Fatalf("third controller: %v, want out of range", lastErr)
	}
	if env.driver.Count() != MaxControllers {
		t.Fatalf("count = %d, want %d", env.driver.Count(), MaxControllers)
	}
}

func TestBootstrapValidation(t *testing.T) {
	bus := hostio.NewBus()
	model := gicv2.New(gicv2.Config{Lines: 96})
	if err := model.Bind(bus, testDistBase, testCPUBase, testCPU2Base, 0); err != nil {
		t.Fatalf("bind model: %v", err)
	}
	node := gicNode("intc", testDistBase, testCPUBase, false, nil)

	d := NewDriver(hostirq.NewTable())
	if err := d.Bootstrap(nil, nil, BootOptions{Mapper: bus}); err == nil {
		t.Fatalf("nil node accepted")
	}
	if err := d.Bootstrap(&node, nil, BootOptions{}); err == nil {
		t.Fatalf("missing mapper accepted")
	}
	if err := d.Bootstrap(&node, nil, BootOptions{Mapper: bus, CPU: 8}); err == nil {
		t.Fatalf("unaddressable boot cpu accepted")
	}

	bare := fdt.Node{Name: "intc"}
	if err := d.Bootstrap(&bare, nil, BootOptions{Mapper: bus}); err == nil {
		t.Fatalf("node without reg accepted")
	}
	if d.Count() != 0 {
		t.Fatalf("count = %d after failed bootstraps, want 0", d.Count())
	}
}

// A topology that does not place the secondary bank still deactivates through
// the page above the CPU interface.
func TestBootstrapCPU2Alias(t *testing.T) {
	bus := hostio.NewBus()
	model := gicv2.New(gicv2.Config{Lines: 96, SplitEOI: true})
	if err := model.Bind(bus, testDistBase, testCPUBase, testCPUBase+0x1000, 0); err != nil {
		t.Fatalf("bind model: %v", err)
	}

	node := fdt.Node{
		Name: "intc@8000000",
		Properties: map[string]fdt.Property{
			"compatible": {Strings: []string{"arm,cortex-a15-gic"}},
			"reg": {U64: []uint64{
				testDistBase, gicv2.DistSize,
				testCPUBase, gicv2.CPUSize,
			}},
		},
	}

	table := hostirq.NewTable()
	d := NewDriver(table)
	if err := d.Bootstrap(&node, nil, BootOptions{Mapper: bus}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	const line = 40
	err := table.Register(line, "dev", func(uint32, any) hostirq.Result {
		return hostirq.ResultHandled
	}, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	model.SetLevel(line, true)
	if got := table.Active(); got != line {
		t.Fatalf("active irq = %d, want %d", got, line)
	}
	model.SetLevel(line, false)

	table.Exec(line)
	if model.Active(0, line) {
		t.Fatalf("line %d still active after end of interrupt", line)
	}
}

func TestDistributorBaseline(t *testing.T) {
	env := bootModel(t, 96, false, nil)

	if !env.model.DistEnabled() {
		t.Fatalf("distributor not enabled")
	}
	if !env.model.CPUEnabled(0) {
		t.Fatalf("boot cpu interface not enabled")
	}

	// Shared lines start masked, level triggered, routed to the boot CPU,
	// all at equal priority.
	for _, line := range []uint32{32, 40, 95} {
		if env.model.Enabled(0, line) {
			t.Fatalf("shared line %d enabled at baseline", line)
		}
		if env.model.IsEdge(line) {
			t.Fatalf("shared line %d edge configured at baseline", line)
		}
		if got := env.model.Target(line); got != 1 {
			t.Fatalf("shared line %d target = 0x%x, want 0x1", line, got)
		}
		if got := env.model.Priority(line); got != 0xa0 {
			t.Fatalf("shared line %d priority = 0x%x, want 0xa0", line, got)
		}
	}

	// SGIs are force enabled, PPIs masked.
	if !env.model.Enabled(0, 3) {
		t.Fatalf("SGI 3 not enabled")
	}
	if env.model.Enabled(0, 20) {
		t.Fatalf("PPI 20 enabled at baseline")
	}
	if got := env.model.Priority(20); got != 0xa0 {
		t.Fatalf("PPI 20 priority = 0x%x, want 0xa0", got)
	}
}

func TestBootstrapMarksBankedLines(t *testing.T) {
	env := bootModel(t, 96, false, map[string]fdt.Property{
		"irq_start": {U32: []uint32{32}},
	})

	for _, tc := range []struct {
		num    uint32
		perCPU bool
	}{
		{32, true},  // SGI on this controller
		{63, true},  // PPI
		{64, false}, // first shared line
		{127, false},
	} {
		irq, err := env.table.IRQ(tc.num)
		if err != nil {
			t.Fatalf("irq %d: %v", tc.num, err)
		}
		if irq.IsPerCPU() != tc.perCPU {
			t.Fatalf("irq %d per-cpu = %v, want %v", tc.num, irq.IsPerCPU(), tc.perCPU)
		}
		if irq.Chip() == nil {
			t.Fatalf("irq %d has no chip", tc.num)
		}
	}
}

func TestSecondaryInit(t *testing.T) {
	env := bootModel(t, 96, false, nil)

	if err := env.driver.SecondaryInit(0); err != nil {
		t.Fatalf("secondary init: %v", err)
	}
	if err := env.driver.SecondaryInit(1); err == nil {
		t.Fatalf("secondary init on missing controller accepted")
	}
	if err := env.driver.SecondaryInit(MaxControllers); !errors.Is(err, hostirq.ErrOutOfRange) {
		t.Fatalf("secondary init out of range: %v", err)
	}
}

func TestCascadeDefaultParentLine(t *testing.T) {
	env := bootModel(t, 96, false, nil)

	child := gicv2.New(gicv2.Config{Lines: 96})
	if err := child.Bind(env.bus, childDistBase, childCPUBase, childCPU2Base, 0); err != nil {
		t.Fatalf("bind child model: %v", err)
	}

	parent := gicNode("intc@8000000", testDistBase, testCPUBase, false, nil)
	node := gicNode("intc@9000000", childDistBase, childCPUBase, false, map[string]fdt.Property{
		"irq_start": {U32: []uint32{96}},
	})
	if err := env.driver.Bootstrap(&node, &parent, BootOptions{Mapper: env.bus}); err != nil {
		t.Fatalf("bootstrap child without parent_irq: %v", err)
	}
	if env.driver.Count() != 2 {
		t.Fatalf("count = %d, want 2", env.driver.Count())
	}

	// The fallback parent line is the spurious id, which the dispatch path
	// never selects; the child's lines are published but never fanned out.
	if got := env.table.Active(); got != hostirq.None {
		t.Fatalf("active irq = %d, want none", got)
	}
}
