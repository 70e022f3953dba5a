// Command gicboot brings up the GIC driver against a described board: either
// the software GICv2 model (the default, useful for driver and topology
// validation) or live register banks through /dev/mem. Boards are described
// by a YAML file or a flattened device tree blob.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/hvirq/internal/devices/gicv2"
	"github.com/tinyrange/hvirq/internal/fdt"
	"github.com/tinyrange/hvirq/internal/hostio"
	"github.com/tinyrange/hvirq/internal/hostirq"
	"github.com/tinyrange/hvirq/internal/irqchip/gic"
)

// Default layout, matching the QEMU virt machine.
const (
	defaultDistBase = 0x08000000
	defaultCPUBase  = 0x08010000
)

// BoardConfig describes the interrupt topology of one board.
type BoardConfig struct {
	Name        string             `yaml:"name"`
	CPUs        int                `yaml:"cpus"`
	Controllers []ControllerConfig `yaml:"controllers"`
}

// ControllerConfig describes one GIC instance.
type ControllerConfig struct {
	Compatible string  `yaml:"compatible"`
	Dist       uint64  `yaml:"dist"`
	CPU        uint64  `yaml:"cpu"`
	CPU2       uint64  `yaml:"cpu2"`
	Lines      uint32  `yaml:"lines"`
	IRQStart   *uint32 `yaml:"irq_start"`
	ParentIRQ  *uint32 `yaml:"parent_irq"`
}

func defaultBoard() BoardConfig {
	start := uint32(0)
	return BoardConfig{
		Name: "qemu-virt",
		CPUs: 1,
		Controllers: []ControllerConfig{{
			Compatible: "arm,cortex-a15-gic",
			Dist:       defaultDistBase,
			CPU:        defaultCPUBase,
			Lines:      160,
			IRQStart:   &start,
		}},
	}
}

func loadBoard(path string) (BoardConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BoardConfig{}, fmt.Errorf("read board config: %w", err)
	}
	var board BoardConfig
	if err := yaml.Unmarshal(data, &board); err != nil {
		return BoardConfig{}, fmt.Errorf("parse board config %q: %w", path, err)
	}
	if len(board.Controllers) == 0 {
		return BoardConfig{}, fmt.Errorf("board config %q describes no controllers", path)
	}
	return board, nil
}

// node converts a controller description to the device-tree form the driver
// consumes. The reg layout follows the usual GIC binding: distributor and
// CPU interface first, the secondary CPU interface bank at entry 4.
func (c ControllerConfig) node() fdt.Node {
	reg := []uint64{c.Dist, gicv2.DistSize, c.CPU, gicv2.CPUSize}
	if c.CPU2 != 0 {
		reg = append(reg, 0, 0, 0, 0, c.CPU2, gicv2.CPU2Size)
	}

	props := map[string]fdt.Property{
		"compatible": {Strings: []string{c.Compatible}},
		"reg":        {U64: reg},
	}
	if c.IRQStart != nil {
		props["irq_start"] = fdt.Property{U32: []uint32{*c.IRQStart}}
	}
	if c.ParentIRQ != nil {
		props["parent_irq"] = fdt.Property{U32: []uint32{*c.ParentIRQ}}
	}

	return fdt.Node{
		Name:       fmt.Sprintf("interrupt-controller@%x", c.Dist),
		Properties: props,
	}
}

func boardFromDTB(path string) (BoardConfig, []fdt.Node, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return BoardConfig{}, nil, fmt.Errorf("read dtb: %w", err)
	}
	root, err := fdt.Parse(blob)
	if err != nil {
		return BoardConfig{}, nil, fmt.Errorf("parse dtb %q: %w", path, err)
	}

	var nodes []fdt.Node
	collectGICNodes(&root, &nodes)
	if len(nodes) == 0 {
		return BoardConfig{}, nil, fmt.Errorf("dtb %q describes no interrupt controller", path)
	}
	return BoardConfig{Name: path, CPUs: 1}, nodes, nil
}

func collectGICNodes(n *fdt.Node, out *[]fdt.Node) {
	for _, compat := range n.Compatible() {
		switch compat {
		case "arm,realview-gic", "arm,cortex-a9-gic", "arm,cortex-a15-gic", "arm,gic-400":
			*out = append(*out, *n)
			return
		}
	}
	for i := range n.Children {
		collectGICNodes(&n.Children[i], out)
	}
}

func main() {
	configPath := flag.String("config", "", "Board config YAML (default: built-in qemu-virt board)")
	dtbPath := flag.String("dtb", "", "Flattened device tree blob to discover controllers from")
	dumpDTB := flag.String("dump-dtb", "", "Write the board's controller topology as a device tree blob")
	devmem := flag.Bool("devmem", false, "Access live registers through /dev/mem instead of the GICv2 model")
	selftest := flag.Bool("selftest", false, "Pulse a line through the model and walk the dispatch path")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if err := run(*configPath, *dtbPath, *dumpDTB, *devmem, *selftest); err != nil {
		slog.Error("gicboot failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath, dtbPath, dumpPath string, devmem, selftest bool) error {
	board := defaultBoard()
	var nodes []fdt.Node
	var err error

	switch {
	case dtbPath != "":
		board, nodes, err = boardFromDTB(dtbPath)
		if err != nil {
			return err
		}
	case configPath != "":
		board, err = loadBoard(configPath)
		if err != nil {
			return err
		}
	}
	if nodes == nil {
		for _, c := range board.Controllers {
			nodes = append(nodes, c.node())
		}
	}

	if dumpPath != "" {
		if err := dumpDeviceTree(dumpPath, nodes); err != nil {
			return err
		}
	}

	var mapper hostio.Mapper
	var models []*gicv2.Model
	var cleanup func() error

	if devmem {
		if selftest {
			return fmt.Errorf("selftest requires the GICv2 model, not -devmem")
		}
		mapper, cleanup, err = openDevMem()
		if err != nil {
			return err
		}
		defer func() {
			if err := cleanup(); err != nil {
				slog.Warn("gicboot: cleanup", "err", err)
			}
		}()
	} else {
		bus := hostio.NewBus()
		for i := range nodes {
			n := &nodes[i]

			distAddr, _, ok := n.RegAddress(0)
			if !ok {
				return fmt.Errorf("%s: no distributor address", n.Name)
			}
			cpuAddr, _, ok := n.RegAddress(1)
			if !ok {
				return fmt.Errorf("%s: no cpu interface address", n.Name)
			}
			cpu2Addr, _, ok := n.RegAddress(4)
			if !ok {
				cpu2Addr = cpuAddr + 0x1000
			}

			var lines uint32
			if i < len(board.Controllers) {
				lines = board.Controllers[i].Lines
			}
			split := false
			for _, compat := range n.Compatible() {
				if isSplitEOI(compat) {
					split = true
				}
			}

			model := gicv2.New(gicv2.Config{
				Lines:    lines,
				CPUs:     board.CPUs,
				SplitEOI: split,
			})
			if err := model.Bind(bus, distAddr, cpuAddr, cpu2Addr, 0); err != nil {
				return fmt.Errorf("controller %d: %w", i, err)
			}
			models = append(models, model)
		}
		mapper = bus
	}

	table := hostirq.NewTable()
	driver := gic.NewDriver(table)

	var parent *fdt.Node
	for i := range nodes {
		slog.Info("bootstrapping controller", "board", board.Name, "node", nodes[i].Name)
		if err := driver.Bootstrap(&nodes[i], parent, gic.BootOptions{Mapper: mapper}); err != nil {
			return err
		}
		parent = &nodes[i]
	}

	for id := 0; id < driver.Count(); id++ {
		c, err := driver.Controller(id)
		if err != nil {
			return err
		}
		fmt.Printf("gic%d: irqs %d-%d eoimode=%v\n",
			id, c.Offset(), c.Offset()+c.Lines()-1, c.EOIMode())
	}

	if selftest {
		return runSelftest(table, driver, models)
	}
	return nil
}

// dumpDeviceTree serializes the controller topology as a blob that -dtb can
// read back. The synthesized reg entries use 64-bit cells.
func dumpDeviceTree(path string, nodes []fdt.Node) error {
	root := fdt.Node{
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
		},
		Children: nodes,
	}
	blob, err := fdt.Build(root)
	if err != nil {
		return fmt.Errorf("serialize device tree: %w", err)
	}
	if err := os.WriteFile(path, blob, 0644); err != nil {
		return fmt.Errorf("write device tree: %w", err)
	}
	slog.Info("gicboot: wrote device tree", "path", path, "bytes", len(blob))
	return nil
}

func isSplitEOI(compatible string) bool {
	return compatible == "arm,cortex-a15-gic" || compatible == "arm,gic-400"
}

// runSelftest pulses a shared line on the primary model and walks it through
// acknowledge, dispatch and end of interrupt.
func runSelftest(table *hostirq.Table, driver *gic.Driver, models []*gicv2.Model) error {
	primary, err := driver.Controller(0)
	if err != nil {
		return err
	}

	line := primary.Offset() + 40
	fired := 0
	err = table.Register(line, "selftest", func(num uint32, dev any) hostirq.Result {
		fired++
		slog.Info("selftest: handler invoked", "irq", num)
		return hostirq.ResultHandled
	}, nil)
	if err != nil {
		return err
	}

	models[0].SetLevel(40, true)
	active := table.Active()
	if active != line {
		return fmt.Errorf("selftest: active irq %d, want %d", active, line)
	}
	models[0].SetLevel(40, false)

	if result := table.Exec(active); result != hostirq.ResultHandled {
		return fmt.Errorf("selftest: irq %d not handled", active)
	}
	if fired != 1 {
		return fmt.Errorf("selftest: handler ran %d times, want 1", fired)
	}

	fmt.Println("selftest: ok")
	return nil
}
