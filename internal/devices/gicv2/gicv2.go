// Package gicv2 implements a software model of the ARM Generic Interrupt
// Controller (GICv2): a distributor plus up to eight banked CPU interfaces,
// with the optional split end-of-interrupt extension. The model is register
// accurate for the programming surface host drivers use and backs bring-up
// tooling and driver tests where real hardware is not available.
package gicv2

import (
	"fmt"
	"sync"

	"github.com/tinyrange/hvirq/internal/hostio"
)

// Distributor register offsets.
const (
	GICD_CTLR       = 0x000
	GICD_TYPER      = 0x004
	GICD_ISENABLER  = 0x100
	GICD_ICENABLER  = 0x180
	GICD_ISPENDR    = 0x200
	GICD_ICPENDR    = 0x280
	GICD_ISACTIVER  = 0x300
	GICD_IPRIORITYR = 0x400
	GICD_ITARGETSR  = 0x800
	GICD_ICFGR      = 0xc00
	GICD_SGIR       = 0xf00
)

// CPU interface register offsets.
const (
	GICC_CTLR  = 0x00
	GICC_PMR   = 0x04
	GICC_BPR   = 0x08
	GICC_IAR   = 0x0c
	GICC_EOIR  = 0x10
	GICC_RPR   = 0x14
	GICC_HPPIR = 0x18
)

// GICC2_DIR is the deactivate register in the secondary CPU interface bank.
const GICC2_DIR = 0x00

const (
	maxLines   = 1020
	maxCPUs    = 8
	spuriousID = 1023
	idMask     = 0x3ff
	numSGIs    = 16
	numPrivate = 32

	// Bank sizes. The secondary bank sits one page above the CPU interface
	// when the topology does not place it explicitly.
	DistSize = 0x1000
	CPUSize  = 0x1000
	CPU2Size = 0x1000
)

// Config selects the modelled hardware's shape.
type Config struct {
	// Lines is the number of wired interrupt sources; rounded up to a
	// multiple of 32 and capped at 1020. Zero means 96.
	Lines uint32
	// CPUs is the number of CPU interface banks, capped at 8. Zero means 1.
	CPUs int
	// SplitEOI enables the secondary bank: EOIR only drops priority and
	// lines stay active until deactivated through DIR.
	SplitEOI bool
}

type cpuState struct {
	ctlr uint32
	pmr  uint32
	bpr  uint32

	// Banked per-CPU line state (SGIs and PPIs).
	enable  [numPrivate]bool
	pending [numPrivate]bool

	// Lines acknowledged on this CPU, by state.
	active  map[uint32]bool
	dropped map[uint32]bool
}

// Model is the modelled controller. All register windows derived from it
// share one lock; concurrent accesses serialize the way hardware register
// accesses do.
type Model struct {
	mu  sync.Mutex
	cfg Config

	current int // CPU whose banked distributor registers are visible

	ctlr uint32

	enable   [maxLines]bool
	pending  [maxLines]bool
	level    [maxLines]bool
	edge     [maxLines]bool
	priority [maxLines]uint8
	target   [maxLines]uint8

	cpus [maxCPUs]cpuState
}

// New builds a model with the given shape.
func New(cfg Config) *Model {
	if cfg.Lines == 0 {
		cfg.Lines = 96
	}
	cfg.Lines = (cfg.Lines + 31) &^ 31
	if cfg.Lines > maxLines {
		cfg.Lines = maxLines
	}
	if cfg.CPUs <= 0 {
		cfg.CPUs = 1
	}
	if cfg.CPUs > maxCPUs {
		cfg.CPUs = maxCPUs
	}

	m := &Model{cfg: cfg}
	for i := range m.cpus {
		m.cpus[i].active = make(map[uint32]bool)
		m.cpus[i].dropped = make(map[uint32]bool)
	}
	for line := uint32(0); line < numSGIs; line++ {
		m.edge[line] = true // SGI trigger configuration is fixed
	}
	return m
}

// SetCurrentCPU selects which CPU's banked distributor registers subsequent
// accesses observe, standing in for which core issues the access.
func (m *Model) SetCurrentCPU(cpu int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cpu >= 0 && cpu < m.cfg.CPUs {
		m.current = cpu
	}
}

// Dist returns the distributor register window.
func (m *Model) Dist() hostio.Window { return &distWindow{m: m} }

// CPU returns the CPU interface window of the given core.
func (m *Model) CPU(cpu int) hostio.Window { return &cpuWindow{m: m, cpu: cpu} }

// CPU2 returns the secondary (deactivate) window of the given core.
func (m *Model) CPU2(cpu int) hostio.Window { return &cpu2Window{m: m, cpu: cpu} }

// Bind attaches the model's banks to a bus at the given base addresses,
// using cpu as the accessing core for the shared windows.
func (m *Model) Bind(bus *hostio.Bus, distBase, cpuBase, cpu2Base uint64, cpu int) error {
	if err := bus.Bind(distBase, DistSize, m.Dist()); err != nil {
		return fmt.Errorf("gicv2: bind distributor: %w", err)
	}
	if err := bus.Bind(cpuBase, CPUSize, m.CPU(cpu)); err != nil {
		return fmt.Errorf("gicv2: bind cpu interface: %w", err)
	}
	if err := bus.Bind(cpu2Base, CPU2Size, m.CPU2(cpu)); err != nil {
		return fmt.Errorf("gicv2: bind cpu2 interface: %w", err)
	}
	return nil
}

// SetLevel drives a shared peripheral line. Level-configured lines stay
// pending while high; edge-configured lines latch on the rising edge.
func (m *Model) SetLevel(line uint32, high bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if line < numPrivate || line >= m.cfg.Lines {
		return
	}
	rising := high && !m.level[line]
	m.level[line] = high
	if m.edge[line] {
		if rising {
			m.pending[line] = true
		}
	} else {
		if high {
			m.pending[line] = true
		}
		// A deasserted level line stops being pending unless latched active.
		if !high {
			m.pending[line] = false
		}
	}
}

// Inspection helpers used by tests and bring-up tooling.

// Enabled reports the enable bit of a line (banked lines: for cpu).
func (m *Model) Enabled(cpu int, line uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if line < numPrivate {
		return m.cpus[cpu].enable[line]
	}
	return line < m.cfg.Lines && m.enable[line]
}

// Pending reports whether a line is pending (banked lines: for cpu).
func (m *Model) Pending(cpu int, line uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if line < numPrivate {
		return m.cpus[cpu].pending[line]
	}
	return line < m.cfg.Lines && m.pending[line]
}

// Active reports whether cpu holds the line acknowledged and not yet
// deactivated.
func (m *Model) Active(cpu int, line uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cpus[cpu].active[line]
}

// Target returns the routing byte of a shared line.
func (m *Model) Target(line uint32) uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if line < numPrivate || line >= m.cfg.Lines {
		return 0
	}
	return m.target[line]
}

// IsEdge reports the trigger configuration of a line.
func (m *Model) IsEdge(line uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return line < m.cfg.Lines && m.edge[line]
}

// Priority returns the configured priority byte of a line.
func (m *Model) Priority(line uint32) uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if line >= m.cfg.Lines {
		return 0
	}
	return m.priority[line]
}

// DistEnabled reports whether distribution is globally enabled.
func (m *Model) DistEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctlr&1 != 0
}

// CPUEnabled reports whether a core's interface is enabled.
func (m *Model) CPUEnabled(cpu int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cpus[cpu].ctlr&1 != 0
}

// acknowledge latches the lowest deliverable line for cpu. Priorities are
// not arbitrated; the host configures every line equal.
func (m *Model) acknowledge(cpu int) uint32 {
	if m.ctlr&1 == 0 || m.cpus[cpu].ctlr&1 == 0 {
		return spuriousID
	}
	st := &m.cpus[cpu]
	for line := uint32(0); line < m.cfg.Lines; line++ {
		if st.active[line] || st.dropped[line] {
			continue
		}
		if line < numPrivate {
			if st.enable[line] && st.pending[line] {
				st.pending[line] = false
				st.active[line] = true
				return line
			}
			continue
		}
		if m.enable[line] && m.pending[line] && m.target[line]&(1<<cpu) != 0 {
			m.pending[line] = false
			st.active[line] = true
			return line
		}
	}
	return spuriousID
}

func (m *Model) priorityDrop(cpu int, line uint32) {
	st := &m.cpus[cpu]
	if !st.active[line] {
		return
	}
	if m.cfg.SplitEOI {
		delete(st.active, line)
		st.dropped[line] = true
		return
	}
	delete(st.active, line)
	m.relatch(line)
}

func (m *Model) deactivate(cpu int, line uint32) {
	st := &m.cpus[cpu]
	if !st.dropped[line] && !st.active[line] {
		return
	}
	delete(st.active, line)
	delete(st.dropped, line)
	m.relatch(line)
}

// relatch re-arms a level line that is still asserted once it is no longer
// active anywhere.
func (m *Model) relatch(line uint32) {
	if line < numPrivate || m.edge[line] {
		return
	}
	if m.level[line] {
		m.pending[line] = true
	}
}

func (m *Model) softInt(value uint32) {
	sgi := value & 0xf
	targets := (value >> 16) & 0xff
	filter := (value >> 24) & 0x3

	switch filter {
	case 1: // all but self
		targets = (1<<m.cfg.CPUs - 1) &^ (1 << m.current)
	case 2: // self only
		targets = 1 << m.current
	}

	for cpu := 0; cpu < m.cfg.CPUs; cpu++ {
		if targets&(1<<cpu) != 0 {
			m.cpus[cpu].pending[sgi] = true
		}
	}
}

// distWindow exposes the distributor registers over the model.
type distWindow struct {
	m *Model
}

func (w *distWindow) Readl(off uint64) uint32 {
	m := w.m
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case off == GICD_CTLR:
		return m.ctlr
	case off == GICD_TYPER:
		return m.cfg.Lines/32 - 1
	case off >= GICD_ISENABLER && off < GICD_ISENABLER+0x80:
		return m.enableWord(uint32(off-GICD_ISENABLER) / 4)
	case off >= GICD_ICENABLER && off < GICD_ICENABLER+0x80:
		return m.enableWord(uint32(off-GICD_ICENABLER) / 4)
	case off >= GICD_ISPENDR && off < GICD_ISPENDR+0x80:
		return m.pendingWord(uint32(off-GICD_ISPENDR) / 4)
	case off >= GICD_ICPENDR && off < GICD_ICPENDR+0x80:
		return m.pendingWord(uint32(off-GICD_ICPENDR) / 4)
	case off >= GICD_ISACTIVER && off < GICD_ISACTIVER+0x80:
		return m.activeWord(uint32(off-GICD_ISACTIVER) / 4)
	case off >= GICD_IPRIORITYR && off < GICD_IPRIORITYR+0x400:
		return m.priorityWord(uint32(off - GICD_IPRIORITYR))
	case off >= GICD_ITARGETSR && off < GICD_ITARGETSR+0x400:
		return m.targetWord(uint32(off - GICD_ITARGETSR))
	case off >= GICD_ICFGR && off < GICD_ICFGR+0x100:
		return m.configWord(uint32(off-GICD_ICFGR) / 4)
	default:
		return 0
	}
}

func (w *distWindow) Writel(off uint64, v uint32) {
	m := w.m
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case off == GICD_CTLR:
		m.ctlr = v & 1
	case off >= GICD_ISENABLER && off < GICD_ISENABLER+0x80:
		m.setEnableWord(uint32(off-GICD_ISENABLER)/4, v, true)
	case off >= GICD_ICENABLER && off < GICD_ICENABLER+0x80:
		m.setEnableWord(uint32(off-GICD_ICENABLER)/4, v, false)
	case off >= GICD_ISPENDR && off < GICD_ISPENDR+0x80:
		m.setPendingWord(uint32(off-GICD_ISPENDR)/4, v, true)
	case off >= GICD_ICPENDR && off < GICD_ICPENDR+0x80:
		m.setPendingWord(uint32(off-GICD_ICPENDR)/4, v, false)
	case off >= GICD_IPRIORITYR && off < GICD_IPRIORITYR+0x400:
		m.setPriorityWord(uint32(off-GICD_IPRIORITYR), v)
	case off >= GICD_ITARGETSR && off < GICD_ITARGETSR+0x400:
		m.setTargetWord(uint32(off-GICD_ITARGETSR), v)
	case off >= GICD_ICFGR && off < GICD_ICFGR+0x100:
		m.setConfigWord(uint32(off-GICD_ICFGR)/4, v)
	case off == GICD_SGIR:
		m.softInt(v)
	}
}

func (m *Model) enableWord(word uint32) uint32 {
	var v uint32
	for bit := uint32(0); bit < 32; bit++ {
		line := word*32 + bit
		if line >= m.cfg.Lines {
			break
		}
		enabled := false
		if line < numPrivate {
			enabled = m.cpus[m.current].enable[line]
		} else {
			enabled = m.enable[line]
		}
		if enabled {
			v |= 1 << bit
		}
	}
	return v
}

func (m *Model) setEnableWord(word, v uint32, set bool) {
	for bit := uint32(0); bit < 32; bit++ {
		if v&(1<<bit) == 0 {
			continue
		}
		line := word*32 + bit
		if line >= m.cfg.Lines {
			break
		}
		switch {
		case line < numSGIs && !set:
			// SGI enables cannot be cleared.
		case line < numPrivate:
			m.cpus[m.current].enable[line] = set
		default:
			m.enable[line] = set
		}
	}
}

func (m *Model) pendingWord(word uint32) uint32 {
	var v uint32
	for bit := uint32(0); bit < 32; bit++ {
		line := word*32 + bit
		if line >= m.cfg.Lines {
			break
		}
		pending := false
		if line < numPrivate {
			pending = m.cpus[m.current].pending[line]
		} else {
			pending = m.pending[line]
		}
		if pending {
			v |= 1 << bit
		}
	}
	return v
}

func (m *Model) setPendingWord(word, v uint32, set bool) {
	for bit := uint32(0); bit < 32; bit++ {
		if v&(1<<bit) == 0 {
			continue
		}
		line := word*32 + bit
		if line >= m.cfg.Lines {
			break
		}
		if line < numPrivate {
			m.cpus[m.current].pending[line] = set
		} else {
			m.pending[line] = set
		}
	}
}

func (m *Model) activeWord(word uint32) uint32 {
	var v uint32
	for bit := uint32(0); bit < 32; bit++ {
		line := word*32 + bit
		if line >= m.cfg.Lines {
			break
		}
		for cpu := 0; cpu < m.cfg.CPUs; cpu++ {
			if m.cpus[cpu].active[line] {
				v |= 1 << bit
				break
			}
		}
	}
	return v
}

func (m *Model) priorityWord(byteOff uint32) uint32 {
	var v uint32
	for i := uint32(0); i < 4; i++ {
		line := byteOff + i
		if line >= m.cfg.Lines {
			break
		}
		v |= uint32(m.priority[line]) << (i * 8)
	}
	return v
}

func (m *Model) setPriorityWord(byteOff, v uint32) {
	for i := uint32(0); i < 4; i++ {
		line := byteOff + i
		if line >= m.cfg.Lines {
			break
		}
		m.priority[line] = uint8(v >> (i * 8))
	}
}

func (m *Model) targetWord(byteOff uint32) uint32 {
	var v uint32
	for i := uint32(0); i < 4; i++ {
		line := byteOff + i
		if line >= m.cfg.Lines {
			break
		}
		target := m.target[line]
		if line < numPrivate {
			// Banked lines always target the accessing core.
			target = 1 << m.current
		}
		v |= uint32(target) << (i * 8)
	}
	return v
}

func (m *Model) setTargetWord(byteOff, v uint32) {
	for i := uint32(0); i < 4; i++ {
		line := byteOff + i
		if line >= m.cfg.Lines {
			break
		}
		if line < numPrivate {
			continue // routing of banked lines is fixed
		}
		m.target[line] = uint8(v >> (i * 8))
	}
}

func (m *Model) configWord(word uint32) uint32 {
	var v uint32
	for i := uint32(0); i < 16; i++ {
		line := word*16 + i
		if line >= m.cfg.Lines {
			break
		}
		if m.edge[line] {
			v |= 2 << (i * 2)
		}
	}
	return v
}

func (m *Model) setConfigWord(word, v uint32) {
	if word < 2 {
		return // SGI and PPI trigger configuration is fixed
	}
	for i := uint32(0); i < 16; i++ {
		line := word*16 + i
		if line >= m.cfg.Lines {
			break
		}
		m.edge[line] = v&(2<<(i*2)) != 0
	}
}

// cpuWindow exposes one core's CPU interface registers.
type cpuWindow struct {
	m   *Model
	cpu int
}

func (w *cpuWindow) Readl(off uint64) uint32 {
	m := w.m
	m.mu.Lock()
	defer m.mu.Unlock()

	st := &m.cpus[w.cpu]
	switch off {
	case GICC_CTLR:
		return st.ctlr
	case GICC_PMR:
		return st.pmr
	case GICC_BPR:
		return st.bpr
	case GICC_IAR:
		return m.acknowledge(w.cpu)
	case GICC_RPR:
		if len(st.active) == 0 {
			return 0xff
		}
		return 0xa0
	default:
		return 0
	}
}

func (w *cpuWindow) Writel(off uint64, v uint32) {
	m := w.m
	m.mu.Lock()
	defer m.mu.Unlock()

	st := &m.cpus[w.cpu]
	switch off {
	case GICC_CTLR:
		st.ctlr = v
	case GICC_PMR:
		st.pmr = v & 0xff
	case GICC_BPR:
		st.bpr = v & 0x7
	case GICC_EOIR:
		m.priorityDrop(w.cpu, v&idMask)
	}
}

// cpu2Window exposes one core's deactivation register.
type cpu2Window struct {
	m   *Model
	cpu int
}

func (w *cpu2Window) Readl(off uint64) uint32 { return 0 }

func (w *cpu2Window) Writel(off uint64, v uint32) {
	m := w.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if off == GICC2_DIR {
		m.deactivate(w.cpu, v&idMask)
	}
}

var (
	_ hostio.Window = (*distWindow)(nil)
	_ hostio.Window = (*cpuWindow)(nil)
	_ hostio.Window = (*cpu2Window)(nil)
)
