package hostio

import "encoding/binary"

// Mem is a RAM-backed register window. It is used as backing storage for
// modelled hardware and in tests. Reads outside the window return zero and
// writes outside it are dropped, matching an unmapped bus access.
type Mem struct {
	buf []byte
}

// NewMem returns a zeroed window of the given size in bytes.
func NewMem(size uint64) *Mem {
	return &Mem{buf: make([]byte, size)}
}

// Readl implements Window.
func (m *Mem) Readl(off uint64) uint32 {
	if off+4 > uint64(len(m.buf)) {
		return 0
	}
	return binary.LittleEndian.Uint32(m.buf[off:])
}

// Writel implements Window.
func (m *Mem) Writel(off uint64, v uint32) {
	if off+4 > uint64(len(m.buf)) {
		return
	}
	binary.LittleEndian.PutUint32(m.buf[off:], v)
}

// Size returns the window size in bytes.
func (m *Mem) Size() uint64 { return uint64(len(m.buf)) }

var _ Window = (*Mem)(nil)
