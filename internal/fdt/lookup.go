package fdt

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// Find returns the first node in the tree (depth first, including n itself)
// whose name matches, ignoring any unit address suffix ("gic@8000000"
// matches "gic"). It returns nil when no node matches.
func (n *Node) Find(name string) *Node {
	if baseName(n.Name) == name {
		return n
	}
	for i := range n.Children {
		if found := n.Children[i].Find(name); found != nil {
			return found
		}
	}
	return nil
}

// FindCompatible returns the first node whose "compatible" property contains
// compat, or nil.
func (n *Node) FindCompatible(compat string) *Node {
	for _, c := range n.Compatible() {
		if c == compat {
			return n
		}
	}
	for i := range n.Children {
		if found := n.Children[i].FindCompatible(compat); found != nil {
			return found
		}
	}
	return nil
}

// Compatible returns the node's "compatible" strings, if any.
func (n *Node) Compatible() []string {
	return n.PropStrings("compatible")
}

// HasProperty reports whether the node carries the named property.
func (n *Node) HasProperty(name string) bool {
	_, ok := n.Properties[name]
	return ok
}

// PropU32 returns the first cell of the named property.
func (n *Node) PropU32(name string) (uint32, bool) {
	prop, ok := n.Properties[name]
	if !ok {
		return 0, false
	}
	if len(prop.U32) > 0 {
		return prop.U32[0], true
	}
	if len(prop.U64) > 0 {
		return uint32(prop.U64[0]), true
	}
	if len(prop.Bytes) >= 4 {
		return binary.BigEndian.Uint32(prop.Bytes), true
	}
	return 0, false
}

// PropStrings returns the named property as a NUL-separated string list.
func (n *Node) PropStrings(name string) []string {
	prop, ok := n.Properties[name]
	if !ok {
		return nil
	}
	if len(prop.Strings) > 0 {
		return prop.Strings
	}
	if len(prop.Bytes) > 0 {
		raw := bytes.TrimSuffix(prop.Bytes, []byte{0})
		return strings.Split(string(raw), "\x00")
	}
	return nil
}

// RegAddress returns the address and size of entry index in the node's "reg"
// property. Entries are (address, size) pairs; both 64-bit and 32-bit cell
// layouts are accepted.
func (n *Node) RegAddress(index int) (addr, size uint64, ok bool) {
	cells := n.regCells()
	if index < 0 || 2*index+1 >= len(cells) {
		return 0, 0, false
	}
	return cells[2*index], cells[2*index+1], true
}

func (n *Node) regCells() []uint64 {
	prop, ok := n.Properties["reg"]
	if !ok {
		return nil
	}
	switch {
	case len(prop.U64) > 0:
		return append([]uint64(nil), prop.U64...)
	case len(prop.U32) > 0:
		cells := make([]uint64, len(prop.U32))
		for i, v := range prop.U32 {
			cells[i] = uint64(v)
		}
		return cells
	case len(prop.Bytes) > 0:
		return decodeRegBytes(prop.Bytes, n.addrCells, n.sizeCells)
	default:
		return nil
	}
}

// decodeRegBytes turns a raw reg payload into (address, size) pairs using the
// declared cell widths. Without declared widths the entry layout is guessed
// from the payload length, preferring 64-bit pairs.
func decodeRegBytes(b []byte, addrCells, sizeCells uint32) []uint64 {
	if addrCells == 0 || sizeCells == 0 {
		switch {
		case len(b)%16 == 0:
			addrCells, sizeCells = 2, 2
		case len(b)%8 == 0:
			addrCells, sizeCells = 1, 1
		default:
			return nil
		}
	}
	if addrCells > 2 || sizeCells > 2 {
		return nil
	}

	entry := int(addrCells+sizeCells) * 4
	if len(b)%entry != 0 {
		return nil
	}

	pairs := make([]uint64, 0, len(b)/entry*2)
	for off := 0; off < len(b); off += entry {
		addr := readCells(b[off:], addrCells)
		size := readCells(b[off+int(addrCells)*4:], sizeCells)
		pairs = append(pairs, addr, size)
	}
	return pairs
}

func readCells(b []byte, cells uint32) uint64 {
	var v uint64
	for i := uint32(0); i < cells; i++ {
		v = v<<32 | uint64(binary.BigEndian.Uint32(b[i*4:]))
	}
	return v
}

func baseName(name string) string {
	if at := strings.IndexByte(name, '@'); at >= 0 {
		return name[:at]
	}
	return name
}
