package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Parse decodes an FDT blob into a node tree. It is the inverse of Build:
// property payloads come back as raw bytes (or a flag for empty properties);
// the typed accessors in lookup.go interpret them.
func Parse(blob []byte) (Node, error) {
	if len(blob) < fdtHeaderSize {
		return Node{}, fmt.Errorf("fdt: blob too short: %d bytes", len(blob))
	}
	if magic := binary.BigEndian.Uint32(blob[0:4]); magic != fdtMagic {
		return Node{}, fmt.Errorf("fdt: bad magic 0x%08x", magic)
	}
	totalSize := binary.BigEndian.Uint32(blob[4:8])
	if uint32(len(blob)) < totalSize {
		return Node{}, fmt.Errorf("fdt: truncated blob: have %d bytes, header says %d", len(blob), totalSize)
	}
	version := binary.BigEndian.Uint32(blob[20:24])
	if version < fdtLastCompVer {
		return Node{}, fmt.Errorf("fdt: unsupported version %d", version)
	}

	offStruct := binary.BigEndian.Uint32(blob[8:12])
	offStrings := binary.BigEndian.Uint32(blob[12:16])
	if offStruct >= totalSize || offStrings > totalSize {
		return Node{}, fmt.Errorf("fdt: block offsets out of range")
	}

	p := &parser{
		structBlock: blob[offStruct:totalSize],
		strings:     blob[offStrings:totalSize],
	}

	token, err := p.token()
	if err != nil {
		return Node{}, err
	}
	if token != fdtBeginNodeToken {
		return Node{}, fmt.Errorf("fdt: expected root node, got token 0x%x", token)
	}
	root, err := p.node()
	if err != nil {
		return Node{}, err
	}
	return root, nil
}

type parser struct {
	structBlock []byte
	strings     []byte
	off         int
}

// node parses the body of a node whose begin token was already consumed.
func (p *parser) node() (Node, error) {
	name, err := p.nodeName()
	if err != nil {
		return Node{}, err
	}
	n := Node{Name: name}

	for {
		token, err := p.token()
		if err != nil {
			return Node{}, err
		}
		switch token {
		case fdtPropToken:
			propName, prop, err := p.property()
			if err != nil {
				return Node{}, err
			}
			if n.Properties == nil {
				n.Properties = make(map[string]Property)
			}
			n.Properties[propName] = prop
		case fdtBeginNodeToken:
			child, err := p.node()
			if err != nil {
				return Node{}, err
			}
			n.Children = append(n.Children, child)
		case fdtEndNodeToken:
			// The cell widths a node's reg property uses are declared on
			// its parent.
			if ac, ok := n.PropU32("#address-cells"); ok {
				for i := range n.Children {
					n.Children[i].addrCells = ac
				}
			}
			if sc, ok := n.PropU32("#size-cells"); ok {
				for i := range n.Children {
					n.Children[i].sizeCells = sc
				}
			}
			return n, nil
		default:
			return Node{}, fmt.Errorf("fdt: unexpected token 0x%x in node %q", token, name)
		}
	}
}

func (p *parser) property() (string, Property, error) {
	length, err := p.u32()
	if err != nil {
		return "", Property{}, err
	}
	nameOff, err := p.u32()
	if err != nil {
		return "", Property{}, err
	}
	if int(length) > len(p.structBlock)-p.off {
		return "", Property{}, fmt.Errorf("fdt: property payload overruns structure block")
	}
	payload := p.structBlock[p.off : p.off+int(length)]
	p.off += int(length)
	p.pad()

	name, err := p.stringAt(nameOff)
	if err != nil {
		return "", Property{}, err
	}

	if length == 0 {
		return name, Property{Flag: true}, nil
	}
	return name, Property{Bytes: append([]byte(nil), payload...)}, nil
}

func (p *parser) nodeName() (string, error) {
	end := bytes.IndexByte(p.structBlock[p.off:], 0)
	if end < 0 {
		return "", fmt.Errorf("fdt: unterminated node name")
	}
	name := string(p.structBlock[p.off : p.off+end])
	p.off += end + 1
	p.pad()
	return name, nil
}

func (p *parser) token() (uint32, error) {
	for {
		v, err := p.u32()
		if err != nil {
			return 0, err
		}
		if v == fdtNopToken {
			continue
		}
		return v, nil
	}
}

func (p *parser) u32() (uint32, error) {
	if p.off+4 > len(p.structBlock) {
		return 0, fmt.Errorf("fdt: structure block truncated")
	}
	v := binary.BigEndian.Uint32(p.structBlock[p.off:])
	p.off += 4
	return v, nil
}

func (p *parser) pad() {
	for p.off%4 != 0 {
		p.off++
	}
}

func (p *parser) stringAt(off uint32) (string, error) {
	if int(off) >= len(p.strings) {
		return "", fmt.Errorf("fdt: string offset 0x%x out of range", off)
	}
	end := bytes.IndexByte(p.strings[off:], 0)
	if end < 0 {
		return "", fmt.Errorf("fdt: unterminated string at 0x%x", off)
	}
	return string(p.strings[off : int(off)+end]), nil
}
